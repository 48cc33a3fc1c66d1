package sip

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// failureBurst is how many auth failures a source may accumulate
	// before it is locked out.
	failureBurst = 10

	// failureRefill is how fast the failure budget regenerates. One
	// token a minute means a locked-out source waits about a minute
	// per extra attempt.
	failureRefill = time.Minute
)

// BruteForceGuard throttles SIP authentication failures per source IP.
// Each source gets a token bucket; a failed attempt spends a token and
// an empty bucket means the source is locked out until tokens refill.
type BruteForceGuard struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	logger   *slog.Logger
}

// NewBruteForceGuard creates a guard with empty state.
func NewBruteForceGuard(logger *slog.Logger) *BruteForceGuard {
	return &BruteForceGuard{
		limiters: make(map[string]*rate.Limiter),
		logger:   logger.With("subsystem", "bruteforce"),
	}
}

// Blocked reports whether the source has exhausted its failure budget.
func (g *BruteForceGuard) Blocked(source string) bool {
	ip := extractIP(source)
	if ip == "" {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	lim, ok := g.limiters[ip]
	if !ok {
		return false
	}
	return lim.Tokens() < 1
}

// RecordFailure spends one token from the source's failure budget.
func (g *BruteForceGuard) RecordFailure(source string) {
	ip := extractIP(source)
	if ip == "" {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	lim, ok := g.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(rate.Every(failureRefill), failureBurst)
		g.limiters[ip] = lim
	}

	if !lim.Allow() {
		g.logger.Warn("source locked out after repeated auth failures", "ip", ip)
	}
}

// RecordSuccess resets the source's failure budget.
func (g *BruteForceGuard) RecordSuccess(source string) {
	ip := extractIP(source)
	if ip == "" {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.limiters, ip)
}

// Cleanup drops limiters that have refilled back to a full bucket.
func (g *BruteForceGuard) Cleanup() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for ip, lim := range g.limiters {
		if lim.Tokens() >= failureBurst {
			delete(g.limiters, ip)
		}
	}
}

// extractIP parses the IP from a "host:port" source, or returns the raw
// string if it is already a bare IP.
func extractIP(source string) string {
	if source == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(source)
	if err != nil {
		if net.ParseIP(source) != nil {
			return source
		}
		return ""
	}
	return host
}
