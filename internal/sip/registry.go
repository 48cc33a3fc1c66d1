package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/coralpbx/coralpbx/internal/database"
	"github.com/coralpbx/coralpbx/internal/database/models"
)

const expirySweepPeriod = 30 * time.Second

// Registration is the transient binding of an extension to its network
// location, refreshed by REGISTER and dropped on expiry.
type Registration struct {
	Extension  string
	ContactURI string
	Host       string
	Port       int
	UserAgent  string
	MAC        string
	FirstSeen  time.Time
	LastSeen   time.Time
	ExpiresAt  time.Time
}

// Active reports whether the binding has not yet expired.
func (r *Registration) Active() bool {
	return time.Now().Before(r.ExpiresAt)
}

// Registry is the in-memory map of extension identities and their current
// registrations. Identities are seeded from the store at boot; bindings
// live only in memory and phones re-register after a restart.
type Registry struct {
	extensions database.ExtensionRepository
	logger     *slog.Logger

	mu         sync.RWMutex
	identities map[string]*models.Extension
	bindings   map[string]*Registration
}

// NewRegistry creates an empty registry over the extension store.
func NewRegistry(extensions database.ExtensionRepository, logger *slog.Logger) *Registry {
	return &Registry{
		extensions: extensions,
		logger:     logger.With("subsystem", "registry"),
		identities: make(map[string]*models.Extension),
		bindings:   make(map[string]*Registration),
	}
}

// Seed loads all extension identities from the store. Called at boot,
// after the stale-registration purge.
func (r *Registry) Seed(ctx context.Context) error {
	exts, err := r.extensions.List(ctx)
	if err != nil {
		return fmt.Errorf("seeding extension registry: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range exts {
		r.identities[exts[i].Number] = &exts[i]
	}
	r.logger.Info("extension registry seeded", "extensions", len(exts))
	return nil
}

// Reload re-reads identities from the store. Transient registrations are
// dropped; phones re-register on their own refresh schedule.
func (r *Registry) Reload(ctx context.Context) error {
	exts, err := r.extensions.List(ctx)
	if err != nil {
		return fmt.Errorf("reloading extension registry: %w", err)
	}

	r.mu.Lock()
	dropped := len(r.bindings)
	r.identities = make(map[string]*models.Extension, len(exts))
	for i := range exts {
		r.identities[exts[i].Number] = &exts[i]
	}
	r.bindings = make(map[string]*Registration)
	r.mu.Unlock()

	if dropped > 0 {
		r.logger.Warn("registry reloaded, active registrations dropped",
			"extensions", len(exts),
			"registrations_dropped", dropped,
		)
	} else {
		r.logger.Info("registry reloaded", "extensions", len(exts))
	}
	return nil
}

// Lookup returns the identity for an extension number, or nil.
func (r *Registry) Lookup(ext string) *models.Extension {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.identities[ext]
}

// IsRegistered reports whether the extension has an unexpired binding.
func (r *Registry) IsRegistered(ext string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.bindings[ext]
	return ok && reg.Active()
}

// ContactOf returns the registered network location for an extension.
func (r *Registry) ContactOf(ext string) (host string, port int, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, found := r.bindings[ext]
	if !found || !reg.Active() {
		return "", 0, false
	}
	return reg.Host, reg.Port, true
}

// RegistrationOf returns a copy of the extension's current binding, or nil.
func (r *Registry) RegistrationOf(ext string) *Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.bindings[ext]
	if !ok || !reg.Active() {
		return nil
	}
	c := *reg
	return &c
}

// Registrations returns copies of all unexpired bindings, sorted by
// extension number.
func (r *Registry) Registrations() []Registration {
	r.mu.RLock()
	out := make([]Registration, 0, len(r.bindings))
	for _, reg := range r.bindings {
		if reg.Active() {
			out = append(out, *reg)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Extension < out[j].Extension })
	return out
}

// Register inserts or refreshes an extension's binding. A refresh keeps
// the original first-seen timestamp, and keeps the previously learned MAC
// when the new registration carries none.
func (r *Registry) Register(ext, host string, port int, userAgent, contactURI, mac string, expires time.Duration) (*Registration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, known := r.identities[ext]; !known {
		return nil, fmt.Errorf("unknown extension %s", ext)
	}

	now := time.Now()
	reg, ok := r.bindings[ext]
	if !ok {
		reg = &Registration{Extension: ext, FirstSeen: now}
		r.bindings[ext] = reg
	}

	reg.Host = host
	reg.Port = port
	reg.UserAgent = userAgent
	reg.ContactURI = contactURI
	reg.LastSeen = now
	reg.ExpiresAt = now.Add(expires)
	if mac != "" {
		reg.MAC = mac
	}

	c := *reg
	return &c, nil
}

// Unregister removes an extension's binding.
func (r *Registry) Unregister(ext string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bindings, ext)
}

// ActiveCount returns the number of unexpired bindings.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, reg := range r.bindings {
		if reg.Active() {
			n++
		}
	}
	return n
}

// SweepExpired removes bindings past their expiry deadline.
func (r *Registry) SweepExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for ext, reg := range r.bindings {
		if !reg.Active() {
			delete(r.bindings, ext)
			removed++
		}
	}
	return removed
}

// RunExpirySweeper periodically removes expired bindings until the
// context is cancelled.
func (r *Registry) RunExpirySweeper(ctx context.Context) {
	ticker := time.NewTicker(expirySweepPeriod)
	defer ticker.Stop()

	r.logger.Info("registration expiry sweeper started", "interval", expirySweepPeriod.String())
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("registration expiry sweeper stopped")
			return
		case <-ticker.C:
			if removed := r.SweepExpired(); removed > 0 {
				r.logger.Info("expired registrations removed", "count", removed)
			}
		}
	}
}
