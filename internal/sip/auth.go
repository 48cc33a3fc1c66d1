package sip

import (
	"crypto/md5"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/coralpbx/coralpbx/internal/database/models"
)

const (
	authRealm   = "coralpbx"
	nonceExpiry = 5 * time.Minute
	authAlgoMD5 = "MD5"
)

// Auth modes.
const (
	AuthModeDigest = "digest"
	AuthModeIP     = "ip"
)

// Authenticator verifies REGISTER and INVITE senders. In digest mode it
// runs RFC 2617 challenge/response against the extension's stored HA1;
// in ip mode it trusts sources on the configured LAN networks, which is
// the common closet-PBX deployment.
type Authenticator struct {
	mode     string
	registry *Registry
	trusted  []*net.IPNet
	guard    *BruteForceGuard
	nonces   sync.Map // nonce -> time.Time issued
	logger   *slog.Logger
}

// NewAuthenticator creates an authenticator in the given mode.
func NewAuthenticator(mode string, registry *Registry, trusted []*net.IPNet, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		mode:     mode,
		registry: registry,
		trusted:  trusted,
		guard:    NewBruteForceGuard(logger),
		logger:   logger.With("subsystem", "auth"),
	}
}

// Guard exposes the brute-force guard for periodic cleanup.
func (a *Authenticator) Guard() *BruteForceGuard {
	return a.guard
}

// Authenticate verifies the request against the claimed extension and
// returns its identity, or nil after sending the appropriate response
// (401 challenge, 403, 500).
func (a *Authenticator) Authenticate(req *sip.Request, tx sip.ServerTransaction, extNumber string) *models.Extension {
	source := req.Source()

	if a.guard.Blocked(source) {
		a.logger.Warn("auth rejected, source locked out", "source", source, "extension", extNumber)
		a.respondError(req, tx, 403, "Forbidden")
		return nil
	}

	ext := a.registry.Lookup(extNumber)
	if ext == nil {
		a.logger.Warn("auth for unknown extension", "extension", extNumber, "source", source)
		a.guard.RecordFailure(source)
		a.respondError(req, tx, 404, "Not Found")
		return nil
	}

	switch a.mode {
	case AuthModeIP:
		if a.trustedSource(source, extNumber) {
			return ext
		}
		a.logger.Warn("auth rejected, source outside trusted networks", "source", source, "extension", extNumber)
		a.guard.RecordFailure(source)
		a.respondError(req, tx, 403, "Forbidden")
		return nil
	default:
		return a.authenticateDigest(req, tx, ext)
	}
}

// trustedSource accepts sources inside a trusted network, or sources that
// already hold the extension's current registration. With no networks
// configured every source is trusted, matching a closed-LAN deployment.
func (a *Authenticator) trustedSource(source, extNumber string) bool {
	if len(a.trusted) == 0 {
		return true
	}

	host := extractIP(source)
	ip := net.ParseIP(host)
	if ip != nil {
		for _, n := range a.trusted {
			if n.Contains(ip) {
				return true
			}
		}
	}

	if reg := a.registry.RegistrationOf(extNumber); reg != nil && reg.Host == host {
		return true
	}
	return false
}

func (a *Authenticator) authenticateDigest(req *sip.Request, tx sip.ServerTransaction, ext *models.Extension) *models.Extension {
	source := req.Source()

	h := req.GetHeader("Authorization")
	if h == nil {
		a.challenge(req, tx)
		return nil
	}

	cred, err := digest.ParseCredentials(h.Value())
	if err != nil {
		a.logger.Warn("unparseable authorization header", "error", err, "source", source)
		a.guard.RecordFailure(source)
		a.respondError(req, tx, 400, "Bad Request")
		return nil
	}

	// Reject replayed or stale nonces by re-challenging.
	issued, ok := a.nonces.Load(cred.Nonce)
	if !ok || time.Since(issued.(time.Time)) > nonceExpiry {
		a.nonces.Delete(cred.Nonce)
		a.challenge(req, tx)
		return nil
	}

	// The store keeps HA1 = md5(user:realm:password) rather than the
	// password itself, so the expected response is computed directly.
	expected := digestResponse(ext.PasswordHash, string(req.Method), cred)
	if expected == "" || subtle.ConstantTimeCompare([]byte(cred.Response), []byte(expected)) != 1 {
		a.logger.Warn("digest auth failed", "username", cred.Username, "extension", ext.Number, "source", source)
		a.guard.RecordFailure(source)
		a.challenge(req, tx)
		return nil
	}

	// Nonces are single-use.
	a.nonces.Delete(cred.Nonce)
	a.guard.RecordSuccess(source)

	a.logger.Debug("digest auth ok", "extension", ext.Number, "source", source)
	return ext
}

// challenge sends 401 with a fresh nonce.
func (a *Authenticator) challenge(req *sip.Request, tx sip.ServerTransaction) {
	nonce := a.generateNonce()
	a.nonces.Store(nonce, time.Now())

	chal := digest.Challenge{
		Realm:     authRealm,
		Nonce:     nonce,
		Algorithm: authAlgoMD5,
	}

	res := sip.NewResponseFromRequest(req, 401, "Unauthorized", nil)
	res.AppendHeader(sip.NewHeader("WWW-Authenticate", chal.String()))
	if err := tx.Respond(res); err != nil {
		a.logger.Error("sending auth challenge failed", "error", err)
	}
}

// CleanExpired drops stale nonces and refilled brute-force buckets.
func (a *Authenticator) CleanExpired() {
	now := time.Now()
	a.nonces.Range(func(key, value any) bool {
		if now.Sub(value.(time.Time)) > nonceExpiry {
			a.nonces.Delete(key)
		}
		return true
	})
	a.guard.Cleanup()
}

func (a *Authenticator) generateNonce() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

func (a *Authenticator) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		a.logger.Error("sending error response failed", "code", code, "error", err)
	}
}

// digestResponse computes the expected RFC 2617 response from a stored
// HA1. Supports plain and qop=auth exchanges. Returns "" when the stored
// hash is not an HA1 (for example a password-style hash), which always
// fails verification.
func digestResponse(ha1, method string, cred *digest.Credentials) string {
	if len(ha1) != 32 {
		return ""
	}

	ha2 := md5hex(method + ":" + cred.URI)
	if cred.QOP == "auth" {
		nc := fmt.Sprintf("%08x", cred.Nc)
		return md5hex(ha1 + ":" + cred.Nonce + ":" + nc + ":" + cred.Cnonce + ":" + cred.QOP + ":" + ha2)
	}
	return md5hex(ha1 + ":" + cred.Nonce + ":" + ha2)
}

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
