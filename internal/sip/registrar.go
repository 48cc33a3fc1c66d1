package sip

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/coralpbx/coralpbx/internal/database"
	"github.com/coralpbx/coralpbx/internal/database/models"
	"github.com/coralpbx/coralpbx/internal/sipmsg"
)

const (
	defaultExpiry = 3600
	minExpiry     = 60
	maxExpiry     = 86400
)

// Registrar handles REGISTER: authenticates, refreshes the in-memory
// binding and tracks the physical device in the store.
type Registrar struct {
	registry *Registry
	phones   database.PhoneRepository
	auth     *Authenticator
	events   EventSink
	logger   *slog.Logger
}

// EventSink receives registration webhook events.
type EventSink interface {
	Emit(event string, data map[string]any)
}

// NewRegistrar creates the REGISTER handler.
func NewRegistrar(registry *Registry, phones database.PhoneRepository, auth *Authenticator, events EventSink, logger *slog.Logger) *Registrar {
	return &Registrar{
		registry: registry,
		phones:   phones,
		auth:     auth,
		events:   events,
		logger:   logger.With("subsystem", "registrar"),
	}
}

// HandleRegister processes a REGISTER request.
func (r *Registrar) HandleRegister(req *sip.Request, tx sip.ServerTransaction) {
	extNumber := req.From().Address.User
	source := req.Source()

	r.logger.Debug("register received", "extension", extNumber, "source", source)

	ext := r.auth.Authenticate(req, tx, extNumber)
	if ext == nil {
		return
	}

	contact := req.Contact()
	if contact == nil {
		r.logger.Warn("register without contact header", "extension", extNumber, "source", source)
		r.respondError(req, tx, 400, "Bad Request")
		return
	}

	expiry := parseExpiry(req)
	if expiry == 0 || contact.Address.Wildcard {
		r.handleUnregister(req, tx, ext)
		return
	}
	if expiry < minExpiry {
		expiry = minExpiry
	}
	if expiry > maxExpiry {
		expiry = maxExpiry
	}

	host, port := splitSource(source)
	userAgent := ""
	if ua := req.GetHeader("User-Agent"); ua != nil {
		userAgent = ua.Value()
	}
	mac := sipmsg.MACFromRequest(req)
	contactURI := contact.Address.String()

	reg, err := r.registry.Register(ext.Number, host, port, userAgent, contactURI, mac,
		time.Duration(expiry)*time.Second)
	if err != nil {
		r.logger.Error("registering binding failed", "extension", ext.Number, "error", err)
		r.respondError(req, tx, 500, "Internal Server Error")
		return
	}

	r.trackPhone(ext.Number, reg)

	r.logger.Info("extension registered",
		"extension", ext.Number,
		"contact", contactURI,
		"expires", expiry,
		"mac", reg.MAC,
		"source", source,
	)
	if r.events != nil {
		r.events.Emit("registration", map[string]any{
			"extension":  ext.Number,
			"contact":    contactURI,
			"ip":         host,
			"user_agent": userAgent,
			"mac":        reg.MAC,
			"expires":    expiry,
		})
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(&sip.ContactHeader{Address: contact.Address})
	res.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expiry)))
	if err := tx.Respond(res); err != nil {
		r.logger.Error("sending register response failed", "error", err)
	}
}

// handleUnregister clears the binding for Expires: 0 or Contact: *.
func (r *Registrar) handleUnregister(req *sip.Request, tx sip.ServerTransaction, ext *models.Extension) {
	r.registry.Unregister(ext.Number)
	r.logger.Info("extension unregistered", "extension", ext.Number, "source", req.Source())

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Expires", "0"))
	if err := tx.Respond(res); err != nil {
		r.logger.Error("sending unregister response failed", "error", err)
	}
}

// trackPhone records the physical device in the store. The repository
// enforces the one-row-per-(mac,extension) and (ip,extension) rules.
func (r *Registrar) trackPhone(extension string, reg *Registration) {
	if r.phones == nil {
		return
	}

	now := time.Now()
	phone := &models.RegisteredPhone{
		MAC:             reg.MAC,
		Extension:       extension,
		UserAgent:       reg.UserAgent,
		IP:              reg.Host,
		FirstRegistered: now,
		LastRegistered:  now,
		ContactURI:      reg.ContactURI,
	}
	if err := r.phones.Upsert(context.Background(), phone); err != nil {
		r.logger.Error("tracking phone failed", "extension", extension, "error", err)
	}
}

// BootPurge clears all phone rows from the previous process lifetime,
// then re-purges rows missing key fields.
func BootPurge(ctx context.Context, phones database.PhoneRepository, logger *slog.Logger) error {
	purged, err := phones.DeleteAll(ctx)
	if err != nil {
		return err
	}
	incomplete, err := phones.DeleteIncomplete(ctx)
	if err != nil {
		return err
	}
	logger.Info("stale registrations purged", "rows", purged, "incomplete", incomplete)
	return nil
}

// parseExpiry reads the expiry from the Contact parameter, then the
// Expires header, then falls back to the default.
func parseExpiry(req *sip.Request) int {
	if contact := req.Contact(); contact != nil {
		if val, ok := contact.Params.Get("expires"); ok {
			if exp, err := strconv.Atoi(val); err == nil {
				return exp
			}
		}
	}
	if h := req.GetHeader("Expires"); h != nil {
		if exp, err := strconv.Atoi(h.Value()); err == nil {
			return exp
		}
	}
	return defaultExpiry
}

func splitSource(source string) (string, int) {
	host, portStr, err := net.SplitHostPort(source)
	if err != nil {
		return source, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func (r *Registrar) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		r.logger.Error("sending error response failed", "code", code, "error", err)
	}
}
