// Package sip implements the signaling plane: the UDP SIP server, the
// registrar and authenticator, the dial-string router and the B2BUA legs
// it drives.
package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/coralpbx/coralpbx/internal/call"
	"github.com/coralpbx/coralpbx/internal/config"
	"github.com/coralpbx/coralpbx/internal/sipmsg"
)

// maintenancePeriod is how often expired nonces and refilled brute-force
// buckets are cleaned up.
const maintenancePeriod = time.Minute

// Server wraps the sipgo SIP stack with CoralPBX handlers.
type Server struct {
	cfg       *config.Config
	ua        *sipgo.UserAgent
	srv       *sipgo.Server
	dialer    *Dialer
	registrar *Registrar
	auth      *Authenticator
	registry  *Registry
	router    *Router
	calls     *call.Manager
	identity  *IdentityVerifier

	draining atomic.Bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// Deps carries the collaborators the server drives. The composition root
// builds them so the store, media engine and webhook sink are shared with
// the HTTP side.
type Deps struct {
	Registry  *Registry
	Registrar *Registrar
	Auth      *Authenticator
	Calls     *call.Manager
	Router    *Router
	Dialer    *Dialer
}

// NewUserAgent creates the sipgo user agent shared by the server and the
// dialer. The composition root builds it first so the dialer can be
// constructed before the server that carries it.
func NewUserAgent(cfg *config.Config) (*sipgo.UserAgent, error) {
	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("CoralPBX"),
		sipgo.WithUserAgentHostname(cfg.SIPHost()),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}
	return ua, nil
}

// NewServer creates a SIP server with all handlers registered. The server
// takes ownership of the user agent and closes it on Stop.
func NewServer(cfg *config.Config, ua *sipgo.UserAgent, deps Deps, logger *slog.Logger) (*Server, error) {
	logger = logger.With("component", "sip")

	srv, err := sipgo.NewServer(ua,
		sipgo.WithServerLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	s := &Server{
		cfg:       cfg,
		ua:        ua,
		srv:       srv,
		dialer:    deps.Dialer,
		registrar: deps.Registrar,
		auth:      deps.Auth,
		registry:  deps.Registry,
		router:    deps.Router,
		calls:     deps.Calls,
		logger:    logger,
	}
	if cfg.VerifyIdentity {
		s.identity = NewIdentityVerifier(logger)
	}

	s.registerHandlers()
	return s, nil
}

// registerHandlers attaches SIP method handlers to the server.
func (s *Server) registerHandlers() {
	s.srv.OnInvite(s.handleInvite)
	s.srv.OnRegister(s.registrar.HandleRegister)
	s.srv.OnAck(s.handleACK)
	s.srv.OnBye(s.handleBye)
	s.srv.OnCancel(s.handleCancel)
	s.srv.OnOptions(s.handleOptions)
	s.srv.OnInfo(s.handleInfo)
	s.srv.OnSubscribe(s.handleStub)
	s.srv.OnNotify(s.handleStub)
	s.srv.OnRefer(s.handleStub)
	s.srv.OnMessage(s.handleStub)
	s.srv.OnUpdate(s.handleStub)
	s.srv.OnPrack(s.handleStub)
	s.srv.OnPublish(s.handleStub)
	s.srv.OnNoRoute(s.handleUnsupported)
}

// Start begins listening on the configured UDP port. It returns once the
// listener goroutine is running.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	udpAddr := fmt.Sprintf("0.0.0.0:%d", s.cfg.SIPPort)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("sip udp listener starting", "addr", udpAddr)
		if err := s.srv.ListenAndServe(ctx, "udp", udpAddr); err != nil {
			s.logger.Error("sip udp listener stopped", "error", err)
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.registry.RunExpirySweeper(ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runMaintenance(ctx)
	}()

	return nil
}

// Drain makes the server refuse new calls with 503 while existing calls
// continue. Used during graceful shutdown.
func (s *Server) Drain() {
	s.draining.Store(true)
	s.logger.Info("sip server draining, new calls refused")
}

// Stop shuts down the listeners and waits for handler goroutines.
func (s *Server) Stop() {
	s.logger.Info("stopping sip server")
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.dialer.Close()
	s.srv.Close()
	s.ua.Close()
	s.logger.Info("sip server stopped")
}

// runMaintenance periodically drops expired auth nonces and refilled
// brute-force buckets.
func (s *Server) runMaintenance(ctx context.Context) {
	ticker := time.NewTicker(maintenancePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.auth.CleanExpired()
		}
	}
}

// handleACK logs in-dialog ACKs. The B2BUA's 200 OK to the caller is
// confirmed here; no state changes are needed since the session is
// already connected.
func (s *Server) handleACK(req *sip.Request, tx sip.ServerTransaction) {
	s.logger.Debug("sip ack received",
		"call_id", callIDValue(req),
		"from", req.From().Address.User,
		"source", req.Source(),
	)
}

// handleOptions answers keep-alive pings with the full method list.
func (s *Server) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	s.logger.Debug("sip options received",
		"from", req.From().Address.User,
		"source", req.Source(),
	)

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Allow", sipmsg.AllowedMethods))

	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to options", "error", err)
	}
}

// handleInfo processes SIP INFO, extracting DTMF digits from endpoints
// that signal out-of-band instead of RFC 2833 telephone-event.
func (s *Server) handleInfo(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDValue(req)

	defer func() {
		res := sip.NewResponseFromRequest(req, 200, "OK", nil)
		if err := tx.Respond(res); err != nil {
			s.logger.Error("failed to respond to info", "error", err)
		}
	}()

	ct := req.ContentType()
	if ct == nil {
		s.logger.Debug("sip info without content-type, ignoring",
			"call_id", callID,
			"source", req.Source(),
		)
		return
	}

	ev, err := sipmsg.ParseInfoDTMF(ct.Value(), req.Body())
	if err != nil {
		s.logger.Debug("sip info with unsupported content type",
			"content_type", ct.Value(),
			"call_id", callID,
			"source", req.Source(),
		)
		return
	}

	s.logger.Info("sip info dtmf received",
		"digit", string(ev.Digit),
		"duration_ms", ev.DurationMs,
		"call_id", callID,
		"source", req.Source(),
	)

	if sess := s.calls.Get(callID); sess != nil {
		sess.EnqueueDigit(ev.Digit)
	}
}

// handleStub acknowledges methods the server accepts but does not act on.
func (s *Server) handleStub(req *sip.Request, tx sip.ServerTransaction) {
	s.logger.Debug("sip method acknowledged without action",
		"method", string(req.Method),
		"source", req.Source(),
	)
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond", "method", string(req.Method), "error", err)
	}
}

// handleUnsupported rejects anything outside the Allow list.
func (s *Server) handleUnsupported(req *sip.Request, tx sip.ServerTransaction) {
	s.logger.Debug("unsupported sip method",
		"method", string(req.Method),
		"source", req.Source(),
	)
	res := sip.NewResponseFromRequest(req, 405, "Method Not Allowed", nil)
	res.AppendHeader(sip.NewHeader("Allow", sipmsg.AllowedMethods))
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond", "method", string(req.Method), "error", err)
	}
}
