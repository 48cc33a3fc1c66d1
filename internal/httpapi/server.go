// Package httpapi serves the observability surface: health, Prometheus
// metrics and read-only JSON views of live calls, registrations and call
// quality. It never mutates PBX state.
package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/coralpbx/coralpbx/internal/call"
	"github.com/coralpbx/coralpbx/internal/qos"
	sipcore "github.com/coralpbx/coralpbx/internal/sip"
)

const defaultListLimit = 50

// CallLister exposes the live call table.
type CallLister interface {
	ActiveCalls() []*call.Session
	Count() int
}

// RegistrationLister exposes current device bindings.
type RegistrationLister interface {
	Registrations() []sipcore.Registration
	ActiveCount() int
}

// QoSSource exposes quality history and alerts.
type QoSSource interface {
	History(limit int) []qos.CallSummary
	Alerts(limit int) []qos.Alert
	ActiveCount() int
}

// MOSAverager exposes the average MOS across persisted summaries.
type MOSAverager interface {
	AverageMOS(ctx context.Context) (float64, error)
}

// Server is the observability HTTP server.
type Server struct {
	router  *chi.Mux
	httpSrv *http.Server
	logger  *slog.Logger

	calls         CallLister
	registrations RegistrationLister
	quality       QoSSource
	mos           MOSAverager
	metrics       http.Handler
}

// NewServer creates the server with all routes mounted. metrics is the
// Prometheus scrape handler; any other dependency may be nil, its routes
// then return 503.
func NewServer(port int, calls CallLister, registrations RegistrationLister, quality QoSSource, mos MOSAverager, metrics http.Handler, logger *slog.Logger) *Server {
	s := &Server{
		router:        chi.NewRouter(),
		logger:        logger.With("component", "httpapi"),
		calls:         calls,
		registrations: registrations,
		quality:       quality,
		mos:           mos,
		metrics:       metrics,
	}
	s.routes()

	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/calls", s.handleCalls)
		r.Get("/registrations", s.handleRegistrations)
		r.Get("/qos/summary", s.handleQoSSummary)
	})
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http api listening", "addr", s.httpSrv.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http api: %w", err)
	}
	return nil
}

// Shutdown stops the server, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// activeCall is the JSON view of one live session.
type activeCall struct {
	CallID          string     `json:"call_id"`
	From            string     `json:"from"`
	FromName        string     `json:"from_name,omitempty"`
	To              string     `json:"to"`
	State           string     `json:"state"`
	StartedAt       time.Time  `json:"started_at"`
	ConnectedAt     *time.Time `json:"connected_at,omitempty"`
	DurationSeconds float64    `json:"duration_seconds"`
	Voicemail       bool       `json:"voicemail"`
}

func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	if s.calls == nil {
		writeError(w, http.StatusServiceUnavailable, "call table unavailable")
		return
	}

	sessions := s.calls.ActiveCalls()
	out := make([]activeCall, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, activeCall{
			CallID:          sess.CallID,
			From:            sess.FromExt,
			FromName:        sess.FromName,
			To:              sess.ToExt,
			State:           sess.State(),
			StartedAt:       sess.StartTime,
			ConnectedAt:     sess.ConnectTime,
			DurationSeconds: time.Since(sess.StartTime).Seconds(),
			Voicemail:       sess.RoutedToVoicemail,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(out),
		"calls": out,
	})
}

// registrationView is the JSON view of one device binding.
type registrationView struct {
	Extension  string    `json:"extension"`
	ContactURI string    `json:"contact_uri"`
	Host       string    `json:"host"`
	Port       int       `json:"port"`
	UserAgent  string    `json:"user_agent,omitempty"`
	MAC        string    `json:"mac,omitempty"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (s *Server) handleRegistrations(w http.ResponseWriter, r *http.Request) {
	if s.registrations == nil {
		writeError(w, http.StatusServiceUnavailable, "registry unavailable")
		return
	}

	regs := s.registrations.Registrations()
	out := make([]registrationView, 0, len(regs))
	for _, reg := range regs {
		out = append(out, registrationView{
			Extension:  reg.Extension,
			ContactURI: reg.ContactURI,
			Host:       reg.Host,
			Port:       reg.Port,
			UserAgent:  reg.UserAgent,
			MAC:        reg.MAC,
			FirstSeen:  reg.FirstSeen,
			LastSeen:   reg.LastSeen,
			ExpiresAt:  reg.ExpiresAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":         len(out),
		"registrations": out,
	})
}

func (s *Server) handleQoSSummary(w http.ResponseWriter, r *http.Request) {
	if s.quality == nil {
		writeError(w, http.StatusServiceUnavailable, "qos monitor unavailable")
		return
	}

	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	summary := map[string]any{
		"monitored_calls": s.quality.ActiveCount(),
		"recent_calls":    s.quality.History(limit),
		"recent_alerts":   s.quality.Alerts(limit),
	}
	if s.mos != nil {
		avg, err := s.mos.AverageMOS(r.Context())
		if err != nil {
			s.logger.Error("averaging mos failed", "error", err)
		} else {
			summary["average_mos"] = avg
		}
	}
	writeJSON(w, http.StatusOK, summary)
}
