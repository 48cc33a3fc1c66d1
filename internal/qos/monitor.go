// Package qos watches live call quality and persists per-direction
// summaries when calls end. Alerts fire while a call is still up so an
// operator sees degradation before the complaint arrives.
package qos

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coralpbx/coralpbx/internal/config"
	"github.com/coralpbx/coralpbx/internal/database"
	"github.com/coralpbx/coralpbx/internal/database/models"
	"github.com/coralpbx/coralpbx/internal/media"
)

const (
	// checkPeriod is how often live calls are evaluated against the
	// alert thresholds.
	checkPeriod = 5 * time.Second

	// alertBufferCap bounds the in-memory alert ring.
	alertBufferCap = 1000

	// historyCap bounds the ended-call summary ring.
	historyCap = 10000
)

// EventSink receives qos_alert webhook events.
type EventSink interface {
	Emit(event string, data map[string]any)
}

// Thresholds are the limits beyond which a live call raises an alert.
type Thresholds struct {
	MOSMin       float64
	LossMaxPct   float64
	JitterMaxMs  float64
	LatencyMaxMs float64
}

// ThresholdsFromConfig pulls the alert limits out of the runtime config.
func ThresholdsFromConfig(cfg *config.Config) Thresholds {
	return Thresholds{
		MOSMin:       cfg.QoSMOSMin,
		LossMaxPct:   cfg.QoSLossMaxPct,
		JitterMaxMs:  cfg.QoSJitterMaxMs,
		LatencyMaxMs: cfg.QoSLatencyMax,
	}
}

// Alert is one threshold violation on a live call.
type Alert struct {
	CallID    string    `json:"call_id"`
	Direction string    `json:"direction"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	At        time.Time `json:"at"`
}

// CallSummary is the final per-direction quality of an ended call.
type CallSummary struct {
	CallID  string                 `json:"call_id"`
	EndedAt time.Time              `json:"ended_at"`
	AToB    media.DirectionSummary `json:"a_to_b"`
	BToA    media.DirectionSummary `json:"b_to_a"`
}

// Monitor tracks active relays, raises threshold alerts and persists
// final summaries.
type Monitor struct {
	thresholds Thresholds
	repo       database.QoSRepository
	mirror     *database.PGSink
	events     EventSink
	logger     *slog.Logger

	mu      sync.Mutex
	active  map[string]*media.RelayHandler
	alerted map[string]map[string]bool
	alerts  []Alert
	history []CallSummary
}

// NewMonitor creates a monitor. repo persists summaries; mirror and
// events may be nil.
func NewMonitor(thresholds Thresholds, repo database.QoSRepository, mirror *database.PGSink, events EventSink, logger *slog.Logger) *Monitor {
	return &Monitor{
		thresholds: thresholds,
		repo:       repo,
		mirror:     mirror,
		events:     events,
		logger:     logger.With("component", "qos"),
		active:     make(map[string]*media.RelayHandler),
		alerted:    make(map[string]map[string]bool),
	}
}

// Watch starts monitoring a call's relay.
func (m *Monitor) Watch(callID string, relay *media.RelayHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active[callID] = relay
	m.alerted[callID] = make(map[string]bool)
}

// StopMonitoring finalizes a call: its summaries are persisted and the
// relay dropped from the live table. Safe to call after the relay has
// stopped; summaries remain readable.
func (m *Monitor) StopMonitoring(ctx context.Context, callID string) {
	m.mu.Lock()
	relay, ok := m.active[callID]
	delete(m.active, callID)
	delete(m.alerted, callID)
	m.mu.Unlock()

	if !ok {
		return
	}

	a, b := relay.Summaries()
	m.persist(ctx, callID, a)
	m.persist(ctx, callID, b)

	m.mu.Lock()
	m.history = append(m.history, CallSummary{
		CallID:  callID,
		EndedAt: time.Now(),
		AToB:    a,
		BToA:    b,
	})
	if len(m.history) > historyCap {
		m.history = m.history[len(m.history)-historyCap:]
	}
	m.mu.Unlock()

	m.logger.Info("call quality finalized",
		"call_id", callID,
		"mos_a_to_b", a.MOS,
		"mos_b_to_a", b.MOS,
		"quality_a_to_b", a.Quality,
		"quality_b_to_a", b.Quality,
	)
}

// Run evaluates live calls on a ticker until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(checkPeriod)
	defer ticker.Stop()

	m.logger.Info("qos monitor started", "interval", checkPeriod.String())
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("qos monitor stopped")
			return
		case <-ticker.C:
			m.checkActive()
		}
	}
}

// ActiveCount returns the number of calls under watch.
func (m *Monitor) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// AlertCount returns the number of buffered alerts.
func (m *Monitor) AlertCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.alerts)
}

// Alerts returns the most recent alerts, newest last, up to limit.
func (m *Monitor) Alerts(limit int) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.alerts)
	if limit > 0 && n > limit {
		n = limit
	}
	out := make([]Alert, n)
	copy(out, m.alerts[len(m.alerts)-n:])
	return out
}

// History returns summaries of recently ended calls, newest last.
func (m *Monitor) History(limit int) []CallSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.history)
	if limit > 0 && n > limit {
		n = limit
	}
	out := make([]CallSummary, n)
	copy(out, m.history[len(m.history)-n:])
	return out
}

func (m *Monitor) checkActive() {
	m.mu.Lock()
	relays := make(map[string]*media.RelayHandler, len(m.active))
	for id, r := range m.active {
		relays[id] = r
	}
	m.mu.Unlock()

	for callID, relay := range relays {
		a, b := relay.Summaries()
		m.evaluate(callID, a)
		m.evaluate(callID, b)
	}
}

// evaluate checks one direction against the thresholds. Directions with
// no received packets carry the 0.0 MOS sentinel and are skipped.
func (m *Monitor) evaluate(callID string, s media.DirectionSummary) {
	if s.PacketsReceived == 0 {
		return
	}

	if s.MOS > 0 && s.MOS < m.thresholds.MOSMin {
		m.raise(callID, s.Direction, "mos", s.MOS, m.thresholds.MOSMin)
	}
	if s.LossPct > m.thresholds.LossMaxPct {
		m.raise(callID, s.Direction, "loss_pct", s.LossPct, m.thresholds.LossMaxPct)
	}
	if s.AvgJitterMs > m.thresholds.JitterMaxMs {
		m.raise(callID, s.Direction, "avg_jitter_ms", s.AvgJitterMs, m.thresholds.JitterMaxMs)
	}
	if s.AvgLatencyMs > m.thresholds.LatencyMaxMs {
		m.raise(callID, s.Direction, "avg_latency_ms", s.AvgLatencyMs, m.thresholds.LatencyMaxMs)
	}
}

// raise records an alert once per (call, direction, metric).
func (m *Monitor) raise(callID, direction, metric string, value, threshold float64) {
	key := direction + "/" + metric

	m.mu.Lock()
	seen, watching := m.alerted[callID]
	if !watching || seen[key] {
		m.mu.Unlock()
		return
	}
	seen[key] = true

	alert := Alert{
		CallID:    callID,
		Direction: direction,
		Metric:    metric,
		Value:     value,
		Threshold: threshold,
		At:        time.Now(),
	}
	m.alerts = append(m.alerts, alert)
	if len(m.alerts) > alertBufferCap {
		m.alerts = m.alerts[len(m.alerts)-alertBufferCap:]
	}
	m.mu.Unlock()

	m.logger.Warn("call quality threshold exceeded",
		"call_id", callID,
		"direction", direction,
		"metric", metric,
		"value", value,
		"threshold", threshold,
	)
	if m.events != nil {
		m.events.Emit("qos_alert", map[string]any{
			"call_id":   callID,
			"direction": direction,
			"metric":    metric,
			"value":     value,
			"threshold": threshold,
		})
	}
}

// persist writes one direction summary to the store and the optional
// Postgres mirror.
func (m *Monitor) persist(ctx context.Context, callID string, s media.DirectionSummary) {
	if m.repo == nil {
		return
	}

	rec := &models.QoSRecord{
		CallID:          callID,
		Direction:       s.Direction,
		PacketsSent:     int64(s.PacketsSent),
		PacketsReceived: int64(s.PacketsReceived),
		PacketsLost:     int64(s.PacketsLost),
		OutOfOrder:      int64(s.OutOfOrder),
		LossPct:         s.LossPct,
		AvgJitterMs:     s.AvgJitterMs,
		MaxJitterMs:     s.MaxJitterMs,
		AvgLatencyMs:    s.AvgLatencyMs,
		MaxLatencyMs:    s.MaxLatencyMs,
		MOS:             s.MOS,
		Quality:         s.Quality,
	}
	if err := m.repo.Create(ctx, rec); err != nil {
		m.logger.Error("persisting qos summary failed",
			"call_id", callID,
			"direction", s.Direction,
			"error", err,
		)
		return
	}
	if m.mirror != nil {
		m.mirror.MirrorQoS(ctx, rec)
	}
}
