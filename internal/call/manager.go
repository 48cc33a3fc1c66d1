package call

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coralpbx/coralpbx/internal/database"
	"github.com/coralpbx/coralpbx/internal/database/models"
	"github.com/coralpbx/coralpbx/internal/media"
)

// Webhook event names emitted by the call lifecycle.
const (
	eventCallStarted   = "call_started"
	eventCallConnected = "call_connected"
	eventCallEnded     = "call_ended"
)

// RelayReleaser tears down a call's RTP relay and reports its final
// per-direction QoS. Satisfied by media.Engine.
type RelayReleaser interface {
	Release(callID string) *[2]media.DirectionSummary
}

// QoSStopper closes out quality monitoring for an ended call.
type QoSStopper interface {
	StopMonitoring(ctx context.Context, callID string)
}

// EventSink receives lifecycle webhook events. Satisfied by the webhook
// dispatcher; a nil sink drops events.
type EventSink interface {
	Emit(event string, data map[string]any)
}

// Manager owns the table of active call sessions. The table has its own
// lock; each session has its own. The table lock is never held across a
// session operation, which keeps the lock order strict and short.
type Manager struct {
	mu    sync.RWMutex
	calls map[string]*Session

	cdrs   database.CallRecordRepository
	mirror *database.PGSink
	relays RelayReleaser
	qos    QoSStopper
	events EventSink
	logger *slog.Logger
}

// NewManager creates the session manager. cdrs, qos, events and mirror
// may each be nil, which disables that output.
func NewManager(cdrs database.CallRecordRepository, mirror *database.PGSink, relays RelayReleaser, qos QoSStopper, events EventSink, logger *slog.Logger) *Manager {
	return &Manager{
		calls:  make(map[string]*Session),
		cdrs:   cdrs,
		mirror: mirror,
		relays: relays,
		qos:    qos,
		events: events,
		logger: logger.With("component", "call"),
	}
}

// Create inserts a new session into the call table. Fails if the Call-ID
// is already tracked, which catches INVITE retransmissions that slipped
// past the transaction layer.
func (m *Manager) Create(callID, fromExt, toExt string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.calls[callID]; ok {
		return nil, fmt.Errorf("call %s already exists", callID)
	}

	s := newSession(m, callID, fromExt, toExt)
	m.calls[callID] = s
	return s, nil
}

// Get returns the session for a Call-ID, or nil.
func (m *Manager) Get(callID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[callID]
}

// End removes the session from the table, drives it to ended, releases
// its relay, closes the CDR and emits call_ended. Returns the ended
// session, or nil if the Call-ID was not tracked.
func (m *Manager) End(ctx context.Context, callID, reason string) *Session {
	m.mu.Lock()
	s, ok := m.calls[callID]
	if ok {
		delete(m.calls, callID)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}

	recordingPath := s.finish(reason)

	var summaries *[2]media.DirectionSummary
	if m.relays != nil {
		summaries = m.relays.Release(callID)
	}
	if m.qos != nil {
		m.qos.StopMonitoring(ctx, callID)
	}

	m.closeCDR(ctx, s, recordingPath)

	payload := map[string]any{
		"call_id":     s.CallID,
		"from":        s.FromExt,
		"to":          s.ToExt,
		"reason":      reason,
		"disposition": s.Disposition(),
		"duration_s":  int(s.Duration().Seconds()),
	}
	if summaries != nil {
		payload["mos_a_to_b"] = summaries[0].MOS
		payload["mos_b_to_a"] = summaries[1].MOS
	}
	m.emit(eventCallEnded, payload)

	s.logger.Info("call ended",
		"reason", reason,
		"disposition", s.Disposition(),
		"duration_ms", s.Duration().Milliseconds(),
		"billable_ms", s.BillableDuration().Milliseconds(),
	)
	return s
}

// EndAll force-ends every active call. Used during shutdown after the
// grace period expires.
func (m *Manager) EndAll(ctx context.Context, reason string) int {
	m.mu.RLock()
	ids := make([]string, 0, len(m.calls))
	for id := range m.calls {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.End(ctx, id, reason)
	}
	return len(ids)
}

// ActiveCalls returns a snapshot of the active sessions.
func (m *Manager) ActiveCalls() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	calls := make([]*Session, 0, len(m.calls))
	for _, s := range m.calls {
		calls = append(calls, s)
	}
	return calls
}

// Count returns the number of active calls.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.calls)
}

func (m *Manager) openCDR(ctx context.Context, s *Session) {
	if m.cdrs == nil {
		return
	}
	rec := &models.CallRecord{
		CallID:    s.CallID,
		FromExt:   s.FromExt,
		ToExt:     s.ToExt,
		StartTime: s.StartTime,
		Status:    "in_progress",
	}
	if err := m.cdrs.Create(ctx, rec); err != nil {
		m.logger.Error("opening cdr failed", "call_id", s.CallID, "error", err)
	}
}

func (m *Manager) closeCDR(ctx context.Context, s *Session, recordingPath string) {
	if m.cdrs == nil {
		return
	}

	s.mu.Lock()
	rec := &models.CallRecord{
		CallID:        s.CallID,
		FromExt:       s.FromExt,
		ToExt:         s.ToExt,
		StartTime:     s.StartTime,
		AnswerTime:    s.ConnectTime,
		EndTime:       s.EndTime,
		Status:        s.dispositionLocked(),
		RecordingPath: recordingPath,
	}
	if s.EndTime != nil {
		rec.Duration = int(s.EndTime.Sub(s.StartTime).Seconds())
		if s.ConnectTime != nil {
			rec.BillableDur = int(s.EndTime.Sub(*s.ConnectTime).Seconds())
		}
	}
	s.mu.Unlock()

	if err := m.cdrs.Update(ctx, rec); err != nil {
		m.logger.Error("closing cdr failed", "call_id", s.CallID, "error", err)
	}
	m.mirror.MirrorCallRecord(ctx, rec)
}

func (m *Manager) emit(event string, data map[string]any) {
	if m.events == nil {
		return
	}
	data["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	m.events.Emit(event, data)
}
