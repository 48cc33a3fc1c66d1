package call

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/coralpbx/coralpbx/internal/database"
	"github.com/coralpbx/coralpbx/internal/database/models"
	"github.com/coralpbx/coralpbx/internal/media"
)

type fakeCDRs struct {
	mu      sync.Mutex
	created []models.CallRecord
	updated []models.CallRecord
}

func (f *fakeCDRs) Create(_ context.Context, rec *models.CallRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, *rec)
	return nil
}

func (f *fakeCDRs) Update(_ context.Context, rec *models.CallRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updated = append(f.updated, *rec)
	return nil
}

func (f *fakeCDRs) GetByCallID(context.Context, string) (*models.CallRecord, error) {
	return nil, nil
}

func (f *fakeCDRs) List(context.Context, database.CallRecordListFilter) ([]models.CallRecord, int, error) {
	return nil, 0, nil
}

func (f *fakeCDRs) ListRecent(context.Context, int) ([]models.CallRecord, error) {
	return nil, nil
}

func (f *fakeCDRs) lastUpdate(t *testing.T) models.CallRecord {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.updated) == 0 {
		t.Fatal("no cdr update recorded")
	}
	return f.updated[len(f.updated)-1]
}

type fakeRelays struct {
	mu       sync.Mutex
	released []string
}

func (f *fakeRelays) Release(callID string) *[2]media.DirectionSummary {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, callID)
	return &[2]media.DirectionSummary{
		{Direction: media.DirectionAToB, MOS: 4.4},
		{Direction: media.DirectionBToA, MOS: 4.4},
	}
}

type fakeEvents struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeEvents) Emit(event string, _ map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeEvents) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

func newTestManager(t *testing.T) (*Manager, *fakeCDRs, *fakeRelays, *fakeEvents) {
	t.Helper()
	cdrs := &fakeCDRs{}
	relays := &fakeRelays{}
	events := &fakeEvents{}
	logger := slog.New(slog.DiscardHandler)
	return NewManager(cdrs, nil, relays, nil, events, logger), cdrs, relays, events
}

func TestCreateRejectsDuplicateCallID(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	if _, err := m.Create("call-1", "1001", "1002"); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, err := m.Create("call-1", "1001", "1002"); err == nil {
		t.Error("duplicate Create() succeeded, want error")
	}
	if m.Count() != 1 {
		t.Errorf("Count() = %d, want 1", m.Count())
	}
}

func TestAnsweredCallLifecycle(t *testing.T) {
	m, cdrs, relays, events := newTestManager(t)
	ctx := context.Background()

	s, err := m.Create("call-1", "1001", "1002")
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if s.State() != StateInitiating {
		t.Errorf("initial state = %q, want initiating", s.State())
	}

	s.Start(ctx)
	s.Ring()
	if s.State() != StateRinging {
		t.Errorf("state after Ring() = %q, want ringing", s.State())
	}

	s.Connect(ctx)
	if s.State() != StateConnected {
		t.Errorf("state after Connect() = %q, want connected", s.State())
	}

	ended := m.End(ctx, "call-1", ReasonCalleeBye)
	if ended == nil {
		t.Fatal("End() returned nil for tracked call")
	}
	if ended.State() != StateEnded {
		t.Errorf("final state = %q, want ended", ended.State())
	}
	if got := ended.Disposition(); got != models.DispositionAnswered {
		t.Errorf("Disposition() = %q, want answered", got)
	}
	if m.Get("call-1") != nil {
		t.Error("ended call still in the table")
	}
	if len(relays.released) != 1 || relays.released[0] != "call-1" {
		t.Errorf("relay releases = %v, want [call-1]", relays.released)
	}

	rec := cdrs.lastUpdate(t)
	if rec.Status != models.DispositionAnswered {
		t.Errorf("cdr status = %q, want answered", rec.Status)
	}
	if rec.AnswerTime == nil || rec.EndTime == nil {
		t.Error("cdr missing answer or end time")
	}

	want := []string{eventCallStarted, eventCallConnected, eventCallEnded}
	got := events.names()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	m, _, _, events := newTestManager(t)
	ctx := context.Background()

	s, _ := m.Create("call-1", "1001", "1002")
	s.Connect(ctx)
	first := s.ConnectTime
	s.Connect(ctx) // retransmitted 200 OK

	if s.ConnectTime != first {
		t.Error("second Connect() moved the connect timestamp")
	}
	connected := 0
	for _, e := range events.names() {
		if e == eventCallConnected {
			connected++
		}
	}
	if connected != 1 {
		t.Errorf("call_connected emitted %d times, want 1", connected)
	}
}

func TestCancelledCallDisposition(t *testing.T) {
	m, cdrs, _, _ := newTestManager(t)
	ctx := context.Background()

	s, _ := m.Create("call-1", "1001", "1002")
	s.Start(ctx)
	s.Ring()

	ended := m.End(ctx, "call-1", ReasonCallerCancel)
	if got := ended.Disposition(); got != models.DispositionCancelled {
		t.Errorf("Disposition() = %q, want cancelled", got)
	}
	if cdrs.lastUpdate(t).Status != models.DispositionCancelled {
		t.Error("cdr status does not match disposition")
	}
	if ended.BillableDuration() != 0 {
		t.Error("unanswered call has nonzero billable duration")
	}
}

func TestEndUnknownCallIsNil(t *testing.T) {
	m, _, relays, _ := newTestManager(t)

	if got := m.End(context.Background(), "no-such-call", ReasonFailed); got != nil {
		t.Errorf("End() = %v, want nil for unknown call", got)
	}
	if len(relays.released) != 0 {
		t.Error("relay released for unknown call")
	}
}

func TestEndAll(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()

	for _, id := range []string{"c1", "c2", "c3"} {
		s, _ := m.Create(id, "1001", "1002")
		s.Start(ctx)
	}

	if n := m.EndAll(ctx, ReasonShutdown); n != 3 {
		t.Errorf("EndAll() = %d, want 3", n)
	}
	if m.Count() != 0 {
		t.Errorf("Count() after EndAll = %d, want 0", m.Count())
	}
}

func TestNoAnswerTimerFires(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	s, _ := m.Create("call-1", "1001", "1002")
	s.Start(context.Background())

	fired := make(chan *Session, 1)
	s.ArmNoAnswerTimer(20*time.Millisecond, func(sess *Session) {
		fired <- sess
	})

	select {
	case sess := <-fired:
		if sess != s {
			t.Error("timer fired with wrong session")
		}
	case <-time.After(time.Second):
		t.Fatal("no-answer timer never fired")
	}
}

func TestNoAnswerTimerLosesRaceToConnect(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()

	s, _ := m.Create("call-1", "1001", "1002")
	s.Start(ctx)

	fired := make(chan struct{}, 1)
	s.ArmNoAnswerTimer(30*time.Millisecond, func(*Session) {
		fired <- struct{}{}
	})
	s.Connect(ctx)

	select {
	case <-fired:
		t.Error("timer fired after the call was answered")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDTMFQueue(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	s, _ := m.Create("call-1", "1001", "1002")

	for _, d := range []byte("123#") {
		s.EnqueueDigit(d)
	}
	if got := s.DrainDigits(); got != "123#" {
		t.Errorf("DrainDigits() = %q, want 123#", got)
	}
	if got := s.DrainDigits(); got != "" {
		t.Errorf("second DrainDigits() = %q, want empty", got)
	}
}

func TestDTMFQueueBounded(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	s, _ := m.Create("call-1", "1001", "1002")

	for i := 0; i < dtmfQueueCap*2; i++ {
		s.EnqueueDigit('5')
	}
	if got := len(s.DrainDigits()); got != dtmfQueueCap {
		t.Errorf("queue grew to %d digits, cap is %d", got, dtmfQueueCap)
	}
}

type fakeRecorder struct {
	mu     sync.Mutex
	closed bool
	path   string
}

func (f *fakeRecorder) Write(payload []byte, payloadType int) {}

func (f *fakeRecorder) Close() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return f.path, nil
}

func TestVoicemailDisposition(t *testing.T) {
	m, cdrs, _, _ := newTestManager(t)
	ctx := context.Background()

	s, _ := m.Create("call-1", "1001", "1002")
	s.Start(ctx)
	s.Ring()

	rec := &fakeRecorder{path: "/var/lib/coralpbx/vm/call-1.wav"}
	s.AttachVoicemail(rec, time.Minute, func(*Session) {})
	s.Connect(ctx) // 200 OK to the caller so audio flows into the recorder

	ended := m.End(ctx, "call-1", ReasonVoicemail)
	if got := ended.Disposition(); got != models.DispositionVoicemail {
		t.Errorf("Disposition() = %q, want voicemail", got)
	}
	rec.mu.Lock()
	closed := rec.closed
	rec.mu.Unlock()
	if !closed {
		t.Error("recorder not closed on call end")
	}
	if got := cdrs.lastUpdate(t).RecordingPath; got != rec.path {
		t.Errorf("cdr recording path = %q, want %q", got, rec.path)
	}
}

func TestVoicemailMaxDurationTimer(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	s, _ := m.Create("call-1", "1001", "1002")
	s.Start(context.Background())

	done := make(chan struct{}, 1)
	s.AttachVoicemail(&fakeRecorder{}, 20*time.Millisecond, func(*Session) {
		done <- struct{}{}
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("max-duration timer never fired")
	}
}
