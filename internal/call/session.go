package call

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"

	"github.com/coralpbx/coralpbx/internal/database/models"
	"github.com/coralpbx/coralpbx/internal/media"
)

// Call lifecycle states.
const (
	StateInitiating  = "initiating"
	StateRinging     = "ringing"
	StateConnected   = "connected"
	StateEndingLocal = "ending_local"
	StateEnded       = "ended"
)

// State machine events.
const (
	eventRing        = "ring"
	eventAnswer      = "answer"
	eventHangupLocal = "hangup_local"
	eventEnd         = "end"
)

// End reasons, recorded on the session and mapped to CDR dispositions.
const (
	ReasonCallerBye    = "caller_bye"
	ReasonCalleeBye    = "callee_bye"
	ReasonCallerCancel = "caller_cancel"
	ReasonNoAnswer     = "no_answer"
	ReasonBusy         = "busy"
	ReasonFailed       = "failed"
	ReasonVoicemail    = "voicemail_complete"
	ReasonShutdown     = "shutdown"
)

// dtmfQueueCap bounds the per-call digit queue; a phone spamming INFO
// cannot grow it without bound.
const dtmfQueueCap = 64

// Recorder consumes audio diverted from a call's relay, typically a
// voicemail recording in progress.
type Recorder interface {
	// Write receives one RTP payload and its payload type.
	Write(payload []byte, payloadType int)

	// Close finalizes the recording and returns the path it was written to.
	Close() (string, error)
}

// Session is one active call between two extensions. Signaling artifacts
// (the retained INVITEs, transactions, the callee's 200 OK) are set by the
// SIP layer while it holds the session; state transitions go through the
// methods below, which serialize on the session's own lock.
type Session struct {
	CallID   string
	FromExt  string
	ToExt    string
	FromName string

	// InviteReq is the caller's original INVITE, retained for the late
	// 200 OK on voicemail diversion and for the caller-leg BYE.
	InviteReq *sip.Request

	// InviteTx is the caller-side server transaction, open until the
	// INVITE gets its final response.
	InviteTx sip.ServerTransaction

	// OutboundReq is the INVITE this server sent toward the callee,
	// retained for CANCEL construction.
	OutboundReq *sip.Request

	// CalleeRes is the callee's 200 OK, holding the To tag and Contact
	// needed for the callee-leg ACK and BYE.
	CalleeRes *sip.Response

	// Relay is the call's RTP relay, owned by the media engine.
	Relay *media.RelayHandler

	StartTime   time.Time
	ConnectTime *time.Time
	EndTime     *time.Time
	EndReason   string

	RoutedToVoicemail bool

	mu            sync.Mutex
	machine       *fsm.FSM
	noAnswerTimer *time.Timer
	recordTimer   *time.Timer
	recorder      Recorder
	dtmf          []byte

	mgr    *Manager
	logger *slog.Logger
}

func newSession(mgr *Manager, callID, fromExt, toExt string) *Session {
	s := &Session{
		CallID:  callID,
		FromExt: fromExt,
		ToExt:   toExt,
		mgr:     mgr,
		logger:  mgr.logger.With("call_id", callID, "from", fromExt, "to", toExt),
	}
	s.machine = fsm.NewFSM(
		StateInitiating,
		fsm.Events{
			{Name: eventRing, Src: []string{StateInitiating}, Dst: StateRinging},
			{Name: eventAnswer, Src: []string{StateInitiating, StateRinging}, Dst: StateConnected},
			{Name: eventHangupLocal, Src: []string{StateConnected}, Dst: StateEndingLocal},
			{Name: eventEnd, Src: []string{StateInitiating, StateRinging, StateConnected, StateEndingLocal}, Dst: StateEnded},
		},
		fsm.Callbacks{},
	)
	return s
}

// State returns the session's current lifecycle state.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.Current()
}

// Start records the start timestamp, opens the CDR and emits call_started.
func (s *Session) Start(ctx context.Context) {
	s.mu.Lock()
	s.StartTime = time.Now()
	s.mu.Unlock()

	s.mgr.openCDR(ctx, s)
	s.mgr.emit(eventCallStarted, map[string]any{
		"call_id": s.CallID,
		"from":    s.FromExt,
		"to":      s.ToExt,
	})
	s.logger.Info("call started")
}

// Ring moves the call to ringing when the callee's 180 arrives. A late
// 180 after answer is ignored.
func (s *Session) Ring() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.machine.Event(context.Background(), eventRing); err != nil {
		return
	}
	s.logger.Info("call ringing")
}

// Connect marks the call answered. Idempotent: a retransmitted 200 OK
// arrives here too and must not double-fire timers or webhooks.
func (s *Session) Connect(ctx context.Context) {
	s.mu.Lock()
	if s.machine.Current() == StateConnected {
		s.mu.Unlock()
		return
	}
	if err := s.machine.Event(ctx, eventAnswer); err != nil {
		s.mu.Unlock()
		return
	}
	now := time.Now()
	s.ConnectTime = &now
	s.stopTimersLocked()
	s.mu.Unlock()

	s.mgr.emit(eventCallConnected, map[string]any{
		"call_id": s.CallID,
		"from":    s.FromExt,
		"to":      s.ToExt,
	})
	s.logger.Info("call connected")
}

// ArmNoAnswerTimer starts the no-answer timeout. When it fires, onFire
// runs only if the call is still unanswered; a timer that lost the race
// against Connect or End cancels harmlessly.
func (s *Session) ArmNoAnswerTimer(d time.Duration, onFire func(*Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.noAnswerTimer = time.AfterFunc(d, func() {
		s.mu.Lock()
		state := s.machine.Current()
		s.mu.Unlock()
		if state != StateInitiating && state != StateRinging {
			return
		}
		s.logger.Info("no answer timeout", "timeout", d)
		onFire(s)
	})
}

// CancelNoAnswerTimer stops a pending no-answer timer, if any.
func (s *Session) CancelNoAnswerTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.noAnswerTimer != nil {
		s.noAnswerTimer.Stop()
		s.noAnswerTimer = nil
	}
}

// AttachVoicemail diverts the call's audio into the recorder and arms the
// maximum-duration timer. The relay keeps counting QoS for diverted
// packets, it just stops forwarding them.
func (s *Session) AttachVoicemail(rec Recorder, maxDuration time.Duration, onDone func(*Session)) {
	s.mu.Lock()
	s.recorder = rec
	s.RoutedToVoicemail = true
	s.recordTimer = time.AfterFunc(maxDuration, func() {
		onDone(s)
	})
	relay := s.Relay
	s.mu.Unlock()

	if relay != nil {
		relay.SetVoicemailSink(rec.Write)
	}
	s.logger.Info("voicemail recording attached", "max_duration", maxDuration)
}

// EnqueueDigit appends a DTMF digit received via SIP INFO. Digits beyond
// the queue cap are discarded.
func (s *Session) EnqueueDigit(digit byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.dtmf) >= dtmfQueueCap {
		return
	}
	s.dtmf = append(s.dtmf, digit)
}

// DrainDigits returns and clears the queued DTMF digits.
func (s *Session) DrainDigits() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	digits := string(s.dtmf)
	s.dtmf = s.dtmf[:0]
	return digits
}

// Duration is the wall time from start to end, zero while active.
func (s *Session) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.EndTime == nil {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}

// BillableDuration is the time from answer to end, zero if never answered.
func (s *Session) BillableDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ConnectTime == nil || s.EndTime == nil {
		return 0
	}
	return s.EndTime.Sub(*s.ConnectTime)
}

// Disposition maps the session outcome to a CDR status.
func (s *Session) Disposition() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dispositionLocked()
}

func (s *Session) dispositionLocked() string {
	switch {
	case s.RoutedToVoicemail:
		return models.DispositionVoicemail
	case s.ConnectTime != nil:
		return models.DispositionAnswered
	case s.EndReason == ReasonCallerCancel:
		return models.DispositionCancelled
	case s.EndReason == ReasonNoAnswer:
		return models.DispositionNoAnswer
	case s.EndReason == ReasonBusy:
		return models.DispositionBusy
	default:
		return models.DispositionFailed
	}
}

// localReason reports whether this server, not a party, initiated the end.
func localReason(reason string) bool {
	return reason == ReasonShutdown || reason == ReasonVoicemail
}

// finish drives the state machine to ended and closes out timers and the
// recorder. Returns the recording path, if a recorder was attached.
func (s *Session) finish(reason string) string {
	s.mu.Lock()

	if s.machine.Current() == StateEnded {
		s.mu.Unlock()
		return ""
	}

	if localReason(reason) && s.machine.Current() == StateConnected {
		s.machine.Event(context.Background(), eventHangupLocal)
	}
	s.machine.Event(context.Background(), eventEnd)

	now := time.Now()
	s.EndTime = &now
	s.EndReason = reason
	s.stopTimersLocked()

	rec := s.recorder
	s.recorder = nil
	s.mu.Unlock()

	var path string
	if rec != nil {
		p, err := rec.Close()
		if err != nil {
			s.logger.Error("closing recording failed", "error", err)
		} else {
			path = p
		}
	}
	return path
}

func (s *Session) stopTimersLocked() {
	if s.noAnswerTimer != nil {
		s.noAnswerTimer.Stop()
		s.noAnswerTimer = nil
	}
	if s.recordTimer != nil {
		s.recordTimer.Stop()
		s.recordTimer = nil
	}
}
