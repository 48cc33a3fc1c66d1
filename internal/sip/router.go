package sip

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/coralpbx/coralpbx/internal/call"
	"github.com/coralpbx/coralpbx/internal/config"
	"github.com/coralpbx/coralpbx/internal/media"
	"github.com/coralpbx/coralpbx/internal/sipmsg"
)

// QoSWatcher attaches live quality monitoring to a call's relay.
type QoSWatcher interface {
	Watch(callID string, relay *media.RelayHandler)
}

// RecorderFactory opens a voicemail recording for a mailbox.
type RecorderFactory interface {
	NewRecorder(callID, mailbox string) (call.Recorder, error)
}

// HookFunc is a collaborator hook for dialplan destinations this server
// does not terminate itself (attendant, paging, voicemail access).
type HookFunc func(req *sip.Request, tx sip.ServerTransaction, dialed string)

// Router classifies the dialed number and drives call setup: relay
// allocation, the outbound callee leg, and the no-answer voicemail
// diversion.
type Router struct {
	cfg       *config.Config
	registry  *Registry
	calls     *call.Manager
	engine    *media.Engine
	dialer    *Dialer
	qos       QoSWatcher
	recorders RecorderFactory
	events    EventSink
	logger    *slog.Logger

	emergency *regexp.Regexp
	attendant *regexp.Regexp
	vmAccess  *regexp.Regexp
	paging    *regexp.Regexp
	dialplan  []*regexp.Regexp

	// Collaborator hooks. Nil hooks answer 480.
	AttendantHook HookFunc
	PagingHook    HookFunc
	VoicemailHook HookFunc
}

// NewRouter creates the router. The dialplan patterns were validated at
// config load, so compilation here cannot fail.
func NewRouter(cfg *config.Config, registry *Registry, calls *call.Manager, engine *media.Engine, dialer *Dialer, qos QoSWatcher, recorders RecorderFactory, events EventSink, logger *slog.Logger) *Router {
	return &Router{
		cfg:       cfg,
		registry:  registry,
		calls:     calls,
		engine:    engine,
		dialer:    dialer,
		qos:       qos,
		recorders: recorders,
		events:    events,
		logger:    logger.With("subsystem", "router"),
		emergency: regexp.MustCompile(cfg.DialplanEmergency),
		attendant: regexp.MustCompile(cfg.DialplanAutoAttendant),
		vmAccess:  regexp.MustCompile(cfg.DialplanVoicemail),
		paging:    regexp.MustCompile(cfg.DialplanPaging),
		dialplan: []*regexp.Regexp{
			regexp.MustCompile(cfg.DialplanInternal),
			regexp.MustCompile(cfg.DialplanConference),
			regexp.MustCompile(cfg.DialplanQueue),
			regexp.MustCompile(cfg.DialplanParking),
		},
	}
}

// Route handles an authenticated INVITE. The caller has already received
// 100 Trying.
func (r *Router) Route(ctx context.Context, req *sip.Request, tx sip.ServerTransaction, callerExt string) {
	dialed := req.To().Address.User
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	logger := r.logger.With("call_id", callID, "from", callerExt, "dialed", dialed)
	logger.Info("routing call")

	// Emergency numbers short-circuit everything else, with or without a
	// dial-out prefix.
	if r.emergency.MatchString(dialed) {
		r.handleEmergency(ctx, req, tx, callerExt, dialed, logger)
		return
	}

	switch {
	case r.attendant.MatchString(dialed):
		r.divert(req, tx, dialed, r.AttendantHook, "attendant", logger)
		return
	case r.vmAccess.MatchString(dialed):
		r.divert(req, tx, dialed, r.VoicemailHook, "voicemail access", logger)
		return
	case r.paging.MatchString(dialed):
		r.divert(req, tx, dialed, r.PagingHook, "paging", logger)
		return
	}

	// Numbers carrying dial formatting (separators, a + prefix) are
	// canonicalized before the dialplan gate sees them.
	if strings.ContainsAny(dialed, "+-.() ") {
		normalized := sipmsg.NormalizeE164(dialed)
		logger.Info("dialed number normalized", "normalized", normalized)
		dialed = normalized
	}

	// The dialplan gate runs before any registration lookup: a number
	// matching no pattern is forbidden even when a phone holds it.
	if !r.matchesDialplan(dialed) {
		logger.Warn("dialed number outside dialplan")
		r.respondError(req, tx, 403, "Forbidden")
		return
	}

	if !r.registry.IsRegistered(dialed) {
		logger.Info("callee not registered")
		r.respondError(req, tx, 404, "Not Found")
		return
	}

	r.placeCall(ctx, req, tx, callerExt, dialed, logger)
}

// handleEmergency logs loudly, notifies the webhook, and routes toward
// the attendant extension so a human picks up.
func (r *Router) handleEmergency(ctx context.Context, req *sip.Request, tx sip.ServerTransaction, callerExt, dialed string, logger *slog.Logger) {
	logger.Error("emergency number dialed", "extension", callerExt)
	if r.events != nil {
		r.events.Emit("emergency_call", map[string]any{
			"extension": callerExt,
			"dialed":    dialed,
			"source":    req.Source(),
		})
	}

	target := r.cfg.AttendantExtension
	if target != "" && r.registry.IsRegistered(target) {
		r.placeCall(ctx, req, tx, callerExt, target, logger.With("target", target))
		return
	}
	logger.Error("no reachable emergency target")
	r.respondError(req, tx, 503, "Service Unavailable")
}

// divert hands a call to a collaborator hook, or answers 480 when none
// is installed.
func (r *Router) divert(req *sip.Request, tx sip.ServerTransaction, dialed string, hook HookFunc, kind string, logger *slog.Logger) {
	if hook == nil {
		logger.Info("no handler installed", "destination", kind)
		r.respondError(req, tx, 480, "Temporarily Unavailable")
		return
	}
	logger.Info("diverting call", "destination", kind)
	hook(req, tx, dialed)
}

func (r *Router) matchesDialplan(dialed string) bool {
	for _, p := range r.dialplan {
		if p.MatchString(dialed) {
			return true
		}
	}
	return false
}

// placeCall runs the B2BUA setup: relay allocation, session creation,
// the outbound INVITE, and the no-answer timer.
func (r *Router) placeCall(ctx context.Context, req *sip.Request, tx sip.ServerTransaction, callerExt, calleeExt string, logger *slog.Logger) {
	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	callerSDP, err := media.ParseSDP(req.Body())
	if err != nil {
		logger.Warn("invite body unusable", "error", err)
		r.respondError(req, tx, 400, "Bad Request")
		return
	}
	callerAddr, err := callerSDP.UDPAddr()
	if err != nil {
		logger.Warn("invite media address unusable", "error", err)
		r.respondError(req, tx, 400, "Bad Request")
		return
	}

	calleeReg := r.registry.RegistrationOf(calleeExt)
	if calleeReg == nil {
		r.respondError(req, tx, 404, "Not Found")
		return
	}

	sess, err := r.calls.Create(callID, callerExt, calleeExt)
	if err != nil {
		logger.Warn("call already in progress", "error", err)
		r.respondError(req, tx, 482, "Loop Detected")
		return
	}

	relay, err := r.engine.Allocate(callID)
	if err != nil {
		logger.Error("relay allocation failed", "error", err)
		r.calls.End(ctx, callID, call.ReasonFailed)
		r.respondError(req, tx, 503, "Service Unavailable")
		return
	}
	relay.SetEndpoints(callerAddr, nil)
	relay.SetDTMF(r.cfg.DTMFPayloadType, sess.EnqueueDigit)

	callerIdentity := r.registry.Lookup(callerExt)
	fromName := ""
	if callerIdentity != nil {
		fromName = callerIdentity.Name
	}

	sess.InviteReq = req
	sess.InviteTx = tx
	sess.Relay = relay
	sess.FromName = fromName
	sess.Start(ctx)
	if r.qos != nil {
		r.qos.Watch(callID, relay)
	}

	codecs := media.CodecsForUserAgent(calleeReg.UserAgent, callerSDP.Formats)
	offer, err := media.BuildOffer(r.cfg.MediaIP(), relay.Port(), time.Now().Unix(),
		codecs, r.cfg.DTMFPayloadType, r.cfg.ILBCMode)
	if err != nil {
		logger.Error("building callee offer failed", "error", err)
		r.calls.End(ctx, callID, call.ReasonFailed)
		r.respondError(req, tx, 500, "Internal Server Error")
		return
	}

	callerMAC := r.callerMAC(req, callerExt)
	outbound := r.dialer.BuildCalleeInvite(req, callerIdentity, callerMAC, calleeReg, offer)
	sess.OutboundReq = outbound

	clientTx, err := r.dialer.Send(ctx, outbound)
	if err != nil {
		logger.Error("callee leg failed to start", "error", err)
		r.calls.End(ctx, callID, call.ReasonFailed)
		r.respondError(req, tx, 500, "Internal Server Error")
		return
	}

	sess.ArmNoAnswerTimer(r.cfg.NoAnswerTimeout, func(s *call.Session) {
		r.onNoAnswer(context.Background(), s)
	})

	go r.collectCalleeResponses(ctx, sess, req, tx, clientTx, callerSDP.Formats, logger)
}

// collectCalleeResponses drives the caller leg from the callee leg's
// responses: ringing passes through, a 2xx connects both legs, and
// failures tear the call down with the matching disposition.
func (r *Router) collectCalleeResponses(ctx context.Context, sess *call.Session, callerReq *sip.Request, callerTx sip.ServerTransaction, clientTx sip.ClientTransaction, callerFormats []int, logger *slog.Logger) {
	defer clientTx.Terminate()

	for {
		select {
		case res, ok := <-clientTx.Responses():
			if !ok {
				return
			}
			switch {
			case res.StatusCode < 200:
				if res.StatusCode == 100 {
					continue
				}
				sess.Ring()
				r.forward(callerReq, callerTx, res.StatusCode, res.Reason, logger)
			case res.StatusCode < 300:
				r.connectLegs(ctx, sess, callerReq, callerTx, res, callerFormats, logger)
				return
			case res.StatusCode == 486:
				logger.Info("callee busy")
				r.calls.End(ctx, sess.CallID, call.ReasonBusy)
				r.forward(callerReq, callerTx, res.StatusCode, res.Reason, logger)
				return
			default:
				logger.Warn("callee leg failed", "status", res.StatusCode, "reason", res.Reason)
				r.calls.End(ctx, sess.CallID, call.ReasonFailed)
				r.forward(callerReq, callerTx, res.StatusCode, res.Reason, logger)
				return
			}
		case <-clientTx.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

// connectLegs completes setup after the callee's 2xx: ACK the callee,
// point the relay at its media address and answer the caller with the
// relay's own SDP.
func (r *Router) connectLegs(ctx context.Context, sess *call.Session, callerReq *sip.Request, callerTx sip.ServerTransaction, res *sip.Response, callerFormats []int, logger *slog.Logger) {
	sess.CancelNoAnswerTimer()
	sess.CalleeRes = res

	if err := r.dialer.SendACK(sess.OutboundReq, res); err != nil {
		logger.Error("acking callee failed", "error", err)
	}

	if calleeSDP, err := media.ParseSDP(res.Body()); err != nil {
		logger.Warn("callee answer body unusable", "error", err)
	} else if calleeAddr, err := calleeSDP.UDPAddr(); err != nil {
		logger.Warn("callee media address unusable", "error", err)
	} else {
		sess.Relay.SetEndpoints(nil, calleeAddr)
	}

	answer, err := media.BuildOffer(r.cfg.MediaIP(), sess.Relay.Port(), time.Now().Unix(),
		callerFormats, r.cfg.DTMFPayloadType, r.cfg.ILBCMode)
	if err != nil {
		logger.Error("building caller answer failed", "error", err)
		r.calls.End(ctx, sess.CallID, call.ReasonFailed)
		r.respondError(callerReq, callerTx, 500, "Internal Server Error")
		return
	}

	ok := sip.NewResponseFromRequest(callerReq, 200, "OK", answer)
	ok.AppendHeader(&sip.ContactHeader{Address: sip.Uri{
		User: "coralpbx",
		Host: r.cfg.MediaIP(),
		Port: r.cfg.SIPPort,
	}})
	contentType := sip.ContentTypeHeader("application/sdp")
	ok.AppendHeader(&contentType)
	if err := callerTx.Respond(ok); err != nil {
		logger.Error("answering caller failed", "error", err)
	}

	sess.Connect(ctx)
}

// onNoAnswer fires when the callee rang too long: cancel the callee leg,
// answer the caller and record a message instead.
func (r *Router) onNoAnswer(ctx context.Context, sess *call.Session) {
	logger := r.logger.With("call_id", sess.CallID, "to", sess.ToExt)
	logger.Info("no answer, diverting to voicemail")

	if sess.OutboundReq != nil {
		if err := r.dialer.SendCANCEL(ctx, sess.OutboundReq); err != nil {
			logger.Error("cancelling callee leg failed", "error", err)
		}
	}

	if r.recorders == nil {
		r.calls.End(ctx, sess.CallID, call.ReasonNoAnswer)
		if sess.InviteReq != nil && sess.InviteTx != nil {
			r.respondError(sess.InviteReq, sess.InviteTx, 480, "Temporarily Unavailable")
		}
		return
	}

	rec, err := r.recorders.NewRecorder(sess.CallID, sess.ToExt)
	if err != nil {
		logger.Error("opening voicemail recording failed", "error", err)
		r.calls.End(ctx, sess.CallID, call.ReasonNoAnswer)
		if sess.InviteReq != nil && sess.InviteTx != nil {
			r.respondError(sess.InviteReq, sess.InviteTx, 480, "Temporarily Unavailable")
		}
		return
	}

	var callerFormats []int
	if sdp, err := media.ParseSDP(sess.InviteReq.Body()); err == nil {
		callerFormats = sdp.Formats
	}
	answer, err := media.BuildOffer(r.cfg.MediaIP(), sess.Relay.Port(), time.Now().Unix(),
		callerFormats, r.cfg.DTMFPayloadType, r.cfg.ILBCMode)
	if err != nil {
		logger.Error("building voicemail answer failed", "error", err)
		r.calls.End(ctx, sess.CallID, call.ReasonNoAnswer)
		return
	}

	ok := sip.NewResponseFromRequest(sess.InviteReq, 200, "OK", answer)
	contentType := sip.ContentTypeHeader("application/sdp")
	ok.AppendHeader(&contentType)
	if err := sess.InviteTx.Respond(ok); err != nil {
		logger.Error("answering caller for voicemail failed", "error", err)
	}

	sess.AttachVoicemail(rec, r.cfg.MaxMessageDuration, func(s *call.Session) {
		r.calls.End(context.Background(), s.CallID, call.ReasonVoicemail)
	})
	sess.Connect(ctx)

	if r.events != nil {
		r.events.Emit("voicemail_started", map[string]any{
			"call_id": sess.CallID,
			"mailbox": sess.ToExt,
			"caller":  sess.FromExt,
		})
	}
}

// callerMAC resolves the caller's device MAC, preferring the live
// registration over a MAC carried in the INVITE itself.
func (r *Router) callerMAC(req *sip.Request, callerExt string) string {
	if reg := r.registry.RegistrationOf(callerExt); reg != nil && reg.MAC != "" {
		return reg.MAC
	}
	if r.cfg.AcceptMACInInvite {
		return sipmsg.MACFromRequest(req)
	}
	return ""
}

func (r *Router) forward(req *sip.Request, tx sip.ServerTransaction, code int, reason string, logger *slog.Logger) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		logger.Error("forwarding response failed", "code", code, "error", err)
	}
}

func (r *Router) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		r.logger.Error("sending error response failed", "code", code, "error", err)
	}
}
