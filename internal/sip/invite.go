package sip

import (
	"context"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/coralpbx/coralpbx/internal/media"
)

// handleInvite is the entry point for call setup. The transaction gets
// 100 Trying right away; authentication and routing follow.
func (s *Server) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDValue(req)
	from := req.From().Address.User

	s.logger.Info("sip invite received",
		"call_id", callID,
		"from", from,
		"to", req.To().Address.User,
		"source", req.Source(),
	)

	if s.draining.Load() {
		s.logger.Info("invite refused, server draining", "call_id", callID)
		res := sip.NewResponseFromRequest(req, 503, "Service Unavailable", nil)
		res.AppendHeader(sip.NewHeader("Retry-After", "10"))
		if err := tx.Respond(res); err != nil {
			s.logger.Error("failed to refuse invite", "error", err)
		}
		return
	}

	trying := sip.NewResponseFromRequest(req, 100, "Trying", nil)
	if err := tx.Respond(trying); err != nil {
		s.logger.Error("failed to send trying", "call_id", callID, "error", err)
		return
	}

	// A known Call-ID with a tagged To is a re-INVITE inside an
	// established dialog (hold, codec refresh). The relay keeps forwarding
	// either way, so answer with its current SDP.
	if sess := s.calls.Get(callID); sess != nil {
		s.handleReinvite(req, tx, sess.Relay)
		return
	}

	if s.identity != nil {
		s.identity.Inspect(req)
	}

	ext := s.auth.Authenticate(req, tx, from)
	if ext == nil {
		return
	}

	s.router.Route(context.Background(), req, tx, ext.Number)
}

// handleReinvite answers an in-dialog INVITE with the relay's current
// media description. Endpoint changes are picked up by symmetric-RTP
// learning rather than SDP renegotiation.
func (s *Server) handleReinvite(req *sip.Request, tx sip.ServerTransaction, relay *media.RelayHandler) {
	callID := callIDValue(req)
	s.logger.Info("re-invite received", "call_id", callID, "source", req.Source())

	if relay == nil {
		s.respondError(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	var formats []int
	if sdp, err := media.ParseSDP(req.Body()); err == nil {
		formats = sdp.Formats
	}

	answer, err := media.BuildOffer(s.cfg.MediaIP(), relay.Port(), time.Now().Unix(),
		formats, s.cfg.DTMFPayloadType, s.cfg.ILBCMode)
	if err != nil {
		s.logger.Error("building re-invite answer failed", "call_id", callID, "error", err)
		s.respondError(req, tx, 500, "Internal Server Error")
		return
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", answer)
	contentType := sip.ContentTypeHeader("application/sdp")
	res.AppendHeader(&contentType)
	if err := tx.Respond(res); err != nil {
		s.logger.Error("answering re-invite failed", "call_id", callID, "error", err)
	}
}

func (s *Server) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to send error response", "code", code, "error", err)
	}
}
