package sip

import (
	"context"

	"github.com/emiago/sipgo/sip"

	"github.com/coralpbx/coralpbx/internal/call"
)

// handleCancel aborts a call the caller gave up on before answer: 200 to
// the CANCEL, 487 to the original INVITE, CANCEL toward the callee.
func (s *Server) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDValue(req)

	s.logger.Info("sip cancel received",
		"call_id", callID,
		"from", req.From().Address.User,
		"source", req.Source(),
	)

	sess := s.calls.Get(callID)
	if sess == nil {
		s.respondError(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to cancel", "call_id", callID, "error", err)
	}

	if sess.InviteReq != nil && sess.InviteTx != nil {
		terminated := sip.NewResponseFromRequest(sess.InviteReq, 487, "Request Terminated", nil)
		if err := sess.InviteTx.Respond(terminated); err != nil {
			s.logger.Error("failed to terminate invite", "call_id", callID, "error", err)
		}
	}

	ctx := context.Background()
	if sess.OutboundReq != nil {
		if err := s.dialer.SendCANCEL(ctx, sess.OutboundReq); err != nil {
			s.logger.Error("cancelling callee leg failed", "call_id", callID, "error", err)
		}
	}

	s.calls.End(ctx, callID, call.ReasonCallerCancel)
}
