package sip

import (
	"context"

	"github.com/emiago/sipgo/sip"

	"github.com/coralpbx/coralpbx/internal/call"
)

// handleBye tears down a call from either side. The sender gets 200 OK,
// the other leg gets its own BYE, and the session records who hung up.
func (s *Server) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDValue(req)
	from := req.From().Address.User

	s.logger.Info("sip bye received",
		"call_id", callID,
		"from", from,
		"source", req.Source(),
	)

	sess := s.calls.Get(callID)
	if sess == nil {
		s.respondError(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to bye", "call_id", callID, "error", err)
	}

	ctx := context.Background()
	if from == sess.FromExt {
		// Caller hung up; tell the callee leg if it was answered.
		if sess.CalleeRes != nil && sess.OutboundReq != nil {
			if err := s.dialer.SendBYEToCallee(ctx, sess.OutboundReq, sess.CalleeRes); err != nil {
				s.logger.Error("bye to callee failed", "call_id", callID, "error", err)
			}
		}
		s.calls.End(ctx, callID, call.ReasonCallerBye)
		return
	}

	// Callee hung up; tell the caller leg.
	if sess.InviteReq != nil {
		if err := s.dialer.SendBYEToCaller(ctx, sess.InviteReq); err != nil {
			s.logger.Error("bye to caller failed", "call_id", callID, "error", err)
		}
	}
	s.calls.End(ctx, callID, call.ReasonCalleeBye)
}
