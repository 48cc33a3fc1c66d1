package sip

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/coralpbx/coralpbx/internal/config"
	"github.com/coralpbx/coralpbx/internal/database/models"
	"github.com/coralpbx/coralpbx/internal/sipmsg"
)

// Dialer builds and sends the PBX's own requests: the B2BUA INVITE
// toward the callee, the ACK for its 2xx, CANCEL on timeout or caller
// hangup, and BYE teardown for either leg.
type Dialer struct {
	client *sipgo.Client
	cfg    *config.Config
	logger *slog.Logger
}

// NewDialer creates the dialer over the server's user agent.
func NewDialer(ua *sipgo.UserAgent, cfg *config.Config, logger *slog.Logger) (*Dialer, error) {
	client, err := sipgo.NewClient(ua,
		sipgo.WithClientLogger(logger.With("subsystem", "dialer")),
		sipgo.WithClientHostname(cfg.SIPHost()),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip client: %w", err)
	}
	return &Dialer{
		client: client,
		cfg:    cfg,
		logger: logger.With("subsystem", "dialer"),
	}, nil
}

// Close releases the client's transport resources.
func (d *Dialer) Close() {
	d.client.Close()
}

// BuildCalleeInvite constructs the outbound INVITE for the callee leg.
// The Request-URI names the callee at this server; the transport
// destination is the callee's registered address. The caller's Via is
// carried over so the initial exchange keeps its return path, and the
// caller's identity (and device MAC, when known) ride along as headers.
func (d *Dialer) BuildCalleeInvite(callerReq *sip.Request, callerExt *models.Extension, callerMAC string, calleeReg *Registration, sdpBody []byte) *sip.Request {
	serverIP := d.cfg.MediaIP()

	recipient := sip.Uri{
		User: calleeReg.Extension,
		Host: serverIP,
		Port: d.cfg.SIPPort,
	}
	invite := sip.NewRequest(sip.INVITE, recipient)
	invite.SetTransport("UDP")
	invite.SetDestination(net.JoinHostPort(calleeReg.Host, strconv.Itoa(calleeReg.Port)))

	if via := callerReq.Via(); via != nil {
		invite.AppendHeader(sip.HeaderClone(via))
	}

	fromParams := sip.NewParams()
	fromParams.Add("tag", sip.GenerateTagN(16))
	invite.AppendHeader(&sip.FromHeader{
		DisplayName: callerExt.Name,
		Address: sip.Uri{
			User: callerExt.Number,
			Host: serverIP,
			Port: d.cfg.SIPPort,
		},
		Params: fromParams,
	})
	invite.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{
			User: calleeReg.Extension,
			Host: serverIP,
			Port: d.cfg.SIPPort,
		},
		Params: sip.NewParams(),
	})

	// Both legs share the Call-ID so the call table, CDR and QoS rows
	// correlate on one key.
	if cid := callerReq.CallID(); cid != nil {
		h := sip.CallIDHeader(cid.Value())
		invite.AppendHeader(&h)
	}
	invite.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.INVITE})
	maxFwd := sip.MaxForwardsHeader(70)
	invite.AppendHeader(&maxFwd)

	invite.AppendHeader(&sip.ContactHeader{
		Address: sip.Uri{
			User: "coralpbx",
			Host: serverIP,
			Port: d.cfg.SIPPort,
		},
	})

	sipmsg.AddCallerIdentityHeaders(invite, callerExt.Number, callerExt.Name, serverIP,
		d.cfg.SendPAssertedIdentity, d.cfg.SendRemotePartyID)
	if d.cfg.SendMACAddress && callerMAC != "" {
		sipmsg.AddMACAddressHeader(invite, callerMAC)
	}

	contentType := sip.ContentTypeHeader("application/sdp")
	invite.AppendHeader(&contentType)
	invite.SetBody(sdpBody)

	return invite
}

// Send starts the client transaction for a request built here.
func (d *Dialer) Send(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error) {
	tx, err := d.client.TransactionRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("sending %s: %w", req.Method, err)
	}
	return tx, nil
}

// SendACK acknowledges a 2xx on the callee leg. Per RFC 3261 §13.2.2.4
// the ACK for a 2xx goes straight through the transport, outside the
// INVITE transaction.
func (d *Dialer) SendACK(invite *sip.Request, res *sip.Response) error {
	recipient := invite.Recipient
	if contact := res.Contact(); contact != nil {
		recipient = *contact.Address.Clone()
	}

	ack := sip.NewRequest(sip.ACK, recipient)
	ack.SetTransport(invite.Transport())
	ack.SetDestination(invite.Destination())

	if h := invite.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	// To comes from the response so it carries the remote tag.
	if h := res.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := invite.CSeq(); cseq != nil {
		ack.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.ACK})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	if err := d.client.WriteRequest(ack); err != nil {
		return fmt.Errorf("sending ack: %w", err)
	}
	return nil
}

// SendCANCEL aborts an unanswered callee leg. Per RFC 3261 §9.1 the
// CANCEL copies the INVITE's Via, From, To and Call-ID, with the same
// sequence number under the CANCEL method.
func (d *Dialer) SendCANCEL(ctx context.Context, invite *sip.Request) error {
	cancelReq := sip.NewRequest(sip.CANCEL, invite.Recipient)
	cancelReq.SetTransport(invite.Transport())
	cancelReq.SetDestination(invite.Destination())

	sip.CopyHeaders("Via", invite, cancelReq)
	sip.CopyHeaders("From", invite, cancelReq)
	sip.CopyHeaders("To", invite, cancelReq)
	sip.CopyHeaders("Call-ID", invite, cancelReq)
	if cseq := invite.CSeq(); cseq != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{SeqNo: cseq.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)

	tx, err := d.Send(ctx, cancelReq)
	if err != nil {
		return err
	}
	tx.Terminate()
	return nil
}

// SendBYEToCallee tears down an answered callee leg.
func (d *Dialer) SendBYEToCallee(ctx context.Context, invite *sip.Request, res *sip.Response) error {
	recipient := invite.Recipient
	if contact := res.Contact(); contact != nil {
		recipient = *contact.Address.Clone()
	}

	var seq uint32 = 2
	if cseq := invite.CSeq(); cseq != nil {
		seq = cseq.SeqNo + 1
	}

	bye := sipmsg.BuildRequest(sip.BYE, recipient, invite.From(), nil, callIDValue(invite), seq, nil)
	if h := res.To(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	bye.SetTransport(invite.Transport())
	bye.SetDestination(invite.Destination())

	tx, err := d.Send(ctx, bye)
	if err != nil {
		return err
	}
	tx.Terminate()
	return nil
}

// SendBYEToCaller tears down the caller leg of an answered call. The
// dialog direction reverses: our To identity becomes the sender.
func (d *Dialer) SendBYEToCaller(ctx context.Context, callerReq *sip.Request) error {
	recipient := callerReq.From().Address
	if contact := callerReq.Contact(); contact != nil {
		recipient = *contact.Address.Clone()
	}

	var seq uint32 = 2
	if cseq := callerReq.CSeq(); cseq != nil {
		seq = cseq.SeqNo + 1
	}

	bye := sipmsg.BuildRequest(sip.BYE, recipient, nil, nil, callIDValue(callerReq), seq, nil)
	if to := callerReq.To(); to != nil {
		from := &sip.FromHeader{DisplayName: to.DisplayName, Address: *to.Address.Clone(), Params: to.Params.Clone()}
		bye.AppendHeader(from)
	}
	if from := callerReq.From(); from != nil {
		to := &sip.ToHeader{DisplayName: from.DisplayName, Address: *from.Address.Clone(), Params: from.Params.Clone()}
		bye.AppendHeader(to)
	}
	bye.SetTransport(callerReq.Transport())
	bye.SetDestination(callerReq.Source())

	tx, err := d.Send(ctx, bye)
	if err != nil {
		return err
	}
	tx.Terminate()
	return nil
}

func callIDValue(req *sip.Request) string {
	if cid := req.CallID(); cid != nil {
		return cid.Value()
	}
	return ""
}
