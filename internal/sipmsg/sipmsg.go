// Package sipmsg provides helpers for building and decorating SIP messages:
// response/request construction, caller-identity and device-MAC headers,
// and number normalization. Wire parsing and serialization are handled by
// the sipgo stack; these helpers operate on its message types.
package sipmsg

import (
	"fmt"
	"strings"

	"github.com/emiago/sipgo/sip"
)

// AllowedMethods is the Allow header value listing every method the server
// responds to.
const AllowedMethods = "INVITE, ACK, BYE, CANCEL, OPTIONS, INFO, REGISTER, SUBSCRIBE, NOTIFY, REFER, MESSAGE, UPDATE, PRACK, PUBLISH"

// BuildResponse creates a response to req with the given status and reason.
// Via, From, To, Call-ID and CSeq are copied from the request exactly. A
// non-nil SDP body gets a Content-Type header.
func BuildResponse(req *sip.Request, status int, reason string, body []byte) *sip.Response {
	res := sip.NewResponseFromRequest(req, status, reason, body)
	if len(body) > 0 {
		res.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	}
	return res
}

// BuildRequest creates an in-dialog-style request with the given start line
// and mandatory headers. The CSeq is set to "<seq> <METHOD>". Via and
// Contact are left for the transport layer to fill.
func BuildRequest(method sip.RequestMethod, recipient sip.Uri, from *sip.FromHeader, to *sip.ToHeader, callID string, seq uint32, body []byte) *sip.Request {
	req := sip.NewRequest(method, recipient)

	if from != nil {
		req.AppendHeader(sip.HeaderClone(from))
	}
	if to != nil {
		req.AppendHeader(sip.HeaderClone(to))
	}
	cid := sip.CallIDHeader(callID)
	req.AppendHeader(&cid)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: method})
	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	if len(body) > 0 {
		req.SetBody(body)
	}
	return req
}

// AddCallerIdentityHeaders writes the caller identity headers on an
// outbound request:
//
//	P-Asserted-Identity: "Display Name" <sip:1001@10.0.0.1>
//	Remote-Party-ID: "Display Name" <sip:1001@10.0.0.1>;party=calling;privacy=off;screen=no
//
// sendPAI and sendRPID select which of the two forms are emitted.
func AddCallerIdentityHeaders(req *sip.Request, extension, displayName, serverIP string, sendPAI, sendRPID bool) {
	identity := fmt.Sprintf("%q <sip:%s@%s>", displayName, extension, serverIP)
	if displayName == "" {
		identity = fmt.Sprintf("<sip:%s@%s>", extension, serverIP)
	}

	if sendPAI {
		req.AppendHeader(sip.NewHeader("P-Asserted-Identity", identity))
	}
	if sendRPID {
		req.AppendHeader(sip.NewHeader("Remote-Party-ID", identity+";party=calling;privacy=off;screen=no"))
	}
}

// AddMACAddressHeader writes an X-MAC-Address header carrying the device
// MAC in lowercase colon-delimited form. Invalid MACs are rejected
// silently: phones send this field in several vendor formats and a bad
// value must never break call setup.
func AddMACAddressHeader(req *sip.Request, mac string) {
	normalized, ok := NormalizeMAC(mac)
	if !ok {
		return
	}
	req.AppendHeader(sip.NewHeader("X-MAC-Address", normalized))
}

// NormalizeMAC strips separators from a MAC address and validates that
// exactly 12 hex digits remain. Returns the lowercase colon-delimited form.
func NormalizeMAC(mac string) (string, bool) {
	var hex strings.Builder
	for _, r := range mac {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f':
			hex.WriteRune(r)
		case r >= 'A' && r <= 'F':
			hex.WriteRune(r + ('a' - 'A'))
		case r == ':', r == '-', r == '.', r == ' ':
			// separator, skip
		default:
			return "", false
		}
	}
	digits := hex.String()
	if len(digits) != 12 {
		return "", false
	}

	var out strings.Builder
	for i := 0; i < 12; i += 2 {
		if i > 0 {
			out.WriteByte(':')
		}
		out.WriteString(digits[i : i+2])
	}
	return out.String(), true
}

// MACFromRequest extracts and normalizes the X-MAC-Address header from a
// request. Returns "" when absent or invalid.
func MACFromRequest(req *sip.Request) string {
	h := req.GetHeader("X-MAC-Address")
	if h == nil {
		return ""
	}
	normalized, ok := NormalizeMAC(h.Value())
	if !ok {
		return ""
	}
	return normalized
}

// NormalizeE164 canonicalizes a telephone number string: formatting
// characters are stripped and NANP-length numbers gain a +1 prefix.
// The function is idempotent; short strings (extensions, service codes)
// pass through as bare digits.
func NormalizeE164(number string) string {
	hasPlus := strings.HasPrefix(strings.TrimSpace(number), "+")

	var digits strings.Builder
	for _, r := range number {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()

	switch {
	case hasPlus:
		return "+" + d
	case len(d) == 11 && strings.HasPrefix(d, "1"):
		return "+" + d
	case len(d) == 10:
		return "+1" + d
	default:
		return d
	}
}
