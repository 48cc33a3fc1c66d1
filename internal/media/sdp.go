// Package media implements the RTP relay engine: SDP parsing and offers,
// relay port allocation, symmetric-RTP forwarding with NAT endpoint
// learning, and per-direction QoS accounting.
package media

import (
	"fmt"
	"net"
	"strconv"

	"github.com/pion/sdp/v3"
)

// Static RTP payload types (IANA assignments) plus the dynamic types this
// PBX offers.
const (
	PayloadPCMU = 0  // G.711 u-law
	PayloadG726 = 2  // G.726-32
	PayloadPCMA = 8  // G.711 a-law
	PayloadG722 = 9  // G.722
	PayloadG729 = 18 // G.729
	PayloadILBC = 97 // iLBC (dynamic, conventionally 97)
)

// rtpmapNames maps payload types to their rtpmap encoding names. The RTP
// clock for all telephony codecs here is 8000, including G.722 (RFC 3551
// fixes its RTP clock at 8000 despite the 16 kHz sample rate).
var rtpmapNames = map[int]string{
	PayloadPCMU: "PCMU/8000",
	PayloadG726: "G726-32/8000",
	PayloadPCMA: "PCMA/8000",
	PayloadG722: "G722/8000",
	PayloadG729: "G729/8000",
	PayloadILBC: "iLBC/8000",
}

// MediaEndpoint is the audio endpoint extracted from an SDP body.
type MediaEndpoint struct {
	Address string
	Port    int
	Formats []int
}

// UDPAddr resolves the endpoint to a UDP address.
func (e *MediaEndpoint) UDPAddr() (*net.UDPAddr, error) {
	ip := net.ParseIP(e.Address)
	if ip == nil {
		return nil, fmt.Errorf("invalid sdp connection address %q", e.Address)
	}
	return &net.UDPAddr{IP: ip, Port: e.Port}, nil
}

// ParseSDP extracts the audio endpoint from an SDP body: the connection
// address (media-level c= wins over session-level), the audio port, and
// the offered payload types in order.
func ParseSDP(data []byte) (*MediaEndpoint, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("parsing sdp: %w", err)
	}

	var audio *sdp.MediaDescription
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media == "audio" {
			audio = md
			break
		}
	}
	if audio == nil {
		return nil, fmt.Errorf("sdp has no audio media description")
	}

	address := ""
	if sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil {
		address = sd.ConnectionInformation.Address.Address
	}
	if audio.ConnectionInformation != nil && audio.ConnectionInformation.Address != nil {
		address = audio.ConnectionInformation.Address.Address
	}
	if address == "" {
		return nil, fmt.Errorf("sdp has no connection address")
	}

	formats := make([]int, 0, len(audio.MediaName.Formats))
	for _, f := range audio.MediaName.Formats {
		pt, err := strconv.Atoi(f)
		if err != nil {
			continue
		}
		formats = append(formats, pt)
	}

	return &MediaEndpoint{
		Address: address,
		Port:    audio.MediaName.Port.Value,
		Formats: formats,
	}, nil
}

// BuildOffer produces an SDP audio offer advertising the given codecs in
// preference order on ip:port. A telephone-event line is always included
// with the configured DTMF payload type; iLBC offers carry the mode fmtp.
func BuildOffer(ip string, port int, sessionID int64, codecs []int, dtmfPayloadType, ilbcMode int) ([]byte, error) {
	if len(codecs) == 0 {
		codecs = []int{PayloadPCMU, PayloadPCMA}
	}

	formats := make([]string, 0, len(codecs)+1)
	attrs := make([]sdp.Attribute, 0, len(codecs)+4)
	for _, pt := range codecs {
		formats = append(formats, strconv.Itoa(pt))
		if name, ok := rtpmapNames[pt]; ok {
			attrs = append(attrs, sdp.Attribute{
				Key:   "rtpmap",
				Value: fmt.Sprintf("%d %s", pt, name),
			})
		}
		if pt == PayloadILBC {
			attrs = append(attrs, sdp.Attribute{
				Key:   "fmtp",
				Value: fmt.Sprintf("%d mode=%d", pt, ilbcMode),
			})
		}
	}

	formats = append(formats, strconv.Itoa(dtmfPayloadType))
	attrs = append(attrs,
		sdp.Attribute{Key: "rtpmap", Value: fmt.Sprintf("%d telephone-event/8000", dtmfPayloadType)},
		sdp.Attribute{Key: "fmtp", Value: fmt.Sprintf("%d 0-15", dtmfPayloadType)},
		sdp.Attribute{Key: "ptime", Value: "20"},
		sdp.Attribute{Key: "sendrecv"},
	)

	sd := sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      uint64(sessionID),
			SessionVersion: uint64(sessionID),
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: ip,
		},
		SessionName: "CoralPBX",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: ip},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
		MediaDescriptions: []*sdp.MediaDescription{{
			MediaName: sdp.MediaName{
				Media:   "audio",
				Port:    sdp.RangedPort{Value: port},
				Protos:  []string{"RTP", "AVP"},
				Formats: formats,
			},
			Attributes: attrs,
		}},
	}

	body, err := sd.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshaling sdp offer: %w", err)
	}
	return body, nil
}

// CodecsForUserAgent returns the codec set to offer a callee based on its
// phone model, parsed from the stored User-Agent string. Known restricted
// models get their supported set; anything else echoes the caller's offer.
func CodecsForUserAgent(userAgent string, callerOffer []int) []int {
	switch {
	case containsModel(userAgent, "ZIP37G"):
		return []int{PayloadPCMU, PayloadPCMA}
	case containsModel(userAgent, "ZIP33G"):
		return []int{PayloadG726, PayloadG729, PayloadG722}
	case len(callerOffer) > 0:
		return callerOffer
	default:
		return []int{PayloadPCMU, PayloadPCMA}
	}
}

func containsModel(userAgent, model string) bool {
	// Model substrings are uppercase alphanumerics; UA strings vary in
	// surrounding firmware text but not in model casing.
	for i := 0; i+len(model) <= len(userAgent); i++ {
		if userAgent[i:i+len(model)] == model {
			return true
		}
	}
	return false
}
