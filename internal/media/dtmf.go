package media

import "fmt"

// telephone-event digits by event code (RFC 4733 §3.2).
const dtmfDigits = "0123456789*#ABCD"

// TelephoneEvent is a decoded RFC 2833/4733 telephone-event payload.
type TelephoneEvent struct {
	Digit    byte
	End      bool
	Volume   uint8
	Duration uint16 // in timestamp units
}

// ParseTelephoneEvent decodes a telephone-event RTP payload:
//
//	0                   1                   2                   3
//	0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
//	|     event     |E|R| volume    |          duration             |
//
// Events above 15 (flash, tones) are rejected; only DTMF is relayed to
// the call's digit queue.
func ParseTelephoneEvent(payload []byte) (TelephoneEvent, error) {
	if len(payload) < 4 {
		return TelephoneEvent{}, fmt.Errorf("telephone-event payload too short: %d bytes", len(payload))
	}

	event := payload[0]
	if int(event) >= len(dtmfDigits) {
		return TelephoneEvent{}, fmt.Errorf("telephone-event %d is not a dtmf digit", event)
	}

	return TelephoneEvent{
		Digit:    dtmfDigits[event],
		End:      payload[1]&0x80 != 0,
		Volume:   payload[1] & 0x3F,
		Duration: uint16(payload[2])<<8 | uint16(payload[3]),
	}, nil
}
