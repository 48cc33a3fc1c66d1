package sipmsg

import (
	"errors"
	"strconv"
	"strings"
)

// DTMF extraction errors.
var (
	ErrNotDTMF      = errors.New("content type is not a dtmf body")
	ErrInvalidDigit = errors.New("invalid dtmf digit")
)

// DTMFEvent is one digit extracted from a SIP INFO body.
type DTMFEvent struct {
	Digit      byte
	DurationMs int
}

// IsDTMFContentType reports whether a Content-Type value carries a DTMF
// body. Parameters after ';' (e.g. charset) are ignored.
func IsDTMFContentType(contentType string) bool {
	mediaType := strings.TrimSpace(contentType)
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = mediaType[:i]
	}
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))
	return mediaType == "application/dtmf-relay" || mediaType == "application/dtmf"
}

// ParseInfoDTMF extracts a DTMF digit from a SIP INFO body:
//
//	Signal=5
//	Duration=160
//
// application/dtmf bodies may also be the bare digit with no key=value
// lines. Line endings may be CRLF, LF or CR.
func ParseInfoDTMF(contentType string, body []byte) (DTMFEvent, error) {
	if !IsDTMFContentType(contentType) {
		return DTMFEvent{}, ErrNotDTMF
	}

	ev := DTMFEvent{DurationMs: 0}
	sawSignal := false

	normalized := strings.ReplaceAll(string(body), "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")

	for _, line := range strings.Split(normalized, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		key, value, found := strings.Cut(line, "=")
		if !found {
			// A bare digit is a valid application/dtmf body.
			if !sawSignal && len(line) == 1 && isDTMFDigit(line[0]) {
				ev.Digit = upperDigit(line[0])
				sawSignal = true
			}
			continue
		}

		switch strings.ToLower(strings.TrimSpace(key)) {
		case "signal":
			v := strings.TrimSpace(value)
			if len(v) != 1 || !isDTMFDigit(v[0]) {
				return DTMFEvent{}, ErrInvalidDigit
			}
			ev.Digit = upperDigit(v[0])
			sawSignal = true
		case "duration":
			if ms, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && ms > 0 {
				ev.DurationMs = ms
			}
		}
	}

	if !sawSignal {
		return DTMFEvent{}, ErrInvalidDigit
	}
	return ev, nil
}

// isDTMFDigit reports whether b is a valid DTMF digit: 0-9, *, #, A-D.
func isDTMFDigit(b byte) bool {
	switch {
	case b >= '0' && b <= '9':
		return true
	case b == '*' || b == '#':
		return true
	case b >= 'A' && b <= 'D':
		return true
	case b >= 'a' && b <= 'd':
		return true
	}
	return false
}

func upperDigit(b byte) byte {
	if b >= 'a' && b <= 'd' {
		return b - ('a' - 'A')
	}
	return b
}
