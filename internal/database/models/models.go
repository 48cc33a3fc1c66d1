// Package models defines the persisted data types shared by the database
// repositories and their consumers.
package models

import "time"

// Extension is a provisioned PBX extension (a user/line).
type Extension struct {
	Number           string
	Name             string
	Email            string
	PasswordHash     string // SIP digest HA1: md5(number:realm:password), 32 hex chars
	PasswordSalt     string // legacy column, unused with HA1 storage
	AllowExternal    bool
	VoicemailPINHash string
	VoicemailPINSalt string
	ADSynced         bool
	ADUsername       string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// RegisteredPhone tracks a physical device seen registering an extension.
// Unlike a Registration (in-memory, transient) this survives restarts and
// records which device (by MAC and IP) serves which extension.
type RegisteredPhone struct {
	MAC             string
	Extension       string
	UserAgent       string
	IP              string
	FirstRegistered time.Time
	LastRegistered  time.Time
	ContactURI      string
}

// Call record dispositions.
const (
	DispositionAnswered  = "answered"
	DispositionNoAnswer  = "no_answer"
	DispositionCancelled = "cancelled"
	DispositionBusy      = "busy"
	DispositionFailed    = "failed"
	DispositionVoicemail = "voicemail"
)

// CallRecord is the CDR for one call.
type CallRecord struct {
	CallID        string
	FromExt       string
	ToExt         string
	StartTime     time.Time
	AnswerTime    *time.Time
	EndTime       *time.Time
	Duration      int // seconds, start to end
	BillableDur   int // seconds, answer to end
	Status        string
	RecordingPath string
}

// QoSRecord is the persisted per-direction quality summary for one call.
type QoSRecord struct {
	ID              int64
	CallID          string
	Direction       string // "a_to_b" or "b_to_a"
	PacketsSent     int64
	PacketsReceived int64
	PacketsLost     int64
	OutOfOrder      int64
	LossPct         float64
	AvgJitterMs     float64
	MaxJitterMs     float64
	AvgLatencyMs    float64
	MaxLatencyMs    float64
	MOS             float64
	Quality         string
	CreatedAt       time.Time
}
