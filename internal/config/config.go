package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"regexp"
	"strings"
	"time"
)

// Config holds all runtime configuration for the CoralPBX server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir     string
	SIPPort     int
	HTTPPort    int
	RTPPortMin  int
	RTPPortMax  int
	ExternalIP  string // public IP for SDP bodies (auto-detected if empty)
	LogLevel    string
	LogFormat   string // "text" or "json"
	PostgresDSN string // optional Postgres mirror for CDR/QoS rows

	// AuthMode selects how REGISTER/INVITE senders are authenticated:
	// "digest" requires credentials, "ip" trusts sources inside TrustedNets.
	AuthMode    string
	TrustedNets string // comma-separated CIDRs trusted in "ip" auth mode

	// Voicemail behaviour.
	NoAnswerTimeout    time.Duration
	MaxMessageDuration time.Duration

	// Caller identity headers on B2BUA INVITEs.
	SendPAssertedIdentity bool
	SendRemotePartyID     bool

	// Device MAC tracking.
	SendMACAddress    bool
	AcceptMACInInvite bool

	// Dialplan patterns. All are regular expressions matched against the
	// dialed digit string.
	DialplanInternal      string
	DialplanConference    string
	DialplanVoicemail     string
	DialplanQueue         string
	DialplanParking       string
	DialplanAutoAttendant string
	DialplanEmergency     string
	DialplanPaging        string
	AttendantExtension    string

	// QoS alert thresholds.
	QoSMOSMin      float64
	QoSLossMaxPct  float64
	QoSJitterMaxMs float64
	QoSLatencyMax  float64

	// DTMF / codec knobs.
	DTMFPayloadType int
	ILBCMode        int

	// Webhook endpoint for call lifecycle events (empty disables).
	WebhookURL string

	// ShutdownGrace bounds how long active calls may continue after a
	// shutdown signal before they are force-ended.
	ShutdownGrace time.Duration

	// VerifyIdentity enables PASSporT (STIR/SHAKEN) inspection of the
	// Identity header on inbound INVITEs.
	VerifyIdentity bool
}

// defaults
const (
	defaultDataDir         = "./data"
	defaultSIPPort         = 5060
	defaultHTTPPort        = 8080
	defaultRTPPortMin      = 10000
	defaultRTPPortMax      = 20000
	defaultLogLevel        = "info"
	defaultLogFormat       = "text"
	defaultAuthMode        = "ip"
	defaultNoAnswer        = 30 * time.Second
	defaultMaxMessage      = 180 * time.Second
	defaultShutdownGrace   = 30 * time.Second
	defaultDTMFPayloadType = 101
	defaultILBCMode        = 30

	defaultDialplanInternal   = `^1[0-9]{3}$`
	defaultDialplanConference = `^2[0-9]{3}$`
	defaultDialplanVoicemail  = `^\*[0-9]{3,4}$`
	defaultDialplanQueue      = `^8[0-9]{3}$`
	defaultDialplanParking    = `^7[0-9]$`
	defaultDialplanAttendant  = `^0$`
	defaultDialplanEmergency  = `^9?-?911$`
	defaultDialplanPaging     = `^7[0-9]$`
	defaultAttendantExtension = "0"

	defaultQoSMOSMin      = 3.5
	defaultQoSLossMaxPct  = 2.0
	defaultQoSJitterMaxMs = 50.0
	defaultQoSLatencyMax  = 300.0
)

// envPrefix is the prefix for all CoralPBX environment variables.
const envPrefix = "CORALPBX_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load(args []string) (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("coralpbx", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for database and voicemail storage")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP UDP listen port")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP port for metrics and health endpoints")
	fs.IntVar(&cfg.RTPPortMin, "rtp-port-min", defaultRTPPortMin, "minimum UDP port for RTP media relay")
	fs.IntVar(&cfg.RTPPortMax, "rtp-port-max", defaultRTPPortMax, "maximum UDP port for RTP media relay")
	fs.StringVar(&cfg.ExternalIP, "external-ip", "", "public IP address for SDP bodies (auto-detected if empty)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.PostgresDSN, "postgres-dsn", "", "optional Postgres DSN for mirroring call records and QoS summaries")
	fs.StringVar(&cfg.AuthMode, "auth-mode", defaultAuthMode, "SIP authentication mode (digest, ip)")
	fs.StringVar(&cfg.TrustedNets, "trusted-nets", "", "comma-separated CIDRs trusted when auth-mode=ip")
	fs.DurationVar(&cfg.NoAnswerTimeout, "no-answer-timeout", defaultNoAnswer, "time to ring a callee before diverting to voicemail")
	fs.DurationVar(&cfg.MaxMessageDuration, "max-message-duration", defaultMaxMessage, "maximum voicemail recording length")
	fs.BoolVar(&cfg.SendPAssertedIdentity, "send-p-asserted-identity", true, "add P-Asserted-Identity to outbound INVITEs")
	fs.BoolVar(&cfg.SendRemotePartyID, "send-remote-party-id", true, "add Remote-Party-ID to outbound INVITEs")
	fs.BoolVar(&cfg.SendMACAddress, "send-mac-address", true, "add X-MAC-Address to outbound INVITEs when the device MAC is known")
	fs.BoolVar(&cfg.AcceptMACInInvite, "accept-mac-in-invite", true, "learn device MACs from X-MAC-Address on inbound requests")
	fs.StringVar(&cfg.DialplanInternal, "dialplan-internal", defaultDialplanInternal, "dialplan pattern for internal extensions")
	fs.StringVar(&cfg.DialplanConference, "dialplan-conference", defaultDialplanConference, "dialplan pattern for conference rooms")
	fs.StringVar(&cfg.DialplanVoicemail, "dialplan-voicemail", defaultDialplanVoicemail, "dialplan pattern for voicemail access")
	fs.StringVar(&cfg.DialplanQueue, "dialplan-queue", defaultDialplanQueue, "dialplan pattern for call queues")
	fs.StringVar(&cfg.DialplanParking, "dialplan-parking", defaultDialplanParking, "dialplan pattern for parking slots")
	fs.StringVar(&cfg.DialplanAutoAttendant, "dialplan-attendant", defaultDialplanAttendant, "dialplan pattern for the auto attendant")
	fs.StringVar(&cfg.DialplanEmergency, "dialplan-emergency", defaultDialplanEmergency, "pattern for emergency numbers, checked before everything else")
	fs.StringVar(&cfg.DialplanPaging, "dialplan-paging", defaultDialplanPaging, "dialplan pattern for paging zones")
	fs.StringVar(&cfg.AttendantExtension, "attendant-extension", defaultAttendantExtension, "extension that reaches the auto attendant")
	fs.Float64Var(&cfg.QoSMOSMin, "qos-mos-min", defaultQoSMOSMin, "alert when a call's MOS drops below this value")
	fs.Float64Var(&cfg.QoSLossMaxPct, "qos-loss-max", defaultQoSLossMaxPct, "alert when packet loss percentage exceeds this value")
	fs.Float64Var(&cfg.QoSJitterMaxMs, "qos-jitter-max", defaultQoSJitterMaxMs, "alert when average jitter (ms) exceeds this value")
	fs.Float64Var(&cfg.QoSLatencyMax, "qos-latency-max", defaultQoSLatencyMax, "alert when average latency (ms) exceeds this value")
	fs.IntVar(&cfg.DTMFPayloadType, "dtmf-payload-type", defaultDTMFPayloadType, "RTP payload type for RFC 2833 telephone-event")
	fs.IntVar(&cfg.ILBCMode, "ilbc-mode", defaultILBCMode, "iLBC frame mode (20 or 30) advertised in SDP offers")
	fs.StringVar(&cfg.WebhookURL, "webhook-url", "", "URL to POST call lifecycle events to (empty disables)")
	fs.DurationVar(&cfg.ShutdownGrace, "shutdown-grace", defaultShutdownGrace, "grace period for active calls on shutdown")
	fs.BoolVar(&cfg.VerifyIdentity, "verify-identity", false, "inspect PASSporT Identity headers on inbound INVITEs")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides sets any flag not given on the command line from its
// CORALPBX_* environment variable. The env var name is the flag name
// upper-cased with dashes replaced by underscores.
func applyEnvOverrides(fs *flag.FlagSet) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] {
			return
		}
		envVar := envPrefix + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			return
		}
		if err := fs.Set(f.Name, val); err != nil {
			slog.Warn("ignoring invalid environment override",
				"env", envVar,
				"value", val,
				"error", err,
			)
		}
	})
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.RTPPortMin < 1024 || c.RTPPortMin > 65534 {
		return fmt.Errorf("rtp-port-min must be between 1024 and 65534, got %d", c.RTPPortMin)
	}
	if c.RTPPortMax < c.RTPPortMin+2 || c.RTPPortMax > 65535 {
		return fmt.Errorf("rtp-port-max must be between rtp-port-min+2 and 65535, got %d", c.RTPPortMax)
	}
	// RTP uses even ports; RTCP takes the next odd port.
	if c.RTPPortMin%2 != 0 {
		return fmt.Errorf("rtp-port-min must be even, got %d", c.RTPPortMin)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	switch c.AuthMode {
	case "digest", "ip":
	default:
		return fmt.Errorf("auth-mode must be digest or ip, got %q", c.AuthMode)
	}

	if _, err := c.TrustedNetworks(); err != nil {
		return err
	}

	for name, pattern := range map[string]string{
		"dialplan-internal":   c.DialplanInternal,
		"dialplan-conference": c.DialplanConference,
		"dialplan-voicemail":  c.DialplanVoicemail,
		"dialplan-queue":      c.DialplanQueue,
		"dialplan-parking":    c.DialplanParking,
		"dialplan-attendant":  c.DialplanAutoAttendant,
		"dialplan-emergency":  c.DialplanEmergency,
		"dialplan-paging":     c.DialplanPaging,
	} {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("%s is not a valid pattern: %w", name, err)
		}
	}

	if c.NoAnswerTimeout <= 0 {
		return fmt.Errorf("no-answer-timeout must be positive, got %s", c.NoAnswerTimeout)
	}
	if c.MaxMessageDuration <= 0 {
		return fmt.Errorf("max-message-duration must be positive, got %s", c.MaxMessageDuration)
	}
	if c.DTMFPayloadType < 96 || c.DTMFPayloadType > 127 {
		return fmt.Errorf("dtmf-payload-type must be a dynamic payload type (96-127), got %d", c.DTMFPayloadType)
	}
	if c.ILBCMode != 20 && c.ILBCMode != 30 {
		return fmt.Errorf("ilbc-mode must be 20 or 30, got %d", c.ILBCMode)
	}

	return nil
}

// TrustedNetworks parses the trusted-nets CIDR list.
func (c *Config) TrustedNetworks() ([]*net.IPNet, error) {
	if strings.TrimSpace(c.TrustedNets) == "" {
		return nil, nil
	}
	var nets []*net.IPNet
	for _, part := range strings.Split(c.TrustedNets, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		_, ipNet, err := net.ParseCIDR(part)
		if err != nil {
			return nil, fmt.Errorf("trusted-nets entry %q: %w", part, err)
		}
		nets = append(nets, ipNet)
	}
	return nets, nil
}

// SIPHost returns the hostname to use for the SIP user agent.
func (c *Config) SIPHost() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return hostname
}

// MediaIP returns the IP address to advertise in SDP bodies. If ExternalIP
// is configured it is returned directly; otherwise the machine's primary
// non-loopback IPv4 address is detected. Falls back to 127.0.0.1.
func (c *Config) MediaIP() string {
	if c.ExternalIP != "" {
		return c.ExternalIP
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// SlogHandler returns a slog.Handler configured with the configured format
// and level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// PortPairCapacity returns how many RTP/RTCP port pairs fit in the range.
func (c *Config) PortPairCapacity() int {
	return (c.RTPPortMax - c.RTPPortMin + 1) / 2
}
