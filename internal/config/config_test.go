package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.SIPPort != 5060 {
		t.Errorf("SIPPort = %d, want 5060", cfg.SIPPort)
	}
	if cfg.RTPPortMin != 10000 || cfg.RTPPortMax != 20000 {
		t.Errorf("RTP port range = %d-%d, want 10000-20000", cfg.RTPPortMin, cfg.RTPPortMax)
	}
	if cfg.AuthMode != "ip" {
		t.Errorf("AuthMode = %q, want ip", cfg.AuthMode)
	}
	if cfg.NoAnswerTimeout != 30*time.Second {
		t.Errorf("NoAnswerTimeout = %s, want 30s", cfg.NoAnswerTimeout)
	}
	if !cfg.SendPAssertedIdentity || !cfg.SendRemotePartyID {
		t.Error("caller identity headers should default on")
	}
}

func TestLoadFlags(t *testing.T) {
	cfg, err := Load([]string{
		"--sip-port", "5070",
		"--rtp-port-min", "30000",
		"--rtp-port-max", "30100",
		"--auth-mode", "ip",
		"--trusted-nets", "10.0.0.0/8, 192.168.1.0/24",
		"--log-format", "json",
	})
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.SIPPort != 5070 {
		t.Errorf("SIPPort = %d, want 5070", cfg.SIPPort)
	}
	nets, err := cfg.TrustedNetworks()
	if err != nil {
		t.Fatalf("TrustedNetworks() error: %v", err)
	}
	if len(nets) != 2 {
		t.Fatalf("TrustedNetworks() returned %d nets, want 2", len(nets))
	}
	if got := cfg.PortPairCapacity(); got != 50 {
		t.Errorf("PortPairCapacity() = %d, want 50", got)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CORALPBX_SIP_PORT", "5090")
	t.Setenv("CORALPBX_LOG_LEVEL", "debug")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.SIPPort != 5090 {
		t.Errorf("SIPPort = %d, want 5090 from env", cfg.SIPPort)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug from env", cfg.LogLevel)
	}
}

func TestFlagsBeatEnv(t *testing.T) {
	t.Setenv("CORALPBX_SIP_PORT", "5090")

	cfg, err := Load([]string{"--sip-port", "5071"})
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.SIPPort != 5071 {
		t.Errorf("SIPPort = %d, want flag value 5071 over env", cfg.SIPPort)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{
			name:    "sip port out of range",
			args:    []string{"--sip-port", "70000"},
			wantErr: "sip-port",
		},
		{
			name:    "rtp min odd",
			args:    []string{"--rtp-port-min", "10001"},
			wantErr: "even",
		},
		{
			name:    "rtp range inverted",
			args:    []string{"--rtp-port-min", "20000", "--rtp-port-max", "10000"},
			wantErr: "rtp-port-max",
		},
		{
			name:    "bad log level",
			args:    []string{"--log-level", "verbose"},
			wantErr: "log-level",
		},
		{
			name:    "bad auth mode",
			args:    []string{"--auth-mode", "none"},
			wantErr: "auth-mode",
		},
		{
			name:    "bad trusted net",
			args:    []string{"--trusted-nets", "not-a-cidr"},
			wantErr: "trusted-nets",
		},
		{
			name:    "bad dialplan pattern",
			args:    []string{"--dialplan-internal", "[unclosed"},
			wantErr: "dialplan-internal",
		},
		{
			name:    "dtmf payload type static range",
			args:    []string{"--dtmf-payload-type", "8"},
			wantErr: "dtmf-payload-type",
		},
		{
			name:    "ilbc mode invalid",
			args:    []string{"--ilbc-mode", "25"},
			wantErr: "ilbc-mode",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.args)
			if err == nil {
				t.Fatal("Load() succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestSlogLevel(t *testing.T) {
	for _, tt := range []struct {
		level string
		want  string
	}{
		{"debug", "DEBUG"},
		{"info", "INFO"},
		{"warn", "WARN"},
		{"error", "ERROR"},
	} {
		cfg := &Config{LogLevel: tt.level}
		if got := cfg.SlogLevel().String(); got != tt.want {
			t.Errorf("SlogLevel(%q) = %s, want %s", tt.level, got, tt.want)
		}
	}
}

func TestMediaIPExplicit(t *testing.T) {
	cfg := &Config{ExternalIP: "203.0.113.10"}
	if got := cfg.MediaIP(); got != "203.0.113.10" {
		t.Errorf("MediaIP() = %q, want configured external IP", got)
	}
}
