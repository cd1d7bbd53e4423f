package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultPairingPolicyValidates(t *testing.T) {
	if err := DefaultPairingPolicy().Validate(); err != nil {
		t.Fatalf("default policy should validate: %v", err)
	}
}

func TestPairingPolicyValidateRejectsZero(t *testing.T) {
	p := DefaultPairingPolicy()
	p.HandshakeTimeout = 0
	if err := p.Validate(); err == nil {
		t.Fatal("expected error for zero handshake_timeout")
	}

	p = DefaultPairingPolicy()
	p.SignalingRateLimit = 0
	if err := p.Validate(); err == nil {
		t.Fatal("expected error for zero signaling_rate_limit")
	}

	p = DefaultPairingPolicy()
	p.CodecWindowSize = -1
	if err := p.Validate(); err == nil {
		t.Fatal("expected error for negative codec_window_size")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	if cfg.DataDir == "" || cfg.ListenAddr == "" {
		t.Fatal("Default() should populate data_dir and listen_addr")
	}
	if err := cfg.Policy.Validate(); err != nil {
		t.Fatalf("default config policy should validate: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rasd.yaml")
	body := "data_dir: /var/lib/rasd\nlisten_addr: 0.0.0.0:9999\npolicy:\n  handshake_timeout: 20s\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/var/lib/rasd" {
		t.Errorf("DataDir = %q, want /var/lib/rasd", cfg.DataDir)
	}
	if cfg.ListenAddr != "0.0.0.0:9999" {
		t.Errorf("ListenAddr = %q, want 0.0.0.0:9999", cfg.ListenAddr)
	}
	if cfg.Policy.HandshakeTimeout != 20*time.Second {
		t.Errorf("HandshakeTimeout = %v, want 20s", cfg.Policy.HandshakeTimeout)
	}
	// Untouched field should retain its default.
	if cfg.Policy.CodecWindowSize != 1000 {
		t.Errorf("CodecWindowSize = %v, want default 1000", cfg.Policy.CodecWindowSize)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/rasd.yaml"); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadRejectsInvalidPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rasd.yaml")
	body := "policy:\n  max_pairing_sessions: 0\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error")
	}
}
