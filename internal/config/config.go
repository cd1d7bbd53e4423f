// Package config provides the daemon's policy and runtime configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PairingPolicy groups the timeouts and caps that govern pairing,
// signaling, and reconnection. Grouping them avoids an accreting list of
// named constructor parameters as new knobs are added.
type PairingPolicy struct {
	// QRTimeout bounds the qr_displayed and signaling states.
	QRTimeout time.Duration `yaml:"qr_timeout"`
	// SignalingTimeout bounds the signaling state within the QR budget.
	SignalingTimeout time.Duration `yaml:"signaling_timeout"`
	// SDPExchangeTimeout bounds the signaling SDP exchange.
	SDPExchangeTimeout time.Duration `yaml:"sdp_exchange_timeout"`
	// WaitConnectedTimeout bounds peer.wait_connected.
	WaitConnectedTimeout time.Duration `yaml:"wait_connected_timeout"`
	// HandshakeTimeout bounds the authenticator's total handshake budget.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	// HandshakeReceiveTimeout is loaded and validated but not read by any
	// component: an authenticator receive is bounded only by the
	// HandshakeTimeout context.
	HandshakeReceiveTimeout time.Duration `yaml:"handshake_receive_timeout"`
	// BroadcastSendTimeout bounds a single peer send during broadcast.
	BroadcastSendTimeout time.Duration `yaml:"broadcast_send_timeout"`
	// RendezvousOfferMaxAge bounds offer recency on the rendezvous channel.
	RendezvousOfferMaxAge time.Duration `yaml:"rendezvous_offer_max_age"`
	// SignalingHMACSkew bounds the X-RAS-Timestamp clock skew.
	SignalingHMACSkew time.Duration `yaml:"signaling_hmac_skew"`
	// SignalingRateLimit is the max signing attempts per session per
	// SignalingRateLimitWindow.
	SignalingRateLimit       int           `yaml:"signaling_rate_limit"`
	SignalingRateLimitWindow time.Duration `yaml:"signaling_rate_limit_window"`
	// MaxPairingSessions caps concurrently pending pairing sessions.
	MaxPairingSessions int `yaml:"max_pairing_sessions"`
	// MaxFailedAuthAttempts is loaded and validated but not read by the
	// authenticator, which applies its own fixed authn.MaxFailedAttempts.
	MaxFailedAuthAttempts int `yaml:"max_failed_auth_attempts"`
	// HeartbeatSendInterval and HeartbeatReceiveTimeout configure the
	// per-connection heartbeat loop.
	HeartbeatSendInterval   time.Duration `yaml:"heartbeat_send_interval"`
	HeartbeatReceiveTimeout time.Duration `yaml:"heartbeat_receive_timeout"`
	// CodecMaxAge and CodecWindowSize configure the message codec.
	CodecMaxAge     time.Duration `yaml:"codec_max_age"`
	CodecWindowSize int           `yaml:"codec_window_size"`
}

// DefaultPairingPolicy returns the stock timeouts and caps the daemon
// ships with.
func DefaultPairingPolicy() PairingPolicy {
	return PairingPolicy{
		QRTimeout:                5 * time.Minute,
		SignalingTimeout:         60 * time.Second,
		SDPExchangeTimeout:       30 * time.Second,
		WaitConnectedTimeout:     30 * time.Second,
		HandshakeTimeout:         10 * time.Second,
		HandshakeReceiveTimeout:  10 * time.Second,
		BroadcastSendTimeout:     5 * time.Second,
		RendezvousOfferMaxAge:    300 * time.Second,
		SignalingHMACSkew:        30 * time.Second,
		SignalingRateLimit:       10,
		SignalingRateLimitWindow: 60 * time.Second,
		MaxPairingSessions:       100,
		MaxFailedAuthAttempts:    5,
		HeartbeatSendInterval:    15 * time.Second,
		HeartbeatReceiveTimeout:  60 * time.Second,
		CodecMaxAge:              60 * time.Second,
		CodecWindowSize:          1000,
	}
}

// Validate rejects a policy whose values would violate the component
// invariants (e.g. a zero timeout turning a bounded wait into a hang).
func (p PairingPolicy) Validate() error {
	type check struct {
		name string
		d    time.Duration
	}
	for _, c := range []check{
		{"qr_timeout", p.QRTimeout},
		{"signaling_timeout", p.SignalingTimeout},
		{"sdp_exchange_timeout", p.SDPExchangeTimeout},
		{"wait_connected_timeout", p.WaitConnectedTimeout},
		{"handshake_timeout", p.HandshakeTimeout},
		{"handshake_receive_timeout", p.HandshakeReceiveTimeout},
		{"broadcast_send_timeout", p.BroadcastSendTimeout},
		{"rendezvous_offer_max_age", p.RendezvousOfferMaxAge},
		{"signaling_hmac_skew", p.SignalingHMACSkew},
		{"heartbeat_send_interval", p.HeartbeatSendInterval},
		{"heartbeat_receive_timeout", p.HeartbeatReceiveTimeout},
		{"codec_max_age", p.CodecMaxAge},
	} {
		if c.d <= 0 {
			return fmt.Errorf("config: %s must be positive", c.name)
		}
	}
	if p.SignalingRateLimit <= 0 {
		return fmt.Errorf("config: signaling_rate_limit must be positive")
	}
	if p.MaxPairingSessions <= 0 {
		return fmt.Errorf("config: max_pairing_sessions must be positive")
	}
	if p.MaxFailedAuthAttempts <= 0 {
		return fmt.Errorf("config: max_failed_auth_attempts must be positive")
	}
	if p.CodecWindowSize <= 0 {
		return fmt.Errorf("config: codec_window_size must be positive")
	}
	return nil
}

// Config is the daemon's top-level runtime configuration: the shape the
// daemon's constructor accepts. Load reads it from a YAML file; flags
// and environment variables are not consulted.
type Config struct {
	// DataDir holds the device registry file and any other durable state.
	DataDir string `yaml:"data_dir"`
	// ListenAddr is the address the signaling HTTP surface binds to.
	ListenAddr string `yaml:"listen_addr"`
	// NtfyServer is the base URL of the ntfy instance backing the
	// rendezvous reconnect channel.
	NtfyServer string `yaml:"ntfy_server"`
	// LogLevel and LogFormat configure the structured logger.
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	// Policy groups the pairing/signaling/reconnection timeouts and caps.
	Policy PairingPolicy `yaml:"policy"`
}

// Default returns a Config with sane defaults for local development.
func Default() Config {
	return Config{
		DataDir:    "./data",
		ListenAddr: "127.0.0.1:8787",
		NtfyServer: "https://ntfy.sh",
		LogLevel:   "info",
		LogFormat:  "text",
		Policy:     DefaultPairingPolicy(),
	}
}

// Load reads and parses a YAML config file, filling unset fields from
// Default().
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Policy.Validate(); err != nil {
		return Config{}, err
	}
	if cfg.DataDir == "" {
		return Config{}, fmt.Errorf("config: data_dir must not be empty")
	}
	if cfg.ListenAddr == "" {
		return Config{}, fmt.Errorf("config: listen_addr must not be empty")
	}
	if cfg.NtfyServer == "" {
		return Config{}, fmt.Errorf("config: ntfy_server must not be empty")
	}
	return cfg, nil
}
