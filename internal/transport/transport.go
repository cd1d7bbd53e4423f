// Package transport defines the collaborator contract the core consumes
// for WebRTC data channels, LAN WebSocket, and UDP-over-Tailscale peers,
// plus a concrete WebSocket adapter for the in-scope LAN transport.
package transport

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"
)

// Kind identifies which of the three named transports produced a Peer.
type Kind string

const (
	KindWebRTC       Kind = "webrtc"
	KindWebSocket    Kind = "websocket"
	KindTailscaleUDP Kind = "tailscale-udp"
)

// Peer is the single interface the core consumes for any transport. The
// core never imports pion/webrtc, aioice, or the Tailscale client; an
// out-of-core adapter implements this interface per transport kind.
type Peer interface {
	// Kind reports which transport produced this peer.
	Kind() Kind

	// AcceptOffer completes a listener-role handshake and returns the
	// answer SDP. Only meaningful for SDP-based transports; adapters for
	// transports without SDP negotiation (e.g. a plain WebSocket dial)
	// may treat this as a no-op returning an empty string.
	AcceptOffer(ctx context.Context, offerSDP string) (answerSDP string, err error)

	// CreateOffer produces an offer SDP for a dialer-role handshake.
	CreateOffer(ctx context.Context) (offerSDP string, err error)

	// SetRemoteDescription completes a dialer-role handshake given the
	// remote's answer SDP.
	SetRemoteDescription(ctx context.Context, answerSDP string) error

	// WaitConnected blocks until the underlying transport reports open,
	// or returns an error if it cannot. Transports that report open
	// synchronously at construction return immediately.
	WaitConnected(ctx context.Context) error

	// Send writes one opaque frame (already sealed by the message codec).
	Send(ctx context.Context, data []byte) error

	// OnMessage installs the handler invoked for each inbound frame.
	// Only one handler may be installed; a later call replaces it.
	OnMessage(handler func(data []byte))

	// OnClose installs the handler invoked exactly once when the peer
	// closes, for any reason. Installing nil suppresses notification.
	OnClose(handler func())

	// Close tears down the transport unconditionally. Ownership rules
	// around when it is safe to call this live in package peerconn.
	Close() error
}

// Factory constructs Peers for a given Config. Concrete factories bind a
// specific transport kind.
type Factory interface {
	NewPeer(ctx context.Context, cfg Config) (Peer, error)
	Kind() Kind
}

// AcceptingFactory is implemented by a Factory whose transport accepts a
// peer directly from an inbound HTTP request — the listener role —
// rather than dialing an address the way NewPeer does. The LAN
// WebSocket factory is the concrete example: the signaling handler's
// /signal and /reconnect handlers already hold the
// http.ResponseWriter/*http.Request pair a WebSocket upgrade needs, and
// routing that through a dial-shaped NewPeer(cfg) with an empty cfg.Addr
// can never succeed. A factory for an SDP-negotiated transport such as
// WebRTC has no use for this — its "accept" happens entirely in-band via
// Peer.AcceptOffer — and need not implement it; the signaling endpoint
// falls back to NewPeer + AcceptOffer when a Factory does not.
type AcceptingFactory interface {
	Factory
	AcceptPeer(ctx context.Context, w http.ResponseWriter, r *http.Request, cfg Config) (Peer, error)
}

// Config carries the dial/listen parameters a Factory needs. Fields not
// relevant to a given transport are left zero.
type Config struct {
	// Addr is a dial address (LAN WebSocket) or empty for transports
	// that learn their remote purely through signaling (WebRTC).
	Addr string
	// TLSConfig, when set, is used for transports that run over TLS.
	TLSConfig *tls.Config
	// Timeout bounds the factory's own construction/dial step; it is
	// independent of the caller's own WaitConnected timeout.
	Timeout time.Duration
	// Capabilities is an opaque capabilities request/response payload
	// (e.g. a Tailscale listener address) threaded through signaling.
	Capabilities map[string]any
}
