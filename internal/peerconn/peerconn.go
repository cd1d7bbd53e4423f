// Package peerconn implements the ownership-typed peer connection:
// a single wrapper around one transport.Peer that tracks which
// subsystem currently owns the right to close it. The invariant this
// type exists to enforce: once ownership has transferred from the
// signaling handler to the connection manager, any leftover close call
// from the signaling side must be a no-op rather than tearing down a
// live connection out from under its new owner.
package peerconn

import (
	"context"
	"sync"

	"github.com/rasdaemon/rasd/internal/authn"
	"github.com/rasdaemon/rasd/internal/transport"
)

// Owner identifies which subsystem currently holds the right to close
// a PeerConn.
type Owner int32

const (
	// OwnerSignalingHandler is the initial owner: the pairing session /
	// signaling endpoint that constructed the peer.
	OwnerSignalingHandler Owner = iota
	// OwnerConnectionManager is the owner after a successful handoff.
	OwnerConnectionManager
	// OwnerDisposed means the peer has been closed; no further transfer
	// or close-by-owner call succeeds.
	OwnerDisposed
)

func (o Owner) String() string {
	switch o {
	case OwnerSignalingHandler:
		return "signaling_handler"
	case OwnerConnectionManager:
		return "connection_manager"
	case OwnerDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// PeerConn wraps a transport.Peer with an explicit close-ownership
// discipline. It is safe for concurrent use.
type PeerConn struct {
	transport transport.Peer

	mu    sync.Mutex
	owner Owner
}

// New wraps peer, initially owned by the signaling handler (the role
// that always constructs a fresh PeerConn, for both a pairing offer and
// a reconnect offer).
func New(peer transport.Peer) *PeerConn {
	return &PeerConn{transport: peer, owner: OwnerSignalingHandler}
}

// Owner returns the current owner.
func (p *PeerConn) Owner() Owner {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.owner
}

// TransferOwnership relabels who may close this connection. It returns
// false without effect if the connection is already disposed.
func (p *PeerConn) TransferOwnership(newOwner Owner) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.owner == OwnerDisposed {
		return false
	}
	p.owner = newOwner
	return true
}

// CloseByOwner closes the underlying transport iff caller is the
// current owner. It returns false (and leaves the connection open) if
// caller does not match — in particular, a stale SignalingHandler
// reference calling this after TransferOwnership(ConnectionManager) is
// a no-op.
func (p *PeerConn) CloseByOwner(caller Owner) bool {
	p.mu.Lock()
	if p.owner != caller || p.owner == OwnerDisposed {
		p.mu.Unlock()
		return false
	}
	p.owner = OwnerDisposed
	p.mu.Unlock()

	p.transport.Close()
	return true
}

// Close tears down the transport unconditionally, regardless of owner.
// Used by the connection manager's close-all path, where ownership
// rules no longer apply because every tracked peer is already owned by
// the manager closing them.
func (p *PeerConn) Close() error {
	p.mu.Lock()
	p.owner = OwnerDisposed
	p.mu.Unlock()
	return p.transport.Close()
}

// Send writes one opaque frame through the underlying transport.
func (p *PeerConn) Send(ctx context.Context, data []byte) error {
	return p.transport.Send(ctx, data)
}

// WaitConnected blocks until the underlying transport reports open.
func (p *PeerConn) WaitConnected(ctx context.Context) error {
	return p.transport.WaitConnected(ctx)
}

// OnMessage installs the inbound frame handler.
func (p *PeerConn) OnMessage(handler func(data []byte)) {
	p.transport.OnMessage(handler)
}

// OnClose installs the handler invoked once when the transport closes.
func (p *PeerConn) OnClose(handler func()) {
	p.transport.OnClose(handler)
}

// Kind reports which transport produced this connection.
func (p *PeerConn) Kind() transport.Kind {
	return p.transport.Kind()
}

// AcceptOffer completes a listener-role SDP handshake.
func (p *PeerConn) AcceptOffer(ctx context.Context, offerSDP string) (string, error) {
	return p.transport.AcceptOffer(ctx, offerSDP)
}

// CreateOffer produces a dialer-role offer SDP.
func (p *PeerConn) CreateOffer(ctx context.Context) (string, error) {
	return p.transport.CreateOffer(ctx)
}

// SetRemoteDescription completes a dialer-role handshake.
func (p *PeerConn) SetRemoteDescription(ctx context.Context, answerSDP string) error {
	return p.transport.SetRemoteDescription(ctx, answerSDP)
}

// Authenticate adapts this connection's callback-based OnMessage/Send
// into the authenticator's blocking SendFunc/ReceiveFunc pair and drives
// a's handshake to completion. Both the signaling endpoint and the
// rendezvous reconnect manager run the handshake this way, over
// whichever transport produced the peer.
func (p *PeerConn) Authenticate(ctx context.Context, a *authn.Authenticator) error {
	msgCh := make(chan []byte, 8)
	p.OnMessage(func(data []byte) {
		select {
		case msgCh <- data:
		default:
		}
	})

	send := func(ctx context.Context, data []byte) error {
		return p.Send(ctx, data)
	}
	receive := func(ctx context.Context) ([]byte, error) {
		select {
		case data := <-msgCh:
			return data, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return a.RunHandshake(ctx, send, receive)
}
