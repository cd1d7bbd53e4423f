package pairing

import (
	"context"
	"testing"
	"time"

	"github.com/rasdaemon/rasd/internal/config"
	"github.com/rasdaemon/rasd/internal/logging"
	"github.com/rasdaemon/rasd/internal/peerconn"
	"github.com/rasdaemon/rasd/internal/transport"
)

type fakePeer struct {
	closed bool
}

func (f *fakePeer) Kind() transport.Kind { return transport.KindWebSocket }
func (f *fakePeer) AcceptOffer(ctx context.Context, offerSDP string) (string, error) {
	return "", nil
}
func (f *fakePeer) CreateOffer(ctx context.Context) (string, error) { return "", nil }
func (f *fakePeer) SetRemoteDescription(ctx context.Context, answerSDP string) error {
	return nil
}
func (f *fakePeer) WaitConnected(ctx context.Context) error     { return nil }
func (f *fakePeer) Send(ctx context.Context, data []byte) error { return nil }
func (f *fakePeer) OnMessage(handler func(data []byte))        {}
func (f *fakePeer) OnClose(handler func())                     {}
func (f *fakePeer) Close() error {
	f.closed = true
	return nil
}

func testPolicy() config.PairingPolicy {
	p := config.DefaultPairingPolicy()
	p.QRTimeout = time.Hour
	p.SignalingTimeout = time.Hour
	p.WaitConnectedTimeout = time.Hour
	p.HandshakeTimeout = time.Hour
	return p
}

func TestCreateStartsInQRDisplayed(t *testing.T) {
	r := NewRegistry(testPolicy(), logging.Nop())
	defer r.Stop()

	s, err := r.Create()
	if err != nil {
		t.Fatal(err)
	}
	if s.State() != StateQRDisplayed {
		t.Fatalf("expected qr_displayed, got %s", s.State())
	}
	if len(s.MasterSecret) != 32 {
		t.Fatalf("expected 32-byte master secret, got %d", len(s.MasterSecret))
	}
	if len(s.SessionID) != 32 {
		t.Fatalf("expected 32-hex-char session id, got %d chars", len(s.SessionID))
	}
}

func TestFullHappyPathClearsPeerReference(t *testing.T) {
	r := NewRegistry(testPolicy(), logging.Nop())
	defer r.Stop()

	s, err := r.Create()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.BeginSignaling(s.SessionID); err != nil {
		t.Fatal(err)
	}

	pc := peerconn.New(&fakePeer{})
	if err := r.BeginConnecting(s, pc); err != nil {
		t.Fatal(err)
	}
	if s.Peer() == nil {
		t.Fatal("expected session to hold the peer while connecting")
	}

	if err := r.BeginAuthenticating(s); err != nil {
		t.Fatal(err)
	}

	pc.TransferOwnership(peerconn.OwnerConnectionManager)
	if err := r.CompleteAuthentication(s, "dev-1", "My Phone"); err != nil {
		t.Fatal(err)
	}

	if s.State() != StateAuthenticated {
		t.Fatalf("expected authenticated, got %s", s.State())
	}
	if s.Peer() != nil {
		t.Fatal("authenticated session must not hold a peer reference")
	}

	got, ok := r.Get(s.SessionID)
	if !ok {
		t.Fatal("completed session should remain gettable during its terminal grace period")
	}
	if got.State() != StateAuthenticated {
		t.Fatalf("expected authenticated, got %s", got.State())
	}
}

func TestSecondConcurrentOfferRejected(t *testing.T) {
	r := NewRegistry(testPolicy(), logging.Nop())
	defer r.Stop()

	s, err := r.Create()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.BeginSignaling(s.SessionID); err != nil {
		t.Fatal(err)
	}
	if _, err := r.BeginSignaling(s.SessionID); err == nil {
		t.Fatal("expected second concurrent offer to be rejected")
	}
}

func TestCancelAfterHandoffDoesNotCloseTransport(t *testing.T) {
	r := NewRegistry(testPolicy(), logging.Nop())
	defer r.Stop()

	s, _ := r.Create()
	r.BeginSignaling(s.SessionID)
	fp := &fakePeer{}
	pc := peerconn.New(fp)
	r.BeginConnecting(s, pc)
	r.BeginAuthenticating(s)
	pc.TransferOwnership(peerconn.OwnerConnectionManager)
	r.CompleteAuthentication(s, "dev-1", "Phone")

	// Cancel still finds the session during its terminal grace period,
	// but must not touch the transport: ownership already transferred.
	if err := r.Cancel(s.SessionID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fp.closed {
		t.Fatal("transport must remain open: ownership already transferred")
	}
}

func TestCancelBeforeHandoffClosesTransport(t *testing.T) {
	r := NewRegistry(testPolicy(), logging.Nop())
	defer r.Stop()

	s, _ := r.Create()
	r.BeginSignaling(s.SessionID)
	fp := &fakePeer{}
	pc := peerconn.New(fp)
	r.BeginConnecting(s, pc)

	if err := r.Cancel(s.SessionID); err != nil {
		t.Fatal(err)
	}
	if !fp.closed {
		t.Fatal("expected transport closed on cancel before handoff")
	}
	if s.State() != StateFailed {
		t.Fatalf("expected failed, got %s", s.State())
	}
}

func TestSessionExpiry(t *testing.T) {
	policy := testPolicy()
	policy.QRTimeout = 10 * time.Millisecond
	r := NewRegistry(policy, logging.Nop(), WithSweepInterval(20*time.Millisecond))
	defer r.Stop()

	s, err := r.Create()
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, ok := r.Get(s.SessionID); ok && got.State() == StateFailed {
			if got.FailureReason() != "expired" {
				t.Fatalf("expected failure reason 'expired', got %q", got.FailureReason())
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected session to expire")
}

func TestMaxPairingSessionsCap(t *testing.T) {
	policy := testPolicy()
	policy.MaxPairingSessions = 1
	r := NewRegistry(policy, logging.Nop())
	defer r.Stop()

	if _, err := r.Create(); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Create(); err == nil {
		t.Fatal("expected creation over the cap to fail")
	}
}
