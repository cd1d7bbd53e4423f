// Package rendezvous implements the ntfy reconnect manager: one
// long-lived subscriber per paired device, listening on its derived
// rendezvous topic for an encrypted offer, then running the same
// peer-construction-and-authentication pipeline the signaling endpoint
// runs for a fresh pairing. A subscriber that dies to a panic is
// restarted with bounded backoff; a malformed message never kills one.
package rendezvous

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rasdaemon/rasd/internal/authn"
	"github.com/rasdaemon/rasd/internal/backoff"
	"github.com/rasdaemon/rasd/internal/config"
	"github.com/rasdaemon/rasd/internal/cryptoutil"
	"github.com/rasdaemon/rasd/internal/logging"
	"github.com/rasdaemon/rasd/internal/metrics"
	"github.com/rasdaemon/rasd/internal/ntfyclient"
	"github.com/rasdaemon/rasd/internal/peerconn"
	"github.com/rasdaemon/rasd/internal/recovery"
	"github.com/rasdaemon/rasd/internal/registry"
	"github.com/rasdaemon/rasd/internal/transport"
)

// maxSeenNonces bounds the per-subscriber replay-dedup window: once
// exceeded, the oldest nonce is evicted to make room for the newest.
const maxSeenNonces = 64

// recordKind tags the two rendezvous payload variants.
type recordKind string

const (
	recordOffer  recordKind = "offer"
	recordAnswer recordKind = "answer"
)

// record is the wire shape of both rendezvous payload variants; unused
// fields are omitted the way authn.Message does for its own union.
type record struct {
	Kind         recordKind     `json:"kind"`
	SessionID    string         `json:"session_id,omitempty"`
	SDP          string         `json:"sdp,omitempty"`
	DeviceID     string         `json:"device_id,omitempty"`
	DeviceName   string         `json:"device_name,omitempty"`
	Timestamp    int64          `json:"timestamp,omitempty"`
	Nonce        string         `json:"nonce,omitempty"`
	Capabilities map[string]any `json:"capabilities,omitempty"`
}

// Publisher is the subset of ntfyclient.Client the manager needs,
// narrowed so tests can substitute a fake transport.
type Publisher interface {
	Subscribe(ctx context.Context, topic string) (<-chan ntfyclient.Message, error)
	PublishWithRetry(ctx context.Context, topic, body string) error
}

// CapabilitiesProvider supplies the capabilities payload threaded into
// a freshly constructed peer, e.g. a Tailscale listener address.
type CapabilitiesProvider func() map[string]any

// ConnectedFunc is invoked once a reconnecting device completes
// authentication and ownership has transferred away from this manager.
type ConnectedFunc func(deviceID, deviceName string, peer *peerconn.PeerConn, authKey []byte)

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithMetrics overrides the default process-wide metrics instance.
func WithMetrics(m *metrics.Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithCapabilitiesProvider installs the capabilities callback threaded
// into transport.Config for every reconnect attempt.
func WithCapabilitiesProvider(fn CapabilitiesProvider) Option {
	return func(mgr *Manager) { mgr.caps = fn }
}

// WithBackoff overrides the default subscriber-restart backoff.
func WithBackoff(cfg backoff.Config) Option {
	return func(mgr *Manager) { mgr.backoff = backoff.New(cfg) }
}

// Manager runs one subscriber per paired device and turns a decrypted,
// fresh offer into an authenticated connection.
type Manager struct {
	ntfy    Publisher
	factory transport.Factory
	policy  config.PairingPolicy
	logger  *slog.Logger
	metrics *metrics.Metrics
	caps    CapabilitiesProvider
	backoff *backoff.Calculator

	onConnectedMu sync.Mutex
	onConnected   ConnectedFunc

	mu          sync.Mutex
	subscribers map[string]*subscriber
	stopped     bool
}

// New constructs a Manager against an ntfy server, using factory to
// build peers for accepted offers.
func New(ntfyServer string, factory transport.Factory, policy config.PairingPolicy, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = logging.Nop()
	}
	m := &Manager{
		ntfy:        ntfyclient.New(ntfyServer),
		factory:     factory,
		policy:      policy,
		logger:      logger,
		metrics:     metrics.Default(),
		backoff:     backoff.New(backoff.Default()),
		subscribers: make(map[string]*subscriber),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnReconnection installs the callback fired after a device
// successfully reconnects.
func (m *Manager) OnReconnection(fn ConnectedFunc) {
	m.onConnectedMu.Lock()
	m.onConnected = fn
	m.onConnectedMu.Unlock()
}

func (m *Manager) fireConnected(deviceID, deviceName string, pc *peerconn.PeerConn, authKey []byte) {
	m.onConnectedMu.Lock()
	fn := m.onConnected
	m.onConnectedMu.Unlock()
	if fn != nil {
		fn(deviceID, deviceName, pc, authKey)
	}
}

// subscriber tracks one paired device's rendezvous subscription.
type subscriber struct {
	deviceID     string
	displayName  string
	masterSecret []byte
	topic        string
	signalingKey []byte

	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	seenOrder []string
	seen      map[string]struct{}
	inFlight  bool
}

func (s *subscriber) sawNonceBefore(nonce string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[nonce]; ok {
		return true
	}
	s.seen[nonce] = struct{}{}
	s.seenOrder = append(s.seenOrder, nonce)
	if len(s.seenOrder) > maxSeenNonces {
		oldest := s.seenOrder[0]
		s.seenOrder = s.seenOrder[1:]
		delete(s.seen, oldest)
	}
	return false
}

func (s *subscriber) tryBeginReconnect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight {
		return false
	}
	s.inFlight = true
	return true
}

func (s *subscriber) endReconnect() {
	s.mu.Lock()
	s.inFlight = false
	s.mu.Unlock()
}

// Start subscribes to every device already present in the registry.
// Callers typically pass registry.Registry.All() at startup.
func (m *Manager) Start(devices []registry.Device) {
	for _, dev := range devices {
		m.AddDevice(dev)
	}
}

// AddDevice starts a subscriber for dev, if one is not already
// running. Safe to call from a registry.EventAdded handler.
func (m *Manager) AddDevice(dev registry.Device) {
	signalingKey, err := cryptoutil.Derive(dev.MasterSecret, cryptoutil.PurposeSignaling)
	if err != nil {
		m.logger.Error("rendezvous: derive signaling key", logging.KeyDeviceID, dev.DeviceID, logging.KeyError, err)
		return
	}
	topic, err := cryptoutil.RendezvousTopic(dev.MasterSecret)
	if err != nil {
		m.logger.Error("rendezvous: derive topic", logging.KeyDeviceID, dev.DeviceID, logging.KeyError, err)
		return
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	if _, exists := m.subscribers[dev.DeviceID]; exists {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscriber{
		deviceID:     dev.DeviceID,
		displayName:  dev.DisplayName,
		masterSecret: dev.MasterSecret,
		topic:        topic,
		signalingKey: signalingKey,
		cancel:       cancel,
		done:         make(chan struct{}),
		seen:         make(map[string]struct{}),
	}
	m.subscribers[dev.DeviceID] = sub
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RendezvousSubscribersActive.Inc()
	}
	go m.runSubscriberLoop(ctx, sub)
}

// RemoveDevice stops deviceID's subscriber, if running, and blocks
// until its goroutine has exited. Safe to call from a
// registry.EventRemoved handler.
func (m *Manager) RemoveDevice(deviceID string) {
	m.mu.Lock()
	sub, ok := m.subscribers[deviceID]
	if ok {
		delete(m.subscribers, deviceID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	sub.cancel()
	<-sub.done
	if m.metrics != nil {
		m.metrics.RendezvousSubscribersActive.Dec()
	}
}

// Stop cancels every subscriber and waits for all of them to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	subs := make([]*subscriber, 0, len(m.subscribers))
	for _, sub := range m.subscribers {
		subs = append(subs, sub)
	}
	m.subscribers = make(map[string]*subscriber)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}
	for _, sub := range subs {
		<-sub.done
		if m.metrics != nil {
			m.metrics.RendezvousSubscribersActive.Dec()
		}
	}
}

// runSubscriberLoop keeps a device's subscription alive across
// recovered panics, waiting an exponentially growing, jittered delay
// between restarts so a persistently failing subscriber doesn't spin.
func (m *Manager) runSubscriberLoop(ctx context.Context, sub *subscriber) {
	defer close(sub.done)
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		m.runSubscriberOnceRecovered(ctx, sub)
		if ctx.Err() != nil {
			return
		}

		delay := m.backoff.Delay(attempt)
		attempt++
		m.logger.Warn("rendezvous: subscriber restarting",
			logging.KeyDeviceID, sub.deviceID, "delay", delay, "attempt", attempt)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) runSubscriberOnceRecovered(ctx context.Context, sub *subscriber) {
	defer recovery.RecoverWithLog(m.logger, "rendezvous-subscriber-"+sub.deviceID)
	m.runSubscriberOnce(ctx, sub)
}

func (m *Manager) runSubscriberOnce(ctx context.Context, sub *subscriber) {
	ch, err := m.ntfy.Subscribe(ctx, sub.topic)
	if err != nil {
		m.logger.Warn("rendezvous: subscribe failed", logging.KeyDeviceID, sub.deviceID, logging.KeyError, err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			m.handleMessageSafely(ctx, sub, msg)
		}
	}
}

// handleMessageSafely isolates one malformed or panic-inducing message
// from the rest of the subscription: a bad message must not kill the
// subscriber.
func (m *Manager) handleMessageSafely(ctx context.Context, sub *subscriber, msg ntfyclient.Message) {
	defer recovery.RecoverWithLog(m.logger, "rendezvous-message-"+sub.deviceID)
	m.handleMessage(ctx, sub, msg)
}

func (m *Manager) handleMessage(ctx context.Context, sub *subscriber, msg ntfyclient.Message) {
	raw, err := base64.StdEncoding.DecodeString(msg.Body)
	if err != nil {
		m.drop(sub, "bad_base64")
		return
	}

	plaintext, err := cryptoutil.Decrypt(sub.signalingKey, raw)
	if err != nil {
		m.drop(sub, "decrypt_failed")
		return
	}

	var rec record
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		m.drop(sub, "bad_json")
		return
	}
	if rec.Kind != recordOffer {
		// Our own published answers loop back to the same topic on some
		// ntfy configurations; silently ignore anything but an offer.
		return
	}
	if rec.SDP == "" || rec.Nonce == "" {
		m.drop(sub, "missing_fields")
		return
	}

	age := time.Now().Unix() - rec.Timestamp
	if age < 0 {
		age = -age
	}
	if time.Duration(age)*time.Second > m.policy.RendezvousOfferMaxAge {
		m.drop(sub, "stale")
		return
	}

	if sub.sawNonceBefore(rec.Nonce) {
		m.drop(sub, "replay")
		return
	}

	if !sub.tryBeginReconnect() {
		m.drop(sub, "reconnect_in_progress")
		return
	}

	if m.metrics != nil {
		m.metrics.RendezvousOffersReceived.Inc()
	}

	deviceName := rec.DeviceName
	if deviceName == "" {
		deviceName = sub.displayName
	}

	go func() {
		defer sub.endReconnect()
		defer recovery.RecoverWithLog(m.logger, "rendezvous-reconnect-"+sub.deviceID)
		m.completeReconnection(ctx, sub, rec.SDP, deviceName)
	}()
}

func (m *Manager) drop(sub *subscriber, reason string) {
	m.logger.Warn("rendezvous: dropping offer", logging.KeyDeviceID, sub.deviceID, "reason", reason)
	if m.metrics != nil {
		m.metrics.RendezvousOffersDropped.WithLabelValues(reason).Inc()
	}
}

// completeReconnection builds a peer for offerSDP, publishes the
// answer back onto the device's rendezvous topic, then runs the same
// wait-connected/authenticate/transfer-ownership pipeline the
// signaling endpoint runs for a fresh pairing.
func (m *Manager) completeReconnection(ctx context.Context, sub *subscriber, offerSDP, deviceName string) {
	var caps map[string]any
	if m.caps != nil {
		caps = m.caps()
	}
	cfg := transport.Config{Timeout: m.policy.SDPExchangeTimeout, Capabilities: caps}

	sdpCtx, cancel := context.WithTimeout(ctx, m.policy.SDPExchangeTimeout)
	peer, err := m.factory.NewPeer(sdpCtx, cfg)
	if err != nil {
		cancel()
		m.drop(sub, "peer_construction_failed")
		return
	}
	answerSDP, err := peer.AcceptOffer(sdpCtx, offerSDP)
	cancel()
	if err != nil {
		peer.Close()
		m.drop(sub, "accept_offer_failed")
		return
	}
	pc := peerconn.New(peer)

	if err := m.publishAnswer(ctx, sub, answerSDP, caps); err != nil {
		m.logger.Warn("rendezvous: publish answer failed", logging.KeyDeviceID, sub.deviceID, logging.KeyError, err)
		pc.CloseByOwner(peerconn.OwnerSignalingHandler)
		m.drop(sub, "publish_answer_failed")
		return
	}

	connectCtx, connectCancel := context.WithTimeout(ctx, m.policy.WaitConnectedTimeout)
	err = pc.WaitConnected(connectCtx)
	connectCancel()
	if err != nil {
		pc.CloseByOwner(peerconn.OwnerSignalingHandler)
		m.drop(sub, "wait_connected_timeout")
		return
	}

	authKey, err := cryptoutil.Derive(sub.masterSecret, cryptoutil.PurposeAuth)
	if err != nil {
		pc.CloseByOwner(peerconn.OwnerSignalingHandler)
		m.drop(sub, "key_derivation_failed")
		return
	}
	a, err := authn.New(authKey, sub.deviceID)
	if err != nil {
		pc.CloseByOwner(peerconn.OwnerSignalingHandler)
		m.drop(sub, "authenticator_init_failed")
		return
	}

	handshakeCtx, handshakeCancel := context.WithTimeout(ctx, m.policy.HandshakeTimeout)
	if m.metrics != nil {
		m.metrics.AuthAttempts.Inc()
	}
	handshakeStart := time.Now()
	err = pc.Authenticate(handshakeCtx, a)
	handshakeCancel()
	if err != nil {
		pc.CloseByOwner(peerconn.OwnerSignalingHandler)
		if m.metrics != nil {
			code, _ := authn.IsAuthError(err)
			m.metrics.AuthFailures.WithLabelValues(string(code)).Inc()
		}
		m.drop(sub, "auth_failed")
		return
	}

	pc.TransferOwnership(peerconn.OwnerConnectionManager)
	if m.metrics != nil {
		m.metrics.AuthSuccesses.Inc()
		m.metrics.AuthLatency.Observe(time.Since(handshakeStart).Seconds())
	}
	m.fireConnected(sub.deviceID, deviceName, pc, authKey)
}

// publishAnswer encrypts the answer back onto the device's topic. The
// capabilities field is included only when the injected provider
// returned one; a nil map is omitted from the payload entirely.
func (m *Manager) publishAnswer(ctx context.Context, sub *subscriber, answerSDP string, caps map[string]any) error {
	rec := record{Kind: recordAnswer, SDP: answerSDP, Capabilities: caps}
	plaintext, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("rendezvous: marshal answer: %w", err)
	}
	envelope, err := cryptoutil.Encrypt(sub.signalingKey, plaintext)
	if err != nil {
		return fmt.Errorf("rendezvous: encrypt answer: %w", err)
	}
	body := base64.StdEncoding.EncodeToString(envelope)
	return m.ntfy.PublishWithRetry(ctx, sub.topic, body)
}
