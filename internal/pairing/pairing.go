// Package pairing implements the pairing session registry: the
// per-QR-display session records and their state machine, from idle
// through signaling, connecting, authenticating, to authenticated (or
// failed), plus expiry.
package pairing

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/rasdaemon/rasd/internal/config"
	"github.com/rasdaemon/rasd/internal/cryptoutil"
	"github.com/rasdaemon/rasd/internal/logging"
	"github.com/rasdaemon/rasd/internal/metrics"
	"github.com/rasdaemon/rasd/internal/peerconn"
)

// State is a pairing session's position in its lifecycle state machine.
type State string

const (
	StateIdle           State = "idle"
	StateQRDisplayed    State = "qr_displayed"
	StateSignaling      State = "signaling"
	StateConnecting     State = "connecting"
	StateAuthenticating State = "authenticating"
	StateAuthenticated  State = "authenticated"
	StateFailed         State = "failed"
)

// ErrorKind classifies why a session operation failed.
type ErrorKind string

const (
	KindInvalidTransition ErrorKind = "invalid_transition"
	KindExpired           ErrorKind = "expired"
	KindNotFound          ErrorKind = "not_found"
)

// Error wraps a classified session failure.
type Error struct {
	Kind ErrorKind
	msg  string
}

func (e *Error) Error() string { return fmt.Sprintf("pairing: %s: %s", e.Kind, e.msg) }

func newError(kind ErrorKind, msg string) *Error { return &Error{Kind: kind, msg: msg} }

// sessionIDBytes is the random byte length of a freshly created
// session id (16 bytes of hex = 32 chars).
const sessionIDBytes = 16

// Session is a pairing session's in-memory record. It is never
// persisted: destroyed on completion, failure, or expiry.
type Session struct {
	SessionID       string
	MasterSecret    []byte
	AuthKey         []byte
	RendezvousTopic string
	CreatedAt       time.Time

	mu            sync.Mutex
	state         State
	failureReason string
	deviceID      string
	deviceName    string
	peer          *peerconn.PeerConn
	deadline      time.Time
}

// FailureReason returns why a session in state failed reached it (e.g.
// "expired", "auth_failed", "timeout"), for the HTTP poll surface.
func (s *Session) FailureReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failureReason
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Device returns the device id/name learned during authentication, if
// any.
func (s *Session) Device() (id, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID, s.deviceName
}

// Peer returns the session's held peer reference. After a successful
// handoff this is nil (invariant: a session in state authenticated
// holds no peer reference).
func (s *Session) Peer() *peerconn.PeerConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

// validTransitions enumerates the state machine's non-failure edges.
var validTransitions = map[State][]State{
	StateIdle:           {StateQRDisplayed},
	StateQRDisplayed:    {StateSignaling},
	StateSignaling:      {StateConnecting},
	StateConnecting:     {StateAuthenticating},
	StateAuthenticating: {StateAuthenticated},
}

func canTransition(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// transition moves the session to to, enforcing the state machine.
// Any state may transition to Failed.
func (s *Session) transition(to State) error {
	return s.transitionWithReason(to, "")
}

func (s *Session) transitionWithReason(to State, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if to == StateFailed {
		s.state = StateFailed
		if reason != "" {
			s.failureReason = reason
		}
		return nil
	}
	if s.state == StateFailed || s.state == StateAuthenticated {
		return newError(KindInvalidTransition, fmt.Sprintf("cannot leave terminal state %s", s.state))
	}
	if !canTransition(s.state, to) {
		return newError(KindInvalidTransition, fmt.Sprintf("%s -> %s not allowed", s.state, to))
	}
	s.state = to
	return nil
}

// setPeer stores the pairing session's held peer reference.
func (s *Session) setPeer(p *peerconn.PeerConn) {
	s.mu.Lock()
	s.peer = p
	s.mu.Unlock()
}

// clearPeer drops the session's held peer reference, e.g. on handoff.
func (s *Session) clearPeer() {
	s.mu.Lock()
	s.peer = nil
	s.mu.Unlock()
}

// setDevice records the device id/name learned during authentication.
func (s *Session) setDevice(id, name string) {
	s.mu.Lock()
	s.deviceID = id
	s.deviceName = name
	s.mu.Unlock()
}

func (s *Session) extendDeadline(d time.Duration) {
	s.mu.Lock()
	s.deadline = time.Now().Add(d)
	s.mu.Unlock()
}

func (s *Session) expired(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateAuthenticated || s.state == StateFailed {
		return false
	}
	return !s.deadline.IsZero() && now.After(s.deadline)
}

// defaultSweepInterval bounds how often the registry scans for expired
// sessions. It is unrelated to any per-session timeout: it only
// determines how promptly an expired session is noticed.
const defaultSweepInterval = 5 * time.Second

// Registry tracks every pending pairing session, keyed by session id.
type Registry struct {
	policy        config.PairingPolicy
	logger        *slog.Logger
	metrics       *metrics.Metrics
	sweepInterval time.Duration

	mu       sync.Mutex
	sessions map[string]*Session

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Option configures a Registry at construction.
type Option func(*Registry)

// WithMetrics attaches a metrics.Metrics instance.
func WithMetrics(mx *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = mx }
}

// WithSweepInterval overrides defaultSweepInterval, mainly for tests
// that need expiry to be observable quickly.
func WithSweepInterval(d time.Duration) Option {
	return func(r *Registry) { r.sweepInterval = d }
}

// NewRegistry constructs a session Registry and starts its background
// expiry sweep.
func NewRegistry(policy config.PairingPolicy, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = logging.Nop()
	}
	r := &Registry{
		policy:        policy,
		logger:        logger,
		sessions:      make(map[string]*Session),
		sweepInterval: defaultSweepInterval,
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.wg.Add(1)
	go r.expirySweepLoop()
	return r
}

// Stop halts the background expiry sweep.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// Create mints a fresh pairing session: a 16-byte random session id, a
// fresh 32-byte master secret, and its cached auth_key and rendezvous
// topic, ready for QR emission. It enforces the MaxPairingSessions cap;
// mapping that refusal to a 429 is the HTTP caller's job.
func (r *Registry) Create() (*Session, error) {
	r.mu.Lock()
	if len(r.sessions) >= r.policy.MaxPairingSessions {
		r.mu.Unlock()
		return nil, newError(KindInvalidTransition, "max pairing sessions exceeded")
	}
	r.mu.Unlock()

	sessionID, err := randomSessionID()
	if err != nil {
		return nil, err
	}
	master, err := cryptoutil.GenerateSecret()
	if err != nil {
		return nil, err
	}
	authKey, err := cryptoutil.Derive(master, cryptoutil.PurposeAuth)
	if err != nil {
		return nil, err
	}
	topic, err := cryptoutil.RendezvousTopic(master)
	if err != nil {
		return nil, err
	}

	s := &Session{
		SessionID:       sessionID,
		MasterSecret:    master,
		AuthKey:         authKey,
		RendezvousTopic: topic,
		CreatedAt:       time.Now(),
		state:           StateIdle,
	}
	if err := s.transition(StateQRDisplayed); err != nil {
		return nil, err
	}
	s.extendDeadline(r.policy.QRTimeout)

	r.mu.Lock()
	r.sessions[sessionID] = s
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.PairingSessionsStarted.Inc()
		r.metrics.PairingSessionsActive.Set(float64(r.activeCount()))
	}
	return s, nil
}

// Get returns the session for id, if present.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// BeginSignaling transitions a session from qr_displayed to signaling.
// Any other starting state is an error, so of two concurrent offers for
// the same session the second always loses.
func (r *Registry) BeginSignaling(id string) (*Session, error) {
	s, ok := r.Get(id)
	if !ok {
		return nil, newError(KindNotFound, id)
	}
	if s.State() != StateQRDisplayed && s.State() != StateSignaling {
		return nil, newError(KindInvalidTransition, "session not awaiting an offer")
	}
	if s.State() == StateSignaling {
		return nil, newError(KindInvalidTransition, "offer already in flight")
	}
	if err := s.transition(StateSignaling); err != nil {
		return nil, err
	}
	s.extendDeadline(r.policy.SignalingTimeout)
	return s, nil
}

// BeginConnecting transitions a session into connecting and attaches
// the transport-produced peer, held by the session until handoff.
func (r *Registry) BeginConnecting(s *Session, peer *peerconn.PeerConn) error {
	if err := s.transition(StateConnecting); err != nil {
		return err
	}
	s.setPeer(peer)
	s.extendDeadline(r.policy.WaitConnectedTimeout)
	return nil
}

// BeginAuthenticating transitions a session into authenticating once
// the peer has reported connected.
func (r *Registry) BeginAuthenticating(s *Session) error {
	if err := s.transition(StateAuthenticating); err != nil {
		return err
	}
	s.extendDeadline(r.policy.HandshakeTimeout)
	return nil
}

// CompleteAuthentication transitions a session into authenticated,
// recording the device id/name learned during the handshake, and
// clears the session's held peer reference: ownership has already been
// transferred to the connection manager by the caller before this runs
// (invariant: authenticated sessions hold no peer reference).
func (r *Registry) CompleteAuthentication(s *Session, deviceID, deviceName string) error {
	s.setDevice(deviceID, deviceName)
	if err := s.transition(StateAuthenticated); err != nil {
		return err
	}
	s.clearPeer()

	if r.metrics != nil {
		r.metrics.PairingSessionsCompleted.Inc()
	}

	// The session's own state machine treats authenticated as fleeting
	// (destroyed right after handoff), but the HTTP poll surface still
	// needs a brief window to observe "completed" before it vanishes.
	r.scheduleRemoval(s.SessionID)
	return nil
}

// Fail transitions a session to failed and schedules its removal after
// a short grace period, so a concurrent GET /api/pair/{id} can still
// observe the failure. Idempotent: failing an already-failed or
// already-removed session is a no-op.
func (r *Registry) Fail(s *Session, reason string) {
	if s.State() == StateFailed {
		return
	}
	_ = s.transitionWithReason(StateFailed, reason)
	if r.metrics != nil {
		r.metrics.PairingSessionsFailed.WithLabelValues(reason).Inc()
	}
	r.scheduleRemoval(s.SessionID)
}

// Cancel implements the cooperative DELETE /api/pair/{id} path: it
// transitions the session to failed and schedules cleanup. If the
// session has already reached authenticated (ownership no longer held
// by the signaling side), the peer is NOT closed here — only a session
// still holding its peer reference is torn down.
func (r *Registry) Cancel(id string) error {
	s, ok := r.Get(id)
	if !ok {
		return newError(KindNotFound, id)
	}

	if s.State() == StateAuthenticated {
		// Ownership already transferred; nothing left for us to close.
		r.scheduleRemoval(id)
		return nil
	}

	peer := s.Peer()
	_ = s.transitionWithReason(StateFailed, "canceled")
	if peer != nil {
		peer.CloseByOwner(peerconn.OwnerSignalingHandler)
	}
	r.scheduleRemoval(id)
	return nil
}

// terminalGrace is how long a completed or failed session remains
// gettable after reaching a terminal state, so a client polling GET
// /api/pair/{id} observes the outcome instead of a bare 404.
const terminalGrace = 30 * time.Second

func (r *Registry) scheduleRemoval(id string) {
	if r.metrics != nil {
		r.metrics.PairingSessionsActive.Set(float64(r.activeCount()))
	}
	// Deliberately not tracked by r.wg: Stop() bounds the sweep loop's
	// goroutine, not these fire-and-forget cleanup timers.
	time.AfterFunc(terminalGrace, func() {
		r.mu.Lock()
		delete(r.sessions, id)
		r.mu.Unlock()
	})
}

func (r *Registry) activeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// expirySweepLoop periodically fails and removes sessions past their
// state deadline. authenticated sessions never expire via this timer:
// Session.expired always returns false for them.
func (r *Registry) expirySweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweepExpired()
		}
	}
}

func (r *Registry) sweepExpired() {
	now := time.Now()
	r.mu.Lock()
	var expired []*Session
	for _, s := range r.sessions {
		if s.expired(now) {
			expired = append(expired, s)
		}
	}
	r.mu.Unlock()

	for _, s := range expired {
		peer := s.Peer()
		_ = s.transitionWithReason(StateFailed, "expired")
		if peer != nil {
			peer.CloseByOwner(peerconn.OwnerSignalingHandler)
		}
		r.scheduleRemoval(s.SessionID)
		r.logger.Debug("pairing session expired", logging.KeySessionID, s.SessionID)
		if r.metrics != nil {
			r.metrics.PairingSessionsFailed.WithLabelValues("expired").Inc()
		}
	}
}

func randomSessionID() (string, error) {
	b := make([]byte, sessionIDBytes)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("pairing: generate session id: %w", err)
	}
	return hex.EncodeToString(b), nil
}
