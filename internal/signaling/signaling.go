// Package signaling implements the signaling HTTP surface: session
// creation, the SDP offer/answer exchange bound to a pending pairing
// session, and the analogous reconnect path keyed by a paired device's
// id, with HMAC-authenticated requests and per-entity rate limiting.
package signaling

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/rasdaemon/rasd/internal/authn"
	"github.com/rasdaemon/rasd/internal/config"
	"github.com/rasdaemon/rasd/internal/cryptoutil"
	"github.com/rasdaemon/rasd/internal/logging"
	"github.com/rasdaemon/rasd/internal/metrics"
	"github.com/rasdaemon/rasd/internal/pairing"
	"github.com/rasdaemon/rasd/internal/peerconn"
	"github.com/rasdaemon/rasd/internal/qrpayload"
	"github.com/rasdaemon/rasd/internal/recovery"
	"github.com/rasdaemon/rasd/internal/registry"
	"github.com/rasdaemon/rasd/internal/transport"
)

// DeviceNameHeader carries the pairing phone's chosen display name; the
// wire protocol's authentication envelope only ever carries a device
// id, so the signaling request itself is where a fresh pairing's device
// name travels.
const DeviceNameHeader = "X-RAS-Device-Name"

const (
	headerTimestamp = "X-RAS-Timestamp"
	headerSignature = "X-RAS-Signature"
)

// DeviceStore is the subset of registry.Registry the endpoint needs for
// the reconnect path: looking up a paired device's key material.
type DeviceStore interface {
	Get(deviceID string) (registry.Device, bool)
}

// CapabilitiesProvider supplies the optional daemon-side capabilities
// object included in an answer (e.g. a Tailscale listener address).
// Inclusion is driven entirely by its return value; a nil provider (or
// one returning nil) omits the field.
type CapabilitiesProvider func() map[string]any

// ConnectedFunc is invoked once a peer completes authentication,
// strictly after ownership has already been transferred to the
// connection manager. masterSecret lets the caller both persist a
// brand-new pairing and derive the connection's encrypt_key for the
// message codec; it is the same value already on file for a reconnect.
type ConnectedFunc func(deviceID, deviceName string, peer *peerconn.PeerConn, masterSecret []byte)

// Endpoint implements the signaling HTTP surface.
type Endpoint struct {
	sessions *pairing.Registry
	devices  DeviceStore
	factory  transport.Factory
	policy   config.PairingPolicy
	logger   *slog.Logger
	metrics  *metrics.Metrics
	caps     CapabilitiesProvider

	onConnectedMu sync.Mutex
	onConnected   ConnectedFunc

	limiters limiterSet
}

// Option configures an Endpoint at construction.
type Option func(*Endpoint)

// WithMetrics attaches a metrics.Metrics instance.
func WithMetrics(mx *metrics.Metrics) Option {
	return func(e *Endpoint) { e.metrics = mx }
}

// WithCapabilitiesProvider attaches an optional capabilities provider.
func WithCapabilitiesProvider(fn CapabilitiesProvider) Option {
	return func(e *Endpoint) { e.caps = fn }
}

// NewEndpoint constructs a signaling Endpoint.
func NewEndpoint(sessions *pairing.Registry, devices DeviceStore, factory transport.Factory, policy config.PairingPolicy, logger *slog.Logger, opts ...Option) *Endpoint {
	if logger == nil {
		logger = logging.Nop()
	}
	e := &Endpoint{
		sessions: sessions,
		devices:  devices,
		factory:  factory,
		policy:   policy,
		logger:   logger,
		limiters: newLimiterSet(policy.SignalingRateLimit, policy.SignalingRateLimitWindow),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OnDeviceConnected registers the callback invoked after a successful
// pairing or reconnect handshake.
func (e *Endpoint) OnDeviceConnected(fn ConnectedFunc) {
	e.onConnectedMu.Lock()
	e.onConnected = fn
	e.onConnectedMu.Unlock()
}

func (e *Endpoint) fireConnected(deviceID, deviceName string, peer *peerconn.PeerConn, masterSecret []byte) {
	e.onConnectedMu.Lock()
	fn := e.onConnected
	e.onConnectedMu.Unlock()
	if fn != nil {
		fn(deviceID, deviceName, peer, masterSecret)
	}
}

// Handler returns the http.Handler implementing the full HTTP surface.
func (e *Endpoint) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/pair", e.handleCreatePairing)
	mux.HandleFunc("GET /api/pair/{session_id}", e.handlePairStatus)
	mux.HandleFunc("DELETE /api/pair/{session_id}", e.handleCancelPairing)
	mux.HandleFunc("POST /signal/{session_id}", e.handleSignal)
	mux.HandleFunc("POST /reconnect/{device_id}", e.handleReconnect)
	mux.HandleFunc("GET /health", e.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

type createPairingResponse struct {
	SessionID string `json:"session_id"`
	QRPNG     string `json:"qr_png"`
}

func (e *Endpoint) handleCreatePairing(w http.ResponseWriter, r *http.Request) {
	s, err := e.sessions.Create()
	if err != nil {
		writeJSONError(w, http.StatusTooManyRequests, "pairing session limit reached")
		return
	}
	png, err := qrpayload.RenderPNG(qrpayload.New(s.MasterSecret))
	if err != nil {
		e.sessions.Fail(s, "internal_error")
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, createPairingResponse{
		SessionID: s.SessionID,
		QRPNG:     png,
	})
}

type pairStatusResponse struct {
	State      string `json:"state"`
	DeviceName string `json:"device_name,omitempty"`
}

func (e *Endpoint) handlePairStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("session_id")
	s, ok := e.sessions.Get(id)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "unknown session")
		return
	}

	_, deviceName := s.Device()
	writeJSON(w, http.StatusOK, pairStatusResponse{
		State:      httpState(s),
		DeviceName: deviceName,
	})
}

func httpState(s *pairing.Session) string {
	switch s.State() {
	case pairing.StateIdle, pairing.StateQRDisplayed:
		return "pending"
	case pairing.StateSignaling, pairing.StateConnecting:
		return "signaling"
	case pairing.StateAuthenticating:
		return "authenticating"
	case pairing.StateAuthenticated:
		return "completed"
	case pairing.StateFailed:
		if s.FailureReason() == "expired" {
			return "expired"
		}
		return "failed"
	default:
		return "failed"
	}
}

func (e *Endpoint) handleCancelPairing(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("session_id")
	if err := e.sessions.Cancel(id); err != nil {
		writeJSONError(w, http.StatusNotFound, "unknown session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (e *Endpoint) handleSignal(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("session_id")
	s, ok := e.sessions.Get(id)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "unknown session")
		return
	}

	body, ok := e.verifyRequest(w, r, s.AuthKey, id)
	if !ok {
		return
	}

	if _, err := e.sessions.BeginSignaling(id); err != nil {
		writeJSONError(w, http.StatusConflict, "offer already in flight")
		return
	}

	deviceName := r.Header.Get(DeviceNameHeader)
	deviceID, err := randomDeviceID()
	if err != nil {
		e.sessions.Fail(s, "internal_error")
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	answerSDP, upgraded, ok := e.establishAndAuthenticate(r.Context(), w, r, s, string(body), deviceID, deviceName, s.AuthKey)
	if !ok {
		// establishAndAuthenticate has already written the error response.
		return
	}
	if !upgraded {
		writeRawSDP(w, answerSDP)
	}
}

func (e *Endpoint) handleReconnect(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")
	dev, ok := e.devices.Get(deviceID)
	if !ok {
		writeJSONError(w, http.StatusNotFound, "unknown device")
		return
	}
	authKey, err := cryptoutil.Derive(dev.MasterSecret, cryptoutil.PurposeAuth)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "internal error")
		return
	}

	body, ok := e.verifyRequest(w, r, authKey, deviceID)
	if !ok {
		return
	}

	// A reconnect has no pairing.Session: synthesize a throwaway one so
	// the same establish/authenticate machinery (including the
	// ownership-transfer discipline) applies uniformly. It is never
	// registered in the session registry and carries no QR-display
	// timeout, only the same connect/auth timeouts.
	s := &pairing.Session{SessionID: deviceID, AuthKey: authKey, MasterSecret: dev.MasterSecret}

	answerSDP, upgraded, ok := e.establishAndAuthenticate(r.Context(), w, r, s, string(body), deviceID, dev.DisplayName, authKey)
	if !ok {
		// establishAndAuthenticate has already written the error response.
		return
	}
	if !upgraded {
		writeRawSDP(w, answerSDP)
	}
}

// establishAndAuthenticate drives the offer's connection pipeline:
// transport-factory handoff, the bounded SDP exchange, and the
// asynchronous wait-connected/handshake tail that ends in ownership
// transfer plus the device-connected callback. It returns the answer
// SDP and true on success; on any synchronous failure it has already
// written the HTTP response (504 on SDP exchange timeout, among
// others) and returns false. upgraded reports that the request was
// consumed by an in-place protocol upgrade (the WebSocket accept
// path), after which nothing more may be written to w — neither the
// answer SDP nor an error body.
func (e *Endpoint) establishAndAuthenticate(ctx context.Context, w http.ResponseWriter, r *http.Request, s *pairing.Session, offerSDP, deviceID, deviceName string, authKey []byte) (answerSDP string, upgraded, ok bool) {
	var caps map[string]any
	if e.caps != nil {
		caps = e.caps()
	}

	cfg := transport.Config{
		Timeout:      e.policy.SDPExchangeTimeout,
		Capabilities: caps,
	}

	var peer transport.Peer
	var err error
	if af, isAccepting := e.factory.(transport.AcceptingFactory); isAccepting {
		// The WS transport (and any other listener-role transport) takes
		// its peer directly from this request, not from a dialed address.
		peer, err = af.AcceptPeer(ctx, w, r, cfg)
		upgraded = err == nil
	} else {
		peer, err = e.factory.NewPeer(ctx, cfg)
	}
	if err != nil {
		e.failSession(s, "transport_error")
		writeJSONError(w, http.StatusInternalServerError, "transport error")
		return "", false, false
	}

	sdpCtx, cancel := context.WithTimeout(ctx, e.policy.SDPExchangeTimeout)
	answerSDP, err = peer.AcceptOffer(sdpCtx, offerSDP)
	cancel()
	if err != nil {
		peer.Close()
		e.failSession(s, "sdp_timeout")
		if !upgraded {
			writeJSONError(w, http.StatusGatewayTimeout, "signaling timeout")
		}
		return "", upgraded, false
	}

	pc := peerconn.New(peer)

	// Only a real (non-reconnect-synthetic) session is tracked by the
	// pairing registry and can hold the peer reference during connect;
	// a reconnect's session is a throwaway value never registered there.
	if isRealSession(s) {
		if err := e.sessions.BeginConnecting(s, pc); err != nil {
			pc.CloseByOwner(peerconn.OwnerSignalingHandler)
			e.failSession(s, "invalid_state")
			if !upgraded {
				writeJSONError(w, http.StatusConflict, "session state conflict")
			}
			return "", upgraded, false
		}
	}

	go e.completeInBackground(ctx, s, pc, deviceID, deviceName, authKey)

	return answerSDP, upgraded, true
}

// completeInBackground runs the bounded wait_connected + handshake
// asynchronously: the HTTP handler already returned the answer SDP
// synchronously, and the rest of the pairing flow proceeds off the
// request goroutine.
func (e *Endpoint) completeInBackground(ctx context.Context, s *pairing.Session, pc *peerconn.PeerConn, deviceID, deviceName string, authKey []byte) {
	defer recovery.RecoverWithLog(e.logger, "signaling.completeInBackground")

	connectCtx, cancel := context.WithTimeout(context.Background(), e.policy.WaitConnectedTimeout)
	defer cancel()
	if err := pc.WaitConnected(connectCtx); err != nil {
		pc.CloseByOwner(peerconn.OwnerSignalingHandler)
		e.failSession(s, "connect_timeout")
		return
	}

	if isRealSession(s) {
		if err := e.sessions.BeginAuthenticating(s); err != nil {
			pc.CloseByOwner(peerconn.OwnerSignalingHandler)
			e.failSession(s, "invalid_state")
			return
		}
	}

	a, err := authn.New(authKey, deviceID)
	if err != nil {
		pc.CloseByOwner(peerconn.OwnerSignalingHandler)
		e.failSession(s, "internal_error")
		return
	}

	handshakeCtx, hcancel := context.WithTimeout(context.Background(), e.policy.HandshakeTimeout)
	defer hcancel()
	if e.metrics != nil {
		e.metrics.AuthAttempts.Inc()
	}
	handshakeStart := time.Now()
	if err := pc.Authenticate(handshakeCtx, a); err != nil {
		pc.CloseByOwner(peerconn.OwnerSignalingHandler)
		e.failSession(s, "auth_failed")
		if e.metrics != nil {
			code, _ := authn.IsAuthError(err)
			e.metrics.AuthFailures.WithLabelValues(string(code)).Inc()
		}
		return
	}

	pc.TransferOwnership(peerconn.OwnerConnectionManager)
	if isRealSession(s) {
		_ = e.sessions.CompleteAuthentication(s, deviceID, deviceName)
	}
	if e.metrics != nil {
		e.metrics.AuthSuccesses.Inc()
		e.metrics.AuthLatency.Observe(time.Since(handshakeStart).Seconds())
	}
	e.fireConnected(deviceID, deviceName, pc, s.MasterSecret)
}

func isRealSession(s *pairing.Session) bool {
	return s.CreatedAt != (time.Time{})
}

func (e *Endpoint) failSession(s *pairing.Session, reason string) {
	if isRealSession(s) {
		e.sessions.Fail(s, reason)
	}
	if e.metrics != nil {
		e.metrics.PairingSessionsFailed.WithLabelValues(reason).Inc()
	}
}

func (e *Endpoint) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// verifyRequest reads the request body, validates the signature and
// timestamp headers, and enforces the per-entity signing rate limit.
// On any failure it writes the appropriate HTTP response and returns
// ok=false. Every header is read unconditionally before any branch on
// its content, so no branch shape leaks which check actually failed
// via timing.
func (e *Endpoint) verifyRequest(w http.ResponseWriter, r *http.Request, authKey []byte, entityID string) ([]byte, bool) {
	tsHeader := r.Header.Get(headerTimestamp)
	sigHeader := r.Header.Get(headerSignature)
	body, readErr := io.ReadAll(io.LimitReader(r.Body, 1<<20))

	if !e.limiters.Allow(entityID) {
		writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return nil, false
	}
	if tsHeader == "" || sigHeader == "" || readErr != nil {
		writeJSONError(w, http.StatusBadRequest, "missing signature headers")
		return nil, false
	}

	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad timestamp")
		return nil, false
	}
	sig, err := hex.DecodeString(sigHeader)
	if err != nil || len(sig) != 32 {
		writeJSONError(w, http.StatusBadRequest, "bad signature encoding")
		return nil, false
	}

	age := time.Now().Unix() - ts
	if age < 0 {
		age = -age
	}
	withinSkew := age <= int64(e.policy.SignalingHMACSkew/time.Second)

	expected := cryptoutil.SignalingHMAC(authKey, entityID, ts, body)
	validSig := subtle.ConstantTimeCompare(expected, sig) == 1

	if !withinSkew || !validSig {
		writeJSONError(w, http.StatusBadRequest, "signature verification failed")
		return nil, false
	}
	return body, true
}

func writeRawSDP(w http.ResponseWriter, sdp string) {
	w.Header().Set("Content-Type", "application/sdp")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(sdp))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func randomDeviceID() (string, error) {
	b := make([]byte, 8)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("signaling: generate device id: %w", err)
	}
	return "dev-" + hex.EncodeToString(b), nil
}

// limiterSet holds one token-bucket rate.Limiter per entity (session or
// device id), enforcing the N-signing-attempts-per-rolling-window
// policy.
type limiterSet struct {
	n      int
	window time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newLimiterSet(n int, window time.Duration) limiterSet {
	return limiterSet{n: n, window: window, limiters: make(map[string]*rate.Limiter)}
}

func (s *limiterSet) Allow(key string) bool {
	s.mu.Lock()
	l, ok := s.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(float64(s.n)/s.window.Seconds()), s.n)
		s.limiters[key] = l
	}
	s.mu.Unlock()
	return l.Allow()
}
