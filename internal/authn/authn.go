// Package authn implements the mutual authenticator: the
// four-step HMAC challenge-response handshake that leaves both peers
// holding proof of key possession before any application traffic flows.
// The daemon always issues the first challenge; the phone-side helpers
// here exist for tests and for simulating the remote peer.
package authn

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rasdaemon/rasd/internal/cryptoutil"
)

// State is a handshake's position in the daemon-role state machine.
type State string

const (
	StatePending       State = "pending"
	StateChallenged    State = "challenged"
	StateAuthenticated State = "authenticated"
	StateFailed        State = "failed"
)

// Code identifies why a handshake failed, carried in an error message
// on the wire.
type Code string

const (
	CodeProtocolError Code = "ProtocolError"
	CodeInvalidNonce  Code = "InvalidNonce"
	CodeInvalidHMAC   Code = "InvalidHmac"
	CodeTimeout       Code = "Timeout"
	CodeRateLimited   Code = "AuthRateLimited"
)

const (
	// NonceSize is the length in bytes of every challenge/response nonce.
	NonceSize = 32
	// MaxFailedAttempts is the rate-limit threshold: once reached, further
	// handshake attempts are rejected immediately regardless of wall time.
	MaxFailedAttempts = 5
	// HandshakeTimeout is the total wall-clock budget from sending the
	// challenge to observing success.
	HandshakeTimeout = 10 * time.Second
)

// MsgType tags the four authentication envelope variants (plus error).
type MsgType string

const (
	MsgChallenge MsgType = "challenge"
	MsgResponse  MsgType = "response"
	MsgVerify    MsgType = "verify"
	MsgSuccess   MsgType = "success"
	MsgError     MsgType = "error"
)

// Message is the wire shape of every authentication envelope variant.
// Unused fields are omitted, so e.g. a challenge carries only Nonce.
type Message struct {
	Type     MsgType `json:"type"`
	Nonce    []byte  `json:"nonce,omitempty"`
	HMAC     []byte  `json:"hmac,omitempty"`
	DeviceID string  `json:"device_id,omitempty"`
	Code     Code    `json:"code,omitempty"`
	Reason   string  `json:"message,omitempty"`
}

// Marshal encodes a Message as its wire-format JSON.
func Marshal(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Unmarshal decodes a Message from its wire-format JSON.
func Unmarshal(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("authn: decode message: %w", err)
	}
	return m, nil
}

// Error reports a classified handshake failure.
type Error struct {
	Code   Code
	Reason string
}

func (e *Error) Error() string { return fmt.Sprintf("authn: %s: %s", e.Code, e.Reason) }

func newError(code Code, reason string) *Error { return &Error{Code: code, Reason: reason} }

// IsAuthError reports whether err is an *Error, and if so its code.
func IsAuthError(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}

func randomNonce() ([]byte, error) {
	n := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, n); err != nil {
		return nil, fmt.Errorf("authn: generate nonce: %w", err)
	}
	return n, nil
}

// SendFunc transmits one framed authentication message.
type SendFunc func(ctx context.Context, data []byte) error

// ReceiveFunc blocks for the next framed authentication message.
type ReceiveFunc func(ctx context.Context) ([]byte, error)

// Authenticator drives one daemon-role handshake: it always sends the
// first challenge, and tracks rate limiting and nonce reuse across
// repeated attempts against the same key (e.g. repeated connection
// attempts within one pairing session or reconnect cycle).
type Authenticator struct {
	authKey  []byte
	deviceID string

	mu             sync.Mutex
	state          State
	ourNonce       []byte
	usedNonces     map[string]struct{}
	failedAttempts int
}

// New constructs a daemon-role Authenticator. deviceID is embedded in
// the success message; for a brand-new pairing the caller mints a fresh
// id before calling New, for a reconnect it is the paired device's
// existing id.
func New(authKey []byte, deviceID string) (*Authenticator, error) {
	if len(authKey) != cryptoutil.KeySize {
		return nil, cryptoutil.ErrBadKeyLength
	}
	return &Authenticator{
		authKey:    authKey,
		deviceID:   deviceID,
		state:      StatePending,
		usedNonces: make(map[string]struct{}),
	}, nil
}

// State returns the authenticator's current state.
func (a *Authenticator) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// RunHandshake drives the complete four-step exchange over send/receive
// within HandshakeTimeout. It returns nil on success, or an *Error
// classifying the failure. The authenticator rejects the attempt
// immediately with CodeRateLimited once MaxFailedAttempts prior
// failures have accumulated, without sending anything.
func (a *Authenticator) RunHandshake(ctx context.Context, send SendFunc, receive ReceiveFunc) error {
	a.mu.Lock()
	if a.failedAttempts >= MaxFailedAttempts {
		a.mu.Unlock()
		return newError(CodeRateLimited, "too many failed authentication attempts")
	}
	ourNonce, err := randomNonce()
	if err != nil {
		a.mu.Unlock()
		return err
	}
	a.ourNonce = ourNonce
	a.state = StateChallenged
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()

	challenge, err := Marshal(Message{Type: MsgChallenge, Nonce: ourNonce})
	if err != nil {
		return a.fail(ctx, send, CodeProtocolError, err.Error())
	}
	if err := send(ctx, challenge); err != nil {
		a.setState(StateFailed)
		return fmt.Errorf("authn: send challenge: %w", err)
	}

	data, err := receive(ctx)
	if err != nil {
		// Best-effort notify; the channel may already be unusable.
		_ = a.sendErrorMsg(ctx, send, CodeTimeout, "handshake timed out")
		a.setState(StateFailed)
		return newError(CodeTimeout, "handshake timed out")
	}

	resp, err := Unmarshal(data)
	if err != nil || resp.Type != MsgResponse {
		a.bumpFailedAttempts()
		return a.fail(ctx, send, CodeProtocolError, "expected response message")
	}
	if len(resp.Nonce) != NonceSize {
		a.bumpFailedAttempts()
		return a.fail(ctx, send, CodeInvalidNonce, "response nonce has wrong length")
	}

	if err := a.verifyResponse(resp); err != nil {
		return a.fail(ctx, send, CodeInvalidHMAC, "hmac verification failed")
	}

	verify, err := Marshal(Message{Type: MsgVerify, HMAC: cryptoutil.HMACCompute(a.authKey, resp.Nonce)})
	if err != nil {
		return a.fail(ctx, send, CodeProtocolError, err.Error())
	}
	if err := send(ctx, verify); err != nil {
		a.setState(StateFailed)
		return fmt.Errorf("authn: send verify: %w", err)
	}

	success, err := Marshal(Message{Type: MsgSuccess, DeviceID: a.deviceID})
	if err != nil {
		return a.fail(ctx, send, CodeProtocolError, err.Error())
	}
	if err := send(ctx, success); err != nil {
		a.setState(StateFailed)
		return fmt.Errorf("authn: send success: %w", err)
	}

	a.mu.Lock()
	a.state = StateAuthenticated
	a.failedAttempts = 0
	a.mu.Unlock()
	return nil
}

// verifyResponse checks the response HMAC against our outstanding
// nonce, enforcing single-use of any challenge nonce that has ever
// completed a successful verification.
func (a *Authenticator) verifyResponse(resp Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != StateChallenged || a.ourNonce == nil {
		a.failedAttempts++
		return errors.New("not awaiting a response")
	}
	key := string(a.ourNonce)
	if _, used := a.usedNonces[key]; used {
		a.failedAttempts++
		return errors.New("nonce already used")
	}
	if !cryptoutil.HMACVerify(a.authKey, a.ourNonce, resp.HMAC) {
		a.failedAttempts++
		return errors.New("hmac mismatch")
	}
	a.usedNonces[key] = struct{}{}
	return nil
}

func (a *Authenticator) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// bumpFailedAttempts counts one refusal toward MaxFailedAttempts. Every
// refusal kind counts: protocol errors and bad-nonce responses here,
// HMAC mismatch and nonce reuse inside verifyResponse.
func (a *Authenticator) bumpFailedAttempts() {
	a.mu.Lock()
	a.failedAttempts++
	a.mu.Unlock()
}

// fail marks the handshake failed, best-effort notifies the peer, and
// returns the classified error.
func (a *Authenticator) fail(ctx context.Context, send SendFunc, code Code, reason string) error {
	a.setState(StateFailed)
	_ = a.sendErrorMsg(ctx, send, code, reason)
	return newError(code, reason)
}

func (a *Authenticator) sendErrorMsg(ctx context.Context, send SendFunc, code Code, reason string) error {
	data, err := Marshal(Message{Type: MsgError, Code: code, Reason: reason})
	if err != nil {
		return err
	}
	return send(ctx, data)
}

// --- Phone-role primitives, used by tests and by any harness simulating
// the remote peer. These mirror the daemon-role steps in reverse.

// RespondToChallenge answers a received challenge: it computes the HMAC
// of the challenge's nonce and returns a response carrying that HMAC
// plus a freshly generated nonce of our own for mutual authentication.
func RespondToChallenge(authKey []byte, challenge Message) (response Message, ourNonce []byte, err error) {
	if challenge.Type != MsgChallenge {
		return Message{}, nil, errors.New("authn: not a challenge message")
	}
	ourNonce, err = randomNonce()
	if err != nil {
		return Message{}, nil, err
	}
	hmacVal := cryptoutil.HMACCompute(authKey, challenge.Nonce)
	return Message{Type: MsgResponse, HMAC: hmacVal, Nonce: ourNonce}, ourNonce, nil
}

// VerifyVerify checks the daemon's verify message against the nonce we
// supplied in our response, completing mutual authentication.
func VerifyVerify(authKey []byte, ourNonce []byte, verify Message) bool {
	if verify.Type != MsgVerify {
		return false
	}
	return cryptoutil.HMACVerify(authKey, ourNonce, verify.HMAC)
}
