// Package codec implements the message codec: sealing and opening
// framed application messages with sequence assignment, timestamp
// validation, and sliding-window replay rejection.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rasdaemon/rasd/internal/cryptoutil"
)

// ErrorKind classifies why Decode rejected a message.
type ErrorKind string

const (
	KindDecrypt   ErrorKind = "decrypt"
	KindFormat    ErrorKind = "format"
	KindExpired   ErrorKind = "expired"
	KindTooOld    ErrorKind = "too_old"
	KindDuplicate ErrorKind = "duplicate"
)

// Error wraps a decode failure with its classified kind.
type Error struct {
	Kind ErrorKind
	msg  string
}

func (e *Error) Error() string { return fmt.Sprintf("codec: %s: %s", e.Kind, e.msg) }

func newError(kind ErrorKind, msg string) *Error { return &Error{Kind: kind, msg: msg} }

// Message is the plaintext carried inside an envelope.
type Message struct {
	Type      string          `json:"type"`
	Seq       uint64          `json:"seq"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Default tuning.
const (
	DefaultMaxAge     = 60 * time.Second
	DefaultWindowSize = 1000
)

// Codec seals and opens Messages for a single connection's lifetime. It
// is not safe to share a Codec across connections: sequence state and
// the replay window are per-connection.
type Codec struct {
	encryptKey []byte
	maxAge     time.Duration
	windowSize uint64

	mu          sync.Mutex
	nextSeq     uint64
	highestSeen uint64
	seenSeqs    map[uint64]struct{}
}

// Option configures a Codec at construction.
type Option func(*Codec)

// WithMaxAge overrides the default timestamp-freshness budget.
func WithMaxAge(d time.Duration) Option {
	return func(c *Codec) { c.maxAge = d }
}

// WithWindowSize overrides the default replay-window size.
func WithWindowSize(n int) Option {
	return func(c *Codec) { c.windowSize = uint64(n) }
}

// New constructs a Codec seeded with encryptKey (the connection's
// `encrypt_key`, derived via cryptoutil.Derive(master, "encrypt")).
func New(encryptKey []byte, opts ...Option) (*Codec, error) {
	if len(encryptKey) != cryptoutil.KeySize {
		return nil, cryptoutil.ErrBadKeyLength
	}
	c := &Codec{
		encryptKey: encryptKey,
		maxAge:     DefaultMaxAge,
		windowSize: DefaultWindowSize,
		seenSeqs:   make(map[uint64]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Encode assigns seq/timestamp if unset, serializes msg as canonical
// JSON, and seals it. Each call produces a distinct envelope even for
// identical plaintext (random nonce per cryptoutil.Encrypt).
func (c *Codec) Encode(msg Message) ([]byte, error) {
	c.mu.Lock()
	if msg.Seq == 0 {
		c.nextSeq++
		msg.Seq = c.nextSeq
	}
	c.mu.Unlock()

	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().Unix()
	}

	plaintext, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal: %w", err)
	}
	return cryptoutil.Encrypt(c.encryptKey, plaintext)
}

// Decode opens an envelope, validates its timestamp, and enforces the
// sliding-window replay check. Out-of-order arrival within the window is
// accepted; a seq exactly at the window floor is accepted only on its
// first sighting.
func (c *Codec) Decode(envelope []byte) (Message, error) {
	plaintext, err := cryptoutil.Decrypt(c.encryptKey, envelope)
	if err != nil {
		return Message{}, newError(KindDecrypt, err.Error())
	}

	var msg Message
	if err := json.Unmarshal(plaintext, &msg); err != nil {
		return Message{}, newError(KindFormat, err.Error())
	}

	now := time.Now().Unix()
	age := now - msg.Timestamp
	if age < 0 {
		age = -age
	}
	if age > int64(c.maxAge/time.Second) {
		return Message{}, newError(KindExpired, "message expired")
	}

	if err := c.checkReplay(msg.Seq); err != nil {
		return Message{}, err
	}

	return msg, nil
}

func (c *Codec) checkReplay(seq uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	floor := floorOf(c.highestSeen, c.windowSize)
	if seq < floor {
		return newError(KindTooOld, "seq too old")
	}
	if _, seen := c.seenSeqs[seq]; seen {
		return newError(KindDuplicate, "duplicate seq")
	}

	c.seenSeqs[seq] = struct{}{}
	if seq > c.highestSeen {
		c.highestSeen = seq
	}

	newFloor := floorOf(c.highestSeen, c.windowSize)
	if newFloor > floor {
		for s := range c.seenSeqs {
			if s < newFloor {
				delete(c.seenSeqs, s)
			}
		}
	}
	return nil
}

func floorOf(highestSeen, windowSize uint64) uint64 {
	if highestSeen < windowSize {
		return 0
	}
	return highestSeen - windowSize
}

// IsCodecError reports whether err is a *Error, and if so its kind.
func IsCodecError(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
