// Package cryptoutil provides the key derivation, authenticated
// encryption, and HMAC primitives shared by every other component: HKDF-
// SHA256 derivation, AES-256-GCM sealed envelopes, and HMAC-SHA256
// compute/verify. No other package in this module rolls its own crypto.
package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the length in bytes of a master secret and every key
	// derived from it.
	KeySize = 32
	// NonceSize is the AES-GCM nonce length.
	NonceSize = 12
	// TagSize is the AES-GCM authentication tag length.
	TagSize = 16
	// EnvelopeOverhead is the minimum envelope size: nonce + tag, with a
	// zero-length plaintext.
	EnvelopeOverhead = NonceSize + TagSize
)

// Purpose strings for HKDF derivation. Distinct info strings guarantee
// independent outputs for a given master secret.
const (
	PurposeAuth      = "auth"
	PurposeEncrypt   = "encrypt"
	PurposeNtfy      = "ntfy"
	PurposeSignaling = "signaling"
	PurposeSession   = "session"
)

// ErrBadKeyLength is returned whenever a key or master secret is not
// exactly KeySize bytes.
var ErrBadKeyLength = errors.New("cryptoutil: key must be 32 bytes")

// ErrDecryptionFailed covers every way Decrypt can fail: short input,
// GCM tag mismatch. Never carries which check failed, so a caller cannot
// use error content to distinguish a tampered envelope from a short one.
var ErrDecryptionFailed = errors.New("cryptoutil: decryption failed")

// GenerateSecret returns 32 cryptographically random bytes, suitable as
// a master secret or as any derived key.
func GenerateSecret() ([]byte, error) {
	secret := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, fmt.Errorf("cryptoutil: generate secret: %w", err)
	}
	return secret, nil
}

// Derive produces a KeySize-byte key from master using HKDF-SHA256 with
// an empty salt (the master's own entropy is assumed sufficient) and the
// given info string. Distinct info strings MUST and do produce
// independent outputs.
func Derive(master []byte, info string) ([]byte, error) {
	if len(master) != KeySize {
		return nil, ErrBadKeyLength
	}
	reader := hkdf.New(sha256.New, master, nil, []byte(info))
	out := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("cryptoutil: derive %q: %w", info, err)
	}
	return out, nil
}

// KeyBundle holds every key and identifier derived from one master
// secret. The key fields are pairwise independent.
type KeyBundle struct {
	AuthKey         []byte
	EncryptKey      []byte
	NtfyKey         []byte
	SignalingKey    []byte
	RendezvousTopic string
	SessionID       string
}

// DeriveKeyBundle computes every derived value a paired device needs.
func DeriveKeyBundle(master []byte) (KeyBundle, error) {
	if len(master) != KeySize {
		return KeyBundle{}, ErrBadKeyLength
	}

	authKey, err := Derive(master, PurposeAuth)
	if err != nil {
		return KeyBundle{}, err
	}
	encryptKey, err := Derive(master, PurposeEncrypt)
	if err != nil {
		return KeyBundle{}, err
	}
	ntfyKey, err := Derive(master, PurposeNtfy)
	if err != nil {
		return KeyBundle{}, err
	}
	signalingKey, err := Derive(master, PurposeSignaling)
	if err != nil {
		return KeyBundle{}, err
	}
	topic, err := RendezvousTopic(master)
	if err != nil {
		return KeyBundle{}, err
	}
	sessionID, err := SessionID(master)
	if err != nil {
		return KeyBundle{}, err
	}

	return KeyBundle{
		AuthKey:         authKey,
		EncryptKey:      encryptKey,
		NtfyKey:         ntfyKey,
		SignalingKey:    signalingKey,
		RendezvousTopic: topic,
		SessionID:       sessionID,
	}, nil
}

// RendezvousTopic derives the deterministic ntfy topic name:
// "ras-" || lower-hex(first 6 bytes of SHA-256(master)).
func RendezvousTopic(master []byte) (string, error) {
	if len(master) != KeySize {
		return "", ErrBadKeyLength
	}
	sum := sha256.Sum256(master)
	return "ras-" + hex.EncodeToString(sum[:6]), nil
}

// SessionID derives the deterministic reconnection session id: the
// first 12 bytes (24 hex chars) of HKDF-SHA256(master, info="session").
func SessionID(master []byte) (string, error) {
	derived, err := Derive(master, PurposeSession)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(derived[:12]), nil
}

// Encrypt seals plaintext under key with a fresh random nonce, returning
// nonce ‖ ciphertext ‖ tag. Two calls with identical inputs return
// distinct ciphertexts.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrBadKeyLength
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("cryptoutil: generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)
	envelope := make([]byte, 0, NonceSize+len(sealed))
	envelope = append(envelope, nonce...)
	envelope = append(envelope, sealed...)
	return envelope, nil
}

// Decrypt opens an envelope produced by Encrypt. Any failure — short
// input, bad key length, or tag mismatch — collapses to
// ErrDecryptionFailed so no information about which check failed is
// observable.
func Decrypt(key, envelope []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrDecryptionFailed
	}
	if len(envelope) < EnvelopeOverhead {
		return nil, ErrDecryptionFailed
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	nonce := envelope[:NonceSize]
	ciphertext := envelope[NonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// HMACCompute returns the 32-byte HMAC-SHA256 of data under key.
func HMACCompute(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// HMACVerify compares expected against the HMAC-SHA256 of data under key
// in constant time. It never panics on a mismatched length.
func HMACVerify(key, data, expected []byte) bool {
	computed := HMACCompute(key, data)
	return subtle.ConstantTimeCompare(computed, expected) == 1
}

// SignalingHMAC computes the HMAC over the signaling HTTP request's
// authenticated fields. The byte layout — utf8(session_id) ‖
// be64(timestamp) ‖ body — is protocol-defining and must match bit for
// bit across implementations.
func SignalingHMAC(authKey []byte, sessionID string, timestamp int64, body []byte) []byte {
	input := make([]byte, 0, len(sessionID)+8+len(body))
	input = append(input, []byte(sessionID)...)
	input = appendBigEndian64(input, timestamp)
	input = append(input, body...)
	return HMACCompute(authKey, input)
}

func appendBigEndian64(buf []byte, v int64) []byte {
	u := uint64(v)
	return append(buf,
		byte(u>>56), byte(u>>48), byte(u>>40), byte(u>>32),
		byte(u>>24), byte(u>>16), byte(u>>8), byte(u))
}

// ZeroBytes overwrites b with zeros in place, for best-effort key
// hygiene once a key is no longer needed.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
