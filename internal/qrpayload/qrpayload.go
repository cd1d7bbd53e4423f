// Package qrpayload implements the pairing QR payload: a
// length-prefixed record carrying only the master secret and a version
// tag, plus PNG rendering. Everything else a client needs — listen
// address, rendezvous topic, session id — is derivable from the secret
// and must not travel in the QR.
package qrpayload

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image/png"

	"github.com/skip2/go-qrcode"

	"github.com/rasdaemon/rasd/internal/cryptoutil"
)

// Version is the only QR payload version this daemon emits or accepts.
const Version = 1

// imageSize is the rendered PNG's edge length in pixels.
const imageSize = 256

// Payload is the record presented for scanning at pair time.
type Payload struct {
	Version      uint8
	MasterSecret []byte
}

// Encode serializes p as: 1 byte version ‖ 1 byte length ‖ master secret
// bytes. The length prefix exists so a future version could carry a
// different-length secret without breaking framing; today it is always
// cryptoutil.KeySize.
func Encode(p Payload) ([]byte, error) {
	if len(p.MasterSecret) != cryptoutil.KeySize {
		return nil, cryptoutil.ErrBadKeyLength
	}
	buf := make([]byte, 0, 2+len(p.MasterSecret))
	buf = append(buf, p.Version)
	buf = append(buf, byte(len(p.MasterSecret)))
	buf = append(buf, p.MasterSecret...)
	return buf, nil
}

// Decode parses a QR payload produced by Encode.
func Decode(data []byte) (Payload, error) {
	if len(data) < 2 {
		return Payload{}, fmt.Errorf("qrpayload: short payload")
	}
	version := data[0]
	if version != Version {
		return Payload{}, fmt.Errorf("qrpayload: unsupported version %d", version)
	}
	length := int(data[1])
	if len(data) != 2+length {
		return Payload{}, fmt.Errorf("qrpayload: length mismatch: declared %d, have %d", length, len(data)-2)
	}
	if length != cryptoutil.KeySize {
		return Payload{}, fmt.Errorf("qrpayload: master secret must be %d bytes, got %d", cryptoutil.KeySize, length)
	}
	secret := make([]byte, length)
	copy(secret, data[2:])
	return Payload{Version: version, MasterSecret: secret}, nil
}

// New builds the QR payload for a freshly paired master secret.
func New(masterSecret []byte) Payload {
	return Payload{Version: Version, MasterSecret: masterSecret}
}

// RenderPNG encodes the payload and renders it as a QR code PNG,
// base64-encoded for inline embedding in an HTTP JSON response.
func RenderPNG(p Payload) (string, error) {
	data, err := Encode(p)
	if err != nil {
		return "", err
	}

	qr, err := qrcode.New(string(data), qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("qrpayload: generate qr code: %w", err)
	}

	var buf bytes.Buffer
	encoder := base64.NewEncoder(base64.StdEncoding, &buf)
	if err := png.Encode(encoder, qr.Image(imageSize)); err != nil {
		return "", fmt.Errorf("qrpayload: render png: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return "", fmt.Errorf("qrpayload: close encoder: %w", err)
	}
	return buf.String(), nil
}
