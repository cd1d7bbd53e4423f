package cryptoutil

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex fixture: %v", err)
	}
	return b
}

func TestDeriveKnownAnswers(t *testing.T) {
	master := mustHex(t, "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	if len(master) != KeySize {
		t.Fatalf("fixture master secret must be 32 bytes, got %d", len(master))
	}

	cases := []struct {
		purpose string
		want    string
	}{
		{PurposeAuth, "bec0c3289e346d890ea330014e23e6e7cf95f82c8bd7f5f133850c89ac165a43"},
		{PurposeEncrypt, "fdb096356d535edd24a3eee6f2126b77018c51dff15c86ccf6bc3c76f086c2a0"},
		{PurposeNtfy, "e3d801b5755b78c380d59c1285c1a65290db0334cc2994dfd048ebff2df8781f"},
	}
	for _, c := range cases {
		got, err := Derive(master, c.purpose)
		if err != nil {
			t.Fatalf("Derive(%q): %v", c.purpose, err)
		}
		if hex.EncodeToString(got) != c.want {
			t.Errorf("Derive(%q) = %x, want %s", c.purpose, got, c.want)
		}
	}

	topic, err := RendezvousTopic(master)
	if err != nil {
		t.Fatalf("RendezvousTopic: %v", err)
	}
	if topic != "ras-4884fdaafea4" {
		t.Errorf("RendezvousTopic = %q, want ras-4884fdaafea4", topic)
	}
}

func TestHMACComputeKnownAnswer(t *testing.T) {
	key := mustHex(t, "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	msg := bytes.Repeat(mustHex(t, "fedcba9876543210"), 4)

	got := HMACCompute(key, msg)
	want := "fc620ba9fee2a44f2ea7a4cdf04348f2fa7299feb84ea028c48f80bba0bdddb0"
	if hex.EncodeToString(got) != want {
		t.Errorf("HMACCompute = %x, want %s", got, want)
	}
}

func TestDeriveIndependentPurposes(t *testing.T) {
	master, err := GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}
	purposes := []string{PurposeAuth, PurposeEncrypt, PurposeNtfy, PurposeSignaling}
	seen := map[string]bool{}
	for _, p := range purposes {
		k, err := Derive(master, p)
		if err != nil {
			t.Fatal(err)
		}
		key := hex.EncodeToString(k)
		if seen[key] {
			t.Fatalf("purpose %q collided with a previous derivation", p)
		}
		seen[key] = true
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}
	plaintext := []byte("hello world")

	ct1, err := Encrypt(key, plaintext)
	if err != nil {
		t.Fatal(err)
	}
	ct2, err := Encrypt(key, plaintext)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(ct1, ct2) {
		t.Fatal("two encryptions of identical plaintext must not match (nonce reuse)")
	}

	got, err := Decrypt(key, ct1)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("Decrypt = %q, want %q", got, plaintext)
	}
}

func TestDecryptWrongKeyFails(t *testing.T) {
	key1, _ := GenerateSecret()
	key2, _ := GenerateSecret()

	ct, err := Encrypt(key1, []byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decrypt(key2, ct); err != ErrDecryptionFailed {
		t.Fatalf("Decrypt with wrong key = %v, want ErrDecryptionFailed", err)
	}
}

func TestDecryptTamperedEnvelopeFails(t *testing.T) {
	key, _ := GenerateSecret()
	ct, err := Encrypt(key, []byte("hello world"))
	if err != nil {
		t.Fatal(err)
	}

	for i := range ct {
		mutated := append([]byte(nil), ct...)
		mutated[i] ^= 0x01
		if _, err := Decrypt(key, mutated); err != ErrDecryptionFailed {
			t.Fatalf("mutating byte %d did not cause decryption failure", i)
		}
	}
}

func TestDecryptShortEnvelopeFails(t *testing.T) {
	key, _ := GenerateSecret()
	if _, err := Decrypt(key, make([]byte, EnvelopeOverhead-1)); err != ErrDecryptionFailed {
		t.Fatalf("short envelope should fail decryption, got %v", err)
	}
}

func TestBadKeyLengthRejected(t *testing.T) {
	if _, err := Derive(make([]byte, 16), PurposeAuth); err != ErrBadKeyLength {
		t.Errorf("Derive with short master = %v, want ErrBadKeyLength", err)
	}
	if _, err := Encrypt(make([]byte, 16), []byte("x")); err != ErrBadKeyLength {
		t.Errorf("Encrypt with short key = %v, want ErrBadKeyLength", err)
	}
}

func TestHMACVerify(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	data := []byte("payload")
	mac := HMACCompute(key, data)

	if !HMACVerify(key, data, mac) {
		t.Error("HMACVerify should accept a correct MAC")
	}
	bad := append([]byte(nil), mac...)
	bad[0] ^= 0xff
	if HMACVerify(key, data, bad) {
		t.Error("HMACVerify should reject a corrupted MAC")
	}
	if HMACVerify(key, data, mac[:len(mac)-1]) {
		t.Error("HMACVerify should reject a short MAC without panicking")
	}
}

func TestSignalingHMACLayout(t *testing.T) {
	authKey, _ := GenerateSecret()
	mac1 := SignalingHMAC(authKey, "abc123", 1700000000, []byte("body"))
	mac2 := SignalingHMAC(authKey, "abc123", 1700000000, []byte("body"))
	if !bytes.Equal(mac1, mac2) {
		t.Error("SignalingHMAC must be deterministic for identical inputs")
	}
	mac3 := SignalingHMAC(authKey, "abc123", 1700000001, []byte("body"))
	if bytes.Equal(mac1, mac3) {
		t.Error("SignalingHMAC must change when the timestamp changes")
	}
}
