package codec

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rasdaemon/rasd/internal/cryptoutil"
)

func newTestCodec(t *testing.T, opts ...Option) *Codec {
	t.Helper()
	key, err := cryptoutil.GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}
	c, err := New(key, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	c := newTestCodec(t)

	payload, _ := json.Marshal(map[string]string{"key": "value"})
	env, err := c.Encode(Message{Type: "ping", Payload: payload})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := c.Decode(env)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Type != "ping" {
		t.Errorf("Type = %q, want ping", got.Type)
	}
	if got.Seq != 1 {
		t.Errorf("Seq = %d, want 1", got.Seq)
	}
	if got.Timestamp == 0 {
		t.Error("Timestamp should have been assigned")
	}
	if string(got.Payload) != string(payload) {
		t.Errorf("Payload = %s, want %s", got.Payload, payload)
	}
}

func TestEncodeAssignsIncreasingSeq(t *testing.T) {
	c := newTestCodec(t)
	var lastSeq uint64
	for i := 0; i < 3; i++ {
		env, err := c.Encode(Message{Type: "x"})
		if err != nil {
			t.Fatal(err)
		}
		msg, err := c.Decode(env)
		if err != nil {
			t.Fatal(err)
		}
		if msg.Seq <= lastSeq {
			t.Fatalf("seq did not increase: %d <= %d", msg.Seq, lastSeq)
		}
		lastSeq = msg.Seq
	}
}

func TestDecodeRejectsExpired(t *testing.T) {
	c := newTestCodec(t, WithMaxAge(60*time.Second))

	msg := Message{Type: "ping", Seq: 1, Timestamp: time.Now().Add(-2 * time.Minute).Unix()}
	plaintext, _ := json.Marshal(msg)
	env, err := cryptoutil.Encrypt(c.encryptKey, plaintext)
	if err != nil {
		t.Fatal(err)
	}

	_, err = c.Decode(env)
	kind, ok := IsCodecError(err)
	if !ok || kind != KindExpired {
		t.Fatalf("Decode expired message = %v, want KindExpired", err)
	}
}

func TestReplayRejection(t *testing.T) {
	c := newTestCodec(t, WithWindowSize(10))

	envelopes := make(map[uint64][]byte)
	for seq := uint64(1); seq <= 20; seq++ {
		msg := Message{Type: "x", Seq: seq, Timestamp: time.Now().Unix()}
		plaintext, _ := json.Marshal(msg)
		env, err := cryptoutil.Encrypt(c.encryptKey, plaintext)
		if err != nil {
			t.Fatal(err)
		}
		envelopes[seq] = env
		if _, err := c.Decode(env); err != nil {
			t.Fatalf("Decode seq=%d: %v", seq, err)
		}
	}

	// seq=5 sits below the advanced floor (20-10), so its seen-set entry
	// has been pruned and the rejection is classified as too old rather
	// than duplicate. Either way the replay does not get through.
	if _, err := c.Decode(envelopes[5]); err == nil {
		t.Fatal("replaying seq=5 should fail")
	} else if kind, _ := IsCodecError(err); kind != KindTooOld {
		t.Errorf("replay seq=5 kind = %s, want too_old", kind)
	}

	if _, err := c.Decode(envelopes[15]); err == nil {
		t.Fatal("replaying seq=15 should fail")
	} else if kind, _ := IsCodecError(err); kind != KindDuplicate {
		t.Errorf("replay seq=15 kind = %s, want duplicate", kind)
	}

	if _, err := c.Decode(envelopes[3]); err == nil {
		t.Fatal("seq=3 after window advanced to 20 should fail")
	} else if kind, _ := IsCodecError(err); kind != KindTooOld {
		t.Errorf("seq=3 kind = %s, want too_old", kind)
	}
}

func TestOutOfOrderWithinWindowAccepted(t *testing.T) {
	c := newTestCodec(t, WithWindowSize(10))

	seqs := []uint64{5, 3, 4, 1, 2}
	for _, seq := range seqs {
		msg := Message{Type: "x", Seq: seq, Timestamp: time.Now().Unix()}
		plaintext, _ := json.Marshal(msg)
		env, err := cryptoutil.Encrypt(c.encryptKey, plaintext)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := c.Decode(env); err != nil {
			t.Fatalf("out-of-order seq=%d rejected: %v", seq, err)
		}
	}
}

func TestDecodeBadEnvelopeIsDecryptError(t *testing.T) {
	c := newTestCodec(t)
	_, err := c.Decode([]byte("not an envelope"))
	kind, ok := IsCodecError(err)
	if !ok || kind != KindDecrypt {
		t.Fatalf("Decode garbage = %v, want KindDecrypt", err)
	}
}
