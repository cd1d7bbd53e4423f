package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rasdaemon/rasd/internal/cryptoutil"
)

func newTestSecret(t *testing.T) []byte {
	t.Helper()
	secret, err := cryptoutil.GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}
	return secret
}

func TestAddGetIsPaired(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir, nil)
	if err != nil {
		t.Fatal(err)
	}

	secret := newTestSecret(t)
	dev, err := r.Add("phone-1", "My Phone", secret)
	if err != nil {
		t.Fatal(err)
	}
	if dev.DeviceID != "phone-1" {
		t.Errorf("DeviceID = %q", dev.DeviceID)
	}

	got, ok := r.Get("phone-1")
	if !ok {
		t.Fatal("Get should find the added device")
	}
	if string(got.MasterSecret) != string(secret) {
		t.Error("MasterSecret round-trip mismatch")
	}
	if !r.IsPaired("phone-1") {
		t.Error("IsPaired should be true")
	}
	if r.IsPaired("unknown") {
		t.Error("IsPaired should be false for unknown device")
	}
}

func TestRejectsInvalidDeviceID(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Add("../../etc/passwd", "evil", newTestSecret(t)); err == nil {
		t.Fatal("expected rejection of path-like device id")
	}
	if _, err := r.Add("has space", "evil", newTestSecret(t)); err == nil {
		t.Fatal("expected rejection of device id with space")
	}
}

func TestRejectsBadSecretLength(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Add("phone-1", "x", []byte("short")); err != cryptoutil.ErrBadKeyLength {
		t.Fatalf("got %v, want ErrBadKeyLength", err)
	}
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Add("phone-1", "x", newTestSecret(t)); err != nil {
		t.Fatal(err)
	}

	removed, err := r.Remove("phone-1")
	if err != nil {
		t.Fatal(err)
	}
	if !removed {
		t.Error("Remove should report true for existing device")
	}
	if r.IsPaired("phone-1") {
		t.Error("device should no longer be paired")
	}

	removed, err = r.Remove("phone-1")
	if err != nil {
		t.Fatal(err)
	}
	if removed {
		t.Error("Remove should report false for already-removed device")
	}
}

func TestPersistenceSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	secret := newTestSecret(t)

	r1, err := Open(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r1.Add("phone-1", "My Phone", secret); err != nil {
		t.Fatal(err)
	}

	r2, err := Open(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	dev, ok := r2.Get("phone-1")
	if !ok {
		t.Fatal("reopened registry should retain the device")
	}
	if string(dev.MasterSecret) != string(secret) {
		t.Error("master secret did not survive persistence round-trip")
	}
}

func TestCorruptRecordSkippedOnLoad(t *testing.T) {
	dir := t.TempDir()
	secret := newTestSecret(t)

	r1, err := Open(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r1.Add("good-device", "ok", secret); err != nil {
		t.Fatal(err)
	}

	// Append a corrupt record by hand: invalid base64 secret.
	data, err := os.ReadFile(filepath.Join(dir, fileName))
	if err != nil {
		t.Fatal(err)
	}
	corrupted := string(data[:len(data)-2]) + `,{"device_id":"bad-device","display_name":"bad","master_secret":"not-base64!!","paired_at":"2024-01-01T00:00:00Z","last_seen":"2024-01-01T00:00:00Z"}]`
	if err := os.WriteFile(filepath.Join(dir, fileName), []byte(corrupted), 0o600); err != nil {
		t.Fatal(err)
	}

	r2, err := Open(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := r2.Get("good-device"); !ok {
		t.Error("good record should still load")
	}
	if _, ok := r2.Get("bad-device"); ok {
		t.Error("corrupt record should have been skipped")
	}
}

func TestSubscribeReceivesAddRemoveEvents(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir, nil)
	if err != nil {
		t.Fatal(err)
	}

	var events []Event
	r.Subscribe(func(ev Event) { events = append(events, ev) })

	if _, err := r.Add("phone-1", "x", newTestSecret(t)); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Remove("phone-1"); err != nil {
		t.Fatal(err)
	}

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Kind != EventAdded || events[0].Device.DeviceID != "phone-1" {
		t.Errorf("event[0] = %+v", events[0])
	}
	if events[1].Kind != EventRemoved || events[1].Device.DeviceID != "phone-1" {
		t.Errorf("event[1] = %+v", events[1])
	}
}

func TestAllReturnsSnapshot(t *testing.T) {
	dir := t.TempDir()
	r, err := Open(dir, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Add("phone-1", "a", newTestSecret(t)); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Add("phone-2", "b", newTestSecret(t)); err != nil {
		t.Fatal(err)
	}
	all := r.All()
	if len(all) != 2 {
		t.Fatalf("got %d devices, want 2", len(all))
	}
}
