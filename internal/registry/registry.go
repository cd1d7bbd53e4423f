// Package registry implements the device registry: a durable
// mapping from device id to master secret, with atomic persistence and
// add/remove subscription hooks. Persistence follows the same
// temp-file-write-then-rename discipline the daemon uses for its other
// durable state, with 0700 directories and 0600 files.
package registry

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/rasdaemon/rasd/internal/cryptoutil"
	"github.com/rasdaemon/rasd/internal/logging"
)

// deviceIDPattern matches the safe character set for a device id:
// letters, digits, '-', '_'. Rejecting anything else at load time
// prevents path injection in any filesystem-backed caller.
var deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidDeviceID reports whether id is safe to use as a registry key.
func ValidDeviceID(id string) bool {
	return id != "" && deviceIDPattern.MatchString(id)
}

// Device is a paired device's persisted record.
type Device struct {
	DeviceID     string    `json:"device_id"`
	DisplayName  string    `json:"display_name"`
	MasterSecret []byte    `json:"-"`
	PairedAt     time.Time `json:"paired_at"`
	LastSeen     time.Time `json:"last_seen"`
}

// record is the on-disk shape: base64 secret, ISO-8601 timestamps.
type record struct {
	DeviceID     string    `json:"device_id"`
	DisplayName  string    `json:"display_name"`
	MasterSecret string    `json:"master_secret"`
	PairedAt     time.Time `json:"paired_at"`
	LastSeen     time.Time `json:"last_seen"`
}

// EventKind distinguishes add/remove notifications.
type EventKind string

const (
	EventAdded   EventKind = "device_added"
	EventRemoved EventKind = "device_removed"
)

// Event is delivered to subscribers on add/remove.
type Event struct {
	Kind   EventKind
	Device Device
}

const fileName = "devices.json"

// Registry is the durable device store. All mutations funnel through a
// single mutex, so persistence is single-writer.
type Registry struct {
	dataDir string
	logger  *slog.Logger

	mu      sync.Mutex
	devices map[string]Device

	subsMu sync.Mutex
	subs   []func(Event)
}

// Open loads (or initializes) the registry backed by dataDir/devices.json.
// Corrupt individual records are skipped with a diagnostic; the rest of
// the file loads normally.
func Open(dataDir string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("registry: create data dir: %w", err)
	}

	r := &Registry{
		dataDir: dataDir,
		logger:  logger,
		devices: make(map[string]Device),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) path() string {
	return filepath.Join(r.dataDir, fileName)
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.path())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("registry: read %s: %w", r.path(), err)
	}

	var records []record
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("registry: parse %s: %w", r.path(), err)
	}

	for _, rec := range records {
		dev, err := recordToDevice(rec)
		if err != nil {
			r.logger.Warn("skipping corrupt device record",
				logging.KeyDeviceID, rec.DeviceID, logging.KeyError, err)
			continue
		}
		r.devices[dev.DeviceID] = dev
	}
	return nil
}

func recordToDevice(rec record) (Device, error) {
	if !ValidDeviceID(rec.DeviceID) {
		return Device{}, fmt.Errorf("invalid device_id %q", rec.DeviceID)
	}
	secret, err := base64.StdEncoding.DecodeString(rec.MasterSecret)
	if err != nil {
		return Device{}, fmt.Errorf("invalid master_secret encoding: %w", err)
	}
	if len(secret) != cryptoutil.KeySize {
		return Device{}, fmt.Errorf("master_secret must be %d bytes, got %d", cryptoutil.KeySize, len(secret))
	}
	return Device{
		DeviceID:     rec.DeviceID,
		DisplayName:  rec.DisplayName,
		MasterSecret: secret,
		PairedAt:     rec.PairedAt,
		LastSeen:     rec.LastSeen,
	}, nil
}

// Add stores a new paired device and persists the registry atomically.
// The in-memory state is updated even if persistence fails, so a caller
// can retry the save without losing the add.
func (r *Registry) Add(deviceID, displayName string, masterSecret []byte) (Device, error) {
	if !ValidDeviceID(deviceID) {
		return Device{}, fmt.Errorf("registry: invalid device id %q", deviceID)
	}
	if len(masterSecret) != cryptoutil.KeySize {
		return Device{}, cryptoutil.ErrBadKeyLength
	}

	now := time.Now().UTC()
	dev := Device{
		DeviceID:     deviceID,
		DisplayName:  displayName,
		MasterSecret: masterSecret,
		PairedAt:     now,
		LastSeen:     now,
	}

	r.mu.Lock()
	r.devices[deviceID] = dev
	saveErr := r.saveLocked()
	r.mu.Unlock()

	r.notify(Event{Kind: EventAdded, Device: dev})

	if saveErr != nil {
		return dev, fmt.Errorf("registry: persist after add: %w", saveErr)
	}
	return dev, nil
}

// Remove deletes a device, returning true iff it was present.
func (r *Registry) Remove(deviceID string) (bool, error) {
	r.mu.Lock()
	dev, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return false, nil
	}
	delete(r.devices, deviceID)
	saveErr := r.saveLocked()
	r.mu.Unlock()

	r.notify(Event{Kind: EventRemoved, Device: dev})

	if saveErr != nil {
		return true, fmt.Errorf("registry: persist after remove: %w", saveErr)
	}
	return true, nil
}

// Get returns the device for deviceID, if paired.
func (r *Registry) Get(deviceID string) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[deviceID]
	return dev, ok
}

// IsPaired reports whether deviceID has an active pairing.
func (r *Registry) IsPaired(deviceID string) bool {
	_, ok := r.Get(deviceID)
	return ok
}

// All returns a snapshot of every paired device.
func (r *Registry) All() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Device, 0, len(r.devices))
	for _, dev := range r.devices {
		out = append(out, dev)
	}
	return out
}

// Subscribe registers fn to receive every future add/remove event. It
// does not replay past events.
func (r *Registry) Subscribe(fn func(Event)) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	r.subs = append(r.subs, fn)
}

func (r *Registry) notify(ev Event) {
	r.subsMu.Lock()
	subs := append([]func(Event){}, r.subs...)
	r.subsMu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// saveLocked writes the full registry atomically: temp file, fsync,
// rename. Caller must hold r.mu.
func (r *Registry) saveLocked() error {
	records := make([]record, 0, len(r.devices))
	for _, dev := range r.devices {
		records = append(records, record{
			DeviceID:     dev.DeviceID,
			DisplayName:  dev.DisplayName,
			MasterSecret: base64.StdEncoding.EncodeToString(dev.MasterSecret),
			PairedAt:     dev.PairedAt,
			LastSeen:     dev.LastSeen,
		})
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	finalPath := r.path()
	tmpPath := finalPath + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
