// Package orchestrator wires the device registry, the ntfy reconnect
// manager, the connection manager, and the heartbeat loop together, and
// routes decoded application messages into dispatch tables registered
// by the host application. None of those subsystems calls into another;
// every cross-subsystem reaction flows through callbacks registered
// here. Pairing and reconnect both funnel into the same
// "device connected" pipeline, and registry add/remove events start and
// stop reconnect subscribers so the subscriber set always tracks
// exactly the paired-device set.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/rasdaemon/rasd/internal/codec"
	"github.com/rasdaemon/rasd/internal/config"
	"github.com/rasdaemon/rasd/internal/connmgr"
	"github.com/rasdaemon/rasd/internal/cryptoutil"
	"github.com/rasdaemon/rasd/internal/heartbeat"
	"github.com/rasdaemon/rasd/internal/logging"
	"github.com/rasdaemon/rasd/internal/metrics"
	"github.com/rasdaemon/rasd/internal/peerconn"
	"github.com/rasdaemon/rasd/internal/registry"
	"github.com/rasdaemon/rasd/internal/rendezvous"
	"github.com/rasdaemon/rasd/internal/signaling"
)

// reconnectSubscriberSource is the subset of rendezvous.Manager the
// orchestrator needs, narrowed so tests can substitute a fake.
type reconnectSubscriberSource interface {
	Start(devices []registry.Device)
	AddDevice(dev registry.Device)
	RemoveDevice(deviceID string)
	Stop()
}

// heartbeatMessageType is the codec.Message type the heartbeat loop's
// send callback seals and the dispatch path recognizes on receipt,
// rather than forwarding it to an external command handler.
const heartbeatMessageType = "heartbeat"

// heartbeatPayload is the JSON payload of a heartbeat frame. The
// monotonic sequence itself rides the envelope's own codec.Message.Seq
// (assigned by the codec on encode), so the payload only needs to carry
// the send timestamp.
type heartbeatPayload struct {
	SentAtMs int64 `json:"sent_at_ms"`
}

// Orchestrator owns the registry/reconnect/connection/heartbeat wiring
// and routes decoded messages to externally registered handlers.
type Orchestrator struct {
	devices   *registry.Registry
	reconnect reconnectSubscriberSource
	conns     *connmgr.Manager
	heartbeat *heartbeat.Loop
	policy    config.PairingPolicy
	logger    *slog.Logger
	metrics   *metrics.Metrics

	handlers map[string]func(deviceID string, payload []byte)
}

// New constructs an Orchestrator. Callers typically build devices,
// reconnect, and conns first, register this orchestrator's callbacks
// with the signaling endpoint and reconnect manager via WireSignaling
// and WireRendezvous, then call Start.
func New(devices *registry.Registry, reconnect reconnectSubscriberSource, conns *connmgr.Manager, policy config.PairingPolicy, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.Nop()
	}
	o := &Orchestrator{
		devices:   devices,
		reconnect: reconnect,
		conns:     conns,
		policy:    policy,
		logger:    logger,
		metrics:   metrics.Default(),
		handlers:  make(map[string]func(deviceID string, payload []byte)),
	}
	o.heartbeat = heartbeat.New(policy.HeartbeatSendInterval, policy.HeartbeatReceiveTimeout, logger,
		heartbeat.WithMetrics(o.metrics))
	conns.OnConnectionLost(o.handleConnectionLost)
	devices.Subscribe(o.handleRegistryEvent)
	return o
}

// Handle registers a dispatch handler for decoded messages of the given
// type. The daemon never interprets application payloads itself, except
// for its own heartbeat frames.
func (o *Orchestrator) Handle(msgType string, fn func(deviceID string, payload []byte)) {
	o.handlers[msgType] = fn
}

// Start begins the reconnect subscriber set (one per already-paired
// device) and the heartbeat send loop. It does not block.
func (o *Orchestrator) Start(ctx context.Context) {
	o.reconnect.Start(o.devices.All())
	go o.heartbeat.Run(ctx)
}

// Stop tears down the reconnect subscriber set, the heartbeat loop, and
// every active connection.
func (o *Orchestrator) Stop() {
	o.reconnect.Stop()
	o.heartbeat.Stop()
	o.conns.CloseAll()
}

// WireSignaling registers the orchestrator's device-connected pipeline
// against a fresh-pairing signaling endpoint. The callback's
// masterSecret is brand new and must be persisted into the device
// registry on first sight.
func (o *Orchestrator) WireSignaling(ep *signaling.Endpoint) {
	ep.OnDeviceConnected(func(deviceID, deviceName string, peer *peerconn.PeerConn, masterSecret []byte) {
		o.onDeviceConnected(deviceID, deviceName, peer, masterSecret, ConnectedFromPairing)
	})
}

// WireRendezvous registers the orchestrator's device-connected pipeline
// against the ntfy reconnect manager. The callback's keyMaterial is the
// already-paired device's auth_key; the encrypt_key is re-derived from
// the registry's own copy of the master secret instead.
func (o *Orchestrator) WireRendezvous(m *rendezvous.Manager) {
	m.OnReconnection(func(deviceID, deviceName string, peer *peerconn.PeerConn, authKey []byte) {
		o.onDeviceConnected(deviceID, deviceName, peer, authKey, ConnectedFromReconnect)
	})
}

// ConnectedKind distinguishes a fresh pairing completion from a
// reconnection, since only the former carries a master secret that
// still needs persisting into the device registry.
type ConnectedKind int

const (
	// ConnectedFromPairing marks a signaling.Endpoint callback: keyMaterial
	// is the session's freshly generated master secret.
	ConnectedFromPairing ConnectedKind = iota
	// ConnectedFromReconnect marks a rendezvous.Manager callback:
	// keyMaterial is the device's auth_key, already on file.
	ConnectedFromReconnect
)

func (o *Orchestrator) onDeviceConnected(deviceID, deviceName string, peer *peerconn.PeerConn, keyMaterial []byte, kind ConnectedKind) {
	var masterSecret []byte
	switch kind {
	case ConnectedFromPairing:
		masterSecret = keyMaterial
		if !o.devices.IsPaired(deviceID) {
			if _, err := o.devices.Add(deviceID, deviceName, masterSecret); err != nil {
				o.logger.Error("persist new pairing failed", logging.KeyDeviceID, deviceID, logging.KeyError, err)
			}
		}
	case ConnectedFromReconnect:
		dev, ok := o.devices.Get(deviceID)
		if !ok {
			o.logger.Error("reconnected device missing from registry", logging.KeyDeviceID, deviceID)
			peer.CloseByOwner(peerconn.OwnerConnectionManager)
			return
		}
		masterSecret = dev.MasterSecret
	}

	encryptKey, err := cryptoutil.Derive(masterSecret, cryptoutil.PurposeEncrypt)
	if err != nil {
		o.logger.Error("derive encrypt_key failed", logging.KeyDeviceID, deviceID, logging.KeyError, err)
		peer.CloseByOwner(peerconn.OwnerConnectionManager)
		return
	}
	c, err := codec.New(encryptKey, codec.WithMaxAge(o.policy.CodecMaxAge), codec.WithWindowSize(o.policy.CodecWindowSize))
	if err != nil {
		o.logger.Error("construct codec failed", logging.KeyDeviceID, deviceID, logging.KeyError, err)
		peer.CloseByOwner(peerconn.OwnerConnectionManager)
		return
	}

	o.conns.Add(deviceID, peer, c, func(msg codec.Message) {
		o.dispatch(deviceID, msg)
	})
	o.heartbeat.Track(deviceID, func(ctx context.Context, id string) error {
		return o.sendHeartbeat(ctx, id)
	})
}

// dispatch refreshes heartbeat liveness for any traffic, intercepts the
// core's own heartbeat frames, and routes everything else to an
// externally registered handler.
func (o *Orchestrator) dispatch(deviceID string, msg codec.Message) {
	o.heartbeat.RecordActivity(deviceID)
	if msg.Type == heartbeatMessageType {
		o.heartbeat.RecordHeartbeatReceived(deviceID)
		return
	}
	fn, ok := o.handlers[msg.Type]
	if !ok {
		o.logger.Debug("no handler registered for message type",
			logging.KeyDeviceID, deviceID, "msg_type", msg.Type)
		return
	}
	fn(deviceID, msg.Payload)
}

func (o *Orchestrator) sendHeartbeat(ctx context.Context, deviceID string) error {
	peer, ok := o.conns.Get(deviceID)
	if !ok {
		return fmt.Errorf("orchestrator: no connection for device %s", deviceID)
	}
	payload, err := marshalHeartbeat(time.Now())
	if err != nil {
		return err
	}
	msg := codec.Message{Type: heartbeatMessageType, Payload: payload}
	// The codec instance lives inside connmgr, keyed per connection; the
	// heartbeat frame rides the same encrypted channel as any other
	// application message, so it is sealed the same way connmgr would
	// seal an outbound message on the caller's behalf.
	sealed, err := o.conns.EncodeForDevice(deviceID, msg)
	if err != nil {
		return err
	}
	return peer.Send(ctx, sealed)
}

func (o *Orchestrator) handleConnectionLost(deviceID string) {
	o.heartbeat.Untrack(deviceID)
}

func marshalHeartbeat(now time.Time) ([]byte, error) {
	return json.Marshal(heartbeatPayload{SentAtMs: now.UnixMilli()})
}

func (o *Orchestrator) handleRegistryEvent(ev registry.Event) {
	switch ev.Kind {
	case registry.EventAdded:
		o.reconnect.AddDevice(ev.Device)
	case registry.EventRemoved:
		o.reconnect.RemoveDevice(ev.Device.DeviceID)
	}
}
