// Package connmgr implements the connection manager: the registry of
// authenticated peers, keyed by device id, with replace-on-reconnect
// semantics, per-message decode-and-dispatch, and timeout-bounded
// broadcast fan-out.
package connmgr

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rasdaemon/rasd/internal/codec"
	"github.com/rasdaemon/rasd/internal/logging"
	"github.com/rasdaemon/rasd/internal/metrics"
	"github.com/rasdaemon/rasd/internal/peerconn"
	"github.com/rasdaemon/rasd/internal/recovery"
)

// DefaultBroadcastTimeout bounds a single peer's send during broadcast
// fan-out.
const DefaultBroadcastTimeout = 5 * time.Second

// connection is one tracked, authenticated device connection.
type connection struct {
	deviceID      string
	peer          *peerconn.PeerConn
	codec         *codec.Codec
	connectedAt   time.Time
	lastActivity  time.Time
	suppressClose bool
}

// Manager is the device-id-keyed registry of authenticated connections.
// At most one active connection exists per device id; adding a second
// supplants the first.
type Manager struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	timeout time.Duration

	mu    sync.Mutex
	conns map[string]*connection

	onLostMu sync.Mutex
	onLost   func(deviceID string)
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithBroadcastTimeout overrides DefaultBroadcastTimeout.
func WithBroadcastTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// WithMetrics attaches a metrics.Metrics instance.
func WithMetrics(mx *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mx }
}

// New constructs a Manager.
func New(logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = logging.Nop()
	}
	m := &Manager{
		logger:  logger,
		timeout: DefaultBroadcastTimeout,
		conns:   make(map[string]*connection),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnConnectionLost registers the callback invoked strictly after a
// connection has been removed from the map because its peer closed. A
// connection replaced by Add or torn down by CloseAll does NOT fire
// this — see Add and CloseAll.
func (m *Manager) OnConnectionLost(fn func(deviceID string)) {
	m.onLostMu.Lock()
	m.onLost = fn
	m.onLostMu.Unlock()
}

// Add registers peer as device_id's connection, decoding inbound frames
// through codec and invoking onDecoded for each successfully decoded
// message. If a connection already existed for device_id, its close
// handler is suppressed (so its imminent close does not fire
// on_connection_lost for the replaced entry) and then it is closed
// outside the manager's lock.
func (m *Manager) Add(deviceID string, peer *peerconn.PeerConn, c *codec.Codec, onDecoded func(msg codec.Message)) {
	now := time.Now()
	conn := &connection{
		deviceID:     deviceID,
		peer:         peer,
		codec:        c,
		connectedAt:  now,
		lastActivity: now,
	}

	m.mu.Lock()
	old, hadOld := m.conns[deviceID]
	if hadOld {
		old.suppressClose = true
	}
	m.conns[deviceID] = conn
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ConnectionsActive.Set(float64(m.Len()))
		m.metrics.ConnectionsTotal.WithLabelValues("registered").Inc()
	}

	if hadOld {
		old.peer.Close()
		m.logger.Debug("replaced existing connection",
			logging.KeyDeviceID, deviceID)
	}

	peer.OnMessage(func(data []byte) {
		m.handleInbound(conn, data, onDecoded)
	})
	peer.OnClose(func() {
		m.handleClose(conn)
	})
}

func (m *Manager) handleInbound(conn *connection, data []byte, onDecoded func(msg codec.Message)) {
	defer recovery.RecoverWithLog(m.logger, "connmgr.handleInbound")

	msg, err := conn.codec.Decode(data)
	if err != nil {
		// Decrypt/format/replay failures are noise, not cause to close
		// the connection.
		kind, _ := codec.IsCodecError(err)
		if m.metrics != nil {
			m.metrics.DecodeErrors.WithLabelValues(string(kind)).Inc()
		}
		m.logger.Warn("decode failed", logging.KeyDeviceID, conn.deviceID,
			logging.KeyError, err)
		return
	}
	if m.metrics != nil {
		m.metrics.MessagesDecoded.Inc()
	}

	m.mu.Lock()
	conn.lastActivity = time.Now()
	m.mu.Unlock()

	if onDecoded != nil {
		onDecoded(msg)
	}
}

func (m *Manager) handleClose(conn *connection) {
	m.mu.Lock()
	if conn.suppressClose {
		m.mu.Unlock()
		return
	}
	removed := false
	if cur, ok := m.conns[conn.deviceID]; ok && cur == conn {
		delete(m.conns, conn.deviceID)
		removed = true
	}
	m.mu.Unlock()

	if !removed {
		return
	}

	if m.metrics != nil {
		m.metrics.ConnectionsActive.Set(float64(m.Len()))
		m.metrics.ConnectionsClosed.WithLabelValues("remote").Inc()
	}

	m.onLostMu.Lock()
	fn := m.onLost
	m.onLostMu.Unlock()
	if fn != nil {
		fn(conn.deviceID)
	}
}

// Get returns the active connection's peer for deviceID, if any.
func (m *Manager) Get(deviceID string) (*peerconn.PeerConn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[deviceID]
	if !ok {
		return nil, false
	}
	return conn.peer, true
}

// EncodeForDevice seals msg through deviceID's own codec instance, so a
// caller outside this package (the heartbeat loop, via the
// orchestrator) can send an application message through the same
// sequence/timestamp/replay state the connection's inbound decode path
// uses, without reaching into connection internals.
func (m *Manager) EncodeForDevice(deviceID string, msg codec.Message) ([]byte, error) {
	m.mu.Lock()
	conn, ok := m.conns[deviceID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: device %s", ErrNotFound, deviceID)
	}
	sealed, err := conn.codec.Encode(msg)
	if err != nil {
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.MessagesEncoded.Inc()
	}
	return sealed, nil
}

// Len returns the number of currently tracked connections.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Broadcast sends the already-framed data bytes to every connected
// peer. Each send is bounded by the manager's broadcast timeout; a
// single slow peer cannot block the others because every send runs in
// its own goroutine, and failures are only logged, never propagated.
func (m *Manager) Broadcast(ctx context.Context, data []byte) {
	m.mu.Lock()
	conns := make([]*connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(c *connection) {
			defer wg.Done()
			defer recovery.RecoverWithLog(m.logger, "connmgr.broadcast")

			sendCtx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()

			if err := c.peer.Send(sendCtx, data); err != nil {
				if m.metrics != nil {
					m.metrics.BroadcastSendFails.Inc()
				}
				m.logger.Warn("broadcast send failed",
					logging.KeyDeviceID, c.deviceID, logging.KeyError, err)
			}
		}(conn)
	}
	wg.Wait()
}

// CloseAll snapshots every tracked connection, clears the map, and
// closes them all concurrently. Close handlers are suppressed first so
// CloseAll does not fire on_connection_lost per connection — the caller
// is tearing the whole manager down, not losing individual peers.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := make([]*connection, 0, len(m.conns))
	for _, c := range m.conns {
		c.suppressClose = true
		conns = append(conns, c)
	}
	m.conns = make(map[string]*connection)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(c *connection) {
			defer wg.Done()
			defer recovery.RecoverWithLog(m.logger, "connmgr.closeAll")
			c.peer.Close()
		}(conn)
	}
	wg.Wait()

	if m.metrics != nil {
		m.metrics.ConnectionsActive.Set(0)
	}
}

// ErrNotFound is returned by operations addressing an unknown device.
var ErrNotFound = fmt.Errorf("connmgr: connection not found")
