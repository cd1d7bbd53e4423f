// Package heartbeat implements the heartbeat loop: periodic
// per-connection liveness frames and staleness detection.
//
// The loop never disconnects anything itself: it only sends heartbeat
// frames on a timer and answers staleness queries so an external
// caller — here, the orchestrator — can decide what to do with a
// quiet device.
package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rasdaemon/rasd/internal/logging"
	"github.com/rasdaemon/rasd/internal/metrics"
	"github.com/rasdaemon/rasd/internal/recovery"
)

// WarnSendIntervalThreshold is the point at which New logs a warning:
// most transports this daemon rides over time out around 30s on their
// own, so a heartbeat slower than that risks looking dead to the
// transport before this loop would ever notice.
const WarnSendIntervalThreshold = 30 * time.Second

// SendFunc delivers one heartbeat frame for deviceID. The caller
// supplies this — typically sealing a codec.Message of type "heartbeat"
// and writing it through the connection manager's tracked peer — since
// the loop itself has no notion of transports or codecs.
type SendFunc func(ctx context.Context, deviceID string) error

// tracked holds one connection's liveness bookkeeping.
type tracked struct {
	send SendFunc

	mu               sync.Mutex
	lastHeartbeatOut time.Time
	lastHeartbeatIn  time.Time
	lastActivity     time.Time
	seq              uint64
}

// Loop sends periodic heartbeat frames to every tracked connection and
// reports which ones have gone quiet.
type Loop struct {
	sendInterval   time.Duration
	receiveTimeout time.Duration
	logger         *slog.Logger
	metrics        *metrics.Metrics

	mu    sync.Mutex
	conns map[string]*tracked

	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Loop at construction.
type Option func(*Loop)

// WithMetrics attaches a metrics.Metrics instance.
func WithMetrics(mx *metrics.Metrics) Option {
	return func(l *Loop) { l.metrics = mx }
}

// New constructs a Loop. It warns (but does not refuse) when
// sendInterval is at or beyond WarnSendIntervalThreshold.
func New(sendInterval, receiveTimeout time.Duration, logger *slog.Logger, opts ...Option) *Loop {
	if logger == nil {
		logger = logging.Nop()
	}
	l := &Loop{
		sendInterval:   sendInterval,
		receiveTimeout: receiveTimeout,
		logger:         logger,
		conns:          make(map[string]*tracked),
	}
	for _, opt := range opts {
		opt(l)
	}
	if sendInterval >= WarnSendIntervalThreshold {
		l.logger.Warn("heartbeat send_interval is close to or exceeds the "+
			"underlying transport's own timeout",
			logging.KeyDuration, sendInterval)
	}
	return l
}

// Track begins sending periodic heartbeats to deviceID via send. A
// connection already being tracked is replaced in place, resetting its
// liveness bookkeeping — the caller is expected to call this once per
// freshly authenticated connection.
func (l *Loop) Track(deviceID string, send SendFunc) {
	now := time.Now()
	l.mu.Lock()
	l.conns[deviceID] = &tracked{
		send:         send,
		lastActivity: now,
	}
	l.mu.Unlock()
}

// Untrack stops sending heartbeats to deviceID.
func (l *Loop) Untrack(deviceID string) {
	l.mu.Lock()
	delete(l.conns, deviceID)
	l.mu.Unlock()
}

// RecordActivity refreshes deviceID's last-activity timestamp. Called
// on any incoming traffic, not only heartbeats.
func (l *Loop) RecordActivity(deviceID string) {
	l.mu.Lock()
	t, ok := l.conns[deviceID]
	l.mu.Unlock()
	if !ok {
		return
	}
	t.mu.Lock()
	t.lastActivity = time.Now()
	t.mu.Unlock()
}

// RecordHeartbeatReceived records an incoming heartbeat frame and
// refreshes last-activity.
func (l *Loop) RecordHeartbeatReceived(deviceID string) {
	l.mu.Lock()
	t, ok := l.conns[deviceID]
	l.mu.Unlock()
	if !ok {
		return
	}
	now := time.Now()
	t.mu.Lock()
	t.lastHeartbeatIn = now
	t.lastActivity = now
	t.mu.Unlock()
	if l.metrics != nil {
		l.metrics.HeartbeatsReceived.Inc()
	}
}

// StaleConnection names a tracked connection whose last activity is
// older than the loop's receive timeout.
type StaleConnection struct {
	DeviceID     string
	LastActivity time.Time
}

// GetStaleConnections reports every tracked connection that has not
// produced activity within the receive timeout. No disconnect is
// issued from within the loop; the caller decides what to do.
func (l *Loop) GetStaleConnections() []StaleConnection {
	now := time.Now()
	l.mu.Lock()
	snapshot := make(map[string]*tracked, len(l.conns))
	for id, t := range l.conns {
		snapshot[id] = t
	}
	l.mu.Unlock()

	var stale []StaleConnection
	for id, t := range snapshot {
		t.mu.Lock()
		last := t.lastActivity
		t.mu.Unlock()
		if now.Sub(last) > l.receiveTimeout {
			stale = append(stale, StaleConnection{DeviceID: id, LastActivity: last})
			if l.metrics != nil {
				l.metrics.StaleConnectionsTotal.Inc()
			}
		}
	}
	return stale
}

// Run drives the send-interval ticker until ctx is canceled. It is
// meant to be started once, in its own goroutine, for the daemon's
// lifetime.
func (l *Loop) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	defer close(l.done)

	ticker := time.NewTicker(l.sendInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sendAll(ctx)
		}
	}
}

// Stop cancels a running loop and waits for it to exit.
func (l *Loop) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	if l.done != nil {
		<-l.done
	}
}

func (l *Loop) sendAll(ctx context.Context) {
	defer recovery.RecoverWithLog(l.logger, "heartbeat.sendAll")

	l.mu.Lock()
	snapshot := make(map[string]*tracked, len(l.conns))
	for id, t := range l.conns {
		snapshot[id] = t
	}
	l.mu.Unlock()

	for id, t := range snapshot {
		t.mu.Lock()
		t.seq++
		seq := t.seq
		t.mu.Unlock()

		if err := t.send(ctx, id); err != nil {
			l.logger.Warn("heartbeat send failed", logging.KeyDeviceID, id,
				logging.KeySeq, seq, logging.KeyError, err)
			continue
		}
		t.mu.Lock()
		t.lastHeartbeatOut = time.Now()
		t.mu.Unlock()
		if l.metrics != nil {
			l.metrics.HeartbeatsSent.Inc()
		}
	}
}
