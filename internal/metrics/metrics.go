// Package metrics provides Prometheus metrics for the RAS daemon.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rasd"

// Metrics contains all Prometheus metrics exported by the daemon.
type Metrics struct {
	// Pairing metrics
	PairingSessionsStarted   prometheus.Counter
	PairingSessionsCompleted prometheus.Counter
	PairingSessionsFailed    *prometheus.CounterVec
	PairingSessionsActive    prometheus.Gauge

	// Authentication metrics
	AuthAttempts  prometheus.Counter
	AuthSuccesses prometheus.Counter
	AuthFailures  *prometheus.CounterVec
	AuthLatency   prometheus.Histogram

	// Connection metrics
	ConnectionsActive  prometheus.Gauge
	ConnectionsTotal   *prometheus.CounterVec
	ConnectionsClosed  *prometheus.CounterVec
	BroadcastSendFails prometheus.Counter

	// Codec metrics
	MessagesEncoded prometheus.Counter
	MessagesDecoded prometheus.Counter
	DecodeErrors    *prometheus.CounterVec

	// Rendezvous metrics
	RendezvousSubscribersActive prometheus.Gauge
	RendezvousOffersReceived    prometheus.Counter
	RendezvousOffersDropped     *prometheus.CounterVec

	// Heartbeat metrics
	HeartbeatsSent        prometheus.Counter
	HeartbeatsReceived    prometheus.Counter
	StaleConnectionsTotal prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide default metrics instance, registered
// against the default Prometheus registerer.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// New creates a Metrics instance registered against reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PairingSessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairing_sessions_started_total",
			Help:      "Total pairing sessions created via start_pairing",
		}),
		PairingSessionsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairing_sessions_completed_total",
			Help:      "Total pairing sessions that reached authenticated",
		}),
		PairingSessionsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairing_sessions_failed_total",
			Help:      "Total pairing sessions that reached failed, by reason",
		}, []string{"reason"}),
		PairingSessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pairing_sessions_active",
			Help:      "Pairing sessions not yet terminal",
		}),

		AuthAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_attempts_total",
			Help:      "Total mutual-authentication handshakes started",
		}),
		AuthSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_successes_total",
			Help:      "Total mutual-authentication handshakes that succeeded",
		}),
		AuthFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total mutual-authentication failures, by error kind",
		}, []string{"kind"}),
		AuthLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "auth_handshake_latency_seconds",
			Help:      "Handshake duration from challenge to authenticated",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),

		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Currently registered device connections",
		}),
		ConnectionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total connections registered, by origin",
		}, []string{"origin"}),
		ConnectionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Total connections closed, by reason",
		}, []string{"reason"}),
		BroadcastSendFails: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_send_failures_total",
			Help:      "Total per-peer broadcast sends that failed or timed out",
		}),

		MessagesEncoded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_encoded_total",
			Help:      "Total messages sealed by the codec",
		}),
		MessagesDecoded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_decoded_total",
			Help:      "Total messages opened successfully by the codec",
		}),
		DecodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Total codec decode failures, by kind",
		}, []string{"kind"}),

		RendezvousSubscribersActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rendezvous_subscribers_active",
			Help:      "Devices currently subscribed to a rendezvous topic",
		}),
		RendezvousOffersReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rendezvous_offers_received_total",
			Help:      "Total rendezvous offers decrypted successfully",
		}),
		RendezvousOffersDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rendezvous_offers_dropped_total",
			Help:      "Total rendezvous offers dropped, by reason",
		}, []string{"reason"}),

		HeartbeatsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_sent_total",
			Help:      "Total heartbeat frames sent",
		}),
		HeartbeatsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_received_total",
			Help:      "Total heartbeat frames received",
		}),
		StaleConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_connections_total",
			Help:      "Total times a connection was reported stale",
		}),
	}
}
