package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	if m == nil {
		t.Fatal("New returned nil")
	}
	if m.PairingSessionsActive == nil {
		t.Error("PairingSessionsActive metric is nil")
	}
	if m.ConnectionsActive == nil {
		t.Error("ConnectionsActive metric is nil")
	}
}

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.AuthAttempts.Inc()
	m.AuthAttempts.Inc()
	m.AuthSuccesses.Inc()
	m.AuthFailures.WithLabelValues("invalid_hmac").Inc()

	if got := testutil.ToFloat64(m.AuthAttempts); got != 2 {
		t.Errorf("AuthAttempts = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.AuthSuccesses); got != 1 {
		t.Errorf("AuthSuccesses = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.AuthFailures.WithLabelValues("invalid_hmac")); got != 1 {
		t.Errorf("AuthFailures{invalid_hmac} = %v, want 1", got)
	}
}

func TestGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ConnectionsActive.Inc()
	m.ConnectionsActive.Inc()
	m.ConnectionsActive.Dec()

	if got := testutil.ToFloat64(m.ConnectionsActive); got != 1 {
		t.Errorf("ConnectionsActive = %v, want 1", got)
	}
}

func TestDefaultIsSingleton(t *testing.T) {
	a := Default()
	b := Default()
	if a != b {
		t.Error("Default() should return the same instance across calls")
	}
}
