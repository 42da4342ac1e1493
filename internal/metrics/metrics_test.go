package metrics

import (
	"testing"

	"github.com/die-net/tokenproxy/internal/testutil"
)

func TestNew_GathersMetrics(t *testing.T) {
	m := New()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected non-empty metric families from Gather()")
	}

	m.HandshakeAttempts.WithLabelValues("bearer", AttemptAccepted).Inc()
	m.Handshakes.WithLabelValues(OutcomeEstablished).Inc()

	families, err = m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	want := map[string]bool{
		"tokenproxy_handshake_attempts_total": false,
		"tokenproxy_handshakes_total":         false,
	}
	for _, f := range families {
		if _, ok := want[f.GetName()]; ok {
			want[f.GetName()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("expected %s in gathered metrics", name)
		}
	}
}

func TestNew_IndependentRegistries(t *testing.T) {
	a, b := New(), New()

	a.ConnectionsTotal.WithLabelValues("http").Inc()

	if got := testutil.CounterValue(t, a.ConnectionsTotal.WithLabelValues("http")); got != 1 {
		t.Errorf("a connections = %v, want 1", got)
	}
	if got := testutil.CounterValue(t, b.ConnectionsTotal.WithLabelValues("http")); got != 0 {
		t.Errorf("b connections = %v, want 0", got)
	}
}
