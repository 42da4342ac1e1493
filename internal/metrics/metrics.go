// Package metrics provides Prometheus metrics for tokenproxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Handshake outcomes.
const (
	OutcomeEstablished   = "established"
	OutcomeRejected      = "rejected"
	OutcomeConnectFailed = "connect_failed"
	OutcomeMalformed     = "malformed"
	OutcomeInternal      = "internal_error"
)

// Attempt results.
const (
	AttemptAccepted = "accepted"
	AttemptRejected = "rejected"
	AttemptError    = "error"
)

// Upstream dial results.
const (
	DialOK     = "ok"
	DialFailed = "failed"
)

// Relay close reasons.
const (
	CloseEOF   = "eof"
	CloseIdle  = "idle"
	CloseError = "error"
)

// Metrics holds all Prometheus collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	ConnectionsTotal  *prometheus.CounterVec
	ConnectionsActive prometheus.Gauge

	HandshakeAttempts *prometheus.CounterVec
	Handshakes        *prometheus.CounterVec

	UpstreamDialSeconds *prometheus.HistogramVec

	RelaysClosed *prometheus.CounterVec
}

// New creates a Metrics instance with its own registry and all collectors
// registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		ConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenproxy_connections_total",
			Help: "Accepted client connections by listener.",
		}, []string{"listener"}),

		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tokenproxy_connections_active",
			Help: "Client connections currently being served.",
		}),

		HandshakeAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenproxy_handshake_attempts_total",
			Help: "Upstream authentication attempts by strategy and result.",
		}, []string{"strategy", "result"}),

		Handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenproxy_handshakes_total",
			Help: "Completed connection setups by outcome.",
		}, []string{"outcome"}),

		UpstreamDialSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tokenproxy_upstream_dial_seconds",
			Help:    "Time to open a TCP connection to the upstream proxy.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"result"}),

		RelaysClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tokenproxy_relays_closed_total",
			Help: "Finished relays by termination reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.ConnectionsTotal,
		m.ConnectionsActive,
		m.HandshakeAttempts,
		m.Handshakes,
		m.UpstreamDialSeconds,
		m.RelaysClosed,
	)

	return m
}
