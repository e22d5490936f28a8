// Package metrics holds the Prometheus collectors for handshakes and relays.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds every collector in this package. It is served by Serve.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

// Handshake results
const (
	ResultSuccess    = "success"
	ResultUntrusted  = "untrusted"
	ResultMalformed  = "malformed"
	ResultInvalid    = "invalid_type"
	ResultBind       = "bind_failure"
	ResultEncryption = "encryption_failure"
	ResultError      = "error"
)

// Relay directions
const (
	DirectionToTarget = "to_target"
	DirectionToClient = "to_client"
)

var (
	HandshakesTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "forward_handshakes_total",
		Help: "Handshakes by result",
	}, []string{"result"})
	ActiveRelays = factory.NewGauge(prometheus.GaugeOpts{
		Name: "forward_active_relays",
		Help: "Relays with an established data channel and target connection",
	})
	RelayBytesTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "forward_relay_bytes_total",
		Help: "Plaintext bytes relayed by direction",
	}, []string{"direction"})
	RelayDurationSeconds = factory.NewHistogram(prometheus.HistogramOpts{
		Name:    "forward_relay_duration_seconds",
		Help:    "Relay lifetime seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
	})
	RelaysRejectedTotal = factory.NewCounter(prometheus.CounterOpts{
		Name: "forward_relays_rejected_total",
		Help: "Connections closed because every relay slot was taken",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}
