// Copyright 2026 Invariant Protocol
//
// Package metrics exposes Prometheus counters and histograms for the
// identity engine's outcomes — genesis mints, heartbeat results by error
// kind, and replay-detection rate.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the counters/histograms registered for the engine. A
// single instance should be constructed per process and passed to the
// engine as its Observer, which reports Genesis and Heartbeat outcomes;
// nothing in this repository observes HeartbeatLatency.
type Metrics struct {
	GenesisTotal        *prometheus.CounterVec
	HeartbeatTotal      *prometheus.CounterVec
	ReplayDetectedTotal prometheus.Counter
	HeartbeatLatency    prometheus.Histogram
}

// New registers and returns a Metrics bundle against reg. Pass
// prometheus.DefaultRegisterer for the global registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		GenesisTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "invariant_genesis_total",
			Help: "Count of Genesis calls by outcome.",
		}, []string{"outcome"}),

		HeartbeatTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "invariant_heartbeat_total",
			Help: "Count of Heartbeat calls by outcome kind.",
		}, []string{"kind"}),

		ReplayDetectedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "invariant_replay_detected_total",
			Help: "Count of heartbeats rejected for nonce replay.",
		}),

		HeartbeatLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "invariant_heartbeat_duration_seconds",
			Help:    "Heartbeat processing latency.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// ObserveHeartbeat records the outcome of a single Heartbeat call. kind is
// "" for success, or an engine.Kind's lowercase name on failure.
func (m *Metrics) ObserveHeartbeat(kind string, replay bool) {
	if kind == "" {
		kind = "ok"
	}
	m.HeartbeatTotal.WithLabelValues(kind).Inc()
	if replay {
		m.ReplayDetectedTotal.Inc()
	}
}

// ObserveGenesis records the outcome of a single Genesis call: "minted",
// "idempotent_hit", "rejected", or "error".
func (m *Metrics) ObserveGenesis(outcome string) {
	m.GenesisTotal.WithLabelValues(outcome).Inc()
}
