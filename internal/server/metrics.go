package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the registry's prometheus collectors.
type Metrics struct {
	Channels        prometheus.Gauge
	Connections     prometheus.Gauge
	Messages        *prometheus.CounterVec
	Rejected        *prometheus.CounterVec
	Broadcasts      *prometheus.CounterVec
	SlowConsumers   prometheus.Counter
	PersistDuration prometheus.Histogram
	PersistErrors   *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Channels: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "tandem",
			Name:      "channels",
			Help:      "Live channels.",
		}),
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "tandem",
			Name:      "connections",
			Help:      "Open websocket connections.",
		}),
		Messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tandem",
			Name:      "messages_total",
			Help:      "Decoded inbound frames by type.",
		}, []string{"type"}),
		Rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tandem",
			Name:      "rejected_total",
			Help:      "Inbound frames answered with an error.",
		}, []string{"reason"}),
		Broadcasts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tandem",
			Name:      "broadcasts_total",
			Help:      "Events fanned out to a channel.",
		}, []string{"type"}),
		SlowConsumers: f.NewCounter(prometheus.CounterOpts{
			Namespace: "tandem",
			Name:      "slow_consumers_total",
			Help:      "Connections dropped because their outbound buffer was full.",
		}),
		PersistDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tandem",
			Name:      "persist_duration_seconds",
			Help:      "Snapshot save latency.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tandem",
			Name:      "persist_errors_total",
			Help:      "Snapshot load and save failures.",
		}, []string{"op"}),
	}
}
