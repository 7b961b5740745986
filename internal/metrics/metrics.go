// Package metrics holds the Prometheus collectors of one daemon instance.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors. Each instance owns its registry so several
// sessions (or tests) can coexist in one process.
type Metrics struct {
	reg *prometheus.Registry

	SyncRounds       *prometheus.CounterVec
	DeltasApplied    prometheus.Counter
	DeltasSkipped    prometheus.Counter
	Watermark        prometheus.Gauge
	RoundDuration    prometheus.Histogram
	Transitions      *prometheus.CounterVec
	InvalidUpdates   prometheus.Counter
	SettingSyncs     *prometheus.CounterVec
	SettingConflicts *prometheus.CounterVec
	RemoteRequests   *prometheus.CounterVec
}

// New creates and registers every collector, including the Go runtime ones.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		SyncRounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Subsystem: "sync",
			Name:      "rounds_total",
			Help:      "Delta sync rounds by outcome.",
		}, []string{"outcome"}),
		DeltasApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Subsystem: "sync",
			Name:      "deltas_applied_total",
			Help:      "Deltas that changed local state.",
		}),
		DeltasSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Subsystem: "sync",
			Name:      "deltas_skipped_total",
			Help:      "Deltas ignored as stale or already applied.",
		}),
		Watermark: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Subsystem: "sync",
			Name:      "watermark_ms",
			Help:      "Last applied delta timestamp.",
		}),
		RoundDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chatsync",
			Subsystem: "sync",
			Name:      "round_duration_seconds",
			Help:      "Duration of delta sync rounds.",
			Buckets:   prometheus.DefBuckets,
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Subsystem: "delivery",
			Name:      "transitions_total",
			Help:      "Persisted delivery status transitions by target kind.",
		}, []string{"status"}),
		InvalidUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Subsystem: "delivery",
			Name:      "invalid_updates_total",
			Help:      "Transport updates rejected by the transition table.",
		}),
		SettingSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Subsystem: "settings",
			Name:      "syncs_total",
			Help:      "Setting sync attempts by outcome.",
		}, []string{"outcome"}),
		SettingConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Subsystem: "settings",
			Name:      "conflicts_total",
			Help:      "Resolved setting conflicts by winner.",
		}, []string{"winner"}),
		RemoteRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Subsystem: "remote",
			Name:      "requests_total",
			Help:      "Remote HTTP requests by method and status class.",
		}, []string{"method", "class"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.SyncRounds, m.DeltasApplied, m.DeltasSkipped, m.Watermark, m.RoundDuration,
		m.Transitions, m.InvalidUpdates,
		m.SettingSyncs, m.SettingConflicts,
		m.RemoteRequests,
	)
	return m
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
