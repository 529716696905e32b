// Package monitoring exposes the Prometheus metrics emitted by a
// Synchronizer: channel lifecycle, wire-envelope traffic, rules denials and
// ready-state transitions.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds one Synchronizer's counters and gauges. Each instance owns
// its own registry so multiple Synchronizers (e.g. one per test) can coexist
// in the same process without colliding on metric names.
type Metrics struct {
	Registry *prometheus.Registry

	ChannelsEstablished prometheus.Counter
	ChannelsRemoved     prometheus.Counter
	ActiveChannels      prometheus.Gauge

	MessagesSent     *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec

	SyncRequests  prometheus.Counter
	UpdatesApplied prometheus.Counter
	DeniedByRules  *prometheus.CounterVec

	ReadyStateChanges prometheus.Counter
	SyncLatency       prometheus.Histogram
}

// NewMetrics constructs a Metrics bound to a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		ChannelsEstablished: factory.NewCounter(prometheus.CounterOpts{
			Name: "relaymesh_channels_established_total",
			Help: "Total number of channels that completed the establish handshake",
		}),
		ChannelsRemoved: factory.NewCounter(prometheus.CounterOpts{
			Name: "relaymesh_channels_removed_total",
			Help: "Total number of channels torn down",
		}),
		ActiveChannels: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relaymesh_active_channels",
			Help: "Number of currently established channels",
		}),
		MessagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relaymesh_messages_sent_total",
			Help: "Total wire envelopes sent, labeled by envelope type",
		}, []string{"type"}),
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relaymesh_messages_received_total",
			Help: "Total wire envelopes received, labeled by envelope type",
		}, []string{"type"}),
		SyncRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "relaymesh_sync_requests_total",
			Help: "Total sync-request envelopes processed",
		}),
		UpdatesApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "relaymesh_updates_applied_total",
			Help: "Total CRDT update deltas applied locally",
		}),
		DeniedByRules: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relaymesh_denied_by_rules_total",
			Help: "Total operations silently denied by the rules engine, labeled by operation",
		}, []string{"operation"}),
		ReadyStateChanges: factory.NewCounter(prometheus.CounterOpts{
			Name: "relaymesh_ready_state_changes_total",
			Help: "Total ready-state-changed events emitted",
		}),
		SyncLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relaymesh_sync_latency_seconds",
			Help:    "Time from sync-request to the matching sync-response being applied",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
		}),
	}
}
