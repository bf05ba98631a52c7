// Package metrics exposes the ambient observability surface for a
// replica. The spec's core is silent on metrics — non-goals never
// named it either — so this mirrors the teacher's pkg/metrics shape
// but scoped to what the consensus and CRDT engines can actually
// report: term/commit progress, delivery counts, anti-entropy rounds.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the counters and gauges for one replica process. Each
// instance owns its own registry so unit tests can construct several
// without hitting prometheus's global-registration panic.
type Metrics struct {
	registry *prometheus.Registry

	CurrentTerm     prometheus.Gauge
	CommitIndex     prometheus.Gauge
	ElectionsTotal  prometheus.Counter
	EntriesApplied  prometheus.Counter
	RCBDelivered    prometheus.Counter
	RCBRetransmits  prometheus.Counter
	AntiEntropyRuns prometheus.Counter
}

// New creates a fresh, independently registered Metrics instance.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		CurrentTerm: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "current_term", Help: "Current Raft term observed by this replica.",
		}),
		CommitIndex: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "commit_index", Help: "Highest committed log index.",
		}),
		ElectionsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "elections_started_total", Help: "Number of elections this replica has started.",
		}),
		EntriesApplied: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "entries_applied_total", Help: "Number of log entries applied to the state machine.",
		}),
		RCBDelivered: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rcb_delivered_total", Help: "Number of causal broadcast messages delivered.",
		}),
		RCBRetransmits: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rcb_retransmits_total", Help: "Number of pending-message retransmits fired.",
		}),
		AntiEntropyRuns: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "anti_entropy_rounds_total", Help: "Number of anti-entropy SYNC rounds broadcast.",
		}),
	}
	return m
}

// Handler returns the HTTP handler serving this instance's metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
