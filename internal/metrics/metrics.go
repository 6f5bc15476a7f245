// Package metrics exposes every counter/gauge/histogram spec.md names,
// wired through github.com/prometheus/client_golang the same way
// ManuGH-xg2g wires its own /metrics surface.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metric the scheduler emits. A fresh Registry can
// be built per test so parallel tests never collide on the default
// Prometheus registerer.
type Registry struct {
	reg *prometheus.Registry

	NoAvailableNodeTotal *prometheus.CounterVec
	ReserveAttemptTotal  *prometheus.CounterVec
	ResultGapTimeoutTotal prometheus.Counter
	EmptyFinalizeTotal    prometheus.Counter
	AckTimeoutTotal       *prometheus.CounterVec
	FailoverAttemptsTotal prometheus.Counter
	InvariantViolationTotal *prometheus.CounterVec
	DroppedStaleMessageTotal *prometheus.CounterVec
	DispatchLatencySeconds prometheus.Histogram
	NodeSelectionLatencySeconds prometheus.Histogram

	ActiveSessions prometheus.Gauge
	ActiveJobs     prometheus.Gauge
	ReadyNodes     prometheus.Gauge
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Registry{
		reg: reg,
		NoAvailableNodeTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "no_available_node_total",
			Help: "Count of job creations that failed to find an available node.",
		}, []string{"selector", "reason"}),
		ReserveAttemptTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "reserve_attempt_total",
			Help: "Count of node-slot reservation attempts.",
		}, []string{"result"}),
		ResultGapTimeoutTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "result_gap_timeout_total",
			Help: "Count of utterance indices skipped after the ack grace window expired.",
		}),
		EmptyFinalizeTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "empty_finalize_total",
			Help: "Count of finalize triggers that found an empty buffer.",
		}),
		AckTimeoutTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ack_timeout_total",
			Help: "Count of dispatched-job acknowledgement timeouts, by job prefix.",
		}, []string{"job_prefix"}),
		FailoverAttemptsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "failover_attempts_total",
			Help: "Count of job failover re-dispatch attempts.",
		}),
		InvariantViolationTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "invariant_violation_total",
			Help: "Count of detected invariant violations, by kind.",
		}, []string{"kind"}),
		DroppedStaleMessageTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dropped_stale_message_total",
			Help: "Count of stale/mismatched messages silently dropped, by kind.",
		}, []string{"kind"}),
		DispatchLatencySeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "dispatch_latency_seconds",
			Help:    "Latency from node selection to JobAssign send.",
			Buckets: prometheus.DefBuckets,
		}),
		NodeSelectionLatencySeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "node_selection_latency_seconds",
			Help:    "Latency of the two-level pool/node selection algorithm.",
			Buckets: prometheus.DefBuckets,
		}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{Name: "active_sessions", Help: "Current number of open sessions."}),
		ActiveJobs:     f.NewGauge(prometheus.GaugeOpts{Name: "active_jobs", Help: "Current number of non-terminal jobs."}),
		ReadyNodes:     f.NewGauge(prometheus.GaugeOpts{Name: "ready_nodes", Help: "Current number of Ready nodes."}),
	}
}

// Handler returns the /metrics HTTP handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
