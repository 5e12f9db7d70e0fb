package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"secondmind/internal/perception"
)

// =============================================================================
// Prometheus Metrics for the research pipeline
// =============================================================================

// Metrics holds the pipeline's collectors on a private registry, so several
// pipelines (and tests) never collide on registration. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	// stageDuration measures each stage. Labels: stage, status.
	stageDuration *prometheus.HistogramVec

	// fallbacks counts stages that produced degraded output. Labels: stage.
	fallbacks *prometheus.CounterVec

	// cycles counts completed cycles.
	cycles prometheus.Counter

	// storeFailures counts failed context-store calls. Labels: op.
	storeFailures *prometheus.CounterVec

	// oracleCalls counts oracle calls. Labels: operation, outcome.
	oracleCalls *prometheus.CounterVec
}

// NewMetrics creates the collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		stageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "secondmind",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Stage execution time in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"stage", "status"}),
		fallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "secondmind",
			Subsystem: "pipeline",
			Name:      "fallbacks_total",
			Help:      "Stages that produced degraded output",
		}, []string{"stage"}),
		cycles: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "secondmind",
			Subsystem: "pipeline",
			Name:      "cycles_total",
			Help:      "Completed research cycles",
		}),
		storeFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "secondmind",
			Subsystem: "store",
			Name:      "failures_total",
			Help:      "Failed context store calls",
		}, []string{"op"}),
		oracleCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "secondmind",
			Subsystem: "oracle",
			Name:      "calls_total",
			Help:      "Oracle calls by operation and outcome",
		}, []string{"operation", "outcome"}),
	}
}

// RecordStage records one stage run.
func (m *Metrics) RecordStage(stage, status string, seconds float64) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage, status).Observe(seconds)
	if status != "success" {
		m.fallbacks.WithLabelValues(stage).Inc()
	}
}

// RecordCycle counts a completed cycle.
func (m *Metrics) RecordCycle() {
	if m == nil {
		return
	}
	m.cycles.Inc()
}

// StoreFailure counts a failed store call. It matches store.Client.OnFailure.
func (m *Metrics) StoreFailure(op string) {
	if m == nil {
		return
	}
	m.storeFailures.WithLabelValues(op).Inc()
}

// ObserveOracle counts an oracle call. It matches the TracedOracle observer.
func (m *Metrics) ObserveOracle(t perception.Trace) {
	if m == nil {
		return
	}
	outcome := "success"
	switch {
	case t.Err != nil:
		outcome = "error"
	case !t.Success:
		outcome = "empty"
	}
	m.oracleCalls.WithLabelValues(t.Operation, outcome).Inc()
}
