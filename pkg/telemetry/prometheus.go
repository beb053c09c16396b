package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RunMetrics holds the Prometheus metrics for the constraint engine. Every
// instance owns a private registry so concurrent engines (or tests) never
// collide on metric registration.
type RunMetrics struct {
	runsTotal             *prometheus.CounterVec
	runDuration           prometheus.Histogram
	passesPerRun          prometheus.Histogram
	inflightRuns          prometheus.Gauge
	constraintInvocations *prometheus.CounterVec
	constraintDuration    *prometheus.HistogramVec
	generationRetries     prometheus.Counter

	registry *prometheus.Registry
}

// NewRunMetrics creates a metrics instance with all engine metrics
// registered on a fresh registry.
func NewRunMetrics() *RunMetrics {
	registry := prometheus.NewRegistry()

	m := &RunMetrics{
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lattice_runs_total",
				Help: "Total number of pipeline runs by terminal reason",
			},
			[]string{"terminal_reason"},
		),

		runDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "lattice_run_duration_seconds",
				Help:    "Pipeline run latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),

		passesPerRun: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "lattice_passes_per_run",
				Help:    "Convergence passes executed per run",
				Buckets: []float64{1, 2, 3, 4, 5, 8, 10, 15, 20},
			},
		),

		inflightRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "lattice_inflight_runs",
				Help: "Number of pipeline runs currently executing",
			},
		),

		constraintInvocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lattice_constraint_invocations_total",
				Help: "Total number of constraint invocations by kind and action",
			},
			[]string{"kind", "action"},
		),

		constraintDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lattice_constraint_duration_seconds",
				Help:    "Constraint invocation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),

		generationRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "lattice_generation_retries_total",
				Help: "Total number of retried generation attempts",
			},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.runsTotal,
		m.runDuration,
		m.passesPerRun,
		m.inflightRuns,
		m.constraintInvocations,
		m.constraintDuration,
		m.generationRetries,
	)

	return m
}

// RunStarted marks a run as in flight.
func (m *RunMetrics) RunStarted() {
	if m == nil {
		return
	}
	m.inflightRuns.Inc()
}

// RecordRun records a completed run and clears its in-flight mark.
func (m *RunMetrics) RecordRun(terminalReason string, passes int, duration time.Duration) {
	if m == nil {
		return
	}
	m.inflightRuns.Dec()
	m.runsTotal.WithLabelValues(terminalReason).Inc()
	m.runDuration.Observe(duration.Seconds())
	m.passesPerRun.Observe(float64(passes))
}

// RecordInvocation records one constraint invocation.
func (m *RunMetrics) RecordInvocation(kind, action string, duration time.Duration) {
	if m == nil {
		return
	}
	m.constraintInvocations.WithLabelValues(kind, action).Inc()
	m.constraintDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// GenerationRetried counts one retried generation attempt.
func (m *RunMetrics) GenerationRetried() {
	if m == nil {
		return
	}
	m.generationRetries.Inc()
}

// Handler returns the Prometheus metrics HTTP handler for this registry.
func (m *RunMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the private Prometheus registry.
func (m *RunMetrics) Registry() *prometheus.Registry {
	return m.registry
}
