package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce              sync.Once
	metricsInitErr           error
	runCounter               metric.Int64Counter
	runPassHistogram         metric.Int64Histogram
	runLatencyHistogram      metric.Float64Histogram
	invocationCounter        metric.Int64Counter
	invocationLatencyHist    metric.Float64Histogram
	generationRetryCounter   metric.Int64Counter
	rejectionCounter         metric.Int64Counter
	auditEventGaugeHistogram metric.Int64Histogram
)

// RunMetricsData captures the fields recorded once per pipeline run.
type RunMetricsData struct {
	TerminalReason string
	Passes         int
	Events         int
	Duration       time.Duration
}

// InvocationMetricsData captures the fields recorded once per constraint
// invocation. Text never appears here; only identifiers and classifications.
type InvocationMetricsData struct {
	ConstraintID string
	Kind         string
	Action       string
	Changed      bool
	Duration     time.Duration
}

// RecordRunMetrics emits the per-run counters and histograms.
func RecordRunMetrics(ctx context.Context, data RunMetricsData) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("run.terminal_reason", data.TerminalReason),
	}

	runCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	runPassHistogram.Record(ctx, int64(data.Passes), metric.WithAttributes(attrs...))
	auditEventGaugeHistogram.Record(ctx, int64(data.Events), metric.WithAttributes(attrs...))

	if data.Duration > 0 {
		runLatencyHistogram.Record(ctx, float64(data.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}
	if data.TerminalReason == "rejected" {
		rejectionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordInvocationMetrics emits the per-invocation counter and latency
// histogram.
func RecordInvocationMetrics(ctx context.Context, data InvocationMetricsData) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("constraint.id", data.ConstraintID),
		attribute.String("constraint.kind", data.Kind),
		attribute.String("constraint.action", data.Action),
		attribute.Bool("constraint.changed", data.Changed),
	}

	invocationCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	if data.Duration > 0 {
		invocationLatencyHist.Record(ctx, float64(data.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}
}

// RecordGenerationRetry counts one retried generation attempt against the
// named backend.
func RecordGenerationRetry(ctx context.Context, backend string) {
	if err := ensureMetrics(); err != nil {
		return
	}
	generationRetryCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("generation.backend", backend),
	))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter(TracerName)

		runCounter, metricsInitErr = meter.Int64Counter(
			"lattice.run.total",
			metric.WithDescription("Pipeline runs partitioned by terminal reason"),
			metric.WithUnit("{run}"),
		)
		if metricsInitErr != nil {
			return
		}

		runPassHistogram, metricsInitErr = meter.Int64Histogram(
			"lattice.run.passes",
			metric.WithDescription("Passes executed before the run terminated"),
			metric.WithUnit("{pass}"),
		)
		if metricsInitErr != nil {
			return
		}

		runLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"lattice.run.duration_ms",
			metric.WithDescription("Observed pipeline run latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		auditEventGaugeHistogram, metricsInitErr = meter.Int64Histogram(
			"lattice.run.audit_events",
			metric.WithDescription("Audit events recorded per run"),
			metric.WithUnit("{event}"),
		)
		if metricsInitErr != nil {
			return
		}

		invocationCounter, metricsInitErr = meter.Int64Counter(
			"lattice.constraint.invocations_total",
			metric.WithDescription("Constraint invocations partitioned by kind and action"),
			metric.WithUnit("{invocation}"),
		)
		if metricsInitErr != nil {
			return
		}

		invocationLatencyHist, metricsInitErr = meter.Float64Histogram(
			"lattice.constraint.duration_ms",
			metric.WithDescription("Observed constraint invocation latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		generationRetryCounter, metricsInitErr = meter.Int64Counter(
			"lattice.generation.retries_total",
			metric.WithDescription("Retried generation attempts"),
			metric.WithUnit("{retry}"),
		)
		if metricsInitErr != nil {
			return
		}

		rejectionCounter, metricsInitErr = meter.Int64Counter(
			"lattice.run.rejections_total",
			metric.WithDescription("Runs terminated by a rejecting constraint"),
			metric.WithUnit("{run}"),
		)
	})

	return metricsInitErr
}
