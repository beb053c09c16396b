package engine

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/lexsight/lattice/pkg/domain"
	"github.com/lexsight/lattice/pkg/telemetry"
)

func spanAttr(span sdktrace.ReadOnlySpan, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestRunEmitsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(provider)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	exec := newTestExecutor()
	result, err := exec.Run(context.Background(), domain.PipelineRequest{
		RunID:       "span-run",
		InputText:   "HELLO",
		Constraints: []domain.ConstraintSpec{spec("lower", domain.KindRewrite)},
		MaxPasses:   3,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !result.Converged {
		t.Fatalf("expected convergence, got %+v", result)
	}

	var runSpans, applySpans []sdktrace.ReadOnlySpan
	for _, span := range recorder.Ended() {
		switch span.Name() {
		case "pipeline.run":
			runSpans = append(runSpans, span)
		case "constraint.apply":
			applySpans = append(applySpans, span)
		}
	}

	if len(runSpans) != 1 {
		t.Fatalf("got %d pipeline.run spans, want 1", len(runSpans))
	}
	if len(applySpans) != 2 {
		t.Fatalf("got %d constraint.apply spans, want 2", len(applySpans))
	}

	if v, ok := spanAttr(runSpans[0], "run.terminal_reason"); !ok || v.AsString() != "converged" {
		t.Fatalf("run span terminal reason attribute = %v", v.AsString())
	}
	if v, ok := spanAttr(runSpans[0], "run.passes"); !ok || v.AsInt64() != 2 {
		t.Fatalf("run span passes attribute = %v", v.AsInt64())
	}

	if v, ok := spanAttr(applySpans[0], "constraint.action"); !ok || v.AsString() != "rewrote" {
		t.Fatalf("first apply span action = %v", v.AsString())
	}
	if v, ok := spanAttr(applySpans[1], "constraint.action"); !ok || v.AsString() != "none" {
		t.Fatalf("second apply span action = %v", v.AsString())
	}

	for _, span := range applySpans {
		if span.Parent().SpanID() != runSpans[0].SpanContext().SpanID() {
			t.Fatalf("apply span is not a child of the run span")
		}
	}
}

func TestRunEmitsOTelMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	telemetry.ResetMetricsForTest()
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		telemetry.ResetMetricsForTest()
	})

	exec := newTestExecutor()
	if _, err := exec.Run(context.Background(), domain.PipelineRequest{
		InputText:   "HELLO",
		Constraints: []domain.ConstraintSpec{spec("lower", domain.KindRewrite)},
		MaxPasses:   3,
	}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}

	if got := sumInt64Metric(t, rm, "lattice.run.total"); got != 1 {
		t.Fatalf("lattice.run.total = %d, want 1", got)
	}
	if got := sumInt64Metric(t, rm, "lattice.constraint.invocations_total"); got != 2 {
		t.Fatalf("lattice.constraint.invocations_total = %d, want 2", got)
	}
}

func TestRunRecordsPrometheusMetrics(t *testing.T) {
	metrics := telemetry.NewRunMetrics()
	exec := NewExecutor(ExecutorConfig{
		Registry: newTestRegistry(),
		Logger:   testLogger(),
		Metrics:  metrics,
	})

	if _, err := exec.Run(context.Background(), domain.PipelineRequest{
		InputText:   "HELLO",
		Constraints: []domain.ConstraintSpec{spec("lower", domain.KindRewrite)},
		MaxPasses:   3,
	}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	families, err := metrics.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	var runsTotal, invocations float64
	for _, family := range families {
		switch family.GetName() {
		case "lattice_runs_total":
			for _, m := range family.GetMetric() {
				runsTotal += m.GetCounter().GetValue()
			}
		case "lattice_constraint_invocations_total":
			for _, m := range family.GetMetric() {
				invocations += m.GetCounter().GetValue()
			}
		}
	}
	if runsTotal != 1 {
		t.Fatalf("lattice_runs_total = %v, want 1", runsTotal)
	}
	if invocations != 2 {
		t.Fatalf("lattice_constraint_invocations_total = %v, want 2", invocations)
	}
}

func sumInt64Metric(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	var total int64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %s is not an int64 sum", name)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}
