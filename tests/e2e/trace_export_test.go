package e2e

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/lexsight/lattice/pkg/domain"
	"github.com/lexsight/lattice/pkg/engine"
	"github.com/lexsight/lattice/pkg/engine/constraints"
	"github.com/lexsight/lattice/pkg/gen"
	"github.com/lexsight/lattice/pkg/telemetry"
)

// TestPipelineSpansExportOverOTLP wires the tracer provider to an in-process
// OTLP collector, runs one pipeline, and checks the exported span topology:
// one pipeline.run parent and one constraint.apply child per invocation.
func TestPipelineSpansExportOverOTLP(t *testing.T) {
	collector, addr := startTraceCollector(t)

	ctx := context.Background()
	shutdown, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: "lattice-e2e",
		Endpoint:    addr,
		Insecure:    true,
	})
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := engine.NewRegistry(logger)
	constraints.RegisterBuiltins(registry, constraints.Dependencies{
		Generator: gen.NewStaticGenerator("replacement"),
		Logger:    logger,
	})
	executor := engine.NewExecutor(engine.ExecutorConfig{
		Registry: registry,
		Logger:   logger,
	})

	result, err := executor.Run(ctx, domain.PipelineRequest{
		RunID:     "e2e-trace",
		InputText: "  SPAN Test  ",
		MaxPasses: 4,
		Constraints: []domain.ConstraintSpec{
			{ID: "trim", Kind: domain.KindRewrite},
			{ID: "lower", Kind: domain.KindRewrite},
		},
	})
	require.NoError(t, err)
	require.Equal(t, domain.TerminalConverged, result.TerminalReason)

	// Shutdown flushes the batcher; only then is the full trace on the wire.
	require.NoError(t, shutdown(ctx))

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	spans := collector.WaitForSpans(waitCtx, 5)
	require.Len(t, spans, 5, "one run span plus two constraints over two passes")

	var runSpan *tracepb.Span
	var constraintSpans []*tracepb.Span
	for _, span := range spans {
		switch span.Name {
		case "pipeline.run":
			runSpan = span
		case "constraint.apply":
			constraintSpans = append(constraintSpans, span)
		default:
			t.Errorf("unexpected span %q", span.Name)
		}
	}

	require.NotNil(t, runSpan)
	assert.Equal(t, "e2e-trace", spanAttribute(runSpan, "run.id"))
	assert.Equal(t, "converged", spanAttribute(runSpan, "run.terminal_reason"))

	require.Len(t, constraintSpans, 4)
	actions := map[string]int{}
	for _, span := range constraintSpans {
		assert.Equal(t, runSpan.SpanId, span.ParentSpanId,
			"constraint spans nest under the run span")
		assert.Equal(t, runSpan.TraceId, span.TraceId)
		actions[spanAttribute(span, "constraint.action")]++
	}
	assert.Equal(t, 2, actions["rewrote"], "first pass rewrites twice")
	assert.Equal(t, 2, actions["none"], "second pass is a fixed point")
}
