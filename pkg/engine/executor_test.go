package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/lexsight/lattice/pkg/audit"
	"github.com/lexsight/lattice/pkg/domain"
	"github.com/lexsight/lattice/pkg/engine/runtime"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// detUnit adapts a function to a Unit that declares determinism.
type detUnit func(ctx context.Context, text string, metadata map[string]any) (runtime.Outcome, error)

func (f detUnit) Apply(ctx context.Context, text string, metadata map[string]any) (runtime.Outcome, error) {
	return f(ctx, text, metadata)
}

func (f detUnit) Deterministic() bool { return true }

func staticFactory(unit runtime.Unit) Factory {
	return func(domain.ConstraintSpec) (runtime.Unit, error) { return unit, nil }
}

func transformUnit(fn func(string) string) runtime.Unit {
	return detUnit(func(_ context.Context, text string, metadata map[string]any) (runtime.Outcome, error) {
		out := fn(text)
		if out == text {
			return runtime.Pass(text, metadata), nil
		}
		return runtime.Modified(out, metadata), nil
	})
}

// flipUnit oscillates between two values and therefore never converges.
func flipUnit() runtime.Unit {
	return transformUnit(func(text string) string {
		if text == "tick" {
			return "tock"
		}
		return "tick"
	})
}

func denyUnit(word string) runtime.Unit {
	return detUnit(func(_ context.Context, text string, metadata map[string]any) (runtime.Outcome, error) {
		if strings.Contains(text, word) {
			return runtime.Reject(text, metadata, fmt.Sprintf("contains %q", word)), nil
		}
		return runtime.Pass(text, metadata), nil
	})
}

func newTestRegistry() *Registry {
	reg := NewRegistry(testLogger())
	reg.Register(domain.KindRewrite, "lower", staticFactory(transformUnit(strings.ToLower)))
	reg.Register(domain.KindRewrite, "trim", staticFactory(transformUnit(strings.TrimSpace)))
	reg.Register(domain.KindRewrite, "flip", staticFactory(flipUnit()))
	reg.Register(domain.KindValidate, "deny", staticFactory(denyUnit("forbidden")))
	return reg
}

func newTestExecutor(opts ...Option) *Executor {
	return NewExecutor(ExecutorConfig{
		Registry: newTestRegistry(),
		Logger:   testLogger(),
	}, opts...)
}

func spec(id string, kind domain.ConstraintKind) domain.ConstraintSpec {
	return domain.ConstraintSpec{ID: id, Kind: kind}
}

func TestRunLowercaseConverges(t *testing.T) {
	exec := newTestExecutor()

	result, err := exec.Run(context.Background(), domain.PipelineRequest{
		RunID:       "run-lower",
		InputText:   "HELLO world",
		Constraints: []domain.ConstraintSpec{spec("lower", domain.KindRewrite)},
		MaxPasses:   5,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.FinalText != "hello world" {
		t.Fatalf("final text = %q, want %q", result.FinalText, "hello world")
	}
	if !result.Converged || result.TerminalReason != domain.TerminalConverged {
		t.Fatalf("expected convergence, got %+v", result)
	}
	if result.PassesExecuted != 2 {
		t.Fatalf("passes executed = %d, want 2", result.PassesExecuted)
	}
	if len(result.AuditTrail) != 2 {
		t.Fatalf("audit trail has %d events, want 2", len(result.AuditTrail))
	}
	if result.AuditTrail[0].ActionTaken != domain.ActionRewrote {
		t.Fatalf("first event action = %v, want rewrote", result.AuditTrail[0].ActionTaken)
	}
	if result.AuditTrail[1].ActionTaken != domain.ActionNone {
		t.Fatalf("second event action = %v, want none", result.AuditTrail[1].ActionTaken)
	}
	if result.RunID != "run-lower" {
		t.Fatalf("run id = %q, want run-lower", result.RunID)
	}
	if err := audit.VerifyRun("HELLO world", result.AuditTrail); err != nil {
		t.Fatalf("trail does not verify: %v", err)
	}
}

func TestRunEmptyConstraintList(t *testing.T) {
	exec := newTestExecutor()

	result, err := exec.Run(context.Background(), domain.PipelineRequest{
		InputText: "unchanged",
		MaxPasses: 3,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if !result.Converged || result.PassesExecuted != 1 {
		t.Fatalf("empty pipeline should converge in one pass, got %+v", result)
	}
	if result.FinalText != "unchanged" {
		t.Fatalf("final text = %q, want input unchanged", result.FinalText)
	}
	if len(result.AuditTrail) != 0 {
		t.Fatalf("expected no audit events, got %d", len(result.AuditTrail))
	}
}

func TestRunValidateRejects(t *testing.T) {
	exec := newTestExecutor()

	result, err := exec.Run(context.Background(), domain.PipelineRequest{
		InputText:   "this is forbidden text",
		Constraints: []domain.ConstraintSpec{spec("deny", domain.KindValidate)},
		MaxPasses:   3,
	})
	if err != nil {
		t.Fatalf("rejection is an outcome, not an error: %v", err)
	}

	if !result.Rejected() {
		t.Fatalf("expected rejected result, got %+v", result)
	}
	if result.Converged {
		t.Fatalf("rejected run must not report convergence")
	}
	if result.PassesExecuted != 1 {
		t.Fatalf("passes executed = %d, want 1", result.PassesExecuted)
	}
	if result.FinalText != "this is forbidden text" {
		t.Fatalf("rejection must not modify text, got %q", result.FinalText)
	}

	if len(result.AuditTrail) != 1 {
		t.Fatalf("audit trail has %d events, want 1", len(result.AuditTrail))
	}
	event := result.AuditTrail[0]
	if event.ActionTaken != domain.ActionRejected {
		t.Fatalf("event action = %v, want rejected", event.ActionTaken)
	}
	if event.InputHash != event.OutputHash {
		t.Fatalf("rejection event must not change the text hash")
	}
	if reason, ok := event.Detail["reason"].(string); !ok || reason == "" {
		t.Fatalf("rejection event missing reason detail: %+v", event.Detail)
	}
	if err := result.RejectionError(); !errors.Is(err, domain.ErrRejectedByPolicy) {
		t.Fatalf("RejectionError = %v, want ErrRejectedByPolicy", err)
	}
	if err := audit.VerifyRun("this is forbidden text", result.AuditTrail); err != nil {
		t.Fatalf("partial trail does not verify: %v", err)
	}
}

func TestRunOscillationExhaustsPasses(t *testing.T) {
	exec := newTestExecutor()

	result, err := exec.Run(context.Background(), domain.PipelineRequest{
		InputText:   "tick",
		Constraints: []domain.ConstraintSpec{spec("flip", domain.KindRewrite)},
		MaxPasses:   3,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.TerminalReason != domain.TerminalMaxPassesExhausted {
		t.Fatalf("terminal reason = %v, want max_passes_exhausted", result.TerminalReason)
	}
	if result.Converged {
		t.Fatalf("exhausted run must not report convergence")
	}
	if result.PassesExecuted != 3 {
		t.Fatalf("passes executed = %d, want 3", result.PassesExecuted)
	}
	if len(result.AuditTrail) != 3 {
		t.Fatalf("audit trail has %d events, want 3", len(result.AuditTrail))
	}
	if result.FinalText != "tock" {
		t.Fatalf("final text = %q, want tock after 3 flips", result.FinalText)
	}
}

func TestRunMultiConstraintChain(t *testing.T) {
	exec := newTestExecutor()
	input := "  MIXED Case Text  "

	result, err := exec.Run(context.Background(), domain.PipelineRequest{
		InputText: input,
		Constraints: []domain.ConstraintSpec{
			spec("trim", domain.KindRewrite),
			spec("lower", domain.KindRewrite),
			spec("deny", domain.KindValidate),
		},
		MaxPasses: 5,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.FinalText != "mixed case text" {
		t.Fatalf("final text = %q", result.FinalText)
	}
	if !result.Converged || result.PassesExecuted != 2 {
		t.Fatalf("expected convergence in 2 passes, got %+v", result)
	}
	// Two passes over three constraints.
	if len(result.AuditTrail) != 6 {
		t.Fatalf("audit trail has %d events, want 6", len(result.AuditTrail))
	}

	for i := 1; i < len(result.AuditTrail); i++ {
		prev, cur := result.AuditTrail[i-1], result.AuditTrail[i]
		if prev.OutputHash != cur.InputHash {
			t.Fatalf("chain broken between events %d and %d", i-1, i)
		}
	}
	for i, event := range result.AuditTrail {
		if event.PassIndex != i/3 || event.OrderIndex != i%3 {
			t.Fatalf("event %d has position (%d,%d), want (%d,%d)",
				i, event.PassIndex, event.OrderIndex, i/3, i%3)
		}
	}
	if err := audit.VerifyRun(input, result.AuditTrail); err != nil {
		t.Fatalf("trail does not verify: %v", err)
	}
}

func TestRunCancellationMidRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := newTestRegistry()
	reg.Register(domain.KindRewrite, "cancel-run", staticFactory(
		detUnit(func(_ context.Context, text string, metadata map[string]any) (runtime.Outcome, error) {
			cancel()
			return runtime.Pass(text, metadata), nil
		}),
	))
	exec := NewExecutor(ExecutorConfig{Registry: reg, Logger: testLogger()})

	result, err := exec.Run(ctx, domain.PipelineRequest{
		InputText: "text",
		Constraints: []domain.ConstraintSpec{
			spec("cancel-run", domain.KindRewrite),
			spec("lower", domain.KindRewrite),
		},
		MaxPasses: 3,
	})
	if err != nil {
		t.Fatalf("cancellation is an outcome, not an error: %v", err)
	}

	if result.TerminalReason != domain.TerminalCancelled {
		t.Fatalf("terminal reason = %v, want cancelled", result.TerminalReason)
	}
	if result.PassesExecuted != 1 {
		t.Fatalf("passes executed = %d, want 1", result.PassesExecuted)
	}
	// The cancelling constraint completed, the next one never started.
	if len(result.AuditTrail) != 1 {
		t.Fatalf("audit trail has %d events, want 1", len(result.AuditTrail))
	}
	if err := audit.VerifyChain(result.AuditTrail); err != nil {
		t.Fatalf("partial trail does not verify: %v", err)
	}
}

func TestRunPreCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	exec := newTestExecutor()
	result, err := exec.Run(ctx, domain.PipelineRequest{
		InputText:   "text",
		Constraints: []domain.ConstraintSpec{spec("lower", domain.KindRewrite)},
		MaxPasses:   3,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if result.TerminalReason != domain.TerminalCancelled {
		t.Fatalf("terminal reason = %v, want cancelled", result.TerminalReason)
	}
	if len(result.AuditTrail) != 0 {
		t.Fatalf("no constraint ran, trail should be empty, got %d events", len(result.AuditTrail))
	}
}

func TestRunGenerationFailureEscalates(t *testing.T) {
	reg := newTestRegistry()
	reg.Register(domain.KindRegenerate, "regen-down", staticFactory(
		runtime.UnitFunc(func(context.Context, string, map[string]any) (runtime.Outcome, error) {
			return runtime.Outcome{}, fmt.Errorf("%w: backend down", domain.ErrGenerationUnavailable)
		}),
	))
	exec := NewExecutor(ExecutorConfig{Registry: reg, Logger: testLogger()})

	result, err := exec.Run(context.Background(), domain.PipelineRequest{
		InputText:   "needs regeneration",
		Constraints: []domain.ConstraintSpec{spec("regen-down", domain.KindRegenerate)},
		MaxPasses:   3,
	})
	if err != nil {
		t.Fatalf("generation failure escalates to rejection, not an error: %v", err)
	}

	if !result.Rejected() {
		t.Fatalf("expected rejected result, got %+v", result)
	}
	if result.FinalText != "needs regeneration" {
		t.Fatalf("escalation must not modify text, got %q", result.FinalText)
	}
	if len(result.AuditTrail) != 1 {
		t.Fatalf("audit trail has %d events, want 1", len(result.AuditTrail))
	}
	event := result.AuditTrail[0]
	if event.ActionTaken != domain.ActionRejected {
		t.Fatalf("event action = %v, want rejected", event.ActionTaken)
	}
	if escalated, _ := event.Detail["escalated"].(bool); !escalated {
		t.Fatalf("event detail should mark the escalation: %+v", event.Detail)
	}
}

func TestRunUnitFaultReturnsError(t *testing.T) {
	reg := newTestRegistry()
	reg.Register(domain.KindRewrite, "boom", staticFactory(
		runtime.UnitFunc(func(context.Context, string, map[string]any) (runtime.Outcome, error) {
			return runtime.Outcome{}, errors.New("boom")
		}),
	))
	exec := NewExecutor(ExecutorConfig{Registry: reg, Logger: testLogger()})

	result, err := exec.Run(context.Background(), domain.PipelineRequest{
		InputText: "TEXT",
		Constraints: []domain.ConstraintSpec{
			spec("lower", domain.KindRewrite),
			spec("boom", domain.KindRewrite),
		},
		MaxPasses: 3,
	})
	if err == nil {
		t.Fatalf("expected unit fault to surface as an error")
	}
	if !strings.Contains(err.Error(), `"boom"`) {
		t.Fatalf("error should name the faulting constraint: %v", err)
	}

	// The first constraint's event survives in the partial trail.
	if len(result.AuditTrail) != 1 {
		t.Fatalf("partial trail has %d events, want 1", len(result.AuditTrail))
	}
	if result.TerminalReason != "" {
		t.Fatalf("faulted run has no terminal reason, got %v", result.TerminalReason)
	}
}

func TestRunConfigurationErrors(t *testing.T) {
	exec := newTestExecutor()

	_, err := exec.Run(context.Background(), domain.PipelineRequest{
		InputText:   "text",
		Constraints: []domain.ConstraintSpec{spec("nonexistent", domain.KindRewrite)},
		MaxPasses:   3,
	})
	if !errors.Is(err, domain.ErrUnknownConstraintKind) {
		t.Fatalf("expected ErrUnknownConstraintKind, got %v", err)
	}

	_, err = exec.Run(context.Background(), domain.PipelineRequest{
		InputText:   "text",
		Constraints: []domain.ConstraintSpec{spec("lower", domain.KindRewrite)},
		MaxPasses:   0,
	})
	if !errors.Is(err, domain.ErrInvalidMaxPasses) {
		t.Fatalf("expected ErrInvalidMaxPasses, got %v", err)
	}

	_, err = exec.Run(context.Background(), domain.PipelineRequest{
		InputText: "text",
		Constraints: []domain.ConstraintSpec{
			spec("lower", domain.KindRewrite),
			spec("lower", domain.KindRewrite),
		},
		MaxPasses: 3,
	})
	if !errors.Is(err, domain.ErrInvalidParameters) {
		t.Fatalf("expected duplicate id error, got %v", err)
	}
}

func TestRunAssignsRunID(t *testing.T) {
	exec := newTestExecutor()

	result, err := exec.Run(context.Background(), domain.PipelineRequest{
		InputText: "text",
		MaxPasses: 1,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.RunID == "" {
		t.Fatalf("expected an assigned run id")
	}

	exec = newTestExecutor(WithRunIDFunc(func() string { return "fixed-id" }))
	result, err = exec.Run(context.Background(), domain.PipelineRequest{
		InputText: "text",
		MaxPasses: 1,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.RunID != "fixed-id" {
		t.Fatalf("run id = %q, want fixed-id", result.RunID)
	}
}

func TestDeterministicOnlyRefusesOpaqueUnits(t *testing.T) {
	reg := newTestRegistry()
	// UnitFunc does not declare determinism.
	reg.Register(domain.KindRewrite, "opaque", staticFactory(
		runtime.UnitFunc(func(_ context.Context, text string, metadata map[string]any) (runtime.Outcome, error) {
			return runtime.Pass(text, metadata), nil
		}),
	))
	exec := NewExecutor(ExecutorConfig{Registry: reg, Logger: testLogger()}, WithDeterministicOnly())

	_, err := exec.Run(context.Background(), domain.PipelineRequest{
		InputText:   "text",
		Constraints: []domain.ConstraintSpec{spec("opaque", domain.KindRewrite)},
		MaxPasses:   3,
	})
	if !errors.Is(err, domain.ErrNonDeterministicPipeline) {
		t.Fatalf("expected ErrNonDeterministicPipeline, got %v", err)
	}

	result, err := exec.Run(context.Background(), domain.PipelineRequest{
		InputText:   "TEXT",
		Constraints: []domain.ConstraintSpec{spec("lower", domain.KindRewrite)},
		MaxPasses:   3,
	})
	if err != nil {
		t.Fatalf("deterministic pipeline should run: %v", err)
	}
	if result.FinalText != "text" {
		t.Fatalf("final text = %q", result.FinalText)
	}
}

func TestRunValidateModifyingTextFaults(t *testing.T) {
	reg := newTestRegistry()
	reg.Register(domain.KindValidate, "mutating", staticFactory(
		detUnit(func(_ context.Context, text string, metadata map[string]any) (runtime.Outcome, error) {
			return runtime.Modified(text+" mutated", metadata), nil
		}),
	))
	exec := NewExecutor(ExecutorConfig{Registry: reg, Logger: testLogger()})

	_, err := exec.Run(context.Background(), domain.PipelineRequest{
		InputText:   "text",
		Constraints: []domain.ConstraintSpec{spec("mutating", domain.KindValidate)},
		MaxPasses:   3,
	})
	if err == nil || !strings.Contains(err.Error(), "must not modify") {
		t.Fatalf("expected contract violation error, got %v", err)
	}
}

func TestRunRewriteRejectingFaults(t *testing.T) {
	reg := newTestRegistry()
	reg.Register(domain.KindRewrite, "rejecting", staticFactory(
		detUnit(func(_ context.Context, text string, metadata map[string]any) (runtime.Outcome, error) {
			return runtime.Reject(text, metadata, "rewrite gone rogue"), nil
		}),
	))
	exec := NewExecutor(ExecutorConfig{Registry: reg, Logger: testLogger()})

	_, err := exec.Run(context.Background(), domain.PipelineRequest{
		InputText:   "text",
		Constraints: []domain.ConstraintSpec{spec("rejecting", domain.KindRewrite)},
		MaxPasses:   3,
	})
	if err == nil || !strings.Contains(err.Error(), "must not reject") {
		t.Fatalf("expected contract violation error, got %v", err)
	}
}

func TestRunPropagatesMetadata(t *testing.T) {
	var seen any
	reg := newTestRegistry()
	reg.Register(domain.KindRewrite, "tag", staticFactory(
		detUnit(func(_ context.Context, text string, metadata map[string]any) (runtime.Outcome, error) {
			next := map[string]any{"tagged": true}
			for k, v := range metadata {
				next[k] = v
			}
			return runtime.Pass(text, next), nil
		}),
	))
	reg.Register(domain.KindRewrite, "observe", staticFactory(
		detUnit(func(_ context.Context, text string, metadata map[string]any) (runtime.Outcome, error) {
			seen = metadata["tagged"]
			return runtime.Pass(text, metadata), nil
		}),
	))
	exec := NewExecutor(ExecutorConfig{Registry: reg, Logger: testLogger()})

	_, err := exec.Run(context.Background(), domain.PipelineRequest{
		InputText: "text",
		Constraints: []domain.ConstraintSpec{
			spec("tag", domain.KindRewrite),
			spec("observe", domain.KindRewrite),
		},
		MaxPasses: 1,
		Metadata:  map[string]any{"origin": "test"},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if tagged, _ := seen.(bool); !tagged {
		t.Fatalf("metadata from the first constraint should reach the second, saw %v", seen)
	}
}

func TestRunWithClockStampsEvents(t *testing.T) {
	fixed := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	exec := newTestExecutor(WithClock(func() time.Time { return fixed }))

	result, err := exec.Run(context.Background(), domain.PipelineRequest{
		InputText:   "HELLO",
		Constraints: []domain.ConstraintSpec{spec("lower", domain.KindRewrite)},
		MaxPasses:   3,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	for i, event := range result.AuditTrail {
		if !event.Timestamp.Equal(fixed) {
			t.Fatalf("event %d timestamp = %v, want %v", i, event.Timestamp, fixed)
		}
	}
}

func TestPreflight(t *testing.T) {
	exec := newTestExecutor()

	err := exec.Preflight(domain.PipelineRequest{
		InputText:   "text",
		Constraints: []domain.ConstraintSpec{spec("lower", domain.KindRewrite)},
		MaxPasses:   3,
	})
	if err != nil {
		t.Fatalf("valid request should preflight: %v", err)
	}

	err = exec.Preflight(domain.PipelineRequest{
		InputText:   "text",
		Constraints: []domain.ConstraintSpec{spec("nonexistent", domain.KindValidate)},
		MaxPasses:   3,
	})
	if !errors.Is(err, domain.ErrUnknownConstraintKind) {
		t.Fatalf("expected ErrUnknownConstraintKind, got %v", err)
	}
}

func TestRunConcurrentRunsIsolated(t *testing.T) {
	exec := newTestExecutor()

	const runs = 16
	type outcome struct {
		result domain.PipelineResult
		err    error
	}
	results := make(chan outcome, runs)

	for i := 0; i < runs; i++ {
		go func(n int) {
			result, err := exec.Run(context.Background(), domain.PipelineRequest{
				RunID:       fmt.Sprintf("run-%d", n),
				InputText:   fmt.Sprintf("TEXT-%d", n),
				Constraints: []domain.ConstraintSpec{spec("lower", domain.KindRewrite)},
				MaxPasses:   3,
			})
			results <- outcome{result, err}
		}(i)
	}

	for i := 0; i < runs; i++ {
		out := <-results
		if out.err != nil {
			t.Fatalf("concurrent run failed: %v", out.err)
		}
		want := strings.ToLower(strings.TrimPrefix(out.result.RunID, "run-"))
		if !strings.HasSuffix(out.result.FinalText, want) {
			t.Fatalf("run %s produced %q", out.result.RunID, out.result.FinalText)
		}
		if len(out.result.AuditTrail) != 2 {
			t.Fatalf("run %s trail has %d events, want 2", out.result.RunID, len(out.result.AuditTrail))
		}
		for _, event := range out.result.AuditTrail {
			if event.RunID != out.result.RunID {
				t.Fatalf("event from run %s leaked into %s", event.RunID, out.result.RunID)
			}
		}
	}
}
