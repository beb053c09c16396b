package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lexsight/lattice/pkg/audit"
	"github.com/lexsight/lattice/pkg/domain"
	"github.com/lexsight/lattice/pkg/engine/runtime"
	"github.com/lexsight/lattice/pkg/telemetry"
)

// Executor applies an ordered constraint list to one text until it converges,
// a constraint rejects it, or the pass limit is reached. Constraints within a
// run execute strictly sequentially; a single Executor is safe for concurrent
// use across runs.
type Executor struct {
	registry *Registry
	recorder *audit.Recorder
	logger   *slog.Logger
	metrics  *telemetry.RunMetrics

	deterministicOnly bool
	now               func() time.Time
	newRunID          func() string
}

// ExecutorConfig holds dependencies for creating an Executor.
type ExecutorConfig struct {
	// Registry resolves constraint specs to executable units. Required.
	Registry *Registry
	// Recorder keeps the per-run audit arenas. Nil creates a private one.
	Recorder *audit.Recorder
	// Logger receives run and invocation logs. Nil falls back to
	// slog.Default().
	Logger *slog.Logger
	// Metrics optionally records Prometheus run metrics.
	Metrics *telemetry.RunMetrics
}

// Option adjusts executor behaviour beyond its dependencies.
type Option func(*Executor)

// WithDeterministicOnly makes the executor refuse, before any audit event is
// recorded, any request whose constraints include a unit that does not
// declare deterministic behaviour. With the flag set, two runs over the same
// request are guaranteed to produce identical results and trails.
func WithDeterministicOnly() Option {
	return func(e *Executor) { e.deterministicOnly = true }
}

// WithClock overrides the timestamp source for audit events. Tests use it to
// produce stable trails.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// WithRunIDFunc overrides how run IDs are assigned to requests that do not
// carry one.
func WithRunIDFunc(newID func() string) Option {
	return func(e *Executor) {
		if newID != nil {
			e.newRunID = newID
		}
	}
}

// NewExecutor creates an executor with the given configuration.
func NewExecutor(cfg ExecutorConfig, opts ...Option) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry(logger)
	}

	recorder := cfg.Recorder
	if recorder == nil {
		recorder = audit.NewRecorder(logger)
	}

	executor := &Executor{
		registry: registry,
		recorder: recorder,
		logger:   logger.With("component", "engine.executor"),
		metrics:  cfg.Metrics,
		now:      time.Now,
		newRunID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(executor)
	}
	return executor
}

// Registry returns the registry the executor resolves constraints against.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// resolvedConstraint pairs a spec with its executable unit for the duration
// of one run.
type resolvedConstraint struct {
	spec domain.ConstraintSpec
	unit runtime.Unit
}

// Preflight validates a request and resolves every constraint without
// executing anything. It surfaces the same configuration errors Run would:
// invalid pass limits, duplicate or malformed specs, unknown operations,
// bad parameters, and determinism violations when the executor is
// restricted to deterministic pipelines.
func (e *Executor) Preflight(req domain.PipelineRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	_, err := e.resolveAll(req.Constraints)
	return err
}

// resolveAll resolves the full constraint list up front so configuration
// errors surface before any constraint runs or any audit event is recorded.
func (e *Executor) resolveAll(specs []domain.ConstraintSpec) ([]resolvedConstraint, error) {
	resolved := make([]resolvedConstraint, 0, len(specs))
	for _, spec := range specs {
		unit, err := e.registry.Resolve(spec)
		if err != nil {
			return nil, err
		}
		if e.deterministicOnly && !runtime.IsDeterministic(unit) {
			return nil, fmt.Errorf("%w: constraint %q (%s)",
				domain.ErrNonDeterministicPipeline, spec.ID, spec.Kind)
		}
		resolved = append(resolved, resolvedConstraint{spec: spec, unit: unit})
	}
	return resolved, nil
}

// Run executes one pipeline request to a terminal state.
//
// Configuration errors (invalid max passes, unresolvable constraints,
// determinism violations) return before any audit event exists. Every other
// termination (convergence, rejection, pass exhaustion, cancellation)
// returns a result carrying the finalized trail up to that point; rejection
// and cancellation are outcomes, not errors. A non-nil error alongside a
// populated result means the run failed mid-flight (a unit fault or an audit
// write failure) and the partial trail is attached.
func (e *Executor) Run(ctx context.Context, req domain.PipelineRequest) (domain.PipelineResult, error) {
	if err := req.Validate(); err != nil {
		return domain.PipelineResult{}, err
	}
	resolved, err := e.resolveAll(req.Constraints)
	if err != nil {
		return domain.PipelineResult{}, err
	}

	runID := req.RunID
	if runID == "" {
		runID = e.newRunID()
	}

	tracer := otel.Tracer(telemetry.TracerName)
	ctx, span := tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.Int("pipeline.constraints", len(resolved)),
		attribute.Int("pipeline.max_passes", req.MaxPasses),
	))
	defer span.End()

	if err := e.recorder.Begin(runID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.PipelineResult{}, err
	}
	defer e.recorder.Release(runID)

	e.metrics.RunStarted()
	start := time.Now()

	e.logger.Info("pipeline run starting",
		"run_id", runID,
		"constraints", len(resolved),
		"max_passes", req.MaxPasses,
		"input_hash", audit.HashText(req.InputText),
	)

	result, runErr := e.executePasses(ctx, tracer, span, runID, req, resolved)
	result.RunID = runID

	trail, finalizeErr := e.recorder.Finalize(runID)
	if finalizeErr != nil && runErr == nil {
		runErr = finalizeErr
	}
	result.AuditTrail = trail

	duration := time.Since(start)
	reasonLabel := string(result.TerminalReason)
	if reasonLabel == "" {
		reasonLabel = "error"
	}
	span.SetAttributes(
		attribute.String("run.terminal_reason", reasonLabel),
		attribute.Int("run.passes", result.PassesExecuted),
		attribute.Bool("run.converged", result.Converged),
		attribute.Int("run.audit_events", len(result.AuditTrail)),
		attribute.String("text.final_hash", audit.HashText(result.FinalText)),
	)
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	}

	telemetry.RecordRunMetrics(ctx, telemetry.RunMetricsData{
		TerminalReason: reasonLabel,
		Passes:         result.PassesExecuted,
		Events:         len(result.AuditTrail),
		Duration:       duration,
	})
	e.metrics.RecordRun(reasonLabel, result.PassesExecuted, duration)

	if runErr != nil {
		e.logger.Error("pipeline run failed",
			"run_id", runID,
			"error", runErr,
			"audit_events", len(result.AuditTrail),
		)
		return result, runErr
	}

	e.logger.Info("pipeline run finished",
		"run_id", runID,
		"terminal_reason", result.TerminalReason,
		"converged", result.Converged,
		"passes", result.PassesExecuted,
		"audit_events", len(result.AuditTrail),
	)
	return result, nil
}

// executePasses drives the convergence loop: constraints in configured order
// within each pass, text changes propagating to the next constraint, until a
// full pass changes nothing, a constraint rejects, the pass limit is hit, or
// the caller cancels.
func (e *Executor) executePasses(
	ctx context.Context,
	tracer trace.Tracer,
	runSpan trace.Span,
	runID string,
	req domain.PipelineRequest,
	resolved []resolvedConstraint,
) (domain.PipelineResult, error) {
	text := req.InputText
	metadata := req.Metadata

	for pass := 0; ; {
		anyChange := false

		for order, rc := range resolved {
			// Cancellation is observed between invocations, never
			// mid-constraint.
			if ctx.Err() != nil {
				e.logger.Warn("pipeline run cancelled",
					"run_id", runID,
					"pass_index", pass,
					"order_index", order,
				)
				return domain.PipelineResult{
					FinalText:      text,
					Converged:      false,
					PassesExecuted: pass + 1,
					TerminalReason: domain.TerminalCancelled,
				}, nil
			}

			inv, err := e.applyConstraint(ctx, tracer, runID, pass, order, rc, text, metadata)
			if err != nil {
				if isCancellation(ctx, err) {
					return domain.PipelineResult{
						FinalText:      text,
						Converged:      false,
						PassesExecuted: pass + 1,
						TerminalReason: domain.TerminalCancelled,
					}, nil
				}
				// Fault: no terminal reason, the error is authoritative.
				// The partial trail still finalizes for forensics.
				return domain.PipelineResult{
					FinalText:      text,
					Converged:      false,
					PassesExecuted: pass + 1,
				}, err
			}

			if inv.action == domain.ActionRejected {
				telemetry.RecordRejection(runSpan, rc.spec.ID, inv.reason)
				e.logger.Warn("constraint rejected text",
					"run_id", runID,
					"constraint_id", rc.spec.ID,
					"pass_index", pass,
					"reason", inv.reason,
				)
				return domain.PipelineResult{
					FinalText:      text,
					Converged:      false,
					PassesExecuted: pass + 1,
					TerminalReason: domain.TerminalRejected,
				}, nil
			}

			if inv.changed {
				text = inv.text
				anyChange = true
			}
			if inv.metadata != nil {
				metadata = inv.metadata
			}
		}

		pass++

		if !anyChange {
			return domain.PipelineResult{
				FinalText:      text,
				Converged:      true,
				PassesExecuted: pass,
				TerminalReason: domain.TerminalConverged,
			}, nil
		}
		if pass >= req.MaxPasses {
			e.logger.Warn("pipeline exhausted pass limit before converging",
				"run_id", runID,
				"max_passes", req.MaxPasses,
			)
			return domain.PipelineResult{
				FinalText:      text,
				Converged:      false,
				PassesExecuted: pass,
				TerminalReason: domain.TerminalMaxPassesExhausted,
			}, nil
		}
	}
}

// invocationResult is the executor's normalized view of one constraint
// application.
type invocationResult struct {
	text     string
	changed  bool
	action   domain.ActionTaken
	metadata map[string]any
	reason   string
}

// applyConstraint invokes one unit, enforces its kind contract, records the
// audit event and emits telemetry. Generation failures that survived the
// boundary's retries escalate to a rejection event rather than an error.
func (e *Executor) applyConstraint(
	ctx context.Context,
	tracer trace.Tracer,
	runID string,
	pass, order int,
	rc resolvedConstraint,
	text string,
	metadata map[string]any,
) (invocationResult, error) {
	invCtx, span := tracer.Start(ctx, "constraint.apply", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.Int("pass.index", pass),
		attribute.Int("order.index", order),
	))
	defer span.End()

	start := time.Now()
	outcome, applyErr := rc.unit.Apply(invCtx, text, metadata)
	duration := time.Since(start)

	inputHash := audit.HashText(text)

	if applyErr != nil {
		if isCancellation(ctx, applyErr) {
			span.SetStatus(codes.Error, "cancelled")
			return invocationResult{}, applyErr
		}
		if isGenerationFailure(applyErr) {
			// Retries are exhausted by the generation boundary before
			// the error reaches the executor; surface the failure as a
			// rejection event, never as a silent pass.
			inv := invocationResult{
				text:    text,
				action:  domain.ActionRejected,
				reason:  applyErr.Error(),
				changed: false,
			}
			event := domain.AuditEvent{
				RunID:        runID,
				PassIndex:    pass,
				OrderIndex:   order,
				ConstraintID: rc.spec.ID,
				ActionTaken:  domain.ActionRejected,
				InputHash:    inputHash,
				OutputHash:   inputHash,
				Timestamp:    e.now(),
				Detail: map[string]any{
					"reason":    "generation capability failed",
					"error":     applyErr.Error(),
					"escalated": true,
				},
			}
			if err := e.recorder.Append(event); err != nil {
				return invocationResult{}, fmt.Errorf("%w: %v", domain.ErrAuditRecording, err)
			}
			e.recordInvocationTelemetry(invCtx, span, rc, inv, inputHash, inputHash, duration, event.Detail)
			return inv, nil
		}

		span.RecordError(applyErr)
		span.SetStatus(codes.Error, applyErr.Error())
		e.logger.Error("constraint invocation failed",
			"run_id", runID,
			"constraint_id", rc.spec.ID,
			"pass_index", pass,
			"order_index", order,
			"error", applyErr,
		)
		return invocationResult{}, fmt.Errorf("constraint %q: %w", rc.spec.ID, applyErr)
	}

	outcome = outcome.WithDefaults()

	inv, err := normalizeOutcome(rc.spec, text, outcome)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return invocationResult{}, err
	}

	outputHash := inputHash
	if inv.changed {
		outputHash = audit.HashText(inv.text)
	}

	event := domain.AuditEvent{
		RunID:        runID,
		PassIndex:    pass,
		OrderIndex:   order,
		ConstraintID: rc.spec.ID,
		ActionTaken:  inv.action,
		InputHash:    inputHash,
		OutputHash:   outputHash,
		Timestamp:    e.now(),
		Detail:       outcome.Detail,
	}
	if err := e.recorder.Append(event); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return invocationResult{}, fmt.Errorf("%w: %v", domain.ErrAuditRecording, err)
	}

	e.recordInvocationTelemetry(invCtx, span, rc, inv, inputHash, outputHash, duration, outcome.Detail)

	e.logger.Debug("constraint applied",
		"run_id", runID,
		"constraint_id", rc.spec.ID,
		"pass_index", pass,
		"order_index", order,
		"action", inv.action,
		"changed", inv.changed,
	)
	return inv, nil
}

func (e *Executor) recordInvocationTelemetry(
	ctx context.Context,
	span trace.Span,
	rc resolvedConstraint,
	inv invocationResult,
	inputHash, outputHash string,
	duration time.Duration,
	detail map[string]any,
) {
	telemetry.RecordConstraintOutcome(span,
		rc.spec.ID, string(rc.spec.Kind), string(inv.action),
		inv.changed, inputHash, outputHash, duration,
	)
	if attrs := telemetry.DetailAttributes("constraint.detail", detail); len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}

	telemetry.RecordInvocationMetrics(ctx, telemetry.InvocationMetricsData{
		ConstraintID: rc.spec.ID,
		Kind:         string(rc.spec.Kind),
		Action:       string(inv.action),
		Changed:      inv.changed,
		Duration:     duration,
	})
	e.metrics.RecordInvocation(string(rc.spec.Kind), string(inv.action), duration)
}

// normalizeOutcome enforces the per-kind contract and derives the audit
// action. Change detection is exact byte equality of the text values; the
// verdict is a hint, the bytes are authoritative.
func normalizeOutcome(spec domain.ConstraintSpec, input string, outcome runtime.Outcome) (invocationResult, error) {
	inv := invocationResult{
		text:     outcome.Text,
		metadata: outcome.Metadata,
	}

	switch outcome.Verdict {
	case runtime.VerdictReject:
		if spec.Kind == domain.KindRewrite || spec.Kind == domain.KindRedact {
			return invocationResult{}, fmt.Errorf(
				"constraint %q: %s units must not reject", spec.ID, spec.Kind)
		}
		inv.text = input
		inv.changed = false
		inv.action = domain.ActionRejected
		if reason, ok := outcome.Detail["reason"].(string); ok {
			inv.reason = reason
		}
		return inv, nil

	case runtime.VerdictPass, runtime.VerdictModified:
		inv.changed = outcome.Text != input
		if inv.changed && spec.Kind == domain.KindValidate {
			return invocationResult{}, fmt.Errorf(
				"constraint %q: validate units must not modify text", spec.ID)
		}
		inv.action = actionForChange(spec.Kind, inv.changed)
		return inv, nil

	default:
		return invocationResult{}, fmt.Errorf(
			"constraint %q: unknown verdict %q", spec.ID, outcome.Verdict)
	}
}

// actionForChange maps a constraint kind and change flag to the recorded
// audit action.
func actionForChange(kind domain.ConstraintKind, changed bool) domain.ActionTaken {
	if !changed {
		return domain.ActionNone
	}
	switch kind {
	case domain.KindRewrite:
		return domain.ActionRewrote
	case domain.KindRedact:
		return domain.ActionRedacted
	case domain.KindRegenerate:
		return domain.ActionRegenerated
	default:
		return domain.ActionNone
	}
}

// isGenerationFailure reports whether the error is one of the generation
// sentinels the boundary escalates after exhausting retries.
func isGenerationFailure(err error) bool {
	return errors.Is(err, domain.ErrGenerationUnavailable) ||
		errors.Is(err, domain.ErrGenerationTimeout)
}

// isCancellation reports whether the error reflects the run context being
// cancelled, as opposed to a per-attempt timeout inside a unit.
func isCancellation(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return errors.Is(err, context.Canceled)
}
