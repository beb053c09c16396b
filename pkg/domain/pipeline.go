package domain

import "fmt"

// DefaultMaxPasses bounds the convergence loop when a request does not set
// an explicit limit.
const DefaultMaxPasses = 3

// TerminalReason explains why a pipeline run stopped.
type TerminalReason string

const (
	// TerminalConverged means a full pass completed with no constraint
	// changing the text.
	TerminalConverged TerminalReason = "converged"

	// TerminalMaxPassesExhausted means the pass limit was reached while
	// constraints were still producing changes.
	TerminalMaxPassesExhausted TerminalReason = "max_passes_exhausted"

	// TerminalRejected means a constraint rejected the text outright.
	TerminalRejected TerminalReason = "rejected"

	// TerminalCancelled means the caller cancelled the run before it
	// reached any other terminal state.
	TerminalCancelled TerminalReason = "cancelled"
)

// PipelineRequest describes one constraint application run.
type PipelineRequest struct {
	// RunID correlates audit events, logs and traces for this run. When
	// empty the engine assigns one.
	RunID string `json:"run_id,omitempty" yaml:"run_id,omitempty"`

	// InputText is the candidate text the constraints are applied to.
	InputText string `json:"input_text" yaml:"input_text"`

	// Constraints are applied in declaration order within every pass.
	Constraints []ConstraintSpec `json:"constraints" yaml:"constraints"`

	// MaxPasses bounds the convergence loop. Must be at least 1.
	MaxPasses int `json:"max_passes" yaml:"max_passes"`

	// Metadata is contextual information passed through to every
	// constraint invocation. The engine never interprets it.
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Validate checks the request invariants that do not require a registry:
// a usable pass limit, structurally valid specs and unique constraint IDs.
func (r PipelineRequest) Validate() error {
	if r.MaxPasses < 1 {
		return fmt.Errorf("%w: max_passes must be >= 1, got %d", ErrInvalidMaxPasses, r.MaxPasses)
	}

	seen := make(map[string]struct{}, len(r.Constraints))
	for i, spec := range r.Constraints {
		if err := spec.Validate(); err != nil {
			return fmt.Errorf("constraint %d: %w", i, err)
		}
		if _, dup := seen[spec.ID]; dup {
			return fmt.Errorf("%w: duplicate constraint id %q", ErrInvalidParameters, spec.ID)
		}
		seen[spec.ID] = struct{}{}
	}
	return nil
}

// PipelineResult is the outcome of one constraint application run.
type PipelineResult struct {
	// RunID is the identifier the run executed under.
	RunID string `json:"run_id"`

	// FinalText is the text as it stood when the run terminated. For
	// rejected runs it is the text at the moment of rejection.
	FinalText string `json:"final_text"`

	// Converged is true only when a full pass produced no change.
	Converged bool `json:"converged"`

	// PassesExecuted counts passes that began executing, including the
	// pass during which the run was rejected or cancelled.
	PassesExecuted int `json:"passes_executed"`

	// AuditTrail lists one event per constraint invocation in execution
	// order.
	AuditTrail []AuditEvent `json:"audit_trail"`

	// TerminalReason states why the run stopped.
	TerminalReason TerminalReason `json:"terminal_reason"`
}

// Rejected reports whether the run was stopped by a rejecting constraint.
func (r PipelineResult) Rejected() bool {
	return r.TerminalReason == TerminalRejected
}

// RejectionError classifies a rejected run as an error wrapping
// ErrRejectedByPolicy, carrying the rejecting constraint's reason when the
// trail recorded one. It returns nil for every other terminal state:
// rejection is an outcome of Run, never its error, so callers that want
// error-shaped handling opt in through this helper.
func (r PipelineResult) RejectionError() error {
	if r.TerminalReason != TerminalRejected {
		return nil
	}
	if n := len(r.AuditTrail); n > 0 {
		if reason, ok := r.AuditTrail[n-1].Detail["reason"].(string); ok && reason != "" {
			return fmt.Errorf("%w: run %s: %s", ErrRejectedByPolicy, r.RunID, reason)
		}
	}
	return fmt.Errorf("%w: run %s", ErrRejectedByPolicy, r.RunID)
}
