package domain

import "time"

// ActionTaken records how a constraint invocation affected the text.
type ActionTaken string

const (
	// ActionNone means the constraint left the text unchanged.
	ActionNone ActionTaken = "none"

	// ActionRewrote means a rewrite constraint changed the text.
	ActionRewrote ActionTaken = "rewrote"

	// ActionRedacted means a redact constraint masked or removed spans.
	ActionRedacted ActionTaken = "redacted"

	// ActionRegenerated means the text was replaced by generator output.
	ActionRegenerated ActionTaken = "regenerated"

	// ActionRejected means the constraint rejected the text and the run
	// stopped.
	ActionRejected ActionTaken = "rejected"
)

// AuditEvent records a single constraint invocation. Events are append-only;
// once recorded they are never mutated.
type AuditEvent struct {
	// RunID ties the event to its pipeline run.
	RunID string `json:"run_id"`

	// PassIndex is the zero-based pass the invocation happened in.
	PassIndex int `json:"pass_index"`

	// OrderIndex is the zero-based position of the constraint within the
	// pass.
	OrderIndex int `json:"order_index"`

	// ConstraintID names the constraint that was invoked.
	ConstraintID string `json:"constraint_id"`

	// ActionTaken states what the invocation did to the text.
	ActionTaken ActionTaken `json:"action_taken"`

	// InputHash is the sha256 hex digest of the text before the
	// invocation.
	InputHash string `json:"input_hash"`

	// OutputHash is the sha256 hex digest of the text after the
	// invocation. Equal to InputHash when nothing changed.
	OutputHash string `json:"output_hash"`

	// Timestamp is when the invocation completed.
	Timestamp time.Time `json:"timestamp"`

	// Detail carries constraint-specific context such as rejection
	// reasons or retry counts.
	Detail map[string]any `json:"detail,omitempty"`
}

// Clone returns a deep copy of the event to avoid shared mutable state.
func (e AuditEvent) Clone() AuditEvent {
	clone := e
	clone.Detail = cloneAnyMap(e.Detail)
	return clone
}

// CloneTrail deep-copies a slice of audit events.
func CloneTrail(trail []AuditEvent) []AuditEvent {
	if trail == nil {
		return nil
	}
	out := make([]AuditEvent, len(trail))
	for i, e := range trail {
		out[i] = e.Clone()
	}
	return out
}

func cloneAnyMap(input map[string]any) map[string]any {
	if input == nil {
		return nil
	}
	clone := make(map[string]any, len(input))
	for k, v := range input {
		clone[k] = v
	}
	return clone
}
