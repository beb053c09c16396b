// Package runtime defines the core contracts shared by the pipeline executor
// and constraint implementations, keeping constraint logic decoupled from
// execution mechanics.
package runtime

import (
	"context"
)

// Verdict classifies the result of applying one constraint to the text.
type Verdict string

const (
	// VerdictPass indicates the text was acceptable as-is and left unchanged.
	VerdictPass Verdict = "pass"
	// VerdictModified indicates the constraint produced a changed text.
	VerdictModified Verdict = "modified"
	// VerdictReject indicates the text is unacceptable and the run must stop.
	VerdictReject Verdict = "reject"
)

// Outcome bundles the verdict, the (possibly rewritten) text, and metadata
// for downstream constraints.
type Outcome struct {
	// Text is the text after the constraint ran. For pass and reject
	// verdicts it must equal the input text.
	Text string

	// Changed reports whether Text differs from the input. The executor
	// re-derives this byte-exactly; constraints set it as a hint.
	Changed bool

	// Metadata is the constraint's view of the invocation metadata,
	// propagated to the next constraint in the pass.
	Metadata map[string]any

	// Verdict classifies the invocation.
	Verdict Verdict

	// Detail carries verdict context such as rejection reasons. It is
	// copied into the audit event for the invocation.
	Detail map[string]any
}

// WithDefaults ensures the verdict is set even when constraints omit it.
func (o Outcome) WithDefaults() Outcome {
	if o.Verdict == "" {
		if o.Changed {
			o.Verdict = VerdictModified
		} else {
			o.Verdict = VerdictPass
		}
	}
	return o
}

// Pass constructs an outcome for text that was acceptable unchanged.
func Pass(text string, metadata map[string]any) Outcome {
	return Outcome{Text: text, Metadata: metadata, Verdict: VerdictPass}
}

// Modified constructs an outcome carrying rewritten text.
func Modified(text string, metadata map[string]any) Outcome {
	return Outcome{Text: text, Changed: true, Metadata: metadata, Verdict: VerdictModified}
}

// Reject constructs a rejecting outcome. The reason is surfaced in the audit
// event detail.
func Reject(text string, metadata map[string]any, reason string) Outcome {
	return Outcome{
		Text:     text,
		Metadata: metadata,
		Verdict:  VerdictReject,
		Detail:   map[string]any{"reason": reason},
	}
}

// Unit is a resolved, executable constraint. Implementations must be
// stateless with respect to runs: the outcome may depend only on the inputs,
// never on previous invocations.
type Unit interface {
	Apply(ctx context.Context, text string, metadata map[string]any) (Outcome, error)
}

// UnitFunc adapts a function to the Unit interface.
type UnitFunc func(ctx context.Context, text string, metadata map[string]any) (Outcome, error)

// Apply implements Unit.
func (f UnitFunc) Apply(ctx context.Context, text string, metadata map[string]any) (Outcome, error) {
	return f(ctx, text, metadata)
}

// Deterministic is an optional interface for units whose output depends only
// on their inputs. Units that do not implement it are treated as
// non-deterministic.
type Deterministic interface {
	Deterministic() bool
}

// IsDeterministic reports whether the unit declares deterministic behaviour.
func IsDeterministic(u Unit) bool {
	d, ok := u.(Deterministic)
	return ok && d.Deterministic()
}
