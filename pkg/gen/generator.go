package gen

import "context"

// Request describes one regeneration attempt.
type Request struct {
	// ConstraintID names the constraint requesting the regeneration.
	ConstraintID string

	// Prompt is the rewrite instruction from the constraint parameters.
	Prompt string

	// Text is the current candidate text to be replaced.
	Text string

	// Reason explains why the text was unacceptable, when known.
	Reason string

	// Metadata is the pipeline metadata for the run.
	Metadata map[string]any
}

// Generator produces replacement text for an unacceptable candidate.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// Deterministic is an optional interface generators implement when their
// output depends only on the request. Pipelines restricted to deterministic
// constraints only accept regenerate specs whose generator reports true.
type Deterministic interface {
	Deterministic() bool
}

// IsDeterministic reports whether the generator declares deterministic
// behaviour.
func IsDeterministic(g Generator) bool {
	d, ok := g.(Deterministic)
	return ok && d.Deterministic()
}
