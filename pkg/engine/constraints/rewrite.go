package constraints

import (
	"context"
	"regexp"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/lexsight/lattice/pkg/domain"
	"github.com/lexsight/lattice/pkg/engine"
	"github.com/lexsight/lattice/pkg/engine/runtime"
)

// textTransform applies a pure string transform. Used for the parameterless
// rewrite operations (lower, trim, normalize).
type textTransform struct {
	transform func(string) string
}

// Apply implements runtime.Unit.
func (t textTransform) Apply(_ context.Context, text string, metadata map[string]any) (runtime.Outcome, error) {
	out := t.transform(text)
	if out == text {
		return runtime.Pass(text, metadata), nil
	}
	return runtime.Modified(out, metadata), nil
}

// Deterministic implements runtime.Deterministic.
func (textTransform) Deterministic() bool { return true }

func newTextTransformFactory(transform func(string) string) engine.Factory {
	return func(domain.ConstraintSpec) (runtime.Unit, error) {
		return textTransform{transform: transform}, nil
	}
}

func newNormalizeFactory() engine.Factory {
	return newTextTransformFactory(norm.NFC.String)
}

type replaceParams struct {
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

type replaceUnit struct {
	expr        *regexp.Regexp
	replacement string
}

func newReplaceFactory() engine.Factory {
	return func(spec domain.ConstraintSpec) (runtime.Unit, error) {
		var params replaceParams
		if err := decodeParams(spec.Params, &params); err != nil {
			return nil, err
		}
		if params.Pattern == "" {
			return nil, invalidParams("replace requires a pattern")
		}
		expr, err := regexp.Compile(params.Pattern)
		if err != nil {
			return nil, invalidParams("invalid replace pattern %q: %v", params.Pattern, err)
		}
		return replaceUnit{expr: expr, replacement: params.Replacement}, nil
	}
}

// Apply implements runtime.Unit.
func (u replaceUnit) Apply(_ context.Context, text string, metadata map[string]any) (runtime.Outcome, error) {
	out := u.expr.ReplaceAllString(text, u.replacement)
	if out == text {
		return runtime.Pass(text, metadata), nil
	}
	return runtime.Modified(out, metadata), nil
}

// Deterministic implements runtime.Deterministic.
func (replaceUnit) Deterministic() bool { return true }

type lengthParams struct {
	MaxChars int     `yaml:"max_chars"`
	Ellipsis *string `yaml:"ellipsis"`
	Truncate *bool   `yaml:"truncate"`
}

const defaultEllipsis = "[...]"

type lengthUnit struct {
	maxChars int
	ellipsis string
	truncate bool
}

func newLengthFactory() engine.Factory {
	return func(spec domain.ConstraintSpec) (runtime.Unit, error) {
		var params lengthParams
		if err := decodeParams(spec.Params, &params); err != nil {
			return nil, err
		}
		if params.MaxChars < 1 {
			return nil, invalidParams("length requires max_chars >= 1")
		}
		unit := lengthUnit{maxChars: params.MaxChars, ellipsis: defaultEllipsis, truncate: true}
		if params.Ellipsis != nil {
			unit.ellipsis = *params.Ellipsis
		}
		if params.Truncate != nil {
			unit.truncate = *params.Truncate
		}
		return unit, nil
	}
}

// Apply implements runtime.Unit. Lengths are counted in runes so multibyte
// text is never split mid-character.
func (u lengthUnit) Apply(_ context.Context, text string, metadata map[string]any) (runtime.Outcome, error) {
	count := utf8.RuneCountInString(text)
	if count <= u.maxChars {
		return runtime.Pass(text, metadata), nil
	}

	if !u.truncate {
		// Rewrite operations never reject; over-length text passes
		// through annotated so a validate constraint can act on it.
		outcome := runtime.Pass(text, metadata)
		outcome.Detail = map[string]any{"over_length": true, "chars": count}
		return outcome, nil
	}

	runes := []rune(text)
	keep := u.maxChars - utf8.RuneCountInString(u.ellipsis)
	var out string
	if keep > 0 {
		out = string(runes[:keep]) + u.ellipsis
	} else {
		out = string(runes[:u.maxChars])
	}

	outcome := runtime.Modified(out, metadata)
	outcome.Detail = map[string]any{"truncated_from": count}
	return outcome, nil
}

// Deterministic implements runtime.Deterministic.
func (lengthUnit) Deterministic() bool { return true }

type toggleParams struct {
	A string `yaml:"a"`
	B string `yaml:"b"`
}

// toggleUnit swaps two fixed values back and forth. It exists to exercise
// the non-convergence path: a pipeline containing a toggle never reaches a
// fixed point and must stop on the pass limit.
type toggleUnit struct {
	a string
	b string
}

func newToggleFactory() engine.Factory {
	return func(spec domain.ConstraintSpec) (runtime.Unit, error) {
		var params toggleParams
		if err := decodeParams(spec.Params, &params); err != nil {
			return nil, err
		}
		if params.A == "" {
			params.A = "A"
		}
		if params.B == "" {
			params.B = "B"
		}
		if params.A == params.B {
			return nil, invalidParams("toggle requires two distinct values")
		}
		return toggleUnit{a: params.A, b: params.B}, nil
	}
}

// Apply implements runtime.Unit.
func (u toggleUnit) Apply(_ context.Context, text string, metadata map[string]any) (runtime.Outcome, error) {
	switch text {
	case u.a:
		return runtime.Modified(u.b, metadata), nil
	case u.b:
		return runtime.Modified(u.a, metadata), nil
	default:
		return runtime.Pass(text, metadata), nil
	}
}

// Deterministic implements runtime.Deterministic.
func (toggleUnit) Deterministic() bool { return true }
