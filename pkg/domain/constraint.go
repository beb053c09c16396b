package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// ConstraintKind classifies what a constraint is allowed to do to the text
// it is applied to.
type ConstraintKind string

const (
	// KindRewrite transforms text deterministically (casing, trimming,
	// substitution, normalization).
	KindRewrite ConstraintKind = "rewrite"

	// KindRedact removes or masks spans of text that match sensitive
	// patterns.
	KindRedact ConstraintKind = "redact"

	// KindRegenerate requests a replacement for the text from an external
	// generator when the current text is unacceptable.
	KindRegenerate ConstraintKind = "regenerate"

	// KindValidate checks text against an acceptance rule without ever
	// modifying it. A failed validation rejects the pipeline run.
	KindValidate ConstraintKind = "validate"
)

// constraintKinds enumerates every kind accepted by ParseConstraintKind.
var constraintKinds = map[ConstraintKind]struct{}{
	KindRewrite:    {},
	KindRedact:     {},
	KindRegenerate: {},
	KindValidate:   {},
}

// Valid reports whether k is one of the recognized constraint kinds.
func (k ConstraintKind) Valid() bool {
	_, ok := constraintKinds[k]
	return ok
}

// ParseConstraintKind converts a raw string into a ConstraintKind.
// Matching is case-insensitive; unknown values return ErrUnknownConstraintKind.
func ParseConstraintKind(raw string) (ConstraintKind, error) {
	k := ConstraintKind(strings.ToLower(strings.TrimSpace(raw)))
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownConstraintKind, raw)
	}
	return k, nil
}

// ConstraintSpec is the declarative description of a single constraint as it
// appears in a profile or a pipeline request. Specs are data only; the engine
// resolves them into executable units.
type ConstraintSpec struct {
	// ID uniquely identifies the constraint within one pipeline.
	ID string `json:"id" yaml:"id"`

	// Kind selects the constraint family.
	Kind ConstraintKind `json:"kind" yaml:"kind"`

	// Params carries kind-specific configuration. The special key "op"
	// selects a named operation within the kind; when absent the ID is
	// used as the operation name.
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
}

// Op returns the operation name used to resolve this spec against a registry.
// It prefers the "op" parameter and falls back to the spec ID.
func (s ConstraintSpec) Op() string {
	if raw, ok := s.Params["op"]; ok {
		if op, ok := raw.(string); ok && op != "" {
			return op
		}
	}
	return s.ID
}

// Fingerprint returns a stable sha256 hex digest of the spec. Two specs with
// the same ID, kind and parameters always produce the same fingerprint, which
// makes it usable as a memoization key for resolved units.
//
// encoding/json serializes map keys in sorted order, so the digest does not
// depend on parameter insertion order.
func (s ConstraintSpec) Fingerprint() string {
	canonical := struct {
		ID     string         `json:"id"`
		Kind   ConstraintKind `json:"kind"`
		Params map[string]any `json:"params"`
	}{ID: s.ID, Kind: s.Kind, Params: s.Params}

	data, err := json.Marshal(canonical)
	if err != nil {
		// Params came from YAML/JSON decoding and contain only plain
		// values; marshaling them cannot fail. Fall back to a textual
		// form to keep Fingerprint total.
		data = []byte(fmt.Sprintf("%s|%s|%v", s.ID, s.Kind, s.Params))
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Validate checks that the spec is structurally usable: a non-empty ID and a
// recognized kind. Parameter validation is kind-specific and happens during
// resolution.
func (s ConstraintSpec) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("%w: constraint id must not be empty", ErrInvalidParameters)
	}
	if !s.Kind.Valid() {
		return fmt.Errorf("%w: %q (constraint %q)", ErrUnknownConstraintKind, s.Kind, s.ID)
	}
	return nil
}
