package constraints

import (
	"context"
	"errors"
	"testing"

	"github.com/lexsight/lattice/pkg/domain"
	"github.com/lexsight/lattice/pkg/engine/runtime"
	"github.com/lexsight/lattice/pkg/policy"
)

func fixedModerator(score float64) Moderator {
	return ModeratorFunc(func(context.Context, string) (float64, error) {
		return score, nil
	})
}

func failingModerator(err error) Moderator {
	return ModeratorFunc(func(context.Context, string) (float64, error) {
		return 0, err
	})
}

func TestProfanityRedacts(t *testing.T) {
	reg := newTestRegistry(t, Dependencies{})
	unit := resolveUnit(t, reg, domain.ConstraintSpec{
		ID:     "profanity",
		Kind:   domain.KindRedact,
		Params: map[string]any{"words": []string{"darn", "heck"}},
	})

	outcome := apply(t, unit, "well DARN and heck")
	if outcome.Text != "well [FILTERED] and [FILTERED]" {
		t.Fatalf("unexpected redaction %q", outcome.Text)
	}
	if outcome.Detail["matches"] != 2 {
		t.Fatalf("unexpected detail %+v", outcome.Detail)
	}
}

func TestProfanityRespectsWordBoundaries(t *testing.T) {
	reg := newTestRegistry(t, Dependencies{})
	unit := resolveUnit(t, reg, domain.ConstraintSpec{
		ID:     "profanity",
		Kind:   domain.KindRedact,
		Params: map[string]any{"words": []string{"ass"}},
	})

	outcome := apply(t, unit, "classic assessment")
	if outcome.Verdict != runtime.VerdictPass {
		t.Fatalf("boundary-protected words must not match substrings, got %+v", outcome)
	}
}

func TestProfanityRequiresWords(t *testing.T) {
	reg := newTestRegistry(t, Dependencies{})
	_, err := reg.Resolve(domain.ConstraintSpec{ID: "profanity", Kind: domain.KindRedact})
	if !errors.Is(err, domain.ErrInvalidParameters) {
		t.Fatalf("expected ErrInvalidParameters, got %v", err)
	}
}

func TestPatternRedactsWithBuiltinRules(t *testing.T) {
	reg := newTestRegistry(t, Dependencies{})
	unit := resolveUnit(t, reg, domain.ConstraintSpec{ID: "pattern", Kind: domain.KindRedact})

	outcome := apply(t, unit, "contact me at jane@example.com today")
	if outcome.Verdict != runtime.VerdictModified {
		t.Fatalf("expected email redaction, got %+v", outcome)
	}
	if outcome.Text == "contact me at jane@example.com today" {
		t.Fatalf("email was not masked: %q", outcome.Text)
	}
}

func TestPatternCustomRule(t *testing.T) {
	reg := newTestRegistry(t, Dependencies{})
	unit := resolveUnit(t, reg, domain.ConstraintSpec{
		ID:   "pattern",
		Kind: domain.KindRedact,
		Params: map[string]any{
			"rules": []map[string]any{
				{"name": "ticket", "pattern": `TCK-\d+`, "replacement": "[TICKET]"},
			},
		},
	})

	outcome := apply(t, unit, "see TCK-4411 for details")
	if outcome.Text != "see [TICKET] for details" {
		t.Fatalf("unexpected redaction %q", outcome.Text)
	}
}

func TestPatternUnknownBuiltinRule(t *testing.T) {
	reg := newTestRegistry(t, Dependencies{})
	_, err := reg.Resolve(domain.ConstraintSpec{
		ID:     "pattern",
		Kind:   domain.KindRedact,
		Params: map[string]any{"builtin": []string{"no.such.rule"}},
	})
	if !errors.Is(err, domain.ErrInvalidParameters) {
		t.Fatalf("expected ErrInvalidParameters, got %v", err)
	}
}

func TestMaskUnsafeMasksAboveThreshold(t *testing.T) {
	reg := newTestRegistry(t, Dependencies{Moderator: fixedModerator(0.9)})
	unit := resolveUnit(t, reg, domain.ConstraintSpec{ID: "mask_unsafe", Kind: domain.KindRedact})

	outcome := apply(t, unit, "something unpleasant")
	if outcome.Text != "[REDACTED]" || outcome.Verdict != runtime.VerdictModified {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if outcome.Detail["score"] != 0.9 {
		t.Fatalf("unexpected detail %+v", outcome.Detail)
	}
}

func TestMaskUnsafePassesSafeText(t *testing.T) {
	reg := newTestRegistry(t, Dependencies{Moderator: fixedModerator(0.1)})
	unit := resolveUnit(t, reg, domain.ConstraintSpec{ID: "mask_unsafe", Kind: domain.KindRedact})

	outcome := apply(t, unit, "a friendly note")
	if outcome.Verdict != runtime.VerdictPass || outcome.Text != "a friendly note" {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
}

func TestMaskUnsafeIsIdempotent(t *testing.T) {
	reg := newTestRegistry(t, Dependencies{Moderator: fixedModerator(0.9)})
	unit := resolveUnit(t, reg, domain.ConstraintSpec{ID: "mask_unsafe", Kind: domain.KindRedact})

	first := apply(t, unit, "bad text")
	second := apply(t, unit, first.Text)
	if second.Verdict != runtime.VerdictPass || second.Text != "[REDACTED]" {
		t.Fatalf("masked text must pass on re-apply, got %+v", second)
	}
}

func TestMaskUnsafeModerationFailurePosture(t *testing.T) {
	moderr := errors.New("scorer offline")

	// Default moderation posture is fail-closed: mask the text.
	reg := newTestRegistry(t, Dependencies{Moderator: failingModerator(moderr)})
	unit := resolveUnit(t, reg, domain.ConstraintSpec{ID: "mask_unsafe", Kind: domain.KindRedact})
	outcome := apply(t, unit, "unverifiable")
	if outcome.Text != "[REDACTED]" {
		t.Fatalf("fail-closed must mask, got %+v", outcome)
	}

	// Fail-open passes the text through with a note.
	postures := policy.DefaultPostureSet()
	if err := postures.ApplyOverride(policy.DomainModeration, policy.ModeFailOpen); err != nil {
		t.Fatalf("override failed: %v", err)
	}
	reg = newTestRegistry(t, Dependencies{Moderator: failingModerator(moderr), Postures: &postures})
	unit = resolveUnit(t, reg, domain.ConstraintSpec{ID: "mask_unsafe", Kind: domain.KindRedact})
	outcome = apply(t, unit, "unverifiable")
	if outcome.Verdict != runtime.VerdictPass || outcome.Text != "unverifiable" {
		t.Fatalf("fail-open must pass text through, got %+v", outcome)
	}
}
