package constraints

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/lexsight/lattice/pkg/domain"
	"github.com/lexsight/lattice/pkg/engine/runtime"
	"github.com/lexsight/lattice/pkg/gen"
)

type recordingGenerator struct {
	reply string
	err   error
	calls int
	last  gen.Request
}

func (g *recordingGenerator) Generate(_ context.Context, req gen.Request) (string, error) {
	g.calls++
	g.last = req
	if g.err != nil {
		return "", g.err
	}
	return g.reply, nil
}

func TestRegenerateRewritesText(t *testing.T) {
	generator := &recordingGenerator{reply: "a calmer version"}
	reg := newTestRegistry(t, Dependencies{Generator: generator})
	unit := resolveUnit(t, reg, domain.ConstraintSpec{
		ID:     "regenerate",
		Kind:   domain.KindRegenerate,
		Params: map[string]any{"prompt": "rewrite this politely"},
	})

	outcome := apply(t, unit, "an angry rant")
	if outcome.Text != "a calmer version" || outcome.Verdict != runtime.VerdictModified {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if generator.last.Prompt != "rewrite this politely" {
		t.Fatalf("prompt not forwarded: %+v", generator.last)
	}
}

func TestRegenerateOnlyIfUnsafeSkipsSafeText(t *testing.T) {
	generator := &recordingGenerator{reply: "unused"}
	reg := newTestRegistry(t, Dependencies{
		Generator: generator,
		Moderator: fixedModerator(0.2),
	})
	unit := resolveUnit(t, reg, domain.ConstraintSpec{
		ID:     "regenerate",
		Kind:   domain.KindRegenerate,
		Params: map[string]any{"only_if_unsafe": true},
	})

	outcome := apply(t, unit, "a safe sentence")
	if outcome.Verdict != runtime.VerdictPass || outcome.Text != "a safe sentence" {
		t.Fatalf("safe text must pass untouched, got %+v", outcome)
	}
	if generator.calls != 0 {
		t.Fatalf("generator must not be called for safe text, got %d calls", generator.calls)
	}
}

func TestRegenerateOnlyIfUnsafeRegeneratesFlaggedText(t *testing.T) {
	generator := &recordingGenerator{reply: "a sanitized version"}
	reg := newTestRegistry(t, Dependencies{
		Generator: generator,
		Moderator: fixedModerator(0.95),
	})
	unit := resolveUnit(t, reg, domain.ConstraintSpec{
		ID:     "regenerate",
		Kind:   domain.KindRegenerate,
		Params: map[string]any{"only_if_unsafe": true},
	})

	outcome := apply(t, unit, "flagged text")
	if outcome.Text != "a sanitized version" || outcome.Verdict != runtime.VerdictModified {
		t.Fatalf("unexpected outcome %+v", outcome)
	}
	if !strings.Contains(generator.last.Reason, "0.95") {
		t.Fatalf("moderation score not forwarded in reason: %q", generator.last.Reason)
	}
	if outcome.Detail["score"] != 0.95 {
		t.Fatalf("unexpected detail %+v", outcome.Detail)
	}
}

func TestRegeneratePropagatesGenerationErrors(t *testing.T) {
	generator := &recordingGenerator{err: domain.ErrGenerationUnavailable}
	reg := newTestRegistry(t, Dependencies{Generator: generator})
	unit := resolveUnit(t, reg, domain.ConstraintSpec{ID: "regenerate", Kind: domain.KindRegenerate})

	_, err := unit.Apply(context.Background(), "text", nil)
	if !errors.Is(err, domain.ErrGenerationUnavailable) {
		t.Fatalf("expected ErrGenerationUnavailable, got %v", err)
	}
}

func TestRegenerateRequiresGenerator(t *testing.T) {
	reg := newTestRegistry(t, Dependencies{})
	_, err := reg.Resolve(domain.ConstraintSpec{ID: "regenerate", Kind: domain.KindRegenerate})
	if !errors.Is(err, domain.ErrInvalidParameters) {
		t.Fatalf("expected ErrInvalidParameters, got %v", err)
	}
}

func TestRegenerateStableOutputConverges(t *testing.T) {
	reg := newTestRegistry(t, Dependencies{Generator: gen.NewStaticGenerator("fixed")})
	unit := resolveUnit(t, reg, domain.ConstraintSpec{ID: "regenerate", Kind: domain.KindRegenerate})

	first := apply(t, unit, "anything")
	if first.Text != "fixed" || first.Verdict != runtime.VerdictModified {
		t.Fatalf("unexpected outcome %+v", first)
	}
	second := apply(t, unit, first.Text)
	if second.Verdict != runtime.VerdictPass {
		t.Fatalf("regenerating already-fixed text must pass, got %+v", second)
	}
}

func TestRegenerateDeterminismFollowsGenerator(t *testing.T) {
	reg := newTestRegistry(t, Dependencies{Generator: gen.NewStaticGenerator("fixed")})
	unit := resolveUnit(t, reg, domain.ConstraintSpec{ID: "regenerate", Kind: domain.KindRegenerate})
	if !runtime.IsDeterministic(unit) {
		t.Fatalf("static-backed regenerate must be deterministic")
	}

	reg = newTestRegistry(t, Dependencies{Generator: &recordingGenerator{reply: "x"}})
	unit = resolveUnit(t, reg, domain.ConstraintSpec{ID: "regenerate", Kind: domain.KindRegenerate})
	if runtime.IsDeterministic(unit) {
		t.Fatalf("generator without determinism claim must not be deterministic")
	}
}
