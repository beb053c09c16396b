package constraints

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lexsight/lattice/pkg/domain"
	"github.com/lexsight/lattice/pkg/engine"
	"github.com/lexsight/lattice/pkg/engine/runtime"
	"github.com/lexsight/lattice/pkg/gen"
	"github.com/lexsight/lattice/pkg/policy"
)

type regenerateParams struct {
	Prompt          string   `yaml:"prompt"`
	OnlyIfUnsafe    bool     `yaml:"only_if_unsafe"`
	SafetyThreshold *float64 `yaml:"safety_threshold"`
}

// regenerateUnit asks the generation capability for a replacement text.
// With only_if_unsafe the moderation scorer gates the call so safe text
// passes through without a generation round trip. Generation errors are
// returned to the executor, which owns retry escalation.
type regenerateUnit struct {
	id           string
	prompt       string
	onlyIfUnsafe bool
	threshold    float64
	generator    gen.Generator
	moderator    Moderator
	failOpen     bool
	logger       *slog.Logger
}

func newRegenerateFactory(generator gen.Generator, moderator Moderator, postures *policy.PostureSet, logger *slog.Logger) engine.Factory {
	return func(spec domain.ConstraintSpec) (runtime.Unit, error) {
		if generator == nil {
			return nil, invalidParams("no generation capability is configured")
		}
		var params regenerateParams
		if err := decodeParams(spec.Params, &params); err != nil {
			return nil, err
		}

		unit := &regenerateUnit{
			id:           spec.ID,
			prompt:       params.Prompt,
			onlyIfUnsafe: params.OnlyIfUnsafe,
			threshold:    defaultSafetyThreshold,
			generator:    generator,
			moderator:    moderator,
			failOpen:     postures.Mode(policy.DomainModeration) == policy.ModeFailOpen,
			logger:       logger,
		}
		if params.SafetyThreshold != nil {
			if *params.SafetyThreshold < 0 || *params.SafetyThreshold > 1 {
				return nil, invalidParams("safety_threshold must be in [0, 1]")
			}
			unit.threshold = *params.SafetyThreshold
		}
		return unit, nil
	}
}

// Apply implements runtime.Unit.
func (u *regenerateUnit) Apply(ctx context.Context, text string, metadata map[string]any) (runtime.Outcome, error) {
	var reason string
	detail := map[string]any{}

	if u.onlyIfUnsafe {
		score, err := u.moderator.Score(ctx, text)
		switch {
		case err != nil && ctx.Err() != nil:
			return runtime.Outcome{}, err
		case err != nil && u.failOpen:
			u.logger.Warn("moderation gate failed; skipping regeneration", "constraint_id", u.id, "error", err)
			outcome := runtime.Pass(text, metadata)
			outcome.Detail = map[string]any{"moderation_error": err.Error()}
			return outcome, nil
		case err != nil:
			// Fail-closed treats unverifiable text as unsafe and
			// regenerates it.
			reason = "moderation unavailable"
			detail["moderation_error"] = err.Error()
		case score <= u.threshold:
			outcome := runtime.Pass(text, metadata)
			outcome.Detail = map[string]any{"score": score}
			return outcome, nil
		default:
			reason = fmt.Sprintf("unsafe content detected (score: %.2f)", score)
			detail["score"] = score
		}
	}

	out, err := u.generator.Generate(ctx, gen.Request{
		ConstraintID: u.id,
		Prompt:       u.prompt,
		Text:         text,
		Reason:       reason,
		Metadata:     metadata,
	})
	if err != nil {
		return runtime.Outcome{}, err
	}

	if out == text {
		return runtime.Pass(text, metadata), nil
	}

	outcome := runtime.Modified(out, metadata)
	if len(detail) > 0 {
		outcome.Detail = detail
	}
	return outcome, nil
}

// Deterministic implements runtime.Deterministic by delegating to the
// generation capability.
func (u *regenerateUnit) Deterministic() bool {
	return gen.IsDeterministic(u.generator)
}
