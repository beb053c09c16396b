package constraints

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/lexsight/lattice/pkg/domain"
	"github.com/lexsight/lattice/pkg/engine"
	"github.com/lexsight/lattice/pkg/engine/runtime"
	"github.com/lexsight/lattice/pkg/policy"
	"github.com/lexsight/lattice/pkg/policy/redact"
)

// noEmptyUnit rejects empty or all-whitespace text.
type noEmptyUnit struct{}

func newNoEmptyFactory() engine.Factory {
	return func(domain.ConstraintSpec) (runtime.Unit, error) {
		return noEmptyUnit{}, nil
	}
}

// Apply implements runtime.Unit.
func (noEmptyUnit) Apply(_ context.Context, text string, metadata map[string]any) (runtime.Outcome, error) {
	if strings.TrimSpace(text) == "" {
		return runtime.Reject(text, metadata, "text is empty"), nil
	}
	return runtime.Pass(text, metadata), nil
}

// Deterministic implements runtime.Deterministic.
func (noEmptyUnit) Deterministic() bool { return true }

type maxLengthParams struct {
	MaxChars int `yaml:"max_chars"`
}

type maxLengthUnit struct {
	maxChars int
}

func newMaxLengthFactory() engine.Factory {
	return func(spec domain.ConstraintSpec) (runtime.Unit, error) {
		var params maxLengthParams
		if err := decodeParams(spec.Params, &params); err != nil {
			return nil, err
		}
		if params.MaxChars < 1 {
			return nil, invalidParams("max-length requires max_chars >= 1")
		}
		return maxLengthUnit{maxChars: params.MaxChars}, nil
	}
}

// Apply implements runtime.Unit.
func (u maxLengthUnit) Apply(_ context.Context, text string, metadata map[string]any) (runtime.Outcome, error) {
	count := utf8.RuneCountInString(text)
	if count > u.maxChars {
		reason := fmt.Sprintf("text length %d exceeds limit %d", count, u.maxChars)
		outcome := runtime.Reject(text, metadata, reason)
		outcome.Detail["chars"] = count
		return outcome, nil
	}
	return runtime.Pass(text, metadata), nil
}

// Deterministic implements runtime.Deterministic.
func (maxLengthUnit) Deterministic() bool { return true }

type regexValidateParams struct {
	Pattern string `yaml:"pattern"`
	Deny    *bool  `yaml:"deny"`
}

type regexValidateUnit struct {
	expr    *regexp.Regexp
	pattern string
	deny    bool
}

func newRegexValidateFactory() engine.Factory {
	return func(spec domain.ConstraintSpec) (runtime.Unit, error) {
		var params regexValidateParams
		if err := decodeParams(spec.Params, &params); err != nil {
			return nil, err
		}
		if params.Pattern == "" {
			return nil, invalidParams("regex requires a pattern")
		}
		expr, err := regexp.Compile(params.Pattern)
		if err != nil {
			return nil, invalidParams("invalid pattern %q: %v", params.Pattern, err)
		}
		unit := regexValidateUnit{expr: expr, pattern: params.Pattern, deny: true}
		if params.Deny != nil {
			unit.deny = *params.Deny
		}
		return unit, nil
	}
}

// Apply implements runtime.Unit.
func (u regexValidateUnit) Apply(_ context.Context, text string, metadata map[string]any) (runtime.Outcome, error) {
	matched := u.expr.MatchString(text)
	switch {
	case u.deny && matched:
		return runtime.Reject(text, metadata, fmt.Sprintf("text matches denied pattern %q", u.pattern)), nil
	case !u.deny && !matched:
		return runtime.Reject(text, metadata, fmt.Sprintf("text does not match required pattern %q", u.pattern)), nil
	default:
		return runtime.Pass(text, metadata), nil
	}
}

// Deterministic implements runtime.Deterministic.
func (regexValidateUnit) Deterministic() bool { return true }

// denyPatternUnit runs the redaction scanner in blocking mode: any rule
// match rejects the text instead of masking it.
type denyPatternUnit struct {
	scanner  *redact.Scanner
	failOpen bool
	logger   *slog.Logger
}

func newDenyPatternFactory(postures *policy.PostureSet, logger *slog.Logger) engine.Factory {
	return func(spec domain.ConstraintSpec) (runtime.Unit, error) {
		var params patternParams
		if err := decodeParams(spec.Params, &params); err != nil {
			return nil, err
		}
		rules, err := resolvePatternRules(params, redact.ActionBlock)
		if err != nil {
			return nil, err
		}
		scanner, err := redact.NewScanner(redact.Config{Rules: rules})
		if err != nil {
			return nil, invalidParams("%v", err)
		}
		return denyPatternUnit{
			scanner:  scanner,
			failOpen: postures.Mode(policy.DomainRedact) == policy.ModeFailOpen,
			logger:   logger,
		}, nil
	}
}

// Apply implements runtime.Unit.
func (u denyPatternUnit) Apply(ctx context.Context, text string, metadata map[string]any) (runtime.Outcome, error) {
	report, err := u.scanner.Scan(ctx, text)
	if err != nil {
		if ctx.Err() != nil {
			return runtime.Outcome{}, err
		}
		u.logger.Warn("deny-pattern scan failed", "error", err)
		if u.failOpen {
			outcome := runtime.Pass(text, metadata)
			outcome.Detail = map[string]any{"scan_error": err.Error()}
			return outcome, nil
		}
		return runtime.Reject(text, metadata, "content scan failed"), nil
	}

	if report.Blocked {
		outcome := runtime.Reject(text, metadata, fmt.Sprintf("matched denied rule %q", report.BlockedBy))
		outcome.Detail["rule"] = report.BlockedBy
		return outcome, nil
	}
	return runtime.Pass(text, metadata), nil
}

// Deterministic implements runtime.Deterministic.
func (denyPatternUnit) Deterministic() bool { return true }

type regoParams struct {
	Module     string `yaml:"module"`
	Entrypoint string `yaml:"entrypoint"`
}

// regoUnit evaluates an embedded Rego policy and rejects when the decision
// action is block.
type regoUnit struct {
	id       string
	engine   *policy.Engine
	failOpen bool
	logger   *slog.Logger
}

func newRegoFactory(postures *policy.PostureSet, logger *slog.Logger) engine.Factory {
	return func(spec domain.ConstraintSpec) (runtime.Unit, error) {
		var params regoParams
		if err := decodeParams(spec.Params, &params); err != nil {
			return nil, err
		}
		if strings.TrimSpace(params.Module) == "" {
			return nil, invalidParams("rego requires a module")
		}

		eng, err := policy.NewEngine(context.Background(), policy.EngineOptions{
			Entrypoint: params.Entrypoint,
			Modules:    map[string]string{spec.ID + ".rego": params.Module},
		})
		if err != nil {
			return nil, invalidParams("invalid rego module: %v", err)
		}

		return regoUnit{
			id:       spec.ID,
			engine:   eng,
			failOpen: postures.Mode(policy.DomainRego) == policy.ModeFailOpen,
			logger:   logger,
		}, nil
	}
}

// Apply implements runtime.Unit.
func (u regoUnit) Apply(ctx context.Context, text string, metadata map[string]any) (runtime.Outcome, error) {
	decision, err := u.engine.Evaluate(ctx, policy.Input{
		ConstraintID: u.id,
		Text:         text,
		Metadata:     metadata,
	})
	if err != nil {
		if ctx.Err() != nil {
			return runtime.Outcome{}, err
		}
		u.logger.Warn("policy evaluation failed", "constraint_id", u.id, "error", err)
		if u.failOpen {
			outcome := runtime.Pass(text, metadata)
			outcome.Detail = map[string]any{"policy_error": err.Error()}
			return outcome, nil
		}
		return runtime.Reject(text, metadata, "policy evaluation failed"), nil
	}

	if decision.Action == policy.ActionBlock {
		reason := decision.Reason
		if reason == "" {
			reason = "blocked by policy"
		}
		outcome := runtime.Reject(text, metadata, reason)
		if len(decision.Metadata) > 0 {
			outcome.Detail["policy"] = decision.Metadata
		}
		return outcome, nil
	}
	return runtime.Pass(text, metadata), nil
}

// Deterministic implements runtime.Deterministic. Rego evaluation over the
// same input and modules is deterministic.
func (regoUnit) Deterministic() bool { return true }

type moderationParams struct {
	SafetyThreshold *float64 `yaml:"safety_threshold"`
}

type moderationUnit struct {
	threshold float64
	moderator Moderator
	failOpen  bool
	logger    *slog.Logger
}

func newModerationFactory(moderator Moderator, postures *policy.PostureSet, logger *slog.Logger) engine.Factory {
	return func(spec domain.ConstraintSpec) (runtime.Unit, error) {
		var params moderationParams
		if err := decodeParams(spec.Params, &params); err != nil {
			return nil, err
		}
		unit := moderationUnit{
			threshold: defaultSafetyThreshold,
			moderator: moderator,
			failOpen:  postures.Mode(policy.DomainModeration) == policy.ModeFailOpen,
			logger:    logger,
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
func (u moderationUnit) Apply(ctx context.Context, text string, metadata map[string]any) (runtime.Outcome, error) {
	score, err := u.moderator.Score(ctx, text)
	if err != nil {
		if ctx.Err() != nil {
			return runtime.Outcome{}, err
		}
		u.logger.Warn("moderation scoring failed", "error", err)
		if u.failOpen {
			outcome := runtime.Pass(text, metadata)
			outcome.Detail = map[string]any{"moderation_error": err.Error()}
			return outcome, nil
		}
		return runtime.Reject(text, metadata, "moderation unavailable"), nil
	}

	if score > u.threshold {
		outcome := runtime.Reject(text, metadata, fmt.Sprintf("unsafe content detected (score: %.2f)", score))
		outcome.Detail["score"] = score
		return outcome, nil
	}

	outcome := runtime.Pass(text, metadata)
	outcome.Detail = map[string]any{"score": score}
	return outcome, nil
}
