package constraints

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/lexsight/lattice/pkg/domain"
	"github.com/lexsight/lattice/pkg/engine"
	"github.com/lexsight/lattice/pkg/engine/runtime"
	"github.com/lexsight/lattice/pkg/policy"
	"github.com/lexsight/lattice/pkg/policy/redact"
)

const defaultProfanityReplacement = "[FILTERED]"

type profanityParams struct {
	Words               []string `yaml:"words"`
	Replacement         string   `yaml:"replacement"`
	MatchWordBoundaries *bool    `yaml:"match_word_boundaries"`
}

type profanityUnit struct {
	expr        *regexp.Regexp
	replacement string
}

func newProfanityFactory() engine.Factory {
	return func(spec domain.ConstraintSpec) (runtime.Unit, error) {
		var params profanityParams
		if err := decodeParams(spec.Params, &params); err != nil {
			return nil, err
		}

		words := make([]string, 0, len(params.Words))
		for _, word := range params.Words {
			word = strings.TrimSpace(word)
			if word == "" {
				continue
			}
			words = append(words, regexp.QuoteMeta(word))
		}
		if len(words) == 0 {
			return nil, invalidParams("profanity requires a non-empty word list")
		}

		boundary := `\b`
		if params.MatchWordBoundaries != nil && !*params.MatchWordBoundaries {
			boundary = ""
		}
		expr, err := regexp.Compile(`(?i)` + boundary + `(?:` + strings.Join(words, "|") + `)` + boundary)
		if err != nil {
			return nil, invalidParams("invalid word list: %v", err)
		}

		replacement := params.Replacement
		if replacement == "" {
			replacement = defaultProfanityReplacement
		}
		return profanityUnit{expr: expr, replacement: replacement}, nil
	}
}

// Apply implements runtime.Unit.
func (u profanityUnit) Apply(_ context.Context, text string, metadata map[string]any) (runtime.Outcome, error) {
	matches := u.expr.FindAllStringIndex(text, -1)
	if len(matches) == 0 {
		return runtime.Pass(text, metadata), nil
	}

	out := u.expr.ReplaceAllString(text, u.replacement)
	if out == text {
		return runtime.Pass(text, metadata), nil
	}

	outcome := runtime.Modified(out, metadata)
	outcome.Detail = map[string]any{"matches": len(matches)}
	return outcome, nil
}

// Deterministic implements runtime.Deterministic.
func (profanityUnit) Deterministic() bool { return true }

type patternRuleParam struct {
	Name        string `yaml:"name"`
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

type patternParams struct {
	Builtin []string           `yaml:"builtin"`
	Rules   []patternRuleParam `yaml:"rules"`
}

// resolvePatternRules expands builtin rule names and custom rule definitions
// into scanner rules with the given action. With no parameters at all the
// full builtin rule set is used.
func resolvePatternRules(params patternParams, action redact.Action) ([]redact.Rule, error) {
	var rules []redact.Rule

	if len(params.Builtin) == 0 && len(params.Rules) == 0 {
		for _, rule := range redact.GlobalRegistry().Clone() {
			rule.Action = action
			rules = append(rules, rule)
		}
		return rules, nil
	}

	for _, name := range params.Builtin {
		rule, ok := redact.GlobalRegistry().Resolve(name)
		if !ok {
			return nil, invalidParams("unknown builtin rule %q", name)
		}
		rule.Action = action
		rules = append(rules, rule)
	}

	for _, custom := range params.Rules {
		if custom.Name == "" || custom.Pattern == "" {
			return nil, invalidParams("custom rules require name and pattern")
		}
		rules = append(rules, redact.Rule{
			Name:        custom.Name,
			Pattern:     custom.Pattern,
			Action:      action,
			Replacement: custom.Replacement,
		})
	}

	return rules, nil
}

type patternUnit struct {
	scanner  *redact.Scanner
	failOpen bool
	logger   *slog.Logger
}

func newPatternFactory(postures *policy.PostureSet, logger *slog.Logger) engine.Factory {
	return func(spec domain.ConstraintSpec) (runtime.Unit, error) {
		var params patternParams
		if err := decodeParams(spec.Params, &params); err != nil {
			return nil, err
		}
		rules, err := resolvePatternRules(params, redact.ActionRedact)
		if err != nil {
			return nil, err
		}
		scanner, err := redact.NewScanner(redact.Config{Rules: rules})
		if err != nil {
			return nil, invalidParams("%v", err)
		}
		return patternUnit{
			scanner:  scanner,
			failOpen: postures.Mode(policy.DomainRedact) == policy.ModeFailOpen,
			logger:   logger,
		}, nil
	}
}

// Apply implements runtime.Unit.
func (u patternUnit) Apply(ctx context.Context, text string, metadata map[string]any) (runtime.Outcome, error) {
	report, err := u.scanner.Scan(ctx, text)
	if err != nil {
		if ctx.Err() != nil {
			return runtime.Outcome{}, err
		}
		if u.failOpen {
			u.logger.Warn("redaction scan failed; passing text through", "error", err)
			outcome := runtime.Pass(text, metadata)
			outcome.Detail = map[string]any{"scan_error": err.Error()}
			return outcome, nil
		}
		return runtime.Outcome{}, err
	}

	if !report.RedactionsApplied {
		return runtime.Pass(text, metadata), nil
	}

	outcome := runtime.Modified(report.Redacted, metadata)
	outcome.Detail = map[string]any{"findings": len(report.Findings)}
	return outcome, nil
}

// Deterministic implements runtime.Deterministic.
func (patternUnit) Deterministic() bool { return true }

const defaultMaskReplacement = "[REDACTED]"

type maskUnsafeParams struct {
	SafetyThreshold *float64 `yaml:"safety_threshold"`
	Replacement     string   `yaml:"replacement"`
}

// maskUnsafeUnit replaces the whole text when the moderation score exceeds
// the threshold. On a moderation failure the posture decides: fail-open
// passes the text through, fail-closed masks it.
type maskUnsafeUnit struct {
	threshold   float64
	replacement string
	moderator   Moderator
	failOpen    bool
	logger      *slog.Logger
}

func newMaskUnsafeFactory(moderator Moderator, postures *policy.PostureSet, logger *slog.Logger) engine.Factory {
	return func(spec domain.ConstraintSpec) (runtime.Unit, error) {
		var params maskUnsafeParams
		if err := decodeParams(spec.Params, &params); err != nil {
			return nil, err
		}

		unit := maskUnsafeUnit{
			threshold:   defaultSafetyThreshold,
			replacement: defaultMaskReplacement,
			moderator:   moderator,
			failOpen:    postures.Mode(policy.DomainModeration) == policy.ModeFailOpen,
			logger:      logger,
		}
		if params.SafetyThreshold != nil {
			if *params.SafetyThreshold < 0 || *params.SafetyThreshold > 1 {
				return nil, invalidParams("safety_threshold must be in [0, 1]")
			}
			unit.threshold = *params.SafetyThreshold
		}
		if params.Replacement != "" {
			unit.replacement = params.Replacement
		}
		return unit, nil
	}
}

// Apply implements runtime.Unit.
func (u maskUnsafeUnit) Apply(ctx context.Context, text string, metadata map[string]any) (runtime.Outcome, error) {
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
		if text == u.replacement {
			return runtime.Pass(text, metadata), nil
		}
		outcome := runtime.Modified(u.replacement, metadata)
		outcome.Detail = map[string]any{"moderation_error": err.Error()}
		return outcome, nil
	}

	if score <= u.threshold || text == u.replacement {
		outcome := runtime.Pass(text, metadata)
		outcome.Detail = map[string]any{"score": score}
		return outcome, nil
	}

	outcome := runtime.Modified(u.replacement, metadata)
	outcome.Detail = map[string]any{"score": score}
	return outcome, nil
}
