package constraints

import (
	"log/slog"
	"strings"

	"github.com/lexsight/lattice/pkg/domain"
	"github.com/lexsight/lattice/pkg/engine"
	"github.com/lexsight/lattice/pkg/gen"
	"github.com/lexsight/lattice/pkg/policy"
)

// Dependencies carries the external capabilities the builtin operations
// need. Zero values select safe defaults: the lexicon moderator, the
// baseline posture set, and slog.Default(). A nil Generator leaves the
// regenerate operation registered but unresolvable.
type Dependencies struct {
	Generator gen.Generator
	Moderator Moderator
	Postures  *policy.PostureSet
	Logger    *slog.Logger
}

// RegisterBuiltins registers every builtin operation on the registry.
func RegisterBuiltins(reg *engine.Registry, deps Dependencies) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	logger := deps.Logger.With("component", "engine.constraints")
	if deps.Moderator == nil {
		deps.Moderator = NewLexiconModerator(nil)
	}
	if deps.Postures == nil {
		postures := policy.DefaultPostureSet()
		deps.Postures = &postures
	}

	reg.Register(domain.KindRewrite, "lower", newTextTransformFactory(strings.ToLower), "lowercase")
	reg.Register(domain.KindRewrite, "trim", newTextTransformFactory(strings.TrimSpace))
	reg.Register(domain.KindRewrite, "normalize", newNormalizeFactory(), "nfc")
	reg.Register(domain.KindRewrite, "replace", newReplaceFactory())
	reg.Register(domain.KindRewrite, "length", newLengthFactory(), "truncate")
	reg.Register(domain.KindRewrite, "toggle", newToggleFactory())

	reg.Register(domain.KindRedact, "profanity", newProfanityFactory(), "wordlist")
	reg.Register(domain.KindRedact, "pattern", newPatternFactory(deps.Postures, logger), "rules")
	reg.Register(domain.KindRedact, "mask_unsafe", newMaskUnsafeFactory(deps.Moderator, deps.Postures, logger), "mask-unsafe")

	reg.Register(domain.KindValidate, "no-empty", newNoEmptyFactory(), "noempty")
	reg.Register(domain.KindValidate, "max-length", newMaxLengthFactory(), "maxlength")
	reg.Register(domain.KindValidate, "regex", newRegexValidateFactory())
	reg.Register(domain.KindValidate, "deny-pattern", newDenyPatternFactory(deps.Postures, logger), "deny_pattern")
	reg.Register(domain.KindValidate, "rego", newRegoFactory(deps.Postures, logger), "policy", "opa")
	reg.Register(domain.KindValidate, "moderation", newModerationFactory(deps.Moderator, deps.Postures, logger), "moderate")

	reg.Register(domain.KindRegenerate, "regenerate",
		newRegenerateFactory(deps.Generator, deps.Moderator, deps.Postures, logger), "regen")
}
