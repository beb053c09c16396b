package constraints

import (
	"context"
	"strings"
	"unicode"
)

// defaultSafetyThreshold is the score above which text counts as unsafe,
// matching the moderation default from the reference deployment.
const defaultSafetyThreshold = 0.7

// Moderator scores text for safety. Scores fall in [0, 1]; higher means less
// safe. Implementations must be safe for concurrent use.
type Moderator interface {
	Score(ctx context.Context, text string) (float64, error)
}

// ModeratorFunc adapts a function to the Moderator interface.
type ModeratorFunc func(ctx context.Context, text string) (float64, error)

// Score implements Moderator.
func (f ModeratorFunc) Score(ctx context.Context, text string) (float64, error) {
	return f(ctx, text)
}

// LexiconModerator scores text by summing per-term weights and normalizing
// by token count. It is deterministic and needs no network access, which
// keeps moderation-gated pipelines reproducible.
type LexiconModerator struct {
	weights map[string]float64
}

// NewLexiconModerator builds a moderator over the given term weights. Terms
// are lowercased; weights are clamped to [0, 1] and non-positive entries are
// dropped. A nil or empty map selects the builtin lexicon.
func NewLexiconModerator(weights map[string]float64) *LexiconModerator {
	if len(weights) == 0 {
		weights = defaultLexicon()
	}
	normalized := make(map[string]float64, len(weights))
	for term, weight := range weights {
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" || weight <= 0 {
			continue
		}
		if weight > 1 {
			weight = 1
		}
		normalized[term] = weight
	}
	return &LexiconModerator{weights: normalized}
}

// Score implements Moderator. Tokens are runs of letters and digits; the
// score is the weight sum over all tokens divided by the token count,
// clamped to 1.
func (m *LexiconModerator) Score(_ context.Context, text string) (float64, error) {
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(tokens) == 0 {
		return 0, nil
	}

	var total float64
	for _, token := range tokens {
		total += m.weights[token]
	}
	score := total / float64(len(tokens))
	if score > 1 {
		score = 1
	}
	return score, nil
}

func defaultLexicon() map[string]float64 {
	return map[string]float64{
		"kill":     0.9,
		"murder":   1.0,
		"bomb":     1.0,
		"weapon":   0.6,
		"attack":   0.6,
		"violence": 0.8,
		"violent":  0.7,
		"hate":     0.7,
		"hurt":     0.5,
		"destroy":  0.5,
		"threat":   0.7,
		"threaten": 0.7,
		"stupid":   0.3,
		"idiot":    0.4,
	}
}
