package gen

import "context"

// StaticGenerator produces replacements without calling any backend. It is
// deterministic and suits offline pipelines and tests.
type StaticGenerator struct {
	transform func(Request) string
}

// NewStaticGenerator returns a generator that always produces the given text.
func NewStaticGenerator(text string) *StaticGenerator {
	return &StaticGenerator{transform: func(Request) string { return text }}
}

// NewStaticTransform returns a generator that derives the replacement from
// the request. The transform must be pure for Deterministic to hold.
func NewStaticTransform(transform func(Request) string) *StaticGenerator {
	return &StaticGenerator{transform: transform}
}

// Generate implements Generator.
func (g *StaticGenerator) Generate(_ context.Context, req Request) (string, error) {
	return g.transform(req), nil
}

// Deterministic reports that the output depends only on the request.
func (g *StaticGenerator) Deterministic() bool {
	return true
}
