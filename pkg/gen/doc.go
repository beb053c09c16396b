// Package gen abstracts the text generators used by regeneration
// constraints.
//
// A Generator produces a replacement for text a constraint found
// unacceptable. The HTTP implementation talks to any OpenAI-compatible chat
// completions endpoint; the static implementation produces deterministic
// replacements for offline pipelines and tests. Governed wraps any generator
// with the runtime safety controls (timeouts, retries, circuit breaking,
// rate limiting) from internal/governance.
package gen
