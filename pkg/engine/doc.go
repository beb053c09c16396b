// Package engine executes constraint pipelines over text.
//
// Architecture:
//
// executor.go  - Convergence loop (passes, rejection, cancellation, audit)
// registry.go  - Constraint registry mapping specs to executable units
// runtime/     - Unit contract shared by executor and constraints
// constraints/ - Built-in rewrite, redact, regenerate and validate units
//
// The executor applies an ordered constraint list repeatedly until a full
// pass leaves the text unchanged, a constraint rejects it, the pass limit
// is exhausted, or the caller cancels. Every invocation is recorded as a
// hash-chained audit event.
package engine
