// Package governance coordinates runtime safety controls such as rate limiting,
// circuit breaking, retries, and timeout enforcement for generator calls.
//
// Regeneration constraints depend on these primitives to survive flaky or slow
// generator backends without introducing extra infrastructure coupling: each
// generation attempt runs under a per-attempt timeout, transient failures are
// retried with exponential backoff, and a breaker stops hammering a backend
// that keeps failing.
package governance
