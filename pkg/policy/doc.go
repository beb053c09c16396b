// Package policy integrates the Open Policy Agent (OPA) engine with the
// constraint pipeline, evaluating Rego policies and failure postures against
// candidate text.
//
// The package wraps evaluation results in domain-friendly types and caches
// prepared queries and decisions so repeated passes over the same text stay
// cheap. It is intentionally decoupled from the engine's execution loop so
// policies can be simulated, tested, and hot-reloaded independently.
package policy
