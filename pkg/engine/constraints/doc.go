// Package constraints provides the builtin constraint operations: rewrite
// transforms, redaction, validation, and regeneration. Each operation is
// registered as a factory that validates its parameters once and returns a
// stateless unit the executor can share across runs.
//
// Operations that depend on external capabilities (the generation backend,
// the moderation scorer, policy evaluation) receive them through
// Dependencies; failure posture per capability comes from the policy
// posture set.
package constraints
