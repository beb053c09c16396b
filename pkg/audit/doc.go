// Package audit records constraint invocations as append-only trails.
//
// Every pipeline run owns an arena keyed by its run ID. Events are appended
// in execution order and validated on the way in: ordering must be strictly
// increasing by (pass_index, order_index) and each event's input hash must
// equal the previous event's output hash. Finalize seals an arena and returns
// an immutable copy of the trail; partial trails from cancelled or failed
// runs finalize the same way.
//
// The package also provides offline verification for stored trails, so an
// exported trail can be checked for tampering without the engine that
// produced it.
package audit
