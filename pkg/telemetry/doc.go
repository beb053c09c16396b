// Package telemetry wires OpenTelemetry tracing and metrics plus Prometheus
// run metrics for the constraint engine.
//
// It centralises trace provider setup, exposes the per-run and per-invocation
// instruments the executor records, and guards span attributes so candidate
// text never leaves the process through telemetry; only hashes, lengths and
// classifications are exported.
package telemetry
