package telemetry

import "sync"

// ResetMetricsForTest clears cached metric instruments so tests can
// reinitialize them against a fresh MeterProvider. This is intended for
// use in test code only.
func ResetMetricsForTest() {
	metricsOnce = sync.Once{}
	metricsInitErr = nil
	runCounter = nil
	runPassHistogram = nil
	runLatencyHistogram = nil
	invocationCounter = nil
	invocationLatencyHist = nil
	generationRetryCounter = nil
	rejectionCounter = nil
	auditEventGaugeHistogram = nil
}
