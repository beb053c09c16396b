// Package batch fans a set of pipeline requests out over a bounded worker
// pool. Results are positional and independent: one request failing, being
// rejected or exhausting its pass budget never affects its siblings.
package batch

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/lexsight/lattice/pkg/domain"
)

// DefaultConcurrency bounds the worker pool when no explicit limit is set.
const DefaultConcurrency = 4

// Runner executes a single pipeline request. *engine.Executor satisfies it.
type Runner interface {
	Run(ctx context.Context, req domain.PipelineRequest) (domain.PipelineResult, error)
}

// Result pairs one request's position in the batch with its outcome.
type Result struct {
	// Index is the request's position in the submitted slice.
	Index int

	// Run is the pipeline outcome. Rejection, exhaustion and cancellation
	// are terminal states inside Run, not errors.
	Run domain.PipelineResult

	// Err is set when the run failed outright: configuration errors,
	// constraint faults, audit write failures.
	Err error
}

// Config holds dependencies for creating a Coordinator.
type Config struct {
	// Runner executes individual requests. Required.
	Runner Runner
	// Concurrency bounds the worker pool. Values below 1 select
	// DefaultConcurrency.
	Concurrency int
	// Logger receives batch summaries. Nil falls back to slog.Default().
	Logger *slog.Logger
}

// Coordinator runs batches of pipeline requests concurrently.
type Coordinator struct {
	runner      Runner
	concurrency int
	logger      *slog.Logger
}

// NewCoordinator creates a coordinator with the given configuration.
func NewCoordinator(cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}
	return &Coordinator{
		runner:      cfg.Runner,
		concurrency: concurrency,
		logger:      logger.With("component", "batch.coordinator"),
	}
}

// Run executes every request and returns one result per request, in request
// order. The context flows to each run unchanged, so cancelling it cancels
// the in-flight runs; per-request failures are captured in the corresponding
// Result and never cancel siblings.
func (c *Coordinator) Run(ctx context.Context, requests []domain.PipelineRequest) []Result {
	results := make([]Result, len(requests))
	if len(requests) == 0 {
		return results
	}

	c.logger.Info("batch starting",
		"requests", len(requests),
		"concurrency", c.concurrency,
	)

	var group errgroup.Group
	group.SetLimit(c.concurrency)

	for i, req := range requests {
		group.Go(func() error {
			run, err := c.runner.Run(ctx, req)
			results[i] = Result{Index: i, Run: run, Err: err}
			return nil
		})
	}
	// Workers report failures through their Result slot, never through the
	// group, so Wait only synchronizes completion.
	_ = group.Wait()

	var failed int
	tally := make(map[domain.TerminalReason]int, 4)
	for _, result := range results {
		if result.Err != nil {
			failed++
			continue
		}
		tally[result.Run.TerminalReason]++
	}

	c.logger.Info("batch finished",
		"requests", len(requests),
		"converged", tally[domain.TerminalConverged],
		"rejected", tally[domain.TerminalRejected],
		"exhausted", tally[domain.TerminalMaxPassesExhausted],
		"cancelled", tally[domain.TerminalCancelled],
		"failed", failed,
	)
	return results
}
