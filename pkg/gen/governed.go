package gen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lexsight/lattice/internal/governance"
	"github.com/lexsight/lattice/pkg/domain"
	"github.com/lexsight/lattice/pkg/telemetry"
)

// GovernedConfig bundles the safety controls applied around a generator.
type GovernedConfig struct {
	// Backend names the wrapped backend for breaker and limiter scoping.
	Backend string
	// Retry controls retry behaviour. Zero values select defaults; the
	// retryable error set always covers the generation sentinels.
	Retry governance.RetryConfig
	// Timeout bounds each generation attempt.
	Timeout governance.TimeoutConfig
	// Breaker configures the circuit breaker.
	Breaker governance.CircuitBreakerConfig
	// RequestsPerSecond throttles calls to the backend. Zero disables
	// throttling.
	RequestsPerSecond int
	// Burst is the limiter burst size when throttling is enabled.
	Burst int
	// OnRetry is invoked before each retry attempt with the attempt number
	// (starting at 1) and the error that triggered the retry.
	OnRetry func(attempt int, err error)
}

// Governed wraps a Generator with timeout, retry, circuit breaking and rate
// limiting. Failures escalate as the domain generation sentinels so
// regeneration constraints can reject after retries are exhausted.
type Governed struct {
	backend  string
	inner    Generator
	logger   *slog.Logger
	retry    *governance.RetryPolicy
	timeouts *governance.TimeoutManager
	breaker  *governance.CircuitBreaker
	limiter  *governance.RateLimiter
	onRetry  func(attempt int, err error)
}

// NewGoverned wraps the generator with the configured safety controls.
func NewGoverned(inner Generator, config GovernedConfig, logger *slog.Logger) *Governed {
	if logger == nil {
		logger = slog.Default()
	}
	backend := config.Backend
	if backend == "" {
		backend = "generator"
	}

	retryCfg := config.Retry
	if len(retryCfg.RetryableErrors) == 0 {
		retryCfg.RetryableErrors = []error{
			domain.ErrGenerationUnavailable,
			domain.ErrGenerationTimeout,
		}
	}

	var limiter *governance.RateLimiter
	if config.RequestsPerSecond > 0 {
		limiter = governance.NewRateLimiter(map[string]governance.RateLimiterConfig{
			backend: {RequestsPerSecond: config.RequestsPerSecond, BurstSize: config.Burst},
		})
	}

	return &Governed{
		backend:  backend,
		inner:    inner,
		logger:   logger.With("component", "gen.governed", "backend", backend),
		retry:    governance.NewRetryPolicy(retryCfg),
		timeouts: governance.NewTimeoutManager(config.Timeout),
		breaker:  governance.NewCircuitBreaker(config.Breaker),
		limiter:  limiter,
		onRetry:  config.OnRetry,
	}
}

// Generate runs one governed generation: limiter, breaker, per-attempt
// timeout, and retries with exponential backoff.
func (g *Governed) Generate(ctx context.Context, req Request) (string, error) {
	var result string
	var attempt int
	var lastErr error

	err := g.retry.ExecuteWithRetry(ctx, func() error {
		if attempt > 0 {
			telemetry.RecordGenerationRetry(ctx, g.backend)
			if g.onRetry != nil {
				g.onRetry(attempt, lastErr)
			}
			g.logger.Debug("retrying generation",
				"constraint_id", req.ConstraintID,
				"attempt", attempt,
			)
		}
		attempt++

		attemptErr := g.attemptOnce(ctx, req, &result)
		if attemptErr != nil {
			lastErr = attemptErr
		}
		return attemptErr
	})
	if err != nil {
		if errors.Is(err, governance.ErrCircuitOpen) {
			return "", fmt.Errorf("%w: %v", domain.ErrGenerationUnavailable, err)
		}
		return "", err
	}

	return result, nil
}

func (g *Governed) attemptOnce(ctx context.Context, req Request, result *string) error {
	if g.limiter != nil && !g.limiter.AllowContext(ctx, g.backend) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", domain.ErrGenerationUnavailable, governance.ErrRateLimited)
	}

	return g.breaker.ExecuteContext(ctx, func(ctx context.Context) error {
		attemptCtx, cancel := g.timeouts.WithRequestTimeout(ctx)
		defer cancel()

		text, genErr := g.inner.Generate(attemptCtx, req)
		if genErr != nil {
			g.logger.Warn("generation attempt failed",
				"constraint_id", req.ConstraintID,
				"error", genErr,
			)
			return genErr
		}
		*result = text
		return nil
	})
}

// Deterministic reports the wrapped generator's determinism; governance does
// not change what the generator produces.
func (g *Governed) Deterministic() bool {
	return IsDeterministic(g.inner)
}
