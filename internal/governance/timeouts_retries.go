package governance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"
)

var (
	// ErrMaxRetriesExceeded is returned when all retry attempts have been exhausted.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)

// RetryConfig defines retry behavior for generator calls.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries).
	MaxRetries int
	// InitialBackoff is the initial delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff is the maximum delay between retries.
	MaxBackoff time.Duration
	// BackoffMultiplier is the factor by which backoff increases.
	BackoffMultiplier float64
	// Jitter adds randomness to backoff to prevent thundering herd.
	Jitter bool
	// RetryableErrors defines which errors should trigger retries. When
	// empty, IsRetryableError is consulted instead.
	RetryableErrors []error
}

// DefaultRetryConfig returns sensible defaults for retry behavior.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// TimeoutConfig defines timeout behavior for generator calls.
type TimeoutConfig struct {
	// RequestTimeout is the maximum duration for a single generation attempt.
	RequestTimeout time.Duration
}

// DefaultTimeoutConfig returns sensible timeout defaults.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		RequestTimeout: 30 * time.Second,
	}
}

// RetryPolicy determines if a failed call should be retried.
type RetryPolicy struct {
	config RetryConfig
}

// NewRetryPolicy creates a retry policy with the given configuration.
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = 100 * time.Millisecond
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 5 * time.Second
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}

	return &RetryPolicy{config: config}
}

// Config returns a copy of the current retry configuration.
func (rp *RetryPolicy) Config() RetryConfig {
	return rp.config
}

// Configure updates the retry policy configuration atomically.
func (rp *RetryPolicy) Configure(config RetryConfig) error {
	if config.InitialBackoff <= 0 {
		return fmt.Errorf("initial backoff must be positive")
	}
	if config.MaxBackoff <= 0 {
		return fmt.Errorf("max backoff must be positive")
	}
	if config.BackoffMultiplier <= 0 {
		return fmt.Errorf("backoff multiplier must be positive")
	}

	rp.config = config
	return nil
}

// ShouldRetry determines if a call should be retried based on the error and
// the attempt count.
func (rp *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	// Never retry if max attempts reached
	if attempt >= rp.config.MaxRetries {
		return false
	}
	if err == nil {
		return false
	}

	// Retry only on configured errors when given
	if len(rp.config.RetryableErrors) > 0 {
		for _, target := range rp.config.RetryableErrors {
			if errors.Is(err, target) {
				return true
			}
		}
		return false
	}

	return IsRetryableError(err)
}

// CalculateBackoff returns the delay before the next retry attempt.
func (rp *RetryPolicy) CalculateBackoff(attempt int) time.Duration {
	// Calculate exponential backoff
	backoff := time.Duration(float64(rp.config.InitialBackoff) * math.Pow(rp.config.BackoffMultiplier, float64(attempt)))

	// Cap at max backoff
	if backoff > rp.config.MaxBackoff {
		backoff = rp.config.MaxBackoff
	}

	// Add jitter if enabled
	if rp.config.Jitter {
		// Add random jitter of up to 25% of the backoff
		// #nosec G404 - Non-cryptographic random is acceptable for jitter
		jitter := time.Duration(rand.Int63n(int64(backoff / 4)))
		backoff += jitter
	}

	return backoff
}

// ExecuteWithRetry executes a function with retry logic.
func (rp *RetryPolicy) ExecuteWithRetry(ctx context.Context, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= rp.config.MaxRetries; attempt++ {
		// Check context cancellation
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		// Execute the function
		lastErr = fn()

		// Success case - return immediately
		if lastErr == nil {
			return nil
		}

		// Check if we should retry
		if !rp.ShouldRetry(lastErr, attempt) {
			if attempt >= rp.config.MaxRetries {
				return fmt.Errorf("%w: %v", ErrMaxRetriesExceeded, lastErr)
			}
			return lastErr
		}

		// Don't backoff after the last attempt
		if attempt < rp.config.MaxRetries {
			backoff := rp.CalculateBackoff(attempt)

			// Wait with context cancellation support
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	// Exhausted all retries
	return fmt.Errorf("%w: %v", ErrMaxRetriesExceeded, lastErr)
}

// TimeoutManager enforces timeout policies on generator calls.
type TimeoutManager struct {
	config TimeoutConfig
}

// NewTimeoutManager creates a timeout manager with the given configuration.
func NewTimeoutManager(config TimeoutConfig) *TimeoutManager {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 30 * time.Second
	}

	return &TimeoutManager{config: config}
}

// Config returns a copy of the current timeout configuration.
func (tm *TimeoutManager) Config() TimeoutConfig {
	return tm.config
}

// Configure updates the timeout configuration atomically.
func (tm *TimeoutManager) Configure(config TimeoutConfig) error {
	if config.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}

	tm.config = config
	return nil
}

// WithRequestTimeout creates a context bounded by the per-attempt timeout.
func (tm *TimeoutManager) WithRequestTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, tm.config.RequestTimeout)
}

// IsRetryableError determines if an error should trigger a retry when no
// explicit retryable error set is configured.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Check for specific error types that indicate transient failures
	errStr := err.Error()
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"timeout",
		"temporary failure",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
