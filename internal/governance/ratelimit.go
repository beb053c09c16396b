package governance

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a generator call is throttled.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimiterConfig defines per-backend rate limit settings.
type RateLimiterConfig struct {
	RequestsPerSecond int
	BurstSize         int
}

// RateLimiter implements token bucket rate limiting per generator backend.
type RateLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*tokenBucket
	config  map[string]RateLimiterConfig
}

// NewRateLimiter creates a rate limiter with the provided configuration.
func NewRateLimiter(config map[string]RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		buckets: make(map[string]*tokenBucket),
		config:  make(map[string]RateLimiterConfig),
	}
	rl.Configure(config)
	return rl
}

// Configure updates the rate limiter with new per-backend limits.
func (rl *RateLimiter) Configure(config map[string]RateLimiterConfig) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Replace configuration
	rl.config = make(map[string]RateLimiterConfig, len(config))
	for backendID, cfg := range config {
		rl.config[backendID] = cfg
	}

	// Rebuild buckets with new config
	newBuckets := make(map[string]*tokenBucket, len(config))
	for backendID, cfg := range config {
		if bucket, exists := rl.buckets[backendID]; exists {
			// Preserve existing bucket but update config
			bucket.configure(cfg.RequestsPerSecond, cfg.BurstSize)
			newBuckets[backendID] = bucket
		} else {
			newBuckets[backendID] = newTokenBucket(cfg.RequestsPerSecond, cfg.BurstSize)
		}
	}
	rl.buckets = newBuckets
}

// Allow checks if a call to the given backend should be allowed.
// Returns true if allowed, false if rate limit exceeded.
func (rl *RateLimiter) Allow(backendID string) bool {
	rl.mu.RLock()
	bucket, exists := rl.buckets[backendID]
	rl.mu.RUnlock()

	if !exists {
		// No rate limit configured for this backend - allow
		return true
	}

	return bucket.take()
}

// AllowContext checks if a call is allowed, with context cancellation support.
func (rl *RateLimiter) AllowContext(ctx context.Context, backendID string) bool {
	// Check if context is already cancelled
	select {
	case <-ctx.Done():
		return false
	default:
	}

	return rl.Allow(backendID)
}

// Stats returns current rate limit statistics for all backends.
func (rl *RateLimiter) Stats() map[string]RateLimitStats {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	stats := make(map[string]RateLimitStats, len(rl.buckets))
	for backendID, bucket := range rl.buckets {
		stats[backendID] = bucket.stats()
	}
	return stats
}

// RateLimitStats exposes current state of a rate limit bucket.
type RateLimitStats struct {
	Limit          int     `json:"limit"`
	BurstSize      int     `json:"burstSize"`
	Available      float64 `json:"available"`
	LastRefillTime string  `json:"lastRefillTime"`
}

// tokenBucket implements a token bucket algorithm for rate limiting.
type tokenBucket struct {
	mu         sync.Mutex
	rate       float64   // tokens per second
	capacity   float64   // maximum burst size
	tokens     float64   // current available tokens
	lastRefill time.Time // last time tokens were refilled
}

// newTokenBucket creates a token bucket with the specified rate and capacity.
func newTokenBucket(rps, burstSize int) *tokenBucket {
	if rps <= 0 {
		rps = 100 // Default rate
	}
	if burstSize <= 0 {
		burstSize = rps // Default burst = rate
	}

	return &tokenBucket{
		rate:       float64(rps),
		capacity:   float64(burstSize),
		tokens:     float64(burstSize), // Start with full bucket
		lastRefill: time.Now(),
	}
}

// configure updates the bucket's rate and capacity.
func (tb *tokenBucket) configure(rps, burstSize int) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	if rps <= 0 {
		rps = 100
	}
	if burstSize <= 0 {
		burstSize = rps
	}

	oldCapacity := tb.capacity
	tb.rate = float64(rps)
	tb.capacity = float64(burstSize)

	// If new capacity is higher, grant more tokens proportionally
	if tb.capacity > oldCapacity {
		tokensToAdd := tb.capacity - oldCapacity
		tb.tokens += tokensToAdd
	}

	// Cap tokens at new capacity
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
}

// take attempts to consume one token from the bucket.
// Returns true if a token was available, false otherwise.
func (tb *tokenBucket) take() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true
	}

	return false
}

// refill adds tokens to the bucket based on elapsed time.
func (tb *tokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill).Seconds()

	// Add tokens based on rate and elapsed time
	tokensToAdd := elapsed * tb.rate
	tb.tokens += tokensToAdd

	// Cap at capacity
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}

	tb.lastRefill = now
}

// stats returns current statistics for this bucket.
func (tb *tokenBucket) stats() RateLimitStats {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	return RateLimitStats{
		Limit:          int(tb.rate),
		BurstSize:      int(tb.capacity),
		Available:      tb.tokens,
		LastRefillTime: tb.lastRefill.Format(time.RFC3339),
	}
}
