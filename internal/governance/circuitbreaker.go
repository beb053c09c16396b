package governance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker is in the open state.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState string

const (
	// StateClosed indicates the circuit is closed and calls are allowed.
	StateClosed CircuitBreakerState = "closed"
	// StateOpen indicates the circuit is open and calls are rejected.
	StateOpen CircuitBreakerState = "open"
	// StateHalfOpen indicates the circuit is testing if the generator has recovered.
	StateHalfOpen CircuitBreakerState = "half-open"
)

// CircuitBreakerConfig defines thresholds for circuit breaking.
type CircuitBreakerConfig struct {
	// MaxFailures is the consecutive failure threshold before opening.
	MaxFailures int
	// Timeout is how long the circuit stays open before transitioning to half-open.
	Timeout time.Duration
	// MaxHalfOpenRequests is the number of test calls allowed in half-open state
	// before forcing a decision (close on success, open on failure).
	MaxHalfOpenRequests int
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures:         5,
		Timeout:             30 * time.Second,
		MaxHalfOpenRequests: 3,
	}
}

// CircuitBreaker implements the circuit breaker pattern for generator backends.
type CircuitBreaker struct {
	mu      sync.RWMutex
	state   CircuitBreakerState
	config  CircuitBreakerConfig
	metrics circuitMetrics
}

type circuitMetrics struct {
	totalFailures        int
	totalSuccesses       int
	consecutiveFailures  int
	consecutiveSuccesses int
	halfOpenRequests     int
	lastStateChange      time.Time
	openUntil            time.Time
}

// NewCircuitBreaker creates a circuit breaker with the provided configuration.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 5
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxHalfOpenRequests <= 0 {
		config.MaxHalfOpenRequests = 3
	}

	return &CircuitBreaker{
		state:  StateClosed,
		config: config,
		metrics: circuitMetrics{
			lastStateChange: time.Now(),
		},
	}
}

// Execute wraps a function call with circuit breaker protection.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}

	err := fn()
	cb.afterRequest(err)
	return err
}

// ExecuteContext wraps a function call with circuit breaker and context support.
func (cb *CircuitBreaker) ExecuteContext(ctx context.Context, fn func(context.Context) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := cb.beforeRequest(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.afterRequest(err)
	return err
}

// beforeRequest checks if the call should be allowed.
func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if !cb.metrics.openUntil.IsZero() && now.After(cb.metrics.openUntil) {
			cb.transitionToLocked(StateHalfOpen, now)
			cb.metrics.halfOpenRequests++
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen:
		if cb.metrics.halfOpenRequests < cb.config.MaxHalfOpenRequests {
			cb.metrics.halfOpenRequests++
			return nil
		}
		return ErrCircuitOpen
	default:
		return fmt.Errorf("unknown circuit breaker state: %s", cb.state)
	}
}

// afterRequest records the result of a call.
func (cb *CircuitBreaker) afterRequest(err error) {
	now := time.Now()
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.metrics.totalSuccesses++
		cb.metrics.consecutiveSuccesses++
		cb.metrics.consecutiveFailures = 0
	} else {
		cb.metrics.totalFailures++
		cb.metrics.consecutiveFailures++
		cb.metrics.consecutiveSuccesses = 0
	}

	switch cb.state {
	case StateHalfOpen:
		if err != nil {
			cb.transitionToLocked(StateOpen, now)
			return
		}
		if cb.metrics.consecutiveSuccesses >= cb.config.MaxHalfOpenRequests {
			cb.transitionToLocked(StateClosed, now)
		}
	case StateClosed:
		if err != nil && cb.metrics.consecutiveFailures >= cb.config.MaxFailures {
			cb.transitionToLocked(StateOpen, now)
		}
	}
}

func (cb *CircuitBreaker) transitionToLocked(newState CircuitBreakerState, now time.Time) {
	if cb.state == newState {
		return
	}

	cb.state = newState
	cb.metrics.lastStateChange = now
	cb.metrics.consecutiveFailures = 0
	cb.metrics.consecutiveSuccesses = 0
	cb.metrics.halfOpenRequests = 0

	switch newState {
	case StateOpen:
		cb.metrics.openUntil = now.Add(cb.config.Timeout)
	case StateHalfOpen, StateClosed:
		cb.metrics.openUntil = time.Time{}
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Stats returns current circuit breaker statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return CircuitBreakerStats{
		State:               string(cb.state),
		Failures:            cb.metrics.totalFailures,
		Successes:           cb.metrics.totalSuccesses,
		LastStateChange:     cb.metrics.lastStateChange.Format(time.RFC3339),
		Timeout:             cb.config.Timeout.String(),
		HalfOpenRequests:    cb.metrics.halfOpenRequests,
		MaxHalfOpenRequests: cb.config.MaxHalfOpenRequests,
	}
}

// CircuitBreakerStats exposes circuit breaker status information.
type CircuitBreakerStats struct {
	State               string `json:"state"`
	Failures            int    `json:"failures"`
	Successes           int    `json:"successes"`
	LastStateChange     string `json:"lastStateChange"`
	Timeout             string `json:"timeout"`
	HalfOpenRequests    int    `json:"halfOpenRequests"`
	MaxHalfOpenRequests int    `json:"maxHalfOpenRequests"`
}

// Reset manually resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	cb.transitionToLocked(StateClosed, now)
	cb.metrics.totalFailures = 0
	cb.metrics.totalSuccesses = 0
}

// CircuitBreakerManager manages circuit breakers for multiple generator backends.
type CircuitBreakerManager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewCircuitBreakerManager creates a new circuit breaker manager.
func NewCircuitBreakerManager() *CircuitBreakerManager {
	return &CircuitBreakerManager{
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Configure adds or updates a circuit breaker for a backend.
func (m *CircuitBreakerManager) Configure(backendID string, config CircuitBreakerConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.breakers[backendID] = NewCircuitBreaker(config)
}

// Get retrieves the circuit breaker for a backend, creating one if needed.
func (m *CircuitBreakerManager) Get(backendID string) *CircuitBreaker {
	m.mu.RLock()
	cb, exists := m.breakers[backendID]
	m.mu.RUnlock()

	if exists {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, exists := m.breakers[backendID]; exists {
		return cb
	}

	cb = NewCircuitBreaker(DefaultCircuitBreakerConfig())
	m.breakers[backendID] = cb
	return cb
}

// Stats returns statistics for all circuit breakers.
func (m *CircuitBreakerManager) Stats() map[string]CircuitBreakerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]CircuitBreakerStats, len(m.breakers))
	for backendID, cb := range m.breakers {
		stats[backendID] = cb.Stats()
	}
	return stats
}

// ResetAll resets all circuit breakers to closed state.
func (m *CircuitBreakerManager) ResetAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, cb := range m.breakers {
		cb.Reset()
	}
}
