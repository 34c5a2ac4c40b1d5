package integration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts.
	MaxAttempts int

	// InitialDelay is the initial delay between attempts.
	InitialDelay time.Duration

	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration

	// BackoffMultiplier multiplies the delay after each attempt.
	BackoffMultiplier float64

	// RetryableErrors reports whether an error should trigger another attempt.
	// If nil, all errors are retried.
	RetryableErrors func(error) bool

	// Clock drives the backoff timer. Defaults to the wall clock.
	Clock clock.Clock
}

// DefaultRetryConfig returns the backoff used when dialing a debug adapter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       10,
		InitialDelay:      50 * time.Millisecond,
		MaxDelay:          time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Retry executes fn until it succeeds, the attempts are exhausted, or ctx is done.
// If MaxAttempts is <= 0, it defaults to 1 attempt.
func Retry[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if cfg.RetryableErrors != nil && !cfg.RetryableErrors(err) {
			return zero, fmt.Errorf("non-retryable error: %w", err)
		}
		if attempt == maxAttempts {
			break
		}

		timer := clk.Timer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * cfg.BackoffMultiplier)
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return zero, fmt.Errorf("all %d attempts failed: %w", maxAttempts, lastErr)
}

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState int

const (
	// CircuitClosed means the circuit is operating normally.
	CircuitClosed CircuitBreakerState = iota

	// CircuitOpen means the circuit is tripped and rejecting calls.
	CircuitOpen

	// CircuitHalfOpen means the circuit lets a trial call through.
	CircuitHalfOpen
)

// String returns the string representation of the state.
func (s CircuitBreakerState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that open the circuit.
	FailureThreshold int

	// SuccessThreshold is the number of successes in half-open state
	// before closing the circuit.
	SuccessThreshold int

	// Timeout is how long the circuit stays open before a trial call is allowed.
	Timeout time.Duration

	// Clock supplies the current time. Defaults to the wall clock.
	Clock clock.Clock

	// OnStateChange is called synchronously, outside the breaker lock,
	// when the circuit state changes.
	OnStateChange func(from, to CircuitBreakerState)
}

// DefaultCircuitBreakerConfig returns sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		Timeout:          30 * time.Second,
	}
}

// CircuitBreaker implements the circuit breaker pattern.
type CircuitBreaker struct {
	mu     sync.Mutex
	config CircuitBreakerConfig
	clock  clock.Clock

	state       CircuitBreakerState
	failures    int
	successes   int
	lastFailure time.Time
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 1
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &CircuitBreaker{
		config: cfg,
		clock:  clk,
		state:  CircuitClosed,
	}
}

// Allow reports whether a call may proceed. An open circuit whose timeout
// has elapsed moves to half-open and allows the call.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	var change func()
	allowed := false

	switch cb.state {
	case CircuitClosed, CircuitHalfOpen:
		allowed = true
	case CircuitOpen:
		if cb.clock.Since(cb.lastFailure) >= cb.config.Timeout {
			change = cb.transitionTo(CircuitHalfOpen)
			allowed = true
		}
	}
	cb.mu.Unlock()

	if change != nil {
		change()
	}
	return allowed
}

// RecordFailure counts a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	var change func()

	cb.failures++
	cb.successes = 0
	cb.lastFailure = cb.clock.Now()

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.config.FailureThreshold {
			change = cb.transitionTo(CircuitOpen)
		}
	case CircuitHalfOpen:
		change = cb.transitionTo(CircuitOpen)
	}
	cb.mu.Unlock()

	if change != nil {
		change()
	}
}

// RecordSuccess counts a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	var change func()

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			change = cb.transitionTo(CircuitClosed)
		}
	}
	cb.mu.Unlock()

	if change != nil {
		change()
	}
}

// transitionTo moves to newState and returns the notification to run after
// the lock is released (must hold lock).
func (cb *CircuitBreaker) transitionTo(newState CircuitBreakerState) func() {
	oldState := cb.state
	cb.state = newState
	cb.failures = 0
	cb.successes = 0

	if cb.config.OnStateChange == nil || oldState == newState {
		return nil
	}
	notify := cb.config.OnStateChange
	return func() { notify(oldState, newState) }
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the circuit closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	var change func()
	if cb.state != CircuitClosed {
		change = cb.transitionTo(CircuitClosed)
	}
	cb.failures = 0
	cb.mu.Unlock()

	if change != nil {
		change()
	}
}

// SafeGo runs fn in a goroutine with panic recovery.
func SafeGo(fn func(), onPanic func(recovered any)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				if onPanic != nil {
					onPanic(r)
				}
			}
		}()
		fn()
	}()
}
