// Package resilience implements the fault-tolerance primitives that protect
// calls to external service providers: a per-provider circuit breaker and
// the retry helper in retry.go.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CIRISAI/ciris-bus-fabric/core"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed allows all requests through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen allows limited probing requests for testing recovery
	StateHalfOpen
)

// String returns the string representation of the state
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MetricsCollector interface for circuit breaker metrics
type MetricsCollector interface {
	RecordSuccess(name string)
	RecordFailure(name string, errorType string)
	RecordStateChange(name string, from, to string)
	RecordRejection(name string)
}

// noopMetrics is a no-op metrics implementation
type noopMetrics struct{}

func (n *noopMetrics) RecordSuccess(name string)                      {}
func (n *noopMetrics) RecordFailure(name string, errorType string)    {}
func (n *noopMetrics) RecordStateChange(name string, from, to string) {}
func (n *noopMetrics) RecordRejection(name string)                    {}

// ErrorClassifier determines which errors should count toward circuit breaker thresholds.
// Rate-limit responses are excluded by convention: callers pass a classifier
// that returns false for errors wrapping core.ErrRequestFailed with a 429 status,
// since a provider asking us to slow down is not the same as a provider failing.
type ErrorClassifier func(error) bool

// DefaultErrorClassifier counts every non-nil error as a failure except
// context cancellation (context.Canceled or core.ErrContextCanceled). Callers
// protecting LLM providers install a classifier that excludes rate limits.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, core.ErrContextCanceled) {
		return false
	}
	return true
}

// CircuitBreakerConfig holds configuration for the circuit breaker.
// Defaults match the fabric-wide values in core.DefaultCircuitBreakerConfigValues.
type CircuitBreakerConfig struct {
	// Name identifies the circuit breaker
	Name string

	// FailureThreshold is the number of consecutive failures before opening
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays open before probing again
	RecoveryTimeout time.Duration

	// SuccessThreshold is the number of consecutive half-open successes needed to close
	SuccessThreshold int

	// TimeoutDuration is an advisory call timeout, used by ExecuteWithTimeout callers
	TimeoutDuration time.Duration

	// ErrorClassifier determines which errors count as failures
	ErrorClassifier ErrorClassifier

	// Logger for circuit breaker events
	Logger core.Logger

	// Metrics collector for monitoring
	Metrics MetricsCollector
}

// DefaultConfig returns a circuit breaker configuration using the fabric defaults.
func DefaultConfig(name string) *CircuitBreakerConfig {
	defaults := core.DefaultCircuitBreakerConfigValues()
	return &CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: defaults.FailureThreshold,
		RecoveryTimeout:  defaults.RecoveryTimeout,
		SuccessThreshold: defaults.SuccessThreshold,
		TimeoutDuration:  defaults.TimeoutDuration,
		ErrorClassifier:  DefaultErrorClassifier,
		Logger:           &core.NoOpLogger{},
		Metrics:          &noopMetrics{},
	}
}

// Validate validates the circuit breaker configuration
func (c *CircuitBreakerConfig) Validate() error {
	if c == nil {
		return errors.New("configuration cannot be nil")
	}
	if c.Name == "" {
		return errors.New("circuit breaker name is required")
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("failure threshold must be at least 1, got %d", c.FailureThreshold)
	}
	if c.SuccessThreshold < 1 {
		return fmt.Errorf("success threshold must be at least 1, got %d", c.SuccessThreshold)
	}
	if c.RecoveryTimeout < 0 {
		return fmt.Errorf("recovery timeout must be non-negative, got %v", c.RecoveryTimeout)
	}
	return nil
}

// CircuitBreaker is a per-provider finite state machine (CLOSED / OPEN / HALF_OPEN)
// tracking consecutive failures, successes, and recovery timing. It implements
// core.CircuitBreaker.
type CircuitBreaker struct {
	config *CircuitBreakerConfig

	mu              sync.Mutex
	state           CircuitState
	failureCount    int
	successCount    int // successes accumulated while in HALF_OPEN
	consecutiveFailures int
	lastFailureTime time.Time
	lastOpenTime    time.Time
	stateChangedAt  time.Time

	// Cumulative counters, exposed via GetMetrics
	totalCalls        atomic.Uint64
	totalSuccesses    atomic.Uint64
	totalFailures     atomic.Uint64
	stateTransitions  atomic.Uint64
	totalTrips        atomic.Uint64
	totalResets       atomic.Uint64
	recoveryAttempts  atomic.Uint64
	timeInOpenState   atomic.Int64 // nanoseconds, cumulative across all OPEN sojourns
}

// NewCircuitBreaker creates a circuit breaker from config, applying fabric defaults
// for anything left zero.
func NewCircuitBreaker(config *CircuitBreakerConfig) (*CircuitBreaker, error) {
	if config == nil {
		config = DefaultConfig("default")
	}
	defaults := core.DefaultCircuitBreakerConfigValues()
	if config.FailureThreshold == 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.RecoveryTimeout == 0 {
		config.RecoveryTimeout = defaults.RecoveryTimeout
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = defaults.SuccessThreshold
	}
	if config.TimeoutDuration == 0 {
		config.TimeoutDuration = defaults.TimeoutDuration
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultErrorClassifier
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &noopMetrics{}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid circuit breaker config: %w", err)
	}

	cb := &CircuitBreaker{
		config:         config,
		state:          StateClosed,
		stateChangedAt: time.Now(),
	}

	config.Logger.Info("Circuit breaker created", map[string]interface{}{
		"operation":         "circuit_breaker_created",
		"name":              config.Name,
		"failure_threshold": config.FailureThreshold,
		"recovery_timeout":  config.RecoveryTimeout.String(),
		"success_threshold": config.SuccessThreshold,
	})

	return cb, nil
}

// SetLogger sets the logger provider, tagging it with the resilience component.
func (cb *CircuitBreaker) SetLogger(logger core.Logger) {
	if logger == nil {
		cb.config.Logger = &core.NoOpLogger{}
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		cb.config.Logger = cal.WithComponent("framework/resilience")
	} else {
		cb.config.Logger = logger
	}
}

// CanExecute reports whether the breaker would allow a call right now,
// transitioning OPEN to HALF_OPEN if the recovery timeout has elapsed.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.isAvailableLocked()
}

// isAvailableLocked must be called with cb.mu held.
func (cb *CircuitBreaker) isAvailableLocked() bool {
	switch cb.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if time.Since(cb.lastFailureTime) >= cb.config.RecoveryTimeout {
			cb.transitionToHalfOpenLocked()
			return true
		}
		return false
	default:
		return false
	}
}

// Execute runs fn with circuit breaker protection and no timeout.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	return cb.ExecuteWithTimeout(ctx, 0, fn)
}

// ExecuteWithTimeout runs fn with circuit breaker protection and an optional timeout.
func (cb *CircuitBreaker) ExecuteWithTimeout(ctx context.Context, timeout time.Duration, fn func() error) error {
	cb.mu.Lock()
	allowed := cb.isAvailableLocked()
	state := cb.state
	cb.mu.Unlock()

	if !allowed {
		cb.config.Logger.Info("Circuit breaker rejected call", map[string]interface{}{
			"operation": "circuit_breaker_reject",
			"name":      cb.config.Name,
			"state":     state.String(),
		})
		cb.config.Metrics.RecordRejection(cb.config.Name)
		return fmt.Errorf("circuit breaker %q is open: %w", cb.config.Name, core.ErrCircuitBreakerOpen)
	}

	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				stack := debug.Stack()
				cb.config.Logger.Error("Circuit breaker caught panic", map[string]interface{}{
					"name":  cb.config.Name,
					"panic": fmt.Sprintf("%v", r),
				})
				done <- fmt.Errorf("panic in protected call: %v\n%s", r, stack)
				return
			}
		}()
		done <- fn()
	}()

	select {
	case err := <-done:
		cb.recordResult(err)
		return err
	case <-ctx.Done():
		go func() {
			err := <-done
			cb.recordResult(err)
		}()
		return ctx.Err()
	}
}

// recordResult applies a call outcome to the state machine.
func (cb *CircuitBreaker) recordResult(err error) {
	if err == nil || !cb.config.ErrorClassifier(err) {
		cb.RecordSuccess()
		return
	}
	cb.RecordFailure()
}

// RecordSuccess records a successful call against the state machine.
//
// CLOSED: resets failure_count to 0.
// HALF_OPEN: increments success_count; closes once success_count reaches
// success_threshold.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalCalls.Add(1)
	cb.totalSuccesses.Add(1)
	cb.config.Metrics.RecordSuccess(cb.config.Name)

	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
		cb.consecutiveFailures = 0
	case StateHalfOpen:
		cb.successCount++
		cb.config.Logger.Debug("Half-open probe succeeded", map[string]interface{}{
			"operation": "circuit_breaker_half_open_success",
			"name":      cb.config.Name,
			"successes": cb.successCount,
			"needed":    cb.config.SuccessThreshold,
		})
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.transitionToClosedLocked()
		}
	}
}

// RecordFailure records a failed call against the state machine.
//
// CLOSED: increments failure_count and consecutive_failures; trips to OPEN
// once failure_count reaches failure_threshold.
// HALF_OPEN: any failure reopens the circuit immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalCalls.Add(1)
	cb.totalFailures.Add(1)
	cb.consecutiveFailures++
	cb.lastFailureTime = time.Now()
	cb.config.Metrics.RecordFailure(cb.config.Name, "call_failure")

	switch cb.state {
	case StateClosed:
		cb.failureCount++
		cb.config.Logger.Debug("Circuit breaker recorded failure", map[string]interface{}{
			"operation":      "circuit_breaker_failure",
			"name":           cb.config.Name,
			"failure_count":  cb.failureCount,
			"threshold":      cb.config.FailureThreshold,
		})
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.transitionToOpenLocked()
		}
	case StateHalfOpen:
		cb.config.Logger.Info("Half-open probe failed, reopening", map[string]interface{}{
			"operation": "circuit_breaker_half_open_failure",
			"name":      cb.config.Name,
		})
		cb.transitionToOpenLocked()
	}
}

// transitionToOpenLocked must be called with cb.mu held.
func (cb *CircuitBreaker) transitionToOpenLocked() {
	from := cb.state
	cb.state = StateOpen
	cb.lastOpenTime = time.Now()
	cb.stateChangedAt = cb.lastOpenTime
	cb.successCount = 0
	cb.totalTrips.Add(1)
	cb.stateTransitions.Add(1)

	cb.config.Logger.Warn("Circuit breaker tripped open", map[string]interface{}{
		"operation":     "circuit_breaker_open",
		"name":          cb.config.Name,
		"from":          from.String(),
		"failure_count": cb.failureCount,
	})
	cb.config.Metrics.RecordStateChange(cb.config.Name, from.String(), StateOpen.String())
}

// transitionToHalfOpenLocked must be called with cb.mu held.
func (cb *CircuitBreaker) transitionToHalfOpenLocked() {
	from := cb.state
	now := time.Now()
	if !cb.lastOpenTime.IsZero() {
		cb.timeInOpenState.Add(int64(now.Sub(cb.lastOpenTime)))
	}
	cb.state = StateHalfOpen
	cb.stateChangedAt = now
	cb.successCount = 0
	cb.recoveryAttempts.Add(1)
	cb.stateTransitions.Add(1)

	cb.config.Logger.Info("Circuit breaker probing recovery", map[string]interface{}{
		"operation": "circuit_breaker_half_open",
		"name":      cb.config.Name,
		"from":      from.String(),
	})
	cb.config.Metrics.RecordStateChange(cb.config.Name, from.String(), StateHalfOpen.String())
}

// transitionToClosedLocked must be called with cb.mu held.
func (cb *CircuitBreaker) transitionToClosedLocked() {
	from := cb.state
	cb.state = StateClosed
	cb.stateChangedAt = time.Now()
	cb.failureCount = 0
	cb.consecutiveFailures = 0
	cb.successCount = 0
	cb.totalResets.Add(1)
	cb.stateTransitions.Add(1)

	cb.config.Logger.Info("Circuit breaker recovered to closed", map[string]interface{}{
		"operation": "circuit_breaker_closed",
		"name":      cb.config.Name,
		"from":      from.String(),
	})
	cb.config.Metrics.RecordStateChange(cb.config.Name, from.String(), StateClosed.String())
}

// GetState returns the current circuit breaker state as a string.
func (cb *CircuitBreaker) GetState() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.String()
}

// GetMetrics returns the exact counters the fabric tracks per breaker.
func (cb *CircuitBreaker) GetMetrics() map[string]interface{} {
	cb.mu.Lock()
	state := cb.state
	failureCount := cb.failureCount
	successCount := cb.successCount
	consecutiveFailures := cb.consecutiveFailures
	lastFailureTime := cb.lastFailureTime
	cb.mu.Unlock()

	totalCalls := cb.totalCalls.Load()
	totalSuccesses := cb.totalSuccesses.Load()
	successRate := float64(totalSuccesses) / float64(max(1, totalCalls))

	metrics := map[string]interface{}{
		"name":                 cb.config.Name,
		"state":                state.String(),
		"failure_count":        failureCount,
		"success_count":        successCount,
		"consecutive_failures": consecutiveFailures,
		"total_calls":          totalCalls,
		"total_successes":      totalSuccesses,
		"total_failures":       cb.totalFailures.Load(),
		"success_rate":         successRate,
		"state_transitions":    cb.stateTransitions.Load(),
		"total_trips":          cb.totalTrips.Load(),
		"total_resets":         cb.totalResets.Load(),
		"recovery_attempts":    cb.recoveryAttempts.Load(),
		"time_in_open_state":   time.Duration(cb.timeInOpenState.Load()).String(),
	}
	if !lastFailureTime.IsZero() {
		metrics["last_failure_time"] = lastFailureTime.UTC().Format(time.RFC3339)
	}
	return metrics
}

// Reset manually resets the circuit breaker to CLOSED, clearing the failure,
// success and consecutive-failure counts. The cumulative totals reported by
// GetMetrics are kept.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	previous := cb.state
	cb.state = StateClosed
	cb.stateChangedAt = time.Now()
	cb.failureCount = 0
	cb.successCount = 0
	cb.consecutiveFailures = 0
	cb.totalResets.Add(1)

	cb.config.Logger.Info("Circuit breaker manually reset", map[string]interface{}{
		"operation": "circuit_breaker_manual_reset",
		"name":      cb.config.Name,
		"previous":  previous.String(),
	})
}

var _ core.CircuitBreaker = (*CircuitBreaker)(nil)
