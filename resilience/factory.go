package resilience

import (
	"time"

	"github.com/CIRISAI/ciris-bus-fabric/core"
	"github.com/CIRISAI/ciris-bus-fabric/telemetry"
)

// ResilienceDependencies holds optional dependencies (follows framework pattern)
type ResilienceDependencies struct {
	Logger    core.Logger
	Telemetry core.Telemetry

	// FailureThreshold, RecoveryTimeout, and SuccessThreshold override the
	// fabric-wide breaker defaults when non-zero, letting a caller tune a
	// single provider's breaker away from DefaultConfig.
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
}

// globalTelemetryAvailable detects whether the telemetry module has been
// initialized globally, mirroring core's global-registry pattern.
func globalTelemetryAvailable() bool {
	return telemetry.GetRegistry() != nil
}

// CreateCircuitBreaker creates a circuit breaker with proper dependency injection,
// named after the provider or service it protects.
func CreateCircuitBreaker(name string, deps ResilienceDependencies) (*CircuitBreaker, error) {
	config := DefaultConfig(name)

	if deps.FailureThreshold != 0 {
		config.FailureThreshold = deps.FailureThreshold
	}
	if deps.RecoveryTimeout != 0 {
		config.RecoveryTimeout = deps.RecoveryTimeout
	}
	if deps.SuccessThreshold != 0 {
		config.SuccessThreshold = deps.SuccessThreshold
	}

	if deps.Logger != nil {
		config.Logger = deps.Logger
	} else {
		config.Logger = core.NewProductionLogger(
			core.LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
			core.DevelopmentConfig{},
			"ciris-bus-fabric",
		)
	}
	if cal, ok := config.Logger.(core.ComponentAwareLogger); ok {
		config.Logger = cal.WithComponent("framework/resilience")
	}

	if deps.Telemetry != nil || globalTelemetryAvailable() {
		config.Metrics = NewTelemetryMetrics()
		config.Logger.Info("Telemetry integration enabled for circuit breaker", map[string]interface{}{
			"operation": "telemetry_integration",
			"name":      name,
			"component": "circuit_breaker",
		})
	}

	config.Logger.Info("Creating circuit breaker", map[string]interface{}{
		"operation":         "circuit_breaker_creation",
		"name":              name,
		"failure_threshold": config.FailureThreshold,
		"recovery_timeout":  config.RecoveryTimeout.String(),
	})

	return NewCircuitBreaker(config)
}

// WithLogger creates a dependency injection option
func WithLogger(logger core.Logger) func(*ResilienceDependencies) {
	return func(d *ResilienceDependencies) {
		d.Logger = logger
	}
}

// WithTelemetry creates a dependency injection option
func WithTelemetry(t core.Telemetry) func(*ResilienceDependencies) {
	return func(d *ResilienceDependencies) {
		d.Telemetry = t
	}
}
