package core

import (
	"testing"
	"time"
)

// TestDefaultCircuitBreakerParams tests the DefaultCircuitBreakerParams function
func TestDefaultCircuitBreakerParams(t *testing.T) {
	testName := "test-circuit-breaker"
	params := DefaultCircuitBreakerParams(testName)

	// Verify name is set correctly
	if params.Name != testName {
		t.Errorf("Name = %q, want %q", params.Name, testName)
	}

	// Verify config is not nil and has reasonable defaults
	if params.Config.FailureThreshold <= 0 {
		t.Errorf("Config.FailureThreshold = %d, want > 0", params.Config.FailureThreshold)
	}

	if params.Config.RecoveryTimeout <= 0 {
		t.Errorf("Config.RecoveryTimeout = %v, want > 0", params.Config.RecoveryTimeout)
	}

	if params.Config.SuccessThreshold <= 0 {
		t.Errorf("Config.SuccessThreshold = %d, want > 0", params.Config.SuccessThreshold)
	}

	if params.Config.TimeoutDuration <= 0 {
		t.Errorf("Config.TimeoutDuration = %v, want > 0", params.Config.TimeoutDuration)
	}

	// Verify specific expected default values
	expectedFailureThreshold := 5
	if params.Config.FailureThreshold != expectedFailureThreshold {
		t.Errorf("Config.FailureThreshold = %d, want %d", params.Config.FailureThreshold, expectedFailureThreshold)
	}

	expectedRecoveryTimeout := 60 * time.Second
	if params.Config.RecoveryTimeout != expectedRecoveryTimeout {
		t.Errorf("Config.RecoveryTimeout = %v, want %v", params.Config.RecoveryTimeout, expectedRecoveryTimeout)
	}

	expectedSuccessThreshold := 3
	if params.Config.SuccessThreshold != expectedSuccessThreshold {
		t.Errorf("Config.SuccessThreshold = %d, want %d", params.Config.SuccessThreshold, expectedSuccessThreshold)
	}

	expectedTimeoutDuration := 30 * time.Second
	if params.Config.TimeoutDuration != expectedTimeoutDuration {
		t.Errorf("Config.TimeoutDuration = %v, want %v", params.Config.TimeoutDuration, expectedTimeoutDuration)
	}

	// Verify that successive calls with same name return same values (pure function)
	params2 := DefaultCircuitBreakerParams(testName)
	if params.Name != params2.Name {
		t.Error("DefaultCircuitBreakerParams() should return consistent Name")
	}
	if params.Config.FailureThreshold != params2.Config.FailureThreshold {
		t.Error("DefaultCircuitBreakerParams() should return consistent FailureThreshold")
	}
	if params.Config.RecoveryTimeout != params2.Config.RecoveryTimeout {
		t.Error("DefaultCircuitBreakerParams() should return consistent RecoveryTimeout")
	}
	if params.Config.SuccessThreshold != params2.Config.SuccessThreshold {
		t.Error("DefaultCircuitBreakerParams() should return consistent SuccessThreshold")
	}

	// Test with different names
	otherName := "other-circuit-breaker"
	params3 := DefaultCircuitBreakerParams(otherName)
	if params3.Name != otherName {
		t.Errorf("Name with different input = %q, want %q", params3.Name, otherName)
	}
	// Config should be the same regardless of name
	if params3.Config.FailureThreshold != expectedFailureThreshold {
		t.Error("Config should be same regardless of name")
	}

	// Test empty name
	emptyParams := DefaultCircuitBreakerParams("")
	if emptyParams.Name != "" {
		t.Errorf("Name with empty input = %q, want empty string", emptyParams.Name)
	}

	// Verify the returned params are suitable for circuit breaker usage
	t.Logf("Default circuit breaker params for %q: FailureThreshold=%d, RecoveryTimeout=%v, SuccessThreshold=%d, TimeoutDuration=%v",
		params.Name, params.Config.FailureThreshold, params.Config.RecoveryTimeout, params.Config.SuccessThreshold, params.Config.TimeoutDuration)

	// Test that we can modify the returned struct without affecting future calls
	originalThreshold := params.Config.FailureThreshold
	params.Config.FailureThreshold = 999
	params4 := DefaultCircuitBreakerParams(testName)
	if params4.Config.FailureThreshold != originalThreshold {
		t.Error("Modifying returned params should not affect future calls")
	}
}
