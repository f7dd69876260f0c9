package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CIRISAI/ciris-bus-fabric/core"
	"github.com/CIRISAI/ciris-bus-fabric/pricing"
	"github.com/CIRISAI/ciris-bus-fabric/registry"
	"github.com/CIRISAI/ciris-bus-fabric/resilience"
)

type scriptedLLMProvider struct {
	model      string
	shouldFail bool
	callCount  int
}

func (p *scriptedLLMProvider) CallLLMStructured(ctx context.Context, messages []ChatMessage, responseModel interface{}, maxTokens int, temperature float32) (interface{}, pricing.ResourceUsage, error) {
	p.callCount++
	if p.shouldFail {
		return nil, pricing.ResourceUsage{}, errors.New("provider unavailable")
	}
	return "ok", pricing.ResourceUsage{ModelUsed: p.model}, nil
}

func (p *scriptedLLMProvider) IsHealthy() bool          { return true }
func (p *scriptedLLMProvider) GetCapabilities() []string { return []string{llmStructuredCapability} }
func (p *scriptedLLMProvider) GetAvailableModels() []string { return []string{p.model} }

func newTestRegistryWithBreakers(t *testing.T, failureThreshold int, recoveryTimeout time.Duration) *registry.Registry {
	t.Helper()
	return registry.New(registry.WithCircuitBreakerFactory(func(name string, _ *registry.CircuitBreakerOverride) (registry.CircuitBreaker, error) {
		return resilience.NewCircuitBreaker(&resilience.CircuitBreakerConfig{
			Name:             name,
			FailureThreshold: failureThreshold,
			SuccessThreshold: 1,
			RecoveryTimeout:  recoveryTimeout,
			Logger:           &core.NoOpLogger{},
		})
	}))
}

func registerLLM(t *testing.T, reg *registry.Registry, name string, priority registry.Priority, provider LLMProvider, metadata map[string]string) {
	t.Helper()
	_, err := reg.Register(registry.Registration{
		ServiceType:  registry.ServiceTypeLLM,
		Instance:     provider,
		Priority:     priority,
		Capabilities: []string{llmStructuredCapability},
		Kind:         registry.ProviderKindReal,
		Name:         name,
		Metadata:     metadata,
	})
	require.NoError(t, err)
}

// Scenario 1: multi-provider failover.
func TestScenarioMultiProviderFailover(t *testing.T) {
	reg := newTestRegistryWithBreakers(t, 5, time.Minute)
	failing := &scriptedLLMProvider{model: "high-model", shouldFail: true}
	working := &scriptedLLMProvider{model: "normal-model"}
	registerLLM(t, reg, "high", registry.PriorityHigh, failing, nil)
	registerLLM(t, reg, "normal", registry.PriorityNormal, working, nil)

	llmBus := NewLLMBus(reg)
	_, usage, err := llmBus.CallStructured(context.Background(), nil, nil, 100, 0.0, "handler", "")
	require.NoError(t, err)
	assert.Equal(t, "normal-model", usage.ModelUsed)
	assert.Equal(t, 1, failing.callCount)
}

// Scenario 2: circuit breaker opens after N failures; a 4th call doesn't
// invoke the provider at all.
func TestScenarioCircuitBreakerOpensAfterThreshold(t *testing.T) {
	reg := newTestRegistryWithBreakers(t, 3, time.Hour)
	failing := &scriptedLLMProvider{model: "m", shouldFail: true}
	registerLLM(t, reg, "only", registry.PriorityNormal, failing, nil)

	llmBus := NewLLMBus(reg)
	for i := 0; i < 3; i++ {
		_, _, err := llmBus.CallStructured(context.Background(), nil, nil, 100, 0, "handler", "")
		var allFailed *core.AllServicesFailedError
		require.ErrorAs(t, err, &allFailed)
	}
	assert.Equal(t, 3, failing.callCount)

	_, _, err := llmBus.CallStructured(context.Background(), nil, nil, 100, 0, "handler", "")
	require.Error(t, err)
	assert.Equal(t, 3, failing.callCount, "breaker open must short-circuit without invoking the provider")
}

// Scenario 3: recovery after the recovery timeout elapses.
func TestScenarioRecoveryAfterTimeout(t *testing.T) {
	reg := newTestRegistryWithBreakers(t, 1, 20*time.Millisecond)
	provider := &scriptedLLMProvider{model: "m", shouldFail: true}
	registerLLM(t, reg, "only", registry.PriorityNormal, provider, nil)

	llmBus := NewLLMBus(reg)
	_, _, err := llmBus.CallStructured(context.Background(), nil, nil, 100, 0, "handler", "")
	require.Error(t, err)

	time.Sleep(30 * time.Millisecond)
	provider.shouldFail = false

	_, usage, err := llmBus.CallStructured(context.Background(), nil, nil, 100, 0, "handler", "")
	require.NoError(t, err)
	assert.Equal(t, "m", usage.ModelUsed)
}

// Scenario 4: domain routing.
func TestScenarioDomainRouting(t *testing.T) {
	reg := newTestRegistryWithBreakers(t, 5, time.Minute)
	medical := &scriptedLLMProvider{model: "medical-model"}
	general := &scriptedLLMProvider{model: "general-model"}
	registerLLM(t, reg, "medical", registry.PriorityNormal, medical, map[string]string{"domain": "medical"})
	registerLLM(t, reg, "general", registry.PriorityCritical, general, nil)

	llmBus := NewLLMBus(reg)

	_, usage, err := llmBus.CallStructured(context.Background(), nil, nil, 100, 0, "handler", "medical")
	require.NoError(t, err)
	assert.Equal(t, "medical-model", usage.ModelUsed)

	_, usage, err = llmBus.CallStructured(context.Background(), nil, nil, 100, 0, "handler", "")
	require.NoError(t, err)
	assert.Equal(t, "general-model", usage.ModelUsed)
}

func TestNormalizeMessagesStripsAbsentExtraKeys(t *testing.T) {
	messages := []ChatMessage{
		{Role: "user", Content: "hi", Extra: map[string]interface{}{"name": nil, "kept": "yes"}},
	}
	normalized := normalizeMessages(messages)
	_, hasName := normalized[0].Extra["name"]
	assert.False(t, hasName)
	assert.Equal(t, "yes", normalized[0].Extra["kept"])
}
