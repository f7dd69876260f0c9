package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBreaker struct {
	available bool
	state     string
}

func (f *fakeBreaker) CanExecute() bool                    { return f.available }
func (f *fakeBreaker) RecordSuccess()                       {}
func (f *fakeBreaker) RecordFailure()                        {}
func (f *fakeBreaker) GetState() string                     { return f.state }
func (f *fakeBreaker) GetMetrics() map[string]interface{}   { return nil }
func (f *fakeBreaker) Reset()                               {}

func newTestRegistry() *Registry {
	return New(WithCircuitBreakerFactory(func(name string, _ *CircuitBreakerOverride) (CircuitBreaker, error) {
		return &fakeBreaker{available: true, state: "closed"}, nil
	}))
}

type unhealthyInstance struct{}

func (unhealthyInstance) IsHealthy() bool { return false }

func TestRegisterAndGetServicesByType(t *testing.T) {
	r := newTestRegistry()
	name, err := r.Register(Registration{
		ServiceType:  ServiceTypeLLM,
		Instance:     "real-provider",
		Priority:     PriorityNormal,
		Capabilities: []string{"call_llm_structured"},
		Kind:         ProviderKindReal,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, name)

	services := r.GetServicesByType(ServiceTypeLLM)
	require.Len(t, services, 1)
	assert.Equal(t, "real-provider", services[0])
}

func TestDuplicateNameRejected(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Register(Registration{ServiceType: ServiceTypeTool, Instance: 1, Name: "dup"})
	require.NoError(t, err)
	_, err = r.Register(Registration{ServiceType: ServiceTypeTool, Instance: 2, Name: "dup"})
	assert.Error(t, err)
}

func TestMockRealIsolation(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Register(Registration{ServiceType: ServiceTypeLLM, Instance: 1, Kind: ProviderKindMock, Name: "mock-a"})
	require.NoError(t, err)

	_, err = r.Register(Registration{ServiceType: ServiceTypeLLM, Instance: 2, Kind: ProviderKindReal, Name: "real-a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SECURITY VIOLATION")
}

func TestGetServicePriorityOrder(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Register(Registration{
		ServiceType: ServiceTypeLLM, Instance: "low", Priority: PriorityLow, Name: "low",
		Capabilities: []string{"c"}, Kind: ProviderKindReal,
	})
	require.NoError(t, err)
	_, err = r.Register(Registration{
		ServiceType: ServiceTypeLLM, Instance: "high", Priority: PriorityHigh, Name: "high",
		Capabilities: []string{"c"}, Kind: ProviderKindReal,
	})
	require.NoError(t, err)

	inst, provider, err := r.GetService("handler", ServiceTypeLLM, []string{"c"})
	require.NoError(t, err)
	assert.Equal(t, "high", inst)
	assert.Equal(t, "high", provider.Name)
}

func TestGetServiceCapabilityFilter(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Register(Registration{
		ServiceType: ServiceTypeLLM, Instance: "basic", Priority: PriorityNormal, Name: "basic",
		Capabilities: []string{"call_llm_structured"}, Kind: ProviderKindReal,
	})
	require.NoError(t, err)

	inst, _, err := r.GetService("handler", ServiceTypeLLM, []string{"vision"})
	require.NoError(t, err)
	assert.Nil(t, inst)

	metrics := r.Metrics()
	assert.Equal(t, uint64(1), metrics.Misses)
}

func TestGetServiceSkipsUnhealthy(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Register(Registration{
		ServiceType: ServiceTypeTool, Instance: unhealthyInstance{}, Name: "unhealthy",
	})
	require.NoError(t, err)

	inst, _, err := r.GetService("handler", ServiceTypeTool, nil)
	require.NoError(t, err)
	assert.Nil(t, inst)

	metrics := r.Metrics()
	assert.Equal(t, uint64(1), metrics.HealthCheckFailures)
}

func TestRoundRobinRotatesWithinGroup(t *testing.T) {
	r := newTestRegistry()
	for _, name := range []string{"a", "b"} {
		_, err := r.Register(Registration{
			ServiceType: ServiceTypeTool, Instance: name, Name: name,
			Priority: PriorityNormal, Strategy: StrategyRoundRobin,
		})
		require.NoError(t, err)
	}

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		inst, _, err := r.GetService("handler", ServiceTypeTool, nil)
		require.NoError(t, err)
		seen[inst.(string)]++
	}
	assert.Equal(t, 2, seen["a"])
	assert.Equal(t, 2, seen["b"])
}

func TestUnregisterRemovesProviderAndBreaker(t *testing.T) {
	r := newTestRegistry()
	name, err := r.Register(Registration{ServiceType: ServiceTypeTool, Instance: 1, Name: "x"})
	require.NoError(t, err)
	require.NoError(t, r.Unregister(name))
	assert.Empty(t, r.GetServicesByType(ServiceTypeTool))
}

func TestHitRateAccounting(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Register(Registration{
		ServiceType: ServiceTypeTool, Instance: "t", Name: "t", Capabilities: []string{"run"},
	})
	require.NoError(t, err)

	_, _, _ = r.GetService("h", ServiceTypeTool, []string{"run"})
	_, _, _ = r.GetService("h", ServiceTypeTool, []string{"missing"})

	m := r.Metrics()
	assert.Equal(t, uint64(2), m.Lookups)
	assert.Equal(t, uint64(1), m.Hits)
	assert.Equal(t, uint64(1), m.Misses)
	assert.InDelta(t, 0.5, m.HitRate, 0.0001)
}

// TestRegisterAppliesCircuitBreakerConfigOverride confirms a per-provider
// Registration.CircuitBreakerConfig actually reaches the breaker the
// default factory constructs, rather than being silently discarded: a
// provider registered with FailureThreshold: 1 must trip after a single
// failure while a sibling on the registry-wide default does not.
func TestRegisterAppliesCircuitBreakerConfigOverride(t *testing.T) {
	r := New()

	_, err := r.Register(Registration{
		ServiceType: ServiceTypeTool, Instance: 1, Name: "tight",
		CircuitBreakerConfig: &CircuitBreakerOverride{FailureThreshold: 1, SuccessThreshold: 1},
	})
	require.NoError(t, err)
	_, err = r.Register(Registration{ServiceType: ServiceTypeTool, Instance: 2, Name: "loose"})
	require.NoError(t, err)

	var tight, loose CircuitBreaker
	for _, p := range r.Providers(ServiceTypeTool) {
		switch p.Name {
		case "tight":
			tight = p.Breaker
		case "loose":
			loose = p.Breaker
		}
	}
	require.NotNil(t, tight)
	require.NotNil(t, loose)

	tight.RecordFailure()
	loose.RecordFailure()

	assert.Equal(t, "open", tight.GetState(), "FailureThreshold: 1 override should trip after one failure")
	assert.Equal(t, "closed", loose.GetState(), "default FailureThreshold should not trip after one failure")
}
