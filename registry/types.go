// Package registry implements the service registry that sits between the
// typed buses and the concrete providers that satisfy them: it tracks
// priority-ordered candidates per service type, owns a per-provider circuit
// breaker, filters by capability, and enforces the mock/real LLM isolation
// invariant.
package registry

import "fmt"

// ServiceType is the closed enumeration of provider kinds. It determines
// which bus handles a given provider.
type ServiceType string

const (
	ServiceTypeLLM            ServiceType = "LLM"
	ServiceTypeMemory         ServiceType = "MEMORY"
	ServiceTypeCommunication  ServiceType = "COMMUNICATION"
	ServiceTypeTool           ServiceType = "TOOL"
	ServiceTypeWiseAuthority  ServiceType = "WISE_AUTHORITY"
	ServiceTypeRuntimeControl ServiceType = "RUNTIME_CONTROL"
	ServiceTypeAudit          ServiceType = "AUDIT"
	ServiceTypeTelemetry      ServiceType = "TELEMETRY"
	ServiceTypeConfig         ServiceType = "CONFIG"
	ServiceTypeTime           ServiceType = "TIME"
	ServiceTypeSecrets        ServiceType = "SECRETS"
	ServiceTypeMaintenance    ServiceType = "MAINTENANCE"
)

// Priority orders providers within a service type. Lower ordinal is tried
// first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	default:
		return fmt.Sprintf("PRIORITY(%d)", int(p))
	}
}

// BumpUp returns the priority one step higher (lower ordinal), bounded at
// PriorityHigh. Used by LLMBus to boost domain-matched providers.
func (p Priority) BumpUp() Priority {
	if p <= PriorityHigh {
		return p
	}
	return p - 1
}

// SelectionStrategy is the registry-level policy for walking priority
// groups. Distinct from a bus's DistributionStrategy, which picks within one
// priority group.
type SelectionStrategy string

const (
	StrategyFallback   SelectionStrategy = "FALLBACK"
	StrategyRoundRobin SelectionStrategy = "ROUND_ROBIN"
)

// ProviderKind is an explicit replacement for the original system's
// class-name sniffing ("does the type name contain Mock?"): every provider
// declares whether it is a mock or a real implementation at registration
// time.
type ProviderKind string

const (
	ProviderKindReal ProviderKind = "REAL"
	ProviderKindMock ProviderKind = "MOCK"
)

// HealthChecker is the optional contract a provider instance may satisfy so
// the registry can skip unhealthy candidates. Providers that do not
// implement it are always considered healthy.
type HealthChecker interface {
	IsHealthy() bool
}

// Registration describes a provider at registration time.
type Registration struct {
	ServiceType          ServiceType
	Instance             interface{}
	Priority             Priority
	PriorityGroup        int
	Capabilities         []string
	Metadata             map[string]string
	Strategy             SelectionStrategy
	Kind                 ProviderKind
	Name                 string // optional explicit name; derived if empty
	CircuitBreakerConfig *CircuitBreakerOverride
}

// CircuitBreakerOverride lets a caller tune a provider's breaker away from
// the registry-wide defaults.
type CircuitBreakerOverride struct {
	FailureThreshold int
	RecoveryTimeout  int // seconds
	SuccessThreshold int
}

// ServiceProvider is the record the registry owns for one registered
// provider.
type ServiceProvider struct {
	Name          string
	ServiceType   ServiceType
	Instance      interface{}
	Priority      Priority
	PriorityGroup int
	Capabilities  map[string]struct{}
	Metadata      map[string]string
	Strategy      SelectionStrategy
	Kind          ProviderKind
	Breaker       CircuitBreaker

	insertionSeq uint64
}

// CircuitBreaker is the subset of resilience.CircuitBreaker the registry
// depends on; declared locally so registry does not need to import the
// concrete implementation type in its public surface.
type CircuitBreaker interface {
	CanExecute() bool
	RecordSuccess()
	RecordFailure()
	GetState() string
	GetMetrics() map[string]interface{}
	Reset()
}

// HasCapabilities reports whether the provider declares every capability in
// required.
func (p *ServiceProvider) HasCapabilities(required []string) bool {
	for _, c := range required {
		if _, ok := p.Capabilities[c]; !ok {
			return false
		}
	}
	return true
}

// IsHealthy evaluates the optional HealthChecker contract; a provider that
// doesn't implement it is assumed healthy.
func (p *ServiceProvider) IsHealthy() (healthy bool, panicked bool) {
	hc, ok := p.Instance.(HealthChecker)
	if !ok {
		return true, false
	}
	defer func() {
		if r := recover(); r != nil {
			healthy = false
			panicked = true
		}
	}()
	return hc.IsHealthy(), false
}

func capabilitySet(caps []string) map[string]struct{} {
	set := make(map[string]struct{}, len(caps))
	for _, c := range caps {
		set[c] = struct{}{}
	}
	return set
}
