package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CIRISAI/ciris-bus-fabric/core"
	"github.com/CIRISAI/ciris-bus-fabric/resilience"
	"github.com/CIRISAI/ciris-bus-fabric/telemetry"
)

// CircuitBreakerFactory builds a named circuit breaker for a newly
// registered provider. override carries the per-provider
// Registration.CircuitBreakerConfig, nil when the caller takes the
// registry-wide defaults. Defaults to resilience.CreateCircuitBreaker;
// tests substitute a factory that returns breakers with tighter thresholds.
type CircuitBreakerFactory func(name string, override *CircuitBreakerOverride) (CircuitBreaker, error)

// Registry brokers every lookup between a bus and the providers registered
// for a service type. All mutating operations are safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers map[ServiceType][]*ServiceProvider
	byName    map[string]*ServiceProvider
	seq       uint64

	rr sync.Map // roundRobinKey -> *uint64

	logger    core.Logger
	breakerFn CircuitBreakerFactory

	lookups             atomic.Uint64
	hits                atomic.Uint64
	misses              atomic.Uint64
	healthCheckFailures atomic.Uint64
	maxOpenBreakersSeen atomic.Uint64
}

// Option configures a Registry at construction time.
type Option func(*Registry)

// WithLogger injects a component-aware logger; defaults to a production
// logger tagged "fabric/registry".
func WithLogger(logger core.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithCircuitBreakerFactory overrides how per-provider breakers are built.
func WithCircuitBreakerFactory(fn CircuitBreakerFactory) Option {
	return func(r *Registry) { r.breakerFn = fn }
}

// New constructs an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		providers: make(map[ServiceType][]*ServiceProvider),
		byName:    make(map[string]*ServiceProvider),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		logger := core.NewProductionLogger(
			core.LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
			core.DevelopmentConfig{},
			"ciris-bus-fabric",
		)
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			logger = cal.WithComponent("fabric/registry")
		}
		r.logger = logger
	}
	if r.breakerFn == nil {
		r.breakerFn = func(name string, override *CircuitBreakerOverride) (CircuitBreaker, error) {
			deps := resilience.ResilienceDependencies{Logger: r.logger}
			if override != nil {
				deps.FailureThreshold = override.FailureThreshold
				deps.SuccessThreshold = override.SuccessThreshold
				if override.RecoveryTimeout != 0 {
					deps.RecoveryTimeout = time.Duration(override.RecoveryTimeout) * time.Second
				}
			}
			return resilience.CreateCircuitBreaker(name, deps)
		}
	}
	return r
}

type roundRobinKey struct {
	serviceType ServiceType
	group       int
}

// Register adds a provider, returning its unique name. It enforces the
// mock/real LLM isolation invariant: an LLM registration is rejected if it
// would mix a mock and a real provider within the same service type.
func (r *Registry) Register(reg Registration) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := reg.Name
	if name == "" {
		name = deriveName(reg)
	}
	if _, exists := r.byName[name]; exists {
		return "", fmt.Errorf("registry: provider name %q already registered", name)
	}

	if reg.ServiceType == ServiceTypeLLM {
		if err := r.checkLLMIsolationLocked(reg.Kind); err != nil {
			return "", err
		}
	}

	breaker, err := r.breakerFn(name, reg.CircuitBreakerConfig)
	if err != nil {
		return "", fmt.Errorf("registry: creating circuit breaker for %q: %w", name, err)
	}

	r.seq++
	provider := &ServiceProvider{
		Name:          name,
		ServiceType:   reg.ServiceType,
		Instance:      reg.Instance,
		Priority:      reg.Priority,
		PriorityGroup: reg.PriorityGroup,
		Capabilities:  capabilitySet(reg.Capabilities),
		Metadata:      reg.Metadata,
		Strategy:      reg.Strategy,
		Kind:          reg.Kind,
		Breaker:       breaker,
		insertionSeq:  r.seq,
	}
	if provider.Strategy == "" {
		provider.Strategy = StrategyFallback
	}
	if provider.Metadata == nil {
		provider.Metadata = map[string]string{}
	}

	r.providers[reg.ServiceType] = append(r.providers[reg.ServiceType], provider)
	sortProviders(r.providers[reg.ServiceType])
	r.byName[name] = provider

	telemetry.Counter("registry.providers.registered",
		"module", telemetry.ModuleFabric,
		"service_type", string(reg.ServiceType),
	)
	r.logger.Info("provider registered", map[string]interface{}{
		"operation":    "registry_register",
		"name":         name,
		"service_type": string(reg.ServiceType),
		"priority":     reg.Priority.String(),
		"kind":         string(reg.Kind),
	})
	return name, nil
}

// checkLLMIsolationLocked must be called with r.mu held.
func (r *Registry) checkLLMIsolationLocked(kind ProviderKind) error {
	for _, p := range r.providers[ServiceTypeLLM] {
		if p.Kind != kind {
			return &core.SecurityViolationError{
				Reason: fmt.Sprintf("cannot register %s LLM provider: %s LLM provider %q already registered", kind, p.Kind, p.Name),
			}
		}
	}
	return nil
}

func deriveName(reg Registration) string {
	provider := reg.Metadata["provider"]
	if provider == "" {
		provider = strings.ToLower(string(reg.ServiceType))
	}
	return fmt.Sprintf("%s-%s-%T", strings.ToLower(string(reg.ServiceType)), provider, reg.Instance)
}

func sortProviders(providers []*ServiceProvider) {
	sort.SliceStable(providers, func(i, j int) bool {
		if providers[i].Priority != providers[j].Priority {
			return providers[i].Priority < providers[j].Priority
		}
		if providers[i].PriorityGroup != providers[j].PriorityGroup {
			return providers[i].PriorityGroup < providers[j].PriorityGroup
		}
		return providers[i].insertionSeq < providers[j].insertionSeq
	})
}

// Unregister removes a provider and its circuit breaker.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	provider, ok := r.byName[name]
	if !ok {
		return fmt.Errorf("registry: provider %q not found", name)
	}
	delete(r.byName, name)
	list := r.providers[provider.ServiceType]
	for i, p := range list {
		if p.Name == name {
			r.providers[provider.ServiceType] = append(list[:i], list[i+1:]...)
			break
		}
	}
	r.logger.Info("provider unregistered", map[string]interface{}{
		"operation": "registry_unregister",
		"name":      name,
	})
	return nil
}

// GetServicesByType returns every registered provider for a type, ignoring
// health and breaker state. Used for broadcasts.
func (r *Registry) GetServicesByType(st ServiceType) []interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]interface{}, 0, len(r.providers[st]))
	for _, p := range r.providers[st] {
		out = append(out, p.Instance)
	}
	return out
}

// Providers returns the raw ServiceProvider records for a type (used by
// buses that need metadata/priority, not just the opaque instance).
func (r *Registry) Providers(st ServiceType) []*ServiceProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ServiceProvider, len(r.providers[st]))
	copy(out, r.providers[st])
	return out
}

func (r *Registry) eligible(st ServiceType, requiredCaps []string) []*ServiceProvider {
	r.mu.RLock()
	candidates := make([]*ServiceProvider, len(r.providers[st]))
	copy(candidates, r.providers[st])
	r.mu.RUnlock()

	out := make([]*ServiceProvider, 0, len(candidates))
	for _, p := range candidates {
		if !p.HasCapabilities(requiredCaps) {
			continue
		}
		if !p.Breaker.CanExecute() {
			continue
		}
		healthy, panicked := p.IsHealthy()
		if panicked {
			r.healthCheckFailures.Add(1)
			r.logger.Warn("provider health check panicked", map[string]interface{}{
				"operation": "registry_health_check",
				"name":      p.Name,
			})
			continue
		}
		if !healthy {
			r.healthCheckFailures.Add(1)
			continue
		}
		out = append(out, p)
	}
	return out
}

// GetService returns a single provider instance selected per the spec
// algorithm: priority-ordered groups, capability filter, breaker/health
// check, then the group's selection strategy.
func (r *Registry) GetService(handlerName string, st ServiceType, requiredCaps []string) (interface{}, *ServiceProvider, error) {
	r.lookups.Add(1)
	candidates := r.eligible(st, requiredCaps)
	if len(candidates) == 0 {
		r.misses.Add(1)
		return nil, nil, nil
	}

	groups := groupByPriority(candidates)
	for _, group := range groups {
		strategy := group[0].Strategy
		var chosen *ServiceProvider
		switch strategy {
		case StrategyRoundRobin:
			chosen = r.pickRoundRobin(st, group)
		default:
			chosen = group[0]
		}
		if chosen != nil {
			r.hits.Add(1)
			return chosen.Instance, chosen, nil
		}
	}
	r.misses.Add(1)
	return nil, nil, nil
}

func groupByPriority(candidates []*ServiceProvider) [][]*ServiceProvider {
	var groups [][]*ServiceProvider
	var cur []*ServiceProvider
	for i, p := range candidates {
		if i > 0 && p.Priority != candidates[i-1].Priority {
			groups = append(groups, cur)
			cur = nil
		}
		cur = append(cur, p)
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}
	return groups
}

func (r *Registry) pickRoundRobin(st ServiceType, group []*ServiceProvider) *ServiceProvider {
	if len(group) == 0 {
		return nil
	}
	key := roundRobinKey{serviceType: st, group: group[0].PriorityGroup}
	counterI, _ := r.rr.LoadOrStore(key, new(uint64))
	counter := counterI.(*uint64)
	idx := atomic.AddUint64(counter, 1) - 1
	return group[idx%uint64(len(group))]
}

// GetServices returns every eligible provider instance for a type (used by
// fan-out callers like WiseBus), optionally bounded by limit (0 = no bound).
func (r *Registry) GetServices(st ServiceType, requiredCaps []string, limit int) []interface{} {
	r.lookups.Add(1)
	candidates := r.eligible(st, requiredCaps)
	if len(candidates) == 0 {
		r.misses.Add(1)
		return nil
	}
	r.hits.Add(1)
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]interface{}, len(candidates))
	for i, p := range candidates {
		out[i] = p.Instance
	}
	return out
}

// EligibleProviders returns the ServiceProvider records (not just the
// opaque instance) passing the same capability/breaker/health filter
// GetServices applies, optionally bounded by limit (0 = no bound). Used by
// callers that need provider metadata (name, metadata map) alongside the
// instance, e.g. WiseBus's fan-out telemetry.
func (r *Registry) EligibleProviders(st ServiceType, requiredCaps []string, limit int) []*ServiceProvider {
	r.lookups.Add(1)
	candidates := r.eligible(st, requiredCaps)
	if len(candidates) == 0 {
		r.misses.Add(1)
		return nil
	}
	r.hits.Add(1)
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates
}

// Metrics is a point-in-time snapshot of registry-level counters.
type Metrics struct {
	TotalProviders      int
	ServiceTypeCount    int
	BreakerCount        int
	OpenBreakers        int
	Lookups             uint64
	Hits                uint64
	Misses              uint64
	HitRate             float64
	HealthCheckFailures uint64
	MaxOpenBreakersSeen uint64
}

// Metrics returns a snapshot of registry-wide counters.
func (r *Registry) Metrics() Metrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	openBreakers := 0
	for _, list := range r.providers {
		total += len(list)
		for _, p := range list {
			if p.Breaker.GetState() == "open" {
				openBreakers++
			}
		}
	}
	if uint64(openBreakers) > r.maxOpenBreakersSeen.Load() {
		r.maxOpenBreakersSeen.Store(uint64(openBreakers))
	}

	lookups := r.lookups.Load()
	hits := r.hits.Load()
	hitRate := 0.0
	if lookups > 0 {
		hitRate = float64(hits) / float64(lookups)
	}

	return Metrics{
		TotalProviders:      total,
		ServiceTypeCount:    len(r.providers),
		BreakerCount:        total,
		OpenBreakers:        openBreakers,
		Lookups:             lookups,
		Hits:                hits,
		Misses:              r.misses.Load(),
		HitRate:             hitRate,
		HealthCheckFailures: r.healthCheckFailures.Load(),
		MaxOpenBreakersSeen: r.maxOpenBreakersSeen.Load(),
	}
}
