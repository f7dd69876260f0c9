package bus

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CIRISAI/ciris-bus-fabric/core"
	"github.com/CIRISAI/ciris-bus-fabric/pricing"
	"github.com/CIRISAI/ciris-bus-fabric/registry"
	"github.com/CIRISAI/ciris-bus-fabric/telemetry"
)

// DistributionStrategy selects among equally-prioritized LLM providers.
// Distinct from registry.SelectionStrategy, which walks priority groups.
type DistributionStrategy string

const (
	DistributionRoundRobin  DistributionStrategy = "ROUND_ROBIN"
	DistributionLatencyBased DistributionStrategy = "LATENCY_BASED"
	DistributionRandom       DistributionStrategy = "RANDOM"
	DistributionLeastLoaded  DistributionStrategy = "LEAST_LOADED"
)

// FirstTokenTimeout is the hard per-provider-attempt deadline. It must stay
// strictly less than any surrounding handler timeout (>=30s) so failover
// completes before the caller abandons the request.
const FirstTokenTimeout = 5 * time.Second

const llmStructuredCapability = "call_llm_structured"

// serviceMetrics is the per-provider counter set LLMBus maintains
// independent of the circuit breaker (used for LATENCY_BASED/LEAST_LOADED
// selection and get_service_stats).
type serviceMetrics struct {
	totalRequests       atomic.Uint64
	failedRequests      atomic.Uint64
	totalLatencyMs       atomic.Uint64
	lastRequestUnixNano  atomic.Int64
	lastFailureUnixNano  atomic.Int64
	consecutiveFailures atomic.Uint64
}

func (m *serviceMetrics) averageLatencyMs() float64 {
	total := m.totalRequests.Load()
	if total == 0 {
		return 0
	}
	return float64(m.totalLatencyMs.Load()) / float64(total)
}

func (m *serviceMetrics) failureRate() float64 {
	total := m.totalRequests.Load()
	if total == 0 {
		return 0
	}
	return float64(m.failedRequests.Load()) / float64(total)
}

// ServiceStats is the public snapshot returned by LLMBus.GetServiceStats.
type ServiceStats struct {
	Name                string
	TotalRequests       uint64
	FailedRequests      uint64
	AverageLatencyMs     float64
	FailureRate          float64
	CircuitState         string
	LastRequestTime      time.Time
	LastFailureTime      time.Time
	ConsecutiveFailures uint64
}

// LLMBus orchestrates structured LLM calls across multiple providers with
// failover, a configurable distribution strategy, and telemetry emission.
type LLMBus struct {
	registry *registry.Registry
	logger   core.Logger
	pricing  *pricing.Calculator
	strategy DistributionStrategy

	metricsMu sync.RWMutex
	metrics   map[string]*serviceMetrics

	rr sync.Map // priority group -> *uint64, for ROUND_ROBIN distribution

	rng *rand.Rand
}

// LLMBusOption configures an LLMBus.
type LLMBusOption func(*LLMBus)

func WithDistributionStrategy(s DistributionStrategy) LLMBusOption {
	return func(b *LLMBus) { b.strategy = s }
}

func WithLLMBusLogger(logger core.Logger) LLMBusOption {
	return func(b *LLMBus) { b.logger = logger }
}

func WithPricingCalculator(calc *pricing.Calculator) LLMBusOption {
	return func(b *LLMBus) { b.pricing = calc }
}

// NewLLMBus constructs an LLMBus over reg.
func NewLLMBus(reg *registry.Registry, opts ...LLMBusOption) *LLMBus {
	b := &LLMBus{
		registry: reg,
		strategy: DistributionRoundRobin,
		metrics:  make(map[string]*serviceMetrics),
		rng:      rand.New(rand.NewSource(1)),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		logger := core.NewProductionLogger(
			core.LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
			core.DevelopmentConfig{},
			"ciris-bus-fabric",
		)
		if cal, ok := logger.(core.ComponentAwareLogger); ok {
			logger = cal.WithComponent("fabric/bus/llm")
		}
		b.logger = logger
	}
	if b.pricing == nil {
		b.pricing = pricing.NewCalculator(nil)
	}
	return b
}

func (b *LLMBus) metricsFor(name string) *serviceMetrics {
	b.metricsMu.RLock()
	m, ok := b.metrics[name]
	b.metricsMu.RUnlock()
	if ok {
		return m
	}
	b.metricsMu.Lock()
	defer b.metricsMu.Unlock()
	if m, ok := b.metrics[name]; ok {
		return m
	}
	m = &serviceMetrics{}
	b.metrics[name] = m
	return m
}

// normalizeMessages strips Extra keys with a nil value, preserving message
// and key insertion order otherwise.
func normalizeMessages(messages []ChatMessage) []ChatMessage {
	out := make([]ChatMessage, len(messages))
	for i, m := range messages {
		normalized := m
		if m.Extra != nil {
			normalized.Extra = make(map[string]interface{}, len(m.Extra))
			for k, v := range m.Extra {
				if v == nil {
					continue
				}
				normalized.Extra[k] = v
			}
		}
		out[i] = normalized
	}
	return out
}

type llmCandidate struct {
	provider         *registry.ServiceProvider
	effectivePriority registry.Priority
}

func (b *LLMBus) candidates(domain string) []llmCandidate {
	providers := b.registry.Providers(registry.ServiceTypeLLM)
	out := make([]llmCandidate, 0, len(providers))
	domainMatched := false
	for _, p := range providers {
		if !p.HasCapabilities([]string{llmStructuredCapability}) {
			continue
		}
		llmProvider, ok := p.Instance.(LLMProvider)
		if !ok || !llmProvider.IsHealthy() {
			continue
		}
		effective := p.Priority
		if domain != "" && p.Metadata["domain"] == domain {
			effective = effective.BumpUp()
			domainMatched = true
		}
		out = append(out, llmCandidate{provider: p, effectivePriority: effective})
	}
	if domain != "" && domainMatched {
		filtered := out[:0]
		for _, c := range out {
			if c.provider.Metadata["domain"] == domain {
				filtered = append(filtered, c)
			}
		}
		if len(filtered) > 0 {
			return filtered
		}
	}
	return out
}

func groupCandidatesByPriority(candidates []llmCandidate) [][]llmCandidate {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].effectivePriority < candidates[j].effectivePriority
	})
	var groups [][]llmCandidate
	var cur []llmCandidate
	for i, c := range candidates {
		if i > 0 && c.effectivePriority != candidates[i-1].effectivePriority {
			groups = append(groups, cur)
			cur = nil
		}
		cur = append(cur, c)
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}
	return groups
}

func (b *LLMBus) selectFromGroup(group []llmCandidate) *registry.ServiceProvider {
	if len(group) == 1 {
		return group[0].provider
	}
	switch b.strategy {
	case DistributionLatencyBased:
		var best *registry.ServiceProvider
		bestLatency := -1.0
		for _, c := range group {
			m := b.metricsFor(c.provider.Name)
			if m.totalRequests.Load() == 0 {
				return c.provider // warm-up: zero-observation providers go first
			}
			avg := m.averageLatencyMs()
			if bestLatency < 0 || avg < bestLatency {
				bestLatency = avg
				best = c.provider
			}
		}
		return best
	case DistributionLeastLoaded:
		var best *registry.ServiceProvider
		var bestLoad uint64
		for i, c := range group {
			m := b.metricsFor(c.provider.Name)
			load := m.totalRequests.Load()
			if i == 0 || load < bestLoad {
				bestLoad = load
				best = c.provider
			}
		}
		return best
	case DistributionRandom:
		return group[b.rng.Intn(len(group))].provider
	default: // ROUND_ROBIN
		key := group[0].effectivePriority
		counterI, _ := b.rr.LoadOrStore(key, new(uint64))
		counter := counterI.(*uint64)
		idx := atomic.AddUint64(counter, 1) - 1
		return group[idx%uint64(len(group))].provider
	}
}

// CallStructured is the bus's primary operation: it tries each candidate
// provider in priority order (subject to domain routing and distribution
// strategy within a priority group) until one succeeds or every candidate
// has been exhausted.
func (b *LLMBus) CallStructured(
	ctx context.Context,
	messages []ChatMessage,
	responseModel interface{},
	maxTokens int,
	temperature float32,
	handlerName string,
	domain string,
) (interface{}, pricing.ResourceUsage, error) {
	normalized := normalizeMessages(messages)
	candidates := b.candidates(domain)
	groups := groupCandidatesByPriority(candidates)

	var lastErr error
	tried := 0
	for _, group := range groups {
		remaining := append([]llmCandidate(nil), group...)
		for len(remaining) > 0 {
			provider := b.selectFromGroup(remaining)
			if provider == nil {
				break
			}
			removeProvider(&remaining, provider)

			if !provider.Breaker.CanExecute() {
				continue
			}
			tried++

			response, usage, err := b.attempt(ctx, provider, normalized, responseModel, maxTokens, temperature, handlerName)
			if err == nil {
				return response, usage, nil
			}
			lastErr = err
		}
	}

	return nil, pricing.ResourceUsage{}, &core.AllServicesFailedError{
		ServiceType: string(registry.ServiceTypeLLM),
		Tried:       tried,
		LastErr:     lastErr,
	}
}

func removeProvider(group *[]llmCandidate, provider *registry.ServiceProvider) {
	g := *group
	for i, c := range g {
		if c.provider.Name == provider.Name {
			*group = append(g[:i], g[i+1:]...)
			return
		}
	}
}

func (b *LLMBus) attempt(
	ctx context.Context,
	provider *registry.ServiceProvider,
	messages []ChatMessage,
	responseModel interface{},
	maxTokens int,
	temperature float32,
	handlerName string,
) (interface{}, pricing.ResourceUsage, error) {
	llmProvider := provider.Instance.(LLMProvider)
	metrics := b.metricsFor(provider.Name)

	callCtx, cancel := context.WithTimeout(ctx, FirstTokenTimeout)
	defer cancel()

	start := time.Now()
	type result struct {
		response interface{}
		usage    pricing.ResourceUsage
		err      error
	}
	resultCh := make(chan result, 1)
	go func() {
		response, usage, err := llmProvider.CallLLMStructured(callCtx, messages, responseModel, maxTokens, temperature)
		resultCh <- result{response, usage, err}
	}()

	var res result
	select {
	case <-callCtx.Done():
		res = result{err: core.ErrLLMTimeout}
	case res = <-resultCh:
	}

	latency := time.Since(start)
	metrics.totalRequests.Add(1)
	metrics.lastRequestUnixNano.Store(start.UnixNano())
	metrics.totalLatencyMs.Add(uint64(latency.Milliseconds()))

	if res.err != nil {
		b.recordFailure(provider, metrics, res.err)
		return nil, pricing.ResourceUsage{}, res.err
	}

	metrics.consecutiveFailures.Store(0)
	provider.Breaker.RecordSuccess()

	usage := res.usage
	if usage.ModelUsed == "" {
		usage.ModelUsed = providerModel(provider)
	}

	telemetry.Histogram("llm.latency.ms", float64(latency.Milliseconds()), "module", telemetry.ModuleFabric, "provider", provider.Name)
	telemetry.Counter("llm.tokens.total", "module", telemetry.ModuleFabric, "provider", provider.Name)
	telemetry.Histogram("llm.tokens.input", float64(usage.TokensInput), "module", telemetry.ModuleFabric, "provider", provider.Name)
	telemetry.Histogram("llm.tokens.output", float64(usage.TokensOutput), "module", telemetry.ModuleFabric, "provider", provider.Name)
	telemetry.Histogram("llm.cost.cents", usage.CostCents, "module", telemetry.ModuleFabric, "provider", provider.Name)
	telemetry.Histogram("llm.environmental.carbon_grams", usage.CarbonGrams, "module", telemetry.ModuleFabric, "provider", provider.Name)
	telemetry.Histogram("llm.environmental.energy_kwh", usage.EnergyKWh, "module", telemetry.ModuleFabric, "provider", provider.Name)

	return res.response, usage, nil
}

func providerModel(provider *registry.ServiceProvider) string {
	return provider.Metadata["model"]
}

// recordFailure applies the rate-limit/throttling carve-out: 429s never
// count against the breaker, everything else (timeout, connection, 5xx,
// 503) does.
func (b *LLMBus) recordFailure(provider *registry.ServiceProvider, metrics *serviceMetrics, err error) {
	metrics.failedRequests.Add(1)
	metrics.lastFailureUnixNano.Store(time.Now().UnixNano())

	wasAlreadyFailing := metrics.consecutiveFailures.Load() > 0
	metrics.consecutiveFailures.Add(1)

	fields := map[string]interface{}{
		"operation": "llm_call_failed",
		"provider":  provider.Name,
		"error":     err.Error(),
	}
	if wasAlreadyFailing {
		b.logger.Warn("llm provider failed again", fields)
	} else {
		b.logger.Error("llm provider failed", fields)
	}

	if isThrottling(err) {
		// Throttling fails this call but the provider remains eligible.
		return
	}
	provider.Breaker.RecordFailure()
}

// isThrottling reports whether err represents a 429/rate-limit response,
// which must never increment the circuit-breaker failure count.
func isThrottling(err error) bool {
	type rateLimited interface {
		RateLimited() bool
	}
	if rl, ok := err.(rateLimited); ok {
		return rl.RateLimited()
	}
	return false
}

// GetAvailableModels returns the union of models advertised by every
// healthy LLM provider.
func (b *LLMBus) GetAvailableModels() []string {
	seen := map[string]struct{}{}
	var models []string
	for _, p := range b.registry.Providers(registry.ServiceTypeLLM) {
		llmProvider, ok := p.Instance.(LLMProvider)
		if !ok || !llmProvider.IsHealthy() {
			continue
		}
		for _, m := range llmProvider.GetAvailableModels() {
			if _, dup := seen[m]; !dup {
				seen[m] = struct{}{}
				models = append(models, m)
			}
		}
	}
	return models
}

// IsHealthy reports whether at least one LLM provider is healthy.
func (b *LLMBus) IsHealthy() bool {
	for _, p := range b.registry.Providers(registry.ServiceTypeLLM) {
		if llmProvider, ok := p.Instance.(LLMProvider); ok && llmProvider.IsHealthy() {
			return true
		}
	}
	return false
}

// GetCapabilities returns the union of capabilities across registered LLM
// providers.
func (b *LLMBus) GetCapabilities() []string {
	seen := map[string]struct{}{}
	var caps []string
	for _, p := range b.registry.Providers(registry.ServiceTypeLLM) {
		for capability := range p.Capabilities {
			if _, dup := seen[capability]; !dup {
				seen[capability] = struct{}{}
				caps = append(caps, capability)
			}
		}
	}
	return caps
}

// GetServiceStats returns per-provider totals, failure rate, latency, and
// circuit state.
func (b *LLMBus) GetServiceStats() []ServiceStats {
	var stats []ServiceStats
	for _, p := range b.registry.Providers(registry.ServiceTypeLLM) {
		m := b.metricsFor(p.Name)
		stats = append(stats, ServiceStats{
			Name:                p.Name,
			TotalRequests:       m.totalRequests.Load(),
			FailedRequests:      m.failedRequests.Load(),
			AverageLatencyMs:     m.averageLatencyMs(),
			FailureRate:          m.failureRate(),
			CircuitState:         p.Breaker.GetState(),
			LastRequestTime:      unixNanoToTime(m.lastRequestUnixNano.Load()),
			LastFailureTime:      unixNanoToTime(m.lastFailureUnixNano.Load()),
			ConsecutiveFailures: m.consecutiveFailures.Load(),
		})
	}
	return stats
}

func unixNanoToTime(nanos int64) time.Time {
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// CollectTelemetry reports aggregate request/failure counts across every
// registered provider alongside the generic provider_count/healthy fields
// the other typed buses expose.
func (b *LLMBus) CollectTelemetry() map[string]interface{} {
	providers := b.registry.Providers(registry.ServiceTypeLLM)
	var total, failed uint64
	for _, p := range providers {
		m := b.metricsFor(p.Name)
		total += m.totalRequests.Load()
		failed += m.failedRequests.Load()
	}
	return map[string]interface{}{
		"processed_count": total,
		"failed_count":    failed,
		"provider_count":  len(providers),
		"healthy":         len(providers) > 0,
	}
}

// ClearCircuitBreakers resets every registered LLM provider's breaker. Test
// use only; always logs a warning.
func (b *LLMBus) ClearCircuitBreakers() {
	b.logger.Warn("clearing all LLM circuit breakers (test-only operation)", map[string]interface{}{
		"operation": "llm_clear_breakers",
	})
	for _, p := range b.registry.Providers(registry.ServiceTypeLLM) {
		p.Breaker.Reset()
	}
}
