package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CIRISAI/ciris-bus-fabric/core"
	"github.com/CIRISAI/ciris-bus-fabric/prohibition"
	"github.com/CIRISAI/ciris-bus-fabric/registry"
	"github.com/CIRISAI/ciris-bus-fabric/telemetry"
)

// FanOutCap bounds how many wise-authority providers request_guidance
// consults per call.
const FanOutCap = 5

// DefaultGuidanceTimeout is request_guidance's default wait for all
// fanned-out responses.
const DefaultGuidanceTimeout = 5 * time.Second

type wiseProviderCounters struct {
	processed atomic.Uint64
	failed    atomic.Uint64
}

// WiseBus fans guidance and deferral requests out to wise-authority
// providers, enforcing ProhibitionPolicy before dispatch and arbitrating
// among concurrent responses by confidence.
type WiseBus struct {
	registry *registry.Registry
	logger   core.Logger

	countersMu sync.RWMutex
	counters   map[string]*wiseProviderCounters
}

// WiseBusOption configures a WiseBus.
type WiseBusOption func(*WiseBus)

func WithWiseBusLogger(logger core.Logger) WiseBusOption {
	return func(b *WiseBus) { b.logger = logger }
}

// NewWiseBus constructs a WiseBus over reg.
func NewWiseBus(reg *registry.Registry, opts ...WiseBusOption) *WiseBus {
	b := &WiseBus{registry: reg, counters: make(map[string]*wiseProviderCounters)}
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
			logger = cal.WithComponent("fabric/bus/wise")
		}
		b.logger = logger
	}
	return b
}

func (b *WiseBus) counterFor(name string) *wiseProviderCounters {
	b.countersMu.RLock()
	c, ok := b.counters[name]
	b.countersMu.RUnlock()
	if ok {
		return c
	}
	b.countersMu.Lock()
	defer b.countersMu.Unlock()
	if c, ok := b.counters[name]; ok {
		return c
	}
	c = &wiseProviderCounters{}
	b.counters[name] = c
	return c
}

// SendDeferral broadcasts to every wise-authority provider exposing
// SendDeferral; the result is the logical OR of per-provider successes. A
// missing defer_until defaults to now+1h; a malformed one defaults to now
// and is logged.
func (b *WiseBus) SendDeferral(ctx context.Context, deferralContext map[string]string, handlerName string) bool {
	deferUntil := parseDeferUntil(deferralContext["defer_until"], b.logger)
	req := DeferralRequest{
		Context:     deferralContext["context"],
		HandlerName: handlerName,
		DeferUntil:  &deferUntil,
		Metadata:    deferralContext,
	}

	providers := b.registry.Providers(registry.ServiceTypeWiseAuthority)
	if len(providers) == 0 {
		return false
	}

	var wg sync.WaitGroup
	var anySucceeded atomic.Bool
	for _, p := range providers {
		sender, ok := p.Instance.(DeferralSender)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(p *registry.ServiceProvider, sender DeferralSender) {
			defer wg.Done()
			counters := b.counterFor(p.Name)
			ok, err := sender.SendDeferral(ctx, req)
			counters.processed.Add(1)
			if err != nil {
				counters.failed.Add(1)
				b.logger.Error("deferral send failed", map[string]interface{}{
					"operation": "wise_send_deferral",
					"provider":  p.Name,
					"error":     err.Error(),
				})
				return
			}
			if ok {
				anySucceeded.Store(true)
			}
		}(p, sender)
	}
	wg.Wait()
	return anySucceeded.Load()
}

func parseDeferUntil(raw string, logger core.Logger) time.Time {
	if raw == "" {
		return time.Now().Add(time.Hour)
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		logger.Warn("malformed defer_until, defaulting to now", map[string]interface{}{
			"operation": "wise_parse_defer_until",
			"value":     raw,
			"error":     err.Error(),
		})
		return time.Now()
	}
	return parsed
}

// FetchGuidance returns the first eligible provider's legacy guidance
// string, or nil if none is available.
func (b *WiseBus) FetchGuidance(ctx context.Context, guidanceContext string, handlerName string) (*string, error) {
	for _, p := range b.registry.Providers(registry.ServiceTypeWiseAuthority) {
		legacy, ok := p.Instance.(LegacyGuidanceProvider)
		if !ok {
			continue
		}
		if !p.Breaker.CanExecute() {
			continue
		}
		counters := b.counterFor(p.Name)
		result, err := legacy.FetchGuidance(ctx, guidanceContext)
		counters.processed.Add(1)
		if err != nil {
			counters.failed.Add(1)
			p.Breaker.RecordFailure()
			continue
		}
		p.Breaker.RecordSuccess()
		return result, nil
	}
	return nil, nil
}

// RequestGuidance enforces policy, fans the request out to up to
// FanOutCap providers, waits up to timeout, and arbitrates among the
// responses by maximum advice confidence.
func (b *WiseBus) RequestGuidance(ctx context.Context, req GuidanceRequest, timeout time.Duration, agentTier int) (GuidanceResponse, error) {
	if req.Capability != "" {
		if err := prohibition.Validate(req.Capability, agentTier); err != nil {
			return GuidanceResponse{}, err
		}
		if prohibition.IsMedicalCapability(req.Capability) {
			return GuidanceResponse{}, &prohibition.ProhibitedError{
				Capability: req.Capability,
				Category:   prohibition.CategoryMedical,
				Severity:   prohibition.SeverityRequiresSeparateModule,
				Detail:     "medical guidance must be served by a separately licensed system",
			}
		}
	}

	if timeout <= 0 {
		timeout = DefaultGuidanceTimeout
	}

	var requiredCaps []string
	if req.Capability != "" {
		requiredCaps = []string{req.Capability}
	}
	providers := b.registry.EligibleProviders(registry.ServiceTypeWiseAuthority, requiredCaps, FanOutCap)
	if len(providers) == 0 {
		return GuidanceResponse{
			Reasoning: "no wise-authority providers responded",
		}, nil
	}

	fanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type response struct {
		provider *registry.ServiceProvider
		resp     GuidanceResponse
		err      error
	}
	results := make(chan response, len(providers))
	var wg sync.WaitGroup
	for _, p := range providers {
		wg.Add(1)
		go func(p *registry.ServiceProvider) {
			defer wg.Done()
			resp, err := b.dispatchGuidance(fanCtx, p, req)
			select {
			case results <- response{provider: p, resp: resp, err: err}:
			case <-fanCtx.Done():
			}
		}(p)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var collected []response
	for r := range results {
		if r.err == nil {
			collected = append(collected, r)
		}
	}

	if len(collected) == 0 {
		return GuidanceResponse{Reasoning: "no wise-authority providers responded"}, nil
	}
	if len(collected) == 1 {
		return collected[0].resp, nil
	}

	winnerIdx := 0
	winnerConfidence := maxConfidence(collected[0].resp)
	for i := 1; i < len(collected); i++ {
		c := maxConfidence(collected[i].resp)
		if c > winnerConfidence {
			winnerConfidence = c
			winnerIdx = i
		}
	}

	winner := collected[winnerIdx].resp
	var allAdvice []WisdomAdvice
	for _, r := range collected {
		allAdvice = append(allAdvice, r.resp.Advice...)
	}
	winner.Advice = allAdvice
	winner.Reasoning = fmt.Sprintf("%s (selected with %.2f confidence from %d providers)", winner.Reasoning, winnerConfidence, len(collected))
	return winner, nil
}

func maxConfidence(resp GuidanceResponse) float64 {
	max := 0.0
	for _, a := range resp.Advice {
		if a.Confidence > max {
			max = a.Confidence
		}
	}
	return max
}

func (b *WiseBus) dispatchGuidance(ctx context.Context, p *registry.ServiceProvider, req GuidanceRequest) (GuidanceResponse, error) {
	counters := b.counterFor(p.Name)
	counters.processed.Add(1)

	if guidance, ok := p.Instance.(GuidanceProvider); ok {
		resp, err := guidance.GetGuidance(ctx, req)
		if err != nil {
			counters.failed.Add(1)
			telemetry.Counter("wise.guidance.failed", "module", telemetry.ModuleFabric, "provider", p.Name)
			return GuidanceResponse{}, err
		}
		return resp, nil
	}
	if legacy, ok := p.Instance.(LegacyGuidanceProvider); ok {
		result, err := legacy.FetchGuidance(ctx, req.Context)
		if err != nil {
			counters.failed.Add(1)
			return GuidanceResponse{}, err
		}
		return GuidanceResponse{CustomGuidance: result, Reasoning: "adapted from legacy fetch_guidance"}, nil
	}
	counters.failed.Add(1)
	return GuidanceResponse{}, fmt.Errorf("provider %q supports neither get_guidance nor fetch_guidance", p.Name)
}

// RequestReview builds a synthetic deferral context and broadcasts it,
// mirroring send_deferral's semantics for review workflows.
func (b *WiseBus) RequestReview(ctx context.Context, reviewType string, reviewData map[string]string, handlerName string) bool {
	deferralContext := make(map[string]string, len(reviewData)+1)
	for k, v := range reviewData {
		deferralContext[k] = v
	}
	deferralContext["review_type"] = reviewType
	return b.SendDeferral(ctx, deferralContext, handlerName)
}

// CollectTelemetry sums per-provider processed/failed counts and reports
// provider_count and capability_blocks (the number of prohibition
// categories enforced).
func (b *WiseBus) CollectTelemetry() map[string]interface{} {
	providers := b.registry.Providers(registry.ServiceTypeWiseAuthority)
	var processed, failed uint64
	for _, p := range providers {
		c := b.counterFor(p.Name)
		processed += c.processed.Load()
		failed += c.failed.Load()
	}
	result := map[string]interface{}{
		"provider_count":    len(providers),
		"processed_count":   processed,
		"failed_count":      failed,
		"capability_blocks": prohibition.CategoryCount(),
		"healthy":           len(providers) > 0,
	}
	if len(providers) == 0 {
		result["error"] = "no wise-authority providers registered"
	}
	return result
}
