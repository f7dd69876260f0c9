package bus

import (
	"context"
	"fmt"

	"github.com/CIRISAI/ciris-bus-fabric/core"
	"github.com/CIRISAI/ciris-bus-fabric/registry"
	"github.com/CIRISAI/ciris-bus-fabric/telemetry"
)

func newBusLogger(component string) core.Logger {
	logger := core.NewProductionLogger(
		core.LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
		core.DevelopmentConfig{},
		"ciris-bus-fabric",
	)
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		return cal.WithComponent(component)
	}
	return logger
}

func dispatch(st registry.ServiceType, reg *registry.Registry, requiredCaps []string) (interface{}, *registry.ServiceProvider, error) {
	instance, provider, err := reg.GetService("", st, requiredCaps)
	if err != nil {
		return nil, nil, err
	}
	if instance == nil {
		return nil, nil, &core.AllServicesFailedError{ServiceType: string(st)}
	}
	return instance, provider, nil
}

func recordOutcome(provider *registry.ServiceProvider, err error) {
	if provider == nil || provider.Breaker == nil {
		return
	}
	if err != nil {
		provider.Breaker.RecordFailure()
		return
	}
	provider.Breaker.RecordSuccess()
}

// CommunicationBus routes outbound/inbound message traffic to registered
// CommunicationProvider instances.
type CommunicationBus struct {
	*BaseBus
	registry *registry.Registry
	logger   core.Logger
}

const communicationSendCapability = "send_message"

// NewCommunicationBus constructs a CommunicationBus over reg.
func NewCommunicationBus(reg *registry.Registry) *CommunicationBus {
	logger := newBusLogger("fabric/bus/communication")
	b := &CommunicationBus{registry: reg, logger: logger}
	b.BaseBus = NewBaseBus("communication", 0, b, logger)
	return b
}

// Process implements Processor for deferred sends routed through Enqueue.
func (b *CommunicationBus) Process(ctx context.Context, msg Message) error {
	channelID := msg.Metadata["channel_id"]
	content := msg.Metadata["content"]
	_, err := b.SendMessage(ctx, msg.HandlerName, channelID, content, msg.Metadata)
	return err
}

// SendMessage dispatches to the highest-priority eligible provider.
func (b *CommunicationBus) SendMessage(ctx context.Context, handlerName, channelID, content string, metadata map[string]string) (bool, error) {
	instance, provider, err := dispatch(registry.ServiceTypeCommunication, b.registry, nil)
	if err != nil {
		return false, err
	}
	sender, ok := instance.(CommunicationProvider)
	if !ok {
		return false, fmt.Errorf("provider %q does not implement send_message", provider.Name)
	}
	ok2, sendErr := sender.SendMessage(ctx, handlerName, channelID, content, metadata)
	recordOutcome(provider, sendErr)
	if sendErr != nil {
		telemetry.Counter("bus.communication.send_failed", "module", telemetry.ModuleFabric, "provider", provider.Name)
		return false, sendErr
	}
	telemetry.Counter("bus.communication.sent", "module", telemetry.ModuleFabric, "provider", provider.Name)
	return ok2, nil
}

// FetchMessages returns recent messages from the highest-priority eligible
// provider, or nil if none is registered.
func (b *CommunicationBus) FetchMessages(ctx context.Context, channelID string, limit int, adapterHint string) ([]FetchedMessage, error) {
	instance, provider, err := dispatch(registry.ServiceTypeCommunication, b.registry, nil)
	if err != nil {
		return nil, err
	}
	fetcher, ok := instance.(CommunicationProvider)
	if !ok {
		return nil, fmt.Errorf("provider %q does not implement fetch_messages", provider.Name)
	}
	messages, fetchErr := fetcher.FetchMessages(ctx, channelID, limit, adapterHint)
	recordOutcome(provider, fetchErr)
	return messages, fetchErr
}

// CollectTelemetry reports the generic bus counters plus registered
// provider count.
func (b *CommunicationBus) CollectTelemetry() map[string]interface{} {
	stats := b.Stats()
	return map[string]interface{}{
		"processed_count": stats.Processed,
		"failed_count":    stats.Failed,
		"dropped_count":   stats.Dropped,
		"queue_size":      stats.QueueSize,
		"provider_count":  len(b.registry.Providers(registry.ServiceTypeCommunication)),
		"healthy":         len(b.registry.Providers(registry.ServiceTypeCommunication)) > 0,
	}
}

// MemoryBus routes graph memory operations (memorize/recall/forget) to
// registered MemoryProvider instances.
type MemoryBus struct {
	*BaseBus
	registry *registry.Registry
	logger   core.Logger
}

// NewMemoryBus constructs a MemoryBus over reg.
func NewMemoryBus(reg *registry.Registry) *MemoryBus {
	logger := newBusLogger("fabric/bus/memory")
	b := &MemoryBus{registry: reg, logger: logger}
	b.BaseBus = NewBaseBus("memory", 0, b, logger)
	return b
}

// Process implements Processor for deferred memorize calls.
func (b *MemoryBus) Process(ctx context.Context, msg Message) error {
	node := MemoryNode{ID: msg.ID, Scope: msg.Metadata["scope"], NodeType: msg.Metadata["node_type"]}
	return b.Memorize(ctx, node)
}

// Memorize persists node via the highest-priority eligible provider.
func (b *MemoryBus) Memorize(ctx context.Context, node MemoryNode) error {
	instance, provider, err := dispatch(registry.ServiceTypeMemory, b.registry, nil)
	if err != nil {
		return err
	}
	mem, ok := instance.(MemoryProvider)
	if !ok {
		return fmt.Errorf("provider %q does not implement memorize", provider.Name)
	}
	memErr := mem.Memorize(ctx, node)
	recordOutcome(provider, memErr)
	return memErr
}

// Recall queries the highest-priority eligible provider.
func (b *MemoryBus) Recall(ctx context.Context, node MemoryNode) ([]MemoryNode, error) {
	instance, provider, err := dispatch(registry.ServiceTypeMemory, b.registry, nil)
	if err != nil {
		return nil, err
	}
	mem, ok := instance.(MemoryProvider)
	if !ok {
		return nil, fmt.Errorf("provider %q does not implement recall", provider.Name)
	}
	result, recallErr := mem.Recall(ctx, node)
	recordOutcome(provider, recallErr)
	return result, recallErr
}

// Forget removes node via the highest-priority eligible provider.
func (b *MemoryBus) Forget(ctx context.Context, node MemoryNode) error {
	instance, provider, err := dispatch(registry.ServiceTypeMemory, b.registry, nil)
	if err != nil {
		return err
	}
	mem, ok := instance.(MemoryProvider)
	if !ok {
		return fmt.Errorf("provider %q does not implement forget", provider.Name)
	}
	forgetErr := mem.Forget(ctx, node)
	recordOutcome(provider, forgetErr)
	return forgetErr
}

// CollectTelemetry reports the generic bus counters plus registered
// provider count.
func (b *MemoryBus) CollectTelemetry() map[string]interface{} {
	stats := b.Stats()
	return map[string]interface{}{
		"processed_count": stats.Processed,
		"failed_count":    stats.Failed,
		"dropped_count":   stats.Dropped,
		"queue_size":      stats.QueueSize,
		"provider_count":  len(b.registry.Providers(registry.ServiceTypeMemory)),
		"healthy":         len(b.registry.Providers(registry.ServiceTypeMemory)) > 0,
	}
}

// ToolBus routes tool-listing and tool-execution calls to registered
// ToolProvider instances.
type ToolBus struct {
	*BaseBus
	registry *registry.Registry
	logger   core.Logger
}

// NewToolBus constructs a ToolBus over reg.
func NewToolBus(reg *registry.Registry) *ToolBus {
	logger := newBusLogger("fabric/bus/tool")
	b := &ToolBus{registry: reg, logger: logger}
	b.BaseBus = NewBaseBus("tool", 0, b, logger)
	return b
}

// Process implements Processor for deferred tool execution.
func (b *ToolBus) Process(ctx context.Context, msg Message) error {
	_, err := b.Execute(ctx, msg.Metadata["tool"], nil)
	return err
}

// Execute dispatches tool execution to the highest-priority eligible
// provider.
func (b *ToolBus) Execute(ctx context.Context, tool string, args map[string]interface{}) (ToolExecutionResult, error) {
	instance, provider, err := dispatch(registry.ServiceTypeTool, b.registry, nil)
	if err != nil {
		return ToolExecutionResult{}, err
	}
	executor, ok := instance.(ToolProvider)
	if !ok {
		return ToolExecutionResult{}, fmt.Errorf("provider %q does not implement execute", provider.Name)
	}
	result, execErr := executor.Execute(ctx, tool, args)
	recordOutcome(provider, execErr)
	return result, execErr
}

// ListAllTools returns the union of tool names reported by every registered
// provider. The original implementation treated each provider's count as a
// set member rather than unioning the underlying tool names, which silently
// undercounted whenever two providers exposed overlapping tools; this
// computes the true union.
func (b *ToolBus) ListAllTools(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var union []string
	for _, p := range b.registry.Providers(registry.ServiceTypeTool) {
		lister, ok := p.Instance.(ToolProvider)
		if !ok {
			continue
		}
		tools, err := lister.ListTools(ctx)
		if err != nil {
			b.logger.Warn("tool listing failed", map[string]interface{}{
				"operation": "tool_list_all",
				"provider":  p.Name,
				"error":     err.Error(),
			})
			continue
		}
		for _, t := range tools {
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			union = append(union, t)
		}
	}
	return union, nil
}

// CollectTelemetry reports the generic bus counters, registered provider
// count, and the true union-based tool_count (see ListAllTools).
func (b *ToolBus) CollectTelemetry() map[string]interface{} {
	stats := b.Stats()
	tools, _ := b.ListAllTools(context.Background())
	providers := b.registry.Providers(registry.ServiceTypeTool)
	return map[string]interface{}{
		"processed_count": stats.Processed,
		"failed_count":    stats.Failed,
		"dropped_count":   stats.Dropped,
		"queue_size":      stats.QueueSize,
		"provider_count":  len(providers),
		"tool_count":      len(tools),
		"healthy":         len(providers) > 0,
	}
}

// RuntimeControlBus routes pause/resume/single-step/cognitive-state calls to
// registered RuntimeControlProvider instances. Unlike the other typed buses
// it dispatches to every eligible provider, not just the highest-priority
// one: pause/resume must reach every runtime control surface, not just the
// first.
type RuntimeControlBus struct {
	*BaseBus
	registry *registry.Registry
	logger   core.Logger
}

// NewRuntimeControlBus constructs a RuntimeControlBus over reg.
func NewRuntimeControlBus(reg *registry.Registry) *RuntimeControlBus {
	logger := newBusLogger("fabric/bus/runtime_control")
	b := &RuntimeControlBus{registry: reg, logger: logger}
	b.BaseBus = NewBaseBus("runtime_control", 0, b, logger)
	return b
}

// Process implements Processor; runtime control messages are always
// dispatched synchronously at the call site, so this is a no-op sink for
// the shared queue loop.
func (b *RuntimeControlBus) Process(ctx context.Context, msg Message) error {
	return nil
}

// Pause signals every registered provider to pause, returning the first
// error encountered (after attempting all providers).
func (b *RuntimeControlBus) Pause(ctx context.Context) error {
	return b.broadcast(ctx, func(p RuntimeControlProvider) error { return p.Pause(ctx) })
}

// Resume signals every registered provider to resume.
func (b *RuntimeControlBus) Resume(ctx context.Context) error {
	return b.broadcast(ctx, func(p RuntimeControlProvider) error { return p.Resume(ctx) })
}

// SingleStep signals every registered provider to execute a single step.
func (b *RuntimeControlBus) SingleStep(ctx context.Context) error {
	return b.broadcast(ctx, func(p RuntimeControlProvider) error { return p.SingleStep(ctx) })
}

func (b *RuntimeControlBus) broadcast(ctx context.Context, call func(RuntimeControlProvider) error) error {
	providers := b.registry.Providers(registry.ServiceTypeRuntimeControl)
	if len(providers) == 0 {
		return &core.AllServicesFailedError{ServiceType: string(registry.ServiceTypeRuntimeControl)}
	}
	var firstErr error
	for _, p := range providers {
		rc, ok := p.Instance.(RuntimeControlProvider)
		if !ok {
			continue
		}
		err := call(rc)
		recordOutcome(p, err)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// CognitiveState returns the highest-priority eligible provider's reported
// state.
func (b *RuntimeControlBus) CognitiveState(ctx context.Context) (string, error) {
	instance, provider, err := dispatch(registry.ServiceTypeRuntimeControl, b.registry, nil)
	if err != nil {
		return "", err
	}
	rc, ok := instance.(RuntimeControlProvider)
	if !ok {
		return "", fmt.Errorf("provider %q does not implement cognitive_state", provider.Name)
	}
	state, stateErr := rc.CognitiveState(ctx)
	recordOutcome(provider, stateErr)
	return state, stateErr
}

// CollectTelemetry reports the generic bus counters plus registered
// provider count.
func (b *RuntimeControlBus) CollectTelemetry() map[string]interface{} {
	stats := b.Stats()
	providers := b.registry.Providers(registry.ServiceTypeRuntimeControl)
	return map[string]interface{}{
		"processed_count": stats.Processed,
		"failed_count":    stats.Failed,
		"dropped_count":   stats.Dropped,
		"queue_size":      stats.QueueSize,
		"provider_count":  len(providers),
		"healthy":         len(providers) > 0,
	}
}
