package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CIRISAI/ciris-bus-fabric/core"
	"github.com/CIRISAI/ciris-bus-fabric/registry"
	"github.com/CIRISAI/ciris-bus-fabric/resilience"
)

func newTypedBusRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	return registry.New(registry.WithCircuitBreakerFactory(func(name string, _ *registry.CircuitBreakerOverride) (registry.CircuitBreaker, error) {
		return resilience.NewCircuitBreaker(&resilience.CircuitBreakerConfig{
			Name:             name,
			FailureThreshold: 5,
			SuccessThreshold: 1,
			RecoveryTimeout:  time.Minute,
			Logger:           &core.NoOpLogger{},
		})
	}))
}

func registerTyped(t *testing.T, reg *registry.Registry, st registry.ServiceType, name string, instance interface{}) {
	t.Helper()
	_, err := reg.Register(registry.Registration{
		ServiceType: st,
		Instance:    instance,
		Priority:    registry.PriorityNormal,
		Kind:        registry.ProviderKindReal,
		Name:        name,
	})
	require.NoError(t, err)
}

type fakeCommProvider struct {
	sent      bool
	sendErr   error
	fetchErr  error
	fetchBack []FetchedMessage
}

func (p *fakeCommProvider) SendMessage(ctx context.Context, handler, channelID, content string, metadata map[string]string) (bool, error) {
	if p.sendErr != nil {
		return false, p.sendErr
	}
	p.sent = true
	return true, nil
}

func (p *fakeCommProvider) FetchMessages(ctx context.Context, channelID string, limit int, adapterHint string) ([]FetchedMessage, error) {
	if p.fetchErr != nil {
		return nil, p.fetchErr
	}
	return p.fetchBack, nil
}

func TestCommunicationBusSendMessage(t *testing.T) {
	reg := newTypedBusRegistry(t)
	provider := &fakeCommProvider{}
	registerTyped(t, reg, registry.ServiceTypeCommunication, "p1", provider)

	commBus := NewCommunicationBus(reg)
	ok, err := commBus.SendMessage(context.Background(), "handler", "chan1", "hello", nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, provider.sent)
}

func TestCommunicationBusNoProviderFails(t *testing.T) {
	reg := newTypedBusRegistry(t)
	commBus := NewCommunicationBus(reg)
	_, err := commBus.SendMessage(context.Background(), "handler", "chan1", "hello", nil)
	require.Error(t, err)
}

type fakeMemoryProvider struct {
	memorized []MemoryNode
	recallErr error
}

func (p *fakeMemoryProvider) Memorize(ctx context.Context, node MemoryNode) error {
	p.memorized = append(p.memorized, node)
	return nil
}

func (p *fakeMemoryProvider) Recall(ctx context.Context, node MemoryNode) ([]MemoryNode, error) {
	if p.recallErr != nil {
		return nil, p.recallErr
	}
	return p.memorized, nil
}

func (p *fakeMemoryProvider) Forget(ctx context.Context, node MemoryNode) error {
	var kept []MemoryNode
	for _, n := range p.memorized {
		if n.ID != node.ID {
			kept = append(kept, n)
		}
	}
	p.memorized = kept
	return nil
}

func TestMemoryBusMemorizeRecallForget(t *testing.T) {
	reg := newTypedBusRegistry(t)
	provider := &fakeMemoryProvider{}
	registerTyped(t, reg, registry.ServiceTypeMemory, "p1", provider)

	memBus := NewMemoryBus(reg)
	require.NoError(t, memBus.Memorize(context.Background(), MemoryNode{ID: "n1", Scope: "local"}))

	recalled, err := memBus.Recall(context.Background(), MemoryNode{})
	require.NoError(t, err)
	assert.Len(t, recalled, 1)

	require.NoError(t, memBus.Forget(context.Background(), MemoryNode{ID: "n1"}))
	recalled, err = memBus.Recall(context.Background(), MemoryNode{})
	require.NoError(t, err)
	assert.Len(t, recalled, 0)
}

type fakeToolProvider struct {
	tools []string
	err   error
}

func (p *fakeToolProvider) ListTools(ctx context.Context) ([]string, error) {
	return p.tools, p.err
}

func (p *fakeToolProvider) Execute(ctx context.Context, tool string, args map[string]interface{}) (ToolExecutionResult, error) {
	return ToolExecutionResult{Success: true, Output: map[string]interface{}{"tool": tool}}, nil
}

func TestToolBusListAllToolsComputesUnion(t *testing.T) {
	reg := newTypedBusRegistry(t)
	registerTyped(t, reg, registry.ServiceTypeTool, "p1", &fakeToolProvider{tools: []string{"search", "calculator"}})
	registerTyped(t, reg, registry.ServiceTypeTool, "p2", &fakeToolProvider{tools: []string{"calculator", "translate"}})

	toolBus := NewToolBus(reg)
	tools, err := toolBus.ListAllTools(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"search", "calculator", "translate"}, tools)
}

func TestToolBusCollectTelemetryReportsUnionCount(t *testing.T) {
	reg := newTypedBusRegistry(t)
	registerTyped(t, reg, registry.ServiceTypeTool, "p1", &fakeToolProvider{tools: []string{"search", "calculator"}})
	registerTyped(t, reg, registry.ServiceTypeTool, "p2", &fakeToolProvider{tools: []string{"calculator"}})

	toolBus := NewToolBus(reg)
	stats := toolBus.CollectTelemetry()
	assert.Equal(t, 2, stats["tool_count"])
	assert.Equal(t, 2, stats["provider_count"])
}

func TestToolBusExecute(t *testing.T) {
	reg := newTypedBusRegistry(t)
	registerTyped(t, reg, registry.ServiceTypeTool, "p1", &fakeToolProvider{tools: []string{"search"}})

	toolBus := NewToolBus(reg)
	result, err := toolBus.Execute(context.Background(), "search", map[string]interface{}{"q": "go"})
	require.NoError(t, err)
	assert.True(t, result.Success)
}

type fakeRuntimeProvider struct {
	paused, resumed, stepped bool
	failPause                bool
	state                    string
}

func (p *fakeRuntimeProvider) Pause(ctx context.Context) error {
	if p.failPause {
		return errors.New("pause failed")
	}
	p.paused = true
	return nil
}

func (p *fakeRuntimeProvider) Resume(ctx context.Context) error {
	p.resumed = true
	return nil
}

func (p *fakeRuntimeProvider) SingleStep(ctx context.Context) error {
	p.stepped = true
	return nil
}

func (p *fakeRuntimeProvider) CognitiveState(ctx context.Context) (string, error) {
	return p.state, nil
}

func TestRuntimeControlBusBroadcastsToEveryProvider(t *testing.T) {
	reg := newTypedBusRegistry(t)
	p1 := &fakeRuntimeProvider{}
	p2 := &fakeRuntimeProvider{}
	registerTyped(t, reg, registry.ServiceTypeRuntimeControl, "p1", p1)
	registerTyped(t, reg, registry.ServiceTypeRuntimeControl, "p2", p2)

	rcBus := NewRuntimeControlBus(reg)
	require.NoError(t, rcBus.Pause(context.Background()))
	assert.True(t, p1.paused)
	assert.True(t, p2.paused)
}

func TestRuntimeControlBusPauseReturnsFirstErrorButTriesAll(t *testing.T) {
	reg := newTypedBusRegistry(t)
	p1 := &fakeRuntimeProvider{failPause: true}
	p2 := &fakeRuntimeProvider{}
	registerTyped(t, reg, registry.ServiceTypeRuntimeControl, "p1", p1)
	registerTyped(t, reg, registry.ServiceTypeRuntimeControl, "p2", p2)

	rcBus := NewRuntimeControlBus(reg)
	err := rcBus.Pause(context.Background())
	require.Error(t, err)
	assert.True(t, p2.paused, "a failing provider must not stop the broadcast reaching others")
}

func TestRuntimeControlBusCognitiveState(t *testing.T) {
	reg := newTypedBusRegistry(t)
	registerTyped(t, reg, registry.ServiceTypeRuntimeControl, "p1", &fakeRuntimeProvider{state: "WAKEUP"})

	rcBus := NewRuntimeControlBus(reg)
	state, err := rcBus.CognitiveState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "WAKEUP", state)
}
