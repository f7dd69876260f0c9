// Package bus implements the typed message-bus layer that brokers every
// call from handlers to external capability providers. Each bus is a thin,
// domain-specific facade over registry.Registry: it asks for candidates,
// applies a selection/distribution strategy, checks the candidate's circuit
// breaker, invokes the provider, and records the outcome.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/CIRISAI/ciris-bus-fabric/pricing"
)

// Message is the common envelope every typed bus message extends with a
// domain-specific payload.
type Message struct {
	ID          string
	HandlerName string
	Timestamp   time.Time
	Metadata    map[string]string
}

// NewMessage builds a Message stamped with a fresh UUIDv4 id and the current
// time, the shape every typed bus's Enqueue caller uses to build a deferred
// BusMessage per spec §3.
func NewMessage(handlerName string, metadata map[string]string) Message {
	return Message{
		ID:          uuid.NewString(),
		HandlerName: handlerName,
		Timestamp:   time.Now(),
		Metadata:    metadata,
	}
}

// ChatMessage is the opaque, order-preserving message shape LLMBus passes to
// providers after normalization (absent-valued keys stripped).
type ChatMessage struct {
	Role    string
	Content string
	Extra   map[string]interface{}
}

// LLMProvider is the contract consumed by LLMBus.
type LLMProvider interface {
	CallLLMStructured(ctx context.Context, messages []ChatMessage, responseModel interface{}, maxTokens int, temperature float32) (interface{}, pricing.ResourceUsage, error)
	IsHealthy() bool
	GetCapabilities() []string
	GetAvailableModels() []string
}

// DeferralRequest carries the context for a wise-authority deferral.
type DeferralRequest struct {
	Context     string
	HandlerName string
	DeferUntil  *time.Time
	Metadata    map[string]string
}

// GuidanceRequest is the WiseBus.RequestGuidance input.
type GuidanceRequest struct {
	Context      string
	Options      []string
	Capability   string
	Inputs       map[string]string
	Urgency      string
	ProviderType string
}

// WisdomAdvice is one provider's contribution to a guidance response.
type WisdomAdvice struct {
	Capability           string
	ProviderType         string
	ProviderName         string
	Confidence           float64
	Explanation          string
	Data                 map[string]interface{}
	Disclaimer           string
	RequiresProfessional bool
	Risk                 string
}

// GuidanceResponse is the WiseBus.RequestGuidance output.
type GuidanceResponse struct {
	SelectedOption *string
	CustomGuidance *string
	Reasoning      string
	WAID           string
	Signature      string
	Advice         []WisdomAdvice
}

// WiseAuthorityProvider is the contract consumed by WiseBus. SendDeferral,
// GetGuidance and the legacy single-string FetchGuidance are optional: each
// lives in its own interface below, which WiseBus detects by type assertion.
type WiseAuthorityProvider interface {
	GetCapabilities() []string
}

// DeferralSender is the optional SendDeferral contract.
type DeferralSender interface {
	SendDeferral(ctx context.Context, req DeferralRequest) (bool, error)
}

// GuidanceProvider is the optional structured GetGuidance contract.
type GuidanceProvider interface {
	GetGuidance(ctx context.Context, req GuidanceRequest) (GuidanceResponse, error)
}

// LegacyGuidanceProvider is the optional legacy fetch_guidance contract.
type LegacyGuidanceProvider interface {
	FetchGuidance(ctx context.Context, guidanceContext string) (*string, error)
}

// FetchedMessage is one message returned by a CommunicationProvider.
type FetchedMessage struct {
	ID        string
	ChannelID string
	Content   string
	Timestamp time.Time
}

// CommunicationProvider is the contract consumed by CommunicationBus.
type CommunicationProvider interface {
	SendMessage(ctx context.Context, handler, channelID, content string, metadata map[string]string) (bool, error)
	FetchMessages(ctx context.Context, channelID string, limit int, adapterHint string) ([]FetchedMessage, error)
}

// MemoryNode is the opaque payload MemoryBus forwards to providers.
type MemoryNode struct {
	ID       string
	Scope    string
	Data     map[string]interface{}
	NodeType string
}

// MemoryProvider is the contract consumed by MemoryBus.
type MemoryProvider interface {
	Memorize(ctx context.Context, node MemoryNode) error
	Recall(ctx context.Context, node MemoryNode) ([]MemoryNode, error)
	Forget(ctx context.Context, node MemoryNode) error
}

// ToolExecutionResult is the outcome of one ToolBus.Execute call.
type ToolExecutionResult struct {
	Success bool
	Output  map[string]interface{}
	Error   string
}

// ToolProvider is the contract consumed by ToolBus.
type ToolProvider interface {
	ListTools(ctx context.Context) ([]string, error)
	Execute(ctx context.Context, tool string, args map[string]interface{}) (ToolExecutionResult, error)
}

// RuntimeControlProvider is the contract consumed by RuntimeControlBus.
type RuntimeControlProvider interface {
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	SingleStep(ctx context.Context) error
	CognitiveState(ctx context.Context) (string, error)
}

// TelemetrySink is the fire-and-forget metric contract every provider-facing
// operation may report through.
type TelemetrySink interface {
	RecordMetric(name string, value float64, handlerName string, tags map[string]string)
}

// CreditCheckResult is returned by the observer-side credit gate.
type CreditCheckResult struct {
	HasCredit bool
	Reason    string
}

// CreditProvider is consulted by the observer side before a message becomes
// a task. It is specified here only at the contract boundary; the observer
// owns the call site.
type CreditProvider interface {
	CheckCredit(ctx context.Context, account string, context string) (CreditCheckResult, error)
}
