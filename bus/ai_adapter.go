package bus

import (
	"context"
	"fmt"
	"strings"

	"github.com/CIRISAI/ciris-bus-fabric/core"
	"github.com/CIRISAI/ciris-bus-fabric/pricing"
)

// AIClientAdapter wraps a core.AIClient (a single provider client or a
// failover ai.ChainClient) as an LLMProvider, so LLMBus can register and
// route to it like any other provider. Messages are flattened into one
// prompt string since core.AIClient speaks prompt/response, not a
// structured chat history. core.AIClient has no structured-output mode of
// its own: a *string responseModel receives the response content, and for
// any other responseModel the raw content is returned as the result.
type AIClientAdapter struct {
	client      core.AIClient
	model       string
	name        string
	capabilities []string
}

// NewAIClientAdapter wraps client for LLMBus registration. model is
// reported by GetAvailableModels; capabilities defaults to
// []string{"call_llm_structured"} when nil.
func NewAIClientAdapter(name string, client core.AIClient, model string, capabilities []string) *AIClientAdapter {
	if capabilities == nil {
		capabilities = []string{llmStructuredCapability}
	}
	return &AIClientAdapter{client: client, model: model, name: name, capabilities: capabilities}
}

func (a *AIClientAdapter) flattenPrompt(messages []ChatMessage) string {
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}

// CallLLMStructured implements LLMProvider by flattening messages into a
// single prompt, delegating to the wrapped core.AIClient, and writing the
// response content into *responseModel if it is a *string; any other
// responseModel type is returned as the raw response content via the
// interface{} return value instead.
func (a *AIClientAdapter) CallLLMStructured(ctx context.Context, messages []ChatMessage, responseModel interface{}, maxTokens int, temperature float32) (interface{}, pricing.ResourceUsage, error) {
	prompt := a.flattenPrompt(messages)
	resp, err := a.client.GenerateResponse(ctx, prompt, &core.AIOptions{
		Model:       a.model,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return nil, pricing.ResourceUsage{}, err
	}

	usage := pricing.ResourceUsage{
		TokensInput:  resp.Usage.PromptTokens,
		TokensOutput: resp.Usage.CompletionTokens,
		TokensUsed:   resp.Usage.TotalTokens,
		ModelUsed:    resp.Model,
	}

	if out, ok := responseModel.(*string); ok {
		*out = resp.Content
		return out, usage, nil
	}
	return resp.Content, usage, nil
}

// IsHealthy always reports true; core.AIClient has no health probe of its
// own, so failures surface through CallLLMStructured and the provider's
// circuit breaker instead.
func (a *AIClientAdapter) IsHealthy() bool { return true }

// GetCapabilities returns the capabilities this adapter was constructed
// with.
func (a *AIClientAdapter) GetCapabilities() []string { return a.capabilities }

// GetAvailableModels reports the single configured model, or "unknown" if
// none was set.
func (a *AIClientAdapter) GetAvailableModels() []string {
	if a.model == "" {
		return []string{"unknown"}
	}
	return []string{a.model}
}

func (a *AIClientAdapter) String() string {
	return fmt.Sprintf("AIClientAdapter(%s)", a.name)
}
