package llm

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	core "github.com/voxnexus/core"
	"github.com/voxnexus/core/internal/domain"
	"github.com/voxnexus/core/internal/otelx"
	"github.com/voxnexus/core/resilience"
)

func init() {
	Register("openai", newOpenAIProvider)
}

// openAIProvider wraps github.com/sashabaranov/go-openai behind a circuit
// breaker, so repeated failures trip open rather than hammering a downed
// backend.
type openAIProvider struct {
	client *openai.Client
	model  string
	cb     *resilience.CircuitBreaker
}

func newOpenAIProvider(opts map[string]any) (Provider, error) {
	apiKey, _ := opts["api_key"].(string)
	if apiKey == "" {
		return nil, fmt.Errorf("llm/openai: api_key is required")
	}
	model, _ := opts["model"].(string)
	if model == "" {
		model = openai.GPT4oMini
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL, _ := opts["base_url"].(string); baseURL != "" {
		cfg.BaseURL = baseURL
	}

	return &openAIProvider{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		cb:     resilience.NewCircuitBreaker(5, 0),
	}, nil
}

func (p *openAIProvider) Name() string { return "openai" }

func (p *openAIProvider) Complete(ctx context.Context, systemPrompt string, history []Message, tools []ToolSpec) (Response, error) {
	ctx, span := otelx.StartSpan(ctx, "llm.Complete", "openai")
	defer span.End()

	req := openai.ChatCompletionRequest{
		Model:    p.model,
		Messages: toOpenAIMessages(systemPrompt, history),
		Tools:    toOpenAITools(tools),
	}

	result, err := p.cb.Execute(ctx, func(ctx context.Context) (any, error) {
		return p.client.CreateChatCompletion(ctx, req)
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			wrapped := core.NewError("llm.Complete", core.ErrProviderDown, "openai circuit open", err)
			otelx.RecordError(span, wrapped)
			return Response{}, wrapped
		}
		wrapped := classifyOpenAIError(err)
		otelx.RecordError(span, wrapped)
		return Response{}, wrapped
	}

	resp := result.(openai.ChatCompletionResponse)
	if len(resp.Choices) == 0 {
		return Response{}, core.NewError("llm.Complete", core.ErrProviderDown, "openai returned no choices", nil)
	}
	choice := resp.Choices[0].Message
	return Response{Content: choice.Content, ToolCalls: toToolCalls(choice.ToolCalls)}, nil
}

func toOpenAIMessages(systemPrompt string, history []Message) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	if systemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: systemPrompt})
	}
	for _, m := range history {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: toOpenAIRole(m.Role), Content: m.Content})
	}
	return msgs
}

func toOpenAIRole(role domain.MessageRole) string {
	switch role {
	case domain.RoleAssistant:
		return openai.ChatMessageRoleAssistant
	case domain.RoleTool:
		return openai.ChatMessageRoleTool
	case domain.RoleSystem:
		return openai.ChatMessageRoleSystem
	default:
		return openai.ChatMessageRoleUser
	}
}

func toOpenAITools(tools []ToolSpec) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

func toToolCalls(calls []openai.ToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]ToolCall, 0, len(calls))
	for _, c := range calls {
		out = append(out, ToolCall{ID: c.ID, Name: c.Function.Name, Arguments: c.Function.Arguments})
	}
	return out
}

// classifyOpenAIError maps the go-openai error shape to our retry
// vocabulary: rate limits and 5xx are retryable, auth and
// malformed-request errors are not.
func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429:
			return core.NewError("llm.Complete", core.ErrRateLimit, "openai rate limited", err)
		case apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403:
			return core.NewError("llm.Complete", core.ErrAuth, "openai auth failed", err)
		case apiErr.HTTPStatusCode >= 500:
			return core.NewError("llm.Complete", core.ErrProviderDown, "openai server error", err)
		default:
			return core.NewError("llm.Complete", core.ErrInvalidInput, "openai request rejected", err)
		}
	}
	return core.NewError("llm.Complete", core.ErrTimeout, "openai request failed", err)
}
