package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/tessellate-ai/cardinal/pkg/config"
	"github.com/tessellate-ai/cardinal/pkg/fault"
	"github.com/tessellate-ai/cardinal/pkg/models"
)

// ChatClient is the subset of the go-openai client used by the adapter.
// Satisfied by *openai.Client; tests supply a fake.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIAdapter speaks the Chat Completions dialect. A base URL override
// points it at any compatible endpoint, which is how self-hosted and proxy
// deployments are supported.
type OpenAIAdapter struct {
	chat  ChatClient
	model string
}

// NewOpenAIAdapter builds an adapter backed by the real go-openai client.
// An empty baseURL keeps the vendor default endpoint.
func NewOpenAIAdapter(apiKey, baseURL, model string) (*OpenAIAdapter, error) {
	if apiKey == "" {
		return nil, fault.New(fault.KindAuth, "openai api key is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return NewOpenAIAdapterWithClient(openai.NewClientWithConfig(cfg), model)
}

// NewOpenAIAdapterWithClient injects the chat client, used by tests.
func NewOpenAIAdapterWithClient(chat ChatClient, model string) (*OpenAIAdapter, error) {
	if chat == nil {
		return nil, fmt.Errorf("openai chat client is required")
	}
	if model == "" {
		return nil, fault.New(fault.KindBadRequest, "model identifier is required")
	}
	return &OpenAIAdapter{chat: chat, model: model}, nil
}

func (a *OpenAIAdapter) Name() string {
	return config.ProviderKindVendorBCompat
}

func (a *OpenAIAdapter) Complete(ctx context.Context, req *Request) (*Response, error) {
	request, err := a.buildRequest(req)
	if err != nil {
		return nil, err
	}
	resp, err := a.chat.CreateChatCompletion(ctx, *request)
	if err != nil {
		return nil, mapOpenAIError(err, a.Name())
	}
	return translateOpenAIResponse(resp), nil
}

func (a *OpenAIAdapter) buildRequest(req *Request) (*openai.ChatCompletionRequest, error) {
	if len(req.Messages) == 0 {
		return nil, fault.New(fault.KindBadRequest, "at least one message is required")
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		switch m.Role {
		case models.RoleUser, models.RoleAssistant:
			messages = append(messages, openai.ChatCompletionMessage{
				Role:    string(m.Role),
				Content: m.Content,
			})
		default:
			return nil, fault.New(fault.KindBadRequest, "unsupported message role %q", m.Role)
		}
	}

	request := openai.ChatCompletionRequest{
		Model:     a.model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
	}
	if len(req.Tools) > 0 {
		request.Tools = encodeOpenAITools(req.Tools)
	}
	return &request, nil
}

func encodeOpenAITools(defs []ToolDefinition) []openai.Tool {
	tools := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.InputSchema,
			},
		})
	}
	return tools
}

func mapOpenAIError(err error, upstream string) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return statusFault(apiErr.HTTPStatusCode, upstream, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return statusFault(reqErr.HTTPStatusCode, upstream, err)
	}
	return transportFault(err, upstream)
}

func translateOpenAIResponse(resp openai.ChatCompletionResponse) *Response {
	out := &Response{
		TokensIn:  resp.Usage.PromptTokens,
		TokensOut: resp.Usage.CompletionTokens,
	}
	for _, choice := range resp.Choices {
		out.Content += choice.Message.Content
		for _, call := range choice.Message.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, models.ToolCall{
				ID:            call.ID,
				Name:          call.Function.Name,
				ArgumentsJSON: json.RawMessage(call.Function.Arguments),
			})
		}
	}
	if len(resp.Choices) > 0 {
		out.StopReason = string(resp.Choices[0].FinishReason)
	}
	return out
}
