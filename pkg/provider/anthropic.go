package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/tessellate-ai/cardinal/pkg/config"
	"github.com/tessellate-ai/cardinal/pkg/fault"
	"github.com/tessellate-ai/cardinal/pkg/models"
)

// defaultMaxTokens caps completions when a request does not set its own.
const defaultMaxTokens = 4096

// MessagesClient is the subset of the Anthropic SDK used by the adapter.
// Satisfied by *sdk.MessageService; tests supply a fake.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicAdapter translates neutral requests into Anthropic Messages calls.
type AnthropicAdapter struct {
	msg   MessagesClient
	model string
}

// NewAnthropicAdapter builds an adapter backed by the real Anthropic client.
func NewAnthropicAdapter(apiKey, model string) (*AnthropicAdapter, error) {
	if apiKey == "" {
		return nil, fault.New(fault.KindAuth, "anthropic api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropicAdapterWithClient(&ac.Messages, model)
}

// NewAnthropicAdapterWithClient injects the messages client, used by tests.
func NewAnthropicAdapterWithClient(msg MessagesClient, model string) (*AnthropicAdapter, error) {
	if msg == nil {
		return nil, fmt.Errorf("anthropic messages client is required")
	}
	if model == "" {
		return nil, fault.New(fault.KindBadRequest, "model identifier is required")
	}
	return &AnthropicAdapter{msg: msg, model: model}, nil
}

func (a *AnthropicAdapter) Name() string {
	return config.ProviderKindVendorA
}

func (a *AnthropicAdapter) Complete(ctx context.Context, req *Request) (*Response, error) {
	params, err := a.buildParams(req)
	if err != nil {
		return nil, err
	}
	msg, err := a.msg.New(ctx, *params)
	if err != nil {
		var apierr *sdk.Error
		if errors.As(err, &apierr) {
			return nil, statusFault(apierr.StatusCode, a.Name(), err)
		}
		return nil, transportFault(err, a.Name())
	}
	return translateAnthropicResponse(msg)
}

func (a *AnthropicAdapter) buildParams(req *Request) (*sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, fault.New(fault.KindBadRequest, "at least one message is required")
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	msgs := make([]sdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case models.RoleUser:
			msgs = append(msgs, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case models.RoleAssistant:
			msgs = append(msgs, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			return nil, fault.New(fault.KindBadRequest, "unsupported message role %q", m.Role)
		}
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(a.model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := encodeAnthropicTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}
	return &params, nil
}

func encodeAnthropicTools(defs []ToolDefinition) ([]sdk.ToolUnionParam, error) {
	tools := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			return nil, fault.New(fault.KindBadRequest, "tool definition is missing a name")
		}
		var schema sdk.ToolInputSchemaParam
		if len(def.InputSchema) > 0 {
			var m map[string]any
			if err := json.Unmarshal(def.InputSchema, &m); err != nil {
				return nil, fault.Wrap(fault.KindBadRequest, err, "tool %q has an invalid input schema", def.Name)
			}
			schema = sdk.ToolInputSchemaParam{ExtraFields: m}
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		tools = append(tools, u)
	}
	return tools, nil
}

func translateAnthropicResponse(msg *sdk.Message) (*Response, error) {
	if msg == nil {
		return nil, fault.New(fault.KindUpstreamTransient, "anthropic returned an empty response")
	}
	resp := &Response{StopReason: string(msg.StopReason)}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Content += block.Text
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, models.ToolCall{
				ID:            block.ID,
				Name:          block.Name,
				ArgumentsJSON: block.Input,
			})
		}
	}
	resp.TokensIn = int(msg.Usage.InputTokens)
	resp.TokensOut = int(msg.Usage.OutputTokens)
	return resp, nil
}
