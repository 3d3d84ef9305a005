// Package provider is the single doorway to AI upstreams. A Gateway owns one
// vendor adapter, estimates token cost up front, runs every call through the
// resilience envelope, and reports usage back to the calling agent. Nothing
// else in the system dials a provider.
package provider

import (
	"context"
	"encoding/json"

	"github.com/tessellate-ai/cardinal/pkg/models"
)

// Message is one conversation turn sent to an upstream.
type Message struct {
	Role    models.MessageRole `json:"role"`
	Content string             `json:"content"`
}

// ToolDefinition advertises a tool to the provider. InputSchema is a JSON
// Schema object kept raw so adapters can re-encode it per vendor.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Request is a vendor-neutral completion request.
type Request struct {
	System    string           `json:"system,omitempty"`
	Messages  []Message        `json:"messages"`
	MaxTokens int              `json:"max_tokens,omitempty"`
	Tools     []ToolDefinition `json:"tools,omitempty"`

	// EstimatedTokens primes the rate limiter. Zero means the gateway
	// estimates from the request content.
	EstimatedTokens int `json:"-"`
}

// Response is a vendor-neutral completion result.
type Response struct {
	Content    string            `json:"content"`
	ToolCalls  []models.ToolCall `json:"tool_calls,omitempty"`
	TokensIn   int               `json:"tokens_in"`
	TokensOut  int               `json:"tokens_out"`
	StopReason string            `json:"stop_reason,omitempty"`
}

// Adapter translates neutral requests for one vendor API. Adapters classify
// their vendor's errors into fault kinds; they do not retry or limit, the
// envelope above them does.
type Adapter interface {
	// Name identifies the upstream for the envelope, metrics, and logs.
	Name() string
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// UsageRecorder receives token usage after each successful completion.
// Implemented by the agent runtime; nil recorders are allowed.
type UsageRecorder interface {
	RecordUsage(tokensIn, tokensOut int, latencyMS int64)
}
