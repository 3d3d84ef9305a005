package provider

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// messageOverhead approximates the per-turn framing tokens charged by chat
// endpoints on top of the raw content.
const messageOverhead = 4

// Estimator counts tokens for limiter admission before a request is sent.
// Encodings are cached per model; models without a known encoding fall back
// to cl100k_base, and if even that fails the estimate degrades to len/4.
type Estimator struct {
	mu        sync.RWMutex
	encodings map[string]*tiktoken.Tiktoken
}

func NewEstimator() *Estimator {
	return &Estimator{encodings: make(map[string]*tiktoken.Tiktoken)}
}

func (e *Estimator) encodingFor(model string) *tiktoken.Tiktoken {
	e.mu.RLock()
	enc, ok := e.encodings[model]
	e.mu.RUnlock()
	if ok {
		return enc
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			enc = nil
		}
	}

	e.mu.Lock()
	e.encodings[model] = enc
	e.mu.Unlock()
	return enc
}

// Count returns the token count of text under the given model's encoding.
func (e *Estimator) Count(model, text string) int {
	enc := e.encodingFor(model)
	if enc == nil {
		return (len(text) + 3) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// EstimateRequest sums the token cost of a full request: system prompt,
// every message with framing overhead, tool definitions, and the budgeted
// completion size.
func (e *Estimator) EstimateRequest(model string, req *Request) int {
	total := 0
	if req.System != "" {
		total += e.Count(model, req.System) + messageOverhead
	}
	for _, msg := range req.Messages {
		total += e.Count(model, msg.Content) + messageOverhead
	}
	for _, tool := range req.Tools {
		total += e.Count(model, tool.Name)
		total += e.Count(model, tool.Description)
		total += e.Count(model, string(tool.InputSchema))
	}
	if req.MaxTokens > 0 {
		total += req.MaxTokens
	}
	if total < 1 {
		total = 1
	}
	return total
}
