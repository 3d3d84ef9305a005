package provider

import (
	"context"
	"sync"

	"github.com/tessellate-ai/cardinal/pkg/config"
)

// MockAdapter is the offline provider. Without a script it answers every
// request with an empty findings array and usage derived from the request
// size, so a full pipeline run works with no network access. Tests enqueue
// responses or install a handler to drive specific behavior; enqueued
// results are consumed before the handler is consulted.
type MockAdapter struct {
	mu      sync.Mutex
	queue   []mockResult
	handler func(ctx context.Context, req *Request) (*Response, error)
	calls   int
}

type mockResult struct {
	resp *Response
	err  error
}

func NewMockAdapter() *MockAdapter {
	return &MockAdapter{}
}

func (m *MockAdapter) Name() string {
	return config.ProviderKindMock
}

// Enqueue schedules one scripted result. Pass a nil response with a non-nil
// error to script a failure.
func (m *MockAdapter) Enqueue(resp *Response, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, mockResult{resp: resp, err: err})
}

// SetHandler installs a fallback invoked when the script queue is empty.
func (m *MockAdapter) SetHandler(fn func(ctx context.Context, req *Request) (*Response, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = fn
}

// Calls reports how many completions were requested.
func (m *MockAdapter) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockAdapter) Complete(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.calls++
	var scripted *mockResult
	if len(m.queue) > 0 {
		head := m.queue[0]
		m.queue = m.queue[1:]
		scripted = &head
	}
	handler := m.handler
	m.mu.Unlock()

	if scripted != nil {
		if scripted.err != nil {
			return nil, scripted.err
		}
		return scripted.resp, nil
	}
	if handler != nil {
		return handler(ctx, req)
	}

	chars := len(req.System)
	for _, msg := range req.Messages {
		chars += len(msg.Content)
	}
	return &Response{
		Content:    "[]",
		TokensIn:   (chars + 3) / 4,
		TokensOut:  2,
		StopReason: "end_turn",
	}, nil
}
