package llm

import (
	"context"
	"sync"

	"github.com/SynidSweet/the-system/pkg/models"
)

// MockProvider is a scripted ModelProvider for tests. Responses are consumed
// in order; when the script is exhausted the provider answers with a plain
// completion so flows can terminate.
type MockProvider struct {
	mu      sync.Mutex
	script  []*GenerateOutput
	err     error
	calls   []*GenerateInput
	handler func(ctx context.Context, in *GenerateInput) (*GenerateOutput, error)
}

// NewMockProvider creates an empty mock.
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

// Enqueue appends scripted responses.
func (m *MockProvider) Enqueue(outputs ...*GenerateOutput) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, outputs...)
	return m
}

// EnqueueText appends a text-only response.
func (m *MockProvider) EnqueueText(content string) *MockProvider {
	return m.Enqueue(&GenerateOutput{Content: content, StopReason: "end_turn"})
}

// EnqueueToolCall appends a response containing a single tool call.
func (m *MockProvider) EnqueueToolCall(callID, name string, args map[string]any) *MockProvider {
	return m.Enqueue(&GenerateOutput{
		ToolCalls:  []models.ToolCall{{CallID: callID, Name: name, Arguments: args}},
		StopReason: "tool_use",
	})
}

// Fail makes every subsequent call return err.
func (m *MockProvider) Fail(err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// Handle installs a function-backed script that takes precedence over the
// queued responses. The handler runs outside the mock's lock, so it may block
// on ctx to simulate slow providers.
func (m *MockProvider) Handle(fn func(ctx context.Context, in *GenerateInput) (*GenerateOutput, error)) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = fn
	return m
}

// Generate returns the next scripted response.
func (m *MockProvider) Generate(ctx context.Context, in *GenerateInput) (*GenerateOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.calls = append(m.calls, in)
	err := m.err
	handler := m.handler
	var next *GenerateOutput
	if err == nil && handler == nil && len(m.script) > 0 {
		next = m.script[0]
		m.script = m.script[1:]
	}
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if handler != nil {
		return handler(ctx, in)
	}
	if next != nil {
		return next, nil
	}
	return &GenerateOutput{Content: "The task is complete.", StopReason: "end_turn"}, nil
}

// Calls returns every request seen so far.
func (m *MockProvider) Calls() []*GenerateInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*GenerateInput(nil), m.calls...)
}
