// Package llm defines the model-provider contract the agent wrapper consumes
// and ships adapters for OpenAI chat completions and Anthropic messages.
package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/SynidSweet/the-system/pkg/models"
)

// ErrUnknownProvider is returned by the registry for unregistered names.
var ErrUnknownProvider = errors.New("unknown model provider")

// GenerateInput is one model invocation request.
type GenerateInput struct {
	// System is the system prompt (agent instruction + context documents).
	System string
	// Messages is the conversation so far, oldest first.
	Messages []*models.Message
	// Tools are the declarations offered to the model.
	Tools []*models.ToolSpec
	// Model overrides the provider's default model when non-empty.
	Model string
	// Params carries sampling parameters from the agent definition.
	Params models.ModelParams
}

// TokenUsage reports provider-side token consumption.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// GenerateOutput is the provider-neutral model response.
type GenerateOutput struct {
	Content    string
	ToolCalls  []models.ToolCall
	Usage      TokenUsage
	StopReason string
}

// ModelProvider generates one completion for a prepared request. Providers
// must honor ctx cancellation; the runtime cancels invocations on timeout and
// shutdown.
type ModelProvider interface {
	Generate(ctx context.Context, in *GenerateInput) (*GenerateOutput, error)
}

// Registry maps provider names to configured providers. Safe for concurrent
// use; registration normally happens once at startup.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]ModelProvider
	defaultTo string
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]ModelProvider)}
}

// Register adds a provider under name. The first registered provider becomes
// the default.
func (r *Registry) Register(name string, provider ModelProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.providers) == 0 {
		r.defaultTo = name
	}
	r.providers[name] = provider
}

// SetDefault selects the provider used when an agent names none.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	r.defaultTo = name
	return nil
}

// Get returns the provider for name, or the default when name is empty.
func (r *Registry) Get(name string) (ModelProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		name = r.defaultTo
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

// Names returns the registered provider names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.providers))
	for name := range r.providers {
		out = append(out, name)
	}
	return out
}
