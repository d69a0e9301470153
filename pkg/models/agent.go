package models

import "time"

// ModelParams are provider call parameters carried on an agent definition.
type ModelParams struct {
	Temperature float32 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
}

// AgentSpec is the static configuration consumed by the invocation wrapper.
// Combined with a task it yields one model invocation.
type AgentSpec struct {
	ID               int64       `json:"id"`
	Name             string      `json:"name" yaml:"name"`
	Instruction      string      `json:"instruction" yaml:"instruction"`
	ContextDocuments []string    `json:"context_documents,omitempty" yaml:"context_documents,omitempty"`
	AvailableTools   []string    `json:"available_tools,omitempty" yaml:"available_tools,omitempty"`
	Permissions      []string    `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	Provider         string      `json:"provider,omitempty" yaml:"provider,omitempty"`
	Model            string      `json:"model,omitempty" yaml:"model,omitempty"`
	Params           ModelParams `json:"params,omitempty" yaml:"params,omitempty"`
	Active           bool        `json:"active" yaml:"active"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// ToolImplementationKind discriminates how a tool call is executed.
type ToolImplementationKind string

// Tool implementation kinds. A process trigger names a process in the
// registry; a local tool runs in-process and folds its result back into the
// conversation.
const (
	ToolKindProcess ToolImplementationKind = "process_trigger"
	ToolKindLocal   ToolImplementationKind = "local"
)

// ToolSpec declares a tool available to agents.
type ToolSpec struct {
	ID               int64                  `json:"id"`
	Name             string                 `json:"name" yaml:"name"`
	Description      string                 `json:"description" yaml:"description"`
	ParametersSchema string                 `json:"parameters_schema,omitempty" yaml:"parameters_schema,omitempty"` // JSON Schema
	Category         string                 `json:"category,omitempty" yaml:"category,omitempty"`
	Permissions      []string               `json:"permissions,omitempty" yaml:"permissions,omitempty"`
	Implementation   ToolImplementationKind `json:"implementation" yaml:"implementation"`
	ProcessName      string                 `json:"process_name,omitempty" yaml:"process_name,omitempty"` // for process triggers
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// DocumentSpec is a named context document served to agents.
type DocumentSpec struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name" yaml:"name"`
	Title     string    `json:"title,omitempty" yaml:"title,omitempty"`
	Category  string    `json:"category,omitempty" yaml:"category,omitempty"`
	Content   string    `json:"content" yaml:"content"`
	Format    string    `json:"format,omitempty" yaml:"format,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
