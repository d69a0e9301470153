package models

import "time"

// MessageRole identifies who produced a conversation message.
type MessageRole string

// Conversation message roles.
const (
	RoleSystem     MessageRole = "system"
	RoleUser       MessageRole = "user"
	RoleAssistant  MessageRole = "assistant"
	RoleToolResult MessageRole = "tool_result"
)

// ToolCall is an agent's request to invoke a tool.
type ToolCall struct {
	CallID    string         `json:"call_id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Message is one entry in a task's conversation. Assistant messages may carry
// tool calls; tool_result messages reference the call they answer.
type Message struct {
	ID         int64       `json:"id"`
	TaskID     int64       `json:"task_id"`
	Role       MessageRole `json:"role"`
	Content    string      `json:"content"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	ToolName   string      `json:"tool_name,omitempty"`
	Sequence   int         `json:"sequence"`
	CreatedAt  time.Time   `json:"created_at"`
}

// CreateMessageRequest contains fields for appending a conversation message.
// Sequence is assigned by the store.
type CreateMessageRequest struct {
	TaskID     int64       `json:"task_id"`
	Role       MessageRole `json:"role"`
	Content    string      `json:"content"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	ToolName   string      `json:"tool_name,omitempty"`
}
