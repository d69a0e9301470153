package events

import "time"

// PushMessage is the envelope every push shares. Seq is a process-local
// monotonic id; clients hand it back as last_event_id to catch up after a
// reconnect.
type PushMessage struct {
	Kind      string    `json:"kind"`
	EventID   string    `json:"event_id"`
	Seq       int64     `json:"seq"`
	TaskID    int64     `json:"task_id,omitempty"`
	TreeID    int64     `json:"tree_id,omitempty"`
	AgentName string    `json:"agent_name,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TaskCreatedPayload announces a new task.
type TaskCreatedPayload struct {
	Instruction string `json:"instruction"`
	ProcessName string `json:"process_name"`
	ParentID    *int64 `json:"parent_id,omitempty"`
	State       string `json:"state"`
}

// TaskUpdatedPayload carries a task state change.
type TaskUpdatedPayload struct {
	State        string `json:"state"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// TaskCompletedPayload carries the result of a successfully completed task.
// Failures are announced as a task_updated push with the error message.
type TaskCompletedPayload struct {
	State   string         `json:"state"`
	Summary string         `json:"summary,omitempty"`
	Result  map[string]any `json:"result,omitempty"`
}

// TaskSpawnedPayload announces a subtask created by a process.
type TaskSpawnedPayload struct {
	ParentID    int64  `json:"parent_id"`
	Instruction string `json:"instruction"`
	Blocking    bool   `json:"blocking"`
}

// AgentStartedPayload announces the beginning of an agent invocation.
type AgentStartedPayload struct {
	Model string `json:"model,omitempty"`
}

// AgentThinkingPayload carries assistant text output.
type AgentThinkingPayload struct {
	Content string `json:"content"`
}

// AgentToolCallPayload announces a tool invocation by the agent.
type AgentToolCallPayload struct {
	CallID    string         `json:"call_id"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// AgentToolResultPayload carries the outcome of one tool call.
type AgentToolResultPayload struct {
	CallID  string `json:"call_id"`
	Tool    string `json:"tool"`
	Success bool   `json:"success"`
	Content string `json:"content,omitempty"`
}

// AgentCompletedPayload announces a finished invocation sequence.
type AgentCompletedPayload struct {
	Summary string `json:"summary,omitempty"`
}

// AgentErrorPayload carries an invocation failure.
type AgentErrorPayload struct {
	Error string `json:"error"`
}

// StepModePausePayload announces a manual-stepping hold awaiting operator
// input.
type StepModePausePayload struct {
	Scope string `json:"scope"` // "task", "tree", or "global"
}

// SystemMessagePayload carries operator-facing notices.
type SystemMessagePayload struct {
	Level   string `json:"level"` // "info", "warning", "error"
	Message string `json:"message"`
}
