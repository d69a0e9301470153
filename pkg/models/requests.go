package models

// CreateTaskRequest contains fields for creating a task row. The store
// assigns the id; for root tasks (ParentID nil) the store also assigns the
// tree id (equal to the new task id).
type CreateTaskRequest struct {
	ParentID    *int64         `json:"parent_id,omitempty"`
	TreeID      int64          `json:"tree_id,omitempty"` // ignored for roots
	Instruction string         `json:"instruction"`
	ProcessName string         `json:"process_name"`
	AgentName   string         `json:"agent_name,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// TaskStatusUpdate carries the fields written on a task state change.
// Nil/zero fields are left untouched; the store stamps started/completed
// timestamps when the state enters agent_responding or a terminal state.
type TaskStatusUpdate struct {
	State        TaskState      `json:"state"`
	Result       map[string]any `json:"result,omitempty"`
	Summary      string         `json:"summary,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}
