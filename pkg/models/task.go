// Package models defines the persisted entity types shared by the runtime,
// the store, and the API layer.
package models

import "time"

// TaskState represents the lifecycle state of a task.
type TaskState string

// Task lifecycle states.
const (
	StateCreated             TaskState = "created"
	StateProcessAssigned     TaskState = "process_assigned"
	StateReadyForAgent       TaskState = "ready_for_agent"
	StateWaitingOnDeps       TaskState = "waiting_on_dependencies"
	StateAgentResponding     TaskState = "agent_responding"
	StateToolProcessing      TaskState = "tool_processing"
	StateCompleted           TaskState = "completed"
	StateFailed              TaskState = "failed"
	StateManualHold          TaskState = "manual_hold"
)

// allowedTransitions is the task state machine. A transition not listed here
// is invalid and must be rejected (the runtime logs it as a system warning
// and leaves the task unchanged).
//
// tool_processing → completed is included for the explicit end_task path:
// the completion signal arrives as a tool call, so the task is in
// tool_processing when it completes.
var allowedTransitions = map[TaskState][]TaskState{
	StateCreated:         {StateProcessAssigned, StateFailed},
	StateProcessAssigned: {StateReadyForAgent, StateFailed},
	StateReadyForAgent:   {StateAgentResponding, StateManualHold, StateFailed},
	StateWaitingOnDeps:   {StateReadyForAgent, StateFailed},
	StateAgentResponding: {StateToolProcessing, StateCompleted, StateFailed},
	StateToolProcessing:  {StateWaitingOnDeps, StateReadyForAgent, StateCompleted, StateFailed},
	StateManualHold:      {StateReadyForAgent},
	StateCompleted:       nil,
	StateFailed:          nil,
}

// IsValid reports whether s is a known task state.
func (s TaskState) IsValid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// IsTerminal reports whether the state admits no further transitions.
func (s TaskState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// IsActive reports whether the task is actively being worked on.
func (s TaskState) IsActive() bool {
	return s == StateAgentResponding || s == StateToolProcessing || s == StateProcessAssigned
}

// IsWaiting reports whether the task is parked pending an external signal.
func (s TaskState) IsWaiting() bool {
	return s == StateWaitingOnDeps || s == StateManualHold
}

// CanTransition reports whether from → to is a legal state machine move.
func CanTransition(from, to TaskState) bool {
	for _, t := range allowedTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Metadata keys recognised on tasks. Metadata is free-form; these keys carry
// per-task overrides the runtime understands.
const (
	MetaManualStepping   = "manual_stepping"     // bool — hold before each agent call
	MetaPriority         = "priority"            // string — "low", "normal", "high"
	MetaMaxExecutionTime = "max_execution_time"  // float64 seconds — per-call deadline
	MetaAdditionalContext = "additional_context" // []string — extra context document names
	MetaAdditionalTools  = "additional_tools"    // []string — extra tool names
	MetaParentAgent      = "parent_agent"        // string — agent type of the spawning parent
)

// Task is the unit of work. Parent and tree ids are immutable once set;
// TreeID equals ID for root tasks.
type Task struct {
	ID           int64          `json:"id"`
	TreeID       int64          `json:"tree_id"`
	ParentID     *int64         `json:"parent_id,omitempty"`
	Instruction  string         `json:"instruction"`
	ProcessName  string         `json:"process_name"`
	AgentName    string         `json:"agent_name,omitempty"`
	State        TaskState      `json:"state"`
	Result       map[string]any `json:"result,omitempty"`
	Summary      string         `json:"summary,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// IsRoot reports whether the task is the root of its tree.
func (t *Task) IsRoot() bool { return t.ParentID == nil }

// MetaBool reads a boolean metadata override. Missing or mistyped values
// return false.
func (t *Task) MetaBool(key string) bool {
	if t.Metadata == nil {
		return false
	}
	v, _ := t.Metadata[key].(bool)
	return v
}

// MetaString reads a string metadata value, or "" when absent.
func (t *Task) MetaString(key string) string {
	if t.Metadata == nil {
		return ""
	}
	v, _ := t.Metadata[key].(string)
	return v
}

// MetaStrings reads a string-list metadata value. JSON round-trips turn
// []string into []any, so both representations are accepted.
func (t *Task) MetaStrings(key string) []string {
	if t.Metadata == nil {
		return nil
	}
	switch v := t.Metadata[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// MetaSeconds reads a duration-in-seconds metadata value, or 0 when absent.
func (t *Task) MetaSeconds(key string) float64 {
	if t.Metadata == nil {
		return 0
	}
	switch v := t.Metadata[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}
