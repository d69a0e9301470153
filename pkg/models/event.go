package models

import "time"

// EventKind is the closed enumeration of ledger event kinds.
type EventKind string

// Ledger event kinds. Entity-lifecycle, optimization, review, and
// system-error kinds are always recorded in full; other kinds are subject to
// the ledger's sampling policy.
const (
	EventTaskCreated      EventKind = "task_created"
	EventTaskStarted      EventKind = "task_started"
	EventTaskCompleted    EventKind = "task_completed"
	EventTaskFailed       EventKind = "task_failed"
	EventTaskStateChanged EventKind = "task_state_changed"

	EventToolCalled    EventKind = "tool_called"
	EventToolCompleted EventKind = "tool_completed"
	EventToolFailed    EventKind = "tool_failed"

	EventAgentPrompt   EventKind = "agent_prompt"
	EventAgentResponse EventKind = "agent_response"

	EventProcessExecuted EventKind = "process_executed"
	EventProcessFailed   EventKind = "process_failed"

	EventDependencyFailed EventKind = "dependency_failed"

	EventReviewTriggered         EventKind = "review_triggered"
	EventOptimizationOpportunity EventKind = "optimization_opportunity"

	EventSystemWarning EventKind = "system_warning"
	EventSystemError   EventKind = "system_error"

	EventUserMessage EventKind = "user_message"
)

// EntityType identifies which entity an event is primarily about.
type EntityType string

// Entity types referenced by events and review counters.
const (
	EntityTask     EntityType = "task"
	EntityAgent    EntityType = "agent"
	EntityTool     EntityType = "tool"
	EntityProcess  EntityType = "process"
	EntityDocument EntityType = "document"
	EntitySystem   EntityType = "system"
)

// Outcome classifies how the recorded operation ended.
type Outcome string

// Event outcomes.
const (
	OutcomeUnset     Outcome = ""
	OutcomeSuccess   Outcome = "success"
	OutcomeFailure   Outcome = "failure"
	OutcomePartial   Outcome = "partial"
	OutcomeError     Outcome = "error"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeCancelled Outcome = "cancelled"
)

// Event is an immutable ledger record. Events are append-only; the ledger is
// the sole source of truth for post-hoc analysis.
type Event struct {
	ID            int64               `json:"id"`
	Kind          EventKind           `json:"kind"`
	EntityType    EntityType          `json:"entity_type"`
	EntityID      string              `json:"entity_id"`
	TreeID        int64               `json:"tree_id,omitempty"`
	Related       map[string][]string `json:"related,omitempty"`
	Outcome       Outcome             `json:"outcome,omitempty"`
	Duration      time.Duration       `json:"duration,omitempty"`
	Timestamp     time.Time           `json:"timestamp"`
	ParentEventID *int64              `json:"parent_event_id,omitempty"`
	Data          map[string]any      `json:"data,omitempty"`
}

// EventFilter selects events from the store.
type EventFilter struct {
	Kinds      []EventKind `json:"kinds,omitempty"`
	EntityType EntityType  `json:"entity_type,omitempty"`
	EntityID   string      `json:"entity_id,omitempty"`
	TreeID     int64       `json:"tree_id,omitempty"`
	SinceID    int64       `json:"since_id,omitempty"`
	Since      *time.Time  `json:"since,omitempty"`
	Limit      int         `json:"limit,omitempty"`
}
