// Package store provides entity persistence for tasks, conversations,
// agents, tools, context documents, events, and review counters. Two
// implementations exist: an in-memory store (tests, development) and a
// PostgreSQL store (production).
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/SynidSweet/the-system/pkg/models"
)

// Sentinel errors shared by all store implementations.
var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrAlreadyExists is returned when creating a duplicate entity.
	ErrAlreadyExists = errors.New("entity already exists")

	// ErrTerminalState is returned by UpdateTaskStatus when the task already
	// reached a terminal state. Terminal outcomes are immutable.
	ErrTerminalState = errors.New("task already in a terminal state")
)

// ValidationError wraps field-specific validation errors.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field %q: %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsValidationError checks whether err is a validation error.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// EntityStore is the persistence contract the runtime consumes. The runtime
// is the single writer for task-state fields; the store owns durable copies
// and replies to reads.
type EntityStore interface {
	// Tasks
	CreateTask(ctx context.Context, req models.CreateTaskRequest) (*models.Task, error)
	GetTaskByID(ctx context.Context, id int64) (*models.Task, error)
	GetTasksByTreeID(ctx context.Context, treeID int64) ([]*models.Task, error)
	GetActiveTasks(ctx context.Context) ([]*models.Task, error)
	GetRootTasks(ctx context.Context, limit int) ([]*models.Task, error)
	UpdateTaskStatus(ctx context.Context, id int64, update models.TaskStatusUpdate) error
	UpdateTaskAgent(ctx context.Context, id int64, agentName string) error
	NextTreeID(ctx context.Context) (int64, error)

	// Conversation
	CreateMessage(ctx context.Context, req models.CreateMessageRequest) (*models.Message, error)
	GetMessagesByTaskID(ctx context.Context, taskID int64) ([]*models.Message, error)

	// Agents, tools, documents
	GetAgentByName(ctx context.Context, name string) (*models.AgentSpec, error)
	GetAgentByID(ctx context.Context, id int64) (*models.AgentSpec, error)
	GetAllActiveAgents(ctx context.Context) ([]*models.AgentSpec, error)
	UpsertAgent(ctx context.Context, agent *models.AgentSpec) error
	GetToolsByNames(ctx context.Context, names []string) ([]*models.ToolSpec, error)
	UpsertTool(ctx context.Context, tool *models.ToolSpec) error
	GetContextDocumentsByNames(ctx context.Context, names []string) ([]*models.DocumentSpec, error)
	ListDocuments(ctx context.Context) ([]*models.DocumentSpec, error)
	UpsertDocument(ctx context.Context, doc *models.DocumentSpec) error

	// Event ledger
	AppendEvents(ctx context.Context, batch []*models.Event) error
	QueryEvents(ctx context.Context, filter models.EventFilter) ([]*models.Event, error)

	// Review counters
	UpsertReviewCounter(ctx context.Context, counter *models.ReviewCounter) error
	GetReviewCounters(ctx context.Context) ([]*models.ReviewCounter, error)

	Close() error
}

// validateCreateTask enforces the invariants shared by all implementations.
func validateCreateTask(req models.CreateTaskRequest) error {
	if req.Instruction == "" {
		return NewValidationError("instruction", "must not be empty")
	}
	if req.ProcessName == "" {
		return NewValidationError("process_name", "must not be empty")
	}
	if req.ParentID != nil && req.TreeID == 0 {
		return NewValidationError("tree_id", "required for non-root tasks")
	}
	return nil
}
