// Package process implements the registry of named processes that tool calls
// trigger. A process mutates the store and dependency graph directly and
// reports what it did; the runtime applies the resulting task transition.
package process

import (
	"context"
	"fmt"
	"sync"

	"github.com/SynidSweet/the-system/pkg/models"
)

// DefaultProcessName is the neutral process assigned to subtasks whose
// creator named none.
const DefaultProcessName = "default"

// Result is the outcome of one process execution. Failure never fails the
// calling task: the runtime folds Message into the conversation as a failing
// tool result and the agent continues.
type Result struct {
	Success bool
	// Message is surfaced to the agent as the tool-result content.
	Message string
	// SubtaskIDs lists tasks the process created.
	SubtaskIDs []int64
	// NextState is the desired state for the calling task after the process
	// ran. Zero value leaves the runtime default (ready_for_agent).
	NextState models.TaskState
}

// Failure builds a failed result with a formatted message.
func Failure(format string, args ...any) Result {
	return Result{Success: false, Message: fmt.Sprintf(format, args...)}
}

// Func executes a process for the calling task with the tool-call arguments.
type Func func(ctx context.Context, task *models.Task, params map[string]any) Result

// Registry maps process names (and aliases) to implementations.
type Registry struct {
	mu        sync.RWMutex
	processes map[string]Func
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{processes: make(map[string]Func)}
}

// Register adds a process under name.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processes[name] = fn
}

// Alias registers a second name for an existing process.
func (r *Registry) Alias(alias, target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fn, ok := r.processes[target]; ok {
		r.processes[alias] = fn
	}
}

// Get returns the process registered under name.
func (r *Registry) Get(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.processes[name]
	return fn, ok
}

// Names returns all registered names including aliases.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.processes))
	for name := range r.processes {
		out = append(out, name)
	}
	return out
}
