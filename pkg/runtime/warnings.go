package runtime

import "time"

// warningsLimit bounds the retained warning history; older entries roll off.
const warningsLimit = 100

// Warning is an operator-facing notice about a recoverable runtime problem:
// a rejected state transition, a store write that failed, a tree that hit its
// call budget.
type Warning struct {
	Category  string    `json:"category"`
	Message   string    `json:"message"`
	TaskID    int64     `json:"task_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *Engine) addWarning(category, message string, taskID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.warnings = append(e.warnings, Warning{
		Category:  category,
		Message:   message,
		TaskID:    taskID,
		Timestamp: time.Now().UTC(),
	})
	if len(e.warnings) > warningsLimit {
		e.warnings = e.warnings[len(e.warnings)-warningsLimit:]
	}
}

// Warnings returns the retained warnings, oldest first.
func (e *Engine) Warnings() []Warning {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Warning, len(e.warnings))
	copy(out, e.warnings)
	return out
}

// QueueDepth reports the number of events waiting on the engine queue.
func (e *Engine) QueueDepth() int { return len(e.queue) }

// ActiveInvocations reports the number of agent invocations in flight.
func (e *Engine) ActiveInvocations() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.invocations)
}

// LiveTasks reports the number of non-terminal tasks the engine tracks.
func (e *Engine) LiveTasks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.states)
}
