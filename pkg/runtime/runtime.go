// Package runtime implements the event-driven scheduler at the core of the
// orchestrator. One engine owns the live task states and the dependency
// graph; agent invocations run on background goroutines and report back by
// enqueueing events, so every state transition for a task is serialised
// through the engine's queue.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/SynidSweet/the-system/pkg/agent"
	"github.com/SynidSweet/the-system/pkg/events"
	"github.com/SynidSweet/the-system/pkg/graph"
	"github.com/SynidSweet/the-system/pkg/ledger"
	"github.com/SynidSweet/the-system/pkg/models"
	"github.com/SynidSweet/the-system/pkg/process"
	"github.com/SynidSweet/the-system/pkg/store"
)

const (
	// queueCapacity must exceed the largest fan-out a single handler can
	// produce, so enqueueing from the loop never deadlocks.
	queueCapacity = 4096

	// stopGrace bounds how long Stop waits for in-flight invocations before
	// cancelling them.
	stopGrace = 5 * time.Second
)

// Settings are the global runtime knobs. They can be updated at runtime
// through UpdateSettings; changes apply to subsequent scheduling decisions.
type Settings struct {
	MaxConcurrentAgents        int           `json:"max_concurrent_agents"`
	MaxConsecutiveCallsPerTree int           `json:"max_consecutive_calls_per_tree"`
	ProcessingTick             time.Duration `json:"processing_tick"`
	ManualSteppingEnabled      bool          `json:"manual_stepping_enabled"`
	AutoTrigger                bool          `json:"auto_trigger"`
	MaxTaskDepth               int           `json:"max_task_depth"`
	MaxSubtasksPerTask         int           `json:"max_subtasks_per_task"`
	TaskTimeout                time.Duration `json:"task_timeout"`
	DefaultAgent               string        `json:"default_agent"`
}

// DefaultSettings returns the production defaults.
func DefaultSettings() Settings {
	return Settings{
		MaxConcurrentAgents:        5,
		MaxConsecutiveCallsPerTree: 50,
		ProcessingTick:             500 * time.Millisecond,
		ManualSteppingEnabled:      false,
		AutoTrigger:                true,
		MaxTaskDepth:               10,
		MaxSubtasksPerTask:         20,
		TaskTimeout:                0, // disabled; per-task max_execution_time still applies
		DefaultAgent:               "agent_selector",
	}
}

// SubmitRequest is a user task submission.
type SubmitRequest struct {
	Instruction      string         `json:"instruction"`
	AgentType        string         `json:"agent_type,omitempty"`
	Priority         string         `json:"priority,omitempty"`
	MaxExecutionTime float64        `json:"max_execution_time,omitempty"` // seconds
	ManualStepping   bool           `json:"manual_stepping,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// Step actions.
const (
	StepContinue = "continue"
	StepSkip     = "skip"
	StepAbort    = "abort"
)

type eventKind string

const (
	evTaskCreated        eventKind = "task_created"
	evExecuteProcess     eventKind = "execute_process"
	evTaskStateChanged   eventKind = "task_state_changed"
	evAgentResponse      eventKind = "agent_response_received"
	evToolCall           eventKind = "tool_call_made"
	evSubtaskCompleted   eventKind = "subtask_completed"
	evDependencyResolved eventKind = "dependency_resolved"
	evDependencyFailed   eventKind = "dependency_failed"
)

// engineEvent is one unit of work on the engine queue. Only the fields the
// kind needs are set.
type engineEvent struct {
	kind   eventKind
	taskID int64

	state models.TaskState // task_state_changed

	response *agent.Result // agent_response_received
	err      error
	duration time.Duration

	call          *models.ToolCall // tool_call_made
	invalidReason string

	reason string // dependency_failed
}

// Engine is the orchestrator core. Create with NewEngine, then Start; Stop
// drains in-flight invocations.
type Engine struct {
	store     store.EntityStore
	graph     *graph.Graph
	processes *process.Registry
	invoker   *agent.Invoker
	local     *agent.LocalExecutor
	ledger    *ledger.Ledger
	publisher *events.Publisher
	logger    *slog.Logger

	queue chan engineEvent

	mu           sync.Mutex
	settings     Settings
	states       map[int64]models.TaskState
	invocations  map[int64]context.CancelFunc
	pendingCalls map[int64]int
	treeCalls    map[int64]int
	treeStepping map[int64]bool
	stepPass     map[int64]bool
	warnings     []Warning

	baseCtx   context.Context
	baseStop  context.CancelFunc
	wg        sync.WaitGroup
	stopCh    chan struct{}
	loopDone  chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewEngine wires the runtime. All collaborators are required.
func NewEngine(
	s store.EntityStore,
	g *graph.Graph,
	processes *process.Registry,
	invoker *agent.Invoker,
	local *agent.LocalExecutor,
	lg *ledger.Ledger,
	pub *events.Publisher,
	settings Settings,
) *Engine {
	baseCtx, baseStop := context.WithCancel(context.Background())
	return &Engine{
		store:        s,
		graph:        g,
		processes:    processes,
		invoker:      invoker,
		local:        local,
		ledger:       lg,
		publisher:    pub,
		logger:       slog.Default().With("component", "runtime"),
		queue:        make(chan engineEvent, queueCapacity),
		settings:     settings,
		states:       make(map[int64]models.TaskState),
		invocations:  make(map[int64]context.CancelFunc),
		pendingCalls: make(map[int64]int),
		treeCalls:    make(map[int64]int),
		treeStepping: make(map[int64]bool),
		stepPass:     make(map[int64]bool),
		baseCtx:      baseCtx,
		baseStop:     baseStop,
		stopCh:       make(chan struct{}),
		loopDone:     make(chan struct{}),
	}
}

// Start launches the event loop.
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		go e.run()
	})
}

// Stop shuts the engine down: the loop exits, in-flight invocations get a
// grace window, then outstanding ones are cancelled. Blocks until everything
// returned or ctx expires.
func (e *Engine) Stop(ctx context.Context) {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		<-e.loopDone

		finished := make(chan struct{})
		go func() {
			e.wg.Wait()
			close(finished)
		}()

		select {
		case <-finished:
			return
		case <-time.After(stopGrace):
		case <-ctx.Done():
		}

		e.baseStop()
		select {
		case <-finished:
		case <-ctx.Done():
		}
	})
}

func (e *Engine) run() {
	defer close(e.loopDone)

	ctx := context.Background()
	ticker := time.NewTicker(e.Settings().ProcessingTick)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case ev := <-e.queue:
			metricQueueDepth.Set(float64(len(e.queue)))
			e.dispatch(ctx, ev)
		case <-ticker.C:
			e.scanReady(ctx)
		}
	}
}

// enqueue blocks when the queue is full; capacity is sized so that only a
// stalled loop can make this wait.
func (e *Engine) enqueue(ev engineEvent) {
	select {
	case e.queue <- ev:
	case <-e.stopCh:
		e.logger.Warn("event dropped during shutdown", "kind", ev.kind, "task_id", ev.taskID)
	}
}

// scanReady sweeps for ready tasks without an active invocation. It is the
// safety net behind auto-trigger: a task parked by the concurrency cap gets
// picked up on a later tick.
func (e *Engine) scanReady(ctx context.Context) {
	e.mu.Lock()
	ready := make([]int64, 0, 4)
	for id, state := range e.states {
		if state == models.StateReadyForAgent {
			if _, active := e.invocations[id]; !active {
				ready = append(ready, id)
			}
		}
	}
	e.mu.Unlock()

	for _, id := range ready {
		e.triggerAgent(ctx, id)
	}
}

// Settings returns a snapshot of the current runtime settings.
func (e *Engine) Settings() Settings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.settings
}

// UpdateSettings replaces the runtime settings.
func (e *Engine) UpdateSettings(s Settings) error {
	if s.MaxConcurrentAgents < 1 {
		return store.NewValidationError("max_concurrent_agents", "must be at least 1")
	}
	if s.ProcessingTick <= 0 {
		return store.NewValidationError("processing_tick", "must be positive")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.settings = s
	return nil
}

// SetTreeStepping enables or disables manual stepping for one tree.
func (e *Engine) SetTreeStepping(treeID int64, enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if enabled {
		e.treeStepping[treeID] = true
	} else {
		delete(e.treeStepping, treeID)
	}
}

// SubmitTask creates a root task and schedules it.
func (e *Engine) SubmitTask(ctx context.Context, req SubmitRequest) (*models.Task, error) {
	meta := make(map[string]any, len(req.Metadata)+3)
	for k, v := range req.Metadata {
		meta[k] = v
	}
	if req.Priority != "" {
		meta[models.MetaPriority] = req.Priority
	}
	if req.MaxExecutionTime > 0 {
		meta[models.MetaMaxExecutionTime] = req.MaxExecutionTime
	}
	if req.ManualStepping {
		meta[models.MetaManualStepping] = true
	}

	task, err := e.store.CreateTask(ctx, models.CreateTaskRequest{
		Instruction: req.Instruction,
		ProcessName: process.DefaultProcessName,
		AgentName:   req.AgentType,
		Metadata:    meta,
	})
	if err != nil {
		return nil, err
	}

	e.graph.AddTask(task.ID)
	e.mu.Lock()
	e.states[task.ID] = task.State
	e.mu.Unlock()

	e.ledger.Record(e.taskEvent(models.EventTaskCreated, task, models.OutcomeUnset, map[string]any{
		"instruction": task.Instruction,
	}))
	e.ledger.Record(&models.Event{
		Kind:       models.EventUserMessage,
		EntityType: models.EntityTask,
		EntityID:   strconv.FormatInt(task.ID, 10),
		TreeID:     task.TreeID,
		Data:       map[string]any{"action": "submit_task"},
	})
	e.publisher.PublishTaskCreated(task)
	e.enqueue(engineEvent{kind: evTaskCreated, taskID: task.ID})
	return task, nil
}

// Step applies a manual-stepping action to a task. Continue on a task that is
// not held is a no-op.
func (e *Engine) Step(ctx context.Context, taskID int64, action string) error {
	task, err := e.store.GetTaskByID(ctx, taskID)
	if err != nil {
		return err
	}

	switch action {
	case StepContinue:
		if task.State != models.StateManualHold {
			return nil
		}
		// One stepping bypass, so the released task gets exactly one agent
		// call even while stepping stays enabled.
		e.mu.Lock()
		e.stepPass[task.ID] = true
		e.treeCalls[task.TreeID] = 0
		e.mu.Unlock()
		return e.transition(ctx, task, models.StateReadyForAgent)

	case StepSkip:
		if task.State.IsTerminal() {
			return nil
		}
		e.cancelInvocation(task.ID)
		e.completeTask(ctx, task, "skipped by operator", map[string]any{"skipped": true})
		return nil

	case StepAbort:
		if task.State.IsTerminal() {
			return nil
		}
		e.cancelInvocation(task.ID)
		e.failTask(ctx, task, "aborted by operator", map[string]any{"aborted": true})
		return nil

	default:
		return store.NewValidationError("action", fmt.Sprintf("unknown step action %q", action))
	}
}

// CancelTree fails every non-terminal task in the tree.
func (e *Engine) CancelTree(ctx context.Context, treeID int64) error {
	tasks, err := e.store.GetTasksByTreeID(ctx, treeID)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return fmt.Errorf("tree %d: %w", treeID, store.ErrNotFound)
	}

	e.ledger.Record(&models.Event{
		Kind:       models.EventUserMessage,
		EntityType: models.EntityTask,
		EntityID:   strconv.FormatInt(treeID, 10),
		TreeID:     treeID,
		Data:       map[string]any{"action": "cancel_tree"},
	})

	for _, task := range tasks {
		if task.State.IsTerminal() {
			continue
		}
		e.cancelInvocation(task.ID)
		e.failTask(ctx, task, "Tree cancelled", nil)
	}
	return nil
}

// cancelInvocation aborts the active invocation for a task, if any.
func (e *Engine) cancelInvocation(taskID int64) {
	e.mu.Lock()
	cancel := e.invocations[taskID]
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// releaseInvocation frees a task's concurrency slot. The slot is held from
// trigger until the turn's outcome has been fully applied, so tasks in
// tool_processing still count against max_concurrent_agents.
func (e *Engine) releaseInvocation(taskID int64) {
	e.mu.Lock()
	delete(e.invocations, taskID)
	e.mu.Unlock()
}

// taskEvent builds a ledger event about one task.
func (e *Engine) taskEvent(kind models.EventKind, task *models.Task, outcome models.Outcome, data map[string]any) *models.Event {
	return &models.Event{
		Kind:       kind,
		EntityType: models.EntityTask,
		EntityID:   strconv.FormatInt(task.ID, 10),
		TreeID:     task.TreeID,
		Outcome:    outcome,
		Data:       data,
	}
}
