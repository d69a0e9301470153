package runtime

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/SynidSweet/the-system/pkg/agent"
	"github.com/SynidSweet/the-system/pkg/models"
	"github.com/SynidSweet/the-system/pkg/process"
	"github.com/SynidSweet/the-system/pkg/store"
)

// dispatch routes one event to its handler. A handler failure aborts that
// handler only; the loop keeps running.
func (e *Engine) dispatch(ctx context.Context, ev engineEvent) {
	metricEventsProcessed.WithLabelValues(string(ev.kind)).Inc()

	switch ev.kind {
	case evTaskCreated:
		e.handleTaskCreated(ctx, ev.taskID)
	case evExecuteProcess:
		e.handleExecuteProcess(ctx, ev.taskID)
	case evTaskStateChanged:
		e.handleTaskStateChanged(ctx, ev.taskID, ev.state)
	case evAgentResponse:
		e.handleAgentResponse(ctx, ev)
	case evToolCall:
		e.handleToolCall(ctx, ev)
	case evSubtaskCompleted, evDependencyResolved:
		e.handleDependencyResolved(ctx, ev.taskID)
	case evDependencyFailed:
		e.handleDependencyFailed(ctx, ev.taskID, ev.reason)
	default:
		e.logger.Warn("unknown event kind", "kind", ev.kind, "task_id", ev.taskID)
	}
}

// transition applies a legal state change: store write, live map, push
// message, ledger record, and a task_state_changed event. Illegal transitions
// are logged as system warnings and dropped.
func (e *Engine) transition(ctx context.Context, task *models.Task, to models.TaskState) error {
	if !models.CanTransition(task.State, to) {
		e.logger.Warn("invalid state transition rejected",
			"task_id", task.ID, "from", task.State, "to", to)
		e.ledger.Record(e.taskEvent(models.EventSystemWarning, task, models.OutcomeFailure, map[string]any{
			"reason": "invalid state transition",
			"from":   string(task.State),
			"to":     string(to),
		}))
		e.addWarning("state_machine",
			fmt.Sprintf("rejected transition %s → %s", task.State, to), task.ID)
		return fmt.Errorf("invalid transition %s → %s for task %d", task.State, to, task.ID)
	}

	if err := e.store.UpdateTaskStatus(ctx, task.ID, models.TaskStatusUpdate{State: to}); err != nil {
		if errors.Is(err, store.ErrTerminalState) {
			// Lost a race with a terminal write (operator abort, tree cancel).
			e.mu.Lock()
			delete(e.states, task.ID)
			e.mu.Unlock()
			return fmt.Errorf("task %d already terminal: %w", task.ID, err)
		}
		e.ledger.Record(e.taskEvent(models.EventSystemError, task, models.OutcomeError, map[string]any{
			"reason": "task status update failed",
			"error":  err.Error(),
		}))
		e.addWarning("store", fmt.Sprintf("status update failed: %v", err), task.ID)
		return fmt.Errorf("failed to persist state %s for task %d: %w", to, task.ID, err)
	}

	from := task.State
	task.State = to
	e.mu.Lock()
	e.states[task.ID] = to
	e.mu.Unlock()

	e.ledger.Record(e.taskEvent(models.EventTaskStateChanged, task, models.OutcomeUnset, map[string]any{
		"from": string(from),
		"to":   string(to),
	}))
	e.publisher.PublishTaskUpdated(task, "")
	e.enqueue(engineEvent{kind: evTaskStateChanged, taskID: task.ID, state: to})
	return nil
}

func (e *Engine) loadTask(ctx context.Context, taskID int64) *models.Task {
	task, err := e.store.GetTaskByID(ctx, taskID)
	if err != nil {
		e.logger.Error("failed to load task", "task_id", taskID, "error", err)
		return nil
	}
	return task
}

func (e *Engine) handleTaskCreated(ctx context.Context, taskID int64) {
	task := e.loadTask(ctx, taskID)
	if task == nil || task.State != models.StateCreated {
		return
	}
	e.graph.AddTask(task.ID)
	e.mu.Lock()
	e.states[task.ID] = task.State
	e.mu.Unlock()

	if err := e.transition(ctx, task, models.StateProcessAssigned); err != nil {
		return
	}
	e.enqueue(engineEvent{kind: evExecuteProcess, taskID: task.ID})
}

// handleExecuteProcess readies a freshly assigned task: the default agent is
// filled in when the creator named none, then the task becomes eligible for
// triggering. Graph-mutating processes run later, in response to tool calls.
func (e *Engine) handleExecuteProcess(ctx context.Context, taskID int64) {
	task := e.loadTask(ctx, taskID)
	if task == nil || task.State != models.StateProcessAssigned {
		return
	}

	if task.AgentName == "" {
		name := e.Settings().DefaultAgent
		if err := e.store.UpdateTaskAgent(ctx, task.ID, name); err != nil {
			e.failTask(ctx, task, fmt.Sprintf("failed to assign agent: %v", err), nil)
			return
		}
		task.AgentName = name
	}

	if _, ok := e.processes.Get(task.ProcessName); !ok {
		e.logger.Warn("task carries unknown process, continuing with agent loop",
			"task_id", task.ID, "process", task.ProcessName)
	}
	_ = e.transition(ctx, task, models.StateReadyForAgent)
}

func (e *Engine) handleTaskStateChanged(ctx context.Context, taskID int64, state models.TaskState) {
	if state == models.StateReadyForAgent && e.Settings().AutoTrigger {
		e.triggerAgent(ctx, taskID)
	}
}

// steppingScope reports whether manual stepping applies to the task and at
// which scope. Task metadata wins over the tree override, which wins over the
// global flag.
func (e *Engine) steppingScope(task *models.Task) (string, bool) {
	if v, ok := task.Metadata[models.MetaManualStepping]; ok {
		enabled, _ := v.(bool)
		return "task", enabled
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if enabled, ok := e.treeStepping[task.TreeID]; ok {
		return "tree", enabled
	}
	return "global", e.settings.ManualSteppingEnabled
}

// triggerAgent starts an invocation for a ready task, subject to the
// concurrency cap, the per-tree call budget, and manual stepping.
func (e *Engine) triggerAgent(ctx context.Context, taskID int64) {
	task := e.loadTask(ctx, taskID)
	if task == nil || task.State != models.StateReadyForAgent {
		return
	}

	e.mu.Lock()
	pass := e.stepPass[task.ID]
	delete(e.stepPass, task.ID)
	e.mu.Unlock()

	if !pass {
		if scope, hold := e.steppingScope(task); hold {
			if err := e.transition(ctx, task, models.StateManualHold); err == nil {
				e.publisher.PublishStepModePause(task, scope)
			}
			return
		}
	}

	settings := e.Settings()
	e.mu.Lock()
	if _, active := e.invocations[task.ID]; active {
		e.mu.Unlock()
		return
	}
	if len(e.invocations) >= settings.MaxConcurrentAgents {
		e.mu.Unlock()
		return // picked up by a later tick
	}
	if settings.MaxConsecutiveCallsPerTree > 0 &&
		e.treeCalls[task.TreeID] >= settings.MaxConsecutiveCallsPerTree {
		e.mu.Unlock()
		e.holdForCallBudget(ctx, task)
		return
	}

	invCtx, cancel := context.WithCancel(e.baseCtx)
	if timeout := e.taskTimeout(task, settings); timeout > 0 {
		invCtx, cancel = context.WithTimeout(e.baseCtx, timeout)
	}
	e.invocations[task.ID] = cancel
	e.treeCalls[task.TreeID]++
	e.mu.Unlock()

	if err := e.transition(ctx, task, models.StateAgentResponding); err != nil {
		e.mu.Lock()
		delete(e.invocations, task.ID)
		e.mu.Unlock()
		cancel()
		return
	}

	metricActiveInvocations.Inc()
	e.wg.Add(1)
	go e.invokeAgent(invCtx, cancel, task)
}

// holdForCallBudget parks a tree that exceeded its consecutive-call budget.
// The budget resets when a subtask completes or an operator steps the task.
func (e *Engine) holdForCallBudget(ctx context.Context, task *models.Task) {
	e.ledger.Record(e.taskEvent(models.EventSystemWarning, task, models.OutcomeFailure, map[string]any{
		"reason": "tree exceeded consecutive agent call budget",
	}))
	e.addWarning("call_budget",
		fmt.Sprintf("tree %d exceeded its consecutive agent call budget", task.TreeID), task.ID)
	if err := e.transition(ctx, task, models.StateManualHold); err == nil {
		e.publisher.PublishStepModePause(task, "tree")
		e.publisher.PublishSystemMessage("warning",
			fmt.Sprintf("tree %d exceeded its consecutive agent call budget; task %d held", task.TreeID, task.ID))
	}
}

func (e *Engine) taskTimeout(task *models.Task, settings Settings) time.Duration {
	if secs := task.MetaSeconds(models.MetaMaxExecutionTime); secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return settings.TaskTimeout
}

// invokeAgent runs off-loop: one model call, then the outcome is enqueued.
func (e *Engine) invokeAgent(ctx context.Context, cancel context.CancelFunc, task *models.Task) {
	defer e.wg.Done()
	defer cancel()
	defer metricActiveInvocations.Dec()

	e.publisher.PublishAgentStarted(task, task.AgentName)
	e.ledger.Record(&models.Event{
		Kind:       models.EventAgentPrompt,
		EntityType: models.EntityAgent,
		EntityID:   task.AgentName,
		TreeID:     task.TreeID,
		Related:    map[string][]string{"task": {strconv.FormatInt(task.ID, 10)}},
	})

	start := time.Now()
	res, err := e.invoker.Invoke(ctx, task)
	elapsed := time.Since(start)
	metricInvocationDuration.Observe(elapsed.Seconds())

	// The concurrency slot stays held until the outcome handler settles the
	// turn: a task processing tool calls still occupies an agent slot.
	e.enqueue(engineEvent{
		kind:     evAgentResponse,
		taskID:   task.ID,
		response: res,
		err:      err,
		duration: elapsed,
	})
}

func (e *Engine) handleAgentResponse(ctx context.Context, ev engineEvent) {
	task := e.loadTask(ctx, ev.taskID)
	if task == nil || task.State.IsTerminal() {
		e.releaseInvocation(ev.taskID)
		return
	}

	if ev.err != nil {
		reason := ev.err.Error()
		if errors.Is(ev.err, context.DeadlineExceeded) {
			reason = "timeout"
		}
		e.publisher.PublishAgentError(task, reason)
		e.ledger.Record(&models.Event{
			Kind:       models.EventAgentResponse,
			EntityType: models.EntityAgent,
			EntityID:   task.AgentName,
			TreeID:     task.TreeID,
			Outcome:    models.OutcomeError,
			Duration:   ev.duration,
			Data:       map[string]any{"error": reason},
		})
		e.failTask(ctx, task, reason, nil)
		return
	}

	res := ev.response
	e.ledger.Record(&models.Event{
		Kind:       models.EventAgentResponse,
		EntityType: models.EntityAgent,
		EntityID:   task.AgentName,
		TreeID:     task.TreeID,
		Outcome:    models.OutcomeSuccess,
		Duration:   ev.duration,
		Data:       map[string]any{"tool_calls": len(res.ToolCalls)},
	})
	if res.Content != "" {
		e.publisher.PublishAgentThinking(task, res.Content)
	}

	if len(res.ToolCalls) > 0 {
		if err := e.transition(ctx, task, models.StateToolProcessing); err != nil {
			e.releaseInvocation(task.ID)
			return
		}
		e.mu.Lock()
		e.pendingCalls[task.ID] = len(res.ToolCalls)
		e.mu.Unlock()
		for i := range res.ToolCalls {
			call := res.ToolCalls[i]
			e.enqueue(engineEvent{
				kind:          evToolCall,
				taskID:        task.ID,
				call:          &call,
				invalidReason: res.InvalidCalls[call.CallID],
			})
		}
		return
	}

	e.releaseInvocation(task.ID)
	if res.CompletionHint {
		// Textual completion with no end_task call: accept it, using the
		// content as the summary.
		e.publisher.PublishAgentCompleted(task, res.Content)
		e.completeTask(ctx, task, res.Content, nil)
		return
	}
	_ = e.transition(ctx, task, models.StateReadyForAgent)
}

func (e *Engine) handleToolCall(ctx context.Context, ev engineEvent) {
	// Resuming the task is deferred until the last call of the turn settled:
	// an earlier call may have parked the task on a dependency, and a later
	// one may still do so.
	defer e.settleToolCall(ctx, ev.taskID)

	task := e.loadTask(ctx, ev.taskID)
	if task == nil || task.State.IsTerminal() {
		return
	}
	call := ev.call

	e.publisher.PublishAgentToolCall(task, *call)
	e.ledger.Record(&models.Event{
		Kind:       models.EventToolCalled,
		EntityType: models.EntityTool,
		EntityID:   call.Name,
		TreeID:     task.TreeID,
		Related:    map[string][]string{"task": {strconv.FormatInt(task.ID, 10)}},
	})

	if ev.invalidReason != "" {
		e.finishToolCall(ctx, task, call, agent.ToolResult{Success: false, Error: ev.invalidReason}, 0)
		return
	}

	// A process trigger never reaches the local-tool branch.
	if fn, ok := e.processes.Get(call.Name); ok {
		e.runProcess(ctx, task, call, fn)
		return
	}

	start := time.Now()
	result := e.local.Execute(ctx, *call)
	e.finishToolCall(ctx, task, call, result, time.Since(start))
}

// settleToolCall marks one tool call of the current turn as applied. When the
// last one settles the turn is over: the invocation slot frees up and the
// task resumes, unless a call in the batch parked it on unresolved
// dependencies or finished it.
func (e *Engine) settleToolCall(ctx context.Context, taskID int64) {
	e.mu.Lock()
	e.pendingCalls[taskID]--
	remaining := e.pendingCalls[taskID]
	if remaining <= 0 {
		delete(e.pendingCalls, taskID)
	}
	e.mu.Unlock()
	if remaining > 0 {
		return
	}
	e.releaseInvocation(taskID)

	task := e.loadTask(ctx, taskID)
	if task == nil || task.State != models.StateToolProcessing {
		return
	}
	if !e.graph.AllDependenciesResolved(task.ID) {
		_ = e.transition(ctx, task, models.StateWaitingOnDeps)
		return
	}
	_ = e.transition(ctx, task, models.StateReadyForAgent)
}

// finishToolCall folds a tool outcome back into the conversation and the
// ledger.
func (e *Engine) finishToolCall(ctx context.Context, task *models.Task, call *models.ToolCall, result agent.ToolResult, elapsed time.Duration) {
	if _, err := e.store.CreateMessage(ctx, models.CreateMessageRequest{
		TaskID:     task.ID,
		Role:       models.RoleToolResult,
		Content:    result.Encode(),
		ToolCallID: call.CallID,
		ToolName:   call.Name,
	}); err != nil {
		e.logger.Error("failed to append tool result", "task_id", task.ID, "tool", call.Name, "error", err)
	}

	kind := models.EventToolCompleted
	outcome := models.OutcomeSuccess
	if !result.Success {
		kind = models.EventToolFailed
		outcome = models.OutcomeFailure
	}
	e.ledger.Record(&models.Event{
		Kind:       kind,
		EntityType: models.EntityTool,
		EntityID:   call.Name,
		TreeID:     task.TreeID,
		Outcome:    outcome,
		Duration:   elapsed,
		Related:    map[string][]string{"task": {strconv.FormatInt(task.ID, 10)}},
	})
	content := result.Content
	if !result.Success {
		content = result.Error
	}
	e.publisher.PublishAgentToolResult(task, call.CallID, call.Name, result.Success, content)
}

// runProcess executes a graph-mutating process and applies its outcome.
func (e *Engine) runProcess(ctx context.Context, task *models.Task, call *models.ToolCall, fn process.Func) {
	if call.Name != process.ProcessEndTask {
		if reason := e.spawnGuard(ctx, task); reason != "" {
			e.finishToolCall(ctx, task, call, agent.ToolResult{Success: false, Error: reason}, 0)
			return
		}
	}

	start := time.Now()
	res := fn(ctx, task, call.Arguments)
	elapsed := time.Since(start)

	kind := models.EventProcessExecuted
	outcome := models.OutcomeSuccess
	if !res.Success {
		kind = models.EventProcessFailed
		outcome = models.OutcomeFailure
	}
	e.ledger.Record(&models.Event{
		Kind:       kind,
		EntityType: models.EntityProcess,
		EntityID:   call.Name,
		TreeID:     task.TreeID,
		Outcome:    outcome,
		Duration:   elapsed,
		Related:    map[string][]string{"task": {strconv.FormatInt(task.ID, 10)}},
	})

	e.finishToolCall(ctx, task, call, agent.ToolResult{Success: res.Success, Content: res.Message, Error: messageIfFailed(res)}, elapsed)

	blocking := make(map[int64]bool)
	for _, dep := range e.graph.Dependencies(task.ID) {
		blocking[dep] = true
	}
	for _, id := range res.SubtaskIDs {
		child := e.loadTask(ctx, id)
		if child == nil {
			continue
		}
		e.ledger.Record(e.taskEvent(models.EventTaskCreated, child, models.OutcomeUnset, map[string]any{
			"spawned_by": call.Name,
		}))
		e.publisher.PublishTaskSpawned(task, child, blocking[child.ID])
		e.enqueue(engineEvent{kind: evTaskCreated, taskID: child.ID})
	}

	switch res.NextState {
	case models.StateCompleted:
		e.publisher.PublishAgentCompleted(task, res.Message)
		e.completeTask(ctx, task, res.Message, resultPayload(call.Arguments))
	case models.StateFailed:
		e.failTask(ctx, task, res.Message, nil)
	case models.StateWaitingOnDeps:
		if task.State != models.StateWaitingOnDeps {
			_ = e.transition(ctx, task, models.StateWaitingOnDeps)
		}
	default:
		// The task stays in tool_processing; settleToolCall resumes it once
		// the whole turn is applied.
	}
}

func messageIfFailed(res process.Result) string {
	if res.Success {
		return ""
	}
	return res.Message
}

// resultPayload extracts the result mapping from end_task arguments.
func resultPayload(args map[string]any) map[string]any {
	if m, ok := args["result"].(map[string]any); ok {
		return m
	}
	return nil
}

// spawnGuard enforces the depth and fan-out limits before a process may
// mutate the graph. Empty string means allowed.
func (e *Engine) spawnGuard(ctx context.Context, task *models.Task) string {
	settings := e.Settings()

	if settings.MaxTaskDepth > 0 {
		depth := 0
		cursor := task
		for cursor.ParentID != nil && depth <= settings.MaxTaskDepth {
			parent, err := e.store.GetTaskByID(ctx, *cursor.ParentID)
			if err != nil {
				break
			}
			depth++
			cursor = parent
		}
		if depth >= settings.MaxTaskDepth {
			return fmt.Sprintf("maximum task depth %d reached", settings.MaxTaskDepth)
		}
	}

	if settings.MaxSubtasksPerTask > 0 {
		siblings, err := e.store.GetTasksByTreeID(ctx, task.TreeID)
		if err == nil {
			children := 0
			for _, t := range siblings {
				if t.ParentID != nil && *t.ParentID == task.ID {
					children++
				}
			}
			if children >= settings.MaxSubtasksPerTask {
				return fmt.Sprintf("maximum of %d subtasks per task reached", settings.MaxSubtasksPerTask)
			}
		}
	}
	return ""
}

func (e *Engine) handleDependencyResolved(ctx context.Context, taskID int64) {
	task := e.loadTask(ctx, taskID)
	if task == nil || task.State != models.StateWaitingOnDeps {
		return
	}
	if !e.graph.AllDependenciesResolved(task.ID) {
		return
	}
	_ = e.transition(ctx, task, models.StateReadyForAgent)
}

func (e *Engine) handleDependencyFailed(ctx context.Context, taskID int64, reason string) {
	task := e.loadTask(ctx, taskID)
	if task == nil || task.State.IsTerminal() {
		return
	}
	e.ledger.Record(e.taskEvent(models.EventDependencyFailed, task, models.OutcomeFailure, map[string]any{
		"reason": reason,
	}))
	e.cancelInvocation(task.ID)
	e.failTask(ctx, task, reason, nil)
}

// completeTask moves a task to COMPLETED, persists the result, resolves
// dependents, and notifies the parent.
func (e *Engine) completeTask(ctx context.Context, task *models.Task, summary string, result map[string]any) {
	if task.State.IsTerminal() {
		return
	}
	if err := e.store.UpdateTaskStatus(ctx, task.ID, models.TaskStatusUpdate{
		State:   models.StateCompleted,
		Summary: summary,
		Result:  result,
	}); err != nil {
		if errors.Is(err, store.ErrTerminalState) {
			// A concurrent operator action finished the task first; its
			// outcome stands.
			return
		}
		e.logger.Error("failed to persist completion", "task_id", task.ID, "error", err)
		e.ledger.Record(e.taskEvent(models.EventSystemError, task, models.OutcomeError, map[string]any{
			"reason": "completion persist failed",
			"error":  err.Error(),
		}))
		return
	}
	task.State = models.StateCompleted
	metricTasksTerminal.WithLabelValues("completed").Inc()

	e.mu.Lock()
	delete(e.states, task.ID)
	delete(e.invocations, task.ID)
	if task.ParentID != nil {
		// A completed subtask resets the tree's consecutive-call budget.
		e.treeCalls[task.TreeID] = 0
	}
	e.mu.Unlock()

	e.ledger.Record(e.taskEvent(models.EventTaskCompleted, task, models.OutcomeSuccess, map[string]any{
		"summary": summary,
	}))
	e.publisher.PublishTaskCompleted(task, summary, result)

	for _, dep := range e.graph.MarkCompleted(task.ID) {
		e.enqueue(engineEvent{kind: evDependencyResolved, taskID: dep})
	}
	if task.ParentID != nil {
		e.enqueue(engineEvent{kind: evSubtaskCompleted, taskID: *task.ParentID})
	}
	e.maybeCleanupTree(ctx, task.TreeID)
}

// failTask moves a task to FAILED and propagates the failure to dependents.
func (e *Engine) failTask(ctx context.Context, task *models.Task, reason string, result map[string]any) {
	if task.State.IsTerminal() {
		return
	}
	if err := e.store.UpdateTaskStatus(ctx, task.ID, models.TaskStatusUpdate{
		State:        models.StateFailed,
		ErrorMessage: reason,
		Result:       result,
	}); err != nil {
		if errors.Is(err, store.ErrTerminalState) {
			// A concurrent completion or failure won; its outcome stands.
			return
		}
		e.logger.Error("failed to persist failure", "task_id", task.ID, "error", err)
		e.ledger.Record(e.taskEvent(models.EventSystemError, task, models.OutcomeError, map[string]any{
			"reason": "failure persist failed",
			"error":  err.Error(),
		}))
		return
	}
	task.State = models.StateFailed
	task.ErrorMessage = reason
	metricTasksTerminal.WithLabelValues("failed").Inc()

	e.mu.Lock()
	delete(e.states, task.ID)
	delete(e.invocations, task.ID)
	e.mu.Unlock()

	e.ledger.Record(e.taskEvent(models.EventTaskFailed, task, models.OutcomeFailure, map[string]any{
		"error": reason,
	}))
	e.publisher.PublishTaskUpdated(task, reason)

	for _, dep := range e.graph.MarkFailed(task.ID, reason) {
		e.enqueue(engineEvent{
			kind:   evDependencyFailed,
			taskID: dep,
			reason: fmt.Sprintf("Dependency %d failed: %s", task.ID, reason),
		})
	}
	e.maybeCleanupTree(ctx, task.TreeID)
}

// maybeCleanupTree reclaims a tree's graph nodes and per-tree scheduler state
// once every task in it is terminal. No event can revive a fully terminal
// tree, so anything left behind is a leak.
func (e *Engine) maybeCleanupTree(ctx context.Context, treeID int64) {
	tasks, err := e.store.GetTasksByTreeID(ctx, treeID)
	if err != nil {
		e.logger.Error("tree cleanup scan failed", "tree_id", treeID, "error", err)
		return
	}
	for _, task := range tasks {
		if !task.State.IsTerminal() {
			return
		}
	}

	for _, task := range tasks {
		e.graph.Remove(task.ID)
	}
	e.mu.Lock()
	for _, task := range tasks {
		delete(e.states, task.ID)
		delete(e.stepPass, task.ID)
		delete(e.pendingCalls, task.ID)
	}
	delete(e.treeCalls, treeID)
	delete(e.treeStepping, treeID)
	e.mu.Unlock()
}
