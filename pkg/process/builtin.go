package process

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/SynidSweet/the-system/pkg/graph"
	"github.com/SynidSweet/the-system/pkg/models"
	"github.com/SynidSweet/the-system/pkg/store"
)

// Built-in process names. start_subtask and request_context are historical
// aliases kept for agents prompted with the older names.
const (
	ProcessBreakDownTask   = "break_down_task"
	ProcessCreateSubtask   = "create_subtask"
	ProcessStartSubtask    = "start_subtask"
	ProcessEndTask         = "end_task"
	ProcessNeedMoreContext = "need_more_context"
	ProcessRequestContext  = "request_context"
	ProcessNeedMoreTools   = "need_more_tools"
	ProcessFlagForReview   = "flag_for_review"
)

// investigationKeywords trigger a second, investigation-focused subtask in
// need_more_context.
var investigationKeywords = []string{
	"research", "investigate", "explore", "find out", "discover", "analyze",
}

// inheritedDocMarkers select general-purpose context documents carried over
// to subtasks that request none.
var inheritedDocMarkers = []string{"guide", "pattern", "standard", "reference"}

const maxInheritedDocs = 3

// Builtins holds the dependencies the built-in processes mutate.
type Builtins struct {
	store  store.EntityStore
	graph  *graph.Graph
	logger *slog.Logger
}

// NewBuiltins wires the built-in processes.
func NewBuiltins(s store.EntityStore, g *graph.Graph) *Builtins {
	return &Builtins{
		store:  s,
		graph:  g,
		logger: slog.Default().With("component", "processes"),
	}
}

// RegisterAll installs every built-in process and its aliases, plus the
// neutral default process.
func (b *Builtins) RegisterAll(r *Registry) {
	r.Register(DefaultProcessName, func(context.Context, *models.Task, map[string]any) Result {
		return Result{Success: true, NextState: models.StateReadyForAgent}
	})
	r.Register(ProcessBreakDownTask, b.BreakDownTask)
	r.Register(ProcessCreateSubtask, b.CreateSubtask)
	r.Alias(ProcessStartSubtask, ProcessCreateSubtask)
	r.Register(ProcessEndTask, b.EndTask)
	r.Register(ProcessNeedMoreContext, b.NeedMoreContext)
	r.Alias(ProcessRequestContext, ProcessNeedMoreContext)
	r.Register(ProcessNeedMoreTools, b.NeedMoreTools)
	r.Register(ProcessFlagForReview, b.FlagForReview)
}

// BreakDownTask creates one subtask per entry in the "subtasks" list, or a
// single planner subtask from "approach" when no list is given. Each subtask
// blocks the parent.
func (b *Builtins) BreakDownTask(ctx context.Context, task *models.Task, params map[string]any) Result {
	approach := stringParam(params, "approach")
	instructions := stringListParam(params, "subtasks")
	if approach == "" && len(instructions) == 0 {
		return Failure("break_down_task requires an approach or a subtasks list")
	}
	if len(instructions) == 0 {
		instructions = []string{fmt.Sprintf("Plan and execute this approach: %s", approach)}
	}

	var created []int64
	for _, instruction := range instructions {
		if strings.TrimSpace(instruction) == "" {
			return Failure("break_down_task: subtask instructions must not be empty")
		}
		id, err := b.spawn(ctx, task, instruction, spawnOptions{blocking: true})
		if err != nil {
			return Failure("break_down_task: %v", err)
		}
		created = append(created, id)
	}

	return Result{
		Success:    true,
		Message:    fmt.Sprintf("Created %d subtask(s)", len(created)),
		SubtaskIDs: created,
		NextState:  models.StateWaitingOnDeps,
	}
}

// CreateSubtask creates exactly one child, honoring the caller's options,
// and blocks the parent on it.
func (b *Builtins) CreateSubtask(ctx context.Context, task *models.Task, params map[string]any) Result {
	instruction := stringParam(params, "subtask_instruction")
	if instruction == "" {
		instruction = stringParam(params, "instruction")
	}
	if instruction == "" {
		return Failure("create_subtask requires a subtask_instruction")
	}

	opts := spawnOptions{
		blocking:    true,
		processName: stringParam(params, "process"),
		agentName:   stringParam(params, "assigned_agent"),
		priority:    stringParam(params, "priority"),
		contextDocs: stringListParam(params, "additional_context"),
		tools:       stringListParam(params, "additional_tools"),
		metadata:    mapParam(params, "metadata"),
	}
	if len(opts.contextDocs) == 0 {
		docs, err := b.inheritedContext(ctx, task, instruction)
		if err != nil {
			b.logger.Warn("context inheritance failed", "task_id", task.ID, "error", err)
		}
		opts.contextDocs = docs
	}

	id, err := b.spawn(ctx, task, instruction, opts)
	if err != nil {
		return Failure("create_subtask: %v", err)
	}
	return Result{
		Success:    true,
		Message:    fmt.Sprintf("Created subtask %d", id),
		SubtaskIDs: []int64{id},
		NextState:  models.StateWaitingOnDeps,
	}
}

// EndTask is the explicit completion signal. The runtime's completion path
// runs when it sees NextState completed.
func (b *Builtins) EndTask(_ context.Context, _ *models.Task, params map[string]any) Result {
	status := stringParam(params, "status")
	if status == "" {
		status = "success"
	}
	summary := stringParam(params, "summary")

	if status != "success" {
		msg := summary
		if msg == "" {
			msg = "task reported failure"
		}
		return Result{Success: true, Message: msg, NextState: models.StateFailed}
	}
	return Result{Success: true, Message: summary, NextState: models.StateCompleted}
}

// NeedMoreContext validates a context request and, when approved, spawns a
// context-provision subtask (plus an investigation subtask for exploratory
// requests).
func (b *Builtins) NeedMoreContext(ctx context.Context, task *models.Task, params map[string]any) Result {
	request := stringParam(params, "request")
	justification := stringParam(params, "justification")

	if len(strings.Fields(request)) < 5 {
		return Result{
			Success:   false,
			Message:   "context request rejected: describe what you need in more detail (at least five words)",
			NextState: models.StateReadyForAgent,
		}
	}
	if len(strings.Fields(justification)) < 3 {
		return Result{
			Success:   false,
			Message:   "context request rejected: provide a non-trivial justification",
			NextState: models.StateReadyForAgent,
		}
	}
	if docs, err := b.effectiveContext(ctx, task); err == nil && len(docs) > 10 {
		return Result{
			Success:   false,
			Message:   "context request rejected: task already has more than ten context documents",
			NextState: models.StateReadyForAgent,
		}
	}

	var created []int64
	id, err := b.spawn(ctx, task,
		fmt.Sprintf("Provide the following context for task %d: %s", task.ID, request),
		spawnOptions{blocking: true})
	if err != nil {
		return Failure("need_more_context: %v", err)
	}
	created = append(created, id)

	if containsInvestigationKeyword(request) {
		invID, err := b.spawn(ctx, task,
			fmt.Sprintf("Investigate and report findings: %s", request),
			spawnOptions{blocking: true})
		if err != nil {
			return Failure("need_more_context: %v", err)
		}
		created = append(created, invID)
	}

	return Result{
		Success:    true,
		Message:    fmt.Sprintf("Context request approved, created %d subtask(s)", len(created)),
		SubtaskIDs: created,
		NextState:  models.StateWaitingOnDeps,
	}
}

// NeedMoreTools spawns evaluation and validation subtasks for a tool
// request. The requesting task keeps running; it does not block on them.
func (b *Builtins) NeedMoreTools(ctx context.Context, task *models.Task, params map[string]any) Result {
	request := stringParam(params, "tool_request")
	if request == "" {
		return Failure("need_more_tools requires a tool_request")
	}
	justification := stringParam(params, "justification")

	evalID, err := b.spawn(ctx, task,
		fmt.Sprintf("Evaluate this tool request from task %d: %s. Justification: %s", task.ID, request, justification),
		spawnOptions{})
	if err != nil {
		return Failure("need_more_tools: %v", err)
	}
	validateID, err := b.spawn(ctx, task,
		fmt.Sprintf("Validate the safety and scope of the requested tool: %s", request),
		spawnOptions{})
	if err != nil {
		return Failure("need_more_tools: %v", err)
	}

	return Result{
		Success:    true,
		Message:    "Tool request recorded; evaluation is running in the background",
		SubtaskIDs: []int64{evalID, validateID},
		NextState:  models.StateReadyForAgent,
	}
}

// FlagForReview spawns a review subtask without blocking the flagging task.
func (b *Builtins) FlagForReview(ctx context.Context, task *models.Task, params map[string]any) Result {
	reason := stringParam(params, "reason")
	if reason == "" {
		return Failure("flag_for_review requires a reason")
	}
	severity := stringParam(params, "severity")
	if severity == "" {
		severity = "normal"
	}

	id, err := b.spawn(ctx, task,
		fmt.Sprintf("Review flagged issue (severity %s) from task %d: %s", severity, task.ID, reason),
		spawnOptions{metadata: map[string]any{"severity": severity}})
	if err != nil {
		return Failure("flag_for_review: %v", err)
	}
	return Result{
		Success:    true,
		Message:    fmt.Sprintf("Flag recorded, review subtask %d created", id),
		SubtaskIDs: []int64{id},
		NextState:  models.StateReadyForAgent,
	}
}

// spawnOptions controls child creation.
type spawnOptions struct {
	// blocking registers the child as a dependency of the parent.
	blocking    bool
	processName string
	agentName   string
	priority    string
	contextDocs []string
	tools       []string
	metadata    map[string]any
}

// spawn creates a child task and registers it in the graph.
func (b *Builtins) spawn(ctx context.Context, parent *models.Task, instruction string, opts spawnOptions) (int64, error) {
	processName := opts.processName
	if processName == "" {
		processName = DefaultProcessName
	}

	metadata := make(map[string]any, len(opts.metadata)+4)
	for k, v := range opts.metadata {
		metadata[k] = v
	}
	if opts.priority != "" {
		metadata[models.MetaPriority] = opts.priority
	}
	if len(opts.contextDocs) > 0 {
		metadata[models.MetaAdditionalContext] = opts.contextDocs
	}
	if len(opts.tools) > 0 {
		metadata[models.MetaAdditionalTools] = opts.tools
	}
	// Record the spawning agent without forcing its reuse.
	if opts.agentName == "" && parent.AgentName != "" {
		metadata[models.MetaParentAgent] = parent.AgentName
	}

	child, err := b.store.CreateTask(ctx, models.CreateTaskRequest{
		ParentID:    &parent.ID,
		TreeID:      parent.TreeID,
		Instruction: instruction,
		ProcessName: processName,
		AgentName:   opts.agentName,
		Metadata:    metadata,
	})
	if err != nil {
		return 0, err
	}

	b.graph.AddTask(child.ID)
	if opts.blocking {
		if err := b.graph.AddEdge(parent.ID, child.ID); err != nil {
			return 0, fmt.Errorf("dependency registration failed: %w", err)
		}
	}
	return child.ID, nil
}

// effectiveContext resolves the parent's context-document names: the agent's
// defaults plus the task's additional_context metadata.
func (b *Builtins) effectiveContext(ctx context.Context, task *models.Task) ([]string, error) {
	names := task.MetaStrings(models.MetaAdditionalContext)
	if task.AgentName != "" {
		spec, err := b.store.GetAgentByName(ctx, task.AgentName)
		if err != nil {
			return names, err
		}
		names = append(append([]string{}, spec.ContextDocuments...), names...)
	}
	return names, nil
}

// inheritedContext picks up to maxInheritedDocs general documents from the
// parent's context to seed a subtask: documents whose name carries a general
// marker (guide, pattern, standard, reference) or shares a nontrivial word
// with the subtask instruction.
func (b *Builtins) inheritedContext(ctx context.Context, parent *models.Task, instruction string) ([]string, error) {
	names, err := b.effectiveContext(ctx, parent)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, name := range names {
		if len(out) >= maxInheritedDocs {
			break
		}
		if hasGeneralMarker(name) || sharesWord(name, instruction) {
			out = append(out, name)
		}
	}
	return out, nil
}

func hasGeneralMarker(name string) bool {
	lower := strings.ToLower(name)
	for _, marker := range inheritedDocMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// sharesWord reports whether the document name contains any word of at least
// four characters from the text.
func sharesWord(name, text string) bool {
	lower := strings.ToLower(name)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,:;!?\"'()")
		if len(word) >= 4 && strings.Contains(lower, word) {
			return true
		}
	}
	return false
}

func containsInvestigationKeyword(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range investigationKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func stringParam(params map[string]any, key string) string {
	v, _ := params[key].(string)
	return strings.TrimSpace(v)
}

func stringListParam(params map[string]any, key string) []string {
	switch v := params[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func mapParam(params map[string]any, key string) map[string]any {
	v, _ := params[key].(map[string]any)
	return v
}
