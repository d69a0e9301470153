// Package agent turns a task into model invocations: it assembles the
// prompt from the agent definition and context documents, replays the
// conversation, declares the effective tool set, and interprets the model's
// reply.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/SynidSweet/the-system/pkg/llm"
	"github.com/SynidSweet/the-system/pkg/models"
	"github.com/SynidSweet/the-system/pkg/store"
)

// completionPhrases are advisory textual completion signals. The
// authoritative completion signal is an end_task tool call.
var completionPhrases = []string{
	"task is complete",
	"task completed",
	"successfully completed",
	"finished the task",
}

// EndTaskTool is the tool name that authoritatively completes a task.
const EndTaskTool = "end_task"

// Result is one model invocation outcome handed back to the runtime.
type Result struct {
	Content    string
	ToolCalls  []models.ToolCall
	Usage      llm.TokenUsage
	StopReason string

	// CompletionHint is set when the response contains an end_task call or a
	// textual completion phrase. Only the end_task call (EndTask non-nil) is
	// authoritative.
	CompletionHint bool
	EndTask        *models.ToolCall

	// InvalidCalls maps call ids to validation errors for tool calls whose
	// arguments failed schema validation. The runtime surfaces these as
	// failing tool results without executing them.
	InvalidCalls map[string]string
}

// Invoker prepares and executes model invocations for tasks.
type Invoker struct {
	store     store.EntityStore
	providers *llm.Registry
	docs      *DocumentCache
	validator *SchemaValidator
	logger    *slog.Logger
}

// NewInvoker wires the invocation wrapper.
func NewInvoker(s store.EntityStore, providers *llm.Registry, docs *DocumentCache) *Invoker {
	return &Invoker{
		store:     s,
		providers: providers,
		docs:      docs,
		validator: NewSchemaValidator(),
		logger:    slog.Default().With("component", "agent_invoker"),
	}
}

// Invoke runs one model call for the task. The conversation gains the user
// instruction on first invocation and the assistant reply on every
// invocation. Cancellation via ctx aborts the provider call.
func (inv *Invoker) Invoke(ctx context.Context, task *models.Task) (*Result, error) {
	if task.AgentName == "" {
		return nil, store.NewValidationError("agent_name", "task has no agent assigned")
	}
	spec, err := inv.store.GetAgentByName(ctx, task.AgentName)
	if err != nil {
		return nil, fmt.Errorf("failed to load agent %q: %w", task.AgentName, err)
	}

	tools, err := inv.effectiveTools(ctx, spec, task)
	if err != nil {
		return nil, err
	}
	system, err := inv.systemPrompt(ctx, spec, task)
	if err != nil {
		return nil, err
	}

	history, err := inv.store.GetMessagesByTaskID(ctx, task.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	if len(history) == 0 {
		first, err := inv.store.CreateMessage(ctx, models.CreateMessageRequest{
			TaskID:  task.ID,
			Role:    models.RoleUser,
			Content: task.Instruction,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to seed conversation: %w", err)
		}
		history = []*models.Message{first}
	}

	provider, err := inv.providers.Get(spec.Provider)
	if err != nil {
		return nil, err
	}

	out, err := provider.Generate(ctx, &llm.GenerateInput{
		System:   system,
		Messages: history,
		Tools:    tools,
		Model:    spec.Model,
		Params:   spec.Params,
	})
	if err != nil {
		return nil, fmt.Errorf("model invocation failed: %w", err)
	}

	result := inv.interpret(out, tools)

	if _, err := inv.store.CreateMessage(ctx, models.CreateMessageRequest{
		TaskID:    task.ID,
		Role:      models.RoleAssistant,
		Content:   out.Content,
		ToolCalls: out.ToolCalls,
	}); err != nil {
		return nil, fmt.Errorf("failed to append assistant message: %w", err)
	}

	inv.logger.Debug("agent invocation complete",
		"task_id", task.ID, "agent", spec.Name,
		"tool_calls", len(out.ToolCalls), "stop_reason", out.StopReason)
	return result, nil
}

// interpret derives completion hints and validates tool-call arguments.
func (inv *Invoker) interpret(out *llm.GenerateOutput, tools []*models.ToolSpec) *Result {
	result := &Result{
		Content:    out.Content,
		ToolCalls:  out.ToolCalls,
		Usage:      out.Usage,
		StopReason: out.StopReason,
	}

	byName := make(map[string]*models.ToolSpec, len(tools))
	for _, t := range tools {
		byName[t.Name] = t
	}

	for i := range out.ToolCalls {
		call := &out.ToolCalls[i]
		if call.Name == EndTaskTool {
			result.CompletionHint = true
			result.EndTask = call
		}
		spec, ok := byName[call.Name]
		if !ok {
			continue // unknown tool; the runtime answers with an error result
		}
		if err := inv.validator.Validate(spec, call.Arguments); err != nil {
			if result.InvalidCalls == nil {
				result.InvalidCalls = make(map[string]string)
			}
			result.InvalidCalls[call.CallID] = err.Error()
		}
	}

	if !result.CompletionHint && containsCompletionPhrase(out.Content) {
		result.CompletionHint = true
	}
	return result
}

// containsCompletionPhrase reports whether text carries one of the advisory
// completion phrases.
func containsCompletionPhrase(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range completionPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// effectiveTools resolves the agent's tool list extended with the task's
// additional_tools metadata, de-duplicated in order.
func (inv *Invoker) effectiveTools(ctx context.Context, spec *models.AgentSpec, task *models.Task) ([]*models.ToolSpec, error) {
	names := dedupe(append(append([]string{}, spec.AvailableTools...),
		task.MetaStrings(models.MetaAdditionalTools)...))
	if len(names) == 0 {
		return nil, nil
	}
	tools, err := inv.store.GetToolsByNames(ctx, names)
	if err != nil {
		return nil, fmt.Errorf("failed to load tools: %w", err)
	}
	return tools, nil
}

// systemPrompt composes the agent instruction with the effective context
// documents (agent defaults plus additional_context metadata).
func (inv *Invoker) systemPrompt(ctx context.Context, spec *models.AgentSpec, task *models.Task) (string, error) {
	names := dedupe(append(append([]string{}, spec.ContextDocuments...),
		task.MetaStrings(models.MetaAdditionalContext)...))

	var b strings.Builder
	b.WriteString(spec.Instruction)

	if len(names) > 0 {
		docs, err := inv.docs.Get(ctx, names)
		if err != nil {
			return "", err
		}
		for _, doc := range docs {
			title := doc.Title
			if title == "" {
				title = doc.Name
			}
			b.WriteString("\n\n## ")
			b.WriteString(title)
			b.WriteString("\n\n")
			b.WriteString(doc.Content)
		}
	}
	return b.String(), nil
}

func dedupe(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := names[:0]
	for _, n := range names {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}
