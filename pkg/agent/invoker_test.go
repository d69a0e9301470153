package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SynidSweet/the-system/pkg/llm"
	"github.com/SynidSweet/the-system/pkg/models"
	"github.com/SynidSweet/the-system/pkg/store"
)

func setupInvoker(t *testing.T, mock *llm.MockProvider) (*Invoker, *store.MemoryStore, *models.Task) {
	t.Helper()
	s := store.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.UpsertDocument(ctx, &models.DocumentSpec{
		Name: "system_guide", Title: "System Guide", Category: "guide", Content: "Follow the rules.",
	}))
	require.NoError(t, s.UpsertTool(ctx, &models.ToolSpec{
		Name: "end_task", Description: "Complete the task",
		Implementation: models.ToolKindProcess, ProcessName: "end_task",
		ParametersSchema: `{"type":"object","properties":{"status":{"type":"string"}},"required":["status"]}`,
	}))
	require.NoError(t, s.UpsertAgent(ctx, &models.AgentSpec{
		Name:             "task_breakdown",
		Instruction:      "Break tasks into subtasks.",
		ContextDocuments: []string{"system_guide"},
		AvailableTools:   []string{"end_task"},
		Active:           true,
	}))

	task, err := s.CreateTask(ctx, models.CreateTaskRequest{
		Instruction: "Summarize the incident",
		ProcessName: "break_down_task",
		AgentName:   "task_breakdown",
	})
	require.NoError(t, err)
	require.NoError(t, s.UpdateTaskAgent(ctx, task.ID, "task_breakdown"))
	task.AgentName = "task_breakdown"

	docs, err := NewDocumentCache(s, 16)
	require.NoError(t, err)
	registry := llm.NewRegistry()
	registry.Register("mock", mock)

	return NewInvoker(s, registry, docs), s, task
}

func TestInvokeBuildsPromptAndAppendsMessages(t *testing.T) {
	mock := llm.NewMockProvider().EnqueueText("Working on it.")
	inv, s, task := setupInvoker(t, mock)
	ctx := context.Background()

	result, err := inv.Invoke(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, "Working on it.", result.Content)
	assert.False(t, result.CompletionHint)

	calls := mock.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].System, "Break tasks into subtasks.")
	assert.Contains(t, calls[0].System, "System Guide")
	assert.Contains(t, calls[0].System, "Follow the rules.")
	require.Len(t, calls[0].Tools, 1)
	assert.Equal(t, "end_task", calls[0].Tools[0].Name)

	// Conversation now holds the seeded user turn and the assistant reply.
	msgs, err := s.GetMessagesByTaskID(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, "Summarize the incident", msgs[0].Content)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
}

func TestInvokeEndTaskIsAuthoritative(t *testing.T) {
	mock := llm.NewMockProvider().
		EnqueueToolCall("c1", "end_task", map[string]any{"status": "success"})
	inv, _, task := setupInvoker(t, mock)

	result, err := inv.Invoke(context.Background(), task)
	require.NoError(t, err)
	assert.True(t, result.CompletionHint)
	require.NotNil(t, result.EndTask)
	assert.Equal(t, "c1", result.EndTask.CallID)
	assert.Empty(t, result.InvalidCalls)
}

func TestInvokeTextualPhraseIsAdvisory(t *testing.T) {
	mock := llm.NewMockProvider().EnqueueText("I have successfully completed the review.")
	inv, _, task := setupInvoker(t, mock)

	result, err := inv.Invoke(context.Background(), task)
	require.NoError(t, err)
	assert.True(t, result.CompletionHint)
	assert.Nil(t, result.EndTask)
}

func TestInvokeFlagsInvalidArguments(t *testing.T) {
	// status is required but missing
	mock := llm.NewMockProvider().
		EnqueueToolCall("c1", "end_task", map[string]any{"summary": "done"})
	inv, _, task := setupInvoker(t, mock)

	result, err := inv.Invoke(context.Background(), task)
	require.NoError(t, err)
	require.Contains(t, result.InvalidCalls, "c1")
	assert.Contains(t, result.InvalidCalls["c1"], "end_task")
}

func TestInvokeProviderFailure(t *testing.T) {
	mock := llm.NewMockProvider().Fail(errors.New("rate limited"))
	inv, s, task := setupInvoker(t, mock)
	ctx := context.Background()

	_, err := inv.Invoke(ctx, task)
	require.Error(t, err)

	// The seeded user message survives, no assistant message was appended.
	msgs, err := s.GetMessagesByTaskID(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestInvokeUnknownAgent(t *testing.T) {
	mock := llm.NewMockProvider()
	inv, _, task := setupInvoker(t, mock)
	task.AgentName = "missing"

	_, err := inv.Invoke(context.Background(), task)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestLocalExecutorBuiltins(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.UpsertDocument(ctx, &models.DocumentSpec{
		Name: "system_guide", Title: "System Guide", Category: "guide", Content: "# Guide",
	}))
	require.NoError(t, s.UpsertDocument(ctx, &models.DocumentSpec{
		Name: "api_reference", Category: "reference", Content: "# API",
	}))

	exec := NewLocalExecutor(s)

	listed := exec.Execute(ctx, models.ToolCall{Name: ToolListDocuments})
	require.True(t, listed.Success)
	assert.Contains(t, listed.Content, "system_guide")
	assert.Contains(t, listed.Content, "api_reference")

	filtered := exec.Execute(ctx, models.ToolCall{
		Name: ToolListDocuments, Arguments: map[string]any{"category": "guide"},
	})
	require.True(t, filtered.Success)
	assert.Contains(t, filtered.Content, "system_guide")
	assert.NotContains(t, filtered.Content, "api_reference")

	read := exec.Execute(ctx, models.ToolCall{
		Name: ToolReadDocument, Arguments: map[string]any{"name": "system_guide"},
	})
	require.True(t, read.Success)
	assert.Equal(t, "# Guide", read.Content)

	missing := exec.Execute(ctx, models.ToolCall{
		Name: ToolReadDocument, Arguments: map[string]any{"name": "nope"},
	})
	assert.False(t, missing.Success)
	assert.Contains(t, missing.Error, "not found")

	unknown := exec.Execute(ctx, models.ToolCall{Name: "launch_rocket"})
	assert.False(t, unknown.Success)
}
