package process

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SynidSweet/the-system/pkg/graph"
	"github.com/SynidSweet/the-system/pkg/models"
	"github.com/SynidSweet/the-system/pkg/store"
)

type fixture struct {
	store    *store.MemoryStore
	graph    *graph.Graph
	builtins *Builtins
	registry *Registry
	parent   *models.Task
}

func setup(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	g := graph.New()
	ctx := context.Background()

	require.NoError(t, s.UpsertAgent(ctx, &models.AgentSpec{
		Name:        "task_breakdown",
		Instruction: "Break things down.",
		ContextDocuments: []string{
			"system_guide", "naming_standard", "billing_flows", "upload_pipeline",
		},
		Active: true,
	}))

	parent, err := s.CreateTask(ctx, models.CreateTaskRequest{
		Instruction: "Fix the upload pipeline",
		ProcessName: ProcessBreakDownTask,
		AgentName:   "task_breakdown",
	})
	require.NoError(t, err)
	g.AddTask(parent.ID)

	b := NewBuiltins(s, g)
	r := NewRegistry()
	b.RegisterAll(r)
	return &fixture{store: s, graph: g, builtins: b, registry: r, parent: parent}
}

func TestRegistryAliases(t *testing.T) {
	f := setup(t)
	for _, name := range []string{
		DefaultProcessName, ProcessBreakDownTask, ProcessCreateSubtask,
		ProcessStartSubtask, ProcessEndTask, ProcessNeedMoreContext,
		ProcessRequestContext, ProcessNeedMoreTools, ProcessFlagForReview,
	} {
		_, ok := f.registry.Get(name)
		assert.True(t, ok, "process %s not registered", name)
	}
	_, ok := f.registry.Get("no_such_process")
	assert.False(t, ok)
}

func TestBreakDownTaskCreatesBlockingSubtasks(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	res := f.builtins.BreakDownTask(ctx, f.parent, map[string]any{
		"approach": "split by stage",
		"subtasks": []any{"Fix the ingest stage", "Fix the encode stage"},
	})
	require.True(t, res.Success)
	require.Len(t, res.SubtaskIDs, 2)
	assert.Equal(t, models.StateWaitingOnDeps, res.NextState)

	// Children are dependencies of the parent.
	assert.ElementsMatch(t, res.SubtaskIDs, f.graph.Dependencies(f.parent.ID))
	assert.False(t, f.graph.AllDependenciesResolved(f.parent.ID))

	child, err := f.store.GetTaskByID(ctx, res.SubtaskIDs[0])
	require.NoError(t, err)
	assert.Equal(t, f.parent.TreeID, child.TreeID)
	assert.Equal(t, DefaultProcessName, child.ProcessName)
	assert.Equal(t, "task_breakdown", child.MetaString(models.MetaParentAgent))
}

func TestBreakDownTaskValidation(t *testing.T) {
	f := setup(t)
	res := f.builtins.BreakDownTask(context.Background(), f.parent, map[string]any{})
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "approach")
}

func TestCreateSubtaskHonorsOptions(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	res := f.builtins.CreateSubtask(ctx, f.parent, map[string]any{
		"subtask_instruction": "Write the migration script",
		"assigned_agent":      "coder",
		"priority":            "high",
		"additional_context":  []any{"db_schema"},
		"additional_tools":    []any{"read_document"},
	})
	require.True(t, res.Success)
	require.Len(t, res.SubtaskIDs, 1)

	child, err := f.store.GetTaskByID(ctx, res.SubtaskIDs[0])
	require.NoError(t, err)
	assert.Equal(t, "coder", child.AgentName)
	assert.Equal(t, "high", child.MetaString(models.MetaPriority))
	assert.Equal(t, []string{"db_schema"}, child.MetaStrings(models.MetaAdditionalContext))
	assert.Equal(t, []string{"read_document"}, child.MetaStrings(models.MetaAdditionalTools))
	// Agent was assigned explicitly, so no parent_agent marker.
	assert.Empty(t, child.MetaString(models.MetaParentAgent))
}

func TestCreateSubtaskInheritsGeneralContext(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	res := f.builtins.CreateSubtask(ctx, f.parent, map[string]any{
		"subtask_instruction": "Profile the upload hot path",
	})
	require.True(t, res.Success)

	child, err := f.store.GetTaskByID(ctx, res.SubtaskIDs[0])
	require.NoError(t, err)
	inherited := child.MetaStrings(models.MetaAdditionalContext)
	// guide + standard markers match, and upload_pipeline shares "upload"
	assert.Contains(t, inherited, "system_guide")
	assert.Contains(t, inherited, "naming_standard")
	assert.Contains(t, inherited, "upload_pipeline")
	assert.NotContains(t, inherited, "billing_flows")
	assert.LessOrEqual(t, len(inherited), 3)
}

func TestEndTaskStates(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	done := f.builtins.EndTask(ctx, f.parent, map[string]any{
		"status": "success", "summary": "all stages fixed",
	})
	assert.True(t, done.Success)
	assert.Equal(t, models.StateCompleted, done.NextState)
	assert.Equal(t, "all stages fixed", done.Message)

	failed := f.builtins.EndTask(ctx, f.parent, map[string]any{"status": "failure"})
	assert.Equal(t, models.StateFailed, failed.NextState)
}

func TestNeedMoreContextRejections(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	short := f.builtins.NeedMoreContext(ctx, f.parent, map[string]any{
		"request": "more docs", "justification": "I need them badly",
	})
	assert.False(t, short.Success)
	assert.Equal(t, models.StateReadyForAgent, short.NextState)

	noJustification := f.builtins.NeedMoreContext(ctx, f.parent, map[string]any{
		"request": "the full schema of the billing database tables", "justification": "need",
	})
	assert.False(t, noJustification.Success)
	assert.Contains(t, noJustification.Message, "justification")
}

func TestNeedMoreContextApprovedSpawnsInvestigation(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	res := f.builtins.NeedMoreContext(ctx, f.parent, map[string]any{
		"request":       "investigate why the encode stage drops frames under load",
		"justification": "cannot proceed without root cause",
	})
	require.True(t, res.Success)
	// provision + investigation subtask
	require.Len(t, res.SubtaskIDs, 2)
	assert.Equal(t, models.StateWaitingOnDeps, res.NextState)
	assert.ElementsMatch(t, res.SubtaskIDs, f.graph.Dependencies(f.parent.ID))
}

func TestNeedMoreToolsDoesNotBlock(t *testing.T) {
	f := setup(t)
	res := f.builtins.NeedMoreTools(context.Background(), f.parent, map[string]any{
		"tool_request": "an ffprobe wrapper", "justification": "need codec metadata",
	})
	require.True(t, res.Success)
	require.Len(t, res.SubtaskIDs, 2)
	assert.Equal(t, models.StateReadyForAgent, res.NextState)
	assert.Empty(t, f.graph.Dependencies(f.parent.ID))
}

func TestFlagForReviewDoesNotBlock(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	res := f.builtins.FlagForReview(ctx, f.parent, map[string]any{
		"reason": "possible data loss in retry path", "severity": "high",
	})
	require.True(t, res.Success)
	assert.Equal(t, models.StateReadyForAgent, res.NextState)
	assert.Empty(t, f.graph.Dependencies(f.parent.ID))

	child, err := f.store.GetTaskByID(ctx, res.SubtaskIDs[0])
	require.NoError(t, err)
	assert.Contains(t, child.Instruction, "severity high")

	missing := f.builtins.FlagForReview(ctx, f.parent, map[string]any{})
	assert.False(t, missing.Success)
}
