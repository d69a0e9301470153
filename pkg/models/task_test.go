package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from TaskState
		to   TaskState
		want bool
	}{
		{"created to process_assigned", StateCreated, StateProcessAssigned, true},
		{"created skips to ready", StateCreated, StateReadyForAgent, false},
		{"ready to responding", StateReadyForAgent, StateAgentResponding, true},
		{"ready to manual hold", StateReadyForAgent, StateManualHold, true},
		{"responding to tool processing", StateAgentResponding, StateToolProcessing, true},
		{"responding straight to completed", StateAgentResponding, StateCompleted, true},
		{"tool processing to waiting", StateToolProcessing, StateWaitingOnDeps, true},
		{"tool processing to completed", StateToolProcessing, StateCompleted, true},
		{"waiting to ready", StateWaitingOnDeps, StateReadyForAgent, true},
		{"waiting to completed", StateWaitingOnDeps, StateCompleted, false},
		{"manual hold resumes", StateManualHold, StateReadyForAgent, true},
		{"manual hold to responding", StateManualHold, StateAgentResponding, false},
		{"completed is terminal", StateCompleted, StateReadyForAgent, false},
		{"failed is terminal", StateFailed, StateCreated, false},
		{"anything can fail", StateWaitingOnDeps, StateFailed, true},
		{"manual hold cannot fail normally", StateManualHold, StateFailed, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestStatePredicates(t *testing.T) {
	assert.True(t, StateCompleted.IsTerminal())
	assert.True(t, StateFailed.IsTerminal())
	assert.False(t, StateManualHold.IsTerminal())

	assert.True(t, StateAgentResponding.IsActive())
	assert.False(t, StateWaitingOnDeps.IsActive())

	assert.True(t, StateWaitingOnDeps.IsWaiting())
	assert.True(t, StateManualHold.IsWaiting())
	assert.False(t, StateReadyForAgent.IsWaiting())

	assert.True(t, StateCreated.IsValid())
	assert.False(t, TaskState("sleeping").IsValid())
}

func TestTaskMetadataHelpers(t *testing.T) {
	task := &Task{Metadata: map[string]any{
		MetaManualStepping:    true,
		MetaPriority:          "high",
		MetaMaxExecutionTime:  float64(120),
		MetaAdditionalTools:   []any{"read_document", 7, "list_documents"},
		MetaAdditionalContext: []string{"system_guide"},
	}}

	assert.True(t, task.MetaBool(MetaManualStepping))
	assert.Equal(t, "high", task.MetaString(MetaPriority))
	assert.Equal(t, float64(120), task.MetaSeconds(MetaMaxExecutionTime))
	assert.Equal(t, []string{"read_document", "list_documents"}, task.MetaStrings(MetaAdditionalTools))
	assert.Equal(t, []string{"system_guide"}, task.MetaStrings(MetaAdditionalContext))

	empty := &Task{}
	assert.False(t, empty.MetaBool(MetaManualStepping))
	assert.Empty(t, empty.MetaString(MetaPriority))
	assert.Zero(t, empty.MetaSeconds(MetaMaxExecutionTime))
	assert.Nil(t, empty.MetaStrings(MetaAdditionalTools))
}
