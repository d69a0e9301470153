package seed

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SynidSweet/the-system/pkg/config"
	"github.com/SynidSweet/the-system/pkg/store"
)

func TestApplyBuiltinSeeds(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, New(s).Apply(ctx, config.BuiltinSeeds()))

	selector, err := s.GetAgentByName(ctx, "agent_selector")
	require.NoError(t, err)
	assert.True(t, selector.Active)
	assert.Contains(t, selector.AvailableTools, "end_task")

	tools, err := s.GetToolsByNames(ctx, []string{"end_task", "break_down_task", "read_document"})
	require.NoError(t, err)
	assert.Len(t, tools, 3)

	docs, err := s.GetContextDocumentsByNames(ctx, []string{"system_guide"})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.NotEmpty(t, docs[0].Content)
}

func TestApplyIsIdempotent(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	seeder := New(s)

	require.NoError(t, seeder.Apply(ctx, config.BuiltinSeeds()))
	first, err := s.GetAgentByName(ctx, "agent_selector")
	require.NoError(t, err)

	require.NoError(t, seeder.Apply(ctx, config.BuiltinSeeds()))
	second, err := s.GetAgentByName(ctx, "agent_selector")
	require.NoError(t, err)

	// Re-seeding keeps the id stable instead of inserting a duplicate.
	assert.Equal(t, first.ID, second.ID)

	agents, err := s.GetAllActiveAgents(ctx)
	require.NoError(t, err)
	assert.Len(t, agents, len(config.BuiltinSeeds().Agents))
}

func TestApplyOverridesExisting(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	seeder := New(s)

	seeds := config.BuiltinSeeds()
	require.NoError(t, seeder.Apply(ctx, seeds))

	seeds.Agents[0].Instruction = "Updated instruction."
	require.NoError(t, seeder.Apply(ctx, seeds))

	got, err := s.GetAgentByName(ctx, seeds.Agents[0].Name)
	require.NoError(t, err)
	assert.Equal(t, "Updated instruction.", got.Instruction)
}
