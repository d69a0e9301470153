package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddEdgeRejectsCycle(t *testing.T) {
	g := New()
	g.AddTask(1)
	g.AddTask(2)

	// x (1) depends on y (2)
	require.NoError(t, g.AddEdge(1, 2))

	// y depending on x would close the cycle
	err := g.AddEdge(2, 1)
	require.ErrorIs(t, err, ErrWouldCycle)

	// Graph unchanged: 2 still has no dependencies
	assert.Empty(t, g.Dependencies(2))
	assert.Equal(t, []int64{2}, g.Dependencies(1))
}

func TestAddEdgeRejectsSelfEdge(t *testing.T) {
	g := New()
	g.AddTask(1)
	assert.ErrorIs(t, g.AddEdge(1, 1), ErrWouldCycle)
}

func TestAddEdgeRejectsTransitiveCycle(t *testing.T) {
	g := New()
	require.NoError(t, g.AddEdge(1, 2))
	require.NoError(t, g.AddEdge(2, 3))
	assert.ErrorIs(t, g.AddEdge(3, 1), ErrWouldCycle)
}

func TestAddEdgeIdempotent(t *testing.T) {
	g := New()
	require.NoError(t, g.AddEdge(1, 2))
	require.NoError(t, g.AddEdge(1, 2))
	assert.Equal(t, []int64{2}, g.Dependencies(1))
}

func TestMarkCompletedReleasesDependents(t *testing.T) {
	g := New()
	// parent (1) depends on subtasks 2 and 3
	require.NoError(t, g.AddEdge(1, 2))
	require.NoError(t, g.AddEdge(1, 3))

	assert.False(t, g.AllDependenciesResolved(1))

	ready := g.MarkCompleted(2)
	assert.Empty(t, ready) // 3 still pending

	ready = g.MarkCompleted(3)
	require.Equal(t, []int64{1}, ready)
	assert.True(t, g.AllDependenciesResolved(1))
}

func TestMarkCompletedIdempotent(t *testing.T) {
	g := New()
	require.NoError(t, g.AddEdge(1, 2))

	ready := g.MarkCompleted(2)
	require.Equal(t, []int64{1}, ready)

	// Second call is a no-op with an empty ready set
	assert.Empty(t, g.MarkCompleted(2))
}

func TestMarkFailedReturnsBlockedDependents(t *testing.T) {
	g := New()
	require.NoError(t, g.AddEdge(1, 2))
	require.NoError(t, g.AddEdge(3, 2))

	blocked := g.MarkFailed(2, "provider unavailable")
	assert.ElementsMatch(t, []int64{1, 3}, blocked)

	reason, ok := g.FailureReason(2)
	require.True(t, ok)
	assert.Equal(t, "provider unavailable", reason)

	// A failed dependency never resolves
	assert.False(t, g.AllDependenciesResolved(1))

	// Idempotent
	assert.Empty(t, g.MarkFailed(2, "again"))
}

func TestAllDependenciesResolvedNoDeps(t *testing.T) {
	g := New()
	g.AddTask(7)
	assert.True(t, g.AllDependenciesResolved(7))
	// Unknown ids are treated as having no dependencies
	assert.True(t, g.AllDependenciesResolved(99))
}

func TestRemoveDropsEdges(t *testing.T) {
	g := New()
	require.NoError(t, g.AddEdge(1, 2))
	g.Remove(2)

	assert.Empty(t, g.Dependencies(1))
	assert.True(t, g.AllDependenciesResolved(1))
}

func TestExecutionOrderLevels(t *testing.T) {
	g := New()
	// 1 depends on 2 and 3; 2 depends on 4
	require.NoError(t, g.AddEdge(1, 2))
	require.NoError(t, g.AddEdge(1, 3))
	require.NoError(t, g.AddEdge(2, 4))

	levels := g.ExecutionOrder()
	require.Len(t, levels, 3)
	assert.ElementsMatch(t, []int64{3, 4}, levels[0])
	assert.ElementsMatch(t, []int64{2}, levels[1])
	assert.ElementsMatch(t, []int64{1}, levels[2])
}
