package events

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SynidSweet/the-system/pkg/models"
)

func testTask(id, treeID int64) *models.Task {
	return &models.Task{
		ID:          id,
		TreeID:      treeID,
		Instruction: "Summarize the incident",
		ProcessName: "break_down_task",
		AgentName:   "task_breakdown",
		State:       models.StateCreated,
	}
}

func decodePush(t *testing.T, raw json.RawMessage) PushMessage {
	t.Helper()
	var msg PushMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	return msg
}

func TestPublisherSequencesAndRoutes(t *testing.T) {
	m := NewConnectionManager(nil)
	p := NewPublisher(m)
	task := testTask(10, 10)

	p.PublishTaskCreated(task)
	p.PublishAgentThinking(task, "working through the stages")
	p.PublishTaskUpdated(task, "")

	// Task-level messages land on both channels, agent detail on the tree
	// channel only.
	tree, _ := p.Since(TreeChannel(10), 0, 100)
	global, _ := p.Since(GlobalTasksChannel, 0, 100)
	require.Len(t, tree, 3)
	require.Len(t, global, 2)

	first := decodePush(t, tree[0])
	assert.Equal(t, KindTaskCreated, first.Kind)
	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, int64(10), first.TaskID)
	assert.NotEmpty(t, first.EventID)
	assert.False(t, first.Timestamp.IsZero())

	second := decodePush(t, tree[1])
	assert.Equal(t, KindAgentThinking, second.Kind)
	assert.Equal(t, int64(2), second.Seq)

	assert.Equal(t, KindTaskUpdated, decodePush(t, global[1]).Kind)
}

func TestPublisherSinceFiltersBySeq(t *testing.T) {
	m := NewConnectionManager(nil)
	p := NewPublisher(m)
	task := testTask(1, 1)

	for i := 0; i < 5; i++ {
		p.PublishTaskUpdated(task, "")
	}

	msgs, overflow := p.Since(TreeChannel(1), 3, 100)
	assert.False(t, overflow)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(4), decodePush(t, msgs[0]).Seq)
	assert.Equal(t, int64(5), decodePush(t, msgs[1]).Seq)

	limited, _ := p.Since(TreeChannel(1), 0, 2)
	require.Len(t, limited, 2)
	assert.Equal(t, int64(1), decodePush(t, limited[0]).Seq)
}

func TestPublisherHistoryOverflow(t *testing.T) {
	m := NewConnectionManager(nil)
	p := NewPublisher(m)
	task := testTask(1, 1)

	for i := 0; i < historyLimit+50; i++ {
		p.PublishAgentThinking(task, fmt.Sprintf("step %d", i))
	}

	msgs, overflow := p.Since(TreeChannel(1), 0, historyLimit+100)
	assert.True(t, overflow)
	require.Len(t, msgs, historyLimit)
	// Oldest retained entry follows the dropped window.
	assert.Equal(t, int64(51), decodePush(t, msgs[0]).Seq)

	// A client that saw the dropped messages already is not warned.
	_, overflow = p.Since(TreeChannel(1), 50, 10)
	assert.False(t, overflow)
}

func TestPublisherPayloads(t *testing.T) {
	m := NewConnectionManager(nil)
	p := NewPublisher(m)
	parent := testTask(1, 1)
	child := testTask(2, 1)

	p.PublishTaskSpawned(parent, child, true)
	p.PublishAgentToolCall(parent, models.ToolCall{
		CallID: "c1", Name: "end_task", Arguments: map[string]any{"status": "success"},
	})
	p.PublishAgentToolResult(parent, "c1", "end_task", true, "done")
	p.PublishAgentError(parent, "rate limited")
	p.PublishStepModePause(parent, "tree")

	msgs, _ := p.Since(TreeChannel(1), 0, 100)
	require.Len(t, msgs, 5)

	spawned := decodePush(t, msgs[0])
	assert.Equal(t, KindTaskSpawned, spawned.Kind)
	assert.Equal(t, int64(2), spawned.TaskID)
	payload := spawned.Payload.(map[string]any)
	assert.Equal(t, float64(1), payload["parent_id"])
	assert.Equal(t, true, payload["blocking"])

	toolCall := decodePush(t, msgs[1])
	assert.Equal(t, KindAgentToolCall, toolCall.Kind)
	callPayload := toolCall.Payload.(map[string]any)
	assert.Equal(t, "end_task", callPayload["tool"])
	assert.Equal(t, "c1", callPayload["call_id"])

	pause := decodePush(t, msgs[4])
	assert.Equal(t, KindStepModePause, pause.Kind)
	assert.Equal(t, "tree", pause.Payload.(map[string]any)["scope"])
}

func TestPublisherSystemMessageGlobalOnly(t *testing.T) {
	m := NewConnectionManager(nil)
	p := NewPublisher(m)

	p.PublishSystemMessage("warning", "tool failure threshold reached")

	global, _ := p.Since(GlobalTasksChannel, 0, 10)
	require.Len(t, global, 1)
	msg := decodePush(t, global[0])
	assert.Equal(t, KindSystemMessage, msg.Kind)
	assert.Equal(t, "warning", msg.Payload.(map[string]any)["level"])
}

func TestPublisherDeliversToSubscribers(t *testing.T) {
	m := NewConnectionManager(nil)
	p := NewPublisher(m)
	_, conn := newTestServer(t, m)
	readJSON(t, conn)

	writeJSON(t, conn, ClientMessage{Action: "subscribe", Channel: GlobalTasksChannel})
	readJSON(t, conn)

	p.PublishTaskCreated(testTask(42, 42))

	push := readJSON(t, conn)
	assert.Equal(t, KindTaskCreated, push["kind"])
	assert.Equal(t, float64(42), push["task_id"])
}
