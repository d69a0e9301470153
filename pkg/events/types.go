// Package events delivers real-time push messages to dashboard clients over
// WebSocket. The runtime publishes typed messages to per-tree channels and a
// global tasks channel; late subscribers catch up from a bounded in-memory
// history.
package events

import "strconv"

// Push message kinds emitted by the runtime.
const (
	KindTaskCreated   = "task_created"
	KindTaskUpdated   = "task_updated"
	KindTaskCompleted = "task_completed"
	KindTaskSpawned   = "task_spawned"

	KindAgentStarted    = "agent_started"
	KindAgentThinking   = "agent_thinking"
	KindAgentToolCall   = "agent_tool_call"
	KindAgentToolResult = "agent_tool_result"
	KindAgentCompleted  = "agent_completed"
	KindAgentError      = "agent_error"

	KindStepModePause = "step_mode_pause"
	KindSystemMessage = "system_message"
)

// GlobalTasksChannel carries every task-level message; the task list page
// subscribes here.
const GlobalTasksChannel = "tasks"

// TreeChannel returns the channel name for one task tree.
// Format: "tree:{tree_id}"
func TreeChannel(treeID int64) string {
	return "tree:" + strconv.FormatInt(treeID, 10)
}

// ClientMessage is the JSON structure for client → server WebSocket messages.
type ClientMessage struct {
	Action      string `json:"action"`                  // "subscribe", "unsubscribe", "catchup", "ping"
	Channel     string `json:"channel,omitempty"`       // e.g. "tree:42" or "tasks"
	LastEventID int64  `json:"last_event_id,omitempty"` // for catchup
}
