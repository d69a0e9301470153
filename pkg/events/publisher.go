package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/SynidSweet/the-system/pkg/models"
)

// historyLimit bounds the per-channel catchup window.
const historyLimit = 200

type historyEntry struct {
	seq int64
	raw json.RawMessage
}

// Publisher assigns sequence numbers, broadcasts push messages through the
// connection manager, and retains a bounded per-channel history for catchup.
// Task-level messages go to both the tree channel and the global tasks
// channel; agent-level detail stays on the tree channel.
type Publisher struct {
	manager *ConnectionManager
	seq     atomic.Int64

	mu      sync.Mutex
	history map[string][]historyEntry

	logger *slog.Logger
}

// NewPublisher creates a publisher bound to manager. A manager created
// without a catchup source gets the publisher's own history.
func NewPublisher(manager *ConnectionManager) *Publisher {
	p := &Publisher{
		manager: manager,
		history: make(map[string][]historyEntry),
		logger:  slog.Default().With("component", "publisher"),
	}
	if manager != nil && manager.catchup == nil {
		manager.catchup = p
	}
	return p
}

// Manager returns the connection manager the publisher broadcasts through.
func (p *Publisher) Manager() *ConnectionManager { return p.manager }

// Since implements Catchup: messages on channel with seq strictly greater
// than lastSeq, oldest first, at most limit. overflow reports that messages
// between lastSeq and the retained window were dropped.
func (p *Publisher) Since(channel string, lastSeq int64, limit int) ([]json.RawMessage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entries := p.history[channel]
	overflow := len(entries) > 0 && entries[0].seq > lastSeq+1

	out := make([]json.RawMessage, 0, limit)
	for _, e := range entries {
		if e.seq <= lastSeq {
			continue
		}
		if len(out) >= limit {
			break
		}
		out = append(out, e.raw)
	}
	return out, overflow
}

func (p *Publisher) publish(msg PushMessage, channels ...string) {
	msg.EventID = uuid.NewString()
	msg.Seq = p.seq.Add(1)
	msg.Timestamp = time.Now().UTC()

	raw, err := json.Marshal(msg)
	if err != nil {
		p.logger.Error("marshal push message failed", "kind", msg.Kind, "error", err)
		return
	}

	p.mu.Lock()
	for _, channel := range channels {
		entries := append(p.history[channel], historyEntry{seq: msg.Seq, raw: raw})
		if len(entries) > historyLimit {
			entries = entries[len(entries)-historyLimit:]
		}
		p.history[channel] = entries
	}
	p.mu.Unlock()

	for _, channel := range channels {
		p.manager.Broadcast(channel, raw)
	}
}

func (p *Publisher) publishTask(task *models.Task, kind string, payload any) {
	p.publish(PushMessage{
		Kind:      kind,
		TaskID:    task.ID,
		TreeID:    task.TreeID,
		AgentName: task.AgentName,
		Payload:   payload,
	}, TreeChannel(task.TreeID), GlobalTasksChannel)
}

func (p *Publisher) publishAgent(task *models.Task, kind string, payload any) {
	p.publish(PushMessage{
		Kind:      kind,
		TaskID:    task.ID,
		TreeID:    task.TreeID,
		AgentName: task.AgentName,
		Payload:   payload,
	}, TreeChannel(task.TreeID))
}

// PublishTaskCreated announces task to its tree and the global list.
func (p *Publisher) PublishTaskCreated(task *models.Task) {
	p.publishTask(task, KindTaskCreated, TaskCreatedPayload{
		Instruction: task.Instruction,
		ProcessName: task.ProcessName,
		ParentID:    task.ParentID,
		State:       string(task.State),
	})
}

// PublishTaskUpdated announces a state change.
func (p *Publisher) PublishTaskUpdated(task *models.Task, errorMessage string) {
	p.publishTask(task, KindTaskUpdated, TaskUpdatedPayload{
		State:        string(task.State),
		ErrorMessage: errorMessage,
	})
}

// PublishTaskCompleted announces a successful completion.
func (p *Publisher) PublishTaskCompleted(task *models.Task, summary string, result map[string]any) {
	p.publishTask(task, KindTaskCompleted, TaskCompletedPayload{
		State:   string(task.State),
		Summary: summary,
		Result:  result,
	})
}

// PublishTaskSpawned announces a subtask created under parent.
func (p *Publisher) PublishTaskSpawned(parent, child *models.Task, blocking bool) {
	p.publish(PushMessage{
		Kind:      KindTaskSpawned,
		TaskID:    child.ID,
		TreeID:    child.TreeID,
		AgentName: child.AgentName,
		Payload: TaskSpawnedPayload{
			ParentID:    parent.ID,
			Instruction: child.Instruction,
			Blocking:    blocking,
		},
	}, TreeChannel(child.TreeID), GlobalTasksChannel)
}

// PublishAgentStarted announces the start of an invocation.
func (p *Publisher) PublishAgentStarted(task *models.Task, model string) {
	p.publishAgent(task, KindAgentStarted, AgentStartedPayload{Model: model})
}

// PublishAgentThinking streams assistant text.
func (p *Publisher) PublishAgentThinking(task *models.Task, content string) {
	p.publishAgent(task, KindAgentThinking, AgentThinkingPayload{Content: content})
}

// PublishAgentToolCall announces one tool invocation.
func (p *Publisher) PublishAgentToolCall(task *models.Task, call models.ToolCall) {
	p.publishAgent(task, KindAgentToolCall, AgentToolCallPayload{
		CallID:    call.CallID,
		Tool:      call.Name,
		Arguments: call.Arguments,
	})
}

// PublishAgentToolResult announces one tool outcome.
func (p *Publisher) PublishAgentToolResult(task *models.Task, callID, tool string, success bool, content string) {
	p.publishAgent(task, KindAgentToolResult, AgentToolResultPayload{
		CallID:  callID,
		Tool:    tool,
		Success: success,
		Content: content,
	})
}

// PublishAgentCompleted announces a finished invocation sequence.
func (p *Publisher) PublishAgentCompleted(task *models.Task, summary string) {
	p.publishAgent(task, KindAgentCompleted, AgentCompletedPayload{Summary: summary})
}

// PublishAgentError announces an invocation failure.
func (p *Publisher) PublishAgentError(task *models.Task, errMsg string) {
	p.publishAgent(task, KindAgentError, AgentErrorPayload{Error: errMsg})
}

// PublishStepModePause announces a manual-stepping hold.
func (p *Publisher) PublishStepModePause(task *models.Task, scope string) {
	p.publishTask(task, KindStepModePause, StepModePausePayload{Scope: scope})
}

// PublishSystemMessage broadcasts an operator notice on the global channel.
func (p *Publisher) PublishSystemMessage(level, message string) {
	p.publish(PushMessage{
		Kind:    KindSystemMessage,
		Payload: SystemMessagePayload{Level: level, Message: message},
	}, GlobalTasksChannel)
}
