package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/SynidSweet/the-system/pkg/models"
)

// MemoryStore is an in-memory EntityStore. Used by tests and for running the
// orchestrator without a database. Safe for concurrent use.
type MemoryStore struct {
	mu sync.RWMutex

	nextTaskID    int64
	nextMessageID int64
	nextEventID   int64
	nextEntityID  int64

	tasks     map[int64]*models.Task
	messages  map[int64][]*models.Message // task id → ordered messages
	agents    map[string]*models.AgentSpec
	tools     map[string]*models.ToolSpec
	documents map[string]*models.DocumentSpec
	events    []*models.Event
	counters  map[models.CounterKey]*models.ReviewCounter
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:     make(map[int64]*models.Task),
		messages:  make(map[int64][]*models.Message),
		agents:    make(map[string]*models.AgentSpec),
		tools:     make(map[string]*models.ToolSpec),
		documents: make(map[string]*models.DocumentSpec),
		counters:  make(map[models.CounterKey]*models.ReviewCounter),
	}
}

// CreateTask creates a task row. Roots receive tree id equal to their own id.
func (s *MemoryStore) CreateTask(_ context.Context, req models.CreateTaskRequest) (*models.Task, error) {
	if err := validateCreateTask(req); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextTaskID++
	id := s.nextTaskID

	treeID := req.TreeID
	if req.ParentID == nil {
		treeID = id
	}

	task := &models.Task{
		ID:          id,
		TreeID:      treeID,
		ParentID:    req.ParentID,
		Instruction: req.Instruction,
		ProcessName: req.ProcessName,
		AgentName:   req.AgentName,
		State:       models.StateCreated,
		Metadata:    cloneMap(req.Metadata),
		CreatedAt:   time.Now().UTC(),
	}
	s.tasks[id] = task
	return copyTask(task), nil
}

// GetTaskByID returns a copy of the task or ErrNotFound.
func (s *MemoryStore) GetTaskByID(_ context.Context, id int64) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTask(task), nil
}

// GetTasksByTreeID returns all tasks in a tree ordered by id.
func (s *MemoryStore) GetTasksByTreeID(_ context.Context, treeID int64) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Task
	for _, task := range s.tasks {
		if task.TreeID == treeID {
			out = append(out, copyTask(task))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetActiveTasks returns all non-terminal tasks ordered by id.
func (s *MemoryStore) GetActiveTasks(_ context.Context) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Task
	for _, task := range s.tasks {
		if !task.State.IsTerminal() {
			out = append(out, copyTask(task))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetRootTasks returns root tasks, newest first, up to limit (0 = all).
func (s *MemoryStore) GetRootTasks(_ context.Context, limit int) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Task
	for _, task := range s.tasks {
		if task.ParentID == nil {
			out = append(out, copyTask(task))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateTaskStatus writes the task state plus result/summary/error fields
// and stamps started/completed timestamps. A task that already reached a
// terminal state is never overwritten.
func (s *MemoryStore) UpdateTaskStatus(_ context.Context, id int64, update models.TaskStatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if task.State.IsTerminal() {
		return ErrTerminalState
	}

	task.State = update.State
	if update.Result != nil {
		task.Result = cloneMap(update.Result)
	}
	if update.Summary != "" {
		task.Summary = update.Summary
	}
	if update.ErrorMessage != "" {
		task.ErrorMessage = update.ErrorMessage
	}

	now := time.Now().UTC()
	if update.State == models.StateAgentResponding && task.StartedAt == nil {
		task.StartedAt = &now
	}
	if update.State.IsTerminal() && task.CompletedAt == nil {
		task.CompletedAt = &now
	}
	return nil
}

// UpdateTaskAgent records the agent assigned to a task.
func (s *MemoryStore) UpdateTaskAgent(_ context.Context, id int64, agentName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return ErrNotFound
	}
	task.AgentName = agentName
	return nil
}

// NextTreeID allocates a monotonic tree id. Tree ids share the task id
// sequence so a root's tree id equals its task id.
func (s *MemoryStore) NextTreeID(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTaskID++
	return s.nextTaskID, nil
}

// CreateMessage appends a conversation message, assigning the sequence.
func (s *MemoryStore) CreateMessage(_ context.Context, req models.CreateMessageRequest) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[req.TaskID]; !ok {
		return nil, ErrNotFound
	}

	s.nextMessageID++
	msg := &models.Message{
		ID:         s.nextMessageID,
		TaskID:     req.TaskID,
		Role:       req.Role,
		Content:    req.Content,
		ToolCalls:  append([]models.ToolCall(nil), req.ToolCalls...),
		ToolCallID: req.ToolCallID,
		ToolName:   req.ToolName,
		Sequence:   len(s.messages[req.TaskID]),
		CreatedAt:  time.Now().UTC(),
	}
	s.messages[req.TaskID] = append(s.messages[req.TaskID], msg)
	cp := *msg
	return &cp, nil
}

// GetMessagesByTaskID returns the conversation in sequence order.
func (s *MemoryStore) GetMessagesByTaskID(_ context.Context, taskID int64) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[taskID]
	out := make([]*models.Message, len(msgs))
	for i, m := range msgs {
		cp := *m
		out[i] = &cp
	}
	return out, nil
}

// GetAgentByName returns the named agent or ErrNotFound.
func (s *MemoryStore) GetAgentByName(_ context.Context, name string) (*models.AgentSpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[name]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *agent
	return &cp, nil
}

// GetAgentByID returns the agent with the given id or ErrNotFound.
func (s *MemoryStore) GetAgentByID(_ context.Context, id int64) (*models.AgentSpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, agent := range s.agents {
		if agent.ID == id {
			cp := *agent
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// GetAllActiveAgents returns active agents sorted by name.
func (s *MemoryStore) GetAllActiveAgents(_ context.Context) ([]*models.AgentSpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.AgentSpec
	for _, agent := range s.agents {
		if agent.Active {
			cp := *agent
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// UpsertAgent inserts or replaces an agent by name.
func (s *MemoryStore) UpsertAgent(_ context.Context, agent *models.AgentSpec) error {
	if agent.Name == "" {
		return NewValidationError("name", "must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	cp := *agent
	if existing, ok := s.agents[agent.Name]; ok {
		cp.ID = existing.ID
		cp.CreatedAt = existing.CreatedAt
	} else {
		s.nextEntityID++
		cp.ID = s.nextEntityID
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.agents[agent.Name] = &cp
	return nil
}

// GetToolsByNames returns the declared tools for the given names, preserving
// input order. Unknown names are skipped.
func (s *MemoryStore) GetToolsByNames(_ context.Context, names []string) ([]*models.ToolSpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.ToolSpec, 0, len(names))
	for _, name := range names {
		if tool, ok := s.tools[name]; ok {
			cp := *tool
			out = append(out, &cp)
		}
	}
	return out, nil
}

// UpsertTool inserts or replaces a tool by name.
func (s *MemoryStore) UpsertTool(_ context.Context, tool *models.ToolSpec) error {
	if tool.Name == "" {
		return NewValidationError("name", "must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	cp := *tool
	if existing, ok := s.tools[tool.Name]; ok {
		cp.ID = existing.ID
		cp.CreatedAt = existing.CreatedAt
	} else {
		s.nextEntityID++
		cp.ID = s.nextEntityID
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.tools[tool.Name] = &cp
	return nil
}

// GetContextDocumentsByNames returns documents for the given names,
// preserving input order. Unknown names are skipped.
func (s *MemoryStore) GetContextDocumentsByNames(_ context.Context, names []string) ([]*models.DocumentSpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.DocumentSpec, 0, len(names))
	for _, name := range names {
		if doc, ok := s.documents[name]; ok {
			cp := *doc
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ListDocuments returns all context documents sorted by name.
func (s *MemoryStore) ListDocuments(_ context.Context) ([]*models.DocumentSpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.DocumentSpec, 0, len(s.documents))
	for _, doc := range s.documents {
		cp := *doc
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// UpsertDocument inserts or replaces a context document by name.
func (s *MemoryStore) UpsertDocument(_ context.Context, doc *models.DocumentSpec) error {
	if doc.Name == "" {
		return NewValidationError("name", "must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	cp := *doc
	if existing, ok := s.documents[doc.Name]; ok {
		cp.ID = existing.ID
		cp.CreatedAt = existing.CreatedAt
	} else {
		s.nextEntityID++
		cp.ID = s.nextEntityID
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.documents[doc.Name] = &cp
	return nil
}

// AppendEvents appends a batch to the event table, assigning monotonic ids.
func (s *MemoryStore) AppendEvents(_ context.Context, batch []*models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		s.nextEventID++
		cp := *evt
		cp.ID = s.nextEventID
		s.events = append(s.events, &cp)
	}
	return nil
}

// QueryEvents returns events matching the filter in append order.
func (s *MemoryStore) QueryEvents(_ context.Context, filter models.EventFilter) ([]*models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Event
	for _, evt := range s.events {
		if !matchEvent(evt, filter) {
			continue
		}
		cp := *evt
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func matchEvent(evt *models.Event, filter models.EventFilter) bool {
	if len(filter.Kinds) > 0 && !containsKind(filter.Kinds, evt.Kind) {
		return false
	}
	if filter.EntityType != "" && evt.EntityType != filter.EntityType {
		return false
	}
	if filter.EntityID != "" && evt.EntityID != filter.EntityID {
		return false
	}
	if filter.TreeID != 0 && evt.TreeID != filter.TreeID {
		return false
	}
	if filter.SinceID != 0 && evt.ID <= filter.SinceID {
		return false
	}
	if filter.Since != nil && evt.Timestamp.Before(*filter.Since) {
		return false
	}
	return true
}

func containsKind(kinds []models.EventKind, kind models.EventKind) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// UpsertReviewCounter writes a counter snapshot.
func (s *MemoryStore) UpsertReviewCounter(_ context.Context, counter *models.ReviewCounter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := models.CounterKey{EntityType: counter.EntityType, EntityID: counter.EntityID, Kind: counter.Kind}
	cp := *counter
	s.counters[key] = &cp
	return nil
}

// GetReviewCounters returns all counter snapshots.
func (s *MemoryStore) GetReviewCounters(_ context.Context) ([]*models.ReviewCounter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.ReviewCounter, 0, len(s.counters))
	for _, c := range s.counters {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityID != out[j].EntityID {
			return out[i].EntityID < out[j].EntityID
		}
		return out[i].Kind < out[j].Kind
	})
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

// copyTask returns a defensive copy so callers never alias live rows.
func copyTask(t *models.Task) *models.Task {
	cp := *t
	cp.Result = cloneMap(t.Result)
	cp.Metadata = cloneMap(t.Metadata)
	if t.ParentID != nil {
		pid := *t.ParentID
		cp.ParentID = &pid
	}
	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
