package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql

	"github.com/SynidSweet/the-system/pkg/models"
)

//go:embed migrations
var migrationsFS embed.FS

// PostgresConfig holds connection settings for the PostgreSQL store.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// PostgresStore is the production EntityStore backed by PostgreSQL. Schema
// migrations are embedded in the binary and applied on startup.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresStore opens a pooled connection, verifies it, and applies any
// pending migrations.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db, cfg.Database); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &PostgresStore{
		db:     db,
		logger: slog.Default().With("component", "postgres_store"),
	}, nil
}

// NewPostgresStoreFromDB wraps an existing connection and applies migrations.
// Used by integration tests that manage their own database lifecycle.
func NewPostgresStoreFromDB(db *sql.DB, database string) (*PostgresStore, error) {
	if err := runMigrations(db, database); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &PostgresStore{
		db:     db,
		logger: slog.Default().With("component", "postgres_store"),
	}, nil
}

// runMigrations applies pending migrations from the embedded filesystem.
func runMigrations(db *sql.DB, database string) error {
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, database, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the source driver. m.Close() would also close the database
	// driver, which closes the shared *sql.DB passed via WithInstance.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}
	return nil
}

// DB exposes the underlying connection for health checks.
func (s *PostgresStore) DB() *sql.DB { return s.db }

// Close releases the connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

const taskColumns = `id, tree_id, parent_id, instruction, process_name, agent_name,
	state, result, summary, error_message, metadata, created_at, started_at, completed_at`

// CreateTask inserts a task row. Root tasks (nil parent) get tree_id equal to
// their own id, written in the same transaction as the insert.
func (s *PostgresStore) CreateTask(ctx context.Context, req models.CreateTaskRequest) (*models.Task, error) {
	if err := validateCreateTask(req); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	metadata, err := marshalJSONB(req.Metadata)
	if err != nil {
		return nil, err
	}

	var id int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO tasks (tree_id, parent_id, instruction, process_name, agent_name, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		req.TreeID, req.ParentID, req.Instruction, req.ProcessName, req.AgentName, metadata,
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("failed to insert task: %w", err)
	}

	if req.ParentID == nil {
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET tree_id = id WHERE id = $1`, id); err != nil {
			return nil, fmt.Errorf("failed to assign tree id: %w", err)
		}
	}

	task, err := scanTask(tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit task: %w", err)
	}
	return task, nil
}

// GetTaskByID returns the task or ErrNotFound.
func (s *PostgresStore) GetTaskByID(ctx context.Context, id int64) (*models.Task, error) {
	return scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
}

// GetTasksByTreeID returns all tasks in a tree ordered by id.
func (s *PostgresStore) GetTasksByTreeID(ctx context.Context, treeID int64) ([]*models.Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE tree_id = $1 ORDER BY id`, treeID)
}

// GetActiveTasks returns all non-terminal tasks ordered by id.
func (s *PostgresStore) GetActiveTasks(ctx context.Context) ([]*models.Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE state NOT IN ($1, $2) ORDER BY id`,
		models.StateCompleted, models.StateFailed)
}

// GetRootTasks returns root tasks, newest first, up to limit (0 = all).
func (s *PostgresStore) GetRootTasks(ctx context.Context, limit int) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE parent_id IS NULL ORDER BY id DESC`
	if limit > 0 {
		return s.queryTasks(ctx, query+` LIMIT $1`, limit)
	}
	return s.queryTasks(ctx, query)
}

// UpdateTaskStatus writes the task state plus result/summary/error fields and
// stamps started/completed timestamps. A task that already reached a terminal
// state is never overwritten; the WHERE guard makes the check atomic.
func (s *PostgresStore) UpdateTaskStatus(ctx context.Context, id int64, update models.TaskStatusUpdate) error {
	set := []string{"state = $1"}
	args := []any{update.State}

	if update.Result != nil {
		result, err := marshalJSONB(update.Result)
		if err != nil {
			return err
		}
		args = append(args, result)
		set = append(set, fmt.Sprintf("result = $%d", len(args)))
	}
	if update.Summary != "" {
		args = append(args, update.Summary)
		set = append(set, fmt.Sprintf("summary = $%d", len(args)))
	}
	if update.ErrorMessage != "" {
		args = append(args, update.ErrorMessage)
		set = append(set, fmt.Sprintf("error_message = $%d", len(args)))
	}
	if update.State == models.StateAgentResponding {
		set = append(set, "started_at = COALESCE(started_at, now())")
	}
	if update.State.IsTerminal() {
		set = append(set, "completed_at = COALESCE(completed_at, now())")
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE tasks SET %s WHERE id = $%d AND state NOT IN ('completed', 'failed')",
		strings.Join(set, ", "), len(args))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update task %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		// Distinguish a missing task from a terminal one.
		if _, err := s.GetTaskByID(ctx, id); err != nil {
			return err
		}
		return ErrTerminalState
	}
	return nil
}

// UpdateTaskAgent records the agent assigned to a task.
func (s *PostgresStore) UpdateTaskAgent(ctx context.Context, id int64, agentName string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET agent_name = $1 WHERE id = $2`, agentName, id)
	if err != nil {
		return fmt.Errorf("failed to update task %d agent: %w", id, err)
	}
	return requireRow(res)
}

// NextTreeID allocates a tree id from the task id sequence, so a root's tree
// id always equals its task id.
func (s *PostgresStore) NextTreeID(ctx context.Context) (int64, error) {
	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT nextval('tasks_id_seq')`).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to allocate tree id: %w", err)
	}
	return id, nil
}

// CreateMessage appends a conversation message, assigning the next sequence
// number for the task.
func (s *PostgresStore) CreateMessage(ctx context.Context, req models.CreateMessageRequest) (*models.Message, error) {
	toolCalls, err := marshalJSONBValue(req.ToolCalls)
	if err != nil {
		return nil, err
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, req.TaskID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check task %d: %w", req.TaskID, err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	msg := &models.Message{
		TaskID:     req.TaskID,
		Role:       req.Role,
		Content:    req.Content,
		ToolCalls:  req.ToolCalls,
		ToolCallID: req.ToolCallID,
		ToolName:   req.ToolName,
	}
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO messages (task_id, role, content, tool_calls, tool_call_id, tool_name, sequence)
		 VALUES ($1, $2, $3, $4, $5, $6,
		         (SELECT COALESCE(MAX(sequence) + 1, 0) FROM messages WHERE task_id = $1))
		 RETURNING id, sequence, created_at`,
		req.TaskID, req.Role, req.Content, toolCalls, req.ToolCallID, req.ToolName,
	).Scan(&msg.ID, &msg.Sequence, &msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}
	return msg, nil
}

// GetMessagesByTaskID returns the conversation in sequence order.
func (s *PostgresStore) GetMessagesByTaskID(ctx context.Context, taskID int64) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, role, content, tool_calls, tool_call_id, tool_name, sequence, created_at
		 FROM messages WHERE task_id = $1 ORDER BY sequence`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		var (
			msg       models.Message
			toolCalls []byte
		)
		if err := rows.Scan(&msg.ID, &msg.TaskID, &msg.Role, &msg.Content,
			&toolCalls, &msg.ToolCallID, &msg.ToolName, &msg.Sequence, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if err := unmarshalJSONB(toolCalls, &msg.ToolCalls); err != nil {
			return nil, err
		}
		out = append(out, &msg)
	}
	return out, rows.Err()
}

const agentColumns = `id, name, instruction, context_documents, available_tools,
	permissions, provider, model, params, active, created_at, updated_at`

// GetAgentByName returns the named agent or ErrNotFound.
func (s *PostgresStore) GetAgentByName(ctx context.Context, name string) (*models.AgentSpec, error) {
	return scanAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE name = $1`, name))
}

// GetAgentByID returns the agent with the given id or ErrNotFound.
func (s *PostgresStore) GetAgentByID(ctx context.Context, id int64) (*models.AgentSpec, error) {
	return scanAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
}

// GetAllActiveAgents returns active agents sorted by name.
func (s *PostgresStore) GetAllActiveAgents(ctx context.Context) ([]*models.AgentSpec, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE active ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer rows.Close()

	var out []*models.AgentSpec
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, agent)
	}
	return out, rows.Err()
}

// UpsertAgent inserts or replaces an agent by name.
func (s *PostgresStore) UpsertAgent(ctx context.Context, agent *models.AgentSpec) error {
	if agent.Name == "" {
		return NewValidationError("name", "must not be empty")
	}
	docs, err := marshalJSONBValue(agent.ContextDocuments)
	if err != nil {
		return err
	}
	tools, err := marshalJSONBValue(agent.AvailableTools)
	if err != nil {
		return err
	}
	perms, err := marshalJSONBValue(agent.Permissions)
	if err != nil {
		return err
	}
	params, err := marshalJSONBValue(agent.Params)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (name, instruction, context_documents, available_tools,
		                     permissions, provider, model, params, active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (name) DO UPDATE SET
		     instruction = EXCLUDED.instruction,
		     context_documents = EXCLUDED.context_documents,
		     available_tools = EXCLUDED.available_tools,
		     permissions = EXCLUDED.permissions,
		     provider = EXCLUDED.provider,
		     model = EXCLUDED.model,
		     params = EXCLUDED.params,
		     active = EXCLUDED.active,
		     updated_at = now()`,
		agent.Name, agent.Instruction, docs, tools, perms,
		agent.Provider, agent.Model, params, agent.Active)
	if err != nil {
		return fmt.Errorf("failed to upsert agent %q: %w", agent.Name, err)
	}
	return nil
}

// GetToolsByNames returns the declared tools for the given names, preserving
// input order. Unknown names are skipped.
func (s *PostgresStore) GetToolsByNames(ctx context.Context, names []string) ([]*models.ToolSpec, error) {
	if len(names) == 0 {
		return nil, nil
	}
	namesJSON, err := json.Marshal(names)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool names: %w", err)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.id, t.name, t.description, t.parameters_schema, t.category,
		        t.permissions, t.implementation, t.process_name, t.created_at, t.updated_at
		 FROM jsonb_array_elements_text($1::jsonb) WITH ORDINALITY AS want(name, ord)
		 JOIN tools t ON t.name = want.name
		 ORDER BY want.ord`, namesJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to query tools: %w", err)
	}
	defer rows.Close()

	var out []*models.ToolSpec
	for rows.Next() {
		var (
			tool  models.ToolSpec
			perms []byte
		)
		if err := rows.Scan(&tool.ID, &tool.Name, &tool.Description, &tool.ParametersSchema,
			&tool.Category, &perms, &tool.Implementation, &tool.ProcessName,
			&tool.CreatedAt, &tool.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tool: %w", err)
		}
		if err := unmarshalJSONB(perms, &tool.Permissions); err != nil {
			return nil, err
		}
		out = append(out, &tool)
	}
	return out, rows.Err()
}

// UpsertTool inserts or replaces a tool by name.
func (s *PostgresStore) UpsertTool(ctx context.Context, tool *models.ToolSpec) error {
	if tool.Name == "" {
		return NewValidationError("name", "must not be empty")
	}
	perms, err := marshalJSONBValue(tool.Permissions)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tools (name, description, parameters_schema, category,
		                    permissions, implementation, process_name)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (name) DO UPDATE SET
		     description = EXCLUDED.description,
		     parameters_schema = EXCLUDED.parameters_schema,
		     category = EXCLUDED.category,
		     permissions = EXCLUDED.permissions,
		     implementation = EXCLUDED.implementation,
		     process_name = EXCLUDED.process_name,
		     updated_at = now()`,
		tool.Name, tool.Description, tool.ParametersSchema, tool.Category,
		perms, tool.Implementation, tool.ProcessName)
	if err != nil {
		return fmt.Errorf("failed to upsert tool %q: %w", tool.Name, err)
	}
	return nil
}

// GetContextDocumentsByNames returns documents for the given names, preserving
// input order. Unknown names are skipped.
func (s *PostgresStore) GetContextDocumentsByNames(ctx context.Context, names []string) ([]*models.DocumentSpec, error) {
	if len(names) == 0 {
		return nil, nil
	}
	namesJSON, err := json.Marshal(names)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document names: %w", err)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT d.id, d.name, d.title, d.category, d.content, d.format, d.created_at, d.updated_at
		 FROM jsonb_array_elements_text($1::jsonb) WITH ORDINALITY AS want(name, ord)
		 JOIN documents d ON d.name = want.name
		 ORDER BY want.ord`, namesJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var out []*models.DocumentSpec
	for rows.Next() {
		var doc models.DocumentSpec
		if err := rows.Scan(&doc.ID, &doc.Name, &doc.Title, &doc.Category,
			&doc.Content, &doc.Format, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		out = append(out, &doc)
	}
	return out, rows.Err()
}

// ListDocuments returns all context documents sorted by name.
func (s *PostgresStore) ListDocuments(ctx context.Context) ([]*models.DocumentSpec, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, title, category, content, format, created_at, updated_at
		 FROM documents ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var out []*models.DocumentSpec
	for rows.Next() {
		var doc models.DocumentSpec
		if err := rows.Scan(&doc.ID, &doc.Name, &doc.Title, &doc.Category,
			&doc.Content, &doc.Format, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		out = append(out, &doc)
	}
	return out, rows.Err()
}

// UpsertDocument inserts or replaces a context document by name.
func (s *PostgresStore) UpsertDocument(ctx context.Context, doc *models.DocumentSpec) error {
	if doc.Name == "" {
		return NewValidationError("name", "must not be empty")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (name, title, category, content, format)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (name) DO UPDATE SET
		     title = EXCLUDED.title,
		     category = EXCLUDED.category,
		     content = EXCLUDED.content,
		     format = EXCLUDED.format,
		     updated_at = now()`,
		doc.Name, doc.Title, doc.Category, doc.Content, doc.Format)
	if err != nil {
		return fmt.Errorf("failed to upsert document %q: %w", doc.Name, err)
	}
	return nil
}

// AppendEvents writes a batch of ledger events in one transaction.
func (s *PostgresStore) AppendEvents(ctx context.Context, batch []*models.Event) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO events (kind, entity_type, entity_id, tree_id, related,
		                     outcome, duration_ns, ts, parent_event_id, data)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`)
	if err != nil {
		return fmt.Errorf("failed to prepare event insert: %w", err)
	}
	defer stmt.Close()

	for _, evt := range batch {
		related, err := marshalJSONBValue(evt.Related)
		if err != nil {
			return err
		}
		data, err := marshalJSONB(evt.Data)
		if err != nil {
			return err
		}
		ts := evt.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		if err := stmt.QueryRowContext(ctx,
			evt.Kind, evt.EntityType, evt.EntityID, evt.TreeID, related,
			evt.Outcome, int64(evt.Duration), ts, evt.ParentEventID, data,
		).Scan(&evt.ID); err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}
	}
	return tx.Commit()
}

// QueryEvents returns events matching the filter in append order.
func (s *PostgresStore) QueryEvents(ctx context.Context, filter models.EventFilter) ([]*models.Event, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(filter.Kinds) > 0 {
		kindsJSON, err := json.Marshal(filter.Kinds)
		if err != nil {
			return nil, fmt.Errorf("failed to encode event kinds: %w", err)
		}
		where = append(where, fmt.Sprintf(
			"kind IN (SELECT jsonb_array_elements_text(%s::jsonb))", arg(kindsJSON)))
	}
	if filter.EntityType != "" {
		where = append(where, "entity_type = "+arg(filter.EntityType))
	}
	if filter.EntityID != "" {
		where = append(where, "entity_id = "+arg(filter.EntityID))
	}
	if filter.TreeID != 0 {
		where = append(where, "tree_id = "+arg(filter.TreeID))
	}
	if filter.SinceID != 0 {
		where = append(where, "id > "+arg(filter.SinceID))
	}
	if filter.Since != nil {
		where = append(where, "ts >= "+arg(*filter.Since))
	}

	query := `SELECT id, kind, entity_type, entity_id, tree_id, related,
	                 outcome, duration_ns, ts, parent_event_id, data
	          FROM events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []*models.Event
	for rows.Next() {
		var (
			evt        models.Event
			related    []byte
			data       []byte
			durationNS int64
		)
		if err := rows.Scan(&evt.ID, &evt.Kind, &evt.EntityType, &evt.EntityID, &evt.TreeID,
			&related, &evt.Outcome, &durationNS, &evt.Timestamp, &evt.ParentEventID, &data); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		evt.Duration = time.Duration(durationNS)
		if err := unmarshalJSONB(related, &evt.Related); err != nil {
			return nil, err
		}
		if err := unmarshalJSONB(data, &evt.Data); err != nil {
			return nil, err
		}
		out = append(out, &evt)
	}
	return out, rows.Err()
}

// UpsertReviewCounter writes a counter snapshot keyed by (entity type, entity
// id, kind).
func (s *PostgresStore) UpsertReviewCounter(ctx context.Context, counter *models.ReviewCounter) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO review_counters (entity_type, entity_id, kind, count, threshold, last_review)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (entity_type, entity_id, kind) DO UPDATE SET
		     count = EXCLUDED.count,
		     threshold = EXCLUDED.threshold,
		     last_review = EXCLUDED.last_review`,
		counter.EntityType, counter.EntityID, counter.Kind,
		counter.Count, counter.Threshold, counter.LastReview)
	if err != nil {
		return fmt.Errorf("failed to upsert review counter: %w", err)
	}
	return nil
}

// GetReviewCounters returns all counter snapshots.
func (s *PostgresStore) GetReviewCounters(ctx context.Context) ([]*models.ReviewCounter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entity_type, entity_id, kind, count, threshold, last_review
		 FROM review_counters ORDER BY entity_id, kind`)
	if err != nil {
		return nil, fmt.Errorf("failed to query review counters: %w", err)
	}
	defer rows.Close()

	var out []*models.ReviewCounter
	for rows.Next() {
		var c models.ReviewCounter
		if err := rows.Scan(&c.EntityType, &c.EntityID, &c.Kind,
			&c.Count, &c.Threshold, &c.LastReview); err != nil {
			return nil, fmt.Errorf("failed to scan review counter: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// queryTasks runs a task select and scans the rows.
func (s *PostgresStore) queryTasks(ctx context.Context, query string, args ...any) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var out []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var (
		task     models.Task
		result   []byte
		metadata []byte
	)
	err := row.Scan(&task.ID, &task.TreeID, &task.ParentID, &task.Instruction,
		&task.ProcessName, &task.AgentName, &task.State, &result, &task.Summary,
		&task.ErrorMessage, &metadata, &task.CreatedAt, &task.StartedAt, &task.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	if err := unmarshalJSONB(result, &task.Result); err != nil {
		return nil, err
	}
	if err := unmarshalJSONB(metadata, &task.Metadata); err != nil {
		return nil, err
	}
	return &task, nil
}

func scanAgent(row rowScanner) (*models.AgentSpec, error) {
	var (
		agent models.AgentSpec
		docs  []byte
		tools []byte
		perms []byte
		params []byte
	)
	err := row.Scan(&agent.ID, &agent.Name, &agent.Instruction, &docs, &tools,
		&perms, &agent.Provider, &agent.Model, &params, &agent.Active,
		&agent.CreatedAt, &agent.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan agent: %w", err)
	}
	if err := unmarshalJSONB(docs, &agent.ContextDocuments); err != nil {
		return nil, err
	}
	if err := unmarshalJSONB(tools, &agent.AvailableTools); err != nil {
		return nil, err
	}
	if err := unmarshalJSONB(perms, &agent.Permissions); err != nil {
		return nil, err
	}
	if err := unmarshalJSONB(params, &agent.Params); err != nil {
		return nil, err
	}
	return &agent, nil
}

// requireRow maps zero affected rows to ErrNotFound.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// marshalJSONB encodes a map for a nullable JSONB column. Nil maps become SQL
// NULL.
func marshalJSONB(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode jsonb: %w", err)
	}
	return b, nil
}

// marshalJSONBValue encodes an arbitrary value for a nullable JSONB column.
func marshalJSONBValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode jsonb: %w", err)
	}
	if string(b) == "null" {
		return nil, nil
	}
	return b, nil
}

// unmarshalJSONB decodes a nullable JSONB column into dest. NULL leaves dest
// at its zero value.
func unmarshalJSONB(b []byte, dest any) error {
	if len(b) == 0 {
		return nil
	}
	if err := json.Unmarshal(b, dest); err != nil {
		return fmt.Errorf("failed to decode jsonb: %w", err)
	}
	return nil
}
