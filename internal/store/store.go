package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/coreply/cooperate/api/schemas"
)

// ErrNotFound is returned when a task id is unknown to the journal.
var ErrNotFound = errors.New("task not found")

// Journal is the read and write surface shared by the Postgres and memory stores.
type Journal interface {
	TaskStarted(ctx context.Context, task schemas.TaskRecord) error
	MessageAppended(ctx context.Context, entry schemas.JournalEntry) error
	TaskFinished(ctx context.Context, taskID string, outcome schemas.TaskOutcome, errText string) error
	GetTask(ctx context.Context, taskID string) (*schemas.TaskRecord, error)
	ListMessages(ctx context.Context, taskID string) ([]schemas.JournalEntry, error)
}

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store is the PostgreSQL task journal.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

var _ Journal = (*Store)(nil)

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
        id TEXT PRIMARY KEY,
        prompt TEXT NOT NULL,
        model TEXT NOT NULL,
        outcome TEXT NOT NULL,
        error TEXT NOT NULL DEFAULT '',
        started_at TIMESTAMPTZ NOT NULL,
        finished_at TIMESTAMPTZ
    );`,
	`CREATE TABLE IF NOT EXISTS task_messages (
        task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
        seq INTEGER NOT NULL,
        role TEXT NOT NULL,
        content TEXT NOT NULL,
        tool_calls JSONB NOT NULL DEFAULT '[]',
        tool_call_id TEXT NOT NULL DEFAULT '',
        tool_name TEXT NOT NULL DEFAULT '',
        created_at TIMESTAMPTZ NOT NULL,
        PRIMARY KEY (task_id, seq)
    );`,
}

// EnsureSchema creates the journal tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	for _, stmt := range schemaStatements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// TaskStarted inserts the task row.
func (s *Store) TaskStarted(ctx context.Context, task schemas.TaskRecord) error {
	sql := `
        INSERT INTO tasks (id, prompt, model, outcome, started_at)
        VALUES ($1, $2, $3, $4, $5);
    `
	if _, err := s.pool.Exec(ctx, sql, task.ID, task.Prompt, task.Model, string(task.Outcome), task.StartedAt.UTC()); err != nil {
		return fmt.Errorf("failed to insert task %s: %w", task.ID, err)
	}
	return nil
}

// MessageAppended records one transcript message. Image payloads are never
// stored.
func (s *Store) MessageAppended(ctx context.Context, entry schemas.JournalEntry) error {
	calls := entry.Message.ToolCalls
	if calls == nil {
		calls = []schemas.ToolCallRequest{}
	}
	toolCalls, err := json.Marshal(calls)
	if err != nil {
		return fmt.Errorf("failed to encode tool calls: %w", err)
	}

	sql := `
        INSERT INTO task_messages (task_id, seq, role, content, tool_calls, tool_call_id, tool_name, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        ON CONFLICT (task_id, seq) DO NOTHING;
    `
	_, err = s.pool.Exec(ctx, sql,
		entry.TaskID, entry.Seq, string(entry.Message.Role), entry.Message.Content,
		toolCalls, entry.Message.ToolCallID, entry.Message.ToolName, entry.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert message %d for task %s: %w", entry.Seq, entry.TaskID, err)
	}
	return nil
}

// TaskFinished stamps the outcome on the task row.
func (s *Store) TaskFinished(ctx context.Context, taskID string, outcome schemas.TaskOutcome, errText string) error {
	sql := `
        UPDATE tasks SET outcome = $2, error = $3, finished_at = $4
        WHERE id = $1;
    `
	tag, err := s.pool.Exec(ctx, sql, taskID, string(outcome), errText, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to finish task %s: %w", taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finish task %s: %w", taskID, ErrNotFound)
	}
	return nil
}

// GetTask loads one task row.
func (s *Store) GetTask(ctx context.Context, taskID string) (*schemas.TaskRecord, error) {
	sql := `
        SELECT id, prompt, model, outcome, error, started_at, finished_at
        FROM tasks
        WHERE id = $1;
    `
	var (
		rec     schemas.TaskRecord
		outcome string
	)
	err := s.pool.QueryRow(ctx, sql, taskID).Scan(
		&rec.ID, &rec.Prompt, &rec.Model, &outcome, &rec.Error, &rec.StartedAt, &rec.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}
	rec.Outcome = schemas.TaskOutcome(outcome)
	return &rec, nil
}

// ListMessages returns a task's journal in append order.
func (s *Store) ListMessages(ctx context.Context, taskID string) ([]schemas.JournalEntry, error) {
	sql := `
        SELECT seq, role, content, tool_calls, tool_call_id, tool_name, created_at
        FROM task_messages
        WHERE task_id = $1
        ORDER BY seq ASC;
    `
	rows, err := s.pool.Query(ctx, sql, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var entries []schemas.JournalEntry
	for rows.Next() {
		var (
			e         schemas.JournalEntry
			role      string
			toolCalls []byte
		)
		if err := rows.Scan(&e.Seq, &role, &e.Message.Content, &toolCalls,
			&e.Message.ToolCallID, &e.Message.ToolName, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		if len(toolCalls) > 0 && string(toolCalls) != "null" {
			if err := json.Unmarshal(toolCalls, &e.Message.ToolCalls); err != nil {
				return nil, fmt.Errorf("failed to decode tool calls for message %d: %w", e.Seq, err)
			}
			if len(e.Message.ToolCalls) == 0 {
				e.Message.ToolCalls = nil
			}
		}
		e.TaskID = taskID
		e.Message.Role = schemas.Role(role)
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return entries, nil
}
