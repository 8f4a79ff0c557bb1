package federation

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/chimera-agents/chimera/pkg/errors"
)

// SQLiteTaskStore persists federation tasks in SQLite so an agent restart
// does not orphan accepted work from peers.
type SQLiteTaskStore struct {
	db *sql.DB
}

// NewSQLiteTaskStore creates a SQLite-backed task store and ensures schema.
func NewSQLiteTaskStore(db *sql.DB) (*SQLiteTaskStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	db.SetMaxOpenConns(1)
	if err := ensureTaskSchema(db); err != nil {
		return nil, err
	}
	return &SQLiteTaskStore{db: db}, nil
}

// Save inserts or replaces a task.
func (s *SQLiteTaskStore) Save(ctx context.Context, task Task) error {
	if task.ID == "" {
		return errors.New(errors.CodeValidation, "task requires an id", nil)
	}
	payload, err := encodeTaskJSON(task.Payload)
	if err != nil {
		return errors.New(errors.CodeInternal, "encode task payload", err)
	}
	result, err := encodeTaskJSON(task.Result)
	if err != nil {
		return errors.New(errors.CodeInternal, "encode task result", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO federation_tasks (
			id, correlation_id, capability, version, payload_json,
			status, reason, run_id, result_json, error_text,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			reason = excluded.reason,
			run_id = excluded.run_id,
			result_json = excluded.result_json,
			error_text = excluded.error_text,
			updated_at = excluded.updated_at
	`,
		task.ID,
		task.CorrelationID,
		task.Capability,
		task.Version,
		payload,
		string(task.Status),
		task.Reason,
		task.RunID,
		result,
		task.Error,
		task.CreatedAt.UTC().UnixMilli(),
		task.UpdatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return errors.New(errors.CodeInternal, "save task", err)
	}
	return nil
}

// Get returns the task by id.
func (s *SQLiteTaskStore) Get(ctx context.Context, id string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, correlation_id, capability, version, payload_json,
		       status, reason, run_id, result_json, error_text,
		       created_at, updated_at
		FROM federation_tasks WHERE id = ?
	`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return Task{}, errors.New(errors.CodeNotFound,
			fmt.Sprintf("task %s not found", id), nil)
	}
	if err != nil {
		return Task{}, errors.New(errors.CodeInternal, "load task", err)
	}
	return task, nil
}

// List returns all tasks ordered by creation time.
func (s *SQLiteTaskStore) List(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, correlation_id, capability, version, payload_json,
		       status, reason, run_id, result_json, error_text,
		       created_at, updated_at
		FROM federation_tasks ORDER BY created_at ASC, id ASC
	`)
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "list tasks", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, errors.New(errors.CodeInternal, "scan task", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.New(errors.CodeInternal, "iterate tasks", err)
	}
	return tasks, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var (
		task       Task
		status     string
		payload    string
		result     string
		createdMS  int64
		updatedMS  int64
	)
	if err := row.Scan(
		&task.ID,
		&task.CorrelationID,
		&task.Capability,
		&task.Version,
		&payload,
		&status,
		&task.Reason,
		&task.RunID,
		&result,
		&task.Error,
		&createdMS,
		&updatedMS,
	); err != nil {
		return Task{}, err
	}
	task.Status = TaskStatus(status)
	var err error
	if task.Payload, err = decodeTaskJSON(payload); err != nil {
		return Task{}, err
	}
	if task.Result, err = decodeTaskJSON(result); err != nil {
		return Task{}, err
	}
	task.CreatedAt = time.UnixMilli(createdMS).UTC()
	task.UpdatedAt = time.UnixMilli(updatedMS).UTC()
	return task, nil
}

func ensureTaskSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS federation_tasks (
			id TEXT PRIMARY KEY,
			correlation_id TEXT NOT NULL,
			capability TEXT NOT NULL,
			version TEXT,
			payload_json TEXT,
			status TEXT NOT NULL,
			reason TEXT,
			run_id TEXT,
			result_json TEXT,
			error_text TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_federation_tasks_status ON federation_tasks(status);
		CREATE INDEX IF NOT EXISTS idx_federation_tasks_correlation ON federation_tasks(correlation_id);
	`)
	return err
}
