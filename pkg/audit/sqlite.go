package audit

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"github.com/chimera-agents/chimera/pkg/errors"
)

// SQLiteStore persists audit trails in SQLite. The (run_id, seq) primary
// key makes duplicate sequence numbers impossible at the schema level.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLite-backed audit store and ensures schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New(errors.CodeInternal, "audit store requires a database handle", nil)
	}
	// modernc sqlite returns SQLITE_BUSY under concurrent write
	// transactions; a single pooled connection serializes appends.
	db.SetMaxOpenConns(1)
	if err := ensureAuditSchema(db); err != nil {
		return nil, errors.New(errors.CodeInternal, "ensure audit schema", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Append assigns the next seq for the run inside a transaction and stores
// the entry. The read-then-insert is serialized by the write transaction,
// so two concurrent appends for the same run never share a seq.
func (s *SQLiteStore) Append(ctx context.Context, entry Entry) (int64, error) {
	if entry.RunID == "" {
		return 0, errors.New(errors.CodeValidation, "audit entry requires a run id", nil)
	}
	detail, err := encodeDetail(entry.Detail)
	if err != nil {
		return 0, errors.New(errors.CodeInternal, "encode audit detail", err)
	}
	recordedAt := entry.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.New(errors.CodeInternal, "begin audit append", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM audit_entries WHERE run_id = ?`,
		entry.RunID,
	).Scan(&seq); err != nil {
		return 0, errors.New(errors.CodeInternal, "next audit seq", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO audit_entries (
			run_id, seq, entry_type, stage, invocation_id,
			from_state, to_state, attempt, outcome, error_text,
			detail_json, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.RunID,
		seq,
		string(entry.Type),
		entry.Stage,
		entry.InvocationID,
		entry.FromState,
		entry.ToState,
		entry.Attempt,
		entry.Outcome,
		entry.Error,
		detail,
		recordedAt.UTC().UnixMilli(),
	); err != nil {
		return 0, errors.New(errors.CodeInternal, "insert audit entry", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, errors.New(errors.CodeInternal, "commit audit append", err)
	}
	return seq, nil
}

// Read returns the run's entries ordered by seq.
func (s *SQLiteStore) Read(ctx context.Context, runID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, seq, entry_type, stage, invocation_id,
		       from_state, to_state, attempt, outcome, error_text,
		       detail_json, recorded_at
		FROM audit_entries
		WHERE run_id = ?
		ORDER BY seq ASC
	`, runID)
	if err != nil {
		return nil, errors.New(errors.CodeInternal, "query audit trail", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			entry      Entry
			entryType  string
			detail     string
			recordedMS int64
		)
		if err := rows.Scan(
			&entry.RunID,
			&entry.Seq,
			&entryType,
			&entry.Stage,
			&entry.InvocationID,
			&entry.FromState,
			&entry.ToState,
			&entry.Attempt,
			&entry.Outcome,
			&entry.Error,
			&detail,
			&recordedMS,
		); err != nil {
			return nil, errors.New(errors.CodeInternal, "scan audit entry", err)
		}
		entry.Type = EntryType(entryType)
		if entry.Detail, err = decodeDetail(detail); err != nil {
			return nil, errors.New(errors.CodeInternal, "decode audit detail", err)
		}
		entry.RecordedAt = time.UnixMilli(recordedMS).UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.New(errors.CodeInternal, "iterate audit trail", err)
	}
	return entries, nil
}

func ensureAuditSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS audit_entries (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			entry_type TEXT NOT NULL,
			stage TEXT,
			invocation_id TEXT,
			from_state TEXT,
			to_state TEXT,
			attempt INTEGER,
			outcome TEXT,
			error_text TEXT,
			detail_json TEXT,
			recorded_at INTEGER NOT NULL,
			PRIMARY KEY (run_id, seq)
		);
		CREATE INDEX IF NOT EXISTS idx_audit_entries_type ON audit_entries(run_id, entry_type);
	`)
	return err
}
