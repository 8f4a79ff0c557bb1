package contextstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists context artifacts in SQLite. Revision assignment and
// the conflict check run in one transaction so concurrent writers to the
// same key serialize cleanly.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLite-backed context store and ensures schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	// modernc sqlite returns SQLITE_BUSY under concurrent write
	// transactions; a single pooled connection serializes writers.
	db.SetMaxOpenConns(1)
	if err := ensureContextSchema(db); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func ensureContextSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS context_artifacts (
			key TEXT PRIMARY KEY,
			partition TEXT NOT NULL,
			class TEXT NOT NULL,
			revision INTEGER NOT NULL,
			payload_json BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_context_partition ON context_artifacts(partition);
		CREATE INDEX IF NOT EXISTS idx_context_class ON context_artifacts(class);
		CREATE INDEX IF NOT EXISTS idx_context_updated ON context_artifacts(updated_at);
	`)
	return err
}

// Write implements Store.
func (s *SQLiteStore) Write(ctx context.Context, key string, expectedRevision int64, payload json.RawMessage) (int64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var current int64
	err = tx.QueryRowContext(ctx,
		`SELECT revision FROM context_artifacts WHERE key = ?`, key,
	).Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return 0, err
	}

	if current != expectedRevision {
		return 0, conflict(key, expectedRevision, current)
	}

	next := current + 1
	now := time.Now().UTC().UnixMilli()
	if current == 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO context_artifacts (key, partition, class, revision, payload_json, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, key, Partition(key), Class(key), next, []byte(payload), now)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE context_artifacts SET revision = ?, payload_json = ?, updated_at = ?
			WHERE key = ? AND revision = ?
		`, next, []byte(payload), now, key, current)
	}
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return next, nil
}

// Read implements Store.
func (s *SQLiteStore) Read(ctx context.Context, key string) (json.RawMessage, int64, error) {
	var (
		payload  []byte
		revision int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT payload_json, revision FROM context_artifacts WHERE key = ?`, key,
	).Scan(&payload, &revision)
	if err == sql.ErrNoRows {
		return nil, 0, notFound(key)
	}
	if err != nil {
		return nil, 0, err
	}
	return payload, revision, nil
}

// ListPartition implements Store.
func (s *SQLiteStore) ListPartition(ctx context.Context, partition string) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, revision, payload_json, updated_at
		FROM context_artifacts WHERE partition = ? ORDER BY key ASC
	`, partition)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		var (
			artifact Artifact
			payload  []byte
			updated  int64
		)
		if err := rows.Scan(&artifact.Key, &artifact.Revision, &payload, &updated); err != nil {
			return nil, err
		}
		artifact.Payload = payload
		artifact.UpdatedAt = time.UnixMilli(updated).UTC()
		out = append(out, artifact)
	}
	return out, rows.Err()
}

// SweepClass implements Store.
func (s *SQLiteStore) SweepClass(ctx context.Context, class string, cutoff time.Time) (int, error) {
	// Delete whole partitions whose newest write predates the cutoff.
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM context_artifacts WHERE class = ? AND partition IN (
			SELECT partition FROM context_artifacts WHERE class = ?
			GROUP BY partition HAVING MAX(updated_at) < ?
		)
	`, class, class, cutoff.UTC().UnixMilli())
	if err != nil {
		return 0, err
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(removed), nil
}
