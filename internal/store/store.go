// Package store is the SQLite-backed checkpoint layer. Each run persists the
// full post-state of its thread as a new version; recovery reads the latest
// version back. Versions are per-thread and strictly increasing.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Ryustiel/MeepPublic/internal/state"
)

// Store persists thread checkpoints in a local SQLite database.
//
// Notes:
// - WAL is enabled to support concurrent reads while writing.
// - A single connection keeps writes serialized at the driver level; the
//   per-thread actor already serializes writers per key.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and migrates the schema.
func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// CheckpointRecord is one persisted thread snapshot.
type CheckpointRecord struct {
	ThreadID        string `json:"thread_id"`
	Version         int64  `json:"version"`
	RunID           string `json:"run_id"`
	StateJSON       string `json:"state_json"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms"`
}

// keepCheckpoints bounds per-thread history retained for recovery.
const keepCheckpoints = 40

// GetLatest returns the most recent checkpoint for the thread, decoded.
// Returns (nil, 0, nil) when the thread has never been persisted.
func (s *Store) GetLatest(ctx context.Context, threadID string) (*state.Thread, int64, error) {
	if s == nil || s.db == nil {
		return nil, 0, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil, 0, errors.New("missing thread id")
	}

	var rec CheckpointRecord
	err := s.db.QueryRowContext(ctx, `
SELECT thread_id, version, run_id, state_json, created_at_unix_ms
FROM thread_checkpoints
WHERE thread_id = ?
ORDER BY version DESC
LIMIT 1
`, threadID).Scan(&rec.ThreadID, &rec.Version, &rec.RunID, &rec.StateJSON, &rec.CreatedAtUnixMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}

	var th state.Thread
	if err := json.Unmarshal([]byte(rec.StateJSON), &th); err != nil {
		return nil, 0, fmt.Errorf("invalid state_json for thread %s version %d: %w", threadID, rec.Version, err)
	}
	if err := th.Validate(); err != nil {
		return nil, 0, fmt.Errorf("corrupt checkpoint for thread %s version %d: %w", threadID, rec.Version, err)
	}
	return &th, rec.Version, nil
}

// Append writes the thread state as the next version in one transaction and
// prunes old versions. Returns the version written.
func (s *Store) Append(ctx context.Context, threadID string, runID string, th *state.Thread) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	threadID = strings.TrimSpace(threadID)
	runID = strings.TrimSpace(runID)
	if threadID == "" {
		return 0, errors.New("missing thread id")
	}
	if th == nil {
		return 0, errors.New("nil thread state")
	}
	if err := th.Validate(); err != nil {
		return 0, fmt.Errorf("refusing to persist invalid state: %w", err)
	}

	raw, err := json.Marshal(th)
	if err != nil {
		return 0, err
	}
	stateJSON := strings.TrimSpace(string(raw))
	if stateJSON == "" {
		stateJSON = "{}"
	}

	now := time.Now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var latest int64
	if err := tx.QueryRowContext(ctx, `
SELECT COALESCE(MAX(version), 0)
FROM thread_checkpoints
WHERE thread_id = ?
`, threadID).Scan(&latest); err != nil {
		return 0, err
	}
	version := latest + 1

	if _, err := tx.ExecContext(ctx, `
INSERT INTO thread_checkpoints(thread_id, version, run_id, state_json, created_at_unix_ms)
VALUES(?, ?, ?, ?, ?)
`, threadID, version, runID, stateJSON, now); err != nil {
		return 0, err
	}

	// Best-effort retention to avoid unbounded growth.
	_, _ = tx.ExecContext(ctx, `
DELETE FROM thread_checkpoints
WHERE thread_id = ? AND version IN (
  SELECT version
  FROM thread_checkpoints
  WHERE thread_id = ?
  ORDER BY version DESC
  LIMIT -1 OFFSET ?
)
`, threadID, threadID, keepCheckpoints)

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return version, nil
}

// ListThreadIDs returns all thread ids with at least one checkpoint, sorted.
func (s *Store) ListThreadIDs(ctx context.Context) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT DISTINCT thread_id
FROM thread_checkpoints
ORDER BY thread_id ASC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		id = strings.TrimSpace(id)
		if id != "" {
			out = append(out, id)
		}
	}
	return out, rows.Err()
}

// GetVersion returns one specific checkpoint record, nil when absent.
// Admin tooling uses this to inspect history; the engine only reads latest.
func (s *Store) GetVersion(ctx context.Context, threadID string, version int64) (*CheckpointRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" || version <= 0 {
		return nil, errors.New("invalid request")
	}

	var rec CheckpointRecord
	err := s.db.QueryRowContext(ctx, `
SELECT thread_id, version, run_id, state_json, created_at_unix_ms
FROM thread_checkpoints
WHERE thread_id = ? AND version = ?
`, threadID, version).Scan(&rec.ThreadID, &rec.Version, &rec.RunID, &rec.StateJSON, &rec.CreatedAtUnixMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS thread_checkpoints (
  thread_id TEXT NOT NULL,
  version INTEGER NOT NULL,
  run_id TEXT NOT NULL DEFAULT '',
  state_json TEXT NOT NULL,
  created_at_unix_ms INTEGER NOT NULL,
  PRIMARY KEY(thread_id, version)
);
CREATE INDEX IF NOT EXISTS idx_thread_checkpoints_thread ON thread_checkpoints(thread_id, version DESC);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}
