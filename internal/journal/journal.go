// Package journal keeps a local SQLite record of runs and their events, so
// finished and failed runs can be inspected after the fact. Journal writes
// are advisory: callers log failures and keep going.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists run history. WAL mode keeps concurrent sub-agent writers
// from tripping over each other.
type Store struct {
	db *sql.DB
}

// Run is one loop invocation.
type Run struct {
	RunID            string
	Task             string
	Workdir          string
	StartedAtUnixMs  int64
	FinishedAtUnixMs int64
	Outcome          string
	Detail           string
}

// Event is one recorded step within a run.
type Event struct {
	ID       int64
	RunID    string
	AtUnixMs int64
	Kind     string
	Item     string
	Detail   string
}

// Open opens (and if needed creates) the journal database at path.
func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" || p == "." {
		return nil, errors.New("missing journal path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
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
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS runs (
  run_id TEXT PRIMARY KEY,
  task TEXT NOT NULL DEFAULT '',
  workdir TEXT NOT NULL DEFAULT '',
  started_at_unix_ms INTEGER NOT NULL,
  finished_at_unix_ms INTEGER NOT NULL DEFAULT 0,
  outcome TEXT NOT NULL DEFAULT '',
  detail TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS run_events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  run_id TEXT NOT NULL,
  at_unix_ms INTEGER NOT NULL,
  kind TEXT NOT NULL,
  item TEXT NOT NULL DEFAULT '',
  detail TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_run_events_run ON run_events(run_id, id);
`)
	if err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// BeginRun records the start of a run. Re-recording an existing run id is a
// no-op so retried starts stay idempotent.
func (s *Store) BeginRun(ctx context.Context, runID, task, workdir string) error {
	if s == nil || s.db == nil {
		return errors.New("journal not open")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return errors.New("missing run id")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO runs (run_id, task, workdir, started_at_unix_ms)
VALUES (?, ?, ?, ?)
ON CONFLICT(run_id) DO NOTHING;
`, runID, strings.TrimSpace(task), strings.TrimSpace(workdir), time.Now().UnixMilli())
	return err
}

// FinishRun records the final outcome of a run.
func (s *Store) FinishRun(ctx context.Context, runID, outcome, detail string) error {
	if s == nil || s.db == nil {
		return errors.New("journal not open")
	}
	_, err := s.db.ExecContext(ctx, `
UPDATE runs SET finished_at_unix_ms = ?, outcome = ?, detail = ? WHERE run_id = ?;
`, time.Now().UnixMilli(), strings.TrimSpace(outcome), strings.TrimSpace(detail), strings.TrimSpace(runID))
	return err
}

// Append records one event for a run.
func (s *Store) Append(ctx context.Context, runID, kind, item, detail string) error {
	if s == nil || s.db == nil {
		return errors.New("journal not open")
	}
	runID = strings.TrimSpace(runID)
	kind = strings.TrimSpace(kind)
	if runID == "" || kind == "" {
		return errors.New("missing run id or event kind")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO run_events (run_id, at_unix_ms, kind, item, detail)
VALUES (?, ?, ?, ?, ?);
`, runID, time.Now().UnixMilli(), kind, item, detail)
	return err
}

// Run loads one run record.
func (s *Store) Run(ctx context.Context, runID string) (*Run, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("journal not open")
	}
	row := s.db.QueryRowContext(ctx, `
SELECT run_id, task, workdir, started_at_unix_ms, finished_at_unix_ms, outcome, detail
FROM runs WHERE run_id = ?;
`, strings.TrimSpace(runID))
	var r Run
	if err := row.Scan(&r.RunID, &r.Task, &r.Workdir, &r.StartedAtUnixMs, &r.FinishedAtUnixMs, &r.Outcome, &r.Detail); err != nil {
		return nil, err
	}
	return &r, nil
}

// Events loads a run's events in insertion order.
func (s *Store) Events(ctx context.Context, runID string) ([]Event, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("journal not open")
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, run_id, at_unix_ms, kind, item, detail
FROM run_events WHERE run_id = ? ORDER BY id;
`, strings.TrimSpace(runID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.RunID, &e.AtUnixMs, &e.Kind, &e.Item, &e.Detail); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
