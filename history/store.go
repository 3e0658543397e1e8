// Package history persists a row per processed task in SQLite. Workers write
// to it best-effort; the enricher reads recent runs back out to build prompt
// context.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SchemaDDL defines the task_runs table.
const SchemaDDL = `
CREATE TABLE IF NOT EXISTS task_runs (
    id INTEGER PRIMARY KEY,
    task_id TEXT NOT NULL,
    worker TEXT NOT NULL,
    task_type TEXT NOT NULL,
    prompt TEXT NOT NULL,
    response TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    output_file TEXT,
    model TEXT,
    enriched INTEGER NOT NULL DEFAULT 0,
    simulated INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS task_runs_type_created ON task_runs (task_type, created_at DESC);
`

// Run is one row of the task_runs table.
type Run struct {
	ID         int64  `json:"id"`
	TaskID     string `json:"task_id"`
	Worker     string `json:"worker"`
	TaskType   string `json:"task_type"`
	Prompt     string `json:"prompt"`
	Response   string `json:"response"`
	Status     string `json:"status"`
	OutputFile string `json:"output_file"`
	Model      string `json:"model"`
	Enriched   bool   `json:"enriched"`
	Simulated  bool   `json:"simulated"`
	CreatedAt  string `json:"created_at"`
}

// Store manages the task_runs table.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the SQLite database at path and applies the
// schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// One worker process per database file, a single connection is enough
	// and sidesteps SQLite writer contention.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(SchemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply history schema: %w", err)
	}
	return &Store{db: db}, nil
}

// NewStore wraps an existing database handle (for tests).
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts one run. Returns the inserted row id.
func (s *Store) Record(ctx context.Context, r Run) (int64, error) {
	createdAt := r.CreatedAt
	if createdAt == "" {
		createdAt = time.Now().UTC().Format(time.RFC3339)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO task_runs (task_id, worker, task_type, prompt, response, status, output_file, model, enriched, simulated, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.TaskID, r.Worker, r.TaskType, r.Prompt, r.Response, r.Status, r.OutputFile, r.Model, r.Enriched, r.Simulated, createdAt,
	)
	if err != nil {
		return 0, fmt.Errorf("history insert: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("history last insert id: %w", err)
	}
	return id, nil
}

// Recent returns up to limit completed runs of the given task type, newest
// first.
func (s *Store) Recent(ctx context.Context, taskType string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 5
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, worker, task_type, prompt, response, status, output_file, model, enriched, simulated, created_at
		 FROM task_runs
		 WHERE task_type = ? AND status = 'completed'
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		taskType, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("history recent query: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.TaskID, &r.Worker, &r.TaskType, &r.Prompt, &r.Response, &r.Status,
			&r.OutputFile, &r.Model, &r.Enriched, &r.Simulated, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("history scan: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Count returns the number of recorded runs, optionally filtered by status.
func (s *Store) Count(ctx context.Context, status string) (int64, error) {
	var n int64
	var err error
	if status == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_runs`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM task_runs WHERE status = ?`, status).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("history count: %w", err)
	}
	return n, nil
}
