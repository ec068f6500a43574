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

	"github.com/isdmx/evalbox/evaluation"
)

// SQLite stores results in a single table keyed by eval_id. The full
// record is kept as JSON; status and finish time are broken out for
// operators querying the database directly.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (creating if needed) the database at path.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite store requires a path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS results (
			eval_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			outcome TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			payload TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS results_finished_at ON results(finished_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func (s *SQLite) Save(ctx context.Context, r evaluation.Result) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO results (eval_id, status, outcome, finished_at, payload) VALUES (?, ?, ?, ?, ?)`,
		r.EvalID, string(r.Status), string(r.Outcome.Status), r.FinishedAt.UTC().Format(time.RFC3339Nano), string(payload))
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique constraint") {
			return fmt.Errorf("%s: %w", r.EvalID, ErrExists)
		}
		return fmt.Errorf("failed to insert result: %w", err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, evalID string) (evaluation.Result, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM results WHERE eval_id = ?`, evalID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return evaluation.Result{}, ErrNotFound
	}
	if err != nil {
		return evaluation.Result{}, fmt.Errorf("failed to query result: %w", err)
	}
	var r evaluation.Result
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		return evaluation.Result{}, fmt.Errorf("failed to decode result: %w", err)
	}
	return r, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
