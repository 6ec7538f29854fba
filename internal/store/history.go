package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"evquery/internal/logging"
)

// RunOutcome classifies how a pipeline run ended.
type RunOutcome string

const (
	OutcomeAnswered RunOutcome = "answered"
	OutcomeFailed   RunOutcome = "failed"
)

// Run is one complete pipeline execution for one question.
type Run struct {
	ID        string
	Question  string
	Entities  string // entity JSON from the extraction stage
	FinalSQL  string // last SQL that was executed
	Answer    string
	Outcome   RunOutcome
	Attempts  []Attempt
	Duration  time.Duration
	CreatedAt time.Time
}

// Attempt is one execution of a SQL candidate within a run.
type Attempt struct {
	Number   int
	SQL      string
	ErrorMsg string // empty on success
}

// HistoryStore persists pipeline runs to a local SQLite database so
// past questions, their generated SQL, and repair attempts can be
// inspected later.
type HistoryStore struct {
	db *sql.DB
}

// NewHistoryStore opens (creating if necessary) the history database.
func NewHistoryStore(path string) (*HistoryStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	s := &HistoryStore{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Get(logging.CategoryStore).Info("History store ready at %s", path)
	return s, nil
}

func (s *HistoryStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			run_id      TEXT PRIMARY KEY,
			question    TEXT NOT NULL,
			entities    TEXT,
			final_sql   TEXT,
			answer      TEXT,
			outcome     TEXT NOT NULL,
			duration_ms INTEGER DEFAULT 0,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create runs table: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS run_attempts (
			run_id    TEXT NOT NULL,
			attempt   INTEGER NOT NULL,
			sql_query TEXT,
			error     TEXT,
			PRIMARY KEY (run_id, attempt),
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create run_attempts table: %w", err)
	}

	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at DESC)`)
	if err != nil {
		return fmt.Errorf("failed to create runs index: %w", err)
	}
	return nil
}

// Close closes the history database.
func (s *HistoryStore) Close() error {
	return s.db.Close()
}

// SaveRun persists a completed run and its attempts.
func (s *HistoryStore) SaveRun(ctx context.Context, run *Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	createdAt := run.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, question, entities, final_sql, answer, outcome, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.Question, run.Entities, run.FinalSQL, run.Answer, string(run.Outcome),
		run.Duration.Milliseconds(), createdAt)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	for _, a := range run.Attempts {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_attempts (run_id, attempt, sql_query, error)
			VALUES (?, ?, ?, ?)
		`, run.ID, a.Number, a.SQL, a.ErrorMsg)
		if err != nil {
			return fmt.Errorf("failed to insert attempt %d: %w", a.Number, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}

	logging.Get(logging.CategoryStore).Debug("Saved run %s (%s, %d attempts)", run.ID, run.Outcome, len(run.Attempts))
	return nil
}

// GetRun loads one run with its attempts. Returns nil when not found.
func (s *HistoryStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, question, entities, final_sql, answer, outcome, duration_ms, created_at
		FROM runs WHERE run_id = ?
	`, id)

	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load run: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT attempt, sql_query, error FROM run_attempts
		WHERE run_id = ? ORDER BY attempt
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load attempts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a Attempt
		if err := rows.Scan(&a.Number, &a.SQL, &a.ErrorMsg); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		run.Attempts = append(run.Attempts, a)
	}
	return run, rows.Err()
}

// ListRuns returns the most recent runs, newest first, without their
// attempt details.
func (s *HistoryStore) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, question, entities, final_sql, answer, outcome, duration_ms, created_at
		FROM runs ORDER BY created_at DESC, run_id LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run        Run
		outcome    string
		durationMs int64
	)
	err := row.Scan(&run.ID, &run.Question, &run.Entities, &run.FinalSQL,
		&run.Answer, &outcome, &durationMs, &run.CreatedAt)
	if err != nil {
		return nil, err
	}
	run.Outcome = RunOutcome(outcome)
	run.Duration = time.Duration(durationMs) * time.Millisecond
	return &run, nil
}
