// Package history is the run ledger: a SQLite file recording every run
// and every model execution, backing the runs command and the status
// server.
package history

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // sqlite driver
)

// RunStatus values.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
)

// Run is one orchestrator invocation.
type Run struct {
	ID          string     `json:"id"`
	Environment string     `json:"environment"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// ModelRun is one model execution within a run.
type ModelRun struct {
	RunID         string `json:"run_id"`
	Model         string `json:"model"`
	Status        string `json:"status"`
	DurationMS    int64  `json:"duration_ms"`
	RowsProcessed int64  `json:"rows_processed"`
	Error         string `json:"error,omitempty"`
}

// Store is the SQLite-backed ledger.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the ledger at path and migrates its schema.
// Use ":memory:" for tests.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening run ledger %s: %w", path, err)
	}
	// sqlite tolerates one writer; the ledger is written from many
	// goroutines during a run
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("opening run ledger %s: %w", path, err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("run ledger ready", "path", path)
	return &Store{db: db, logger: logger}, nil
}

// Close closes the ledger.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new running run and returns it.
func (s *Store) CreateRun(env string) (*Run, error) {
	run := &Run{
		ID:          uuid.NewString(),
		Environment: env,
		Status:      RunStatusRunning,
		StartedAt:   time.Now().UTC(),
	}

	_, err := s.db.Exec(
		`INSERT INTO runs (id, environment, status, started_at) VALUES (?, ?, ?, ?)`,
		run.ID, run.Environment, string(run.Status), formatTime(run.StartedAt))
	if err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}

	s.logger.Debug("run created", "run_id", run.ID, "environment", env)
	return run, nil
}

// CompleteRun marks a run finished.
func (s *Store) CompleteRun(id string, status RunStatus, errMsg string) error {
	now := formatTime(time.Now().UTC())
	_, err := s.db.Exec(
		`UPDATE runs SET status = ?, completed_at = ?, error = ? WHERE id = ?`,
		string(status), now, nullable(errMsg), id)
	if err != nil {
		return fmt.Errorf("completing run %s: %w", id, err)
	}
	return nil
}

// GetRun returns one run by id.
func (s *Store) GetRun(id string) (*Run, error) {
	row := s.db.QueryRow(
		`SELECT id, environment, status, started_at, completed_at, error FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading run %s: %w", id, err)
	}
	return run, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT id, environment, status, started_at, completed_at, error
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("listing runs: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// RecordModelRun appends one model execution record.
func (s *Store) RecordModelRun(mr ModelRun) error {
	_, err := s.db.Exec(
		`INSERT INTO model_runs (run_id, model, status, duration_ms, rows_processed, error)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		mr.RunID, mr.Model, mr.Status, mr.DurationMS, mr.RowsProcessed, nullable(mr.Error))
	if err != nil {
		return fmt.Errorf("recording model run %s/%s: %w", mr.RunID, mr.Model, err)
	}
	return nil
}

// ListModelRuns returns the model executions of one run in insert order.
func (s *Store) ListModelRuns(runID string) ([]*ModelRun, error) {
	rows, err := s.db.Query(
		`SELECT run_id, model, status, duration_ms, rows_processed, error
		 FROM model_runs WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing model runs for %s: %w", runID, err)
	}
	defer rows.Close()

	var out []*ModelRun
	for rows.Next() {
		var mr ModelRun
		var errMsg sql.NullString
		if err := rows.Scan(&mr.RunID, &mr.Model, &mr.Status, &mr.DurationMS, &mr.RowsProcessed, &errMsg); err != nil {
			return nil, fmt.Errorf("listing model runs for %s: %w", runID, err)
		}
		mr.Error = errMsg.String
		out = append(out, &mr)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var status, startedAt string
	var completedAt, errMsg sql.NullString

	if err := row.Scan(&run.ID, &run.Environment, &status, &startedAt, &completedAt, &errMsg); err != nil {
		return nil, err
	}
	run.Status = RunStatus(status)
	run.Error = errMsg.String

	started, err := parseTime(startedAt)
	if err != nil {
		return nil, err
	}
	run.StartedAt = started

	if completedAt.Valid {
		completed, err := parseTime(completedAt.String)
		if err != nil {
			return nil, err
		}
		run.CompletedAt = &completed
	}
	return &run, nil
}

// Timestamps are stored as RFC3339 text so ORDER BY sorts them
// chronologically.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
