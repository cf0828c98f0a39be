package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lucasnoah/servicefactory/internal/pipeline"
)

// Run represents a row in the runs table.
type Run struct {
	RunID                string
	RepoName             string
	RepoURL              string
	Status               string
	WorkflowStatus       string
	FixRetryCount        int
	GenerationRetryCount int
	ErrorCount           int
	StartedAt            time.Time
	FinishedAt           *time.Time
}

// RunEvent represents a row in the run_events table.
type RunEvent struct {
	ID             int64
	RunID          string
	Stage          string
	NextStage      string
	WorkflowStatus string
	DurationMs     int64
	Detail         string
	Timestamp      time.Time
}

// StartRun records a new run. Starting an existing run ID is a no-op.
func (d *DB) StartRun(s *pipeline.State) error {
	if d == nil {
		return nil
	}
	_, err := d.conn.Exec(
		`INSERT INTO runs (run_id, repo_name, repo_url, status, workflow_status, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (run_id) DO NOTHING`,
		s.RunID, s.Repository.Name, s.Repository.URL, s.Status, s.WorkflowStatus, s.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// LogRunEvent inserts a stage event and refreshes the run's counters.
func (d *DB) LogRunEvent(s *pipeline.State, stage, next string, dur time.Duration, detail string) error {
	if d == nil {
		return nil
	}
	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("log run event: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO run_events (run_id, stage, next_stage, workflow_status, duration_ms, detail)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		s.RunID, stage, next, s.WorkflowStatus, dur.Milliseconds(), detail,
	); err != nil {
		return fmt.Errorf("log run event: %w", err)
	}
	if _, err := tx.Exec(
		`UPDATE runs SET status = $2, workflow_status = $3, fix_retry_count = $4,
		 generation_retry_count = $5, error_count = $6 WHERE run_id = $1`,
		s.RunID, s.Status, s.WorkflowStatus, s.FixRetryCount, s.GenerationRetryCount, len(s.Errors),
	); err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return tx.Commit()
}

// FinishRun stamps the run's final status.
func (d *DB) FinishRun(s *pipeline.State) error {
	if d == nil {
		return nil
	}
	_, err := d.conn.Exec(
		`UPDATE runs SET status = $2, workflow_status = $3, fix_retry_count = $4,
		 generation_retry_count = $5, error_count = $6, finished_at = now() WHERE run_id = $1`,
		s.RunID, s.Status, s.WorkflowStatus, s.FixRetryCount, s.GenerationRetryCount, len(s.Errors),
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first. An empty repo lists
// every repository.
func (d *DB) ListRuns(repo string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.conn.Query(
		`SELECT run_id, repo_name, repo_url, status, workflow_status, fix_retry_count,
		        generation_retry_count, error_count, started_at, finished_at
		 FROM runs WHERE ($1 = '' OR repo_name = $1)
		 ORDER BY started_at DESC LIMIT $2`,
		repo, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var finished sql.NullTime
		if err := rows.Scan(&r.RunID, &r.RepoName, &r.RepoURL, &r.Status, &r.WorkflowStatus,
			&r.FixRetryCount, &r.GenerationRetryCount, &r.ErrorCount, &r.StartedAt, &finished); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRunEvents returns a run's stage events in order.
func (d *DB) GetRunEvents(runID string) ([]RunEvent, error) {
	rows, err := d.conn.Query(
		`SELECT id, run_id, stage, next_stage, workflow_status, duration_ms, detail, timestamp
		 FROM run_events WHERE run_id = $1 ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("get run events: %w", err)
	}
	defer rows.Close()

	var events []RunEvent
	for rows.Next() {
		var e RunEvent
		var next, detail sql.NullString
		var dur sql.NullInt64
		if err := rows.Scan(&e.ID, &e.RunID, &e.Stage, &next, &e.WorkflowStatus, &dur, &detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		e.NextStage = next.String
		e.Detail = detail.String
		e.DurationMs = dur.Int64
		events = append(events, e)
	}
	return events, rows.Err()
}
