package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var (
	ErrNotFound = errors.New("not found")
)

// Store is the durable record of job definitions, statuses, error
// intervals and analysis results. The executor is the only writer of
// status/last-run fields; the CAS on the row version defends against a
// coordinator bug producing a double-claim.
type Store struct {
	DB        *sql.DB
	DefaultTO time.Duration // default timeout per query
}

func NewStore(db *sql.DB) *Store {
	return &Store{DB: db, DefaultTO: 5 * time.Second}
}

const jobColumns = `id, app_id, user_id, name, cron_expr, metrics, monitor, minutes_back,
to_date, active, status, last_run, destinations, error_timeout, alerted_at,
deleted_at, version, created_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var j Job
	var metricsRaw, destRaw []byte
	var status *string
	if err := row.Scan(&j.ID, &j.AppID, &j.UserID, &j.Name, &j.CronExpr, &metricsRaw,
		&j.Monitor, &j.MinutesBack, &j.ToDate, &j.Active, &status, &j.LastRun,
		&destRaw, &j.ErrorTimeout, &j.AlertedAt, &j.DeletedAt, &j.Version,
		&j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	if status != nil {
		st := JobStatus(*status)
		j.Status = &st
	}
	// Corrupt selector or destination JSON must surface, not yield a job
	// with no metrics that then runs and records a fetch error.
	if err := json.Unmarshal(metricsRaw, &j.Metrics); err != nil {
		return nil, fmt.Errorf("job %s: metrics: %w", j.ID, err)
	}
	if len(destRaw) > 0 {
		if err := json.Unmarshal(destRaw, &j.Destinations); err != nil {
			return nil, fmt.Errorf("job %s: destinations: %w", j.ID, err)
		}
	}
	return &j, nil
}

/* ===================== Jobs ===================== */

// ListDueCandidates returns every job the scheduler may consider at asOf:
// active, not soft-deleted, and not past its optional end date. Cron
// matching against the tick happens in the scheduler, since next-run is
// derived, never persisted.
func (s *Store) ListDueCandidates(ctx context.Context, asOf time.Time) ([]Job, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()

	q := `
SELECT ` + jobColumns + `
FROM jobs
WHERE active = true
  AND deleted_at IS NULL
  AND (to_date IS NULL OR to_date >= $1)
ORDER BY created_at ASC;
`
	rows, err := s.DB.QueryContext(ctx, q, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()

	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1;`
	j, err := scanJob(s.DB.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return j, nil
}

// CompareAndSetStatus writes the run outcome if and only if the row
// version is still the one the executor read. A false return means a
// competing writer got there first and this run's transition is dropped
// by design.
func (s *Store) CompareAndSetStatus(ctx context.Context, id string, expectedVersion int64, status JobStatus, lastRun time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()

	res, err := s.DB.ExecContext(ctx, `
UPDATE jobs
SET status = $1, last_run = $2, version = version + 1, updated_at = now()
WHERE id = $3 AND version = $4 AND deleted_at IS NULL;
`, string(status), lastRun, id, expectedVersion)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkAlerted records when the dispatcher last notified for this job.
// A nil at clears the mark (used on recovery).
func (s *Store) MarkAlerted(ctx context.Context, id string, at *time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()

	res, err := s.DB.ExecContext(ctx,
		`UPDATE jobs SET alerted_at = $1, updated_at = now() WHERE id = $2;`, at, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

/* ===================== Job errors ===================== */

// OpenError returns the job's currently open error interval, or
// ErrNotFound when none is open.
func (s *Store) OpenError(ctx context.Context, jobID string) (*JobError, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()

	q := `
SELECT id, job_id, status, message, created_at, ended_at
FROM job_errors
WHERE job_id = $1 AND ended_at IS NULL;
`
	var e JobError
	var status string
	err := s.DB.QueryRowContext(ctx, q, jobID).
		Scan(&e.ID, &e.JobID, &status, &e.Message, &e.CreatedAt, &e.EndedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Status = JobStatus(status)
	return &e, nil
}

// errorAction is what a failing run does to the open error interval.
type errorAction int

const (
	errorOpen   errorAction = iota // nothing open: insert a new interval
	errorExtend                    // same status open: refresh it, keep created_at
	errorRotate                    // different status open: close it, insert a new one
)

// errorTransition decides the interval action given the currently open
// status (nil when no interval is open) and the new failing status. At
// most one interval is ever open; same-status repeats extend it rather
// than stacking duplicates.
func errorTransition(open *JobStatus, next JobStatus) errorAction {
	switch {
	case open == nil:
		return errorOpen
	case *open == next:
		return errorExtend
	default:
		return errorRotate
	}
}

// AppendOrExtendError opens an error interval for a failing run. If an
// interval with the same status is already open it is extended (message
// refreshed, original open timestamp kept); an open interval with a
// different status is closed at `at` and a new one opened.
func (s *Store) AppendOrExtendError(ctx context.Context, jobID string, status JobStatus, message *string, at time.Time) (*JobError, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()

	tx, err := s.DB.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var e JobError
	var curStatus string
	err = tx.QueryRowContext(ctx, `
SELECT id, job_id, status, message, created_at, ended_at
FROM job_errors
WHERE job_id = $1 AND ended_at IS NULL
FOR UPDATE;
`, jobID).Scan(&e.ID, &e.JobID, &curStatus, &e.Message, &e.CreatedAt, &e.EndedAt)

	var open *JobStatus
	switch {
	case err == nil:
		st := JobStatus(curStatus)
		open = &st
	case errors.Is(err, sql.ErrNoRows):
	default:
		return nil, err
	}

	switch errorTransition(open, status) {
	case errorExtend:
		if _, err := tx.ExecContext(ctx,
			`UPDATE job_errors SET message = $1 WHERE id = $2;`, message, e.ID); err != nil {
			return nil, err
		}
		e.Status = status
		e.Message = message
	case errorRotate:
		if _, err := tx.ExecContext(ctx,
			`UPDATE job_errors SET ended_at = $1 WHERE id = $2;`, at, e.ID); err != nil {
			return nil, err
		}
		if err := insertError(ctx, tx, &e, jobID, status, message, at); err != nil {
			return nil, err
		}
	case errorOpen:
		if err := insertError(ctx, tx, &e, jobID, status, message, at); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &e, nil
}

func insertError(ctx context.Context, tx *sql.Tx, e *JobError, jobID string, status JobStatus, message *string, at time.Time) error {
	return tx.QueryRowContext(ctx, `
INSERT INTO job_errors (job_id, status, message, created_at)
VALUES ($1, $2, $3, $4)
RETURNING id, job_id, status, message, created_at, ended_at;
`, jobID, string(status), message, at).
		Scan(&e.ID, &e.JobID, &e.Status, &e.Message, &e.CreatedAt, &e.EndedAt)
}

// CloseOpenError closes the job's open interval, if any. Closing when
// nothing is open is a no-op, not an error.
func (s *Store) CloseOpenError(ctx context.Context, jobID string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()

	_, err := s.DB.ExecContext(ctx,
		`UPDATE job_errors SET ended_at = $1 WHERE job_id = $2 AND ended_at IS NULL;`, at, jobID)
	return err
}

// ListErrors returns the most recent error intervals for a job, open
// records first.
func (s *Store) ListErrors(ctx context.Context, jobID string, limit int) ([]JobError, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()

	if limit <= 0 || limit > 200 {
		limit = 50
	}
	q := `
SELECT id, job_id, status, message, created_at, ended_at
FROM job_errors
WHERE job_id = $1
ORDER BY ended_at IS NOT NULL, created_at DESC
LIMIT $2;
`
	rows, err := s.DB.QueryContext(ctx, q, jobID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JobError
	for rows.Next() {
		var e JobError
		var status string
		if err := rows.Scan(&e.ID, &e.JobID, &status, &e.Message, &e.CreatedAt, &e.EndedAt); err != nil {
			return nil, err
		}
		e.Status = JobStatus(status)
		out = append(out, e)
	}
	return out, rows.Err()
}

/* ===================== Analysis results ===================== */

// SaveResult persists the executor's verdict for one run so the dashboard
// can render it later.
func (s *Store) SaveResult(ctx context.Context, jobID, runID string, scheduledAt time.Time, r AnalysisResult) error {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()

	outputJSON, err := json.Marshal(r.Output)
	if err != nil {
		return err
	}
	seriesJSON, err := json.Marshal(r.Series)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO job_results (job_id, run_id, scheduled_at, status, output, message, series)
VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7::jsonb)
ON CONFLICT (run_id) DO NOTHING;
`, jobID, runID, scheduledAt, string(r.Status), string(outputJSON), r.Message, string(seriesJSON))
	return err
}

// LastResult returns the most recently recorded result for a job.
func (s *Store) LastResult(ctx context.Context, jobID string) (*AnalysisResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.DefaultTO)
	defer cancel()

	q := `
SELECT status, output, message, series
FROM job_results
WHERE job_id = $1
ORDER BY scheduled_at DESC
LIMIT 1;
`
	var r AnalysisResult
	var status string
	var outputRaw, seriesRaw []byte
	err := s.DB.QueryRowContext(ctx, q, jobID).Scan(&status, &outputRaw, &r.Message, &seriesRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Status = JobStatus(status)
	if err := json.Unmarshal(outputRaw, &r.Output); err != nil {
		return nil, err
	}
	if len(seriesRaw) > 0 {
		if err := json.Unmarshal(seriesRaw, &r.Series); err != nil {
			return nil, err
		}
	}
	return &r, nil
}
