package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var ErrInitExecutionNotFound = errors.New("store: init execution not found")

type InitExecution struct {
	ID               int64
	BatchID          int64
	RunbookVersion   int
	StepName         string
	StepIndex        int
	WorkerID         string
	FunctionName     string
	ParamsJSON       string
	OnFailure        string
	Status           string
	JobID            string
	ResultJSON       string
	ErrorMessage     string
	DispatchedAt     *time.Time
	CompletedAt      *time.Time
	IsPollStep       bool
	PollIntervalSec  int
	PollTimeoutSec   int
	PollStartedAt    *time.Time
	LastPolledAt     *time.Time
	PollCount        int
	RetryCount       int
	MaxRetries       int
	RetryIntervalSec int
	RetryAfter       *time.Time
}

const initExecutionColumns = `id, batch_id, runbook_version, step_name, step_index, worker_id, function_name,
	params_json, on_failure, status, job_id, result_json, error_message, dispatched_at, completed_at,
	is_poll_step, poll_interval_sec, poll_timeout_sec, poll_started_at, last_polled_at, poll_count,
	retry_count, max_retries, retry_interval_sec, retry_after`

const initExecutionSelect = `SELECT ` + initExecutionColumns + ` FROM init_executions`

func scanInitExecution(row rowScanner) (InitExecution, error) {
	var e InitExecution
	var dispatchedAt, completedAt, pollStartedAt, lastPolledAt, retryAfter sql.NullString
	var isPollStep int
	err := row.Scan(
		&e.ID, &e.BatchID, &e.RunbookVersion, &e.StepName, &e.StepIndex, &e.WorkerID, &e.FunctionName,
		&e.ParamsJSON, &e.OnFailure, &e.Status, &e.JobID, &e.ResultJSON, &e.ErrorMessage, &dispatchedAt, &completedAt,
		&isPollStep, &e.PollIntervalSec, &e.PollTimeoutSec, &pollStartedAt, &lastPolledAt, &e.PollCount,
		&e.RetryCount, &e.MaxRetries, &e.RetryIntervalSec, &retryAfter,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return InitExecution{}, ErrInitExecutionNotFound
		}
		return InitExecution{}, err
	}
	e.IsPollStep = isPollStep != 0
	e.DispatchedAt = parseNullableTime(dispatchedAt)
	e.CompletedAt = parseNullableTime(completedAt)
	e.PollStartedAt = parseNullableTime(pollStartedAt)
	e.LastPolledAt = parseNullableTime(lastPolledAt)
	e.RetryAfter = parseNullableTime(retryAfter)
	return e, nil
}

func scanInitExecutions(rows *sql.Rows) ([]InitExecution, error) {
	var out []InitExecution
	for rows.Next() {
		e, err := scanInitExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type NewInitExecutionParams struct {
	BatchID          int64
	RunbookVersion   int
	StepName         string
	StepIndex        int
	WorkerID         string
	FunctionName     string
	ParamsJSON       string
	OnFailure        string
	IsPollStep       bool
	PollIntervalSec  int
	PollTimeoutSec   int
	MaxRetries       int
	RetryIntervalSec int
}

func (s *Store) CreateInitExecution(ctx context.Context, p NewInitExecutionParams) (InitExecution, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO init_executions (
		batch_id, runbook_version, step_name, step_index, worker_id, function_name,
		params_json, on_failure, status, is_poll_step, poll_interval_sec, poll_timeout_sec,
		max_retries, retry_interval_sec
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.BatchID, p.RunbookVersion, p.StepName, p.StepIndex, p.WorkerID, p.FunctionName,
		p.ParamsJSON, p.OnFailure, StepStatusPending, boolToInt(p.IsPollStep), p.PollIntervalSec, p.PollTimeoutSec,
		p.MaxRetries, p.RetryIntervalSec,
	)
	if err != nil {
		return InitExecution{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return InitExecution{}, err
	}
	return s.GetInitExecutionByID(ctx, id)
}

func (s *Store) GetInitExecutionByID(ctx context.Context, id int64) (InitExecution, error) {
	row := s.db.QueryRowContext(ctx, initExecutionSelect+` WHERE id = ?`, id)
	return scanInitExecution(row)
}

func (s *Store) ListInitExecutionsForBatch(ctx context.Context, batchID int64) ([]InitExecution, error) {
	rows, err := s.db.QueryContext(ctx, initExecutionSelect+` WHERE batch_id = ? ORDER BY step_index`, batchID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanInitExecutions(rows)
}

// CancelPendingInitExecutions marks every non-terminal init execution for a
// batch as skipped. Used when rerun_init requires discarding a stale set
// before inserting fresh ones.
func (s *Store) CancelPendingInitExecutions(ctx context.Context, batchID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE init_executions SET status = ?, completed_at = ?
		WHERE batch_id = ? AND status NOT IN (?, ?, ?, ?)`,
		StepStatusSkipped, at.UTC().Format(time.RFC3339),
		batchID, StepStatusSucceeded, StepStatusFailed, StepStatusPollTimeout, StepStatusSkipped,
	)
	return err
}

func (s *Store) CASInitStatus(ctx context.Context, id int64, from, to string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE init_executions SET status = ? WHERE id = ? AND status = ?`, to, id, from)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

func (s *Store) SetInitDispatched(ctx context.Context, id int64, jobID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE init_executions SET status = ?, job_id = ?, dispatched_at = ?, retry_after = NULL WHERE id = ? AND status = ?`,
		StepStatusDispatched, jobID, at.UTC().Format(time.RFC3339), id, StepStatusPending,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

func (s *Store) SetInitSucceeded(ctx context.Context, id int64, resultJSON string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE init_executions SET status = ?, result_json = ?, completed_at = ? WHERE id = ? AND status IN (?, ?)`,
		StepStatusSucceeded, resultJSON, at.UTC().Format(time.RFC3339), id, StepStatusDispatched, StepStatusPolling,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

func (s *Store) SetInitFailed(ctx context.Context, id int64, message string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE init_executions SET status = ?, error_message = ?, completed_at = ?,
		retry_count = retry_count + 1 WHERE id = ? AND status IN (?, ?, ?)`,
		StepStatusFailed, message, at.UTC().Format(time.RFC3339),
		id, StepStatusDispatched, StepStatusPolling, StepStatusPending,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

// SetInitRetryPending mirrors SetStepRetryPending for batch-scoped init
// executions.
func (s *Store) SetInitRetryPending(ctx context.Context, id int64, message string, retryAfter, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE init_executions SET status = ?, error_message = ?, retry_after = ?,
		retry_count = retry_count + 1 WHERE id = ? AND status IN (?, ?)`,
		StepStatusPending, message, retryAfter.UTC().Format(time.RFC3339),
		id, StepStatusDispatched, StepStatusPolling,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

func (s *Store) SetInitPolling(ctx context.Context, id int64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE init_executions SET status = ?, poll_started_at = ?, last_polled_at = ?, poll_count = poll_count + 1 WHERE id = ? AND status = ?`,
		StepStatusPolling, at.UTC().Format(time.RFC3339), at.UTC().Format(time.RFC3339), id, StepStatusDispatched,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

func (s *Store) RecordInitPollAttempt(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE init_executions SET last_polled_at = ?, poll_count = poll_count + 1 WHERE id = ? AND status = ?`,
		at.UTC().Format(time.RFC3339), id, StepStatusPolling,
	)
	return err
}

func (s *Store) SetInitPollTimeout(ctx context.Context, id int64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE init_executions SET status = ?, completed_at = ? WHERE id = ? AND status = ?`,
		StepStatusPollTimeout, at.UTC().Format(time.RFC3339), id, StepStatusPolling,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

func (s *Store) ListDueInitPollSteps(ctx context.Context, asOf time.Time) ([]InitExecution, error) {
	rows, err := s.db.QueryContext(ctx, initExecutionSelect+` WHERE status = ? AND is_poll_step = 1
		AND (last_polled_at IS NULL OR datetime(last_polled_at, '+' || poll_interval_sec || ' seconds') <= datetime(?))`,
		StepStatusPolling, asOf.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanInitExecutions(rows)
}

func (s *Store) ListDueInitRetries(ctx context.Context, asOf time.Time) ([]InitExecution, error) {
	rows, err := s.db.QueryContext(ctx, initExecutionSelect+` WHERE status = ? AND retry_after IS NOT NULL AND retry_after <= ?`,
		StepStatusPending, asOf.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanInitExecutions(rows)
}
