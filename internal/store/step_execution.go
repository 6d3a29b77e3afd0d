package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// StepExecution status values, matching the state diagram: pending moves to
// dispatched on worker handoff, then to succeeded, polling, or failed;
// polling moves to succeeded, failed, or poll_timeout.
const (
	StepStatusPending     = "pending"
	StepStatusDispatched  = "dispatched"
	StepStatusSucceeded   = "succeeded"
	StepStatusPolling     = "polling"
	StepStatusFailed      = "failed"
	StepStatusPollTimeout = "poll_timeout"
	StepStatusSkipped     = "skipped"
	StepStatusCancelled   = "cancelled"
	StepStatusRolledBack  = "rolled_back"
)

// on_failure directive values.
const (
	OnFailureRetry   = "retry"
	OnFailureSkip    = "skip"
	OnFailureFail    = "fail_phase"
	OnFailureFailAll = "fail_batch"
)

const rollbackPrefix = "rollback:"

var ErrStepExecutionNotFound = errors.New("store: step execution not found")

func StepTerminal(status string) bool {
	switch status {
	case StepStatusSucceeded, StepStatusFailed, StepStatusPollTimeout, StepStatusSkipped,
		StepStatusCancelled, StepStatusRolledBack:
		return true
	default:
		return false
	}
}

type StepExecution struct {
	ID               int64
	PhaseExecutionID int64
	BatchMemberID    int64
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

const stepExecutionColumns = `id, phase_execution_id, batch_member_id, step_name, step_index, worker_id, function_name,
	params_json, on_failure, status, job_id, result_json, error_message, dispatched_at, completed_at,
	is_poll_step, poll_interval_sec, poll_timeout_sec, poll_started_at, last_polled_at, poll_count,
	retry_count, max_retries, retry_interval_sec, retry_after`

const stepExecutionSelect = `SELECT ` + stepExecutionColumns + ` FROM step_executions`

func scanStepExecution(row rowScanner) (StepExecution, error) {
	var e StepExecution
	var dispatchedAt, completedAt, pollStartedAt, lastPolledAt, retryAfter sql.NullString
	var isPollStep int
	err := row.Scan(
		&e.ID, &e.PhaseExecutionID, &e.BatchMemberID, &e.StepName, &e.StepIndex, &e.WorkerID, &e.FunctionName,
		&e.ParamsJSON, &e.OnFailure, &e.Status, &e.JobID, &e.ResultJSON, &e.ErrorMessage, &dispatchedAt, &completedAt,
		&isPollStep, &e.PollIntervalSec, &e.PollTimeoutSec, &pollStartedAt, &lastPolledAt, &e.PollCount,
		&e.RetryCount, &e.MaxRetries, &e.RetryIntervalSec, &retryAfter,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return StepExecution{}, ErrStepExecutionNotFound
		}
		return StepExecution{}, err
	}
	e.IsPollStep = isPollStep != 0
	e.DispatchedAt = parseNullableTime(dispatchedAt)
	e.CompletedAt = parseNullableTime(completedAt)
	e.PollStartedAt = parseNullableTime(pollStartedAt)
	e.LastPolledAt = parseNullableTime(lastPolledAt)
	e.RetryAfter = parseNullableTime(retryAfter)
	return e, nil
}

func scanStepExecutions(rows *sql.Rows) ([]StepExecution, error) {
	var out []StepExecution
	for rows.Next() {
		e, err := scanStepExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// NewStepExecutionParams bundles the fields needed to expand a single step
// of a runbook phase against a single batch member.
type NewStepExecutionParams struct {
	PhaseExecutionID int64
	BatchMemberID    int64
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

func (s *Store) CreateStepExecution(ctx context.Context, p NewStepExecutionParams) (StepExecution, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO step_executions (
		phase_execution_id, batch_member_id, step_name, step_index, worker_id, function_name,
		params_json, on_failure, status, is_poll_step, poll_interval_sec, poll_timeout_sec,
		max_retries, retry_interval_sec
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.PhaseExecutionID, p.BatchMemberID, p.StepName, p.StepIndex, p.WorkerID, p.FunctionName,
		p.ParamsJSON, p.OnFailure, StepStatusPending, boolToInt(p.IsPollStep), p.PollIntervalSec, p.PollTimeoutSec,
		p.MaxRetries, p.RetryIntervalSec,
	)
	if err != nil {
		return StepExecution{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return StepExecution{}, err
	}
	return s.GetStepExecutionByID(ctx, id)
}

func (s *Store) GetStepExecutionByID(ctx context.Context, id int64) (StepExecution, error) {
	row := s.db.QueryRowContext(ctx, stepExecutionSelect+` WHERE id = ?`, id)
	return scanStepExecution(row)
}

func (s *Store) ListStepExecutionsForPhase(ctx context.Context, phaseExecutionID int64) ([]StepExecution, error) {
	rows, err := s.db.QueryContext(ctx, stepExecutionSelect+` WHERE phase_execution_id = ? ORDER BY batch_member_id, step_index`, phaseExecutionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanStepExecutions(rows)
}

func (s *Store) ListStepExecutionsForMember(ctx context.Context, phaseExecutionID, batchMemberID int64) ([]StepExecution, error) {
	rows, err := s.db.QueryContext(ctx, stepExecutionSelect+` WHERE phase_execution_id = ? AND batch_member_id = ? ORDER BY step_index`,
		phaseExecutionID, batchMemberID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanStepExecutions(rows)
}

// ListDuePollSteps returns polling steps whose per-row poll interval has
// elapsed since their last poll (or that have never been polled), the
// independent polling sweep's source.
func (s *Store) ListDuePollSteps(ctx context.Context, asOf time.Time) ([]StepExecution, error) {
	rows, err := s.db.QueryContext(ctx, stepExecutionSelect+` WHERE status = ? AND is_poll_step = 1
		AND (last_polled_at IS NULL OR datetime(last_polled_at, '+' || poll_interval_sec || ' seconds') <= datetime(?))`,
		StepStatusPolling, asOf.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanStepExecutions(rows)
}

// ListDueRetrySteps returns retry-scheduled steps (pending with a
// retry_after) whose retry delay has elapsed.
func (s *Store) ListDueRetrySteps(ctx context.Context, asOf time.Time) ([]StepExecution, error) {
	rows, err := s.db.QueryContext(ctx, stepExecutionSelect+` WHERE status = ? AND retry_after IS NOT NULL AND retry_after <= ?`,
		StepStatusPending, asOf.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanStepExecutions(rows)
}

func (s *Store) CASStepStatus(ctx context.Context, id int64, from, to string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE step_executions SET status = ? WHERE id = ? AND status = ?`, to, id, from)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

func (s *Store) SetStepDispatched(ctx context.Context, id int64, jobID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE step_executions SET status = ?, job_id = ?, dispatched_at = ?, retry_after = NULL WHERE id = ? AND status = ?`,
		StepStatusDispatched, jobID, at.UTC().Format(time.RFC3339), id, StepStatusPending,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

func (s *Store) SetStepSucceeded(ctx context.Context, id int64, resultJSON string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE step_executions SET status = ?, result_json = ?, completed_at = ? WHERE id = ? AND status IN (?, ?)`,
		StepStatusSucceeded, resultJSON, at.UTC().Format(time.RFC3339), id, StepStatusDispatched, StepStatusPolling,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

func (s *Store) SetStepPolling(ctx context.Context, id int64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE step_executions SET status = ?, poll_started_at = ?, last_polled_at = ?, poll_count = poll_count + 1 WHERE id = ? AND status = ?`,
		StepStatusPolling, at.UTC().Format(time.RFC3339), at.UTC().Format(time.RFC3339), id, StepStatusDispatched,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

func (s *Store) RecordPollAttempt(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE step_executions SET last_polled_at = ?, poll_count = poll_count + 1 WHERE id = ? AND status = ?`,
		at.UTC().Format(time.RFC3339), id, StepStatusPolling,
	)
	return err
}

func (s *Store) SetStepPollTimeout(ctx context.Context, id int64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE step_executions SET status = ?, completed_at = ? WHERE id = ? AND status = ?`,
		StepStatusPollTimeout, at.UTC().Format(time.RFC3339), id, StepStatusPolling,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

func (s *Store) SetStepSkipped(ctx context.Context, id int64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE step_executions SET status = ?, completed_at = ? WHERE id = ? AND status != ?`,
		StepStatusSkipped, at.UTC().Format(time.RFC3339), id, StepStatusSkipped,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

// SetStepFailed terminally fails a step, recording the message. Failed is a
// terminal status: a step with retries remaining goes back to pending via
// SetStepRetryPending instead, so phase-completion checks never mistake a
// retry-scheduled step for a finished one.
func (s *Store) SetStepFailed(ctx context.Context, id int64, message string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE step_executions SET status = ?, error_message = ?, completed_at = ?,
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

// SetStepRetryPending moves a failed-but-retryable step back to pending with
// its retry_after recorded, incrementing retry_count. The retry-check event
// (and the scheduler's retry sweep as a backstop) dispatches it again once
// retry_after elapses.
func (s *Store) SetStepRetryPending(ctx context.Context, id int64, message string, retryAfter, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE step_executions SET status = ?, error_message = ?, retry_after = ?,
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

// SetStepCancelled moves a non-terminal step to cancelled, the outcome when
// its batch member is removed from the dynamic table mid-flight.
func (s *Store) SetStepCancelled(ctx context.Context, id int64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE step_executions SET status = ?, completed_at = ? WHERE id = ? AND status IN (?, ?, ?)`,
		StepStatusCancelled, at.UTC().Format(time.RFC3339), id, StepStatusPending, StepStatusDispatched, StepStatusPolling,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

// SetStepRolledBack marks a step as having completed its rollback sequence
// after an on_failure: rollback directive fired.
func (s *Store) SetStepRolledBack(ctx context.Context, id int64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE step_executions SET status = ?, completed_at = ? WHERE id = ? AND status = ?`,
		StepStatusRolledBack, at.UTC().Format(time.RFC3339), id, StepStatusFailed,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}
