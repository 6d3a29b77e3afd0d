package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PhaseExecution status values.
const (
	PhaseStatusPending    = "pending"
	PhaseStatusDispatched = "dispatched"
	PhaseStatusCompleted  = "completed"
	PhaseStatusFailed     = "failed"
	PhaseStatusSkipped    = "skipped"
	PhaseStatusSuperseded = "superseded"
)

var ErrPhaseExecutionNotFound = errors.New("store: phase execution not found")

func PhaseTerminal(status string) bool {
	switch status {
	case PhaseStatusCompleted, PhaseStatusFailed, PhaseStatusSkipped, PhaseStatusSuperseded:
		return true
	default:
		return false
	}
}

type PhaseExecution struct {
	ID             int64
	BatchID        int64
	PhaseName      string
	OffsetMinutes  int
	DueAt          *time.Time
	RunbookVersion int
	Status         string
	DispatchedAt   *time.Time
	CompletedAt    *time.Time
}

const phaseExecutionSelect = `SELECT id, batch_id, phase_name, offset_minutes, due_at, runbook_version, status, dispatched_at, completed_at FROM phase_executions`

func scanPhaseExecution(row rowScanner) (PhaseExecution, error) {
	var p PhaseExecution
	var dueAt, dispatchedAt, completedAt sql.NullString
	err := row.Scan(&p.ID, &p.BatchID, &p.PhaseName, &p.OffsetMinutes, &dueAt, &p.RunbookVersion, &p.Status, &dispatchedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PhaseExecution{}, ErrPhaseExecutionNotFound
		}
		return PhaseExecution{}, err
	}
	p.DueAt = parseNullableTime(dueAt)
	p.DispatchedAt = parseNullableTime(dispatchedAt)
	p.CompletedAt = parseNullableTime(completedAt)
	return p, nil
}

func scanPhaseExecutions(rows *sql.Rows) ([]PhaseExecution, error) {
	var out []PhaseExecution
	for rows.Next() {
		p, err := scanPhaseExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CreatePhaseExecution inserts a pending phase execution for a batch at a
// given runbook version. dueAt may be nil when the batch has no
// batch_start_time yet to anchor the offset against.
func (s *Store) CreatePhaseExecution(ctx context.Context, batchID int64, phaseName string, offsetMinutes int, dueAt *time.Time, runbookVersion int) (PhaseExecution, error) {
	var dueArg any
	if dueAt != nil {
		dueArg = dueAt.UTC().Format(time.RFC3339)
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO phase_executions (
		batch_id, phase_name, offset_minutes, due_at, runbook_version, status
	) VALUES (?, ?, ?, ?, ?, ?)`,
		batchID, phaseName, offsetMinutes, dueArg, runbookVersion, PhaseStatusPending,
	)
	if err != nil {
		return PhaseExecution{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return PhaseExecution{}, err
	}
	return s.GetPhaseExecutionByID(ctx, id)
}

func (s *Store) GetPhaseExecutionByID(ctx context.Context, id int64) (PhaseExecution, error) {
	row := s.db.QueryRowContext(ctx, phaseExecutionSelect+` WHERE id = ?`, id)
	return scanPhaseExecution(row)
}

// ListPhaseExecutionsForBatch returns every phase execution for a batch
// across all runbook versions, ordered by id so callers can reconstruct
// supersession history.
func (s *Store) ListPhaseExecutionsForBatch(ctx context.Context, batchID int64) ([]PhaseExecution, error) {
	rows, err := s.db.QueryContext(ctx, phaseExecutionSelect+` WHERE batch_id = ? ORDER BY id`, batchID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanPhaseExecutions(rows)
}

// ListDuePhaseExecutions returns pending phase executions whose due_at has
// elapsed, the scheduler's per-tick phase-evaluation source.
func (s *Store) ListDuePhaseExecutions(ctx context.Context, asOf time.Time) ([]PhaseExecution, error) {
	rows, err := s.db.QueryContext(ctx, phaseExecutionSelect+` WHERE status = ? AND due_at IS NOT NULL AND due_at <= ? ORDER BY due_at`,
		PhaseStatusPending, asOf.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanPhaseExecutions(rows)
}

// GetPhaseExecutionByName finds the current (non-superseded) execution of a
// named phase for a batch, used to resolve rollback targets and prior-phase
// completion checks.
func (s *Store) GetPhaseExecutionByName(ctx context.Context, batchID int64, phaseName string) (PhaseExecution, error) {
	row := s.db.QueryRowContext(ctx, phaseExecutionSelect+` WHERE batch_id = ? AND phase_name = ? AND status != ? ORDER BY id DESC LIMIT 1`,
		batchID, phaseName, PhaseStatusSuperseded,
	)
	return scanPhaseExecution(row)
}

// CASPhaseStatus performs a compare-and-set transition.
func (s *Store) CASPhaseStatus(ctx context.Context, id int64, from, to string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE phase_executions SET status = ? WHERE id = ? AND status = ?`, to, id, from)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

func (s *Store) SetPhaseExecutionDispatched(ctx context.Context, id int64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE phase_executions SET status = ?, dispatched_at = ? WHERE id = ? AND status = ?`,
		PhaseStatusDispatched, at.UTC().Format(time.RFC3339), id, PhaseStatusPending,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

func (s *Store) SetPhaseExecutionCompleted(ctx context.Context, id int64, status string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE phase_executions SET status = ?, completed_at = ? WHERE id = ? AND status = ?`,
		status, at.UTC().Format(time.RFC3339), id, PhaseStatusDispatched,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

// SupersedePendingPhases marks every pending or dispatched phase execution
// for a batch at an older runbook version as superseded, part of the
// version-transition handling the scheduler performs when an active
// runbook's version changes out from under an in-flight batch. A completed,
// failed, or skipped phase is left alone: it already reached its outcome
// under the version that defined it.
func (s *Store) SupersedePendingPhases(ctx context.Context, batchID int64, olderThanVersion int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE phase_executions SET status = ? WHERE batch_id = ? AND runbook_version < ? AND status IN (?, ?)`,
		PhaseStatusSuperseded, batchID, olderThanVersion, PhaseStatusPending, PhaseStatusDispatched,
	)
	return err
}
