package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Batch status values.
const (
	BatchStatusDetected      = "detected"
	BatchStatusInitDispatch  = "init_dispatched"
	BatchStatusActive        = "active"
	BatchStatusCompleted     = "completed"
	BatchStatusFailed        = "failed"
)

var ErrBatchNotFound = errors.New("store: batch not found")

func BatchTerminal(status string) bool {
	return status == BatchStatusCompleted || status == BatchStatusFailed
}

type Batch struct {
	ID               int64
	RunbookID        int64
	BatchStartTime   *time.Time
	Status           string
	IsManual         bool
	CreatedBy        string
	CurrentPhase     string
	DetectedAt       time.Time
	InitDispatchedAt *time.Time
}

const batchSelect = `SELECT id, runbook_id, batch_start_time, status, is_manual, created_by, current_phase, detected_at, init_dispatched_at FROM batches`

func scanBatch(row rowScanner) (Batch, error) {
	var b Batch
	var startTime, createdBy, currentPhase, initDispatched sql.NullString
	var isManual int
	var detectedAt string
	err := row.Scan(&b.ID, &b.RunbookID, &startTime, &b.Status, &isManual, &createdBy, &currentPhase, &detectedAt, &initDispatched)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Batch{}, ErrBatchNotFound
		}
		return Batch{}, err
	}
	b.IsManual = isManual != 0
	b.CreatedBy = createdBy.String
	b.CurrentPhase = currentPhase.String
	b.DetectedAt, _ = time.Parse(time.RFC3339, detectedAt)
	if startTime.Valid {
		t, _ := time.Parse(time.RFC3339, startTime.String)
		b.BatchStartTime = &t
	}
	if initDispatched.Valid && initDispatched.String != "" {
		t, _ := time.Parse(time.RFC3339, initDispatched.String)
		b.InitDispatchedAt = &t
	}
	return b, nil
}

func scanBatches(rows *sql.Rows) ([]Batch, error) {
	var out []Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// GetOrCreateBatchForGroup finds the non-terminal batch for (runbookID,
// batchStartTime) or creates a new one with status = detected. The second
// return value reports whether the batch already existed.
func (s *Store) GetOrCreateBatchForGroup(ctx context.Context, runbookID int64, batchStartTime *time.Time) (Batch, bool, error) {
	existing, err := s.findBatchForGroup(ctx, runbookID, batchStartTime)
	if err == nil {
		return existing, true, nil
	}
	if !errors.Is(err, ErrBatchNotFound) {
		return Batch{}, false, err
	}

	now := time.Now().UTC()
	var startArg any
	if batchStartTime != nil {
		startArg = batchStartTime.UTC().Format(time.RFC3339)
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO batches (
		runbook_id, batch_start_time, status, is_manual, detected_at
	) VALUES (?, ?, ?, 0, ?)`,
		runbookID, startArg, BatchStatusDetected, now.Format(time.RFC3339),
	)
	if err != nil {
		return Batch{}, false, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Batch{}, false, err
	}
	created, err := s.GetBatchByID(ctx, id)
	return created, false, err
}

func (s *Store) findBatchForGroup(ctx context.Context, runbookID int64, batchStartTime *time.Time) (Batch, error) {
	var query string
	var args []any
	if batchStartTime == nil {
		query = batchSelect + ` WHERE runbook_id = ? AND batch_start_time IS NULL AND status NOT IN (?, ?)`
		args = []any{runbookID, BatchStatusCompleted, BatchStatusFailed}
	} else {
		query = batchSelect + ` WHERE runbook_id = ? AND batch_start_time = ? AND status NOT IN (?, ?)`
		args = []any{runbookID, batchStartTime.UTC().Format(time.RFC3339), BatchStatusCompleted, BatchStatusFailed}
	}
	row := s.db.QueryRowContext(ctx, query+` ORDER BY id DESC LIMIT 1`, args...)
	return scanBatch(row)
}

// CreateManualBatch inserts an is_manual batch with no batch_start_time.
func (s *Store) CreateManualBatch(ctx context.Context, runbookID int64, createdBy string) (Batch, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `INSERT INTO batches (
		runbook_id, batch_start_time, status, is_manual, created_by, detected_at
	) VALUES (?, NULL, ?, 1, ?, ?)`,
		runbookID, BatchStatusDetected, createdBy, now,
	)
	if err != nil {
		return Batch{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Batch{}, err
	}
	return s.GetBatchByID(ctx, id)
}

func (s *Store) GetBatchByID(ctx context.Context, id int64) (Batch, error) {
	row := s.db.QueryRowContext(ctx, batchSelect+` WHERE id = ?`, id)
	return scanBatch(row)
}

// ListActiveBatchesForRunbook returns every non-terminal batch for a
// runbook id, the scheduler's per-tick phase-evaluation source.
func (s *Store) ListActiveBatchesForRunbook(ctx context.Context, runbookID int64) ([]Batch, error) {
	rows, err := s.db.QueryContext(ctx, batchSelect+` WHERE runbook_id = ? AND status NOT IN (?, ?) ORDER BY id`,
		runbookID, BatchStatusCompleted, BatchStatusFailed)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanBatches(rows)
}

// CASBatchStatus performs a compare-and-set status transition, returning
// whether the row actually changed (false means a concurrent or redundant
// transition already happened and the caller should no-op).
func (s *Store) CASBatchStatus(ctx context.Context, id int64, from, to string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE batches SET status = ? WHERE id = ? AND status = ?`, to, id, from)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *Store) SetBatchInitDispatched(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE batches SET init_dispatched_at = ? WHERE id = ?`, at.UTC().Format(time.RFC3339), id)
	return err
}

func (s *Store) SetBatchCurrentPhase(ctx context.Context, id int64, phaseName string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE batches SET current_phase = ? WHERE id = ?`, phaseName, id)
	return err
}

// SetBatchRunbookID repoints a batch at a different (name, version) row,
// used when the scheduler pins an in-flight batch to a newer runbook
// version during a version-transition.
func (s *Store) SetBatchRunbookID(ctx context.Context, id, runbookID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE batches SET runbook_id = ? WHERE id = ?`, runbookID, id)
	return err
}

// ListActiveBatchesForRunbookName returns every non-terminal batch across
// all versions of a runbook name, the version-transition sweep's source:
// unlike ListActiveBatchesForRunbook, it is not pinned to a single version
// row, since a batch's runbook_id may lag the name's current active
// version until the transition catches it up.
func (s *Store) ListActiveBatchesForRunbookName(ctx context.Context, name string) ([]Batch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT b.id, b.runbook_id, b.batch_start_time, b.status, b.is_manual, b.created_by, b.current_phase, b.detected_at, b.init_dispatched_at
		FROM batches b JOIN runbooks r ON b.runbook_id = r.id
		WHERE r.name = ? AND b.status NOT IN (?, ?) ORDER BY b.id`,
		name, BatchStatusCompleted, BatchStatusFailed)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanBatches(rows)
}
