package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// BatchMember status values.
const (
	MemberStatusActive  = "active"
	MemberStatusRemoved = "removed"
	MemberStatusFailed  = "failed"
)

var ErrBatchMemberNotFound = errors.New("store: batch member not found")

type BatchMember struct {
	ID                 int64
	BatchID            int64
	MemberKey          string
	Data               map[string]any
	Status             string
	AddedAt            time.Time
	RemovedAt          *time.Time
	FailedAt           *time.Time
	AddDispatchedAt    *time.Time
	RemoveDispatchedAt *time.Time
}

const batchMemberSelect = `SELECT id, batch_id, member_key, data_json, status, added_at, removed_at, failed_at, add_dispatched_at, remove_dispatched_at FROM batch_members`

func scanBatchMember(row rowScanner) (BatchMember, error) {
	var m BatchMember
	var dataJSON, removedAt, failedAt, addDispatched, removeDispatched sql.NullString
	var addedAt string
	err := row.Scan(&m.ID, &m.BatchID, &m.MemberKey, &dataJSON, &m.Status, &addedAt, &removedAt, &failedAt, &addDispatched, &removeDispatched)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return BatchMember{}, ErrBatchMemberNotFound
		}
		return BatchMember{}, err
	}
	m.AddedAt, _ = time.Parse(time.RFC3339, addedAt)
	m.Data = map[string]any{}
	if dataJSON.Valid && dataJSON.String != "" {
		_ = json.Unmarshal([]byte(dataJSON.String), &m.Data)
	}
	m.RemovedAt = parseNullableTime(removedAt)
	m.FailedAt = parseNullableTime(failedAt)
	m.AddDispatchedAt = parseNullableTime(addDispatched)
	m.RemoveDispatchedAt = parseNullableTime(removeDispatched)
	return m, nil
}

func parseNullableTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, v.String)
	if err != nil {
		return nil
	}
	return &t
}

func scanBatchMembers(rows *sql.Rows) ([]BatchMember, error) {
	var out []BatchMember
	for rows.Next() {
		m, err := scanBatchMember(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListActiveMembers returns every member with status = active for a batch,
// the population the orchestrator expands step executions against.
func (s *Store) ListActiveMembers(ctx context.Context, batchID int64) ([]BatchMember, error) {
	rows, err := s.db.QueryContext(ctx, batchMemberSelect+` WHERE batch_id = ? AND status = ? ORDER BY id`, batchID, MemberStatusActive)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanBatchMembers(rows)
}

func (s *Store) ListAllMembers(ctx context.Context, batchID int64) ([]BatchMember, error) {
	rows, err := s.db.QueryContext(ctx, batchMemberSelect+` WHERE batch_id = ? ORDER BY id`, batchID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanBatchMembers(rows)
}

func (s *Store) GetBatchMemberByID(ctx context.Context, id int64) (BatchMember, error) {
	row := s.db.QueryRowContext(ctx, batchMemberSelect+` WHERE id = ?`, id)
	return scanBatchMember(row)
}

// UpsertMember inserts a new active member or refreshes data_json for an
// existing active one. Removed/failed members are never refreshed by this
// call; the caller (scheduler member diff) only invokes it for rows
// present in the current query result.
func (s *Store) UpsertMember(ctx context.Context, batchID int64, memberKey string, data map[string]any) (member BatchMember, created bool, err error) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return BatchMember{}, false, err
	}
	now := time.Now().UTC().Format(time.RFC3339)

	res, err := s.db.ExecContext(ctx, `INSERT INTO batch_members (
		batch_id, member_key, data_json, status, added_at
	) VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(batch_id, member_key) DO UPDATE SET
		data_json = excluded.data_json
	WHERE batch_members.status = ?`,
		batchID, memberKey, string(dataJSON), MemberStatusActive, now, MemberStatusActive,
	)
	if err != nil {
		return BatchMember{}, false, err
	}
	affected, _ := res.RowsAffected()

	row := s.db.QueryRowContext(ctx, batchMemberSelect+` WHERE batch_id = ? AND member_key = ?`, batchID, memberKey)
	got, err := scanBatchMember(row)
	if err != nil {
		return BatchMember{}, false, err
	}
	// An INSERT produced this row iff added_at == now (best-effort; the
	// authoritative signal is whether rows affected came from the insert
	// branch, which SQLite reports as 1 either way). Callers needing exact
	// created-vs-updated should use ListAllMembers before and after.
	return got, affected == 1 && got.AddedAt.Format(time.RFC3339) == now, nil
}

// MarkMemberRemoved transitions an active member to removed when it is
// absent from the current data-source query result.
func (s *Store) MarkMemberRemoved(ctx context.Context, id int64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE batch_members SET status = ?, removed_at = ? WHERE id = ? AND status = ?`,
		MemberStatusRemoved, at.UTC().Format(time.RFC3339), id, MemberStatusActive,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}

func (s *Store) MarkMemberFailed(ctx context.Context, id int64, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE batch_members SET status = ?, failed_at = ? WHERE id = ? AND status = ?`,
		MemberStatusFailed, at.UTC().Format(time.RFC3339), id, MemberStatusActive,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	return affected > 0, err
}
