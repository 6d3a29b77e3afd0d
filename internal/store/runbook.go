package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Overdue behavior values, mirrored from runbookdef to avoid a store->
// runbookdef import for two string constants.
const (
	OverdueRerun  = "rerun"
	OverdueIgnore = "ignore"
)

var ErrRunbookNotFound = errors.New("store: runbook not found")

// Runbook is a single immutable (name, version) row plus its mutable
// is_active flag and last_error annotation.
type Runbook struct {
	ID              int64
	Name            string
	Version         int
	YAML            string
	DataTableName   string
	IsActive        bool
	OverdueBehavior string
	RerunInit       bool
	LastError       string
	CreatedAt       time.Time
}

// InsertRunbook inserts a new version of a runbook. version must already be
// the next monotonic value for name; callers compute it via NextRunbookVersion.
func (s *Store) InsertRunbook(ctx context.Context, name string, version int, yamlDoc, dataTableName, overdueBehavior string, rerunInit bool) (Runbook, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `INSERT INTO runbooks (
		name, version, yaml, data_table_name, is_active, overdue_behavior, rerun_init, last_error, created_at
	) VALUES (?, ?, ?, ?, 0, ?, ?, '', ?)`,
		name, version, yamlDoc, dataTableName, overdueBehavior, boolToInt(rerunInit), now.Format(time.RFC3339),
	)
	if err != nil {
		return Runbook{}, fmt.Errorf("insert runbook: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Runbook{}, err
	}
	return s.GetRunbookByID(ctx, id)
}

// NextRunbookVersion returns the next monotonic version number for name.
func (s *Store) NextRunbookVersion(ctx context.Context, name string) (int, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM runbooks WHERE name = ?`, name).Scan(&max)
	if err != nil {
		return 0, err
	}
	if !max.Valid {
		return 1, nil
	}
	return int(max.Int64) + 1, nil
}

// ActivateRunbook flips is_active for (name, version) on and deactivates
// every other version of the same name in one transaction, so "at most one
// active version per name" always holds.
func (s *Store) ActivateRunbook(ctx context.Context, name string, version int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `UPDATE runbooks SET is_active = 0 WHERE name = ?`, name); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE runbooks SET is_active = 1 WHERE name = ? AND version = ?`, name, version)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrRunbookNotFound
	}
	return tx.Commit()
}

// ListActiveRunbooks returns every runbook with is_active = 1, the
// scheduler's enumeration source for each tick.
func (s *Store) ListActiveRunbooks(ctx context.Context) ([]Runbook, error) {
	rows, err := s.db.QueryContext(ctx, runbookSelect+` WHERE is_active = 1 ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRunbooks(rows)
}

// GetActiveRunbookByName returns the currently active version, if any, for
// use in version-transition comparisons.
func (s *Store) GetActiveRunbookByName(ctx context.Context, name string) (Runbook, error) {
	row := s.db.QueryRowContext(ctx, runbookSelect+` WHERE name = ? AND is_active = 1`, name)
	return scanRunbook(row)
}

func (s *Store) GetRunbookByID(ctx context.Context, id int64) (Runbook, error) {
	row := s.db.QueryRowContext(ctx, runbookSelect+` WHERE id = ?`, id)
	return scanRunbook(row)
}

// GetRunbookByNameVersion fetches a specific immutable version, active or
// not — the orchestrator needs this to re-parse a batch's pinned runbook
// version rather than whatever version happens to be active now.
func (s *Store) GetRunbookByNameVersion(ctx context.Context, name string, version int) (Runbook, error) {
	row := s.db.QueryRowContext(ctx, runbookSelect+` WHERE name = ? AND version = ?`, name, version)
	return scanRunbook(row)
}

// SetRunbookError records (or clears, with an empty message) the runbook's
// last_error annotation. The scheduler calls this once per runbook per tick
// regardless of outcome, per the failure-isolation rule.
func (s *Store) SetRunbookError(ctx context.Context, id int64, message string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runbooks SET last_error = ? WHERE id = ?`, message, id)
	return err
}

// SetAutomationEnabled upserts the enable/disable bit governing whether the
// scheduler queries data sources for a runbook name. Existing batches
// continue regardless of this setting.
func (s *Store) SetAutomationEnabled(ctx context.Context, runbookName string, enabled bool) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `INSERT INTO automation_settings (runbook_name, enabled, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(runbook_name) DO UPDATE SET enabled = excluded.enabled, updated_at = excluded.updated_at`,
		runbookName, boolToInt(enabled), now,
	)
	return err
}

// AutomationEnabled reports whether automation is enabled for runbookName.
// Absence of a row means enabled (the default), matching "automation is
// enabled" being the common case for a freshly activated runbook.
func (s *Store) AutomationEnabled(ctx context.Context, runbookName string) (bool, error) {
	var enabled int
	err := s.db.QueryRowContext(ctx, `SELECT enabled FROM automation_settings WHERE runbook_name = ?`, runbookName).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return enabled != 0, nil
}

const runbookSelect = `SELECT id, name, version, yaml, data_table_name, is_active, overdue_behavior, rerun_init, last_error, created_at FROM runbooks`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRunbook(row rowScanner) (Runbook, error) {
	var r Runbook
	var isActive, rerunInit int
	var createdAt string
	err := row.Scan(&r.ID, &r.Name, &r.Version, &r.YAML, &r.DataTableName, &isActive, &r.OverdueBehavior, &rerunInit, &r.LastError, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Runbook{}, ErrRunbookNotFound
		}
		return Runbook{}, err
	}
	r.IsActive = isActive != 0
	r.RerunInit = rerunInit != 0
	r.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return r, nil
}

func scanRunbooks(rows *sql.Rows) ([]Runbook, error) {
	var out []Runbook
	for rows.Next() {
		r, err := scanRunbook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func sanitizeOverdueBehavior(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case OverdueIgnore:
		return OverdueIgnore
	default:
		return OverdueRerun
	}
}
