package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// Policy rule mode values.
const (
	PolicyModeAllow = "allow"
	PolicyModeWarn  = "warn"
	PolicyModeDeny  = "deny"
)

var ErrPolicyRuleNotFound = errors.New("store: policy rule not found")

// PolicyRule gates dispatch of a worker_id:function_name pair. Pattern is a
// regular expression matched against that string; the highest-priority
// (lowest Priority value first, ties broken by rule id) enabled match wins.
type PolicyRule struct {
	ID        string
	Pattern   string
	Mode      string
	Message   string
	Priority  int
	Enabled   bool
	CreatedAt time.Time
}

type PolicyRuleWrite struct {
	ID       string
	Pattern  string
	Mode     string
	Message  string
	Priority int
	Enabled  bool
}

func (s *Store) ListPolicyRules(ctx context.Context) ([]PolicyRule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, pattern, mode, message, priority, enabled, created_at
		FROM policy_rules ORDER BY priority ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []PolicyRule
	for rows.Next() {
		var r PolicyRule
		var enabled int
		var createdAt string
		if err := rows.Scan(&r.ID, &r.Pattern, &r.Mode, &r.Message, &r.Priority, &enabled, &createdAt); err != nil {
			return nil, err
		}
		r.Enabled = enabled != 0
		r.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) UpsertPolicyRule(ctx context.Context, rule PolicyRuleWrite) error {
	id := strings.TrimSpace(rule.ID)
	if id == "" {
		return errors.New("store: policy rule id is required")
	}
	pattern := strings.TrimSpace(rule.Pattern)
	if pattern == "" {
		return errors.New("store: policy rule pattern is required")
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `INSERT INTO policy_rules (id, pattern, mode, message, priority, enabled, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET pattern = excluded.pattern, mode = excluded.mode,
			message = excluded.message, priority = excluded.priority, enabled = excluded.enabled`,
		id, pattern, normalizePolicyMode(rule.Mode), strings.TrimSpace(rule.Message), rule.Priority, boolToInt(rule.Enabled), now,
	)
	return err
}

func (s *Store) DeletePolicyRule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM policy_rules WHERE id = ?`, strings.TrimSpace(id))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func normalizePolicyMode(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case PolicyModeDeny:
		return PolicyModeDeny
	case PolicyModeWarn:
		return PolicyModeWarn
	default:
		return PolicyModeAllow
	}
}
