package store

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

var dynamicIdentifierRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// quoteIdentifier rejects anything that isn't a plain identifier rather than
// escaping it, since dynamic table/column names come from runbook YAML
// authored by operators, not untrusted request input, but still must never
// be interpolated unescaped into SQL.
func quoteIdentifier(name string) (string, error) {
	if !dynamicIdentifierRE.MatchString(name) {
		return "", fmt.Errorf("store: invalid identifier %q", name)
	}
	return `"` + name + `"`, nil
}

// CreateDynamicTableIfNotExists creates the external mirror table for a
// runbook version with one TEXT column per data-source query column, plus
// the bookkeeping columns _member_key and _is_current used to track which
// rows were refreshed by the most recent tick.
func (s *Store) CreateDynamicTableIfNotExists(ctx context.Context, tableName string, columns []string) error {
	qTable, err := quoteIdentifier(tableName)
	if err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, `CREATE TABLE IF NOT EXISTS %s (`, qTable)
	b.WriteString(`_member_key TEXT PRIMARY KEY, _is_current INTEGER NOT NULL DEFAULT 1, _synced_at TEXT NOT NULL`)
	seen := map[string]bool{}
	for _, col := range columns {
		if col == "" || seen[col] {
			continue
		}
		seen[col] = true
		qCol, err := quoteIdentifier(col)
		if err != nil {
			return err
		}
		fmt.Fprintf(&b, `, %s TEXT`, qCol)
	}
	b.WriteString(`)`)
	_, err = s.db.ExecContext(ctx, b.String())
	return err
}

// UpsertDynamicTableRows mirrors one data-source query result into the
// dynamic table: every row present is upserted and marked current, then
// every row not touched this call is marked stale (_is_current = 0) rather
// than deleted, preserving history for diagnostics.
func (s *Store) UpsertDynamicTableRows(ctx context.Context, tableName string, rows []map[string]any) error {
	qTable, err := quoteIdentifier(tableName)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET _is_current = 0`, qTable)); err != nil {
		return err
	}

	for _, row := range rows {
		memberKey, ok := row["_member_key"].(string)
		if !ok || memberKey == "" {
			return fmt.Errorf("store: dynamic table row missing _member_key")
		}
		cols := []string{"_member_key", "_is_current", "_synced_at"}
		placeholders := []string{"?", "1", "?"}
		args := []any{memberKey, now}
		for k, v := range row {
			if k == "_member_key" {
				continue
			}
			qCol, err := quoteIdentifier(k)
			if err != nil {
				return err
			}
			cols = append(cols, qCol)
			placeholders = append(placeholders, "?")
			args = append(args, stringifyDynamicValue(v))
		}

		var setClauses []string
		for _, c := range cols {
			if c == "_member_key" {
				continue
			}
			setClauses = append(setClauses, fmt.Sprintf("%s = excluded.%s", c, c))
		}

		stmt := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(_member_key) DO UPDATE SET %s`,
			qTable, strings.Join(cols, ", "), strings.Join(placeholders, ", "), strings.Join(setClauses, ", "))
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func stringifyDynamicValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
}

// ListDynamicTableCurrentRows returns every row currently marked as present
// in the latest sync, the scheduler's per-tick member population source.
func (s *Store) ListDynamicTableCurrentRows(ctx context.Context, tableName string) ([]map[string]string, error) {
	qTable, err := quoteIdentifier(tableName)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT * FROM %s WHERE _is_current = 1`, qTable))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []map[string]string
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		record := make(map[string]string, len(cols))
		for i, c := range cols {
			switch v := vals[i].(type) {
			case nil:
				record[c] = ""
			case string:
				record[c] = v
			case []byte:
				record[c] = string(v)
			default:
				record[c] = fmt.Sprintf("%v", v)
			}
		}
		out = append(out, record)
	}
	return out, rows.Err()
}
