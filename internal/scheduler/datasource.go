package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/opus-domini/tenantmigrator/internal/runbookdef"
	"github.com/opus-domini/tenantmigrator/internal/store"
)

// syncDataSource queries rb's configured data source, normalizes
// multi-valued columns into JSON arrays, and mirrors the result into the
// runbook's dynamic table. It never touches batches or members itself —
// syncBatches reads the mirrored rows back out, so both stages agree on
// exactly the same, consistently string-typed view of the population.
func (s *Service) syncDataSource(ctx context.Context, rb store.Runbook, def runbookdef.RunbookDefinition, now time.Time) error {
	connection := resolveConnection(def.DataSource.Connection)
	connector, err := s.connectors.Resolve(def.DataSource.Type, connection, def.DataSource.Query)
	if err != nil {
		return err
	}
	records, err := connector.Query(ctx)
	if err != nil {
		return fmt.Errorf("query data source: %w", err)
	}

	formats := make(map[string]string, len(def.DataSource.MultiValuedColumns))
	for _, mv := range def.DataSource.MultiValuedColumns {
		formats[mv.Name] = mv.Format
	}

	columnSet := map[string]bool{}
	rows := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		key, ok := rec[def.DataSource.PrimaryKey]
		if !ok {
			s.log.Warn("data source row missing primary key column", "runbook", rb.Name, "primary_key", def.DataSource.PrimaryKey)
			continue
		}
		row := make(map[string]any, len(rec)+1)
		row["_member_key"] = fmt.Sprintf("%v", key)
		for col, v := range rec {
			if format, isMulti := formats[col]; isMulti {
				v = normalizeMultiValuedColumn(v, format)
			}
			row[col] = v
			columnSet[col] = true
		}
		rows = append(rows, row)
	}

	tableName := runbookdef.DynamicTableName(rb.Name, rb.Version)
	columns := make([]string, 0, len(columnSet))
	for col := range columnSet {
		columns = append(columns, col)
	}
	if err := s.store.CreateDynamicTableIfNotExists(ctx, tableName, columns); err != nil {
		return fmt.Errorf("create dynamic table: %w", err)
	}
	if err := s.store.UpsertDynamicTableRows(ctx, tableName, rows); err != nil {
		return fmt.Errorf("upsert dynamic table rows: %w", err)
	}
	return nil
}

// resolveConnection reads the data source's connection string from the
// environment when it looks like an env var reference (runbook YAML is
// operator-authored and version-controlled; credentials never belong in
// it directly). A bare value that isn't a known env var name is passed
// through unchanged, matching a literal DSN/URL in the YAML.
func resolveConnection(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return raw
	}
	if strings.HasPrefix(raw, "env:") {
		return os.Getenv(strings.TrimPrefix(raw, "env:"))
	}
	if v, ok := os.LookupEnv(raw); ok {
		return v
	}
	return raw
}

// normalizeMultiValuedColumn rewrites a raw query value in one of the three
// supported multi-valued formats into a canonical JSON array string, the
// representation template resolution and downstream workers both expect.
func normalizeMultiValuedColumn(v any, format string) any {
	var parts []string
	switch t := v.(type) {
	case nil:
		return "[]"
	case string:
		switch format {
		case runbookdef.FormatSemicolonDelimited:
			parts = splitNonEmpty(t, ";")
		case runbookdef.FormatCommaDelimited:
			parts = splitNonEmpty(t, ",")
		case runbookdef.FormatJSONArray:
			var arr []string
			if err := json.Unmarshal([]byte(t), &arr); err == nil {
				parts = arr
			} else {
				parts = splitNonEmpty(t, ",")
			}
		default:
			parts = splitNonEmpty(t, ",")
		}
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "[]"
		}
		return string(b)
	}
	encoded, err := json.Marshal(parts)
	if err != nil {
		return "[]"
	}
	return string(encoded)
}

func splitNonEmpty(raw, sep string) []string {
	fields := strings.Split(raw, sep)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
