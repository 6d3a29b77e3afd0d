package datasource

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// SQLConnector runs query against any database/sql driver registered in
// this process. connection is "<driver>://<dsn>"; the driver prefix picks
// between the drivers this module already depends on for its own store
// (sqlite) and Postgres-backed member sources (pgx's stdlib adapter).
type SQLConnector struct {
	connection string
	query      string
}

func NewSQLConnector(connection, query string) *SQLConnector {
	return &SQLConnector{connection: connection, query: query}
}

func (c *SQLConnector) Query(ctx context.Context) ([]Row, error) {
	driver, dsn, err := splitConnection(c.connection)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("datasource: open %s: %w", driver, err)
	}
	defer func() { _ = db.Close() }()

	rows, err := db.QueryContext(ctx, c.query)
	if err != nil {
		return nil, fmt.Errorf("datasource: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			row[c] = normalizeSQLValue(vals[i])
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func normalizeSQLValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func splitConnection(connection string) (driver, dsn string, err error) {
	parts := strings.SplitN(connection, "://", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("datasource: connection %q missing <driver>:// prefix", connection)
	}
	switch parts[0] {
	case "sqlite":
		return "sqlite", parts[1], nil
	case "postgres", "pgx":
		return "pgx", connection, nil
	default:
		return "", "", fmt.Errorf("datasource: unsupported sql driver %q", parts[0])
	}
}
