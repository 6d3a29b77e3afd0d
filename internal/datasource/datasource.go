// Package datasource implements the pluggable data-source connectors the
// scheduler queries once per tick per automated runbook: an HTTP connector
// for JSON-returning endpoints and a SQL connector for database/sql-
// compatible sources. Both satisfy the same Connector interface so the
// scheduler never needs to know which kind backs a given runbook.
package datasource

import (
	"context"
	"fmt"
)

// Row is one record from a data-source query, keyed by column name. The
// caller (scheduler) extracts the primary key and multi-valued columns per
// the runbook's data_source definition.
type Row map[string]any

// Connector is the interface the scheduler drives; concrete connectors are
// chosen by the runbook's data_source.type field.
type Connector interface {
	Query(ctx context.Context) ([]Row, error)
}

// Registry resolves a data source type + connection string into a
// Connector, giving the scheduler a single lookup point instead of a type
// switch scattered through its tick loop.
type Registry struct {
	httpFactory func(connection, query string) Connector
	sqlFactory  func(connection, query string) Connector
}

func NewRegistry(httpFactory, sqlFactory func(connection, query string) Connector) *Registry {
	return &Registry{httpFactory: httpFactory, sqlFactory: sqlFactory}
}

func DefaultRegistry() *Registry {
	return &Registry{
		httpFactory: func(connection, query string) Connector { return NewHTTPConnector(connection, query) },
		sqlFactory:  func(connection, query string) Connector { return NewSQLConnector(connection, query) },
	}
}

const (
	TypeHTTP = "http"
	TypeSQL  = "sql"
)

func (r *Registry) Resolve(sourceType, connection, query string) (Connector, error) {
	switch sourceType {
	case TypeHTTP:
		return r.httpFactory(connection, query), nil
	case TypeSQL:
		return r.sqlFactory(connection, query), nil
	default:
		return nil, fmt.Errorf("datasource: unsupported type %q", sourceType)
	}
}
