// Package store is the transactional persistence layer for the migration
// engine: runbooks, automation settings, batches, members, and the init/
// phase/step execution records that the scheduler and orchestrator drive.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store wraps a single-writer SQLite connection. SQLite only supports one
// concurrent writer, so the pool is limited to one connection and every
// mutation is serialized at the Go level rather than relying on SQLITE_BUSY
// retries.
type Store struct {
	db     *sql.DB
	dbPath string
}

func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	s := &Store{db: db, dbPath: dbPath}

	if err := runMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	if err := s.initActivitySchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create activity schema: %w", err)
	}

	return s, nil
}

// DB exposes the underlying connection for packages (pgstore's sqlite
// sibling callers, tests) that need to run a query the narrow repo
// interfaces don't cover.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}
