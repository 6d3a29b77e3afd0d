// Package pgstore backs the engine's distributed coordination seams — the
// scheduler lease and the message bus outbox — with Postgres, for
// deployments running more than one engine instance against shared state.
// The SQLite store serializes everything through a single writer, which is
// exactly what a single process wants and exactly what multiple processes
// cannot share; these two tables are the ones that need real row locking
// when instances contend, so they are the ones that move.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opus-domini/tenantmigrator/internal/store"
)

// Store implements lease.Backend and bus.Backend over a pgx connection
// pool. It does not replace the relational store for runbook/batch/execution
// rows; it carries only the tables multiple instances contend on.
type Store struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

func New(ctx context.Context, dsn string, log *slog.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect: %w", err)
	}
	s := &Store{pool: pool, log: log.With("component", "pgstore")}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ensure schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	for _, ddl := range []string{
		`CREATE TABLE IF NOT EXISTS scheduler_lease (
			name TEXT PRIMARY KEY,
			holder TEXT NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS bus_messages (
			id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			topic TEXT NOT NULL,
			message_id TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			properties_json TEXT NOT NULL DEFAULT '{}',
			scheduled_at TIMESTAMPTZ NOT NULL,
			delivered BOOLEAN NOT NULL DEFAULT FALSE,
			attempts INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (topic, message_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bus_messages_due
			ON bus_messages (topic, scheduled_at) WHERE NOT delivered`,
	} {
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return err
		}
	}
	return nil
}

// AcquireOrRenewLease claims or extends a named lease for holder. The
// upsert's WHERE clause is the compare-and-set: an unexpired lease held by
// anyone else leaves zero rows affected and the claim fails.
func (s *Store) AcquireOrRenewLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `INSERT INTO scheduler_lease (name, holder, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
		WHERE scheduler_lease.holder = EXCLUDED.holder OR scheduler_lease.expires_at <= $4`,
		name, holder, now.Add(ttl), now,
	)
	if err != nil {
		return false, fmt.Errorf("pgstore: acquire lease: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseLease drops a lease if and only if holder currently owns it.
func (s *Store) ReleaseLease(ctx context.Context, name, holder string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM scheduler_lease WHERE name = $1 AND holder = $2`, name, holder)
	if err != nil {
		return fmt.Errorf("pgstore: release lease: %w", err)
	}
	return nil
}

// EnqueueBusMessage inserts a message deduplicated on (topic, message_id). A
// unique-violation race between two instances publishing the same id lands
// one row either way, so 23505 is swallowed the same way ON CONFLICT is.
func (s *Store) EnqueueBusMessage(ctx context.Context, topic, messageID, payloadJSON, propertiesJSON string, deliverAt time.Time) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO bus_messages (topic, message_id, payload_json, properties_json, scheduled_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (topic, message_id) DO NOTHING`,
		topic, messageID, payloadJSON, propertiesJSON, deliverAt.UTC(),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil
		}
		return fmt.Errorf("pgstore: enqueue bus message: %w", err)
	}
	return nil
}

// ClaimDueMessages pulls up to limit undelivered due messages for topic and
// marks them delivered in one transaction. FOR UPDATE SKIP LOCKED keeps two
// consuming instances from claiming the same rows without either blocking
// on the other.
func (s *Store) ClaimDueMessages(ctx context.Context, topic string, asOf time.Time, limit int) ([]store.BusMessage, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("pgstore: begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `SELECT id, topic, message_id, payload_json, properties_json, scheduled_at, delivered, attempts, created_at
		FROM bus_messages
		WHERE topic = $1 AND NOT delivered AND scheduled_at <= $2
		ORDER BY scheduled_at
		LIMIT $3
		FOR UPDATE SKIP LOCKED`,
		topic, asOf.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("pgstore: claim bus messages: %w", err)
	}

	var out []store.BusMessage
	for rows.Next() {
		var m store.BusMessage
		if err := rows.Scan(&m.ID, &m.Topic, &m.MessageID, &m.PayloadJSON, &m.PropertiesJSON, &m.ScheduledAt, &m.Delivered, &m.Attempts, &m.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("pgstore: scan bus message: %w", err)
		}
		out = append(out, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: iterate bus messages: %w", err)
	}

	for _, m := range out {
		if _, err := tx.Exec(ctx, `UPDATE bus_messages SET delivered = TRUE, attempts = attempts + 1 WHERE id = $1`, m.ID); err != nil {
			return nil, fmt.Errorf("pgstore: mark delivered: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("pgstore: commit claim tx: %w", err)
	}
	return out, nil
}
