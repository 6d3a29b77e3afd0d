package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var ErrBusMessageNotFound = errors.New("store: bus message not found")

type BusMessage struct {
	ID            int64
	Topic         string
	MessageID     string
	PayloadJSON   string
	PropertiesJSON string
	ScheduledAt   time.Time
	Delivered     bool
	Attempts      int
	CreatedAt     time.Time
}

const busMessageSelect = `SELECT id, topic, message_id, payload_json, properties_json, scheduled_at, delivered, attempts, created_at FROM bus_messages`

func scanBusMessage(row rowScanner) (BusMessage, error) {
	var m BusMessage
	var scheduledAt, createdAt string
	var delivered int
	err := row.Scan(&m.ID, &m.Topic, &m.MessageID, &m.PayloadJSON, &m.PropertiesJSON, &scheduledAt, &delivered, &m.Attempts, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return BusMessage{}, ErrBusMessageNotFound
		}
		return BusMessage{}, err
	}
	m.Delivered = delivered != 0
	m.ScheduledAt, _ = time.Parse(time.RFC3339, scheduledAt)
	m.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return m, nil
}

// EnqueueBusMessage inserts a message for topic, deduplicated on
// (topic, messageID): a second enqueue of the same id is a silent no-op, the
// mechanism the bus uses to make retried sends idempotent.
func (s *Store) EnqueueBusMessage(ctx context.Context, topic, messageID, payloadJSON, propertiesJSON string, deliverAt time.Time) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `INSERT INTO bus_messages (
		topic, message_id, payload_json, properties_json, scheduled_at, delivered, attempts, created_at
	) VALUES (?, ?, ?, ?, ?, 0, 0, ?)
	ON CONFLICT(topic, message_id) DO NOTHING`,
		topic, messageID, payloadJSON, propertiesJSON, deliverAt.UTC().Format(time.RFC3339), now,
	)
	return err
}

// ClaimDueMessages returns up to limit undelivered messages for topic whose
// scheduled_at has elapsed, and marks them delivered in the same
// transaction. A handler that later fails re-enqueues under a new message
// id rather than relying on redelivery, since this store has a single
// writer and no visibility timeout.
func (s *Store) ClaimDueMessages(ctx context.Context, topic string, asOf time.Time, limit int) ([]BusMessage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, busMessageSelect+` WHERE topic = ? AND delivered = 0 AND scheduled_at <= ?
		ORDER BY scheduled_at LIMIT ?`, topic, asOf.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return nil, err
	}
	var out []BusMessage
	for rows.Next() {
		m, err := scanBusMessage(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for _, m := range out {
		if _, err := tx.ExecContext(ctx, `UPDATE bus_messages SET delivered = 1, attempts = attempts + 1 WHERE id = ?`, m.ID); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}
