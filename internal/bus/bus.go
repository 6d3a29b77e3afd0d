// Package bus implements the three logical channels the scheduler and
// orchestrator communicate over: control events, worker jobs, and worker
// results. Delivery is at-least-once, messages dedupe by message id, and a
// publish may be deferred to a future scheduled time. The concrete
// implementation is a store-backed outbox with claim-then-mark-delivered
// consumption; an external broker can replace it behind the same Backend
// seam.
package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/opus-domini/tenantmigrator/internal/store"
)

// Logical channel/topic names.
const (
	TopicControl = "control"
	TopicJobs    = "jobs"
	TopicResults = "results"
)

// Control event kinds published on TopicControl.
const (
	EventBatchInit     = "batch-init"
	EventPhaseDue      = "phase-due"
	EventMemberAdded   = "member-added"
	EventMemberRemoved = "member-removed"
	EventPollCheck     = "poll-check"
	EventPollTimeout   = "poll-timeout"
	EventRetryCheck    = "retry-check"
)

// Backend is the durable persistence seam; internal/store satisfies it
// against the bus_messages table.
type Backend interface {
	EnqueueBusMessage(ctx context.Context, topic, messageID, payloadJSON, propertiesJSON string, deliverAt time.Time) error
	ClaimDueMessages(ctx context.Context, topic string, asOf time.Time, limit int) ([]store.BusMessage, error)
}

// Message is a decoded control/job/result envelope handed to subscribers.
type Message struct {
	ID         string
	Topic      string
	Properties map[string]string
	Attempts   int
}

// Bus wraps a Backend with typed Publish/Claim helpers. Concrete payloads
// are carried as JSON and decoded by the caller, since control, job, and
// result envelopes each have a distinct shape (independent of the
// channel they travel on).
type Bus struct {
	backend Backend
	log     *slog.Logger
}

func New(backend Backend, log *slog.Logger) *Bus {
	return &Bus{backend: backend, log: log.With("component", "bus")}
}

// Publish enqueues payload on topic under messageID, deduplicated against
// any earlier publish of the same id. deliverAt in the past means deliver
// as soon as a subscriber next claims the topic.
func (b *Bus) Publish(ctx context.Context, topic, messageID string, payload any, properties map[string]string, deliverAt time.Time) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	propsJSON, err := json.Marshal(properties)
	if err != nil {
		return err
	}
	return b.backend.EnqueueBusMessage(ctx, topic, messageID, string(payloadJSON), string(propsJSON), deliverAt)
}

// PublishNow is Publish with immediate delivery, the common case for
// control events fired from within the current tick.
func (b *Bus) PublishNow(ctx context.Context, topic, messageID string, payload any, properties map[string]string) error {
	return b.Publish(ctx, topic, messageID, payload, properties, time.Now().UTC())
}

// Claim pulls up to limit due messages from topic and decodes payload into
// each via dst, a constructor returning a fresh pointer per message.
func (b *Bus) Claim(ctx context.Context, topic string, limit int, dst func() any) ([]Message, []any, error) {
	raw, err := b.backend.ClaimDueMessages(ctx, topic, time.Now().UTC(), limit)
	if err != nil {
		return nil, nil, err
	}
	msgs := make([]Message, 0, len(raw))
	payloads := make([]any, 0, len(raw))
	for _, m := range raw {
		var props map[string]string
		if err := json.Unmarshal([]byte(m.PropertiesJSON), &props); err != nil {
			b.log.Warn("bus message properties decode failed", "message_id", m.MessageID, "error", err)
			props = map[string]string{}
		}
		payload := dst()
		if err := json.Unmarshal([]byte(m.PayloadJSON), payload); err != nil {
			b.log.Warn("bus message payload decode failed", "message_id", m.MessageID, "error", err)
			continue
		}
		msgs = append(msgs, Message{ID: m.MessageID, Topic: topic, Properties: props, Attempts: m.Attempts})
		payloads = append(payloads, payload)
	}
	return msgs, payloads, nil
}
