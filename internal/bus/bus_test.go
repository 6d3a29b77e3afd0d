package bus

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/opus-domini/tenantmigrator/internal/store"
)

func testBus(t *testing.T) (*Bus, *store.Store) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return New(st, slog.New(slog.NewTextHandler(io.Discard, nil))), st
}

type testPayload struct {
	Value string `json:"value"`
}

func claimPayloads(t *testing.T, b *Bus, topic string, limit int) ([]Message, []*testPayload) {
	t.Helper()
	msgs, raw, err := b.Claim(context.Background(), topic, limit, func() any { return new(testPayload) })
	if err != nil {
		t.Fatal(err)
	}
	out := make([]*testPayload, 0, len(raw))
	for _, p := range raw {
		out = append(out, p.(*testPayload))
	}
	return msgs, out
}

func TestPublishAndClaim(t *testing.T) {
	t.Parallel()
	b, _ := testBus(t)
	ctx := context.Background()

	if err := b.PublishNow(ctx, TopicControl, "m1", testPayload{Value: "hello"}, map[string]string{"kind": EventPhaseDue}); err != nil {
		t.Fatal(err)
	}

	msgs, payloads := claimPayloads(t, b, TopicControl, 10)
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Properties["kind"] != EventPhaseDue {
		t.Fatalf("expected kind property, got %v", msgs[0].Properties)
	}
	if payloads[0].Value != "hello" {
		t.Fatalf("expected decoded payload, got %+v", payloads[0])
	}
}

// TestClaimIsConsuming: a claimed message is marked delivered and never
// handed out again — the at-least-once contract rests on publishers using
// fresh message ids for logically new work, not on redelivery.
func TestClaimIsConsuming(t *testing.T) {
	t.Parallel()
	b, _ := testBus(t)
	ctx := context.Background()

	if err := b.PublishNow(ctx, TopicJobs, "job-1", testPayload{Value: "x"}, nil); err != nil {
		t.Fatal(err)
	}
	if msgs, _ := claimPayloads(t, b, TopicJobs, 10); len(msgs) != 1 {
		t.Fatalf("expected 1 message on first claim, got %d", len(msgs))
	}
	if msgs, _ := claimPayloads(t, b, TopicJobs, 10); len(msgs) != 0 {
		t.Fatalf("expected no messages on second claim, got %d", len(msgs))
	}
}

// TestDuplicateMessageIDIsDeduplicated: publishing the same id twice — a
// retried send — must land exactly one message.
func TestDuplicateMessageIDIsDeduplicated(t *testing.T) {
	t.Parallel()
	b, _ := testBus(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.PublishNow(ctx, TopicResults, "step-9-retry-0-result", testPayload{Value: "once"}, nil); err != nil {
			t.Fatal(err)
		}
	}
	msgs, _ := claimPayloads(t, b, TopicResults, 10)
	if len(msgs) != 1 {
		t.Fatalf("expected dedup to a single message, got %d", len(msgs))
	}
}

// TestDeferredDeliveryNotClaimableEarly: a message scheduled in the future
// stays invisible until its time arrives.
func TestDeferredDeliveryNotClaimableEarly(t *testing.T) {
	t.Parallel()
	b, _ := testBus(t)
	ctx := context.Background()

	deliverAt := time.Now().UTC().Add(1 * time.Hour)
	if err := b.Publish(ctx, TopicControl, "retry-check-step-1-at-0", testPayload{Value: "later"}, nil, deliverAt); err != nil {
		t.Fatal(err)
	}
	if msgs, _ := claimPayloads(t, b, TopicControl, 10); len(msgs) != 0 {
		t.Fatalf("expected deferred message to stay unclaimed, got %d", len(msgs))
	}
}

// TestTopicsAreIsolated: a claim on one topic never drains another.
func TestTopicsAreIsolated(t *testing.T) {
	t.Parallel()
	b, _ := testBus(t)
	ctx := context.Background()

	if err := b.PublishNow(ctx, TopicControl, "c1", testPayload{Value: "control"}, nil); err != nil {
		t.Fatal(err)
	}
	if err := b.PublishNow(ctx, TopicJobs, "j1", testPayload{Value: "job"}, nil); err != nil {
		t.Fatal(err)
	}
	if msgs, _ := claimPayloads(t, b, TopicJobs, 10); len(msgs) != 1 {
		t.Fatalf("expected only the jobs message, got %d", len(msgs))
	}
	if msgs, _ := claimPayloads(t, b, TopicControl, 10); len(msgs) != 1 {
		t.Fatalf("expected the control message untouched, got %d", len(msgs))
	}
}

func TestClaimRespectsLimit(t *testing.T) {
	t.Parallel()
	b, _ := testBus(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := b.PublishNow(ctx, TopicJobs, id, testPayload{Value: id}, nil); err != nil {
			t.Fatal(err)
		}
	}
	msgs, _ := claimPayloads(t, b, TopicJobs, 2)
	if len(msgs) != 2 {
		t.Fatalf("expected limit of 2, got %d", len(msgs))
	}
	msgs, _ = claimPayloads(t, b, TopicJobs, 2)
	if len(msgs) != 1 {
		t.Fatalf("expected the remaining message, got %d", len(msgs))
	}
}
