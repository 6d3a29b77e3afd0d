package events

import (
	"testing"
	"time"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	ch, unsubscribe := hub.Subscribe(4)
	t.Cleanup(unsubscribe)

	hub.Publish(NewEvent(TypeSchedulerTick, map[string]any{"runbookCount": 1}))
	hub.Publish(NewEvent(TypeTelemetryTick, map[string]any{"active_batches": 2}))

	first := <-ch
	second := <-ch

	if first.Type != TypeSchedulerTick {
		t.Fatalf("first.Type = %q, want %q", first.Type, TypeSchedulerTick)
	}
	if second.Type != TypeTelemetryTick {
		t.Fatalf("second.Type = %q, want %q", second.Type, TypeTelemetryTick)
	}
}

func TestPublishedEventCarriesTimestamp(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	ch, unsubscribe := hub.Subscribe(2)
	t.Cleanup(unsubscribe)

	hub.Publish(NewEvent(TypeReady, nil))

	select {
	case evt := <-ch:
		if evt.Timestamp == "" {
			t.Fatalf("event timestamp should be set")
		}
		if _, err := time.Parse(time.RFC3339, evt.Timestamp); err != nil {
			t.Fatalf("timestamp parse error: %v", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("did not receive published event")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	ch, unsubscribe := hub.Subscribe(1)
	unsubscribe()

	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
}

func TestPublishSkipsSlowSubscriber(t *testing.T) {
	t.Parallel()

	hub := NewHub()
	ch, unsubscribe := hub.Subscribe(1)
	t.Cleanup(unsubscribe)

	hub.Publish(NewEvent(TypeReady, nil))
	hub.Publish(NewEvent(TypeReady, nil))

	<-ch
	select {
	case <-ch:
		t.Fatal("expected second event to have been dropped, buffer was full")
	default:
	}
}
