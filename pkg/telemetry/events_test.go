package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/piwi3910/cascade/pkg/engine"
)

// newSyncPublisher returns an enabled publisher that delivers on the
// caller's goroutine, keeping assertions deterministic.
func newSyncPublisher(t *testing.T, subscriberBuffer int) *Publisher {
	t.Helper()
	publisher, err := NewPublisher(EventsConfig{
		Enabled:          true,
		BufferSize:       16,
		SubscriberBuffer: subscriberBuffer,
		EnableAsync:      false,
	})
	if err != nil {
		t.Fatalf("failed to create publisher: %v", err)
	}
	return publisher
}

// tryReceive does a non-blocking read from a subscription channel.
func tryReceive(ch <-chan engine.Event) (engine.Event, bool) {
	select {
	case event, ok := <-ch:
		return event, ok
	default:
		return engine.Event{}, false
	}
}

func TestPublisher_SubscribeReceivesMatchingEvents(t *testing.T) {
	publisher := newSyncPublisher(t, 8)
	defer publisher.Close()

	ctx := context.Background()
	_, ch, err := publisher.Subscribe(ctx, engine.EventFilter{RunID: "run-001"})
	if err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}

	events := []*engine.Event{
		{RunID: "run-001", StageID: "provision-db", Type: engine.EventTypeStageStarted},
		{RunID: "run-999", StageID: "provision-db", Type: engine.EventTypeStageStarted},
		{RunID: "run-001", StageID: "provision-db", Type: engine.EventTypeStageVerified},
	}
	for _, event := range events {
		if err := publisher.Publish(ctx, event); err != nil {
			t.Fatalf("failed to publish event: %v", err)
		}
	}

	first, ok := tryReceive(ch)
	if !ok {
		t.Fatal("expected a first event, channel was empty")
	}
	if first.Type != engine.EventTypeStageStarted {
		t.Errorf("expected first event type %s, got %s", engine.EventTypeStageStarted, first.Type)
	}

	second, ok := tryReceive(ch)
	if !ok {
		t.Fatal("expected a second event, channel was empty")
	}
	if second.Type != engine.EventTypeStageVerified {
		t.Errorf("expected second event type %s, got %s", engine.EventTypeStageVerified, second.Type)
	}

	if extra, ok := tryReceive(ch); ok {
		t.Errorf("expected run-999 event to be filtered out, got %s", extra.Type)
	}
}

func TestPublisher_MinSeverityFilter(t *testing.T) {
	publisher := newSyncPublisher(t, 8)
	defer publisher.Close()

	ctx := context.Background()
	_, ch, err := publisher.Subscribe(ctx, engine.EventFilter{MinSeverity: "warning"})
	if err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}

	_ = publisher.Publish(ctx, &engine.Event{Type: engine.EventTypeStageStarted})
	_ = publisher.Publish(ctx, &engine.Event{Type: engine.EventTypeDriftDetected})
	_ = publisher.Publish(ctx, &engine.Event{Type: engine.EventTypeStageFailed})

	first, ok := tryReceive(ch)
	if !ok {
		t.Fatal("expected drift event, channel was empty")
	}
	if first.Type != engine.EventTypeDriftDetected {
		t.Errorf("expected event type %s, got %s", engine.EventTypeDriftDetected, first.Type)
	}

	second, ok := tryReceive(ch)
	if !ok {
		t.Fatal("expected failure event, channel was empty")
	}
	if second.Type != engine.EventTypeStageFailed {
		t.Errorf("expected event type %s, got %s", engine.EventTypeStageFailed, second.Type)
	}

	if extra, ok := tryReceive(ch); ok {
		t.Errorf("expected info event to be filtered out, got %s", extra.Type)
	}
}

func TestPublisher_AsyncDelivery(t *testing.T) {
	publisher, err := NewPublisher(EventsConfig{
		Enabled:          true,
		BufferSize:       16,
		SubscriberBuffer: 8,
		EnableAsync:      true,
	})
	if err != nil {
		t.Fatalf("failed to create publisher: %v", err)
	}
	defer publisher.Close()

	ctx := context.Background()
	_, ch, err := publisher.Subscribe(ctx, engine.EventFilter{})
	if err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}

	if err := publisher.Publish(ctx, &engine.Event{
		RunID: "run-001",
		Type:  engine.EventTypeRunStarted,
	}); err != nil {
		t.Fatalf("failed to publish event: %v", err)
	}

	select {
	case event := <-ch:
		if event.Type != engine.EventTypeRunStarted {
			t.Errorf("expected event type %s, got %s", engine.EventTypeRunStarted, event.Type)
		}
		if event.Timestamp.IsZero() {
			t.Error("expected publish to stamp the event timestamp")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for async delivery")
	}
}

func TestPublisher_SlowSubscriberMissesEvents(t *testing.T) {
	publisher := newSyncPublisher(t, 1)
	defer publisher.Close()

	ctx := context.Background()
	_, ch, err := publisher.Subscribe(ctx, engine.EventFilter{})
	if err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}

	// Third publish overflows the single-slot subscriber channel without
	// blocking or erroring.
	for i := 0; i < 3; i++ {
		if err := publisher.Publish(ctx, &engine.Event{Type: engine.EventTypeInfo}); err != nil {
			t.Fatalf("failed to publish event %d: %v", i, err)
		}
	}

	if _, ok := tryReceive(ch); !ok {
		t.Fatal("expected the first event to be buffered")
	}
	if _, ok := tryReceive(ch); ok {
		t.Error("expected overflow events to be dropped for the slow subscriber")
	}
}

func TestPublisher_Unsubscribe(t *testing.T) {
	publisher := newSyncPublisher(t, 8)
	defer publisher.Close()

	ctx := context.Background()
	id, ch, err := publisher.Subscribe(ctx, engine.EventFilter{})
	if err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}

	if err := publisher.Unsubscribe(ctx, id); err != nil {
		t.Fatalf("failed to unsubscribe: %v", err)
	}

	if _, ok := <-ch; ok {
		t.Error("expected channel to be closed after unsubscribe")
	}

	// Published events no longer reach the removed subscription
	if err := publisher.Publish(ctx, &engine.Event{Type: engine.EventTypeInfo}); err != nil {
		t.Fatalf("failed to publish after unsubscribe: %v", err)
	}

	if err := publisher.Unsubscribe(ctx, "no-such-subscription"); err == nil {
		t.Error("expected error unsubscribing an unknown ID")
	}
}

func TestPublisher_Close(t *testing.T) {
	publisher := newSyncPublisher(t, 8)

	ctx := context.Background()
	_, ch, err := publisher.Subscribe(ctx, engine.EventFilter{})
	if err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}

	if err := publisher.Close(); err != nil {
		t.Fatalf("failed to close publisher: %v", err)
	}

	if _, ok := <-ch; ok {
		t.Error("expected subscriber channel to be closed")
	}

	if _, _, err := publisher.Subscribe(ctx, engine.EventFilter{}); err == nil {
		t.Error("expected error subscribing to a closed publisher")
	}

	// Close is idempotent
	if err := publisher.Close(); err != nil {
		t.Errorf("expected second close to succeed, got %v", err)
	}
}

func TestPublisher_Disabled(t *testing.T) {
	publisher, err := NewPublisher(EventsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("failed to create disabled publisher: %v", err)
	}
	defer publisher.Close()

	ctx := context.Background()
	_, ch, err := publisher.Subscribe(ctx, engine.EventFilter{})
	if err != nil {
		t.Fatalf("failed to subscribe: %v", err)
	}

	if err := publisher.Publish(ctx, &engine.Event{Type: engine.EventTypeInfo}); err != nil {
		t.Fatalf("expected disabled publish to be a silent no-op, got %v", err)
	}

	if _, ok := tryReceive(ch); ok {
		t.Error("expected no delivery from a disabled publisher")
	}
}
