package storage

import (
	"testing"
	"time"
)

func TestOutboxLifecycle(t *testing.T) {
	store := newTestStorage(t)

	ev := &OutboxEvent{
		EventID: "evt-1",
		SwapID:  "swap-1",
		Subject: "bridge.swap.status",
		Payload: []byte(`{"swap_id":"swap-1"}`),
	}
	if err := store.EnqueueEvent(testCtx, ev); err != nil {
		t.Fatalf("EnqueueEvent() error = %v", err)
	}
	// Duplicate enqueue is ignored
	if err := store.EnqueueEvent(testCtx, ev); err != nil {
		t.Fatalf("EnqueueEvent() duplicate error = %v", err)
	}

	now := time.Now().Unix()
	pending, err := store.GetPendingEvents(testCtx, now, 10)
	if err != nil {
		t.Fatalf("GetPendingEvents() error = %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("GetPendingEvents() returned %d events, want 1", len(pending))
	}
	if string(pending[0].Payload) != `{"swap_id":"swap-1"}` {
		t.Errorf("Payload = %s", pending[0].Payload)
	}

	// Retry later hides it until due
	if err := store.ScheduleEventRetry(testCtx, "evt-1", now+60, "broker down"); err != nil {
		t.Fatalf("ScheduleEventRetry() error = %v", err)
	}
	pending, err = store.GetPendingEvents(testCtx, now, 10)
	if err != nil {
		t.Fatalf("GetPendingEvents() error = %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("GetPendingEvents() returned %d events before retry time, want 0", len(pending))
	}

	if err := store.MarkEventPublished(testCtx, "evt-1"); err != nil {
		t.Fatalf("MarkEventPublished() error = %v", err)
	}
	got, err := store.GetOutboxEvent(testCtx, "evt-1")
	if err != nil {
		t.Fatalf("GetOutboxEvent() error = %v", err)
	}
	if got.Status != OutboxStatusPublished {
		t.Errorf("Status = %s, want published", got.Status)
	}
	if got.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", got.RetryCount)
	}
	if got.PublishedAt == nil {
		t.Error("PublishedAt should be set")
	}

	stats, err := store.GetOutboxStats(testCtx)
	if err != nil {
		t.Fatalf("GetOutboxStats() error = %v", err)
	}
	if stats[OutboxStatusPublished] != 1 {
		t.Errorf("stats = %v, want 1 published", stats)
	}

	removed, err := store.CleanupOldEvents(testCtx, now+3600)
	if err != nil {
		t.Fatalf("CleanupOldEvents() error = %v", err)
	}
	if removed != 1 {
		t.Errorf("CleanupOldEvents() removed %d, want 1", removed)
	}
}

func TestOutboxFailed(t *testing.T) {
	store := newTestStorage(t)

	if err := store.EnqueueEvent(testCtx, &OutboxEvent{EventID: "evt-2", SwapID: "s", Subject: "x", Payload: []byte("{}")}); err != nil {
		t.Fatalf("EnqueueEvent() error = %v", err)
	}
	if err := store.MarkEventFailed(testCtx, "evt-2", "too many retries"); err != nil {
		t.Fatalf("MarkEventFailed() error = %v", err)
	}

	got, err := store.GetOutboxEvent(testCtx, "evt-2")
	if err != nil {
		t.Fatalf("GetOutboxEvent() error = %v", err)
	}
	if got.Status != OutboxStatusFailed || got.ErrorMessage != "too many retries" {
		t.Errorf("got %s/%q, want failed with message", got.Status, got.ErrorMessage)
	}

	pending, err := store.GetPendingEvents(testCtx, time.Now().Unix()+10, 10)
	if err != nil {
		t.Fatalf("GetPendingEvents() error = %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("failed events should not be pending, got %d", len(pending))
	}
}
