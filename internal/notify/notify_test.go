package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/klingon-exchange/klingon-bridge/internal/storage"
	"github.com/klingon-exchange/klingon-bridge/internal/swap"
)

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	err  error
	msgs []published
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{subject, append([]byte(nil), data...)})
	return nil
}

func (p *fakePublisher) setErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

func (p *fakePublisher) sent() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.msgs...)
}

type fakeStats struct {
	ok, failed, pending int
}

func (s *fakeStats) NotifyResult(ok bool) {
	if ok {
		s.ok++
	} else {
		s.failed++
	}
}

func (s *fakeStats) SetOutboxPending(n int) { s.pending = n }

func newTestStorage(t *testing.T) *storage.Storage {
	t.Helper()
	store, err := storage.New(&storage.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func statusChange(id string, from, to swap.Status) swap.SwapStatusChanged {
	return swap.SwapStatusChanged{
		SwapID: id,
		Old:    from,
		New:    to,
		Reason: "source_lock_confirmed",
		At:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestMessageEncoding(t *testing.T) {
	ev := statusChange("s1", swap.StatusPending, swap.StatusSourceLocked)

	assert.Equal(t, "s1:source_locked", EventID(ev))
	assert.Equal(t, "bridge.swaps.source_locked", Subject("", ev))
	assert.Equal(t, "ops.bridge.source_locked", Subject("ops.bridge", ev))

	data, err := json.Marshal(NewMessage(ev))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"event_id": "s1:source_locked",
		"swap_id": "s1",
		"old": "pending",
		"new": "source_locked",
		"reason": "source_lock_confirmed",
		"at": "2026-03-01T12:00:00Z"
	}`, string(data))
}

func TestNATSSink(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewNATSSink(pub, "bridge.swaps")

	sink.OnStatusChanged(statusChange("s1", "", swap.StatusSourceLocked))
	pub.setErr(errors.New("nats: connection closed"))
	sink.OnStatusChanged(statusChange("s1", swap.StatusSourceLocked, swap.StatusDestinationSettled))

	sent := pub.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "bridge.swaps.source_locked", sent[0].subject)

	var msg Message
	require.NoError(t, json.Unmarshal(sent[0].data, &msg))
	assert.Equal(t, "s1", msg.SwapID)
	assert.Empty(t, msg.Old)
}

func TestLogSinkHandlesEveryStatus(t *testing.T) {
	sink := NewLogSink()
	for _, s := range swap.AllStatuses {
		sink.OnStatusChanged(statusChange("s1", swap.StatusPending, s))
	}
}

func TestOutboxSinkDeduplicates(t *testing.T) {
	store := newTestStorage(t)
	sink := NewOutboxSink(store, "")
	ctx := context.Background()

	ev := statusChange("s1", swap.StatusPending, swap.StatusSourceLocked)
	sink.OnStatusChanged(ev)
	sink.OnStatusChanged(ev)

	pending, err := store.GetPendingEvents(ctx, time.Now().Unix(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "s1:source_locked", pending[0].EventID)
	assert.Equal(t, "bridge.swaps.source_locked", pending[0].Subject)
}

func TestRelayPublishes(t *testing.T) {
	store := newTestStorage(t)
	pub := &fakePublisher{}
	stats := &fakeStats{}
	sink := NewOutboxSink(store, "bridge.swaps")
	relay := NewRelay(store, pub, stats, RelayConfig{})
	ctx := context.Background()

	sink.OnStatusChanged(statusChange("s1", swap.StatusPending, swap.StatusSourceLocked))
	sink.OnStatusChanged(statusChange("s1", swap.StatusSourceLocked, swap.StatusDestinationSettled))

	assert.Equal(t, 2, relay.Publish(ctx))
	assert.Len(t, pub.sent(), 2)
	assert.Equal(t, 2, stats.ok)
	assert.Zero(t, stats.pending)

	ev, err := store.GetOutboxEvent(ctx, "s1:source_locked")
	require.NoError(t, err)
	assert.Equal(t, storage.OutboxStatusPublished, ev.Status)

	assert.Zero(t, relay.Publish(ctx), "nothing left")
}

func TestRelayRetriesThenGivesUp(t *testing.T) {
	store := newTestStorage(t)
	pub := &fakePublisher{err: errors.New("no responders")}
	stats := &fakeStats{}
	relay := NewRelay(store, pub, stats, RelayConfig{MaxRetries: 3, RetryInitial: time.Minute, RetryMax: time.Hour})
	ctx := context.Background()

	NewOutboxSink(store, "").OnStatusChanged(statusChange("s1", swap.StatusPending, swap.StatusFailed))

	start := time.Now()
	assert.Zero(t, relay.Publish(ctx))
	assert.Equal(t, 1, stats.pending)

	// Not due again until the first retry delay has passed.
	assert.Zero(t, relay.Publish(ctx))
	assert.Equal(t, 1, stats.failed)

	relay.now = func() time.Time { return start.Add(2 * time.Minute) }
	relay.Publish(ctx)
	assert.Equal(t, 2, stats.failed)

	ev, err := store.GetOutboxEvent(ctx, "s1:failed")
	require.NoError(t, err)
	assert.Equal(t, storage.OutboxStatusPending, ev.Status)
	assert.Equal(t, 2, ev.RetryCount)
	assert.Equal(t, "no responders", ev.ErrorMessage)

	relay.now = func() time.Time { return start.Add(time.Hour) }
	relay.Publish(ctx)
	ev, err = store.GetOutboxEvent(ctx, "s1:failed")
	require.NoError(t, err)
	assert.Equal(t, storage.OutboxStatusFailed, ev.Status)
	assert.Zero(t, stats.pending)

	// A recovered broker does not resurrect failed events.
	pub.setErr(nil)
	relay.now = func() time.Time { return start.Add(24 * time.Hour) }
	assert.Zero(t, relay.Publish(ctx))
}

func TestRelayRetryDelay(t *testing.T) {
	relay := NewRelay(nil, nil, nil, RelayConfig{RetryInitial: time.Second, RetryMax: 5 * time.Second})

	assert.Equal(t, time.Second, relay.retryDelay(1))
	assert.Equal(t, 1500*time.Millisecond, relay.retryDelay(2))
	assert.Equal(t, 5*time.Second, relay.retryDelay(20))
}

func TestRelayCleanup(t *testing.T) {
	store := newTestStorage(t)
	relay := NewRelay(store, &fakePublisher{}, nil, RelayConfig{RetentionPeriod: time.Hour})
	ctx := context.Background()

	NewOutboxSink(store, "").OnStatusChanged(statusChange("s1", swap.StatusDestinationSettled, swap.StatusCompleted))
	require.Equal(t, 1, relay.Publish(ctx))

	relay.Cleanup(ctx)
	_, err := store.GetOutboxEvent(ctx, "s1:completed")
	require.NoError(t, err, "inside retention")

	relay.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	relay.Cleanup(ctx)
	_, err = store.GetOutboxEvent(ctx, "s1:completed")
	assert.Error(t, err)
}

func TestRelayStartStop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	store := newTestStorage(t)
	pub := &fakePublisher{}
	relay := NewRelay(store, pub, nil, RelayConfig{PollInterval: 10 * time.Millisecond})

	NewOutboxSink(store, "").OnStatusChanged(statusChange("s1", swap.StatusPending, swap.StatusSourceLocked))
	relay.Start()
	require.Eventually(t, func() bool { return len(pub.sent()) == 1 }, time.Second, 5*time.Millisecond)
	relay.Stop()
}
