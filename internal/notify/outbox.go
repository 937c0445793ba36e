package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/klingon-exchange/klingon-bridge/internal/storage"
	"github.com/klingon-exchange/klingon-bridge/internal/swap"
	"github.com/klingon-exchange/klingon-bridge/pkg/logging"
)

// Outbox is the persistent queue behind OutboxSink and Relay.
// *storage.Storage implements it.
type Outbox interface {
	EnqueueEvent(ctx context.Context, ev *storage.OutboxEvent) error
	GetPendingEvents(ctx context.Context, now int64, limit int) ([]*storage.OutboxEvent, error)
	MarkEventPublished(ctx context.Context, eventID string) error
	MarkEventFailed(ctx context.Context, eventID string, errorMsg string) error
	ScheduleEventRetry(ctx context.Context, eventID string, nextRetryAt int64, errorMsg string) error
	CleanupOldEvents(ctx context.Context, olderThan int64) (int64, error)
	GetOutboxStats(ctx context.Context) (map[storage.OutboxStatus]int, error)
}

// Compile-time interface check.
var _ Outbox = (*storage.Storage)(nil)

// OutboxSink persists status changes for the Relay.
type OutboxSink struct {
	outbox  Outbox
	subject string
	timeout time.Duration
	log     *logging.Logger
}

// NewOutboxSink creates a sink that enqueues under subject.
func NewOutboxSink(outbox Outbox, subject string) *OutboxSink {
	return &OutboxSink{
		outbox:  outbox,
		subject: subject,
		timeout: 5 * time.Second,
		log:     logging.GetDefault().Component("notify"),
	}
}

// OnStatusChanged implements swap.EventSink.
func (s *OutboxSink) OnStatusChanged(ev swap.SwapStatusChanged) {
	msg := NewMessage(ev)
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Error("Failed to encode status change", "swap_id", ev.SwapID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	err = s.outbox.EnqueueEvent(ctx, &storage.OutboxEvent{
		EventID: msg.EventID,
		SwapID:  ev.SwapID,
		Subject: Subject(s.subject, ev),
		Payload: data,
	})
	if err != nil {
		s.log.Error("Failed to enqueue status change", "swap_id", ev.SwapID, "status", ev.New, "error", err)
	}
}

// RelayStats receives relay measurements. *metrics.Recorder implements it.
type RelayStats interface {
	NotifyResult(ok bool)
	SetOutboxPending(n int)
}

// RelayConfig configures the outbox relay.
type RelayConfig struct {
	PollInterval    time.Duration // How often to look for due events
	CleanupInterval time.Duration // How often to remove old events
	BatchSize       int           // Max events to publish per poll
	MaxRetries      int           // Attempts before an event is marked failed
	RetryInitial    time.Duration // First retry delay
	RetryMax        time.Duration // Longest retry delay
	RetentionPeriod time.Duration // How long to keep published/failed events
}

// DefaultRelayConfig returns the default configuration.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		PollInterval:    2 * time.Second,
		CleanupInterval: time.Hour,
		BatchSize:       100,
		MaxRetries:      20,
		RetryInitial:    5 * time.Second,
		RetryMax:        10 * time.Minute,
		RetentionPeriod: 7 * 24 * time.Hour,
	}
}

// Relay publishes outbox events and retries failed publishes with
// exponential backoff.
type Relay struct {
	outbox Outbox
	pub    Publisher
	stats  RelayStats
	config RelayConfig
	log    *logging.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRelay creates a relay. stats may be nil.
func NewRelay(outbox Outbox, pub Publisher, stats RelayStats, cfg RelayConfig) *Relay {
	def := DefaultRelayConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = def.RetryInitial
	}
	if cfg.RetryMax < cfg.RetryInitial {
		cfg.RetryMax = cfg.RetryInitial
	}
	if cfg.RetentionPeriod <= 0 {
		cfg.RetentionPeriod = def.RetentionPeriod
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Relay{
		outbox: outbox,
		pub:    pub,
		stats:  stats,
		config: cfg,
		log:    logging.GetDefault().Component("notify"),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start starts the relay background goroutine.
func (r *Relay) Start() {
	r.wg.Add(1)
	go r.run()
	r.log.Info("Outbox relay started", "poll_interval", r.config.PollInterval)
}

// Stop stops the relay and waits for the current batch.
func (r *Relay) Stop() {
	r.cancel()
	r.wg.Wait()
	r.log.Info("Outbox relay stopped")
}

func (r *Relay) run() {
	defer r.wg.Done()

	pollTicker := time.NewTicker(r.config.PollInterval)
	cleanupTicker := time.NewTicker(r.config.CleanupInterval)
	defer pollTicker.Stop()
	defer cleanupTicker.Stop()

	r.Cleanup(r.ctx)

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-pollTicker.C:
			r.Publish(r.ctx)
		case <-cleanupTicker.C:
			r.Cleanup(r.ctx)
		}
	}
}

// Publish sends every due event once. It returns the number published.
func (r *Relay) Publish(ctx context.Context) int {
	now := r.now()
	events, err := r.outbox.GetPendingEvents(ctx, now.Unix(), r.config.BatchSize)
	if err != nil {
		r.log.Warn("Failed to get pending events", "error", err)
		return 0
	}

	published := 0
	for _, ev := range events {
		if ctx.Err() != nil {
			break
		}

		err := r.pub.Publish(ev.Subject, ev.Payload)
		if r.stats != nil {
			r.stats.NotifyResult(err == nil)
		}
		if err == nil {
			if err := r.outbox.MarkEventPublished(ctx, ev.EventID); err != nil {
				r.log.Warn("Failed to mark event published", "event_id", ev.EventID, "error", err)
			}
			published++
			continue
		}

		attempts := ev.RetryCount + 1
		if attempts >= r.config.MaxRetries {
			r.log.Error("Giving up on status notification", "event_id", ev.EventID, "attempts", attempts, "error", err)
			if err := r.outbox.MarkEventFailed(ctx, ev.EventID, err.Error()); err != nil {
				r.log.Warn("Failed to mark event failed", "event_id", ev.EventID, "error", err)
			}
			continue
		}

		next := now.Add(r.retryDelay(attempts))
		r.log.Debug("Publish failed, retry scheduled", "event_id", ev.EventID, "attempt", attempts, "next", next, "error", err)
		if err := r.outbox.ScheduleEventRetry(ctx, ev.EventID, next.Unix(), err.Error()); err != nil {
			r.log.Warn("Failed to schedule retry", "event_id", ev.EventID, "error", err)
		}
	}

	r.reportBacklog(ctx)
	return published
}

// retryDelay returns the wait before attempt number attempts+1.
func (r *Relay) retryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.config.RetryInitial
	b.MaxInterval = r.config.RetryMax
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Cleanup removes published and failed events past the retention period.
func (r *Relay) Cleanup(ctx context.Context) {
	olderThan := r.now().Add(-r.config.RetentionPeriod).Unix()
	n, err := r.outbox.CleanupOldEvents(ctx, olderThan)
	if err != nil {
		r.log.Warn("Failed to cleanup outbox", "error", err)
		return
	}
	if n > 0 {
		r.log.Info("Cleaned up old notifications", "count", n)
	}
}

func (r *Relay) reportBacklog(ctx context.Context) {
	if r.stats == nil {
		return
	}
	stats, err := r.outbox.GetOutboxStats(ctx)
	if err != nil {
		return
	}
	r.stats.SetOutboxPending(stats[storage.OutboxStatusPending])
}
