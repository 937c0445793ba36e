package swap

import (
	"context"
	"sync"
	"time"

	"github.com/klingon-exchange/klingon-bridge/pkg/logging"
)

// SweeperConfig configures the expiry sweeper.
type SweeperConfig struct {
	Interval  time.Duration // How often to look for expired swaps
	BatchSize int           // Max swaps to expire per sweep
}

// DefaultSweeperConfig returns the default configuration.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:  30 * time.Second,
		BatchSize: 100,
	}
}

// Sweeper periodically fails Pending swaps past their expiry.
type Sweeper struct {
	engine *Engine
	config SweeperConfig
	log    *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a new sweeper.
func NewSweeper(engine *Engine, cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweeperConfig().Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultSweeperConfig().BatchSize
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Sweeper{
		engine: engine,
		config: cfg,
		log:    logging.GetDefault().Component("sweeper"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start starts the sweeper background goroutine.
func (w *Sweeper) Start() {
	w.wg.Add(1)
	go w.run()
	w.log.Info("Sweeper started", "interval", w.config.Interval)
}

// Stop stops the sweeper and waits for a running sweep to return.
func (w *Sweeper) Stop() {
	w.cancel()
	w.wg.Wait()
	w.log.Info("Sweeper stopped")
}

// run is the main loop of the sweeper.
func (w *Sweeper) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	// Sweep once on startup
	w.Sweep()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.Sweep()
		}
	}
}

// Sweep expires overdue swaps until a batch comes back short, then
// rechecks one batch of stalled source locks. It returns the number of
// swaps that left Pending.
func (w *Sweeper) Sweep() int {
	expired := 0
	for w.ctx.Err() == nil {
		n, err := w.engine.ExpirePending(w.ctx, w.config.BatchSize)
		if err != nil {
			if w.ctx.Err() == nil {
				w.log.Warn("Expiry sweep failed", "error", err)
			}
			break
		}
		expired += n
		if n < w.config.BatchSize {
			break
		}
	}
	if expired > 0 {
		w.log.Info("Expired pending swaps", "count", expired)
	}

	if w.ctx.Err() != nil {
		return expired
	}
	resolved, err := w.engine.RecheckStalledLocks(w.ctx, w.config.BatchSize)
	if err != nil && w.ctx.Err() == nil {
		w.log.Warn("Stalled lock recheck failed", "error", err)
	}
	if resolved > 0 {
		w.log.Info("Resolved stalled source locks", "count", resolved)
	}
	return expired + resolved
}
