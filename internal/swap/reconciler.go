package swap

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
	"golang.org/x/sync/errgroup"

	"github.com/klingon-exchange/klingon-bridge/internal/chain"
	"github.com/klingon-exchange/klingon-bridge/internal/config"
	"github.com/klingon-exchange/klingon-bridge/pkg/logging"
)

// Outcome classifies how the reconciler handled one event.
type Outcome string

const (
	OutcomeApplied        Outcome = "applied"        // transition applied
	OutcomeSynthesized    Outcome = "synthesized"    // inbound swap created
	OutcomeDuplicate      Outcome = "duplicate"      // already applied
	OutcomeStale          Outcome = "stale"          // swap moved on
	OutcomeUnattributable Outcome = "unattributable" // settlement with no known swap
	OutcomeShallow        Outcome = "shallow"        // below confirmation depth
	OutcomeRejected       Outcome = "rejected"       // malformed or inconsistent with the swap
	OutcomeEscalated      Outcome = "escalated"      // swap moved to manual review
	OutcomeError          Outcome = "error"          // repository failure
)

// ReconcilerConfig configures the reconciler.
type ReconcilerConfig struct {
	// MinConfirmations is the depth an event needs per chain. Chains
	// missing from the map accept any depth.
	MinConfirmations map[string]uint64

	// Resubscribe backoff for failed or closed event streams.
	ResubscribeInitial time.Duration
	ResubscribeMax     time.Duration
}

// DefaultReconcilerConfig returns the default configuration.
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		MinConfirmations:   map[string]uint64{},
		ResubscribeInitial: time.Second,
		ResubscribeMax:     time.Minute,
	}
}

// Reconciler turns at-least-once chain events into swap transitions.
type Reconciler struct {
	engine *Engine
	repo   Repository
	config ReconcilerConfig
	log    *logging.Logger

	// dispatched settlements
	wg sync.WaitGroup

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewReconciler creates a reconciler that consumes the engine's adapters
// and hands settlement of swaps it locks to the engine.
func NewReconciler(engine *Engine, cfg ReconcilerConfig) *Reconciler {
	if cfg.ResubscribeInitial <= 0 {
		cfg.ResubscribeInitial = time.Second
	}
	if cfg.ResubscribeMax < cfg.ResubscribeInitial {
		cfg.ResubscribeMax = cfg.ResubscribeInitial
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		engine: engine,
		repo:   engine.repo,
		config: cfg,
		log:    logging.GetDefault().Component("reconciler"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Start consumes every adapter stream in the background.
func (r *Reconciler) Start() {
	r.started = true
	go func() {
		defer close(r.done)
		_ = r.Run(r.ctx)
	}()
	r.log.Info("Reconciler started", "streams", len(r.engine.adapters))
}

// Stop cancels the streams and waits for them and any dispatched
// settlement to return.
func (r *Reconciler) Stop() {
	r.cancel()
	if r.started {
		<-r.done
	}
	r.log.Info("Reconciler stopped")
}

// Run consumes every adapter stream until ctx is done. Per-event errors
// are logged, never returned.
func (r *Reconciler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, a := range r.engine.Adapters() {
		a := a
		g.Go(func() error {
			r.consume(gctx, a)
			return nil
		})
	}
	err := g.Wait()
	r.wg.Wait()
	return err
}

// Wait blocks until every dispatched settlement has returned.
func (r *Reconciler) Wait() {
	r.wg.Wait()
}

// consume subscribes to one adapter and resubscribes with backoff until
// ctx is done.
func (r *Reconciler) consume(ctx context.Context, a ChainAdapter) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.config.ResubscribeInitial
	b.MaxInterval = r.config.ResubscribeMax
	b.MaxElapsedTime = 0
	b.Reset()

	log := r.log.With("chain", a.Chain())
	for {
		events, err := a.SubscribeEvents(ctx)
		if err == nil {
			b.Reset()
			r.engine.rec.StreamActive(a.Chain(), 1)
			log.Debug("Event stream open")
			r.drain(ctx, events)
			r.engine.rec.StreamActive(a.Chain(), -1)
		}
		if ctx.Err() != nil {
			return
		}

		wait := b.NextBackOff()
		if err != nil {
			log.Warn("Event subscription failed", "error", err, "retry_in", wait)
		} else {
			log.Warn("Event stream closed", "retry_in", wait)
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (r *Reconciler) drain(ctx context.Context, events <-chan ChainEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.HandleEvent(ctx, ev)
		}
	}
}

// HandleEvent applies one chain event. It is safe to call concurrently and
// with redelivered events.
func (r *Reconciler) HandleEvent(ctx context.Context, ev ChainEvent) Outcome {
	out := r.handle(ctx, ev)
	r.engine.rec.ReconcilerEvent(ev.Chain, out)
	return out
}

func (r *Reconciler) handle(ctx context.Context, ev ChainEvent) Outcome {
	log := r.log.With("chain", ev.Chain, "kind", ev.Kind, "tx", ev.TxHash)

	if err := validateEvent(ev); err != nil {
		log.Warn("Rejected malformed event", "error", err)
		return OutcomeRejected
	}
	if ev.Confirmations < r.config.MinConfirmations[ev.Chain] {
		log.Debug("Event below confirmation depth", "confirmations", ev.Confirmations)
		return OutcomeShallow
	}

	key := ev.CorrelationKey
	if key == "" {
		if ev.Kind.IsSettlement() {
			log.Warn("Settlement without correlation key discarded")
			return OutcomeUnattributable
		}
		key = DeriveCorrelationKey(ev.Chain, ev.TxHash)
	}

	s, err := r.repo.GetByCorrelationKey(ctx, key)
	if errors.Is(err, ErrNotFound) {
		if ev.Kind.IsSettlement() {
			log.Warn("Settlement for unknown swap discarded", "correlation_key", key)
			return OutcomeUnattributable
		}
		return r.synthesize(ctx, ev, key)
	}
	if err != nil {
		log.Error("Correlation lookup failed", "error", err)
		return OutcomeError
	}

	log = log.With("swap_id", s.ID)
	if s.IsTerminal() {
		if ev.Kind.IsDeposit() && s.Status == StatusFailed && (s.SourceTxHash == "" || s.FailureReason == ReasonExpired) {
			log.Error("Lock observed for a failed swap, refund required", "reason", s.FailureReason)
		} else {
			log.Debug("Event for terminal swap discarded", "status", s.Status)
		}
		return OutcomeStale
	}

	switch {
	case ev.Kind.IsDeposit() && ev.Chain == s.FromChain:
		return r.applyLock(ctx, log, s, ev)
	case ev.Kind.IsSettlement() && ev.Chain == s.ToChain:
		return r.applySettlement(ctx, log, s, ev)
	default:
		log.Warn("Event does not match either leg of the swap", "from", s.FromChain, "to", s.ToChain)
		return OutcomeRejected
	}
}

func validateEvent(ev ChainEvent) error {
	switch {
	case ev.Chain == "":
		return errors.New("missing chain")
	case !ev.Kind.IsDeposit() && !ev.Kind.IsSettlement():
		return fmt.Errorf("unknown kind %q", ev.Kind)
	case ev.TxHash == "":
		return errors.New("missing tx hash")
	case ev.Amount == 0:
		return errors.New("zero amount")
	}
	return nil
}

// applyLock applies a source-chain deposit to a known swap.
func (r *Reconciler) applyLock(ctx context.Context, log *logging.Logger, s *SwapOperation, ev ChainEvent) Outcome {
	if s.Status != StatusPending {
		if s.SourceTxHash == ev.TxHash {
			log.Debug("Duplicate lock event", "status", s.Status)
			return OutcomeDuplicate
		}
		return r.escalate(ctx, log, s, "second source lock "+ev.TxHash)
	}
	if s.SourceTxHash != "" && s.SourceTxHash != ev.TxHash {
		log.Error("Lock tx differs from the submitted one", "submitted", s.SourceTxHash)
		return OutcomeRejected
	}

	upd := StatusUpdate{
		Status:       StatusSourceLocked,
		SourceTxHash: ev.TxHash,
		Metadata: map[string]string{
			MetaSourceBlock: strconv.FormatUint(ev.BlockHeight, 10),
			MetaSubject:     ev.Subject,
		},
	}
	cur, applied, err := r.engine.update(ctx, s, upd, string(TriggerSourceLockConfirmed))
	if err != nil {
		log.Error("Failed to apply lock", "error", err)
		return OutcomeError
	}
	if !applied {
		return lostRace(log, cur, ev.TxHash, cur.SourceTxHash)
	}

	if ev.Amount != cur.Amount {
		return r.escalate(ctx, log, cur, fmt.Sprintf("lock amount %d, expected %d", ev.Amount, cur.Amount))
	}
	r.dispatch(ctx, cur.ID)
	return OutcomeApplied
}

// applySettlement applies a destination-chain settlement to a known swap.
func (r *Reconciler) applySettlement(ctx context.Context, log *logging.Logger, s *SwapOperation, ev ChainEvent) Outcome {
	switch s.Status {
	case StatusPending:
		log.Warn("Settlement observed before source lock discarded")
		return OutcomeStale

	case StatusDestinationSettled:
		if s.DestinationTxHash != ev.TxHash {
			return r.escalate(ctx, log, s, "second settlement "+ev.TxHash)
		}
		log.Debug("Duplicate settlement event")
		if cur, err := r.engine.finalizeStored(ctx, s); err != nil && cur.Status == StatusManualReview {
			return OutcomeEscalated
		}
		return OutcomeDuplicate
	}

	if s.DestinationTxHash != "" && s.DestinationTxHash != ev.TxHash {
		return r.escalate(ctx, log, s, "settlement tx differs from the submitted one")
	}
	if ev.Amount != s.Amount {
		return r.escalate(ctx, log, s, fmt.Sprintf("settlement amount %d, expected %d", ev.Amount, s.Amount))
	}

	upd := StatusUpdate{
		Status:            StatusDestinationSettled,
		DestinationTxHash: ev.TxHash,
		Metadata: map[string]string{
			MetaDestinationBlock: strconv.FormatUint(ev.BlockHeight, 10),
			MetaDestinationKey:   ev.CorrelationKey,
		},
	}
	cur, applied, err := r.engine.update(ctx, s, upd, string(TriggerSettlementConfirmed))
	if err != nil {
		log.Error("Failed to apply settlement", "error", err)
		return OutcomeError
	}
	if !applied {
		return lostRace(log, cur, ev.TxHash, cur.DestinationTxHash)
	}

	fin, err := r.engine.finalizeStored(ctx, cur)
	switch {
	case fin.Status == StatusManualReview:
		return OutcomeEscalated
	case err != nil:
		log.Error("Failed to finalize swap", "error", err)
		return OutcomeError
	}
	return OutcomeApplied
}

// lostRace classifies an event whose transition another writer applied
// first.
func lostRace(log *logging.Logger, cur *SwapOperation, evTx, recordedTx string) Outcome {
	if recordedTx == evTx {
		log.Debug("Transition already applied", "status", cur.Status)
		return OutcomeDuplicate
	}
	log.Debug("Event is stale", "status", cur.Status)
	return OutcomeStale
}

func (r *Reconciler) escalate(ctx context.Context, log *logging.Logger, s *SwapOperation, detail string) Outcome {
	cur, err := r.engine.escalate(ctx, s, &IntegrityError{SwapID: s.ID, Detail: detail})
	if cur != nil && cur.Status == StatusManualReview {
		return OutcomeEscalated
	}
	log.Error("Failed to escalate swap", "detail", detail, "error", err)
	return OutcomeError
}

// synthesize creates an inbound swap for an unsolicited deposit.
func (r *Reconciler) synthesize(ctx context.Context, ev ChainEvent, key string) Outcome {
	log := r.log.With("chain", ev.Chain, "tx", ev.TxHash)

	if !config.IsChainSupported(ev.Chain) {
		log.Warn("Deposit on unsupported chain discarded")
		return OutcomeRejected
	}
	to := ev.RecipientChain
	if !config.IsPairSupported(ev.Chain, to) {
		counterparts := config.Counterparts(ev.Chain)
		if len(counterparts) == 0 {
			log.Warn("Deposit on chain without counterpart discarded")
			return OutcomeRejected
		}
		if to != "" {
			log.Warn("Unsupported recipient chain, using default counterpart", "requested", to, "using", counterparts[0])
		}
		to = counterparts[0]
	}

	// Deposits that cannot be bridged are still recorded, then failed.
	var reject error
	recipient, addrErr := chain.NormalizeAddress(to, r.engine.network, ev.Recipient)
	if addrErr != nil {
		recipient = ev.Recipient
		reject = fmt.Errorf("%w: %v", ErrInvalidAddress, addrErr)
	} else if err := checkInboundAmount(ev.Chain, to, ev.Amount); err != nil {
		reject = fmt.Errorf("%w: %v", ErrAmountOutOfBounds, err)
	}

	now := r.engine.now().UTC()
	s := &SwapOperation{
		ID:             uuid.New().String(),
		UserID:         ev.Subject,
		FromChain:      ev.Chain,
		ToChain:        to,
		Direction:      DirectionInbound,
		Amount:         ev.Amount,
		Recipient:      recipient,
		Status:         StatusSourceLocked,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(r.engine.ttl),
		CorrelationKey: key,
		SourceTxHash:   ev.TxHash,
		Metadata: map[string]string{
			MetaOrigin:      "reconciler",
			MetaSubject:     ev.Subject,
			MetaSourceBlock: strconv.FormatUint(ev.BlockHeight, 10),
		},
	}
	if err := r.repo.Create(ctx, s); err != nil {
		if errors.Is(err, ErrDuplicateCorrelationKey) {
			log.Debug("Inbound swap already synthesized", "correlation_key", key)
			return OutcomeDuplicate
		}
		log.Error("Failed to create inbound swap", "error", err)
		return OutcomeError
	}

	r.engine.rec.SwapInitiated(s.FromChain, s.ToChain)
	r.engine.emit(SwapStatusChanged{SwapID: s.ID, New: s.Status, Reason: "inbound deposit", At: now})
	log.Info("Synthesized inbound swap", "swap_id", s.ID, "to", to, "amount", s.Amount)

	if reject != nil {
		log.Warn("Inbound deposit rejected", "swap_id", s.ID, "recipient", ev.Recipient, "amount", ev.Amount, "error", reject)
		if _, err := r.engine.fail(ctx, s, reject); err != nil && !errors.Is(err, reject) {
			log.Error("Failed to fail inbound swap", "swap_id", s.ID, "error", err)
		}
		return OutcomeSynthesized
	}

	r.dispatch(ctx, s.ID)
	return OutcomeSynthesized
}

// checkInboundAmount applies the bridge bounds of both chains to a deposit.
func checkInboundAmount(from, to string, amount uint64) error {
	for _, symbol := range []string{from, to} {
		c, ok := config.GetChain(symbol)
		if !ok {
			continue
		}
		if err := c.CheckAmount(amount); err != nil {
			return err
		}
	}
	return nil
}

// dispatch settles a swap the reconciler moved to SourceLocked.
func (r *Reconciler) dispatch(ctx context.Context, id string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		s, err := r.engine.Resume(ctx, id)
		if err != nil {
			r.log.Warn("Settlement failed", "swap_id", id, "error", err)
			return
		}
		r.log.Debug("Settlement dispatched", "swap_id", id, "status", s.Status)
	}()
}

// DeriveCorrelationKey returns the correlation key of a deposit that did
// not carry one. It is stable across redeliveries of the same event.
func DeriveCorrelationKey(chainSymbol, txHash string) string {
	sum := sha3.Sum256([]byte("klingon-bridge/inbound|" + chainSymbol + "|" + txHash))
	return "0x" + hex.EncodeToString(sum[:])
}
