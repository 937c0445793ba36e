package swap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/klingon-exchange/klingon-bridge/internal/chain"
	"github.com/klingon-exchange/klingon-bridge/internal/config"
	"github.com/klingon-exchange/klingon-bridge/pkg/helpers"
	"github.com/klingon-exchange/klingon-bridge/pkg/logging"
)

// DefaultSwapTTL is how long a swap may stay Pending.
const DefaultSwapTTL = 30 * time.Minute

// DefaultLockGrace is how long past expiry a submitted source lock may stay
// unrecorded on-chain before the swap is failed.
const DefaultLockGrace = time.Hour

// EngineConfig holds the engine's collaborators.
type EngineConfig struct {
	Repository Repository
	Protection ProtectionProvider
	Adapters   []ChainAdapter

	// Network selects the address rules used to validate recipients.
	Network chain.Network

	SwapTTL time.Duration

	// LockGrace bounds the wait for a submitted source lock past expiry.
	LockGrace time.Duration

	Retry    RetryPolicy
	Recorder Recorder
	Sinks    []EventSink

	// Now overrides the clock in tests.
	Now func() time.Time
}

// InitiateRequest is a caller's request for a new swap.
type InitiateRequest struct {
	UserID    string
	FromChain string
	ToChain   string
	Amount    uint64
	Recipient string

	// Wallet is the user's account on the source chain (optional).
	Wallet string
}

// Engine drives swaps from Pending to a terminal status.
type Engine struct {
	repo      Repository
	protector ProtectionProvider
	adapters  map[string]ChainAdapter
	network   chain.Network
	ttl       time.Duration
	lockGrace time.Duration
	retry     RetryPolicy
	rec       Recorder
	now       func() time.Time
	log       *logging.Logger

	flight   singleflight.Group
	callsMu  sync.Mutex
	calls    map[string]*sharedCall
	inflight sync.Map // swap ids with a running execution

	swapLocksMu sync.Mutex
	swapLocks   map[string]*swapLock

	sinksMu sync.RWMutex
	sinks   []EventSink
}

// NewEngine creates an engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Repository == nil {
		return nil, errors.New("engine: repository is required")
	}
	if cfg.Protection == nil {
		return nil, errors.New("engine: protection provider is required")
	}

	adapters := make(map[string]ChainAdapter, len(cfg.Adapters))
	for _, a := range cfg.Adapters {
		if _, dup := adapters[a.Chain()]; dup {
			return nil, fmt.Errorf("engine: duplicate adapter for %s", a.Chain())
		}
		adapters[a.Chain()] = a
	}

	e := &Engine{
		repo:      cfg.Repository,
		protector: cfg.Protection,
		adapters:  adapters,
		network:   cfg.Network,
		ttl:       cfg.SwapTTL,
		lockGrace: cfg.LockGrace,
		retry:     cfg.Retry,
		rec:       cfg.Recorder,
		now:       cfg.Now,
		log:       logging.GetDefault().Component("swap-engine"),
		sinks:     append([]EventSink(nil), cfg.Sinks...),
		calls:     make(map[string]*sharedCall),
		swapLocks: make(map[string]*swapLock),
	}
	if e.network == "" {
		e.network = chain.Mainnet
	}
	if e.ttl <= 0 {
		e.ttl = DefaultSwapTTL
	}
	if e.lockGrace <= 0 {
		e.lockGrace = DefaultLockGrace
	}
	if e.retry == (RetryPolicy{}) {
		e.retry = DefaultRetryPolicy()
	}
	if e.rec == nil {
		e.rec = nopRecorder{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// OnStatusChange registers a sink for status change events. Sinks are
// called synchronously after each applied transition.
func (e *Engine) OnStatusChange(sink EventSink) {
	e.sinksMu.Lock()
	e.sinks = append(e.sinks, sink)
	e.sinksMu.Unlock()
}

// Adapter returns the adapter registered for chain.
func (e *Engine) Adapter(chainSymbol string) (ChainAdapter, bool) {
	a, ok := e.adapters[chainSymbol]
	return a, ok
}

// Adapters returns every registered adapter.
func (e *Engine) Adapters() []ChainAdapter {
	out := make([]ChainAdapter, 0, len(e.adapters))
	for _, a := range e.adapters {
		out = append(out, a)
	}
	return out
}

// Initiate validates req and stores a new Pending swap.
func (e *Engine) Initiate(ctx context.Context, req InitiateRequest) (*SwapOperation, error) {
	from, ok := config.GetChain(req.FromChain)
	if !ok {
		return nil, &ValidationError{Field: "from_chain", Reason: "unsupported chain " + req.FromChain}
	}
	to, ok := config.GetChain(req.ToChain)
	if !ok {
		return nil, &ValidationError{Field: "to_chain", Reason: "unsupported chain " + req.ToChain}
	}
	if !config.IsPairSupported(from.Symbol, to.Symbol) {
		return nil, &ValidationError{Field: "pair", Reason: fmt.Sprintf("%s->%s is not supported", from.Symbol, to.Symbol)}
	}
	if err := from.CheckAmount(req.Amount); err != nil {
		return nil, &ValidationError{Field: "amount", Reason: "out of bounds", Err: err}
	}
	if err := to.CheckAmount(req.Amount); err != nil {
		return nil, &ValidationError{Field: "amount", Reason: "out of bounds", Err: err}
	}
	if strings.TrimSpace(req.UserID) == "" {
		return nil, &ValidationError{Field: "user_id", Reason: "required"}
	}

	recipient, err := chain.NormalizeAddress(to.Symbol, e.network, req.Recipient)
	if err != nil {
		return nil, &ValidationError{Field: "recipient", Reason: "invalid address for " + to.Symbol, Err: err}
	}

	var meta map[string]string
	if req.Wallet != "" {
		wallet, err := chain.NormalizeAddress(from.Symbol, e.network, req.Wallet)
		if err != nil {
			return nil, &ValidationError{Field: "wallet", Reason: "invalid address for " + from.Symbol, Err: err}
		}
		meta = map[string]string{MetaSourceWallet: wallet}
	}

	dir := DirectionReverse
	if from.IsEVM() {
		dir = DirectionForward
	}

	now := e.now().UTC()
	s := &SwapOperation{
		ID:        uuid.New().String(),
		UserID:    req.UserID,
		FromChain: from.Symbol,
		ToChain:   to.Symbol,
		Direction: dir,
		Amount:    req.Amount,
		Recipient: recipient,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(e.ttl),
		Metadata:  meta,
	}
	if err := e.repo.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to create swap: %w", err)
	}

	e.rec.SwapInitiated(s.FromChain, s.ToChain)
	e.log.Info("Swap initiated",
		"swap_id", s.ID, "from", s.FromChain, "to", s.ToChain, "amount", helpers.FormatAmount(s.Amount, config.BridgeAssetDecimals), "direction", s.Direction)
	return s, nil
}

// GetStatus returns the swap or ErrNotFound.
func (e *Engine) GetStatus(ctx context.Context, id string) (*SwapOperation, error) {
	return e.repo.GetByID(ctx, id)
}

// ListSwaps returns swaps matching filter, newest first.
func (e *Engine) ListSwaps(ctx context.Context, filter ListFilter) ([]*SwapOperation, error) {
	return e.repo.List(ctx, filter)
}

// update applies upd to s with a compare-and-swap on s.Status. On a lost
// race it re-reads once and returns the observed swap with applied=false.
func (e *Engine) update(ctx context.Context, s *SwapOperation, upd StatusUpdate, reason string) (*SwapOperation, bool, error) {
	if upd.At.IsZero() {
		upd.At = e.now().UTC()
	}
	next, err := e.repo.CompareAndSwapStatus(ctx, s.ID, s.Status, upd)
	if err == nil {
		if next.Status != s.Status {
			e.emit(SwapStatusChanged{SwapID: s.ID, Old: s.Status, New: next.Status, Reason: reason, At: upd.At})
		}
		return next, true, nil
	}
	if !errors.Is(err, ErrConflict) {
		return nil, false, err
	}

	cur, gerr := e.repo.GetByID(ctx, s.ID)
	if gerr != nil {
		return nil, false, gerr
	}
	e.log.Debug("Status update lost race",
		"swap_id", s.ID, "expected", s.Status, "wanted", upd.Status, "observed", cur.Status)
	return cur, false, nil
}

func (e *Engine) emit(ev SwapStatusChanged) {
	e.rec.Transition(ev.Old, ev.New)
	e.log.Info("Swap status changed", "swap_id", ev.SwapID, "from", ev.Old, "to", ev.New, "reason", ev.Reason)

	e.sinksMu.RLock()
	sinks := e.sinks
	e.sinksMu.RUnlock()
	for _, sink := range sinks {
		sink.OnStatusChanged(ev)
	}
}
