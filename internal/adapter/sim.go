// Package adapter implements swap.ChainAdapter for EVM bridge contracts and
// for an in-memory simulated chain.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/sha3"

	"github.com/klingon-exchange/klingon-bridge/internal/swap"
	"github.com/klingon-exchange/klingon-bridge/pkg/logging"
)

// Sim operations, as used by Inject and Calls.
const (
	OpLock       = "lock"
	OpSettle     = "settle"
	OpLockStatus = "lock_status"
)

// SimOptions configures a SimChain.
type SimOptions struct {
	// Confirmations is the depth at which a leg counts as confirmed. Zero
	// confirms legs as soon as they are submitted.
	Confirmations uint64

	// Events makes confirmed legs appear on the event stream.
	Events bool

	// SettleKind is the event kind reported for settlements. Defaults to
	// swap.EventMinted.
	SettleKind swap.EventKind
}

type simLeg struct {
	receipt swap.TxReceipt
	event   swap.ChainEvent
}

// SimChain is an in-memory chain. Legs are idempotent per correlation key.
// Failures, correlation-key overrides and stream loss can be injected.
type SimChain struct {
	symbol string
	opts   SimOptions
	log    *logging.Logger

	mu          sync.Mutex
	height      uint64
	locks       map[string]*simLeg
	settles     map[string]*simLeg
	failures    map[string][]error
	calls       map[string]int
	keyOverride string
	subs        map[int]chan swap.ChainEvent
	nextSub     int
}

// Compile-time interface check.
var _ swap.ChainAdapter = (*SimChain)(nil)

// NewSimChain creates a simulated chain for symbol.
func NewSimChain(symbol string, opts SimOptions) *SimChain {
	if opts.SettleKind == "" {
		opts.SettleKind = swap.EventMinted
	}
	return &SimChain{
		symbol:   symbol,
		opts:     opts,
		log:      logging.GetDefault().Component("sim-chain").With("chain", symbol),
		height:   1,
		locks:    make(map[string]*simLeg),
		settles:  make(map[string]*simLeg),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
		subs:     make(map[int]chan swap.ChainEvent),
	}
}

// Chain returns the chain symbol.
func (c *SimChain) Chain() string {
	return c.symbol
}

// Lock records the source leg for req.CorrelationKey.
func (c *SimChain) Lock(ctx context.Context, req swap.LockRequest) (*swap.TxReceipt, error) {
	ev := swap.ChainEvent{
		Kind:           swap.EventLocked,
		Subject:        req.Wallet,
		Amount:         req.Amount,
		RecipientChain: req.RecipientChain,
		Recipient:      req.Recipient,
	}
	return c.submit(ctx, OpLock, c.locks, req.CorrelationKey, req.Amount, ev)
}

// MintOrUnlock records the destination leg for req.CorrelationKey.
func (c *SimChain) MintOrUnlock(ctx context.Context, req swap.SettleRequest) (*swap.TxReceipt, error) {
	ev := swap.ChainEvent{
		Kind:      c.opts.SettleKind,
		Subject:   req.Recipient,
		Amount:    req.Amount,
		Recipient: req.Recipient,
	}
	return c.submit(ctx, OpSettle, c.settles, req.CorrelationKey, req.Amount, ev)
}

// LockStatus returns the recorded lock leg for correlationKey, or nil.
func (c *SimChain) LockStatus(ctx context.Context, correlationKey string) (*swap.TxReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[OpLockStatus]++
	if queue := c.failures[OpLockStatus]; len(queue) > 0 {
		c.failures[OpLockStatus] = queue[1:]
		return nil, queue[0]
	}

	leg, ok := c.locks[correlationKey]
	if !ok {
		return nil, nil
	}
	rcpt := leg.receipt
	return &rcpt, nil
}

func (c *SimChain) submit(ctx context.Context, op string, legs map[string]*simLeg, key string, amount uint64, ev swap.ChainEvent) (*swap.TxReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.calls[op]++

	if queue := c.failures[op]; len(queue) > 0 {
		err := queue[0]
		c.failures[op] = queue[1:]
		c.mu.Unlock()
		return nil, err
	}

	if key == "" || amount == 0 {
		c.mu.Unlock()
		return nil, swap.Permanent(errors.New("missing correlation key or amount"))
	}

	if leg, ok := legs[key]; ok {
		rcpt := leg.receipt
		c.mu.Unlock()
		c.log.Debug("Replayed leg", "op", op, "tx", rcpt.TxHash)
		return &rcpt, nil
	}

	c.height++
	reported := key
	if c.keyOverride != "" {
		reported = c.keyOverride
	}

	leg := &simLeg{
		receipt: swap.TxReceipt{
			TxHash:         simTxHash(c.symbol, op, key),
			Confirmed:      c.opts.Confirmations == 0,
			CorrelationKey: reported,
			BlockHeight:    c.height,
		},
		event: ev,
	}
	leg.event.Chain = c.symbol
	leg.event.CorrelationKey = reported
	leg.event.TxHash = leg.receipt.TxHash
	leg.event.BlockHeight = c.height
	legs[key] = leg

	rcpt := leg.receipt
	var emit []swap.ChainEvent
	if rcpt.Confirmed && c.opts.Events {
		emit = append(emit, c.eventLocked(leg))
	}
	c.mu.Unlock()

	c.broadcast(emit)
	return &rcpt, nil
}

// Mine advances the chain by n blocks. Legs reaching the confirmation depth
// become confirmed and are emitted on the event stream.
func (c *SimChain) Mine(n uint64) {
	c.mu.Lock()
	c.height += n

	var emit []swap.ChainEvent
	for _, legs := range []map[string]*simLeg{c.locks, c.settles} {
		for _, leg := range legs {
			if leg.receipt.Confirmed || c.depthLocked(leg) < c.opts.Confirmations {
				continue
			}
			leg.receipt.Confirmed = true
			if c.opts.Events {
				emit = append(emit, c.eventLocked(leg))
			}
		}
	}
	c.mu.Unlock()

	c.broadcast(emit)
}

func (c *SimChain) depthLocked(leg *simLeg) uint64 {
	return c.height - leg.receipt.BlockHeight + 1
}

func (c *SimChain) eventLocked(leg *simLeg) swap.ChainEvent {
	ev := leg.event
	ev.Confirmations = c.depthLocked(leg)
	return ev
}

// SubscribeEvents streams events until ctx is done or DropStreams is called.
func (c *SimChain) SubscribeEvents(ctx context.Context) (<-chan swap.ChainEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan swap.ChainEvent, 64)
	c.subs[id] = ch
	c.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.closeSub(id)
	}()

	return ch, nil
}

func (c *SimChain) closeSub(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.subs[id]; ok {
		delete(c.subs, id)
		close(ch)
	}
}

// DropStreams closes every open event stream, as a lost connection would.
func (c *SimChain) DropStreams() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
}

// Subscribers returns the number of open event streams.
func (c *SimChain) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// Emit delivers ev to every open stream, filling in the chain symbol.
// Tests use it for unsolicited deposits and redeliveries.
func (c *SimChain) Emit(ev swap.ChainEvent) {
	ev.Chain = c.symbol
	c.broadcast([]swap.ChainEvent{ev})
}

// broadcast sends under the lock so a concurrent close cannot race a send.
// Subscriber buffers are sized for test traffic; a full buffer drops the
// event like a lossy stream would.
func (c *SimChain) broadcast(events []swap.ChainEvent) {
	if len(events) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ev := range events {
		for _, ch := range c.subs {
			select {
			case ch <- ev:
			default:
				c.log.Warn("Dropped event, subscriber full", "tx", ev.TxHash)
			}
		}
	}
}

// Inject queues err as the result of the next call to op.
func (c *SimChain) Inject(op string, errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[op] = append(c.failures[op], errs...)
}

// OverrideKey makes later legs report key instead of the requested one.
func (c *SimChain) OverrideKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keyOverride = key
}

// Calls returns how often op was invoked, including failed calls.
func (c *SimChain) Calls(op string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[op]
}

// Leg returns the recorded receipt for op and key.
func (c *SimChain) Leg(op, key string) (swap.TxReceipt, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	legs := c.locks
	if op == OpSettle {
		legs = c.settles
	}
	leg, ok := legs[key]
	if !ok {
		return swap.TxReceipt{}, false
	}
	return leg.receipt, true
}

// DropLeg forgets the leg recorded for op and key, as if its transaction
// never made it into a block.
func (c *SimChain) DropLeg(op, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if op == OpSettle {
		delete(c.settles, key)
		return
	}
	delete(c.locks, key)
}

// Height returns the current block height.
func (c *SimChain) Height() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.height
}

// simTxHash derives a NEAR-style base58 transaction hash.
func simTxHash(symbol, op, key string) string {
	sum := sha3.Sum256([]byte(fmt.Sprintf("sim|%s|%s|%s", symbol, op, key)))
	return base58.Encode(sum[:])
}
