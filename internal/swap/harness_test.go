package swap_test

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/sha3"

	"github.com/klingon-exchange/klingon-bridge/internal/adapter"
	"github.com/klingon-exchange/klingon-bridge/internal/pqcrypto"
	"github.com/klingon-exchange/klingon-bridge/internal/storage/memory"
	"github.com/klingon-exchange/klingon-bridge/internal/swap"
)

const (
	testWallet    = "0x9858EfFD232B4033E47d90003D41EC34EcaEda94"
	testRecipient = "bob.near"
	testAmount    = 1_000_000
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// stubProtector derives the correlation key from the swap id.
type stubProtector struct {
	err   error
	calls atomic.Int32
}

func (p *stubProtector) Protect(_ context.Context, f swap.ProtectionFields) (*swap.Protection, error) {
	p.calls.Add(1)
	if p.err != nil {
		return nil, p.err
	}
	return &swap.Protection{
		KeyID:          "qk-test",
		CorrelationKey: keyFor(f.SwapID),
		Payload:        swap.ProtectedPayload{Ciphertext: []byte("sealed")},
	}, nil
}

func keyFor(s string) string {
	sum := sha3.Sum256([]byte(s))
	return "0x" + hex.EncodeToString(sum[:])
}

// attestingChain adds attestation signing to a simulated chain.
type attestingChain struct {
	*adapter.SimChain
}

func (c attestingChain) SignAttestation(_ context.Context, key string) (string, error) {
	return "sig:" + key, nil
}

// gatedChain holds settlements until release is closed.
type gatedChain struct {
	*adapter.SimChain
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (c *gatedChain) MintOrUnlock(ctx context.Context, req swap.SettleRequest) (*swap.TxReceipt, error) {
	c.once.Do(func() { close(c.entered) })
	select {
	case <-c.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return c.SimChain.MintOrUnlock(ctx, req)
}

// recordingSink collects status changes.
type recordingSink struct {
	mu     sync.Mutex
	events []swap.SwapStatusChanged
}

func (s *recordingSink) OnStatusChanged(ev swap.SwapStatusChanged) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *recordingSink) For(id string) []swap.SwapStatusChanged {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []swap.SwapStatusChanged
	for _, ev := range s.events {
		if ev.SwapID == id {
			out = append(out, ev)
		}
	}
	return out
}

func (s *recordingSink) All() []swap.SwapStatusChanged {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]swap.SwapStatusChanged(nil), s.events...)
}

type harnessOptions struct {
	ethConfirmations  uint64
	nearConfirmations uint64
	events            bool
	protection        swap.ProtectionProvider
	attest            bool
	gateSettle        bool
}

type harness struct {
	t      *testing.T
	store  *memory.SwapStore
	eth    *adapter.SimChain
	near   *adapter.SimChain
	gate   *gatedChain
	clock  *clock
	sink   *recordingSink
	engine *swap.Engine
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()

	h := &harness{
		t:     t,
		store: memory.NewSwapStore(),
		eth:   adapter.NewSimChain("ETH", adapter.SimOptions{Confirmations: opts.ethConfirmations, Events: opts.events}),
		near:  adapter.NewSimChain("NEAR", adapter.SimOptions{Confirmations: opts.nearConfirmations, Events: opts.events}),
		clock: newClock(),
		sink:  &recordingSink{},
	}

	prot := opts.protection
	if prot == nil {
		prot = &stubProtector{}
	}
	var eth swap.ChainAdapter = h.eth
	if opts.attest {
		eth = attestingChain{h.eth}
	}
	var near swap.ChainAdapter = h.near
	if opts.gateSettle {
		h.gate = &gatedChain{SimChain: h.near, entered: make(chan struct{}), release: make(chan struct{})}
		near = h.gate
	}

	engine, err := swap.NewEngine(swap.EngineConfig{
		Repository: h.store,
		Protection: prot,
		Adapters:   []swap.ChainAdapter{eth, near},
		Retry: swap.RetryPolicy{
			InitialInterval: time.Millisecond,
			MaxInterval:     5 * time.Millisecond,
			Multiplier:      2,
			MaxRetries:      5,
		},
		Sinks: []swap.EventSink{h.sink},
		Now:   h.clock.Now,
	})
	require.NoError(t, err)
	h.engine = engine
	return h
}

func newPQProvider(t *testing.T) *pqcrypto.Provider {
	t.Helper()
	keys, err := pqcrypto.GenerateKeySet(rand.Reader)
	require.NoError(t, err)
	return pqcrypto.NewProvider(keys, "")
}

func (h *harness) initiate() *swap.SwapOperation {
	h.t.Helper()
	s, err := h.engine.Initiate(context.Background(), swap.InitiateRequest{
		UserID:    "u1",
		FromChain: "ETH",
		ToChain:   "NEAR",
		Amount:    testAmount,
		Recipient: testRecipient,
		Wallet:    testWallet,
	})
	require.NoError(h.t, err)
	return s
}

func (h *harness) get(id string) *swap.SwapOperation {
	h.t.Helper()
	s, err := h.store.GetByID(context.Background(), id)
	require.NoError(h.t, err)
	return s
}

// lockEvent builds the event for the recorded source leg of s.
func (h *harness) lockEvent(s *swap.SwapOperation, confirmations uint64) swap.ChainEvent {
	h.t.Helper()
	rcpt, ok := h.eth.Leg(adapter.OpLock, s.CorrelationKey)
	require.True(h.t, ok, "no lock leg")
	return swap.ChainEvent{
		Chain:          "ETH",
		Kind:           swap.EventLocked,
		Subject:        testWallet,
		Amount:         s.Amount,
		CorrelationKey: rcpt.CorrelationKey,
		TxHash:         rcpt.TxHash,
		Confirmations:  confirmations,
		BlockHeight:    rcpt.BlockHeight,
		RecipientChain: "NEAR",
		Recipient:      s.Recipient,
	}
}

// settleEvent builds the event for the recorded destination leg of s.
func (h *harness) settleEvent(s *swap.SwapOperation, confirmations uint64) swap.ChainEvent {
	h.t.Helper()
	rcpt, ok := h.near.Leg(adapter.OpSettle, s.CorrelationKey)
	require.True(h.t, ok, "no settle leg")
	return swap.ChainEvent{
		Chain:          "NEAR",
		Kind:           swap.EventMinted,
		Subject:        s.Recipient,
		Amount:         s.Amount,
		CorrelationKey: rcpt.CorrelationKey,
		TxHash:         rcpt.TxHash,
		Confirmations:  confirmations,
		BlockHeight:    rcpt.BlockHeight,
		Recipient:      s.Recipient,
	}
}

// requireCompletedInvariant checks what every Completed swap must satisfy.
func requireCompletedInvariant(t *testing.T, s *swap.SwapOperation) {
	t.Helper()
	require.Equal(t, swap.StatusCompleted, s.Status)
	require.NotEmpty(t, s.SourceTxHash)
	require.NotEmpty(t, s.DestinationTxHash)
	require.NotEmpty(t, s.CorrelationKey)
	require.Equal(t, s.CorrelationKey, s.Metadata[swap.MetaDestinationKey])
	require.False(t, s.CompletedAt.IsZero())
}

// requireEdges checks that every recorded change follows the status table.
func requireEdges(t *testing.T, events []swap.SwapStatusChanged) {
	t.Helper()
	for _, ev := range events {
		if ev.Old == "" {
			// creation of a synthesized swap
			continue
		}
		require.True(t, swap.CanTransition(ev.Old, ev.New), "%s: %s -> %s", ev.SwapID, ev.Old, ev.New)
	}
}
