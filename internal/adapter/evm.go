package adapter

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/klingon-exchange/klingon-bridge/internal/contracts/bridge"
	"github.com/klingon-exchange/klingon-bridge/internal/swap"
	"github.com/klingon-exchange/klingon-bridge/pkg/logging"
)

// BridgeContract is the contract surface the EVM adapter drives.
// *bridge.Client implements it.
type BridgeContract interface {
	Lock(ctx context.Context, key *ecdsa.PrivateKey, p bridge.LockParams) (*types.Transaction, error)
	Release(ctx context.Context, key *ecdsa.PrivateKey, correlationKey [32]byte, to common.Address, amount *big.Int) (*types.Transaction, error)
	LegState(ctx context.Context, correlationKey [32]byte) (bridge.LegState, error)
	BlockNumber(ctx context.Context) (uint64, error)
	FilterEvents(ctx context.Context, fromBlock, toBlock uint64) ([]*bridge.Event, error)
	FindLeg(ctx context.Context, kind bridge.EventKind, correlationKey [32]byte, fromBlock uint64) (*bridge.Event, error)
	WaitForTx(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
}

// Signer is the operator account that submits bridge transactions.
// *wallet.Signer implements it.
type Signer interface {
	Address() string
	ECDSA() *ecdsa.PrivateKey
	SignPersonal(message []byte) (string, error)
}

// EVMConfig configures an EVMAdapter.
type EVMConfig struct {
	// Symbol is the chain symbol, e.g. "ETH".
	Symbol string

	// Confirmations is the depth at which legs and events are final.
	Confirmations uint64

	// PollInterval is how often the event stream polls for new blocks.
	PollInterval time.Duration

	// Lookback is how many blocks before the head the first subscription
	// and leg lookups start from.
	Lookback uint64

	// MaxRange caps the block span of one log query.
	MaxRange uint64

	// TxTimeout bounds how long a submitted transaction is awaited.
	TxTimeout time.Duration
}

// DefaultEVMConfig returns defaults for symbol.
func DefaultEVMConfig(symbol string) EVMConfig {
	return EVMConfig{
		Symbol:        symbol,
		Confirmations: 12,
		PollInterval:  12 * time.Second,
		Lookback:      5000,
		MaxRange:      2000,
		TxTimeout:     2 * time.Minute,
	}
}

// EVMAdapter implements swap.ChainAdapter on the KlingonBridge contract.
// It also implements swap.AttestationSigner with the operator key.
type EVMAdapter struct {
	cfg      EVMConfig
	contract BridgeContract
	signer   Signer
	log      *logging.Logger

	mu        sync.Mutex
	nextBlock uint64 // first block the next poll scans; 0 until the first subscription
}

// Compile-time interface checks.
var (
	_ swap.ChainAdapter      = (*EVMAdapter)(nil)
	_ swap.AttestationSigner = (*EVMAdapter)(nil)
)

// NewEVMAdapter creates an adapter. Zero config fields take defaults.
func NewEVMAdapter(cfg EVMConfig, contract BridgeContract, signer Signer) *EVMAdapter {
	def := DefaultEVMConfig(cfg.Symbol)
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxRange == 0 {
		cfg.MaxRange = def.MaxRange
	}
	if cfg.TxTimeout <= 0 {
		cfg.TxTimeout = def.TxTimeout
	}
	return &EVMAdapter{
		cfg:      cfg,
		contract: contract,
		signer:   signer,
		log:      logging.GetDefault().Component("evm-adapter").With("chain", cfg.Symbol),
	}
}

// Chain returns the chain symbol.
func (a *EVMAdapter) Chain() string {
	return a.cfg.Symbol
}

// Lock locks req.Amount from req.Wallet. A key the contract already knows
// returns the recorded leg instead of submitting again.
func (a *EVMAdapter) Lock(ctx context.Context, req swap.LockRequest) (*swap.TxReceipt, error) {
	key, err := bridge.ParseCorrelationKey(req.CorrelationKey)
	if err != nil {
		return nil, swap.Permanent(err)
	}
	if !common.IsHexAddress(req.Wallet) {
		return nil, swap.Permanent(fmt.Errorf("%w: source wallet %q", swap.ErrInvalidAddress, req.Wallet))
	}

	if rcpt, err := a.existingLeg(ctx, bridge.EventLocked, key); rcpt != nil || err != nil {
		return rcpt, err
	}

	tx, err := a.contract.Lock(ctx, a.signer.ECDSA(), bridge.LockParams{
		CorrelationKey: key,
		From:           common.HexToAddress(req.Wallet),
		Amount:         new(big.Int).SetUint64(req.Amount),
		ToChain:        req.RecipientChain,
		Recipient:      req.Recipient,
		Memo:           req.ProtectedMemo,
	})
	if err != nil {
		return nil, classifyTxError("lock", err)
	}
	a.log.Info("Submitted lock", "swap_id", req.SwapID, "tx", tx.Hash().Hex())

	return a.await(ctx, tx, bridge.EventLocked, key)
}

// MintOrUnlock releases req.Amount to req.Recipient.
func (a *EVMAdapter) MintOrUnlock(ctx context.Context, req swap.SettleRequest) (*swap.TxReceipt, error) {
	key, err := bridge.ParseCorrelationKey(req.CorrelationKey)
	if err != nil {
		return nil, swap.Permanent(err)
	}
	if !common.IsHexAddress(req.Recipient) {
		return nil, swap.Permanent(fmt.Errorf("%w: recipient %q", swap.ErrInvalidAddress, req.Recipient))
	}

	if rcpt, err := a.existingLeg(ctx, bridge.EventReleased, key); rcpt != nil || err != nil {
		return rcpt, err
	}

	tx, err := a.contract.Release(ctx, a.signer.ECDSA(), key, common.HexToAddress(req.Recipient), new(big.Int).SetUint64(req.Amount))
	if err != nil {
		return nil, classifyTxError("release", err)
	}
	a.log.Info("Submitted release", "swap_id", req.SwapID, "tx", tx.Hash().Hex())

	return a.await(ctx, tx, bridge.EventReleased, key)
}

// LockStatus returns the lock leg the contract holds for correlationKey,
// or nil if it has none.
func (a *EVMAdapter) LockStatus(ctx context.Context, correlationKey string) (*swap.TxReceipt, error) {
	key, err := bridge.ParseCorrelationKey(correlationKey)
	if err != nil {
		return nil, swap.Permanent(err)
	}
	return a.existingLeg(ctx, bridge.EventLocked, key)
}

// SignAttestation signs the correlation key with the operator account.
func (a *EVMAdapter) SignAttestation(_ context.Context, correlationKey string) (string, error) {
	return a.signer.SignPersonal([]byte(correlationKey))
}

// existingLeg returns the recorded leg for key, or nil if the contract has
// none. A recorded leg whose event cannot be found yet is transient.
func (a *EVMAdapter) existingLeg(ctx context.Context, kind bridge.EventKind, key [32]byte) (*swap.TxReceipt, error) {
	state, err := a.contract.LegState(ctx, key)
	if err != nil {
		return nil, swap.Transient(err)
	}
	want := bridge.LegStateLocked
	if kind == bridge.EventReleased {
		want = bridge.LegStateReleased
	}
	if state < want {
		return nil, nil
	}

	head, err := a.contract.BlockNumber(ctx)
	if err != nil {
		return nil, swap.Transient(err)
	}
	ev, err := a.contract.FindLeg(ctx, kind, key, a.lookbackStart(head))
	if err != nil {
		return nil, swap.Transient(err)
	}
	if ev == nil {
		return nil, swap.Transient(fmt.Errorf("%s leg recorded but no event within lookback", kind))
	}

	a.log.Debug("Found existing leg", "kind", kind, "tx", ev.TxHash.Hex())
	return a.receipt(ev.TxHash, ev.BlockNumber, ev.CorrelationKey, head), nil
}

// await waits for tx and reports its leg. The correlation key is read back
// from the mined log, not from the request.
func (a *EVMAdapter) await(ctx context.Context, tx *types.Transaction, kind bridge.EventKind, requested [32]byte) (*swap.TxReceipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, a.cfg.TxTimeout)
	defer cancel()

	mined, err := a.contract.WaitForTx(waitCtx, tx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Not mined yet. The receipt is unconfirmed; the event stream
		// confirms it later.
		a.log.Warn("Transaction not mined in time", "tx", tx.Hash().Hex(), "error", err)
		return &swap.TxReceipt{TxHash: tx.Hash().Hex(), CorrelationKey: bridge.FormatCorrelationKey(requested)}, nil
	}
	if mined.Status != types.ReceiptStatusSuccessful {
		return nil, swap.Permanent(fmt.Errorf("%s transaction %s reverted", kind, tx.Hash().Hex()))
	}

	key := requested
	for _, log := range mined.Logs {
		ev, err := bridge.ParseLog(*log)
		if err == nil && ev.Kind == kind {
			key = ev.CorrelationKey
			break
		}
	}

	head, err := a.contract.BlockNumber(ctx)
	if err != nil {
		head = mined.BlockNumber.Uint64()
	}
	return a.receipt(tx.Hash(), mined.BlockNumber.Uint64(), key, head), nil
}

func (a *EVMAdapter) receipt(txHash common.Hash, block uint64, key [32]byte, head uint64) *swap.TxReceipt {
	return &swap.TxReceipt{
		TxHash:         txHash.Hex(),
		Confirmed:      depth(head, block) >= a.cfg.Confirmations,
		CorrelationKey: bridge.FormatCorrelationKey(key),
		BlockHeight:    block,
	}
}

func (a *EVMAdapter) lookbackStart(head uint64) uint64 {
	if head > a.cfg.Lookback {
		return head - a.cfg.Lookback
	}
	return 0
}

// SubscribeEvents polls the contract for final events. Only blocks at least
// Confirmations deep are scanned, so every event is delivered once per
// adapter unless the stream fails mid-batch. The channel closes on the first
// RPC error; the next subscription resumes where this one stopped.
func (a *EVMAdapter) SubscribeEvents(ctx context.Context) (<-chan swap.ChainEvent, error) {
	head, err := a.contract.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get head: %w", err)
	}

	a.mu.Lock()
	if a.nextBlock == 0 {
		a.nextBlock = a.lookbackStart(head)
	}
	a.mu.Unlock()

	out := make(chan swap.ChainEvent, 64)
	go func() {
		defer close(out)

		ticker := time.NewTicker(a.cfg.PollInterval)
		defer ticker.Stop()

		for {
			if err := a.poll(ctx, out); err != nil {
				if ctx.Err() == nil {
					a.log.Warn("Event poll failed, closing stream", "error", err)
				}
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return out, nil
}

// poll scans the next final block range and forwards its events.
func (a *EVMAdapter) poll(ctx context.Context, out chan<- swap.ChainEvent) error {
	head, err := a.contract.BlockNumber(ctx)
	if err != nil {
		return err
	}

	a.mu.Lock()
	from := a.nextBlock
	a.mu.Unlock()

	// Highest block with the required depth.
	if head+1 < a.cfg.Confirmations {
		return nil
	}
	final := head + 1 - max(a.cfg.Confirmations, 1)
	for from <= final {
		to := min(final, from+a.cfg.MaxRange-1)

		events, err := a.contract.FilterEvents(ctx, from, to)
		if err != nil {
			return err
		}
		for _, ev := range events {
			ce, ok := a.toChainEvent(ev, head)
			if !ok {
				continue
			}
			select {
			case out <- ce:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		from = to + 1
		a.mu.Lock()
		a.nextBlock = from
		a.mu.Unlock()
	}
	return nil
}

func (a *EVMAdapter) toChainEvent(ev *bridge.Event, head uint64) (swap.ChainEvent, bool) {
	if ev.Amount == nil || !ev.Amount.IsUint64() {
		a.log.Warn("Skipping event with out-of-range amount", "tx", ev.TxHash.Hex())
		return swap.ChainEvent{}, false
	}

	ce := swap.ChainEvent{
		Chain:          a.cfg.Symbol,
		Subject:        ev.Account.Hex(),
		Amount:         ev.Amount.Uint64(),
		TxHash:         ev.TxHash.Hex(),
		Confirmations:  depth(head, ev.BlockNumber),
		BlockHeight:    ev.BlockNumber,
		RecipientChain: ev.ToChain,
		Recipient:      ev.Recipient,
	}
	if ev.HasCorrelationKey() {
		ce.CorrelationKey = bridge.FormatCorrelationKey(ev.CorrelationKey)
	}

	switch ev.Kind {
	case bridge.EventLocked:
		ce.Kind = swap.EventLocked
	case bridge.EventReleased:
		ce.Kind = swap.EventUnlocked
		ce.Recipient = ev.Account.Hex()
	case bridge.EventDeposited:
		ce.Kind = swap.EventDeposit
	default:
		return swap.ChainEvent{}, false
	}
	return ce, true
}

func depth(head, block uint64) uint64 {
	if head < block {
		return 0
	}
	return head - block + 1
}

// classifyTxError maps a submission error to a transient or permanent
// adapter error. Reverts and balance failures are permanent.
func classifyTxError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"),
		strings.Contains(msg, "exceeds balance"),
		strings.Contains(msg, "insufficient allowance"):
		return swap.Permanent(fmt.Errorf("%s: %w: %v", op, swap.ErrInsufficientFunds, err))
	case strings.Contains(msg, "execution reverted"):
		return swap.Permanent(fmt.Errorf("%s: %w", op, err))
	default:
		return swap.Transient(fmt.Errorf("%s: %w", op, err))
	}
}
