package adapter

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klingon-exchange/klingon-bridge/internal/contracts/bridge"
	"github.com/klingon-exchange/klingon-bridge/internal/swap"
)

const (
	evmKey    = "0x3333333333333333333333333333333333333333333333333333333333333333"
	evmWallet = "0x9858EfFD232B4033E47d90003D41EC34EcaEda94"
)

type testSigner struct {
	key *ecdsa.PrivateKey
}

func newTestSigner(t *testing.T) *testSigner {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return &testSigner{key: key}
}

func (s *testSigner) Address() string          { return crypto.PubkeyToAddress(s.key.PublicKey).Hex() }
func (s *testSigner) ECDSA() *ecdsa.PrivateKey { return s.key }
func (s *testSigner) SignPersonal(msg []byte) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash(msg), s.key)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(sig), nil
}

// fakeContract records calls and mines every transaction in the next block.
type fakeContract struct {
	mu       sync.Mutex
	head     uint64
	nonce    uint64
	states   map[[32]byte]bridge.LegState
	events   []*bridge.Event
	lockErr  error
	reverted bool
	headErr  error
	filterFn func(from, to uint64)
	locks    int
	releases int
	logKey   *[32]byte // overrides the key reported in mined logs
	pending  map[common.Hash]*types.Receipt
}

func newFakeContract() *fakeContract {
	return &fakeContract{
		head:    100,
		states:  make(map[[32]byte]bridge.LegState),
		pending: make(map[common.Hash]*types.Receipt),
	}
}

func (f *fakeContract) mine(kind bridge.EventKind, key [32]byte, account common.Address, amount *big.Int, toChain, recipient string) *types.Transaction {
	f.nonce++
	tx := types.NewTx(&types.LegacyTx{Nonce: f.nonce, GasPrice: big.NewInt(1), Gas: 21000})
	f.head++

	reported := key
	if f.logKey != nil {
		reported = *f.logKey
	}

	abiEv := bridge.ABI().Events[string(kind)]
	var data []byte
	if kind == bridge.EventLocked {
		data, _ = abiEv.Inputs.NonIndexed().Pack(amount, toChain, recipient)
	} else {
		data, _ = abiEv.Inputs.NonIndexed().Pack(amount)
	}
	log := &types.Log{
		Topics:      []common.Hash{abiEv.ID, common.Hash(reported), common.BytesToHash(account.Bytes())},
		Data:        data,
		TxHash:      tx.Hash(),
		BlockNumber: f.head,
	}

	status := types.ReceiptStatusSuccessful
	if f.reverted {
		status = types.ReceiptStatusFailed
	}
	f.pending[tx.Hash()] = &types.Receipt{
		Status:      status,
		BlockNumber: new(big.Int).SetUint64(f.head),
		Logs:        []*types.Log{log},
	}
	if !f.reverted {
		f.events = append(f.events, &bridge.Event{
			Kind: kind, CorrelationKey: reported, Account: account, Amount: amount,
			ToChain: toChain, Recipient: recipient, TxHash: tx.Hash(), BlockNumber: f.head,
		})
		if kind == bridge.EventLocked {
			f.states[key] = bridge.LegStateLocked
		} else {
			f.states[key] = bridge.LegStateReleased
		}
	}
	return tx
}

func (f *fakeContract) Lock(_ context.Context, _ *ecdsa.PrivateKey, p bridge.LockParams) (*types.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.locks++
	if f.lockErr != nil {
		return nil, f.lockErr
	}
	return f.mine(bridge.EventLocked, p.CorrelationKey, p.From, p.Amount, p.ToChain, p.Recipient), nil
}

func (f *fakeContract) Release(_ context.Context, _ *ecdsa.PrivateKey, key [32]byte, to common.Address, amount *big.Int) (*types.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
	return f.mine(bridge.EventReleased, key, to, amount, "", ""), nil
}

func (f *fakeContract) LegState(_ context.Context, key [32]byte) (bridge.LegState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[key], nil
}

func (f *fakeContract) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, f.headErr
}

func (f *fakeContract) FilterEvents(_ context.Context, from, to uint64) ([]*bridge.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.filterFn != nil {
		f.filterFn(from, to)
	}
	var out []*bridge.Event
	for _, ev := range f.events {
		if ev.BlockNumber >= from && ev.BlockNumber <= to {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeContract) FindLeg(_ context.Context, kind bridge.EventKind, key [32]byte, from uint64) (*bridge.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range f.events {
		if ev.Kind == kind && ev.CorrelationKey == key && ev.BlockNumber >= from {
			return ev, nil
		}
	}
	return nil, nil
}

func (f *fakeContract) WaitForTx(_ context.Context, tx *types.Transaction) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rcpt, ok := f.pending[tx.Hash()]
	if !ok {
		return nil, errors.New("not found")
	}
	return rcpt, nil
}

func (f *fakeContract) advance(n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.head += n
}

func newTestEVMAdapter(t *testing.T, fc *fakeContract) *EVMAdapter {
	return NewEVMAdapter(EVMConfig{
		Symbol:        "ETH",
		Confirmations: 3,
		PollInterval:  10 * time.Millisecond,
		Lookback:      50,
		MaxRange:      10,
	}, fc, newTestSigner(t))
}

func evmLockReq() swap.LockRequest {
	return swap.LockRequest{
		SwapID:         "s1",
		Amount:         1_000_000,
		RecipientChain: "NEAR",
		Recipient:      "alice.near",
		CorrelationKey: evmKey,
		Wallet:         evmWallet,
	}
}

func TestEVMLockAndReplay(t *testing.T) {
	fc := newFakeContract()
	a := newTestEVMAdapter(t, fc)
	ctx := context.Background()

	rcpt, err := a.Lock(ctx, evmLockReq())
	require.NoError(t, err)
	assert.Equal(t, evmKey, rcpt.CorrelationKey)
	assert.False(t, rcpt.Confirmed, "one block deep")
	assert.Equal(t, uint64(101), rcpt.BlockHeight)

	fc.advance(2)
	again, err := a.Lock(ctx, evmLockReq())
	require.NoError(t, err)
	assert.Equal(t, rcpt.TxHash, again.TxHash)
	assert.True(t, again.Confirmed)
	assert.Equal(t, 1, fc.locks, "replay must not resubmit")
}

func TestEVMLockStatus(t *testing.T) {
	fc := newFakeContract()
	a := newTestEVMAdapter(t, fc)
	ctx := context.Background()

	none, err := a.LockStatus(ctx, evmKey)
	require.NoError(t, err)
	assert.Nil(t, none)

	rcpt, err := a.Lock(ctx, evmLockReq())
	require.NoError(t, err)
	fc.advance(2)

	got, err := a.LockStatus(ctx, evmKey)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rcpt.TxHash, got.TxHash)
	assert.True(t, got.Confirmed)
	assert.Equal(t, 1, fc.locks)

	_, err = a.LockStatus(ctx, "0x12")
	assert.True(t, swap.IsPermanent(err))
}

func TestEVMLockValidation(t *testing.T) {
	a := newTestEVMAdapter(t, newFakeContract())
	ctx := context.Background()

	req := evmLockReq()
	req.CorrelationKey = "nope"
	_, err := a.Lock(ctx, req)
	assert.True(t, swap.IsPermanent(err))

	req = evmLockReq()
	req.Wallet = "alice.near"
	_, err = a.Lock(ctx, req)
	assert.True(t, swap.IsPermanent(err))
	assert.ErrorIs(t, err, swap.ErrInvalidAddress)

	_, err = a.MintOrUnlock(ctx, swap.SettleRequest{Amount: 1, Recipient: "bob.near", CorrelationKey: evmKey})
	assert.ErrorIs(t, err, swap.ErrInvalidAddress)
}

func TestEVMLockErrorClassification(t *testing.T) {
	tests := []struct {
		err       error
		permanent bool
		target    error
	}{
		{errors.New("insufficient funds for gas * price + value"), true, swap.ErrInsufficientFunds},
		{errors.New("execution reverted: ERC20: transfer amount exceeds balance"), true, swap.ErrInsufficientFunds},
		{errors.New("execution reverted: paused"), true, nil},
		{errors.New("connection refused"), false, nil},
	}
	for _, tt := range tests {
		fc := newFakeContract()
		fc.lockErr = tt.err
		_, err := newTestEVMAdapter(t, fc).Lock(context.Background(), evmLockReq())
		require.Error(t, err)
		assert.Equal(t, tt.permanent, swap.IsPermanent(err), tt.err.Error())
		if tt.target != nil {
			assert.ErrorIs(t, err, tt.target)
		}
	}
}

func TestEVMRevertedIsPermanent(t *testing.T) {
	fc := newFakeContract()
	fc.reverted = true
	_, err := newTestEVMAdapter(t, fc).Lock(context.Background(), evmLockReq())
	assert.True(t, swap.IsPermanent(err))
}

func TestEVMReceiptReportsMinedKey(t *testing.T) {
	fc := newFakeContract()
	other := [32]byte{0x44}
	fc.logKey = &other

	rcpt, err := newTestEVMAdapter(t, fc).Lock(context.Background(), evmLockReq())
	require.NoError(t, err)
	assert.Equal(t, bridge.FormatCorrelationKey(other), rcpt.CorrelationKey)
}

func TestEVMRelease(t *testing.T) {
	fc := newFakeContract()
	a := newTestEVMAdapter(t, fc)

	req := swap.SettleRequest{SwapID: "s2", Amount: 42, Recipient: evmWallet, CorrelationKey: evmKey}
	rcpt, err := a.MintOrUnlock(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, evmKey, rcpt.CorrelationKey)

	_, err = a.MintOrUnlock(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, fc.releases)
}

func TestEVMSubscribeEmitsFinalEvents(t *testing.T) {
	fc := newFakeContract()
	a := newTestEVMAdapter(t, fc)

	_, err := a.Lock(context.Background(), evmLockReq())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := a.SubscribeEvents(ctx)
	require.NoError(t, err)

	// Block 101 is one deep; nothing is final yet.
	select {
	case ev := <-events:
		t.Fatalf("unexpected early event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	fc.advance(2)
	var ev swap.ChainEvent
	select {
	case ev = <-events:
	case <-time.After(time.Second):
		t.Fatal("no event")
	}
	assert.Equal(t, swap.EventLocked, ev.Kind)
	assert.Equal(t, "ETH", ev.Chain)
	assert.Equal(t, evmKey, ev.CorrelationKey)
	assert.Equal(t, uint64(1_000_000), ev.Amount)
	assert.Equal(t, "NEAR", ev.RecipientChain)
	assert.Equal(t, "alice.near", ev.Recipient)
	assert.GreaterOrEqual(t, ev.Confirmations, uint64(3))
}

func TestEVMStreamClosesOnErrorAndResumes(t *testing.T) {
	fc := newFakeContract()
	a := newTestEVMAdapter(t, fc)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := a.SubscribeEvents(ctx)
	require.NoError(t, err)

	fc.mu.Lock()
	fc.headErr = errors.New("rpc down")
	fc.mu.Unlock()

	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-events:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)

	fc.advance(5)
	fc.mu.Lock()
	fc.headErr = nil
	var scanned []uint64
	fc.filterFn = func(from, _ uint64) { scanned = append(scanned, from) }
	fc.mu.Unlock()

	a.mu.Lock()
	resume := a.nextBlock
	a.mu.Unlock()
	assert.NotZero(t, resume)

	_, err = a.SubscribeEvents(ctx)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		fc.mu.Lock()
		defer fc.mu.Unlock()
		return len(scanned) > 0
	}, time.Second, 5*time.Millisecond)

	fc.mu.Lock()
	assert.Equal(t, resume, scanned[0])
	fc.mu.Unlock()
}

func TestEVMSignAttestation(t *testing.T) {
	signer := newTestSigner(t)
	a := NewEVMAdapter(EVMConfig{Symbol: "ETH"}, newFakeContract(), signer)

	sigHex, err := a.SignAttestation(context.Background(), evmKey)
	require.NoError(t, err)

	sig, err := hexutil.Decode(sigHex)
	require.NoError(t, err)
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(evmKey)), sig)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), crypto.PubkeyToAddress(*pub).Hex())
}
