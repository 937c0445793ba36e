package bridge

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// LockParams are the arguments of the contract's lock call.
type LockParams struct {
	CorrelationKey [32]byte
	From           common.Address
	Amount         *big.Int
	ToChain        string
	Recipient      string
	Memo           []byte
}

// Client is a wrapper around the KlingonBridge contract.
type Client struct {
	client          *ethclient.Client
	contract        *bind.BoundContract
	contractAddress common.Address
	chainID         *big.Int
}

// NewClient connects to rpcURL and binds the contract at contractAddress.
func NewClient(ctx context.Context, rpcURL string, contractAddress common.Address) (*Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}

	return &Client{
		client:          client,
		contract:        bind.NewBoundContract(contractAddress, parsedABI, client, client, client),
		contractAddress: contractAddress,
		chainID:         chainID,
	}, nil
}

// Close closes the underlying RPC connection
func (c *Client) Close() {
	c.client.Close()
}

// ChainID returns the chain ID
func (c *Client) ChainID() *big.Int {
	return c.chainID
}

// ContractAddress returns the contract address
func (c *Client) ContractAddress() common.Address {
	return c.contractAddress
}

// =============================================================================
// Transactions
// =============================================================================

// Lock submits a lock call. The contract pulls Amount of the wrapped token
// from p.From, which must have approved the bridge.
func (c *Client) Lock(ctx context.Context, privateKey *ecdsa.PrivateKey, p LockParams) (*types.Transaction, error) {
	auth, err := c.newTransactor(ctx, privateKey)
	if err != nil {
		return nil, err
	}
	memo := p.Memo
	if memo == nil {
		memo = []byte{}
	}
	return c.contract.Transact(auth, "lock", p.CorrelationKey, p.From, p.Amount, p.ToChain, p.Recipient, memo)
}

// Release mints or unlocks amount to the recipient for correlationKey.
func (c *Client) Release(
	ctx context.Context,
	privateKey *ecdsa.PrivateKey,
	correlationKey [32]byte,
	to common.Address,
	amount *big.Int,
) (*types.Transaction, error) {
	auth, err := c.newTransactor(ctx, privateKey)
	if err != nil {
		return nil, err
	}
	return c.contract.Transact(auth, "release", correlationKey, to, amount)
}

// =============================================================================
// View Functions
// =============================================================================

// LegState returns the contract's record of correlationKey.
func (c *Client) LegState(ctx context.Context, correlationKey [32]byte) (LegState, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "legState", correlationKey); err != nil {
		return 0, fmt.Errorf("failed to get leg state: %w", err)
	}
	if len(out) != 1 {
		return 0, fmt.Errorf("legState: unexpected output length %d", len(out))
	}
	state := *abi.ConvertType(out[0], new(uint8)).(*uint8)
	return LegState(state), nil
}

// BlockNumber returns the latest block number.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return c.client.BlockNumber(ctx)
}

// =============================================================================
// Event Queries
// =============================================================================

// FilterEvents returns bridge events in [fromBlock, toBlock] in log order.
func (c *Client) FilterEvents(ctx context.Context, fromBlock, toBlock uint64) ([]*Event, error) {
	logs, err := c.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.contractAddress},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to filter logs: %w", err)
	}
	return parseLogs(logs)
}

// FindLeg returns the first kind event for correlationKey at or after
// fromBlock, or nil if there is none.
func (c *Client) FindLeg(ctx context.Context, kind EventKind, correlationKey [32]byte, fromBlock uint64) (*Event, error) {
	ev, ok := parsedABI.Events[string(kind)]
	if !ok || kind == EventDeposited {
		return nil, fmt.Errorf("no keyed event %q", kind)
	}

	logs, err := c.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		Addresses: []common.Address{c.contractAddress},
		Topics:    [][]common.Hash{{ev.ID}, {common.Hash(correlationKey)}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to filter %s logs: %w", kind, err)
	}
	events, err := parseLogs(logs)
	if err != nil || len(events) == 0 {
		return nil, err
	}
	return events[0], nil
}

func parseLogs(logs []types.Log) ([]*Event, error) {
	events := make([]*Event, 0, len(logs))
	for _, log := range logs {
		if log.Removed {
			continue
		}
		ev, err := ParseLog(log)
		if errors.Is(err, ErrUnknownEvent) {
			continue
		}
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// =============================================================================
// Transaction Helpers
// =============================================================================

// WaitForTx waits for a transaction to be mined and returns the receipt
func (c *Client) WaitForTx(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	return bind.WaitMined(ctx, c.client, tx)
}

// WaitForTxWithTimeout waits for a transaction with a timeout
func (c *Client) WaitForTxWithTimeout(ctx context.Context, tx *types.Transaction, timeout time.Duration) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.WaitForTx(ctx, tx)
}

// =============================================================================
// Internal Helpers
// =============================================================================

func (c *Client) newTransactor(ctx context.Context, privateKey *ecdsa.PrivateKey) (*bind.TransactOpts, error) {
	auth, err := bind.NewKeyedTransactorWithChainID(privateKey, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	auth.Context = ctx
	return auth, nil
}

// AddressFromPrivateKey derives the address from a private key
func AddressFromPrivateKey(privateKey *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(privateKey.PublicKey)
}
