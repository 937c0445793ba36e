// Package config provides centralized configuration for the Klingon bridge.
// Bridge parameters (chains, pairs, amount bounds, confirmations, contracts)
// are defined here; the daemon's YAML settings live in daemon.go.
package config

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/klingon-exchange/klingon-bridge/pkg/helpers"
)

// =============================================================================
// Network Types
// =============================================================================

// NetworkType represents mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// =============================================================================
// Chain Definitions
// =============================================================================

// ChainType represents the family of a chain.
type ChainType string

const (
	ChainTypeEVM  ChainType = "evm"  // ETH, BSC
	ChainTypeNEAR ChainType = "near" // NEAR Protocol
)

// BridgeAssetDecimals is the precision of the wrapped bridge asset. It is the
// same on every chain so amounts never need rescaling between legs.
const BridgeAssetDecimals = 8

// Chain represents a chain the bridge can lock on or settle to.
type Chain struct {
	Symbol         string    // e.g., "ETH", "NEAR"
	Name           string    // e.g., "Ethereum"
	Type           ChainType // Chain family
	NativeDecimals uint8     // Decimals of the chain's gas token
	MinAmount      uint64    // Minimum bridge amount in asset base units
	MaxAmount      uint64    // Maximum bridge amount in asset base units (0 = no limit)
}

// IsEVM reports whether the chain runs the EVM bridge contract.
func (c Chain) IsEVM() bool {
	return c.Type == ChainTypeEVM
}

// Amount bound errors.
var (
	ErrAmountZero     = errors.New("amount must be positive")
	ErrAmountTooSmall = errors.New("amount below chain minimum")
	ErrAmountTooLarge = errors.New("amount above chain maximum")
)

// CheckAmount validates an amount against the chain's bounds.
func (c Chain) CheckAmount(amount uint64) error {
	if amount == 0 {
		return ErrAmountZero
	}
	if amount < c.MinAmount {
		return fmt.Errorf("%w: %s < %s on %s", ErrAmountTooSmall,
			helpers.FormatAmount(amount, BridgeAssetDecimals), helpers.FormatAmount(c.MinAmount, BridgeAssetDecimals), c.Symbol)
	}
	if c.MaxAmount > 0 && amount > c.MaxAmount {
		return fmt.Errorf("%w: %s > %s on %s", ErrAmountTooLarge,
			helpers.FormatAmount(amount, BridgeAssetDecimals), helpers.FormatAmount(c.MaxAmount, BridgeAssetDecimals), c.Symbol)
	}
	return nil
}

// SupportedChains defines all chains known to the bridge.
var SupportedChains = map[string]Chain{
	"ETH": {
		Symbol:         "ETH",
		Name:           "Ethereum",
		Type:           ChainTypeEVM,
		NativeDecimals: 18,
		MinAmount:      100_000,               // 0.001
		MaxAmount:      1_000_000_000_000_000, // 10M
	},
	"BSC": {
		Symbol:         "BSC",
		Name:           "BNB Smart Chain",
		Type:           ChainTypeEVM,
		NativeDecimals: 18,
		MinAmount:      100_000,
		MaxAmount:      1_000_000_000_000_000,
	},
	"NEAR": {
		Symbol:         "NEAR",
		Name:           "NEAR Protocol",
		Type:           ChainTypeNEAR,
		NativeDecimals: 24,
		MinAmount:      100_000,
		MaxAmount:      1_000_000_000_000_000,
	},
}

// =============================================================================
// Bridge Pairs
// =============================================================================

// Pair is a directed bridge route.
type Pair struct {
	From string
	To   string
}

// String returns the pair as "FROM->TO".
func (p Pair) String() string {
	return p.From + "->" + p.To
}

// SupportedPairs lists the directed routes. Every route joins an EVM chain
// with the non-EVM chain.
var SupportedPairs = []Pair{
	{From: "ETH", To: "NEAR"},
	{From: "NEAR", To: "ETH"},
	{From: "BSC", To: "NEAR"},
	{From: "NEAR", To: "BSC"},
}

// IsPairSupported returns true if from->to is a supported route.
func IsPairSupported(from, to string) bool {
	for _, p := range SupportedPairs {
		if p.From == from && p.To == to {
			return true
		}
	}
	return false
}

// Counterparts returns the chains reachable from symbol, sorted.
func Counterparts(symbol string) []string {
	var out []string
	for _, p := range SupportedPairs {
		if p.From == symbol {
			out = append(out, p.To)
		}
	}
	sort.Strings(out)
	return out
}

// =============================================================================
// Chain Parameters
// =============================================================================

// ChainParams holds network-specific parameters for a chain.
type ChainParams struct {
	ChainID       uint64 // EVM chain ID (0 for non-EVM)
	NetworkID     string // Non-EVM network name
	RPCEndpoint   string // Default RPC endpoint
	ExplorerURL   string // Block explorer URL
	Confirmations uint32 // Required confirmations for finality
}

// MainnetChainParams contains mainnet parameters for each chain.
var MainnetChainParams = map[string]ChainParams{
	"ETH": {
		ChainID:       1,
		RPCEndpoint:   "https://eth.llamarpc.com",
		ExplorerURL:   "https://etherscan.io",
		Confirmations: 12,
	},
	"BSC": {
		ChainID:       56,
		RPCEndpoint:   "https://bsc-dataseed.binance.org",
		ExplorerURL:   "https://bscscan.com",
		Confirmations: 15,
	},
	"NEAR": {
		NetworkID:     "mainnet",
		RPCEndpoint:   "https://rpc.mainnet.near.org",
		ExplorerURL:   "https://nearblocks.io",
		Confirmations: 3,
	},
}

// TestnetChainParams contains testnet parameters for each chain.
var TestnetChainParams = map[string]ChainParams{
	"ETH": {
		ChainID:       11155111, // Sepolia
		RPCEndpoint:   "https://rpc.sepolia.org",
		ExplorerURL:   "https://sepolia.etherscan.io",
		Confirmations: 2,
	},
	"BSC": {
		ChainID:       97, // BSC Testnet
		RPCEndpoint:   "https://data-seed-prebsc-1-s1.binance.org:8545",
		ExplorerURL:   "https://testnet.bscscan.com",
		Confirmations: 3,
	},
	"NEAR": {
		NetworkID:     "testnet",
		RPCEndpoint:   "https://rpc.testnet.near.org",
		ExplorerURL:   "https://testnet.nearblocks.io",
		Confirmations: 1,
	},
}

// =============================================================================
// Swap Timing
// =============================================================================

// SwapConfig holds bridge swap timing parameters.
type SwapConfig struct {
	// TTL is how long a swap may stay Pending before it expires.
	TTL time.Duration

	// SweepInterval is how often expired Pending swaps are swept.
	SweepInterval time.Duration

	// LockGrace is how long past expiry a submitted source lock may stay
	// unrecorded on-chain before the swap is failed.
	LockGrace time.Duration
}

// DefaultSwapConfig returns the default swap configuration.
func DefaultSwapConfig() SwapConfig {
	return SwapConfig{
		TTL:           30 * time.Minute,
		SweepInterval: 30 * time.Second,
		LockGrace:     time.Hour,
	}
}

// =============================================================================
// Bridge Configuration
// =============================================================================

// BridgeConfig holds the network-resolved static configuration.
type BridgeConfig struct {
	Network     NetworkType
	Swap        SwapConfig
	ChainParams map[string]ChainParams
}

// NewBridgeConfig creates a bridge configuration for the given network.
func NewBridgeConfig(network NetworkType) *BridgeConfig {
	cfg := &BridgeConfig{
		Network: network,
		Swap:    DefaultSwapConfig(),
	}
	if network == Testnet {
		cfg.ChainParams = TestnetChainParams
	} else {
		cfg.ChainParams = MainnetChainParams
	}
	return cfg
}

// GetChainParams returns the chain parameters for a given chain symbol.
func (c *BridgeConfig) GetChainParams(symbol string) (ChainParams, bool) {
	params, ok := c.ChainParams[symbol]
	return params, ok
}

// GetChain returns the chain definition for a given symbol.
func GetChain(symbol string) (Chain, bool) {
	chain, ok := SupportedChains[symbol]
	return chain, ok
}

// IsChainSupported returns true if the chain is supported.
func IsChainSupported(symbol string) bool {
	_, ok := SupportedChains[symbol]
	return ok
}

// IsEVMChain returns true if the chain is a supported EVM chain.
func IsEVMChain(symbol string) bool {
	chain, ok := SupportedChains[symbol]
	return ok && chain.IsEVM()
}

// ListSupportedChains returns all supported chain symbols, sorted.
func ListSupportedChains() []string {
	chains := make([]string, 0, len(SupportedChains))
	for symbol := range SupportedChains {
		chains = append(chains, symbol)
	}
	sort.Strings(chains)
	return chains
}
