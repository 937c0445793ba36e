// Package chain defines chain parameters, derivation paths and address rules
// for the chains the bridge touches.
package chain

import (
	"fmt"
	"sort"
	"sync"
)

// Network represents mainnet or testnet.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

// ChainType represents the blockchain family.
type ChainType string

const (
	ChainTypeEVM  ChainType = "evm"  // Ethereum and EVM chains
	ChainTypeNEAR ChainType = "near" // NEAR Protocol
)

// AddressType represents the address encoding format.
type AddressType string

const (
	AddressEVM          AddressType = "evm"           // 0x...
	AddressNEARNamed    AddressType = "near-named"    // alice.near
	AddressNEARImplicit AddressType = "near-implicit" // 64 hex chars
)

// Params contains all parameters for a blockchain.
type Params struct {
	// Identity
	Symbol   string    // ETH, BSC, NEAR
	Name     string    // Ethereum, NEAR Protocol, etc.
	Type     ChainType // evm, near
	Decimals uint8     // 18 for ETH, 24 for NEAR

	// BIP44 derivation
	CoinType       uint32 // BIP44 coin type (60=ETH, 397=NEAR)
	DefaultPurpose uint32 // 44

	// EVM params
	ChainID     uint64 // EVM chain ID
	NativeToken string // Native token symbol - empty means same as Symbol

	// NEAR params
	NetworkID     string // mainnet, testnet
	AccountSuffix string // Top-level account for named accounts (.near, .testnet)
}

// DerivationPath returns the BIP44 derivation path for this chain.
// Format: m/purpose'/coin'/account'/change/index
func (p *Params) DerivationPath(account, change, index uint32) []uint32 {
	return []uint32{
		p.DefaultPurpose + 0x80000000, // purpose' (hardened)
		p.CoinType + 0x80000000,       // coin_type' (hardened)
		account + 0x80000000,          // account' (hardened)
		change,                        // change (0=external, 1=internal)
		index,                         // address_index
	}
}

// DerivationPathString returns the derivation path as a string.
func (p *Params) DerivationPathString(account, change, index uint32) string {
	return fmt.Sprintf("m/%d'/%d'/%d'/%d/%d", p.DefaultPurpose, p.CoinType, account, change, index)
}

// GetNativeToken returns the native token symbol for a chain.
func (p *Params) GetNativeToken() string {
	if p.NativeToken != "" {
		return p.NativeToken
	}
	return p.Symbol
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]map[Network]*Params)
)

// Register adds chain params to the registry.
func Register(symbol string, network Network, params *Params) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if registry[symbol] == nil {
		registry[symbol] = make(map[Network]*Params)
	}
	registry[symbol][network] = params
}

// Get returns chain params for a symbol and network.
func Get(symbol string, network Network) (*Params, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	nets, ok := registry[symbol]
	if !ok {
		return nil, false
	}
	params, ok := nets[network]
	return params, ok
}

// List returns all registered chain symbols, sorted.
func List() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	symbols := make([]string, 0, len(registry))
	for symbol := range registry {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}

// IsSupported returns true if the chain is registered.
func IsSupported(symbol string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[symbol]
	return ok
}

// GetByChainID returns chain params for an EVM chain ID.
func GetByChainID(chainID uint64, network Network) (*Params, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	for _, nets := range registry {
		if params, ok := nets[network]; ok {
			if params.Type == ChainTypeEVM && params.ChainID == chainID {
				return params, true
			}
		}
	}
	return nil, false
}

// ValidateAddress checks that addr is a well-formed recipient on the chain.
func ValidateAddress(symbol string, network Network, addr string) error {
	_, err := NormalizeAddress(symbol, network, addr)
	return err
}

// NormalizeAddress validates addr for the chain and returns its canonical
// form: checksummed hex for EVM, the account id for NEAR. NEAR recipients
// may also be given as an "ed25519:<base58>" public key, which maps to its
// implicit account.
func NormalizeAddress(symbol string, network Network, addr string) (string, error) {
	params, ok := Get(symbol, network)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownChain, symbol)
	}
	switch params.Type {
	case ChainTypeEVM:
		return normalizeEVMAddress(addr)
	case ChainTypeNEAR:
		return normalizeNEARAccount(params, addr)
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownChain, symbol)
	}
}
