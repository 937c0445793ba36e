package config

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// EVMContractAddresses holds bridge contract addresses for a specific EVM chain.
type EVMContractAddresses struct {
	// BridgeContract is the lock/mint bridge contract.
	BridgeContract common.Address

	// WrappedToken is the ERC-20 the bridge mints and burns.
	WrappedToken common.Address
}

var (
	evmContractMu sync.RWMutex

	// evmContractRegistry maps chainID -> contract addresses. Entries start
	// empty and are filled from the daemon config at startup.
	evmContractRegistry = map[uint64]*EVMContractAddresses{
		// Testnets
		11155111: {}, // Ethereum Sepolia
		97:       {}, // BSC Testnet

		// Mainnets
		1:  {}, // Ethereum
		56: {}, // BSC
	}
)

// GetEVMContracts returns contract addresses for a given chain ID.
// Returns nil if the chain is not registered.
func GetEVMContracts(chainID uint64) *EVMContractAddresses {
	evmContractMu.RLock()
	defer evmContractMu.RUnlock()
	if c := evmContractRegistry[chainID]; c != nil {
		cp := *c
		return &cp
	}
	return nil
}

// GetBridgeContract returns the bridge contract address for a given chain ID.
// Returns the zero address if the chain is not registered or not deployed.
func GetBridgeContract(chainID uint64) common.Address {
	if contracts := GetEVMContracts(chainID); contracts != nil {
		return contracts.BridgeContract
	}
	return common.Address{}
}

// IsBridgeDeployed returns true if the bridge contract is set for the chain.
func IsBridgeDeployed(chainID uint64) bool {
	return GetBridgeContract(chainID) != (common.Address{})
}

// SetBridgeContract sets the bridge contract address for a specific chain.
// Creates a new entry if the chain doesn't exist.
func SetBridgeContract(chainID uint64, address common.Address) {
	evmContractMu.Lock()
	defer evmContractMu.Unlock()
	if evmContractRegistry[chainID] == nil {
		evmContractRegistry[chainID] = &EVMContractAddresses{}
	}
	evmContractRegistry[chainID].BridgeContract = address
}

// SetWrappedToken sets the wrapped token address for a specific chain.
func SetWrappedToken(chainID uint64, address common.Address) {
	evmContractMu.Lock()
	defer evmContractMu.Unlock()
	if evmContractRegistry[chainID] == nil {
		evmContractRegistry[chainID] = &EVMContractAddresses{}
	}
	evmContractRegistry[chainID].WrappedToken = address
}
