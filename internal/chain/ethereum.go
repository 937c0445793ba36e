package chain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Address errors.
var (
	ErrUnknownChain   = errors.New("unknown chain")
	ErrInvalidAddress = errors.New("invalid address")
)

// evmNetworks lists the EVM deployments the bridge runs on. Every EVM
// chain derives operator keys on coin type 60.
var evmNetworks = []struct {
	symbol  string
	network Network
	name    string
	native  string
	chainID uint64
}{
	{"ETH", Mainnet, "Ethereum", "ETH", 1},
	{"ETH", Testnet, "Ethereum Sepolia", "ETH", 11155111},
	{"BSC", Mainnet, "BNB Smart Chain", "BNB", 56},
	{"BSC", Testnet, "BNB Smart Chain Testnet", "BNB", 97},
}

func init() {
	for _, n := range evmNetworks {
		Register(n.symbol, n.network, &Params{
			Symbol:         n.symbol,
			Name:           n.name,
			Type:           ChainTypeEVM,
			Decimals:       18,
			NativeToken:    n.native,
			CoinType:       60,
			DefaultPurpose: 44,
			ChainID:        n.chainID,
		})
	}
}

// normalizeEVMAddress accepts 0x-prefixed hex addresses. Mixed-case input
// must carry a valid EIP-55 checksum.
func normalizeEVMAddress(addr string) (string, error) {
	if !strings.HasPrefix(addr, "0x") || !common.IsHexAddress(addr) {
		return "", fmt.Errorf("%w: %q is not a hex address", ErrInvalidAddress, addr)
	}
	a := common.HexToAddress(addr)
	if a == (common.Address{}) {
		return "", fmt.Errorf("%w: zero address", ErrInvalidAddress)
	}
	body := addr[2:]
	if strings.ToLower(body) != body && strings.ToUpper(body) != body && a.Hex() != addr {
		return "", fmt.Errorf("%w: bad checksum %q", ErrInvalidAddress, addr)
	}
	return a.Hex(), nil
}
