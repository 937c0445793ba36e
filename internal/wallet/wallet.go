// Package wallet derives the bridge operator's EVM signing keys from a
// BIP39 seed and keeps the seed encrypted at rest.
package wallet

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"

	"github.com/klingon-exchange/klingon-bridge/internal/chain"
)

// Wallet manages HD keys derived from a BIP39 seed.
type Wallet struct {
	masterKey *hdkeychain.ExtendedKey
	network   chain.Network
	mu        sync.Mutex

	// Derived keys by derivation path string.
	cache map[string]*btcec.PrivateKey
}

// GenerateMnemonic generates a new 24-word BIP39 mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256) // 256 bits = 24 words
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate mnemonic: %w", err)
	}

	return mnemonic, nil
}

// ValidateMnemonic checks if a mnemonic is valid.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

// NewFromMnemonic creates a wallet from a BIP39 mnemonic.
// The passphrase is optional (can be empty string).
func NewFromMnemonic(mnemonic, passphrase string, network chain.Network) (*Wallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}

	seed := bip39.NewSeed(mnemonic, passphrase)
	defer SecureClear(seed)

	return NewFromSeed(seed, network)
}

// NewFromSeed creates a wallet from a raw 64-byte seed.
func NewFromSeed(seed []byte, network chain.Network) (*Wallet, error) {
	// The chaincfg params only affect extended key serialization, never the
	// derived EVM keys.
	params := &chaincfg.MainNetParams
	if network == chain.Testnet {
		params = &chaincfg.TestNet3Params
	}

	masterKey, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	return &Wallet{
		masterKey: masterKey,
		network:   network,
		cache:     make(map[string]*btcec.PrivateKey),
	}, nil
}

// Network returns the wallet's network (mainnet/testnet).
func (w *Wallet) Network() chain.Network {
	return w.network
}

// DerivePrivateKey derives the key for an EVM chain at
// m/44'/60'/account'/0/index.
func (w *Wallet) DerivePrivateKey(symbol string, account, index uint32) (*btcec.PrivateKey, error) {
	params, ok := chain.Get(symbol, w.network)
	if !ok {
		return nil, fmt.Errorf("unsupported chain: %s", symbol)
	}
	if params.Type != chain.ChainTypeEVM {
		return nil, fmt.Errorf("%s: signing keys are only derived for EVM chains", symbol)
	}
	if err := ValidateAccountIndex(account); err != nil {
		return nil, err
	}

	path := params.DerivationPath(account, 0, index)
	pathStr := params.DerivationPathString(account, 0, index)

	w.mu.Lock()
	defer w.mu.Unlock()

	if key, ok := w.cache[pathStr]; ok {
		return key, nil
	}

	key := w.masterKey
	for _, step := range path {
		next, err := key.Derive(step)
		if err != nil {
			return nil, fmt.Errorf("failed to derive %s: %w", pathStr, err)
		}
		key = next
	}

	privKey, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get private key: %w", err)
	}

	w.cache[pathStr] = privKey
	return privKey, nil
}

// DeriveAddress derives the EIP-55 address for a chain, account and index.
func (w *Wallet) DeriveAddress(symbol string, account, index uint32) (string, error) {
	privKey, err := w.DerivePrivateKey(symbol, account, index)
	if err != nil {
		return "", err
	}
	return PrivateKeyToEVMAddress(privKey), nil
}

// GetDerivationPath returns the derivation path string for a chain.
func (w *Wallet) GetDerivationPath(symbol string, account, index uint32) (string, error) {
	params, ok := chain.Get(symbol, w.network)
	if !ok {
		return "", fmt.Errorf("unsupported chain: %s", symbol)
	}

	return params.DerivationPathString(account, 0, index), nil
}

// ClearCache drops cached derived keys.
func (w *Wallet) ClearCache() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cache = make(map[string]*btcec.PrivateKey)
}
