package wallet

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"golang.org/x/crypto/sha3"
)

// PublicKeyToEVMAddress converts a secp256k1 public key to an EVM address.
// Address = "0x" + last 20 bytes of Keccak256(uncompressed pubkey without 0x04 prefix)
func PublicKeyToEVMAddress(pubKey *btcec.PublicKey) string {
	pubKeyBytes := pubKey.SerializeUncompressed()
	hash := Keccak256(pubKeyBytes[1:])
	return ChecksumAddress(hex.EncodeToString(hash[12:]))
}

// PrivateKeyToEVMAddress converts a private key to an EVM address.
func PrivateKeyToEVMAddress(privKey *btcec.PrivateKey) string {
	return PublicKeyToEVMAddress(privKey.PubKey())
}

// Keccak256 computes the Keccak-256 hash (used by Ethereum).
func Keccak256(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}

// ChecksumAddress applies EIP-55 checksum to an address.
func ChecksumAddress(addr string) string {
	addr = strings.ToLower(strings.TrimPrefix(addr, "0x"))
	hash := hex.EncodeToString(Keccak256([]byte(addr)))

	var b strings.Builder
	b.WriteString("0x")
	for i, c := range addr {
		// Letters whose hash nibble is >= 8 are uppercased.
		if c >= 'a' && c <= 'f' && hash[i] >= '8' {
			b.WriteRune(c - 'a' + 'A')
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// EVMSign signs a message hash (32 bytes) and returns the signature.
// Returns signature in Ethereum format: r || s || v (65 bytes)
func EVMSign(privKey *btcec.PrivateKey, hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("hash must be 32 bytes, got %d", len(hash))
	}

	// SignCompact returns: v || r || s (65 bytes) where v is 27 or 28
	sig := btcecdsa.SignCompact(privKey, hash, false)
	if len(sig) != 65 {
		return nil, fmt.Errorf("invalid signature length")
	}

	ethSig := make([]byte, 65)
	copy(ethSig[:64], sig[1:65]) // r || s
	ethSig[64] = sig[0] - 27     // v in {0, 1}

	return ethSig, nil
}

// PersonalSign signs a message with Ethereum's personal_sign format.
// Prepends "\x19Ethereum Signed Message:\n" + len(message) + message
func PersonalSign(privKey *btcec.PrivateKey, message []byte) ([]byte, error) {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	data := append([]byte(prefix), message...)
	return EVMSign(privKey, Keccak256(data))
}

// Signer is an EVM account derived from the operator wallet.
type Signer struct {
	key     *btcec.PrivateKey
	address string
	path    string
}

// NewSigner derives the signer for symbol at account/index.
func NewSigner(w *Wallet, symbol string, account, index uint32) (*Signer, error) {
	key, err := w.DerivePrivateKey(symbol, account, index)
	if err != nil {
		return nil, err
	}
	path, err := w.GetDerivationPath(symbol, account, index)
	if err != nil {
		return nil, err
	}
	return &Signer{
		key:     key,
		address: PrivateKeyToEVMAddress(key),
		path:    path,
	}, nil
}

// Address returns the EIP-55 address of the signer.
func (s *Signer) Address() string {
	return s.address
}

// Path returns the derivation path of the signer.
func (s *Signer) Path() string {
	return s.path
}

// ECDSA returns the key in crypto/ecdsa form for transaction signing.
func (s *Signer) ECDSA() *ecdsa.PrivateKey {
	return s.key.ToECDSA()
}

// SignPersonal signs message with personal_sign framing and returns the
// 0x-prefixed hex signature.
func (s *Signer) SignPersonal(message []byte) (string, error) {
	sig, err := PersonalSign(s.key, message)
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(sig), nil
}
