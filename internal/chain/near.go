package chain

import (
	"encoding/hex"
	"fmt"
	"strings"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

func init() {
	Register("NEAR", Mainnet, &Params{
		Symbol:   "NEAR",
		Name:     "NEAR Protocol",
		Type:     ChainTypeNEAR,
		Decimals: 24,

		// SLIP-44 coin type 397
		CoinType:       397,
		DefaultPurpose: 44,

		NetworkID:     "mainnet",
		AccountSuffix: "near",
	})

	Register("NEAR", Testnet, &Params{
		Symbol:   "NEAR",
		Name:     "NEAR Testnet",
		Type:     ChainTypeNEAR,
		Decimals: 24,

		CoinType:       397,
		DefaultPurpose: 44,

		NetworkID:     "testnet",
		AccountSuffix: "testnet",
	})
}

const (
	nearMinAccountLen = 2
	nearMaxAccountLen = 64
	nearKeyPrefix     = "ed25519:"
)

// ParseNEARPublicKey decodes an "ed25519:<base58>" key and checks that it is
// a valid curve point.
func ParseNEARPublicKey(s string) ([]byte, error) {
	if !strings.HasPrefix(s, nearKeyPrefix) {
		return nil, fmt.Errorf("%w: missing %s prefix", ErrInvalidAddress, nearKeyPrefix)
	}
	raw, err := base58.Decode(strings.TrimPrefix(s, nearKeyPrefix))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if err := checkEd25519Point(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// ImplicitAccount returns the implicit account id for an ed25519 public key.
func ImplicitAccount(pub []byte) string {
	return hex.EncodeToString(pub)
}

// FormatNEARPublicKey encodes a raw ed25519 public key in NEAR's text form.
func FormatNEARPublicKey(pub []byte) string {
	return nearKeyPrefix + base58.Encode(pub)
}

func checkEd25519Point(raw []byte) error {
	if len(raw) != 32 {
		return fmt.Errorf("%w: ed25519 key is %d bytes, want 32", ErrInvalidAddress, len(raw))
	}
	if _, err := new(edwards25519.Point).SetBytes(raw); err != nil {
		return fmt.Errorf("%w: not an ed25519 point", ErrInvalidAddress)
	}
	return nil
}

func normalizeNEARAccount(params *Params, addr string) (string, error) {
	if strings.HasPrefix(addr, nearKeyPrefix) {
		pub, err := ParseNEARPublicKey(addr)
		if err != nil {
			return "", err
		}
		return ImplicitAccount(pub), nil
	}

	if len(addr) == 64 && isLowerHex(addr) {
		raw, _ := hex.DecodeString(addr)
		if err := checkEd25519Point(raw); err != nil {
			return "", err
		}
		return addr, nil
	}

	if err := validateNamedAccount(addr); err != nil {
		return "", err
	}
	if params.AccountSuffix != "" && !strings.HasSuffix(addr, "."+params.AccountSuffix) && addr != params.AccountSuffix {
		return "", fmt.Errorf("%w: %q is not a .%s account", ErrInvalidAddress, addr, params.AccountSuffix)
	}
	return addr, nil
}

// validateNamedAccount applies NEAR account id rules: 2-64 chars, lowercase
// alphanumerics, parts separated by '.', '-' or '_' with no leading,
// trailing or doubled separators.
func validateNamedAccount(addr string) error {
	if len(addr) < nearMinAccountLen || len(addr) > nearMaxAccountLen {
		return fmt.Errorf("%w: account length %d", ErrInvalidAddress, len(addr))
	}
	prevSep := true
	for i := 0; i < len(addr); i++ {
		c := addr[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			prevSep = false
		case c == '.' || c == '-' || c == '_':
			if prevSep {
				return fmt.Errorf("%w: misplaced separator in %q", ErrInvalidAddress, addr)
			}
			prevSep = true
		default:
			return fmt.Errorf("%w: invalid character %q in %q", ErrInvalidAddress, c, addr)
		}
	}
	if prevSep {
		return fmt.Errorf("%w: trailing separator in %q", ErrInvalidAddress, addr)
	}
	return nil
}

func isLowerHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9') && !(c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}
