// Package pqcrypto protects swap fields with post-quantum primitives.
//
// Payloads are sealed to the operator's ML-KEM-768 key with
// XChaCha20-Poly1305 under an HKDF-SHA3 derived key. The integrity proof is
// a Dilithium3 signature over a keyed SHA3 commitment of the canonical
// swap fields. The correlation key is a separate tag derived from the same
// fields, so it can be published on-chain without exposing the proof.
package pqcrypto

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"golang.org/x/crypto/sha3"
)

const keyFileVersion = 1

// macKeySize is the size of the commitment and tag key.
const macKeySize = 32

// KeySet holds the operator's long-lived post-quantum keys.
type KeySet struct {
	kemPriv kem.PrivateKey
	kemPub  kem.PublicKey

	signPriv *mode3.PrivateKey
	signPub  *mode3.PublicKey

	// macKey keys the SHA3 commitment and the correlation tag.
	macKey []byte
}

// keyFile is the on-disk form of a KeySet.
type keyFile struct {
	Version     int    `json:"version"`
	KEMPrivate  []byte `json:"kem_private"`
	SignPrivate []byte `json:"sign_private"`
	MACKey      []byte `json:"mac_key"`
}

// GenerateKeySet creates a fresh key set from rand (crypto/rand when nil).
func GenerateKeySet(rnd io.Reader) (*KeySet, error) {
	if rnd == nil {
		rnd = rand.Reader
	}

	seed := make([]byte, mlkem768.Scheme().SeedSize())
	if _, err := io.ReadFull(rnd, seed); err != nil {
		return nil, fmt.Errorf("failed to read kem seed: %w", err)
	}
	kemPub, kemPriv := mlkem768.Scheme().DeriveKeyPair(seed)

	signPub, signPriv, err := mode3.GenerateKey(rnd)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}

	macKey := make([]byte, macKeySize)
	if _, err := io.ReadFull(rnd, macKey); err != nil {
		return nil, fmt.Errorf("failed to read mac key: %w", err)
	}

	return &KeySet{
		kemPriv:  kemPriv,
		kemPub:   kemPub,
		signPriv: signPriv,
		signPub:  signPub,
		macKey:   macKey,
	}, nil
}

// Fingerprint is a short hex digest of the public keys. It identifies the
// key set in quantum key ids.
func (k *KeySet) Fingerprint() string {
	kemPub, _ := k.kemPub.MarshalBinary()
	signPub, _ := k.signPub.MarshalBinary()

	h := sha3.New256()
	h.Write(kemPub)
	h.Write(signPub)
	return hex.EncodeToString(h.Sum(nil)[:8])
}

// SigningPublicKey returns the packed Dilithium3 public key.
func (k *KeySet) SigningPublicKey() []byte {
	b, _ := k.signPub.MarshalBinary()
	return b
}

// SaveKeySet writes the key set to path with owner-only permissions.
func SaveKeySet(k *KeySet, path string) error {
	kemPriv, err := k.kemPriv.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal kem key: %w", err)
	}
	signPriv, err := k.signPriv.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal signing key: %w", err)
	}

	data, err := json.Marshal(keyFile{
		Version:     keyFileVersion,
		KEMPrivate:  kemPriv,
		SignPrivate: signPriv,
		MACKey:      k.macKey,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal key file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// LoadKeySet reads a key set written by SaveKeySet.
func LoadKeySet(path string) (*KeySet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("failed to parse key file: %w", err)
	}
	if kf.Version != keyFileVersion {
		return nil, fmt.Errorf("unsupported key file version %d", kf.Version)
	}
	if len(kf.MACKey) != macKeySize {
		return nil, errors.New("key file has an invalid mac key")
	}

	kemPriv, err := mlkem768.Scheme().UnmarshalBinaryPrivateKey(kf.KEMPrivate)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal kem key: %w", err)
	}

	signPriv := new(mode3.PrivateKey)
	if err := signPriv.UnmarshalBinary(kf.SignPrivate); err != nil {
		return nil, fmt.Errorf("failed to unmarshal signing key: %w", err)
	}
	signPub, ok := signPriv.Public().(*mode3.PublicKey)
	if !ok {
		return nil, errors.New("unexpected signing public key type")
	}

	return &KeySet{
		kemPriv:  kemPriv,
		kemPub:   kemPriv.Public(),
		signPriv: signPriv,
		signPub:  signPub,
		macKey:   kf.MACKey,
	}, nil
}

// LoadOrGenerateKeySet loads the key set at path, creating and saving a new
// one on first run. created reports whether a key set was generated.
func LoadOrGenerateKeySet(path string) (ks *KeySet, created bool, err error) {
	if _, err := os.Stat(path); err == nil {
		ks, err := LoadKeySet(path)
		return ks, false, err
	} else if !os.IsNotExist(err) {
		return nil, false, fmt.Errorf("failed to stat key file: %w", err)
	}

	ks, err = GenerateKeySet(nil)
	if err != nil {
		return nil, false, err
	}
	if err := SaveKeySet(ks, path); err != nil {
		return nil, false, err
	}
	return ks, true, nil
}
