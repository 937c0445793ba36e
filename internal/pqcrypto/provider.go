package pqcrypto

import (
	"context"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"

	"github.com/klingon-exchange/klingon-bridge/internal/swap"
	"github.com/klingon-exchange/klingon-bridge/pkg/logging"
)

// Domain separation labels.
const (
	labelPayload     = "klingon-bridge/pq/payload"
	labelCommitment  = "klingon-bridge/pq/commitment"
	labelCorrelation = "klingon-bridge/pq/correlation"
)

// DefaultKeyIDPrefix prefixes quantum key ids when none is configured.
const DefaultKeyIDPrefix = "qk"

var (
	// ErrInvalidPayload is returned for payloads that are malformed or fail
	// authentication.
	ErrInvalidPayload = errors.New("invalid protected payload")

	// ErrInvalidProof is returned when a Dilithium3 proof does not verify.
	ErrInvalidProof = errors.New("invalid integrity proof")
)

// Provider implements swap.ProtectionProvider.
type Provider struct {
	keys   *KeySet
	prefix string
	rand   io.Reader
	log    *logging.Logger
}

// Compile-time interface check.
var _ swap.ProtectionProvider = (*Provider)(nil)

// NewProvider creates a provider using keys. An empty prefix uses
// DefaultKeyIDPrefix.
func NewProvider(keys *KeySet, prefix string) *Provider {
	if prefix == "" {
		prefix = DefaultKeyIDPrefix
	}
	return &Provider{
		keys:   keys,
		prefix: prefix,
		rand:   rand.Reader,
		log:    logging.GetDefault().Component("pqcrypto"),
	}
}

// KeyID returns the quantum key id recorded on protected swaps.
func (p *Provider) KeyID() string {
	return p.prefix + "-" + p.keys.Fingerprint()
}

// Protect seals fields to the operator key and signs their commitment.
func (p *Provider) Protect(ctx context.Context, fields swap.ProtectionFields) (*swap.Protection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fields.SwapID == "" {
		return nil, errors.New("swap id is required")
	}

	canonical := CanonicalFields(fields)
	keyID := p.KeyID()

	ciphertext, err := p.seal(canonical, []byte(keyID))
	if err != nil {
		return nil, err
	}

	commitment := p.commit(canonical)
	proof := make([]byte, mode3.SignatureSize)
	mode3.SignTo(p.keys.signPriv, commitment, proof)

	p.log.Debug("Protected swap fields", "swap_id", fields.SwapID, "key_id", keyID)

	return &swap.Protection{
		KeyID:          keyID,
		CorrelationKey: p.CorrelationKey(fields),
		Payload: swap.ProtectedPayload{
			Ciphertext: ciphertext,
			Proof:      proof,
		},
	}, nil
}

// CorrelationKey returns the 0x-prefixed 32-byte tag for fields. The same
// fields under the same key set always yield the same tag.
func (p *Provider) CorrelationKey(fields swap.ProtectionFields) string {
	mac := hmac.New(sha3.New256, p.keys.macKey)
	mac.Write([]byte(labelCorrelation))
	mac.Write(CanonicalFields(fields))
	return "0x" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyProof checks a proof produced by Protect for fields.
func (p *Provider) VerifyProof(fields swap.ProtectionFields, proof []byte) error {
	if len(proof) != mode3.SignatureSize {
		return fmt.Errorf("%w: bad length %d", ErrInvalidProof, len(proof))
	}
	if !mode3.Verify(p.keys.signPub, p.commit(CanonicalFields(fields)), proof) {
		return ErrInvalidProof
	}
	return nil
}

// Open decrypts a payload produced by Protect under keyID.
func (p *Provider) Open(keyID string, payload swap.ProtectedPayload) (swap.ProtectionFields, error) {
	plaintext, err := p.open(payload.Ciphertext, []byte(keyID))
	if err != nil {
		return swap.ProtectionFields{}, err
	}
	fields, err := parseCanonical(plaintext)
	if err != nil {
		return swap.ProtectionFields{}, err
	}
	if err := p.VerifyProof(fields, payload.Proof); err != nil {
		return swap.ProtectionFields{}, err
	}
	return fields, nil
}

func (p *Provider) commit(canonical []byte) []byte {
	mac := hmac.New(sha3.New256, p.keys.macKey)
	mac.Write([]byte(labelCommitment))
	mac.Write(canonical)
	return mac.Sum(nil)
}

// seal returns encapsulated key || nonce || AEAD ciphertext.
func (p *Provider) seal(plaintext, ad []byte) ([]byte, error) {
	scheme := mlkem768.Scheme()

	seed := make([]byte, scheme.EncapsulationSeedSize())
	if _, err := io.ReadFull(p.rand, seed); err != nil {
		return nil, fmt.Errorf("failed to read encapsulation seed: %w", err)
	}
	encapsulated, shared, err := scheme.EncapsulateDeterministically(p.keys.kemPub, seed)
	if err != nil {
		return nil, fmt.Errorf("ML-KEM encapsulation failed: %w", err)
	}

	aead, err := payloadAEAD(shared)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(encapsulated)+aead.NonceSize()+len(plaintext)+aead.Overhead())
	out = append(out, encapsulated...)

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(p.rand, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	out = append(out, nonce...)

	return aead.Seal(out, nonce, plaintext, ad), nil
}

func (p *Provider) open(ciphertext, ad []byte) ([]byte, error) {
	scheme := mlkem768.Scheme()
	ctSize := scheme.CiphertextSize()
	if len(ciphertext) < ctSize+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: too short", ErrInvalidPayload)
	}

	shared, err := scheme.Decapsulate(p.keys.kemPriv, ciphertext[:ctSize])
	if err != nil {
		return nil, fmt.Errorf("%w: decapsulation failed: %v", ErrInvalidPayload, err)
	}

	aead, err := payloadAEAD(shared)
	if err != nil {
		return nil, err
	}

	rest := ciphertext[ctSize:]
	nonce, sealed := rest[:aead.NonceSize()], rest[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, ad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return plaintext, nil
}

func payloadAEAD(shared []byte) (cipher.AEAD, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha3.New256, shared, nil, []byte(labelPayload)), key); err != nil {
		return nil, fmt.Errorf("failed to derive payload key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return aead, nil
}

// CanonicalFields encodes fields as length-prefixed strings followed by the
// big-endian amount. The encoding is unambiguous for any field contents.
func CanonicalFields(f swap.ProtectionFields) []byte {
	var buf []byte
	for _, s := range []string{f.SwapID, f.UserID, f.FromChain, f.ToChain, f.Recipient} {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
		buf = append(buf, s...)
	}
	return binary.BigEndian.AppendUint64(buf, f.Amount)
}

func parseCanonical(b []byte) (swap.ProtectionFields, error) {
	var parts [5]string
	for i := range parts {
		if len(b) < 4 {
			return swap.ProtectionFields{}, fmt.Errorf("%w: truncated fields", ErrInvalidPayload)
		}
		n := binary.BigEndian.Uint32(b)
		b = b[4:]
		if uint64(len(b)) < uint64(n) {
			return swap.ProtectionFields{}, fmt.Errorf("%w: truncated fields", ErrInvalidPayload)
		}
		parts[i] = string(b[:n])
		b = b[n:]
	}
	if len(b) != 8 {
		return swap.ProtectionFields{}, fmt.Errorf("%w: bad amount", ErrInvalidPayload)
	}
	return swap.ProtectionFields{
		SwapID:    parts[0],
		UserID:    parts[1],
		FromChain: parts[2],
		ToChain:   parts[3],
		Recipient: parts[4],
		Amount:    binary.BigEndian.Uint64(b),
	}, nil
}
