package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"unicode"
	"unicode/utf8"

	"golang.org/x/crypto/argon2"
)

// Operator seed files are sealed with Argon2id + AES-256-GCM.
const (
	seedVersion = 1
	seedKeyLen  = 32
	seedSaltLen = 32
)

// kdfParams are the Argon2id cost parameters recorded in each seed file.
type kdfParams struct {
	Time        uint32
	Memory      uint32 // KiB
	Parallelism uint8
}

var defaultKDF = kdfParams{Time: 3, Memory: 64 * 1024, Parallelism: 4}

// EncryptedSeed is the on-disk form of a sealed operator mnemonic.
type EncryptedSeed struct {
	Version     int    `json:"version"`
	Ciphertext  []byte `json:"ciphertext"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Time        uint32 `json:"time"`
	Memory      uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
}

func (e *EncryptedSeed) kdf() kdfParams {
	p := kdfParams{Time: e.Time, Memory: e.Memory, Parallelism: e.Parallelism}
	if p.Time == 0 {
		p.Time = defaultKDF.Time
	}
	if p.Memory == 0 {
		p.Memory = defaultKDF.Memory
	}
	if p.Parallelism == 0 {
		p.Parallelism = defaultKDF.Parallelism
	}
	return p
}

// seedAEAD derives the sealing key from password and returns the cipher.
func seedAEAD(password string, salt []byte, p kdfParams) (cipher.AEAD, error) {
	key := argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Parallelism, seedKeyLen)
	defer SecureClear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// EncryptMnemonic seals a mnemonic under password.
func EncryptMnemonic(mnemonic, password string) (*EncryptedSeed, error) {
	if err := ValidatePassword(password); err != nil {
		return nil, fmt.Errorf("invalid password: %w", err)
	}
	if !ValidateMnemonic(mnemonic) {
		return nil, errors.New("invalid mnemonic")
	}

	salt := make([]byte, seedSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	aead, err := seedAEAD(password, salt, defaultKDF)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return &EncryptedSeed{
		Version:     seedVersion,
		Ciphertext:  aead.Seal(nil, nonce, []byte(mnemonic), nil),
		Salt:        salt,
		Nonce:       nonce,
		Time:        defaultKDF.Time,
		Memory:      defaultKDF.Memory,
		Parallelism: defaultKDF.Parallelism,
	}, nil
}

// DecryptMnemonic opens a sealed seed.
func DecryptMnemonic(encrypted *EncryptedSeed, password string) (string, error) {
	if encrypted.Version > seedVersion {
		return "", fmt.Errorf("unsupported seed version %d", encrypted.Version)
	}
	aead, err := seedAEAD(password, encrypted.Salt, encrypted.kdf())
	if err != nil {
		return "", err
	}
	if len(encrypted.Nonce) != aead.NonceSize() {
		return "", fmt.Errorf("seed nonce is %d bytes, want %d", len(encrypted.Nonce), aead.NonceSize())
	}

	plaintext, err := aead.Open(nil, encrypted.Nonce, encrypted.Ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt (wrong password?): %w", err)
	}
	defer SecureClear(plaintext)

	return string(plaintext), nil
}

// SaveEncryptedSeed writes a sealed seed with owner-only permissions.
func SaveEncryptedSeed(encrypted *EncryptedSeed, path string) error {
	if err := ValidateFilePath(path); err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.Marshal(encrypted)
	if err != nil {
		return fmt.Errorf("failed to marshal seed: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write seed: %w", err)
	}
	return nil
}

// LoadEncryptedSeed reads a sealed seed written by SaveEncryptedSeed.
func LoadEncryptedSeed(path string) (*EncryptedSeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed: %w", err)
	}

	var encrypted EncryptedSeed
	if err := json.Unmarshal(data, &encrypted); err != nil {
		return nil, fmt.Errorf("failed to parse seed %s: %w", path, err)
	}
	return &encrypted, nil
}

// SealSeedFile encrypts mnemonic under password and writes it to path.
// An existing file is never overwritten.
func SealSeedFile(mnemonic, password, path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("seed file %s already exists", path)
	}
	encrypted, err := EncryptMnemonic(mnemonic, password)
	if err != nil {
		return err
	}
	return SaveEncryptedSeed(encrypted, path)
}

// SecureClear overwrites a byte slice with zeros.
func SecureClear(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

// Password length bounds.
const (
	MinPasswordLength = 8
	MaxPasswordLength = 256
)

// ValidatePassword requires MinPasswordLength characters drawn from at
// least three of: upper case, lower case, digits, symbols.
func ValidatePassword(password string) error {
	if len(password) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	if len(password) > MaxPasswordLength {
		return fmt.Errorf("password must be at most %d characters", MaxPasswordLength)
	}

	classes := make(map[string]bool, 4)
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			classes["upper"] = true
		case unicode.IsLower(r):
			classes["lower"] = true
		case unicode.IsNumber(r):
			classes["digit"] = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			classes["symbol"] = true
		}
	}
	if len(classes) < 3 {
		return errors.New("password must contain at least 3 of: uppercase, lowercase, number, special character")
	}
	return nil
}

// ValidateFilePath rejects empty, non-UTF-8 and unclean relative paths.
func ValidateFilePath(path string) error {
	if path == "" {
		return errors.New("path cannot be empty")
	}
	if !utf8.ValidString(path) {
		return errors.New("path contains invalid UTF-8")
	}
	if filepath.Clean(path) != path && !filepath.IsAbs(path) {
		return fmt.Errorf("suspicious path (potential traversal): %s", path)
	}
	return nil
}

// ValidateAccountIndex checks a BIP44 account index fits hardened derivation.
func ValidateAccountIndex(index uint32) error {
	const maxAccount = 1<<31 - 1
	if index > maxAccount {
		return fmt.Errorf("account index %d exceeds maximum %d", index, maxAccount)
	}
	return nil
}

// ResolveMnemonic returns the operator mnemonic. A mnemonic in the
// mnemonicEnv variable wins; otherwise the encrypted seed at seedFile is
// decrypted with the password in passwordEnv.
func ResolveMnemonic(mnemonicEnv, seedFile, passwordEnv string) (string, error) {
	if mnemonicEnv != "" {
		if m := os.Getenv(mnemonicEnv); m != "" {
			if !ValidateMnemonic(m) {
				return "", fmt.Errorf("%s does not hold a valid mnemonic", mnemonicEnv)
			}
			return m, nil
		}
	}
	if seedFile == "" {
		return "", fmt.Errorf("no mnemonic in %q and no seed file configured", mnemonicEnv)
	}

	password := os.Getenv(passwordEnv)
	if passwordEnv == "" || password == "" {
		return "", fmt.Errorf("seed file %s requires a password in %q", seedFile, passwordEnv)
	}

	encrypted, err := LoadEncryptedSeed(seedFile)
	if err != nil {
		return "", err
	}
	return DecryptMnemonic(encrypted, password)
}
