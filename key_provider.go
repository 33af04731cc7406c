package sealfs

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// RootSecretSize is the size of the secret a KeyProvider must return
const RootSecretSize = 32

// IdentitySize is the size of the binary encoding of an Identity
const IdentitySize = 32 + 32 + 2 + 2

// Identity describes the calling context that seals files. Two contexts with
// different identities derive unrelated secrets from the same nonce.
type Identity struct {
	Measurement     [32]byte // Hash of the code running in the context
	Signer          [32]byte // Hash of the key that signed the code
	ProductID       uint16
	SecurityVersion uint16
}

// MarshalBinary encodes the identity into its fixed IdentitySize form
func (id Identity) MarshalBinary() ([]byte, error) {
	buf := make([]byte, IdentitySize)
	copy(buf[0:32], id.Measurement[:])
	copy(buf[32:64], id.Signer[:])
	binary.LittleEndian.PutUint16(buf[64:66], id.ProductID)
	binary.LittleEndian.PutUint16(buf[66:68], id.SecurityVersion)
	return buf, nil
}

// IsZero reports whether no field of the identity is set
func (id Identity) IsZero() bool {
	return id == Identity{}
}

// KeyProvider derives the root secret of a file from the identity of the
// calling context and the nonce stored in the file's metadata node. The same
// (identity, nonce) pair must always yield the same secret. Implementations
// must be safe for concurrent use.
type KeyProvider interface {
	DeriveKey(id Identity, nonce []byte) ([]byte, error)
}

// Argon2idParams contains parameters for Argon2id key derivation
type Argon2idParams struct {
	Memory      uint32 // Memory in KiB (e.g., 64*1024 for 64MB)
	Iterations  uint32 // Number of iterations (time parameter)
	Parallelism uint8  // Degree of parallelism
}

// HashFunc represents hash function types for PBKDF2
type HashFunc uint8

const (
	// SHA256 hash function
	SHA256 HashFunc = iota
	// SHA512 hash function
	SHA512
)

// PBKDF2Params contains parameters for PBKDF2 key derivation
type PBKDF2Params struct {
	Iterations int      // Number of iterations (minimum 100,000 recommended)
	HashFunc   HashFunc // Hash function to use
}

// PlatformKeyProvider derives secrets from a device key the way a hardware
// sealing facility does: HKDF-SHA256 keyed by the device key, salted with the
// file nonce and bound to the identity through the info string.
type PlatformKeyProvider struct {
	deviceKey []byte
}

// NewPlatformKeyProvider creates a provider over a device key of at least 32 bytes
func NewPlatformKeyProvider(deviceKey []byte) (*PlatformKeyProvider, error) {
	if len(deviceKey) < RootSecretSize {
		return nil, fmt.Errorf("device key must be at least %d bytes, got %d", RootSecretSize, len(deviceKey))
	}
	key := make([]byte, len(deviceKey))
	copy(key, deviceKey)
	return &PlatformKeyProvider{deviceKey: key}, nil
}

// DeriveKey derives the root secret for (id, nonce)
func (p *PlatformKeyProvider) DeriveKey(id Identity, nonce []byte) ([]byte, error) {
	if len(nonce) == 0 {
		return nil, errors.New("nonce cannot be empty")
	}
	idBytes, err := id.MarshalBinary()
	if err != nil {
		return nil, err
	}
	info := append([]byte("sealfs root secret"), idBytes...)

	reader := hkdf.New(sha256.New, p.deviceKey, nonce, info)
	secret := make([]byte, RootSecretSize)
	if _, err := io.ReadFull(reader, secret); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return secret, nil
}

// EnvKeyProvider reads a hex encoded device key from an environment variable
// on every derivation and otherwise behaves like PlatformKeyProvider
type EnvKeyProvider struct {
	envVar string
}

// NewEnvKeyProvider creates a new environment variable key provider
func NewEnvKeyProvider(envVar string) *EnvKeyProvider {
	return &EnvKeyProvider{envVar: envVar}
}

// DeriveKey derives the root secret using the device key from the environment
func (e *EnvKeyProvider) DeriveKey(id Identity, nonce []byte) ([]byte, error) {
	keyHex := os.Getenv(e.envVar)
	if keyHex == "" {
		return nil, fmt.Errorf("environment variable %s not set", e.envVar)
	}
	deviceKey, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("environment variable %s is not hex: %w", e.envVar, err)
	}
	platform, err := NewPlatformKeyProvider(deviceKey)
	if err != nil {
		return nil, err
	}
	return platform.DeriveKey(id, nonce)
}

// PasswordKeyProvider derives secrets from a passphrase. The nonce and the
// identity together form the salt, so a different identity yields a
// different secret even with the same passphrase.
type PasswordKeyProvider struct {
	password     []byte
	useArgon2id  bool
	pbkdf2Params PBKDF2Params
	argon2Params Argon2idParams
}

// NewPasswordKeyProvider creates a new password-based key provider using Argon2id (recommended)
func NewPasswordKeyProvider(password []byte, params Argon2idParams) *PasswordKeyProvider {
	if params.Memory == 0 {
		params.Memory = 64 * 1024 // 64 MB
	}
	if params.Iterations == 0 {
		params.Iterations = 3
	}
	if params.Parallelism == 0 {
		params.Parallelism = 4
	}

	return &PasswordKeyProvider{
		password:     password,
		useArgon2id:  true,
		argon2Params: params,
	}
}

// NewPasswordKeyProviderPBKDF2 creates a new password-based key provider using PBKDF2
func NewPasswordKeyProviderPBKDF2(password []byte, params PBKDF2Params) *PasswordKeyProvider {
	if params.Iterations == 0 {
		params.Iterations = 100000
	}

	return &PasswordKeyProvider{
		password:     password,
		pbkdf2Params: params,
	}
}

// DeriveKey derives the root secret from the password, identity and nonce
func (p *PasswordKeyProvider) DeriveKey(id Identity, nonce []byte) ([]byte, error) {
	if len(p.password) == 0 {
		return nil, errors.New("password cannot be empty")
	}
	if len(nonce) == 0 {
		return nil, errors.New("nonce cannot be empty")
	}
	idBytes, err := id.MarshalBinary()
	if err != nil {
		return nil, err
	}
	salt := make([]byte, 0, len(nonce)+len(idBytes))
	salt = append(salt, nonce...)
	salt = append(salt, idBytes...)

	if p.useArgon2id {
		return argon2.IDKey(
			p.password,
			salt,
			p.argon2Params.Iterations,
			p.argon2Params.Memory,
			p.argon2Params.Parallelism,
			RootSecretSize,
		), nil
	}

	var hashFunc func() hash.Hash
	switch p.pbkdf2Params.HashFunc {
	case SHA256:
		hashFunc = sha256.New
	case SHA512:
		hashFunc = sha512.New
	default:
		return nil, fmt.Errorf("unsupported hash function: %v", p.pbkdf2Params.HashFunc)
	}

	return pbkdf2.Key(p.password, salt, p.pbkdf2Params.Iterations, RootSecretSize, hashFunc), nil
}

// deriveRootSecret asks the provider for the root secret of a file and
// rejects short secrets. Every failure is a key derivation error.
func deriveRootSecret(provider KeyProvider, id Identity, nonce []byte, path string) ([]byte, error) {
	secret, err := provider.DeriveKey(id, nonce)
	if err != nil {
		return nil, NewKeyDerivationError(path, err)
	}
	if len(secret) < RootSecretSize {
		return nil, NewKeyDerivationError(path,
			fmt.Errorf("provider returned %d-byte secret, need %d", len(secret), RootSecretSize))
	}
	return secret, nil
}

// deriveSubkey expands a purpose-specific key from the root secret
func deriveSubkey(secret []byte, label string) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, nil, []byte(label))
	key := make([]byte, 32)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("failed to derive %s: %w", label, err)
	}
	return key, nil
}
