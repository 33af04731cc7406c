package sealfs

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// NonceSize is the AEAD nonce size of every supported cipher suite
	NonceSize = 12

	// TagSize is the size of node, metadata and file authentication tags
	TagSize = 16
)

// Tag is an authentication tag
type Tag [TagSize]byte

// String returns the tag in hex
func (t Tag) String() string {
	return hex.EncodeToString(t[:])
}

// IsZero reports whether the tag is all zero
func (t Tag) IsZero() bool {
	return t == Tag{}
}

// Equal compares two tags in constant time
func (t Tag) Equal(other Tag) bool {
	return subtle.ConstantTimeCompare(t[:], other[:]) == 1
}

// CipherEngine provides AEAD encryption/decryption
type CipherEngine interface {
	// Seal encrypts plaintext and authenticates it together with ad
	Seal(nonce, plaintext, ad []byte) ([]byte, error)

	// Open decrypts ciphertext, failing if it or ad was modified
	Open(nonce, ciphertext, ad []byte) ([]byte, error)

	// NonceSize returns the size of nonces in bytes
	NonceSize() int

	// Overhead returns the authentication tag size
	Overhead() int
}

// aeadEngine implements CipherEngine over any cipher.AEAD
type aeadEngine struct {
	aead cipher.AEAD
}

// NewAESGCMEngine creates a new AES-256-GCM cipher engine
func NewAESGCMEngine(key []byte) (CipherEngine, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("AES-256 requires a 32-byte key, got %d bytes", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &aeadEngine{aead: aead}, nil
}

// NewChaCha20Poly1305Engine creates a new ChaCha20-Poly1305 cipher engine
func NewChaCha20Poly1305Engine(key []byte) (CipherEngine, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("ChaCha20-Poly1305 requires a %d-byte key, got %d bytes",
			chacha20poly1305.KeySize, len(key))
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create ChaCha20-Poly1305 cipher: %w", err)
	}

	return &aeadEngine{aead: aead}, nil
}

// Seal encrypts plaintext under nonce, authenticating ad
func (e *aeadEngine) Seal(nonce, plaintext, ad []byte) ([]byte, error) {
	if len(nonce) != e.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", e.NonceSize(), len(nonce))
	}
	return e.aead.Seal(nil, nonce, plaintext, ad), nil
}

// Open decrypts ciphertext under nonce, verifying ad
func (e *aeadEngine) Open(nonce, ciphertext, ad []byte) ([]byte, error) {
	if len(nonce) != e.NonceSize() {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", e.NonceSize(), len(nonce))
	}

	plaintext, err := e.aead.Open(nil, nonce, ciphertext, ad)
	if err != nil {
		return nil, ErrIntegrityViolation
	}
	return plaintext, nil
}

// NonceSize returns the nonce size (12 bytes)
func (e *aeadEngine) NonceSize() int {
	return e.aead.NonceSize()
}

// Overhead returns the authentication tag size (16 bytes)
func (e *aeadEngine) Overhead() int {
	return e.aead.Overhead()
}

// NewCipherEngine creates a new cipher engine based on the cipher suite
func NewCipherEngine(suite CipherSuite, key []byte) (CipherEngine, error) {
	switch suite {
	case CipherAES256GCM, CipherAuto:
		return NewAESGCMEngine(key)
	case CipherChaCha20Poly1305:
		return NewChaCha20Poly1305Engine(key)
	default:
		return nil, ErrUnsupportedCipher
	}
}

// GenerateNonce generates a random AEAD nonce
func GenerateNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nonce, nil
}

// MACEngine computes keyed BLAKE2b tags over plaintext. It is used by
// integrity-only files, where content is stored in the clear.
type MACEngine struct {
	key []byte
}

// NewMACEngine creates a MAC engine over a 32-byte key
func NewMACEngine(key []byte) (*MACEngine, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("MAC requires a 32-byte key, got %d bytes", len(key))
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &MACEngine{key: k}, nil
}

// Sum returns the tag over the concatenation of parts
func (m *MACEngine) Sum(parts ...[]byte) Tag {
	h, err := blake2b.New(TagSize, m.key)
	if err != nil {
		// only reachable with an invalid size or key, both fixed above
		panic(err)
	}
	for _, p := range parts {
		h.Write(p)
	}
	var tag Tag
	copy(tag[:], h.Sum(nil))
	return tag
}

// Verify checks tag against the concatenation of parts in constant time
func (m *MACEngine) Verify(tag Tag, parts ...[]byte) bool {
	return m.Sum(parts...).Equal(tag)
}

// randomBytes returns n bytes from crypto/rand
func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}
