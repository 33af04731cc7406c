package sealfs

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Mode is the protection mode of a sealed file. It is fixed when the file is
// created and recorded in the metadata header.
type Mode uint8

const (
	// ModeFull encrypts and authenticates every node
	ModeFull Mode = iota + 1
	// ModeIntegrityOnly stores plaintext and authenticates it with keyed tags
	ModeIntegrityOnly
)

// String returns the string representation of the mode
func (m Mode) String() string {
	switch m {
	case ModeFull:
		return "full"
	case ModeIntegrityOnly:
		return "integrity-only"
	default:
		return "unknown"
	}
}

// Valid reports whether m is one of the defined modes
func (m Mode) Valid() bool {
	return m == ModeFull || m == ModeIntegrityOnly
}

// CipherSuite represents the AEAD algorithm used by ModeFull files
type CipherSuite uint8

const (
	// CipherAuto selects AES-256-GCM
	CipherAuto CipherSuite = iota
	// CipherAES256GCM uses AES-256 with Galois/Counter Mode
	CipherAES256GCM
	// CipherChaCha20Poly1305 uses ChaCha20 stream cipher with Poly1305 MAC
	CipherChaCha20Poly1305
)

// String returns the string representation of the cipher suite
func (c CipherSuite) String() string {
	switch c {
	case CipherAuto:
		return "auto"
	case CipherAES256GCM:
		return "aes-256-gcm"
	case CipherChaCha20Poly1305:
		return "chacha20-poly1305"
	default:
		return "unknown"
	}
}

// ParseCipherSuite converts a name produced by String back into a suite
func ParseCipherSuite(name string) (CipherSuite, error) {
	switch name {
	case "", "auto":
		return CipherAuto, nil
	case "aes-256-gcm":
		return CipherAES256GCM, nil
	case "chacha20-poly1305":
		return CipherChaCha20Poly1305, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedCipher, name)
	}
}

const (
	// DefaultBlockSize is the default node payload size (4 KB)
	DefaultBlockSize = 4 * 1024

	// MinBlockSize is the smallest node payload size. Small values are useful
	// in tests because they produce deep trees from little data.
	MinBlockSize = 64

	// MaxBlockSize is the largest node payload size (1 MB)
	MaxBlockSize = 1024 * 1024

	// DefaultCacheSize is the number of clean data nodes kept per handle
	DefaultCacheSize = 64

	// MaxFileSize bounds the logical length of a sealed file (1 TB)
	MaxFileSize = int64(1) << 40
)

// DefaultReservedPrefixes lists host locations that never hold sealed files
var DefaultReservedPrefixes = []string{"/proc", "/dev", "/sys"}

// Config contains configuration for the sealed filesystem
type Config struct {
	// Cipher suite used for ModeFull files
	Cipher CipherSuite

	// KeyProvider derives the root secret of each file
	KeyProvider KeyProvider

	// Identity is the identity of the calling context that owns the files
	Identity Identity

	// BlockSize is the node payload size for newly created files
	BlockSize int

	// CacheSize is the number of clean data nodes retained per open handle
	CacheSize int

	// Root is the host directory logical paths are resolved under
	Root string

	// ReservedPrefixes are logical path prefixes that are always rejected.
	// Nil selects DefaultReservedPrefixes.
	ReservedPrefixes []string

	// Parallel controls parallel node sealing during flush
	Parallel ParallelConfig

	// Logger receives structured diagnostics. Nil selects logrus.New().
	Logger *logrus.Logger
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c == nil {
		return ErrNilConfig
	}
	if c.KeyProvider == nil {
		return ErrNilKeyProvider
	}
	if c.Identity.IsZero() {
		return ErrZeroIdentity
	}
	if c.Cipher != CipherAES256GCM && c.Cipher != CipherChaCha20Poly1305 && c.Cipher != CipherAuto {
		return ErrUnsupportedCipher
	}
	if c.BlockSize != 0 {
		if err := ValidateBlockSize(c.BlockSize); err != nil {
			return err
		}
	}
	if c.CacheSize < 0 {
		return NewValidationError("cache_size", c.CacheSize, "cannot be negative")
	}
	if err := c.Parallel.Validate(); err != nil {
		return err
	}
	return nil
}

// withDefaults returns a copy of the configuration with zero values filled in
func (c *Config) withDefaults() Config {
	out := *c
	if out.Cipher == CipherAuto {
		out.Cipher = CipherAES256GCM
	}
	if out.BlockSize == 0 {
		out.BlockSize = DefaultBlockSize
	}
	if out.CacheSize == 0 {
		out.CacheSize = DefaultCacheSize
	}
	if out.Root == "" {
		out.Root = "/"
	}
	if out.ReservedPrefixes == nil {
		out.ReservedPrefixes = DefaultReservedPrefixes
	}
	if out.Logger == nil {
		out.Logger = logrus.New()
		out.Logger.SetLevel(logrus.WarnLevel)
	}
	return out
}
