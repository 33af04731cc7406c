package sealfs

import (
	"errors"
	"fmt"
	"io/fs"
)

// Error kinds. Every error returned by the package matches exactly one of
// these with errors.Is.
var (
	ErrInvalidPath        = errors.New("invalid path")
	ErrNotFound           = errors.New("file not found")
	ErrAlreadyExists      = errors.New("file already exists")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrKeyDerivation      = errors.New("key derivation failed")
	ErrIntegrityViolation = errors.New("integrity violation - data may be corrupted or tampered")
	ErrIO                 = errors.New("host i/o failure")
)

// Lifecycle and argument errors
var (
	ErrClosed            = errors.New("file already closed")
	ErrFaulted           = errors.New("file handle is faulted")
	ErrModeMismatch      = errors.New("file was created with a different protection mode")
	ErrTagUnavailable    = errors.New("authentication tag is only available in integrity-only mode")
	ErrUnsupportedCipher = errors.New("unsupported cipher suite")
	ErrNilConfig         = errors.New("config cannot be nil")
	ErrNilKeyProvider    = errors.New("key provider cannot be nil")
	ErrZeroIdentity      = errors.New("identity cannot be zero")
	ErrNilBuffer         = errors.New("buffer cannot be nil")
	ErrNegativeOffset    = errors.New("negative offset not allowed")
	ErrFileTooLarge      = errors.New("file size limit exceeded")
)

// ValidationError represents a rejected path or parameter
type ValidationError struct {
	Field   string // The field or parameter that failed validation
	Value   any    // The invalid value
	Message string // Human-readable error message
	Err     error  // Underlying error, if any
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// IOError represents a failure reported by the host filesystem
type IOError struct {
	Operation string // "open", "read", "write", "sync", "remove", ...
	Path      string // Host path
	Offset    int64  // File offset, -1 if not applicable
	Kind      error  // One of ErrNotFound, ErrAlreadyExists, ErrPermissionDenied, ErrIO
	Err       error  // Host error
}

func (e *IOError) Error() string {
	msg := "unknown error"
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Path != "" && e.Offset >= 0 {
		return fmt.Sprintf("io error: %s %s at offset %d: %s", e.Operation, e.Path, e.Offset, msg)
	} else if e.Path != "" {
		return fmt.Sprintf("io error: %s %s: %s", e.Operation, e.Path, msg)
	}
	return fmt.Sprintf("io error: %s: %s", e.Operation, msg)
}

func (e *IOError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// CorruptionError represents a failed tag or MAC verification
type CorruptionError struct {
	Path    string // Logical path
	Level   int    // Tree level of the node, -1 for the metadata node
	Index   uint64 // Node index within its level
	Message string // Human-readable error message
	Err     error  // Underlying error, if any
}

func (e *CorruptionError) Error() string {
	if e.Level >= 0 {
		return fmt.Sprintf("corruption error: %s (node %d/%d): %s", e.Path, e.Level, e.Index, e.Message)
	} else if e.Path != "" {
		return fmt.Sprintf("corruption error: %s: %s", e.Path, e.Message)
	}
	return fmt.Sprintf("corruption error: %s", e.Message)
}

func (e *CorruptionError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrIntegrityViolation, e.Err}
	}
	return []error{ErrIntegrityViolation}
}

// KeyDerivationError represents an unavailable or failing key provider
type KeyDerivationError struct {
	Path    string // Logical path
	Message string // Human-readable error message
	Err     error  // Underlying provider error
}

func (e *KeyDerivationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("key derivation error: %s: %s", e.Path, e.Message)
	}
	return fmt.Sprintf("key derivation error: %s", e.Message)
}

func (e *KeyDerivationError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrKeyDerivation, e.Err}
	}
	return []error{ErrKeyDerivation}
}

// FaultError is returned by every operation on a faulted handle except Close
type FaultError struct {
	Path  string // Logical path
	Cause error  // The failure that faulted the handle
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrFaulted.Error(), e.Path, e.Cause)
}

func (e *FaultError) Unwrap() []error {
	return []error{ErrFaulted, e.Cause}
}

// Helper functions for creating structured errors

// NewValidationError creates a new validation error
func NewValidationError(field string, value any, message string) error {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// NewPathError creates a validation error for a rejected logical path
func NewPathError(path string, message string) error {
	return &ValidationError{
		Field:   "path",
		Value:   path,
		Message: message,
		Err:     ErrInvalidPath,
	}
}

// NewIOError wraps a host error, classifying it into one of the error kinds
func NewIOError(operation, path string, offset int64, err error) error {
	return &IOError{
		Operation: operation,
		Path:      path,
		Offset:    offset,
		Kind:      classifyHostError(err),
		Err:       err,
	}
}

// NewCorruptionError creates a new corruption error for a tree node
func NewCorruptionError(path string, level int, index uint64, message string) error {
	return &CorruptionError{
		Path:    path,
		Level:   level,
		Index:   index,
		Message: message,
	}
}

// NewKeyDerivationError creates a new key derivation error
func NewKeyDerivationError(path string, err error) error {
	return &KeyDerivationError{
		Path:    path,
		Message: err.Error(),
		Err:     err,
	}
}

// classifyHostError maps a host error onto an error kind. Only success or the
// standard io/fs conditions are interpreted; everything else is ErrIO.
func classifyHostError(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ErrNotFound
	case errors.Is(err, fs.ErrExist):
		return ErrAlreadyExists
	case errors.Is(err, fs.ErrPermission):
		return ErrPermissionDenied
	default:
		return ErrIO
	}
}

// Error checking helpers

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsIOError checks if an error is a host I/O error
func IsIOError(err error) bool {
	var ie *IOError
	return errors.As(err, &ie)
}

// IsCorruptionError checks if an error is a corruption error
func IsCorruptionError(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce)
}

// IsKeyDerivationError checks if an error is a key derivation error
func IsKeyDerivationError(err error) bool {
	var ke *KeyDerivationError
	return errors.As(err, &ke)
}

// faults reports whether err must move a handle into the faulted state
func faults(err error) bool {
	return errors.Is(err, ErrIntegrityViolation) || errors.Is(err, ErrKeyDerivation)
}
