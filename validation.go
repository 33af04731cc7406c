package sealfs

import (
	"fmt"
	"path"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxPathLength is the longest accepted logical path in bytes
const MaxPathLength = 1024

// forbiddenPathChars cannot be round-tripped safely through host path glue
const forbiddenPathChars = `\?*<>|":`

// PathValidator decides whether a logical path may name a sealed file. It
// performs no I/O.
type PathValidator struct {
	reserved []string
}

// NewPathValidator creates a validator rejecting paths under the given
// prefixes
func NewPathValidator(reserved []string) *PathValidator {
	cleaned := make([]string, 0, len(reserved))
	for _, r := range reserved {
		if r == "" {
			continue
		}
		cleaned = append(cleaned, path.Clean("/"+strings.TrimPrefix(r, "/")))
	}
	return &PathValidator{reserved: cleaned}
}

// Validate returns nil if name can name exactly one sealed file, or a
// ValidationError wrapping ErrInvalidPath. Accepted paths are absolute and
// clean, so every file has exactly one logical name.
func (v *PathValidator) Validate(name string) error {
	if name == "" {
		return NewPathError(name, "path cannot be empty")
	}
	if len(name) > MaxPathLength {
		return NewPathError(name, fmt.Sprintf("path longer than %d bytes", MaxPathLength))
	}
	if !utf8.ValidString(name) {
		return NewPathError(name, "path is not valid UTF-8")
	}
	for _, r := range name {
		if r == 0 || unicode.IsControl(r) {
			return NewPathError(name, "path contains a control character")
		}
		if strings.ContainsRune(forbiddenPathChars, r) {
			return NewPathError(name, fmt.Sprintf("path contains %q", r))
		}
	}

	switch name {
	case "/":
		return NewPathError(name, "root directory is not a file")
	case ".", "..":
		return NewPathError(name, "directory reference is not a file")
	}

	if !strings.HasPrefix(name, "/") {
		return NewPathError(name, "path must start with /")
	}
	for _, part := range strings.Split(strings.Trim(name, "/"), "/") {
		if part == "." || part == ".." {
			return NewPathError(name, "path contains a relative component")
		}
	}
	if path.Clean(name) != name {
		return NewPathError(name, "path is not in canonical form")
	}

	for _, prefix := range v.reserved {
		if name == prefix || strings.HasPrefix(name, prefix+"/") {
			return NewPathError(name, fmt.Sprintf("path is under reserved prefix %s", prefix))
		}
	}
	return nil
}

// ValidateBuffer checks that a caller buffer is usable
func ValidateBuffer(buf []byte, name string) error {
	if buf == nil {
		return &ValidationError{
			Field:   name,
			Message: "buffer cannot be nil",
			Err:     ErrNilBuffer,
		}
	}
	return nil
}

// ValidateOffset checks if a file offset is valid
func ValidateOffset(offset int64, name string) error {
	if offset < 0 {
		return &ValidationError{
			Field:   name,
			Value:   offset,
			Message: "offset cannot be negative",
			Err:     ErrNegativeOffset,
		}
	}
	if offset > MaxFileSize {
		return &ValidationError{
			Field:   name,
			Value:   offset,
			Message: fmt.Sprintf("offset beyond maximum file size %d", MaxFileSize),
			Err:     ErrFileTooLarge,
		}
	}
	return nil
}
