package sealfs

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/absfs/absfs"
	"github.com/sirupsen/logrus"
)

// sessionState is the lifecycle state of an open handle
type sessionState int

const (
	stateClosed sessionState = iota
	stateOpening
	stateOpen
	stateFaulted
)

func (s sessionState) String() string {
	switch s {
	case stateClosed:
		return "closed"
	case stateOpening:
		return "opening"
	case stateOpen:
		return "open"
	case stateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// File is an open handle on one sealed file. It owns every node it has
// materialized; nothing is shared with other handles. Methods are safe for
// concurrent use, but at most one handle may be open per path.
type File struct {
	mu sync.Mutex

	name  string
	mode  Mode
	state sessionState
	fault error

	host   absfs.File
	tree   *nodeTree
	offset int64

	log *logrus.Entry
}

// check returns the error for calling an operation in the current state
func (f *File) check() error {
	switch f.state {
	case stateOpen:
		return nil
	case stateFaulted:
		return &FaultError{Path: f.name, Cause: f.fault}
	default:
		return ErrClosed
	}
}

// fail moves the handle into the faulted state if err is an integrity or key
// derivation failure and returns err unchanged
func (f *File) fail(err error) error {
	if err == nil || !faults(err) || f.state != stateOpen {
		return err
	}
	f.state = stateFaulted
	f.fault = err
	f.log.WithError(err).Warn("handle faulted")
	return err
}

// Name returns the logical path of the file
func (f *File) Name() string {
	return f.name
}

// Mode returns the protection mode of the file
func (f *File) Mode() Mode {
	return f.mode
}

// Size returns the logical length of the file, including unflushed writes
func (f *File) Size() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.check(); err != nil {
		return 0, err
	}
	return f.tree.length, nil
}

// Read reads up to len(p) bytes from the current offset. It returns io.EOF at
// the end of the file.
func (f *File) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.check(); err != nil {
		return 0, err
	}
	if err := ValidateBuffer(p, "buffer"); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}

	n, err := f.tree.read(p, f.offset)
	if err != nil {
		if err == io.EOF {
			return 0, io.EOF
		}
		return 0, f.fail(err)
	}
	f.offset += int64(n)
	return n, nil
}

// ReadAt reads len(p) bytes starting at off without moving the offset. It
// returns io.EOF when fewer bytes are available.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.check(); err != nil {
		return 0, err
	}
	if err := ValidateBuffer(p, "buffer"); err != nil {
		return 0, err
	}
	if err := ValidateOffset(off, "offset"); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, nil
	}

	n, err := f.tree.read(p, off)
	if err != nil {
		if err == io.EOF {
			return 0, io.EOF
		}
		return 0, f.fail(err)
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Write writes p at the current offset, extending the file as needed. A
// write either applies completely or not at all.
func (f *File) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.check(); err != nil {
		return 0, err
	}
	if err := ValidateBuffer(p, "buffer"); err != nil {
		return 0, err
	}

	if err := f.tree.write(p, f.offset); err != nil {
		return 0, f.fail(err)
	}
	f.offset += int64(len(p))
	return len(p), nil
}

// WriteAt writes p at off without moving the offset. Writing past the end
// zero fills the gap.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.check(); err != nil {
		return 0, err
	}
	if err := ValidateBuffer(p, "buffer"); err != nil {
		return 0, err
	}
	if err := ValidateOffset(off, "offset"); err != nil {
		return 0, err
	}

	if err := f.tree.write(p, off); err != nil {
		return 0, f.fail(err)
	}
	return len(p), nil
}

// Seek sets the offset for the next Read or Write
func (f *File) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.check(); err != nil {
		return 0, err
	}

	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = f.offset + offset
	case io.SeekEnd:
		next = f.tree.length + offset
	default:
		return 0, NewValidationError("whence", whence, "invalid whence")
	}
	if err := ValidateOffset(next, "offset"); err != nil {
		return 0, err
	}

	f.offset = next
	return next, nil
}

// Flush writes every dirty node and commits the new root. If it fails before
// the metadata node is written, the file on the host still holds the
// previously committed content.
func (f *File) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.check(); err != nil {
		return err
	}
	return f.flush()
}

// Sync is Flush, for callers expecting an os.File style API
func (f *File) Sync() error {
	return f.Flush()
}

func (f *File) flush() error {
	if !f.tree.dirty() {
		return nil
	}
	if err := f.tree.flush(); err != nil {
		f.log.WithError(err).Warn("flush failed")
		return f.fail(err)
	}
	f.log.WithFields(logrus.Fields{
		"length": f.tree.length,
		"height": f.tree.height,
	}).Debug("flushed")
	return nil
}

// AuthenticationTag returns the tag over the file's current content,
// including writes not yet flushed. Only integrity-only files expose one.
func (f *File) AuthenticationTag() (Tag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.check(); err != nil {
		return Tag{}, err
	}
	tag, err := f.tree.authenticationTag()
	if err != nil {
		if errors.Is(err, ErrTagUnavailable) {
			return Tag{}, err
		}
		return Tag{}, f.fail(err)
	}
	return tag, nil
}

// Close flushes pending writes and releases the handle. Close never fails;
// flush and host errors are logged. A faulted handle discards its unflushed
// state. Use Flush first to observe flush errors.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.state {
	case stateClosed:
		return nil
	case stateOpen:
		if err := f.flush(); err != nil {
			f.log.WithError(err).Error("discarding unflushed writes on close")
		}
	case stateFaulted:
		f.log.WithError(f.fault).Debug("closing faulted handle")
	}

	if err := f.host.Close(); err != nil {
		f.log.WithError(err).Error("host close failed")
	}
	f.tree.release()
	f.state = stateClosed
	f.log.Debug("closed")
	return nil
}

// String returns a short description of the handle
func (f *File) String() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fmt.Sprintf("sealfs.File(%s, %s, %s)", f.name, f.mode, f.state)
}
