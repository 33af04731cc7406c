package sealfs

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/absfs/absfs"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// HostFS is the untrusted filesystem sealed files are stored on. Any
// absfs.FileSystem satisfies it. Handles are accessed only through Seek, Read,
// Write, Sync and Close.
type HostFS interface {
	OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error)
	Stat(name string) (os.FileInfo, error)
	Remove(name string) error
}

var _ HostFS = absfs.FileSystem(nil)

// FS creates, opens and removes sealed files on a host filesystem
type FS struct {
	host      HostFS
	config    Config
	validator *PathValidator
	log       *logrus.Logger
}

// New creates a sealed filesystem storing its files on host
func New(host HostFS, config *Config) (*FS, error) {
	if host == nil {
		return nil, fmt.Errorf("host filesystem cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	cfg := config.withDefaults()
	return &FS{
		host:      host,
		config:    cfg,
		validator: NewPathValidator(cfg.ReservedPrefixes),
		log:       cfg.Logger,
	}, nil
}

// hostPath maps a validated logical path onto the host
func (s *FS) hostPath(name string) string {
	return path.Join(s.config.Root, name)
}

// statMissing classifies a failed Stat. The host is not trusted to explain
// itself, so anything but a permission error counts as not found.
func statMissing(op, hostPath string, err error) error {
	ioErr := NewIOError(op, hostPath, -1, err).(*IOError)
	if ioErr.Kind != ErrPermissionDenied {
		ioErr.Kind = ErrNotFound
	}
	return ioErr
}

// Create creates a new sealed file of the given mode. It fails with
// ErrAlreadyExists if anything exists at the path.
func (s *FS) Create(name string, mode Mode) (*File, error) {
	if !mode.Valid() {
		return nil, NewValidationError("mode", mode, "unknown protection mode")
	}
	if err := s.validator.Validate(name); err != nil {
		return nil, err
	}

	hp := s.hostPath(name)
	if _, err := s.host.Stat(hp); err == nil {
		return nil, NewIOError("create", hp, -1, os.ErrExist)
	}

	header, err := newMetadataHeader(mode, s.config.Cipher, s.config.BlockSize)
	if err != nil {
		return nil, err
	}
	secret, err := deriveRootSecret(s.config.KeyProvider, s.config.Identity, header.Nonce[:], name)
	if err != nil {
		return nil, err
	}
	prot, err := newProtection(mode, header.Cipher, secret, header.FileID)
	if err != nil {
		return nil, err
	}

	hf, err := s.host.OpenFile(hp, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, NewIOError("create", hp, -1, err)
	}

	f := s.newFile(name, mode, hf)
	f.tree = newNodeTree(hf, header, &metadataBody{}, prot, s.treeOptions(name, hp, 0))
	if err := f.tree.writeMetadata(); err == nil {
		err = f.tree.sync()
	}
	if err != nil {
		hf.Close()
		if rmErr := s.host.Remove(hp); rmErr != nil {
			f.log.WithError(rmErr).Error("failed to remove partially created file")
		}
		return nil, err
	}

	f.state = stateOpen
	f.log.WithField("block_size", header.BlockSize).Debug("created")
	return f, nil
}

// Open opens an existing sealed file. Only the metadata node is verified
// here; content nodes are verified when first read or written.
func (s *FS) Open(name string, mode Mode) (*File, error) {
	if !mode.Valid() {
		return nil, NewValidationError("mode", mode, "unknown protection mode")
	}
	if err := s.validator.Validate(name); err != nil {
		return nil, err
	}

	hp := s.hostPath(name)
	info, err := s.host.Stat(hp)
	if err != nil {
		return nil, statMissing("open", hp, err)
	}
	if info.IsDir() {
		return nil, NewPathError(name, "path is a directory")
	}

	hf, err := s.host.OpenFile(hp, os.O_RDWR, 0)
	if err != nil {
		return nil, NewIOError("open", hp, -1, err)
	}

	f := s.newFile(name, mode, hf)
	if err := s.load(f, hp, info.Size()); err != nil {
		hf.Close()
		if faults(err) {
			f.log.WithError(err).Warn("open rejected")
		}
		return nil, err
	}

	f.state = stateOpen
	f.log.WithField("length", f.tree.length).Debug("opened")
	return f, nil
}

// load verifies the metadata node of f and builds its tree
func (s *FS) load(f *File, hp string, hostSize int64) error {
	if hostSize < MetadataRegionSize {
		return NewCorruptionError(f.name, -1, 0, "metadata node truncated")
	}
	region := make([]byte, MetadataRegionSize)
	if _, err := hostReadAt(f.host, region, 0); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return NewCorruptionError(f.name, -1, 0, "metadata node truncated")
		}
		return NewIOError("read", hp, 0, err)
	}

	hb, record, err := splitMetadataRegion(region)
	if err != nil {
		return NewCorruptionError(f.name, -1, 0, err.Error())
	}
	header := &metadataHeader{}
	if _, err := header.ReadFrom(bytes.NewReader(hb)); err != nil {
		return NewCorruptionError(f.name, -1, 0, err.Error())
	}
	if err := header.Validate(); err != nil {
		return NewCorruptionError(f.name, -1, 0, err.Error())
	}
	if header.Mode != f.mode {
		return fmt.Errorf("%w: %s is %s, opened as %s", ErrModeMismatch, f.name, header.Mode, f.mode)
	}
	if header.Mode == ModeIntegrityOnly && (header.FileID != uuid.Nil || !allZero(header.Nonce[:])) {
		return NewCorruptionError(f.name, -1, 0, "integrity-only header carries a file id or nonce")
	}

	secret, err := deriveRootSecret(s.config.KeyProvider, s.config.Identity, header.Nonce[:], f.name)
	if err != nil {
		return err
	}
	prot, err := newProtection(header.Mode, header.Cipher, secret, header.FileID)
	if err != nil {
		return err
	}

	raw, err := prot.openMetadata(metadataAD(hb, f.name), record, metadataBodySize)
	if err != nil {
		return NewCorruptionError(f.name, -1, 0, "metadata node does not verify")
	}
	body := &metadataBody{}
	if err := body.UnmarshalBinary(raw); err != nil {
		return NewCorruptionError(f.name, -1, 0, err.Error())
	}
	if err := body.Validate(newLayout(int(header.BlockSize))); err != nil {
		return NewCorruptionError(f.name, -1, 0, err.Error())
	}

	f.tree = newNodeTree(f.host, header, body, prot, s.treeOptions(f.name, hp, hostSize))
	return nil
}

// Remove deletes the host file backing a sealed file. It must not be used
// while a handle on the same path is open.
func (s *FS) Remove(name string) error {
	if err := s.validator.Validate(name); err != nil {
		return err
	}

	hp := s.hostPath(name)
	info, err := s.host.Stat(hp)
	if err != nil {
		return statMissing("remove", hp, err)
	}
	if info.IsDir() {
		return NewPathError(name, "path is a directory")
	}
	if err := s.host.Remove(hp); err != nil {
		return NewIOError("remove", hp, -1, err)
	}
	s.log.WithField("path", name).Debug("removed")
	return nil
}

func (s *FS) newFile(name string, mode Mode, hf absfs.File) *File {
	return &File{
		name:  name,
		mode:  mode,
		state: stateOpening,
		host:  hf,
		log: s.log.WithFields(logrus.Fields{
			"path":    name,
			"mode":    mode.String(),
			"session": uuid.New().String(),
		}),
	}
}

func (s *FS) treeOptions(name, hp string, hostSize int64) treeOptions {
	return treeOptions{
		path:      name,
		hostPath:  hp,
		cacheSize: s.config.CacheSize,
		parallel:  s.config.Parallel,
		hostSize:  hostSize,
	}
}
