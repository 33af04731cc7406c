package sealfs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
)

const (
	// MagicBytes identifies sealed files (ASCII: "SEAL")
	MagicBytes = uint32(0x5345414C)

	// CurrentVersion is the current file format version
	CurrentVersion = uint8(1)

	// MetadataNonceSize is the size of the nonce the root secret is derived from
	MetadataNonceSize = 32

	// MetadataRegionSize is the fixed size of the metadata region at offset 0
	MetadataRegionSize = 512

	// metadataHeaderSize: magic(4) version(1) mode(1) cipher(1) reserved(1)
	// block size(4) file id(16) nonce(32)
	metadataHeaderSize = 4 + 1 + 1 + 1 + 1 + 4 + 16 + MetadataNonceSize

	// metadataBodySize: length(8) height(1) next pair(8) root entry
	metadataBodySize = 8 + 1 + 8 + entrySize
)

// metadataHeader is the plaintext part of the metadata node. It is
// authenticated together with the body but never encrypted, because the
// nonce it carries is needed to derive the key.
type metadataHeader struct {
	Magic     uint32
	Version   uint8
	Mode      Mode
	Cipher    CipherSuite
	BlockSize uint32
	FileID    uuid.UUID
	Nonce     [MetadataNonceSize]byte
}

// newMetadataHeader creates a header for a new file. Full mode files get a
// random id and nonce; integrity-only files use nil/zero values so that their
// tags depend on content and identity alone.
func newMetadataHeader(mode Mode, suite CipherSuite, blockSize int) (*metadataHeader, error) {
	h := &metadataHeader{
		Magic:     MagicBytes,
		Version:   CurrentVersion,
		Mode:      mode,
		Cipher:    suite,
		BlockSize: uint32(blockSize),
	}
	if mode == ModeFull {
		h.FileID = uuid.New()
		nonce, err := randomBytes(MetadataNonceSize)
		if err != nil {
			return nil, err
		}
		copy(h.Nonce[:], nonce)
	}
	return h, nil
}

// MarshalBinary encodes the header
func (h *metadataHeader) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Grow(metadataHeaderSize)

	if err := binary.Write(buf, binary.LittleEndian, h.Magic); err != nil {
		return nil, fmt.Errorf("failed to write magic bytes: %w", err)
	}
	buf.WriteByte(h.Version)
	buf.WriteByte(byte(h.Mode))
	buf.WriteByte(byte(h.Cipher))
	buf.WriteByte(0)
	if err := binary.Write(buf, binary.LittleEndian, h.BlockSize); err != nil {
		return nil, fmt.Errorf("failed to write block size: %w", err)
	}
	buf.Write(h.FileID[:])
	buf.Write(h.Nonce[:])

	return buf.Bytes(), nil
}

// ReadFrom reads the header from the given reader
func (h *metadataHeader) ReadFrom(r io.Reader) (int64, error) {
	raw := make([]byte, metadataHeaderSize)
	n, err := io.ReadFull(r, raw)
	if err != nil {
		return int64(n), fmt.Errorf("failed to read metadata header: %w", err)
	}

	h.Magic = binary.LittleEndian.Uint32(raw[0:4])
	h.Version = raw[4]
	h.Mode = Mode(raw[5])
	h.Cipher = CipherSuite(raw[6])
	if raw[7] != 0 {
		return int64(n), fmt.Errorf("reserved header byte is %d", raw[7])
	}
	h.BlockSize = binary.LittleEndian.Uint32(raw[8:12])
	copy(h.FileID[:], raw[12:28])
	copy(h.Nonce[:], raw[28:28+MetadataNonceSize])

	return int64(n), nil
}

// Validate checks if the header is valid
func (h *metadataHeader) Validate() error {
	if h.Magic != MagicBytes {
		return fmt.Errorf("bad magic 0x%08x", h.Magic)
	}
	if h.Version == 0 || h.Version > CurrentVersion {
		return fmt.Errorf("unsupported file format version %d", h.Version)
	}
	if !h.Mode.Valid() {
		return fmt.Errorf("unknown protection mode %d", h.Mode)
	}
	if h.Cipher != CipherAES256GCM && h.Cipher != CipherChaCha20Poly1305 {
		return ErrUnsupportedCipher
	}
	if err := ValidateBlockSize(int(h.BlockSize)); err != nil {
		return err
	}
	return nil
}

// metadataBody is the protected part of the metadata node
type metadataBody struct {
	Length   int64
	Height   uint8
	NextPair uint64
	Root     childEntry
}

// MarshalBinary encodes the body
func (b *metadataBody) MarshalBinary() ([]byte, error) {
	buf := make([]byte, metadataBodySize)
	binary.LittleEndian.PutUint64(buf[0:8], uint64(b.Length))
	buf[8] = b.Height
	binary.LittleEndian.PutUint64(buf[9:17], b.NextPair)
	b.Root.encode(buf[17:])
	return buf, nil
}

// UnmarshalBinary decodes the body
func (b *metadataBody) UnmarshalBinary(data []byte) error {
	if len(data) != metadataBodySize {
		return fmt.Errorf("metadata body is %d bytes, want %d", len(data), metadataBodySize)
	}
	b.Length = int64(binary.LittleEndian.Uint64(data[0:8]))
	b.Height = data[8]
	b.NextPair = binary.LittleEndian.Uint64(data[9:17])
	root, err := decodeEntry(data[17:])
	if err != nil {
		return fmt.Errorf("root entry: %w", err)
	}
	b.Root = root
	return nil
}

// Validate checks that the body describes a consistent tree for l
func (b *metadataBody) Validate(l layout) error {
	if b.Length < 0 || b.Length > MaxFileSize {
		return fmt.Errorf("length %d out of range", b.Length)
	}
	n := l.dataNodes(b.Length)
	if b.Height != l.heightFor(n) {
		return fmt.Errorf("height %d does not match %d data nodes", b.Height, n)
	}
	if b.Root.present != (n > 0) {
		return fmt.Errorf("root presence does not match length %d", b.Length)
	}
	if b.Root.present && b.Root.ptr.pair >= b.NextPair {
		return fmt.Errorf("root pair %d beyond allocation mark %d", b.Root.ptr.pair, b.NextPair)
	}
	return nil
}

// metadataAD returns the data authenticated with the metadata body: the
// header bytes followed by the logical path, so a file copied to another
// path no longer verifies
func metadataAD(header []byte, path string) []byte {
	ad := make([]byte, 0, len(header)+len(path))
	ad = append(ad, header...)
	return append(ad, path...)
}

// encodeMetadataRegion lays out header, protected body and zero padding
func encodeMetadataRegion(prot protection, header *metadataHeader, body *metadataBody, path string) ([]byte, error) {
	hb, err := header.MarshalBinary()
	if err != nil {
		return nil, err
	}
	bb, err := body.MarshalBinary()
	if err != nil {
		return nil, err
	}
	record, err := prot.sealMetadata(metadataAD(hb, path), bb)
	if err != nil {
		return nil, fmt.Errorf("failed to seal metadata: %w", err)
	}

	region := make([]byte, MetadataRegionSize)
	copy(region, hb)
	copy(region[len(hb):], record)
	return region, nil
}

// splitMetadataRegion separates the region into header bytes and record,
// checking that the padding is untouched
func splitMetadataRegion(region []byte) (header, record []byte, err error) {
	if len(region) != MetadataRegionSize {
		return nil, nil, fmt.Errorf("metadata region is %d bytes, want %d", len(region), MetadataRegionSize)
	}
	end := metadataHeaderSize + recordSize(metadataBodySize)
	if !allZero(region[end:]) {
		return nil, nil, fmt.Errorf("metadata padding is not zero")
	}
	return region[:metadataHeaderSize], region[metadataHeaderSize:end], nil
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
