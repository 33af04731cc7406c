package sealfs

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// Node layout
//
// The host file starts with the metadata region, followed by node slots.
// Every node owns a pair of slots; a flush writes a dirty node into the slot
// its parent does not currently reference.
//
// ┌──────────────────────────────────────┐ 0
// │ Metadata region (MetadataRegionSize) │
// ├──────────────────────────────────────┤
// │ Pair 0, slot A                       │
// │ ├─ Nonce (12 bytes, zero if MAC)     │
// │ ├─ Payload (ciphertext or plaintext) │
// │ ├─ Tag (16 bytes)                    │
// │ └─ Zero padding up to slot size      │
// ├──────────────────────────────────────┤
// │ Pair 0, slot B                       │
// ├──────────────────────────────────────┤
// │ Pair 1, slot A                       │
// │ └─ ...                               │
// └──────────────────────────────────────┘
//
// Level 0 holds data nodes. A node at level L > 0 holds child entries for
// the nodes at level L-1 with indices [i*fanout, (i+1)*fanout).

const (
	// entrySize is the encoded size of a childEntry: pair, slot flag, tag
	entrySize = 8 + 1 + TagSize

	// bindingSize is the encoded size of a nodeBinding
	bindingSize = 16 + 1 + 8 + 1 + 8

	// MaxTreeHeight bounds the number of tree levels above the data nodes
	MaxTreeHeight = 40
)

// slot flags stored in a childEntry
const (
	slotAbsent = 0
	slotA      = 1
	slotB      = 2
)

// nodeKey identifies a logical node by its position in the tree
type nodeKey struct {
	level uint8
	index uint64
}

func (k nodeKey) parent(fanout int) nodeKey {
	return nodeKey{level: k.level + 1, index: k.index / uint64(fanout)}
}

// nodePointer locates one physical version of a node
type nodePointer struct {
	pair uint64
	slot uint8 // 0 or 1
}

// childEntry is what a parent records about one child
type childEntry struct {
	present bool
	ptr     nodePointer
	tag     Tag
}

func (e childEntry) encode(buf []byte) {
	if !e.present {
		clear(buf[:entrySize])
		return
	}
	binary.LittleEndian.PutUint64(buf[0:8], e.ptr.pair)
	buf[8] = slotA + e.ptr.slot
	copy(buf[9:9+TagSize], e.tag[:])
}

func decodeEntry(buf []byte) (childEntry, error) {
	var e childEntry
	switch buf[8] {
	case slotAbsent:
		for _, b := range buf[:entrySize] {
			if b != 0 {
				return e, fmt.Errorf("absent entry is not zeroed")
			}
		}
		return e, nil
	case slotA, slotB:
		e.present = true
		e.ptr.pair = binary.LittleEndian.Uint64(buf[0:8])
		e.ptr.slot = buf[8] - slotA
		copy(e.tag[:], buf[9:9+TagSize])
		return e, nil
	default:
		return e, fmt.Errorf("invalid slot flag %d", buf[8])
	}
}

// encodeEntries serializes a tree node payload
func encodeEntries(entries []childEntry) []byte {
	buf := make([]byte, len(entries)*entrySize)
	for i, e := range entries {
		e.encode(buf[i*entrySize:])
	}
	return buf
}

// decodeEntries parses a tree node payload of fanout entries
func decodeEntries(payload []byte, fanout int) ([]childEntry, error) {
	if len(payload) != fanout*entrySize {
		return nil, fmt.Errorf("tree node payload is %d bytes, want %d", len(payload), fanout*entrySize)
	}
	entries := make([]childEntry, fanout)
	for i := range entries {
		e, err := decodeEntry(payload[i*entrySize:])
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		entries[i] = e
	}
	return entries, nil
}

// nodeBinding ties a node's tag to its position in one file's tree
type nodeBinding struct {
	fileID uuid.UUID
	key    nodeKey
	parent nodeKey
}

func (b nodeBinding) bytes() []byte {
	buf := make([]byte, bindingSize)
	copy(buf[0:16], b.fileID[:])
	buf[16] = b.key.level
	binary.LittleEndian.PutUint64(buf[17:25], b.key.index)
	buf[25] = b.parent.level
	binary.LittleEndian.PutUint64(buf[26:34], b.parent.index)
	return buf
}

// layout captures the geometry derived from a file's block size
type layout struct {
	blockSize int
	fanout    int
	slotSize  int64
}

func newLayout(blockSize int) layout {
	return layout{
		blockSize: blockSize,
		fanout:    blockSize / entrySize,
		slotSize:  int64(NonceSize + blockSize + TagSize),
	}
}

// offset returns the host offset of a physical node slot
func (l layout) offset(p nodePointer) int64 {
	return MetadataRegionSize + int64(2*p.pair+uint64(p.slot))*l.slotSize
}

// dataNodes returns the number of data nodes for a file length
func (l layout) dataNodes(length int64) uint64 {
	if length <= 0 {
		return 0
	}
	return uint64((length + int64(l.blockSize) - 1) / int64(l.blockSize))
}

// heightFor returns the number of tree levels above the data nodes that are
// needed to cover n data nodes
func (l layout) heightFor(n uint64) uint8 {
	if n == 0 {
		return 0
	}
	var h uint8 = 1
	covered := uint64(l.fanout)
	for covered < n {
		covered *= uint64(l.fanout)
		h++
	}
	return h
}

// dataLen returns the payload length of data node i in a file of length
func (l layout) dataLen(i uint64, length int64) int {
	start := int64(i) * int64(l.blockSize)
	if start >= length {
		return 0
	}
	if rem := length - start; rem < int64(l.blockSize) {
		return int(rem)
	}
	return l.blockSize
}

// treePayloadLen is the payload length of every tree node
func (l layout) treePayloadLen() int {
	return l.fanout * entrySize
}

// ValidateBlockSize validates that a block size is within acceptable bounds
func ValidateBlockSize(size int) error {
	if size < MinBlockSize {
		return NewValidationError("block_size", size, fmt.Sprintf("below minimum %d", MinBlockSize))
	}
	if size > MaxBlockSize {
		return NewValidationError("block_size", size, fmt.Sprintf("above maximum %d", MaxBlockSize))
	}
	return nil
}
