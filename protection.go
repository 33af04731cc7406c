package sealfs

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// protection is the per-file Cipher/MAC engine. It has exactly two
// implementations, selected from the metadata header when a file is created
// or opened: sealedProtection for ModeFull and macProtection for
// ModeIntegrityOnly. The unexported method set keeps the variant closed.
type protection interface {
	mode() Mode

	// binding returns the position binding for a node of this file
	binding(key nodeKey, fanout int) nodeBinding

	// sealNode produces the record stored in a node slot and the node's tag
	sealNode(b nodeBinding, payload []byte) ([]byte, Tag, error)

	// openNode verifies a record against the tag recorded by the parent and
	// returns the payload
	openNode(b nodeBinding, record []byte, payloadLen int, expect Tag) ([]byte, error)

	// sealMetadata protects the metadata body, authenticating ad with it
	sealMetadata(ad, body []byte) ([]byte, error)

	// openMetadata verifies and returns the metadata body
	openMetadata(ad, record []byte, bodyLen int) ([]byte, error)
}

// tagger is implemented by protections that expose a file tag to callers
type tagger interface {
	nodeTag(b nodeBinding, payload []byte) Tag
	fileTag(length int64, height uint8, root Tag) Tag
}

// recordSize returns the stored size of a record with the given payload length
func recordSize(payloadLen int) int {
	return NonceSize + payloadLen + TagSize
}

// newProtection derives the subkeys for a file from its root secret
func newProtection(mode Mode, suite CipherSuite, secret []byte, fileID uuid.UUID) (protection, error) {
	nodeKey, err := deriveSubkey(secret, "sealfs node key")
	if err != nil {
		return nil, err
	}
	metaKey, err := deriveSubkey(secret, "sealfs metadata key")
	if err != nil {
		return nil, err
	}

	switch mode {
	case ModeFull:
		nodeEngine, err := NewCipherEngine(suite, nodeKey)
		if err != nil {
			return nil, err
		}
		metaEngine, err := NewCipherEngine(suite, metaKey)
		if err != nil {
			return nil, err
		}
		return &sealedProtection{fileID: fileID, node: nodeEngine, meta: metaEngine}, nil
	case ModeIntegrityOnly:
		nodeMAC, err := NewMACEngine(nodeKey)
		if err != nil {
			return nil, err
		}
		metaMAC, err := NewMACEngine(metaKey)
		if err != nil {
			return nil, err
		}
		return &macProtection{node: nodeMAC, meta: metaMAC}, nil
	default:
		return nil, fmt.Errorf("unsupported mode %d", mode)
	}
}

// sealedProtection encrypts and authenticates every node with an AEAD
type sealedProtection struct {
	fileID uuid.UUID
	node   CipherEngine
	meta   CipherEngine
}

func (p *sealedProtection) mode() Mode { return ModeFull }

func (p *sealedProtection) binding(key nodeKey, fanout int) nodeBinding {
	return nodeBinding{fileID: p.fileID, key: key, parent: key.parent(fanout)}
}

func (p *sealedProtection) sealNode(b nodeBinding, payload []byte) ([]byte, Tag, error) {
	nonce, err := GenerateNonce()
	if err != nil {
		return nil, Tag{}, err
	}
	ciphertext, err := p.node.Seal(nonce, payload, b.bytes())
	if err != nil {
		return nil, Tag{}, err
	}
	record := make([]byte, 0, NonceSize+len(ciphertext))
	record = append(record, nonce...)
	record = append(record, ciphertext...)

	var tag Tag
	copy(tag[:], ciphertext[len(ciphertext)-TagSize:])
	return record, tag, nil
}

func (p *sealedProtection) openNode(b nodeBinding, record []byte, payloadLen int, expect Tag) ([]byte, error) {
	if len(record) != recordSize(payloadLen) {
		return nil, fmt.Errorf("record is %d bytes, want %d", len(record), recordSize(payloadLen))
	}
	var stored Tag
	copy(stored[:], record[len(record)-TagSize:])
	if !stored.Equal(expect) {
		return nil, fmt.Errorf("tag does not match parent")
	}
	return p.node.Open(record[:NonceSize], record[NonceSize:], b.bytes())
}

func (p *sealedProtection) sealMetadata(ad, body []byte) ([]byte, error) {
	nonce, err := GenerateNonce()
	if err != nil {
		return nil, err
	}
	ciphertext, err := p.meta.Seal(nonce, body, ad)
	if err != nil {
		return nil, err
	}
	return append(nonce, ciphertext...), nil
}

func (p *sealedProtection) openMetadata(ad, record []byte, bodyLen int) ([]byte, error) {
	if len(record) != recordSize(bodyLen) {
		return nil, fmt.Errorf("metadata record is %d bytes, want %d", len(record), recordSize(bodyLen))
	}
	return p.meta.Open(record[:NonceSize], record[NonceSize:], ad)
}

// macProtection stores plaintext and authenticates it with keyed tags
type macProtection struct {
	node *MACEngine
	meta *MACEngine
}

func (p *macProtection) mode() Mode { return ModeIntegrityOnly }

// binding leaves the file id out so equal content under one identity has
// equal tags regardless of which file holds it.
func (p *macProtection) binding(key nodeKey, fanout int) nodeBinding {
	return nodeBinding{fileID: uuid.Nil, key: key, parent: key.parent(fanout)}
}

// nodeTag covers the whole payload. For tree nodes that includes where each
// child is stored, so equal tags need an equal sequence of writes and flushes.
func (p *macProtection) nodeTag(b nodeBinding, payload []byte) Tag {
	return p.node.Sum(b.bytes(), payload)
}

func (p *macProtection) fileTag(length int64, height uint8, root Tag) Tag {
	var buf [9]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(length))
	buf[8] = height
	return p.meta.Sum([]byte("sealfs file tag"), buf[:], root[:])
}

func (p *macProtection) sealNode(b nodeBinding, payload []byte) ([]byte, Tag, error) {
	tag := p.nodeTag(b, payload)
	record := make([]byte, NonceSize, recordSize(len(payload)))
	record = append(record, payload...)
	record = append(record, tag[:]...)
	return record, tag, nil
}

func (p *macProtection) openNode(b nodeBinding, record []byte, payloadLen int, expect Tag) ([]byte, error) {
	if len(record) != recordSize(payloadLen) {
		return nil, fmt.Errorf("record is %d bytes, want %d", len(record), recordSize(payloadLen))
	}
	for _, c := range record[:NonceSize] {
		if c != 0 {
			return nil, fmt.Errorf("nonce field is not zero")
		}
	}
	payload := make([]byte, payloadLen)
	copy(payload, record[NonceSize:NonceSize+payloadLen])

	var stored Tag
	copy(stored[:], record[NonceSize+payloadLen:])
	if !stored.Equal(expect) {
		return nil, fmt.Errorf("tag does not match parent")
	}
	if !p.node.Verify(expect, b.bytes(), payload) {
		return nil, fmt.Errorf("tag does not verify")
	}
	return payload, nil
}

func (p *macProtection) sealMetadata(ad, body []byte) ([]byte, error) {
	tag := p.meta.Sum(ad, body)
	record := make([]byte, NonceSize, recordSize(len(body)))
	record = append(record, body...)
	record = append(record, tag[:]...)
	return record, nil
}

func (p *macProtection) openMetadata(ad, record []byte, bodyLen int) ([]byte, error) {
	if len(record) != recordSize(bodyLen) {
		return nil, fmt.Errorf("metadata record is %d bytes, want %d", len(record), recordSize(bodyLen))
	}
	for _, c := range record[:NonceSize] {
		if c != 0 {
			return nil, fmt.Errorf("nonce field is not zero")
		}
	}
	body := record[NonceSize : NonceSize+bodyLen]
	var tag Tag
	copy(tag[:], record[NonceSize+bodyLen:])
	if !p.meta.Verify(tag, ad, body) {
		return nil, ErrIntegrityViolation
	}
	out := make([]byte, bodyLen)
	copy(out, body)
	return out, nil
}
