// Package sealfs provides sealed, tamper-evident file storage on top of an
// untrusted host filesystem.
//
// # Overview
//
// Each logical file is stored as one host file holding a metadata node and an
// authenticated tree of content nodes. Reading a file back detects any
// modification, truncation, reordering or replay of its bytes by the host and
// fails with ErrIntegrityViolation instead of returning altered data.
//
// The key of each file is derived from the identity of the calling context
// and a nonce stored in the file, through a KeyProvider. A context with a
// different Identity cannot open the file.
//
// # Protection Modes
//
//   - ModeFull: every node is encrypted and authenticated with AES-256-GCM or
//     ChaCha20-Poly1305. No tag is exposed to callers.
//   - ModeIntegrityOnly: content is stored in the clear and authenticated with
//     keyed BLAKE2b tags. File.AuthenticationTag returns a tag over the whole
//     file; equal content written under the same identity, by the same
//     sequence of writes and flushes, has equal tags.
//
// The mode is fixed when a file is created. Logical paths are absolute and
// are authenticated by the file's metadata, so a file only opens under the
// path it was created with.
//
// # Basic Usage
//
//	provider, err := sealfs.NewPlatformKeyProvider(deviceKey)
//	if err != nil {
//	    return err
//	}
//
//	sfs, err := sealfs.New(host, &sealfs.Config{
//	    KeyProvider: provider,
//	    Identity:    identity,
//	})
//	if err != nil {
//	    return err
//	}
//
//	f, err := sfs.Create("/state.bin", sealfs.ModeFull)
//	if err != nil {
//	    return err
//	}
//	f.Write(state)
//	if err := f.Flush(); err != nil {
//	    return err
//	}
//	f.Close()
//
// # File Format
//
// The host file starts with a 512 byte metadata region:
//   - Magic bytes (4 bytes): "SEAL" (0x5345414C)
//   - Version, mode, cipher suite and a reserved byte (1 byte each)
//   - Block size (4 bytes)
//   - File id (16 bytes, nil in integrity-only mode)
//   - Nonce (32 bytes, zero in integrity-only mode)
//   - Sealed body: length, tree height, allocation mark and root entry
//
// Node slots follow. Every node owns two slots and a flush writes into the
// one the committed tree does not reference, so the metadata write that
// commits a flush is the only in-place update. An interrupted flush leaves
// the previously committed file intact.
//
// # Failure Handling
//
// A handle that detects an integrity or key derivation failure becomes
// faulted: every further call except Close fails with ErrFaulted. Close never
// fails; use Flush to observe write errors.
package sealfs
