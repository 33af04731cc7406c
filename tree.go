package sealfs

import (
	"errors"
	"fmt"
	"io"

	"github.com/absfs/absfs"
)

// nodeTree maps byte ranges of a sealed file onto its node tree. Nodes are
// validated lazily, the first time a read or write touches them, and every
// node read from the host is checked against the tag its parent recorded.
type nodeTree struct {
	host     absfs.File
	path     string // logical path, authenticated by the metadata node
	hostPath string
	layout   layout
	prot     protection
	header   *metadataHeader
	cache    *nodeCache
	parallel ParallelConfig

	length   int64
	height   uint8
	nextPair uint64
	root     childEntry
	hostSize int64
}

type treeOptions struct {
	path      string
	hostPath  string
	cacheSize int
	parallel  ParallelConfig
	hostSize  int64
}

func newNodeTree(host absfs.File, header *metadataHeader, body *metadataBody, prot protection, opts treeOptions) *nodeTree {
	return &nodeTree{
		host:     host,
		path:     opts.path,
		hostPath: opts.hostPath,
		layout:   newLayout(int(header.BlockSize)),
		prot:     prot,
		header:   header,
		cache:    newNodeCache(opts.cacheSize),
		parallel: opts.parallel,
		length:   body.Length,
		height:   body.Height,
		nextPair: body.NextPair,
		root:     body.Root,
		hostSize: opts.hostSize,
	}
}

func (t *nodeTree) corruption(key nodeKey, format string, args ...any) error {
	return NewCorruptionError(t.path, int(key.level), key.index, fmt.Sprintf(format, args...))
}

// get returns a validated node that must already exist
func (t *nodeTree) get(key nodeKey) (*node, error) {
	if n, ok := t.cache.get(key); ok {
		return n, nil
	}
	entry, err := t.entryFor(key, false)
	if err != nil {
		return nil, err
	}
	if !entry.present {
		return nil, t.corruption(key, "node missing from tree")
	}
	n, err := t.load(key, entry)
	if err != nil {
		return nil, err
	}
	t.cache.put(n)
	return n, nil
}

// obtain returns a node for writing, creating it and any missing ancestors
func (t *nodeTree) obtain(key nodeKey) (*node, error) {
	if n, ok := t.cache.get(key); ok {
		return n, nil
	}
	entry, err := t.entryFor(key, true)
	if err != nil {
		return nil, err
	}
	if entry.present {
		n, err := t.load(key, entry)
		if err != nil {
			return nil, err
		}
		t.cache.put(n)
		return n, nil
	}
	n := t.newNode(key)
	t.cache.markDirty(n)
	return n, nil
}

// entryFor returns what the parent of key records about it
func (t *nodeTree) entryFor(key nodeKey, create bool) (childEntry, error) {
	if key.level > t.height || (key.level == t.height && key.index != 0) {
		return childEntry{}, t.corruption(key, "node outside tree of height %d", t.height)
	}
	if key.level == t.height {
		return t.root, nil
	}

	var parent *node
	var err error
	if create {
		parent, err = t.obtain(key.parent(t.layout.fanout))
	} else {
		parent, err = t.get(key.parent(t.layout.fanout))
	}
	if err != nil {
		return childEntry{}, err
	}
	return parent.entries[key.index%uint64(t.layout.fanout)], nil
}

// load reads one node version from the host and verifies it
func (t *nodeTree) load(key nodeKey, entry childEntry) (*node, error) {
	slot := make([]byte, t.layout.slotSize)
	off := t.layout.offset(entry.ptr)
	if off+t.layout.slotSize > t.hostSize {
		return nil, t.corruption(key, "node truncated at offset %d", off)
	}
	if _, err := hostReadAt(t.host, slot, off); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, t.corruption(key, "node truncated at offset %d", off)
		}
		return nil, NewIOError("read", t.hostPath, off, err)
	}

	payloadLen := t.layout.treePayloadLen()
	if key.level == 0 {
		payloadLen = t.layout.dataLen(key.index, t.length)
	}

	rs := recordSize(payloadLen)
	if !allZero(slot[rs:]) {
		return nil, t.corruption(key, "slot padding is not zero")
	}

	payload, err := t.prot.openNode(t.prot.binding(key, t.layout.fanout), slot[:rs], payloadLen, entry.tag)
	if err != nil {
		return nil, t.corruption(key, "%v", err)
	}

	nd := &node{
		key:       key,
		ptr:       entry.ptr,
		committed: true,
		tag:       entry.tag,
	}
	if key.level == 0 {
		nd.data = payload
	} else {
		nd.entries, err = decodeEntries(payload, t.layout.fanout)
		if err != nil {
			return nil, t.corruption(key, "%v", err)
		}
		if err := t.checkEntries(key, nd.entries); err != nil {
			return nil, err
		}
	}
	return nd, nil
}

// checkEntries requires exactly the children covered by the file length to be
// present, each pointing at an allocated pair
func (t *nodeTree) checkEntries(key nodeKey, entries []childEntry) error {
	children := t.levelCount(t.layout.dataNodes(t.length), key.level-1)
	base := key.index * uint64(t.layout.fanout)
	for i, e := range entries {
		if want := base+uint64(i) < children; e.present != want {
			return t.corruption(key, "child %d presence does not match file length", i)
		}
		if e.present && e.ptr.pair >= t.nextPair {
			return t.corruption(key, "child %d points past allocated pairs", i)
		}
	}
	return nil
}

// newNode allocates a node that has never been written
func (t *nodeTree) newNode(key nodeKey) *node {
	n := &node{key: key, ptr: nodePointer{pair: t.nextPair}}
	t.nextPair++
	if key.level > 0 {
		n.entries = make([]childEntry, t.layout.fanout)
	}
	return n
}

// grow raises the tree until it can hold n data nodes. Each new top node
// adopts the previous root as its first child.
func (t *nodeTree) grow(n uint64) {
	want := t.layout.heightFor(n)
	for t.height < want {
		top := t.newNode(nodeKey{level: t.height + 1})
		if t.height > 0 {
			top.entries[0] = t.root
		}
		t.height++
		t.cache.markDirty(top)
	}
}

// touch marks n and every ancestor for recomputation at the next flush
func (t *nodeTree) touch(n *node) error {
	t.cache.markDirty(n)
	key := n.key
	for key.level < t.height {
		key = key.parent(t.layout.fanout)
		p, ok := t.cache.get(key)
		if !ok {
			return t.corruption(key, "ancestor not resident")
		}
		t.cache.markDirty(p)
	}
	return nil
}

// setParentEntry records where and with which tag a child now lives
func (t *nodeTree) setParentEntry(n *node, e childEntry) error {
	if n.key.level == t.height {
		t.root = e
		return nil
	}
	p, ok := t.cache.get(n.key.parent(t.layout.fanout))
	if !ok {
		return t.corruption(n.key, "parent not resident")
	}
	p.entries[n.key.index%uint64(t.layout.fanout)] = e
	return nil
}

// levelCount returns how many nodes exist at level for n data nodes
func (t *nodeTree) levelCount(n uint64, level uint8) uint64 {
	for l := uint8(0); l < level; l++ {
		n = (n + uint64(t.layout.fanout) - 1) / uint64(t.layout.fanout)
	}
	return n
}

// read copies validated plaintext at off into p. It returns io.EOF at or
// past the end of the file and never returns bytes from a node that failed
// verification.
func (t *nodeTree) read(p []byte, off int64) (int, error) {
	if off >= t.length {
		return 0, io.EOF
	}
	end := off + int64(len(p))
	if end > t.length {
		end = t.length
	}

	bs := int64(t.layout.blockSize)
	total := 0
	for pos := off; pos < end; {
		i := uint64(pos / bs)
		n, err := t.get(nodeKey{level: 0, index: i})
		if err != nil {
			return 0, err
		}
		inNode := pos - int64(i)*bs
		c := copy(p[total:end-off], n.data[inNode:])
		total += c
		pos += int64(c)
	}
	return total, nil
}

// write stores p at off, zero filling any gap past the current end. Every
// existing node the write touches is verified before anything is modified,
// so a write either applies completely or not at all.
func (t *nodeTree) write(p []byte, off int64) error {
	if len(p) == 0 {
		return nil
	}
	end := off + int64(len(p))
	if off < 0 || end > MaxFileSize {
		return ErrFileTooLarge
	}
	newLength := t.length
	if end > newLength {
		newLength = end
	}
	if t.layout.heightFor(t.layout.dataNodes(newLength)) > MaxTreeHeight {
		return ErrFileTooLarge
	}

	bs := int64(t.layout.blockSize)
	start := off
	if t.length < off {
		start = t.length
	}
	first := uint64(start / bs)
	last := uint64((end - 1) / bs)
	oldN := t.layout.dataNodes(t.length)

	pinned := make(map[uint64]*node)
	for i := first; i <= last && i < oldN; i++ {
		n, err := t.get(nodeKey{level: 0, index: i})
		if err != nil {
			return err
		}
		pinned[i] = n
	}
	span := uint64(1)
	for level := uint8(1); level <= t.height; level++ {
		span *= uint64(t.layout.fanout)
		count := t.levelCount(oldN, level)
		for idx := first / span; idx <= last/span && idx < count; idx++ {
			if _, err := t.get(nodeKey{level: level, index: idx}); err != nil {
				return err
			}
		}
	}

	t.grow(t.layout.dataNodes(newLength))

	for i := first; i <= last; i++ {
		key := nodeKey{level: 0, index: i}
		n, ok := pinned[i]
		if ok {
			if _, cached := t.cache.get(key); !cached {
				t.cache.put(n)
			}
		} else {
			var err error
			if n, err = t.obtain(key); err != nil {
				return err
			}
		}

		nodeStart := int64(i) * bs
		nodeLen := t.layout.dataLen(i, newLength)
		if len(n.data) < nodeLen {
			grown := make([]byte, nodeLen)
			copy(grown, n.data)
			n.data = grown
		}
		lo, hi := off, end
		if nodeStart > lo {
			lo = nodeStart
		}
		if nodeStart+int64(nodeLen) < hi {
			hi = nodeStart + int64(nodeLen)
		}
		if lo < hi {
			copy(n.data[lo-nodeStart:hi-nodeStart], p[lo-off:hi-off])
		}
		if err := t.touch(n); err != nil {
			return err
		}
	}

	t.length = newLength
	return nil
}

// authenticationTag returns the file tag over the current content, including
// writes that have not been flushed. Only integrity-only files have one.
func (t *nodeTree) authenticationTag() (Tag, error) {
	tg, ok := t.prot.(tagger)
	if !ok {
		return Tag{}, ErrTagUnavailable
	}
	for _, n := range t.cache.dirtyNodes() {
		n.tag = tg.nodeTag(t.prot.binding(n.key, t.layout.fanout), n.payload())
		if err := t.setParentEntry(n, childEntry{present: true, ptr: n.target(), tag: n.tag}); err != nil {
			return Tag{}, err
		}
	}
	return tg.fileTag(t.length, t.height, t.root.tag), nil
}

// dirty reports whether a flush has anything to write
func (t *nodeTree) dirty() bool {
	return len(t.cache.dirtyNodes()) > 0
}

// flush writes every dirty node into its free slot, children before parents,
// then commits the new root by writing the metadata node last. Until that
// final write completes the committed tree on the host is untouched.
func (t *nodeTree) flush() error {
	dirty := t.cache.dirtyNodes()
	if len(dirty) == 0 {
		return nil
	}

	for start := 0; start < len(dirty); {
		level := dirty[start].key.level
		stop := start
		for stop < len(dirty) && dirty[stop].key.level == level {
			stop++
		}
		group := dirty[start:stop]

		jobs := make([]sealJob, len(group))
		for i, n := range group {
			jobs[i] = sealJob{
				binding: t.prot.binding(n.key, t.layout.fanout),
				payload: n.payload(),
			}
		}
		if err := sealNodes(t.prot, jobs, t.parallel); err != nil {
			return err
		}

		for i, n := range group {
			target := n.target()
			if err := t.writeSlot(target, jobs[i].record); err != nil {
				return err
			}
			n.pending = target
			n.hasPending = true
			n.tag = jobs[i].tag
			if err := t.setParentEntry(n, childEntry{present: true, ptr: target, tag: n.tag}); err != nil {
				return err
			}
		}
		start = stop
	}

	if err := t.sync(); err != nil {
		return err
	}
	if err := t.writeMetadata(); err != nil {
		return err
	}

	// The host now references the new slots even if the sync below fails,
	// so the next flush must treat them as committed.
	for _, n := range dirty {
		n.ptr = n.pending
		n.committed = true
		n.hasPending = false
		t.cache.markClean(n)
	}
	return t.sync()
}

// writeMetadata seals and writes the metadata node
func (t *nodeTree) writeMetadata() error {
	body := &metadataBody{
		Length:   t.length,
		Height:   t.height,
		NextPair: t.nextPair,
		Root:     t.root,
	}
	region, err := encodeMetadataRegion(t.prot, t.header, body, t.path)
	if err != nil {
		return err
	}
	return t.writeAt(region, 0)
}

func (t *nodeTree) writeSlot(p nodePointer, record []byte) error {
	slot := make([]byte, t.layout.slotSize)
	copy(slot, record)
	return t.writeAt(slot, t.layout.offset(p))
}

// writeAt writes buf at off, zero filling any gap first so hosts without
// sparse file support only ever see contiguous writes
func (t *nodeTree) writeAt(buf []byte, off int64) error {
	if off > t.hostSize {
		gap := make([]byte, off-t.hostSize)
		if err := hostWriteAt(t.host, gap, t.hostSize); err != nil {
			return NewIOError("write", t.hostPath, t.hostSize, err)
		}
		t.hostSize = off
	}
	if err := hostWriteAt(t.host, buf, off); err != nil {
		return NewIOError("write", t.hostPath, off, err)
	}
	if end := off + int64(len(buf)); end > t.hostSize {
		t.hostSize = end
	}
	return nil
}

func (t *nodeTree) sync() error {
	if err := t.host.Sync(); err != nil {
		return NewIOError("sync", t.hostPath, -1, err)
	}
	return nil
}

// hostReadAt fills buf from off using the handle's cursor
func hostReadAt(f absfs.File, buf []byte, off int64) (int, error) {
	if _, err := f.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	return io.ReadFull(f, buf)
}

// hostWriteAt writes buf at off using the handle's cursor
func hostWriteAt(f absfs.File, buf []byte, off int64) error {
	if _, err := f.Seek(off, io.SeekStart); err != nil {
		return err
	}
	n, err := f.Write(buf)
	if err == nil && n < len(buf) {
		err = io.ErrShortWrite
	}
	return err
}

// release drops all cached nodes
func (t *nodeTree) release() {
	t.cache.release()
}
