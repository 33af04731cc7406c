package sealfs

import (
	"container/list"
	"sort"
)

// node is a decrypted, validated node owned by one open handle
type node struct {
	key nodeKey

	// ptr is the physical version the committed tree references. It is only
	// meaningful when committed is true.
	ptr       nodePointer
	committed bool

	// pending is where the last flush wrote this node; it replaces ptr once
	// the metadata node referencing it is durable
	pending    nodePointer
	hasPending bool

	data    []byte       // level 0
	entries []childEntry // level > 0

	tag   Tag
	dirty bool

	lru *list.Element // set while the node is an eviction candidate
}

func (n *node) isData() bool {
	return n.key.level == 0
}

// payload returns the bytes stored for the node
func (n *node) payload() []byte {
	if n.isData() {
		return n.data
	}
	return encodeEntries(n.entries)
}

// target returns the slot the next flush of this node writes to: never the
// slot the committed tree references
func (n *node) target() nodePointer {
	if !n.committed {
		return nodePointer{pair: n.ptr.pair, slot: 0}
	}
	return nodePointer{pair: n.ptr.pair, slot: 1 - n.ptr.slot}
}

// nodeCache holds every materialized node of one handle. Dirty nodes and tree
// nodes are pinned; clean data nodes are evicted in LRU order once more than
// capacity of them are held.
type nodeCache struct {
	capacity int
	nodes    map[nodeKey]*node
	clean    *list.List // of *node, front is most recently used
}

func newNodeCache(capacity int) *nodeCache {
	if capacity < 1 {
		capacity = 1
	}
	return &nodeCache{
		capacity: capacity,
		nodes:    make(map[nodeKey]*node),
		clean:    list.New(),
	}
}

// get returns a cached node, refreshing its LRU position
func (c *nodeCache) get(key nodeKey) (*node, bool) {
	n, ok := c.nodes[key]
	if !ok {
		return nil, false
	}
	if n.lru != nil {
		c.clean.MoveToFront(n.lru)
	}
	return n, true
}

// put adds a node, which may have been evicted earlier
func (c *nodeCache) put(n *node) {
	c.nodes[n.key] = n
	if n.dirty {
		c.unlink(n)
		return
	}
	c.markClean(n)
}

// markDirty pins n until the next successful flush
func (c *nodeCache) markDirty(n *node) {
	n.dirty = true
	c.unlink(n)
	if _, ok := c.nodes[n.key]; !ok {
		c.nodes[n.key] = n
	}
}

// markClean makes a clean data node an eviction candidate
func (c *nodeCache) markClean(n *node) {
	n.dirty = false
	if !n.isData() {
		return
	}
	if n.lru != nil {
		c.clean.MoveToFront(n.lru)
	} else {
		n.lru = c.clean.PushFront(n)
	}
	c.evict()
}

func (c *nodeCache) unlink(n *node) {
	if n.lru != nil {
		c.clean.Remove(n.lru)
		n.lru = nil
	}
}

func (c *nodeCache) evict() {
	for c.clean.Len() > c.capacity {
		back := c.clean.Back()
		n := back.Value.(*node)
		c.clean.Remove(back)
		n.lru = nil
		delete(c.nodes, n.key)
	}
}

// dirtyNodes returns the dirty nodes children first: by level, then index
func (c *nodeCache) dirtyNodes() []*node {
	var out []*node
	for _, n := range c.nodes {
		if n.dirty {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].key.level != out[j].key.level {
			return out[i].key.level < out[j].key.level
		}
		return out[i].key.index < out[j].key.index
	})
	return out
}

// len returns the number of cached nodes
func (c *nodeCache) len() int {
	return len(c.nodes)
}

// release drops every node
func (c *nodeCache) release() {
	c.nodes = make(map[nodeKey]*node)
	c.clean.Init()
}
