// Package pool implements the writer and reader object pools (spec §4.4-4.6):
// a writer packs chunks into open 4 MiB objects across parallel lanes, a
// reader demand-loads objects through the cache and slices chunks back out.
package pool

import (
	"container/list"
	"sync"

	"github.com/infinitree/infinitree/internal/chunkptr"
)

// DedupIndex is the transient, in-memory `Blake3(plaintext) → ChunkPointer`
// mapping for one writer session (§4.6). A hit lets write_chunk skip
// encryption entirely; a miss is never wrong, only a missed optimization,
// so the index can evict freely under its entry cap.
type DedupIndex struct {
	mu      sync.Mutex
	maxSize int
	order   *list.List // front = least recently inserted
	entries map[[32]byte]*list.Element
}

type dedupEntry struct {
	hash [32]byte
	ptr  chunkptr.ChunkPointer
}

// NewDedupIndex builds an index holding at most maxSize entries, evicting
// least-recently-inserted first once full.
func NewDedupIndex(maxSize int) *DedupIndex {
	if maxSize <= 0 {
		maxSize = 1 << 20
	}
	return &DedupIndex{
		maxSize: maxSize,
		order:   list.New(),
		entries: make(map[[32]byte]*list.Element, maxSize),
	}
}

// Lookup returns the cached pointer for hash, if any.
func (d *DedupIndex) Lookup(hash [32]byte) (chunkptr.ChunkPointer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	elem, ok := d.entries[hash]
	if !ok {
		return chunkptr.ChunkPointer{}, false
	}
	return elem.Value.(*dedupEntry).ptr, true
}

// Insert records hash → ptr, evicting the least-recently-inserted entry if
// the index is at capacity. Re-inserting an existing hash is a no-op: the
// index orders by insertion, not by access, so repeated hits on a popular
// chunk never protect it from eviction (§4.6 names LRU by insertion order,
// not by use, since the index isn't meant to model a real cache).
func (d *DedupIndex) Insert(hash [32]byte, ptr chunkptr.ChunkPointer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.entries[hash]; ok {
		return
	}
	if len(d.entries) >= d.maxSize {
		oldest := d.order.Front()
		if oldest != nil {
			d.order.Remove(oldest)
			delete(d.entries, oldest.Value.(*dedupEntry).hash)
		}
	}
	elem := d.order.PushBack(&dedupEntry{hash: hash, ptr: ptr})
	d.entries[hash] = elem
}

// Len returns the current number of entries.
func (d *DedupIndex) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
