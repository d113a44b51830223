package cache

import (
	"container/list"
	"context"
	"sync"

	"github.com/infinitree/infinitree/internal/objectid"
)

// Memory is an in-process LRU tier bounded by a byte budget.
type Memory struct {
	mu        sync.Mutex
	maxBytes  int64
	curBytes  int64
	order     *list.List
	entries   map[objectid.ID]*list.Element
}

type memEntry struct {
	id  objectid.ID
	buf []byte
}

// NewMemory builds a Memory tier holding at most maxBytes of object data.
func NewMemory(maxBytes int64) *Memory {
	return &Memory{
		maxBytes: maxBytes,
		order:    list.New(),
		entries:  make(map[objectid.ID]*list.Element),
	}
}

func (m *Memory) Name() string { return "memory" }

// Get implements Tier.
func (m *Memory) Get(ctx context.Context, id objectid.ID) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	elem, ok := m.entries[id]
	if !ok {
		return nil, false, nil
	}
	m.order.MoveToBack(elem)
	return elem.Value.(*memEntry).buf, true, nil
}

// Put implements Tier, evicting least-recently-used entries until buf fits
// the byte budget. Insertion and eviction both happen under mu, so a reader
// never observes a partially evicted or partially inserted entry.
func (m *Memory) Put(ctx context.Context, id objectid.ID, buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.entries[id]; ok {
		m.curBytes -= int64(len(elem.Value.(*memEntry).buf))
		m.order.Remove(elem)
		delete(m.entries, id)
	}

	for m.curBytes+int64(len(buf)) > m.maxBytes && m.order.Len() > 0 {
		oldest := m.order.Front()
		m.order.Remove(oldest)
		e := oldest.Value.(*memEntry)
		delete(m.entries, e.id)
		m.curBytes -= int64(len(e.buf))
	}

	if int64(len(buf)) > m.maxBytes {
		return nil // too big to ever fit this tier; not an error, just skipped
	}

	elem := m.order.PushBack(&memEntry{id: id, buf: buf})
	m.entries[id] = elem
	m.curBytes += int64(len(buf))
	return nil
}

// SetMaxBytes adjusts the tier's byte budget, evicting immediately if the
// new budget is smaller than what's currently held. Used by config live-reload
// to apply a changed cache.memory_bytes without reopening the tree.
func (m *Memory) SetMaxBytes(maxBytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxBytes = maxBytes
	for m.curBytes > m.maxBytes && m.order.Len() > 0 {
		oldest := m.order.Front()
		m.order.Remove(oldest)
		e := oldest.Value.(*memEntry)
		delete(m.entries, e.id)
		m.curBytes -= int64(len(e.buf))
	}
}

// Invalidate removes id from the tier if present.
func (m *Memory) Invalidate(ctx context.Context, id objectid.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	elem, ok := m.entries[id]
	if !ok {
		return nil
	}
	m.order.Remove(elem)
	delete(m.entries, id)
	m.curBytes -= int64(len(elem.Value.(*memEntry).buf))
	return nil
}
