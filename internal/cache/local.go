package cache

import (
	"container/list"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/infinitree/infinitree/internal/errs"
	"github.com/infinitree/infinitree/internal/objectid"
)

// Local is a disk-backed tier bounded by a byte budget, written atomically
// via temp-file-then-rename so a concurrent reader never observes a
// partially written cache file (§4.7).
type Local struct {
	dir      string
	maxBytes int64

	mu       sync.Mutex
	curBytes int64
	order    *list.List
	entries  map[objectid.ID]*list.Element
}

type localEntry struct {
	id   objectid.ID
	size int64
}

// NewLocal builds a Local tier rooted at dir, holding at most maxBytes.
// Any files already present under dir are untracked, since the tier starts
// with an empty in-memory LRU index: Get still serves them as hits, but they
// do not count against maxBytes, are never evicted, and are replaced only
// if the same id is Put again.
func NewLocal(dir string, maxBytes int64) (*Local, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create local cache dir %s: %w", dir, err)
	}
	return &Local{
		dir:      dir,
		maxBytes: maxBytes,
		order:    list.New(),
		entries:  make(map[objectid.ID]*list.Element),
	}, nil
}

func (l *Local) Name() string { return "local" }

func (l *Local) path(id objectid.ID) string {
	return filepath.Join(l.dir, id.String())
}

// Get implements Tier.
func (l *Local) Get(ctx context.Context, id objectid.ID) ([]byte, bool, error) {
	buf, err := os.ReadFile(l.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: read local cache entry %s: %v", errs.ErrTransport, id, err)
	}

	l.mu.Lock()
	if elem, ok := l.entries[id]; ok {
		l.order.MoveToBack(elem)
	}
	l.mu.Unlock()
	return buf, true, nil
}

// Put implements Tier, writing buf atomically and evicting older entries
// (by file removal) until the tracked byte budget is respected.
func (l *Local) Put(ctx context.Context, id objectid.ID, buf []byte) error {
	tmp, err := os.CreateTemp(l.dir, ".tmp-"+id.String()+"-*")
	if err != nil {
		return fmt.Errorf("%w: create temp cache file: %v", errs.ErrTransport, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write temp cache file: %v", errs.ErrTransport, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close temp cache file: %v", errs.ErrTransport, err)
	}
	if err := os.Rename(tmpName, l.path(id)); err != nil {
		return fmt.Errorf("%w: publish cache file %s: %v", errs.ErrTransport, id, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if elem, ok := l.entries[id]; ok {
		l.curBytes -= elem.Value.(*localEntry).size
		l.order.Remove(elem)
		delete(l.entries, id)
	}
	for l.curBytes+int64(len(buf)) > l.maxBytes && l.order.Len() > 0 {
		oldest := l.order.Front()
		e := oldest.Value.(*localEntry)
		l.order.Remove(oldest)
		delete(l.entries, e.id)
		l.curBytes -= e.size
		os.Remove(l.path(e.id))
	}

	elem := l.order.PushBack(&localEntry{id: id, size: int64(len(buf))})
	l.entries[id] = elem
	l.curBytes += int64(len(buf))
	return nil
}

// SetMaxBytes adjusts the tier's byte budget, evicting immediately if the
// new budget is smaller than what's currently held. Used by config live-reload
// to apply a changed cache.local_bytes without reopening the tree.
func (l *Local) SetMaxBytes(maxBytes int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.maxBytes = maxBytes
	for l.curBytes > l.maxBytes && l.order.Len() > 0 {
		oldest := l.order.Front()
		e := oldest.Value.(*localEntry)
		l.order.Remove(oldest)
		delete(l.entries, e.id)
		l.curBytes -= e.size
		os.Remove(l.path(e.id))
	}
}

// Invalidate removes id's cache file, if any.
func (l *Local) Invalidate(ctx context.Context, id objectid.ID) error {
	l.mu.Lock()
	if elem, ok := l.entries[id]; ok {
		l.curBytes -= elem.Value.(*localEntry).size
		l.order.Remove(elem)
		delete(l.entries, id)
	}
	l.mu.Unlock()

	if err := os.Remove(l.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove cache file %s: %v", errs.ErrTransport, id, err)
	}
	return nil
}
