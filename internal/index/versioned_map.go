package index

import (
	"sort"
	"sync"

	"github.com/infinitree/infinitree/internal/chunkptr"
	"github.com/infinitree/infinitree/internal/wire"
)

type deltaKind uint8

const (
	deltaInsert deltaKind = iota
	deltaTombstone
)

// VersionedMap is the incremental field strategy (§4.8): a map whose
// per-commit storage is the delta against its parent commit's state. A
// tombstone for K erases it; a later insert of K supersedes the tombstone.
// The fold is stable: Load applied to the deltas of C1..Ck in order always
// reproduces the same state for commit Ck.
type VersionedMap[K comparable, V any] struct {
	name     string
	keyCodec Codec[K]
	valCodec Codec[V]

	mu      sync.RWMutex
	state   map[K]V  // folded effective state as of the last Load/Store
	pending map[K]*V // nil => tombstone staged this commit, non-nil => insert/update
}

// NewVersionedMap declares an Incremental field named name.
func NewVersionedMap[K comparable, V any](name string, keyCodec Codec[K], valCodec Codec[V]) *VersionedMap[K, V] {
	return &VersionedMap[K, V]{
		name:     name,
		keyCodec: keyCodec,
		valCodec: valCodec,
		state:    make(map[K]V),
		pending:  make(map[K]*V),
	}
}

func (f *VersionedMap[K, V]) Name() string       { return f.name }
func (f *VersionedMap[K, V]) Strategy() Strategy { return StrategyIncremental }

func (f *VersionedMap[K, V]) Dirty() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.pending) > 0
}

// Get returns K's effective value: a staged change takes priority over the
// last-loaded state.
func (f *VersionedMap[K, V]) Get(k K) (V, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if p, ok := f.pending[k]; ok {
		if p == nil {
			var zero V
			return zero, false
		}
		return *p, true
	}
	v, ok := f.state[k]
	return v, ok
}

// Insert stages k=v for the next commit.
func (f *VersionedMap[K, V]) Insert(k K, v V) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[k] = &v
}

// Delete stages a tombstone for k for the next commit.
func (f *VersionedMap[K, V]) Delete(k K) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, existed := f.state[k]; !existed {
		if _, staged := f.pending[k]; !staged {
			return // nothing to delete, don't emit a pointless tombstone
		}
	}
	f.pending[k] = nil
}

// Len returns the number of keys in the effective state (staged changes included).
func (f *VersionedMap[K, V]) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n := len(f.state)
	for k, p := range f.pending {
		_, existed := f.state[k]
		switch {
		case p == nil && existed:
			n--
		case p != nil && !existed:
			n++
		}
	}
	return n
}

// Store implements Field: emits only the records changed since the last
// commit of this field (§4.8's "Incremental" strategy).
func (f *VersionedMap[K, V]) Store(ctx *StoreCtx) ([]chunkptr.ChunkPointer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	keys := make([]K, 0, len(f.pending))
	for k := range f.pending {
		keys = append(keys, k)
	}
	encoded := make(map[K][]byte, len(keys))
	for _, k := range keys {
		kb, err := f.keyCodec.Encode(k)
		if err != nil {
			return nil, err
		}
		encoded[k] = kb
	}
	sort.Slice(keys, func(i, j int) bool {
		return string(encoded[keys[i]]) < string(encoded[keys[j]])
	})

	w := wire.NewWriter()
	w.WriteUint32(uint32(len(keys)))
	for _, k := range keys {
		w.WriteBytes(encoded[k])
		p := f.pending[k]
		if p == nil {
			w.WriteUint32(uint32(deltaTombstone))
			f.applyTombstone(k)
			continue
		}
		w.WriteUint32(uint32(deltaInsert))
		vb, err := f.valCodec.Encode(*p)
		if err != nil {
			return nil, err
		}
		w.WriteBytes(vb)
		f.state[k] = *p
	}
	f.pending = make(map[K]*V)

	if len(keys) == 0 {
		return nil, nil
	}
	return ctx.WriteStream(w.Bytes())
}

func (f *VersionedMap[K, V]) applyTombstone(k K) {
	delete(f.state, k)
}

// Load implements Field: ptrs is the ancestor-ordered concatenation of
// every commit's delta ChunkPointers for this field, oldest first. A
// single commit's delta may itself span more than one chunk, so the
// reassembled byte stream is parsed as a sequence of independent
// count-prefixed delta records rather than one-record-per-pointer;
// records are applied in stream order so the fold matches §8's stability
// property regardless of how any individual commit's delta was chunked.
func (f *VersionedMap[K, V]) Load(ctx *LoadCtx, ptrs []chunkptr.ChunkPointer) error {
	raw, err := ctx.ReadStream(ptrs)
	if err != nil {
		return err
	}

	state := make(map[K]V)
	r := wire.NewReader(raw)
	for r.Len() > 0 {
		if err := f.foldDelta(r, state); err != nil {
			return err
		}
	}

	f.mu.Lock()
	f.state = state
	f.pending = make(map[K]*V)
	f.mu.Unlock()
	return nil
}

func (f *VersionedMap[K, V]) foldDelta(r *wire.Reader, state map[K]V) error {
	n, err := r.ReadUint32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		kb, err := r.ReadBytes()
		if err != nil {
			return err
		}
		k, err := f.keyCodec.Decode(kb)
		if err != nil {
			return err
		}
		kind, err := r.ReadUint32()
		if err != nil {
			return err
		}
		switch deltaKind(kind) {
		case deltaTombstone:
			delete(state, k)
		case deltaInsert:
			vb, err := r.ReadBytes()
			if err != nil {
				return err
			}
			v, err := f.valCodec.Decode(vb)
			if err != nil {
				return err
			}
			state[k] = v
		}
	}
	return nil
}
