package index

import (
	"sort"
	"sync"

	"github.com/infinitree/infinitree/internal/chunkptr"
	"github.com/infinitree/infinitree/internal/wire"
)

// Sparse is the map-like field strategy: one stream holds every key plus
// its per-key ChunkPointer list; each value lives in its own chunk. Keys
// can be loaded without pulling in every value, and values are fetched on
// demand via Value.
type Sparse[K comparable, V any] struct {
	name     string
	keyCodec Codec[K]
	valCodec Codec[V]

	mu      sync.RWMutex
	keyPtrs map[K][]chunkptr.ChunkPointer
	pending map[K]V
	deleted map[K]bool

	loadCtx *LoadCtx // retained after Load for on-demand Value fetches
}

// NewSparse declares a Sparse field named name.
func NewSparse[K comparable, V any](name string, keyCodec Codec[K], valCodec Codec[V]) *Sparse[K, V] {
	return &Sparse[K, V]{
		name:     name,
		keyCodec: keyCodec,
		valCodec: valCodec,
		keyPtrs:  make(map[K][]chunkptr.ChunkPointer),
		pending:  make(map[K]V),
		deleted:  make(map[K]bool),
	}
}

func (f *Sparse[K, V]) Name() string       { return f.name }
func (f *Sparse[K, V]) Strategy() Strategy { return StrategySparse }

func (f *Sparse[K, V]) Dirty() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.pending) > 0 || len(f.deleted) > 0
}

// Set stages k=v for the next commit.
func (f *Sparse[K, V]) Set(k K, v V) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[k] = v
	delete(f.deleted, k)
}

// Delete stages removal of k for the next commit.
func (f *Sparse[K, V]) Delete(k K) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pending, k)
	f.deleted[k] = true
}

// Keys returns every key currently known (including pending, unsaved ones).
func (f *Sparse[K, V]) Keys() []K {
	f.mu.RLock()
	defer f.mu.RUnlock()
	seen := make(map[K]bool, len(f.keyPtrs)+len(f.pending))
	keys := make([]K, 0, len(f.keyPtrs)+len(f.pending))
	for k := range f.keyPtrs {
		if f.deleted[k] {
			continue
		}
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	for k := range f.pending {
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	return keys
}

// Value fetches k's value, loading its chunk on demand if not already staged.
func (f *Sparse[K, V]) Value(k K) (V, bool, error) {
	f.mu.RLock()
	if v, ok := f.pending[k]; ok {
		f.mu.RUnlock()
		return v, true, nil
	}
	if f.deleted[k] {
		f.mu.RUnlock()
		var zero V
		return zero, false, nil
	}
	ptrs, ok := f.keyPtrs[k]
	loadCtx := f.loadCtx
	f.mu.RUnlock()
	if !ok {
		var zero V
		return zero, false, nil
	}
	raw, err := loadCtx.ReadStream(ptrs)
	if err != nil {
		var zero V
		return zero, false, err
	}
	v, err := f.valCodec.Decode(raw)
	if err != nil {
		var zero V
		return zero, false, err
	}
	return v, true, nil
}

// Store implements Field: writes each dirty value as its own chunk stream,
// then writes one key stream mapping every current key to its value's
// ChunkPointers.
func (f *Sparse[K, V]) Store(ctx *StoreCtx) ([]chunkptr.ChunkPointer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for k, v := range f.pending {
		raw, err := f.valCodec.Encode(v)
		if err != nil {
			return nil, err
		}
		ptrs, err := ctx.WriteStream(raw)
		if err != nil {
			return nil, err
		}
		f.keyPtrs[k] = ptrs
	}
	for k := range f.deleted {
		delete(f.keyPtrs, k)
	}
	f.pending = make(map[K]V)
	f.deleted = make(map[K]bool)

	keys := make([]K, 0, len(f.keyPtrs))
	for k := range f.keyPtrs {
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
		if err := w.WriteChunkPointers(f.keyPtrs[k]); err != nil {
			return nil, err
		}
	}
	return ctx.WriteStream(w.Bytes())
}

// Load implements Field: reads the key stream and populates the lazy
// key -> value-pointer index; values themselves are fetched on demand.
func (f *Sparse[K, V]) Load(ctx *LoadCtx, ptrs []chunkptr.ChunkPointer) error {
	raw, err := ctx.ReadStream(ptrs)
	if err != nil {
		return err
	}
	r := wire.NewReader(raw)
	n, err := r.ReadUint32()
	if err != nil {
		return err
	}
	keyPtrs := make(map[K][]chunkptr.ChunkPointer, n)
	for i := uint32(0); i < n; i++ {
		kb, err := r.ReadBytes()
		if err != nil {
			return err
		}
		k, err := f.keyCodec.Decode(kb)
		if err != nil {
			return err
		}
		cps, err := r.ReadChunkPointers()
		if err != nil {
			return err
		}
		keyPtrs[k] = cps
	}

	f.mu.Lock()
	f.keyPtrs = keyPtrs
	f.pending = make(map[K]V)
	f.deleted = make(map[K]bool)
	f.loadCtx = ctx
	f.mu.Unlock()
	return nil
}
