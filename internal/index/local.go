package index

import (
	"sync"

	"github.com/infinitree/infinitree/internal/chunkptr"
)

// Local is the snapshot field strategy: the entire value is serialised and
// written as one stream on every commit. Suitable for small, whole-value
// fields.
type Local[T any] struct {
	name  string
	codec Codec[T]

	mu    sync.RWMutex
	value T
	dirty bool
}

// NewLocal declares a Local field named name, using codec to serialise T.
func NewLocal[T any](name string, codec Codec[T]) *Local[T] {
	return &Local[T]{name: name, codec: codec}
}

func (f *Local[T]) Name() string      { return f.name }
func (f *Local[T]) Strategy() Strategy { return StrategyLocal }

// Get returns the field's current in-memory value.
func (f *Local[T]) Get() T {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.value
}

// Set replaces the field's value, marking it dirty for the next commit.
func (f *Local[T]) Set(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.value = v
	f.dirty = true
}

func (f *Local[T]) Dirty() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.dirty
}

// Store implements Field.
func (f *Local[T]) Store(ctx *StoreCtx) ([]chunkptr.ChunkPointer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, err := f.codec.Encode(f.value)
	if err != nil {
		return nil, err
	}
	ptrs, err := ctx.WriteStream(raw)
	if err != nil {
		return nil, err
	}
	f.dirty = false
	return ptrs, nil
}

// Load implements Field.
func (f *Local[T]) Load(ctx *LoadCtx, ptrs []chunkptr.ChunkPointer) error {
	raw, err := ctx.ReadStream(ptrs)
	if err != nil {
		return err
	}
	v, err := f.codec.Decode(raw)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.value = v
	f.dirty = false
	f.mu.Unlock()
	return nil
}
