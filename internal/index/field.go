// Package index implements the index-field protocol (spec §4.8): named
// fields within a user-declared Index aggregate, each backed by a
// Strategy (Local, Sparse, Incremental) that governs how the field's
// in-memory state maps to chunk streams.
package index

import (
	"bytes"
	"context"
	"fmt"

	"github.com/infinitree/infinitree/internal/chunker"
	"github.com/infinitree/infinitree/internal/chunkptr"
	"github.com/infinitree/infinitree/internal/config"
	"github.com/infinitree/infinitree/internal/pool"
)

// Strategy tags how a Field maps its state to chunk streams (§9 "model as
// a tagged variant ... do not rely on runtime introspection").
type Strategy int

const (
	// StrategyLocal serialises the field's entire value as one stream
	// on every commit.
	StrategyLocal Strategy = iota
	// StrategySparse serialises keys plus per-key ChunkPointers as one
	// stream, leaving each value independently addressable.
	StrategySparse
	// StrategyIncremental emits only the delta since the field's last
	// commit; Load must fold pointers from every ancestor commit in order.
	StrategyIncremental
)

// Codec converts a value of type T to and from its wire representation.
// Supplying codecs explicitly (rather than requiring T to implement an
// interface) keeps built-in types like uint64 and string usable directly.
type Codec[T any] struct {
	Encode func(T) ([]byte, error)
	Decode func([]byte) (T, error)
}

// Field is one named slot of a user-declared Index aggregate.
type Field interface {
	Name() string
	Strategy() Strategy
	// Dirty reports whether the field has unsaved changes since its last Store.
	Dirty() bool
	// Store serialises the field's current state (or delta, for
	// StrategyIncremental) and writes it through ctx, returning the
	// ordered ChunkPointers to record in the commit manifest.
	Store(ctx *StoreCtx) ([]chunkptr.ChunkPointer, error)
	// Load reconstructs the field's state from ptrs. For StrategyLocal and
	// StrategySparse fields ptrs is the target commit's manifest entry;
	// for StrategyIncremental fields ptrs is the concatenation, in
	// ancestor-then-descendant order, of every commit's manifest entry for
	// this field name from the tree's root commit through the target.
	Load(ctx *LoadCtx, ptrs []chunkptr.ChunkPointer) error
}

// StoreCtx is the I/O handle passed into Field.Store. It lets a field
// write chunk streams without holding a back-reference to the tree (§9).
type StoreCtx struct {
	Ctx     context.Context
	Writer  *pool.Writer
	Chunker config.ChunkerConfig
}

// WriteStream splits data into content-defined chunks and writes each
// through the writer pool, returning the ordered ChunkPointers.
func (s *StoreCtx) WriteStream(data []byte) ([]chunkptr.ChunkPointer, error) {
	chunks, err := chunker.Split(bytes.NewReader(data), s.Chunker)
	if err != nil {
		return nil, fmt.Errorf("split field stream: %w", err)
	}
	ptrs := make([]chunkptr.ChunkPointer, 0, len(chunks))
	for _, c := range chunks {
		ptr, err := s.Writer.WriteChunk(s.Ctx, c.Data)
		if err != nil {
			return nil, fmt.Errorf("write field chunk: %w", err)
		}
		ptrs = append(ptrs, ptr)
	}
	return ptrs, nil
}

// LoadCtx is the I/O handle passed into Field.Load.
type LoadCtx struct {
	Ctx    context.Context
	Reader *pool.Reader
}

// ReadStream fetches and concatenates the plaintext named by ptrs, in order.
func (l *LoadCtx) ReadStream(ptrs []chunkptr.ChunkPointer) ([]byte, error) {
	var buf bytes.Buffer
	for _, ptr := range ptrs {
		b, err := l.Reader.ReadChunk(l.Ctx, ptr)
		if err != nil {
			return nil, fmt.Errorf("read field chunk: %w", err)
		}
		buf.Write(b)
	}
	return buf.Bytes(), nil
}
