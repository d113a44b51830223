package index

import (
	"context"
	"testing"

	"github.com/infinitree/infinitree/internal/backend/fs"
	"github.com/infinitree/infinitree/internal/cache"
	"github.com/infinitree/infinitree/internal/chunkptr"
	"github.com/infinitree/infinitree/internal/config"
	"github.com/infinitree/infinitree/internal/crypto"
	"github.com/infinitree/infinitree/internal/object"
	"github.com/infinitree/infinitree/internal/pool"
)

type harness struct {
	storeCtx *StoreCtx
	loadCtx  *LoadCtx
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	b, err := fs.New(t.TempDir())
	if err != nil {
		t.Fatalf("fs.New: %v", err)
	}
	ctx := context.Background()
	mk, err := crypto.NewMasterKey()
	if err != nil {
		t.Fatalf("NewMasterKey: %v", err)
	}
	key := crypto.StorageKey(mk)

	w, err := pool.NewWriter(ctx, object.KindStorage, key, b, pool.WriterConfig{Lanes: 1, DedupMaxEntries: 100, UploadQueueSize: 2})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	t.Cleanup(w.Close)

	chunkerCfg := config.ChunkerConfig{Min: 4096, Max: 65536, MaskBits: 10}
	chain := cache.NewChain(b)
	r := pool.NewReader(object.KindStorage, key, chain, config.MmapConfig{Enabled: false}, nil)

	return &harness{
		storeCtx: &StoreCtx{Ctx: ctx, Writer: w, Chunker: chunkerCfg},
		loadCtx:  &LoadCtx{Ctx: ctx, Reader: r},
	}
}

func (h *harness) flush(t *testing.T) {
	t.Helper()
	if err := h.storeCtx.Writer.Flush(h.storeCtx.Ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func TestLocal_StoreLoadRoundTrip(t *testing.T) {
	h := newHarness(t)
	f := NewLocal[string]("name", StringCodec())
	f.Set("hello, index")
	if !f.Dirty() {
		t.Fatalf("expected field to be dirty after Set")
	}

	ptrs, err := f.Store(h.storeCtx)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	h.flush(t)
	if f.Dirty() {
		t.Fatalf("expected field to be clean after Store")
	}

	loaded := NewLocal[string]("name", StringCodec())
	if err := loaded.Load(h.loadCtx, ptrs); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Get() != "hello, index" {
		t.Fatalf("got %q want %q", loaded.Get(), "hello, index")
	}
}

func TestSparse_StoreLoadAndLazyValue(t *testing.T) {
	h := newHarness(t)
	f := NewSparse[uint64, string]("sparse", Uint64Codec(), StringCodec())
	f.Set(1, "a")
	f.Set(2, "b")

	ptrs, err := f.Store(h.storeCtx)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	h.flush(t)

	loaded := NewSparse[uint64, string]("sparse", Uint64Codec(), StringCodec())
	if err := loaded.Load(h.loadCtx, ptrs); err != nil {
		t.Fatalf("Load: %v", err)
	}
	keys := loaded.Keys()
	if len(keys) != 2 {
		t.Fatalf("expected 2 keys, got %d", len(keys))
	}
	v, ok, err := loaded.Value(1)
	if err != nil || !ok || v != "a" {
		t.Fatalf("Value(1): %v %v %v", v, ok, err)
	}
	v, ok, err = loaded.Value(2)
	if err != nil || !ok || v != "b" {
		t.Fatalf("Value(2): %v %v %v", v, ok, err)
	}
	if _, ok, _ := loaded.Value(3); ok {
		t.Fatalf("expected Value(3) to miss")
	}
}

func TestVersionedMap_FoldStability(t *testing.T) {
	h := newHarness(t)

	m1 := NewVersionedMap[uint64, string]("vm", Uint64Codec(), StringCodec())
	m1.Insert(1, "a")
	ptrsC1, err := m1.Store(h.storeCtx)
	if err != nil {
		t.Fatalf("Store c1: %v", err)
	}
	h.flush(t)

	m1.Delete(1)
	ptrsC2, err := m1.Store(h.storeCtx)
	if err != nil {
		t.Fatalf("Store c2: %v", err)
	}
	h.flush(t)

	// Load at commit 1: only c1's deltas.
	atC1 := NewVersionedMap[uint64, string]("vm", Uint64Codec(), StringCodec())
	if err := atC1.Load(h.loadCtx, ptrsC1); err != nil {
		t.Fatalf("Load at c1: %v", err)
	}
	if v, ok := atC1.Get(1); !ok || v != "a" {
		t.Fatalf("at c1: got %q %v want \"a\" true", v, ok)
	}

	// Load at commit 2: fold c1's insert then c2's tombstone, in order.
	combined := append(append([]chunkptr.ChunkPointer{}, ptrsC1...), ptrsC2...)
	atC2 := NewVersionedMap[uint64, string]("vm", Uint64Codec(), StringCodec())
	if err := atC2.Load(h.loadCtx, combined); err != nil {
		t.Fatalf("Load at c2: %v", err)
	}
	if _, ok := atC2.Get(1); ok {
		t.Fatalf("at c2: expected key 1 to be tombstoned")
	}
}

func TestVersionedMap_ReinsertSupersedesTombstoneWithinSameCommit(t *testing.T) {
	h := newHarness(t)
	m := NewVersionedMap[uint64, string]("vm", Uint64Codec(), StringCodec())
	m.Insert(1, "a")
	if _, err := m.Store(h.storeCtx); err != nil {
		t.Fatalf("Store: %v", err)
	}
	h.flush(t)

	m.Delete(1)
	m.Insert(1, "b")
	if v, ok := m.Get(1); !ok || v != "b" {
		t.Fatalf("expected staged reinsert to supersede the staged tombstone, got %q %v", v, ok)
	}
}
