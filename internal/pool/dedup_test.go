package pool

import (
	"testing"

	"github.com/infinitree/infinitree/internal/chunkptr"
	"github.com/infinitree/infinitree/internal/objectid"
)

func testPointer(t *testing.T, offset uint32) chunkptr.ChunkPointer {
	t.Helper()
	id, err := objectid.New()
	if err != nil {
		t.Fatalf("objectid.New: %v", err)
	}
	return chunkptr.ChunkPointer{ObjectID: id, Offset: offset, Size: 128}
}

func TestDedupIndex_InsertAndLookup(t *testing.T) {
	idx := NewDedupIndex(10)
	hash := [32]byte{1, 2, 3}
	ptr := testPointer(t, 0)

	if _, ok := idx.Lookup(hash); ok {
		t.Fatalf("expected miss before insert")
	}
	idx.Insert(hash, ptr)

	got, ok := idx.Lookup(hash)
	if !ok {
		t.Fatalf("expected hit after insert")
	}
	if !got.Equal(ptr) {
		t.Fatalf("lookup returned wrong pointer")
	}
}

func TestDedupIndex_EvictsLeastRecentlyInserted(t *testing.T) {
	idx := NewDedupIndex(2)
	h1, h2, h3 := [32]byte{1}, [32]byte{2}, [32]byte{3}

	idx.Insert(h1, testPointer(t, 0))
	idx.Insert(h2, testPointer(t, 1))
	idx.Insert(h3, testPointer(t, 2)) // evicts h1

	if _, ok := idx.Lookup(h1); ok {
		t.Fatalf("expected h1 to be evicted")
	}
	if _, ok := idx.Lookup(h2); !ok {
		t.Fatalf("expected h2 to survive")
	}
	if _, ok := idx.Lookup(h3); !ok {
		t.Fatalf("expected h3 to survive")
	}
	if idx.Len() != 2 {
		t.Fatalf("expected index size 2, got %d", idx.Len())
	}
}

func TestDedupIndex_ReinsertIsNoop(t *testing.T) {
	idx := NewDedupIndex(10)
	hash := [32]byte{9}
	first := testPointer(t, 0)
	idx.Insert(hash, first)
	idx.Insert(hash, testPointer(t, 99))

	got, ok := idx.Lookup(hash)
	if !ok {
		t.Fatalf("expected hit")
	}
	if !got.Equal(first) {
		t.Fatalf("expected first inserted pointer to win over re-insert")
	}
}
