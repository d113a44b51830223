package commit

import (
	"testing"

	"github.com/infinitree/infinitree/internal/chunkptr"
	"github.com/infinitree/infinitree/internal/objectid"
)

func testPointer(t *testing.T) chunkptr.ChunkPointer {
	t.Helper()
	id, err := objectid.New()
	if err != nil {
		t.Fatalf("objectid.New: %v", err)
	}
	return chunkptr.ChunkPointer{ObjectID: id, Offset: 1, Size: 2, Hash: [32]byte{1}, Tag: [16]byte{2}}
}

func TestCommit_MarshalUnmarshal_RoundTrip(t *testing.T) {
	manifest := map[string][]chunkptr.ChunkPointer{
		"events": {testPointer(t), testPointer(t)},
		"users":  {testPointer(t)},
	}
	var parent ID
	parentPtr := testPointer(t)
	c, err := New(parent, parentPtr, "first commit", manifest)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	buf, err := c.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	got, err := Unmarshal(buf)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.ID != c.ID || got.Parent != c.Parent || got.Message != c.Message || got.Timestamp != c.Timestamp {
		t.Fatalf("scalar fields mismatch: got %+v want %+v", got, c)
	}
	if !got.ParentPointer.Equal(parentPtr) {
		t.Fatalf("parent pointer mismatch: got %+v want %+v", got.ParentPointer, parentPtr)
	}
	if len(got.Manifest) != len(c.Manifest) {
		t.Fatalf("manifest field count mismatch: got %d want %d", len(got.Manifest), len(c.Manifest))
	}
	for name, ptrs := range c.Manifest {
		gotPtrs, ok := got.Manifest[name]
		if !ok || len(gotPtrs) != len(ptrs) {
			t.Fatalf("manifest field %q missing or wrong length", name)
		}
		for i := range ptrs {
			if !gotPtrs[i].Equal(ptrs[i]) {
				t.Fatalf("manifest field %q pointer %d mismatch", name, i)
			}
		}
	}
}

func TestCommit_RootCommitHasZeroParent(t *testing.T) {
	c, err := New(ID{}, chunkptr.ChunkPointer{}, "root", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !c.Parent.IsZero() {
		t.Fatalf("expected zero parent for root commit")
	}
}

func TestBranchTable_MarshalUnmarshal_RoundTrip(t *testing.T) {
	bt := NewBranchTable()
	var id1, id2 ID
	id1[0] = 1
	id2[0] = 2
	bt.Branches["main"] = BranchHead{CommitID: id1, Pointer: testPointer(t)}
	bt.Branches["feature/x"] = BranchHead{CommitID: id2, Pointer: testPointer(t)}

	buf, err := bt.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	got, err := UnmarshalBranchTable(buf)
	if err != nil {
		t.Fatalf("UnmarshalBranchTable: %v", err)
	}
	if len(got.Branches) != 2 {
		t.Fatalf("expected 2 branches, got %d", len(got.Branches))
	}
	for name, head := range bt.Branches {
		gotHead, ok := got.Branches[name]
		if !ok {
			t.Fatalf("missing branch %q", name)
		}
		if gotHead.CommitID != head.CommitID {
			t.Fatalf("branch %q commit id mismatch", name)
		}
		if !gotHead.Pointer.Equal(head.Pointer) {
			t.Fatalf("branch %q pointer mismatch", name)
		}
	}
}
