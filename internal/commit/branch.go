package commit

import (
	"fmt"
	"sort"

	"github.com/infinitree/infinitree/internal/chunkptr"
	"github.com/infinitree/infinitree/internal/errs"
	"github.com/infinitree/infinitree/internal/wire"
)

// DefaultBranch is the branch name a freshly opened tree writes to absent
// an explicit Branch() call.
const DefaultBranch = "main"

// BranchHead records one branch's current tip: the commit id (for parent
// lookups without a fetch) and the ChunkPointer locating its serialised
// Commit record.
type BranchHead struct {
	CommitID ID
	Pointer  chunkptr.ChunkPointer
}

// BranchTable is purely in the root object: branching shares all prior
// commit and chunk objects, it only adds an entry here (spec §4.9).
type BranchTable struct {
	Branches map[string]BranchHead
}

// NewBranchTable returns an empty table.
func NewBranchTable() *BranchTable {
	return &BranchTable{Branches: make(map[string]BranchHead)}
}

// MarshalBinary encodes bt with branch names in sorted order for a stable wire layout.
func (bt *BranchTable) MarshalBinary() ([]byte, error) {
	names := make([]string, 0, len(bt.Branches))
	for name := range bt.Branches {
		names = append(names, name)
	}
	sort.Strings(names)

	w := wire.NewWriter()
	w.WriteUint32(uint32(len(names)))
	for _, name := range names {
		head := bt.Branches[name]
		w.WriteString(name)
		w.WriteBytes(head.CommitID[:])
		if err := w.WriteChunkPointer(head.Pointer); err != nil {
			return nil, fmt.Errorf("encode branch %q: %w", name, err)
		}
	}
	return w.Bytes(), nil
}

// UnmarshalBranchTable decodes a table previously produced by MarshalBinary.
func UnmarshalBranchTable(buf []byte) (*BranchTable, error) {
	r := wire.NewReader(buf)
	n, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	bt := &BranchTable{Branches: make(map[string]BranchHead, n)}
	for i := uint32(0); i < n; i++ {
		name, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		idb, err := r.ReadBytes()
		if err != nil {
			return nil, err
		}
		if len(idb) != IDSize {
			return nil, fmt.Errorf("%w: branch commit id is %d bytes, expected %d", errs.ErrCorrupt, len(idb), IDSize)
		}
		ptr, err := r.ReadChunkPointer()
		if err != nil {
			return nil, err
		}
		var head BranchHead
		copy(head.CommitID[:], idb)
		head.Pointer = ptr
		bt.Branches[name] = head
	}
	return bt, nil
}
