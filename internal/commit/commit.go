// Package commit implements the commit log (spec §4.9): immutable Commit
// records linked by parent id, and the branch table that names their
// heads. Both are serialised with internal/wire and chunk-written through
// the same writer pool as any other index data.
package commit

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"sort"
	"time"

	"github.com/infinitree/infinitree/internal/chunkptr"
	"github.com/infinitree/infinitree/internal/errs"
	"github.com/infinitree/infinitree/internal/wire"
)

// IDSize is the length in bytes of a Commit's random identifier.
const IDSize = 16

// ID identifies one Commit.
type ID [IDSize]byte

// IsZero reports whether id is the sentinel "no parent" value used by a
// tree's first (root) commit.
func (id ID) IsZero() bool { return id == ID{} }

var idEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

func (id ID) String() string { return idEncoding.EncodeToString(id[:]) }

// Commit is one immutable point in a tree's history. ParentPointer locates
// the parent's own serialised Commit record, letting a reader walk the
// ancestor chain backward from a branch head using only chunk pointers,
// without a separate id-to-pointer index.
type Commit struct {
	ID            ID
	Parent        ID // zero value: this is the tree's root commit
	ParentPointer chunkptr.ChunkPointer
	Message       string
	Timestamp     int64 // unix seconds
	Manifest      map[string][]chunkptr.ChunkPointer
}

// New builds a fresh Commit with a random id, parented on parent (located
// by parentPointer; zero ID with a zero-value parentPointer marks the root commit).
func New(parent ID, parentPointer chunkptr.ChunkPointer, message string, manifest map[string][]chunkptr.ChunkPointer) (*Commit, error) {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		return nil, fmt.Errorf("generate commit id: %w", err)
	}
	return &Commit{
		ID:            id,
		Parent:        parent,
		ParentPointer: parentPointer,
		Message:       message,
		Timestamp:     time.Now().Unix(),
		Manifest:      manifest,
	}, nil
}

// MarshalBinary encodes c using the length-prefixed (untagged) wire format,
// with manifest field names written in sorted order so the encoding is
// stable (spec §6).
func (c *Commit) MarshalBinary() ([]byte, error) {
	w := wire.NewWriter()
	w.WriteBytes(c.ID[:])
	w.WriteBytes(c.Parent[:])
	if err := w.WriteChunkPointer(c.ParentPointer); err != nil {
		return nil, fmt.Errorf("encode parent pointer: %w", err)
	}
	w.WriteString(c.Message)
	w.WriteUint64(uint64(c.Timestamp))

	names := make([]string, 0, len(c.Manifest))
	for name := range c.Manifest {
		names = append(names, name)
	}
	sort.Strings(names)

	w.WriteUint32(uint32(len(names)))
	for _, name := range names {
		w.WriteString(name)
		if err := w.WriteChunkPointers(c.Manifest[name]); err != nil {
			return nil, fmt.Errorf("encode manifest field %q: %w", name, err)
		}
	}
	return w.Bytes(), nil
}

// Unmarshal decodes a Commit previously produced by MarshalBinary.
func Unmarshal(buf []byte) (*Commit, error) {
	r := wire.NewReader(buf)

	idb, err := r.ReadBytes()
	if err != nil {
		return nil, err
	}
	if len(idb) != IDSize {
		return nil, fmt.Errorf("%w: commit id is %d bytes, expected %d", errs.ErrCorrupt, len(idb), IDSize)
	}
	parentb, err := r.ReadBytes()
	if err != nil {
		return nil, err
	}
	if len(parentb) != IDSize {
		return nil, fmt.Errorf("%w: parent id is %d bytes, expected %d", errs.ErrCorrupt, len(parentb), IDSize)
	}

	c := &Commit{}
	copy(c.ID[:], idb)
	copy(c.Parent[:], parentb)

	if c.ParentPointer, err = r.ReadChunkPointer(); err != nil {
		return nil, err
	}

	if c.Message, err = r.ReadString(); err != nil {
		return nil, err
	}
	ts, err := r.ReadUint64()
	if err != nil {
		return nil, err
	}
	c.Timestamp = int64(ts)

	n, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	c.Manifest = make(map[string][]chunkptr.ChunkPointer, n)
	for i := uint32(0); i < n; i++ {
		name, err := r.ReadString()
		if err != nil {
			return nil, err
		}
		ptrs, err := r.ReadChunkPointers()
		if err != nil {
			return nil, err
		}
		c.Manifest[name] = ptrs
	}
	return c, nil
}
