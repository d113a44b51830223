// Package chunkptr defines ChunkPointer, the decryption witness for one
// chunk of plaintext (spec §3): together with the appropriate subkey it is
// necessary and sufficient to recover the chunk.
package chunkptr

import (
	"encoding/binary"
	"fmt"

	"github.com/infinitree/infinitree/internal/objectid"
)

// HashSize is the length of the Blake3 plaintext hash carried in a pointer.
const HashSize = 32

// TagSize is the length of the Poly1305 authentication tag carried in a pointer.
const TagSize = 16

// Encoded is the fixed wire size of a single ChunkPointer.
const Encoded = objectid.Size + 4 + 4 + HashSize + TagSize

// ChunkPointer is `{object_id, offset, size, hash, tag}` from spec §3.
type ChunkPointer struct {
	ObjectID objectid.ID
	Offset   uint32
	Size     uint32 // compressed size, i.e. the byte span claimed in the object body
	Hash     [HashSize]byte
	Tag      [TagSize]byte
}

// Equal reports whether p and q point at the same verified plaintext.
func (p ChunkPointer) Equal(q ChunkPointer) bool {
	return p.ObjectID == q.ObjectID && p.Offset == q.Offset && p.Size == q.Size &&
		p.Hash == q.Hash && p.Tag == q.Tag
}

// MarshalBinary encodes p into its fixed-size wire form.
func (p ChunkPointer) MarshalBinary() ([]byte, error) {
	buf := make([]byte, Encoded)
	copy(buf[0:objectid.Size], p.ObjectID[:])
	off := objectid.Size
	binary.BigEndian.PutUint32(buf[off:], p.Offset)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], p.Size)
	off += 4
	copy(buf[off:], p.Hash[:])
	off += HashSize
	copy(buf[off:], p.Tag[:])
	return buf, nil
}

// UnmarshalBinary decodes p from its fixed-size wire form.
func (p *ChunkPointer) UnmarshalBinary(buf []byte) error {
	if len(buf) != Encoded {
		return fmt.Errorf("chunk pointer: expected %d bytes, got %d", Encoded, len(buf))
	}
	copy(p.ObjectID[:], buf[0:objectid.Size])
	off := objectid.Size
	p.Offset = binary.BigEndian.Uint32(buf[off:])
	off += 4
	p.Size = binary.BigEndian.Uint32(buf[off:])
	off += 4
	copy(p.Hash[:], buf[off:off+HashSize])
	off += HashSize
	copy(p.Tag[:], buf[off:off+TagSize])
	return nil
}
