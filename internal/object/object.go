// Package object implements the fixed 4 MiB Object layout (spec §4.3):
// chunks packed at caller-computed offsets, random tail padding, and the
// 512-byte encrypted root header carried by index objects.
package object

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/infinitree/infinitree/internal/chunkptr"
	"github.com/infinitree/infinitree/internal/crypto"
	"github.com/infinitree/infinitree/internal/errs"
	"github.com/infinitree/infinitree/internal/objectid"
)

// Size is the fixed length of every Object written to a backend.
const Size = 4 * 1024 * 1024

// HeaderSize is the reserved region at the start of every index object.
const HeaderSize = 512

// headerPlaintextSize is the 88-byte root header structure before padding:
// offset(4) + size(4) + object_id(32) + hash(32) + tag(16).
const headerPlaintextSize = 4 + 4 + objectid.Size + chunkptr.HashSize + chunkptr.TagSize

// headerSealedSize is the plaintext span that gets encrypted, header struct
// plus random padding out to HeaderSize minus the inline AEAD tag.
const headerSealedSize = HeaderSize - chunkptr.TagSize

// Kind distinguishes storage objects from index objects. The two are
// bit-for-bit indistinguishable on disk except that index objects reserve
// their first HeaderSize bytes; Kind only exists so the writer knows which
// subkey and offset convention to use, it is never itself persisted.
type Kind int

const (
	// KindStorage holds user field-value chunks, keyed by StorageKey.
	KindStorage Kind = iota
	// KindIndex holds manifest/commit/field-metadata chunks, keyed by
	// IndexKey. Only the tree's single root object additionally carries a
	// meaningful header; every other index object's header region is random.
	KindIndex
)

// Object is one fixed-size, in-memory buffer being assembled by a writer
// lane or freshly fetched by a reader.
type Object struct {
	ID   objectid.ID
	Kind Kind
	body [Size]byte
}

// New allocates an Object with a freshly generated id and the tail already
// padded with random bytes; callers overwrite the prefix as chunks are packed in.
func New(kind Kind) (*Object, error) {
	id, err := objectid.New()
	if err != nil {
		return nil, err
	}
	o := &Object{ID: id, Kind: kind}
	if _, err := rand.Read(o.body[:]); err != nil {
		return nil, fmt.Errorf("pad object: %w", err)
	}
	return o, nil
}

// NewWithID is New but for the one object whose id is not random: the
// tree's deterministic root object, addressed by KeyHolder.RootObjectID.
func NewWithID(kind Kind, id objectid.ID) (*Object, error) {
	o := &Object{ID: id, Kind: kind}
	if _, err := rand.Read(o.body[:]); err != nil {
		return nil, fmt.Errorf("pad object: %w", err)
	}
	return o, nil
}

// Bytes returns the full Size-byte buffer for handing to a backend Write.
func (o *Object) Bytes() []byte { return o.body[:] }

// FromBytes wraps an already-fetched Size-byte buffer (e.g. read back from a
// backend) as an Object, without re-randomizing it.
func FromBytes(id objectid.ID, kind Kind, buf []byte) (*Object, error) {
	if len(buf) != Size {
		return nil, fmt.Errorf("%w: object is %d bytes, expected %d", errs.ErrCorrupt, len(buf), Size)
	}
	o := &Object{ID: id, Kind: kind}
	copy(o.body[:], buf)
	return o, nil
}

// PutChunk writes ciphertext into the body at the given offset. Callers are
// responsible for tracking free space and choosing a non-overlapping offset;
// chunks are packed with no separators (§4.3).
func (o *Object) PutChunk(offset uint32, ciphertext []byte) error {
	end := int(offset) + len(ciphertext)
	if end > Size {
		return fmt.Errorf("%w: chunk at offset %d size %d overflows object", errs.ErrCapacity, offset, len(ciphertext))
	}
	copy(o.body[offset:end], ciphertext)
	return nil
}

// Chunk returns the raw ciphertext span named by ptr, ready for crypto.DecryptChunk.
func (o *Object) Chunk(ptr chunkptr.ChunkPointer) ([]byte, error) {
	end := int(ptr.Offset) + int(ptr.Size)
	if end > Size {
		return nil, fmt.Errorf("%w: pointer offset %d size %d overflows object", errs.ErrCorrupt, ptr.Offset, ptr.Size)
	}
	return o.body[ptr.Offset:end], nil
}

// rootHeader is the 88-byte plaintext structure pointing at the commit chain head.
type rootHeader struct {
	Offset   uint32
	Size     uint32
	ObjectID objectid.ID
	Hash     [chunkptr.HashSize]byte
	Tag      [chunkptr.TagSize]byte
}

func (h rootHeader) marshal() []byte {
	buf := make([]byte, headerPlaintextSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Offset)
	binary.BigEndian.PutUint32(buf[4:8], h.Size)
	off := 8
	copy(buf[off:off+objectid.Size], h.ObjectID[:])
	off += objectid.Size
	copy(buf[off:off+chunkptr.HashSize], h.Hash[:])
	off += chunkptr.HashSize
	copy(buf[off:off+chunkptr.TagSize], h.Tag[:])
	return buf
}

func unmarshalRootHeader(buf []byte) (rootHeader, error) {
	if len(buf) < headerPlaintextSize {
		return rootHeader{}, fmt.Errorf("%w: root header plaintext is %d bytes, expected at least %d", errs.ErrCorrupt, len(buf), headerPlaintextSize)
	}
	var h rootHeader
	h.Offset = binary.BigEndian.Uint32(buf[0:4])
	h.Size = binary.BigEndian.Uint32(buf[4:8])
	off := 8
	copy(h.ObjectID[:], buf[off:off+objectid.Size])
	off += objectid.Size
	copy(h.Hash[:], buf[off:off+chunkptr.HashSize])
	off += chunkptr.HashSize
	copy(h.Tag[:], buf[off:off+chunkptr.TagSize])
	return h, nil
}

// RootPointer names the chunk carrying the serialized CommitPointer/branch
// table (the "root chunk") that the root header points at.
type RootPointer struct {
	ObjectID objectid.ID
	Offset   uint32
	Size     uint32
	Hash     [chunkptr.HashSize]byte
	Tag      [chunkptr.TagSize]byte
}

// ChunkPointer converts a RootPointer into the ordinary ChunkPointer used to
// decrypt the root chunk once located.
func (p RootPointer) ChunkPointer() chunkptr.ChunkPointer {
	return chunkptr.ChunkPointer{
		ObjectID: p.ObjectID,
		Offset:   p.Offset,
		Size:     p.Size,
		Hash:     p.Hash,
		Tag:      p.Tag,
	}
}

// WriteRootHeader seals ptr into o's first HeaderSize bytes using indexKey,
// padding the remaining plaintext span with random bytes before encryption
// (§4.3). o must be a KindIndex object and is expected to be the tree's
// deterministic root object.
func (o *Object) WriteRootHeader(indexKey [crypto.KeySize]byte, ptr RootPointer) error {
	h := rootHeader{Offset: ptr.Offset, Size: ptr.Size, ObjectID: ptr.ObjectID, Hash: ptr.Hash, Tag: ptr.Tag}
	plaintext := make([]byte, headerSealedSize)
	copy(plaintext, h.marshal())
	if _, err := rand.Read(plaintext[headerPlaintextSize:]); err != nil {
		return fmt.Errorf("pad root header: %w", err)
	}

	ciphertext, tag, err := crypto.EncryptRootHeader(indexKey, o.ID, plaintext)
	if err != nil {
		return fmt.Errorf("seal root header: %w", err)
	}
	if len(ciphertext) != headerSealedSize {
		return fmt.Errorf("%w: sealed root header is %d bytes, expected %d", errs.ErrCorrupt, len(ciphertext), headerSealedSize)
	}

	copy(o.body[0:headerSealedSize], ciphertext)
	copy(o.body[headerSealedSize:HeaderSize], tag[:])
	return nil
}

// ReadRootHeader decrypts and decodes the root header from o's first
// HeaderSize bytes.
func (o *Object) ReadRootHeader(indexKey [crypto.KeySize]byte) (RootPointer, error) {
	ciphertext := o.body[0:headerSealedSize]
	var tag [chunkptr.TagSize]byte
	copy(tag[:], o.body[headerSealedSize:HeaderSize])

	plaintext, err := crypto.DecryptRootHeader(indexKey, o.ID, ciphertext, tag)
	if err != nil {
		return RootPointer{}, fmt.Errorf("open root header: %w", err)
	}

	h, err := unmarshalRootHeader(plaintext)
	if err != nil {
		return RootPointer{}, err
	}
	return RootPointer{ObjectID: h.ObjectID, Offset: h.Offset, Size: h.Size, Hash: h.Hash, Tag: h.Tag}, nil
}

// RandomizeHeader overwrites o's header region with fresh random bytes, used
// for ordinary (non-root) index objects whose header slot carries no meaning.
func (o *Object) RandomizeHeader() error {
	if _, err := rand.Read(o.body[0:HeaderSize]); err != nil {
		return fmt.Errorf("randomize header: %w", err)
	}
	return nil
}
