// Package wire implements the binary encoding used for commits, manifests,
// branch tables, and index-field streams (spec §6): every variable-length
// value is length-prefixed and field order within a structure is stable.
// Values carry no type tags, so the encoding is not self-describing: a
// reader must know the layout it decodes.
//
// No third-party serialization library in the example pack offers a
// drop-in codec for this shape (length-prefixed, streaming
// records over arbitrary ChunkPointer-bearing structures) without either
// schema generation (protobuf) or reflection-heavy full-value encoding
// (gob) that would obscure the exact wire layout spec §6 pins down;
// encoding/binary with a fixed field order is the direct, dependency-free
// translation of that layout.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/infinitree/infinitree/internal/chunkptr"
	"github.com/infinitree/infinitree/internal/errs"
)

// Writer accumulates an untagged, length-prefixed byte stream.
type Writer struct {
	buf bytes.Buffer
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer { return &Writer{} }

// Bytes returns the accumulated stream.
func (w *Writer) Bytes() []byte { return w.buf.Bytes() }

// WriteUint32 appends a fixed 4-byte big-endian value.
func (w *Writer) WriteUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

// WriteUint64 appends a fixed 8-byte big-endian value.
func (w *Writer) WriteUint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

// WriteBytes appends a uint32 length prefix followed by b.
func (w *Writer) WriteBytes(b []byte) {
	w.WriteUint32(uint32(len(b)))
	w.buf.Write(b)
}

// WriteString appends s as a length-prefixed byte string.
func (w *Writer) WriteString(s string) {
	w.WriteBytes([]byte(s))
}

// WriteChunkPointer appends one fixed-width encoded ChunkPointer.
func (w *Writer) WriteChunkPointer(p chunkptr.ChunkPointer) error {
	enc, err := p.MarshalBinary()
	if err != nil {
		return err
	}
	w.buf.Write(enc)
	return nil
}

// WriteChunkPointers appends a uint32 count followed by that many
// fixed-width encoded ChunkPointers.
func (w *Writer) WriteChunkPointers(ptrs []chunkptr.ChunkPointer) error {
	w.WriteUint32(uint32(len(ptrs)))
	for _, p := range ptrs {
		if err := w.WriteChunkPointer(p); err != nil {
			return err
		}
	}
	return nil
}

// Reader consumes a stream produced by Writer. Reads past the end of the
// buffer return an error wrapping errs.ErrCorrupt, since a short record
// always indicates truncated or tampered index data.
type Reader struct {
	r *bytes.Reader
}

// NewReader wraps buf for sequential decoding.
func NewReader(buf []byte) *Reader {
	return &Reader{r: bytes.NewReader(buf)}
}

// Len reports the number of unread bytes remaining.
func (r *Reader) Len() int { return r.r.Len() }

func (r *Reader) ReadUint32() (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r.r, b[:]); err != nil {
		return 0, fmt.Errorf("%w: read uint32: %v", errs.ErrCorrupt, err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func (r *Reader) ReadUint64() (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r.r, b[:]); err != nil {
		return 0, fmt.Errorf("%w: read uint64: %v", errs.ErrCorrupt, err)
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func (r *Reader) ReadBytes() ([]byte, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.r, b); err != nil {
		return nil, fmt.Errorf("%w: read %d-byte field: %v", errs.ErrCorrupt, n, err)
	}
	return b, nil
}

func (r *Reader) ReadString() (string, error) {
	b, err := r.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *Reader) ReadChunkPointer() (chunkptr.ChunkPointer, error) {
	buf := make([]byte, chunkptr.Encoded)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return chunkptr.ChunkPointer{}, fmt.Errorf("%w: read chunk pointer: %v", errs.ErrCorrupt, err)
	}
	var p chunkptr.ChunkPointer
	if err := p.UnmarshalBinary(buf); err != nil {
		return chunkptr.ChunkPointer{}, err
	}
	return p, nil
}

func (r *Reader) ReadChunkPointers() ([]chunkptr.ChunkPointer, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	ptrs := make([]chunkptr.ChunkPointer, n)
	for i := range ptrs {
		p, err := r.ReadChunkPointer()
		if err != nil {
			return nil, err
		}
		ptrs[i] = p
	}
	return ptrs, nil
}
