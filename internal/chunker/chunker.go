// Package chunker splits a byte stream into content-defined chunks so that
// an insertion or deletion in the middle of a file only perturbs the chunks
// touching the edit, not every chunk after it.
package chunker

import (
	"bufio"
	"io"

	"github.com/infinitree/infinitree/internal/config"
)

// windowSize is the number of trailing bytes the rolling hash mixes over
// before a boundary decision is made.
const windowSize = 48

// Chunk is one content-defined span of plaintext read from a stream.
type Chunk struct {
	Data []byte
}

// Chunker splits a stream into chunks whose boundaries are determined by
// content, not by fixed offsets: a masked low-bits rule over a rolling hash
// of the trailing window decides where each chunk ends.
type Chunker struct {
	min, max int
	mask     uint64
	r        *bufio.Reader
}

// New builds a Chunker from cfg. MaskBits controls the average chunk size:
// a boundary fires when the low MaskBits bits of the rolling hash are all
// one, so the expected chunk length is 2^MaskBits bytes (clamped to
// [cfg.Min, cfg.Max]).
func New(r io.Reader, cfg config.ChunkerConfig) *Chunker {
	min, max := cfg.Min, cfg.Max
	if min <= 0 {
		min = 256 * 1024
	}
	if max <= min {
		max = min * 16
	}
	maskBits := cfg.MaskBits
	if maskBits == 0 {
		maskBits = 13
	}
	return &Chunker{
		min:  min,
		max:  max,
		mask: (uint64(1) << maskBits) - 1,
		r:    bufio.NewReaderSize(r, max),
	}
}

// Next returns the next content-defined chunk, or io.EOF once the stream is
// exhausted. The returned Chunk.Data is only valid until the next call to Next.
func (c *Chunker) Next() (Chunk, error) {
	buf := make([]byte, 0, c.max)
	var h rollingHash

	for {
		b, err := c.r.ReadByte()
		if err != nil {
			if err == io.EOF {
				if len(buf) == 0 {
					return Chunk{}, io.EOF
				}
				return Chunk{Data: buf}, nil
			}
			return Chunk{}, err
		}

		buf = append(buf, b)
		h.push(b)

		if len(buf) < c.min {
			continue
		}
		if len(buf) >= c.max {
			return Chunk{Data: buf}, nil
		}
		if h.value()&c.mask == c.mask {
			return Chunk{Data: buf}, nil
		}
	}
}

// rollingHash mixes a sliding window of the last windowSize bytes using a
// SeaHash-style multiply-rotate-xor step. Unlike a polynomial rolling hash it
// carries no separate "remove oldest byte" term; instead it keeps a small
// ring buffer and folds the full window on every push, trading a constant
// factor of work for a simpler, easily-reasoned-about mixing function.
type rollingHash struct {
	window [windowSize]byte
	pos    int
	filled int
}

const (
	seahashK1 = 0x6eed0e9da4d94a4f
	seahashK2 = 0x764dbbb75f3b3db0
)

func (h *rollingHash) push(b byte) {
	h.window[h.pos] = b
	h.pos = (h.pos + 1) % windowSize
	if h.filled < windowSize {
		h.filled++
	}
}

func (h *rollingHash) value() uint64 {
	var acc uint64 = seahashK1
	n := h.filled
	start := h.pos - n
	if start < 0 {
		start += windowSize
	}
	for i := 0; i < n; i++ {
		b := h.window[(start+i)%windowSize]
		acc ^= uint64(b)
		acc *= seahashK2
		acc = (acc << 13) | (acc >> (64 - 13))
	}
	return acc
}

// Split reads all of r and returns every chunk, a convenience wrapper over
// repeated calls to Next for callers that don't need streaming.
func Split(r io.Reader, cfg config.ChunkerConfig) ([]Chunk, error) {
	c := New(r, cfg)
	var chunks []Chunk
	for {
		chunk, err := c.Next()
		if err == io.EOF {
			return chunks, nil
		}
		if err != nil {
			return nil, err
		}
		// Next's buffer is reused across calls only via append-from-empty,
		// so copy out before the caller mutates or we allocate the next one.
		data := make([]byte, len(chunk.Data))
		copy(data, chunk.Data)
		chunks = append(chunks, Chunk{Data: data})
	}
}
