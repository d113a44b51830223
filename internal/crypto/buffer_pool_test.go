package crypto

import (
	"sync"
	"testing"

	"golang.org/x/crypto/chacha20poly1305"
)

func TestBufferPool_SizedGetPut(t *testing.T) {
	p := &BufferPool{
		pool4:     &sync.Pool{New: func() interface{} { return make([]byte, 4) }},
		pool12:    &sync.Pool{New: func() interface{} { return make([]byte, 12) }},
		pool32:    &sync.Pool{New: func() interface{} { return make([]byte, 32) }},
		poolChunk: &sync.Pool{New: func() interface{} { return make([]byte, maxChunkBuf) }},
	}

	for _, size := range []int{4, 12, 32} {
		buf := p.Get(size)
		if len(buf) != size {
			t.Fatalf("Get(%d) returned %d bytes", size, len(buf))
		}
		p.Put(buf)
	}
}

func TestBufferPool_GetChunkRoundTrip(t *testing.T) {
	p := &BufferPool{
		pool4:     &sync.Pool{New: func() interface{} { return make([]byte, 4) }},
		pool12:    &sync.Pool{New: func() interface{} { return make([]byte, 12) }},
		pool32:    &sync.Pool{New: func() interface{} { return make([]byte, 32) }},
		poolChunk: &sync.Pool{New: func() interface{} { return make([]byte, maxChunkBuf) }},
	}

	buf := p.GetChunk()
	if cap(buf) != maxChunkBuf {
		t.Fatalf("GetChunk() cap = %d, want %d", cap(buf), maxChunkBuf)
	}
	copy(buf, []byte("leftover plaintext"))
	p.PutChunk(buf)

	again := p.GetChunk()
	for i, b := range again[:len("leftover plaintext")] {
		if b != 0 {
			t.Fatalf("PutChunk did not zeroize byte %d: %v", i, b)
		}
	}
}

func TestBufferPool_PutRejectsMismatchedCap(t *testing.T) {
	p := GetGlobalBufferPool()
	before := p.GetMetrics()

	odd := make([]byte, 7)
	p.Put(odd) // not pooled; should be silently dropped, not panic

	after := p.GetMetrics()
	if after != before {
		t.Fatalf("Put with unmatched capacity should not affect pool metrics")
	}
}

func TestBufferPool_HitRateAfterWarmup(t *testing.T) {
	p := &BufferPool{
		pool4:     &sync.Pool{New: func() interface{} { return make([]byte, 4) }},
		pool12:    &sync.Pool{New: func() interface{} { return make([]byte, 12) }},
		pool32:    &sync.Pool{New: func() interface{} { return make([]byte, 32) }},
		poolChunk: &sync.Pool{New: func() interface{} { return make([]byte, maxChunkBuf) }},
	}
	p.Reset()

	buf := p.Get32()
	p.Put32(buf)
	_ = p.Get32() // should hit the pooled buffer from the Put above

	m := p.GetMetrics()
	if m.Hits32 == 0 {
		t.Fatalf("expected at least one pool32 hit after warmup, got metrics %+v", m)
	}
}

func TestGetGlobalBufferPool_UsableForCodec(t *testing.T) {
	p := GetGlobalBufferPool()
	buf := p.Get(len("hello") + chacha20poly1305.Overhead)
	if len(buf) < len("hello") {
		t.Fatalf("pool buffer too small for codec use: %d", len(buf))
	}
	p.Put(buf)
}
