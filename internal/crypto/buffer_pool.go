package crypto

import (
	"sync"
	"sync/atomic"

	"github.com/infinitree/infinitree/internal/metrics"
)

// BufferPool provides thread-safe pooling of byte buffers to reduce allocations
// across the chunk codec and writer lanes. Buffers are zeroized before
// returning to pools to prevent plaintext or key material leaking into the
// next borrower.
type BufferPool struct {
	pool4     *sync.Pool // 4-byte buffers (size/offset fields)
	pool12    *sync.Pool // 12-byte buffers (ChaCha20-Poly1305 nonces)
	pool32    *sync.Pool // 32-byte buffers (subkeys, Blake3 hashes)
	poolChunk *sync.Pool // ChunkerConfig.Max-ish scratch buffers for compress/encrypt staging

	// Metrics for monitoring pool performance
	hits4, misses4         int64
	hits12, misses12       int64
	hits32, misses32       int64
	hitsChunk, missesChunk int64
}

// maxChunkBuf is the scratch buffer size handed out by poolChunk: the default
// chunker maximum plus headroom for the LZ4 frame and AEAD tag.
const maxChunkBuf = 4*1024*1024 + 4096

// Global buffer pool instance
var globalBufferPool = &BufferPool{
	pool4: &sync.Pool{
		New: func() interface{} { return make([]byte, 4) },
	},
	pool12: &sync.Pool{
		New: func() interface{} { return make([]byte, 12) },
	},
	pool32: &sync.Pool{
		New: func() interface{} { return make([]byte, 32) },
	},
	poolChunk: &sync.Pool{
		New: func() interface{} { return make([]byte, maxChunkBuf) },
	},
}

// GetGlobalBufferPool returns the global buffer pool instance.
func GetGlobalBufferPool() *BufferPool {
	return globalBufferPool
}

// poolMetrics is the optional recorder hit/miss counts are mirrored into,
// set once per process by SetBufferPoolMetrics. Nil until a Tree opens.
var poolMetrics *metrics.Metrics

// SetBufferPoolMetrics attaches a Metrics recorder that every subsequent
// Get4/Get12/Get32/GetChunk call on the global pool reports its hit or miss
// into. Called from tree.openWithBackend alongside the other SetMetrics
// wiring.
func SetBufferPoolMetrics(m *metrics.Metrics) {
	poolMetrics = m
}

// Get returns a buffer of the requested size from the appropriate pool if available.
// If no pool matches the size, a new buffer is allocated.
func (p *BufferPool) Get(size int) []byte {
	if size == 32 {
		return p.Get32()
	}
	if size == 12 {
		return p.Get12()
	}
	if size == 4 {
		return p.Get4()
	}

	// Chunk-sized scratch buffers (compress/encrypt staging) come from one
	// shared pool sized to the largest chunk the chunker can ever emit.
	if size <= maxChunkBuf && size > 32 {
		buf := p.GetChunk()
		if cap(buf) >= size {
			return buf[:size]
		}
	}

	return make([]byte, size)
}

// Put returns a buffer to the appropriate pool if it matches a pool size.
// The buffer is zeroized before being returned to the pool.
func (p *BufferPool) Put(buf []byte) {
	c := cap(buf)
	if c >= maxChunkBuf/2 && c <= maxChunkBuf {
		p.PutChunk(buf)
		return
	}
	if c == 32 {
		p.Put32(buf)
		return
	}
	if c == 12 {
		p.Put12(buf)
		return
	}
	if c == 4 {
		p.Put4(buf)
		return
	}
	// If size doesn't match any pool, let GC handle it
}

// Get4 returns a 4-byte buffer from the pool.
func (p *BufferPool) Get4() []byte {
	if buf := p.pool4.Get(); buf != nil {
		atomic.AddInt64(&p.hits4, 1)
		if poolMetrics != nil {
			poolMetrics.RecordBufferPoolHit("4")
		}
		return buf.([]byte)
	}
	atomic.AddInt64(&p.misses4, 1)
	if poolMetrics != nil {
		poolMetrics.RecordBufferPoolMiss("4")
	}
	return make([]byte, 4)
}

// Put4 returns a 4-byte buffer to the pool after zeroizing it.
func (p *BufferPool) Put4(buf []byte) {
	if cap(buf) != 4 {
		return // Don't pool incorrectly sized buffers
	}
	// Zeroize buffer to prevent data leakage
	for i := range buf {
		buf[i] = 0
	}
	p.pool4.Put(buf)
}

// Get12 returns a 12-byte buffer from the pool.
func (p *BufferPool) Get12() []byte {
	if buf := p.pool12.Get(); buf != nil {
		atomic.AddInt64(&p.hits12, 1)
		if poolMetrics != nil {
			poolMetrics.RecordBufferPoolHit("12")
		}
		return buf.([]byte)
	}
	atomic.AddInt64(&p.misses12, 1)
	if poolMetrics != nil {
		poolMetrics.RecordBufferPoolMiss("12")
	}
	return make([]byte, 12)
}

// Put12 returns a 12-byte buffer to the pool after zeroizing it.
func (p *BufferPool) Put12(buf []byte) {
	if cap(buf) != 12 {
		return // Don't pool incorrectly sized buffers
	}
	// Zeroize buffer to prevent data leakage
	for i := range buf {
		buf[i] = 0
	}
	p.pool12.Put(buf)
}

// Get32 returns a 32-byte buffer from the pool.
func (p *BufferPool) Get32() []byte {
	if buf := p.pool32.Get(); buf != nil {
		atomic.AddInt64(&p.hits32, 1)
		if poolMetrics != nil {
			poolMetrics.RecordBufferPoolHit("32")
		}
		return buf.([]byte)
	}
	atomic.AddInt64(&p.misses32, 1)
	if poolMetrics != nil {
		poolMetrics.RecordBufferPoolMiss("32")
	}
	return make([]byte, 32)
}

// Put32 returns a 32-byte buffer to the pool after zeroizing it.
func (p *BufferPool) Put32(buf []byte) {
	if cap(buf) != 32 {
		return // Don't pool incorrectly sized buffers
	}
	// Zeroize buffer to prevent data leakage
	for i := range buf {
		buf[i] = 0
	}
	p.pool32.Put(buf)
}

// GetChunk returns a chunk-sized scratch buffer from the pool.
func (p *BufferPool) GetChunk() []byte {
	if buf := p.poolChunk.Get(); buf != nil {
		atomic.AddInt64(&p.hitsChunk, 1)
		if poolMetrics != nil {
			poolMetrics.RecordBufferPoolHit("chunk")
		}
		return buf.([]byte)
	}
	atomic.AddInt64(&p.missesChunk, 1)
	if poolMetrics != nil {
		poolMetrics.RecordBufferPoolMiss("chunk")
	}
	return make([]byte, maxChunkBuf)
}

// PutChunk returns a chunk-sized scratch buffer to the pool after zeroizing it.
func (p *BufferPool) PutChunk(buf []byte) {
	if cap(buf) < maxChunkBuf/2 {
		return // Don't pool incorrectly sized buffers
	}
	// Zeroize buffer to prevent data leakage
	for i := range buf {
		buf[i] = 0
	}
	p.poolChunk.Put(buf[:cap(buf)])
}

// GetMetrics returns current pool metrics.
func (p *BufferPool) GetMetrics() BufferPoolMetrics {
	return BufferPoolMetrics{
		Hits4:       atomic.LoadInt64(&p.hits4),
		Misses4:     atomic.LoadInt64(&p.misses4),
		Hits12:      atomic.LoadInt64(&p.hits12),
		Misses12:    atomic.LoadInt64(&p.misses12),
		Hits32:      atomic.LoadInt64(&p.hits32),
		Misses32:    atomic.LoadInt64(&p.misses32),
		HitsChunk:   atomic.LoadInt64(&p.hitsChunk),
		MissesChunk: atomic.LoadInt64(&p.missesChunk),
	}
}

// BufferPoolMetrics contains pool performance metrics.
type BufferPoolMetrics struct {
	Hits4, Misses4       int64
	Hits12, Misses12     int64
	Hits32, Misses32     int64
	HitsChunk, MissesChunk int64
}

// HitRate4 returns the hit rate for 4-byte buffers.
func (m BufferPoolMetrics) HitRate4() float64 {
	total := m.Hits4 + m.Misses4
	if total == 0 {
		return 0
	}
	return float64(m.Hits4) / float64(total)
}

// HitRate12 returns the hit rate for 12-byte buffers.
func (m BufferPoolMetrics) HitRate12() float64 {
	total := m.Hits12 + m.Misses12
	if total == 0 {
		return 0
	}
	return float64(m.Hits12) / float64(total)
}

// HitRate32 returns the hit rate for 32-byte buffers.
func (m BufferPoolMetrics) HitRate32() float64 {
	total := m.Hits32 + m.Misses32
	if total == 0 {
		return 0
	}
	return float64(m.Hits32) / float64(total)
}

// HitRateChunk returns the hit rate for chunk-sized scratch buffers.
func (m BufferPoolMetrics) HitRateChunk() float64 {
	total := m.HitsChunk + m.MissesChunk
	if total == 0 {
		return 0
	}
	return float64(m.HitsChunk) / float64(total)
}

// Reset resets all metrics counters to zero.
func (p *BufferPool) Reset() {
	atomic.StoreInt64(&p.hits4, 0)
	atomic.StoreInt64(&p.misses4, 0)
	atomic.StoreInt64(&p.hits12, 0)
	atomic.StoreInt64(&p.misses12, 0)
	atomic.StoreInt64(&p.hits32, 0)
	atomic.StoreInt64(&p.misses32, 0)
	atomic.StoreInt64(&p.hitsChunk, 0)
	atomic.StoreInt64(&p.missesChunk, 0)
}
