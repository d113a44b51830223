package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/infinitree/infinitree/internal/backend"
	"github.com/infinitree/infinitree/internal/chunkptr"
	"github.com/infinitree/infinitree/internal/crypto"
	"github.com/infinitree/infinitree/internal/metrics"
	"github.com/infinitree/infinitree/internal/object"
	"go.opentelemetry.io/otel"
	"lukechampine.com/blake3"
)

var writerTracer = otel.Tracer("infinitree/pool")

// kindLabel names object.Kind for metric label values.
func kindLabel(k object.Kind) string {
	if k == object.KindIndex {
		return "index"
	}
	return "storage"
}

// WriterConfig controls a Writer's lane count and upload backpressure.
type WriterConfig struct {
	Lanes           int
	DedupMaxEntries int
	UploadQueueSize int
}

// Writer packs chunks into open 4 MiB objects across parallel lanes (§4.4).
// A single Writer is dedicated to one object Kind (index or storage); the
// tree facade runs one of each.
type Writer struct {
	kind    object.Kind
	subkey  [crypto.KeySize]byte
	backend backend.Backend
	dedup   *DedupIndex

	mu    sync.Mutex // protects lanes; held across lane selection, encryption, packing and sealing
	lanes []*lane

	sealed sync.WaitGroup // in-flight background uploads; Flush waits on this
	upload chan sealedObject
	done   chan struct{}
	once   sync.Once

	errMu   sync.Mutex
	lastErr error

	metrics *metrics.Metrics
}

// SetMetrics attaches a Metrics recorder. Safe to call once before the
// Writer handles any traffic; nil leaves metrics recording disabled.
func (w *Writer) SetMetrics(m *metrics.Metrics) {
	w.metrics = m
}

type lane struct {
	obj    *object.Object
	cursor uint32
}

type sealedObject struct {
	obj *object.Object
}

// NewWriter builds a Writer over backend b, encrypting chunks with subkey and
// distributing them across cfg.Lanes parallel in-memory object buffers.
func NewWriter(ctx context.Context, kind object.Kind, subkey [crypto.KeySize]byte, b backend.Backend, cfg WriterConfig) (*Writer, error) {
	if cfg.Lanes <= 0 {
		cfg.Lanes = 1
	}
	if cfg.UploadQueueSize <= 0 {
		cfg.UploadQueueSize = 1
	}

	w := &Writer{
		kind:    kind,
		subkey:  subkey,
		backend: b,
		dedup:   NewDedupIndex(cfg.DedupMaxEntries),
		upload:  make(chan sealedObject, cfg.UploadQueueSize),
		done:    make(chan struct{}),
	}

	for i := 0; i < cfg.Lanes; i++ {
		if err := w.openLane(i); err != nil {
			return nil, err
		}
	}

	go w.uploadLoop(ctx)
	return w, nil
}

func (w *Writer) openLane(i int) error {
	obj, err := object.New(w.kind)
	if err != nil {
		return fmt.Errorf("open lane %d: %w", i, err)
	}
	if w.kind == object.KindIndex {
		if err := obj.RandomizeHeader(); err != nil {
			return fmt.Errorf("open lane %d: %w", i, err)
		}
	}
	w.lanes = append(w.lanes, &lane{obj: obj, cursor: w.headerOffset()})
	return nil
}

func (w *Writer) headerOffset() uint32 {
	if w.kind == object.KindIndex {
		return object.HeaderSize
	}
	return 0
}

// WriteChunk encrypts plaintext (consulting the dedup index first) and
// places it into an open lane, returning the resulting ChunkPointer as soon
// as it is placed in memory; durable upload happens asynchronously (§4.4).
// Safe to call concurrently.
func (w *Writer) WriteChunk(ctx context.Context, plaintext []byte) (chunkptr.ChunkPointer, error) {
	ctx, span := writerTracer.Start(ctx, "pool.Writer.WriteChunk")
	defer span.End()

	kind := kindLabel(w.kind)

	hash := blake3.Sum256(plaintext)
	if ptr, ok := w.dedup.Lookup(hash); ok {
		if w.metrics != nil {
			w.metrics.RecordDedupHit(kind)
		}
		return ptr, nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.checkErr(); err != nil {
		return chunkptr.ChunkPointer{}, err
	}

	for {
		ln := w.pickLane()
		if ln != nil {
			sealStart := time.Now()
			ciphertext, ptr, err := crypto.EncryptChunk(w.subkey, ln.obj.ID, ln.cursor, plaintext)
			if err != nil {
				if w.metrics != nil {
					w.metrics.RecordChunkSealError(ctx, "seal", "encrypt")
				}
				return chunkptr.ChunkPointer{}, fmt.Errorf("encrypt chunk: %w", err)
			}
			if ln.cursor+uint32(len(ciphertext)) <= object.Size {
				if err := ln.obj.PutChunk(ln.cursor, ciphertext); err != nil {
					if w.metrics != nil {
						w.metrics.RecordChunkSealError(ctx, "seal", "pack")
					}
					return chunkptr.ChunkPointer{}, err
				}
				ln.cursor += uint32(len(ciphertext))
				w.dedup.Insert(hash, ptr)
				if w.metrics != nil {
					w.metrics.RecordChunkSeal(ctx, kind, time.Since(sealStart), int64(len(plaintext)))
				}
				return ptr, nil
			}
		}

		// No lane has room: seal the fullest lane and open a fresh one in its place.
		if err := w.sealFullest(ctx); err != nil {
			return chunkptr.ChunkPointer{}, err
		}
	}
}

// pickLane returns the first lane with more than 64 bytes of ciphertext
// headroom; callers still verify actual fit after encrypting,
// since ciphertext length depends on compression.
func (w *Writer) pickLane() *lane {
	for _, ln := range w.lanes {
		if object.Size-ln.cursor > 64 {
			return ln
		}
	}
	return nil
}

// sealFullest hands the fullest lane's object to the background upload
// queue and replaces it with a freshly opened lane. Must be called with w.mu held.
func (w *Writer) sealFullest(ctx context.Context) error {
	if len(w.lanes) == 0 {
		return w.openLane(0)
	}
	fullest := 0
	for i, ln := range w.lanes {
		if ln.cursor > w.lanes[fullest].cursor {
			fullest = i
		}
	}
	return w.sealLaneAt(ctx, fullest)
}

// sealLaneAt hands lanes[i]'s object to the background upload queue and
// replaces it in place with a freshly opened lane. Must be called with w.mu held.
func (w *Writer) sealLaneAt(ctx context.Context, i int) error {
	ln := w.lanes[i]
	w.sealed.Add(1)
	select {
	case w.upload <- sealedObject{obj: ln.obj}:
	case <-ctx.Done():
		w.sealed.Done()
		return ctx.Err()
	}

	if err := w.openLane(i); err != nil {
		return err
	}
	// openLane appended the replacement at the end; swap it into i's slot
	// and drop the now-duplicated trailing reference to the sealed lane.
	last := len(w.lanes) - 1
	w.lanes[i], w.lanes[last] = w.lanes[last], w.lanes[i]
	w.lanes = w.lanes[:last]
	return nil
}

func (w *Writer) uploadLoop(ctx context.Context) {
	for {
		select {
		case s, ok := <-w.upload:
			if !ok {
				return
			}
			err := w.backend.Write(ctx, s.obj.ID, s.obj.Bytes())
			if w.metrics != nil {
				w.metrics.RecordBackendOperation("write")
				if err != nil {
					w.metrics.RecordBackendError("write", "upload")
				}
			}
			if err != nil {
				w.setErr(fmt.Errorf("upload object %s: %w", s.obj.ID, err))
			}
			w.sealed.Done()
		case <-w.done:
			return
		}
	}
}

func (w *Writer) setErr(err error) {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	if w.lastErr == nil {
		w.lastErr = err
	}
}

func (w *Writer) checkErr() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.lastErr
}

// Flush seals every lane with any data in it and blocks until all
// in-flight uploads complete.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	for i := len(w.lanes) - 1; i >= 0; i-- {
		if w.lanes[i].cursor <= w.headerOffset() {
			continue
		}
		if err := w.sealLaneAt(ctx, i); err != nil {
			w.mu.Unlock()
			return err
		}
	}
	w.mu.Unlock()

	w.sealed.Wait()
	return w.checkErr()
}

// Close stops the background upload loop. Callers must Flush first if
// pending writes should be durably published.
func (w *Writer) Close() {
	w.once.Do(func() { close(w.done) })
}

