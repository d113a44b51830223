package pool

import (
	"bytes"
	"context"
	"crypto/rand"
	"testing"

	"github.com/infinitree/infinitree/internal/backend/fs"
	"github.com/infinitree/infinitree/internal/crypto"
	"github.com/infinitree/infinitree/internal/object"
)

func testSubkey(t *testing.T) [crypto.KeySize]byte {
	t.Helper()
	mk, err := crypto.NewMasterKey()
	if err != nil {
		t.Fatalf("NewMasterKey: %v", err)
	}
	return crypto.StorageKey(mk)
}

func TestWriter_WriteChunk_ReturnsUsablePointer(t *testing.T) {
	b, err := fs.New(t.TempDir())
	if err != nil {
		t.Fatalf("fs.New: %v", err)
	}
	ctx := context.Background()
	key := testSubkey(t)

	w, err := NewWriter(ctx, object.KindStorage, key, b, WriterConfig{Lanes: 2, DedupMaxEntries: 100, UploadQueueSize: 2})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	plaintext := []byte("hello, writer pool")
	ptr, err := w.WriteChunk(ctx, plaintext)
	if err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}

	if err := w.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	obj, err := b.Read(ctx, ptr.ObjectID)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	o, err := object.FromBytes(ptr.ObjectID, object.KindStorage, obj)
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	body, err := o.Chunk(ptr)
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	got, err := crypto.DecryptChunk(key, ptr, body)
	if err != nil {
		t.Fatalf("DecryptChunk: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestWriter_WriteChunk_DedupsRepeatedPlaintext(t *testing.T) {
	b, err := fs.New(t.TempDir())
	if err != nil {
		t.Fatalf("fs.New: %v", err)
	}
	ctx := context.Background()
	key := testSubkey(t)

	w, err := NewWriter(ctx, object.KindStorage, key, b, WriterConfig{Lanes: 1, DedupMaxEntries: 100, UploadQueueSize: 2})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	plaintext := []byte("duplicate me")
	p1, err := w.WriteChunk(ctx, plaintext)
	if err != nil {
		t.Fatalf("WriteChunk 1: %v", err)
	}
	p2, err := w.WriteChunk(ctx, plaintext)
	if err != nil {
		t.Fatalf("WriteChunk 2: %v", err)
	}
	if !p1.Equal(p2) {
		t.Fatalf("expected dedup to return the same pointer")
	}
}

func TestWriter_Flush_SealsPartialLanes(t *testing.T) {
	b, err := fs.New(t.TempDir())
	if err != nil {
		t.Fatalf("fs.New: %v", err)
	}
	ctx := context.Background()
	key := testSubkey(t)

	w, err := NewWriter(ctx, object.KindStorage, key, b, WriterConfig{Lanes: 1, DedupMaxEntries: 10, UploadQueueSize: 1})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	ptr, err := w.WriteChunk(ctx, []byte("small chunk"))
	if err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	if err := w.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	ids, err := b.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	found := false
	for _, id := range ids {
		if id == ptr.ObjectID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected flushed object %s to be durably published", ptr.ObjectID)
	}
}

// TestWriter_SealsFullLaneWhenExceedingCapacity exercises multi-object
// sealing: enough large chunks are written that a single lane's 4 MiB
// buffer must be sealed and replaced mid-session.
func TestWriter_SealsFullLaneWhenExceedingCapacity(t *testing.T) {
	b, err := fs.New(t.TempDir())
	if err != nil {
		t.Fatalf("fs.New: %v", err)
	}
	ctx := context.Background()
	key := testSubkey(t)

	w, err := NewWriter(ctx, object.KindStorage, key, b, WriterConfig{Lanes: 1, DedupMaxEntries: 1000, UploadQueueSize: 4})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer w.Close()

	objIDs := map[string]bool{}
	for i := 0; i < 6; i++ {
		unique := make([]byte, 900*1024) // random, so LZ4 can't shrink it below one lane's worth across 6 chunks
		if _, err := rand.Read(unique); err != nil {
			t.Fatalf("rand.Read: %v", err)
		}
		ptr, err := w.WriteChunk(ctx, unique)
		if err != nil {
			t.Fatalf("WriteChunk %d: %v", i, err)
		}
		objIDs[ptr.ObjectID.String()] = true
	}
	if err := w.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if len(objIDs) < 2 {
		t.Fatalf("expected chunks to span at least 2 objects, got %d", len(objIDs))
	}

	ids, err := b.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != len(objIDs) {
		t.Fatalf("expected %d published objects, got %d", len(objIDs), len(ids))
	}
}
