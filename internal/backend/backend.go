// Package backend defines the storage capability every tree is built on:
// four operations over whole, fixed-size objects (spec §6).
package backend

import (
	"context"

	"github.com/infinitree/infinitree/internal/objectid"
)

// Backend is the minimal capability a tree needs from durable storage.
// Every object read or written through a Backend is exactly object.Size
// bytes; the backend itself carries no knowledge of chunks, encryption, or
// the commit graph.
type Backend interface {
	// Read fetches the object named by id in full. Returns an error
	// wrapping errs.ErrNotFound if it does not exist, or errs.ErrTransport
	// on an I/O failure unrelated to existence.
	Read(ctx context.Context, id objectid.ID) ([]byte, error)

	// Write durably publishes buf (exactly object.Size bytes) under id. It
	// must be atomic with respect to concurrent readers: a reader must
	// observe either nothing or the complete buffer, never a partial write.
	// Writing the same id twice (retried root update aside) is a caller bug,
	// not a race the backend is required to resolve.
	Write(ctx context.Context, id objectid.ID, buf []byte) error

	// List enumerates every object id currently stored. Best-effort: used
	// only by offline garbage collection, never on a read or write path.
	List(ctx context.Context) ([]objectid.ID, error)

	// Delete removes the object named by id. Idempotent: deleting an id
	// that is already gone is not an error.
	Delete(ctx context.Context, id objectid.ID) error
}

// RootBackend is implemented by backends that can additionally perform an
// atomic compare-and-swap on the tree's single root object, which is the
// mechanism every commit publishes through (§4.9). A backend that cannot
// offer true CAS (for example most S3-compatible object stores) returns
// errs.ErrConflict optimistically: it reads-verifies-then-writes and accepts
// a residual last-writer-wins race window, documented per backend.
type RootBackend interface {
	Backend

	// CompareAndSwapRoot atomically replaces the root object's contents with
	// next, but only if the backend's current root object is either absent
	// (expectExists=false) or bit-identical to prev. On a mismatch it
	// returns an error wrapping errs.ErrConflict and performs no write.
	CompareAndSwapRoot(ctx context.Context, id objectid.ID, prev []byte, expectExists bool, next []byte) error
}
