// Package fs implements a local-directory Backend: one file per object,
// named by its base32 id, written atomically via a temp file and rename.
package fs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/infinitree/infinitree/internal/errs"
	"github.com/infinitree/infinitree/internal/object"
	"github.com/infinitree/infinitree/internal/objectid"
)

// Backend stores each object as a single file under Dir.
type Backend struct {
	Dir   string
	casMu sync.Mutex
}

// New creates a Backend rooted at dir, creating it if necessary.
func New(dir string) (*Backend, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create backend dir %s: %w", dir, err)
	}
	return &Backend{Dir: dir}, nil
}

func (b *Backend) path(id objectid.ID) string {
	return filepath.Join(b.Dir, id.String())
}

// Path implements pool.PathProvider, exposing id's on-disk location so a
// Reader can mmap it directly instead of reading the whole object through
// Read.
func (b *Backend) Path(id objectid.ID) string {
	return b.path(id)
}

// Read implements backend.Backend.
func (b *Backend) Read(ctx context.Context, id objectid.ID) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	buf, err := os.ReadFile(b.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: object %s", errs.ErrNotFound, id)
		}
		return nil, fmt.Errorf("%w: read object %s: %v", errs.ErrTransport, id, err)
	}
	return buf, nil
}

// Write implements backend.Backend using a temp-file-then-rename, so a
// concurrent reader observing the directory entry always sees a complete
// object, never a partial write.
func (b *Backend) Write(ctx context.Context, id objectid.ID, buf []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(buf) != object.Size {
		return fmt.Errorf("%w: object %s is %d bytes, expected %d", errs.ErrCorrupt, id, len(buf), object.Size)
	}

	tmp, err := os.CreateTemp(b.Dir, ".tmp-"+id.String()+"-*")
	if err != nil {
		return fmt.Errorf("%w: create temp file for %s: %v", errs.ErrTransport, id, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(buf); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write temp file for %s: %v", errs.ErrTransport, id, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: sync temp file for %s: %v", errs.ErrTransport, id, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close temp file for %s: %v", errs.ErrTransport, id, err)
	}
	if err := os.Rename(tmpName, b.path(id)); err != nil {
		return fmt.Errorf("%w: publish object %s: %v", errs.ErrTransport, id, err)
	}
	return nil
}

// List implements backend.Backend.
func (b *Backend) List(ctx context.Context) ([]objectid.ID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(b.Dir)
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", errs.ErrTransport, b.Dir, err)
	}
	ids := make([]objectid.ID, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id, err := objectid.Parse(e.Name())
		if err != nil {
			continue // skip temp files and anything not an object
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Delete implements backend.Backend. Idempotent: deleting a missing object
// is not an error.
func (b *Backend) Delete(ctx context.Context, id objectid.ID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Remove(b.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: delete object %s: %v", errs.ErrTransport, id, err)
	}
	return nil
}

// CompareAndSwapRoot implements backend.RootBackend. The local filesystem
// cannot offer a true atomic compare-and-swap primitive across processes
// without an external lock, and none is taken: this verifies prev while
// holding the in-process casMu and then performs the same atomic rename
// Write uses. Concurrent writers within this process are serialized by
// casMu; a foreign process racing the same root can still write between
// the check and the rename, a residual window accepted for the filesystem
// backend.
func (b *Backend) CompareAndSwapRoot(ctx context.Context, id objectid.ID, prev []byte, expectExists bool, next []byte) error {
	b.casMu.Lock()
	defer b.casMu.Unlock()

	current, err := b.Read(ctx, id)
	exists := err == nil
	if err != nil && !isNotFound(err) {
		return err
	}

	if exists != expectExists {
		return fmt.Errorf("%w: root %s existence mismatch", errs.ErrConflict, id)
	}
	if exists && !bytes.Equal(current, prev) {
		return fmt.Errorf("%w: root %s changed underneath the caller", errs.ErrConflict, id)
	}

	return b.Write(ctx, id, next)
}

func isNotFound(err error) bool {
	return err != nil && errors.Is(err, errs.ErrNotFound)
}
