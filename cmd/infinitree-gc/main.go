// Command infinitree-gc is an offline garbage collector: it walks every
// branch's commit ancestor chain, marks every object reachable from the
// root, and deletes everything the backend's List() reports that was
// never marked (spec.md §9's Open Questions; resolved in SPEC_FULL.md §6
// as a separate, explicit offline tool, never run implicitly by a Tree).
//
// A tree being committed to concurrently with a GC run is a caller bug:
// GC assumes exclusive access to the backend for the duration of its mark
// phase.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/infinitree/infinitree/internal/backend"
	"github.com/infinitree/infinitree/internal/cache"
	"github.com/infinitree/infinitree/internal/chunkptr"
	"github.com/infinitree/infinitree/internal/commit"
	"github.com/infinitree/infinitree/internal/config"
	"github.com/infinitree/infinitree/internal/crypto"
	"github.com/infinitree/infinitree/internal/log"
	"github.com/infinitree/infinitree/internal/object"
	"github.com/infinitree/infinitree/internal/objectid"
	"github.com/infinitree/infinitree/internal/pool"
	"github.com/infinitree/infinitree/internal/wire"
	"github.com/sirupsen/logrus"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML config file (defaults built in if empty)")
		username   = flag.String("username", "", "Username used to derive the tree's MasterKey")
		passphrase = flag.String("passphrase", "", "Passphrase used to derive the tree's MasterKey")
		dryRun     = flag.Bool("dry-run", true, "List objects that would be deleted without deleting them")
		logLevel   = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	)
	flag.Parse()

	logger := log.New(*logLevel, false)

	if *username == "" || *passphrase == "" {
		logger.Fatal("--username and --passphrase are required")
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logger.WithError(err).Fatal("failed to load config")
		}
		cfg = loaded
	}

	ctx := context.Background()
	if err := run(ctx, cfg, *username, *passphrase, *dryRun, logger); err != nil {
		logger.WithError(err).Fatal("gc failed")
	}
}

func run(ctx context.Context, cfg *config.Config, username, passphrase string, dryRun bool, logger *logrus.Logger) error {
	master := crypto.DeriveMasterKey(username, passphrase, cfg.Crypto.KDF)
	keys := crypto.NewKeyHolder(master)
	defer keys.Close()

	be, err := backend.Open(&cfg.Backend)
	if err != nil {
		return fmt.Errorf("open backend: %w", err)
	}

	rootID := objectid.ID(keys.RootObjectID())
	raw, err := be.Read(ctx, rootID)
	if err != nil {
		return fmt.Errorf("read root object: %w", err)
	}
	rootObj, err := object.FromBytes(rootID, object.KindIndex, raw)
	if err != nil {
		return fmt.Errorf("parse root object: %w", err)
	}
	rootPtr, err := rootObj.ReadRootHeader(keys.IndexKey())
	if err != nil {
		return fmt.Errorf("open root header (wrong credentials?): %w", err)
	}

	// No caching tiers: GC reads each object at most once per branch walk
	// and gains nothing from caching, while a populated cache would only
	// hold stale entries uselessly after a long-running sweep.
	var paths pool.PathProvider
	if p, ok := be.(pool.PathProvider); ok {
		paths = p
	}
	chain := cache.NewChain(be)
	indexReader := pool.NewReader(object.KindIndex, keys.IndexKey(), chain, cfg.Mmap, paths)
	storageReader := pool.NewReader(object.KindStorage, keys.StorageKey(), chain, cfg.Mmap, paths)

	marked := map[objectid.ID]bool{rootID: true}

	branchBytes, err := indexReader.ReadChunk(ctx, rootPtr.ChunkPointer())
	if err != nil {
		return fmt.Errorf("read branch table: %w", err)
	}
	markPointer(marked, rootPtr.ChunkPointer())
	bt, err := commit.UnmarshalBranchTable(branchBytes)
	if err != nil {
		return fmt.Errorf("parse branch table: %w", err)
	}

	for name, head := range bt.Branches {
		logger.Infof("walking branch %q from commit %s", name, head.CommitID)
		if err := walkBranch(ctx, indexReader, storageReader, marked, head.Pointer); err != nil {
			return fmt.Errorf("walk branch %q: %w", name, err)
		}
	}

	all, err := be.List(ctx)
	if err != nil {
		return fmt.Errorf("list backend objects: %w", err)
	}

	var unreferenced []objectid.ID
	for _, id := range all {
		if !marked[id] {
			unreferenced = append(unreferenced, id)
		}
	}

	logger.Infof("%d objects total, %d reachable, %d unreferenced", len(all), len(marked), len(unreferenced))
	if dryRun {
		for _, id := range unreferenced {
			logger.Infof("would delete %s", id)
		}
		return nil
	}

	for _, id := range unreferenced {
		if err := be.Delete(ctx, id); err != nil {
			logger.WithError(err).Warnf("failed to delete %s", id)
			continue
		}
		logger.Infof("deleted %s", id)
	}
	return nil
}

// walkBranch marks every object reachable from one branch head: each
// commit record in its ancestor chain and every field's manifest
// ChunkPointers.
func walkBranch(ctx context.Context, indexReader, storageReader *pool.Reader, marked map[objectid.ID]bool, ptr chunkptr.ChunkPointer) error {
	for {
		markPointer(marked, ptr)
		raw, err := indexReader.ReadChunk(ctx, ptr)
		if err != nil {
			return fmt.Errorf("read commit: %w", err)
		}
		c, err := commit.Unmarshal(raw)
		if err != nil {
			return err
		}

		for _, ptrs := range c.Manifest {
			for _, p := range ptrs {
				markPointer(marked, p)
				markStoredStream(ctx, storageReader, marked, p)
			}
		}

		if c.Parent.IsZero() {
			return nil
		}
		ptr = c.ParentPointer
	}
}

// markStoredStream opportunistically decodes the storage chunk at ptr as a
// Sparse field's key
// stream (§4.10: a uint32 count followed by (key bytes, ChunkPointer
// list) pairs) to recover the per-value chunks nested inside it, which
// never appear in a commit's top-level manifest. A stream that isn't
// actually a Sparse key stream fails this parse harmlessly and is left
// alone: a misparse can only make GC over-retain, never delete live data.
func markStoredStream(ctx context.Context, storageReader *pool.Reader, marked map[objectid.ID]bool, ptr chunkptr.ChunkPointer) {
	raw, err := storageReader.ReadChunk(ctx, ptr)
	if err != nil {
		return
	}
	r := wire.NewReader(raw)
	n, err := r.ReadUint32()
	if err != nil || n > uint32(len(raw)) {
		return
	}
	for i := uint32(0); i < n; i++ {
		if _, err := r.ReadBytes(); err != nil {
			return
		}
		ptrs, err := r.ReadChunkPointers()
		if err != nil {
			return
		}
		for _, p := range ptrs {
			markPointer(marked, p)
		}
	}
}

func markPointer(marked map[objectid.ID]bool, ptr chunkptr.ChunkPointer) {
	marked[ptr.ObjectID] = true
}
