// Package tree implements the tree facade (spec §4.9): the open and commit
// sequences that tie the chunker, crypto, writer/reader pools, tiered
// cache, index-field protocol and commit log into one embeddable store.
// A Tree owns every piece of state for one opened tree; nothing here is a
// process-global singleton (§9).
package tree

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/infinitree/infinitree/internal/audit"
	"github.com/infinitree/infinitree/internal/backend"
	"github.com/infinitree/infinitree/internal/cache"
	"github.com/infinitree/infinitree/internal/chunkptr"
	"github.com/infinitree/infinitree/internal/commit"
	"github.com/infinitree/infinitree/internal/config"
	"github.com/infinitree/infinitree/internal/crypto"
	"github.com/infinitree/infinitree/internal/errs"
	"github.com/infinitree/infinitree/internal/index"
	"github.com/infinitree/infinitree/internal/metrics"
	"github.com/infinitree/infinitree/internal/object"
	"github.com/infinitree/infinitree/internal/objectid"
	"github.com/infinitree/infinitree/internal/pool"
	"github.com/infinitree/infinitree/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("infinitree/tree")

// Tree is one opened, embeddable versioned store. Fields must be
// registered (RegisterField) before Open loads state or Commit persists it.
type Tree struct {
	cfg  *config.Config
	keys *crypto.KeyHolder
	be   backend.RootBackend

	chain         *cache.Chain
	indexWriter   *pool.Writer
	storageWriter *pool.Writer
	indexReader   *pool.Reader
	storageReader *pool.Reader

	mu            sync.Mutex
	fields        map[string]index.Field
	lastManifest  map[string][]chunkptr.ChunkPointer
	branchTable   *commit.BranchTable
	currentBranch string
	headID        commit.ID
	headPointer   chunkptr.ChunkPointer
	headCommit    *commit.Commit
	rootID        objectid.ID
	rootExists    bool
	prevRootBytes []byte

	metrics *metrics.Metrics
	audit   audit.Logger
}

// Open derives a MasterKey from (username, passphrase), opens the
// configured backend and cache chain, and loads the default branch's head
// commit into every registered field. A backend with no root object yet is
// not an error: Open returns a Tree with every field at its zero value,
// durable only once Commit is called.
func Open(ctx context.Context, cfg *config.Config, username, passphrase string, fields ...index.Field) (*Tree, error) {
	master := crypto.DeriveMasterKey(username, passphrase, cfg.Crypto.KDF)
	return open(ctx, cfg, crypto.NewKeyHolder(master), fields...)
}

// OpenWithMasterKey is Open but for callers whose MasterKey came from a
// KeyManager rather than a passphrase. Takes ownership of master.
func OpenWithMasterKey(ctx context.Context, cfg *config.Config, master *crypto.MasterKey, fields ...index.Field) (*Tree, error) {
	return open(ctx, cfg, crypto.NewKeyHolder(master), fields...)
}

// OpenWithKeyManager opens a tree whose MasterKey custody is delegated to
// km (spec §4.13): on first open it generates a fresh MasterKey and wraps
// it via km.WrapKey, storing the envelope at a deterministic, non-secret
// backend object ID; on later opens it reads that envelope back and
// unwraps it via km.UnwrapKey. Either way no passphrase is ever needed.
func OpenWithKeyManager(ctx context.Context, cfg *config.Config, km crypto.KeyManager, fields ...index.Field) (*Tree, error) {
	be, err := backend.Open(&cfg.Backend)
	if err != nil {
		return nil, err
	}

	envelopeID, err := objectid.Parse(crypto.KMSEnvelopeObjectID(cfg.Backend.Path + cfg.Backend.Bucket))
	if err != nil {
		return nil, fmt.Errorf("kms envelope object id: %w", err)
	}

	var envelopeData []byte
	raw, err := be.Read(ctx, envelopeID)
	switch {
	case err == nil:
		envelopeData = raw
	case errors.Is(err, errs.ErrNotFound):
		envelopeData = nil
	default:
		return nil, fmt.Errorf("read kms envelope: %w", err)
	}

	master, envelope, fresh, err := crypto.EstablishMasterKey(ctx, km, envelopeData)
	if err != nil {
		return nil, fmt.Errorf("establish master key via %s: %w", km.Provider(), err)
	}

	if fresh {
		wireBytes, err := crypto.MarshalKeyEnvelope(envelope)
		if err != nil {
			master.Zero()
			return nil, err
		}
		if err := be.Write(ctx, envelopeID, wireBytes); err != nil {
			master.Zero()
			return nil, fmt.Errorf("write kms envelope: %w", err)
		}
	}

	return openWithBackend(ctx, cfg, crypto.NewKeyHolder(master), be, fields...)
}

// OpenAndWatch opens a tree the same way Open does, then starts watching
// configPath for changes (config.WatchFile) and applies every successfully
// reloaded Config to the Tree via ApplyConfig. The returned config.Watcher
// must be closed by the caller; closing it stops live-reload but does not
// close the Tree.
func OpenAndWatch(ctx context.Context, configPath, username, passphrase string, fields ...index.Field) (*Tree, *config.Watcher, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	t, err := Open(ctx, cfg, username, passphrase, fields...)
	if err != nil {
		return nil, nil, err
	}
	w, err := config.WatchFile(configPath, t.ApplyConfig)
	if err != nil {
		t.Close()
		return nil, nil, err
	}
	return t, w, nil
}

func open(ctx context.Context, cfg *config.Config, keys *crypto.KeyHolder, fields ...index.Field) (*Tree, error) {
	be, err := backend.Open(&cfg.Backend)
	if err != nil {
		keys.Close()
		return nil, err
	}
	return openWithBackend(ctx, cfg, keys, be, fields...)
}

// openWithBackend is open with the backend already constructed, a seam
// used by tests that need to observe or wrap backend calls (e.g. counting
// reads to verify single-flight coalescing, spec §8 S6).
func openWithBackend(ctx context.Context, cfg *config.Config, keys *crypto.KeyHolder, be backend.RootBackend, fields ...index.Field) (*Tree, error) {
	openStart := time.Now()
	ctx, span := tracer.Start(ctx, "tree.Open")
	defer span.End()

	if err := telemetry.Configure(ctx, cfg.Tracing); err != nil {
		keys.Close()
		return nil, fmt.Errorf("configure tracing: %w", err)
	}

	chain, err := buildCacheChain(be, cfg.Cache)
	if err != nil {
		keys.Close()
		return nil, err
	}

	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	chain.SetMetrics(m)

	indexWriter, err := pool.NewWriter(ctx, object.KindIndex, keys.IndexKey(), be, writerConfig(cfg.Writer))
	if err != nil {
		keys.Close()
		return nil, fmt.Errorf("open index writer: %w", err)
	}
	indexWriter.SetMetrics(m)
	storageWriter, err := pool.NewWriter(ctx, object.KindStorage, keys.StorageKey(), be, writerConfig(cfg.Writer))
	if err != nil {
		indexWriter.Close()
		keys.Close()
		return nil, fmt.Errorf("open storage writer: %w", err)
	}
	storageWriter.SetMetrics(m)

	var paths pool.PathProvider
	if p, ok := be.(pool.PathProvider); ok {
		paths = p
	}
	indexReader := pool.NewReader(object.KindIndex, keys.IndexKey(), chain, cfg.Mmap, paths)
	storageReader := pool.NewReader(object.KindStorage, keys.StorageKey(), chain, cfg.Mmap, paths)

	auditLogger, err := audit.NewLoggerFromConfig(cfg.Audit)
	if err != nil {
		indexWriter.Close()
		storageWriter.Close()
		keys.Close()
		return nil, fmt.Errorf("configure audit logger: %w", err)
	}

	m.SetHardwareAccelerationStatus("chacha20poly1305", crypto.IsHardwareAccelerationEnabled(cfg.Hardware))
	crypto.SetBufferPoolMetrics(m)

	t := &Tree{
		cfg:           cfg,
		keys:          keys,
		be:            be,
		chain:         chain,
		indexWriter:   indexWriter,
		storageWriter: storageWriter,
		indexReader:   indexReader,
		storageReader: storageReader,
		fields:        make(map[string]index.Field),
		lastManifest:  make(map[string][]chunkptr.ChunkPointer),
		branchTable:   commit.NewBranchTable(),
		currentBranch: commit.DefaultBranch,
		rootID:        objectid.ID(keys.RootObjectID()),
		metrics:       m,
		audit:         auditLogger,
	}
	m.IncrementOpenTrees()
	for _, f := range fields {
		if err := t.RegisterField(f); err != nil {
			t.Close()
			return nil, err
		}
	}

	if err := t.loadRoot(ctx); err != nil {
		span.RecordError(err)
		t.audit.LogOpen(t.currentBranch, t.headID.String(), false, err, time.Since(openStart), nil)
		t.Close()
		return nil, err
	}
	t.audit.LogOpen(t.currentBranch, t.headID.String(), true, nil, time.Since(openStart), nil)
	return t, nil
}

// buildCacheChain assembles the Memory -> Local -> Redis tier chain named
// by cfg, skipping tiers whose budget/address is unset (§4.7).
func buildCacheChain(origin backend.Backend, cfg config.CacheConfig) (*cache.Chain, error) {
	var tiers []cache.Tier
	if cfg.MemoryBytes > 0 {
		tiers = append(tiers, cache.NewMemory(cfg.MemoryBytes))
	}
	if cfg.LocalBytes > 0 && cfg.LocalPath != "" {
		local, err := cache.NewLocal(cfg.LocalPath, cfg.LocalBytes)
		if err != nil {
			return nil, fmt.Errorf("open local cache: %w", err)
		}
		tiers = append(tiers, local)
	}
	if cfg.RemoteAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RemoteAddr})
		tiers = append(tiers, cache.NewRedis(client, "infinitree:"))
	}
	return cache.NewChain(origin, tiers...), nil
}

func writerConfig(cfg config.WriterConfig) pool.WriterConfig {
	return pool.WriterConfig{
		Lanes:           cfg.Lanes,
		DedupMaxEntries: cfg.DedupMaxEntries,
		UploadQueueSize: cfg.UploadQueueSize,
	}
}

// RegisterField adds f to the Index aggregate under construction. Must be
// called before the field's state is needed; registering the same name
// twice is a caller bug.
func (t *Tree) RegisterField(f index.Field) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.fields[f.Name()]; exists {
		return fmt.Errorf("field %q already registered", f.Name())
	}
	t.fields[f.Name()] = f
	return nil
}

// loadRoot performs the open sequence (spec §4.9 "On open"): derive
// RootObjectId (already done by KeyHolder), fetch the root object, decrypt
// the header, fetch the root chunk, deserialise the branch table, and load
// the default branch's head commit into every registered field.
func (t *Tree) loadRoot(ctx context.Context) error {
	raw, err := t.be.Read(ctx, t.rootID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil // brand-new tree: every field stays at its zero value
		}
		return fmt.Errorf("read root object: %w", err)
	}

	rootObj, err := object.FromBytes(t.rootID, object.KindIndex, raw)
	if err != nil {
		return err
	}
	rootPtr, err := rootObj.ReadRootHeader(t.keys.IndexKey())
	if err != nil {
		return fmt.Errorf("%w: open root header", errs.ErrAuth)
	}

	branchBytes, err := t.indexReader.ReadChunk(ctx, rootPtr.ChunkPointer())
	if err != nil {
		return fmt.Errorf("read branch table: %w", err)
	}
	bt, err := commit.UnmarshalBranchTable(branchBytes)
	if err != nil {
		return err
	}

	t.branchTable = bt
	t.rootExists = true
	t.prevRootBytes = raw

	head, ok := bt.Branches[t.currentBranch]
	if !ok {
		return nil // branch table exists but names no commit yet on this branch
	}
	return t.checkout(ctx, head.CommitID, head.Pointer)
}

// Load switches the tree's live state to the commit named id, reachable
// from the current branch's recorded head via its ParentPointer chain.
// Used to inspect history (spec §8 S2's "reopen at head vs at m1").
func (t *Tree) Load(ctx context.Context, id commit.ID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	ptr, err := t.findCommitPointer(ctx, id)
	if err != nil {
		return err
	}
	return t.checkout(ctx, id, ptr)
}

// findCommitPointer walks back from the current branch head until it finds
// id, returning the ChunkPointer that locates id's serialised Commit record.
func (t *Tree) findCommitPointer(ctx context.Context, id commit.ID) (chunkptr.ChunkPointer, error) {
	head, ok := t.branchTable.Branches[t.currentBranch]
	if !ok {
		return chunkptr.ChunkPointer{}, fmt.Errorf("%w: branch %q has no commits", errs.ErrNotFound, t.currentBranch)
	}
	curID, curPtr := head.CommitID, head.Pointer
	for {
		if curID == id {
			return curPtr, nil
		}
		c, err := t.fetchCommit(ctx, curPtr)
		if err != nil {
			return chunkptr.ChunkPointer{}, err
		}
		if c.Parent.IsZero() {
			return chunkptr.ChunkPointer{}, fmt.Errorf("%w: commit %s not found in branch %q history", errs.ErrNotFound, id, t.currentBranch)
		}
		curID, curPtr = c.Parent, c.ParentPointer
	}
}

func (t *Tree) fetchCommit(ctx context.Context, ptr chunkptr.ChunkPointer) (*commit.Commit, error) {
	raw, err := t.indexReader.ReadChunk(ctx, ptr)
	if err != nil {
		return nil, fmt.Errorf("read commit: %w", err)
	}
	return commit.Unmarshal(raw)
}

// checkout loads id (located by ptr) and its ancestor chain, and binds
// every registered field's state as of that commit. Callers hold t.mu.
func (t *Tree) checkout(ctx context.Context, id commit.ID, ptr chunkptr.ChunkPointer) error {
	chain, err := t.ancestorChain(ctx, id, ptr)
	if err != nil {
		return err
	}
	head := chain[len(chain)-1]

	loadCtx := &index.LoadCtx{Ctx: ctx, Reader: t.storageReader}
	for name, f := range t.fields {
		switch f.Strategy() {
		case index.StrategyIncremental:
			var all []chunkptr.ChunkPointer
			for _, c := range chain {
				all = append(all, c.Manifest[name]...)
			}
			if err := f.Load(loadCtx, all); err != nil {
				return fmt.Errorf("load field %q: %w", name, err)
			}
		default:
			ptrs := head.Manifest[name]
			if len(ptrs) == 0 {
				continue // field not yet stored as of this commit: leave it at its zero value
			}
			if err := f.Load(loadCtx, ptrs); err != nil {
				return fmt.Errorf("load field %q: %w", name, err)
			}
			t.lastManifest[name] = ptrs
		}
	}

	t.headID = id
	t.headPointer = ptr
	t.headCommit = head
	return nil
}

// ancestorChain returns id's full ancestor chain, oldest (root commit)
// first, by walking ParentPointer back from id.
func (t *Tree) ancestorChain(ctx context.Context, id commit.ID, ptr chunkptr.ChunkPointer) ([]*commit.Commit, error) {
	var chain []*commit.Commit
	curPtr := ptr
	for {
		c, err := t.fetchCommit(ctx, curPtr)
		if err != nil {
			return nil, err
		}
		chain = append(chain, c)
		if c.Parent.IsZero() {
			break
		}
		curPtr = c.ParentPointer
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// HeadID reports the commit id the tree currently reflects, or the zero ID
// if no commit has ever been made on this branch.
func (t *Tree) HeadID() commit.ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.headID
}

// HeadMessage reports the message of the commit the tree currently
// reflects, or "" if no commit has ever been made on this branch.
func (t *Tree) HeadMessage() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.headCommit == nil {
		return ""
	}
	return t.headCommit.Message
}

// Branch switches the tree to name, creating it (sharing the current
// branch's history, per spec §4.9) if it does not already exist. The new
// branch is not durable until the next Commit.
func (t *Tree) Branch(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if head, ok := t.branchTable.Branches[t.currentBranch]; ok {
		if _, exists := t.branchTable.Branches[name]; !exists {
			t.branchTable.Branches[name] = head
		}
	}
	t.currentBranch = name
}

// Commit performs the commit sequence (spec §4.9 "On commit"): store every
// dirty field, build and chunk-write a new Commit and branch table, and
// atomically publish a new root object. Returns errs.ErrConflict if a
// concurrent writer published a root object first; the caller must reload.
func (t *Tree) Commit(ctx context.Context, message string) (commit.ID, error) {
	ctx, span := tracer.Start(ctx, "tree.Commit")
	defer span.End()
	start := time.Now()

	id, err := t.commitLocked(ctx, message)

	duration := time.Since(start)
	if err != nil {
		span.RecordError(err)
		t.metrics.RecordCommitError(ctx, t.currentBranch, commitErrorType(err))
		t.audit.LogCommit(t.currentBranch, id.String(), false, err, duration, nil)
		return id, err
	}
	t.metrics.RecordCommit(ctx, t.currentBranch, duration)
	t.audit.LogCommit(t.currentBranch, id.String(), true, nil, duration, nil)
	return id, nil
}

// commitErrorType classifies err against the errs sentinel taxonomy for
// the commit_errors_total metric's error_type label.
func commitErrorType(err error) string {
	switch {
	case errors.Is(err, errs.ErrConflict):
		return "conflict"
	case errors.Is(err, errs.ErrTransport):
		return "transport"
	case errors.Is(err, errs.ErrCapacity):
		return "capacity"
	case errors.Is(err, errs.ErrAuth):
		return "auth"
	case errors.Is(err, errs.ErrCorrupt):
		return "corrupt"
	default:
		return "unknown"
	}
}

// commitLocked is Commit's body, run under t.mu.
func (t *Tree) commitLocked(ctx context.Context, message string) (commit.ID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	storeCtx := &index.StoreCtx{Ctx: ctx, Writer: t.storageWriter, Chunker: t.cfg.Chunker}
	manifest := make(map[string][]chunkptr.ChunkPointer, len(t.fields))
	for name, f := range t.fields {
		if f.Strategy() == index.StrategyIncremental {
			ptrs, err := f.Store(storeCtx)
			if err != nil {
				return commit.ID{}, fmt.Errorf("store field %q: %w", name, err)
			}
			manifest[name] = ptrs
			continue
		}
		if f.Dirty() {
			ptrs, err := f.Store(storeCtx)
			if err != nil {
				return commit.ID{}, fmt.Errorf("store field %q: %w", name, err)
			}
			manifest[name] = ptrs
			t.lastManifest[name] = ptrs
		} else if prev, ok := t.lastManifest[name]; ok {
			manifest[name] = prev
		}
	}

	c, err := commit.New(t.headID, t.headPointer, message, manifest)
	if err != nil {
		return commit.ID{}, err
	}
	cBytes, err := c.MarshalBinary()
	if err != nil {
		return commit.ID{}, fmt.Errorf("marshal commit: %w", err)
	}
	commitPtr, err := t.indexWriter.WriteChunk(ctx, cBytes)
	if err != nil {
		return commit.ID{}, fmt.Errorf("write commit: %w", err)
	}

	t.branchTable.Branches[t.currentBranch] = commit.BranchHead{CommitID: c.ID, Pointer: commitPtr}
	btBytes, err := t.branchTable.MarshalBinary()
	if err != nil {
		return commit.ID{}, fmt.Errorf("marshal branch table: %w", err)
	}
	btPtr, err := t.indexWriter.WriteChunk(ctx, btBytes)
	if err != nil {
		return commit.ID{}, fmt.Errorf("write branch table: %w", err)
	}

	rootObj, err := object.NewWithID(object.KindIndex, t.rootID)
	if err != nil {
		return commit.ID{}, fmt.Errorf("build root object: %w", err)
	}
	rootPointer := object.RootPointer{
		ObjectID: btPtr.ObjectID,
		Offset:   btPtr.Offset,
		Size:     btPtr.Size,
		Hash:     btPtr.Hash,
		Tag:      btPtr.Tag,
	}
	if err := rootObj.WriteRootHeader(t.keys.IndexKey(), rootPointer); err != nil {
		return commit.ID{}, fmt.Errorf("seal root header: %w", err)
	}

	// Flush both writer pools before publishing the root: every chunk the
	// new commit references must already be durable (§4.9 step 4).
	if err := t.storageWriter.Flush(ctx); err != nil {
		return commit.ID{}, fmt.Errorf("flush storage writer: %w", err)
	}
	if err := t.indexWriter.Flush(ctx); err != nil {
		return commit.ID{}, fmt.Errorf("flush index writer: %w", err)
	}

	nextRootBytes := append([]byte(nil), rootObj.Bytes()...)
	if err := t.be.CompareAndSwapRoot(ctx, t.rootID, t.prevRootBytes, t.rootExists, nextRootBytes); err != nil {
		return commit.ID{}, err
	}

	t.prevRootBytes = nextRootBytes
	t.rootExists = true
	t.headID = c.ID
	t.headPointer = commitPtr
	t.headCommit = c
	return c.ID, nil
}

// Close stops both writer pools' background upload loops and zeroes the
// tree's key material. Pending writes not yet Committed are not flushed;
// Close after a crash is expected to leave orphaned, unreferenced objects
// behind (spec §8 S5), reclaimable by offline GC.
func (t *Tree) Close() {
	if t.indexWriter != nil {
		t.indexWriter.Close()
	}
	if t.storageWriter != nil {
		t.storageWriter.Close()
	}
	if t.metrics != nil {
		t.metrics.DecrementOpenTrees()
	}
	if t.audit != nil {
		t.audit.Close()
	}
	t.keys.Close()
}

// resizableTier is implemented by cache tiers whose byte budget can change
// after construction (cache.Memory, cache.Local).
type resizableTier interface {
	SetMaxBytes(int64)
}

// ApplyConfig applies the subset of cfg that is safe to change on an
// already-open Tree: cache tier byte budgets and the hardware-acceleration
// metric. Cryptographic parameters (KDF cost, key material) and anything
// that shapes already-written objects (chunker bounds, writer lane count)
// are read once at Open and never retroactively applied, matching
// config.Watcher's own doc comment. Called from the onChange callback
// OpenAndWatch registers with config.WatchFile.
func (t *Tree) ApplyConfig(cfg *config.Config) {
	if mem := t.chain.Tier("memory"); mem != nil {
		if r, ok := mem.(resizableTier); ok {
			r.SetMaxBytes(cfg.Cache.MemoryBytes)
		}
	}
	if local := t.chain.Tier("local"); local != nil {
		if r, ok := local.(resizableTier); ok {
			r.SetMaxBytes(cfg.Cache.LocalBytes)
		}
	}
	if t.metrics != nil {
		t.metrics.SetHardwareAccelerationStatus("chacha20poly1305", crypto.IsHardwareAccelerationEnabled(cfg.Hardware))
	}
}
