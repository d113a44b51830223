// Package infinitree is an embedded, versioned, encrypted, deduplicated
// object store (spec §1): commit-based snapshots of a user-declared Index
// aggregate, persisted as content-addressed, convergently-encrypted chunks
// packed into fixed-size objects on a pluggable backend.
package infinitree

import (
	"context"

	"github.com/infinitree/infinitree/internal/commit"
	"github.com/infinitree/infinitree/internal/config"
	"github.com/infinitree/infinitree/internal/crypto"
	"github.com/infinitree/infinitree/internal/index"
	"github.com/infinitree/infinitree/internal/tree"
)

// Tree is one opened, embeddable versioned store.
type Tree = tree.Tree

// CommitID identifies one immutable commit in a tree's history.
type CommitID = commit.ID

// Config is the full configuration surface: cache budgets, writer lanes,
// chunker parameters, KDF cost, and backend selection.
type Config = config.Config

// Watcher live-reloads a config file; see OpenAndWatch.
type Watcher = config.Watcher

// KeyManager wraps/unwraps a Tree's MasterKey envelope, delegating its
// custody to an external KMS instead of a bare passphrase.
type KeyManager = crypto.KeyManager

// Field is one named slot of a user-declared Index aggregate; see Local,
// Sparse and VersionedMap for the three concrete strategies.
type Field = index.Field

// Codec converts a value of type T to and from its wire representation.
type Codec[T any] = index.Codec[T]

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() *Config { return config.Default() }

// LoadConfig reads and parses a YAML config file, filling unset fields
// from DefaultConfig.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Open derives a MasterKey from (username, passphrase), opens the
// configured backend, and loads the default branch's head commit into
// every supplied field. A backend with no root object yet is not an
// error: the returned Tree starts with every field at its zero value,
// durable only once Commit is called.
func Open(ctx context.Context, cfg *Config, username, passphrase string, fields ...Field) (*Tree, error) {
	return tree.Open(ctx, cfg, username, passphrase, fields...)
}

// OpenWithMasterKey is Open but for callers whose MasterKey came from a
// KeyManager rather than a passphrase. Takes ownership of master.
func OpenWithMasterKey(ctx context.Context, cfg *Config, master *crypto.MasterKey, fields ...Field) (*Tree, error) {
	return tree.OpenWithMasterKey(ctx, cfg, master, fields...)
}

// OpenWithKeyManager opens a tree whose MasterKey custody is delegated to
// km (spec §4.13): the tree generates and wraps a fresh MasterKey on first
// open, or unwraps an existing envelope on later opens, so no passphrase is
// ever needed.
func OpenWithKeyManager(ctx context.Context, cfg *Config, km KeyManager, fields ...Field) (*Tree, error) {
	return tree.OpenWithKeyManager(ctx, cfg, km, fields...)
}

// OpenAndWatch opens a tree the same way Open does, then watches configPath
// for changes and applies every successfully reloaded Config to the Tree
// (cache tier budgets and the hardware-acceleration status only;
// cryptographic parameters and anything that shapes already-written
// objects are read once at Open and never retroactively applied). The
// returned Watcher must be closed by the caller.
func OpenAndWatch(ctx context.Context, configPath, username, passphrase string, fields ...Field) (*Tree, *Watcher, error) {
	return tree.OpenAndWatch(ctx, configPath, username, passphrase, fields...)
}

// NewLocal declares a Local-strategy field: one stream holding the
// field's entire serialised value on every commit, suitable for small,
// snapshot-like state.
func NewLocal[T any](name string, codec Codec[T]) *index.Local[T] {
	return index.NewLocal(name, codec)
}

// NewSparse declares a Sparse-strategy field: one stream of keys plus
// per-key ChunkPointers, with each value independently addressed and
// fetched on demand.
func NewSparse[K comparable, V any](name string, keyCodec Codec[K], valCodec Codec[V]) *index.Sparse[K, V] {
	return index.NewSparse[K, V](name, keyCodec, valCodec)
}

// NewVersionedMap declares an Incremental-strategy field: each commit
// emits only the insert/tombstone records changed since the field's last
// commit, folded on load across the ancestor chain.
func NewVersionedMap[K comparable, V any](name string, keyCodec Codec[K], valCodec Codec[V]) *index.VersionedMap[K, V] {
	return index.NewVersionedMap[K, V](name, keyCodec, valCodec)
}

// Uint64Codec encodes a uint64 as 8 big-endian bytes.
func Uint64Codec() Codec[uint64] { return index.Uint64Codec() }

// StringCodec encodes a string as its raw UTF-8 bytes.
func StringCodec() Codec[string] { return index.StringCodec() }

// BytesCodec passes raw bytes through unchanged.
func BytesCodec() Codec[[]byte] { return index.BytesCodec() }
