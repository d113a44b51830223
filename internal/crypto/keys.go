package crypto

import (
	"crypto/rand"
	"fmt"

	"github.com/infinitree/infinitree/internal/config"
	"golang.org/x/crypto/argon2"
	"lukechampine.com/blake3"
)

// KeySize is the length in bytes of a MasterKey and every subkey derived from it.
const KeySize = 32

// Domain separation strings for Blake3-keyed subkey derivation. Each yields an
// independent 32-byte key from the same MasterKey; changing any of these
// strings changes every derived key, so they are part of the wire format.
const (
	domainIndexKey     = "infinitree.v1.index-key"
	domainStorageKey   = "infinitree.v1.storage-key"
	domainRootObjectID = "infinitree.v1.root-object-id"
)

// MasterKey is the 32-byte secret a tree is rooted in. It is never written to
// disk in plaintext; only its derived subkeys and, when a KeyManager is
// configured, a wrapped envelope are persisted.
type MasterKey struct {
	bytes [KeySize]byte
}

// DeriveMasterKey stretches a (username, passphrase) pair into a MasterKey
// using Argon2id. The username salts the derivation so that two users who
// happen to share a passphrase do not share a tree key.
func DeriveMasterKey(username, passphrase string, kdf config.KDFConfig) *MasterKey {
	salt := blake3.Sum256([]byte(username))
	key := argon2.IDKey([]byte(passphrase), salt[:], kdf.Iterations, kdf.MemoryKiB, kdf.Parallelism, KeySize)

	mk := &MasterKey{}
	copy(mk.bytes[:], key)
	// Argon2.IDKey already returns a fresh slice; zero it regardless in case
	// the caller's passphrase bytes were borrowed from a buffer we don't own.
	for i := range key {
		key[i] = 0
	}
	return mk
}

// NewMasterKey generates a random MasterKey directly, bypassing passphrase
// derivation. Used when key custody is delegated to a KeyManager.
func NewMasterKey() (*MasterKey, error) {
	mk := &MasterKey{}
	if _, err := rand.Read(mk.bytes[:]); err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	return mk, nil
}

// MasterKeyFromBytes wraps an already-derived or already-unwrapped 32-byte key.
func MasterKeyFromBytes(b []byte) (*MasterKey, error) {
	if len(b) != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", KeySize, len(b))
	}
	mk := &MasterKey{}
	copy(mk.bytes[:], b)
	return mk, nil
}

// Bytes returns the raw key material. Callers must not retain the returned
// slice past the MasterKey's lifetime; Zero invalidates it in place.
func (mk *MasterKey) Bytes() []byte {
	return mk.bytes[:]
}

// Zero scrubs the key material from memory. Safe to call more than once.
func (mk *MasterKey) Zero() {
	for i := range mk.bytes {
		mk.bytes[i] = 0
	}
}

func deriveSubkey(master *MasterKey, domain string) [KeySize]byte {
	h := blake3.New(KeySize, master.Bytes())
	h.Write([]byte(domain))
	var out [KeySize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// IndexKey is the subkey used to encrypt index-object chunks (manifests,
// commits, branch tables, field metadata).
func IndexKey(master *MasterKey) [KeySize]byte {
	return deriveSubkey(master, domainIndexKey)
}

// StorageKey is the subkey used to encrypt storage-object chunks (user field values).
func StorageKey(master *MasterKey) [KeySize]byte {
	return deriveSubkey(master, domainStorageKey)
}

// RootObjectID derives the tree's single deterministic ObjectId: the root
// object is the only object whose id is not chosen at random, since a fresh
// `Open` must be able to find it without consulting any other state.
func RootObjectID(master *MasterKey) [32]byte {
	return deriveSubkey(master, domainRootObjectID)
}

// KeyHolder is a scoped owner of a MasterKey and its derived subkeys,
// guaranteeing the key material is zeroed exactly once when released
// (§9 "Scoped key material").
type KeyHolder struct {
	master  *MasterKey
	indexK  [KeySize]byte
	storeK  [KeySize]byte
	rootID  [32]byte
	zeroed  bool
}

// NewKeyHolder derives and caches the subkeys for master, taking ownership of it.
func NewKeyHolder(master *MasterKey) *KeyHolder {
	return &KeyHolder{
		master: master,
		indexK: IndexKey(master),
		storeK: StorageKey(master),
		rootID: RootObjectID(master),
	}
}

// IndexKey returns the cached index subkey.
func (h *KeyHolder) IndexKey() [KeySize]byte { return h.indexK }

// StorageKey returns the cached storage subkey.
func (h *KeyHolder) StorageKey() [KeySize]byte { return h.storeK }

// RootObjectID returns the tree's deterministic root object id.
func (h *KeyHolder) RootObjectID() [32]byte { return h.rootID }

// Close zeroes all key material held by h. Idempotent.
func (h *KeyHolder) Close() {
	if h.zeroed {
		return
	}
	h.master.Zero()
	for i := range h.indexK {
		h.indexK[i] = 0
	}
	for i := range h.storeK {
		h.storeK[i] = 0
	}
	h.zeroed = true
}
