package crypto

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/infinitree/infinitree/internal/chunkptr"
	"github.com/infinitree/infinitree/internal/errs"
	"github.com/infinitree/infinitree/internal/objectid"
	"github.com/pierrec/lz4/v4"
	"golang.org/x/crypto/chacha20poly1305"
	"lukechampine.com/blake3"
)

// NonceSize is the length of the ChaCha20-Poly1305 nonce used for every chunk.
const NonceSize = chacha20poly1305.NonceSize // 12

// EncryptChunk implements the convergent AEAD construction (spec §4.1):
//
//  1. compressed = lz4_frame_encode(plaintext)
//  2. hash = blake3(plaintext)            (the convergence fingerprint)
//  3. aead_key = subkey XOR hash          (so only keyholders can reproduce it)
//  4. nonce = (object_id[0:4] XOR size) || object_id[4:12]
//  5. ciphertext, tag = chacha20poly1305_seal(aead_key, nonce, compressed)
//
// Two callers holding the same subkey who encrypt identical plaintext into
// the same object at the same offset always produce identical ciphertext,
// which is what lets the dedup index recognize repeats without ever seeing
// plaintext.
func EncryptChunk(subkey [KeySize]byte, id objectid.ID, offset uint32, plaintext []byte) (ciphertext []byte, ptr chunkptr.ChunkPointer, err error) {
	hash := blake3.Sum256(plaintext)

	body, size, tag, err := sealChunk(subkey, id, hash, plaintext)
	if err != nil {
		return nil, chunkptr.ChunkPointer{}, err
	}

	ptr = chunkptr.ChunkPointer{
		ObjectID: id,
		Offset:   offset,
		Size:     size,
		Hash:     hash,
		Tag:      tag,
	}
	return body, ptr, nil
}

// ZeroHash is the fixed 32-byte stand-in for a Blake3 hash used only by the
// root header bootstrap path (§4.3): the header is the one chunk in a tree
// that must be locatable before any hash is known, so its key derivation
// uses a hash of all zero bytes instead of a convergence fingerprint. This
// is safe only because the zero-substitution is unique to this single path
// and never reused for ordinary chunk storage.
var ZeroHash [chunkptr.HashSize]byte

// EncryptRootHeader seals the root header plaintext (spec §4.3) using the
// IndexKey and ZeroHash in place of a content fingerprint, since the header
// is decrypted before any chunk hash is known. id is the root object's own
// id, which anchors the nonce the same way an ordinary chunk's enclosing
// object id would.
func EncryptRootHeader(indexKey [KeySize]byte, id objectid.ID, plaintext []byte) (ciphertext []byte, tag [chunkptr.TagSize]byte, err error) {
	body, _, tag, err := sealChunk(indexKey, id, ZeroHash, plaintext)
	return body, tag, err
}

// DecryptRootHeader inverts EncryptRootHeader.
func DecryptRootHeader(indexKey [KeySize]byte, id objectid.ID, ciphertext []byte, tag [chunkptr.TagSize]byte) ([]byte, error) {
	return openChunk(indexKey, id, ZeroHash, uint32(len(ciphertext)), ciphertext, tag)
}

// sealChunk is the shared compress-then-seal core behind EncryptChunk and
// EncryptRootHeader; they differ only in which hash feeds the key derivation.
func sealChunk(subkey [KeySize]byte, id objectid.ID, hash [chunkptr.HashSize]byte, plaintext []byte) (body []byte, size uint32, tag [chunkptr.TagSize]byte, err error) {
	compressed, err := lz4Compress(plaintext)
	if err != nil {
		return nil, 0, tag, fmt.Errorf("compress chunk: %w", err)
	}

	aeadKey := xor32(subkey, hash)
	aead, err := chacha20poly1305.New(aeadKey[:])
	if err != nil {
		return nil, 0, tag, fmt.Errorf("init aead: %w", err)
	}

	size = uint32(len(compressed))
	nonce := chunkNonce(id, size)

	sealed := aead.Seal(nil, nonce[:], compressed, nil)
	body = sealed[:len(sealed)-chacha20poly1305.Overhead]
	copy(tag[:], sealed[len(sealed)-chacha20poly1305.Overhead:])
	return body, size, tag, nil
}

// DecryptChunk inverts EncryptChunk, verifying the AEAD tag and the Blake3
// fingerprint before returning plaintext. body must be exactly ptr.Size bytes,
// the compressed ciphertext span named by the pointer (not including the tag).
func DecryptChunk(subkey [KeySize]byte, ptr chunkptr.ChunkPointer, body []byte) ([]byte, error) {
	plaintext, err := openChunk(subkey, ptr.ObjectID, ptr.Hash, ptr.Size, body, ptr.Tag)
	if err != nil {
		return nil, fmt.Errorf("chunk at offset %d: %w", ptr.Offset, err)
	}

	if got := blake3.Sum256(plaintext); !bytes.Equal(got[:], ptr.Hash[:]) {
		return nil, fmt.Errorf("%w: chunk at offset %d hash mismatch after decrypt", errs.ErrCorrupt, ptr.Offset)
	}

	return plaintext, nil
}

// openChunk is the shared open-then-decompress core behind DecryptChunk and
// DecryptRootHeader. It does not perform the post-decrypt Blake3 verification
// since the root header path has no meaningful hash to verify against.
func openChunk(subkey [KeySize]byte, id objectid.ID, hash [chunkptr.HashSize]byte, size uint32, body []byte, tag [chunkptr.TagSize]byte) ([]byte, error) {
	if uint32(len(body)) != size {
		return nil, fmt.Errorf("%w: body is %d bytes, expected %d", errs.ErrCorrupt, len(body), size)
	}

	aeadKey := xor32(subkey, hash)
	aead, err := chacha20poly1305.New(aeadKey[:])
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}

	nonce := chunkNonce(id, size)
	pool := GetGlobalBufferPool()
	sealed := pool.Get(len(body) + chacha20poly1305.Overhead)
	sealed = append(sealed[:0], body...)
	sealed = append(sealed, tag[:]...)

	compressed, err := aead.Open(nil, nonce[:], sealed, nil)
	pool.Put(sealed) // return after use so the zeroize pass covers the ciphertext+tag we just wrote
	if err != nil {
		return nil, fmt.Errorf("%w: failed authentication: %v", errs.ErrCorrupt, err)
	}

	plaintext, err := lz4Decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to decompress: %v", errs.ErrCorrupt, err)
	}

	return plaintext, nil
}

// chunkNonce builds the 12-byte ChaCha20-Poly1305 nonce for a chunk stored in
// object id at the given compressed size: (id[0:4] xor size_le) || id[4:12].
// This keeps nonces unique per (object, size) pair within an object's chunk
// stream without needing a separate counter to persist.
func chunkNonce(id objectid.ID, size uint32) [NonceSize]byte {
	var nonce [NonceSize]byte
	var sizeBytes [4]byte
	binary.LittleEndian.PutUint32(sizeBytes[:], size)
	for i := 0; i < 4; i++ {
		nonce[i] = id[i] ^ sizeBytes[i]
	}
	copy(nonce[4:12], id[4:12])
	return nonce
}

func xor32(a, b [32]byte) [32]byte {
	var out [32]byte
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func lz4Compress(data []byte) ([]byte, error) {
	pool := GetGlobalBufferPool()
	scratch := pool.GetChunk()

	buf := bytes.NewBuffer(scratch[:0])
	w := lz4.NewWriter(buf)
	_, werr := w.Write(data)
	cerr := w.Close()

	var out []byte
	if werr == nil && cerr == nil {
		out = make([]byte, buf.Len())
		copy(out, buf.Bytes())
	}

	// The writer may have grown buf past scratch's capacity; zeroize the
	// full original allocation (not just scratch's current, possibly-zero
	// length) so no compressed fragment survives into the next borrower.
	pool.PutChunk(scratch[:cap(scratch)])

	if werr != nil {
		return nil, werr
	}
	if cerr != nil {
		return nil, cerr
	}
	return out, nil
}

func lz4Decompress(data []byte) ([]byte, error) {
	pool := GetGlobalBufferPool()
	scratch := pool.GetChunk()

	r := lz4.NewReader(bytes.NewReader(data))
	buf := bytes.NewBuffer(scratch[:0])
	_, err := buf.ReadFrom(r)

	var out []byte
	if err == nil {
		out = make([]byte, buf.Len())
		copy(out, buf.Bytes())
	}

	pool.PutChunk(scratch[:cap(scratch)])

	if err != nil {
		return nil, err
	}
	return out, nil
}
