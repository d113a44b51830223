package crypto

import (
	"bytes"
	"testing"

	"github.com/infinitree/infinitree/internal/objectid"
)

func randKey(t *testing.T) [KeySize]byte {
	t.Helper()
	mk, err := NewMasterKey()
	if err != nil {
		t.Fatalf("NewMasterKey: %v", err)
	}
	return StorageKey(mk)
}

func TestEncryptDecryptChunk_RoundTrip(t *testing.T) {
	key := randKey(t)
	id, err := objectid.New()
	if err != nil {
		t.Fatalf("objectid.New: %v", err)
	}
	plaintext := []byte("the quick brown fox jumps over the lazy dog, repeated for bulk: " +
		"the quick brown fox jumps over the lazy dog")

	ciphertext, ptr, err := EncryptChunk(key, id, 0, plaintext)
	if err != nil {
		t.Fatalf("EncryptChunk: %v", err)
	}
	if ptr.ObjectID != id {
		t.Fatalf("pointer object id mismatch")
	}

	got, err := DecryptChunk(key, ptr, ciphertext)
	if err != nil {
		t.Fatalf("DecryptChunk: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

// TestEncryptChunk_Convergent verifies that identical plaintext, encrypted
// under the same subkey into the same object at the same offset, always
// produces identical ciphertext and pointer: this is what lets the dedup
// index recognize a repeat without ever seeing plaintext.
func TestEncryptChunk_Convergent(t *testing.T) {
	key := randKey(t)
	id, _ := objectid.New()
	plaintext := []byte("convergent encryption fingerprint data")

	c1, p1, err := EncryptChunk(key, id, 128, plaintext)
	if err != nil {
		t.Fatalf("EncryptChunk 1: %v", err)
	}
	c2, p2, err := EncryptChunk(key, id, 128, plaintext)
	if err != nil {
		t.Fatalf("EncryptChunk 2: %v", err)
	}

	if !bytes.Equal(c1, c2) {
		t.Fatalf("ciphertext not convergent")
	}
	if !p1.Equal(p2) {
		t.Fatalf("pointer not convergent: %+v vs %+v", p1, p2)
	}
}

// TestEncryptChunk_DifferentKeyDiverges verifies two different subkeys never
// produce the same ciphertext for the same plaintext, i.e. dedup never leaks
// across keyholders who don't share a subkey.
func TestEncryptChunk_DifferentKeyDiverges(t *testing.T) {
	keyA := randKey(t)
	keyB := randKey(t)
	id, _ := objectid.New()
	plaintext := []byte("shared plaintext, different keyholders")

	cA, _, err := EncryptChunk(keyA, id, 0, plaintext)
	if err != nil {
		t.Fatalf("EncryptChunk A: %v", err)
	}
	cB, _, err := EncryptChunk(keyB, id, 0, plaintext)
	if err != nil {
		t.Fatalf("EncryptChunk B: %v", err)
	}
	if bytes.Equal(cA, cB) {
		t.Fatalf("ciphertext converged across distinct keys")
	}
}

func TestDecryptChunk_TamperedBodyFailsAuth(t *testing.T) {
	key := randKey(t)
	id, _ := objectid.New()
	plaintext := []byte("tamper detection payload")

	ciphertext, ptr, err := EncryptChunk(key, id, 0, plaintext)
	if err != nil {
		t.Fatalf("EncryptChunk: %v", err)
	}

	tampered := append([]byte(nil), ciphertext...)
	tampered[0] ^= 0xFF

	if _, err := DecryptChunk(key, ptr, tampered); err == nil {
		t.Fatalf("expected authentication failure on tampered body")
	}
}

func TestDecryptChunk_TamperedTagFailsAuth(t *testing.T) {
	key := randKey(t)
	id, _ := objectid.New()
	plaintext := []byte("tag tamper payload")

	ciphertext, ptr, err := EncryptChunk(key, id, 0, plaintext)
	if err != nil {
		t.Fatalf("EncryptChunk: %v", err)
	}
	ptr.Tag[0] ^= 0xFF

	if _, err := DecryptChunk(key, ptr, ciphertext); err == nil {
		t.Fatalf("expected authentication failure on tampered tag")
	}
}

func TestDecryptChunk_WrongKeyFails(t *testing.T) {
	keyA := randKey(t)
	keyB := randKey(t)
	id, _ := objectid.New()
	plaintext := []byte("wrong keyholder should not decrypt this")

	ciphertext, ptr, err := EncryptChunk(keyA, id, 0, plaintext)
	if err != nil {
		t.Fatalf("EncryptChunk: %v", err)
	}

	if _, err := DecryptChunk(keyB, ptr, ciphertext); err == nil {
		t.Fatalf("expected decrypt under wrong key to fail")
	}
}

func TestDecryptChunk_SizeMismatchRejected(t *testing.T) {
	key := randKey(t)
	id, _ := objectid.New()
	plaintext := []byte("size mismatch payload")

	ciphertext, ptr, err := EncryptChunk(key, id, 0, plaintext)
	if err != nil {
		t.Fatalf("EncryptChunk: %v", err)
	}

	if _, err := DecryptChunk(key, ptr, ciphertext[:len(ciphertext)-1]); err == nil {
		t.Fatalf("expected size mismatch to be rejected before touching AEAD")
	}
}
