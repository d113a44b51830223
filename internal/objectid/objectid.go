// Package objectid defines the 32-byte identifier every Object is named by.
package objectid

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
)

// Size is the length in bytes of an ObjectId.
const Size = 32

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// ID is a 32-byte object identifier, displayed in base32 when used as a
// filename or log field.
type ID [Size]byte

// New generates a fresh random ObjectId.
func New() (ID, error) {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		return ID{}, fmt.Errorf("failed to generate object id: %w", err)
	}
	return id, nil
}

// String returns the base32 (unpadded, uppercase) form of id.
func (id ID) String() string {
	return encoding.EncodeToString(id[:])
}

// Parse decodes a base32 string produced by String.
func Parse(s string) (ID, error) {
	b, err := encoding.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("invalid object id %q: %w", s, err)
	}
	if len(b) != Size {
		return ID{}, fmt.Errorf("invalid object id %q: expected %d bytes, got %d", s, Size, len(b))
	}
	var id ID
	copy(id[:], b)
	return id, nil
}

// IsZero reports whether id is the all-zero value (used as a sentinel for
// "no parent" / "not yet assigned").
func (id ID) IsZero() bool {
	return id == ID{}
}
