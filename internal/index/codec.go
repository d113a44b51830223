package index

import (
	"encoding/binary"
	"fmt"
)

// Uint64Codec encodes a uint64 as 8 big-endian bytes.
func Uint64Codec() Codec[uint64] {
	return Codec[uint64]{
		Encode: func(v uint64) ([]byte, error) {
			b := make([]byte, 8)
			binary.BigEndian.PutUint64(b, v)
			return b, nil
		},
		Decode: func(b []byte) (uint64, error) {
			if len(b) != 8 {
				return 0, fmt.Errorf("uint64 codec: expected 8 bytes, got %d", len(b))
			}
			return binary.BigEndian.Uint64(b), nil
		},
	}
}

// StringCodec encodes a string as its raw UTF-8 bytes.
func StringCodec() Codec[string] {
	return Codec[string]{
		Encode: func(v string) ([]byte, error) { return []byte(v), nil },
		Decode: func(b []byte) (string, error) { return string(b), nil },
	}
}

// BytesCodec passes raw bytes through unchanged.
func BytesCodec() Codec[[]byte] {
	return Codec[[]byte]{
		Encode: func(v []byte) ([]byte, error) { return v, nil },
		Decode: func(b []byte) ([]byte, error) { return b, nil },
	}
}
