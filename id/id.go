// Package id defines the content-addressed image identifier.
package id

import (
	"encoding/hex"
	"fmt"
)

// Size is the fixed length, in bytes, of an ImageId.
const Size = 32

// ImageId is an opaque, fixed-length, content-addressed identifier minted by
// a signer. Equality is byte-equality.
type ImageId [Size]byte

// Parse decodes a hex-encoded image id. It fails if the decoded length does
// not equal Size.
func Parse(s string) (ImageId, error) {
	var id ImageId
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("parse image id %q: %w", s, err)
	}
	if len(raw) != Size {
		return id, fmt.Errorf("parse image id %q: want %d bytes, got %d", s, Size, len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// String returns the lowercase hex encoding of the id.
func (i ImageId) String() string {
	return hex.EncodeToString(i[:])
}

// Shard returns the first n hex characters of the id, used to shard the
// index store directory.
func (i ImageId) Shard(n int) string {
	s := i.String()
	if n > len(s) {
		n = len(s)
	}
	return s[:n]
}

// IsZero reports whether i is the zero value (never a valid minted id).
func (i ImageId) IsZero() bool {
	return i == ImageId{}
}
