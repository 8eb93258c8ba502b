// Package chash implements the fixed-width content hash used to compare
// BaseDirState snapshots and detect identical signed objects.
//
// Hashing is BLAKE2b-256 over the canonical CBOR encoding of the object, so
// ForObject is deterministic for equal values (field order, map key order
// and integer widths are fixed by the CBOR canonical encoding mode).
package chash

import (
	"encoding/hex"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"
)

// Size is the digest length in bytes.
const Size = 32

// Hash is a fixed-width digest over a canonical encoding of an object.
type Hash [Size]byte

var encMode = func() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	m, err := opts.EncMode()
	if err != nil {
		panic("chash: build canonical cbor enc mode: " + err.Error())
	}
	return m
}()

// ForObject computes the hash of the canonical CBOR encoding of v.
func ForObject(v any) (Hash, error) {
	var h Hash
	data, err := encMode.Marshal(v)
	if err != nil {
		return h, fmt.Errorf("chash: encode: %w", err)
	}
	h = blake2b.Sum256(data)
	return h, nil
}

// MustForObject is like ForObject but panics on encoding error. Only safe to
// call with values known to be CBOR-encodable (no channels, funcs, etc).
func MustForObject(v any) Hash {
	h, err := ForObject(v)
	if err != nil {
		panic(err)
	}
	return h
}

// String returns the lowercase hex encoding of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Parse decodes a hex-encoded hash. It fails if the decoded length does not
// equal Size.
func Parse(s string) (Hash, error) {
	var h Hash
	raw, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("chash: parse %q: %w", s, err)
	}
	if len(raw) != Size {
		return h, fmt.Errorf("chash: parse %q: want %d bytes, got %d", s, Size, len(raw))
	}
	copy(h[:], raw)
	return h, nil
}

// IsZero reports whether h is the zero value.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Equal reports whether h and o are the same digest.
func (h Hash) Equal(o Hash) bool {
	return h == o
}

// Builder accumulates bytes and fields incrementally before producing a
// final Hash, mirroring the original's HashBuilder for composing a digest
// out of several already-hashed or raw pieces.
type Builder struct {
	parts [][]byte
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// AddBytes appends a raw byte slice to the builder's input.
func (b *Builder) AddBytes(data []byte) *Builder {
	b.parts = append(b.parts, append([]byte(nil), data...))
	return b
}

// AddHash appends a previously computed Hash to the builder's input.
func (b *Builder) AddHash(h Hash) *Builder {
	return b.AddBytes(h[:])
}

// Build computes the final Hash over the concatenation of all added parts,
// each length-prefixed so the part boundaries are part of the input and
// differently split bytes give different hashes (e.g.
// AddBytes("ab").AddBytes("c") differs from AddBytes("abc")).
func (b *Builder) Build() Hash {
	hasher, err := blake2b.New256(nil)
	if err != nil {
		panic("chash: new blake2b hasher: " + err.Error())
	}
	for _, p := range b.parts {
		var lenBuf [8]byte
		putUint64(lenBuf[:], uint64(len(p)))
		hasher.Write(lenBuf[:]) //nolint:errcheck
		hasher.Write(p)         //nolint:errcheck
	}
	var h Hash
	copy(h[:], hasher.Sum(nil))
	return h
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (56 - 8*i))
	}
}
