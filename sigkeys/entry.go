package sigkeys

import (
	"bytes"
	"sort"
)

// SignatureEntry pairs a signature with the timestamp it was asserted at.
// The total order over entries is (timestamp, signature), used to sort and
// deduplicate the signature list kept in a persisted State.
type SignatureEntry struct {
	Timestamp int64     `cbor:"timestamp"`
	Signature Signature `cbor:"signature"`
}

// Less reports whether e sorts before o under the (timestamp, signature)
// total order.
func (e SignatureEntry) Less(o SignatureEntry) bool {
	if e.Timestamp != o.Timestamp {
		return e.Timestamp < o.Timestamp
	}
	return bytes.Compare(e.Signature, o.Signature) < 0
}

// Equal reports full equality of timestamp and signature bytes.
func (e SignatureEntry) Equal(o SignatureEntry) bool {
	return e.Timestamp == o.Timestamp && bytes.Equal(e.Signature, o.Signature)
}

// SortEntries sorts entries ascending by (timestamp, signature) in place.
func SortEntries(entries []SignatureEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Less(entries[j])
	})
}

// MergeEntries appends every entry from additional that is not already
// present (by Equal) in base, then re-sorts base. Returns the updated
// slice. Mirrors the original's append_signatures: idempotent under
// repeated merges of the same entries.
func MergeEntries(base []SignatureEntry, additional []SignatureEntry) []SignatureEntry {
	for _, add := range additional {
		found := false
		for _, have := range base {
			if have.Equal(add) {
				found = true
				break
			}
		}
		if !found {
			base = append(base, add)
		}
	}
	SortEntries(base)
	return base
}
