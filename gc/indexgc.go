package gc

import (
	"context"
	"fmt"

	"github.com/tailhook/ciruela/chash"
	"github.com/tailhook/ciruela/lock"
	"github.com/tailhook/ciruela/metadata/indexstore"
)

// IndexSnapshot is what the index module reads under lock before deciding
// what to collect: every hash currently on disk plus every hash still
// referenced by a live state file.
type IndexSnapshot struct {
	Present    []chash.Hash
	Referenced map[chash.Hash]bool
}

// NewIndexModule builds a Module that deletes index files no longer
// referenced by any live state file, mirroring the original's index-store
// walk-and-delete GC pass. referenced is called fresh on every cycle so it
// always reflects the current set of admitted images across every
// configured directory.
func NewIndexModule(locker lock.Locker, idx *indexstore.Store, referenced func(ctx context.Context) (map[chash.Hash]bool, error)) Module[IndexSnapshot] {
	return Module[IndexSnapshot]{
		Name:   "index",
		Locker: locker,
		ReadDB: func(ctx context.Context) (IndexSnapshot, error) {
			present, err := idx.List()
			if err != nil {
				return IndexSnapshot{}, fmt.Errorf("gc: list index store: %w", err)
			}
			refs, err := referenced(ctx)
			if err != nil {
				return IndexSnapshot{}, fmt.Errorf("gc: resolve referenced hashes: %w", err)
			}
			return IndexSnapshot{Present: present, Referenced: refs}, nil
		},
		Resolve: func(snap IndexSnapshot, _ map[string]any) []string {
			var stale []string
			for _, h := range snap.Present {
				if !snap.Referenced[h] {
					stale = append(stale, h.String())
				}
			}
			return stale
		},
		Collect: func(ctx context.Context, ids []string) error {
			for _, hexHash := range ids {
				h, err := chash.Parse(hexHash)
				if err != nil {
					continue
				}
				if err := idx.Remove(h); err != nil {
					return fmt.Errorf("gc: remove index %s: %w", hexHash, err)
				}
			}
			return nil
		},
	}
}
