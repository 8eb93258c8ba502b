// Package indexstore implements the content-addressed directory-manifest
// index store: one file per distinct chash.Hash, sharded by the first
// byte of its hex form, written once and never modified.
package indexstore

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/tailhook/ciruela/chash"
	"github.com/tailhook/ciruela/utils"
)

// Store is the root of the index store, rooted at config.Config.IndexesDir().
type Store struct {
	root string
}

// New returns a Store rooted at root.
func New(root string) *Store {
	return &Store{root: root}
}

// ext is the on-disk suffix for an index file, matching the original
// dir_signature crate's ".ds1" format version tag.
const ext = ".ds1"

func (s *Store) pathFor(h chash.Hash) string {
	hex := h.String()
	return filepath.Join(s.root, hex[:2], hex+ext)
}

// Has reports whether an index for h is already present.
func (s *Store) Has(h chash.Hash) (bool, error) {
	_, err := os.Stat(s.pathFor(h))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("indexstore: stat %s: %w", h, err)
}

// Read returns the raw index bytes for h. Returns (nil, false, nil) if no
// index for h exists, mirroring the original's IndexNotFound classification
// without promoting "absent" to an error.
func (s *Store) Read(h chash.Hash) ([]byte, bool, error) {
	f, err := os.Open(s.pathFor(h)) //nolint:gosec // path is derived from a validated Hash
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("indexstore: open %s: %w", h, err)
	}
	defer f.Close() //nolint:errcheck

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, false, fmt.Errorf("indexstore: read %s: %w", h, err)
	}
	return data, true, nil
}

// WriteIfAbsent writes data under h only if no index for h already exists,
// matching store_index.rs's write-once semantics: a second writer
// uploading bit-identical content for the same hash is a harmless no-op,
// not an error.
func (s *Store) WriteIfAbsent(h chash.Hash, data []byte) error {
	have, err := s.Has(h)
	if err != nil {
		return err
	}
	if have {
		return nil
	}
	dir := filepath.Join(s.root, h.String()[:2])
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("indexstore: mkdir %s: %w", dir, err)
	}
	if err := utils.AtomicWriteFile(s.pathFor(h), data, 0o444); err != nil {
		// A concurrent writer may have won the race between Has and here;
		// re-check before treating the rename failure as a real error.
		if have2, hErr := s.Has(h); hErr == nil && have2 {
			return nil
		}
		return fmt.Errorf("indexstore: write %s: %w", h, err)
	}
	return nil
}

// List enumerates every hash currently present in the store, across all
// shard directories. Used by the index GC pass to find candidates for
// removal.
func (s *Store) List() ([]chash.Hash, error) {
	shards, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("indexstore: list %s: %w", s.root, err)
	}
	var hashes []chash.Hash
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(s.root, shard.Name()))
		if err != nil {
			return nil, fmt.Errorf("indexstore: list shard %s: %w", shard.Name(), err)
		}
		for _, f := range files {
			name := f.Name()
			if f.IsDir() || len(name) <= len(ext) || name[len(name)-len(ext):] != ext {
				continue
			}
			raw, err := hex.DecodeString(name[:len(name)-len(ext)])
			if err != nil || len(raw) != chash.Size {
				continue
			}
			var h chash.Hash
			copy(h[:], raw)
			hashes = append(hashes, h)
		}
	}
	return hashes, nil
}

// Remove deletes the index file for h. Removing an already-absent index is
// not an error.
func (s *Store) Remove(h chash.Hash) error {
	if err := os.Remove(s.pathFor(h)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("indexstore: remove %s: %w", h, err)
	}
	return nil
}
