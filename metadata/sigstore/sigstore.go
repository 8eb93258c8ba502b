// Package sigstore implements the on-disk directory of per-virtual-path
// state files: one <final>.state file per admitted virtual path, sharded
// by VPath.ParentRel(), written through a named .new.state intermediate
// so the rename is the sole atomicity boundary.
package sigstore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"

	"github.com/tailhook/ciruela/id"
	"github.com/tailhook/ciruela/sigkeys"
	"github.com/tailhook/ciruela/utils"
)

// State is the persisted admission record for one VPath: an image id plus
// its ordered, deduplicated signature list.
type State struct {
	Image      id.ImageId              `cbor:"image"`
	Signatures []sigkeys.SignatureEntry `cbor:"signatures"`
}

// ErrCreateDirRace is returned by EnsureDir when two callers race to create
// the same shard directory and this caller lost.
var ErrCreateDirRace = errors.New("sigstore: create dir race")

// Store is the root of the signature store, rooted at a base directory
// (config.Config.SignaturesDir()).
type Store struct {
	root string
}

// New returns a Store rooted at root. The root directory is created lazily
// by EnsureDir, not here.
func New(root string) *Store {
	return &Store{root: root}
}

// Dir is a single shard directory (one per VPath.ParentRel()) within the
// store, on which all file operations below are relative.
type Dir struct {
	path string
}

// EnsureDir idempotently creates (and returns a handle to) the shard
// directory for parentRel. Concurrent callers both attempting to create
// the same missing directory is not an error for either; only a genuine
// conflicting failure (e.g. the path exists as a non-directory) surfaces
// as ErrCreateDirRace.
func (s *Store) EnsureDir(parentRel string) (*Dir, error) {
	full := filepath.Join(s.root, parentRel)
	if err := os.MkdirAll(full, 0o750); err != nil {
		if info, statErr := os.Stat(full); statErr == nil && info.IsDir() {
			// Lost the race against another MkdirAll, but the directory
			// exists now; that's fine.
			return &Dir{path: full}, nil
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrCreateDirRace, full, err)
	}
	return &Dir{path: full}, nil
}

// ReadFile reads and decodes the named state file. A missing file returns
// (nil, nil): "no persisted State" is not an error.
func (d *Dir) ReadFile(name string) (*State, error) {
	f, err := os.Open(filepath.Join(d.path, name)) //nolint:gosec // name is a validated final-name-derived filename
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("sigstore: open %s: %w", name, err)
	}
	defer f.Close() //nolint:errcheck

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("sigstore: read %s: %w", name, err)
	}
	var st State
	if err := cbor.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("sigstore: decode %s: %w", name, err)
	}
	return &st, nil
}

// ReplaceFile serializes v via CBOR and writes it to name through a
// temp-file-then-rename, so concurrent readers never observe a partial
// file.
func (d *Dir) ReplaceFile(name string, v *State) error {
	data, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("sigstore: encode %s: %w", name, err)
	}
	if err := utils.AtomicWriteFile(filepath.Join(d.path, name), data, 0o644); err != nil {
		return fmt.Errorf("sigstore: write %s: %w", name, err)
	}
	return nil
}

// Rename renames oldName to newName within the shard directory — the
// atomicity boundary for committing a .new.state to .state.
func (d *Dir) Rename(oldName, newName string) error {
	if err := os.Rename(filepath.Join(d.path, oldName), filepath.Join(d.path, newName)); err != nil {
		return fmt.Errorf("sigstore: rename %s -> %s: %w", oldName, newName, err)
	}
	return nil
}

// RemoveFile removes name from the shard directory. Removing an
// already-absent file is not an error (abort may race with a concurrent
// commit that already renamed it away).
func (d *Dir) RemoveFile(name string) error {
	if err := os.Remove(filepath.Join(d.path, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("sigstore: remove %s: %w", name, err)
	}
	return nil
}

// List returns the base names of every "*.state" file directly in the
// shard directory (no ".new.state" in-flight files), used by the cleanup
// loop to enumerate a base directory's present images.
func (d *Dir) List() ([]string, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("sigstore: list %s: %w", d.path, err)
	}
	var names []string
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || len(n) < len(".state") || n[len(n)-len(".state"):] != ".state" {
			continue
		}
		if len(n) >= len(".new.state") && n[len(n)-len(".new.state"):] == ".new.state" {
			continue
		}
		names = append(names, n[:len(n)-len(".state")])
	}
	return names, nil
}

// StateFileName returns the committed state file name for a final name.
func StateFileName(final string) string { return final + ".state" }

// NewStateFileName returns the in-flight state file name for a final name.
func NewStateFileName(final string) string { return final + ".new.state" }
