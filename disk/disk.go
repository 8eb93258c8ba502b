// Package disk implements the blocking filesystem side of an upload: it
// owns a goroutine pool so that temp-directory creation, block writes, and
// the final commit rename never run on the coordination goroutines that
// drive the state machine in package tracking.
package disk

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/panjf2000/ants/v2"

	"github.com/tailhook/ciruela/chash"
	"github.com/tailhook/ciruela/metadata/indexstore"
	"github.com/tailhook/ciruela/vpath"
)

// Disk owns the bounded worker pool backing every blocking filesystem
// operation for image assembly.
type Disk struct {
	pool *ants.Pool
	idx  *indexstore.Store
}

// New creates a Disk with a pool of numThreads workers.
func New(numThreads int, idx *indexstore.Store) (*Disk, error) {
	pool, err := ants.NewPool(numThreads)
	if err != nil {
		return nil, fmt.Errorf("disk: create pool: %w", err)
	}
	return &Disk{pool: pool, idx: idx}, nil
}

// Close releases the worker pool. Safe to call once all in-flight Images
// have been committed or aborted.
func (d *Disk) Close() {
	if d.pool != nil {
		d.pool.Release()
	}
}

// Image is an in-progress upload: a temporary directory under the base
// directory that block writes land in, committed (renamed into place) or
// discarded (removed) as a single terminal step.
type Image struct {
	VirtualPath  vpath.VPath
	BaseDir      string
	TempName     string
	tempDir      string
	finalDir     string
	IndexData []byte
	IndexHash chash.Hash
}

// run submits fn to the pool and blocks the caller until it completes,
// standing in for the original daemon's CpuPool::spawn_fn futures: every
// exported Disk method is synchronous from the caller's point of view but
// never runs on the caller's own goroutine.
func (d *Disk) run(fn func() error) error {
	done := make(chan error, 1)
	err := d.pool.Submit(func() {
		done <- fn()
	})
	if err != nil {
		return fmt.Errorf("disk: submit: %w", err)
	}
	return <-done
}

// StartImage creates the shadow ".tmp.<final>" directory under baseDir that
// subsequent WriteBlock calls target, validating that virtualPath's final
// component cannot escape baseDir via path traversal.
func (d *Disk) StartImage(baseDir string, virtualPath vpath.VPath, indexData []byte, indexHash chash.Hash) (*Image, error) {
	final := virtualPath.FinalName()
	if final == "" || final == "." || final == ".." || strings.ContainsAny(final, "/\\") {
		return nil, fmt.Errorf("disk: invalid final name %q", final)
	}
	parentDir := filepath.Join(baseDir, virtualPath.ParentRel())
	tmpName := ".tmp." + final
	tempDir := filepath.Join(parentDir, tmpName)
	finalDir := filepath.Join(parentDir, final)

	img := &Image{
		VirtualPath: virtualPath,
		BaseDir:     baseDir,
		TempName:    tmpName,
		tempDir:     tempDir,
		finalDir:    finalDir,
		IndexData:   indexData,
		IndexHash:   indexHash,
	}
	err := d.run(func() error {
		if err := os.MkdirAll(parentDir, 0o755); err != nil {
			return fmt.Errorf("disk: ensure parent %s: %w", parentDir, err)
		}
		if err := os.RemoveAll(tempDir); err != nil {
			return fmt.Errorf("disk: clear stale temp %s: %w", tempDir, err)
		}
		if err := os.MkdirAll(tempDir, 0o755); err != nil {
			return fmt.Errorf("disk: create temp %s: %w", tempDir, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return img, nil
}

// WriteBlock writes block at offset to relPath (a path relative to the
// image's virtual directory, e.g. "subdir/file.bin") inside the image's
// temporary directory, creating intermediate directories as needed.
func (d *Disk) WriteBlock(img *Image, relPath string, offset int64, block []byte) error {
	clean := filepath.Clean(relPath)
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return fmt.Errorf("disk: invalid block path %q", relPath)
	}
	full := filepath.Join(img.tempDir, clean)
	if !strings.HasPrefix(full, img.tempDir+string(filepath.Separator)) && full != img.tempDir {
		return fmt.Errorf("disk: block path escapes temp dir: %q", relPath)
	}
	return d.run(func() error {
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return fmt.Errorf("disk: ensure dir for %s: %w", relPath, err)
		}
		f, err := os.OpenFile(full, os.O_CREATE|os.O_WRONLY, 0o644) //nolint:gosec // full is contained within img.tempDir
		if err != nil {
			return fmt.Errorf("disk: open %s: %w", relPath, err)
		}
		defer f.Close() //nolint:errcheck

		if _, err := f.WriteAt(block, offset); err != nil {
			return fmt.Errorf("disk: write %s at %d: %w", relPath, offset, err)
		}
		return nil
	})
}

// CommitImage persists the index to the index store, removes any directory
// that previously occupied the final place (a ReplaceDir committing over an
// old image), then renames the temporary directory into it. The rename is
// atomic; the removal before it is a separate step, so when an old image is
// replaced the final path is briefly absent.
func (d *Disk) CommitImage(img *Image) error {
	return d.run(func() error {
		if d.idx != nil && len(img.IndexData) > 0 {
			if err := d.idx.WriteIfAbsent(img.IndexHash, img.IndexData); err != nil {
				return fmt.Errorf("disk: persist index: %w", err)
			}
		}
		if err := os.RemoveAll(img.finalDir); err != nil {
			return fmt.Errorf("disk: clear previous final dir %s: %w", img.finalDir, err)
		}
		if err := os.Rename(img.tempDir, img.finalDir); err != nil {
			return fmt.Errorf("disk: commit %s: %w", img.finalDir, err)
		}
		return nil
	})
}

// AbortImage discards the image's temporary directory entirely.
func (d *Disk) AbortImage(img *Image) error {
	return d.run(func() error {
		if err := os.RemoveAll(img.tempDir); err != nil {
			return fmt.Errorf("disk: abort %s: %w", img.tempDir, err)
		}
		return nil
	})
}
