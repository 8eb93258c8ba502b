// Package index builds and parses the directory manifest that an image id
// names: the list of regular files under an uploaded directory, each split
// into fixed-size blocks and content-hashed, so a fetcher can walk the
// manifest and schedule one disk.WriteBlock call per block without reading
// the whole file into memory at once.
package index

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/fxamacker/cbor/v2"

	"github.com/tailhook/ciruela/chash"
	"github.com/tailhook/ciruela/id"
)

// DefaultBlockSize is used when a caller doesn't have a reason to pick a
// different one.
const DefaultBlockSize = 128 * 1024

// Block is one content-hashed, fixed-offset chunk of a file.
type Block struct {
	Offset int64     `cbor:"offset"`
	Size   int64     `cbor:"size"`
	Hash   chash.Hash `cbor:"hash"`
}

// Entry is one regular file within the manifest, relative to the uploaded
// directory's root.
type Entry struct {
	Path   string  `cbor:"path"`
	Mode   uint32  `cbor:"mode"`
	Size   int64   `cbor:"size"`
	Blocks []Block `cbor:"blocks"`
}

// Manifest is the full directory tree being synced: every regular file plus
// its block layout. Directory entries themselves aren't recorded; a
// directory exists implicitly wherever a file's Path has it as a prefix.
type Manifest struct {
	BlockSize int64   `cbor:"block_size"`
	Entries   []Entry `cbor:"entries"`
}

var encMode = func() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	m, err := opts.EncMode()
	if err != nil {
		panic("index: build canonical cbor enc mode: " + err.Error())
	}
	return m
}()

// Build walks root and produces a Manifest plus its canonical encoding and
// content-derived image id. Entries are sorted by path so the encoding (and
// therefore the id) doesn't depend on directory read order.
func Build(root string, blockSize int64) (*Manifest, []byte, id.ImageId, error) {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	m := &Manifest{BlockSize: blockSize}

	err := filepath.Walk(root, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if info.IsDir() {
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("index: relativize %s: %w", path, err)
		}
		entry, err := buildEntry(path, filepath.ToSlash(rel), info, blockSize)
		if err != nil {
			return err
		}
		m.Entries = append(m.Entries, entry)
		return nil
	})
	if err != nil {
		return nil, nil, id.ImageId{}, fmt.Errorf("index: build %s: %w", root, err)
	}

	sort.Slice(m.Entries, func(i, j int) bool { return m.Entries[i].Path < m.Entries[j].Path })

	data, err := encMode.Marshal(m)
	if err != nil {
		return nil, nil, id.ImageId{}, fmt.Errorf("index: encode manifest: %w", err)
	}
	return m, data, id.ImageId(chash.MustForObject(m)), nil
}

func buildEntry(path, rel string, info os.FileInfo, blockSize int64) (Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return Entry{}, fmt.Errorf("index: open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	entry := Entry{Path: rel, Mode: uint32(info.Mode().Perm()), Size: info.Size()}
	buf := make([]byte, blockSize)
	var offset int64
	for {
		n, readErr := io.ReadFull(f, buf)
		if n > 0 {
			h, hashErr := chash.ForObject(buf[:n])
			if hashErr != nil {
				return Entry{}, fmt.Errorf("index: hash block of %s: %w", path, hashErr)
			}
			entry.Blocks = append(entry.Blocks, Block{
				Offset: offset,
				Size:   int64(n),
				Hash:   h,
			})
			offset += int64(n)
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return Entry{}, fmt.Errorf("index: read %s: %w", path, readErr)
		}
	}
	return entry, nil
}

// Parse decodes manifest bytes previously produced by Build (or fetched
// from a peer and persisted by the index store).
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := cbor.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("index: decode manifest: %w", err)
	}
	return &m, nil
}

// TotalBlocks returns the number of blocks across every entry.
func (m *Manifest) TotalBlocks() int {
	n := 0
	for _, e := range m.Entries {
		n += len(e.Blocks)
	}
	return n
}
