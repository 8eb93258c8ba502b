package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/projecteru2/core/log"

	"github.com/tailhook/ciruela/chash"
	"github.com/tailhook/ciruela/cleanup"
	"github.com/tailhook/ciruela/config"
	"github.com/tailhook/ciruela/gc"
	"github.com/tailhook/ciruela/lock/flock"
	"github.com/tailhook/ciruela/metadata"
	"github.com/tailhook/ciruela/metadata/sigstore"
	jsonstore "github.com/tailhook/ciruela/storage/json"
	"github.com/tailhook/ciruela/utils"
	"github.com/tailhook/ciruela/vpath"
)

// runDaemon wires the metadata service, index GC module and cleanup loop
// against cfg's configured directories and blocks running the cleanup loop
// until ctx is cancelled.
func runDaemon(ctx context.Context) error {
	if err := utils.EnsureDirs(conf.RootDir, conf.SignaturesDir(), conf.IndexesDir()); err != nil {
		return fmt.Errorf("ensure root dirs: %w", err)
	}
	for key, dir := range conf.Dirs {
		if dir.BaseDir != "" {
			if err := utils.EnsureDirs(dir.BaseDir); err != nil {
				return fmt.Errorf("ensure base dir for %s: %w", key, err)
			}
		}
	}

	meta := metadata.New(conf)

	orch := gc.New()
	gc.Register(orch, gc.NewIndexModule(
		flock.New(filepath.Join(conf.RootDir, ".index-gc.lock")),
		meta.Indexes(),
		func(context.Context) (map[chash.Hash]bool, error) { return referencedHashes(conf, meta) },
	))

	loop := cleanup.New(conf, meta,
		imagesListerFor(meta),
		keepListerFor(conf),
		removerFor(conf, meta),
		orch,
	)

	log.WithFunc("runDaemon").Infof(ctx, "ciruelad starting, root=%s dirs=%d", conf.RootDir, len(conf.Dirs))
	return loop.Run(ctx)
}

// imagesListerFor lists every present final name and its persisted State for
// a configured directory key, by reading its signature-store shard
// directly. Directories with more than one path level would need to walk
// every intermediate shard; single-level directories (the common case) read
// straight from the key's own shard.
func imagesListerFor(meta *metadata.Meta) cleanup.ImagesLister {
	return func(key string) (map[string]*sigstore.State, error) {
		d, err := meta.Signatures().EnsureDir(key)
		if err != nil {
			return nil, fmt.Errorf("ciruelad: ensure shard for %s: %w", key, err)
		}
		names, err := d.List()
		if err != nil {
			return nil, fmt.Errorf("ciruelad: list shard for %s: %w", key, err)
		}
		out := make(map[string]*sigstore.State, len(names))
		for _, name := range names {
			st, err := d.ReadFile(sigstore.StateFileName(name))
			if err != nil {
				return nil, fmt.Errorf("ciruelad: read state %s/%s: %w", key, name, err)
			}
			if st != nil {
				out[name] = st
			}
		}
		return out, nil
	}
}

// keepListerFor reads a directory's keep-list from "<base_dir>/.keep.json",
// a flock-protected JSON array of final names. A missing keep-list file
// means nothing is pinned.
func keepListerFor(cfg *config.Config) cleanup.KeepLister {
	return func(key string) ([]string, error) {
		dirCfg, ok := cfg.DirectoryFor(key)
		if !ok || dirCfg.BaseDir == "" {
			return nil, nil
		}
		store := jsonstore.New[[]string](
			filepath.Join(dirCfg.BaseDir, ".keep.lock"),
			filepath.Join(dirCfg.BaseDir, ".keep.json"),
		)
		var keep []string
		err := store.With(context.Background(), func(data *[]string) error {
			keep = *data
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("ciruelad: read keep list for %s: %w", key, err)
		}
		return keep, nil
	}
}

// removerFor deletes a directory's committed state file and its on-disk
// final directory as one cleanup action.
func removerFor(cfg *config.Config, meta *metadata.Meta) cleanup.Remover {
	return func(ctx context.Context, key, finalName string) error {
		dirCfg, ok := cfg.DirectoryFor(key)
		if !ok {
			return fmt.Errorf("ciruelad: unconfigured directory %q", key)
		}
		vp := vpath.New(key, nil, finalName)
		d, err := meta.Signatures().EnsureDir(key)
		if err != nil {
			return fmt.Errorf("ciruelad: ensure shard for %s: %w", key, err)
		}
		if err := d.RemoveFile(sigstore.StateFileName(finalName)); err != nil {
			return fmt.Errorf("ciruelad: remove state for %s: %w", vp, err)
		}
		if dirCfg.BaseDir != "" {
			if err := os.RemoveAll(filepath.Join(dirCfg.BaseDir, finalName)); err != nil {
				return fmt.Errorf("ciruelad: remove final dir for %s: %w", vp, err)
			}
		}
		return nil
	}
}

// referencedHashes collects every image's index hash still named by a live
// state file, across every configured directory, so the index GC module can
// tell which on-disk index files are unreferenced.
func referencedHashes(cfg *config.Config, meta *metadata.Meta) (map[chash.Hash]bool, error) {
	refs := map[chash.Hash]bool{}
	for key := range cfg.Dirs {
		d, err := meta.Signatures().EnsureDir(key)
		if err != nil {
			return nil, fmt.Errorf("ciruelad: ensure shard for %s: %w", key, err)
		}
		names, err := d.List()
		if err != nil {
			return nil, fmt.Errorf("ciruelad: list shard for %s: %w", key, err)
		}
		for _, name := range names {
			st, err := d.ReadFile(sigstore.StateFileName(name))
			if err != nil {
				return nil, fmt.Errorf("ciruelad: read state %s/%s: %w", key, name, err)
			}
			if st != nil {
				refs[chash.Hash(st.Image)] = true
			}
		}
	}
	return refs, nil
}
