// Package cleanup implements the base-directory eviction and index
// garbage-collection loop: every directory configured with
// AutoClean is periodically rescanned, its images with persisted state are
// partitioned into used/unused by the keep list, and unused ones are
// removed — subject to a
// dry-run window right after startup so a daemon restart never deletes
// something a peer just hasn't re-announced yet.
//
// The per-subsystem GC pass itself is delegated to gc.Orchestrator,
// adapted from its original OCI-image-blob use to directory images.
package cleanup

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/tailhook/ciruela/config"
	"github.com/tailhook/ciruela/gc"
	"github.com/tailhook/ciruela/metadata"
	"github.com/tailhook/ciruela/metadata/sigstore"
	"github.com/tailhook/ciruela/vpath"
)

// Command is one unit of work on the cleanup loop's queue.
type Command interface{ isCommand() }

// BaseCommand requests an eviction scan of one configured base directory.
type BaseCommand struct {
	Key string
}

func (BaseCommand) isCommand() {}

// IndexGcCommand requests a garbage-collection pass over the index store.
type IndexGcCommand struct{}

func (IndexGcCommand) isCommand() {}

// RescheduleCommand re-evaluates which base dirs need a scan this tick and
// re-arms itself after cfg.RescheduleInterval.
type RescheduleCommand struct{}

func (RescheduleCommand) isCommand() {}

// ImagesLister returns every currently present final-directory name and its
// State, keyed by final name, for one configured directory's base.
type ImagesLister func(key string) (map[string]*sigstore.State, error)

// KeepLister returns the set of final names that must never be evicted
// regardless of age (the directory's "keep list").
type KeepLister func(key string) ([]string, error)

// Remover deletes one admitted final directory's persisted state and its
// on-disk image once cleanup has decided it is unused.
type Remover func(ctx context.Context, key string, finalName string) error

// Loop drives the periodic cleanup cycle.
type Loop struct {
	cfg     *config.Config
	meta    *metadata.Meta
	images  ImagesLister
	keep    KeepLister
	remove  Remover
	orch    *gc.Orchestrator
	started time.Time

	mu                 sync.Mutex
	deletedSinceGC     int
	lastIndexGC        time.Time
	queue              chan Command
}

// New constructs a Loop. orch may be nil if no GC modules are registered;
// IndexGc then only records the time of the pass and removes nothing.
func New(cfg *config.Config, meta *metadata.Meta, images ImagesLister, keep KeepLister, remove Remover, orch *gc.Orchestrator) *Loop {
	return &Loop{
		cfg:     cfg,
		meta:    meta,
		images:  images,
		keep:    keep,
		remove:  remove,
		orch:    orch,
		started: startTime(),
		queue:   make(chan Command, 64),
	}
}

// startTime exists only so tests can observe it; wall-clock time is read
// exactly once here rather than sprinkled through the package.
func startTime() time.Time { return time.Now() }

// dryRun reports whether the dry-run window is still in effect: deletions
// are computed and logged, but not applied.
func (l *Loop) dryRun() bool {
	return time.Since(l.started) < l.cfg.DryRunWindow
}

// Run processes commands from the queue until ctx is cancelled, and
// self-schedules the first Reschedule tick.
func (l *Loop) Run(ctx context.Context) error {
	l.queue <- RescheduleCommand{}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-l.queue:
			if err := l.handle(ctx, cmd); err != nil {
				log.WithFunc("cleanup.Run").Errorf(ctx, "cleanup error: %v", err)
			}
		}
	}
}

// Enqueue pushes a command onto the loop's queue, matching the original's
// unbounded_send (always succeeds and never blocks the producer: once the
// buffered queue is full, the command is handed to a goroutine that delivers
// it when room frees up).
func (l *Loop) Enqueue(cmd Command) {
	select {
	case l.queue <- cmd:
	default:
		go func() { l.queue <- cmd }()
	}
}

func (l *Loop) handle(ctx context.Context, cmd Command) error {
	switch c := cmd.(type) {
	case BaseCommand:
		return l.runBase(ctx, c.Key)
	case IndexGcCommand:
		return l.runIndexGC(ctx)
	case RescheduleCommand:
		return l.runReschedule(ctx)
	default:
		return fmt.Errorf("cleanup: unknown command %T", cmd)
	}
}

func (l *Loop) runReschedule(ctx context.Context) error {
	logger := log.WithFunc("cleanup.runReschedule")
	l.mu.Lock()
	shouldIndexGC := l.cfg.AggressiveIndexGC || l.deletedSinceGC >= l.cfg.DeletedSinceIndexGCThreshold
	if shouldIndexGC {
		l.deletedSinceGC = 0
	}
	l.mu.Unlock()

	logger.Debugf(ctx, "rescheduling %d base dirs", len(l.cfg.Dirs))
	if shouldIndexGC {
		l.Enqueue(IndexGcCommand{})
	}
	for key, dir := range l.cfg.Dirs {
		if dir.AutoClean {
			l.Enqueue(BaseCommand{Key: key})
		}
	}

	go func() {
		select {
		case <-time.After(l.cfg.RescheduleInterval):
			l.Enqueue(RescheduleCommand{})
		case <-ctx.Done():
		}
	}()
	return nil
}

func (l *Loop) runIndexGC(ctx context.Context) error {
	logger := log.WithFunc("cleanup.runIndexGC")
	if l.orch != nil {
		if err := l.orch.Run(ctx); err != nil {
			logger.Errorf(ctx, "index gc: %v", err)
		}
	}
	l.mu.Lock()
	l.lastIndexGC = time.Now()
	l.mu.Unlock()
	return nil
}

func (l *Loop) runBase(ctx context.Context, key string) error {
	logger := log.WithFunc("cleanup.runBase")
	dirCfg, ok := l.cfg.DirectoryFor(key)
	if !ok {
		return fmt.Errorf("cleanup: unconfigured directory %q", key)
	}

	present, err := l.images(key)
	if err != nil {
		return fmt.Errorf("cleanup: list images for %s: %w", key, err)
	}
	keepList, err := l.keep(key)
	if err != nil {
		return fmt.Errorf("cleanup: read keep list for %s: %w", key, err)
	}

	used, unused := sortOut(dirCfg, present, keepList)
	if len(unused) > 0 {
		logger.Infof(ctx, "sorted out %s: used %d, unused %d, keep_list %d. %s",
			key, len(used), len(unused), len(keepList), dryRunNote(l.dryRun()))
	} else {
		logger.Debugf(ctx, "sorted out %s: used %d, unused %d, keep_list %d. nothing to do",
			key, len(used), len(unused), len(keepList))
	}

	if l.dryRun() {
		return nil
	}

	for _, name := range unused {
		vp := vpath.New(key, nil, name)
		logger.Warnf(ctx, "removing %s", vp)
		if err := l.remove(ctx, key, name); err != nil {
			logger.Errorf(ctx, "remove %s: %v", vp, err)
			continue
		}
		l.mu.Lock()
		l.deletedSinceGC++
		l.mu.Unlock()
	}
	return nil
}

func dryRunNote(dry bool) string {
	if dry {
		return "dry run; will apply after the startup window elapses"
	}
	return "cleaning"
}

// sortOut partitions present into used and unused final names: unused means
// absent from keepList. TODO: age-based grace period beyond "keep list
// wins" once a retention window is defined.
func sortOut(dirCfg *config.Directory, present map[string]*sigstore.State, keepList []string) (used, unused []string) {
	keep := make(map[string]bool, len(keepList))
	for _, k := range keepList {
		keep[k] = true
	}
	for name := range present {
		if keep[name] {
			used = append(used, name)
		} else {
			unused = append(unused, name)
		}
	}
	sort.Strings(used)
	sort.Strings(unused)
	return used, unused
}
