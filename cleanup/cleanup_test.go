package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/tailhook/ciruela/config"
	"github.com/tailhook/ciruela/metadata/sigstore"
)

func TestSortOutPartitionsByKeepList(t *testing.T) {
	present := map[string]*sigstore.State{
		"v1": {}, "v2": {}, "v3": {},
	}
	used, unused := sortOut(&config.Directory{}, present, []string{"v2"})
	if len(used) != 1 || used[0] != "v2" {
		t.Fatalf("want used=[v2], got %v", used)
	}
	if len(unused) != 2 {
		t.Fatalf("want 2 unused, got %v", unused)
	}
}

func TestRunBaseSkipsRemovalDuringDryRunWindow(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DryRunWindow = time.Hour
	cfg.Dirs["releases"] = &config.Directory{AutoClean: true}

	var removed []string
	l := &Loop{
		cfg: cfg,
		images: func(key string) (map[string]*sigstore.State, error) {
			return map[string]*sigstore.State{"v1": {}}, nil
		},
		keep: func(key string) ([]string, error) { return nil, nil },
		remove: func(ctx context.Context, key, final string) error {
			removed = append(removed, final)
			return nil
		},
		started: time.Now(),
		queue:   make(chan Command, 8),
	}

	if err := l.runBase(context.Background(), "releases"); err != nil {
		t.Fatal(err)
	}
	if len(removed) != 0 {
		t.Fatalf("expected no removal during dry-run window, got %v", removed)
	}
}

func TestRunBaseRemovesAfterDryRunWindow(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.DryRunWindow = time.Millisecond
	cfg.Dirs["releases"] = &config.Directory{AutoClean: true}

	var removed []string
	l := &Loop{
		cfg: cfg,
		images: func(key string) (map[string]*sigstore.State, error) {
			return map[string]*sigstore.State{"v1": {}}, nil
		},
		keep: func(key string) ([]string, error) { return nil, nil },
		remove: func(ctx context.Context, key, final string) error {
			removed = append(removed, final)
			return nil
		},
		started: time.Now().Add(-time.Hour),
		queue:   make(chan Command, 8),
	}

	if err := l.runBase(context.Background(), "releases"); err != nil {
		t.Fatal(err)
	}
	if len(removed) != 1 || removed[0] != "v1" {
		t.Fatalf("want [v1] removed, got %v", removed)
	}
	if l.deletedSinceGC != 1 {
		t.Fatalf("want deletedSinceGC=1, got %d", l.deletedSinceGC)
	}
}
