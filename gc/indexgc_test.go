package gc_test

import (
	"context"
	"testing"

	"github.com/tailhook/ciruela/chash"
	"github.com/tailhook/ciruela/gc"
	"github.com/tailhook/ciruela/lock/flock"
	"github.com/tailhook/ciruela/metadata/indexstore"
)

func TestIndexModuleRemovesUnreferencedHashes(t *testing.T) {
	dir := t.TempDir()
	idx := indexstore.New(dir)

	kept := chash.MustForObject("kept")
	stale := chash.MustForObject("stale")
	if err := idx.WriteIfAbsent(kept, []byte("kept-data")); err != nil {
		t.Fatal(err)
	}
	if err := idx.WriteIfAbsent(stale, []byte("stale-data")); err != nil {
		t.Fatal(err)
	}

	locker := flock.New(dir + "/.gc.lock")
	mod := gc.NewIndexModule(locker, idx, func(context.Context) (map[chash.Hash]bool, error) {
		return map[chash.Hash]bool{kept: true}, nil
	})

	o := gc.New()
	gc.Register(o, mod)
	if err := o.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if has, _ := idx.Has(kept); !has {
		t.Fatal("want referenced hash kept")
	}
	if has, _ := idx.Has(stale); has {
		t.Fatal("want unreferenced hash removed")
	}
}
