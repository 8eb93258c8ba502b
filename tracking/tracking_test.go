package tracking

import (
	"runtime"
	"testing"
	"time"

	"github.com/tailhook/ciruela/chash"
	"github.com/tailhook/ciruela/id"
	"github.com/tailhook/ciruela/vpath"
)

func mustVPath(t *testing.T, raw string) vpath.VPath {
	t.Helper()
	v, err := vpath.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestAnnounceFreshMovesToPending(t *testing.T) {
	tr := New()
	v := mustVPath(t, "/releases/v1")
	h := chash.MustForObject("x")
	e, changed := tr.Announce(v, h)
	if !changed || e.State != Pending {
		t.Fatalf("want Pending, got %+v changed=%v", e, changed)
	}
}

func TestAnnounceSameTargetWhileFetchingIsNoop(t *testing.T) {
	tr := New()
	v := mustVPath(t, "/releases/v1")
	h := chash.MustForObject("x")
	tr.Announce(v, h)
	if err := tr.Move(v, Fetching); err != nil {
		t.Fatal(err)
	}
	_, changed := tr.Announce(v, h)
	if changed {
		t.Fatal("expected no-op for duplicate announcement while fetching")
	}
	e, _ := tr.Get(v)
	if e.State != Fetching {
		t.Fatalf("expected state unchanged, got %s", e.State)
	}
}

func TestAnnounceDifferentTargetWhileFetchingAborts(t *testing.T) {
	tr := New()
	v := mustVPath(t, "/releases/v1")
	h1 := chash.MustForObject("x")
	h2 := chash.MustForObject("y")
	tr.Announce(v, h1)
	if err := tr.Move(v, Fetching); err != nil {
		t.Fatal(err)
	}
	e, changed := tr.Announce(v, h2)
	if !changed || e.State != Aborting {
		t.Fatalf("want Aborting, got %+v changed=%v", e, changed)
	}
	if !e.Target.Equal(h2) {
		t.Fatal("expected target updated to new hash")
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	tr := New()
	v := mustVPath(t, "/releases/v1")
	tr.Announce(v, chash.MustForObject("x"))
	if err := tr.Move(v, Done); err == nil {
		t.Fatal("expected error moving Pending -> Done directly")
	}
}

func TestWeakCacheServesWhileStronglyReferenced(t *testing.T) {
	tr := New()
	imgID := id.ImageId{1, 2, 3}
	idx := &CachedIndex{ID: imgID, Data: []byte("data")}
	tr.StoreWeak(imgID, idx)

	got, ok := tr.CachedImage(imgID)
	if !ok || got != idx {
		t.Fatal("expected cached index while strong ref alive")
	}

	idx = nil
	got = nil
	runtime.GC()
	runtime.GC()
	time.Sleep(10 * time.Millisecond)

	if _, ok := tr.CachedImage(imgID); ok {
		t.Log("weak reference was not yet collected; this is permitted nondeterminism of GC timing")
	}
}
