package fetch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/tailhook/ciruela/id"
	"github.com/tailhook/ciruela/metadata/indexstore"
	"github.com/tailhook/ciruela/tracking"
)

func TestFetchDedupesConcurrentCallers(t *testing.T) {
	tr := tracking.New()
	idx := indexstore.New(t.TempDir())
	var calls int32
	remote := func(ctx context.Context, imageID id.ImageId) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		return []byte("payload"), nil
	}
	c := New(tr, idx, remote)
	imgID := id.ImageId{1}

	var wg sync.WaitGroup
	results := make([][]byte, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data, err := c.Fetch(context.Background(), imgID)
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = data
		}(i)
	}
	wg.Wait()

	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected exactly 1 remote call, got %d", calls)
	}
	for i, r := range results {
		if string(r) != "payload" {
			t.Fatalf("result %d: got %q", i, r)
		}
	}
}

func TestFetchPrefersLocalIndexStore(t *testing.T) {
	tr := tracking.New()
	idx := indexstore.New(t.TempDir())
	imgID := id.ImageId{2}
	if err := idx.WriteIfAbsent(chashFromImageID(imgID), []byte("from-disk")); err != nil {
		t.Fatal(err)
	}
	called := false
	c := New(tr, idx, func(ctx context.Context, i id.ImageId) ([]byte, error) {
		called = true
		return nil, nil
	})
	data, err := c.Fetch(context.Background(), imgID)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "from-disk" {
		t.Fatalf("got %q", data)
	}
	if called {
		t.Fatal("should not have called remote fetcher")
	}
}
