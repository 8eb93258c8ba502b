// Package fetch coordinates concurrent requests for the same image index
// so that only one actually hits the metadata/indexstore or the network:
// grounded on the original daemon's tracking::fetch_dir shared-future
// design, reimplemented with golang.org/x/sync/singleflight instead of a
// hand-rolled shared future, and on tracking.Tracking's weak cache for the
// "someone else already has it in memory" fast path.
package fetch

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/tailhook/ciruela/chash"
	"github.com/tailhook/ciruela/id"
	"github.com/tailhook/ciruela/metadata/indexstore"
	"github.com/tailhook/ciruela/tracking"
)

// chashFromImageID reinterprets an ImageId as the index store's content
// key: the store is keyed directly by image id, which is itself a content
// hash of the index, not a separately computed chash.Hash.
func chashFromImageID(imageID id.ImageId) chash.Hash {
	return chash.Hash(imageID)
}

// RemoteFetcher retrieves index data for an image from a peer, used only
// when the index is absent both from the weak cache and the local index
// store. The transport implementation lives outside this module; callers
// inject it here.
type RemoteFetcher func(ctx context.Context, imageID id.ImageId) ([]byte, error)

// Coordinator deduplicates concurrent fetches of the same image.
type Coordinator struct {
	tracking *tracking.Tracking
	indexes  *indexstore.Store
	remote   RemoteFetcher
	group    singleflight.Group
}

// New returns a Coordinator backed by tr's weak cache, idx's persisted
// index store, and remote as the last-resort network fetch.
func New(tr *tracking.Tracking, idx *indexstore.Store, remote RemoteFetcher) *Coordinator {
	return &Coordinator{tracking: tr, indexes: idx, remote: remote}
}

// Fetch returns the index data for imageID, preferring (in order) the weak
// in-memory cache, the persisted index store, and finally the remote
// fetcher — with concurrent callers for the same imageID collapsed into a
// single remote fetch via singleflight.
func (c *Coordinator) Fetch(ctx context.Context, imageID id.ImageId) ([]byte, error) {
	if cached, ok := c.tracking.CachedImage(imageID); ok {
		return cached.Data, nil
	}

	if c.indexes != nil {
		data, ok, err := c.indexes.Read(chashFromImageID(imageID))
		if err != nil {
			return nil, fmt.Errorf("fetch: read local index: %w", err)
		}
		if ok {
			c.tracking.StoreWeak(imageID, &tracking.CachedIndex{ID: imageID, Data: data})
			return data, nil
		}
	}

	key := imageID.String()
	v, err, _ := c.group.Do(key, func() (any, error) {
		if c.remote == nil {
			return nil, fmt.Errorf("fetch: no remote fetcher configured for %s", imageID)
		}
		data, err := c.remote(ctx, imageID)
		if err != nil {
			return nil, fmt.Errorf("fetch: remote fetch %s: %w", imageID, err)
		}
		c.tracking.StoreWeak(imageID, &tracking.CachedIndex{ID: imageID, Data: data})
		if c.indexes != nil {
			if err := c.indexes.WriteIfAbsent(chashFromImageID(imageID), data); err != nil {
				return nil, fmt.Errorf("fetch: persist index %s: %w", imageID, err)
			}
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}
