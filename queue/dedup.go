package queue

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/storqdev/storq/storage"
)

// dedupCacheSize bounds the local marker cache. Entries also age out on the
// dedup window, so the bound only matters under very wide windows.
const dedupCacheSize = 4096

// dedup tracks processed markers for one queue. The store key under done/
// is authoritative and shared by every worker; the local LRU is an
// advisory mirror that saves a read on the hot path. Markers exist so two
// workers racing the same message id inside the window cannot both get
// past the already-handled check, even when listings lag the store.
type dedup struct {
	store  storage.Adapter
	queue  string
	window time.Duration
	cache  *expirable.LRU[string, struct{}]
}

func newDedup(store storage.Adapter, queue string, window time.Duration) *dedup {
	return &dedup{
		store:  store,
		queue:  queue,
		window: window,
		cache:  expirable.NewLRU[string, struct{}](dedupCacheSize, nil, window),
	}
}

// seen reports whether a marker exists for the message id. A store error
// other than not-found counts as seen: the claim is skipped this round and
// retried once the store answers again.
func (d *dedup) seen(ctx context.Context, id string) bool {
	if _, ok := d.cache.Get(id); ok {
		return true
	}
	_, err := d.store.Get(ctx, doneKey(d.queue, id))
	if err == nil {
		d.cache.Add(id, struct{}{})
		return true
	}
	return !errors.Is(err, storage.ErrNotFound)
}

// mark writes the marker with the dedup window as TTL.
func (d *dedup) mark(ctx context.Context, id string) error {
	if _, err := d.store.Set(ctx, doneKey(d.queue, id), []byte(d.queue), storage.SetOptions{TTL: d.window}); err != nil {
		return err
	}
	d.cache.Add(id, struct{}{})
	return nil
}

// clear removes the marker. Retry and recovery call this when a message
// deliberately goes claimable again.
func (d *dedup) clear(ctx context.Context, id string) {
	d.cache.Remove(id)
	_ = d.store.Delete(ctx, doneKey(d.queue, id))
}
