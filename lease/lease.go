// Package lease gives the queue and coordinator a shared vocabulary for
// named mutual exclusion on top of the store's lease primitive.
//
// Leases here are short-lived serialization points, not long-held locks:
// the claim path takes one per message id while it runs the dedup check,
// the dispatcher takes one per queue while it publishes tickets, and the
// election takes one while it writes the epoch. Holders that crash are
// covered by the TTL.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/storqdev/storq/storage"
)

// ErrHeld reports that the lease is currently owned elsewhere. Callers that
// use leases to serialize periodic work treat this as "skip this cycle".
var ErrHeld = errors.New("lease: held elsewhere")

// Handle is a held lease.
type Handle struct {
	lease *storage.Lease
}

// Name returns the lease name.
func (h *Handle) Name() string { return h.lease.Name }

// ExpiresAtMs returns when the store will reclaim the lease if unreleased.
func (h *Handle) ExpiresAtMs() int64 { return h.lease.ExpiresAtMs }

// Registry acquires and releases named leases against one store.
type Registry struct {
	store  storage.Adapter
	logger *zap.Logger
}

// NewRegistry returns a registry over store. A nil logger falls back to the
// no-op logger.
func NewRegistry(store storage.Adapter, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{store: store, logger: logger}
}

// Acquire takes the named lease with a single non-blocking attempt. A lease
// owned elsewhere returns ErrHeld.
func (r *Registry) Acquire(ctx context.Context, name string, ttl time.Duration) (*Handle, error) {
	return r.AcquireWait(ctx, name, ttl, 0)
}

// AcquireWait takes the named lease, retrying for up to wait.
func (r *Registry) AcquireWait(ctx context.Context, name string, ttl, wait time.Duration) (*Handle, error) {
	if name == "" {
		return nil, fmt.Errorf("lease name required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("lease ttl must be positive")
	}
	l, err := r.store.AcquireLease(ctx, name, storage.LeaseOptions{TTL: ttl, Wait: wait})
	if err != nil {
		if errors.Is(err, storage.ErrLeaseHeld) {
			return nil, ErrHeld
		}
		return nil, fmt.Errorf("acquire lease %s: %w", name, err)
	}
	return &Handle{lease: l}, nil
}

// Release returns the lease. Releases after expiry are no-ops; a stale token
// is logged and swallowed, since the lease has already moved on.
func (r *Registry) Release(ctx context.Context, h *Handle) {
	if h == nil {
		return
	}
	if err := r.store.ReleaseLease(ctx, h.lease); err != nil {
		if errors.Is(err, storage.ErrNotLeaseOwner) {
			r.logger.Debug("lease changed hands before release", zap.String("lease", h.lease.Name))
			return
		}
		r.logger.Warn("lease release failed", zap.String("lease", h.lease.Name), zap.Error(err))
	}
}

// With runs fn while holding the named lease and releases it afterwards.
// If the lease is owned elsewhere it returns ErrHeld without running fn.
func (r *Registry) With(ctx context.Context, name string, ttl time.Duration, fn func(ctx context.Context) error) error {
	h, err := r.Acquire(ctx, name, ttl)
	if err != nil {
		return err
	}
	defer r.Release(ctx, h)
	return fn(ctx)
}
