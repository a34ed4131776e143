package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by every Adapter implementation. Callers match
// them with errors.Is; anything else coming out of an adapter is treated as
// a transient storage failure.
var (
	// ErrNotFound reports that a key is absent or has expired.
	ErrNotFound = errors.New("storage: key not found")
	// ErrVersionMismatch reports a conditional write that lost its race.
	ErrVersionMismatch = errors.New("storage: version mismatch")
	// ErrLeaseHeld reports that a lease is owned elsewhere and the wait
	// budget ran out.
	ErrLeaseHeld = errors.New("storage: lease held")
	// ErrNotLeaseOwner reports a release attempt with a stale token.
	ErrNotLeaseOwner = errors.New("storage: not lease owner")
)

// Record is a stored value together with the opaque version tag the store
// assigned to it. Tags change on every successful write and mean nothing
// beyond equality.
type Record struct {
	Value   []byte
	Version string
}

// KV pairs a key with its record in listing results.
type KV struct {
	Key    string
	Record Record
}

// SetOptions controls a single write.
type SetOptions struct {
	// TTL expires the key after the given duration. Zero means no expiry.
	TTL time.Duration
	// IfVersion makes the write conditional on the key's current version
	// tag. An absent key never matches. Empty disables the check.
	IfVersion string
	// IfAbsent makes the write succeed only when the key does not exist.
	IfAbsent bool
}

// LeaseOptions controls lease acquisition.
type LeaseOptions struct {
	// TTL bounds how long the lease survives without release, so a crashed
	// holder cannot block others forever.
	TTL time.Duration
	// Wait bounds how long to keep retrying when the lease is held. Zero
	// means a single non-blocking attempt.
	Wait time.Duration
}

// Lease is a held named lock. It is plain data; release goes back through
// the adapter that issued it.
type Lease struct {
	Name        string
	Token       string
	ExpiresAtMs int64
}

// Adapter is the complete store contract the queue is built on: get/set/
// delete with optional TTL, conditional writes keyed by an opaque version
// tag, prefix listing, and short-lived named leases. Nothing stronger is
// assumed; in particular, listings may lag writes.
type Adapter interface {
	// Get returns the record at key, or ErrNotFound.
	Get(ctx context.Context, key string) (Record, error)

	// Set writes value at key per opts and returns the new version tag.
	// A failed IfVersion or IfAbsent condition returns ErrVersionMismatch.
	Set(ctx context.Context, key string, value []byte, opts SetOptions) (string, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all live records whose key starts with prefix, in
	// unspecified order.
	List(ctx context.Context, prefix string) ([]KV, error)

	// AcquireLease takes the named lease, waiting up to opts.Wait. It
	// returns ErrLeaseHeld when the lease stays owned elsewhere.
	AcquireLease(ctx context.Context, name string, opts LeaseOptions) (*Lease, error)

	// ReleaseLease releases a held lease. Releasing an already expired
	// lease is a no-op; releasing one that changed hands returns
	// ErrNotLeaseOwner.
	ReleaseLease(ctx context.Context, lease *Lease) error

	// Close releases adapter resources.
	Close() error
}
