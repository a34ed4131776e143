// Package pebblestore implements storage.Adapter on an embedded Pebble
// database.
//
// Every record is stored as a JSON envelope carrying the version tag, an
// optional expiry, and the raw value. Conditional writes are serialized by a
// store-wide mutex (Pebble itself has no compare-and-swap), which is cheap
// because this adapter only ever serves a single process. Expired records
// are filtered lazily on read and reclaimed by an optional sweeper.
//
// Leases live under a reserved "!lease/" keyspace using the same envelope,
// with the lease token as the value.
package pebblestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/storqdev/storq/storage"
)

// FsyncMode defines durability behavior for write operations.
type FsyncMode int

const (
	FsyncModeUnspecified FsyncMode = iota
	// FsyncModeAlways requests a WAL fsync on each committed write.
	FsyncModeAlways
	// FsyncModeInterval enables group-commit by allowing Pebble to coalesce
	// WAL syncs for operations within the configured interval.
	FsyncModeInterval
	// FsyncModeNever avoids forcing WAL syncs from the application. Pebble
	// may still sync based on its own policies.
	FsyncModeNever
)

// Options configures the Pebble adapter.
type Options struct {
	// DataDir is the path to the Pebble database directory.
	DataDir string
	// Fsync determines when to sync the WAL.
	Fsync FsyncMode
	// FsyncInterval controls group-commit when Fsync=FsyncModeInterval.
	FsyncInterval time.Duration
	// PebbleOptions allows advanced tuning. If nil, defaults are used.
	PebbleOptions *pebble.Options
	// Metrics allows observing read/write latencies and sizes. Optional.
	Metrics MetricsHook
}

// MetricsHook is a minimal hook surface for storage observations.
type MetricsHook interface {
	ObserveWrite(elapsed time.Duration, bytes int)
	ObserveRead(elapsed time.Duration, bytes int)
}

// NoopMetrics is used when no metrics hook is provided.
type NoopMetrics struct{}

func (NoopMetrics) ObserveWrite(time.Duration, int) {}
func (NoopMetrics) ObserveRead(time.Duration, int)  {}

const leasePrefix = "!lease/"

// envelope is the on-disk record frame.
type envelope struct {
	Version     string `json:"version"`
	ExpiresAtMs int64  `json:"expiresAtMs,omitempty"`
	Value       []byte `json:"value,omitempty"`
}

// Store implements storage.Adapter on Pebble.
type Store struct {
	db        *pebble.DB
	writeSync bool
	metrics   MetricsHook
	nowMs     func() int64

	// mu serializes read-modify-write cycles; Pebble has no native CAS.
	mu sync.Mutex

	sweepMu     sync.Mutex
	sweepCancel context.CancelFunc
	sweepWG     sync.WaitGroup
}

var _ storage.Adapter = (*Store)(nil)

// Open creates or opens a Pebble-backed store at opts.DataDir.
func Open(opts Options) (*Store, error) {
	if opts.DataDir == "" {
		return nil, errors.New("pebblestore: Options.DataDir is required")
	}

	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}
	switch opts.Fsync {
	case FsyncModeAlways:
		// Sync is requested per commit; no group-commit window.
	case FsyncModeInterval:
		if opts.FsyncInterval <= 0 {
			opts.FsyncInterval = 5 * time.Millisecond
		}
		interval := opts.FsyncInterval
		po.WALMinSyncInterval = func() time.Duration { return interval }
	case FsyncModeNever:
	default:
		po.WALMinSyncInterval = func() time.Duration { return 5 * time.Millisecond }
	}

	inner, err := pebble.Open(opts.DataDir, po)
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &Store{
		db:        inner,
		writeSync: opts.Fsync == FsyncModeAlways,
		metrics:   metrics,
		nowMs:     func() int64 { return time.Now().UnixMilli() },
	}, nil
}

func (s *Store) Get(ctx context.Context, key string) (storage.Record, error) {
	if err := ctx.Err(); err != nil {
		return storage.Record{}, err
	}
	start := time.Now()
	env, err := s.read(key)
	if err != nil {
		return storage.Record{}, err
	}
	if env == nil {
		return storage.Record{}, storage.ErrNotFound
	}
	s.metrics.ObserveRead(time.Since(start), len(env.Value))
	return storage.Record{Value: env.Value, Version: env.Version}, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, opts storage.SetOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.read(key)
	if err != nil {
		return "", err
	}
	if opts.IfAbsent && cur != nil {
		return "", storage.ErrVersionMismatch
	}
	if opts.IfVersion != "" {
		if cur == nil || cur.Version != opts.IfVersion {
			return "", storage.ErrVersionMismatch
		}
	}

	env := envelope{Version: uuid.NewString(), Value: value}
	if opts.TTL > 0 {
		env.ExpiresAtMs = s.nowMs() + opts.TTL.Milliseconds()
	}
	if err := s.write(key, env); err != nil {
		return "", err
	}
	return env.Version, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commit(func(b *pebble.Batch) error { return b.Delete([]byte(key), nil) })
}

func (s *Store) List(ctx context.Context, prefix string) ([]storage.KV, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: prefixUpperBound([]byte(prefix)),
	})
	if err != nil {
		return nil, fmt.Errorf("pebble iterator: %w", err)
	}
	defer iter.Close()

	now := s.nowMs()
	var out []storage.KV
	for iter.First(); iter.Valid(); iter.Next() {
		var env envelope
		if err := json.Unmarshal(iter.Value(), &env); err != nil {
			return nil, fmt.Errorf("decode record %q: %w", iter.Key(), err)
		}
		if env.ExpiresAtMs > 0 && env.ExpiresAtMs <= now {
			continue
		}
		out = append(out, storage.KV{
			Key:    string(iter.Key()),
			Record: storage.Record{Value: env.Value, Version: env.Version},
		})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("pebble iterate: %w", err)
	}
	return out, nil
}

func (s *Store) AcquireLease(ctx context.Context, name string, opts storage.LeaseOptions) (*storage.Lease, error) {
	if opts.TTL <= 0 {
		opts.TTL = time.Second
	}
	deadline := time.Now().Add(opts.Wait)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		l, err := s.tryAcquire(name, opts.TTL)
		if err != nil {
			return nil, err
		}
		if l != nil {
			return l, nil
		}
		if !time.Now().Before(deadline) {
			return nil, storage.ErrLeaseHeld
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (s *Store) tryAcquire(name string, ttl time.Duration) (*storage.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := leasePrefix + name
	cur, err := s.read(key)
	if err != nil {
		return nil, err
	}
	if cur != nil {
		return nil, nil
	}
	env := envelope{
		Version:     uuid.NewString(),
		ExpiresAtMs: s.nowMs() + ttl.Milliseconds(),
		Value:       []byte(uuid.NewString()),
	}
	if err := s.write(key, env); err != nil {
		return nil, err
	}
	return &storage.Lease{Name: name, Token: string(env.Value), ExpiresAtMs: env.ExpiresAtMs}, nil
}

func (s *Store) ReleaseLease(ctx context.Context, lease *storage.Lease) error {
	if lease == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := leasePrefix + lease.Name
	cur, err := s.read(key)
	if err != nil {
		return err
	}
	if cur == nil {
		return nil
	}
	if string(cur.Value) != lease.Token {
		return storage.ErrNotLeaseOwner
	}
	return s.commit(func(b *pebble.Batch) error { return b.Delete([]byte(key), nil) })
}

// Close stops the sweeper and closes the database.
func (s *Store) Close() error {
	s.StopSweeper()
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ================================================================
// Expiry sweeping
// ================================================================

// StartSweeper begins periodic reclamation of expired records. The interval
// is jittered so multiple stores on one host do not sweep in lockstep.
func (s *Store) StartSweeper(interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()
	if s.sweepCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.sweepCancel = cancel
	s.sweepWG.Add(1)
	go func() {
		defer s.sweepWG.Done()
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		for {
			d := interval + time.Duration(rng.Int63n(int64(interval)/10+1))
			select {
			case <-ctx.Done():
				return
			case <-time.After(d):
				_, _ = s.SweepExpired(ctx)
			}
		}
	}()
}

// StopSweeper stops the sweeper and waits for it to exit.
func (s *Store) StopSweeper() {
	s.sweepMu.Lock()
	cancel := s.sweepCancel
	s.sweepCancel = nil
	s.sweepMu.Unlock()
	if cancel != nil {
		cancel()
		s.sweepWG.Wait()
	}
}

// SweepExpired deletes every record whose expiry has passed and returns the
// number reclaimed.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	iter, err := s.db.NewIter(nil)
	if err != nil {
		return 0, fmt.Errorf("pebble iterator: %w", err)
	}
	var expired []string
	now := s.nowMs()
	for iter.First(); iter.Valid(); iter.Next() {
		var env envelope
		if err := json.Unmarshal(iter.Value(), &env); err != nil {
			continue
		}
		if env.ExpiresAtMs > 0 && env.ExpiresAtMs <= now {
			expired = append(expired, string(iter.Key()))
		}
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}

	n := 0
	for _, key := range expired {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		s.mu.Lock()
		// Re-check under the lock; the key may have been rewritten.
		cur, err := s.read(key)
		if err == nil && cur == nil {
			if raw, rerr := s.rawExists(key); rerr == nil && raw {
				if s.commit(func(b *pebble.Batch) error { return b.Delete([]byte(key), nil) }) == nil {
					n++
				}
			}
		}
		s.mu.Unlock()
	}
	return n, nil
}

// ================================================================
// Internals
// ================================================================

// read returns the live envelope at key, nil when absent or expired.
func (s *Store) read(key string) (*envelope, error) {
	val, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("pebble get: %w", err)
	}
	defer closer.Close()
	var env envelope
	if err := json.Unmarshal(val, &env); err != nil {
		return nil, fmt.Errorf("decode record %q: %w", key, err)
	}
	if env.ExpiresAtMs > 0 && env.ExpiresAtMs <= s.nowMs() {
		return nil, nil
	}
	return &env, nil
}

func (s *Store) write(key string, env envelope) error {
	buf, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode record %q: %w", key, err)
	}
	start := time.Now()
	if err := s.commit(func(b *pebble.Batch) error { return b.Set([]byte(key), buf, nil) }); err != nil {
		return err
	}
	s.metrics.ObserveWrite(time.Since(start), len(buf))
	return nil
}

func (s *Store) commit(fill func(*pebble.Batch) error) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := fill(b); err != nil {
		return err
	}
	syncMode := pebble.NoSync
	if s.writeSync {
		syncMode = pebble.Sync
	}
	if err := b.Commit(syncMode); err != nil {
		return fmt.Errorf("pebble commit: %w", err)
	}
	return nil
}

// rawExists reports whether key physically exists, expired or not.
func (s *Store) rawExists(key string) (bool, error) {
	_, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	_ = closer.Close()
	return true, nil
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix, for use as an iterator's exclusive upper bound.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
