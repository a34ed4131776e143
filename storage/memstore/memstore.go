// Package memstore provides a process-local storage.Adapter backed by a map.
//
// It exists for tests and single-process deployments. Conditional writes are
// serialized by a mutex, TTLs are enforced lazily against an injectable
// clock, and leases are plain entries in a second map. Nothing is persisted.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/storqdev/storq/storage"
)

type entry struct {
	value       []byte
	version     string
	expiresAtMs int64 // 0 = no expiry
}

type leaseEntry struct {
	token       string
	expiresAtMs int64
}

// Store implements storage.Adapter in memory.
type Store struct {
	mu     sync.Mutex
	items  map[string]*entry
	leases map[string]*leaseEntry
	nowMs  func() int64
	closed bool
}

var _ storage.Adapter = (*Store)(nil)

// New returns an empty store using the wall clock.
func New() *Store {
	return NewWithClock(func() int64 { return time.Now().UnixMilli() })
}

// NewWithClock returns an empty store reading time from nowMs. Tests use
// this to step TTLs deterministically.
func NewWithClock(nowMs func() int64) *Store {
	return &Store{
		items:  make(map[string]*entry),
		leases: make(map[string]*leaseEntry),
		nowMs:  nowMs,
	}
}

func (s *Store) Get(ctx context.Context, key string) (storage.Record, error) {
	if err := ctx.Err(); err != nil {
		return storage.Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(key)
	if e == nil {
		return storage.Record{}, storage.ErrNotFound
	}
	return storage.Record{Value: append([]byte(nil), e.value...), Version: e.version}, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, opts storage.SetOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.live(key)
	if opts.IfAbsent && cur != nil {
		return "", storage.ErrVersionMismatch
	}
	if opts.IfVersion != "" {
		if cur == nil || cur.version != opts.IfVersion {
			return "", storage.ErrVersionMismatch
		}
	}

	e := &entry{
		value:   append([]byte(nil), value...),
		version: uuid.NewString(),
	}
	if opts.TTL > 0 {
		e.expiresAtMs = s.nowMs() + opts.TTL.Milliseconds()
	}
	s.items[key] = e
	return e.version, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]storage.KV, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []storage.KV
	for k := range s.items {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		e := s.live(k)
		if e == nil {
			continue
		}
		out = append(out, storage.KV{
			Key:    k,
			Record: storage.Record{Value: append([]byte(nil), e.value...), Version: e.version},
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *Store) AcquireLease(ctx context.Context, name string, opts storage.LeaseOptions) (*storage.Lease, error) {
	if opts.TTL <= 0 {
		opts.TTL = time.Second
	}
	deadline := s.nowMs() + opts.Wait.Milliseconds()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if l := s.tryAcquire(name, opts.TTL); l != nil {
			return l, nil
		}
		if s.nowMs() >= deadline {
			return nil, storage.ErrLeaseHeld
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (s *Store) tryAcquire(name string, ttl time.Duration) *storage.Lease {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowMs()
	if cur, ok := s.leases[name]; ok && cur.expiresAtMs > now {
		return nil
	}
	le := &leaseEntry{token: uuid.NewString(), expiresAtMs: now + ttl.Milliseconds()}
	s.leases[name] = le
	return &storage.Lease{Name: name, Token: le.token, ExpiresAtMs: le.expiresAtMs}
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
	cur, ok := s.leases[lease.Name]
	if !ok || cur.expiresAtMs <= s.nowMs() {
		delete(s.leases, lease.Name)
		return nil
	}
	if cur.token != lease.Token {
		return storage.ErrNotLeaseOwner
	}
	delete(s.leases, lease.Name)
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.items = make(map[string]*entry)
	s.leases = make(map[string]*leaseEntry)
	return nil
}

// live returns the entry at key if present and unexpired, pruning it when
// expired. Callers hold s.mu.
func (s *Store) live(key string) *entry {
	e, ok := s.items[key]
	if !ok {
		return nil
	}
	if e.expiresAtMs > 0 && e.expiresAtMs <= s.nowMs() {
		delete(s.items, key)
		return nil
	}
	return e
}
