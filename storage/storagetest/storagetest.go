// Package storagetest holds the conformance suite shared by every
// storage.Adapter implementation. Adapter packages call Run from their own
// tests so that observable semantics (CAS outcomes, TTL expiry, lease
// ownership) cannot drift between backends.
package storagetest

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/storqdev/storq/storage"
)

// Harness is one opened adapter plus a way to advance its notion of time.
// Stores on the wall clock implement Advance by sleeping; fake-time stores
// step their clock.
type Harness struct {
	Store   storage.Adapter
	Advance func(d time.Duration)
}

// Run exercises the full adapter contract. open is called once per subtest
// so state never leaks between them.
func Run(t *testing.T, open func(t *testing.T) Harness) {
	t.Helper()
	ctx := context.Background()

	t.Run("GetSetDelete", func(t *testing.T) {
		h := open(t)
		if _, err := h.Store.Get(ctx, "a"); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("get absent: %v", err)
		}
		ver, err := h.Store.Set(ctx, "a", []byte("one"), storage.SetOptions{})
		if err != nil {
			t.Fatalf("set: %v", err)
		}
		if ver == "" {
			t.Fatalf("empty version tag")
		}
		rec, err := h.Store.Get(ctx, "a")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !bytes.Equal(rec.Value, []byte("one")) || rec.Version != ver {
			t.Fatalf("got %q ver=%q want one ver=%q", rec.Value, rec.Version, ver)
		}
		if err := h.Store.Delete(ctx, "a"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, err := h.Store.Get(ctx, "a"); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("get after delete: %v", err)
		}
		if err := h.Store.Delete(ctx, "a"); err != nil {
			t.Fatalf("delete absent: %v", err)
		}
	})

	t.Run("VersionChangesPerWrite", func(t *testing.T) {
		h := open(t)
		v1, _ := h.Store.Set(ctx, "k", []byte("1"), storage.SetOptions{})
		v2, err := h.Store.Set(ctx, "k", []byte("2"), storage.SetOptions{})
		if err != nil {
			t.Fatalf("second set: %v", err)
		}
		if v1 == v2 {
			t.Fatalf("version did not change across writes")
		}
	})

	t.Run("ConditionalWrite", func(t *testing.T) {
		h := open(t)
		ver, _ := h.Store.Set(ctx, "k", []byte("1"), storage.SetOptions{})
		if _, err := h.Store.Set(ctx, "k", []byte("2"), storage.SetOptions{IfVersion: "bogus"}); !errors.Is(err, storage.ErrVersionMismatch) {
			t.Fatalf("stale tag: %v", err)
		}
		ver2, err := h.Store.Set(ctx, "k", []byte("2"), storage.SetOptions{IfVersion: ver})
		if err != nil {
			t.Fatalf("matching tag: %v", err)
		}
		if _, err := h.Store.Set(ctx, "k", []byte("3"), storage.SetOptions{IfVersion: ver}); !errors.Is(err, storage.ErrVersionMismatch) {
			t.Fatalf("reused tag: %v", err)
		}
		if _, err := h.Store.Set(ctx, "absent", nil, storage.SetOptions{IfVersion: ver2}); !errors.Is(err, storage.ErrVersionMismatch) {
			t.Fatalf("conditional on absent key: %v", err)
		}
	})

	t.Run("IfAbsent", func(t *testing.T) {
		h := open(t)
		if _, err := h.Store.Set(ctx, "k", []byte("1"), storage.SetOptions{IfAbsent: true}); err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := h.Store.Set(ctx, "k", []byte("2"), storage.SetOptions{IfAbsent: true}); !errors.Is(err, storage.ErrVersionMismatch) {
			t.Fatalf("create over existing: %v", err)
		}
		if err := h.Store.Delete(ctx, "k"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, err := h.Store.Set(ctx, "k", []byte("3"), storage.SetOptions{IfAbsent: true}); err != nil {
			t.Fatalf("create after delete: %v", err)
		}
	})

	t.Run("CASSingleWinner", func(t *testing.T) {
		h := open(t)
		ver, _ := h.Store.Set(ctx, "k", []byte("0"), storage.SetOptions{})
		const n = 16
		var wg sync.WaitGroup
		wins := make(chan int, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if _, err := h.Store.Set(ctx, "k", []byte{byte(i)}, storage.SetOptions{IfVersion: ver}); err == nil {
					wins <- i
				} else if !errors.Is(err, storage.ErrVersionMismatch) {
					t.Errorf("claimer %d: %v", i, err)
				}
			}(i)
		}
		wg.Wait()
		close(wins)
		var count int
		for range wins {
			count++
		}
		if count != 1 {
			t.Fatalf("want exactly 1 CAS winner, got %d", count)
		}
	})

	t.Run("TTLExpiry", func(t *testing.T) {
		h := open(t)
		if _, err := h.Store.Set(ctx, "tmp", []byte("x"), storage.SetOptions{TTL: 50 * time.Millisecond}); err != nil {
			t.Fatalf("set: %v", err)
		}
		if _, err := h.Store.Get(ctx, "tmp"); err != nil {
			t.Fatalf("get before expiry: %v", err)
		}
		h.Advance(150 * time.Millisecond)
		if _, err := h.Store.Get(ctx, "tmp"); !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("get after expiry: %v", err)
		}
		kvs, err := h.Store.List(ctx, "tmp")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(kvs) != 0 {
			t.Fatalf("expired key still listed")
		}
	})

	t.Run("ListPrefix", func(t *testing.T) {
		h := open(t)
		for _, k := range []string{"a/1", "a/2", "b/1"} {
			if _, err := h.Store.Set(ctx, k, []byte(k), storage.SetOptions{}); err != nil {
				t.Fatalf("set %s: %v", k, err)
			}
		}
		kvs, err := h.Store.List(ctx, "a/")
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(kvs) != 2 {
			t.Fatalf("want 2 keys under a/, got %d", len(kvs))
		}
		for _, kv := range kvs {
			if !bytes.Equal(kv.Record.Value, []byte(kv.Key)) {
				t.Fatalf("value mismatch for %s", kv.Key)
			}
			if kv.Record.Version == "" {
				t.Fatalf("listing dropped version tag for %s", kv.Key)
			}
		}
	})

	t.Run("LeaseMutualExclusion", func(t *testing.T) {
		h := open(t)
		l, err := h.Store.AcquireLease(ctx, "lock", storage.LeaseOptions{TTL: time.Second})
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		if _, err := h.Store.AcquireLease(ctx, "lock", storage.LeaseOptions{TTL: time.Second}); !errors.Is(err, storage.ErrLeaseHeld) {
			t.Fatalf("second acquire: %v", err)
		}
		if err := h.Store.ReleaseLease(ctx, l); err != nil {
			t.Fatalf("release: %v", err)
		}
		if _, err := h.Store.AcquireLease(ctx, "lock", storage.LeaseOptions{TTL: time.Second}); err != nil {
			t.Fatalf("reacquire after release: %v", err)
		}
	})

	t.Run("LeaseExpiry", func(t *testing.T) {
		h := open(t)
		l, err := h.Store.AcquireLease(ctx, "lock", storage.LeaseOptions{TTL: 40 * time.Millisecond})
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		h.Advance(120 * time.Millisecond)
		l2, err := h.Store.AcquireLease(ctx, "lock", storage.LeaseOptions{TTL: time.Second})
		if err != nil {
			t.Fatalf("acquire after expiry: %v", err)
		}
		// The first holder's release must not unseat the new owner.
		if err := h.Store.ReleaseLease(ctx, l); !errors.Is(err, storage.ErrNotLeaseOwner) {
			t.Fatalf("stale release: %v", err)
		}
		if err := h.Store.ReleaseLease(ctx, l2); err != nil {
			t.Fatalf("owner release: %v", err)
		}
	})

	t.Run("LeaseWait", func(t *testing.T) {
		h := open(t)
		l, err := h.Store.AcquireLease(ctx, "lock", storage.LeaseOptions{TTL: time.Second})
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		go func() {
			time.Sleep(30 * time.Millisecond)
			_ = h.Store.ReleaseLease(ctx, l)
		}()
		if _, err := h.Store.AcquireLease(ctx, "lock", storage.LeaseOptions{TTL: time.Second, Wait: 2 * time.Second}); err != nil {
			t.Fatalf("waiting acquire: %v", err)
		}
	})
}
