package redistore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/storqdev/storq/storage"
	"github.com/storqdev/storq/storage/storagetest"
)

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storagetest.Harness {
		mr := miniredis.RunT(t)
		s, err := Open(context.Background(), Options{Addr: mr.Addr()})
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return storagetest.Harness{
			Store:   s,
			Advance: func(d time.Duration) { mr.FastForward(d) },
		}
	})
}

// TestConformanceRealServer runs the same suite against a real Redis when
// STORQ_TEST_REDIS_ADDR is set, e.g. STORQ_TEST_REDIS_ADDR=localhost:6379.
func TestConformanceRealServer(t *testing.T) {
	addr := os.Getenv("STORQ_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("STORQ_TEST_REDIS_ADDR not set")
	}
	storagetest.Run(t, func(t *testing.T) storagetest.Harness {
		prefix := fmt.Sprintf("storqtest:%d:", time.Now().UnixNano())
		s, err := Open(context.Background(), Options{Addr: addr, Prefix: prefix})
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return storagetest.Harness{
			Store:   s,
			Advance: func(d time.Duration) { time.Sleep(d) },
		}
	})
}

func TestPrefixIsolation(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	a, err := Open(ctx, Options{Addr: mr.Addr(), Prefix: "a:"})
	if err != nil {
		t.Fatalf("open a: %v", err)
	}
	defer a.Close()
	b, err := Open(ctx, Options{Addr: mr.Addr(), Prefix: "b:"})
	if err != nil {
		t.Fatalf("open b: %v", err)
	}
	defer b.Close()

	if _, err := a.Set(ctx, "q/orders/msg/1", []byte("x"), storage.SetOptions{}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := b.Get(ctx, "q/orders/msg/1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("prefix leaked across stores: %v", err)
	}

	kvs, err := a.List(ctx, "q/orders/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(kvs) != 1 || kvs[0].Key != "q/orders/msg/1" {
		t.Fatalf("listing did not strip prefix: %+v", kvs)
	}

	// Lease names are isolated the same way.
	if _, err := a.AcquireLease(ctx, "election", storage.LeaseOptions{TTL: time.Second}); err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	if _, err := b.AcquireLease(ctx, "election", storage.LeaseOptions{TTL: time.Second}); err != nil {
		t.Fatalf("acquire b: %v", err)
	}
}

func TestEncodeDecode(t *testing.T) {
	ver := "0f1e2d3c-4b5a-6978-8796-a5b4c3d2e1f0"
	raw := encode(ver, []byte("payload"))
	rec, err := decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec.Version != ver || !bytes.Equal(rec.Value, []byte("payload")) {
		t.Fatalf("round trip: %+v", rec)
	}

	rec, err = decode(encode(ver, nil))
	if err != nil {
		t.Fatalf("decode empty: %v", err)
	}
	if rec.Version != ver || len(rec.Value) != 0 {
		t.Fatalf("empty value round trip: %+v", rec)
	}

	if _, err := decode([]byte("short")); err == nil {
		t.Fatalf("decode accepted truncated record")
	}
}
