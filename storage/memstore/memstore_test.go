package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/storqdev/storq/storage"
	"github.com/storqdev/storq/storage/storagetest"
)

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storagetest.Harness {
		s := New()
		t.Cleanup(func() { _ = s.Close() })
		return storagetest.Harness{Store: s, Advance: time.Sleep}
	})
}

func TestFakeClockTTL(t *testing.T) {
	ctx := context.Background()
	now := int64(1_000_000)
	s := NewWithClock(func() int64 { return now })
	t.Cleanup(func() { _ = s.Close() })

	if _, err := s.Set(ctx, "k", []byte("v"), storage.SetOptions{TTL: 500 * time.Millisecond}); err != nil {
		t.Fatalf("set: %v", err)
	}
	now += 499
	if _, err := s.Get(ctx, "k"); err != nil {
		t.Fatalf("get at 499ms: %v", err)
	}
	now += 1
	if _, err := s.Get(ctx, "k"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("get at 500ms: %v", err)
	}
}

func TestFakeClockLeaseExpiry(t *testing.T) {
	ctx := context.Background()
	now := int64(50_000)
	s := NewWithClock(func() int64 { return now })
	t.Cleanup(func() { _ = s.Close() })

	if _, err := s.AcquireLease(ctx, "l", storage.LeaseOptions{TTL: 100 * time.Millisecond}); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := s.AcquireLease(ctx, "l", storage.LeaseOptions{TTL: 100 * time.Millisecond}); !errors.Is(err, storage.ErrLeaseHeld) {
		t.Fatalf("held acquire: %v", err)
	}
	now += 101
	if _, err := s.AcquireLease(ctx, "l", storage.LeaseOptions{TTL: 100 * time.Millisecond}); err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
}

func TestCanceledContext(t *testing.T) {
	s := New()
	t.Cleanup(func() { _ = s.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Get(ctx, "k"); !errors.Is(err, context.Canceled) {
		t.Fatalf("get: %v", err)
	}
	if _, err := s.Set(ctx, "k", nil, storage.SetOptions{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("set: %v", err)
	}
}
