package serverrun

import (
	"context"
	"testing"
	"time"

	"github.com/storqdev/storq/internal/config"
)

func TestRunRejectsBadConfig(t *testing.T) {
	cfg := config.Default()
	cfg.StoreURL = "bolt://nope"
	if err := Run(context.Background(), cfg); err == nil {
		t.Fatal("expected store url error")
	}

	cfg = config.Default()
	cfg.Log.Level = "loud"
	if err := Run(context.Background(), cfg); err == nil {
		t.Fatal("expected log level error")
	}
}

// TestRunStartsAndStops boots a whole node against the in-memory store and
// relies on context cancellation for shutdown.
func TestRunStartsAndStops(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping server boot in short mode")
	}
	cfg := config.Default()
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.Log.Output = "stderr"
	cfg.Log.Level = "error"
	cfg.Queues = []config.Queue{{Name: "orders"}}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	if err := Run(ctx, cfg); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRunWithoutHTTP(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping server boot in short mode")
	}
	cfg := config.Default()
	cfg.HTTPAddr = ""
	cfg.Log.Level = "error"

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	if err := Run(ctx, cfg); err != nil {
		t.Fatalf("run: %v", err)
	}
}
