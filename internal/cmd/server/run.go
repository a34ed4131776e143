package serverrun

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/storqdev/storq"
	"github.com/storqdev/storq/internal/config"
	httpserver "github.com/storqdev/storq/internal/server/http"
	"github.com/storqdev/storq/pkg/log"
)

// Run opens a node from cfg, starts its loops, serves the ops API when
// HTTPAddr is set, and blocks until ctx is cancelled or a termination
// signal arrives. Shutdown is graceful: the API drains, the node resigns
// any held coordinator epoch, and the store closes last.
func Run(ctx context.Context, cfg config.Config) error {
	// Layer a local signal context so callers without one still get
	// clean SIGINT/SIGTERM handling.
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := log.New(log.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: cfg.Log.Output})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	node, err := storq.Open(sctx, storq.Options{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	defer node.Close()

	node.Start()
	logger.Info("storq server starting",
		zap.String("store", cfg.StoreURL),
		zap.String("http", cfg.HTTPAddr),
		zap.String("worker", node.WorkerID()),
		zap.Strings("queues", node.EngineNames()))

	g, gctx := errgroup.WithContext(sctx)
	if cfg.HTTPAddr != "" {
		srv := httpserver.New(node, httpserver.Options{
			Core:      node.Coordinator(),
			Bus:       node.Events(),
			Schedules: node.Schedules(),
			Logger:    log.Component(logger, "http"),
		})
		g.Go(func() error { return srv.ListenAndServe(gctx, cfg.HTTPAddr) })
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("storq server stopped")
	return nil
}
