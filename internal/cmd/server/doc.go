// Package serverrun exposes the shared Run entrypoint the CLI uses to
// boot a storq node with its ops API, handling signals and graceful
// shutdown.
//
// Example:
//
//	cfg, _ := config.Load("storq.yaml")
//	_ = serverrun.Run(context.Background(), cfg)
package serverrun
