package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	clientcmd "github.com/storqdev/storq/internal/cmd/client"
	serverrun "github.com/storqdev/storq/internal/cmd/server"
	cfgpkg "github.com/storqdev/storq/internal/config"
)

// Overridden at release time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := &cobra.Command{
		Use:   "storq",
		Short: "Distributed work queue on a key-value store",
		Long: `storq is a single-binary distributed work queue. A server node opens
queues over a shared store (mem://, pebble://, redis://) and serves the
HTTP ops API; worker processes claim and run jobs from the same store;
the remaining commands talk to a running server over HTTP.

The API endpoint for client commands comes from STORQ_HTTP, default
http://127.0.0.1:8080.`,
	}

	rootCmd.AddCommand(newServerCommand())
	rootCmd.AddCommand(newVersionCommand())
	rootCmd.AddCommand(clientcmd.Commands(apiURL)...)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newServerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "server",
		Short:   "Run a storq server node",
		Aliases: []string{"start", "run"},
		Example: `  storq server --store pebble:///var/lib/storq --queue orders --queue mail
  storq server --config /etc/storq.yaml
  STORQ_STORE_URL=redis://127.0.0.1:6379 storq server`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := cfgpkg.Load(cfgPath)
			if err != nil {
				return err
			}
			if err := cfgpkg.FromEnv(&cfg); err != nil {
				return err
			}
			if store, _ := cmd.Flags().GetString("store"); store != "" {
				cfg.StoreURL = store
			}
			if cmd.Flags().Changed("http") {
				cfg.HTTPAddr, _ = cmd.Flags().GetString("http")
			}
			if workerID, _ := cmd.Flags().GetString("worker-id"); workerID != "" {
				cfg.WorkerID = workerID
			}
			if logLevel, _ := cmd.Flags().GetString("log-level"); logLevel != "" {
				cfg.Log.Level = logLevel
			}
			if logFormat, _ := cmd.Flags().GetString("log-format"); logFormat != "" {
				cfg.Log.Format = logFormat
			}
			queues, _ := cmd.Flags().GetStringArray("queue")
			for _, name := range queues {
				if _, ok := cfg.QueueNamed(name); !ok {
					cfg.Queues = append(cfg.Queues, cfgpkg.Queue{Name: name})
				}
			}

			if err := serverrun.Run(cmd.Context(), cfg); err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().String("config", "", "path to a JSON or YAML config file")
	cmd.Flags().String("store", "", "store URL: mem://, pebble:///dir or redis://host:port/db")
	cmd.Flags().String("http", "", "HTTP API listen address, empty string disables it")
	cmd.Flags().String("worker-id", "", "stable node identity, default is generated")
	cmd.Flags().String("log-level", os.Getenv("STORQ_LOG_LEVEL"), "log level: debug|info|warn|error")
	cmd.Flags().String("log-format", os.Getenv("STORQ_LOG_FORMAT"), "log format: console|json")
	cmd.Flags().StringArray("queue", nil, "open a queue with the default profile, repeatable")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the storq version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "storq "+version)
		},
	}
}

func apiURL() string {
	if v := os.Getenv("STORQ_HTTP"); v != "" {
		return v
	}
	return "http://127.0.0.1:8080"
}
