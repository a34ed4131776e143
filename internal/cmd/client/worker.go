package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/storqdev/storq"
	"github.com/storqdev/storq/internal/config"
	"github.com/storqdev/storq/worker"
)

// NewWorkerCommand runs a worker pool in the foreground. Unlike the other
// commands it talks to the store directly, not to the HTTP API, so it
// needs the same store configuration as the server.
func NewWorkerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker pool against a queue",
		Long: `Run a worker pool claiming messages from one queue until interrupted.

With --cmd each job runs the given shell command with the record on
stdin; exit 0 completes the job, any other exit code counts as a failed
attempt. Job metadata is passed via STORQ_JOB_* environment variables.
Without --cmd jobs are printed to stdout and completed, which is useful
for draining or inspecting a queue.

The worker joins membership with the server nodes and is eligible for
coordinator election, so point it at the same store (--store or config
file), not at mem://.`,
		Example: `  storq worker -q orders --store redis://127.0.0.1:6379 --cmd ./handle-order.sh
  storq worker -q mail --config /etc/storq.yaml --cmd 'python send.py' --concurrency 8
  storq worker -q orders --store pebble:///var/lib/storq`,
		RunE: func(cmd *cobra.Command, args []string) error {
			queueName, _ := cmd.Flags().GetString("queue")
			if queueName == "" {
				return fmt.Errorf("--queue is required")
			}
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if err := config.FromEnv(&cfg); err != nil {
				return err
			}
			if store, _ := cmd.Flags().GetString("store"); store != "" {
				cfg.StoreURL = store
			}
			if workerID, _ := cmd.Flags().GetString("worker-id"); workerID != "" {
				cfg.WorkerID = workerID
			}
			// Worker processes never serve the ops API.
			cfg.HTTPAddr = ""
			cfg.Schedules = nil

			if _, ok := cfg.QueueNamed(queueName); !ok {
				cfg.Queues = append(cfg.Queues, config.Queue{Name: queueName})
			}
			if concurrency, _ := cmd.Flags().GetInt("concurrency"); concurrency > 0 {
				for i := range cfg.Queues {
					if cfg.Queues[i].Name == queueName {
						cfg.Queues[i].Concurrency = concurrency
					}
				}
			}

			node, err := storq.Open(cmd.Context(), storq.Options{Config: cfg})
			if err != nil {
				return err
			}
			defer node.Close()
			node.Start()

			var handler worker.Handler
			if command, _ := cmd.Flags().GetString("cmd"); command != "" {
				handler = &shellHandler{command: command, stdout: cmd.OutOrStdout(), stderr: cmd.ErrOrStderr()}
			} else {
				handler = printHandler(cmd.OutOrStdout())
			}
			if _, err := node.RunWorkers(queueName, handler); err != nil {
				return err
			}

			<-cmd.Context().Done()
			return nil
		},
	}
	cmd.Flags().StringP("queue", "q", "", "queue to work")
	cmd.Flags().String("config", "", "path to a storq config file")
	cmd.Flags().String("store", "", "store URL, overrides the config file")
	cmd.Flags().String("worker-id", "", "stable worker identity, default is generated")
	cmd.Flags().String("cmd", "", "shell command to run per job, record on stdin")
	cmd.Flags().Int("concurrency", 0, "concurrent jobs, overrides the queue profile")
	return cmd
}

// shellHandler runs one command per job through /bin/sh with the record
// on stdin. A non-zero exit becomes the job's failure.
type shellHandler struct {
	command string
	stdout  io.Writer
	stderr  io.Writer
}

func (h *shellHandler) Handle(ctx context.Context, job *worker.Job) error {
	c := exec.CommandContext(ctx, "/bin/sh", "-c", h.command)
	c.Stdin = bytes.NewReader(job.Record)
	c.Stdout = h.stdout
	c.Stderr = h.stderr
	c.Env = append(os.Environ(),
		"STORQ_JOB_ID="+job.ID,
		"STORQ_JOB_QUEUE="+job.Queue,
		"STORQ_JOB_KIND="+job.Kind,
		fmt.Sprintf("STORQ_JOB_ATTEMPT=%d", job.Attempts),
		fmt.Sprintf("STORQ_JOB_MAX_ATTEMPTS=%d", job.MaxAttempts),
	)
	if err := c.Run(); err != nil {
		return fmt.Errorf("job %s: %w", job.ID, err)
	}
	return nil
}

// printHandler writes each job as one JSON line and completes it.
func printHandler(w io.Writer) worker.HandlerFunc {
	return func(ctx context.Context, job *worker.Job) error {
		line := map[string]any{
			"id":       job.ID,
			"queue":    job.Queue,
			"kind":     job.Kind,
			"attempts": job.Attempts,
		}
		for k, v := range decodedPayload(job.Record) {
			line[k] = v
		}
		return printJSON(w, line)
	}
}
