package client

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

// NewEnqueueCommand submits one message to a queue.
func NewEnqueueCommand(api BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue a message",
		Long: `Enqueue a message on a queue served by the target node.

The payload is taken from --data. Valid JSON is stored as-is; anything
else is stored as a JSON string. Use --record-id instead of --data to
reference a record written out of band.`,
		Example: `  storq enqueue -q orders --kind order.created --data '{"order":42}'
  storq enqueue -q reports --data nightly --delay 4h
  storq enqueue -q orders --id order-42-vD --record-id rec/42`,
		RunE: func(cmd *cobra.Command, args []string) error {
			queueName, _ := cmd.Flags().GetString("queue")
			if queueName == "" {
				return fmt.Errorf("--queue is required")
			}
			data, _ := cmd.Flags().GetString("data")
			recordID, _ := cmd.Flags().GetString("record-id")
			if data == "" && recordID == "" {
				return fmt.Errorf("one of --data or --record-id is required")
			}

			body := map[string]any{}
			if data != "" {
				if json.Valid([]byte(data)) {
					body["payload"] = json.RawMessage(data)
				} else {
					body["payload"] = data
				}
			}
			if recordID != "" {
				body["recordId"] = recordID
			}
			if id, _ := cmd.Flags().GetString("id"); id != "" {
				body["id"] = id
			}
			if kind, _ := cmd.Flags().GetString("kind"); kind != "" {
				body["kind"] = kind
			}
			if delay, _ := cmd.Flags().GetString("delay"); delay != "" {
				body["delay"] = delay
			}
			if maxAttempts, _ := cmd.Flags().GetInt("max-attempts"); maxAttempts > 0 {
				body["maxAttempts"] = maxAttempts
			}

			var msg map[string]any
			path := "/v1/queues/" + url.PathEscape(queueName) + "/enqueue"
			if err := postJSON(cmd.Context(), api(), path, body, &msg); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), msg)
		},
	}
	cmd.Flags().StringP("queue", "q", "", "queue to enqueue on")
	cmd.Flags().String("data", "", "message payload (JSON or plain text)")
	cmd.Flags().String("record-id", "", "reference an existing record instead of --data")
	cmd.Flags().String("id", "", "explicit message id, also the dedup key")
	cmd.Flags().String("kind", "", "message kind for routing and filtering")
	cmd.Flags().String("delay", "", "make the message visible only after this duration, e.g. 30s")
	cmd.Flags().Int("max-attempts", 0, "override the queue's max delivery attempts")
	return cmd
}

// NewStatsCommand prints per-queue counters.
func NewStatsCommand(api BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show queue statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			queueName, _ := cmd.Flags().GetString("queue")
			if queueName != "" {
				var st map[string]any
				path := "/v1/queues/" + url.PathEscape(queueName) + "/stats"
				if err := getJSON(cmd.Context(), api(), path, &st); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			}
			var out map[string]any
			if err := getJSON(cmd.Context(), api(), "/v1/stats", &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringP("queue", "q", "", "limit to one queue")
	return cmd
}

// NewQueuesCommand lists queues registered in the store.
func NewQueuesCommand(api BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "queues",
		Short: "List registered queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := getJSON(cmd.Context(), api(), "/v1/queues", &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

// NewMessagesCommand inspects messages on a queue.
func NewMessagesCommand(api BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "messages",
		Short: "List or fetch messages",
		Long: `List messages on a queue, optionally narrowed by status or by a CEL
filter expression, or fetch a single message by id.`,
		Example: `  storq messages -q orders --status pending
  storq messages -q orders --filter 'attempts > 2 && kind == "order.created"'
  storq messages -q orders --id order-42`,
		RunE: func(cmd *cobra.Command, args []string) error {
			queueName, _ := cmd.Flags().GetString("queue")
			if queueName == "" {
				return fmt.Errorf("--queue is required")
			}
			base := "/v1/queues/" + url.PathEscape(queueName)

			if id, _ := cmd.Flags().GetString("id"); id != "" {
				var msg map[string]any
				if err := getJSON(cmd.Context(), api(), base+"/messages/"+url.PathEscape(id), &msg); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), msg)
			}

			params := url.Values{}
			if status, _ := cmd.Flags().GetString("status"); status != "" {
				params.Set("status", status)
			}
			if filter, _ := cmd.Flags().GetString("filter"); filter != "" {
				params.Set("filter", filter)
			}
			if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 {
				params.Set("limit", strconv.Itoa(limit))
			}
			path := base + "/messages"
			if len(params) > 0 {
				path += "?" + params.Encode()
			}
			var out map[string]any
			if err := getJSON(cmd.Context(), api(), path, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringP("queue", "q", "", "queue to inspect")
	cmd.Flags().String("id", "", "fetch a single message by id")
	cmd.Flags().String("status", "", "filter by status: pending, processing, completed, failed, dead")
	cmd.Flags().String("filter", "", "CEL expression over message fields")
	cmd.Flags().Int("limit", 0, "stop after this many messages")
	return cmd
}
