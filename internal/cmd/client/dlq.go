package client

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"
)

// NewDLQCommand groups dead-letter operations.
func NewDLQCommand(api BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and drain dead letters",
		Long: `Work with a queue's dead-letter backlog.

For queues with strategy dead_letter or hybrid, pass the TARGET queue
holding the dead copies; its entries carry the origin queue in "from".
Queues with strategy retry keep dead messages in place, so pass the
queue itself.`,
	}
	cmd.AddCommand(
		newDLQListCommand(api),
		newDLQRequeueCommand(api),
		newDLQPurgeCommand(api),
	)
	return cmd
}

func newDLQListCommand(api BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List dead letters",
		Example: `  storq dlq ls -q orders-dlq
  storq dlq ls -q orders-dlq --filter 'attempts >= 5'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			queueName, _ := cmd.Flags().GetString("queue")
			if queueName == "" {
				return fmt.Errorf("--queue is required")
			}
			params := url.Values{}
			if filter, _ := cmd.Flags().GetString("filter"); filter != "" {
				params.Set("filter", filter)
			}
			if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 {
				params.Set("limit", strconv.Itoa(limit))
			}
			path := "/v1/queues/" + url.PathEscape(queueName) + "/dlq"
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
	cmd.Flags().StringP("queue", "q", "", "queue holding the dead letters")
	cmd.Flags().String("filter", "", "CEL expression over dead letters")
	cmd.Flags().Int("limit", 0, "stop after this many entries")
	return cmd
}

func newDLQRequeueCommand(api BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "requeue",
		Short: "Send dead letters back to their origin queue",
		Long: `Requeue one dead letter by id, or the whole backlog when no id is
given. Each requeued message restarts as a fresh pending message with a
clean attempt counter.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			queueName, _ := cmd.Flags().GetString("queue")
			if queueName == "" {
				return fmt.Errorf("--queue is required")
			}
			id, _ := cmd.Flags().GetString("id")

			body := map[string]any{}
			if id != "" {
				body["id"] = id
			}
			var out map[string]any
			path := "/v1/queues/" + url.PathEscape(queueName) + "/dlq/requeue"
			if err := postJSON(cmd.Context(), api(), path, body, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringP("queue", "q", "", "queue holding the dead letters")
	cmd.Flags().String("id", "", "requeue only this dead letter")
	return cmd
}

func newDLQPurgeCommand(api BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete dead letters permanently",
		RunE: func(cmd *cobra.Command, args []string) error {
			queueName, _ := cmd.Flags().GetString("queue")
			if queueName == "" {
				return fmt.Errorf("--queue is required")
			}
			id, _ := cmd.Flags().GetString("id")
			base := "/v1/queues/" + url.PathEscape(queueName) + "/dlq"

			if id != "" {
				if err := deleteJSON(cmd.Context(), api(), base+"/"+url.PathEscape(id), nil); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"purged": 1})
			}

			confirm, _ := cmd.Flags().GetBool("confirm")
			if !confirm {
				return fmt.Errorf("refusing to purge all dead letters without --confirm")
			}
			var out map[string]any
			if err := deleteJSON(cmd.Context(), api(), base, &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().StringP("queue", "q", "", "queue holding the dead letters")
	cmd.Flags().String("id", "", "purge only this dead letter")
	cmd.Flags().Bool("confirm", false, "required to purge the entire backlog")
	return cmd
}
