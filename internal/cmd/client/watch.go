package client

import (
	"context"
	"fmt"
	"net/url"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

// NewWatchCommand tails the server's event feed over a websocket and
// prints one JSON object per line.
func NewWatchCommand(api BaseURLFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream live events",
		Long: `Stream queue and coordinator events from the target node.

--types takes a comma list of event types; entries ending in a dot match
as prefixes, so "message." selects every message event. Without --types
all events are streamed.`,
		Example: `  storq watch
  storq watch --types message.dead_lettered,coordinator.
  storq watch --types ticket. --limit 10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			types, _ := cmd.Flags().GetString("types")
			limit, _ := cmd.Flags().GetInt("limit")

			target := wsURL(api()) + "/v1/events"
			if types != "" {
				target += "?types=" + url.QueryEscape(types)
			}
			conn, resp, err := websocket.DefaultDialer.DialContext(cmd.Context(), target, nil)
			if err != nil {
				if resp != nil {
					return fmt.Errorf("connect %s: %s", target, resp.Status)
				}
				return fmt.Errorf("connect %s: %w", target, err)
			}
			defer conn.Close()

			// Unblock the read loop when the command context ends.
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go func() {
				<-ctx.Done()
				_ = conn.Close()
			}()

			out := cmd.OutOrStdout()
			for n := 0; limit <= 0 || n < limit; n++ {
				_, frame, err := conn.ReadMessage()
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("event stream closed: %w", err)
				}
				fmt.Fprintln(out, string(frame))
			}
			return nil
		},
	}
	cmd.Flags().String("types", "", "comma list of event types, dot suffix matches prefixes")
	cmd.Flags().Int("limit", 0, "exit after this many events")
	return cmd
}
