package client

import (
	"github.com/spf13/cobra"
)

// NewWorkersCommand lists live workers known to the membership registry.
func NewWorkersCommand(api BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "List live workers and the current coordinator",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := getJSON(cmd.Context(), api(), "/v1/workers", &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

// NewCoordinatorCommand shows the target node's view of leadership.
func NewCoordinatorCommand(api BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "coordinator",
		Short: "Show coordinator state and the current epoch",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := getJSON(cmd.Context(), api(), "/v1/coordinator", &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

// NewSchedulesCommand lists cron entries configured on the target node.
func NewSchedulesCommand(api BaseURLFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "schedules",
		Short: "List cron schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out map[string]any
			if err := getJSON(cmd.Context(), api(), "/v1/schedules", &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}
