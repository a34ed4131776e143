package client

import (
	"github.com/spf13/cobra"
)

// NewRoot bundles every client command under one parent. The main binary
// mounts these directly on its root command; tests use this to drive the
// full surface with SetArgs.
func NewRoot(api BaseURLFunc) *cobra.Command {
	root := &cobra.Command{
		Use:           "client",
		Short:         "Talk to a running storq server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(Commands(api)...)
	return root
}

// Commands returns the flat list of client commands so callers can mount
// them on their own root.
func Commands(api BaseURLFunc) []*cobra.Command {
	return []*cobra.Command{
		NewEnqueueCommand(api),
		NewStatsCommand(api),
		NewQueuesCommand(api),
		NewMessagesCommand(api),
		NewDLQCommand(api),
		NewWorkersCommand(api),
		NewCoordinatorCommand(api),
		NewSchedulesCommand(api),
		NewWatchCommand(api),
		NewWorkerCommand(),
	}
}
