// Package cli implements the waypost-hub command line interface.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var version = "dev"

// NewRootCmd creates the root cobra command for waypost-hub.
// When invoked without a subcommand, it delegates to "run".
func NewRootCmd(v string) *cobra.Command {
	version = v

	root := &cobra.Command{
		Use:   "waypost-hub",
		Short: "Waypost hub — worker fleet and session routing control plane",
		Long:  "Waypost hub registers messaging workers, routes sessions onto them, proxies session operations, and ingests worker-reported status webhooks.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringP("config", "c", "", "path to config file")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the hub version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "waypost-hub", version)
		},
	}
}
