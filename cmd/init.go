package cmd

import (
	"github.com/spf13/cobra"

	"github.com/wharfd/wharfd/internal/runtime"
)

// initCmd is the container bootstrap shim. The engine re-executes its
// own binary with this subcommand inside the new namespaces; it never
// returns on success because it execs the container command.
var initCmd = &cobra.Command{
	Use:    "init",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runtime.RunInit()
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
