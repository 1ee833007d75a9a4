package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wharfd/wharfd/pkg/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		if short, _ := cmd.Flags().GetBool("short"); short {
			fmt.Fprintln(cmd.OutOrStdout(), version.Version())
			return
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wharfd %s\n", version.Version())
		fmt.Fprintf(cmd.OutOrStdout(), "Commit: %s\n", version.Commit())
		fmt.Fprintf(cmd.OutOrStdout(), "Built: %s\n", version.BuildDate())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolP("short", "s", false, "Show only version number")
}
