// Package cmd holds the wharfd command tree.
package cmd

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "wharfd",
	Short: "wharfd - a minimal container engine",
	Long: `wharfd is a single-binary container engine: layered image storage,
namespace and cgroup isolation, a lifecycle state machine and an HTTP API.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is built-in defaults plus WHARFD_* env)")
}
