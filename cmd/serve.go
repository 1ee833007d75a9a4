package cmd

import (
	"github.com/spf13/cobra"

	"github.com/wharfd/wharfd/internal/app"
	"github.com/wharfd/wharfd/internal/config"
	"github.com/wharfd/wharfd/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the wharfd daemon",
	Long:  `Reconcile any state left by a previous daemon, then serve the engine API.`,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	logger.GetLogger().SetLogLevel(cfg.Log.Level)
	logger.GetLogger().ConfigureFromEnv()

	logger.Info("Starting wharfd",
		"listen", cfg.Server.Listen,
		"data_dir", cfg.Engine.DataDir,
		"fs_driver", cfg.Engine.FSDriver)

	return app.Run(cmd.Context(), cfg)
}
