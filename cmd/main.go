package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/stembrain/trailer/config"
	"github.com/stembrain/trailer/internal/logging"
)

var (
	configPath string
	cfg        *config.Config
	logCloser  io.Closer
)

var rootCmd = &cobra.Command{
	Use:          "trailer",
	Short:        "Watch GitHub pull requests and issues for changes",
	SilenceUsage: true,
	Long: `trailer keeps a local copy of the pull requests and issues of the
repositories you watch, polls GitHub for changes and reports only what changed.

The GitHub token can be provided via the ` + config.EnvGithubToken + ` environment variable.`,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == initCmd.Name() {
			return nil
		}

		var err error
		cfg, err = config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		logCloser, err = logging.Setup(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
		if err != nil {
			return fmt.Errorf("failed to set up logging: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(_ *cobra.Command, _ []string) {
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "Path to configuration file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(addProjectCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}
