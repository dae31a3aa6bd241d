// Package cli provides the foldqueue command-line interface.
package cli

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/kiranshivaraju/foldqueue/internal/config"
	"github.com/spf13/cobra"
)

var migrationsDir string

var rootCmd = &cobra.Command{
	Use:   "foldqueue",
	Short: "GPU inference job orchestration engine",
	Long: `foldqueue admits inference jobs and batches into bounded compute lanes,
tracks their completion, retries transient failures and notifies
subscribers through signed webhooks.`,
	SilenceUsage: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&migrationsDir, "migrations", "migrations", "directory holding the SQL migrations")
}

// loadConfig reads .env and the environment, then installs the process logger.
// The returned cleanup closes the log file.
func loadConfig() (*config.Config, *slog.Logger, func() error, error) {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	logger, cleanup := config.SetupLogger(cfg.Log, cfg.IsDevelopment())
	slog.SetDefault(logger)
	return cfg, logger, cleanup, nil
}
