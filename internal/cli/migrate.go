package cli

import (
	"errors"
	"log/slog"

	"github.com/kiranshivaraju/foldqueue/internal/store"
	"github.com/spf13/cobra"
)

var rollbackSteps int

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		url, err := databaseURL()
		if err != nil {
			return err
		}
		if err := store.RunMigrations(url, migrationsDir); err != nil {
			slog.Error("migrate up failed", "error", err)
			return err
		}
		slog.Info("database migrations applied", "dir", migrationsDir)
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if rollbackSteps < 1 {
			return errors.New("--steps must be at least 1")
		}
		url, err := databaseURL()
		if err != nil {
			return err
		}
		if err := store.RollbackMigrations(url, migrationsDir, rollbackSteps); err != nil {
			slog.Error("migrate down failed", "error", err)
			return err
		}
		slog.Info("migrations rolled back", "steps", rollbackSteps)
		return nil
	},
}

func init() {
	migrateDownCmd.Flags().IntVar(&rollbackSteps, "steps", 1, "number of migrations to roll back")
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd)
	rootCmd.AddCommand(migrateCmd)
}

func databaseURL() (string, error) {
	cfg, _, cleanup, err := loadConfig()
	if err != nil {
		return "", err
	}
	_ = cleanup()
	if cfg.Database.URL == "" {
		return "", errors.New("DATABASE_URL is required")
	}
	return cfg.Database.URL, nil
}
