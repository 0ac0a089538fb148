package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/postgres"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/services/api-gateway/config"
)

var migrateTimeout time.Duration

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the embedded schema migrations",
	Long: `Create the reference tables (priorities, complexities, task types,
statuses, projects) and the tasks table. Every migration is idempotent, so
running it against an up-to-date database is a no-op.

Reads the DSN from --postgres-dsn, POSTGRES_DSN or the config file.`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().DurationVar(&migrateTimeout, "timeout", 30*time.Second, "give up after this long")
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, "api-gateway").With(slog.String("command", "migrate"))

	ctx, cancel := context.WithTimeout(cmd.Context(), migrateTimeout)
	defer cancel()

	pool, err := postgres.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	started := time.Now()
	if err := postgres.Migrate(ctx, pool, logger); err != nil {
		return err
	}
	logger.Info("migrations complete", slog.Duration("took", time.Since(started)))
	return nil
}
