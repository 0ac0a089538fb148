package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/postgres"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/internal/seed"
	"github.com/akashpixels/clientbridge-tasksphere-sub000/services/api-gateway/config"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load reference data and projects into PostgreSQL",
	Long: `Upsert priorities, complexities, task types, statuses and projects
from a YAML seed file. Without --file the built-in seed is used.`,
	RunE: runSeed,
}

func init() {
	seedCmd.Flags().String("file", "", "seed YAML file (default: built-in seed)")
	bindFlag("seed_file", seedCmd.Flags(), "file")
}

func runSeed(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())

	f, err := seed.Load(cfg.SeedFile)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := postgres.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if err := postgres.NewStore(pool, cfg.LockTimeout).Seed(ctx, f); err != nil {
		return err
	}
	fmt.Printf("seeded %d priorities, %d complexities, %d task types, %d statuses, %d projects\n",
		len(f.Priorities), len(f.Complexities), len(f.TaskTypes), len(f.Statuses), len(f.Projects))
	return nil
}
