// Command checkinctl is the operator CLI for the check-in service.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/your-org/checkin/internal/config"
	"github.com/your-org/checkin/internal/observability"
	"github.com/your-org/checkin/internal/storage"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "checkinctl",
	Short: "Operate the face check-in service",
	Long: `checkinctl manages the check-in database: apply migrations, enroll people
from photos, inspect or change the work schedule and print attendance reports.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "configs/config.yaml", "path to config file")
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	observability.SetupLogger(cfg.Logging.Level, "text")
	return cfg, nil
}

func openDB(ctx context.Context, cfg *config.Config) (*storage.PostgresStore, error) {
	db, err := storage.NewPostgresStore(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return db, nil
}

// mustGetString gets a string flag value or panics if the flag doesn't exist.
func mustGetString(cmd *cobra.Command, name string) string {
	val, err := cmd.Flags().GetString(name)
	if err != nil {
		panic(fmt.Sprintf("flag error for --%s: %v", name, err))
	}
	return val
}

func mustGetInt(cmd *cobra.Command, name string) int {
	val, err := cmd.Flags().GetInt(name)
	if err != nil {
		panic(fmt.Sprintf("flag error for --%s: %v", name, err))
	}
	return val
}

func mustGetIntSlice(cmd *cobra.Command, name string) []int {
	val, err := cmd.Flags().GetIntSlice(name)
	if err != nil {
		panic(fmt.Sprintf("flag error for --%s: %v", name, err))
	}
	return val
}

func mustGetBool(cmd *cobra.Command, name string) bool {
	val, err := cmd.Flags().GetBool(name)
	if err != nil {
		panic(fmt.Sprintf("flag error for --%s: %v", name, err))
	}
	return val
}
