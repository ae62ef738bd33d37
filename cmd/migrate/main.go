package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	configPath    string
	migrationsDir string
)

var rootCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply schema migrations and manage merchants",
	Long: `Apply schema migrations and manage merchants.

Without a subcommand, migrate runs "up". For db.driver=postgres the SQL files
in --dir are applied in name order and recorded in schema_migrations; for
db.driver=sqlite the schema is created from the gorm models.`,
	SilenceUsage: true,
	RunE:         runUp,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (defaults to CONFIG_PATH or configs/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&migrationsDir, "dir", "migrations", "directory holding the postgres .sql migrations")
	rootCmd.AddCommand(upCmd, merchantCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("migrate failed")
		os.Exit(1)
	}
}
