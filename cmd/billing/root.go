package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/warp/clinic-billing/config"
	"github.com/warp/clinic-billing/ledger"
	memstore "github.com/warp/clinic-billing/ledger/store"
	"github.com/warp/clinic-billing/logger"
	"github.com/warp/clinic-billing/store/postgres"
	"github.com/warp/clinic-billing/store/sqlite"
)

var version = "0.1.0"

var (
	settings = viper.New()
	cfg      *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "billing",
	Short: "Clinic billing reconciliation and derivation engine",
	Long: `billing prices therapy sessions into invoices, keeps invoice balances
consistent with the payments linked to them, and freezes monthly
profit/loss closures.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(settings)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := logger.Setup(loaded.Log); err != nil {
			return fmt.Errorf("setup logger: %w", err)
		}
		cfg = loaded
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		log := logger.WithComponent("cmd")
		log.Error().Err(err).Msg("command failed")
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("store", "", "Store backend: memory, sqlite or postgres")
	flags.String("sqlite-path", "", "SQLite database path (\":memory:\" for in-memory)")
	flags.String("pgsql-url", "", "PostgreSQL connection URL")
	flags.String("log-level", "", "Log level: trace, debug, info, warn, error")
	flags.String("log-format", "", "Log format: json or console")

	bind := map[string]string{
		"BILLING_STORE":       "store",
		"BILLING_SQLITE_PATH": "sqlite-path",
		"BILLING_PGSQL_URL":   "pgsql-url",
		"LOG_LEVEL":           "log-level",
		"LOG_FORMAT":          "log-format",
	}
	for key, flag := range bind {
		if err := settings.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}
}

// openStore opens the configured store backend.
func openStore(ctx context.Context, c *config.Config) (ledger.Store, error) {
	switch c.Store {
	case config.StoreMemory:
		return memstore.NewMemory(), nil
	case config.StoreSQLite:
		return sqlite.New(c.SQLitePath)
	case config.StorePostgres:
		if err := postgres.Migrate(c.DatabaseURL); err != nil {
			return nil, err
		}
		return postgres.New(ctx, c.DatabaseURL)
	}
	return nil, fmt.Errorf("unknown store %q", c.Store)
}
