package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/warp/clinic-billing/logger"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config holds application configuration.
type Config struct {
	Port        string
	Store       string
	SQLitePath  string
	DatabaseURL string
	CORSOrigins []string
	// ReconcileInterval is the background sweep period; 0 disables it.
	ReconcileInterval time.Duration
	// DemoScenarios exposes /api/scenarios. Development only.
	DemoScenarios bool
	Log           logger.LogConfig
}

// Load reads configuration from the environment and a .env file if present.
// v may carry flag bindings that take precedence; nil uses a fresh viper.
func Load(v *viper.Viper) (*Config, error) {
	// Missing .env is fine
	_ = godotenv.Load()

	if v == nil {
		v = viper.New()
	}
	defaults := logger.DefaultConfig()
	v.SetDefault("BILLING_PORT", "8080")
	v.SetDefault("BILLING_STORE", StoreSQLite)
	v.SetDefault("BILLING_SQLITE_PATH", "./data/billing.db")
	v.SetDefault("BILLING_PGSQL_URL", "")
	v.SetDefault("BILLING_CORS_ORIGINS", "*")
	v.SetDefault("BILLING_RECONCILE_INTERVAL", time.Hour)
	v.SetDefault("BILLING_DEMO_SCENARIOS", false)
	v.SetDefault("LOG_LEVEL", defaults.Level)
	v.SetDefault("LOG_FORMAT", defaults.Format)
	v.SetDefault("LOG_OUTPUT", defaults.Output)
	v.AutomaticEnv()

	cfg := &Config{
		Port:              v.GetString("BILLING_PORT"),
		Store:             strings.ToLower(v.GetString("BILLING_STORE")),
		SQLitePath:        v.GetString("BILLING_SQLITE_PATH"),
		DatabaseURL:       v.GetString("BILLING_PGSQL_URL"),
		CORSOrigins:       splitList(v.GetString("BILLING_CORS_ORIGINS")),
		ReconcileInterval: v.GetDuration("BILLING_RECONCILE_INTERVAL"),
		DemoScenarios:     v.GetBool("BILLING_DEMO_SCENARIOS"),
		Log: logger.LogConfig{
			Level:      v.GetString("LOG_LEVEL"),
			Format:     v.GetString("LOG_FORMAT"),
			TimeFormat: defaults.TimeFormat,
			Output:     v.GetString("LOG_OUTPUT"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the selected store has what it needs.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreMemory:
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("BILLING_SQLITE_PATH is required for the sqlite store")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("BILLING_PGSQL_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown BILLING_STORE %q (want memory, sqlite or postgres)", c.Store)
	}
	if c.ReconcileInterval < 0 {
		return fmt.Errorf("BILLING_RECONCILE_INTERVAL must not be negative")
	}
	if c.Port == "" {
		return fmt.Errorf("BILLING_PORT must not be empty")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
