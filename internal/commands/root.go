package commands

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/market-sync/internal/app"
	"github.com/market-sync/pkg/config"
	"github.com/market-sync/pkg/logger"
	"github.com/market-sync/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	verbose  bool
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "market-sync",
	Short: "Daily market data synchronization",
	Long: `market-sync keeps a local store of bars, financial statements and
valuations in step with an upstream market data provider.

A run updates the trading calendar and the symbol directory, syncs new bars
incrementally, fills missing financials and valuations, repairs recent gaps
and validates a sample of stored bars. Every phase is checkpointed, so an
interrupted run resumes where it stopped.`,
	Version:       "1.0.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "Log level (debug, info, warn, error)")
}

// loadConfig loads configuration and applies global flags
func loadConfig() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	log, err := logger.New(&cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, log, nil
}

// newApp loads configuration, applies tweak and initializes every component
func newApp(tweak func(*config.Config)) (*app.App, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if tweak != nil {
		tweak(cfg)
	}
	a := app.New(cfg, log)
	if err := a.Initialize(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// newStoreApp initializes only the store
func newStoreApp() (*app.App, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, err
	}
	a := app.New(cfg, log)
	if err := a.InitializeStore(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// parseDate parses a YYYY-MM-DD flag; empty means fallback
func parseDate(flag, value string, fallback time.Time) (time.Time, error) {
	if value == "" {
		return fallback, nil
	}
	d, err := models.ParseDate(value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --%s %q, expected YYYY-MM-DD", flag, value)
	}
	return d, nil
}

// splitList splits a comma separated flag value
func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
