package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cwbudde/paramtuner/internal/config"
	"github.com/cwbudde/paramtuner/internal/engine"
	"github.com/cwbudde/paramtuner/internal/metrics"
	"github.com/cwbudde/paramtuner/internal/store"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
	logger    *slog.Logger

	// cfg is loaded before every command runs.
	cfg *config.Config

	// level can be changed at runtime by config reloads.
	level = new(slog.LevelVar)
)

var rootCmd = &cobra.Command{
	Use:   "paramtuner",
	Short: "Adaptive parameter optimization engine",
	Long: `paramtuner tunes the parameters of a learning system. It searches a
declared parameter space, learns which strategy works in which situation
from recorded outcomes, and serves suggestions over a REST API.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded

		// Flags win over the config file
		if cmd.Flags().Changed("log-level") {
			cfg.Logging.Level = logLevel
		}
		if cmd.Flags().Changed("log-format") {
			cfg.Logging.Format = logFormat
		}
		setupLogger(cfg.Logging)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./paramtuner.yaml or ./config/paramtuner.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "Log format (json, text)")
}

// setupLogger installs the default slog logger. Logs go to stderr so
// command output on stdout stays machine readable.
func setupLogger(lc config.LoggingConfig) {
	level.Set(lc.SlogLevel())
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if lc.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// currentConfig returns the loaded configuration, or the defaults when a
// command runs without the root pre-run (as in tests).
func currentConfig() *config.Config {
	if cfg == nil {
		d := config.Default()
		return &d
	}
	return cfg
}

// dataDir resolves the checkpoint directory: an explicit flag value wins.
func dataDir(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return currentConfig().Store.Dir
}

// openEngine builds an engine backed by the configured record store and
// restores its history.
func openEngine(ctx context.Context, m *metrics.Metrics) (*engine.Engine, error) {
	c := currentConfig()

	path := c.Store.RecordFile()
	if c.Store.RecordBackend == store.BackendSQLite {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create record directory: %w", err)
		}
	}
	records, err := store.NewRecordStore(ctx, c.Store.RecordBackend, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open record store: %w", err)
	}

	eng, err := engine.New(c.Config, engine.WithRecordStore(records), engine.WithMetrics(m))
	if err != nil {
		records.Close()
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	if _, err := eng.Restore(ctx); err != nil {
		eng.Close()
		return nil, err
	}
	return eng, nil
}
