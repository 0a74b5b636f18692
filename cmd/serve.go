package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/cwbudde/paramtuner/internal/config"
	"github.com/cwbudde/paramtuner/internal/metrics"
	"github.com/cwbudde/paramtuner/internal/server"
	"github.com/cwbudde/paramtuner/internal/store"
)

var (
	serveAddr    string
	serveDataDir string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server for parameter tuning",
	Long: `Starts the REST API: optimization jobs with live progress streams,
outcome recording, strategy recommendations, parameter suggestions, trend
reports and Prometheus metrics. Log level changes in the config file are
applied without a restart.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (default from config)")
	serveCmd.Flags().StringVar(&serveDataDir, "data-dir", "", "Checkpoint directory (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	c, watcher, err := config.Watch(cfgFile, func(next *config.Config) {
		level.Set(next.Logging.SlogLevel())
		slog.Info("Applied config reload", "log_level", next.Logging.Level)
	})
	if err != nil {
		return err
	}
	if watcher.File() != "" {
		slog.Info("Watching config file", "path", watcher.File())
	}
	cfg = c

	addr := c.Server.Addr
	if serveAddr != "" {
		addr = serveAddr
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, err := openEngine(ctx, m)
	if err != nil {
		return err
	}
	defer eng.Close()

	checkpointStore, err := store.NewFSStore(dataDir(serveDataDir))
	if err != nil {
		return fmt.Errorf("failed to create checkpoint store: %w", err)
	}

	var opts []server.Option
	if c.Metrics.Enabled {
		opts = append(opts, server.WithMetrics(m, reg, c.Metrics.Path))
	}
	srv := server.NewServer(addr, eng, checkpointStore, opts...)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	slog.Info("Server stopped")
	return nil
}
