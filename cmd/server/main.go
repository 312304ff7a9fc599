// Package main provides the entry point for the strategy optimizer server.
// It exposes backtests and background hyperopt jobs over HTTP, streams job
// progress over WebSocket and serves Prometheus metrics.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/atlas-desktop/strategy-optimizer/internal/api"
	"github.com/atlas-desktop/strategy-optimizer/internal/config"
	"github.com/atlas-desktop/strategy-optimizer/internal/data"
	"github.com/atlas-desktop/strategy-optimizer/internal/hyperopt"
	"github.com/atlas-desktop/strategy-optimizer/internal/metrics"
	"github.com/atlas-desktop/strategy-optimizer/internal/strategy"
	"github.com/atlas-desktop/strategy-optimizer/pkg/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "Config file (default: ./config.yaml or ./configs/config.yaml)")
	host := flag.String("host", "", "Server host (overrides config)")
	port := flag.Int("port", 0, "Server port (overrides config)")
	dataDir := flag.String("data", "", "Data directory (overrides config)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dataDir != "" {
		cfg.Data.Dir = *dataDir
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	logger, err := utils.NewLogger(cfg.Log.Level, cfg.Log.Encoding)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting strategy optimizer server",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("dataDir", cfg.Data.Dir),
		zap.String("strategies", cfg.Strategies.Dir),
		zap.String("method", string(cfg.Optimizer.Method)),
	)

	dataStore, err := data.NewStore(logger, cfg.Data.Dir)
	if err != nil {
		logger.Fatal("Failed to initialize data store", zap.Error(err))
	}

	registry := strategy.NewRegistry(logger)
	loaded, err := registry.LoadDir(cfg.Strategies.Dir)
	if err != nil {
		logger.Fatal("Failed to load strategies", zap.Error(err))
	}
	logger.Info("Strategies loaded", zap.Int("count", loaded), zap.Strings("names", registry.List()))

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(promRegistry)

	service := hyperopt.NewService(logger, dataStore, registry, &cfg.Optimizer)
	server := api.NewServer(logger, cfg.Server, service, collector, promRegistry)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Error("Server error", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", zap.Error(err))
	}

	logger.Info("Server stopped")
}
