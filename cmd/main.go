package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"nymeahem/internal/api"
	"nymeahem/internal/config"
	"nymeahem/internal/coordinator"
	"nymeahem/internal/metrics"
	"nymeahem/internal/nymea"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := flag.String("config", os.Getenv("NYMEA_CONFIG"), "path to YAML config file")
	flag.Parse()

	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, using environment variables")
	}

	cfg, err := config.NewLoader(*configPath, logger).Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	if level, err := zapcore.ParseLevel(cfg.LogLevel); err == nil && level != zapcore.InfoLevel {
		prodConfig := zap.NewProductionConfig()
		prodConfig.Level = zap.NewAtomicLevelAt(level)
		if l, err := prodConfig.Build(); err == nil {
			logger = l
		}
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	logger.Info("Starting nymea hub client",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.Bool("tls", cfg.TLS))

	client := nymea.NewClient(nymea.Options{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
		TLS:      cfg.TLS,
		Metrics:  m,
	}, logger)
	defer client.Close()

	poller := coordinator.New(client, coordinator.Options{
		PollInterval:   cfg.PollInterval,
		RequestTimeout: cfg.RequestTimeout,
		Metrics:        m,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var server *api.Server
	if cfg.APIPort > 0 {
		server = api.NewServer(poller, client, reg, logger, cfg.APIPort)
		if err := server.Start(); err != nil {
			logger.Fatal("Failed to start API server", zap.Error(err))
		}
	}

	if err := poller.Start(ctx); err != nil {
		if ctx.Err() == nil {
			logger.Error("Failed to connect to hub", zap.Error(err))
		}
		shutdown(server, logger)
		return
	}

	logger.Info("Application running. Press Ctrl+C to exit.",
		zap.Int("sensors", len(poller.Sensors())))

	// Wait for shutdown signal
	<-ctx.Done()

	logger.Info("Shutting down gracefully...")
	poller.Stop()
	shutdown(server, logger)
}

func shutdown(server *api.Server, logger *zap.Logger) {
	if server == nil {
		return
	}
	if err := server.Stop(); err != nil {
		logger.Error("Failed to stop API server", zap.Error(err))
	}
}
