package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/labflow-qc-server/internal/api"
	"github.com/labflow-qc-server/internal/app"
	"github.com/labflow-qc-server/internal/config"
)

func main() {
	// Load configuration
	configManager, err := config.NewManagerFromFile(os.Getenv("LABFLOW_QC_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Validate configuration
	if err := configManager.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}

	cfg := configManager.GetConfig()
	logger := app.NewLogger(cfg.Logging)
	logger.WithField("environment", cfg.Environment).Infof("Starting LabFlow QC server on %s:%d", cfg.Server.Host, cfg.Server.Port)

	// Setup graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	stack, err := app.New(ctx, configManager, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize QC stack")
	}
	defer func() {
		if err := stack.Close(); err != nil {
			logger.WithError(err).Error("Shutdown completed with errors")
		}
	}()

	opts := []api.ServerOption{api.WithReviewStore(stack.Reviews)}
	if cfg.Server.EnableVerdictFeed {
		opts = append(opts, api.WithVerdictHub(stack.Hub))
	}
	for name, check := range stack.Checks {
		opts = append(opts, api.WithHealthCheck(name, check))
	}

	server := api.NewServer(cfg.Server, stack.QC, logger, opts...)
	if err := server.Start(ctx); err != nil {
		logger.WithError(err).Error("Server failed")
		return
	}

	logger.Info("Server stopped")
}
