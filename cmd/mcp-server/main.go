// Package main serves the QC engine as MCP tools over stdio on top of the
// full Postgres-backed stack, sharing state with the HTTP server.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/labflow-qc-server/internal/app"
	"github.com/labflow-qc-server/internal/config"
	"github.com/labflow-qc-server/internal/mcp"
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
	cfg.Logging.Output = "stderr" // stdout carries the MCP stream
	logger := app.NewLogger(cfg.Logging)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	stack, err := app.New(ctx, configManager, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize QC stack")
	}
	defer stack.Close()

	server := mcp.NewServer(mcp.ServerInfo{Name: cfg.MCP.ServerName, Version: cfg.MCP.ServerVersion},
		stack.QC, stack.Reviews, "exports", logger)
	if err := server.Start(ctx, cfg.MCP.TransportType); err != nil && ctx.Err() == nil {
		logger.WithError(err).Error("MCP server failed")
		return
	}

	logger.Info("LabFlow QC MCP Server stopped")
}
