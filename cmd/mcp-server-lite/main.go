// Package main provides the standalone MCP entry point for the LabFlow QC
// engine. It requires no external services and keeps its state in SQLite.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/labflow-qc-server/internal/config"
	"github.com/labflow-qc-server/internal/mcp"
)

func main() {
	// stdout carries the MCP stream.
	log.SetOutput(os.Stderr)

	cfg := config.LoadLiteConfig()
	log.Printf("Starting LabFlow QC MCP Server (Lite) with transport: %s", cfg.Transport)
	log.Printf("Data directory: %s", cfg.DataDir)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	server, err := mcp.NewLiteServer(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to create MCP server: %v", err)
	}
	defer server.Close()

	if err := server.Start(ctx); err != nil && ctx.Err() == nil {
		log.Printf("MCP server failed: %v", err)
		return
	}

	log.Println("LabFlow QC MCP Server (Lite) stopped")
}
