// Package mcp exposes the QC engine as Model Context Protocol tools.
package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sirupsen/logrus"

	"github.com/labflow-qc-server/internal/review"
	"github.com/labflow-qc-server/internal/service"
)

// ServerInfo contains MCP server metadata
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// DefaultServerInfo names the server when the configuration leaves it blank.
var DefaultServerInfo = ServerInfo{Name: "labflow-qc-server", Version: "v1.0.0"}

// Server is an MCP server over a QCService.
type Server struct {
	info      ServerInfo
	mcpServer *mcp.Server
	tools     *QCTools
	toolCount int
	logger    *logrus.Logger
}

// NewServer creates an MCP server and registers the QC tools. reviews may be
// nil.
func NewServer(info ServerInfo, qc *service.QCService, reviews review.Store, exportDir string, logger *logrus.Logger) *Server {
	if info.Name == "" {
		info.Name = DefaultServerInfo.Name
	}
	if info.Version == "" {
		info.Version = DefaultServerInfo.Version
	}

	mcpServer := mcp.NewServer(&mcp.Implementation{Name: info.Name, Version: info.Version}, nil)
	tools := NewQCTools(qc, reviews, exportDir, logger)
	count := tools.Register(mcpServer)

	logger.WithFields(logrus.Fields{
		"server":     info.Name,
		"tool_count": count,
	}).Info("Registered MCP tools")

	return &Server{
		info:      info,
		mcpServer: mcpServer,
		tools:     tools,
		toolCount: count,
		logger:    logger,
	}
}

// ToolCount returns the number of registered tools.
func (s *Server) ToolCount() int {
	return s.toolCount
}

// Run serves MCP over transport until ctx is done or the peer disconnects.
func (s *Server) Run(ctx context.Context, transport mcp.Transport) error {
	if err := s.mcpServer.Run(ctx, transport); err != nil {
		return fmt.Errorf("MCP server failed: %w", err)
	}
	return nil
}

// Start serves MCP over the named transport. Only stdio is supported; other
// names fall back to it.
func (s *Server) Start(ctx context.Context, transportType string) error {
	if transportType != "" && transportType != "stdio" {
		s.logger.WithField("transport_type", transportType).Warn("Unsupported transport, using stdio")
	}
	s.logger.WithField("server", s.info.Name).Info("Starting MCP server on stdio")
	return s.Run(ctx, &mcp.StdioTransport{})
}
