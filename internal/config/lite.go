// Package config provides configuration management for the QC server.
// This file contains the lightweight configuration for standalone operation.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// LiteConfig is a simplified configuration for standalone operation.
// It requires no external services and keeps all state in SQLite files.
type LiteConfig struct {
	// Data storage
	DataDir string // Base directory for data files

	// Cache settings
	CacheMaxItems int           // Maximum groups in the in-memory stats cache
	CacheTTL      time.Duration // Stats cache TTL

	// QC engine settings
	MeanRunLength   int    // N of the N-x rule
	EstablishN      uint64 // Points before computed stats replace an assigned baseline
	IncludeRejected bool   // Feed rejected runs into the baseline
	RuleProfiles    string // Optional YAML rule profile file

	// Transport settings
	Transport string // Transport type: stdio
	HTTPPort  int    // HTTP port (if transport is http)

	// Logging
	LogLevel  string // Log level: debug, info, warn, error
	LogFormat string // Log format: json, text
}

// DefaultLiteConfig returns a configuration with sensible defaults.
func DefaultLiteConfig() *LiteConfig {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".labflow-qc")

	return &LiteConfig{
		DataDir:       dataDir,
		CacheMaxItems: 1000,
		CacheTTL:      time.Hour,
		MeanRunLength: 10,
		EstablishN:    20,
		Transport:     "stdio",
		HTTPPort:      8080,
		LogLevel:      "info",
		LogFormat:     "json",
	}
}

// LoadLiteConfig loads configuration from environment variables.
// Falls back to defaults if not set.
func LoadLiteConfig() *LiteConfig {
	cfg := DefaultLiteConfig()

	if v := os.Getenv("LABFLOW_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	if v := os.Getenv("LABFLOW_CACHE_MAX_ITEMS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CacheMaxItems = n
		}
	}
	if v := os.Getenv("LABFLOW_CACHE_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CacheTTL = d
		}
	}

	if v := os.Getenv("LABFLOW_MEAN_RUN_LENGTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 2 {
			cfg.MeanRunLength = n
		}
	}
	if v := os.Getenv("LABFLOW_ESTABLISH_N"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil && n > 0 {
			cfg.EstablishN = n
		}
	}
	if v := os.Getenv("LABFLOW_INCLUDE_REJECTED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.IncludeRejected = b
		}
	}
	cfg.RuleProfiles = os.Getenv("LABFLOW_RULE_PROFILES")

	if v := os.Getenv("LABFLOW_TRANSPORT"); v != "" {
		cfg.Transport = strings.ToLower(v)
	}
	if v := os.Getenv("LABFLOW_HTTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.HTTPPort = n
		}
	}

	if v := os.Getenv("LABFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LABFLOW_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	return cfg
}

// QCDBPath returns the path to the measurement and verdict SQLite database.
func (c *LiteConfig) QCDBPath() string {
	return filepath.Join(c.DataDir, "qc.db")
}

// ReviewDBPath returns the path to the verdict review SQLite database.
func (c *LiteConfig) ReviewDBPath() string {
	return filepath.Join(c.DataDir, "reviews.db")
}

// ExportDir returns the directory for JSON exports.
func (c *LiteConfig) ExportDir() string {
	return filepath.Join(c.DataDir, "exports")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *LiteConfig) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	return os.MkdirAll(c.ExportDir(), 0755)
}
