package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLiteConfig(t *testing.T) {
	cfg := DefaultLiteConfig()

	assert.NotEmpty(t, cfg.DataDir)
	assert.Equal(t, 1000, cfg.CacheMaxItems)
	assert.Equal(t, time.Hour, cfg.CacheTTL)
	assert.Equal(t, 10, cfg.MeanRunLength)
	assert.Equal(t, uint64(20), cfg.EstablishN)
	assert.False(t, cfg.IncludeRejected)
	assert.Equal(t, "stdio", cfg.Transport)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoadLiteConfig_Defaults(t *testing.T) {
	clearEnvVars(t)

	cfg := LoadLiteConfig()

	assert.NotEmpty(t, cfg.DataDir)
	assert.Equal(t, 1000, cfg.CacheMaxItems)
	assert.Equal(t, "stdio", cfg.Transport)
	assert.Empty(t, cfg.RuleProfiles)
}

func TestLoadLiteConfig_EnvironmentOverrides(t *testing.T) {
	clearEnvVars(t)

	t.Setenv("LABFLOW_DATA_DIR", "/tmp/test-labflow")
	t.Setenv("LABFLOW_CACHE_MAX_ITEMS", "500")
	t.Setenv("LABFLOW_CACHE_TTL", "12h")
	t.Setenv("LABFLOW_MEAN_RUN_LENGTH", "12")
	t.Setenv("LABFLOW_ESTABLISH_N", "30")
	t.Setenv("LABFLOW_INCLUDE_REJECTED", "true")
	t.Setenv("LABFLOW_RULE_PROFILES", "/etc/labflow/profiles.yaml")
	t.Setenv("LABFLOW_TRANSPORT", "STDIO")
	t.Setenv("LABFLOW_HTTP_PORT", "9090")
	t.Setenv("LABFLOW_LOG_LEVEL", "debug")

	cfg := LoadLiteConfig()

	assert.Equal(t, "/tmp/test-labflow", cfg.DataDir)
	assert.Equal(t, 500, cfg.CacheMaxItems)
	assert.Equal(t, 12*time.Hour, cfg.CacheTTL)
	assert.Equal(t, 12, cfg.MeanRunLength)
	assert.Equal(t, uint64(30), cfg.EstablishN)
	assert.True(t, cfg.IncludeRejected)
	assert.Equal(t, "/etc/labflow/profiles.yaml", cfg.RuleProfiles)
	assert.Equal(t, "stdio", cfg.Transport)
	assert.Equal(t, 9090, cfg.HTTPPort)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadLiteConfig_IgnoresInvalidValues(t *testing.T) {
	clearEnvVars(t)

	t.Setenv("LABFLOW_CACHE_MAX_ITEMS", "-4")
	t.Setenv("LABFLOW_MEAN_RUN_LENGTH", "1")
	t.Setenv("LABFLOW_INCLUDE_REJECTED", "maybe")

	cfg := LoadLiteConfig()

	assert.Equal(t, 1000, cfg.CacheMaxItems)
	assert.Equal(t, 10, cfg.MeanRunLength)
	assert.False(t, cfg.IncludeRejected)
}

func TestLiteConfig_Paths(t *testing.T) {
	cfg := &LiteConfig{DataDir: "/home/user/.labflow-qc"}

	assert.Equal(t, "/home/user/.labflow-qc/qc.db", cfg.QCDBPath())
	assert.Equal(t, "/home/user/.labflow-qc/reviews.db", cfg.ReviewDBPath())
	assert.Equal(t, "/home/user/.labflow-qc/exports", cfg.ExportDir())
}

func TestLiteConfig_EnsureDataDir(t *testing.T) {
	cfg := &LiteConfig{DataDir: filepath.Join(t.TempDir(), "labflow")}

	err := cfg.EnsureDataDir()
	require.NoError(t, err)

	_, err = os.Stat(cfg.DataDir)
	assert.NoError(t, err)

	_, err = os.Stat(cfg.ExportDir())
	assert.NoError(t, err)
}

func clearEnvVars(t *testing.T) {
	t.Helper()
	vars := []string{
		"LABFLOW_DATA_DIR",
		"LABFLOW_CACHE_MAX_ITEMS",
		"LABFLOW_CACHE_TTL",
		"LABFLOW_MEAN_RUN_LENGTH",
		"LABFLOW_ESTABLISH_N",
		"LABFLOW_INCLUDE_REJECTED",
		"LABFLOW_RULE_PROFILES",
		"LABFLOW_TRANSPORT",
		"LABFLOW_HTTP_PORT",
		"LABFLOW_LOG_LEVEL",
		"LABFLOW_LOG_FORMAT",
	}
	for _, v := range vars {
		t.Setenv(v, "")
	}
}
