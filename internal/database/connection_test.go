package database

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/labflow-qc-server/internal/domain"
)

func startPostgres(t *testing.T) Config {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Postgres container test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("labflow_qc"),
		postgres.WithUsername("qc"),
		postgres.WithPassword("qcpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err, "starting PostgreSQL container")
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate PostgreSQL container: %v", err)
		}
	})

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	return ConfigFromDomain(domain.DatabaseConfig{
		Host:         host,
		Port:         port.Int(),
		Database:     "labflow_qc",
		Username:     "qc",
		Password:     "qcpass",
		MaxOpenConns: 10,
		MaxIdleConns: 2,
	})
}

func TestConfigFromDomain(t *testing.T) {
	cfg := ConfigFromDomain(domain.DatabaseConfig{
		Host:         "db",
		Port:         5432,
		Database:     "labflow_qc",
		Username:     "qc",
		Password:     "pw",
		MaxIdleConns: 40,
	})

	assert.Equal(t, int32(10), cfg.MaxConns)
	assert.Equal(t, int32(10), cfg.MinConns)
	assert.Equal(t, "disable", cfg.SSLMode)
	assert.Equal(t, time.Hour, cfg.MaxConnLife)
	assert.Equal(t, "host=db port=5432 dbname=labflow_qc user=qc password=pw sslmode=disable", cfg.DSN())
}

func TestDatabaseConnection(t *testing.T) {
	config := startPostgres(t)
	ctx := context.Background()

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	db, err := NewConnection(ctx, config, logger)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Health(ctx))

	stats := db.Stats()
	assert.NotZero(t, stats.TotalConns(), "expected at least one connection in pool")
}

func TestMigrations(t *testing.T) {
	config := startPostgres(t)
	ctx := context.Background()

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	url := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		config.Username, config.Password, config.Host, config.Port, config.Database)

	require.NoError(t, Migrate(url, "../../migrations", logger))
	// Applying twice is a no-op.
	require.NoError(t, Migrate(url, "../../migrations", logger))

	db, err := NewConnection(ctx, config, logger)
	require.NoError(t, err)
	defer db.Close()

	for _, table := range []string{"qc_measurements", "qc_verdicts", "qc_baselines", "verdict_reviews"} {
		var exists bool
		err := db.Pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)`, table,
		).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, table)
	}

	runner, err := NewMigrationRunner(url, "../../migrations", logger)
	require.NoError(t, err)
	defer runner.Close()

	version, dirty, err := runner.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(3), version)
	assert.False(t, dirty)

	require.NoError(t, runner.Down())
	version, _, err = runner.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
}
