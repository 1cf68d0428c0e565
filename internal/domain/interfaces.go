package domain

import (
	"context"
)

// QCRepository persists measurements, verdicts and baselines for one or more
// tenants. The engine never calls it; QCService does after a verdict exists.
type QCRepository interface {
	SaveMeasurement(ctx context.Context, tenantID string, m *Measurement) error
	SaveVerdict(ctx context.Context, tenantID string, v *StoredVerdict) error
	SaveBaseline(ctx context.Context, tenantID string, b *Baseline) error
	ListMeasurements(ctx context.Context, tenantID string, group ControlGroup) ([]Measurement, error)
	// ListArrivals returns every measurement of a tenant in the order it was
	// stored.
	ListArrivals(ctx context.Context, tenantID string) ([]StoredMeasurement, error)
	ListVerdicts(ctx context.Context, tenantID string, group ControlGroup, limit int) ([]StoredVerdict, error)
	ListBaselines(ctx context.Context, tenantID string) ([]Baseline, error)
	ListTenants(ctx context.Context) ([]string, error)
	Close() error
}

// VerdictNotifier delivers verdicts to the downstream workflow (alerting,
// result holds, chart feeds).
type VerdictNotifier interface {
	Notify(ctx context.Context, tenantID string, processed *ProcessedMeasurement) error
	Close() error
}

// StatsCache publishes the latest per-group stats for readers outside the
// engine process.
type StatsCache interface {
	SetStats(ctx context.Context, tenantID string, group ControlGroup, stats RunningStats) error
	GetStats(ctx context.Context, tenantID string, group ControlGroup) (*RunningStats, bool, error)
	Close() error
}

// ConfigManager defines the interface for configuration management
type ConfigManager interface {
	GetConfig() *Config
	GetDatabaseConfig() *DatabaseConfig
	GetServerConfig() *ServerConfig
	GetQCConfig() *QCConfig
	Reload() error
	Validate() error
	GetDatabaseConnectionString() string
	GetDatabaseURL() string
	GetRedisConnectionString() string
	IsProduction() bool
	IsDevelopment() bool
}
