package domain

import (
	"time"
)

// Config represents the main application configuration
type Config struct {
	Environment string         `mapstructure:"environment"`
	Server      ServerConfig   `mapstructure:"server"`
	Database    DatabaseConfig `mapstructure:"database"`
	Cache       CacheConfig    `mapstructure:"cache"`
	Kafka       KafkaConfig    `mapstructure:"kafka"`
	Logging     LoggingConfig  `mapstructure:"logging"`
	QC          QCConfig       `mapstructure:"qc"`
	MCP         MCPConfig      `mapstructure:"mcp"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	RateLimitPerSec   float64       `mapstructure:"rate_limit_per_sec"`
	RateLimitBurst    int           `mapstructure:"rate_limit_burst"`
	TLSEnabled        bool          `mapstructure:"tls_enabled"`
	CertFile          string        `mapstructure:"cert_file"`
	KeyFile           string        `mapstructure:"key_file"`
	EnableVerdictFeed bool          `mapstructure:"enable_verdict_feed"`
}

// DatabaseConfig represents database connection configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// CacheConfig represents cache configuration
type CacheConfig struct {
	RedisURL    string        `mapstructure:"redis_url"`
	DefaultTTL  time.Duration `mapstructure:"default_ttl"`
	MaxRetries  int           `mapstructure:"max_retries"`
	PoolSize    int           `mapstructure:"pool_size"`
	PoolTimeout time.Duration `mapstructure:"pool_timeout"`
}

// KafkaConfig represents the verdict event stream configuration
type KafkaConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Brokers      []string      `mapstructure:"brokers"`
	VerdictTopic string        `mapstructure:"verdict_topic"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	BreakerTrip  uint32        `mapstructure:"breaker_trip"`
	BreakerOpen  time.Duration `mapstructure:"breaker_open"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// QCConfig represents the rule engine configuration
type QCConfig struct {
	MeanRunLength   int           `mapstructure:"mean_run_length"`
	HistoryWindow   int           `mapstructure:"history_window"`
	RollingWindow   int           `mapstructure:"rolling_window"`
	EstablishN      uint64        `mapstructure:"establish_n"`
	IncludeRejected bool          `mapstructure:"include_rejected"`
	RunIndexSize    int           `mapstructure:"run_index_size"`
	RuleProfiles    string        `mapstructure:"rule_profiles"`
	HydrateOnStart  bool          `mapstructure:"hydrate_on_start"`
	HydrateTimeout  time.Duration `mapstructure:"hydrate_timeout"`
}

// MCPConfig represents MCP server configuration
type MCPConfig struct {
	ServerName    string `mapstructure:"server_name"`
	ServerVersion string `mapstructure:"server_version"`
	TransportType string `mapstructure:"transport_type"` // "stdio"
}
