// Package app assembles the full QC stack from configuration: Postgres
// storage, the Redis stats cache, Kafka verdict events and the review store.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/labflow-qc-server/internal/api"
	"github.com/labflow-qc-server/internal/cache"
	"github.com/labflow-qc-server/internal/config"
	"github.com/labflow-qc-server/internal/database"
	"github.com/labflow-qc-server/internal/domain"
	"github.com/labflow-qc-server/internal/notify"
	"github.com/labflow-qc-server/internal/repository"
	"github.com/labflow-qc-server/internal/review"
	"github.com/labflow-qc-server/internal/service"
)

// App holds the assembled components. Close releases them in reverse order.
type App struct {
	Config  *domain.Config
	Logger  *logrus.Logger
	DB      *database.DB
	QC      *service.QCService
	Reviews review.Store
	Hub     *api.VerdictHub
	Checks  map[string]api.HealthChecker

	closers []func() error
}

// NewLogger builds the logrus logger described by cfg.
func NewLogger(cfg domain.LoggingConfig) *logrus.Logger {
	logger := logrus.New()

	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	var out io.Writer = os.Stdout
	if cfg.Output == "stderr" {
		out = os.Stderr
	}
	logger.SetOutput(out)
	return logger
}

// New connects to every configured backend, migrates the schema and builds
// the QC service. Optional backends that fail to connect are logged and
// skipped; Postgres is required.
func New(ctx context.Context, manager *config.Manager, logger *logrus.Logger) (*App, error) {
	cfg := manager.GetConfig()
	a := &App{
		Config: cfg,
		Logger: logger,
		Checks: map[string]api.HealthChecker{},
	}

	if err := database.Migrate(manager.GetDatabaseURL(), cfg.Database.MigrationsPath, logger); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	db, err := database.NewConnection(ctx, database.ConfigFromDomain(cfg.Database), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	a.DB = db
	a.Checks["database"] = db.Health

	reviews, err := review.NewPostgresStoreFromURL(manager.GetDatabaseURL())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open review store: %w", err)
	}
	a.Reviews = reviews
	a.closers = append(a.closers, reviews.Close)

	profiles, err := config.LoadRuleProfiles(cfg.QC.RuleProfiles)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to load rule profiles: %w", err)
	}

	a.Hub = api.NewVerdictHub(logger)
	notifiers := []domain.VerdictNotifier{notify.NewLogNotifier(logger)}
	if cfg.Server.EnableVerdictFeed {
		notifiers = append(notifiers, a.Hub)
	}
	if cfg.Kafka.Enabled {
		kafka, err := notify.NewKafkaNotifier(cfg.Kafka, logger)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create kafka notifier: %w", err)
		}
		notifiers = append(notifiers, notify.NewBreakerNotifier(kafka, notify.BreakerSettings{
			Name: "kafka-verdicts",
			Trip: cfg.Kafka.BreakerTrip,
			Open: cfg.Kafka.BreakerOpen,
		}, logger))
	}

	opts := []service.ServiceOption{
		service.WithRepository(repository.NewQCRepository(db.Pool, logger)),
		service.WithNotifier(notify.NewMultiNotifier(notifiers...)),
	}
	if statsCache := a.statsCache(ctx, cfg.Cache); statsCache != nil {
		opts = append(opts, service.WithStatsCache(statsCache))
	}

	qc, err := service.NewQCService(logger,
		service.PipelineConfigFromQC(cfg.QC, profiles.Profiles, profiles.PlausibleRanges), opts...)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create QC service: %w", err)
	}
	a.QC = qc

	if cfg.QC.HydrateOnStart {
		hydrateCtx, cancel := context.WithTimeout(ctx, hydrateTimeout(cfg.QC))
		defer cancel()
		if err := qc.Hydrate(hydrateCtx); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to hydrate QC state: %w", err)
		}
	}

	logger.WithFields(logrus.Fields{
		"tenants":       len(qc.Tenants()),
		"kafka_enabled": cfg.Kafka.Enabled,
		"verdict_feed":  cfg.Server.EnableVerdictFeed,
	}).Info("QC stack initialized")
	return a, nil
}

// statsCache fronts Redis with an in-process LRU when Redis is configured and
// reachable, and falls back to the LRU alone otherwise.
func (a *App) statsCache(ctx context.Context, cfg domain.CacheConfig) domain.StatsCache {
	local := cache.NewMemoryCache(0, cfg.DefaultTTL)
	if cfg.RedisURL == "" {
		return local
	}

	shared, err := cache.NewRedisCache(ctx, cfg, a.Logger)
	if err != nil {
		a.Logger.WithError(err).Warn("Redis unavailable, using in-process stats cache only")
		return local
	}
	a.Checks["redis"] = shared.Ping
	return cache.NewTieredCache(local, shared)
}

func hydrateTimeout(qc domain.QCConfig) time.Duration {
	if qc.HydrateTimeout > 0 {
		return qc.HydrateTimeout
	}
	return 2 * time.Minute
}

// Close releases every component.
func (a *App) Close() error {
	var errs []error
	if a.Hub != nil {
		errs = append(errs, a.Hub.Close())
	}
	if a.QC != nil {
		errs = append(errs, a.QC.Close())
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	if a.DB != nil {
		a.DB.Close()
	}
	return errors.Join(errs...)
}
