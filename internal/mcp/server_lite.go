package mcp

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/labflow-qc-server/internal/cache"
	"github.com/labflow-qc-server/internal/config"
	"github.com/labflow-qc-server/internal/domain"
	"github.com/labflow-qc-server/internal/notify"
	"github.com/labflow-qc-server/internal/review"
	"github.com/labflow-qc-server/internal/service"
	"github.com/labflow-qc-server/internal/store"
)

// LiteServer is a standalone MCP server that requires no external services.
// Measurements, verdicts and reviews live in SQLite files under the data
// directory and stats are cached in memory.
type LiteServer struct {
	config  *config.LiteConfig
	server  *Server
	qc      *service.QCService
	repo    *store.SQLiteStore
	reviews review.Store
	cache   *cache.MemoryCache
	logger  *logrus.Logger
}

// LiteServerOption is a functional option for LiteServer.
type LiteServerOption func(*LiteServer) error

// WithReviewStore sets a custom review store.
func WithReviewStore(reviews review.Store) LiteServerOption {
	return func(s *LiteServer) error {
		s.reviews = reviews
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *logrus.Logger) LiteServerOption {
	return func(s *LiteServer) error {
		if logger == nil {
			return errors.New("logger is nil")
		}
		s.logger = logger
		return nil
	}
}

// NewLiteServer creates a lite MCP server and replays stored measurements so
// the engine resumes where it stopped.
func NewLiteServer(ctx context.Context, cfg *config.LiteConfig, opts ...LiteServerOption) (*LiteServer, error) {
	server := &LiteServer{
		config: cfg,
		logger: newLiteLogger(cfg),
	}

	for _, opt := range opts {
		if err := opt(server); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	profiles, err := config.LoadRuleProfiles(cfg.RuleProfiles)
	if err != nil {
		return nil, fmt.Errorf("failed to load rule profiles: %w", err)
	}

	repo, err := store.NewSQLiteStore(cfg.QCDBPath(), server.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open QC store: %w", err)
	}
	server.repo = repo

	if server.reviews == nil {
		reviews, err := review.NewSQLiteStore(cfg.ReviewDBPath())
		if err != nil {
			repo.Close()
			return nil, fmt.Errorf("failed to open review store: %w", err)
		}
		server.reviews = reviews
	}

	server.cache = cache.NewMemoryCache(cfg.CacheMaxItems, cfg.CacheTTL)

	pipelineConfig := service.PipelineConfigFromQC(domain.QCConfig{
		MeanRunLength:   cfg.MeanRunLength,
		EstablishN:      cfg.EstablishN,
		IncludeRejected: cfg.IncludeRejected,
	}, profiles.Profiles, profiles.PlausibleRanges)

	qc, err := service.NewQCService(server.logger, pipelineConfig,
		service.WithRepository(repo),
		service.WithStatsCache(server.cache),
		service.WithNotifier(notify.NewLogNotifier(server.logger)),
	)
	if err != nil {
		server.Close()
		return nil, fmt.Errorf("failed to create QC service: %w", err)
	}
	server.qc = qc

	if err := qc.Hydrate(ctx); err != nil {
		server.Close()
		return nil, fmt.Errorf("failed to hydrate QC state: %w", err)
	}

	server.server = NewServer(ServerInfo{Name: "labflow-qc-server-lite", Version: DefaultServerInfo.Version},
		qc, server.reviews, cfg.ExportDir(), server.logger)

	server.logger.WithField("data_dir", cfg.DataDir).Info("Lite server initialized successfully")
	return server, nil
}

func newLiteLogger(cfg *config.LiteConfig) *logrus.Logger {
	logger := logrus.New()
	// stdout carries the MCP stream.
	logger.SetOutput(os.Stderr)
	if cfg.LogFormat == "text" {
		logger.SetFormatter(&logrus.TextFormatter{})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

// Start serves MCP until ctx is done.
func (s *LiteServer) Start(ctx context.Context) error {
	s.logger.Info("Starting LabFlow QC MCP Server (Lite)...")
	return s.server.Start(ctx, s.config.Transport)
}

// Service returns the QC service.
func (s *LiteServer) Service() *service.QCService {
	return s.qc
}

// Server returns the underlying MCP server.
func (s *LiteServer) Server() *Server {
	return s.server
}

// ReviewStore returns the review store for external access.
func (s *LiteServer) ReviewStore() review.Store {
	return s.reviews
}

// Close releases the stores. The QC service owns the repository and cache
// once it exists.
func (s *LiteServer) Close() error {
	var errs []error
	if s.qc != nil {
		errs = append(errs, s.qc.Close())
	} else {
		if s.repo != nil {
			errs = append(errs, s.repo.Close())
		}
		if s.cache != nil {
			errs = append(errs, s.cache.Close())
		}
	}
	if s.reviews != nil {
		errs = append(errs, s.reviews.Close())
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.WithError(err).Error("Failed to close lite server")
		return err
	}
	return nil
}
