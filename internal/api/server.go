// Package api exposes the QC service over HTTP with gin.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/labflow-qc-server/internal/domain"
	"github.com/labflow-qc-server/internal/middleware"
	"github.com/labflow-qc-server/internal/review"
	"github.com/labflow-qc-server/internal/service"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// HealthChecker reports whether a backing store is reachable.
type HealthChecker func(ctx context.Context) error

// Server represents the HTTP server
type Server struct {
	config  domain.ServerConfig
	qc      *service.QCService
	reviews review.Store
	hub     *VerdictHub
	checks  map[string]HealthChecker
	log     *logrus.Logger
	router  *gin.Engine
	server  *http.Server
}

// ServerOption configures optional collaborators.
type ServerOption func(*Server)

// WithReviewStore enables the review endpoints.
func WithReviewStore(store review.Store) ServerOption {
	return func(s *Server) { s.reviews = store }
}

// WithVerdictHub enables the websocket verdict stream.
func WithVerdictHub(hub *VerdictHub) ServerOption {
	return func(s *Server) { s.hub = hub }
}

// WithHealthCheck adds a named dependency to /health.
func WithHealthCheck(name string, check HealthChecker) ServerOption {
	return func(s *Server) { s.checks[name] = check }
}

// NewServer creates a new HTTP server instance
func NewServer(config domain.ServerConfig, qc *service.QCService, logger *logrus.Logger, opts ...ServerOption) *Server {
	s := &Server{
		config: config,
		qc:     qc,
		checks: make(map[string]HealthChecker),
		log:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.Tenant())
	router.Use(middleware.AuditLogger(logger))
	s.router = router

	s.setupRoutes()
	return s
}

// Router returns the gin engine, mainly for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("QC API listening")
		var err error
		if s.config.TLSEnabled {
			err = s.server.ListenAndServeTLS(s.config.CertFile, s.config.KeyFile)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("serving QC API: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	if s.config.RateLimitPerSec > 0 {
		v1.Use(middleware.RateLimit(middleware.NewTenantLimiter(s.config.RateLimitPerSec, s.config.RateLimitBurst)))
	}

	// The stream is long-lived and stays outside the request timeout.
	if s.hub != nil {
		v1.GET("/verdicts/stream", s.handleVerdictStream)
	}

	api := v1.Group("")
	api.Use(middleware.RequestTimeout(s.config.RequestTimeout))
	{
		api.POST("/measurements", s.handleSubmit)
		api.GET("/measurements", s.handleListMeasurements)
		api.POST("/measurements/batch", s.handleSubmitBatch)
		api.POST("/evaluate", s.handleEvaluate)

		api.GET("/groups", s.handleListGroups)
		api.GET("/groups/stats", s.handleGroupStats)
		api.POST("/groups/baseline", s.handleResetBaseline)
		api.GET("/groups/history", s.handleGroupHistory)

		api.GET("/verdicts", s.handleListVerdicts)

		if s.reviews != nil {
			api.POST("/reviews", s.handleSaveReview)
			api.GET("/reviews", s.handleListReviews)
		}
	}
}

// statusFor maps an error code onto its HTTP status.
func statusFor(code string) int {
	switch code {
	case domain.ErrCodeValidation:
		return http.StatusBadRequest
	case domain.ErrCodeInvalidMeasurement, domain.ErrCodeHistoryOrdering, domain.ErrCodeInsufficientData:
		return http.StatusUnprocessableEntity
	case domain.ErrCodeSequenceViolation:
		return http.StatusConflict
	case domain.ErrCodeNotFound:
		return http.StatusNotFound
	case domain.ErrCodeRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err as a ServiceError.
func respondError(c *gin.Context, err error) {
	code := domain.ErrorCode(err)
	if errors.Is(err, context.DeadlineExceeded) {
		c.AbortWithStatusJSON(http.StatusGatewayTimeout, domain.NewServiceError(
			domain.ErrCodeInternalServer, "request timed out", err.Error(), c.GetString(middleware.CorrelationIDKey)))
		return
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(statusFor(code), serviceError(c, err, code))
}

func serviceError(c *gin.Context, err error, code string) *domain.ServiceError {
	var se *domain.ServiceError
	if errors.As(err, &se) {
		out := *se
		out.RequestID = c.GetString(middleware.CorrelationIDKey)
		return &out
	}
	return domain.NewServiceError(code, err.Error(), "", c.GetString(middleware.CorrelationIDKey))
}
