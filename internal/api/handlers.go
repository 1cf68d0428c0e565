package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/labflow-qc-server/internal/domain"
	"github.com/labflow-qc-server/internal/middleware"
	"github.com/labflow-qc-server/internal/review"
	"github.com/labflow-qc-server/internal/service"
)

const maxBatchSize = 5000

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := gin.H{}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	state := "healthy"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{
		"status":    state,
		"checks":    checks,
		"tenants":   len(s.qc.Tenants()),
		"timestamp": time.Now().UTC(),
		"version":   Version,
	})
}

func (s *Server) handleSubmit(c *gin.Context) {
	var m domain.Measurement
	if err := c.ShouldBindJSON(&m); err != nil {
		respondError(c, domain.NewValidationError("body", err.Error(), nil))
		return
	}

	processed, err := s.qc.Submit(c.Request.Context(), middleware.TenantID(c), m)
	if err != nil {
		if processed != nil {
			// Verdict stands; only persistence failed.
			code := domain.ErrorCode(err)
			c.JSON(statusFor(code), gin.H{
				"error":  serviceError(c, err, code),
				"result": processed,
			})
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, processed)
}

type batchItem struct {
	Index     int                          `json:"index"`
	Processed *domain.ProcessedMeasurement `json:"processed,omitempty"`
	Error     *domain.ServiceError         `json:"error,omitempty"`
}

func (s *Server) handleSubmitBatch(c *gin.Context) {
	var body struct {
		Measurements []domain.Measurement `json:"measurements"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, domain.NewValidationError("body", err.Error(), nil))
		return
	}
	if len(body.Measurements) == 0 || len(body.Measurements) > maxBatchSize {
		respondError(c, domain.NewValidationError("measurements", "batch must hold between 1 and 5000 measurements", len(body.Measurements)))
		return
	}

	results, err := s.qc.SubmitBatch(c.Request.Context(), middleware.TenantID(c), body.Measurements)
	if err != nil && results == nil {
		respondError(c, err)
		return
	}

	items := make([]batchItem, len(results))
	failed := 0
	for i, r := range results {
		items[i] = batchItem{Index: r.Index, Processed: r.Processed}
		if r.Err != nil {
			failed++
			items[i].Error = serviceError(c, r.Err, domain.ErrorCode(r.Err))
		}
	}

	status := http.StatusOK
	if failed == len(items) {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, gin.H{
		"results": items,
		"total":   len(items),
		"failed":  failed,
	})
}

func (s *Server) handleEvaluate(c *gin.Context) {
	var req service.EvaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, domain.NewValidationError("body", err.Error(), nil))
		return
	}

	resp, err := s.qc.Evaluate(c.Request.Context(), middleware.TenantID(c), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListGroups(c *gin.Context) {
	groups := s.qc.ListGroups(middleware.TenantID(c))
	if groups == nil {
		groups = []domain.ControlGroup{}
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups, "count": len(groups)})
}

// groupFromQuery reads test_code, analyte, level and lot.
func groupFromQuery(c *gin.Context) (domain.ControlGroup, error) {
	g := domain.ControlGroup{
		TestCode:     c.Query("test_code"),
		Analyte:      c.Query("analyte"),
		ControlLevel: c.Query("level"),
		LotNumber:    c.Query("lot"),
	}
	return g, g.Validate()
}

func (s *Server) handleGroupStats(c *gin.Context) {
	group, err := groupFromQuery(c)
	if err != nil {
		respondError(c, err)
		return
	}

	stats, err := s.qc.CurrentStats(c.Request.Context(), middleware.TenantID(c), group)
	if err != nil {
		respondError(c, err)
		return
	}
	lower2, upper2 := stats.Limits(2)
	lower3, upper3 := stats.Limits(3)
	c.JSON(http.StatusOK, gin.H{
		"group": group,
		"stats": stats,
		"cv":    stats.CV(),
		"limits": gin.H{
			"2sd": []float64{lower2, upper2},
			"3sd": []float64{lower3, upper3},
		},
	})
}

func (s *Server) handleResetBaseline(c *gin.Context) {
	var baseline domain.Baseline
	if err := c.ShouldBindJSON(&baseline); err != nil {
		respondError(c, domain.NewValidationError("body", err.Error(), nil))
		return
	}

	stats, err := s.qc.ResetBaseline(c.Request.Context(), middleware.TenantID(c), baseline)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"group": baseline.Group, "stats": stats})
}

func (s *Server) handleGroupHistory(c *gin.Context) {
	group, err := groupFromQuery(c)
	if err != nil {
		respondError(c, err)
		return
	}
	history := s.qc.History(middleware.TenantID(c), group)
	if history == nil {
		history = []domain.StandardizedPoint{}
	}
	c.JSON(http.StatusOK, gin.H{"group": group, "points": history})
}

func (s *Server) handleListMeasurements(c *gin.Context) {
	group, err := groupFromQuery(c)
	if err != nil {
		respondError(c, err)
		return
	}
	measurements, err := s.qc.StoredMeasurements(c.Request.Context(), middleware.TenantID(c), group)
	if err != nil {
		respondError(c, err)
		return
	}
	if measurements == nil {
		measurements = []domain.Measurement{}
	}
	c.JSON(http.StatusOK, gin.H{"group": group, "measurements": measurements})
}

func (s *Server) handleListVerdicts(c *gin.Context) {
	group, err := groupFromQuery(c)
	if err != nil {
		respondError(c, err)
		return
	}
	limit, err := intQuery(c, "limit", 50)
	if err != nil {
		respondError(c, err)
		return
	}

	verdicts, err := s.qc.ListVerdicts(c.Request.Context(), middleware.TenantID(c), group, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	if verdicts == nil {
		verdicts = []domain.StoredVerdict{}
	}
	c.JSON(http.StatusOK, gin.H{"group": group, "verdicts": verdicts})
}

func (s *Server) handleSaveReview(c *gin.Context) {
	var r review.Review
	if err := c.ShouldBindJSON(&r); err != nil {
		respondError(c, domain.NewValidationError("body", err.Error(), nil))
		return
	}
	r.TenantID = middleware.TenantID(c)

	if err := s.reviews.Save(c.Request.Context(), &r); err != nil {
		var validationErr *domain.ValidationError
		if !errors.As(err, &validationErr) {
			err = domain.NewServiceError(domain.ErrCodeDatabase, "failed to save review", err.Error(), "")
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

func (s *Server) handleListReviews(c *gin.Context) {
	limit, err := intQuery(c, "limit", 50)
	if err != nil {
		respondError(c, err)
		return
	}
	offset, err := intQuery(c, "offset", 0)
	if err != nil {
		respondError(c, err)
		return
	}

	reviews, err := s.reviews.List(c.Request.Context(), middleware.TenantID(c), limit, offset)
	if err != nil {
		respondError(c, domain.NewServiceError(domain.ErrCodeDatabase, "failed to list reviews", err.Error(), ""))
		return
	}
	if reviews == nil {
		reviews = []*review.Review{}
	}
	c.JSON(http.StatusOK, gin.H{"reviews": reviews, "count": len(reviews)})
}

func (s *Server) handleVerdictStream(c *gin.Context) {
	if upgradeRequired(c) {
		return
	}
	s.hub.ServeWS(c)
}

func intQuery(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, domain.NewValidationError(name, "must be a non-negative integer", raw)
	}
	return n, nil
}
