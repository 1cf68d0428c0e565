package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/labflow-qc-server/internal/domain"
)

// DefaultTenant is used when a request carries no tenant.
const DefaultTenant = "default"

// QCService owns one isolated pipeline per tenant and connects it to the
// repository, stats cache and verdict notifier. The pipeline never sees those
// collaborators; they are called after a verdict exists.
type QCService struct {
	logger         *logrus.Logger
	pipelineConfig PipelineConfig
	engine         *WestgardRuleEngine

	repo     domain.QCRepository
	cache    domain.StatsCache
	notifier domain.VerdictNotifier

	hydrateConcurrency int

	mu        sync.RWMutex
	pipelines map[string]*QCPipeline
}

// ServiceOption is a functional option for configuring the QCService.
type ServiceOption func(*QCService)

// WithRepository sets the persistence backend.
func WithRepository(repo domain.QCRepository) ServiceOption {
	return func(s *QCService) {
		s.repo = repo
	}
}

// WithStatsCache sets the cache that publishes per-group stats.
func WithStatsCache(cache domain.StatsCache) ServiceOption {
	return func(s *QCService) {
		s.cache = cache
	}
}

// WithNotifier sets the verdict notifier.
func WithNotifier(notifier domain.VerdictNotifier) ServiceOption {
	return func(s *QCService) {
		s.notifier = notifier
	}
}

// WithHydrateConcurrency bounds the number of groups replayed in parallel.
func WithHydrateConcurrency(n int) ServiceOption {
	return func(s *QCService) {
		s.hydrateConcurrency = n
	}
}

// NewQCService creates a service. The pipeline config is validated once here
// so tenant pipelines can be created lazily without failing.
func NewQCService(logger *logrus.Logger, config PipelineConfig, opts ...ServiceOption) (*QCService, error) {
	validated, err := NewQCPipeline(logger, config)
	if err != nil {
		return nil, err
	}
	s := &QCService{
		logger:             logger,
		pipelineConfig:     validated.config,
		engine:             NewWestgardRuleEngine(logger),
		hydrateConcurrency: 8,
		pipelines:          make(map[string]*QCPipeline),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func normalizeTenant(tenantID string) string {
	if t := strings.TrimSpace(tenantID); t != "" {
		return t
	}
	return DefaultTenant
}

// lookup returns the pipeline of a tenant without creating one.
func (s *QCService) lookup(tenantID string) (*QCPipeline, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pipelines[normalizeTenant(tenantID)]
	return p, ok
}

// Pipeline returns the pipeline of a tenant, creating it on first use. Only
// write paths call it; reads of an unknown tenant never allocate a pipeline.
func (s *QCService) Pipeline(tenantID string) *QCPipeline {
	tenantID = normalizeTenant(tenantID)

	s.mu.RLock()
	p, ok := s.pipelines[tenantID]
	s.mu.RUnlock()
	if ok {
		return p
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok = s.pipelines[tenantID]; ok {
		return p
	}
	// The config was validated in NewQCService.
	p, _ = NewQCPipeline(s.logger, s.pipelineConfig)
	s.pipelines[tenantID] = p
	return p
}

// Tenants lists tenants with an active pipeline.
func (s *QCService) Tenants() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tenants := make([]string, 0, len(s.pipelines))
	for t := range s.pipelines {
		tenants = append(tenants, t)
	}
	sort.Strings(tenants)
	return tenants
}

// Submit processes one measurement for a tenant, then persists, caches and
// notifies. When the verdict exists but persistence fails, both the processed
// measurement and the error are returned. Cache and notifier failures are
// logged only.
func (s *QCService) Submit(ctx context.Context, tenantID string, m domain.Measurement) (*domain.ProcessedMeasurement, error) {
	tenantID = normalizeTenant(tenantID)
	m.TenantID = tenantID
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}

	processed, err := s.Pipeline(tenantID).Process(m)
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"tenant_id":       tenantID,
			"group":           m.Group.Key(),
			"sequence_number": m.SequenceNumber,
		}).Warn("Measurement rejected by QC pipeline")
		return nil, err
	}

	return processed, s.afterVerdict(ctx, tenantID, processed)
}

// SubmitBatch processes measurements of one tenant. Per-measurement errors,
// including persistence errors, are reported in the results.
func (s *QCService) SubmitBatch(ctx context.Context, tenantID string, measurements []domain.Measurement) ([]BatchResult, error) {
	tenantID = normalizeTenant(tenantID)
	now := time.Now().UTC()
	batch := make([]domain.Measurement, len(measurements))
	for i, m := range measurements {
		m.TenantID = tenantID
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
		batch[i] = m
	}

	results, err := s.Pipeline(tenantID).ProcessBatch(ctx, batch)
	for i := range results {
		if results[i].Processed == nil || results[i].Err != nil {
			continue
		}
		if perr := s.afterVerdict(ctx, tenantID, results[i].Processed); perr != nil {
			results[i].Err = perr
		}
	}

	s.logger.WithFields(logrus.Fields{
		"tenant_id": tenantID,
		"batch":     len(measurements),
		"failed":    countFailed(results),
	}).Info("Processed measurement batch")

	return results, err
}

func countFailed(results []BatchResult) int {
	n := 0
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}

func (s *QCService) afterVerdict(ctx context.Context, tenantID string, processed *domain.ProcessedMeasurement) error {
	var persistErr error
	if s.repo != nil {
		if err := s.repo.SaveMeasurement(ctx, tenantID, &processed.Measurement); err != nil {
			persistErr = fmt.Errorf("saving measurement: %w", err)
		} else {
			included := processed.IncludedInBaseline
			stored := &domain.StoredVerdict{
				TenantID:           tenantID,
				Verdict:            processed.Verdict,
				IncludedInBaseline: &included,
				CreatedAt:          time.Now().UTC(),
			}
			if processed.Point != nil {
				z := processed.Point.ZScore
				stored.ZScore = &z
			}
			if err := s.repo.SaveVerdict(ctx, tenantID, stored); err != nil {
				persistErr = fmt.Errorf("saving verdict: %w", err)
			}
		}
		if persistErr != nil {
			s.logger.WithError(persistErr).WithFields(logrus.Fields(processed.Verdict.LogFields())).Error("Failed to persist QC result")
			persistErr = domain.NewServiceError(domain.ErrCodeDatabase, "verdict computed but not persisted", persistErr.Error(), "")
		}
	}

	if s.cache != nil && processed.StatsAfter != nil {
		if err := s.cache.SetStats(ctx, tenantID, processed.Measurement.Group, *processed.StatsAfter); err != nil {
			s.logger.WithError(err).WithField("group", processed.Measurement.Group.Key()).Warn("Failed to update stats cache")
		}
	}

	if s.notifier != nil {
		if err := s.notifier.Notify(ctx, tenantID, processed); err != nil {
			s.logger.WithError(err).WithField("group", processed.Measurement.Group.Key()).Warn("Failed to notify verdict")
		}
	}

	return persistErr
}

// EvaluateRequest is a stateless what-if evaluation against an explicit
// baseline. Values are oldest first; the last one is the point under test.
type EvaluateRequest struct {
	Group  domain.ControlGroup `json:"group"`
	Mean   float64             `json:"mean"`
	SD     float64             `json:"sd"`
	Values []float64           `json:"values"`
	// CrossLevelValue is the other level's value in the same run, judged
	// against CrossLevelMean and CrossLevelSD.
	CrossLevelValue *float64 `json:"cross_level_value,omitempty"`
	CrossLevelMean  float64  `json:"cross_level_mean,omitempty"`
	CrossLevelSD    float64  `json:"cross_level_sd,omitempty"`
	CrossLevel      string   `json:"cross_level,omitempty"`
	// MeanRunLength selects the N of the N-x rule when Rules is nil.
	MeanRunLength int             `json:"mean_run_length,omitempty"`
	Rules         *domain.RuleSet `json:"rules,omitempty"`
}

// EvaluateResponse is the result of a what-if evaluation.
type EvaluateResponse struct {
	Points     []domain.StandardizedPoint `json:"points"`
	Evaluation *Evaluation                `json:"evaluation"`
	Verdict    domain.RunVerdict          `json:"verdict"`
}

// Evaluate runs the rules over caller-supplied values without touching any
// pipeline state.
func (s *QCService) Evaluate(ctx context.Context, tenantID string, req EvaluateRequest) (*EvaluateResponse, error) {
	if err := req.Group.Validate(); err != nil {
		return nil, fmt.Errorf("invalid control group: %w", err)
	}
	if len(req.Values) == 0 {
		return nil, domain.NewValidationError("values", "at least one value is required", nil)
	}
	if math.IsNaN(req.Mean) || math.IsInf(req.Mean, 0) {
		return nil, fmt.Errorf("mean %v: %w", req.Mean, domain.ErrInvalidMeasurement)
	}
	if math.IsNaN(req.SD) || math.IsInf(req.SD, 0) || req.SD <= 0 {
		return nil, fmt.Errorf("sd %v must be positive: %w", req.SD, domain.ErrInvalidMeasurement)
	}

	rules := s.pipelineConfig.RulesFor(req.Group)
	switch {
	case req.Rules != nil:
		rules = *req.Rules
	case req.MeanRunLength > 0:
		rules = domain.DefaultRuleSet(req.MeanRunLength)
	}

	stats := domain.RunningStats{Mean: req.Mean, SD: req.SD, N: uint64(len(req.Values)), Source: domain.ASSIGNED}
	points := make([]domain.StandardizedPoint, len(req.Values))
	for i, v := range req.Values {
		m := domain.Measurement{Group: req.Group, Value: v, SequenceNumber: uint64(i + 1)}
		if !m.IsFinite() {
			return nil, fmt.Errorf("value %d is %v: %w", i, v, domain.ErrInvalidMeasurement)
		}
		points[i] = domain.Standardize(m, stats)
	}

	input := EvaluationInput{
		Group:   req.Group,
		Stats:   &stats,
		Point:   points[len(points)-1],
		History: points[:len(points)-1],
		Rules:   rules,
	}
	if req.CrossLevelValue != nil {
		crossGroup := req.Group
		crossGroup.ControlLevel = req.CrossLevel
		if crossGroup.ControlLevel == "" || crossGroup.ControlLevel == req.Group.ControlLevel {
			return nil, domain.NewValidationError("cross_level", "cross level must name a different control level", req.CrossLevel)
		}
		crossStats := domain.RunningStats{Mean: req.CrossLevelMean, SD: req.CrossLevelSD}
		if crossStats.SD <= 0 {
			return nil, domain.NewValidationError("cross_level_sd", "cross level sd must be positive", req.CrossLevelSD)
		}
		cross := domain.Standardize(domain.Measurement{Group: crossGroup, Value: *req.CrossLevelValue}, crossStats)
		input.CrossLevel = &cross
	}

	evaluation, err := s.engine.Evaluate(input)
	if err != nil {
		return nil, err
	}
	seq := points[len(points)-1].Measurement.SequenceNumber
	return &EvaluateResponse{
		Points:     points,
		Evaluation: evaluation,
		Verdict:    ClassifyEvaluation(req.Group, seq, evaluation),
	}, nil
}

// CurrentStats returns the stats in effect for a tenant's group.
func (s *QCService) CurrentStats(ctx context.Context, tenantID string, group domain.ControlGroup) (domain.RunningStats, error) {
	if err := group.Validate(); err != nil {
		return domain.RunningStats{}, fmt.Errorf("invalid control group: %w", err)
	}
	p, ok := s.lookup(tenantID)
	if !ok {
		return domain.RunningStats{}, fmt.Errorf("no measurements for tenant %s: %w", normalizeTenant(tenantID), domain.ErrInsufficientData)
	}
	return p.CurrentStats(group)
}

// ResetBaseline applies and persists a manual re-baselining.
func (s *QCService) ResetBaseline(ctx context.Context, tenantID string, baseline domain.Baseline) (domain.RunningStats, error) {
	tenantID = normalizeTenant(tenantID)
	stats, err := s.Pipeline(tenantID).ResetBaseline(baseline.Group, baseline.Mean, baseline.SD, baseline.EffectiveFrom)
	if err != nil {
		return domain.RunningStats{}, err
	}

	if baseline.CreatedAt.IsZero() {
		baseline.CreatedAt = time.Now().UTC()
	}
	if s.repo != nil {
		if err := s.repo.SaveBaseline(ctx, tenantID, &baseline); err != nil {
			s.logger.WithError(err).WithField("group", baseline.Group.Key()).Error("Failed to persist baseline")
			return stats, domain.NewServiceError(domain.ErrCodeDatabase, "baseline applied but not persisted", err.Error(), "")
		}
	}
	if s.cache != nil {
		if err := s.cache.SetStats(ctx, tenantID, baseline.Group, stats); err != nil {
			s.logger.WithError(err).WithField("group", baseline.Group.Key()).Warn("Failed to update stats cache")
		}
	}
	return stats, nil
}

// History returns the rule history of a tenant's group, oldest first.
func (s *QCService) History(tenantID string, group domain.ControlGroup) []domain.StandardizedPoint {
	p, ok := s.lookup(tenantID)
	if !ok {
		return []domain.StandardizedPoint{}
	}
	return p.History(group)
}

// ListGroups lists the groups known to a tenant's pipeline, sorted by key.
func (s *QCService) ListGroups(tenantID string) []domain.ControlGroup {
	p, ok := s.lookup(tenantID)
	if !ok {
		return []domain.ControlGroup{}
	}
	groups := p.Groups()
	sort.Slice(groups, func(i, j int) bool { return groups[i].Key() < groups[j].Key() })
	return groups
}

// StoredMeasurements returns the persisted measurements of a group in
// sequence order.
func (s *QCService) StoredMeasurements(ctx context.Context, tenantID string, group domain.ControlGroup) ([]domain.Measurement, error) {
	if s.repo == nil {
		return nil, fmt.Errorf("measurement history requires a repository: %w", domain.ErrNotFound)
	}
	if err := group.Validate(); err != nil {
		return nil, fmt.Errorf("invalid control group: %w", err)
	}
	return s.repo.ListMeasurements(ctx, normalizeTenant(tenantID), group)
}

// ListVerdicts returns stored verdicts for a group, newest first.
func (s *QCService) ListVerdicts(ctx context.Context, tenantID string, group domain.ControlGroup, limit int) ([]domain.StoredVerdict, error) {
	if s.repo == nil {
		return nil, fmt.Errorf("verdict history requires a repository: %w", domain.ErrNotFound)
	}
	if limit <= 0 {
		limit = 50
	}
	return s.repo.ListVerdicts(ctx, normalizeTenant(tenantID), group, limit)
}

// Hydrate rebuilds every tenant pipeline from the repository. Measurements
// replay in the order they were stored, one pass per test and analyte, so
// cross-level runs pair as they did live. Each measurement keeps the baseline
// decision stored with its verdict. Saved baselines are applied before the
// first measurement they cover. Partitions replay in parallel; measurements
// the pipeline refuses are logged and skipped.
func (s *QCService) Hydrate(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}
	start := time.Now()

	tenants, err := s.repo.ListTenants(ctx)
	if err != nil {
		return fmt.Errorf("listing tenants: %w", err)
	}

	var replayed, skipped int64
	var countMu sync.Mutex
	for _, tenantID := range tenants {
		baselines, err := s.repo.ListBaselines(ctx, tenantID)
		if err != nil {
			return fmt.Errorf("listing baselines for %s: %w", tenantID, err)
		}
		arrivals, err := s.repo.ListArrivals(ctx, tenantID)
		if err != nil {
			return fmt.Errorf("listing measurements for %s: %w", tenantID, err)
		}

		pipeline := s.Pipeline(tenantID)
		eg, egCtx := errgroup.WithContext(ctx)
		eg.SetLimit(s.hydrateConcurrency)
		for _, part := range partitionReplay(arrivals, baselines) {
			eg.Go(func() error {
				r, sk, err := s.replayPartition(egCtx, pipeline, part)
				countMu.Lock()
				replayed += r
				skipped += sk
				countMu.Unlock()
				return err
			})
		}
		if err := eg.Wait(); err != nil {
			return fmt.Errorf("hydrating %s: %w", tenantID, err)
		}
	}

	s.logger.WithFields(logrus.Fields{
		"tenants":  len(tenants),
		"replayed": replayed,
		"skipped":  skipped,
		"duration": time.Since(start).String(),
	}).Info("QC state hydrated from repository")
	return nil
}

// replayPartition is the stored state of one test and analyte: measurements
// in arrival order and pending baselines per group, oldest first.
type replayPartition struct {
	arrivals  []domain.StoredMeasurement
	baselines map[domain.ControlGroup][]domain.Baseline
}

func partitionReplay(arrivals []domain.StoredMeasurement, baselines []domain.Baseline) []*replayPartition {
	byKey := make(map[string]*replayPartition)
	var order []string
	partition := func(g domain.ControlGroup) *replayPartition {
		key := partitionKey(g)
		part, ok := byKey[key]
		if !ok {
			part = &replayPartition{baselines: make(map[domain.ControlGroup][]domain.Baseline)}
			byKey[key] = part
			order = append(order, key)
		}
		return part
	}

	for _, a := range arrivals {
		part := partition(a.Measurement.Group)
		part.arrivals = append(part.arrivals, a)
	}
	for _, b := range baselines {
		part := partition(b.Group)
		part.baselines[b.Group] = append(part.baselines[b.Group], b)
	}

	parts := make([]*replayPartition, 0, len(order))
	for _, key := range order {
		part := byKey[key]
		for _, bs := range part.baselines {
			sort.Slice(bs, func(i, j int) bool { return bs[i].EffectiveFrom < bs[j].EffectiveFrom })
		}
		parts = append(parts, part)
	}
	return parts
}

func (s *QCService) replayPartition(ctx context.Context, pipeline *QCPipeline, part *replayPartition) (int64, int64, error) {
	applyDue := func(group domain.ControlGroup, through uint64, all bool) {
		pending := part.baselines[group]
		for len(pending) > 0 && (all || pending[0].EffectiveFrom <= through) {
			b := pending[0]
			pending = pending[1:]
			if _, err := pipeline.ResetBaseline(b.Group, b.Mean, b.SD, b.EffectiveFrom); err != nil {
				s.logger.WithError(err).WithField("group", group.Key()).Warn("Skipping stored baseline during hydration")
			}
		}
		part.baselines[group] = pending
	}

	var replayed, skipped int64
	for _, a := range part.arrivals {
		if err := ctx.Err(); err != nil {
			return replayed, skipped, err
		}
		m := a.Measurement
		applyDue(m.Group, m.SequenceNumber, false)
		if _, err := pipeline.Replay(m, a.IncludedInBaseline); err != nil {
			if errors.Is(err, domain.ErrSequenceViolation) || errors.Is(err, domain.ErrInvalidMeasurement) {
				skipped++
				s.logger.WithError(err).WithField("group", m.Group.Key()).Debug("Skipping stored measurement during hydration")
				continue
			}
			return replayed, skipped, err
		}
		replayed++
	}

	groups := make([]domain.ControlGroup, 0, len(part.baselines))
	for g := range part.baselines {
		groups = append(groups, g)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Key() < groups[j].Key() })
	for _, g := range groups {
		applyDue(g, 0, true)
	}
	return replayed, skipped, nil
}

// Close releases the collaborators.
func (s *QCService) Close() error {
	var errs []error
	if s.notifier != nil {
		errs = append(errs, s.notifier.Close())
	}
	if s.cache != nil {
		errs = append(errs, s.cache.Close())
	}
	if s.repo != nil {
		errs = append(errs, s.repo.Close())
	}
	return errors.Join(errs...)
}
