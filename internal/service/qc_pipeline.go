package service

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/labflow-qc-server/internal/domain"
)

// DefaultRunIndexSize bounds the number of analytical runs remembered for
// cross-level evaluation.
const DefaultRunIndexSize = 4096

// PipelineConfig configures a QCPipeline.
type PipelineConfig struct {
	// Rules is the rule set used when no profile matches a group.
	Rules domain.RuleSet
	// Profiles overrides Rules per "testCode/analyte" or per "testCode".
	Profiles map[string]domain.RuleSet
	// PlausibleRanges rejects physically impossible values per test code.
	PlausibleRanges map[string]domain.ValueRange

	RollingWindow int
	EstablishN    uint64
	// IncludeRejected feeds rejected runs into the baseline.
	IncludeRejected bool
	RunIndexSize    int
}

// DefaultPipelineConfig returns the standard multi-rule configuration.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Rules:        domain.DefaultRuleSet(domain.DefaultMeanRunLength),
		EstablishN:   DefaultEstablishN,
		RunIndexSize: DefaultRunIndexSize,
	}
}

// PipelineConfigFromQC builds a pipeline config from the application config
// and loaded rule profiles.
func PipelineConfigFromQC(qc domain.QCConfig, profiles map[string]domain.RuleSet, ranges map[string]domain.ValueRange) PipelineConfig {
	config := DefaultPipelineConfig()
	config.Rules = domain.DefaultRuleSet(qc.MeanRunLength)
	if qc.HistoryWindow > config.Rules.HistoryWindow {
		config.Rules.HistoryWindow = qc.HistoryWindow
	}
	config.Profiles = profiles
	config.PlausibleRanges = ranges
	config.RollingWindow = qc.RollingWindow
	config.IncludeRejected = qc.IncludeRejected
	if qc.EstablishN > 0 {
		config.EstablishN = qc.EstablishN
	}
	if qc.RunIndexSize > 0 {
		config.RunIndexSize = qc.RunIndexSize
	}
	return config
}

// ProfileKey is the profile lookup key for a test and analyte.
func ProfileKey(testCode, analyte string) string {
	return testCode + "/" + analyte
}

// QCPipeline wires the aggregator, rule engine and classifier together. For a
// given group the whole step from stats read to stats update runs under one
// lock, so the z-score is always computed against the stats before the point.
type QCPipeline struct {
	logger     *logrus.Logger
	config     PipelineConfig
	aggregator *StatsAggregator
	engine     *WestgardRuleEngine

	mu    sync.Mutex
	lanes map[domain.ControlGroup]*lane

	runMu    sync.Mutex
	runIndex *lru.Cache[string, []domain.StandardizedPoint]

	historyCap int
}

// lane is the per-group state the pipeline keeps beside the aggregator.
type lane struct {
	mu      sync.Mutex
	history []domain.StandardizedPoint
	unit    string
}

// BatchResult is the outcome of one measurement in a batch.
type BatchResult struct {
	Index     int                          `json:"index"`
	Processed *domain.ProcessedMeasurement `json:"processed,omitempty"`
	Err       error                        `json:"-"`
}

// NewQCPipeline validates the rule sets and creates a pipeline.
func NewQCPipeline(logger *logrus.Logger, config PipelineConfig) (*QCPipeline, error) {
	if len(config.Rules.Rules) == 0 {
		config.Rules = domain.DefaultRuleSet(domain.DefaultMeanRunLength)
	}
	if err := config.Rules.Validate(); err != nil {
		return nil, fmt.Errorf("default rule set: %w", err)
	}
	historyCap := config.Rules.HistoryWindow
	for key, rules := range config.Profiles {
		if err := rules.Validate(); err != nil {
			return nil, fmt.Errorf("rule profile %s: %w", key, err)
		}
		if rules.HistoryWindow > historyCap {
			historyCap = rules.HistoryWindow
		}
	}
	for code, r := range config.PlausibleRanges {
		if r.Min > r.Max {
			return nil, domain.NewValidationError("plausible_ranges", fmt.Sprintf("range for %s has min above max", code), r)
		}
	}
	if config.RunIndexSize <= 0 {
		config.RunIndexSize = DefaultRunIndexSize
	}

	runIndex, err := lru.New[string, []domain.StandardizedPoint](config.RunIndexSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create run index: %w", err)
	}

	return &QCPipeline{
		logger: logger,
		config: config,
		aggregator: NewStatsAggregator(logger, AggregatorConfig{
			RollingWindow: config.RollingWindow,
			EstablishN:    config.EstablishN,
		}),
		engine:     NewWestgardRuleEngine(logger),
		lanes:      make(map[domain.ControlGroup]*lane),
		runIndex:   runIndex,
		historyCap: historyCap,
	}, nil
}

// Engine exposes the stateless rule engine.
func (p *QCPipeline) Engine() *WestgardRuleEngine {
	return p.engine
}

// RulesFor returns the rule set that applies to group: the test and analyte
// profile, then the test profile, then the default rules.
func (c PipelineConfig) RulesFor(group domain.ControlGroup) domain.RuleSet {
	if rules, ok := c.Profiles[ProfileKey(group.TestCode, group.Analyte)]; ok {
		return rules
	}
	if rules, ok := c.Profiles[group.TestCode]; ok {
		return rules
	}
	if len(c.Rules.Rules) == 0 {
		return domain.DefaultRuleSet(domain.DefaultMeanRunLength)
	}
	return c.Rules
}

// RulesFor returns the rule set that applies to group.
func (p *QCPipeline) RulesFor(group domain.ControlGroup) domain.RuleSet {
	return p.config.RulesFor(group)
}

func (p *QCPipeline) lane(group domain.ControlGroup) *lane {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.lanes[group]
	if !ok {
		l = &lane{}
		p.lanes[group] = l
	}
	return l
}

// Validate checks a measurement without touching any state.
func (p *QCPipeline) Validate(m domain.Measurement) error {
	if err := m.Group.Validate(); err != nil {
		return fmt.Errorf("invalid control group: %w", err)
	}
	if !m.IsFinite() {
		return fmt.Errorf("value %v is not finite: %w", m.Value, domain.ErrInvalidMeasurement)
	}
	if r, ok := p.config.PlausibleRanges[m.Group.TestCode]; ok && !r.Contains(m.Value) {
		return fmt.Errorf("value %v outside plausible range [%g, %g] for %s: %w",
			m.Value, r.Min, r.Max, m.Group.TestCode, domain.ErrInvalidMeasurement)
	}
	return nil
}

// Process runs one measurement through stats, rules and classification, then
// updates the stats. Rejected runs only advance the sequence cursor unless
// IncludeRejected is set, but every standardized point stays in the rule
// history. On error no state has changed.
func (p *QCPipeline) Process(m domain.Measurement) (*domain.ProcessedMeasurement, error) {
	return p.process(m, nil)
}

// Replay reprocesses a stored measurement. When included is non-nil it
// overrides the baseline decision so the rebuilt stats match the ones the
// measurement produced when it was first processed.
func (p *QCPipeline) Replay(m domain.Measurement, included *bool) (*domain.ProcessedMeasurement, error) {
	return p.process(m, included)
}

func (p *QCPipeline) process(m domain.Measurement, included *bool) (*domain.ProcessedMeasurement, error) {
	if err := p.Validate(m); err != nil {
		return nil, err
	}

	group := m.Group
	l := p.lane(group)
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := p.aggregator.CheckSequence(group, m.SequenceNumber); err != nil {
		return nil, err
	}
	if l.unit != "" && m.Unit != "" && m.Unit != l.unit {
		return nil, fmt.Errorf("unit %q differs from %q already used by group %s: %w", m.Unit, l.unit, group, domain.ErrInvalidMeasurement)
	}

	result := &domain.ProcessedMeasurement{Measurement: m}

	var stats *domain.RunningStats
	current, err := p.aggregator.CurrentStats(group)
	switch {
	case err == nil:
		stats = &current
	case errors.Is(err, domain.ErrInsufficientData):
	default:
		return nil, err
	}

	input := EvaluationInput{
		Group:   group,
		Stats:   stats,
		History: l.history,
		Rules:   p.RulesFor(group),
	}
	if stats != nil && stats.SD > 0 {
		point := domain.Standardize(m, *stats)
		input.Point = point
		input.CrossLevel = p.crossLevelPoint(m)
		result.Point = &point
		result.StatsBefore = stats
	} else {
		input.Point = domain.StandardizedPoint{Measurement: m}
	}

	evaluation, err := p.engine.Evaluate(input)
	if err != nil {
		return nil, fmt.Errorf("evaluating %s sequence %d: %w", group, m.SequenceNumber, err)
	}
	result.Verdict = ClassifyEvaluation(group, m.SequenceNumber, evaluation)

	include := result.Verdict.Decision != domain.REJECT_RUN || p.config.IncludeRejected
	if included != nil {
		include = *included
	}
	if include {
		if _, err := p.aggregator.RecordAccepted(group, m.SequenceNumber, m.Value); err != nil {
			return nil, err
		}
	} else if err := p.aggregator.Observe(group, m.SequenceNumber); err != nil {
		return nil, err
	}
	result.IncludedInBaseline = include

	if m.Unit != "" && l.unit == "" {
		l.unit = m.Unit
	}
	if result.Point != nil {
		l.push(*result.Point, p.historyCap)
		p.indexRun(*result.Point)
	} else {
		// A point without a z-score breaks every same-side run.
		l.history = nil
	}

	if after, err := p.aggregator.CurrentStats(group); err == nil {
		result.StatsAfter = &after
	}

	p.logVerdict(result)
	return result, nil
}

// partitionKey groups the control levels that can pair for cross-level rules.
func partitionKey(g domain.ControlGroup) string {
	return g.TestCode + "|" + g.Analyte
}

// ProcessBatch processes measurements concurrently. Measurements of the same
// test and analyte run sequentially in input order so cross-level pairing is
// deterministic; everything else fans out. A failed measurement does not stop
// the others; its error is in its BatchResult.
func (p *QCPipeline) ProcessBatch(ctx context.Context, measurements []domain.Measurement) ([]BatchResult, error) {
	results := make([]BatchResult, len(measurements))

	partitions := make(map[string][]int)
	order := make([]string, 0)
	for i, m := range measurements {
		key := partitionKey(m.Group)
		if _, ok := partitions[key]; !ok {
			order = append(order, key)
		}
		partitions[key] = append(partitions[key], i)
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(runtime.GOMAXPROCS(0))
	for _, key := range order {
		indexes := partitions[key]
		eg.Go(func() error {
			for _, i := range indexes {
				if err := egCtx.Err(); err != nil {
					return err
				}
				processed, err := p.Process(measurements[i])
				results[i] = BatchResult{Index: i, Processed: processed, Err: err}
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return results, fmt.Errorf("batch interrupted: %w", err)
	}
	return results, nil
}

// ResetBaseline installs an assigned baseline for group and clears its rule
// history, since earlier z-scores no longer describe the new population.
func (p *QCPipeline) ResetBaseline(group domain.ControlGroup, mean, sd float64, effectiveFrom uint64) (domain.RunningStats, error) {
	if err := group.Validate(); err != nil {
		return domain.RunningStats{}, fmt.Errorf("invalid control group: %w", err)
	}
	l := p.lane(group)
	l.mu.Lock()
	defer l.mu.Unlock()

	stats, err := p.aggregator.ResetBaseline(group, mean, sd, effectiveFrom)
	if err != nil {
		return domain.RunningStats{}, err
	}
	l.history = nil
	return stats, nil
}

// CurrentStats returns the stats in effect for group.
func (p *QCPipeline) CurrentStats(group domain.ControlGroup) (domain.RunningStats, error) {
	return p.aggregator.CurrentStats(group)
}

// LastSequence returns the last applied sequence number for group.
func (p *QCPipeline) LastSequence(group domain.ControlGroup) (uint64, bool) {
	return p.aggregator.LastSequence(group)
}

// History returns a copy of the rule history kept for group, oldest first.
func (p *QCPipeline) History(group domain.ControlGroup) []domain.StandardizedPoint {
	p.mu.Lock()
	l, ok := p.lanes[group]
	p.mu.Unlock()
	if !ok {
		return []domain.StandardizedPoint{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.StandardizedPoint{}, l.history...)
}

// Groups lists every group seen by the pipeline.
func (p *QCPipeline) Groups() []domain.ControlGroup {
	return p.aggregator.Groups()
}

// Snapshot exports the aggregator state.
func (p *QCPipeline) Snapshot() []GroupSnapshot {
	return p.aggregator.Snapshot()
}

func (l *lane) push(point domain.StandardizedPoint, capacity int) {
	if capacity <= 0 {
		return
	}
	l.history = append(l.history, point)
	if over := len(l.history) - capacity; over > 0 {
		l.history = append(l.history[:0:0], l.history[over:]...)
	}
}

// crossLevelPoint finds the newest point of another control level measured
// in the same run.
func (p *QCPipeline) crossLevelPoint(m domain.Measurement) *domain.StandardizedPoint {
	if m.RunID == "" {
		return nil
	}
	p.runMu.Lock()
	defer p.runMu.Unlock()

	points, ok := p.runIndex.Get(m.Group.RunKey(m.RunID))
	if !ok {
		return nil
	}
	for i := len(points) - 1; i >= 0; i-- {
		if points[i].Measurement.Group.ControlLevel != m.Group.ControlLevel {
			point := points[i]
			return &point
		}
	}
	return nil
}

func (p *QCPipeline) indexRun(point domain.StandardizedPoint) {
	m := point.Measurement
	if m.RunID == "" {
		return
	}
	p.runMu.Lock()
	defer p.runMu.Unlock()

	key := m.Group.RunKey(m.RunID)
	existing, _ := p.runIndex.Get(key)
	points := make([]domain.StandardizedPoint, 0, len(existing)+1)
	for _, e := range existing {
		if e.Measurement.Group != m.Group {
			points = append(points, e)
		}
	}
	points = append(points, point)
	p.runIndex.Add(key, points)
}

func (p *QCPipeline) logVerdict(result *domain.ProcessedMeasurement) {
	fields := logrus.Fields(result.Verdict.LogFields())
	if result.Point != nil {
		fields["z_score"] = result.Point.ZScore
	}
	fields["included_in_baseline"] = result.IncludedInBaseline

	entry := p.logger.WithFields(fields)
	if result.Verdict.Decision == domain.ACCEPT {
		entry.Debug("QC run accepted")
		return
	}
	entry.Warn("QC run requires review")
}
