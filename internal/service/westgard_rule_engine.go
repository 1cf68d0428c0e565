package service

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/labflow-qc-server/internal/domain"
)

// WestgardRuleEngine evaluates a rule set against a new standardized point and
// its recent same-group history. It holds no per-group state; every input is
// passed explicitly.
type WestgardRuleEngine struct {
	logger     *logrus.Logger
	evaluators map[domain.RuleKind]ruleEvaluator
}

// ruleEvaluator returns the violation for rule, or nil when it does not fire.
type ruleEvaluator func(rule domain.RuleSpec, snap *evaluationSnapshot) *domain.RuleViolation

// EvaluationInput is everything a single evaluation needs.
type EvaluationInput struct {
	Group domain.ControlGroup
	// Stats is nil when the group has no usable baseline yet.
	Stats *domain.RunningStats
	Point domain.StandardizedPoint
	// History is the recent same-group points, oldest first, excluding Point.
	History []domain.StandardizedPoint
	// CrossLevel is the other control level measured in the same run, if any.
	CrossLevel *domain.StandardizedPoint
	Rules      domain.RuleSet
}

// Evaluation is the outcome of Evaluate.
type Evaluation struct {
	Violations           []domain.RuleViolation `json:"violations"`
	InsufficientBaseline bool                   `json:"insufficient_baseline"`
}

// evaluationSnapshot is the frozen view every rule sees: the series holds the
// trimmed history followed by the new point.
type evaluationSnapshot struct {
	series     []domain.StandardizedPoint
	crossLevel *domain.StandardizedPoint
}

func (s *evaluationSnapshot) newest() domain.StandardizedPoint {
	return s.series[len(s.series)-1]
}

// last returns the newest n points, or nil when fewer exist.
func (s *evaluationSnapshot) last(n int) []domain.StandardizedPoint {
	if n <= 0 || n > len(s.series) {
		return nil
	}
	return s.series[len(s.series)-n:]
}

// NewWestgardRuleEngine creates a rule engine with every rule kind registered.
func NewWestgardRuleEngine(logger *logrus.Logger) *WestgardRuleEngine {
	engine := &WestgardRuleEngine{
		logger:     logger,
		evaluators: make(map[domain.RuleKind]ruleEvaluator),
	}
	engine.initializeEvaluators()
	return engine
}

func (e *WestgardRuleEngine) initializeEvaluators() {
	e.evaluators[domain.SINGLE_EXCEEDS] = evaluateSingleExceeds
	e.evaluators[domain.CONSECUTIVE_SAME_SIDE] = evaluateConsecutiveSameSide
	e.evaluators[domain.CROSS_LEVEL_RANGE] = evaluateCrossLevelRange
	e.evaluators[domain.K_OF_N_SAME_SIDE] = evaluateKOfNSameSide
	e.evaluators[domain.TREND] = evaluateTrend
}

// Evaluate runs every rule in input.Rules against the same snapshot and
// reports all that fire, in rule-set order.
func (e *WestgardRuleEngine) Evaluate(input EvaluationInput) (*Evaluation, error) {
	if err := input.Rules.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rule set: %w", err)
	}

	// Ordering is checked even when no baseline exists, so malformed history
	// never passes as insufficient data.
	if err := checkHistoryOrder(input); err != nil {
		return nil, err
	}

	if input.Stats == nil || input.Stats.SD <= 0 || math.IsNaN(input.Stats.SD) {
		e.logger.WithFields(logrus.Fields{
			"group":           input.Group.Key(),
			"sequence_number": input.Point.Measurement.SequenceNumber,
		}).Debug("No usable baseline, skipping rule evaluation")
		return &Evaluation{Violations: []domain.RuleViolation{}, InsufficientBaseline: true}, nil
	}

	snap, err := buildSnapshot(input)
	if err != nil {
		return nil, err
	}

	violations := make([]domain.RuleViolation, 0, 2)
	for _, rule := range input.Rules.Rules {
		evaluate, ok := e.evaluators[rule.Kind]
		if !ok {
			return nil, fmt.Errorf("no evaluator for rule kind %s", rule.Kind)
		}
		if violation := evaluate(rule, snap); violation != nil {
			violations = append(violations, *violation)
		}
	}

	e.logger.WithFields(logrus.Fields{
		"group":           input.Group.Key(),
		"sequence_number": input.Point.Measurement.SequenceNumber,
		"z_score":         input.Point.ZScore,
		"history_points":  len(snap.series) - 1,
		"violations":      len(violations),
	}).Debug("Completed Westgard rule evaluation")

	return &Evaluation{Violations: violations}, nil
}

// checkHistoryOrder requires the point and history to share the group and
// the history to be strictly increasing and older than the point.
func checkHistoryOrder(input EvaluationInput) error {
	point := input.Point
	if point.Measurement.Group != input.Group {
		return fmt.Errorf("point belongs to group %s, not %s: %w", point.Measurement.Group, input.Group, domain.ErrHistoryOrdering)
	}
	for i, h := range input.History {
		if h.Measurement.Group != input.Group {
			return fmt.Errorf("history point %d belongs to group %s: %w", i, h.Measurement.Group, domain.ErrHistoryOrdering)
		}
		if i > 0 && h.Measurement.SequenceNumber <= input.History[i-1].Measurement.SequenceNumber {
			return fmt.Errorf("history sequence %d follows %d: %w",
				h.Measurement.SequenceNumber, input.History[i-1].Measurement.SequenceNumber, domain.ErrHistoryOrdering)
		}
		if h.Measurement.SequenceNumber >= point.Measurement.SequenceNumber {
			return fmt.Errorf("history sequence %d is not before new point %d: %w",
				h.Measurement.SequenceNumber, point.Measurement.SequenceNumber, domain.ErrHistoryOrdering)
		}
	}
	return nil
}

// buildSnapshot checks the z-scores and trims the history to the window.
func buildSnapshot(input EvaluationInput) (*evaluationSnapshot, error) {
	point := input.Point
	if math.IsNaN(point.ZScore) || math.IsInf(point.ZScore, 0) {
		return nil, fmt.Errorf("z-score %v for sequence %d: %w", point.ZScore, point.Measurement.SequenceNumber, domain.ErrInvalidMeasurement)
	}

	for _, h := range input.History {
		if math.IsNaN(h.ZScore) || math.IsInf(h.ZScore, 0) {
			return nil, fmt.Errorf("history z-score %v at sequence %d: %w", h.ZScore, h.Measurement.SequenceNumber, domain.ErrInvalidMeasurement)
		}
	}

	if cross := input.CrossLevel; cross != nil {
		cg := cross.Measurement.Group
		if cg == input.Group || cg.TestCode != input.Group.TestCode || cg.Analyte != input.Group.Analyte {
			return nil, fmt.Errorf("cross-level point %s is not another level of %s: %w", cg, input.Group, domain.ErrInvalidMeasurement)
		}
		if math.IsNaN(cross.ZScore) || math.IsInf(cross.ZScore, 0) {
			return nil, fmt.Errorf("cross-level z-score %v: %w", cross.ZScore, domain.ErrInvalidMeasurement)
		}
	}

	history := input.History
	if w := input.Rules.HistoryWindow; len(history) > w {
		history = history[len(history)-w:]
	}

	series := make([]domain.StandardizedPoint, 0, len(history)+1)
	series = append(series, history...)
	series = append(series, point)

	return &evaluationSnapshot{series: series, crossLevel: input.CrossLevel}, nil
}

func evaluateSingleExceeds(rule domain.RuleSpec, snap *evaluationSnapshot) *domain.RuleViolation {
	p := snap.newest()
	if math.Abs(p.ZScore) <= rule.Params.Threshold {
		return nil
	}
	return &domain.RuleViolation{
		RuleID:         rule.ID,
		Severity:       rule.Severity,
		PointsInvolved: []uint64{p.Measurement.SequenceNumber},
		Description:    fmt.Sprintf("z-score %.2f exceeds ±%gSD", p.ZScore, rule.Params.Threshold),
	}
}

func evaluateConsecutiveSameSide(rule domain.RuleSpec, snap *evaluationSnapshot) *domain.RuleViolation {
	points := snap.last(rule.Params.Count)
	if points == nil {
		return nil
	}

	side := sideOf(snap.newest().ZScore, rule.Params.Threshold)
	if side == 0 {
		return nil
	}
	for _, p := range points {
		if sideOf(p.ZScore, rule.Params.Threshold) != side {
			return nil
		}
	}

	desc := fmt.Sprintf("%d consecutive points beyond %s%gSD", len(points), sideSign(side), rule.Params.Threshold)
	if rule.Params.Threshold == 0 {
		desc = fmt.Sprintf("%d consecutive points %s the mean", len(points), sideWord(side))
	}
	return &domain.RuleViolation{
		RuleID:         rule.ID,
		Severity:       rule.Severity,
		PointsInvolved: sequences(points),
		Description:    desc,
	}
}

func evaluateCrossLevelRange(rule domain.RuleSpec, snap *evaluationSnapshot) *domain.RuleViolation {
	if snap.crossLevel == nil {
		return nil
	}
	p, c := snap.newest(), *snap.crossLevel
	t := rule.Params.Threshold

	straddles := (p.ZScore > t && c.ZScore < -t) || (p.ZScore < -t && c.ZScore > t)
	spread := math.Abs(p.ZScore - c.ZScore)
	if !straddles || spread <= rule.Params.Spread {
		return nil
	}

	involved := []uint64{c.Measurement.SequenceNumber, p.Measurement.SequenceNumber}
	return &domain.RuleViolation{
		RuleID:         rule.ID,
		Severity:       rule.Severity,
		PointsInvolved: involved,
		Description: fmt.Sprintf("levels %s and %s in the same run differ by %.2fSD",
			c.Measurement.Group.ControlLevel, p.Measurement.Group.ControlLevel, spread),
	}
}

func evaluateKOfNSameSide(rule domain.RuleSpec, snap *evaluationSnapshot) *domain.RuleViolation {
	points := snap.last(rule.Params.Count)
	if points == nil {
		return nil
	}

	side := sideOf(snap.newest().ZScore, rule.Params.Threshold)
	if side == 0 {
		return nil
	}
	involved := make([]uint64, 0, len(points))
	for _, p := range points {
		if sideOf(p.ZScore, rule.Params.Threshold) == side {
			involved = append(involved, p.Measurement.SequenceNumber)
		}
	}
	if len(involved) < rule.Params.K {
		return nil
	}

	return &domain.RuleViolation{
		RuleID:         rule.ID,
		Severity:       rule.Severity,
		PointsInvolved: involved,
		Description: fmt.Sprintf("%d of the last %d points beyond %s%gSD",
			len(involved), len(points), sideSign(side), rule.Params.Threshold),
	}
}

func evaluateTrend(rule domain.RuleSpec, snap *evaluationSnapshot) *domain.RuleViolation {
	points := snap.last(rule.Params.Count)
	if points == nil {
		return nil
	}

	rising, falling := true, true
	for i := 1; i < len(points); i++ {
		prev, cur := points[i-1].Measurement.Value, points[i].Measurement.Value
		if cur <= prev {
			rising = false
		}
		if cur >= prev {
			falling = false
		}
	}
	if !rising && !falling {
		return nil
	}

	direction := "increasing"
	if falling {
		direction = "decreasing"
	}
	return &domain.RuleViolation{
		RuleID:         rule.ID,
		Severity:       rule.Severity,
		PointsInvolved: sequences(points),
		Description:    fmt.Sprintf("%d consecutive %s values", len(points), direction),
	}
}

// sideOf returns +1 above +threshold, -1 below -threshold, else 0. The
// comparison is strict, so a threshold of 0 means strictly above or below the
// mean.
func sideOf(z, threshold float64) int {
	switch {
	case z > threshold:
		return 1
	case z < -threshold:
		return -1
	default:
		return 0
	}
}

func sideSign(side int) string {
	if side > 0 {
		return "+"
	}
	return "-"
}

func sideWord(side int) string {
	if side > 0 {
		return "above"
	}
	return "below"
}

func sequences(points []domain.StandardizedPoint) []uint64 {
	seqs := make([]uint64, len(points))
	for i, p := range points {
		seqs[i] = p.Measurement.SequenceNumber
	}
	return seqs
}
