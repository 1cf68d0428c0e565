// Package domain contains core business entities and types for laboratory
// quality control following the Westgard multi-rule procedure over
// Levey-Jennings statistics.
//
// Reference: Westgard JO, Barry PL, Hunt MR, Groth T. A multi-rule Shewhart
// chart for quality control in clinical chemistry. Clin Chem. 1981;27(3):493-501.
package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// ControlGroup identifies a unique statistical population of control results.
// It is comparable and used as the key for every stats lookup.
type ControlGroup struct {
	TestCode     string `json:"test_code"`
	Analyte      string `json:"analyte"`
	ControlLevel string `json:"control_level"`
	LotNumber    string `json:"lot_number"`
}

// Key renders the group as a stable string for storage and cache keys.
func (g ControlGroup) Key() string {
	return strings.Join([]string{g.TestCode, g.Analyte, g.ControlLevel, g.LotNumber}, "|")
}

// String returns the string representation of the group.
func (g ControlGroup) String() string {
	return g.Key()
}

// RunKey identifies the analytical run context shared by every control level
// of the same test and analyte.
func (g ControlGroup) RunKey(runID string) string {
	return strings.Join([]string{g.TestCode, g.Analyte, runID}, "|")
}

// Validate checks that every identity field is present.
func (g ControlGroup) Validate() error {
	switch {
	case strings.TrimSpace(g.TestCode) == "":
		return NewValidationError("test_code", "test code is required", g.TestCode)
	case strings.TrimSpace(g.Analyte) == "":
		return NewValidationError("analyte", "analyte is required", g.Analyte)
	case strings.TrimSpace(g.ControlLevel) == "":
		return NewValidationError("control_level", "control level is required", g.ControlLevel)
	case strings.TrimSpace(g.LotNumber) == "":
		return NewValidationError("lot_number", "lot number is required", g.LotNumber)
	}
	return nil
}

// LogFields returns structured logging fields for audit trails.
func (g ControlGroup) LogFields() map[string]any {
	return map[string]any{
		"test_code":     g.TestCode,
		"analyte":       g.Analyte,
		"control_level": g.ControlLevel,
		"lot_number":    g.LotNumber,
	}
}

// ParseControlGroup is the inverse of Key.
func ParseControlGroup(key string) (ControlGroup, error) {
	parts := strings.Split(key, "|")
	if len(parts) != 4 {
		return ControlGroup{}, fmt.Errorf("malformed control group key %q", key)
	}
	g := ControlGroup{TestCode: parts[0], Analyte: parts[1], ControlLevel: parts[2], LotNumber: parts[3]}
	return g, g.Validate()
}

// Measurement is a single QC data point. SequenceNumber is the authoritative
// ordering key within a group; timestamps may collide or arrive out of order.
type Measurement struct {
	Group          ControlGroup `json:"group"`
	Value          float64      `json:"value"`
	Unit           string       `json:"unit"`
	Timestamp      time.Time    `json:"timestamp"`
	SequenceNumber uint64       `json:"sequence_number"`
	RunID          string       `json:"run_id,omitempty"`
	TenantID       string       `json:"tenant_id,omitempty"`
}

// IsFinite reports whether the value can enter the statistics.
func (m Measurement) IsFinite() bool {
	return !math.IsNaN(m.Value) && !math.IsInf(m.Value, 0)
}

// StatsSource records where the mean and SD in effect came from.
type StatsSource string

const (
	COMPUTED StatsSource = "computed"
	ASSIGNED StatsSource = "assigned"
)

// RunningStats is the derived per-group baseline.
type RunningStats struct {
	Mean        float64     `json:"mean"`
	SD          float64     `json:"sd"`
	N           uint64      `json:"n"`
	WindowStart uint64      `json:"window_start"`
	Source      StatsSource `json:"source"`
}

// CV returns the coefficient of variation in percent.
func (s RunningStats) CV() float64 {
	if s.Mean == 0 {
		return 0
	}
	return s.SD / math.Abs(s.Mean) * 100
}

// ZScore standardizes a value against these stats.
func (s RunningStats) ZScore(value float64) float64 {
	return (value - s.Mean) / s.SD
}

// Limits returns mean ± k·SD, the Levey-Jennings control limits.
func (s RunningStats) Limits(k float64) (lower, upper float64) {
	return s.Mean - k*s.SD, s.Mean + k*s.SD
}

// StandardizedPoint pairs a measurement with its z-score computed against the
// stats in effect before the measurement was included.
type StandardizedPoint struct {
	Measurement Measurement `json:"measurement"`
	ZScore      float64     `json:"z_score"`
}

// Standardize builds the point for m against stats.
func Standardize(m Measurement, stats RunningStats) StandardizedPoint {
	return StandardizedPoint{Measurement: m, ZScore: stats.ZScore(m.Value)}
}

// Severity is the weight of a rule violation.
type Severity string

const (
	WARNING Severity = "warning"
	REJECT  Severity = "reject"
)

// IsValid reports whether the severity is known.
func (s Severity) IsValid() bool {
	return s == WARNING || s == REJECT
}

// String returns the string representation of the severity.
func (s Severity) String() string {
	return string(s)
}

// RuleViolation is one fired rule for a new point.
type RuleViolation struct {
	RuleID         string   `json:"rule_id"`
	Severity       Severity `json:"severity"`
	PointsInvolved []uint64 `json:"points_involved"`
	Description    string   `json:"description"`
}

// Decision is the run-level outcome of QC evaluation.
type Decision string

const (
	ACCEPT Decision = "accept"
	WARN   Decision = "warn"
	// REJECT_RUN is the reject decision; the name avoids clashing with the
	// reject severity.
	REJECT_RUN Decision = "reject"
	// INDETERMINATE is returned when no baseline exists to judge against.
	INDETERMINATE Decision = "indeterminate"
)

// IsValid validates the decision value.
func (d Decision) IsValid() bool {
	switch d {
	case ACCEPT, WARN, REJECT_RUN, INDETERMINATE:
		return true
	default:
		return false
	}
}

// String returns the string representation of the decision.
func (d Decision) String() string {
	return string(d)
}

// RequiresReview reports whether a supervisor must look at the run.
func (d Decision) RequiresReview() bool {
	return d != ACCEPT
}

// RunVerdict is the terminal output of the pipeline for one measurement.
type RunVerdict struct {
	Group                ControlGroup    `json:"group"`
	SequenceNumber       uint64          `json:"sequence_number"`
	Violations           []RuleViolation `json:"violations"`
	Decision             Decision        `json:"decision"`
	MustHoldResults      bool            `json:"must_hold_results"`
	InsufficientBaseline bool            `json:"insufficient_baseline,omitempty"`
}

// RuleIDs lists the fired rule identifiers in report order.
func (v RunVerdict) RuleIDs() []string {
	ids := make([]string, len(v.Violations))
	for i, violation := range v.Violations {
		ids[i] = violation.RuleID
	}
	return ids
}

// HasRule reports whether ruleID fired.
func (v RunVerdict) HasRule(ruleID string) bool {
	for _, violation := range v.Violations {
		if violation.RuleID == ruleID {
			return true
		}
	}
	return false
}

// LogFields returns structured logging fields for audit trails.
func (v RunVerdict) LogFields() map[string]any {
	fields := v.Group.LogFields()
	fields["sequence_number"] = v.SequenceNumber
	fields["decision"] = string(v.Decision)
	fields["must_hold_results"] = v.MustHoldResults
	fields["rules"] = strings.Join(v.RuleIDs(), ",")
	return fields
}

// ProcessedMeasurement is what the pipeline emits for an accepted measurement.
type ProcessedMeasurement struct {
	Measurement Measurement        `json:"measurement"`
	Point       *StandardizedPoint `json:"point,omitempty"`
	StatsBefore *RunningStats      `json:"stats_before,omitempty"`
	StatsAfter  *RunningStats      `json:"stats_after,omitempty"`
	Verdict     RunVerdict         `json:"verdict"`
	// IncludedInBaseline is false for rejected runs.
	IncludedInBaseline bool `json:"included_in_baseline"`
}

// Baseline is a persisted manual re-baselining.
type Baseline struct {
	Group         ControlGroup `json:"group"`
	Mean          float64      `json:"mean"`
	SD            float64      `json:"sd"`
	EffectiveFrom uint64       `json:"effective_from"`
	Reason        string       `json:"reason,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

// StoredVerdict is a verdict with its persistence metadata.
type StoredVerdict struct {
	TenantID string     `json:"tenant_id"`
	Verdict  RunVerdict `json:"verdict"`
	ZScore   *float64   `json:"z_score,omitempty"`
	// IncludedInBaseline records whether the measurement entered the
	// running stats. Nil for verdicts stored before it was recorded.
	IncludedInBaseline *bool     `json:"included_in_baseline,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// StoredMeasurement is a persisted measurement joined with the baseline
// decision of its verdict. IncludedInBaseline is nil when no verdict was
// stored or the decision was not recorded.
type StoredMeasurement struct {
	Measurement        Measurement `json:"measurement"`
	IncludedInBaseline *bool       `json:"included_in_baseline,omitempty"`
}
