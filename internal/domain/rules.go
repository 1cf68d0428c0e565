package domain

import (
	"fmt"
	"math"
)

// RuleKind tags the variant of a RuleSpec.
type RuleKind string

const (
	// SINGLE_EXCEEDS fires when the newest |z| is above Threshold.
	SINGLE_EXCEEDS RuleKind = "single_exceeds"
	// CONSECUTIVE_SAME_SIDE fires when the last Count points are all beyond
	// Threshold on the same side of the mean.
	CONSECUTIVE_SAME_SIDE RuleKind = "consecutive_same_side"
	// CROSS_LEVEL_RANGE fires when the newest point and the other level of the
	// same run straddle ±Threshold with a spread above Spread.
	CROSS_LEVEL_RANGE RuleKind = "cross_level_range"
	// K_OF_N_SAME_SIDE fires when K of the last Count points are beyond
	// Threshold on the same side, the newest point among them.
	K_OF_N_SAME_SIDE RuleKind = "k_of_n_same_side"
	// TREND fires when the last Count points strictly increase or decrease.
	TREND RuleKind = "trend"
)

// IsValid reports whether the kind is known to the dispatcher.
func (k RuleKind) IsValid() bool {
	switch k {
	case SINGLE_EXCEEDS, CONSECUTIVE_SAME_SIDE, CROSS_LEVEL_RANGE, K_OF_N_SAME_SIDE, TREND:
		return true
	default:
		return false
	}
}

// Standard Westgard rule identifiers.
const (
	Rule12s = "1-2s"
	Rule13s = "1-3s"
	Rule22s = "2-2s"
	RuleR4s = "R-4s"
	Rule41s = "4-1s"
)

// RuleNx returns the identifier of the N-x same-side rule.
func RuleNx(n int) string {
	return fmt.Sprintf("%d-x", n)
}

const (
	DefaultMeanRunLength = 10
	DefaultHistoryWindow = 12
	MaxHistoryWindow     = 32
)

// RuleParams carries the parameters of every rule kind; each kind reads only
// the fields it needs.
type RuleParams struct {
	Threshold float64 `json:"threshold" yaml:"threshold"`
	Count     int     `json:"count,omitempty" yaml:"count,omitempty"`
	K         int     `json:"k,omitempty" yaml:"k,omitempty"`
	Spread    float64 `json:"spread,omitempty" yaml:"spread,omitempty"`
}

// RuleSpec is one entry of a rule set.
type RuleSpec struct {
	ID       string     `json:"id" yaml:"id"`
	Kind     RuleKind   `json:"kind" yaml:"kind"`
	Severity Severity   `json:"severity" yaml:"severity"`
	Params   RuleParams `json:"params" yaml:"params"`
}

// PointsRequired is the number of same-group points (the newest included)
// the rule needs before it can fire.
func (r RuleSpec) PointsRequired() int {
	switch r.Kind {
	case CONSECUTIVE_SAME_SIDE, K_OF_N_SAME_SIDE, TREND:
		return r.Params.Count
	default:
		return 1
	}
}

// Validate checks the parameters of one rule.
func (r RuleSpec) Validate() error {
	if r.ID == "" {
		return NewValidationError("rules.id", "rule id is required", r.ID)
	}
	if !r.Kind.IsValid() {
		return NewValidationError("rules.kind", fmt.Sprintf("unknown rule kind for %s", r.ID), r.Kind)
	}
	if !r.Severity.IsValid() {
		return NewValidationError("rules.severity", fmt.Sprintf("unknown severity for %s", r.ID), r.Severity)
	}
	p := r.Params
	if math.IsNaN(p.Threshold) || math.IsInf(p.Threshold, 0) || p.Threshold < 0 {
		return NewValidationError("rules.params.threshold", fmt.Sprintf("threshold for %s must be a finite non-negative number", r.ID), p.Threshold)
	}
	switch r.Kind {
	case CONSECUTIVE_SAME_SIDE:
		if p.Count < 1 {
			return NewValidationError("rules.params.count", fmt.Sprintf("count for %s must be at least 1", r.ID), p.Count)
		}
	case K_OF_N_SAME_SIDE:
		if p.Count < 1 || p.K < 1 || p.K > p.Count {
			return NewValidationError("rules.params.k", fmt.Sprintf("%s needs 1 <= k <= count", r.ID), p.K)
		}
	case TREND:
		if p.Count < 2 {
			return NewValidationError("rules.params.count", fmt.Sprintf("trend %s needs at least 2 points", r.ID), p.Count)
		}
	case CROSS_LEVEL_RANGE:
		if p.Spread < 0 || math.IsNaN(p.Spread) || math.IsInf(p.Spread, 0) {
			return NewValidationError("rules.params.spread", fmt.Sprintf("spread for %s must be a finite non-negative number", r.ID), p.Spread)
		}
	}
	return nil
}

// RuleSet is the ordered rule list plus the history window. Both are explicit
// inputs to evaluation so each lab or test can apply its own sensitivity.
type RuleSet struct {
	Rules         []RuleSpec `json:"rules" yaml:"rules"`
	HistoryWindow int        `json:"history_window" yaml:"history_window"`
}

// DefaultRuleSet returns the standard Westgard multi-rule set in report order
// with an N-x run length of n (10 when n <= 0).
func DefaultRuleSet(n int) RuleSet {
	if n <= 0 {
		n = DefaultMeanRunLength
	}
	window := DefaultHistoryWindow
	if n-1 > window {
		window = n - 1
	}
	return RuleSet{
		Rules: []RuleSpec{
			{ID: Rule12s, Kind: SINGLE_EXCEEDS, Severity: WARNING, Params: RuleParams{Threshold: 2}},
			{ID: Rule13s, Kind: SINGLE_EXCEEDS, Severity: REJECT, Params: RuleParams{Threshold: 3}},
			{ID: Rule22s, Kind: CONSECUTIVE_SAME_SIDE, Severity: REJECT, Params: RuleParams{Threshold: 2, Count: 2}},
			{ID: RuleR4s, Kind: CROSS_LEVEL_RANGE, Severity: REJECT, Params: RuleParams{Threshold: 2, Spread: 4}},
			{ID: Rule41s, Kind: CONSECUTIVE_SAME_SIDE, Severity: REJECT, Params: RuleParams{Threshold: 1, Count: 4}},
			{ID: RuleNx(n), Kind: CONSECUTIVE_SAME_SIDE, Severity: REJECT, Params: RuleParams{Threshold: 0, Count: n}},
		},
		HistoryWindow: window,
	}
}

// Validate checks every rule and that the window holds enough history for
// the longest rule.
func (rs RuleSet) Validate() error {
	if len(rs.Rules) == 0 {
		return NewValidationError("rules", "rule set must contain at least one rule", nil)
	}
	if rs.HistoryWindow < 0 || rs.HistoryWindow > MaxHistoryWindow {
		return NewValidationError("history_window", fmt.Sprintf("history window must be between 0 and %d", MaxHistoryWindow), rs.HistoryWindow)
	}
	seen := make(map[string]bool, len(rs.Rules))
	for _, rule := range rs.Rules {
		if err := rule.Validate(); err != nil {
			return err
		}
		if seen[rule.ID] {
			return NewValidationError("rules.id", "duplicate rule id", rule.ID)
		}
		seen[rule.ID] = true
		if need := rule.PointsRequired() - 1; need > rs.HistoryWindow {
			return NewValidationError("history_window",
				fmt.Sprintf("rule %s needs %d points of history but the window holds %d", rule.ID, need, rs.HistoryWindow),
				rs.HistoryWindow)
		}
	}
	return nil
}

// ValueRange is an inclusive plausible range for raw values of a test.
type ValueRange struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// Contains reports whether v lies within the range.
func (r ValueRange) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}
