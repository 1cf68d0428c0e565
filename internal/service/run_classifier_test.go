package service

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/labflow-qc-server/internal/domain"
)

func TestClassify(t *testing.T) {
	warning := domain.RuleViolation{RuleID: domain.Rule12s, Severity: domain.WARNING, PointsInvolved: []uint64{9}}
	reject := domain.RuleViolation{RuleID: domain.Rule13s, Severity: domain.REJECT, PointsInvolved: []uint64{9}}

	tests := []struct {
		name       string
		violations []domain.RuleViolation
		decision   domain.Decision
		hold       bool
	}{
		{"No_Violations", nil, domain.ACCEPT, false},
		{"Warning", []domain.RuleViolation{warning}, domain.WARN, false},
		{"Reject", []domain.RuleViolation{reject}, domain.REJECT_RUN, true},
		{"Warning_And_Reject", []domain.RuleViolation{warning, reject}, domain.REJECT_RUN, true},
		{"Reject_Before_Warning", []domain.RuleViolation{reject, warning}, domain.REJECT_RUN, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict := Classify(glucoseL1, 9, tt.violations)
			assert.Equal(t, tt.decision, verdict.Decision)
			assert.Equal(t, tt.hold, verdict.MustHoldResults)
			assert.Equal(t, uint64(9), verdict.SequenceNumber)
			assert.Equal(t, glucoseL1, verdict.Group)
			assert.Len(t, verdict.Violations, len(tt.violations))
			assert.False(t, verdict.InsufficientBaseline)
		})
	}
}

func TestClassify_DoesNotAliasInput(t *testing.T) {
	violations := []domain.RuleViolation{{RuleID: domain.Rule22s, Severity: domain.REJECT, PointsInvolved: []uint64{4, 5}}}

	verdict := Classify(glucoseL1, 5, violations)
	violations[0].RuleID = "mutated"
	violations[0].PointsInvolved[0] = 99

	assert.Equal(t, domain.Rule22s, verdict.Violations[0].RuleID)
	assert.Equal(t, []uint64{4, 5}, verdict.Violations[0].PointsInvolved)
}

func TestClassifyEvaluation(t *testing.T) {
	t.Run("Insufficient_Baseline", func(t *testing.T) {
		verdict := ClassifyEvaluation(glucoseL1, 1, &Evaluation{InsufficientBaseline: true})
		assert.Equal(t, domain.INDETERMINATE, verdict.Decision)
		assert.True(t, verdict.MustHoldResults)
		assert.True(t, verdict.InsufficientBaseline)
		assert.Empty(t, verdict.Violations)
	})

	t.Run("Nil_Evaluation", func(t *testing.T) {
		verdict := ClassifyEvaluation(glucoseL1, 1, nil)
		assert.Equal(t, domain.INDETERMINATE, verdict.Decision)
	})

	t.Run("Delegates_To_Classify", func(t *testing.T) {
		evaluation := &Evaluation{Violations: []domain.RuleViolation{{RuleID: domain.Rule12s, Severity: domain.WARNING}}}
		verdict := ClassifyEvaluation(glucoseL1, 3, evaluation)
		assert.Equal(t, domain.WARN, verdict.Decision)
		assert.False(t, verdict.MustHoldResults)
	})
}
