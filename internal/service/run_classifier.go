package service

import (
	"github.com/labflow-qc-server/internal/domain"
)

// Classify combines rule violations into a run verdict.
//
// Precedence:
//  1. any reject violation: reject, hold patient results
//  2. any warning violation: warn, release
//  3. otherwise: accept
//
// The verdict owns a copy of violations.
func Classify(group domain.ControlGroup, seq uint64, violations []domain.RuleViolation) domain.RunVerdict {
	verdict := domain.RunVerdict{
		Group:          group,
		SequenceNumber: seq,
		Violations:     copyViolations(violations),
		Decision:       domain.ACCEPT,
	}

	for _, v := range violations {
		switch v.Severity {
		case domain.REJECT:
			verdict.Decision = domain.REJECT_RUN
			verdict.MustHoldResults = true
			return verdict
		case domain.WARNING:
			verdict.Decision = domain.WARN
		}
	}
	return verdict
}

// ClassifyEvaluation classifies an Evaluation. A missing baseline gives an
// indeterminate verdict that still holds results; it is never an accept.
func ClassifyEvaluation(group domain.ControlGroup, seq uint64, evaluation *Evaluation) domain.RunVerdict {
	if evaluation == nil || evaluation.InsufficientBaseline {
		return domain.RunVerdict{
			Group:                group,
			SequenceNumber:       seq,
			Violations:           []domain.RuleViolation{},
			Decision:             domain.INDETERMINATE,
			MustHoldResults:      true,
			InsufficientBaseline: true,
		}
	}
	return Classify(group, seq, evaluation.Violations)
}

func copyViolations(violations []domain.RuleViolation) []domain.RuleViolation {
	out := make([]domain.RuleViolation, len(violations))
	for i, v := range violations {
		out[i] = v
		out[i].PointsInvolved = append([]uint64(nil), v.PointsInvolved...)
	}
	return out
}
