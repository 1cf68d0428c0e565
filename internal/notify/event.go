// Package notify delivers QC verdicts to downstream consumers: the verdict
// Kafka topic, the log, or any combination behind a circuit breaker.
package notify

import (
	"time"

	"github.com/labflow-qc-server/internal/domain"
)

// VerdictEvent is the wire form of a processed measurement.
type VerdictEvent struct {
	TenantID           string                 `json:"tenant_id"`
	Group              domain.ControlGroup    `json:"group"`
	SequenceNumber     uint64                 `json:"sequence_number"`
	RunID              string                 `json:"run_id,omitempty"`
	Value              float64                `json:"value"`
	Unit               string                 `json:"unit,omitempty"`
	ZScore             *float64               `json:"z_score,omitempty"`
	Decision           domain.Decision        `json:"decision"`
	MustHoldResults    bool                   `json:"must_hold_results"`
	Violations         []domain.RuleViolation `json:"violations"`
	Stats              *domain.RunningStats   `json:"stats,omitempty"`
	IncludedInBaseline bool                   `json:"included_in_baseline"`
	MeasuredAt         time.Time              `json:"measured_at"`
	EmittedAt          time.Time              `json:"emitted_at"`
}

// NewVerdictEvent flattens a processed measurement for publication.
func NewVerdictEvent(tenantID string, p *domain.ProcessedMeasurement) VerdictEvent {
	event := VerdictEvent{
		TenantID:           tenantID,
		Group:              p.Verdict.Group,
		SequenceNumber:     p.Verdict.SequenceNumber,
		RunID:              p.Measurement.RunID,
		Value:              p.Measurement.Value,
		Unit:               p.Measurement.Unit,
		Decision:           p.Verdict.Decision,
		MustHoldResults:    p.Verdict.MustHoldResults,
		Violations:         p.Verdict.Violations,
		Stats:              p.StatsBefore,
		IncludedInBaseline: p.IncludedInBaseline,
		MeasuredAt:         p.Measurement.Timestamp,
		EmittedAt:          time.Now().UTC(),
	}
	if event.Violations == nil {
		event.Violations = []domain.RuleViolation{}
	}
	if p.Point != nil {
		z := p.Point.ZScore
		event.ZScore = &z
	}
	return event
}
