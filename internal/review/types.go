// Package review stores supervisor reviews of QC verdicts that held results.
// A review records who looked at a warn, reject or indeterminate run, what
// corrective action was taken and whether patient results were released.
package review

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/labflow-qc-server/internal/domain"
)

// ReleaseDecision is the supervisor's call on held patient results.
type ReleaseDecision string

const (
	ReleaseResults ReleaseDecision = "release"
	HoldResults    ReleaseDecision = "hold"
	RerunControls  ReleaseDecision = "rerun"
)

// IsValid reports whether the release decision is known.
func (d ReleaseDecision) IsValid() bool {
	switch d {
	case ReleaseResults, HoldResults, RerunControls:
		return true
	default:
		return false
	}
}

// Review is a supervisor's disposition of one verdict.
type Review struct {
	ID               int64               `json:"id,omitempty"`
	TenantID         string              `json:"tenant_id"`
	Group            domain.ControlGroup `json:"group"`
	SequenceNumber   uint64              `json:"sequence_number"`
	Decision         domain.Decision     `json:"decision"`        // Verdict under review
	Rules            []string            `json:"rules,omitempty"` // Fired rule IDs
	Reviewer         string              `json:"reviewer"`
	CorrectiveAction string              `json:"corrective_action,omitempty"`
	ReleaseDecision  ReleaseDecision     `json:"release_decision"`
	Notes            string              `json:"notes,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

// Validate checks the fields every store requires.
func (r *Review) Validate() error {
	if err := r.Group.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(r.TenantID) == "" {
		return domain.NewValidationError("tenant_id", "tenant is required", r.TenantID)
	}
	if strings.TrimSpace(r.Reviewer) == "" {
		return domain.NewValidationError("reviewer", "reviewer is required", r.Reviewer)
	}
	if !r.Decision.IsValid() {
		return domain.NewValidationError("decision", "unknown verdict decision", r.Decision)
	}
	if !r.ReleaseDecision.IsValid() {
		return domain.NewValidationError("release_decision", "must be release, hold or rerun", r.ReleaseDecision)
	}
	if r.Decision == domain.REJECT_RUN && r.ReleaseDecision == ReleaseResults && strings.TrimSpace(r.CorrectiveAction) == "" {
		return domain.NewValidationError("corrective_action", "releasing a rejected run requires a corrective action", r.CorrectiveAction)
	}
	return nil
}

// FromVerdict starts a review for a verdict.
func FromVerdict(tenantID string, v domain.RunVerdict) *Review {
	return &Review{
		TenantID:       tenantID,
		Group:          v.Group,
		SequenceNumber: v.SequenceNumber,
		Decision:       v.Decision,
		Rules:          v.RuleIDs(),
	}
}

func joinRules(rules []string) string {
	return strings.Join(rules, ",")
}

func splitRules(rules string) []string {
	if rules == "" {
		return nil
	}
	return strings.Split(rules, ",")
}

// Store defines the interface for review storage operations.
type Store interface {
	// Save stores or updates a review. A review for the same tenant, group
	// and sequence is replaced.
	Save(ctx context.Context, review *Review) error

	// Get retrieves the review of one verdict, or nil when none exists.
	Get(ctx context.Context, tenantID string, group domain.ControlGroup, sequence uint64) (*Review, error)

	// List returns reviews newest first. An empty tenant lists every tenant.
	List(ctx context.Context, tenantID string, limit, offset int) ([]*Review, error)

	// Count returns the total number of reviews.
	Count(ctx context.Context) (int64, error)

	// Delete removes a review by ID.
	Delete(ctx context.Context, id int64) error

	// ExportJSON exports all reviews to a JSON writer.
	ExportJSON(ctx context.Context, writer io.Writer) error

	// ImportJSON imports reviews from a JSON reader, skipping those already
	// stored. Returns the number of imported and skipped entries.
	ImportJSON(ctx context.Context, reader io.Reader) (imported int, skipped int, err error)

	// Close closes the store and releases resources.
	Close() error
}

// ReviewExport represents the JSON export format.
type ReviewExport struct {
	Version    string    `json:"version"`
	ExportedAt time.Time `json:"exported_at"`
	Count      int       `json:"count"`
	Reviews    []*Review `json:"reviews"`
}

// maxExportLimit is the maximum number of entries to export at once.
const maxExportLimit = 1000000

type lister interface {
	List(ctx context.Context, tenantID string, limit, offset int) ([]*Review, error)
	Get(ctx context.Context, tenantID string, group domain.ControlGroup, sequence uint64) (*Review, error)
	Save(ctx context.Context, review *Review) error
}
