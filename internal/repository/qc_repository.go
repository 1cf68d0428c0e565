// Package repository implements domain.QCRepository on Postgres through a
// pgx connection pool.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/labflow-qc-server/internal/domain"
)

const defaultVerdictLimit = 50

// QCRepository handles measurement, verdict and baseline persistence
type QCRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

var _ domain.QCRepository = (*QCRepository)(nil)

// NewQCRepository creates a new QC repository
func NewQCRepository(db *pgxpool.Pool, logger *logrus.Logger) *QCRepository {
	return &QCRepository{
		db:  db,
		log: logger,
	}
}

// SaveMeasurement inserts a measurement. Re-saving the same group and
// sequence is a no-op so hydration replays stay idempotent.
func (r *QCRepository) SaveMeasurement(ctx context.Context, tenantID string, m *domain.Measurement) error {
	query := `
		INSERT INTO qc_measurements (
			tenant_id, test_code, analyte, control_level, lot_number,
			sequence_number, value, unit, run_id, measured_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)
		ON CONFLICT (tenant_id, test_code, analyte, control_level, lot_number, sequence_number) DO NOTHING`

	measuredAt := m.Timestamp
	if measuredAt.IsZero() {
		measuredAt = time.Now().UTC()
	}

	_, err := r.db.Exec(ctx, query,
		tenantID,
		m.Group.TestCode,
		m.Group.Analyte,
		m.Group.ControlLevel,
		m.Group.LotNumber,
		int64(m.SequenceNumber),
		m.Value,
		m.Unit,
		m.RunID,
		measuredAt,
	)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"tenant_id":       tenantID,
			"group":           m.Group.Key(),
			"sequence_number": m.SequenceNumber,
			"error":           err,
		}).Error("Failed to save measurement")
		return fmt.Errorf("saving measurement: %w", err)
	}
	return nil
}

// SaveVerdict upserts the verdict for a group and sequence.
func (r *QCRepository) SaveVerdict(ctx context.Context, tenantID string, v *domain.StoredVerdict) error {
	violations := v.Verdict.Violations
	if violations == nil {
		violations = []domain.RuleViolation{}
	}
	violationsJSON, err := json.Marshal(violations)
	if err != nil {
		return fmt.Errorf("marshaling violations: %w", err)
	}

	query := `
		INSERT INTO qc_verdicts (
			tenant_id, test_code, analyte, control_level, lot_number, sequence_number,
			decision, must_hold_results, insufficient_baseline, z_score, violations,
			included_in_baseline
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		)
		ON CONFLICT (tenant_id, test_code, analyte, control_level, lot_number, sequence_number) DO UPDATE SET
			decision = EXCLUDED.decision,
			must_hold_results = EXCLUDED.must_hold_results,
			insufficient_baseline = EXCLUDED.insufficient_baseline,
			z_score = EXCLUDED.z_score,
			violations = EXCLUDED.violations,
			included_in_baseline = EXCLUDED.included_in_baseline
		RETURNING created_at`

	g := v.Verdict.Group
	err = r.db.QueryRow(ctx, query,
		tenantID,
		g.TestCode,
		g.Analyte,
		g.ControlLevel,
		g.LotNumber,
		int64(v.Verdict.SequenceNumber),
		string(v.Verdict.Decision),
		v.Verdict.MustHoldResults,
		v.Verdict.InsufficientBaseline,
		v.ZScore,
		violationsJSON,
		v.IncludedInBaseline,
	).Scan(&v.CreatedAt)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"tenant_id":       tenantID,
			"group":           g.Key(),
			"sequence_number": v.Verdict.SequenceNumber,
			"decision":        v.Verdict.Decision,
			"error":           err,
		}).Error("Failed to save verdict")
		return fmt.Errorf("saving verdict: %w", err)
	}
	v.TenantID = tenantID
	return nil
}

// SaveBaseline records a manual re-baselining.
func (r *QCRepository) SaveBaseline(ctx context.Context, tenantID string, b *domain.Baseline) error {
	query := `
		INSERT INTO qc_baselines (
			tenant_id, test_code, analyte, control_level, lot_number,
			mean, sd, effective_from, reason
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9
		)
		ON CONFLICT (tenant_id, test_code, analyte, control_level, lot_number, effective_from) DO UPDATE SET
			mean = EXCLUDED.mean,
			sd = EXCLUDED.sd,
			reason = EXCLUDED.reason
		RETURNING created_at`

	err := r.db.QueryRow(ctx, query,
		tenantID,
		b.Group.TestCode,
		b.Group.Analyte,
		b.Group.ControlLevel,
		b.Group.LotNumber,
		b.Mean,
		b.SD,
		int64(b.EffectiveFrom),
		b.Reason,
	).Scan(&b.CreatedAt)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"tenant_id":      tenantID,
			"group":          b.Group.Key(),
			"effective_from": b.EffectiveFrom,
			"error":          err,
		}).Error("Failed to save baseline")
		return fmt.Errorf("saving baseline: %w", err)
	}

	r.log.WithFields(logrus.Fields{
		"tenant_id":      tenantID,
		"group":          b.Group.Key(),
		"mean":           b.Mean,
		"sd":             b.SD,
		"effective_from": b.EffectiveFrom,
	}).Info("Baseline saved")
	return nil
}

// ListMeasurements returns a group's measurements in sequence order.
func (r *QCRepository) ListMeasurements(ctx context.Context, tenantID string, group domain.ControlGroup) ([]domain.Measurement, error) {
	query := `
		SELECT sequence_number, value, unit, run_id, measured_at
		FROM qc_measurements
		WHERE tenant_id = $1 AND test_code = $2 AND analyte = $3 AND control_level = $4 AND lot_number = $5
		ORDER BY sequence_number`

	rows, err := r.db.Query(ctx, query, tenantID, group.TestCode, group.Analyte, group.ControlLevel, group.LotNumber)
	if err != nil {
		return nil, fmt.Errorf("listing measurements: %w", err)
	}
	defer rows.Close()

	var measurements []domain.Measurement
	for rows.Next() {
		m := domain.Measurement{Group: group, TenantID: tenantID}
		var seq int64
		if err := rows.Scan(&seq, &m.Value, &m.Unit, &m.RunID, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning measurement: %w", err)
		}
		m.SequenceNumber = uint64(seq)
		measurements = append(measurements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating measurements: %w", err)
	}
	return measurements, nil
}

// ListArrivals returns a tenant's measurements in insertion order, each with
// the baseline decision of its verdict.
func (r *QCRepository) ListArrivals(ctx context.Context, tenantID string) ([]domain.StoredMeasurement, error) {
	query := `
		SELECT m.test_code, m.analyte, m.control_level, m.lot_number,
			   m.sequence_number, m.value, m.unit, m.run_id, m.measured_at,
			   v.included_in_baseline
		FROM qc_measurements m
		LEFT JOIN qc_verdicts v
			ON v.tenant_id = m.tenant_id AND v.test_code = m.test_code AND v.analyte = m.analyte
			AND v.control_level = m.control_level AND v.lot_number = m.lot_number
			AND v.sequence_number = m.sequence_number
		WHERE m.tenant_id = $1
		ORDER BY m.id`

	rows, err := r.db.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing arrivals: %w", err)
	}
	defer rows.Close()

	var arrivals []domain.StoredMeasurement
	for rows.Next() {
		var (
			stored domain.StoredMeasurement
			seq    int64
		)
		m := &stored.Measurement
		if err := rows.Scan(
			&m.Group.TestCode, &m.Group.Analyte, &m.Group.ControlLevel, &m.Group.LotNumber,
			&seq, &m.Value, &m.Unit, &m.RunID, &m.Timestamp,
			&stored.IncludedInBaseline,
		); err != nil {
			return nil, fmt.Errorf("scanning arrival: %w", err)
		}
		m.SequenceNumber = uint64(seq)
		m.TenantID = tenantID
		arrivals = append(arrivals, stored)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating arrivals: %w", err)
	}
	return arrivals, nil
}

// ListVerdicts returns a group's most recent verdicts, newest first.
func (r *QCRepository) ListVerdicts(ctx context.Context, tenantID string, group domain.ControlGroup, limit int) ([]domain.StoredVerdict, error) {
	if limit <= 0 {
		limit = defaultVerdictLimit
	}
	query := `
		SELECT sequence_number, decision, must_hold_results, insufficient_baseline,
			   z_score, violations, included_in_baseline, created_at
		FROM qc_verdicts
		WHERE tenant_id = $1 AND test_code = $2 AND analyte = $3 AND control_level = $4 AND lot_number = $5
		ORDER BY sequence_number DESC
		LIMIT $6`

	rows, err := r.db.Query(ctx, query, tenantID, group.TestCode, group.Analyte, group.ControlLevel, group.LotNumber, limit)
	if err != nil {
		return nil, fmt.Errorf("listing verdicts: %w", err)
	}
	defer rows.Close()

	var verdicts []domain.StoredVerdict
	for rows.Next() {
		stored := domain.StoredVerdict{TenantID: tenantID}
		stored.Verdict.Group = group
		var (
			seq            int64
			decision       string
			violationsJSON []byte
		)
		if err := rows.Scan(
			&seq,
			&decision,
			&stored.Verdict.MustHoldResults,
			&stored.Verdict.InsufficientBaseline,
			&stored.ZScore,
			&violationsJSON,
			&stored.IncludedInBaseline,
			&stored.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning verdict: %w", err)
		}
		stored.Verdict.SequenceNumber = uint64(seq)
		stored.Verdict.Decision = domain.Decision(decision)
		if err := json.Unmarshal(violationsJSON, &stored.Verdict.Violations); err != nil {
			return nil, fmt.Errorf("unmarshaling violations: %w", err)
		}
		verdicts = append(verdicts, stored)
	}
	return verdicts, rows.Err()
}

// ListBaselines returns every stored baseline for a tenant ordered by group
// and effective sequence.
func (r *QCRepository) ListBaselines(ctx context.Context, tenantID string) ([]domain.Baseline, error) {
	query := `
		SELECT test_code, analyte, control_level, lot_number, mean, sd, effective_from, reason, created_at
		FROM qc_baselines
		WHERE tenant_id = $1
		ORDER BY test_code, analyte, control_level, lot_number, effective_from`

	rows, err := r.db.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing baselines: %w", err)
	}
	defer rows.Close()

	var baselines []domain.Baseline
	for rows.Next() {
		var (
			b             domain.Baseline
			effectiveFrom int64
		)
		if err := rows.Scan(
			&b.Group.TestCode, &b.Group.Analyte, &b.Group.ControlLevel, &b.Group.LotNumber,
			&b.Mean, &b.SD, &effectiveFrom, &b.Reason, &b.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning baseline: %w", err)
		}
		b.EffectiveFrom = uint64(effectiveFrom)
		baselines = append(baselines, b)
	}
	return baselines, rows.Err()
}

// ListTenants returns every tenant with stored measurements or baselines.
func (r *QCRepository) ListTenants(ctx context.Context) ([]string, error) {
	query := `
		SELECT tenant_id FROM qc_measurements
		UNION
		SELECT tenant_id FROM qc_baselines
		ORDER BY tenant_id`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing tenants: %w", err)
	}
	tenants, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collecting tenants: %w", err)
	}
	return tenants, nil
}

// Close is a no-op; the pool belongs to database.DB.
func (r *QCRepository) Close() error {
	return nil
}
