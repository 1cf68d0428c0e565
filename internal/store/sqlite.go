// Package store implements domain.QCRepository on an embedded SQLite file
// for the lite MCP server and the qcctl CLI.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/labflow-qc-server/internal/domain"
)

const defaultVerdictLimit = 50

// SQLiteStore keeps measurements, verdicts and baselines in one SQLite file.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
	log    *logrus.Logger
}

var _ domain.QCRepository = (*SQLiteStore)(nil)

// NewSQLiteStore opens (and if needed creates) the QC database at dbPath.
func NewSQLiteStore(dbPath string, logger *logrus.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer; concurrent hydration readers queue behind it.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	logger.WithField("path", dbPath).Info("QC SQLite store opened")
	return &SQLiteStore{db: db, dbPath: dbPath, log: logger}, nil
}

func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS qc_measurements (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant_id TEXT NOT NULL,
		test_code TEXT NOT NULL,
		analyte TEXT NOT NULL,
		control_level TEXT NOT NULL,
		lot_number TEXT NOT NULL,
		sequence_number INTEGER NOT NULL,
		value REAL NOT NULL,
		unit TEXT NOT NULL DEFAULT '',
		run_id TEXT NOT NULL DEFAULT '',
		measured_at DATETIME NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(tenant_id, test_code, analyte, control_level, lot_number, sequence_number)
	);

	CREATE TABLE IF NOT EXISTS qc_verdicts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant_id TEXT NOT NULL,
		test_code TEXT NOT NULL,
		analyte TEXT NOT NULL,
		control_level TEXT NOT NULL,
		lot_number TEXT NOT NULL,
		sequence_number INTEGER NOT NULL,
		decision TEXT NOT NULL,
		must_hold_results INTEGER NOT NULL DEFAULT 0,
		insufficient_baseline INTEGER NOT NULL DEFAULT 0,
		z_score REAL,
		violations TEXT NOT NULL DEFAULT '[]',
		included_in_baseline INTEGER,
		created_at DATETIME NOT NULL,
		UNIQUE(tenant_id, test_code, analyte, control_level, lot_number, sequence_number)
	);

	CREATE TABLE IF NOT EXISTS qc_baselines (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant_id TEXT NOT NULL,
		test_code TEXT NOT NULL,
		analyte TEXT NOT NULL,
		control_level TEXT NOT NULL,
		lot_number TEXT NOT NULL,
		mean REAL NOT NULL,
		sd REAL NOT NULL CHECK (sd > 0),
		effective_from INTEGER NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		UNIQUE(tenant_id, test_code, analyte, control_level, lot_number, effective_from)
	);

	CREATE INDEX IF NOT EXISTS idx_qc_verdicts_decision ON qc_verdicts(tenant_id, decision);
	`

	if _, err := db.Exec(schema); err != nil {
		return err
	}
	// Files created before the baseline decision was stored lack the column.
	return ensureColumn(db, "qc_verdicts", "included_in_baseline", "INTEGER")
}

func ensureColumn(db *sql.DB, table, column, decl string) error {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			typ       string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dfltValue, &pk); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	_, err = db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl))
	return err
}

// SaveMeasurement stores a measurement; a repeated group and sequence is ignored.
func (s *SQLiteStore) SaveMeasurement(ctx context.Context, tenantID string, m *domain.Measurement) error {
	measuredAt := m.Timestamp
	if measuredAt.IsZero() {
		measuredAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO qc_measurements (
			tenant_id, test_code, analyte, control_level, lot_number,
			sequence_number, value, unit, run_id, measured_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		tenantID,
		m.Group.TestCode, m.Group.Analyte, m.Group.ControlLevel, m.Group.LotNumber,
		int64(m.SequenceNumber), m.Value, m.Unit, m.RunID, measuredAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save measurement: %w", err)
	}
	return nil
}

// SaveVerdict stores or replaces the verdict for a group and sequence.
func (s *SQLiteStore) SaveVerdict(ctx context.Context, tenantID string, v *domain.StoredVerdict) error {
	violations := v.Verdict.Violations
	if violations == nil {
		violations = []domain.RuleViolation{}
	}
	violationsJSON, err := json.Marshal(violations)
	if err != nil {
		return fmt.Errorf("failed to marshal violations: %w", err)
	}

	var z sql.NullFloat64
	if v.ZScore != nil {
		z = sql.NullFloat64{Float64: *v.ZScore, Valid: true}
	}
	now := time.Now().UTC()
	g := v.Verdict.Group

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO qc_verdicts (
			tenant_id, test_code, analyte, control_level, lot_number, sequence_number,
			decision, must_hold_results, insufficient_baseline, z_score, violations,
			included_in_baseline, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, test_code, analyte, control_level, lot_number, sequence_number) DO UPDATE SET
			decision = excluded.decision,
			must_hold_results = excluded.must_hold_results,
			insufficient_baseline = excluded.insufficient_baseline,
			z_score = excluded.z_score,
			violations = excluded.violations,
			included_in_baseline = excluded.included_in_baseline
	`,
		tenantID,
		g.TestCode, g.Analyte, g.ControlLevel, g.LotNumber, int64(v.Verdict.SequenceNumber),
		string(v.Verdict.Decision), v.Verdict.MustHoldResults, v.Verdict.InsufficientBaseline,
		z, string(violationsJSON), nullBool(v.IncludedInBaseline), now,
	)
	if err != nil {
		return fmt.Errorf("failed to save verdict: %w", err)
	}
	v.TenantID = tenantID
	v.CreatedAt = now
	return nil
}

// SaveBaseline stores a manual re-baselining.
func (s *SQLiteStore) SaveBaseline(ctx context.Context, tenantID string, b *domain.Baseline) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO qc_baselines (
			tenant_id, test_code, analyte, control_level, lot_number,
			mean, sd, effective_from, reason, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, test_code, analyte, control_level, lot_number, effective_from) DO UPDATE SET
			mean = excluded.mean,
			sd = excluded.sd,
			reason = excluded.reason
	`,
		tenantID,
		b.Group.TestCode, b.Group.Analyte, b.Group.ControlLevel, b.Group.LotNumber,
		b.Mean, b.SD, int64(b.EffectiveFrom), b.Reason, now,
	)
	if err != nil {
		return fmt.Errorf("failed to save baseline: %w", err)
	}
	b.CreatedAt = now

	s.log.WithFields(logrus.Fields{
		"tenant_id":      tenantID,
		"group":          b.Group.Key(),
		"effective_from": b.EffectiveFrom,
	}).Debug("Baseline saved")
	return nil
}

// ListMeasurements returns a group's measurements in sequence order.
func (s *SQLiteStore) ListMeasurements(ctx context.Context, tenantID string, group domain.ControlGroup) ([]domain.Measurement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence_number, value, unit, run_id, measured_at
		FROM qc_measurements
		WHERE tenant_id = ? AND test_code = ? AND analyte = ? AND control_level = ? AND lot_number = ?
		ORDER BY sequence_number
	`, tenantID, group.TestCode, group.Analyte, group.ControlLevel, group.LotNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to list measurements: %w", err)
	}
	defer rows.Close()

	var measurements []domain.Measurement
	for rows.Next() {
		m := domain.Measurement{Group: group, TenantID: tenantID}
		var seq int64
		if err := rows.Scan(&seq, &m.Value, &m.Unit, &m.RunID, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan measurement: %w", err)
		}
		m.SequenceNumber = uint64(seq)
		measurements = append(measurements, m)
	}
	return measurements, rows.Err()
}

// ListArrivals returns a tenant's measurements in insertion order, each with
// the baseline decision of its verdict.
func (s *SQLiteStore) ListArrivals(ctx context.Context, tenantID string) ([]domain.StoredMeasurement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.test_code, m.analyte, m.control_level, m.lot_number,
			m.sequence_number, m.value, m.unit, m.run_id, m.measured_at,
			v.included_in_baseline
		FROM qc_measurements m
		LEFT JOIN qc_verdicts v
			ON v.tenant_id = m.tenant_id AND v.test_code = m.test_code AND v.analyte = m.analyte
			AND v.control_level = m.control_level AND v.lot_number = m.lot_number
			AND v.sequence_number = m.sequence_number
		WHERE m.tenant_id = ?
		ORDER BY m.id
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list arrivals: %w", err)
	}
	defer rows.Close()

	var arrivals []domain.StoredMeasurement
	for rows.Next() {
		var (
			stored   domain.StoredMeasurement
			seq      int64
			included sql.NullBool
		)
		m := &stored.Measurement
		if err := rows.Scan(
			&m.Group.TestCode, &m.Group.Analyte, &m.Group.ControlLevel, &m.Group.LotNumber,
			&seq, &m.Value, &m.Unit, &m.RunID, &m.Timestamp, &included,
		); err != nil {
			return nil, fmt.Errorf("failed to scan arrival: %w", err)
		}
		m.SequenceNumber = uint64(seq)
		m.TenantID = tenantID
		if included.Valid {
			stored.IncludedInBaseline = &included.Bool
		}
		arrivals = append(arrivals, stored)
	}
	return arrivals, rows.Err()
}

// ListVerdicts returns a group's most recent verdicts, newest first.
func (s *SQLiteStore) ListVerdicts(ctx context.Context, tenantID string, group domain.ControlGroup, limit int) ([]domain.StoredVerdict, error) {
	if limit <= 0 {
		limit = defaultVerdictLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence_number, decision, must_hold_results, insufficient_baseline,
			z_score, violations, included_in_baseline, created_at
		FROM qc_verdicts
		WHERE tenant_id = ? AND test_code = ? AND analyte = ? AND control_level = ? AND lot_number = ?
		ORDER BY sequence_number DESC
		LIMIT ?
	`, tenantID, group.TestCode, group.Analyte, group.ControlLevel, group.LotNumber, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list verdicts: %w", err)
	}
	defer rows.Close()

	var verdicts []domain.StoredVerdict
	for rows.Next() {
		stored, err := scanVerdict(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan verdict: %w", err)
		}
		stored.TenantID = tenantID
		stored.Verdict.Group = group
		verdicts = append(verdicts, *stored)
	}
	return verdicts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanVerdict(s scanner) (*domain.StoredVerdict, error) {
	var (
		stored         domain.StoredVerdict
		seq            int64
		decision       string
		z              sql.NullFloat64
		violationsJSON string
		included       sql.NullBool
	)
	if err := s.Scan(
		&seq, &decision,
		&stored.Verdict.MustHoldResults, &stored.Verdict.InsufficientBaseline,
		&z, &violationsJSON, &included, &stored.CreatedAt,
	); err != nil {
		return nil, err
	}
	if included.Valid {
		stored.IncludedInBaseline = &included.Bool
	}
	stored.Verdict.SequenceNumber = uint64(seq)
	stored.Verdict.Decision = domain.Decision(decision)
	if z.Valid {
		stored.ZScore = &z.Float64
	}
	if err := json.Unmarshal([]byte(violationsJSON), &stored.Verdict.Violations); err != nil {
		return nil, fmt.Errorf("failed to unmarshal violations: %w", err)
	}
	return &stored, nil
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

// ListBaselines returns a tenant's baselines ordered by group and effective sequence.
func (s *SQLiteStore) ListBaselines(ctx context.Context, tenantID string) ([]domain.Baseline, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT test_code, analyte, control_level, lot_number, mean, sd, effective_from, reason, created_at
		FROM qc_baselines
		WHERE tenant_id = ?
		ORDER BY test_code, analyte, control_level, lot_number, effective_from
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list baselines: %w", err)
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
			return nil, fmt.Errorf("failed to scan baseline: %w", err)
		}
		b.EffectiveFrom = uint64(effectiveFrom)
		baselines = append(baselines, b)
	}
	return baselines, rows.Err()
}

// ListTenants returns every tenant with measurements or baselines.
func (s *SQLiteStore) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id FROM qc_measurements
		UNION
		SELECT tenant_id FROM qc_baselines
		ORDER BY tenant_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var tenant string
		if err := rows.Scan(&tenant); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenants = append(tenants, tenant)
	}
	return tenants, rows.Err()
}

// CountVerdicts returns the number of stored verdicts per decision for a tenant.
func (s *SQLiteStore) CountVerdicts(ctx context.Context, tenantID string) (map[domain.Decision]int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT decision, COUNT(*) FROM qc_verdicts WHERE tenant_id = ? GROUP BY decision", tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to count verdicts: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.Decision]int)
	for rows.Next() {
		var (
			decision string
			n        int
		)
		if err := rows.Scan(&decision, &n); err != nil {
			return nil, fmt.Errorf("failed to scan verdict count: %w", err)
		}
		counts[domain.Decision(decision)] = n
	}
	return counts, rows.Err()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.dbPath
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
