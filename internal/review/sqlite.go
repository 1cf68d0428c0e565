package review

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/labflow-qc-server/internal/domain"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite review store.
// It creates the database file and schema if they don't exist.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		dbPath: dbPath,
	}, nil
}

// scanner is an interface for sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

// scanReview scans a row selected with reviewColumns.
func scanReview(s scanner) (*Review, error) {
	r := &Review{}
	var (
		groupKey, decision, rules, release string
		seq                                int64
	)

	err := s.Scan(
		&r.ID, &r.TenantID, &groupKey, &seq, &decision, &rules,
		&r.Reviewer, &r.CorrectiveAction, &release, &r.Notes,
		&r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	group, err := domain.ParseControlGroup(groupKey)
	if err != nil {
		return nil, err
	}
	r.Group = group
	r.SequenceNumber = uint64(seq)
	r.Decision = domain.Decision(decision)
	r.Rules = splitRules(rules)
	r.ReleaseDecision = ReleaseDecision(release)
	return r, nil
}

const reviewColumns = `id, tenant_id, group_key, sequence_number, decision, rules,
	reviewer, corrective_action, release_decision, notes, created_at, updated_at`

func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS verdict_reviews (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant_id TEXT NOT NULL,
		group_key TEXT NOT NULL,
		sequence_number INTEGER NOT NULL,
		decision TEXT NOT NULL,
		rules TEXT DEFAULT '',
		reviewer TEXT NOT NULL,
		corrective_action TEXT DEFAULT '',
		release_decision TEXT NOT NULL,
		notes TEXT DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(tenant_id, group_key, sequence_number)
	);

	CREATE INDEX IF NOT EXISTS idx_verdict_reviews_created_at ON verdict_reviews(created_at);
	`

	_, err := db.Exec(schema)
	return err
}

// Save stores or updates a review.
func (s *SQLiteStore) Save(ctx context.Context, review *Review) error {
	if err := review.Validate(); err != nil {
		return err
	}
	now := time.Now()

	var existingID int64
	var createdAt time.Time
	err := s.db.QueryRowContext(ctx,
		"SELECT id, created_at FROM verdict_reviews WHERE tenant_id = ? AND group_key = ? AND sequence_number = ?",
		review.TenantID, review.Group.Key(), int64(review.SequenceNumber),
	).Scan(&existingID, &createdAt)

	if err == nil {
		review.ID = existingID
		review.CreatedAt = createdAt
		review.UpdatedAt = now

		_, err = s.db.ExecContext(ctx, `
			UPDATE verdict_reviews SET
				decision = ?,
				rules = ?,
				reviewer = ?,
				corrective_action = ?,
				release_decision = ?,
				notes = ?,
				updated_at = ?
			WHERE id = ?
		`,
			string(review.Decision),
			joinRules(review.Rules),
			review.Reviewer,
			review.CorrectiveAction,
			string(review.ReleaseDecision),
			review.Notes,
			now,
			existingID,
		)
		return err
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to check existing: %w", err)
	}

	review.CreatedAt = now
	review.UpdatedAt = now

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO verdict_reviews (
			tenant_id, group_key, sequence_number, decision, rules,
			reviewer, corrective_action, release_decision, notes, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		review.TenantID,
		review.Group.Key(),
		int64(review.SequenceNumber),
		string(review.Decision),
		joinRules(review.Rules),
		review.Reviewer,
		review.CorrectiveAction,
		string(review.ReleaseDecision),
		review.Notes,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get insert ID: %w", err)
	}
	review.ID = id

	return nil
}

// Get retrieves the review of one verdict.
func (s *SQLiteStore) Get(ctx context.Context, tenantID string, group domain.ControlGroup, sequence uint64) (*Review, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+reviewColumns+" FROM verdict_reviews WHERE tenant_id = ? AND group_key = ? AND sequence_number = ? LIMIT 1",
		tenantID, group.Key(), int64(sequence),
	)

	r, err := scanReview(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan: %w", err)
	}
	return r, nil
}

// List returns reviews newest first.
func (s *SQLiteStore) List(ctx context.Context, tenantID string, limit, offset int) ([]*Review, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+reviewColumns+` FROM verdict_reviews
		WHERE (? = '' OR tenant_id = ?)
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`,
		tenantID, tenantID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	var result []*Review
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// Count returns the total number of reviews.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM verdict_reviews").Scan(&count)
	return count, err
}

// Delete removes a review by ID.
func (s *SQLiteStore) Delete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM verdict_reviews WHERE id = ?", id)
	return err
}

// ExportJSON exports all reviews to a JSON writer.
func (s *SQLiteStore) ExportJSON(ctx context.Context, writer io.Writer) error {
	return exportJSON(ctx, s, writer)
}

// ImportJSON imports reviews from a JSON reader.
func (s *SQLiteStore) ImportJSON(ctx context.Context, reader io.Reader) (int, int, error) {
	return importJSON(ctx, s, reader)
}

// Close closes the store and releases resources.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
