package review

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var reviewRowColumns = []string{
	"id", "tenant_id", "group_key", "sequence_number", "decision", "rules",
	"reviewer", "corrective_action", "release_decision", "notes", "created_at", "updated_at",
}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	store, err := NewPostgresStore(db)
	require.NoError(t, err)
	t.Cleanup(func() {
		mock.ExpectClose()
		assert.NoError(t, store.Close())
		assert.NoError(t, mock.ExpectationsWereMet())
	})
	return store, mock
}

func TestNewPostgresStore_NilDB(t *testing.T) {
	_, err := NewPostgresStore(nil)
	assert.Error(t, err)
}

func TestPostgresStore_Save(t *testing.T) {
	store, mock := newMockStore(t)
	created := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery("INSERT INTO verdict_reviews").
		WithArgs("default", glucoseL1.Key(), int64(10), "reject", "1-2s,1-3s",
			"j.moreau", sqlmock.AnyArg(), "rerun", "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(7), created))

	review := validReview()
	err := store.Save(context.Background(), review)

	require.NoError(t, err)
	assert.Equal(t, int64(7), review.ID)
	assert.Equal(t, created, review.CreatedAt)
	assert.False(t, review.UpdatedAt.IsZero())
}

func TestPostgresStore_Save_Invalid(t *testing.T) {
	store, _ := newMockStore(t)

	review := validReview()
	review.ReleaseDecision = ""

	assert.Error(t, store.Save(context.Background(), review))
}

func TestPostgresStore_Save_DatabaseError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("INSERT INTO verdict_reviews").WillReturnError(errors.New("connection reset"))

	err := store.Save(context.Background(), validReview())
	assert.ErrorContains(t, err, "failed to save review")
}

func TestPostgresStore_Get(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("Found", func(t *testing.T) {
		mock.ExpectQuery("FROM verdict_reviews").
			WithArgs("default", glucoseL1.Key(), int64(10)).
			WillReturnRows(sqlmock.NewRows(reviewRowColumns).AddRow(
				int64(3), "default", glucoseL1.Key(), int64(10), "reject", "1-3s",
				"j.moreau", "recalibrated", "rerun", "", now, now,
			))

		got, err := store.Get(ctx, "default", glucoseL1, 10)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, int64(3), got.ID)
		assert.Equal(t, glucoseL1, got.Group)
		assert.Equal(t, []string{"1-3s"}, got.Rules)
		assert.Equal(t, RerunControls, got.ReleaseDecision)
	})

	t.Run("Not_Found", func(t *testing.T) {
		mock.ExpectQuery("FROM verdict_reviews").
			WithArgs("default", glucoseL1.Key(), int64(11)).
			WillReturnRows(sqlmock.NewRows(reviewRowColumns))

		got, err := store.Get(ctx, "default", glucoseL1, 11)
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestPostgresStore_ListCountDelete(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mock.ExpectQuery("FROM verdict_reviews").
		WithArgs("lab-a", 20, 0).
		WillReturnRows(sqlmock.NewRows(reviewRowColumns).
			AddRow(int64(2), "lab-a", glucoseL1.Key(), int64(12), "warn", "1-2s", "a.b", "", "release", "", now, now).
			AddRow(int64(1), "lab-a", glucoseL1.Key(), int64(9), "reject", "1-3s", "a.b", "recal", "hold", "", now, now))

	list, err := store.List(ctx, "lab-a", 20, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, uint64(12), list[0].SequenceNumber)
	assert.Equal(t, HoldResults, list[1].ReleaseDecision)

	mock.ExpectQuery("SELECT COUNT").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(2)))
	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	mock.ExpectExec("DELETE FROM verdict_reviews").WithArgs(int64(2)).WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.Delete(ctx, 2))
}

func TestPostgresStore_ExportJSON(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("FROM verdict_reviews").
		WithArgs("", maxExportLimit, 0).
		WillReturnRows(sqlmock.NewRows(reviewRowColumns).
			AddRow(int64(1), "lab-a", glucoseL1.Key(), int64(9), "reject", "1-3s", "a.b", "recal", "hold", "", now, now))

	var buf bytes.Buffer
	require.NoError(t, store.ExportJSON(context.Background(), &buf))
	assert.Contains(t, buf.String(), `"count": 1`)
	assert.Contains(t, buf.String(), `"release_decision": "hold"`)
}
