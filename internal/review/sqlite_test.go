package review

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labflow-qc-server/internal/domain"
)

func createTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "reviews.db"))
	require.NoError(t, err)
	return store
}

func TestNewSQLiteStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "data", "reviews.db")

	// Act
	store, err := NewSQLiteStore(dbPath)

	// Assert
	require.NoError(t, err)
	require.NotNil(t, store)
	defer store.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "Database file should exist")
}

func TestSQLiteStore_Save(t *testing.T) {
	store := createTestStore(t)
	defer store.Close()
	ctx := context.Background()

	review := validReview()

	// Act
	err := store.Save(ctx, review)

	// Assert
	require.NoError(t, err)
	assert.NotZero(t, review.ID, "ID should be assigned")
	assert.False(t, review.CreatedAt.IsZero(), "CreatedAt should be set")
	assert.False(t, review.UpdatedAt.IsZero(), "UpdatedAt should be set")
}

func TestSQLiteStore_Save_RejectsInvalid(t *testing.T) {
	store := createTestStore(t)
	defer store.Close()

	review := validReview()
	review.Reviewer = ""

	err := store.Save(context.Background(), review)
	assert.Error(t, err)

	count, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSQLiteStore_Save_Update(t *testing.T) {
	store := createTestStore(t)
	defer store.Close()
	ctx := context.Background()

	first := validReview()
	require.NoError(t, store.Save(ctx, first))

	// Act: same verdict, new disposition
	second := validReview()
	second.ReleaseDecision = ReleaseResults
	second.Notes = "repeat controls in range"
	require.NoError(t, store.Save(ctx, second))

	// Assert
	assert.Equal(t, first.ID, second.ID)
	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	got, err := store.Get(ctx, "default", glucoseL1, 10)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, ReleaseResults, got.ReleaseDecision)
	assert.Equal(t, "repeat controls in range", got.Notes)
	assert.Equal(t, []string{"1-2s", "1-3s"}, got.Rules)
	assert.Equal(t, glucoseL1, got.Group)
	assert.Equal(t, domain.REJECT_RUN, got.Decision)
}

func TestSQLiteStore_Get_NotFound(t *testing.T) {
	store := createTestStore(t)
	defer store.Close()

	got, err := store.Get(context.Background(), "default", glucoseL1, 99)

	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLiteStore_List(t *testing.T) {
	store := createTestStore(t)
	defer store.Close()
	ctx := context.Background()

	for seq, tenant := range map[uint64]string{1: "lab-a", 2: "lab-a", 3: "lab-b"} {
		r := validReview()
		r.TenantID = tenant
		r.SequenceNumber = seq
		require.NoError(t, store.Save(ctx, r))
	}

	t.Run("All_Tenants", func(t *testing.T) {
		all, err := store.List(ctx, "", 10, 0)
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})

	t.Run("One_Tenant", func(t *testing.T) {
		labA, err := store.List(ctx, "lab-a", 10, 0)
		require.NoError(t, err)
		assert.Len(t, labA, 2)
		for _, r := range labA {
			assert.Equal(t, "lab-a", r.TenantID)
		}
	})

	t.Run("Pagination", func(t *testing.T) {
		page, err := store.List(ctx, "", 2, 2)
		require.NoError(t, err)
		assert.Len(t, page, 1)
	})
}

func TestSQLiteStore_Delete(t *testing.T) {
	store := createTestStore(t)
	defer store.Close()
	ctx := context.Background()

	review := validReview()
	require.NoError(t, store.Save(ctx, review))

	require.NoError(t, store.Delete(ctx, review.ID))

	got, err := store.Get(ctx, "default", glucoseL1, 10)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLiteStore_ExportImport(t *testing.T) {
	source := createTestStore(t)
	defer source.Close()
	ctx := context.Background()

	for seq := uint64(1); seq <= 3; seq++ {
		r := validReview()
		r.SequenceNumber = seq
		require.NoError(t, source.Save(ctx, r))
	}

	var buf bytes.Buffer
	require.NoError(t, source.ExportJSON(ctx, &buf))

	var export ReviewExport
	require.NoError(t, json.Unmarshal(buf.Bytes(), &export))
	assert.Equal(t, "1.0", export.Version)
	assert.Equal(t, 3, export.Count)

	target := createTestStore(t)
	defer target.Close()

	// One review already present in the target is skipped.
	existing := validReview()
	existing.SequenceNumber = 2
	require.NoError(t, target.Save(ctx, existing))

	// Act
	imported, skipped, err := target.ImportJSON(ctx, bytes.NewReader(buf.Bytes()))

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 2, imported)
	assert.Equal(t, 1, skipped)

	count, err := target.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestSQLiteStore_ImportJSON_Malformed(t *testing.T) {
	store := createTestStore(t)
	defer store.Close()

	_, _, err := store.ImportJSON(context.Background(), bytes.NewReader([]byte("{not json")))
	assert.Error(t, err)
}
