package service

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/labflow-qc-server/internal/domain"
	"github.com/labflow-qc-server/internal/store"
)

// MockQCRepository is a mock implementation of domain.QCRepository
type MockQCRepository struct {
	mock.Mock
}

func (m *MockQCRepository) SaveMeasurement(ctx context.Context, tenantID string, meas *domain.Measurement) error {
	return m.Called(ctx, tenantID, meas).Error(0)
}

func (m *MockQCRepository) SaveVerdict(ctx context.Context, tenantID string, v *domain.StoredVerdict) error {
	return m.Called(ctx, tenantID, v).Error(0)
}

func (m *MockQCRepository) SaveBaseline(ctx context.Context, tenantID string, b *domain.Baseline) error {
	return m.Called(ctx, tenantID, b).Error(0)
}

func (m *MockQCRepository) ListMeasurements(ctx context.Context, tenantID string, group domain.ControlGroup) ([]domain.Measurement, error) {
	args := m.Called(ctx, tenantID, group)
	return args.Get(0).([]domain.Measurement), args.Error(1)
}

func (m *MockQCRepository) ListArrivals(ctx context.Context, tenantID string) ([]domain.StoredMeasurement, error) {
	args := m.Called(ctx, tenantID)
	return args.Get(0).([]domain.StoredMeasurement), args.Error(1)
}

func (m *MockQCRepository) ListVerdicts(ctx context.Context, tenantID string, group domain.ControlGroup, limit int) ([]domain.StoredVerdict, error) {
	args := m.Called(ctx, tenantID, group, limit)
	return args.Get(0).([]domain.StoredVerdict), args.Error(1)
}

func (m *MockQCRepository) ListBaselines(ctx context.Context, tenantID string) ([]domain.Baseline, error) {
	args := m.Called(ctx, tenantID)
	return args.Get(0).([]domain.Baseline), args.Error(1)
}

func (m *MockQCRepository) ListTenants(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockQCRepository) Close() error {
	return m.Called().Error(0)
}

// MockNotifier is a mock implementation of domain.VerdictNotifier
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Notify(ctx context.Context, tenantID string, processed *domain.ProcessedMeasurement) error {
	return m.Called(ctx, tenantID, processed).Error(0)
}

func (m *MockNotifier) Close() error {
	return m.Called().Error(0)
}

// MockStatsCache is a mock implementation of domain.StatsCache
type MockStatsCache struct {
	mock.Mock
}

func (m *MockStatsCache) SetStats(ctx context.Context, tenantID string, group domain.ControlGroup, stats domain.RunningStats) error {
	return m.Called(ctx, tenantID, group, stats).Error(0)
}

func (m *MockStatsCache) GetStats(ctx context.Context, tenantID string, group domain.ControlGroup) (*domain.RunningStats, bool, error) {
	args := m.Called(ctx, tenantID, group)
	stats, _ := args.Get(0).(*domain.RunningStats)
	return stats, args.Bool(1), args.Error(2)
}

func (m *MockStatsCache) Close() error {
	return m.Called().Error(0)
}

func newTestService(t *testing.T, opts ...ServiceOption) *QCService {
	t.Helper()
	logger, _ := test.NewNullLogger()
	svc, err := NewQCService(logger, DefaultPipelineConfig(), opts...)
	require.NoError(t, err)
	return svc
}

func TestQCService_Submit(t *testing.T) {
	ctx := context.Background()

	t.Run("Persists_Caches_And_Notifies", func(t *testing.T) {
		repo := new(MockQCRepository)
		cache := new(MockStatsCache)
		notifier := new(MockNotifier)
		svc := newTestService(t, WithRepository(repo), WithStatsCache(cache), WithNotifier(notifier))

		_, err := svc.Pipeline("lab-a").ResetBaseline(glucoseL1, 95, 5, 1)
		require.NoError(t, err)

		repo.On("SaveMeasurement", ctx, "lab-a", mock.MatchedBy(func(m *domain.Measurement) bool {
			return m.SequenceNumber == 1 && m.TenantID == "lab-a" && !m.Timestamp.IsZero()
		})).Return(nil)
		repo.On("SaveVerdict", ctx, "lab-a", mock.MatchedBy(func(v *domain.StoredVerdict) bool {
			return v.Verdict.Decision == domain.REJECT_RUN && v.ZScore != nil && *v.ZScore > 3
		})).Return(nil)
		cache.On("SetStats", ctx, "lab-a", glucoseL1, mock.AnythingOfType("domain.RunningStats")).Return(nil)
		notifier.On("Notify", ctx, "lab-a", mock.Anything).Return(nil)

		processed, err := svc.Submit(ctx, "lab-a", measurement(glucoseL1, 1, 111))
		require.NoError(t, err)
		assert.Equal(t, domain.REJECT_RUN, processed.Verdict.Decision)

		repo.AssertExpectations(t)
		cache.AssertExpectations(t)
		notifier.AssertExpectations(t)
	})

	t.Run("Notifier_Failure_Keeps_Verdict", func(t *testing.T) {
		notifier := new(MockNotifier)
		notifier.On("Notify", ctx, DefaultTenant, mock.Anything).Return(errors.New("broker down"))
		svc := newTestService(t, WithNotifier(notifier))

		processed, err := svc.Submit(ctx, "", measurement(glucoseL1, 1, 95))
		require.NoError(t, err)
		assert.Equal(t, domain.INDETERMINATE, processed.Verdict.Decision)
		notifier.AssertExpectations(t)
	})

	t.Run("Persistence_Failure_Returns_Both", func(t *testing.T) {
		repo := new(MockQCRepository)
		repo.On("SaveMeasurement", ctx, DefaultTenant, mock.Anything).Return(errors.New("connection reset"))
		svc := newTestService(t, WithRepository(repo))

		processed, err := svc.Submit(ctx, DefaultTenant, measurement(glucoseL1, 1, 95))
		require.NotNil(t, processed)
		assert.Equal(t, domain.ErrCodeDatabase, domain.ErrorCode(err))
		repo.AssertNotCalled(t, "SaveVerdict", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("Pipeline_Error_Skips_Collaborators", func(t *testing.T) {
		repo := new(MockQCRepository)
		svc := newTestService(t, WithRepository(repo))

		missingLot := measurement(glucoseL1, 1, 95)
		missingLot.Group.LotNumber = ""
		_, err := svc.Submit(ctx, "lab-a", missingLot)
		assert.Equal(t, domain.ErrCodeValidation, domain.ErrorCode(err))

		_, err = svc.Submit(ctx, "lab-a", measurement(glucoseL1, 2, math.NaN()))
		assert.ErrorIs(t, err, domain.ErrInvalidMeasurement)
		repo.AssertExpectations(t)
	})
}

func TestQCService_TenantIsolation(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	for i, v := range []float64{94, 96, 95} {
		_, err := svc.Submit(ctx, "lab-a", measurement(glucoseL1, uint64(i+1), v))
		require.NoError(t, err)
	}

	_, err := svc.CurrentStats(ctx, "lab-b", glucoseL1)
	assert.ErrorIs(t, err, domain.ErrInsufficientData)

	_, err = svc.Submit(ctx, "lab-b", measurement(glucoseL1, 1, 250))
	require.NoError(t, err, "sequence numbers are per tenant")

	assert.Equal(t, []string{"lab-a", "lab-b"}, svc.Tenants())
	assert.Equal(t, []domain.ControlGroup{glucoseL1}, svc.ListGroups("lab-a"))
	assert.Len(t, svc.History("lab-a", glucoseL1), 1)
}

func TestQCService_Evaluate(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	level2 := "2"
	cross := 227.0

	tests := []struct {
		name     string
		req      EvaluateRequest
		expected []string
		decision domain.Decision
	}{
		{
			name:     "Two_Two_SD",
			req:      EvaluateRequest{Group: glucoseL1, Mean: 95, SD: 5, Values: []float64{105.5, 106.5}},
			expected: []string{"1-2s", "2-2s"},
			decision: domain.REJECT_RUN,
		},
		{
			name:     "Accept",
			req:      EvaluateRequest{Group: glucoseL1, Mean: 95, SD: 5, Values: []float64{96}},
			expected: []string{},
			decision: domain.ACCEPT,
		},
		{
			name: "Custom_Mean_Run_Length",
			req: EvaluateRequest{Group: glucoseL1, Mean: 95, SD: 5, MeanRunLength: 3,
				Values: []float64{96, 97, 96}},
			expected: []string{"3-x"},
			decision: domain.REJECT_RUN,
		},
		{
			name: "Cross_Level",
			req: EvaluateRequest{Group: glucoseL1, Mean: 95, SD: 5, Values: []float64{106},
				CrossLevel: level2, CrossLevelValue: &cross, CrossLevelMean: 250, CrossLevelSD: 10},
			expected: []string{"1-2s", "R-4s"},
			decision: domain.REJECT_RUN,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := svc.Evaluate(ctx, "", tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, resp.Verdict.RuleIDs())
			assert.Equal(t, tt.decision, resp.Verdict.Decision)
			assert.Len(t, resp.Points, len(tt.req.Values))
		})
	}

	t.Run("Invalid_Requests", func(t *testing.T) {
		_, err := svc.Evaluate(ctx, "", EvaluateRequest{Group: glucoseL1, Mean: 95, SD: 0, Values: []float64{1}})
		assert.ErrorIs(t, err, domain.ErrInvalidMeasurement)
		_, err = svc.Evaluate(ctx, "", EvaluateRequest{Group: glucoseL1, Mean: 95, SD: 5})
		assert.Equal(t, domain.ErrCodeValidation, domain.ErrorCode(err))
	})

	assert.Empty(t, svc.ListGroups(DefaultTenant), "evaluate must not create state")
}

func TestQCService_ResetBaseline(t *testing.T) {
	ctx := context.Background()
	repo := new(MockQCRepository)
	svc := newTestService(t, WithRepository(repo))

	repo.On("SaveBaseline", ctx, "lab-a", mock.MatchedBy(func(b *domain.Baseline) bool {
		return b.Mean == 95 && b.EffectiveFrom == 5 && !b.CreatedAt.IsZero()
	})).Return(nil)

	stats, err := svc.ResetBaseline(ctx, "lab-a", domain.Baseline{Group: glucoseL1, Mean: 95, SD: 5, EffectiveFrom: 5, Reason: "new lot"})
	require.NoError(t, err)
	assert.Equal(t, domain.ASSIGNED, stats.Source)
	repo.AssertExpectations(t)

	_, err = svc.ResetBaseline(ctx, "lab-a", domain.Baseline{Group: glucoseL1, Mean: 95, SD: 5, EffectiveFrom: 4})
	assert.ErrorIs(t, err, domain.ErrSequenceViolation)
}

func TestQCService_Hydrate(t *testing.T) {
	ctx := context.Background()
	repo := new(MockQCRepository)
	svc := newTestService(t, WithRepository(repo))

	level2 := glucoseL1
	level2.ControlLevel = "2"

	repo.On("ListTenants", ctx).Return([]string{"lab-a"}, nil)
	repo.On("ListBaselines", ctx, "lab-a").Return([]domain.Baseline{
		{Group: glucoseL1, Mean: 95, SD: 5, EffectiveFrom: 3},
		{Group: level2, Mean: 250, SD: 10, EffectiveFrom: 1},
	}, nil)
	repo.On("ListArrivals", ctx, "lab-a").Return([]domain.StoredMeasurement{
		{Measurement: measurement(glucoseL1, 1, 80)},
		{Measurement: measurement(glucoseL1, 4, 96)},
		{Measurement: measurement(glucoseL1, 2, 82)},
	}, nil)

	require.NoError(t, svc.Hydrate(ctx))

	stats, err := svc.CurrentStats(ctx, "lab-a", glucoseL1)
	require.NoError(t, err)
	assert.Equal(t, domain.ASSIGNED, stats.Source)
	assert.Equal(t, 95.0, stats.Mean)
	assert.Equal(t, uint64(1), stats.N)

	stats, err = svc.CurrentStats(ctx, "lab-a", level2)
	require.NoError(t, err)
	assert.Equal(t, 250.0, stats.Mean)

	_, err = svc.Submit(ctx, "lab-a", measurement(glucoseL1, 4, 95))
	assert.ErrorIs(t, err, domain.ErrSequenceViolation)

	t.Run("Stored_Inclusion_Is_Kept", func(t *testing.T) {
		excluded := false
		repo := new(MockQCRepository)
		svc := newTestService(t, WithRepository(repo))
		repo.On("ListTenants", ctx).Return([]string{"lab-a"}, nil)
		repo.On("ListBaselines", ctx, "lab-a").Return([]domain.Baseline{
			{Group: glucoseL1, Mean: 95, SD: 5, EffectiveFrom: 1},
		}, nil)
		// 96 alone would be accepted; the stored verdict kept it out.
		repo.On("ListArrivals", ctx, "lab-a").Return([]domain.StoredMeasurement{
			{Measurement: measurement(glucoseL1, 1, 96), IncludedInBaseline: &excluded},
			{Measurement: measurement(glucoseL1, 2, 94)},
		}, nil)

		require.NoError(t, svc.Hydrate(ctx))

		stats, err := svc.CurrentStats(ctx, "lab-a", glucoseL1)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), stats.N)
		assert.Len(t, svc.History("lab-a", glucoseL1), 2)
	})

	t.Run("Repository_Error", func(t *testing.T) {
		failing := new(MockQCRepository)
		failing.On("ListTenants", ctx).Return([]string(nil), errors.New("db down"))
		svc := newTestService(t, WithRepository(failing))
		assert.Error(t, svc.Hydrate(ctx))
	})
}

func TestQCService_HydrateMatchesLiveVerdicts(t *testing.T) {
	ctx := context.Background()
	logger, _ := test.NewNullLogger()
	dbPath := filepath.Join(t.TempDir(), "qc.db")
	level2 := glucoseL1
	level2.ControlLevel = "2"

	open := func() *QCService {
		t.Helper()
		sqlite, err := store.NewSQLiteStore(dbPath, logger)
		require.NoError(t, err)
		svc := newTestService(t, WithRepository(sqlite))
		t.Cleanup(func() { svc.Close() })
		return svc
	}

	live := open()
	for _, g := range []domain.ControlGroup{glucoseL1, level2} {
		_, err := live.ResetBaseline(ctx, "lab-a", domain.Baseline{Group: g, Mean: 100, SD: 10, EffectiveFrom: 1})
		require.NoError(t, err)
	}

	high := measurement(level2, 1, 125)
	high.RunID = "R1"
	processed, err := live.Submit(ctx, "lab-a", high)
	require.NoError(t, err)
	assert.Equal(t, domain.WARN, processed.Verdict.Decision)

	low := measurement(glucoseL1, 1, 75)
	low.RunID = "R1"
	processed, err = live.Submit(ctx, "lab-a", low)
	require.NoError(t, err)
	require.Equal(t, domain.REJECT_RUN, processed.Verdict.Decision)
	assert.True(t, processed.Verdict.HasRule(domain.RuleR4s))
	assert.False(t, processed.IncludedInBaseline)

	liveStats, err := live.CurrentStats(ctx, "lab-a", glucoseL1)
	require.NoError(t, err)
	liveHistory := live.History("lab-a", glucoseL1)
	require.NoError(t, live.Close())

	restarted := open()
	require.NoError(t, restarted.Hydrate(ctx))

	stats, err := restarted.CurrentStats(ctx, "lab-a", glucoseL1)
	require.NoError(t, err)
	assert.Equal(t, liveStats.N, stats.N)
	assert.Equal(t, uint64(0), stats.N, "rejected point stays out of the baseline")
	assert.Equal(t, liveStats.Mean, stats.Mean)
	history := restarted.History("lab-a", glucoseL1)
	require.Len(t, history, len(liveHistory))
	assert.InDelta(t, liveHistory[0].ZScore, history[0].ZScore, 1e-9)

	stats, err = restarted.CurrentStats(ctx, "lab-a", level2)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.N)

	t.Run("Legacy_Verdicts_Recompute_In_Arrival_Order", func(t *testing.T) {
		sqlite, err := store.NewSQLiteStore(dbPath, logger)
		require.NoError(t, err)
		defer sqlite.Close()

		arrivals, err := sqlite.ListArrivals(ctx, "lab-a")
		require.NoError(t, err)
		require.Len(t, arrivals, 2)
		require.NotNil(t, arrivals[1].IncludedInBaseline)
		assert.False(t, *arrivals[1].IncludedInBaseline)

		for i := range arrivals {
			arrivals[i].IncludedInBaseline = nil
		}
		repo := new(MockQCRepository)
		repo.On("ListTenants", ctx).Return([]string{"lab-a"}, nil)
		repo.On("ListBaselines", ctx, "lab-a").Return([]domain.Baseline{
			{Group: glucoseL1, Mean: 100, SD: 10, EffectiveFrom: 1},
			{Group: level2, Mean: 100, SD: 10, EffectiveFrom: 1},
		}, nil)
		repo.On("ListArrivals", ctx, "lab-a").Return(arrivals, nil)

		svc := newTestService(t, WithRepository(repo))
		require.NoError(t, svc.Hydrate(ctx))

		stats, err := svc.CurrentStats(ctx, "lab-a", glucoseL1)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), stats.N)
	})
}

func TestQCService_ReadsDoNotCreateTenants(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	_, err := svc.CurrentStats(ctx, "ghost-1", glucoseL1)
	assert.ErrorIs(t, err, domain.ErrInsufficientData)
	assert.Empty(t, svc.History("ghost-2", glucoseL1))
	assert.Empty(t, svc.ListGroups("ghost-3"))
	_, err = svc.Evaluate(ctx, "ghost-4", EvaluateRequest{Group: glucoseL1, Mean: 95, SD: 5, Values: []float64{95}})
	require.NoError(t, err)

	assert.Empty(t, svc.Tenants())

	_, err = svc.Submit(ctx, "lab-a", measurement(glucoseL1, 1, 95))
	require.NoError(t, err)
	assert.Equal(t, []string{"lab-a"}, svc.Tenants())
}

func TestQCService_ListVerdicts(t *testing.T) {
	ctx := context.Background()

	_, err := newTestService(t).ListVerdicts(ctx, "", glucoseL1, 10)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	repo := new(MockQCRepository)
	repo.On("ListVerdicts", ctx, DefaultTenant, glucoseL1, 50).Return([]domain.StoredVerdict{{TenantID: DefaultTenant}}, nil)
	verdicts, err := newTestService(t, WithRepository(repo)).ListVerdicts(ctx, "", glucoseL1, 0)
	require.NoError(t, err)
	assert.Len(t, verdicts, 1)
}

func TestQCService_Close(t *testing.T) {
	repo := new(MockQCRepository)
	notifier := new(MockNotifier)
	repo.On("Close").Return(nil)
	notifier.On("Close").Return(errors.New("flush failed"))

	err := newTestService(t, WithRepository(repo), WithNotifier(notifier)).Close()
	assert.ErrorContains(t, err, "flush failed")
	repo.AssertExpectations(t)
}
