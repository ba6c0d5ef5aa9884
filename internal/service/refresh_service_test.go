package service

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"cardoncue-api/internal/geo"
	"cardoncue-api/internal/merge"
	"cardoncue-api/internal/metrics"
	"cardoncue-api/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockCatalogRepository is a mock implementation of the CatalogRepository interface
type MockCatalogRepository struct {
	mock.Mock
}

func (m *MockCatalogRepository) FindNearestLocations(ctx context.Context, lat, lon float64, limit int) ([]models.Location, error) {
	args := m.Called(ctx, lat, lon, limit)
	return args.Get(0).([]models.Location), args.Error(1)
}

// MockProvider is a mock implementation of the provider.Provider interface
type MockProvider struct {
	mock.Mock
	name string
}

func (m *MockProvider) Name() string { return m.name }

func (m *MockProvider) SearchNear(ctx context.Context, pos models.Position, limit int) ([]models.Location, error) {
	args := m.Called(ctx, pos, limit)
	return args.Get(0).([]models.Location), args.Error(1)
}

// blockingProvider ignores its context and never answers before release is closed.
type blockingProvider struct {
	release chan struct{}
}

func (blockingProvider) Name() string { return "slow" }

func (b blockingProvider) SearchNear(ctx context.Context, pos models.Position, limit int) ([]models.Location, error) {
	<-b.release
	return []models.Location{{ID: "late", Name: "Late", Latitude: pos.Latitude, Longitude: pos.Longitude}}, nil
}

// hangingCatalog never answers; it only returns once ctx is done, or release is closed when
// ignoreCtx is set.
type hangingCatalog struct {
	ignoreCtx bool
	release   chan struct{}
}

func (h hangingCatalog) FindNearestLocations(ctx context.Context, lat, lon float64, limit int) ([]models.Location, error) {
	if h.ignoreCtx {
		<-h.release
		return nil, nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

var (
	sanFrancisco = models.Position{Latitude: 37.7749, Longitude: -122.4194}
	fixedNow     = time.Date(2026, 10, 17, 9, 30, 0, 0, time.UTC)
)

// northOf places a location d meters due north of pos. Along a meridian the haversine
// distance equals the latitude difference in radians times the Earth radius.
func northOf(pos models.Position, d float64, id, name, network string, src models.Source) models.Location {
	return models.Location{
		ID:           id,
		NetworkID:    network,
		Name:         name,
		Latitude:     pos.Latitude + d/geo.EarthRadiusMeters*180/math.Pi,
		Longitude:    pos.Longitude,
		RadiusMeters: 100,
		Source:       src,
	}
}

func ids(regions []models.RankedRegion) []string {
	out := []string{}
	for _, r := range regions {
		out = append(out, r.ID)
	}
	return out
}

func newTestService(repo CatalogRepository, opts ...Option) *RefreshService {
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewRefreshService(repo, DefaultPolicy(), opts...)
}

func TestRefreshService_Refresh(t *testing.T) {
	tests := []struct {
		name        string
		req         models.RefreshRequest
		limit       int
		catalog     []models.Location
		provider    []models.Location
		expectedIDs []string
	}{
		{
			name:  "nearest non-preferred locations truncated to max count",
			req:   models.RefreshRequest{Latitude: 37.7749, Longitude: -122.4194, MaxCount: 2},
			limit: 4,
			catalog: []models.Location{
				northOf(sanFrancisco, 5000, "far", "Far Away", "net-x", models.SourceCatalog),
				northOf(sanFrancisco, 50, "near", "Near", "net-x", models.SourceCatalog),
				northOf(sanFrancisco, 400, "mid", "Middle", "net-y", models.SourceCatalog),
			},
			expectedIDs: []string{"near", "mid"},
		},
		{
			name:  "preferred network outranks a closer location",
			req:   models.RefreshRequest{Latitude: 37.7749, Longitude: -122.4194, PreferredNetworkIDs: []string{"net-pref"}},
			limit: 40,
			catalog: []models.Location{
				northOf(sanFrancisco, 80, "other", "Other Shop", "net-other", models.SourceCatalog),
				northOf(sanFrancisco, 300, "pref", "Preferred Shop", "net-pref", models.SourceCatalog),
			},
			expectedIDs: []string{"pref", "other"},
		},
		{
			name:  "duplicate from provider collapses onto the catalog entry",
			req:   models.RefreshRequest{Latitude: 37.7749, Longitude: -122.4194, MaxCount: 5},
			limit: 10,
			catalog: []models.Location{
				northOf(sanFrancisco, 50, "cat-1", "Blue Bottle Coffee", "net-bb", models.SourceCatalog),
			},
			provider: []models.Location{
				northOf(sanFrancisco, 52, "ext-1", "blue bottle  coffee!", "", models.SourceProviderA),
				northOf(sanFrancisco, 900, "ext-2", "Corner Deli", "", models.SourceProviderA),
			},
			expectedIDs: []string{"cat-1", "ext-2"},
		},
		{
			name:        "no locations nearby",
			req:         models.RefreshRequest{Latitude: 37.7749, Longitude: -122.4194, MaxCount: 3},
			limit:       6,
			catalog:     []models.Location{},
			expectedIDs: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := new(MockCatalogRepository)
			repo.On("FindNearestLocations", mock.Anything, tt.req.Latitude, tt.req.Longitude, tt.limit).Return(tt.catalog, nil)

			prov := &MockProvider{name: "places"}
			prov.On("SearchNear", mock.Anything, tt.req.Position(), tt.limit).Return(tt.provider, nil)

			svc := newTestService(repo, WithProviders(prov))
			result, err := svc.Refresh(context.Background(), tt.req)
			require.NoError(t, err)

			assert.Equal(t, tt.expectedIDs, ids(result.Regions))
			assert.Equal(t, 500.0, result.RefreshAfterDistanceMeters)
			assert.Equal(t, 21600, result.CacheTTLSeconds)
			assert.Equal(t, fixedNow, result.ServerTime)

			repo.AssertExpectations(t)
			prov.AssertExpectations(t)
		})
	}
}

func TestRefreshService_DuplicateKeepsCatalogSource(t *testing.T) {
	repo := new(MockCatalogRepository)
	catalogEntry := northOf(sanFrancisco, 50, "cat-1", "Blue Bottle Coffee", "net-bb", models.SourceCatalog)
	repo.On("FindNearestLocations", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return([]models.Location{catalogEntry}, nil)

	prov := &MockProvider{name: "places"}
	prov.On("SearchNear", mock.Anything, mock.Anything, mock.Anything).Return([]models.Location{
		northOf(sanFrancisco, 52, "ext-1", "Blue Bottle Coffee", "", models.SourceProviderA),
	}, nil)

	svc := newTestService(repo, WithProviders(prov))
	result, err := svc.Refresh(context.Background(), models.RefreshRequest{Latitude: 37.7749, Longitude: -122.4194})
	require.NoError(t, err)

	require.Len(t, result.Regions, 1)
	assert.Equal(t, models.SourceCatalog, result.Regions[0].Source)
	assert.Equal(t, "net-bb", result.Regions[0].NetworkID)
	assert.InDelta(t, 50.0, result.Regions[0].DistanceMeters, 1e-6)
	assert.Equal(t, models.TierOther, result.Regions[0].PriorityTier)
}

func TestRefreshService_InvalidInput(t *testing.T) {
	tests := []struct {
		name        string
		req         models.RefreshRequest
		expectedErr error
	}{
		{name: "latitude out of range", req: models.RefreshRequest{Latitude: 91, Longitude: 0}, expectedErr: geo.ErrInvalidPosition},
		{name: "longitude out of range", req: models.RefreshRequest{Latitude: 10, Longitude: -180.5}, expectedErr: geo.ErrInvalidPosition},
		{name: "not a number", req: models.RefreshRequest{Latitude: math.NaN(), Longitude: 10}, expectedErr: geo.ErrInvalidPosition},
		{name: "max count above ceiling", req: models.RefreshRequest{Latitude: 10, Longitude: 10, MaxCount: 21}, expectedErr: geo.ErrInvalidMaxCount},
		{name: "negative max count", req: models.RefreshRequest{Latitude: 10, Longitude: 10, MaxCount: -1}, expectedErr: geo.ErrInvalidMaxCount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := new(MockCatalogRepository)
			prov := &MockProvider{name: "places"}

			svc := newTestService(repo, WithProviders(prov))
			_, err := svc.Refresh(context.Background(), tt.req)

			assert.ErrorIs(t, err, tt.expectedErr)
			repo.AssertNotCalled(t, "FindNearestLocations", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
			prov.AssertNotCalled(t, "SearchNear", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestRefreshService_CatalogUnavailable(t *testing.T) {
	repo := new(MockCatalogRepository)
	repo.On("FindNearestLocations", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return([]models.Location(nil), errors.New("repository: failed to execute nearest query: connection refused"))

	prov := &MockProvider{name: "places"}
	prov.On("SearchNear", mock.Anything, mock.Anything, mock.Anything).Return([]models.Location{}, nil).Maybe()

	reg := prometheus.NewRegistry()
	collector, err := metrics.NewCollector(reg)
	require.NoError(t, err)

	svc := newTestService(repo, WithProviders(prov), WithMetrics(collector))
	_, err = svc.Refresh(context.Background(), models.RefreshRequest{Latitude: 37.7749, Longitude: -122.4194})

	assert.ErrorIs(t, err, ErrCatalogUnavailable)
	assert.ErrorContains(t, err, "connection refused")
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.RefreshRequests.WithLabelValues(metrics.OutcomeError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.ProviderRequests.WithLabelValues("catalog", metrics.OutcomeError)))
}

func TestRefreshService_HungCatalogTimesOut(t *testing.T) {
	tests := []struct {
		name      string
		ignoreCtx bool
	}{
		{name: "honours context"},
		{name: "ignores context", ignoreCtx: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			catalog := hangingCatalog{ignoreCtx: tt.ignoreCtx, release: make(chan struct{})}
			defer close(catalog.release)

			prov := &MockProvider{name: "places"}
			prov.On("SearchNear", mock.Anything, mock.Anything, mock.Anything).Return([]models.Location{}, nil).Maybe()

			reg := prometheus.NewRegistry()
			collector, err := metrics.NewCollector(reg)
			require.NoError(t, err)

			policy := DefaultPolicy()
			policy.CatalogTimeout = 30 * time.Millisecond
			policy.ProviderTimeout = 50 * time.Millisecond
			svc := NewRefreshService(catalog, policy, WithProviders(prov), WithMetrics(collector))

			done := make(chan error, 1)
			go func() {
				_, err := svc.Refresh(context.Background(), models.RefreshRequest{Latitude: 37.7749, Longitude: -122.4194})
				done <- err
			}()

			select {
			case err := <-done:
				assert.ErrorIs(t, err, ErrCatalogUnavailable)
				assert.ErrorIs(t, err, context.DeadlineExceeded)
			case <-time.After(2 * time.Second):
				t.Fatal("Refresh did not return with a hung catalog")
			}
			assert.Equal(t, 1.0, testutil.ToFloat64(collector.ProviderRequests.WithLabelValues("catalog", metrics.OutcomeTimeout)))
		})
	}
}

func TestDefaultPolicy_FillsTimeouts(t *testing.T) {
	policy := Policy{}.withDefaults()
	assert.Equal(t, 2*time.Second, policy.ProviderTimeout)
	assert.Equal(t, 5*time.Second, policy.CatalogTimeout)
}

func TestRefreshService_ProviderTimeoutDegrades(t *testing.T) {
	repo := new(MockCatalogRepository)
	repo.On("FindNearestLocations", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return([]models.Location{
		northOf(sanFrancisco, 100, "cat-1", "Catalog Store", "net-a", models.SourceCatalog),
	}, nil)

	fast := &MockProvider{name: "places"}
	fast.On("SearchNear", mock.Anything, mock.Anything, mock.Anything).Return([]models.Location{
		northOf(sanFrancisco, 200, "ext-1", "Provider Store", "", models.SourceProviderA),
	}, nil)

	slow := blockingProvider{release: make(chan struct{})}
	defer close(slow.release)

	reg := prometheus.NewRegistry()
	collector, err := metrics.NewCollector(reg)
	require.NoError(t, err)

	policy := DefaultPolicy()
	policy.ProviderTimeout = 20 * time.Millisecond
	svc := NewRefreshService(repo, policy, WithProviders(fast, slow), WithMetrics(collector))

	result, err := svc.Refresh(context.Background(), models.RefreshRequest{Latitude: 37.7749, Longitude: -122.4194})
	require.NoError(t, err)

	assert.Equal(t, []string{"cat-1", "ext-1"}, ids(result.Regions))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.ProviderRequests.WithLabelValues("slow", metrics.OutcomeTimeout)))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.ProviderRequests.WithLabelValues("places", metrics.OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.RefreshRequests.WithLabelValues(metrics.OutcomeOK)))
}

func TestRefreshService_AllProvidersFailing(t *testing.T) {
	repo := new(MockCatalogRepository)
	repo.On("FindNearestLocations", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return([]models.Location{
		northOf(sanFrancisco, 10, "cat-1", "Catalog Store", "", models.SourceCatalog),
	}, nil)

	a := &MockProvider{name: "elastic"}
	a.On("SearchNear", mock.Anything, mock.Anything, mock.Anything).Return([]models.Location(nil), assert.AnError)
	b := &MockProvider{name: "places"}
	b.On("SearchNear", mock.Anything, mock.Anything, mock.Anything).Return([]models.Location(nil), assert.AnError)

	svc := newTestService(repo, WithProviders(a, b))
	result, err := svc.Refresh(context.Background(), models.RefreshRequest{Latitude: 37.7749, Longitude: -122.4194})
	require.NoError(t, err)

	assert.Equal(t, []string{"cat-1"}, ids(result.Regions))
}

func TestRefreshService_Deterministic(t *testing.T) {
	catalog := []models.Location{
		northOf(sanFrancisco, 120, "cat-1", "Alpha", "net-a", models.SourceCatalog),
		northOf(sanFrancisco, 120, "cat-2", "Beta", "net-b", models.SourceCatalog),
		northOf(sanFrancisco, 700, "cat-3", "Gamma", "net-b", models.SourceCatalog),
	}
	external := []models.Location{
		northOf(sanFrancisco, 120, "ext-1", "Delta", "", models.SourceProviderB),
		northOf(sanFrancisco, 121, "ext-2", "alpha", "", models.SourceProviderB),
	}

	repo := new(MockCatalogRepository)
	repo.On("FindNearestLocations", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(catalog, nil)
	prov := &MockProvider{name: "places"}
	prov.On("SearchNear", mock.Anything, mock.Anything, mock.Anything).Return(external, nil)

	svc := newTestService(repo, WithProviders(prov))
	req := models.RefreshRequest{Latitude: 37.7749, Longitude: -122.4194, PreferredNetworkIDs: []string{"net-b"}}

	first, err := svc.Refresh(context.Background(), req)
	require.NoError(t, err)
	second, err := svc.Refresh(context.Background(), req)
	require.NoError(t, err)

	firstJSON, err := json.Marshal(first)
	require.NoError(t, err)
	secondJSON, err := json.Marshal(second)
	require.NoError(t, err)

	assert.JSONEq(t, string(firstJSON), string(secondJSON))
	assert.Equal(t, []string{"cat-2", "cat-3", "cat-1", "ext-1"}, ids(first.Regions))
}

func TestRefreshService_CustomMergePolicy(t *testing.T) {
	repo := new(MockCatalogRepository)
	repo.On("FindNearestLocations", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return([]models.Location{
		northOf(sanFrancisco, 50, "cat-1", "Kiosk", "", models.SourceCatalog),
	}, nil)
	prov := &MockProvider{name: "places"}
	prov.On("SearchNear", mock.Anything, mock.Anything, mock.Anything).Return([]models.Location{
		northOf(sanFrancisco, 51, "ext-1", "Kiosk", "net-z", models.SourceProviderA),
	}, nil)

	merger := merge.New(merge.Policy{
		PrecisionDegrees: merge.DefaultPrecisionDegrees,
		SourcePriority:   []models.Source{models.SourceProviderA, models.SourceCatalog},
	})
	svc := newTestService(repo, WithProviders(prov), WithMerger(merger))

	result, err := svc.Refresh(context.Background(), models.RefreshRequest{Latitude: 37.7749, Longitude: -122.4194})
	require.NoError(t, err)

	require.Len(t, result.Regions, 1)
	assert.Equal(t, "ext-1", result.Regions[0].ID)
}

func TestRefreshService_RankingInvariants(t *testing.T) {
	catalog := []models.Location{}
	for i, d := range []float64{900, 15, 440, 3000, 60, 61, 250, 1200} {
		network := "net-other"
		if i%3 == 0 {
			network = "net-pref"
		}
		catalog = append(catalog, northOf(sanFrancisco, d, string(rune('a'+i)), "Store "+string(rune('A'+i)), network, models.SourceCatalog))
	}

	repo := new(MockCatalogRepository)
	repo.On("FindNearestLocations", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(catalog, nil)

	svc := newTestService(repo)
	for maxCount := 1; maxCount <= 20; maxCount++ {
		result, err := svc.Refresh(context.Background(), models.RefreshRequest{
			Latitude: 37.7749, Longitude: -122.4194, MaxCount: maxCount, PreferredNetworkIDs: []string{"net-pref"},
		})
		require.NoError(t, err)
		assert.LessOrEqual(t, len(result.Regions), maxCount)

		for i := 1; i < len(result.Regions); i++ {
			prev, cur := result.Regions[i-1], result.Regions[i]
			assert.LessOrEqual(t, prev.PriorityTier, cur.PriorityTier)
			if prev.PriorityTier == cur.PriorityTier {
				assert.LessOrEqual(t, prev.DistanceMeters, cur.DistanceMeters)
			}
		}
	}
}
