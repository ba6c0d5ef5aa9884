package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cardoncue-api/internal/geo"
	"cardoncue-api/internal/merge"
	"cardoncue-api/internal/metrics"
	"cardoncue-api/internal/models"
	"cardoncue-api/internal/provider"
	"cardoncue-api/internal/tracing"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// ErrCatalogUnavailable is returned when the location catalog cannot be queried.
var ErrCatalogUnavailable = errors.New("catalog unavailable")

const catalogName = "catalog"

// CatalogRepository is the "nearest N locations to a point" query of the location catalog
type CatalogRepository interface {
	FindNearestLocations(ctx context.Context, lat, lon float64, limit int) ([]models.Location, error)
}

// Policy holds the refresh constants handed back to clients and the fan-out limits.
type Policy struct {
	CapacityCeiling            int
	RefreshAfterDistanceMeters float64
	CacheTTLSeconds            int
	PrefilterFactor            int
	ProviderTimeout            time.Duration
	CatalogTimeout             time.Duration
}

// DefaultPolicy returns a 20 region ceiling, a 500 m movement threshold and a 6 h TTL.
func DefaultPolicy() Policy {
	return Policy{
		CapacityCeiling:            geo.DefaultCapacityCeiling,
		RefreshAfterDistanceMeters: 500,
		CacheTTLSeconds:            21600,
		PrefilterFactor:            2,
		ProviderTimeout:            2 * time.Second,
		CatalogTimeout:             5 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.CapacityCeiling <= 0 {
		p.CapacityCeiling = d.CapacityCeiling
	}
	if p.RefreshAfterDistanceMeters <= 0 {
		p.RefreshAfterDistanceMeters = d.RefreshAfterDistanceMeters
	}
	if p.CacheTTLSeconds <= 0 {
		p.CacheTTLSeconds = d.CacheTTLSeconds
	}
	if p.PrefilterFactor <= 0 {
		p.PrefilterFactor = d.PrefilterFactor
	}
	if p.ProviderTimeout <= 0 {
		p.ProviderTimeout = d.ProviderTimeout
	}
	if p.CatalogTimeout <= 0 {
		p.CatalogTimeout = d.CatalogTimeout
	}
	return p
}

// RefreshService merges the catalog with external providers and ranks the result for one position
type RefreshService struct {
	catalog   CatalogRepository
	providers []provider.Provider
	merger    *merge.Merger
	policy    Policy
	log       zerolog.Logger
	metrics   *metrics.Collector
	tracer    trace.Tracer
	now       func() time.Time
}

// Option configures a RefreshService.
type Option func(*RefreshService)

// WithProviders sets the external search providers queried next to the catalog.
func WithProviders(providers ...provider.Provider) Option {
	return func(s *RefreshService) { s.providers = providers }
}

// WithMerger replaces the default merge policy.
func WithMerger(m *merge.Merger) Option {
	return func(s *RefreshService) { s.merger = m }
}

// WithLogger sets the logger used for provider failures and request summaries.
func WithLogger(log zerolog.Logger) Option {
	return func(s *RefreshService) { s.log = log }
}

// WithMetrics records refresh and per-source outcomes on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *RefreshService) { s.metrics = c }
}

// WithTracer replaces the global OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(s *RefreshService) { s.tracer = t }
}

// WithClock overrides the server timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *RefreshService) { s.now = now }
}

// NewRefreshService creates a new region refresh service
func NewRefreshService(catalog CatalogRepository, policy Policy, opts ...Option) *RefreshService {
	s := &RefreshService{
		catalog: catalog,
		merger:  merge.New(merge.DefaultPolicy()),
		policy:  policy.withDefaults(),
		log:     zerolog.Nop(),
		tracer:  otel.Tracer(tracing.TracerName),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Policy returns the effective policy.
func (s *RefreshService) Policy() Policy {
	return s.policy
}

// Refresh returns the bounded, priority-ordered region list for the request position.
// Invalid input is rejected before any lookup. Provider failures degrade to an empty
// contribution from that provider; a catalog failure fails the call with ErrCatalogUnavailable.
func (s *RefreshService) Refresh(ctx context.Context, req models.RefreshRequest) (models.RefreshResult, error) {
	start := time.Now()

	maxCount := req.MaxCount
	if maxCount == 0 {
		maxCount = s.policy.CapacityCeiling
	}
	if err := geo.ValidatePosition(req.Latitude, req.Longitude); err != nil {
		s.metrics.ObserveRefresh(metrics.OutcomeInvalid, time.Since(start), 0)
		return models.RefreshResult{}, fmt.Errorf("service: %w", err)
	}
	if err := geo.ValidateMaxCount(maxCount, s.policy.CapacityCeiling); err != nil {
		s.metrics.ObserveRefresh(metrics.OutcomeInvalid, time.Since(start), 0)
		return models.RefreshResult{}, fmt.Errorf("service: %w", err)
	}

	ctx, span := s.tracer.Start(ctx, "RegionRefresh", trace.WithAttributes(
		attribute.Int("refresh.max_count", maxCount),
		attribute.Int("refresh.preferred_networks", len(req.PreferredNetworkIDs)),
		attribute.Int("refresh.providers", len(s.providers)),
	))
	defer span.End()

	pos := req.Position()
	limit := maxCount * s.policy.PrefilterFactor

	var catalogLocations []models.Location
	providerLocations := make([][]models.Location, len(s.providers))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		locations, err := s.searchCatalog(gctx, pos, limit)
		if err != nil {
			return err
		}
		catalogLocations = locations
		return nil
	})
	for i, p := range s.providers {
		g.Go(func() error {
			providerLocations[i] = s.searchProvider(gctx, p, pos, limit)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		s.log.Error().Err(err).Msg("region refresh failed: catalog unavailable")
		span.RecordError(err)
		span.SetStatus(codes.Error, "catalog unavailable")
		s.metrics.ObserveRefresh(metrics.OutcomeError, time.Since(start), 0)
		return models.RefreshResult{}, fmt.Errorf("service: %w: %w", ErrCatalogUnavailable, err)
	}

	lists := make([][]models.Location, 0, len(providerLocations)+1)
	lists = append(lists, catalogLocations)
	lists = append(lists, providerLocations...)
	merged, stats := s.merger.Merge(lists...)
	s.metrics.ObserveDedup(stats.Duplicates, stats.Invalid)

	regions, err := geo.Rank(pos, merged, geo.NewNetworkSet(req.PreferredNetworkIDs...), maxCount, s.policy.CapacityCeiling)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.ObserveRefresh(metrics.OutcomeError, time.Since(start), 0)
		return models.RefreshResult{}, fmt.Errorf("service: failed to rank regions: %w", err)
	}

	span.SetAttributes(
		attribute.Int("refresh.candidates", len(merged)),
		attribute.Int("refresh.duplicates", stats.Duplicates),
		attribute.Int("refresh.regions", len(regions)),
	)
	s.metrics.ObserveRefresh(metrics.OutcomeOK, time.Since(start), len(regions))

	s.log.Debug().
		Int("catalog", len(catalogLocations)).
		Int("merged", len(merged)).
		Int("duplicates", stats.Duplicates).
		Int("invalid", stats.Invalid).
		Int("regions", len(regions)).
		Dur("took", time.Since(start)).
		Msg("region refresh")

	return models.RefreshResult{
		Regions:                    regions,
		RefreshAfterDistanceMeters: s.policy.RefreshAfterDistanceMeters,
		CacheTTLSeconds:            s.policy.CacheTTLSeconds,
		ServerTime:                 s.now().UTC(),
	}, nil
}

// searchCatalog bounds the lookup with the catalog timeout. A catalog that ignores ctx is
// abandoned once the timeout passes.
func (s *RefreshService) searchCatalog(ctx context.Context, pos models.Position, limit int) ([]models.Location, error) {
	ctx, span := s.tracer.Start(ctx, "catalog.FindNearestLocations", trace.WithAttributes(
		attribute.Int("search.limit", limit),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.policy.CatalogTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan searchResult, 1)
	go func() {
		locations, err := s.catalog.FindNearestLocations(ctx, pos.Latitude, pos.Longitude, limit)
		done <- searchResult{locations: locations, err: err}
	}()

	var res searchResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
	}

	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
		s.metrics.ObserveProvider(catalogName, outcomeOf(res.err), time.Since(start))
		return nil, res.err
	}
	span.SetAttributes(attribute.Int("search.results", len(res.locations)))
	s.metrics.ObserveProvider(catalogName, metrics.OutcomeOK, time.Since(start))
	return res.locations, nil
}

type searchResult struct {
	locations []models.Location
	err       error
}

// searchProvider never fails: errors and timeouts are logged and turn into an empty result.
// The call is abandoned once the provider timeout passes even if the provider ignores ctx.
func (s *RefreshService) searchProvider(ctx context.Context, p provider.Provider, pos models.Position, limit int) []models.Location {
	ctx, span := s.tracer.Start(ctx, "provider.SearchNear", trace.WithAttributes(
		attribute.String("provider.name", p.Name()),
		attribute.Int("search.limit", limit),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.policy.ProviderTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan searchResult, 1)
	go func() {
		locations, err := p.SearchNear(ctx, pos, limit)
		done <- searchResult{locations: locations, err: err}
	}()

	var res searchResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
	}

	if res.err != nil {
		outcome := outcomeOf(res.err)
		span.RecordError(res.err)
		span.SetStatus(codes.Error, outcome)
		s.metrics.ObserveProvider(p.Name(), outcome, time.Since(start))
		s.log.Warn().
			Err(res.err).
			Str("provider", p.Name()).
			Str("outcome", outcome).
			Dur("took", time.Since(start)).
			Msg("provider lookup failed, continuing without it")
		return nil
	}

	span.SetAttributes(attribute.Int("search.results", len(res.locations)))
	s.metrics.ObserveProvider(p.Name(), metrics.OutcomeOK, time.Since(start))
	return res.locations
}

func outcomeOf(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return metrics.OutcomeTimeout
	}
	return metrics.OutcomeError
}
