// Package monitor keeps a device's watched region set in step with its position.
//
// A Monitor owns at most one in-flight refresh. Position updates that arrive while a refresh
// is running only replace the latest known position; once the refresh lands the triggers are
// evaluated again against that position. Reconciliation against the RegionRegistrar releases
// before it registers and never holds more than the capacity ceiling of regions.
package monitor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"cardoncue-api/internal/geo"
	"cardoncue-api/internal/models"

	"github.com/rs/zerolog"
)

// State is the monitor lifecycle state.
type State int

const (
	Idle State = iota
	Watching
	Refreshing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Watching:
		return "watching"
	case Refreshing:
		return "refreshing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Refresher fetches a new region set for a position.
type Refresher interface {
	Refresh(ctx context.Context, req models.RefreshRequest) (models.RefreshResult, error)
}

// RegionRegistrar is the platform geofencing facility.
type RegionRegistrar interface {
	Register(ctx context.Context, region models.RankedRegion) error
	Release(ctx context.Context, id string) error
}

// Config tunes a Monitor. Zero values fall back to the service defaults.
type Config struct {
	CapacityCeiling     int
	MaxCount            int
	PreferredNetworkIDs []string

	// Used when a refresh result does not carry its own thresholds.
	RefreshAfterDistanceMeters float64
	CacheTTL                   time.Duration

	// RefreshTimeout bounds a single refresh call.
	RefreshTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.CapacityCeiling <= 0 {
		c.CapacityCeiling = geo.DefaultCapacityCeiling
	}
	if c.MaxCount <= 0 || c.MaxCount > c.CapacityCeiling {
		c.MaxCount = c.CapacityCeiling
	}
	if c.RefreshAfterDistanceMeters <= 0 {
		c.RefreshAfterDistanceMeters = 500
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 6 * time.Hour
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = 30 * time.Second
	}
	return c
}

// WatchedSet is the result of the last successful refresh.
type WatchedSet struct {
	RegionIDs                  []string
	RefreshPosition            models.Position
	RefreshedAt                time.Time
	RefreshAfterDistanceMeters float64
	CacheTTL                   time.Duration
}

// IsExpired reports whether the set is older than its TTL.
func (w WatchedSet) IsExpired(now time.Time) bool {
	return now.Sub(w.RefreshedAt) > w.CacheTTL
}

// Moved reports whether pos is further from the refresh point than the refresh distance.
func (w WatchedSet) Moved(pos models.Position) bool {
	return geo.DistanceBetween(w.RefreshPosition, pos) > w.RefreshAfterDistanceMeters
}

// Monitor drives refreshes for one device and mirrors the result into a RegionRegistrar.
type Monitor struct {
	refresher Refresher
	registrar RegionRegistrar
	cfg       Config
	log       zerolog.Logger
	now       func() time.Time

	// opMu serialises registrar work: one reconciliation or release-all at a time.
	opMu sync.Mutex

	mu         sync.Mutex
	state      State
	generation uint64
	latest     *models.Position
	watched    *WatchedSet
	active     map[string]models.RankedRegion
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New creates an idle Monitor.
func New(refresher Refresher, registrar RegionRegistrar, cfg Config, log zerolog.Logger) *Monitor {
	return &Monitor{
		refresher: refresher,
		registrar: registrar,
		cfg:       cfg.withDefaults(),
		log:       log,
		now:       time.Now,
		active:    make(map[string]models.RankedRegion),
	}
}

// WithClock replaces the wall clock, for tests and simulations.
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

// State returns the current lifecycle state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Watched returns the last successful refresh, or false when nothing is being watched.
func (m *Monitor) Watched() (WatchedSet, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watched == nil {
		return WatchedSet{}, false
	}
	w := *m.watched
	w.RegionIDs = append([]string(nil), m.watched.RegionIDs...)
	return w, true
}

// Active returns the identifiers currently registered with the platform, sorted.
func (m *Monitor) Active() []string {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return sortedKeys(m.active)
}

// UpdatePosition records a position fix and starts a refresh when one is due.
// It reports whether a refresh was started.
func (m *Monitor) UpdatePosition(pos models.Position) (bool, error) {
	if err := geo.ValidatePosition(pos.Latitude, pos.Longitude); err != nil {
		return false, fmt.Errorf("monitor: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.latest = &pos
	switch m.state {
	case Idle:
		m.startRefreshLocked(pos)
		return true, nil
	case Watching:
		if m.dueLocked(pos) {
			m.startRefreshLocked(pos)
			return true, nil
		}
	}
	return false, nil
}

// Tick evaluates the TTL trigger against the latest known position. It also retries a first
// refresh that failed. It reports whether a refresh was started.
func (m *Monitor) Tick() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.latest == nil {
		return false
	}
	switch m.state {
	case Idle:
		m.startRefreshLocked(*m.latest)
		return true
	case Watching:
		if m.dueLocked(*m.latest) {
			m.startRefreshLocked(*m.latest)
			return true
		}
	}
	return false
}

// Run calls Tick every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Tick()
		}
	}
}

// Stop discards any in-flight refresh, forgets the watched set and releases every active
// region. The monitor returns to Idle and restarts on the next position fix.
func (m *Monitor) Stop(ctx context.Context) {
	m.mu.Lock()
	m.generation++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.state = Idle
	m.latest = nil
	m.watched = nil
	m.mu.Unlock()

	m.opMu.Lock()
	defer m.opMu.Unlock()
	for _, id := range sortedKeys(m.active) {
		if err := m.registrar.Release(ctx, id); err != nil {
			m.log.Warn().Err(err).Str("region", id).Msg("failed to release region on stop")
		}
		delete(m.active, id)
	}
	m.log.Info().Msg("region monitoring stopped")
}

// Wait blocks until no refresh is in flight.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

func (m *Monitor) dueLocked(pos models.Position) bool {
	if m.watched == nil {
		return true
	}
	return m.watched.Moved(pos) || m.watched.IsExpired(m.now())
}

func (m *Monitor) startRefreshLocked(pos models.Position) {
	m.state = Refreshing
	gen := m.generation

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RefreshTimeout)
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		m.refresh(ctx, gen, pos)
	}()
}

func (m *Monitor) refresh(ctx context.Context, gen uint64, pos models.Position) {
	result, err := m.refresher.Refresh(ctx, models.RefreshRequest{
		Latitude:            pos.Latitude,
		Longitude:           pos.Longitude,
		MaxCount:            m.cfg.MaxCount,
		PreferredNetworkIDs: m.cfg.PreferredNetworkIDs,
	})

	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		m.log.Debug().Msg("discarding refresh result after stop")
		return
	}
	if err != nil {
		// Keep the last known good set and wait for the next trigger.
		m.cancel = nil
		if m.watched != nil {
			m.state = Watching
		} else {
			m.state = Idle
		}
		m.mu.Unlock()
		m.log.Warn().Err(err).Msg("region refresh failed, keeping current regions")
		return
	}
	m.mu.Unlock()

	ids := m.reconcile(context.WithoutCancel(ctx), result.Regions)

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation {
		return
	}
	m.cancel = nil

	w := &WatchedSet{
		RegionIDs:                  ids,
		RefreshPosition:            pos,
		RefreshedAt:                m.now(),
		RefreshAfterDistanceMeters: result.RefreshAfterDistanceMeters,
		CacheTTL:                   time.Duration(result.CacheTTLSeconds) * time.Second,
	}
	if w.RefreshAfterDistanceMeters <= 0 {
		w.RefreshAfterDistanceMeters = m.cfg.RefreshAfterDistanceMeters
	}
	if w.CacheTTL <= 0 {
		w.CacheTTL = m.cfg.CacheTTL
	}
	m.watched = w
	m.state = Watching

	m.log.Info().
		Int("regions", len(ids)).
		Float64("refresh_after_m", w.RefreshAfterDistanceMeters).
		Dur("ttl", w.CacheTTL).
		Msg("watched regions updated")

	if m.latest != nil && *m.latest != pos && m.dueLocked(*m.latest) {
		m.startRefreshLocked(*m.latest)
	}
}

// reconcile swaps the active platform regions for regions. Regions in both sets are left
// alone. Releases always happen before registrations and a registration is skipped rather
// than exceed the ceiling. Must be called with opMu held.
func (m *Monitor) reconcile(ctx context.Context, regions []models.RankedRegion) []string {
	wanted := make(map[string]models.RankedRegion, len(regions))
	var order []string
	for _, r := range regions {
		if len(order) == m.cfg.CapacityCeiling {
			break
		}
		if _, dup := wanted[r.ID]; dup || r.ID == "" {
			continue
		}
		wanted[r.ID] = r
		order = append(order, r.ID)
	}

	for _, id := range sortedKeys(m.active) {
		if _, keep := wanted[id]; keep {
			continue
		}
		if err := m.registrar.Release(ctx, id); err != nil {
			// Still counted against the ceiling until a later release succeeds.
			m.log.Warn().Err(err).Str("region", id).Msg("failed to release region")
			continue
		}
		delete(m.active, id)
	}

	for _, id := range order {
		if _, ok := m.active[id]; ok {
			continue
		}
		if len(m.active) >= m.cfg.CapacityCeiling {
			m.log.Warn().Str("region", id).Int("ceiling", m.cfg.CapacityCeiling).Msg("capacity ceiling reached, skipping region")
			continue
		}
		if err := m.registrar.Register(ctx, wanted[id]); err != nil {
			m.log.Warn().Err(err).Str("region", id).Msg("failed to register region")
			continue
		}
		m.active[id] = wanted[id]
	}

	ids := make([]string, 0, len(m.active))
	for _, id := range order {
		if _, ok := m.active[id]; ok {
			ids = append(ids, id)
		}
	}
	for _, id := range sortedKeys(m.active) {
		if _, ok := wanted[id]; !ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func sortedKeys(regions map[string]models.RankedRegion) []string {
	keys := make([]string, 0, len(regions))
	for id := range regions {
		keys = append(keys, id)
	}
	sort.Strings(keys)
	return keys
}
