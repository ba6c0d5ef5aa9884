package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"cardoncue-api/internal/cache"
	"cardoncue-api/internal/models"

	"github.com/rs/zerolog"
)

// Cached serves repeated searches for the same coordinate cell from a cache.Store. Cache
// failures fall through to the wrapped provider.
type Cached struct {
	next      Provider
	store     cache.Store
	ttl       time.Duration
	precision float64
	log       zerolog.Logger
}

// NewCached wraps next. Positions are bucketed to precision degrees when building cache keys.
func NewCached(next Provider, store cache.Store, ttl time.Duration, precision float64, log zerolog.Logger) *Cached {
	if precision <= 0 {
		precision = 0.001
	}
	return &Cached{next: next, store: store, ttl: ttl, precision: precision, log: log}
}

func (c *Cached) Name() string { return c.next.Name() }

func (c *Cached) key(pos models.Position, limit int) string {
	return fmt.Sprintf("provider:%s:%d:%d:%d",
		c.next.Name(),
		int64(math.Round(pos.Latitude/c.precision)),
		int64(math.Round(pos.Longitude/c.precision)),
		limit,
	)
}

func (c *Cached) SearchNear(ctx context.Context, pos models.Position, limit int) ([]models.Location, error) {
	key := c.key(pos, limit)

	entry, err := c.store.Get(ctx, key)
	switch {
	case err == nil:
		var locations []models.Location
		if err := json.Unmarshal(entry.Value, &locations); err == nil {
			return locations, nil
		}
		c.log.Warn().Str("provider", c.Name()).Str("key", key).Msg("discarding undecodable cache entry")
	case !errors.Is(err, cache.ErrMiss):
		c.log.Warn().Err(err).Str("provider", c.Name()).Msg("provider cache read failed")
	}

	locations, err := c.next.SearchNear(ctx, pos, limit)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(locations)
	if err != nil {
		return locations, nil
	}
	if err := c.store.Set(ctx, key, raw, c.ttl); err != nil {
		c.log.Warn().Err(err).Str("provider", c.Name()).Msg("provider cache write failed")
	}
	return locations, nil
}
