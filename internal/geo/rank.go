package geo

import (
	"errors"
	"fmt"
	"sort"

	"cardoncue-api/internal/models"
)

// DefaultCapacityCeiling is the number of regions a device can monitor at once.
const DefaultCapacityCeiling = 20

var (
	// ErrInvalidPosition is returned for coordinates outside [-90, 90] x [-180, 180].
	ErrInvalidPosition = errors.New("invalid position")
	// ErrInvalidMaxCount is returned for a max count outside [1, ceiling].
	ErrInvalidMaxCount = errors.New("invalid max count")
)

// NetworkSet is the set of network identifiers the user is affiliated with.
type NetworkSet map[string]struct{}

// NewNetworkSet builds a NetworkSet, ignoring empty identifiers.
func NewNetworkSet(ids ...string) NetworkSet {
	set := make(NetworkSet, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		set[id] = struct{}{}
	}
	return set
}

// Contains reports whether id is a preferred network. The empty id never is.
func (s NetworkSet) Contains(id string) bool {
	if id == "" {
		return false
	}
	_, ok := s[id]
	return ok
}

// ValidateMaxCount rejects counts outside [1, ceiling].
func ValidateMaxCount(maxCount, ceiling int) error {
	if maxCount < 1 || maxCount > ceiling {
		return fmt.Errorf("%w: %d not in [1, %d]", ErrInvalidMaxCount, maxCount, ceiling)
	}
	return nil
}

// Rank orders locations by priority tier, then by distance from pos, and keeps the first
// maxCount. Equal keys keep their input order so repeated calls return identical results.
func Rank(pos models.Position, locations []models.Location, preferred NetworkSet, maxCount, ceiling int) ([]models.RankedRegion, error) {
	if err := ValidatePosition(pos.Latitude, pos.Longitude); err != nil {
		return nil, err
	}
	if err := ValidateMaxCount(maxCount, ceiling); err != nil {
		return nil, err
	}

	ranked := make([]models.RankedRegion, 0, len(locations))
	for _, loc := range locations {
		tier := models.TierOther
		if preferred.Contains(loc.NetworkID) {
			tier = models.TierPreferred
		}
		ranked = append(ranked, models.RankedRegion{
			Location:       loc,
			DistanceMeters: Distance(pos.Latitude, pos.Longitude, loc.Latitude, loc.Longitude),
			PriorityTier:   tier,
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].PriorityTier != ranked[j].PriorityTier {
			return ranked[i].PriorityTier < ranked[j].PriorityTier
		}
		return ranked[i].DistanceMeters < ranked[j].DistanceMeters
	})

	if len(ranked) > maxCount {
		ranked = ranked[:maxCount]
	}
	return ranked, nil
}
