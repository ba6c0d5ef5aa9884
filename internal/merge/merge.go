// Package merge combines location lists from several sources into one list with a single entry
// per physical place.
package merge

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"

	"cardoncue-api/internal/geo"
	"cardoncue-api/internal/models"
)

// DefaultPrecisionDegrees buckets coordinates to roughly 111 m at the equator.
const DefaultPrecisionDegrees = 0.001

// metersPerDegree is the length of one degree of latitude on the 6,371 km sphere.
const metersPerDegree = geo.EarthRadiusMeters * math.Pi / 180

// Policy controls how duplicates are detected and which source wins a collision.
type Policy struct {
	// PrecisionDegrees is the coordinate bucket size used in the duplicate key.
	PrecisionDegrees float64
	// SourcePriority lists sources from most to least trusted. Unlisted sources rank last.
	SourcePriority []models.Source
}

// DefaultPolicy trusts curated catalog data over external providers.
func DefaultPolicy() Policy {
	return Policy{
		PrecisionDegrees: DefaultPrecisionDegrees,
		SourcePriority: []models.Source{
			models.SourceCatalog,
			models.SourceProviderA,
			models.SourceProviderB,
			models.SourceSearchFallback,
		},
	}
}

// Stats counts what a merge discarded.
type Stats struct {
	Duplicates int
	Invalid    int
}

// Merger deduplicates locations according to a Policy. It holds no mutable state and is safe
// for concurrent use.
type Merger struct {
	precision float64
	rank      map[models.Source]int
}

// New creates a Merger. A non-positive precision falls back to DefaultPrecisionDegrees.
func New(policy Policy) *Merger {
	precision := policy.PrecisionDegrees
	if precision <= 0 || math.IsNaN(precision) || math.IsInf(precision, 0) {
		precision = DefaultPrecisionDegrees
	}
	rank := make(map[models.Source]int, len(policy.SourcePriority))
	for i, src := range policy.SourcePriority {
		if _, ok := rank[src]; !ok {
			rank[src] = i
		}
	}
	return &Merger{precision: precision, rank: rank}
}

func (m *Merger) sourceRank(src models.Source) int {
	if r, ok := m.rank[src]; ok {
		return r
	}
	return len(m.rank)
}

// Key returns the composite duplicate key of a location: its bucketed coordinates plus its
// normalized name. A location whose name normalizes to nothing is keyed by its ID instead.
func (m *Merger) Key(loc models.Location) string {
	c := m.cellOf(loc)
	return fmt.Sprintf("%d:%d:%s", c.lat, c.lon, nameKey(loc))
}

type cell struct {
	lat, lon int64
}

func (m *Merger) cellOf(loc models.Location) cell {
	return cell{
		lat: int64(math.Round(loc.Latitude / m.precision)),
		lon: int64(math.Round(loc.Longitude / m.precision)),
	}
}

type bucket struct {
	cell cell
	name string
}

func nameKey(loc models.Location) string {
	if name := NormalizeName(loc.Name); name != "" {
		return name
	}
	return "#id:" + loc.ID
}

// duplicateOf reports whether loc matches an already kept location: same name key and either
// the same cell, or a neighbouring cell within one bucket width.
func (m *Merger) duplicateOf(kept map[bucket][]models.Location, loc models.Location) bool {
	c := m.cellOf(loc)
	name := nameKey(loc)
	if len(kept[bucket{cell: c, name: name}]) > 0 {
		return true
	}
	maxMeters := m.precision * metersPerDegree
	for dlat := int64(-1); dlat <= 1; dlat++ {
		for dlon := int64(-1); dlon <= 1; dlon++ {
			if dlat == 0 && dlon == 0 {
				continue
			}
			for _, other := range kept[bucket{cell: cell{lat: c.lat + dlat, lon: c.lon + dlon}, name: name}] {
				if geo.Distance(loc.Latitude, loc.Longitude, other.Latitude, other.Longitude) <= maxMeters {
					return true
				}
			}
		}
	}
	return false
}

// Merge flattens the given lists, drops entries without usable coordinates and keeps one entry
// per duplicate key, preferring the higher-priority source. The output order depends only on
// the set of inputs, never on the order the lists were passed in.
func (m *Merger) Merge(lists ...[]models.Location) ([]models.Location, Stats) {
	var stats Stats

	total := 0
	for _, l := range lists {
		total += len(l)
	}
	candidates := make([]models.Location, 0, total)
	for _, l := range lists {
		for _, loc := range l {
			if !hasCoordinates(loc) {
				stats.Invalid++
				continue
			}
			candidates = append(candidates, loc)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if ra, rb := m.sourceRank(a.Source), m.sourceRank(b.Source); ra != rb {
			return ra < rb
		}
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		if a.Latitude != b.Latitude {
			return a.Latitude < b.Latitude
		}
		if a.Longitude != b.Longitude {
			return a.Longitude < b.Longitude
		}
		return a.Name < b.Name
	})

	kept := make(map[bucket][]models.Location, len(candidates))
	out := make([]models.Location, 0, len(candidates))
	for _, loc := range candidates {
		if m.duplicateOf(kept, loc) {
			stats.Duplicates++
			continue
		}
		b := bucket{cell: m.cellOf(loc), name: nameKey(loc)}
		kept[b] = append(kept[b], loc)
		out = append(out, loc)
	}
	return out, stats
}

// hasCoordinates treats out-of-range, non-finite and (0, 0) coordinates as missing.
func hasCoordinates(loc models.Location) bool {
	if !geo.ValidCoordinates(loc.Latitude, loc.Longitude) {
		return false
	}
	return loc.Latitude != 0 || loc.Longitude != 0
}

// NormalizeName lower-cases s, removes punctuation and symbols, and collapses whitespace.
func NormalizeName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			continue
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		default:
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
