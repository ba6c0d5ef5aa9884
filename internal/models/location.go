package models

import "time"

// Source identifies where a Location came from. The subsystem never mutates source data.
type Source string

const (
	SourceCatalog        Source = "catalog"
	SourceProviderA      Source = "external-provider-A"
	SourceProviderB      Source = "external-provider-B"
	SourceSearchFallback Source = "search-fallback"
)

// Location represents a single monitorable place, tagged with the network it belongs to and the radius the device should watch around it.
type Location struct {
	ID           string  `json:"id"`
	NetworkID    string  `json:"networkId,omitempty"`
	Name         string  `json:"name"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	RadiusMeters float64 `json:"radiusMeters"`
	Source       Source  `json:"source"`
	Address      string  `json:"address,omitempty"`
}

// Position is a device location fix. Accuracy is optional and zero when unknown.
type Position struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy,omitempty"`
}

// Priority tiers. Lower sorts first.
const (
	TierPreferred = 1
	TierOther     = 2
)

// RankedRegion is a Location plus the fields computed for one refresh.
type RankedRegion struct {
	Location
	DistanceMeters float64 `json:"distanceMeters"`
	PriorityTier   int     `json:"priorityTier"`
}

// RefreshRequest is the input of a region refresh. A zero MaxCount means the capacity ceiling.
type RefreshRequest struct {
	Latitude            float64  `json:"latitude"`
	Longitude           float64  `json:"longitude"`
	MaxCount            int      `json:"maxCount,omitempty"`
	PreferredNetworkIDs []string `json:"preferredNetworkIds,omitempty"`
}

// Position returns the request coordinates as a Position.
func (r RefreshRequest) Position() Position {
	return Position{Latitude: r.Latitude, Longitude: r.Longitude}
}

// RefreshResult is the bounded, ordered region list plus the cache metadata the client uses
// to decide when to ask again.
type RefreshResult struct {
	Regions                    []RankedRegion `json:"regions"`
	RefreshAfterDistanceMeters float64        `json:"refreshAfterDistanceMeters"`
	CacheTTLSeconds            int            `json:"cacheTtlSeconds"`
	ServerTime                 time.Time      `json:"serverTime"`
}
