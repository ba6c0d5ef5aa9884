// Package provider adapts external place-search services into location sources.
package provider

import (
	"context"

	"cardoncue-api/internal/models"
)

// DefaultRadiusMeters is applied to results that come back without a monitoring radius.
const DefaultRadiusMeters = 100.0

// Provider searches for locations near a point.
type Provider interface {
	Name() string
	SearchNear(ctx context.Context, pos models.Position, limit int) ([]models.Location, error)
}

func withDefaults(loc models.Location, src models.Source) models.Location {
	loc.Source = src
	if loc.RadiusMeters <= 0 {
		loc.RadiusMeters = DefaultRadiusMeters
	}
	return loc
}
