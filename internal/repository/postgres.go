package repository

import (
	"context"
	"fmt"

	"cardoncue-api/internal/models"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultSearchRadiusMeters bounds the nearest-neighbour scan of the catalog.
const DefaultSearchRadiusMeters = 50000

// Schema creates the catalog table and its spatial index.
const Schema = `
	CREATE EXTENSION IF NOT EXISTS postgis;

	CREATE TABLE IF NOT EXISTS locations (
		id TEXT PRIMARY KEY,
		network_id TEXT,
		name TEXT NOT NULL,
		address TEXT,
		radius_meters DOUBLE PRECISION NOT NULL DEFAULT 100,
		geom GEOGRAPHY(POINT, 4326) NOT NULL
	);
	CREATE INDEX IF NOT EXISTS locations_geom_idx ON locations USING GIST (geom);
	CREATE INDEX IF NOT EXISTS locations_network_id_idx ON locations (network_id);
`

// Execer is satisfied by *pgx.Conn and *pgxpool.Pool.
type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// EnsureSchema creates the catalog table if it does not exist.
func EnsureSchema(ctx context.Context, db Execer) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("repository: failed to create schema: %w", err)
	}
	return nil
}

// Repository is the PostGIS-backed location catalog
type Repository struct {
	db           *pgxpool.Pool
	radiusMeters float64
}

// NewRepository creates a new PostgreSQL catalog repository
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db, radiusMeters: DefaultSearchRadiusMeters}
}

// WithSearchRadius returns a copy of the repository that only considers locations within meters.
func (r *Repository) WithSearchRadius(meters float64) *Repository {
	cp := *r
	if meters > 0 {
		cp.radiusMeters = meters
	}
	return &cp
}

// Ping checks that the catalog database is reachable.
func (r *Repository) Ping(ctx context.Context) error {
	if err := r.db.Ping(ctx); err != nil {
		return fmt.Errorf("repository: ping failed: %w", err)
	}
	return nil
}

// FindNearestLocations returns up to limit catalog locations ordered by distance from the given coordinates
func (r *Repository) FindNearestLocations(ctx context.Context, lat, lon float64, limit int) ([]models.Location, error) {
	sql := `
		SELECT
			id,
			COALESCE(network_id, '') AS network_id,
			name,
			COALESCE(address, '') AS address,
			radius_meters,
			ST_Y(geom::geometry) AS latitude,
			ST_X(geom::geometry) AS longitude
		FROM locations
		WHERE ST_DWithin(geom, ST_SetSRID(ST_MakePoint($2, $1), 4326)::geography, $4)
		ORDER BY geom <-> ST_SetSRID(ST_MakePoint($2, $1), 4326)::geography, id
		LIMIT $3
	`

	rows, err := r.db.Query(ctx, sql, lat, lon, limit, r.radiusMeters)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to execute nearest query: %w", err)
	}
	defer rows.Close()

	locations := []models.Location{}
	for rows.Next() {
		loc := models.Location{Source: models.SourceCatalog}
		err := rows.Scan(
			&loc.ID,
			&loc.NetworkID,
			&loc.Name,
			&loc.Address,
			&loc.RadiusMeters,
			&loc.Latitude,
			&loc.Longitude,
		)
		if err != nil {
			return nil, fmt.Errorf("repository: failed to scan location: %w", err)
		}
		locations = append(locations, loc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: error iterating rows: %w", err)
	}

	return locations, nil
}
