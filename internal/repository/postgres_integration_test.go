//go:build integration

package repository

import (
	"context"
	"testing"

	"cardoncue-api/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/jackc/pgx/v5/pgxpool"
)

func setupTestDatabase(t *testing.T) *pgxpool.Pool {
	ctx := context.Background()

	// Start PostgreSQL container with PostGIS
	req := testcontainers.ContainerRequest{
		Image:        "postgis/postgis:16-3.4",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "testdb",
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}

	postgresC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		postgresC.Terminate(ctx)
	})

	host, err := postgresC.Host(ctx)
	require.NoError(t, err)

	port, err := postgresC.MappedPort(ctx, "5432")
	require.NoError(t, err)

	connString := "postgres://testuser:testpass@" + host + ":" + port.Port() + "/testdb?sslmode=disable"

	pool, err := pgxpool.New(ctx, connString)
	require.NoError(t, err)

	t.Cleanup(func() {
		pool.Close()
	})

	require.NoError(t, EnsureSchema(ctx, pool))

	// Union Square, ~300 m north-west of it, and Oakland (~13 km away)
	_, err = pool.Exec(ctx, `
		INSERT INTO locations (id, network_id, name, address, radius_meters, geom) VALUES
		('loc-1', 'net-a', 'Union Square Store', '333 Post St', 120, ST_SetSRID(ST_MakePoint(-122.4075, 37.7880), 4326)),
		('loc-2', NULL, 'Nob Hill Kiosk', NULL, 80, ST_SetSRID(ST_MakePoint(-122.4100, 37.7902), 4326)),
		('loc-3', 'net-b', 'Oakland Depot', '1 Broadway', 150, ST_SetSRID(ST_MakePoint(-122.2712, 37.8044), 4326));
	`)
	require.NoError(t, err)

	return pool
}

func TestRepository_FindNearestLocations(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	pool := setupTestDatabase(t)
	repo := NewRepository(pool)
	ctx := context.Background()

	tests := []struct {
		name     string
		lat      float64
		lon      float64
		limit    int
		radius   float64
		expected []string
	}{
		{name: "nearest first", lat: 37.7879, lon: -122.4074, limit: 10, expected: []string{"loc-1", "loc-2", "loc-3"}},
		{name: "limit applies", lat: 37.7879, lon: -122.4074, limit: 1, expected: []string{"loc-1"}},
		{name: "radius excludes far locations", lat: 37.7879, lon: -122.4074, limit: 10, radius: 2000, expected: []string{"loc-1", "loc-2"}},
		{name: "nothing nearby", lat: 35.681236, lon: 139.767125, limit: 10, expected: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			locations, err := repo.WithSearchRadius(tt.radius).FindNearestLocations(ctx, tt.lat, tt.lon, tt.limit)
			require.NoError(t, err)

			got := []string{}
			for _, l := range locations {
				got = append(got, l.ID)
				assert.Equal(t, models.SourceCatalog, l.Source)
			}
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestRepository_ScansNullableColumns(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test")
	}

	pool := setupTestDatabase(t)
	repo := NewRepository(pool)

	locations, err := repo.FindNearestLocations(context.Background(), 37.7902, -122.4100, 1)
	require.NoError(t, err)
	require.Len(t, locations, 1)

	loc := locations[0]
	assert.Equal(t, "loc-2", loc.ID)
	assert.Equal(t, "", loc.NetworkID)
	assert.Equal(t, "", loc.Address)
	assert.Equal(t, 80.0, loc.RadiusMeters)
	assert.InDelta(t, 37.7902, loc.Latitude, 1e-9)
	assert.InDelta(t, -122.4100, loc.Longitude, 1e-9)
	assert.NoError(t, repo.Ping(context.Background()))
}
