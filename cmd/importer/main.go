package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"cardoncue-api/internal/config"
	"cardoncue-api/internal/models"
	"cardoncue-api/internal/repository"

	"github.com/jackc/pgx/v5"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	file := flag.String("file", "", "Path to the CSV or GeoJSON file to import")
	truncate := flag.Bool("truncate", false, "Replace the whole catalog instead of appending")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if *file == "" {
		log.Fatal().Msg("--file flag is required")
	}

	log.Info().Str("file", *file).Msg("starting import")

	locations, err := parseFile(*file)
	if err != nil {
		log.Fatal().Err(err).Msg("cannot parse input")
	}

	log.Info().Int("records", len(locations)).Msg("parsed records")

	_ = godotenv.Load(".env")

	// Load config
	cfg, err := config.LoadConfig("configs")
	if err != nil {
		log.Fatal().Err(err).Msg("cannot load config")
	}

	ctx := context.Background()

	// Connect to DB
	conn, err := pgx.Connect(ctx, cfg.DBSource)
	if err != nil {
		log.Fatal().Err(err).Msg("cannot connect to db")
	}
	defer conn.Close(ctx)

	// Ensure table exists
	if err := repository.EnsureSchema(ctx, conn); err != nil {
		log.Fatal().Err(err).Msg("cannot create table")
	}

	if *truncate {
		if _, err := conn.Exec(ctx, "TRUNCATE locations"); err != nil {
			log.Fatal().Err(err).Msg("cannot truncate catalog")
		}
	}

	// Insert records
	if err := insertRecords(ctx, conn, locations); err != nil {
		log.Fatal().Err(err).Msg("cannot insert records")
	}

	// Verify data
	if err := verifyImport(ctx, conn, locations); err != nil {
		log.Fatal().Err(err).Msg("import verification failed")
	}

	log.Info().Int("records", len(locations)).Msg("successfully imported")
}

func insertRecords(ctx context.Context, conn *pgx.Conn, locations []models.Location) error {
	// Use CopyFrom for bulk insert
	_, err := conn.CopyFrom(
		ctx,
		pgx.Identifier{"locations"},
		[]string{"id", "network_id", "name", "address", "radius_meters", "geom"},
		pgx.CopyFromSlice(len(locations), func(i int) ([]interface{}, error) {
			l := locations[i]
			return []interface{}{l.ID, nullable(l.NetworkID), l.Name, nullable(l.Address), l.RadiusMeters, ewkt(l)}, nil
		}),
	)
	return err
}

// ewkt renders the PostGIS extended WKT point, lon first.
func ewkt(l models.Location) string {
	return "SRID=4326;POINT(" +
		strconv.FormatFloat(l.Longitude, 'f', -1, 64) + " " +
		strconv.FormatFloat(l.Latitude, 'f', -1, 64) + ")"
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func verifyImport(ctx context.Context, conn *pgx.Conn, locations []models.Location) error {
	ids := make([]string, len(locations))
	for i, l := range locations {
		ids[i] = l.ID
	}

	var count int
	err := conn.QueryRow(ctx, "SELECT COUNT(*) FROM locations WHERE id = ANY($1)", ids).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to count records: %w", err)
	}

	if count != len(locations) {
		return fmt.Errorf("record count mismatch: expected %d, got %d", len(locations), count)
	}

	if len(locations) == 0 {
		return nil
	}

	// Check a sample geom
	var geom string
	err = conn.QueryRow(ctx, "SELECT ST_AsText(geom) FROM locations WHERE id = $1", ids[0]).Scan(&geom)
	if err != nil {
		return fmt.Errorf("failed to check geom: %w", err)
	}

	log.Info().Str("id", ids[0]).Str("geom", geom).Msg("sample geom")
	return nil
}
