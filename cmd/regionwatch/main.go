package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"cardoncue-api/internal/models"
	"cardoncue-api/internal/monitor"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// logRegistrar stands in for the platform geofencing API and prints every change.
type logRegistrar struct {
	log zerolog.Logger
}

func (r logRegistrar) Register(ctx context.Context, region models.RankedRegion) error {
	r.log.Info().
		Str("region", region.ID).
		Str("name", region.Name).
		Str("network", region.NetworkID).
		Int("tier", region.PriorityTier).
		Float64("distance_m", region.DistanceMeters).
		Float64("radius_m", region.RadiusMeters).
		Msg("register")
	return nil
}

func (r logRegistrar) Release(ctx context.Context, id string) error {
	r.log.Info().Str("region", id).Msg("release")
	return nil
}

func main() {
	_ = godotenv.Load(".env")

	apiURL := flag.String("api", envOr("REGION_API_URL", "http://localhost:8080"), "Base URL of the region refresh API")
	networks := flag.String("networks", "", "Comma separated preferred network ids")
	ceiling := flag.Int("ceiling", 20, "Number of regions the device can watch at once")
	tick := flag.Duration("tick", time.Minute, "How often the TTL trigger is evaluated")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	logger := log.Logger

	var preferred []string
	for _, id := range strings.Split(*networks, ",") {
		if id = strings.TrimSpace(id); id != "" {
			preferred = append(preferred, id)
		}
	}

	m := monitor.New(
		monitor.NewHTTPRefresher(*apiURL, nil),
		logRegistrar{log: logger},
		monitor.Config{CapacityCeiling: *ceiling, PreferredNetworkIDs: preferred},
		logger,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go m.Run(ctx, *tick)

	if err := feed(ctx, os.Stdin, m, logger); err != nil {
		logger.Error().Err(err).Msg("reading positions failed")
	}

	m.Wait()
	m.Stop(context.Background())
}

// feed reads one "lat,lon" pair per line. A line reading "stop" stops monitoring.
func feed(ctx context.Context, r io.Reader, m *monitor.Monitor, logger zerolog.Logger) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line == "stop" {
			m.Stop(ctx)
			continue
		}

		pos, err := parsePosition(line)
		if err != nil {
			logger.Warn().Err(err).Str("line", line).Msg("skipping line")
			continue
		}

		started, err := m.UpdatePosition(pos)
		if err != nil {
			logger.Warn().Err(err).Msg("position rejected")
			continue
		}
		logger.Debug().
			Float64("lat", pos.Latitude).
			Float64("lon", pos.Longitude).
			Bool("refresh", started).
			Str("state", m.State().String()).
			Msg("position")
	}
	return scanner.Err()
}

func parsePosition(line string) (models.Position, error) {
	parts := strings.Split(line, ",")
	if len(parts) < 2 {
		return models.Position{}, fmt.Errorf("expected lat,lon")
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return models.Position{}, fmt.Errorf("invalid latitude: %w", err)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return models.Position{}, fmt.Errorf("invalid longitude: %w", err)
	}
	pos := models.Position{Latitude: lat, Longitude: lon}
	if len(parts) > 2 {
		if acc, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64); err == nil {
			pos.Accuracy = acc
		}
	}
	return pos, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
