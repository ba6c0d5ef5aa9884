package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"cardoncue-api/internal/geo"
	"cardoncue-api/internal/models"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

const defaultRadiusMeters = 100.0

var requiredColumns = []string{"name", "latitude", "longitude"}

// parseFile picks the parser from the file extension.
func parseFile(path string) ([]models.Location, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	lower := strings.ToLower(path)
	if strings.HasSuffix(lower, ".geojson") || strings.HasSuffix(lower, ".json") {
		return parseGeoJSON(file)
	}
	return parseCSV(file)
}

// parseCSV reads id,network_id,name,latitude,longitude,radius_meters,address. Columns are
// matched by header name; id, network_id, radius_meters and address are optional.
func parseCSV(r io.Reader) ([]models.Location, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1 // Allow variable number of fields
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := columns[name]; !ok {
			return nil, fmt.Errorf("missing required column %q", name)
		}
	}

	field := func(record []string, name string) string {
		i, ok := columns[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var locations []models.Location
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("failed to read record: %w", err)
		}

		lat, err := strconv.ParseFloat(field(record, "latitude"), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid latitude: %q", line, field(record, "latitude"))
		}
		lon, err := strconv.ParseFloat(field(record, "longitude"), 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid longitude: %q", line, field(record, "longitude"))
		}

		radius := defaultRadiusMeters
		if s := field(record, "radius_meters"); s != "" {
			radius, err = strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: invalid radius_meters: %q", line, s)
			}
		}

		loc, err := newLocation(field(record, "id"), field(record, "network_id"), field(record, "name"), field(record, "address"), lat, lon, radius)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		locations = append(locations, loc)
	}

	return locations, nil
}

// parseGeoJSON reads a FeatureCollection of Point features carrying the CSV columns as properties.
func parseGeoJSON(r io.Reader) ([]models.Location, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read geojson: %w", err)
	}

	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode feature collection: %w", err)
	}

	locations := make([]models.Location, 0, len(fc.Features))
	for i, f := range fc.Features {
		point, ok := f.Geometry.(orb.Point)
		if !ok {
			kind := "no geometry"
			if f.Geometry != nil {
				kind = f.Geometry.GeoJSONType()
			}
			return nil, fmt.Errorf("feature %d: expected Point geometry, got %s", i, kind)
		}

		id := f.Properties.MustString("id", "")
		if id == "" && f.ID != nil {
			id = fmt.Sprint(f.ID)
		}

		loc, err := newLocation(
			id,
			f.Properties.MustString("network_id", ""),
			f.Properties.MustString("name", ""),
			f.Properties.MustString("address", ""),
			point.Lat(),
			point.Lon(),
			f.Properties.MustFloat64("radius_meters", defaultRadiusMeters),
		)
		if err != nil {
			return nil, fmt.Errorf("feature %d: %w", i, err)
		}
		locations = append(locations, loc)
	}

	return locations, nil
}

func newLocation(id, networkID, name, address string, lat, lon, radius float64) (models.Location, error) {
	if name == "" {
		return models.Location{}, errors.New("name is required")
	}
	if !geo.ValidCoordinates(lat, lon) {
		return models.Location{}, fmt.Errorf("coordinates out of range: %v, %v", lat, lon)
	}
	if radius <= 0 {
		return models.Location{}, fmt.Errorf("radius_meters must be positive, got %v", radius)
	}
	if id == "" {
		id = uuid.NewString()
	}
	return models.Location{
		ID:           id,
		NetworkID:    networkID,
		Name:         name,
		Latitude:     lat,
		Longitude:    lon,
		RadiusMeters: radius,
		Source:       models.SourceCatalog,
		Address:      address,
	}, nil
}
