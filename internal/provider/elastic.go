package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"cardoncue-api/internal/models"

	"github.com/olivere/elastic/v7"
)

// ElasticProvider searches a places index ordered by arc distance from the query point.
type ElasticProvider struct {
	client    *elastic.Client
	index     string
	source    models.Source
	maxRadius string
}

type elasticPlace struct {
	ID           string           `json:"id"`
	NetworkID    string           `json:"network_id"`
	Name         string           `json:"name"`
	Address      string           `json:"address"`
	RadiusMeters float64          `json:"radius_meters"`
	Location     elastic.GeoPoint `json:"location"`
}

// NewElasticClient connects to url with sniffing and health checks off, which suits a single
// node or a load-balanced endpoint.
func NewElasticClient(url string) (*elastic.Client, error) {
	client, err := elastic.NewClient(
		elastic.SetURL(url),
		elastic.SetSniff(false),
		elastic.SetHealthcheck(false),
	)
	if err != nil {
		return nil, fmt.Errorf("provider elastic: create client: %w", err)
	}
	return client, nil
}

// NewElasticProvider creates a provider over index. Results are tagged with src and limited to
// places within maxRadius (an Elasticsearch distance such as "5km").
func NewElasticProvider(client *elastic.Client, index string, src models.Source, maxRadius string) *ElasticProvider {
	if maxRadius == "" {
		maxRadius = "5km"
	}
	return &ElasticProvider{client: client, index: index, source: src, maxRadius: maxRadius}
}

func (p *ElasticProvider) Name() string { return "elastic" }

// SearchNear returns up to limit places nearest to pos.
func (p *ElasticProvider) SearchNear(ctx context.Context, pos models.Position, limit int) ([]models.Location, error) {
	query := elastic.NewBoolQuery().Filter(
		elastic.NewGeoDistanceQuery("location").
			Point(pos.Latitude, pos.Longitude).
			Distance(p.maxRadius),
	)

	res, err := p.client.Search().
		Index(p.index).
		Query(query).
		SortBy(elastic.NewGeoDistanceSort("location").
			Point(pos.Latitude, pos.Longitude).
			Asc().
			Unit("m").
			DistanceType("arc").
			IgnoreUnmapped(true)).
		Size(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("provider elastic: search %s: %w", p.index, err)
	}
	if res.Hits == nil {
		return nil, nil
	}

	locations := make([]models.Location, 0, len(res.Hits.Hits))
	for _, hit := range res.Hits.Hits {
		var place elasticPlace
		if err := json.Unmarshal(hit.Source, &place); err != nil {
			return nil, fmt.Errorf("provider elastic: decode hit %s: %w", hit.Id, err)
		}
		id := place.ID
		if id == "" {
			id = hit.Id
		}
		locations = append(locations, withDefaults(models.Location{
			ID:           id,
			NetworkID:    place.NetworkID,
			Name:         place.Name,
			Latitude:     place.Location.Lat,
			Longitude:    place.Location.Lon,
			RadiusMeters: place.RadiusMeters,
			Address:      place.Address,
		}, p.source))
	}
	return locations, nil
}
