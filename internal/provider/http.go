package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"cardoncue-api/internal/models"
)

// HTTPProvider calls a places search service over a small JSON contract:
// GET {endpoint}/search?lat=&lon=&limit= returning {"results": [...]}.
type HTTPProvider struct {
	name     string
	endpoint string
	source   models.Source
	client   *http.Client
}

type httpPlace struct {
	ID           string  `json:"id"`
	NetworkID    string  `json:"networkId"`
	Name         string  `json:"name"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	RadiusMeters float64 `json:"radiusMeters"`
	Address      string  `json:"address"`
}

type httpSearchResponse struct {
	Results []httpPlace `json:"results"`
}

// NewHTTPProvider creates a provider for endpoint. A nil client gets a 3s timeout client.
func NewHTTPProvider(name, endpoint string, src models.Source, client *http.Client) *HTTPProvider {
	if client == nil {
		client = &http.Client{Timeout: 3 * time.Second}
	}
	return &HTTPProvider{name: name, endpoint: endpoint, source: src, client: client}
}

func (p *HTTPProvider) Name() string { return p.name }

func (p *HTTPProvider) SearchNear(ctx context.Context, pos models.Position, limit int) ([]models.Location, error) {
	q := url.Values{}
	q.Set("lat", strconv.FormatFloat(pos.Latitude, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(pos.Longitude, 'f', -1, 64))
	q.Set("limit", strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"/search?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("provider %s: build request: %w", p.name, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider %s: request: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider %s: unexpected status %d", p.name, resp.StatusCode)
	}

	var body httpSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("provider %s: decode response: %w", p.name, err)
	}

	locations := make([]models.Location, 0, len(body.Results))
	for _, r := range body.Results {
		locations = append(locations, withDefaults(models.Location{
			ID:           r.ID,
			NetworkID:    r.NetworkID,
			Name:         r.Name,
			Latitude:     r.Latitude,
			Longitude:    r.Longitude,
			RadiusMeters: r.RadiusMeters,
			Address:      r.Address,
		}, p.source))
	}
	if len(locations) > limit {
		locations = locations[:limit]
	}
	return locations, nil
}
