package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cardoncue-api/internal/models"
)

// RefreshPath is the region refresh endpoint served by cmd/api.
const RefreshPath = "/v1/regions/refresh"

// HTTPRefresher calls a remote Region Refresh API.
type HTTPRefresher struct {
	baseURL string
	client  *http.Client
}

// NewHTTPRefresher creates a refresher for baseURL. A nil client gets a 10s timeout client.
func NewHTTPRefresher(baseURL string, client *http.Client) *HTTPRefresher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPRefresher{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (r *HTTPRefresher) Refresh(ctx context.Context, req models.RefreshRequest) (models.RefreshResult, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return models.RefreshResult{}, fmt.Errorf("monitor: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+RefreshPath, bytes.NewReader(payload))
	if err != nil {
		return models.RefreshResult{}, fmt.Errorf("monitor: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return models.RefreshResult{}, fmt.Errorf("monitor: refresh request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		if body.Error == "" {
			body.Error = http.StatusText(resp.StatusCode)
		}
		return models.RefreshResult{}, fmt.Errorf("monitor: refresh failed with status %d: %s", resp.StatusCode, body.Error)
	}

	var result models.RefreshResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return models.RefreshResult{}, fmt.Errorf("monitor: decode response: %w", err)
	}
	return result, nil
}
