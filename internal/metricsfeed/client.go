// Package metricsfeed pulls time-series performance samples for live
// campaigns from the promotion platform.
package metricsfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hollowaydev/promopilot/internal/models"
)

// Client fetches metric samples for campaigns by handle.
type Client struct {
	apiURL     string
	httpClient *http.Client
}

// NewClient creates a metrics feed client.
func NewClient(apiURL string, timeout time.Duration) *Client {
	return &Client{
		apiURL:     apiURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type samplesResponse struct {
	Samples []models.MetricSample `json:"samples"`
}

// Poll returns samples recorded after since, oldest first.
func (c *Client) Poll(ctx context.Context, handle models.CampaignHandle, since time.Time) ([]models.MetricSample, error) {
	u, err := url.Parse(c.apiURL + "/campaigns/" + string(handle) + "/metrics")
	if err != nil {
		return nil, fmt.Errorf("failed to parse metrics URL: %w", err)
	}
	q := u.Query()
	if !since.IsZero() {
		q.Set("since", strconv.FormatInt(since.UnixNano(), 10))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("metrics request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metrics feed returned status %d", resp.StatusCode)
	}

	var payload samplesResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode samples: %w", err)
	}
	return payload.Samples, nil
}
