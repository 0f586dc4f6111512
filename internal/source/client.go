// Package source polls the content channel API for new candidate items.
package source

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

// ClientConfig holds HTTP tuning for the source client.
type ClientConfig struct {
	Limit          int
	MaxRetries     int
	RetryDelayBase time.Duration
}

// Client fetches candidate items from the channel content API.
type Client struct {
	apiURL     string
	httpClient *http.Client
	config     ClientConfig
}

// NewClient creates a source client.
func NewClient(apiURL string, timeout time.Duration, config ClientConfig) *Client {
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelayBase <= 0 {
		config.RetryDelayBase = time.Second
	}
	return &Client{
		apiURL:     apiURL,
		httpClient: &http.Client{Timeout: timeout},
		config:     config,
	}
}

// itemsResponse is the wire shape of the source API's item listing.
type itemsResponse struct {
	Items      []models.CandidateRaw `json:"items"`
	NextCursor string                `json:"next_cursor"`
}

// FetchNewItems returns items published after the given cursor, plus the
// cursor for the next poll. Re-fetching the same cursor returns the same
// items; deduplication against already-processed IDs is the caller's job.
func (c *Client) FetchNewItems(ctx context.Context, sinceCursor string) ([]models.CandidateRaw, string, error) {
	u, err := url.Parse(c.apiURL + "/items")
	if err != nil {
		return nil, "", fmt.Errorf("failed to parse source URL: %w", err)
	}

	q := u.Query()
	q.Set("limit", strconv.Itoa(c.config.Limit))
	if sinceCursor != "" {
		q.Set("since_cursor", sinceCursor)
	}
	u.RawQuery = q.Encode()

	resp, err := c.doRequest(ctx, u.String())
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch items: %w", err)
	}
	defer resp.Body.Close()

	var payload itemsResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, "", fmt.Errorf("failed to decode items: %w", err)
	}

	next := payload.NextCursor
	if next == "" {
		next = sinceCursor
	}
	return payload.Items, next, nil
}

// doRequest performs a GET with linear-backoff retry on transport errors
// and server-side failures.
func (c *Client) doRequest(ctx context.Context, urlStr string) (*http.Response, error) {
	var lastErr error

	for i := 0; i < c.config.MaxRetries; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
		} else if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			resp.Body.Close()
			lastErr = fmt.Errorf("server error: %d", resp.StatusCode)
		} else if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
		} else {
			return resp, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.config.RetryDelayBase * time.Duration(i+1)):
		}
	}

	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}
