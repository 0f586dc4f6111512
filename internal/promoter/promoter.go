// Package promoter drives the paid-promotion platform: creating campaigns
// from budget allocations and pausing or stopping them on demand.
package promoter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/hollowaydev/promopilot/internal/models"
)

// ErrorKind classifies promotion failures for retry decisions.
type ErrorKind int

const (
	// KindTransient covers timeouts, platform rate limiting, and server
	// errors. The candidate stays retryable on the next cycle.
	KindTransient ErrorKind = iota
	// KindPermanent covers invalid targeting and policy violations. The
	// candidate is rejected for good.
	KindPermanent
)

// Error is a classified promotion platform failure.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("promoter: %s (status %d)", e.Message, e.StatusCode)
	}
	return "promoter: " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// IsPermanent reports whether err is a promotion failure that retrying
// cannot fix. Unclassified errors (including context timeouts) count as
// transient.
func IsPermanent(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind == KindPermanent
	}
	return false
}

// ClientConfig holds HTTP and pacing tuning for the promoter client.
type ClientConfig struct {
	// RequestsPerSec and Burst bound the outbound call rate. This pacing
	// is distinct from the daily action cap: it only spaces calls to the
	// platform API.
	RequestsPerSec float64
	Burst          int
}

// Client is the HTTP promotion platform client.
type Client struct {
	apiURL     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a promoter client.
func NewClient(apiURL string, timeout time.Duration, config ClientConfig) *Client {
	if config.RequestsPerSec <= 0 {
		config.RequestsPerSec = 0.5
	}
	if config.Burst < 1 {
		config.Burst = 1
	}
	return &Client{
		apiURL:     apiURL,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(config.RequestsPerSec), config.Burst),
	}
}

// promoteRequest is the wire shape of a campaign creation call. Targeting
// carries absolute budget per audience slice; the platform does not accept
// fractions.
type promoteRequest struct {
	CandidateID  string             `json:"candidate_id"`
	TotalBudget  float64            `json:"total_budget"`
	Targeting    map[string]float64 `json:"targeting"`
	PrimarySlice string             `json:"primary_slice"`
}

type promoteResponse struct {
	Handle string `json:"handle"`
}

// Promote creates a live campaign for the candidate with the given budget
// split. The returned handle identifies the campaign in later calls.
func (c *Client) Promote(ctx context.Context, candidateID string, alloc models.Allocation) (models.CampaignHandle, error) {
	targeting := make(map[string]float64, len(alloc.Fractions))
	for armID := range alloc.Fractions {
		targeting[armID] = alloc.BudgetFor(armID)
	}
	body, err := json.Marshal(promoteRequest{
		CandidateID:  candidateID,
		TotalBudget:  alloc.TotalBudget,
		Targeting:    targeting,
		PrimarySlice: alloc.PrimaryArmID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal promote request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/campaigns", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var payload promoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", &Error{Kind: KindTransient, Message: "failed to decode promote response", Err: err}
	}
	if payload.Handle == "" {
		return "", &Error{Kind: KindTransient, Message: "promote response missing handle"}
	}
	return models.CampaignHandle(payload.Handle), nil
}

// Pause suspends a live campaign's spending.
func (c *Client) Pause(ctx context.Context, handle models.CampaignHandle) error {
	resp, err := c.do(ctx, http.MethodPost, "/campaigns/"+string(handle)+"/pause", nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Stop terminates a live campaign.
func (c *Client) Stop(ctx context.Context, handle models.CampaignHandle) error {
	resp, err := c.do(ctx, http.MethodPost, "/campaigns/"+string(handle)+"/stop", nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body *bytes.Reader) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &Error{Kind: KindTransient, Message: "cancelled while pacing", Err: err}
	}

	var reqBody io.Reader = http.NoBody
	if body != nil {
		reqBody = body
	}
	req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Kind: KindTransient, Message: "request failed", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		return resp, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		resp.Body.Close()
		return nil, &Error{Kind: KindTransient, StatusCode: resp.StatusCode, Message: "platform unavailable"}
	default:
		resp.Body.Close()
		return nil, &Error{Kind: KindPermanent, StatusCode: resp.StatusCode, Message: "request rejected"}
	}
}
