// Package scorer estimates a candidate's promotion quality. The scoring
// model itself is an opaque oracle behind an HTTP service; a deterministic
// heuristic variant backs tests and dry runs.
package scorer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/hollowaydev/promopilot/internal/models"
)

// Result is a quality/virality estimate for one candidate.
type Result struct {
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
}

// Scorer returns a quality estimate in [0,1] plus a confidence value.
// Implementations may fail; callers treat failure as below-threshold for
// the cycle (fail-closed).
type Scorer interface {
	Score(ctx context.Context, raw models.CandidateRaw) (Result, error)
}

// HTTPScorer calls the scoring service.
type HTTPScorer struct {
	apiURL     string
	httpClient *http.Client
}

// NewHTTPScorer creates a scorer backed by the scoring service API.
func NewHTTPScorer(apiURL string, timeout time.Duration) *HTTPScorer {
	return &HTTPScorer{
		apiURL:     apiURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Score posts the raw candidate to the scoring service.
func (s *HTTPScorer) Score(ctx context.Context, raw models.CandidateRaw) (Result, error) {
	body, err := json.Marshal(raw)
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal candidate: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL+"/score", bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("scoring request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("scoring service returned status %d", resp.StatusCode)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Result{}, fmt.Errorf("failed to decode score: %w", err)
	}
	return clampResult(result), nil
}

// HeuristicScorer is the deterministic variant used in dry runs and tests.
// It estimates early traction from engagement relative to item age.
type HeuristicScorer struct{}

// Score derives a score purely from the raw item's own counters, so the
// same input always yields the same output.
func (HeuristicScorer) Score(_ context.Context, raw models.CandidateRaw) (Result, error) {
	ageHours := time.Since(raw.PublishedAt).Hours()
	if ageHours < 1 {
		ageHours = 1
	}

	views := float64(raw.Views)
	engagement := float64(raw.Likes + raw.Comments)

	// Views per hour, log-squashed into [0,1): 1k views/h maps to ~0.5.
	velocity := views / ageHours
	velocityScore := 1 - math.Exp(-velocity/1500)

	// Engagement ratio saturating around 10%.
	ratio := 0.0
	if views > 0 {
		ratio = engagement / views
	}
	ratioScore := math.Min(ratio/0.1, 1.0)

	score := 0.7*velocityScore + 0.3*ratioScore

	// Confidence grows with sample size.
	confidence := 1 - math.Exp(-views/5000)

	return clampResult(Result{Score: score, Confidence: confidence}), nil
}

func clampResult(r Result) Result {
	r.Score = math.Max(0, math.Min(1, r.Score))
	r.Confidence = math.Max(0, math.Min(1, r.Confidence))
	return r
}
