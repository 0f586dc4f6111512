package scorer

import (
	"context"
	"testing"
	"time"

	"github.com/hollowaydev/promopilot/internal/models"
)

func rawItem(views, likes, comments int64, age time.Duration) models.CandidateRaw {
	return models.CandidateRaw{
		ID:          "vid-1",
		ChannelID:   "chan-1",
		Views:       views,
		Likes:       likes,
		Comments:    comments,
		PublishedAt: time.Now().Add(-age),
	}
}

func TestHeuristicScoreIsDeterministic(t *testing.T) {
	s := HeuristicScorer{}
	item := rawItem(10000, 500, 100, 2*time.Hour)

	a, err := s.Score(context.Background(), item)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	b, err := s.Score(context.Background(), item)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if a != b {
		t.Errorf("expected identical results for identical input, got %+v and %+v", a, b)
	}
}

func TestHeuristicScoreBounds(t *testing.T) {
	s := HeuristicScorer{}
	items := []models.CandidateRaw{
		rawItem(0, 0, 0, time.Minute),
		rawItem(1, 0, 0, 100*24*time.Hour),
		rawItem(50_000_000, 10_000_000, 1_000_000, time.Minute),
	}
	for _, item := range items {
		r, err := s.Score(context.Background(), item)
		if err != nil {
			t.Fatalf("Score: %v", err)
		}
		if r.Score < 0 || r.Score > 1 {
			t.Errorf("score %f out of range for %+v", r.Score, item)
		}
		if r.Confidence < 0 || r.Confidence > 1 {
			t.Errorf("confidence %f out of range for %+v", r.Confidence, item)
		}
	}
}

func TestHeuristicFasterTractionScoresHigher(t *testing.T) {
	s := HeuristicScorer{}

	fast, _ := s.Score(context.Background(), rawItem(20000, 1000, 200, 2*time.Hour))
	slow, _ := s.Score(context.Background(), rawItem(20000, 1000, 200, 200*time.Hour))

	if fast.Score <= slow.Score {
		t.Errorf("expected faster traction to score higher: fast=%f slow=%f", fast.Score, slow.Score)
	}
}

func TestHeuristicConfidenceGrowsWithViews(t *testing.T) {
	s := HeuristicScorer{}

	small, _ := s.Score(context.Background(), rawItem(100, 10, 2, time.Hour))
	large, _ := s.Score(context.Background(), rawItem(100000, 10000, 2000, time.Hour))

	if large.Confidence <= small.Confidence {
		t.Errorf("expected confidence to grow with sample size: small=%f large=%f",
			small.Confidence, large.Confidence)
	}
}

func TestClampResult(t *testing.T) {
	r := clampResult(Result{Score: 1.7, Confidence: -0.2})
	if r.Score != 1 || r.Confidence != 0 {
		t.Errorf("expected clamped result {1 0}, got %+v", r)
	}
}
