// Package ranker orders admissible candidates by priority.
package ranker

import (
	"sort"
	"time"

	"github.com/hollowaydev/promopilot/internal/logger"
	"github.com/hollowaydev/promopilot/internal/models"
)

// Ranker filters candidates against the admission threshold and orders the
// survivors by score.
type Ranker struct {
	threshold float64
}

// New creates a ranker with the given admission threshold.
func New(threshold float64) *Ranker {
	return &Ranker{threshold: threshold}
}

// Rank marks candidates below the threshold Rejected and returns the rest
// as an ordered, restartable sequence: score descending, ties broken by
// oldest source timestamp (so old candidates are not starved), then by ID
// for reproducibility.
//
// The returned sequence is consumed lazily: the caller may stop at its
// per-cycle cap without touching the tail.
func (r *Ranker) Rank(candidates []*models.Candidate) *Ranked {
	admissible := make([]*models.Candidate, 0, len(candidates))
	rejected := 0
	for _, c := range candidates {
		if c.RawScore < r.threshold {
			c.State = models.CandidateRejected
			c.Retryable = false
			c.FailureReason = "score below admission threshold"
			c.UpdatedAt = time.Now()
			rejected++
			continue
		}
		admissible = append(admissible, c)
	}

	sort.SliceStable(admissible, func(i, j int) bool {
		a, b := admissible[i], admissible[j]
		if a.RawScore != b.RawScore {
			return a.RawScore > b.RawScore
		}
		if !a.SourcedAt.Equal(b.SourcedAt) {
			return a.SourcedAt.Before(b.SourcedAt)
		}
		return a.ID < b.ID
	})

	// Normalized priority is ordinal: the rank position rescaled to (0, 1].
	n := len(admissible)
	for i, c := range admissible {
		c.Priority = float64(n-i) / float64(n)
	}

	logger.Debug("Ranked %d candidates: %d admissible, %d below threshold %.2f",
		len(candidates), n, rejected, r.threshold)

	return &Ranked{candidates: admissible}
}

// Ranked is a lazy, finite, restartable iterator over ranked candidates.
type Ranked struct {
	candidates []*models.Candidate
	pos        int
}

// Next returns the next candidate in priority order, or nil when exhausted.
func (r *Ranked) Next() *models.Candidate {
	if r.pos >= len(r.candidates) {
		return nil
	}
	c := r.candidates[r.pos]
	r.pos++
	return c
}

// Reset rewinds the iterator to the start.
func (r *Ranked) Reset() {
	r.pos = 0
}

// Len returns the number of admissible candidates in the sequence.
func (r *Ranked) Len() int {
	return len(r.candidates)
}

// Remaining returns the number of candidates not yet consumed.
func (r *Ranked) Remaining() int {
	return len(r.candidates) - r.pos
}
