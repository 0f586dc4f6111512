// Package models defines the core domain entities: candidates, campaigns,
// bandit arms, and metric samples.
package models

import (
	"errors"
	"time"
)

// CandidateState tracks a candidate through the admission pipeline.
type CandidateState string

const (
	CandidatePending  CandidateState = "pending"
	CandidateAdmitted CandidateState = "admitted"
	CandidateRejected CandidateState = "rejected"
	CandidatePromoted CandidateState = "promoted"
)

// CandidateRaw is an item as returned by the content source, before scoring.
type CandidateRaw struct {
	ID          string    `json:"id"`
	ChannelID   string    `json:"channel_id"`
	Title       string    `json:"title"`
	URL         string    `json:"url,omitempty"`
	PublishedAt time.Time `json:"published_at"`
	Views       int64     `json:"views"`
	Likes       int64     `json:"likes"`
	Comments    int64     `json:"comments"`
	DurationSec int       `json:"duration_sec,omitempty"`
}

// Candidate is a pending promotable item. It is owned by the orchestrator
// for its whole lifetime; no two poll cycles mutate it concurrently.
type Candidate struct {
	ID            string
	ChannelID     string
	Title         string
	URL           string
	SourcedAt     time.Time
	RawScore      float64
	Confidence    float64
	Priority      float64
	State         CandidateState
	Retryable     bool
	FailureReason string
	UpdatedAt     time.Time
}

// Validate checks candidate field constraints.
func (c *Candidate) Validate() error {
	if c.ID == "" {
		return errors.New("candidate ID must not be empty")
	}
	if c.SourcedAt.IsZero() {
		return errors.New("candidate sourced-at timestamp must be set")
	}
	if c.RawScore < 0.0 || c.RawScore > 1.0 {
		return errors.New("candidate raw score must be between 0.0 and 1.0")
	}
	if c.Confidence < 0.0 || c.Confidence > 1.0 {
		return errors.New("candidate confidence must be between 0.0 and 1.0")
	}
	switch c.State {
	case CandidatePending, CandidateAdmitted, CandidateRejected, CandidatePromoted:
	default:
		return errors.New("unknown candidate state: " + string(c.State))
	}
	return nil
}

// Terminal reports whether the candidate can never be admitted again.
// Retryable rejections (transient promoter failures) are not terminal.
func (c *Candidate) Terminal() bool {
	if c.State == CandidatePromoted {
		return true
	}
	return c.State == CandidateRejected && !c.Retryable
}
