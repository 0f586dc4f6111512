package models

import (
	"errors"
	"time"
)

// CampaignHandle is the promotion platform's opaque identifier for a live
// campaign. All Promoter calls after creation are keyed by it.
type CampaignHandle string

// CampaignStatus tracks a live campaign's lifecycle.
type CampaignStatus string

const (
	CampaignActive    CampaignStatus = "active"
	CampaignPaused    CampaignStatus = "paused"
	CampaignStopped   CampaignStatus = "stopped"
	CampaignCompleted CampaignStatus = "completed"
)

// Terminal reports whether the campaign has finished spending.
func (s CampaignStatus) Terminal() bool {
	return s == CampaignStopped || s == CampaignCompleted
}

// Campaign is one live promotion instance, created by a successful Promoter
// call and screened by the anomaly detector until it terminates.
type Campaign struct {
	ID          string
	CandidateID string
	ArmID       string
	Handle      CampaignHandle
	Budget      float64
	Spend       float64

	// Cumulative engagement pulled from the metrics feed.
	Views    int64
	Likes    int64
	Comments int64
	Reach    int64

	Status         CampaignStatus
	AnomalyFlags   []time.Time
	RewardObserved bool
	MetricsCursor  time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks campaign field constraints.
func (c *Campaign) Validate() error {
	if c.ID == "" {
		return errors.New("campaign ID must not be empty")
	}
	if c.CandidateID == "" {
		return errors.New("campaign candidate ID must not be empty")
	}
	if c.ArmID == "" {
		return errors.New("campaign arm ID must not be empty")
	}
	if c.Handle == "" {
		return errors.New("campaign handle must not be empty")
	}
	if c.Budget <= 0 {
		return errors.New("campaign budget must be positive")
	}
	if c.Spend < 0 {
		return errors.New("campaign spend must not be negative")
	}
	switch c.Status {
	case CampaignActive, CampaignPaused, CampaignStopped, CampaignCompleted:
	default:
		return errors.New("unknown campaign status: " + string(c.Status))
	}
	return nil
}

// MetricSample is an immutable, timestamped snapshot of engagement counters
// for one campaign. Samples are append-only and consumed in sliding windows.
type MetricSample struct {
	CampaignID string    `json:"campaign_id"`
	Timestamp  time.Time `json:"timestamp"`
	Views      int64     `json:"views"`
	Likes      int64     `json:"likes"`
	Comments   int64     `json:"comments"`
	Reach      int64     `json:"reach"`
	Spend      float64   `json:"spend"`
}

// EngagementRate is the derived ratio screened for anomalies.
func (s MetricSample) EngagementRate() float64 {
	views := s.Views
	if views < 1 {
		views = 1
	}
	return float64(s.Likes+s.Comments) / float64(views)
}
