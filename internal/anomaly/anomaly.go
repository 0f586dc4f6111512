// Package anomaly screens live campaigns for statistically abnormal
// engagement collapse, such as a platform penalty cutting reach.
package anomaly

import (
	"sync"
	"time"

	"github.com/hollowaydev/promopilot/internal/logger"
	"github.com/hollowaydev/promopilot/internal/models"
)

// Status is a campaign's screening state. InsufficientData and Normal are
// both healthy; Anomalous is sticky until an explicit Reset.
type Status string

const (
	StatusInsufficientData Status = "insufficient_data"
	StatusNormal           Status = "normal"
	StatusAnomalous        Status = "anomalous"
)

// Healthy reports whether the status permits continued spending.
func (s Status) Healthy() bool {
	return s != StatusAnomalous
}

// Config holds the screening parameters.
type Config struct {
	// WindowSize is the number of recent samples the rolling statistics
	// cover.
	WindowSize int
	// StdDevK flags a sample falling more than K rolling standard
	// deviations below the rolling mean.
	StdDevK float64
	// MinSamples is the minimum window support before any flagging, to
	// avoid false positives on sparse early data.
	MinSamples int
}

// campaignWindow is one campaign's isolated screening state. No window is
// ever shared across campaigns.
type campaignWindow struct {
	mu     sync.Mutex
	ring   []float64
	next   int
	count  int
	status Status
	flags  []time.Time
}

func (w *campaignWindow) push(rate float64, size int) {
	if w.count < size {
		w.ring = append(w.ring, rate)
		w.count++
	} else {
		w.ring[w.next] = rate
	}
	w.next = (w.next + 1) % size
}

// window returns the current samples in no particular order, which is all
// mean/std-dev needs.
func (w *campaignWindow) window() []float64 {
	return w.ring[:w.count]
}

// Detector maintains per-campaign sliding windows of engagement rate and
// flags abnormal degradation. Ingest may be called concurrently for
// different campaigns.
type Detector struct {
	cfg       Config
	mu        sync.RWMutex
	campaigns map[string]*campaignWindow
}

// New creates a detector.
func New(cfg Config) *Detector {
	return &Detector{
		cfg:       cfg,
		campaigns: make(map[string]*campaignWindow),
	}
}

func (d *Detector) getOrCreate(campaignID string) *campaignWindow {
	d.mu.RLock()
	w, ok := d.campaigns[campaignID]
	d.mu.RUnlock()
	if ok {
		return w
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if w, ok = d.campaigns[campaignID]; ok {
		return w
	}
	w = &campaignWindow{status: StatusInsufficientData}
	d.campaigns[campaignID] = w
	return w
}

// Track registers a campaign for screening. Registration is idempotent and
// implicit on first Ingest; calling it eagerly makes the campaign visible
// to Status and CountAnomalous before any sample arrives.
func (d *Detector) Track(campaignID string) {
	d.getOrCreate(campaignID)
}

// Ingest consumes one metric sample and returns the campaign's resulting
// status. The newest sample is tested against the rolling statistics of the
// samples before it, then joins the window.
func (d *Detector) Ingest(campaignID string, s models.MetricSample) Status {
	w := d.getOrCreate(campaignID)
	rate := s.EngagementRate()

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.status != StatusAnomalous && w.count >= d.cfg.MinSamples {
		mean, sigma := windowStats(w.window())
		if rate < mean-d.cfg.StdDevK*sigma {
			w.status = StatusAnomalous
			w.flags = append(w.flags, s.Timestamp)
			logger.Warn("Campaign %s flagged anomalous: rate %.5f vs window mean %.5f (sigma %.5f, k=%.1f)",
				campaignID, rate, mean, sigma, d.cfg.StdDevK)
		}
	}

	w.push(rate, d.cfg.WindowSize)

	if w.status == StatusInsufficientData && w.count >= d.cfg.MinSamples {
		w.status = StatusNormal
	}
	return w.status
}

// Status returns the campaign's current screening state. Unknown campaigns
// report InsufficientData.
func (d *Detector) Status(campaignID string) Status {
	d.mu.RLock()
	w, ok := d.campaigns[campaignID]
	d.mu.RUnlock()
	if !ok {
		return StatusInsufficientData
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// MarkAnomalous forces a campaign into the anomalous state. Used when
// screening itself fails for a campaign: the fail-safe direction is toward
// pausing spend, not continuing unchecked.
func (d *Detector) MarkAnomalous(campaignID string) {
	w := d.getOrCreate(campaignID)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status != StatusAnomalous {
		w.status = StatusAnomalous
		w.flags = append(w.flags, time.Now())
	}
}

// Reset clears a sticky anomalous flag after corrective action. A flagged
// campaign never silently resumes; this is the explicit operator path back
// to Normal.
func (d *Detector) Reset(campaignID string) {
	d.mu.RLock()
	w, ok := d.campaigns[campaignID]
	d.mu.RUnlock()
	if !ok {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status == StatusAnomalous {
		w.status = StatusNormal
		logger.Info("Campaign %s anomaly flag reset", campaignID)
	}
}

// Forget drops a terminated campaign's screening state.
func (d *Detector) Forget(campaignID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.campaigns, campaignID)
}

// Flags returns the timestamps at which the campaign was flagged.
func (d *Detector) Flags(campaignID string) []time.Time {
	d.mu.RLock()
	w, ok := d.campaigns[campaignID]
	d.mu.RUnlock()
	if !ok {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]time.Time, len(w.flags))
	copy(out, w.flags)
	return out
}

// CountAnomalous returns how many tracked campaigns are currently flagged.
func (d *Detector) CountAnomalous() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, w := range d.campaigns {
		w.mu.Lock()
		if w.status == StatusAnomalous {
			n++
		}
		w.mu.Unlock()
	}
	return n
}
