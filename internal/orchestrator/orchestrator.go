// Package orchestrator runs the poll-score-admit-allocate-promote loop and
// screens live campaigns for anomalous performance.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hollowaydev/promopilot/internal/anomaly"
	"github.com/hollowaydev/promopilot/internal/bandit"
	"github.com/hollowaydev/promopilot/internal/budget"
	"github.com/hollowaydev/promopilot/internal/logger"
	"github.com/hollowaydev/promopilot/internal/models"
	"github.com/hollowaydev/promopilot/internal/promoter"
	"github.com/hollowaydev/promopilot/internal/ranker"
	"github.com/hollowaydev/promopilot/internal/scorer"
	"github.com/hollowaydev/promopilot/internal/storage"
)

// Source fetches new candidate items from the content channel.
type Source interface {
	FetchNewItems(ctx context.Context, sinceCursor string) ([]models.CandidateRaw, string, error)
}

// Promoter creates and controls live campaigns on the promotion platform.
type Promoter interface {
	Promote(ctx context.Context, candidateID string, alloc models.Allocation) (models.CampaignHandle, error)
	Pause(ctx context.Context, handle models.CampaignHandle) error
	Stop(ctx context.Context, handle models.CampaignHandle) error
}

// MetricsFeed streams performance samples for live campaigns.
type MetricsFeed interface {
	Poll(ctx context.Context, handle models.CampaignHandle, since time.Time) ([]models.MetricSample, error)
}

// Notifier delivers operator-visible alerts. Implementations must tolerate
// being called from inside a cycle; failures are logged, never fatal.
type Notifier interface {
	SendAnomalyAlert(c models.Campaign) error
	SendCapReached(w models.RateWindow) error
}

// RewardPolicy converts a finished campaign's performance into a normalized
// reward in [0,1] for the bandit. The exact formula is an operator policy,
// not a constant.
type RewardPolicy func(c *models.Campaign) float64

// EngagementReward builds the default policy: cumulative engagement rate
// rescaled so that `scale` maps to a full reward of 1.0.
func EngagementReward(scale float64) RewardPolicy {
	return func(c *models.Campaign) float64 {
		views := c.Views
		if views < 1 {
			views = 1
		}
		r := float64(c.Likes+c.Comments) / float64(views) / scale
		if r < 0 {
			return 0
		}
		if r > 1 {
			return 1
		}
		return r
	}
}

// Config holds the orchestrator's loop parameters.
type Config struct {
	PerCandidateBudget  float64
	InterPromotionDelay time.Duration
	PromoterTimeout     time.Duration
	MetricsConcurrency  int
	CheckpointInterval  int
}

// StatusSnapshot is the operator-facing health summary.
type StatusSnapshot struct {
	WindowID           string    `json:"window_id"`
	ActionsToday       int       `json:"actions_today"`
	ActionsRemaining   int       `json:"actions_remaining"`
	ActiveCampaigns    int       `json:"active_campaigns"`
	AnomalousCampaigns int       `json:"anomalous_campaigns"`
	LastCycleStatus    string    `json:"last_cycle_status"`
	LastCycleAt        time.Time `json:"last_cycle_at"`
}

// Orchestrator composes the rate tracker, ranker, bandit, anomaly detector,
// and the external collaborators into the promotion loop.
type Orchestrator struct {
	cfg       Config
	store     *storage.Storage
	tracker   *budget.Tracker
	allocator *bandit.Allocator
	ranker    *ranker.Ranker
	detector  *anomaly.Detector
	source    Source
	scorer    scorer.Scorer
	promoter  Promoter
	feed      MetricsFeed
	notifier  Notifier
	reward    RewardPolicy

	// cycleMu serializes full cycles: the admission loop's reservation
	// outcomes must be visible to the next iteration, so no two admission
	// sequences for one orchestrator may interleave.
	cycleMu    sync.Mutex
	cursor     string
	cycleCount int
	tracked    map[string]*models.Campaign

	// statusMu guards only the fields the health surface reads, so status
	// queries never block behind a running cycle.
	statusMu        sync.Mutex
	lastCycleStatus string
	lastCycleAt     time.Time
	trackedCount    int
}

// New creates an orchestrator and restores restart-safe state: the source
// cursor and every non-terminal campaign, which re-enter screening.
func New(
	cfg Config,
	store *storage.Storage,
	tracker *budget.Tracker,
	allocator *bandit.Allocator,
	rk *ranker.Ranker,
	detector *anomaly.Detector,
	src Source,
	sc scorer.Scorer,
	pr Promoter,
	feed MetricsFeed,
	notifier Notifier,
	reward RewardPolicy,
) (*Orchestrator, error) {
	if cfg.CheckpointInterval < 1 {
		cfg.CheckpointInterval = 1
	}
	if cfg.MetricsConcurrency < 1 {
		cfg.MetricsConcurrency = 1
	}
	o := &Orchestrator{
		cfg:             cfg,
		store:           store,
		tracker:         tracker,
		allocator:       allocator,
		ranker:          rk,
		detector:        detector,
		source:          src,
		scorer:          sc,
		promoter:        pr,
		feed:            feed,
		notifier:        notifier,
		reward:          reward,
		tracked:         make(map[string]*models.Campaign),
		lastCycleStatus: "never_run",
	}

	cursor, err := store.LoadCursor("source")
	if err != nil {
		return nil, fmt.Errorf("failed to restore source cursor: %w", err)
	}
	o.cursor = cursor

	for _, status := range []models.CampaignStatus{models.CampaignActive, models.CampaignPaused} {
		campaigns, err := store.ListCampaignsByStatus(status)
		if err != nil {
			return nil, fmt.Errorf("failed to restore campaigns: %w", err)
		}
		for _, c := range campaigns {
			o.tracked[c.ID] = c
			o.detector.Track(c.ID)
			if len(c.AnomalyFlags) > 0 {
				// The sticky flag survives a restart; only an explicit
				// reset clears it.
				o.detector.MarkAnomalous(c.ID)
			}
		}
	}
	if len(o.tracked) > 0 {
		logger.Info("Restored %d live campaigns for screening", len(o.tracked))
	}
	o.setStatus("never_run")
	return o, nil
}

// RunCycle executes one full poll-admit-screen cycle. Only cycle-level
// failures (source fetch, persistence) surface as errors; per-candidate and
// per-campaign failures are isolated and logged.
func (o *Orchestrator) RunCycle(ctx context.Context) error {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()

	start := time.Now()
	o.cycleCount++

	// Abort before any reservation if the state store is unreachable: the
	// reservation/compensation pattern tolerates no partial writes.
	if err := o.store.Ping(); err != nil {
		o.setStatus("failed")
		return fmt.Errorf("state store unreachable: %w", err)
	}

	items, nextCursor, err := o.source.FetchNewItems(ctx, o.cursor)
	if err != nil {
		o.setStatus("failed")
		return fmt.Errorf("failed to fetch candidates: %w", err)
	}
	logger.Info("Fetched %d candidate items (cursor %q)", len(items), o.cursor)

	candidates, skipped := o.collect(ctx, items)
	candidates = o.mergeResumable(candidates)
	ranked := o.ranker.Rank(candidates)
	o.persistRejected(candidates)

	admitted, err := o.admit(ctx, ranked)
	if err != nil {
		if ctx.Err() != nil {
			o.setStatus("cancelled")
		} else {
			o.setStatus("failed")
		}
		return err
	}
	logger.Info("Admission pass complete: %d promoted out of %d admissible", admitted, ranked.Len())

	o.persistPending(candidates)
	o.screen(ctx)

	if skipped > 0 {
		// Advancing past unscored items would lose them for good: the
		// source only serves items published after the cursor.
		logger.Warn("Holding source cursor at %q: %d items unscored", o.cursor, skipped)
	} else {
		o.cursor = nextCursor
		if err := o.store.SaveCursor("source", o.cursor); err != nil {
			logger.Warn("Failed to persist source cursor: %v", err)
		}
	}
	if o.cycleCount%o.cfg.CheckpointInterval == 0 {
		o.checkpoint()
	}

	o.setStatus("ok")
	logger.Info("Cycle completed in %v", time.Since(start))
	return nil
}

// collect deduplicates fetched items against already-processed state and
// scores the new ones. Scoring failure is fail-closed: the item is skipped
// this cycle and counted, and the caller holds the cursor back so the next
// fetch serves it again. The second return value is that skip count.
func (o *Orchestrator) collect(ctx context.Context, items []models.CandidateRaw) ([]*models.Candidate, int) {
	var out []*models.Candidate
	skipped := 0
	seenThisCycle := make(map[string]bool, len(items))

	for _, raw := range items {
		if raw.ID == "" || seenThisCycle[raw.ID] {
			continue
		}
		seenThisCycle[raw.ID] = true

		existing, err := o.store.GetCandidate(raw.ID)
		if err != nil {
			logger.Warn("Failed to look up candidate %s: %v", raw.ID, err)
			skipped++
			continue
		}
		if existing != nil && existing.Terminal() {
			continue
		}

		result, err := o.scorer.Score(ctx, raw)
		if err != nil {
			logger.Warn("Scorer unavailable for %s, skipping this cycle: %v", raw.ID, err)
			skipped++
			continue
		}

		c := &models.Candidate{
			ID:         raw.ID,
			ChannelID:  raw.ChannelID,
			Title:      raw.Title,
			URL:        raw.URL,
			SourcedAt:  raw.PublishedAt,
			RawScore:   result.Score,
			Confidence: result.Confidence,
			State:      models.CandidatePending,
			UpdatedAt:  time.Now(),
		}
		out = append(out, c)
	}
	return out, skipped
}

// mergeResumable folds stored candidates that can still be promoted back
// into the cycle: pending leftovers from a capped pass and retryable
// rejections from transient promoter failures. Freshly fetched versions of
// the same item win, since they carry a just-computed score.
func (o *Orchestrator) mergeResumable(fresh []*models.Candidate) []*models.Candidate {
	stored, err := o.store.ListResumableCandidates()
	if err != nil {
		logger.Warn("Failed to load resumable candidates: %v", err)
		return fresh
	}

	inCycle := make(map[string]bool, len(fresh))
	for _, c := range fresh {
		inCycle[c.ID] = true
	}
	resumed := 0
	for _, c := range stored {
		if inCycle[c.ID] {
			continue
		}
		c.State = models.CandidatePending
		c.Retryable = false
		c.FailureReason = ""
		fresh = append(fresh, c)
		resumed++
	}
	if resumed > 0 {
		logger.Info("Resumed %d stored candidates into the admission pass", resumed)
	}
	return fresh
}

// persistRejected records score-rejected candidates so later cursor
// re-fetches skip them.
func (o *Orchestrator) persistRejected(candidates []*models.Candidate) {
	for _, c := range candidates {
		if c.State != models.CandidateRejected {
			continue
		}
		if err := o.store.SaveCandidate(c); err != nil {
			logger.Warn("Failed to persist rejected candidate %s: %v", c.ID, err)
		}
	}
}

// persistPending records candidates the admission pass did not reach, so a
// later cycle can resume them even though the cursor has moved past them.
func (o *Orchestrator) persistPending(candidates []*models.Candidate) {
	for _, c := range candidates {
		if c.State != models.CandidatePending {
			continue
		}
		c.UpdatedAt = time.Now()
		if err := o.store.SaveCandidate(c); err != nil {
			logger.Warn("Failed to persist pending candidate %s: %v", c.ID, err)
		}
	}
}

// admit runs the strictly sequential admission loop. It stops at the rate
// cap, on budget exhaustion, or on cancellation; a granted reservation is
// always either matched by a campaign or released.
func (o *Orchestrator) admit(ctx context.Context, ranked *ranker.Ranked) (int, error) {
	cap := o.tracker.Remaining()
	if cap <= 0 {
		logger.Info("Daily action budget already exhausted, skipping admission")
		return 0, nil
	}

	admitted := 0
	for taken := 0; taken < cap; taken++ {
		if err := ctx.Err(); err != nil {
			return admitted, err
		}

		cand := ranked.Next()
		if cand == nil {
			break
		}
		cand.State = models.CandidateAdmitted

		res, err := o.tracker.TryReserve(1)
		if errors.Is(err, budget.ErrRateExceeded) {
			// Normal exhaustion, not an error: another caller consumed
			// the remaining budget.
			cand.State = models.CandidatePending
			logger.Info("Rate budget exhausted mid-pass after %d promotions", admitted)
			o.notifyCapReached()
			break
		}
		if err != nil {
			return admitted, fmt.Errorf("reservation failed: %w", err)
		}

		if o.promoteOne(ctx, cand, res) {
			admitted++
		}

		if o.cfg.InterPromotionDelay > 0 && ranked.Remaining() > 0 {
			select {
			case <-ctx.Done():
				return admitted, ctx.Err()
			case <-time.After(o.cfg.InterPromotionDelay):
			}
		}
	}
	return admitted, nil
}

// promoteOne reserves, allocates, and promotes a single candidate. All
// failures are isolated to the candidate: the reservation is released and
// the loop moves on. Returns true when a campaign went live.
func (o *Orchestrator) promoteOne(ctx context.Context, cand *models.Candidate, res *budget.Reservation) bool {
	alloc, err := o.allocator.SelectAllocation(o.cfg.PerCandidateBudget)
	if err != nil {
		// Allocator failure must not poison the rest of the pass.
		logger.Error("Budget allocation failed for %s: %v", cand.ID, err)
		o.releaseReservation(res)
		cand.State = models.CandidatePending
		return false
	}

	pctx, cancel := context.WithTimeout(ctx, o.cfg.PromoterTimeout)
	defer cancel()

	handle, err := o.promoter.Promote(pctx, cand.ID, alloc)
	if err != nil {
		o.releaseReservation(res)
		permanent := promoter.IsPermanent(err)
		cand.State = models.CandidateRejected
		cand.Retryable = !permanent
		cand.FailureReason = err.Error()
		cand.UpdatedAt = time.Now()
		if err := o.store.SaveCandidate(cand); err != nil {
			logger.Warn("Failed to persist rejection for %s: %v", cand.ID, err)
		}
		logger.Warn("Promotion failed for %s (permanent=%v): %v", cand.ID, permanent, err)
		return false
	}

	now := time.Now()
	campaign := &models.Campaign{
		ID:          uuid.New().String(),
		CandidateID: cand.ID,
		ArmID:       alloc.PrimaryArmID,
		Handle:      handle,
		Budget:      alloc.TotalBudget,
		Status:      models.CampaignActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	cand.State = models.CandidatePromoted
	cand.UpdatedAt = now
	if err := o.store.SaveCandidate(cand); err != nil {
		logger.Warn("Failed to persist promoted candidate %s: %v", cand.ID, err)
	}
	if err := o.store.SaveCampaign(campaign); err != nil {
		logger.Warn("Failed to persist campaign %s: %v", campaign.ID, err)
	}

	o.tracked[campaign.ID] = campaign
	o.detector.Track(campaign.ID)

	logger.Info("Promoted %s as campaign %s (arm %s, budget %.2f)",
		cand.ID, campaign.ID, campaign.ArmID, campaign.Budget)
	return true
}

func (o *Orchestrator) releaseReservation(res *budget.Reservation) {
	if err := o.tracker.Release(res); err != nil {
		logger.Error("Failed to release reservation %s: %v", res.ID, err)
	}
}

// screen pulls pending metric samples for every tracked campaign, feeds
// them to the anomaly detector, and applies the resulting transitions:
// a newly flagged campaign is paused; a campaign still flagged on the next
// pass (no operator reset) is stopped; a campaign that spent its budget
// completes. Rewards reach the bandit when a campaign stops or completes.
func (o *Orchestrator) screen(ctx context.Context) {
	if len(o.tracked) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.MetricsConcurrency)

	for _, c := range o.tracked {
		c := c
		g.Go(func() error {
			o.ingestCampaign(gctx, c)
			return nil
		})
	}
	_ = g.Wait()

	for id, c := range o.tracked {
		o.applyTransitions(ctx, c)
		if err := o.store.SaveCampaign(c); err != nil {
			logger.Warn("Failed to persist campaign %s: %v", c.ID, err)
		}
		if c.Status.Terminal() {
			o.detector.Forget(c.ID)
			delete(o.tracked, id)
		}
	}
}

// ingestCampaign polls one campaign's feed and forwards samples to the
// detector. Each campaign is handled by exactly one goroutine per pass, so
// the campaign struct needs no locking here.
func (o *Orchestrator) ingestCampaign(ctx context.Context, c *models.Campaign) {
	defer func() {
		if r := recover(); r != nil {
			// Fail safe toward pausing spend rather than continuing
			// unchecked.
			logger.Error("Screening panic for campaign %s: %v", c.ID, r)
			o.detector.MarkAnomalous(c.ID)
		}
	}()

	samples, err := o.feed.Poll(ctx, c.Handle, c.MetricsCursor)
	if err != nil {
		logger.Warn("Metrics poll failed for campaign %s: %v", c.ID, err)
		return
	}

	for _, s := range samples {
		o.detector.Ingest(c.ID, s)
		c.Views = s.Views
		c.Likes = s.Likes
		c.Comments = s.Comments
		c.Reach = s.Reach
		if s.Spend > c.Spend {
			c.Spend = s.Spend
		}
		if s.Timestamp.After(c.MetricsCursor) {
			c.MetricsCursor = s.Timestamp
		}
	}
	if len(samples) > 0 {
		c.UpdatedAt = time.Now()
	}
}

// applyTransitions moves one campaign through its status machine based on
// the detector verdict and spend.
func (o *Orchestrator) applyTransitions(ctx context.Context, c *models.Campaign) {
	anomalous := o.detector.Status(c.ID) == anomaly.StatusAnomalous

	switch {
	case c.Status == models.CampaignActive && anomalous:
		if err := o.promoter.Pause(ctx, c.Handle); err != nil {
			logger.Error("Failed to pause anomalous campaign %s: %v", c.ID, err)
			return // stay Active; retried next pass while the flag holds
		}
		c.Status = models.CampaignPaused
		c.AnomalyFlags = o.detector.Flags(c.ID)
		c.UpdatedAt = time.Now()
		logger.Warn("Campaign %s paused on anomaly flag", c.ID)
		o.notifyAnomaly(*c)

	case c.Status == models.CampaignPaused && anomalous:
		// One full cycle has passed with no operator reset: stop for good
		// and let the bandit learn from the outcome.
		if err := o.promoter.Stop(ctx, c.Handle); err != nil {
			logger.Error("Failed to stop campaign %s: %v", c.ID, err)
			return
		}
		c.Status = models.CampaignStopped
		c.UpdatedAt = time.Now()
		o.observeReward(c)
		logger.Info("Campaign %s stopped after unresolved anomaly", c.ID)

	case c.Status == models.CampaignActive && c.Spend >= c.Budget:
		if err := o.promoter.Stop(ctx, c.Handle); err != nil {
			logger.Warn("Failed to stop completed campaign %s: %v", c.ID, err)
		}
		c.Status = models.CampaignCompleted
		c.UpdatedAt = time.Now()
		o.observeReward(c)
		logger.Info("Campaign %s completed (spend %.2f of %.2f)", c.ID, c.Spend, c.Budget)
	}
}

// observeReward feeds a finished campaign's realized performance into the
// bandit exactly once.
func (o *Orchestrator) observeReward(c *models.Campaign) {
	if c.RewardObserved {
		return
	}
	r := o.reward(c)
	if err := o.allocator.Observe(c.ArmID, r); err != nil {
		logger.Error("Failed to observe reward for campaign %s: %v", c.ID, err)
		return
	}
	c.RewardObserved = true
	logger.Debug("Observed reward %.3f for arm %s (campaign %s)", r, c.ArmID, c.ID)
}

// ResetAnomaly clears a campaign's sticky anomaly flag after operator
// corrective action. A paused campaign returns to active screening, so it
// can still run to completion and report its reward; the operator resumes
// actual delivery on the platform side.
func (o *Orchestrator) ResetAnomaly(campaignID string) {
	o.detector.Reset(campaignID)

	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()
	c, ok := o.tracked[campaignID]
	if !ok || c.Status != models.CampaignPaused {
		return
	}
	c.Status = models.CampaignActive
	c.UpdatedAt = time.Now()
	if err := o.store.SaveCampaign(c); err != nil {
		logger.Warn("Failed to persist campaign %s: %v", c.ID, err)
	}
	logger.Info("Campaign %s reactivated after anomaly reset", c.ID)
}

// checkpoint persists arm statistics and the rate window. The tracker
// writes through on every mutation; this pass covers arms and doubles as
// the shutdown flush.
func (o *Orchestrator) checkpoint() {
	for _, arm := range o.allocator.Snapshot() {
		if err := o.store.SaveArm(arm); err != nil {
			logger.Warn("Failed to checkpoint arm %s: %v", arm.ID, err)
		}
	}
	if err := o.store.SaveRateWindow(o.tracker.Snapshot()); err != nil {
		logger.Warn("Failed to checkpoint rate window: %v", err)
	}
}

// Shutdown flushes persisted state before exit.
func (o *Orchestrator) Shutdown() {
	o.cycleMu.Lock()
	defer o.cycleMu.Unlock()
	logger.Info("Checkpointing %d arms and %d campaigns before shutdown",
		len(o.allocator.Snapshot()), len(o.tracked))
	o.checkpoint()
	for _, c := range o.tracked {
		if err := o.store.SaveCampaign(c); err != nil {
			logger.Warn("Failed to persist campaign %s: %v", c.ID, err)
		}
	}
}

// Status returns the operator-facing health summary. It never blocks
// behind a running cycle.
func (o *Orchestrator) Status() StatusSnapshot {
	w := o.tracker.Snapshot()

	o.statusMu.Lock()
	defer o.statusMu.Unlock()
	return StatusSnapshot{
		WindowID:           w.WindowID,
		ActionsToday:       w.ActionsTaken,
		ActionsRemaining:   w.ActionsLimit - w.ActionsTaken,
		ActiveCampaigns:    o.trackedCount,
		AnomalousCampaigns: o.detector.CountAnomalous(),
		LastCycleStatus:    o.lastCycleStatus,
		LastCycleAt:        o.lastCycleAt,
	}
}

func (o *Orchestrator) setStatus(status string) {
	o.statusMu.Lock()
	defer o.statusMu.Unlock()
	o.lastCycleStatus = status
	o.lastCycleAt = time.Now()
	o.trackedCount = len(o.tracked)
}

func (o *Orchestrator) notifyAnomaly(c models.Campaign) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.SendAnomalyAlert(c); err != nil {
		logger.Warn("Failed to send anomaly alert for campaign %s: %v", c.ID, err)
	}
}

func (o *Orchestrator) notifyCapReached() {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.SendCapReached(o.tracker.Snapshot()); err != nil {
		logger.Warn("Failed to send cap-reached alert: %v", err)
	}
}
