package models

import "errors"

// Arm is one discrete allocation target (an audience × geography segment)
// with its accumulated reward statistics. Arms form a fixed, closed set
// declared at configuration time and are never deleted during a run.
type Arm struct {
	ID               string
	Label            string
	Pulls            int64
	RewardSum        float64
	RewardSumSquared float64
}

// MeanReward returns the arm's empirical mean, or 0 when it has no pulls.
func (a *Arm) MeanReward() float64 {
	if a.Pulls == 0 {
		return 0
	}
	return a.RewardSum / float64(a.Pulls)
}

// Validate checks arm field constraints.
func (a *Arm) Validate() error {
	if a.ID == "" {
		return errors.New("arm ID must not be empty")
	}
	if a.Pulls < 0 {
		return errors.New("arm pulls must not be negative")
	}
	if a.Pulls == 0 && (a.RewardSum != 0 || a.RewardSumSquared != 0) {
		return errors.New("arm reward sums must be zero with zero pulls")
	}
	return nil
}

// Allocation is a budget split produced by the bandit for one promotion.
// Fractions sum to 1.0 over the full arm set; PrimaryArmID is the arm the
// resulting campaign is attributed to for reward observation.
type Allocation struct {
	TotalBudget  float64
	Fractions    map[string]float64
	PrimaryArmID string
}

// BudgetFor returns the absolute budget assigned to one arm.
func (a Allocation) BudgetFor(armID string) float64 {
	return a.TotalBudget * a.Fractions[armID]
}

// RateWindow is the persisted daily action counter. It is mutated only by
// the rate budget tracker under a single-writer discipline.
type RateWindow struct {
	WindowID     string
	ActionsTaken int
	ActionsLimit int
}

// Validate checks the window counter invariant.
func (w *RateWindow) Validate() error {
	if w.WindowID == "" {
		return errors.New("rate window ID must not be empty")
	}
	if w.ActionsLimit <= 0 {
		return errors.New("rate window actions limit must be positive")
	}
	if w.ActionsTaken < 0 || w.ActionsTaken > w.ActionsLimit {
		return errors.New("rate window actions taken out of range")
	}
	return nil
}
