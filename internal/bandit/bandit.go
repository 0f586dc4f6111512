// Package bandit allocates promotion budget across competing arms with an
// upper-confidence-bound policy.
package bandit

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/hollowaydev/promopilot/internal/logger"
	"github.com/hollowaydev/promopilot/internal/models"
)

const epsilon = 1e-9

// Config holds the allocation policy parameters.
type Config struct {
	// ExplorationCoefficient is the c in mean + c*sqrt(ln(N)/n).
	ExplorationCoefficient float64
	// MinFraction and MaxFraction bound every arm's share of one budget:
	// the floor preserves statistical power, the ceiling caps downside risk.
	MinFraction float64
	MaxFraction float64
	// Seed drives the tie-break generator. Allocation is otherwise a pure
	// function of accumulated arm statistics.
	Seed int64
}

type armState struct {
	mu  sync.Mutex
	arm models.Arm
}

// Allocator splits budgets over a fixed, closed set of arms and learns from
// observed rewards. Observe calls may arrive concurrently from different
// completed campaigns; each arm's statistics update under its own lock.
type Allocator struct {
	cfg  Config
	arms []*armState
	byID map[string]*armState

	mu          sync.Mutex // guards nextExplore and rng
	nextExplore int
	rng         *rand.Rand
}

// New creates an allocator over the given arms. Restored statistics (from a
// previous run) are carried in the arm values. The fraction bounds must be
// feasible for the arm count: min*n <= 1 <= max*n.
func New(cfg Config, arms []models.Arm) (*Allocator, error) {
	if len(arms) < 2 {
		return nil, fmt.Errorf("bandit requires at least 2 arms, got %d", len(arms))
	}
	n := float64(len(arms))
	if cfg.MinFraction < 0 || cfg.MinFraction*n > 1.0+epsilon {
		return nil, fmt.Errorf("min fraction %.3f infeasible for %d arms", cfg.MinFraction, len(arms))
	}
	if cfg.MaxFraction > 1.0 || cfg.MaxFraction*n < 1.0-epsilon {
		return nil, fmt.Errorf("max fraction %.3f infeasible for %d arms", cfg.MaxFraction, len(arms))
	}
	if cfg.ExplorationCoefficient <= 0 {
		return nil, fmt.Errorf("exploration coefficient must be positive")
	}

	a := &Allocator{
		cfg:  cfg,
		byID: make(map[string]*armState, len(arms)),
		rng:  rand.New(rand.NewSource(cfg.Seed)),
	}
	for _, arm := range arms {
		if err := arm.Validate(); err != nil {
			return nil, fmt.Errorf("invalid arm %q: %w", arm.ID, err)
		}
		if _, dup := a.byID[arm.ID]; dup {
			return nil, fmt.Errorf("duplicate arm %q", arm.ID)
		}
		st := &armState{arm: arm}
		a.arms = append(a.arms, st)
		a.byID[arm.ID] = st
	}
	return a, nil
}

// Observe records a reward for one arm. Rewards outside [0,1] are clamped,
// not rejected.
func (a *Allocator) Observe(armID string, reward float64) error {
	st, ok := a.byID[armID]
	if !ok {
		return fmt.Errorf("unknown arm %q", armID)
	}
	if reward < 0 {
		reward = 0
	} else if reward > 1 {
		reward = 1
	}

	st.mu.Lock()
	st.arm.Pulls++
	st.arm.RewardSum += reward
	st.arm.RewardSumSquared += reward * reward
	pulls, mean := st.arm.Pulls, st.arm.MeanReward()
	st.mu.Unlock()

	logger.Debug("Arm %s observed reward %.3f (pulls=%d mean=%.3f)", armID, reward, pulls, mean)
	return nil
}

// Snapshot returns a copy of every arm's statistics, in declaration order.
func (a *Allocator) Snapshot() []models.Arm {
	out := make([]models.Arm, 0, len(a.arms))
	for _, st := range a.arms {
		st.mu.Lock()
		out = append(out, st.arm)
		st.mu.Unlock()
	}
	return out
}

// SelectAllocation splits totalBudget across all arms for the next
// promotion. The split is a softmax over UCB scores, clamped to the
// configured fraction bounds and renormalized to sum to exactly 1.0.
// Arms that have never been pulled take priority, visited round-robin,
// until every arm has at least one observation.
func (a *Allocator) SelectAllocation(totalBudget float64) (models.Allocation, error) {
	if totalBudget <= 0 {
		return models.Allocation{}, fmt.Errorf("total budget must be positive, got %f", totalBudget)
	}

	stats := a.Snapshot()
	var totalPulls int64
	for _, arm := range stats {
		totalPulls += arm.Pulls
	}

	fractions := make(map[string]float64, len(stats))
	var primary string

	unpulled := make([]int, 0, len(stats))
	for i, arm := range stats {
		if arm.Pulls == 0 {
			unpulled = append(unpulled, i)
		}
	}

	if len(unpulled) > 0 {
		// Forced exploration: the unexplored arms split the budget evenly
		// and the round-robin cursor picks which one the campaign is
		// attributed to.
		share := 1.0 / float64(len(unpulled))
		for _, arm := range stats {
			fractions[arm.ID] = 0
		}
		for _, i := range unpulled {
			fractions[stats[i].ID] = share
		}
		primary = stats[a.advanceExplore(stats)].ID
	} else {
		scores := make([]float64, len(stats))
		maxScore := math.Inf(-1)
		for i, arm := range stats {
			scores[i] = arm.MeanReward() +
				a.cfg.ExplorationCoefficient*math.Sqrt(math.Log(float64(totalPulls))/float64(arm.Pulls))
			if scores[i] > maxScore {
				maxScore = scores[i]
			}
		}

		var sum float64
		weights := make([]float64, len(stats))
		for i, s := range scores {
			weights[i] = math.Exp(s - maxScore) // shift for numeric stability
			sum += weights[i]
		}
		for i, arm := range stats {
			fractions[arm.ID] = weights[i] / sum
		}

		primary = stats[a.pickTop(scores)].ID
	}

	a.clampAndRenormalize(fractions)

	return models.Allocation{
		TotalBudget:  totalBudget,
		Fractions:    fractions,
		PrimaryArmID: primary,
	}, nil
}

// advanceExplore returns the index of the next unpulled arm at or after the
// round-robin cursor, then advances the cursor past it.
func (a *Allocator) advanceExplore(stats []models.Arm) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(stats)
	for off := 0; off < n; off++ {
		i := (a.nextExplore + off) % n
		if stats[i].Pulls == 0 {
			a.nextExplore = (i + 1) % n
			return i
		}
	}
	return a.nextExplore % n // unreachable: caller checked unpulled is non-empty
}

// pickTop returns the index of the highest UCB score, breaking exact ties
// with the seeded generator.
func (a *Allocator) pickTop(scores []float64) int {
	best := math.Inf(-1)
	var tied []int
	for i, s := range scores {
		switch {
		case s > best+epsilon:
			best = s
			tied = tied[:0]
			tied = append(tied, i)
		case math.Abs(s-best) <= epsilon:
			tied = append(tied, i)
		}
	}
	if len(tied) == 1 {
		return tied[0]
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return tied[a.rng.Intn(len(tied))]
}

// clampAndRenormalize projects the fractions into [MinFraction, MaxFraction]
// while keeping their sum at exactly 1.0. Residual mass after clamping is
// redistributed over the arms that still have headroom; feasibility is
// guaranteed by the bound check in New.
func (a *Allocator) clampAndRenormalize(fractions map[string]float64) {
	ids := make([]string, 0, len(fractions))
	for _, st := range a.arms {
		ids = append(ids, st.arm.ID)
	}

	for iter := 0; iter < 100; iter++ {
		var sum float64
		for _, id := range ids {
			f := fractions[id]
			if f < a.cfg.MinFraction {
				f = a.cfg.MinFraction
			} else if f > a.cfg.MaxFraction {
				f = a.cfg.MaxFraction
			}
			fractions[id] = f
			sum += f
		}

		diff := sum - 1.0
		if math.Abs(diff) <= epsilon {
			return
		}

		if diff > 0 {
			// Too much mass: shave it off arms sitting above the floor,
			// proportionally to their slack.
			var slack float64
			for _, id := range ids {
				slack += fractions[id] - a.cfg.MinFraction
			}
			if slack <= epsilon {
				return
			}
			for _, id := range ids {
				fractions[id] -= diff * (fractions[id] - a.cfg.MinFraction) / slack
			}
		} else {
			// Too little: pour the deficit into arms below the ceiling,
			// proportionally to their headroom.
			var headroom float64
			for _, id := range ids {
				headroom += a.cfg.MaxFraction - fractions[id]
			}
			if headroom <= epsilon {
				return
			}
			for _, id := range ids {
				fractions[id] += -diff * (a.cfg.MaxFraction - fractions[id]) / headroom
			}
		}
	}
}
