package bandit

import (
	"math"
	"sync"
	"testing"

	"github.com/hollowaydev/promopilot/internal/models"
)

func testConfig() Config {
	return Config{
		ExplorationCoefficient: 1.4,
		MinFraction:            0.05,
		MaxFraction:            0.6,
		Seed:                   1,
	}
}

func testArms(ids ...string) []models.Arm {
	arms := make([]models.Arm, 0, len(ids))
	for _, id := range ids {
		arms = append(arms, models.Arm{ID: id, Label: id})
	}
	return arms
}

func newTestAllocator(t *testing.T, arms []models.Arm) *Allocator {
	t.Helper()
	a, err := New(testConfig(), arms)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestNewRejectsInfeasibleBounds(t *testing.T) {
	cfg := testConfig()
	cfg.MinFraction = 0.5 // 3 arms * 0.5 > 1
	if _, err := New(cfg, testArms("a", "b", "c")); err == nil {
		t.Error("expected error for infeasible min fraction")
	}

	cfg = testConfig()
	cfg.MaxFraction = 0.2 // 3 arms * 0.2 < 1
	if _, err := New(cfg, testArms("a", "b", "c")); err == nil {
		t.Error("expected error for infeasible max fraction")
	}

	if _, err := New(testConfig(), testArms("solo")); err == nil {
		t.Error("expected error for single arm")
	}

	if _, err := New(testConfig(), testArms("a", "a")); err == nil {
		t.Error("expected error for duplicate arms")
	}
}

// Allocation normalization invariant: fractions sum to 1.0 and every
// fraction lies within [MinFraction, MaxFraction].
func TestSelectAllocationNormalization(t *testing.T) {
	arms := testArms("a", "b", "c", "d")
	a := newTestAllocator(t, arms)

	// Run through several statistics regimes: fresh, partially explored,
	// heavily skewed.
	steps := []func(){
		func() {},
		func() { _ = a.Observe("a", 0.9) },
		func() { _ = a.Observe("b", 0.1); _ = a.Observe("c", 0.5); _ = a.Observe("d", 0.4) },
		func() {
			for i := 0; i < 50; i++ {
				_ = a.Observe("a", 1.0)
			}
		},
	}

	for step, mutate := range steps {
		mutate()
		alloc, err := a.SelectAllocation(100)
		if err != nil {
			t.Fatalf("step %d: SelectAllocation: %v", step, err)
		}
		var sum float64
		for id, f := range alloc.Fractions {
			if f < testConfig().MinFraction-1e-9 || f > testConfig().MaxFraction+1e-9 {
				t.Errorf("step %d: fraction %s = %f outside bounds", step, id, f)
			}
			sum += f
		}
		if math.Abs(sum-1.0) > 1e-6 {
			t.Errorf("step %d: fractions sum to %f, want 1.0", step, sum)
		}
	}
}

// UCB exploration monotonicity: an arm with zero pulls takes priority over
// any pulled arm for at least the first num_arms selections.
func TestForcedExplorationRoundRobin(t *testing.T) {
	arms := testArms("a", "b", "c")
	a := newTestAllocator(t, arms)

	seen := make(map[string]bool)
	for i := 0; i < len(arms); i++ {
		alloc, err := a.SelectAllocation(10)
		if err != nil {
			t.Fatalf("SelectAllocation: %v", err)
		}
		if seen[alloc.PrimaryArmID] {
			t.Errorf("selection %d revisited arm %s before full rotation", i, alloc.PrimaryArmID)
		}
		seen[alloc.PrimaryArmID] = true
		// Simulate the campaign finishing so the arm is no longer unpulled.
		if err := a.Observe(alloc.PrimaryArmID, 0.5); err != nil {
			t.Fatalf("Observe: %v", err)
		}
	}
	if len(seen) != len(arms) {
		t.Errorf("rotation covered %d arms, want %d", len(seen), len(arms))
	}
}

// Two arms, A pulled 10 times at mean 0.8, B never pulled: B must still get
// at least MinFraction despite A's record, and B is the primary.
func TestUnpulledArmGetsMinFraction(t *testing.T) {
	a := newTestAllocator(t, testArms("a", "b"))
	for i := 0; i < 10; i++ {
		_ = a.Observe("a", 0.8)
	}

	alloc, err := a.SelectAllocation(100)
	if err != nil {
		t.Fatalf("SelectAllocation: %v", err)
	}
	if alloc.PrimaryArmID != "b" {
		t.Errorf("primary = %s, want unpulled arm b", alloc.PrimaryArmID)
	}
	if alloc.Fractions["b"] < testConfig().MinFraction {
		t.Errorf("unpulled arm fraction = %f, below min %f", alloc.Fractions["b"], testConfig().MinFraction)
	}
	if alloc.Fractions["a"] < testConfig().MinFraction {
		t.Errorf("pulled arm fraction = %f, below min %f", alloc.Fractions["a"], testConfig().MinFraction)
	}
}

func TestHigherMeanGetsLargerShare(t *testing.T) {
	a := newTestAllocator(t, testArms("good", "bad"))
	for i := 0; i < 20; i++ {
		_ = a.Observe("good", 0.9)
		_ = a.Observe("bad", 0.1)
	}

	alloc, err := a.SelectAllocation(100)
	if err != nil {
		t.Fatalf("SelectAllocation: %v", err)
	}
	if alloc.Fractions["good"] <= alloc.Fractions["bad"] {
		t.Errorf("good=%f bad=%f; better arm should take the larger share",
			alloc.Fractions["good"], alloc.Fractions["bad"])
	}
	if alloc.PrimaryArmID != "good" {
		t.Errorf("primary = %s, want good", alloc.PrimaryArmID)
	}
}

// Determinism: identical observation histories produce identical allocations.
func TestSelectAllocationDeterministic(t *testing.T) {
	build := func() *Allocator {
		a, err := New(testConfig(), testArms("a", "b", "c"))
		if err != nil {
			t.Fatal(err)
		}
		_ = a.Observe("a", 0.7)
		_ = a.Observe("b", 0.4)
		_ = a.Observe("c", 0.4)
		_ = a.Observe("a", 0.8)
		return a
	}

	first, err := build().SelectAllocation(100)
	if err != nil {
		t.Fatalf("SelectAllocation: %v", err)
	}
	second, err := build().SelectAllocation(100)
	if err != nil {
		t.Fatalf("SelectAllocation: %v", err)
	}

	if first.PrimaryArmID != second.PrimaryArmID {
		t.Errorf("primary differs: %s vs %s", first.PrimaryArmID, second.PrimaryArmID)
	}
	for id, f := range first.Fractions {
		if math.Abs(f-second.Fractions[id]) > 1e-12 {
			t.Errorf("fraction %s differs: %f vs %f", id, f, second.Fractions[id])
		}
	}
}

func TestObserveClampsReward(t *testing.T) {
	a := newTestAllocator(t, testArms("a", "b"))

	if err := a.Observe("a", 3.5); err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if err := a.Observe("a", -2.0); err != nil {
		t.Fatalf("Observe: %v", err)
	}

	for _, arm := range a.Snapshot() {
		if arm.ID != "a" {
			continue
		}
		if arm.Pulls != 2 {
			t.Errorf("pulls = %d, want 2", arm.Pulls)
		}
		if arm.RewardSum != 1.0 { // 1.0 (clamped) + 0.0 (clamped)
			t.Errorf("reward sum = %f, want 1.0", arm.RewardSum)
		}
		if arm.RewardSumSquared != 1.0 {
			t.Errorf("reward sum squared = %f, want 1.0", arm.RewardSumSquared)
		}
	}
}

func TestObserveUnknownArm(t *testing.T) {
	a := newTestAllocator(t, testArms("a", "b"))
	if err := a.Observe("z", 0.5); err == nil {
		t.Error("expected error for unknown arm")
	}
}

func TestSelectAllocationRejectsNonPositiveBudget(t *testing.T) {
	a := newTestAllocator(t, testArms("a", "b"))
	if _, err := a.SelectAllocation(0); err == nil {
		t.Error("expected error for zero budget")
	}
}

func TestConcurrentObserves(t *testing.T) {
	a := newTestAllocator(t, testArms("a", "b", "c"))

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			armID := []string{"a", "b", "c"}[i%3]
			_ = a.Observe(armID, 0.5)
		}(i)
	}
	wg.Wait()

	var totalPulls int64
	for _, arm := range a.Snapshot() {
		totalPulls += arm.Pulls
		if arm.Pulls != 10 {
			t.Errorf("arm %s pulls = %d, want 10", arm.ID, arm.Pulls)
		}
	}
	if totalPulls != 30 {
		t.Errorf("total pulls = %d, want 30", totalPulls)
	}
}

func TestRestoredStatisticsCarryOver(t *testing.T) {
	arms := []models.Arm{
		{ID: "a", Label: "a", Pulls: 10, RewardSum: 8, RewardSumSquared: 6.4},
		{ID: "b", Label: "b", Pulls: 5, RewardSum: 1, RewardSumSquared: 0.2},
	}
	a, err := New(testConfig(), arms)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// No unpulled arms, so the restored means drive the split directly.
	alloc, err := a.SelectAllocation(100)
	if err != nil {
		t.Fatalf("SelectAllocation: %v", err)
	}
	if alloc.Fractions["a"] <= alloc.Fractions["b"] {
		t.Errorf("restored high-mean arm should dominate: %+v", alloc.Fractions)
	}
}
