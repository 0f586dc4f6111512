package budget

import (
	"errors"
	"sync"
	"testing"

	"github.com/hollowaydev/promopilot/internal/models"
)

// fakeClock lets tests move the window boundary by hand.
type fakeClock struct {
	mu sync.Mutex
	id string
}

func (c *fakeClock) WindowID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *fakeClock) set(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = id
}

type memStore struct {
	mu     sync.Mutex
	window models.RateWindow
	saves  int
	fail   bool
}

func (s *memStore) SaveRateWindow(w models.RateWindow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("disk full")
	}
	s.window = w
	s.saves++
	return nil
}

func TestTryReserveAndRemaining(t *testing.T) {
	clock := &fakeClock{id: "2026-08-30"}
	tr := New(clock, 3, nil, nil)

	if got := tr.Remaining(); got != 3 {
		t.Fatalf("Remaining = %d, want 3", got)
	}

	for i := 0; i < 3; i++ {
		res, err := tr.TryReserve(1)
		if err != nil {
			t.Fatalf("TryReserve %d: %v", i, err)
		}
		if res.WindowID != "2026-08-30" {
			t.Errorf("reservation window = %s", res.WindowID)
		}
	}

	if _, err := tr.TryReserve(1); !errors.Is(err, ErrRateExceeded) {
		t.Fatalf("expected ErrRateExceeded, got %v", err)
	}
	if got := tr.Remaining(); got != 0 {
		t.Errorf("Remaining = %d, want 0", got)
	}
}

func TestTryReserveMultiCountLeavesStateUnchangedOnFailure(t *testing.T) {
	clock := &fakeClock{id: "2026-08-30"}
	tr := New(clock, 5, nil, nil)

	if _, err := tr.TryReserve(4); err != nil {
		t.Fatalf("TryReserve(4): %v", err)
	}
	if _, err := tr.TryReserve(2); !errors.Is(err, ErrRateExceeded) {
		t.Fatalf("expected ErrRateExceeded, got %v", err)
	}
	// The failed reservation must not consume any budget.
	if got := tr.Remaining(); got != 1 {
		t.Errorf("Remaining = %d, want 1", got)
	}
}

func TestReleaseCompensates(t *testing.T) {
	clock := &fakeClock{id: "2026-08-30"}
	tr := New(clock, 2, nil, nil)

	res, err := tr.TryReserve(1)
	if err != nil {
		t.Fatalf("TryReserve: %v", err)
	}
	if got := tr.Remaining(); got != 1 {
		t.Fatalf("Remaining = %d, want 1", got)
	}

	if err := tr.Release(res); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if got := tr.Remaining(); got != 2 {
		t.Errorf("Remaining after release = %d, want 2", got)
	}

	// Double release must not push the counter below zero.
	if err := tr.Release(res); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	if got := tr.Remaining(); got != 2 {
		t.Errorf("Remaining after double release = %d, want 2", got)
	}
}

func TestLazyWindowRollover(t *testing.T) {
	clock := &fakeClock{id: "2026-08-30"}
	tr := New(clock, 2, nil, nil)

	if _, err := tr.TryReserve(1); err != nil {
		t.Fatalf("TryReserve: %v", err)
	}
	if _, err := tr.TryReserve(1); err != nil {
		t.Fatalf("TryReserve: %v", err)
	}
	if _, err := tr.TryReserve(1); !errors.Is(err, ErrRateExceeded) {
		t.Fatal("expected exhaustion before rollover")
	}

	clock.set("2026-08-31")
	if got := tr.Remaining(); got != 2 {
		t.Errorf("Remaining after rollover = %d, want 2", got)
	}
	if _, err := tr.TryReserve(1); err != nil {
		t.Errorf("TryReserve after rollover: %v", err)
	}
}

func TestReleaseAcrossRolloverIsNoop(t *testing.T) {
	clock := &fakeClock{id: "2026-08-30"}
	tr := New(clock, 2, nil, nil)

	res, err := tr.TryReserve(1)
	if err != nil {
		t.Fatalf("TryReserve: %v", err)
	}

	clock.set("2026-08-31")
	if err := tr.Release(res); err != nil {
		t.Fatalf("Release: %v", err)
	}
	// The new window's counter starts at zero and stays there.
	if got := tr.Remaining(); got != 2 {
		t.Errorf("Remaining = %d, want 2", got)
	}
}

func TestRestoredWindowCarriesOver(t *testing.T) {
	clock := &fakeClock{id: "2026-08-30"}

	restored := &models.RateWindow{WindowID: "2026-08-30", ActionsTaken: 7, ActionsLimit: 10}
	tr := New(clock, 10, nil, restored)
	if got := tr.Remaining(); got != 3 {
		t.Errorf("Remaining with restored window = %d, want 3", got)
	}

	// A restored window from yesterday is stale and ignored.
	stale := &models.RateWindow{WindowID: "2026-08-29", ActionsTaken: 7, ActionsLimit: 10}
	tr = New(clock, 10, nil, stale)
	if got := tr.Remaining(); got != 10 {
		t.Errorf("Remaining with stale window = %d, want 10", got)
	}
}

func TestPersistenceWriteThrough(t *testing.T) {
	clock := &fakeClock{id: "2026-08-30"}
	store := &memStore{}
	tr := New(clock, 5, store, nil)

	res, err := tr.TryReserve(1)
	if err != nil {
		t.Fatalf("TryReserve: %v", err)
	}
	if store.window.ActionsTaken != 1 {
		t.Errorf("persisted taken = %d, want 1", store.window.ActionsTaken)
	}

	if err := tr.Release(res); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if store.window.ActionsTaken != 0 {
		t.Errorf("persisted taken after release = %d, want 0", store.window.ActionsTaken)
	}
}

func TestPersistenceFailureRollsBack(t *testing.T) {
	clock := &fakeClock{id: "2026-08-30"}
	store := &memStore{fail: true}
	tr := New(clock, 5, store, nil)

	if _, err := tr.TryReserve(1); err == nil {
		t.Fatal("expected error when persistence fails")
	}
	// The in-memory counter must match what was (not) persisted.
	if got := tr.Remaining(); got != 5 {
		t.Errorf("Remaining = %d, want 5", got)
	}
}

// Rate safety invariant: N concurrent reservation attempts against a cap of
// K yield exactly K grants and N-K ErrRateExceeded failures.
func TestConcurrentReservationsNeverOvershoot(t *testing.T) {
	const attempts = 100
	const limit = 7

	clock := &fakeClock{id: "2026-08-30"}
	tr := New(clock, limit, nil, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted, refused := 0, 0

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tr.TryReserve(1)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				granted++
			case errors.Is(err, ErrRateExceeded):
				refused++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if granted != limit {
		t.Errorf("granted = %d, want %d", granted, limit)
	}
	if refused != attempts-limit {
		t.Errorf("refused = %d, want %d", refused, attempts-limit)
	}
	if got := tr.Remaining(); got != 0 {
		t.Errorf("Remaining = %d, want 0", got)
	}
}

func TestTryReserveRejectsNonPositive(t *testing.T) {
	tr := New(&fakeClock{id: "2026-08-30"}, 5, nil, nil)
	if _, err := tr.TryReserve(0); err == nil {
		t.Error("expected error for n=0")
	}
}
