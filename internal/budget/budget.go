// Package budget enforces the daily promotion action cap through atomic,
// compensable reservations.
package budget

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hollowaydev/promopilot/internal/logger"
	"github.com/hollowaydev/promopilot/internal/models"
)

// ErrRateExceeded signals that the current window's action budget is
// exhausted. It is an expected, non-fatal outcome that ends the admission
// pass early.
var ErrRateExceeded = errors.New("daily action budget exhausted")

// WindowClock yields the identifier of the current rate window. Injectable
// so window rollover is exercised deterministically in tests.
type WindowClock interface {
	WindowID() string
}

// UTCDayClock identifies windows by UTC calendar day.
type UTCDayClock struct{}

func (UTCDayClock) WindowID() string {
	return time.Now().UTC().Format("2006-01-02")
}

// Store persists the rate window so the cap survives restarts.
type Store interface {
	SaveRateWindow(w models.RateWindow) error
}

// Reservation is a provisional grant against the action cap, compensable
// via Release when the downstream promotion fails.
type Reservation struct {
	ID       string
	WindowID string
	Count    int
}

// Tracker is the single-writer gate over the daily action counter.
// All mutation happens under one mutex; overshooting the cap is a
// correctness violation, not a cosmetic one.
type Tracker struct {
	mu     sync.Mutex
	clock  WindowClock
	store  Store
	window models.RateWindow
}

// New creates a tracker with the given cap. A persisted window restored at
// startup carries over the day's counter; a window from an earlier day is
// rolled over lazily on first use.
func New(clock WindowClock, limit int, store Store, restored *models.RateWindow) *Tracker {
	t := &Tracker{
		clock: clock,
		store: store,
		window: models.RateWindow{
			WindowID:     clock.WindowID(),
			ActionsLimit: limit,
		},
	}
	if restored != nil && restored.WindowID == t.window.WindowID {
		t.window.ActionsTaken = restored.ActionsTaken
		if t.window.ActionsTaken > limit {
			t.window.ActionsTaken = limit
		}
	}
	return t
}

// rollover resets the counter when the wall-clock window has moved on.
// Callers must hold t.mu.
func (t *Tracker) rollover() {
	current := t.clock.WindowID()
	if current == t.window.WindowID {
		return
	}
	logger.Info("Rate window rollover: %s -> %s (%d actions taken last window)",
		t.window.WindowID, current, t.window.ActionsTaken)
	t.window.WindowID = current
	t.window.ActionsTaken = 0
}

// persist writes the counter through to the store, rolling the in-memory
// mutation back on failure so memory and disk never diverge.
// Callers must hold t.mu.
func (t *Tracker) persist(prevTaken int) error {
	if t.store == nil {
		return nil
	}
	if err := t.store.SaveRateWindow(t.window); err != nil {
		t.window.ActionsTaken = prevTaken
		return fmt.Errorf("failed to persist rate window: %w", err)
	}
	return nil
}

// TryReserve atomically claims n actions from the current window. It either
// grants the full reservation or fails with ErrRateExceeded leaving state
// unchanged.
func (t *Tracker) TryReserve(n int) (*Reservation, error) {
	if n < 1 {
		return nil, fmt.Errorf("reservation count must be at least 1, got %d", n)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover()

	if t.window.ActionsTaken+n > t.window.ActionsLimit {
		return nil, ErrRateExceeded
	}

	prev := t.window.ActionsTaken
	t.window.ActionsTaken += n
	if err := t.persist(prev); err != nil {
		return nil, err
	}

	return &Reservation{
		ID:       uuid.New().String(),
		WindowID: t.window.WindowID,
		Count:    n,
	}, nil
}

// Release compensates a granted reservation after an irrecoverable
// downstream failure. Releasing against a newer window is a no-op: the
// counter was already reset at rollover.
func (t *Tracker) Release(r *Reservation) error {
	if r == nil {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover()

	if r.WindowID != t.window.WindowID {
		logger.Debug("Release for stale window %s ignored (current %s)", r.WindowID, t.window.WindowID)
		return nil
	}

	prev := t.window.ActionsTaken
	t.window.ActionsTaken -= r.Count
	if t.window.ActionsTaken < 0 {
		t.window.ActionsTaken = 0
	}
	return t.persist(prev)
}

// Remaining returns how many actions the current window still allows.
func (t *Tracker) Remaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover()
	return t.window.ActionsLimit - t.window.ActionsTaken
}

// Snapshot returns a copy of the current window for reporting and
// checkpointing.
func (t *Tracker) Snapshot() models.RateWindow {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rollover()
	return t.window
}
