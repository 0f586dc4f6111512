package promoter

import (
	"context"
	"fmt"
	"sync"

	"github.com/hollowaydev/promopilot/internal/models"
)

// Stub is the deterministic Promoter variant used in dry runs: it hands out
// sequential campaign handles without touching any platform.
type Stub struct {
	mu      sync.Mutex
	next    int
	paused  map[models.CampaignHandle]bool
	stopped map[models.CampaignHandle]bool
}

// NewStub creates a dry-run promoter.
func NewStub() *Stub {
	return &Stub{
		paused:  make(map[models.CampaignHandle]bool),
		stopped: make(map[models.CampaignHandle]bool),
	}
}

// Promote returns the next sequential handle.
func (s *Stub) Promote(_ context.Context, candidateID string, _ models.Allocation) (models.CampaignHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return models.CampaignHandle(fmt.Sprintf("dry-%06d-%s", s.next, candidateID)), nil
}

// Pause records the pause.
func (s *Stub) Pause(_ context.Context, handle models.CampaignHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused[handle] = true
	return nil
}

// Stop records the stop.
func (s *Stub) Stop(_ context.Context, handle models.CampaignHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped[handle] = true
	return nil
}

// Stopped reports whether Stop was called for the handle.
func (s *Stub) Stopped(handle models.CampaignHandle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped[handle]
}
