package promoter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hollowaydev/promopilot/internal/models"
)

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", &Error{Kind: KindTransient, StatusCode: 503}, false},
		{"permanent", &Error{Kind: KindPermanent, StatusCode: 400}, true},
		{"wrapped permanent", fmt.Errorf("promote: %w", &Error{Kind: KindPermanent}), true},
		{"plain error", errors.New("connection refused"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPermanent(tt.err); got != tt.want {
				t.Errorf("IsPermanent(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrorUnwrap(t *testing.T) {
	inner := errors.New("dial timeout")
	err := &Error{Kind: KindTransient, Message: "request failed", Err: inner}

	if !errors.Is(err, inner) {
		t.Error("expected wrapped error to be reachable via errors.Is")
	}
	var pe *Error
	if !errors.As(fmt.Errorf("outer: %w", err), &pe) {
		t.Error("expected errors.As to find *Error through wrapping")
	}
}

func TestClientPromoteSendsAbsoluteTargeting(t *testing.T) {
	var got promoteRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(promoteResponse{Handle: "h-1"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 2*time.Second, ClientConfig{RequestsPerSec: 100, Burst: 1})
	alloc := models.Allocation{
		TotalBudget:  200,
		Fractions:    map[string]float64{"broad": 0.75, "niche": 0.25},
		PrimaryArmID: "broad",
	}

	handle, err := c.Promote(context.Background(), "vid-1", alloc)
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if handle != "h-1" {
		t.Errorf("handle = %s, want h-1", handle)
	}
	if got.CandidateID != "vid-1" || got.PrimarySlice != "broad" {
		t.Errorf("request = %+v, want candidate vid-1 primary broad", got)
	}
	if math.Abs(got.Targeting["broad"]-150) > 1e-9 || math.Abs(got.Targeting["niche"]-50) > 1e-9 {
		t.Errorf("targeting = %v, want absolute budgets 150/50", got.Targeting)
	}
}

func TestStubPromoteAndStop(t *testing.T) {
	s := NewStub()
	ctx := context.Background()

	h1, err := s.Promote(ctx, "vid-1", models.Allocation{TotalBudget: 50})
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	h2, err := s.Promote(ctx, "vid-2", models.Allocation{TotalBudget: 50})
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}
	if h1 == h2 {
		t.Errorf("expected distinct handles, got %s twice", h1)
	}

	if err := s.Stop(ctx, h1); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !s.Stopped(h1) {
		t.Error("expected h1 recorded as stopped")
	}
	if s.Stopped(h2) {
		t.Error("expected h2 still live")
	}
}
