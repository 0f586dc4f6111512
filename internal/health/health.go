// Package health exposes the liveness endpoint and Prometheus metrics.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hollowaydev/promopilot/internal/logger"
	"github.com/hollowaydev/promopilot/internal/orchestrator"
)

// Server serves /healthz and /metrics on a dedicated listener.
type Server struct {
	srv    *http.Server
	status func() orchestrator.StatusSnapshot
	cycles *prometheus.CounterVec
}

// NewServer builds the health server around a status callback. Gauge values
// are read live on every scrape rather than pushed per cycle.
func NewServer(addr string, status func() orchestrator.StatusSnapshot) *Server {
	reg := prometheus.NewRegistry()

	gauges := []struct {
		name string
		help string
		read func(orchestrator.StatusSnapshot) float64
	}{
		{
			"promopilot_actions_taken",
			"Promotion actions taken in the current daily window.",
			func(s orchestrator.StatusSnapshot) float64 { return float64(s.ActionsToday) },
		},
		{
			"promopilot_actions_remaining",
			"Promotion actions still available in the current daily window.",
			func(s orchestrator.StatusSnapshot) float64 { return float64(s.ActionsRemaining) },
		},
		{
			"promopilot_live_campaigns",
			"Campaigns currently under screening.",
			func(s orchestrator.StatusSnapshot) float64 { return float64(s.ActiveCampaigns) },
		},
		{
			"promopilot_anomalous_campaigns",
			"Campaigns currently flagged anomalous.",
			func(s orchestrator.StatusSnapshot) float64 { return float64(s.AnomalousCampaigns) },
		},
	}
	for _, g := range gauges {
		read := g.read
		reg.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: g.name, Help: g.help},
			func() float64 { return read(status()) },
		))
	}

	cycles := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "promopilot_cycles_total",
		Help: "Completed orchestration cycles by outcome.",
	}, []string{"status"})
	reg.MustRegister(cycles)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s := status()
		w.Header().Set("Content-Type", "application/json")
		if s.LastCycleStatus == "failed" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(s); err != nil {
			logger.Warn("Failed to encode health response: %v", err)
		}
	})

	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		status: status,
		cycles: cycles,
	}
}

// CycleFinished records one cycle outcome ("ok", "failed", "cancelled").
func (s *Server) CycleFinished(status string) {
	s.cycles.WithLabelValues(status).Inc()
}

// Start serves in a background goroutine until Shutdown.
func (s *Server) Start() {
	go func() {
		logger.Info("Health server listening on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Health server failed: %v", err)
		}
	}()
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
