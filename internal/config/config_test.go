package config

import (
	"os"
	"testing"
	"time"
)

const testConfig = `
source:
  api_url: "https://content.example.com/api"
  limit: 50

scorer:
  api_url: "https://scorer.example.com/api"

promoter:
  api_url: "https://ads.example.com/api"
  requests_per_sec: 0.5
  burst: 1

metrics_feed:
  api_url: "https://ads.example.com/api"

orchestrator:
  daily_action_cap: 8
  admission_threshold: 0.6
  per_candidate_budget: 40.0
  inter_promotion_delay: 2m
  poll_interval: 4h

bandit:
  exploration_coefficient: 1.4
  min_arm_fraction: 0.05
  max_arm_fraction: 0.6
  arms:
    - id: us-young
      label: "US 18-24"
    - id: us-broad
      label: "US broad"
    - id: latam
      label: "LatAm broad"

anomaly:
  std_dev_k: 3.0
  min_samples: 10
  window_size: 48

telegram:
  bot_token: "test_token"
  chat_id: "12345"
  enabled: true

storage:
  db_path: "./data/test.db"

logging:
  level: "info"
  format: "json"
`

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	tmpfile, err := os.CreateTemp("", "config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Remove(tmpfile.Name()) })
	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}
	return tmpfile.Name()
}

func TestLoadAndValidate(t *testing.T) {
	path := writeTempConfig(t, testConfig)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Orchestrator.DailyActionCap != 8 {
		t.Errorf("daily_action_cap = %d, want 8", cfg.Orchestrator.DailyActionCap)
	}
	if cfg.Orchestrator.InterPromotionDelay != 2*time.Minute {
		t.Errorf("inter_promotion_delay = %v, want 2m", cfg.Orchestrator.InterPromotionDelay)
	}
	if len(cfg.Bandit.Arms) != 3 {
		t.Fatalf("arms = %d, want 3", len(cfg.Bandit.Arms))
	}
	if cfg.Bandit.Arms[0].ID != "us-young" {
		t.Errorf("first arm = %s, want us-young", cfg.Bandit.Arms[0].ID)
	}
}

func TestLoadDefaults(t *testing.T) {
	path := writeTempConfig(t, testConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	// Values absent from the file come from defaults.
	if cfg.Source.Timeout != 30*time.Second {
		t.Errorf("source.timeout default = %v, want 30s", cfg.Source.Timeout)
	}
	if cfg.MetricsFeed.MaxConcurrency != 8 {
		t.Errorf("metrics_feed.max_concurrency default = %d, want 8", cfg.MetricsFeed.MaxConcurrency)
	}
	if cfg.Anomaly.WindowSize != 48 {
		t.Errorf("anomaly.window_size default = %d, want 48", cfg.Anomaly.WindowSize)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	path := writeTempConfig(t, testConfig)

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing source url", func(c *Config) { c.Source.APIURL = "" }},
		{"zero cap", func(c *Config) { c.Orchestrator.DailyActionCap = 0 }},
		{"threshold above one", func(c *Config) { c.Orchestrator.AdmissionThreshold = 1.2 }},
		{"single arm", func(c *Config) { c.Bandit.Arms = c.Bandit.Arms[:1] }},
		{"duplicate arms", func(c *Config) { c.Bandit.Arms[1].ID = c.Bandit.Arms[0].ID }},
		{"infeasible min fraction", func(c *Config) { c.Bandit.MinArmFraction = 0.5 }},
		{"infeasible max fraction", func(c *Config) { c.Bandit.MaxArmFraction = 0.2 }},
		{"negative k", func(c *Config) { c.Anomaly.StdDevK = -1 }},
		{"window below min samples", func(c *Config) { c.Anomaly.WindowSize = 5 }},
		{"telegram without token", func(c *Config) { c.Telegram.BotToken = "" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"poll interval too short", func(c *Config) { c.Orchestrator.PollInterval = time.Second }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing config file")
	}
}
