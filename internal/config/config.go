// Package config loads and validates the daemon configuration.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration.
type Config struct {
	Source       SourceConfig       `mapstructure:"source"`
	Scorer       ScorerConfig       `mapstructure:"scorer"`
	Promoter     PromoterConfig     `mapstructure:"promoter"`
	MetricsFeed  MetricsFeedConfig  `mapstructure:"metrics_feed"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Bandit       BanditConfig       `mapstructure:"bandit"`
	Anomaly      AnomalyConfig      `mapstructure:"anomaly"`
	Telegram     TelegramConfig     `mapstructure:"telegram"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Health       HealthConfig       `mapstructure:"health"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// SourceConfig holds the content source API configuration.
type SourceConfig struct {
	APIURL         string        `mapstructure:"api_url"`
	Limit          int           `mapstructure:"limit"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// ScorerConfig holds the scoring service configuration.
type ScorerConfig struct {
	APIURL  string        `mapstructure:"api_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// PromoterConfig holds the promotion platform configuration.
type PromoterConfig struct {
	APIURL         string        `mapstructure:"api_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RequestsPerSec float64       `mapstructure:"requests_per_sec"`
	Burst          int           `mapstructure:"burst"`
}

// MetricsFeedConfig holds the campaign metrics API configuration.
type MetricsFeedConfig struct {
	APIURL         string        `mapstructure:"api_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
}

// OrchestratorConfig holds the admission loop configuration.
type OrchestratorConfig struct {
	DailyActionCap      int           `mapstructure:"daily_action_cap"`
	AdmissionThreshold  float64       `mapstructure:"admission_threshold"`
	PerCandidateBudget  float64       `mapstructure:"per_candidate_budget"`
	InterPromotionDelay time.Duration `mapstructure:"inter_promotion_delay"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	CheckpointInterval  int           `mapstructure:"checkpoint_interval"`
	RewardScale         float64       `mapstructure:"reward_scale"`
	DryRun              bool          `mapstructure:"dry_run"`
}

// ArmConfig declares one allocation arm. Arms are a fixed, closed set.
type ArmConfig struct {
	ID    string `mapstructure:"id"`
	Label string `mapstructure:"label"`
}

// BanditConfig holds the budget allocation policy configuration.
type BanditConfig struct {
	ExplorationCoefficient float64     `mapstructure:"exploration_coefficient"`
	MinArmFraction         float64     `mapstructure:"min_arm_fraction"`
	MaxArmFraction         float64     `mapstructure:"max_arm_fraction"`
	TieBreakSeed           int64       `mapstructure:"tie_break_seed"`
	Arms                   []ArmConfig `mapstructure:"arms"`
}

// AnomalyConfig holds the campaign screening configuration.
type AnomalyConfig struct {
	StdDevK    float64 `mapstructure:"std_dev_k"`
	MinSamples int     `mapstructure:"min_samples"`
	WindowSize int     `mapstructure:"window_size"`
}

// TelegramConfig holds operator notification configuration.
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	DBPath        string `mapstructure:"db_path"`
	MaxCandidates int    `mapstructure:"max_candidates"`
}

// HealthConfig holds the status endpoint configuration.
type HealthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	v.SetEnvPrefix("PROMOPILOT")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("source.limit", 100)
	v.SetDefault("source.timeout", "30s")
	v.SetDefault("source.max_retries", 3)
	v.SetDefault("source.retry_delay_base", "1s")

	v.SetDefault("scorer.timeout", "30s")

	v.SetDefault("promoter.timeout", "30s")
	v.SetDefault("promoter.requests_per_sec", 0.5)
	v.SetDefault("promoter.burst", 1)

	v.SetDefault("metrics_feed.timeout", "30s")
	v.SetDefault("metrics_feed.max_concurrency", 8)

	v.SetDefault("orchestrator.daily_action_cap", 10)
	v.SetDefault("orchestrator.admission_threshold", 0.6)
	v.SetDefault("orchestrator.per_candidate_budget", 50.0)
	v.SetDefault("orchestrator.inter_promotion_delay", "90s")
	v.SetDefault("orchestrator.poll_interval", "4h")
	v.SetDefault("orchestrator.checkpoint_interval", 1)
	v.SetDefault("orchestrator.reward_scale", 0.05)
	v.SetDefault("orchestrator.dry_run", false)

	v.SetDefault("bandit.exploration_coefficient", 1.4)
	v.SetDefault("bandit.min_arm_fraction", 0.05)
	v.SetDefault("bandit.max_arm_fraction", 0.6)
	v.SetDefault("bandit.tie_break_seed", 1)

	v.SetDefault("anomaly.std_dev_k", 3.0)
	v.SetDefault("anomaly.min_samples", 10)
	v.SetDefault("anomaly.window_size", 48)

	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	v.SetDefault("storage.db_path", "./data/promopilot.db")
	v.SetDefault("storage.max_candidates", 5000)

	v.SetDefault("health.enabled", true)
	v.SetDefault("health.addr", ":9180")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid.
func (c *Config) Validate() error {
	if c.Source.APIURL == "" {
		return fmt.Errorf("source.api_url is required")
	}
	if c.Source.Limit < 1 || c.Source.Limit > 1000 {
		return fmt.Errorf("source.limit must be between 1 and 1000")
	}

	if !c.Orchestrator.DryRun {
		if c.Scorer.APIURL == "" {
			return fmt.Errorf("scorer.api_url is required unless orchestrator.dry_run is set")
		}
		if c.Promoter.APIURL == "" {
			return fmt.Errorf("promoter.api_url is required unless orchestrator.dry_run is set")
		}
	}
	if c.Promoter.RequestsPerSec <= 0 {
		return fmt.Errorf("promoter.requests_per_sec must be positive")
	}
	if c.Promoter.Burst < 1 {
		return fmt.Errorf("promoter.burst must be at least 1")
	}

	if c.MetricsFeed.MaxConcurrency < 1 {
		return fmt.Errorf("metrics_feed.max_concurrency must be at least 1")
	}

	if c.Orchestrator.DailyActionCap < 1 {
		return fmt.Errorf("orchestrator.daily_action_cap must be at least 1")
	}
	if c.Orchestrator.AdmissionThreshold < 0.0 || c.Orchestrator.AdmissionThreshold > 1.0 {
		return fmt.Errorf("orchestrator.admission_threshold must be between 0.0 and 1.0")
	}
	if c.Orchestrator.PerCandidateBudget <= 0 {
		return fmt.Errorf("orchestrator.per_candidate_budget must be positive")
	}
	if c.Orchestrator.InterPromotionDelay < 0 {
		return fmt.Errorf("orchestrator.inter_promotion_delay must not be negative")
	}
	if c.Orchestrator.PollInterval < 1*time.Minute {
		return fmt.Errorf("orchestrator.poll_interval must be at least 1 minute")
	}
	if c.Orchestrator.CheckpointInterval < 1 {
		return fmt.Errorf("orchestrator.checkpoint_interval must be at least 1")
	}
	if c.Orchestrator.RewardScale <= 0 {
		return fmt.Errorf("orchestrator.reward_scale must be positive")
	}

	if len(c.Bandit.Arms) < 2 {
		return fmt.Errorf("bandit.arms must declare at least 2 arms")
	}
	seen := make(map[string]bool, len(c.Bandit.Arms))
	for _, arm := range c.Bandit.Arms {
		if arm.ID == "" {
			return fmt.Errorf("bandit.arms entries must have an id")
		}
		if seen[arm.ID] {
			return fmt.Errorf("bandit.arms contains duplicate id %q", arm.ID)
		}
		seen[arm.ID] = true
	}
	if c.Bandit.ExplorationCoefficient <= 0 {
		return fmt.Errorf("bandit.exploration_coefficient must be positive")
	}
	n := float64(len(c.Bandit.Arms))
	if c.Bandit.MinArmFraction < 0 || c.Bandit.MinArmFraction*n > 1.0 {
		return fmt.Errorf("bandit.min_arm_fraction must satisfy 0 <= min and min*num_arms <= 1")
	}
	if c.Bandit.MaxArmFraction > 1.0 || c.Bandit.MaxArmFraction*n < 1.0 {
		return fmt.Errorf("bandit.max_arm_fraction must satisfy max <= 1 and max*num_arms >= 1")
	}
	if c.Bandit.MinArmFraction > c.Bandit.MaxArmFraction {
		return fmt.Errorf("bandit.min_arm_fraction must not exceed bandit.max_arm_fraction")
	}

	if c.Anomaly.StdDevK <= 0 {
		return fmt.Errorf("anomaly.std_dev_k must be positive")
	}
	if c.Anomaly.MinSamples < 2 {
		return fmt.Errorf("anomaly.min_samples must be at least 2")
	}
	if c.Anomaly.WindowSize < c.Anomaly.MinSamples {
		return fmt.Errorf("anomaly.window_size must be at least anomaly.min_samples")
	}

	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	if c.Storage.MaxCandidates < 1 {
		return fmt.Errorf("storage.max_candidates must be at least 1")
	}

	if c.Health.Enabled && c.Health.Addr == "" {
		return fmt.Errorf("health.addr is required when health is enabled")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}
