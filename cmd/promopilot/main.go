package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hollowaydev/promopilot/internal/anomaly"
	"github.com/hollowaydev/promopilot/internal/bandit"
	"github.com/hollowaydev/promopilot/internal/budget"
	"github.com/hollowaydev/promopilot/internal/config"
	"github.com/hollowaydev/promopilot/internal/health"
	"github.com/hollowaydev/promopilot/internal/logger"
	"github.com/hollowaydev/promopilot/internal/metricsfeed"
	"github.com/hollowaydev/promopilot/internal/models"
	"github.com/hollowaydev/promopilot/internal/orchestrator"
	"github.com/hollowaydev/promopilot/internal/promoter"
	"github.com/hollowaydev/promopilot/internal/ranker"
	"github.com/hollowaydev/promopilot/internal/scorer"
	"github.com/hollowaydev/promopilot/internal/source"
	"github.com/hollowaydev/promopilot/internal/storage"
	"github.com/hollowaydev/promopilot/internal/telegram"
)

var configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Configuration loaded from %s", *configPath)

	store, err := storage.New(
		cfg.Storage.MaxCandidates,
		cfg.Storage.DBPath,
	)
	if err != nil {
		logger.Fatal("Failed to initialize storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	restoredWindow, err := store.LoadRateWindow()
	if err != nil {
		logger.Fatal("Failed to restore rate window: %v", err)
	}
	tracker := budget.New(budget.UTCDayClock{}, cfg.Orchestrator.DailyActionCap, store, restoredWindow)

	restoredArms, err := store.LoadArms()
	if err != nil {
		logger.Fatal("Failed to restore arm statistics: %v", err)
	}
	arms := make([]models.Arm, 0, len(cfg.Bandit.Arms))
	for _, ac := range cfg.Bandit.Arms {
		arm := models.Arm{ID: ac.ID, Label: ac.Label}
		if restored, ok := restoredArms[ac.ID]; ok {
			arm.Pulls = restored.Pulls
			arm.RewardSum = restored.RewardSum
			arm.RewardSumSquared = restored.RewardSumSquared
		}
		arms = append(arms, arm)
	}
	allocator, err := bandit.New(bandit.Config{
		ExplorationCoefficient: cfg.Bandit.ExplorationCoefficient,
		MinFraction:            cfg.Bandit.MinArmFraction,
		MaxFraction:            cfg.Bandit.MaxArmFraction,
		Seed:                   cfg.Bandit.TieBreakSeed,
	}, arms)
	if err != nil {
		logger.Fatal("Failed to initialize budget allocator: %v", err)
	}

	detector := anomaly.New(anomaly.Config{
		WindowSize: cfg.Anomaly.WindowSize,
		StdDevK:    cfg.Anomaly.StdDevK,
		MinSamples: cfg.Anomaly.MinSamples,
	})

	srcClient := source.NewClient(
		cfg.Source.APIURL,
		cfg.Source.Timeout,
		source.ClientConfig{
			Limit:          cfg.Source.Limit,
			MaxRetries:     cfg.Source.MaxRetries,
			RetryDelayBase: cfg.Source.RetryDelayBase,
		},
	)

	var (
		sc   scorer.Scorer
		prom orchestrator.Promoter
		feed orchestrator.MetricsFeed
	)
	if cfg.Orchestrator.DryRun {
		logger.Info("Dry-run mode: using heuristic scorer and stub promoter")
		sc = scorer.HeuristicScorer{}
		prom = promoter.NewStub()
		feed = metricsfeed.Stub{}
	} else {
		sc = scorer.NewHTTPScorer(cfg.Scorer.APIURL, cfg.Scorer.Timeout)
		prom = promoter.NewClient(cfg.Promoter.APIURL, cfg.Promoter.Timeout, promoter.ClientConfig{
			RequestsPerSec: cfg.Promoter.RequestsPerSec,
			Burst:          cfg.Promoter.Burst,
		})
		feed = metricsfeed.NewClient(cfg.MetricsFeed.APIURL, cfg.MetricsFeed.Timeout)
	}

	var telegramClient *telegram.Client
	var notifier orchestrator.Notifier
	if cfg.Telegram.Enabled {
		telegramClient, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		notifier = telegramClient
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	orch, err := orchestrator.New(
		orchestrator.Config{
			PerCandidateBudget:  cfg.Orchestrator.PerCandidateBudget,
			InterPromotionDelay: cfg.Orchestrator.InterPromotionDelay,
			PromoterTimeout:     cfg.Promoter.Timeout,
			MetricsConcurrency:  cfg.MetricsFeed.MaxConcurrency,
			CheckpointInterval:  cfg.Orchestrator.CheckpointInterval,
		},
		store, tracker, allocator,
		ranker.New(cfg.Orchestrator.AdmissionThreshold),
		detector, srcClient, sc, prom, feed, notifier,
		orchestrator.EngagementReward(cfg.Orchestrator.RewardScale),
	)
	if err != nil {
		logger.Fatal("Failed to initialize orchestrator: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, cleaning up...")
		cancel()
	}()

	var healthServer *health.Server
	if cfg.Health.Enabled {
		healthServer = health.NewServer(cfg.Health.Addr, orch.Status)
		healthServer.Start()
	}

	if cfg.Telegram.Enabled && telegramClient != nil {
		telegramClient.ListenForCommands(ctx, orch.Status)
	}

	logger.Info("Starting promotion service (interval: %v, daily_cap: %d, threshold: %.2f, arms: %d)",
		cfg.Orchestrator.PollInterval,
		cfg.Orchestrator.DailyActionCap,
		cfg.Orchestrator.AdmissionThreshold,
		len(cfg.Bandit.Arms),
	)

	ticker := time.NewTicker(cfg.Orchestrator.PollInterval)
	defer ticker.Stop()

	consecutiveFailures := 0

	handleCycleResult := func(err error) {
		status := "ok"
		if err != nil {
			status = "failed"
			if ctx.Err() != nil {
				status = "cancelled"
			}
			consecutiveFailures++
			logger.Error("Promotion cycle failed: %v", err)
			if consecutiveFailures == 1 && telegramClient != nil {
				if sendErr := telegramClient.SendError(err); sendErr != nil {
					logger.Warn("Failed to send error notification to Telegram: %v", sendErr)
				}
			}
		} else {
			if consecutiveFailures > 0 && telegramClient != nil {
				if sendErr := telegramClient.SendRecovery(consecutiveFailures); sendErr != nil {
					logger.Warn("Failed to send recovery notification to Telegram: %v", sendErr)
				}
			}
			consecutiveFailures = 0
		}
		if healthServer != nil {
			healthServer.CycleFinished(status)
		}
	}

	logger.Debug("Running initial promotion cycle")
	handleCycleResult(orch.RunCycle(ctx))

	for {
		select {
		case <-ctx.Done():
			orch.Shutdown()
			if healthServer != nil {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := healthServer.Shutdown(shutdownCtx); err != nil {
					logger.Warn("Health server shutdown failed: %v", err)
				}
				shutdownCancel()
			}
			logger.Info("Service stopped")
			return

		case <-ticker.C:
			logger.Debug("Starting scheduled promotion cycle")
			handleCycleResult(orch.RunCycle(ctx))
			if err := store.RotateCandidates(); err != nil {
				logger.Warn("Failed to rotate candidates: %v", err)
			}
		}
	}
}
