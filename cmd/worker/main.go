package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pinmatch/pinmatch/internal/automation"
	"github.com/pinmatch/pinmatch/internal/automation/pinboard"
	"github.com/pinmatch/pinmatch/internal/config"
	"github.com/pinmatch/pinmatch/internal/logging"
	"github.com/pinmatch/pinmatch/internal/persistence/postgres"
	"github.com/pinmatch/pinmatch/internal/repository"
	"github.com/pinmatch/pinmatch/internal/scoring"
	"github.com/pinmatch/pinmatch/internal/vision"
	"github.com/pinmatch/pinmatch/internal/worker"
	"github.com/pinmatch/pinmatch/internal/workflow"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	logger := logging.NewLogger(cfg.Env, cfg.LogLevel)

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	runRepo := repository.NewRunRepository(pool, logger, cfg.Queue.BacklogLimit)
	artifactRepo := repository.NewArtifactRepository(pool, logger)
	eventRepo := repository.NewEventRepository(pool, logger)

	// One fresh driver per claimed run; sessions are never shared.
	newDriver := func() (automation.Driver, error) {
		return pinboard.NewClient(cfg.Site, logger)
	}

	machine := workflow.NewMachine(
		runRepo,
		artifactRepo,
		eventRepo,
		newDriver,
		cfg.Workflow,
		logger,
	)

	runner := worker.NewRunner(worker.RunnerDeps{
		Runs:         runRepo,
		Machine:      machine,
		Notifier:     worker.NewWebhookNotifier(cfg.Notify, logger),
		Logger:       logger,
		ReclaimAfter: cfg.Queue.ReclaimAfter(),
	})

	engine := scoring.NewEngine(vision.NewClient(cfg.Vision, logger), cfg.Scoring, logger)
	scorer := worker.NewScorer(worker.ScorerDeps{
		Artifacts:   artifactRepo,
		Engine:      engine,
		Events:      eventRepo,
		Logger:      logger,
		ClaimWindow: cfg.Scoring.ClaimWindow(),
		MaxAttempts: cfg.Scoring.MaxAttempts,
	})

	pw := worker.NewPool(worker.PoolDeps{
		Runner:         runner,
		Scorer:         scorer,
		Logger:         logger,
		RunWorkers:     cfg.Queue.RunWorkers,
		ScoringWorkers: cfg.Queue.ScoringWorkers,
		PollInterval:   cfg.Queue.PollInterval(),
	})

	pw.Run(ctx)
	logger.Info("worker stopped")
}
