// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pinmatch/pinmatch/internal/bridge"
	"github.com/pinmatch/pinmatch/internal/config"
	"github.com/pinmatch/pinmatch/internal/logging"
	"github.com/pinmatch/pinmatch/internal/persistence/postgres"
	"github.com/pinmatch/pinmatch/internal/registry"
	"github.com/pinmatch/pinmatch/internal/repository"
	httptransport "github.com/pinmatch/pinmatch/internal/transport/http"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
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

	if cfg.AutoMigrate {
		if err := postgres.EnsureSchema(ctx, pool, logger); err != nil {
			log.Fatalf("schema migration failed: %v", err)
		}
	}

	runRepo := repository.NewRunRepository(pool, logger, cfg.Queue.BacklogLimit)
	artifactRepo := repository.NewArtifactRepository(pool, logger)
	eventRepo := repository.NewEventRepository(pool, logger)

	events := bridge.New(pool, eventRepo, logger)
	streams := registry.New(events, logger)
	defer streams.Close()

	handler := httptransport.NewRouter(httptransport.Deps{
		Runs:                runRepo,
		Artifacts:           artifactRepo,
		Streams:             streams,
		Health:              postgres.NewSchemaHealthChecker(pool),
		Logger:              logger,
		SubmitRatePerMinute: cfg.Submit.RatePerMinute,
		Version:             Version,
		Commit:              Commit,
		BuildDate:           BuildDate,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("api listening",
			"addr", cfg.HTTPAddr,
			"version", Version,
			"commit", Commit,
			"build_date", BuildDate,
		)

		if err := srv.ListenAndServe(); err != nil &&
			err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		5*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
}
