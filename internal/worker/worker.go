// SPDX-License-Identifier: Apache-2.0

// Package worker runs the two claim-then-process lanes: runners drive queued
// runs through the workflow, scorers judge pending artifacts. Both lanes
// claim work from Postgres with FOR UPDATE SKIP LOCKED, so any number of
// worker processes can share one database.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pinmatch/pinmatch/internal/domain"
	"github.com/pinmatch/pinmatch/internal/metrics"
)

type RunSource interface {
	ClaimQueuedRun(ctx context.Context, reclaimAfter time.Duration) (domain.Run, error)
	GetRun(ctx context.Context, id uuid.UUID) (domain.Run, error)
}

// Executor drives one claimed run to a terminal phase.
type Executor interface {
	Execute(ctx context.Context, run domain.Run) error
}

// TerminalNotifier is told about every run that reached a terminal phase.
type TerminalNotifier interface {
	NotifyTerminal(ctx context.Context, run domain.Run)
}

type RunnerDeps struct {
	Runs         RunSource
	Machine      Executor
	Notifier     TerminalNotifier
	Logger       *slog.Logger
	ReclaimAfter time.Duration
}

// Runner claims one queued (or stuck) run at a time and executes it.
type Runner struct {
	runs         RunSource
	machine      Executor
	notifier     TerminalNotifier
	logger       *slog.Logger
	reclaimAfter time.Duration
}

func NewRunner(deps RunnerDeps) *Runner {
	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}

	reclaim := deps.ReclaimAfter
	if reclaim <= 0 {
		reclaim = 5 * time.Minute
	}

	return &Runner{
		runs:         deps.Runs,
		machine:      deps.Machine,
		notifier:     deps.Notifier,
		logger:       l,
		reclaimAfter: reclaim,
	}
}

// ProcessOnce claims at most one run and drives it to a terminal phase.
// An empty queue is not an error.
func (r *Runner) ProcessOnce(ctx context.Context) error {
	start := time.Now()
	run, err := r.runs.ClaimQueuedRun(ctx, r.reclaimAfter)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		r.logger.Error("claim run failed", "error", err)
		return err
	}
	metrics.ObserveClaimLatency("run", time.Since(start))

	r.logger.Info("run claimed",
		"run_id", run.ID,
		"phase", run.Phase,
		"resumed", run.Phase != domain.PhaseLogin,
	)

	execErr := r.machine.Execute(ctx, run)
	if execErr != nil {
		if ctx.Err() != nil {
			// shutdown mid-run; the claim expires and another worker resumes
			return execErr
		}
		r.logger.Error("run execution failed", "run_id", run.ID, "error", execErr)
	}

	r.notifyTerminal(ctx, run.ID)
	return execErr
}

func (r *Runner) notifyTerminal(ctx context.Context, runID uuid.UUID) {
	if r.notifier == nil {
		return
	}

	run, err := r.runs.GetRun(ctx, runID)
	if err != nil {
		r.logger.Warn("read run for notification failed", "run_id", runID, "error", err)
		return
	}
	if !run.Phase.IsTerminal() {
		return
	}
	r.notifier.NotifyTerminal(ctx, run)
}
