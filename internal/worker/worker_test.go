// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pinmatch/pinmatch/internal/domain"
)

func TestNewRunnerDefaults(t *testing.T) {
	r := NewRunner(RunnerDeps{})

	if r.logger == nil {
		t.Fatal("expected default logger to be set")
	}
	if r.reclaimAfter != 5*time.Minute {
		t.Fatalf("expected default reclaimAfter=5m, got %s", r.reclaimAfter)
	}
}

func TestRunnerProcessOnceEmptyQueue(t *testing.T) {
	runs := &stubRunSource{claimErr: pgx.ErrNoRows}
	machine := &stubExecutor{}

	r := NewRunner(RunnerDeps{Runs: runs, Machine: machine, Logger: discardLogger()})

	if err := r.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("empty queue is not an error: %v", err)
	}
	if machine.executions() != 0 {
		t.Fatal("nothing to execute on an empty queue")
	}
}

func TestRunnerProcessOnceDrivesClaimedRun(t *testing.T) {
	run := domain.Run{ID: uuid.New(), Query: "cottagecore kitchen", Phase: domain.PhaseLogin}
	done := run
	done.Phase = domain.PhaseDone
	done.Terminal = true

	runs := &stubRunSource{claimRun: run, getRun: done}
	machine := &stubExecutor{}
	notifier := &stubNotifier{}

	r := NewRunner(RunnerDeps{Runs: runs, Machine: machine, Notifier: notifier, Logger: discardLogger()})

	if err := r.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("ProcessOnce: %v", err)
	}
	if machine.executions() != 1 {
		t.Fatalf("expected 1 execution, got %d", machine.executions())
	}
	if got := machine.lastRun(); got.ID != run.ID || got.Query != run.Query {
		t.Fatalf("expected claimed run handed to the machine, got %+v", got)
	}
	notified := notifier.notified()
	if len(notified) != 1 || notified[0].Phase != domain.PhaseDone {
		t.Fatalf("expected one DONE notification, got %v", notified)
	}
}

func TestRunnerPropagatesClaimError(t *testing.T) {
	runs := &stubRunSource{claimErr: errors.New("connection refused")}
	machine := &stubExecutor{}

	r := NewRunner(RunnerDeps{Runs: runs, Machine: machine, Logger: discardLogger()})

	if err := r.ProcessOnce(context.Background()); err == nil {
		t.Fatal("expected claim error to propagate")
	}
	if machine.executions() != 0 {
		t.Fatal("nothing should execute after a failed claim")
	}
}

func TestRunnerNotifiesFailedRuns(t *testing.T) {
	run := domain.Run{ID: uuid.New(), Query: "cottagecore kitchen", Phase: domain.PhaseLogin}
	failed := run
	failed.Phase = domain.PhaseFailed
	failed.Terminal = true
	failed.FailureReason = domain.FailureAuthFailed

	runs := &stubRunSource{claimRun: run, getRun: failed}
	machine := &stubExecutor{err: errors.New("auth_failed: bad credentials")}
	notifier := &stubNotifier{}

	r := NewRunner(RunnerDeps{Runs: runs, Machine: machine, Notifier: notifier, Logger: discardLogger()})

	if err := r.ProcessOnce(context.Background()); err == nil {
		t.Fatal("expected execution error to propagate")
	}
	notified := notifier.notified()
	if len(notified) != 1 || notified[0].FailureReason != domain.FailureAuthFailed {
		t.Fatalf("expected one auth_failed notification, got %v", notified)
	}
}

func TestRunnerSkipsNotificationForUnsettledRun(t *testing.T) {
	run := domain.Run{ID: uuid.New(), Query: "cottagecore kitchen", Phase: domain.PhaseLogin}

	// the run stayed non-terminal (no session could be opened)
	runs := &stubRunSource{claimRun: run, getRun: run}
	machine := &stubExecutor{err: errors.New("new site session: browser unavailable")}
	notifier := &stubNotifier{}

	r := NewRunner(RunnerDeps{Runs: runs, Machine: machine, Notifier: notifier, Logger: discardLogger()})

	if err := r.ProcessOnce(context.Background()); err == nil {
		t.Fatal("expected execution error to propagate")
	}
	if len(notifier.notified()) != 0 {
		t.Fatal("unsettled run must not be announced")
	}
}

func TestRunnerShutdownSkipsNotification(t *testing.T) {
	run := domain.Run{ID: uuid.New(), Query: "cottagecore kitchen", Phase: domain.PhaseLogin}

	runs := &stubRunSource{claimRun: run, getRun: run}
	machine := &stubExecutor{returnCtxErr: true}
	notifier := &stubNotifier{}

	r := NewRunner(RunnerDeps{Runs: runs, Machine: machine, Notifier: notifier, Logger: discardLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := r.ProcessOnce(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
	if len(notifier.notified()) != 0 {
		t.Fatal("shutdown must not announce anything")
	}
}

func TestRunnerWithoutNotifier(t *testing.T) {
	run := domain.Run{ID: uuid.New(), Query: "cottagecore kitchen", Phase: domain.PhaseLogin}
	runs := &stubRunSource{claimRun: run, getRun: run}

	r := NewRunner(RunnerDeps{Runs: runs, Machine: &stubExecutor{}, Logger: discardLogger()})

	if err := r.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("ProcessOnce without notifier: %v", err)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubRunSource struct {
	mu       sync.Mutex
	claimRun domain.Run
	claimErr error
	claims   int
	getRun   domain.Run
	getErr   error
}

func (s *stubRunSource) ClaimQueuedRun(ctx context.Context, reclaimAfter time.Duration) (domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims++
	if s.claimErr != nil {
		return domain.Run{}, s.claimErr
	}
	return s.claimRun, nil
}

func (s *stubRunSource) GetRun(ctx context.Context, id uuid.UUID) (domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return domain.Run{}, s.getErr
	}
	return s.getRun, nil
}

func (s *stubRunSource) claimCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claims
}

type stubExecutor struct {
	mu           sync.Mutex
	err          error
	returnCtxErr bool
	runs         []domain.Run
}

func (s *stubExecutor) Execute(ctx context.Context, run domain.Run) error {
	s.mu.Lock()
	s.runs = append(s.runs, run)
	s.mu.Unlock()
	if s.returnCtxErr {
		return ctx.Err()
	}
	return s.err
}

func (s *stubExecutor) executions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

func (s *stubExecutor) lastRun() domain.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.runs) == 0 {
		return domain.Run{}
	}
	return s.runs[len(s.runs)-1]
}

type stubNotifier struct {
	mu   sync.Mutex
	runs []domain.Run
}

func (s *stubNotifier) NotifyTerminal(ctx context.Context, run domain.Run) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, run)
}

func (s *stubNotifier) notified() []domain.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Run(nil), s.runs...)
}
