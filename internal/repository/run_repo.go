package repository

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pinmatch/pinmatch/internal/domain"
)

// Serializes backlog check + insert so the queue limit is exact.
const submitLockID int64 = 0x50494e5f53554254 // "PIN_SUBT"

type RunRepository struct {
	pool         *pgxpool.Pool
	logger       *slog.Logger
	backlogLimit int
}

func NewRunRepository(pool *pgxpool.Pool, logger *slog.Logger, backlogLimit int) *RunRepository {
	if logger == nil {
		logger = slog.Default()
	}
	if backlogLimit <= 0 {
		backlogLimit = 16
	}

	return &RunRepository{
		pool:         pool,
		logger:       logger,
		backlogLimit: backlogLimit,
	}
}

// CreateRun enqueues a new run for the given query. When the unclaimed
// backlog is at the limit the submission is rejected with ErrQueueFull and
// nothing is persisted.
func (r *RunRepository) CreateRun(ctx context.Context, query string) (uuid.UUID, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return uuid.Nil, domain.ErrEmptyQuery
	}

	runID := uuid.New()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		r.logger.Error("begin tx failed", "error", err)
		return uuid.Nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, submitLockID); err != nil {
		r.logger.Error("acquire submit lock failed", "error", err)
		return uuid.Nil, err
	}

	var backlog int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM runs WHERE claimed_at IS NULL AND NOT terminal`,
	).Scan(&backlog); err != nil {
		r.logger.Error("count backlog failed", "error", err)
		return uuid.Nil, err
	}

	if backlog >= r.backlogLimit {
		r.logger.Warn("run rejected: queue full",
			"backlog", backlog,
			"limit", r.backlogLimit,
		)
		return uuid.Nil, domain.ErrQueueFull
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO runs (id, query, phase) VALUES ($1, $2, $3)`,
		runID, query, domain.PhaseLogin,
	); err != nil {
		r.logger.Error("insert run failed", "run_id", runID, "error", err)
		return uuid.Nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		r.logger.Error("commit failed", "run_id", runID, "error", err)
		return uuid.Nil, err
	}

	r.logger.Info("run created", "run_id", runID)
	return runID, nil
}

func (r *RunRepository) GetRun(ctx context.Context, id uuid.UUID) (domain.Run, error) {
	var (
		run    domain.Run
		reason *string
	)

	err := r.pool.QueryRow(ctx, `
		SELECT id, query, phase, terminal, failure_reason, cancel_requested, collection_id, created_at, updated_at
		FROM runs
		WHERE id=$1
	`, id).Scan(
		&run.ID,
		&run.Query,
		&run.Phase,
		&run.Terminal,
		&reason,
		&run.CancelRequested,
		&run.CollectionID,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		r.logger.Error("get run failed", "run_id", id, "error", err)
		return domain.Run{}, err
	}

	if reason != nil {
		run.FailureReason = domain.FailureReason(*reason)
	}

	return run, nil
}

// ClaimQueuedRun claims the oldest runnable run for a single worker. A run
// is runnable when it was never claimed, or when its claim is older than
// reclaimAfter (the previous worker is assumed dead). FOR UPDATE SKIP LOCKED
// keeps concurrent workers off the same row, so at most one worker drives a
// run at any time.
func (r *RunRepository) ClaimQueuedRun(ctx context.Context, reclaimAfter time.Duration) (domain.Run, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.Run{}, err
	}
	defer tx.Rollback(ctx)

	reclaimBefore := time.Now().Add(-reclaimAfter)

	var run domain.Run
	err = tx.QueryRow(ctx, `
		SELECT id, query, phase, terminal, cancel_requested, collection_id, created_at, updated_at
		FROM runs
		WHERE NOT terminal
		  AND (claimed_at IS NULL OR claimed_at < $1)
		ORDER BY created_at ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`, reclaimBefore).Scan(
		&run.ID,
		&run.Query,
		&run.Phase,
		&run.Terminal,
		&run.CancelRequested,
		&run.CollectionID,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return domain.Run{}, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE runs SET claimed_at=NOW(), updated_at=NOW() WHERE id=$1`,
		run.ID,
	); err != nil {
		return domain.Run{}, err
	}

	return run, tx.Commit(ctx)
}

// UpdatePhase advances a non-terminal run to the given phase.
func (r *RunRepository) UpdatePhase(ctx context.Context, runID uuid.UUID, phase domain.RunPhase) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE runs SET phase=$2, updated_at=NOW() WHERE id=$1 AND NOT terminal`,
		runID, phase,
	)
	if err != nil {
		r.logger.Error("update run phase failed", "run_id", runID, "phase", phase, "error", err)
	}
	return err
}

// SetCollectionID records the site collection backing this run, so a
// reclaimed run resumes against the same collection instead of creating a
// second one.
func (r *RunRepository) SetCollectionID(ctx context.Context, runID uuid.UUID, collectionID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE runs SET collection_id=$2, updated_at=NOW() WHERE id=$1 AND NOT terminal`,
		runID, collectionID,
	)
	if err != nil {
		r.logger.Error("set run collection failed", "run_id", runID, "error", err)
	}
	return err
}

func (r *RunRepository) MarkDone(ctx context.Context, runID uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE runs SET phase=$2, terminal=TRUE, updated_at=NOW() WHERE id=$1 AND NOT terminal`,
		runID, domain.PhaseDone,
	)
	if err != nil {
		r.logger.Error("mark run done failed", "run_id", runID, "error", err)
	}
	return err
}

func (r *RunRepository) MarkFailed(ctx context.Context, runID uuid.UUID, reason domain.FailureReason) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE runs
		SET phase=$2, terminal=TRUE, failure_reason=$3, updated_at=NOW()
		WHERE id=$1 AND NOT terminal
	`, runID, domain.PhaseFailed, reason)
	if err != nil {
		r.logger.Error("mark run failed failed", "run_id", runID, "reason", reason, "error", err)
	}
	return err
}

// RequestCancel flags the run for cancellation. The worker observes the flag
// at its next phase boundary; requesting cancel on a terminal run is a no-op.
func (r *RunRepository) RequestCancel(ctx context.Context, runID uuid.UUID) error {
	cmd, err := r.pool.Exec(ctx,
		`UPDATE runs SET cancel_requested=TRUE, updated_at=NOW() WHERE id=$1`,
		runID,
	)
	if err != nil {
		r.logger.Error("request cancel failed", "run_id", runID, "error", err)
		return err
	}
	if cmd.RowsAffected() == 0 {
		return domain.ErrRunNotFound
	}

	r.logger.Info("run cancel requested", "run_id", runID)
	return nil
}

func (r *RunRepository) CancelRequested(ctx context.Context, runID uuid.UUID) (bool, error) {
	var requested bool
	err := r.pool.QueryRow(ctx,
		`SELECT cancel_requested FROM runs WHERE id=$1`,
		runID,
	).Scan(&requested)
	if err != nil {
		r.logger.Error("read cancel flag failed", "run_id", runID, "error", err)
		return false, err
	}
	return requested, nil
}
