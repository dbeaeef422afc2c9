// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pinmatch/pinmatch/internal/domain"
)

type ArtifactRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewArtifactRepository(pool *pgxpool.Pool, logger *slog.Logger) *ArtifactRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &ArtifactRepository{
		pool:   pool,
		logger: logger,
	}
}

// ScoringTask is one claimed pending artifact together with the query it
// must be judged against.
type ScoringTask struct {
	Artifact domain.Artifact
	Query    string
}

// CreateArtifact records a discovered artifact as pending. Rediscovery of
// the same source within a run is ignored; the bool reports whether a new
// row was written.
func (r *ArtifactRepository) CreateArtifact(ctx context.Context, a domain.Artifact) (bool, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}

	cmd, err := r.pool.Exec(ctx, `
		INSERT INTO artifacts (id, run_id, source_url, media_url, title, description, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id, source_url) DO NOTHING
	`,
		a.ID,
		a.RunID,
		a.SourceURL,
		a.MediaURL,
		a.Title,
		a.Description,
		domain.ArtifactPending,
	)
	if err != nil {
		r.logger.Error("insert artifact failed",
			"run_id", a.RunID,
			"source_url", a.SourceURL,
			"error", err,
		)
		return false, err
	}

	return cmd.RowsAffected() == 1, nil
}

func (r *ArtifactRepository) ListArtifacts(ctx context.Context, runID uuid.UUID) ([]domain.Artifact, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, run_id, source_url, media_url, title, description, status,
		       composite_score, label, scoring_attempts, last_error, created_at
		FROM artifacts
		WHERE run_id=$1
		ORDER BY created_at ASC
	`, runID)
	if err != nil {
		r.logger.Error("list artifacts query failed", "run_id", runID, "error", err)
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Artifact, 0, 8)
	for rows.Next() {
		var a domain.Artifact
		if err := rows.Scan(
			&a.ID,
			&a.RunID,
			&a.SourceURL,
			&a.MediaURL,
			&a.Title,
			&a.Description,
			&a.Status,
			&a.CompositeScore,
			&a.Label,
			&a.ScoringAttempts,
			&a.LastError,
			&a.CreatedAt,
		); err != nil {
			r.logger.Error("scan artifact row failed", "run_id", runID, "error", err)
			return nil, err
		}
		out = append(out, a)
	}

	if err := rows.Err(); err != nil {
		r.logger.Error("artifact rows iteration failed", "run_id", runID, "error", err)
		return nil, err
	}

	return out, nil
}

// CountForRun reports how many artifacts a run has recorded so far. The
// worker uses it to resume the item budget after a reclaim.
func (r *ArtifactRepository) CountForRun(ctx context.Context, runID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM artifacts WHERE run_id=$1`,
		runID,
	).Scan(&n)
	if err != nil {
		r.logger.Error("count artifacts failed", "run_id", runID, "error", err)
		return 0, err
	}
	return n, nil
}

// ClaimPendingArtifact claims one scorable artifact: pending, under the
// attempt cap, and not claimed within claimWindow. Every claim counts as an
// attempt. Row locking keeps concurrent scorers off the same artifact.
func (r *ArtifactRepository) ClaimPendingArtifact(ctx context.Context, claimWindow time.Duration, maxAttempts int) (ScoringTask, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return ScoringTask{}, err
	}
	defer tx.Rollback(ctx)

	claimBefore := time.Now().Add(-claimWindow)

	var task ScoringTask
	err = tx.QueryRow(ctx, `
		SELECT a.id, a.run_id, a.source_url, a.media_url, a.title, a.description,
		       a.status, a.scoring_attempts, a.created_at, r.query
		FROM artifacts a
		JOIN runs r ON a.run_id = r.id
		WHERE a.status = $1
		  AND a.scoring_attempts < $2
		  AND (a.scoring_claimed_at IS NULL OR a.scoring_claimed_at < $3)
		ORDER BY a.created_at ASC
		FOR UPDATE OF a SKIP LOCKED
		LIMIT 1
	`,
		domain.ArtifactPending,
		maxAttempts,
		claimBefore,
	).Scan(
		&task.Artifact.ID,
		&task.Artifact.RunID,
		&task.Artifact.SourceURL,
		&task.Artifact.MediaURL,
		&task.Artifact.Title,
		&task.Artifact.Description,
		&task.Artifact.Status,
		&task.Artifact.ScoringAttempts,
		&task.Artifact.CreatedAt,
		&task.Query,
	)
	if err != nil {
		return ScoringTask{}, err
	}

	if _, err := tx.Exec(ctx, `
		UPDATE artifacts
		SET scoring_claimed_at=NOW(),
		    scoring_attempts = scoring_attempts + 1
		WHERE id=$1
	`, task.Artifact.ID); err != nil {
		return ScoringTask{}, err
	}
	task.Artifact.ScoringAttempts++

	return task, tx.Commit(ctx)
}

// ApplyVerdict moves a pending artifact to its verdict state. The status
// guard makes the transition monotone and ensures that when two scorers
// race on the same artifact exactly one verdict lands; the bool reports
// whether this call was the one that applied.
func (r *ArtifactRepository) ApplyVerdict(ctx context.Context, artifactID uuid.UUID, score float64, label string, valid bool) (bool, error) {
	status := domain.ArtifactDisqualified
	if valid {
		status = domain.ArtifactApproved
	}

	cmd, err := r.pool.Exec(ctx, `
		UPDATE artifacts
		SET status=$2, composite_score=$3, label=$4, last_error=''
		WHERE id=$1 AND status=$5
	`,
		artifactID,
		status,
		score,
		label,
		domain.ArtifactPending,
	)
	if err != nil {
		r.logger.Error("apply verdict failed", "artifact_id", artifactID, "error", err)
		return false, err
	}

	return cmd.RowsAffected() == 1, nil
}

// RecordScoringFailure leaves the artifact pending and eligible for a later
// re-drain: the cause is recorded and the claim is released. Once the
// attempt cap is reached the claim query stops picking the artifact up.
func (r *ArtifactRepository) RecordScoringFailure(ctx context.Context, artifactID uuid.UUID, cause string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE artifacts
		SET last_error=$2, scoring_claimed_at=NULL
		WHERE id=$1 AND status=$3
	`,
		artifactID,
		cause,
		domain.ArtifactPending,
	)
	if err != nil {
		r.logger.Error("record scoring failure failed", "artifact_id", artifactID, "error", err)
	}
	return err
}
