// SPDX-License-Identifier: Apache-2.0

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
	"github.com/pinmatch/pinmatch/internal/repository"
	"github.com/pinmatch/pinmatch/internal/scoring"
)

type ArtifactSource interface {
	ClaimPendingArtifact(ctx context.Context, claimWindow time.Duration, maxAttempts int) (repository.ScoringTask, error)
	ApplyVerdict(ctx context.Context, artifactID uuid.UUID, score float64, label string, valid bool) (bool, error)
	RecordScoringFailure(ctx context.Context, artifactID uuid.UUID, cause string) error
}

type ScoreEngine interface {
	Score(ctx context.Context, mediaURL, query string) (scoring.Verdict, error)
}

type EventAppender interface {
	AppendEvent(ctx context.Context, runID uuid.UUID, kind domain.EventKind, payload any) (domain.EventRecord, error)
}

type ScorerDeps struct {
	Artifacts   ArtifactSource
	Engine      ScoreEngine
	Events      EventAppender
	Logger      *slog.Logger
	ClaimWindow time.Duration
	MaxAttempts int
}

// Scorer claims one pending artifact at a time, scores it against its run's
// query, and settles the verdict. Failed attempts leave the artifact pending
// for a later re-drain until the attempt budget runs out.
type Scorer struct {
	artifacts   ArtifactSource
	engine      ScoreEngine
	events      EventAppender
	logger      *slog.Logger
	claimWindow time.Duration
	maxAttempts int
}

func NewScorer(deps ScorerDeps) *Scorer {
	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}

	window := deps.ClaimWindow
	if window <= 0 {
		window = 2 * time.Minute
	}

	maxAtt := deps.MaxAttempts
	if maxAtt <= 0 {
		maxAtt = 3
	}

	return &Scorer{
		artifacts:   deps.Artifacts,
		engine:      deps.Engine,
		events:      deps.Events,
		logger:      l,
		claimWindow: window,
		maxAttempts: maxAtt,
	}
}

// ProcessOnce claims at most one pending artifact and scores it. No claimable
// artifact is not an error.
func (s *Scorer) ProcessOnce(ctx context.Context) error {
	start := time.Now()
	task, err := s.artifacts.ClaimPendingArtifact(ctx, s.claimWindow, s.maxAttempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		s.logger.Error("claim artifact failed", "error", err)
		return err
	}
	metrics.ObserveClaimLatency("scoring", time.Since(start))

	artifact := task.Artifact
	verdict, err := s.engine.Score(ctx, artifact.MediaURL, task.Query)
	if err != nil {
		if ctx.Err() != nil {
			// shutdown mid-attempt; the claim expires and another scorer retries
			return ctx.Err()
		}

		s.logger.Warn("scoring attempt failed",
			"artifact_id", artifact.ID,
			"run_id", artifact.RunID,
			"attempt", artifact.ScoringAttempts,
			"error", err,
		)
		s.emit(ctx, artifact.RunID, domain.EventError, domain.ErrorPayload{
			Code:    "scoring_unavailable",
			Message: err.Error(),
		})
		return s.artifacts.RecordScoringFailure(ctx, artifact.ID, err.Error())
	}

	applied, err := s.artifacts.ApplyVerdict(ctx, artifact.ID, verdict.Composite, verdict.Label, verdict.Valid)
	if err != nil {
		s.logger.Error("apply verdict failed", "artifact_id", artifact.ID, "error", err)
		return err
	}
	if !applied {
		// a concurrent claimant settled this artifact first
		s.logger.Info("verdict already settled", "artifact_id", artifact.ID)
		return nil
	}

	status := domain.ArtifactApproved
	if !verdict.Valid {
		status = domain.ArtifactDisqualified
	}
	metrics.IncArtifactStatus(string(status))

	s.emit(ctx, artifact.RunID, domain.EventArtifactScored, domain.ArtifactScoredPayload{
		ArtifactID:     artifact.ID,
		CompositeScore: verdict.Composite,
		Label:          verdict.Label,
		Valid:          verdict.Valid,
	})
	s.logger.Info("artifact scored",
		"artifact_id", artifact.ID,
		"run_id", artifact.RunID,
		"composite", verdict.Composite,
		"valid", verdict.Valid,
		"label", verdict.Label,
	)
	return nil
}

func (s *Scorer) emit(ctx context.Context, runID uuid.UUID, kind domain.EventKind, payload any) {
	if _, err := s.events.AppendEvent(ctx, runID, kind, payload); err != nil {
		s.logger.Warn("append event failed", "run_id", runID, "kind", kind, "error", err)
	}
}
