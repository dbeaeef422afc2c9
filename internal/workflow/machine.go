// SPDX-License-Identifier: Apache-2.0

// Package workflow drives one run through its phases: LOGIN,
// COLLECTION_CREATE, SEED_SAVE, SCRAPE, then DONE, or FAILED with a typed
// reason. Side-effecting steps run once; only the idempotent related-items
// poll is retried. Cancellation is honored at phase boundaries.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pinmatch/pinmatch/internal/automation"
	"github.com/pinmatch/pinmatch/internal/config"
	"github.com/pinmatch/pinmatch/internal/domain"
	"github.com/pinmatch/pinmatch/internal/metrics"
)

type RunStore interface {
	UpdatePhase(ctx context.Context, runID uuid.UUID, phase domain.RunPhase) error
	SetCollectionID(ctx context.Context, runID uuid.UUID, collectionID string) error
	MarkDone(ctx context.Context, runID uuid.UUID) error
	MarkFailed(ctx context.Context, runID uuid.UUID, reason domain.FailureReason) error
	CancelRequested(ctx context.Context, runID uuid.UUID) (bool, error)
}

type ArtifactStore interface {
	CreateArtifact(ctx context.Context, artifact domain.Artifact) (bool, error)
	CountForRun(ctx context.Context, runID uuid.UUID) (int, error)
}

type EventAppender interface {
	AppendEvent(ctx context.Context, runID uuid.UUID, kind domain.EventKind, payload any) (domain.EventRecord, error)
}

// DriverFactory builds a fresh site session for one run. Sessions are never
// shared between runs.
type DriverFactory func() (automation.Driver, error)

var errRunCancelled = errors.New("run cancelled")

type Machine struct {
	runs      RunStore
	artifacts ArtifactStore
	events    EventAppender
	newDriver DriverFactory
	cfg       config.WorkflowConfig
	logger    *slog.Logger
}

func NewMachine(
	runs RunStore,
	artifacts ArtifactStore,
	events EventAppender,
	newDriver DriverFactory,
	cfg config.WorkflowConfig,
	logger *slog.Logger,
) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		runs:      runs,
		artifacts: artifacts,
		events:    events,
		newDriver: newDriver,
		cfg:       cfg,
		logger:    logger,
	}
}

// Execute drives a claimed run to a terminal phase. Workflow failures settle
// the run as FAILED before returning, so the returned error is for logging
// only; an error from a cancelled context leaves the run claimable again
// after the reclaim window. A reclaimed run resumes from its stored phase
// and collection instead of redoing completed side effects.
func (m *Machine) Execute(ctx context.Context, run domain.Run) error {
	logger := m.logger.With("run_id", run.ID, "query", run.Query)

	driver, err := m.newDriver()
	if err != nil {
		return fmt.Errorf("new site session: %w", err)
	}

	if m.boundary(ctx, run.ID) {
		return nil
	}

	// a fresh session always signs in, whatever phase the run resumes from
	if run.Phase == domain.PhaseLogin {
		metrics.IncRunPhase(string(domain.PhaseLogin))
		m.progress(ctx, run.ID, domain.PhaseLogin, "signing in")
	}
	if err := driver.Login(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return m.fail(ctx, logger, run.ID, domain.FailureAuthFailed, err)
	}

	collectionID := run.CollectionID
	if collectionID == "" {
		if m.boundary(ctx, run.ID) {
			return nil
		}
		m.transition(ctx, run.ID, domain.PhaseCollectionCreate)
		m.progress(ctx, run.ID, domain.PhaseCollectionCreate, "creating collection")

		collectionID, err = driver.CreateCollection(ctx, run.Query)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return m.fail(ctx, logger, run.ID, createFailureReason(err), err)
		}
		if err := m.runs.SetCollectionID(ctx, run.ID, collectionID); err != nil {
			logger.Warn("persist collection id failed", "error", err)
		}
	}

	if run.Phase != domain.PhaseScrape {
		if m.boundary(ctx, run.ID) {
			return nil
		}
		m.transition(ctx, run.ID, domain.PhaseSeedSave)
		m.progress(ctx, run.ID, domain.PhaseSeedSave, "saving seed items")

		if err := m.saveSeeds(ctx, logger, run, driver, collectionID); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return m.fail(ctx, logger, run.ID, domain.FailureSeedSaveFailed, err)
		}
	}

	if m.boundary(ctx, run.ID) {
		return nil
	}
	m.transition(ctx, run.ID, domain.PhaseScrape)
	m.progress(ctx, run.ID, domain.PhaseScrape, "collecting related items")

	if err := m.scrape(ctx, logger, run, driver, collectionID); err != nil {
		if errors.Is(err, errRunCancelled) {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return m.fail(ctx, logger, run.ID, domain.FailureScrapeFailed, err)
	}

	if err := m.runs.MarkDone(ctx, run.ID); err != nil {
		return fmt.Errorf("mark done: %w", err)
	}
	metrics.IncRunPhase(string(domain.PhaseDone))
	m.progress(ctx, run.ID, domain.PhaseDone, "run complete")
	logger.Info("run complete")
	return nil
}

// saveSeeds searches the query and saves results into the collection. The
// phase fails only when not a single save succeeds.
func (m *Machine) saveSeeds(ctx context.Context, logger *slog.Logger, run domain.Run, driver automation.Driver, collectionID string) error {
	seeds, err := driver.SearchItems(ctx, run.Query, m.cfg.SeedCount)
	if err != nil {
		return fmt.Errorf("search seed items: %w", err)
	}
	if len(seeds) == 0 {
		return fmt.Errorf("no seed items found for query")
	}

	saved := 0
	for _, item := range seeds {
		if err := driver.SaveToCollection(ctx, collectionID, item); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Warn("seed save failed", "source_url", item.SourceURL, "error", err)
			continue
		}
		saved++
	}
	if saved == 0 {
		return fmt.Errorf("all %d seed saves failed", len(seeds))
	}

	logger.Info("seeds saved", "saved", saved, "found", len(seeds))
	return nil
}

// scrape polls the related-items grid until the item budget is met or the
// grid stops yielding anything new for StallPolls consecutive polls. Items
// are deduplicated by source URL within the run.
func (m *Machine) scrape(ctx context.Context, logger *slog.Logger, run domain.Run, driver automation.Driver, collectionID string) error {
	count, err := m.artifacts.CountForRun(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("count artifacts: %w", err)
	}

	seen := make(map[string]struct{})
	stall := 0

	for count < m.cfg.ItemBudget {
		items, err := m.pollRelated(ctx, logger, driver, collectionID)
		if err != nil {
			return err
		}

		discovered := 0
		for _, item := range items {
			if count >= m.cfg.ItemBudget {
				break
			}
			if _, dup := seen[item.SourceURL]; dup {
				continue
			}
			seen[item.SourceURL] = struct{}{}

			artifact := domain.Artifact{
				ID:          uuid.New(),
				RunID:       run.ID,
				SourceURL:   item.SourceURL,
				MediaURL:    item.MediaURL,
				Title:       item.Title,
				Description: item.Description,
				Status:      domain.ArtifactPending,
			}
			inserted, err := m.artifacts.CreateArtifact(ctx, artifact)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logger.Warn("store artifact failed", "source_url", item.SourceURL, "error", err)
				continue
			}
			if !inserted {
				// already discovered during an earlier claim
				continue
			}

			count++
			discovered++
			metrics.IncArtifactStatus(string(domain.ArtifactPending))
			m.emit(ctx, run.ID, domain.EventArtifactDiscovered, domain.ArtifactDiscoveredPayload{
				ArtifactID: artifact.ID,
				SourceURL:  artifact.SourceURL,
				MediaURL:   artifact.MediaURL,
				Title:      artifact.Title,
			})
		}

		if discovered == 0 {
			stall++
			if stall >= m.cfg.StallPolls {
				logger.Info("scrape stalled, finishing", "polls", stall, "collected", count)
				return nil
			}
		} else {
			stall = 0
		}

		if count >= m.cfg.ItemBudget {
			break
		}

		if m.boundary(ctx, run.ID) {
			return errRunCancelled
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.cfg.PollBackoff()):
		}
	}

	logger.Info("scrape complete", "collected", count)
	return nil
}

// pollRelated is the only retried interaction: the grid read is idempotent.
// Retries use a fixed backoff.
func (m *Machine) pollRelated(ctx context.Context, logger *slog.Logger, driver automation.Driver, collectionID string) ([]automation.Item, error) {
	var lastErr error
	for attempt := 0; attempt <= m.cfg.PollRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(m.cfg.PollBackoff()):
			}
		}

		items, err := driver.RelatedItems(ctx, collectionID)
		if err == nil {
			return items, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		logger.Warn("related items poll failed", "attempt", attempt+1, "error", err)
	}
	return nil, fmt.Errorf("related items poll: %w", lastErr)
}

// boundary checks the cancellation flag between phases. When cancellation is
// requested the run is settled as FAILED/cancelled and true is returned.
func (m *Machine) boundary(ctx context.Context, runID uuid.UUID) bool {
	cancelled, err := m.runs.CancelRequested(ctx, runID)
	if err != nil {
		m.logger.Warn("cancel check failed", "run_id", runID, "error", err)
		return false
	}
	if !cancelled {
		return false
	}

	m.emit(ctx, runID, domain.EventError, domain.ErrorPayload{
		Code:    string(domain.FailureCancelled),
		Message: "cancellation requested",
	})
	if err := m.runs.MarkFailed(ctx, runID, domain.FailureCancelled); err != nil {
		m.logger.Error("mark run cancelled failed", "run_id", runID, "error", err)
	}
	metrics.IncRunPhase(string(domain.PhaseFailed))
	metrics.IncRunFailure(string(domain.FailureCancelled))
	m.logger.Info("run cancelled", "run_id", runID)
	return true
}

func (m *Machine) fail(ctx context.Context, logger *slog.Logger, runID uuid.UUID, reason domain.FailureReason, cause error) error {
	m.emit(ctx, runID, domain.EventError, domain.ErrorPayload{
		Code:    string(reason),
		Message: cause.Error(),
	})
	if err := m.runs.MarkFailed(ctx, runID, reason); err != nil {
		logger.Error("mark run failed", "reason", reason, "error", err)
	}
	metrics.IncRunPhase(string(domain.PhaseFailed))
	metrics.IncRunFailure(string(reason))
	logger.Warn("run failed", "reason", reason, "error", cause)
	return fmt.Errorf("%s: %w", reason, cause)
}

func (m *Machine) transition(ctx context.Context, runID uuid.UUID, phase domain.RunPhase) {
	if err := m.runs.UpdatePhase(ctx, runID, phase); err != nil {
		m.logger.Warn("phase update failed", "run_id", runID, "phase", phase, "error", err)
	}
	metrics.IncRunPhase(string(phase))
}

// progress announces the upcoming phase interaction before it starts.
func (m *Machine) progress(ctx context.Context, runID uuid.UUID, phase domain.RunPhase, message string) {
	m.emit(ctx, runID, domain.EventProgress, domain.ProgressPayload{Phase: phase, Message: message})
}

func (m *Machine) emit(ctx context.Context, runID uuid.UUID, kind domain.EventKind, payload any) {
	if _, err := m.events.AppendEvent(ctx, runID, kind, payload); err != nil {
		m.logger.Warn("append event failed", "run_id", runID, "kind", kind, "error", err)
	}
}

func createFailureReason(err error) domain.FailureReason {
	switch {
	case errors.Is(err, domain.ErrDuplicateName):
		return domain.FailureDuplicateName
	case errors.Is(err, domain.ErrAuthFailed):
		return domain.FailureAuthFailed
	default:
		return domain.FailureNamingRejected
	}
}
