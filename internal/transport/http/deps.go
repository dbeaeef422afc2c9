// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/pinmatch/pinmatch/internal/domain"
	"github.com/pinmatch/pinmatch/internal/registry"
)

// RunService accepts and inspects runs; the run repository satisfies this.
type RunService interface {
	CreateRun(ctx context.Context, query string) (uuid.UUID, error)
	GetRun(ctx context.Context, id uuid.UUID) (domain.Run, error)
	RequestCancel(ctx context.Context, runID uuid.UUID) error
}

// ArtifactLister reads the artifacts discovered for a run.
type ArtifactLister interface {
	ListArtifacts(ctx context.Context, runID uuid.UUID) ([]domain.Artifact, error)
}

// EventStream hands out live per-run event connections.
type EventStream interface {
	Attach(ctx context.Context, runID uuid.UUID) (*registry.Conn, error)
	Detach(runID uuid.UUID, conn *registry.Conn)
}

// HealthChecker reports whether the service can reach its dependencies.
type HealthChecker interface {
	Check(ctx context.Context) error
}

// Deps wires the router's collaborators. Logger defaults to slog.Default
// when nil.
type Deps struct {
	Runs      RunService
	Artifacts ArtifactLister
	Streams   EventStream
	Health    HealthChecker
	Logger    *slog.Logger

	// SubmitRatePerMinute throttles POST /runs per client address.
	// Zero or less disables throttling.
	SubmitRatePerMinute int

	Version   string
	Commit    string
	BuildDate string
}
