// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type EventKind string

const (
	EventProgress           EventKind = "progress"
	EventArtifactDiscovered EventKind = "artifact_discovered"
	EventArtifactScored     EventKind = "artifact_scored"
	EventError              EventKind = "error"
)

type EventRecord struct {
	ID        uuid.UUID       `json:"id"`
	Seq       int64           `json:"seq"`
	RunID     uuid.UUID       `json:"run_id"`
	Kind      EventKind       `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type ProgressPayload struct {
	Phase   RunPhase `json:"phase"`
	Message string   `json:"message"`
}

type ArtifactDiscoveredPayload struct {
	ArtifactID uuid.UUID `json:"artifact_id"`
	SourceURL  string    `json:"source_url"`
	MediaURL   string    `json:"media_url"`
	Title      string    `json:"title,omitempty"`
}

type ArtifactScoredPayload struct {
	ArtifactID     uuid.UUID `json:"artifact_id"`
	CompositeScore float64   `json:"composite_score"`
	Label          string    `json:"label,omitempty"`
	Valid          bool      `json:"valid"`
}

// ErrorPayload carries a stable machine-readable code; the codes are the
// FailureReason values plus "scoring_unavailable".
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}
