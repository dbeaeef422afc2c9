// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"time"

	"github.com/google/uuid"
)

type ArtifactStatus string

const (
	ArtifactPending      ArtifactStatus = "pending"
	ArtifactApproved     ArtifactStatus = "approved"
	ArtifactDisqualified ArtifactStatus = "disqualified"
)

type Artifact struct {
	ID              uuid.UUID      `json:"id"`
	RunID           uuid.UUID      `json:"run_id"`
	SourceURL       string         `json:"source_url"`
	MediaURL        string         `json:"media_url"`
	Title           string         `json:"title,omitempty"`
	Description     string         `json:"description,omitempty"`
	Status          ArtifactStatus `json:"status"`
	CompositeScore  *float64       `json:"composite_score,omitempty"`
	Label           string         `json:"label,omitempty"`
	ScoringAttempts int            `json:"scoring_attempts"`
	LastError       string         `json:"last_error,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// ValidArtifactTransition reports whether an artifact status change is
// allowed. Transitions are monotone: pending may become approved or
// disqualified, and nothing ever leaves a verdict state.
func ValidArtifactTransition(from, to ArtifactStatus) bool {
	if from != ArtifactPending {
		return false
	}
	return to == ArtifactApproved || to == ArtifactDisqualified
}
