package domain

import (
	"time"

	"github.com/google/uuid"
)

type RunPhase string

const (
	PhaseLogin            RunPhase = "LOGIN"
	PhaseCollectionCreate RunPhase = "COLLECTION_CREATE"
	PhaseSeedSave         RunPhase = "SEED_SAVE"
	PhaseScrape           RunPhase = "SCRAPE"
	PhaseDone             RunPhase = "DONE"
	PhaseFailed           RunPhase = "FAILED"
)

type FailureReason string

const (
	FailureAuthFailed     FailureReason = "auth_failed"
	FailureDuplicateName  FailureReason = "duplicate_name"
	FailureNamingRejected FailureReason = "naming_rejected"
	FailureSeedSaveFailed FailureReason = "seed_save_failed"
	FailureScrapeFailed   FailureReason = "scrape_failed"
	FailureCancelled      FailureReason = "cancelled"
)

type Run struct {
	ID              uuid.UUID     `json:"id"`
	Query           string        `json:"query"`
	Phase           RunPhase      `json:"phase"`
	Terminal        bool          `json:"terminal"`
	FailureReason   FailureReason `json:"failure_reason,omitempty"`
	CancelRequested bool          `json:"cancel_requested"`
	CollectionID    string        `json:"collection_id,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

func (p RunPhase) IsTerminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

// NextPhase returns the phase that follows p on the success path.
func NextPhase(p RunPhase) (RunPhase, bool) {
	switch p {
	case PhaseLogin:
		return PhaseCollectionCreate, true
	case PhaseCollectionCreate:
		return PhaseSeedSave, true
	case PhaseSeedSave:
		return PhaseScrape, true
	case PhaseScrape:
		return PhaseDone, true
	default:
		return "", false
	}
}

// ValidTransition reports whether a run may move between the given phases.
// FAILED is reachable from any non-terminal phase; otherwise only the next
// phase on the success path is allowed. Phases never skip or repeat.
func ValidTransition(from, to RunPhase) bool {
	if from.IsTerminal() {
		return false
	}
	if to == PhaseFailed {
		return true
	}
	next, ok := NextPhase(from)
	return ok && to == next
}
