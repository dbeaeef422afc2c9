// SPDX-License-Identifier: Apache-2.0

package domain

import "testing"

func TestRunPhaseConstants(t *testing.T) {
	if PhaseLogin != "LOGIN" {
		t.Fatalf("unexpected PhaseLogin value: %s", PhaseLogin)
	}
	if PhaseCollectionCreate != "COLLECTION_CREATE" {
		t.Fatalf("unexpected PhaseCollectionCreate value: %s", PhaseCollectionCreate)
	}
	if PhaseSeedSave != "SEED_SAVE" {
		t.Fatalf("unexpected PhaseSeedSave value: %s", PhaseSeedSave)
	}
	if PhaseScrape != "SCRAPE" {
		t.Fatalf("unexpected PhaseScrape value: %s", PhaseScrape)
	}
	if PhaseDone != "DONE" {
		t.Fatalf("unexpected PhaseDone value: %s", PhaseDone)
	}
	if PhaseFailed != "FAILED" {
		t.Fatalf("unexpected PhaseFailed value: %s", PhaseFailed)
	}
}

func TestPhaseOrder(t *testing.T) {
	order := []RunPhase{PhaseLogin, PhaseCollectionCreate, PhaseSeedSave, PhaseScrape, PhaseDone}

	for i := 0; i < len(order)-1; i++ {
		next, ok := NextPhase(order[i])
		if !ok {
			t.Fatalf("expected %s to have a next phase", order[i])
		}
		if next != order[i+1] {
			t.Fatalf("expected next of %s to be %s got %s", order[i], order[i+1], next)
		}
	}

	if _, ok := NextPhase(PhaseDone); ok {
		t.Fatal("expected DONE to have no next phase")
	}
	if _, ok := NextPhase(PhaseFailed); ok {
		t.Fatal("expected FAILED to have no next phase")
	}
}

func TestValidTransition(t *testing.T) {
	if !ValidTransition(PhaseLogin, PhaseCollectionCreate) {
		t.Fatal("expected LOGIN -> COLLECTION_CREATE to be valid")
	}
	if ValidTransition(PhaseLogin, PhaseSeedSave) {
		t.Fatal("expected phase skip to be invalid")
	}
	if ValidTransition(PhaseSeedSave, PhaseCollectionCreate) {
		t.Fatal("expected phase repeat to be invalid")
	}

	for _, from := range []RunPhase{PhaseLogin, PhaseCollectionCreate, PhaseSeedSave, PhaseScrape} {
		if !ValidTransition(from, PhaseFailed) {
			t.Fatalf("expected %s -> FAILED to be valid", from)
		}
	}

	if ValidTransition(PhaseDone, PhaseFailed) {
		t.Fatal("expected terminal DONE to allow no transitions")
	}
	if ValidTransition(PhaseFailed, PhaseLogin) {
		t.Fatal("expected terminal FAILED to allow no transitions")
	}
}

func TestArtifactStatusConstants(t *testing.T) {
	if ArtifactPending != "pending" {
		t.Fatalf("unexpected ArtifactPending value: %s", ArtifactPending)
	}
	if ArtifactApproved != "approved" {
		t.Fatalf("unexpected ArtifactApproved value: %s", ArtifactApproved)
	}
	if ArtifactDisqualified != "disqualified" {
		t.Fatalf("unexpected ArtifactDisqualified value: %s", ArtifactDisqualified)
	}
}

func TestArtifactTransitionsAreMonotone(t *testing.T) {
	if !ValidArtifactTransition(ArtifactPending, ArtifactApproved) {
		t.Fatal("expected pending -> approved to be valid")
	}
	if !ValidArtifactTransition(ArtifactPending, ArtifactDisqualified) {
		t.Fatal("expected pending -> disqualified to be valid")
	}
	if ValidArtifactTransition(ArtifactApproved, ArtifactDisqualified) {
		t.Fatal("expected approved -> disqualified to be invalid")
	}
	if ValidArtifactTransition(ArtifactDisqualified, ArtifactApproved) {
		t.Fatal("expected disqualified -> approved to be invalid")
	}
	if ValidArtifactTransition(ArtifactApproved, ArtifactPending) {
		t.Fatal("expected verdicts to never revert to pending")
	}
}

func TestEventKindConstants(t *testing.T) {
	if EventProgress != "progress" {
		t.Fatalf("unexpected EventProgress value: %s", EventProgress)
	}
	if EventArtifactDiscovered != "artifact_discovered" {
		t.Fatalf("unexpected EventArtifactDiscovered value: %s", EventArtifactDiscovered)
	}
	if EventArtifactScored != "artifact_scored" {
		t.Fatalf("unexpected EventArtifactScored value: %s", EventArtifactScored)
	}
	if EventError != "error" {
		t.Fatalf("unexpected EventError value: %s", EventError)
	}
}
