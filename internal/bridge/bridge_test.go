// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/pinmatch/pinmatch/internal/domain"
)

func TestNew(t *testing.T) {
	logger := discardLogger()
	lister := &stubEventLister{}

	b := New(nil, lister, logger)
	if b == nil {
		t.Fatal("expected bridge instance")
	}
	if b.events != lister {
		t.Fatal("expected event lister reference to be preserved")
	}
	if b.logger != logger {
		t.Fatal("expected logger reference to be preserved")
	}
	if b.pollInterval != defaultPollInterval {
		t.Fatalf("expected default poll interval, got %s", b.pollInterval)
	}
}

func TestNewDefaultsLogger(t *testing.T) {
	b := New(nil, &stubEventLister{}, nil)
	if b.logger == nil {
		t.Fatal("expected nil logger to be replaced with a default")
	}
}

func TestDrainForwardsInOrder(t *testing.T) {
	runID := uuid.New()
	lister := &stubEventLister{records: []domain.EventRecord{
		{Seq: 1, RunID: runID, Kind: domain.EventProgress},
		{Seq: 2, RunID: runID, Kind: domain.EventArtifactDiscovered},
		{Seq: 3, RunID: runID, Kind: domain.EventArtifactScored},
	}}
	b := New(nil, lister, discardLogger())

	ch := make(chan domain.EventRecord, 8)
	next, err := b.drain(context.Background(), runID, 1, ch)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if next != 3 {
		t.Fatalf("expected cursor 3 got %d", next)
	}

	first := <-ch
	second := <-ch
	if first.Seq != 2 || second.Seq != 3 {
		t.Fatalf("expected events after cursor in order, got seq %d then %d", first.Seq, second.Seq)
	}
	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra event seq %d", extra.Seq)
	default:
	}
}

func TestDrainStopsOnCancelledContext(t *testing.T) {
	runID := uuid.New()
	lister := &stubEventLister{records: []domain.EventRecord{
		{Seq: 1, RunID: runID, Kind: domain.EventProgress},
	}}
	b := New(nil, lister, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ch := make(chan domain.EventRecord)
	next, err := b.drain(ctx, runID, 0, ch)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled got %v", err)
	}
	if next != 0 {
		t.Fatalf("expected cursor to stay 0 got %d", next)
	}
}

func TestDrainKeepsCursorOnListError(t *testing.T) {
	lister := &stubEventLister{err: errors.New("connection refused")}
	b := New(nil, lister, discardLogger())

	ch := make(chan domain.EventRecord, 1)
	next, err := b.drain(context.Background(), uuid.New(), 5, ch)
	if err == nil {
		t.Fatal("expected list error to propagate")
	}
	if next != 5 {
		t.Fatalf("expected cursor to stay 5 got %d", next)
	}
}

type stubEventLister struct {
	records []domain.EventRecord
	latest  int64
	err     error
}

func (s *stubEventLister) ListEventsAfter(_ context.Context, _ uuid.UUID, afterSeq int64) ([]domain.EventRecord, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []domain.EventRecord
	for _, record := range s.records {
		if record.Seq > afterSeq {
			out = append(out, record)
		}
	}
	return out, nil
}

func (s *stubEventLister) LatestSeq(context.Context, uuid.UUID) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	return s.latest, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
