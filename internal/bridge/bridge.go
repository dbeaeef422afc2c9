// SPDX-License-Identifier: Apache-2.0

// Package bridge fans run events out of Postgres into in-process channels.
// The event repository emits a NOTIFY on the run_events channel inside the
// insert transaction; subscribers here hold a dedicated LISTEN connection
// and fall back to interval polling when notifications cannot be used.
package bridge

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pinmatch/pinmatch/internal/domain"
	"github.com/pinmatch/pinmatch/internal/repository"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	subscriptionBuffer  = 64
)

// EventLister is the slice of the event repository the bridge depends on.
type EventLister interface {
	ListEventsAfter(ctx context.Context, runID uuid.UUID, afterSeq int64) ([]domain.EventRecord, error)
	LatestSeq(ctx context.Context, runID uuid.UUID) (int64, error)
}

type Bridge struct {
	pool         *pgxpool.Pool
	events       EventLister
	logger       *slog.Logger
	pollInterval time.Duration
}

func New(pool *pgxpool.Pool, events EventLister, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		pool:         pool,
		events:       events,
		logger:       logger,
		pollInterval: defaultPollInterval,
	}
}

// Subscribe opens an ordered stream of events for one run. Only events
// appended after the subscription is established are delivered; there is no
// replay. The returned stop function tears the stream down and the channel is
// closed once the relay goroutine exits.
func (b *Bridge) Subscribe(ctx context.Context, runID uuid.UUID) (<-chan domain.EventRecord, func(), error) {
	subCtx, cancel := context.WithCancel(ctx)

	conn, err := b.pool.Acquire(subCtx)
	if err != nil {
		cancel()
		return nil, nil, err
	}

	if _, err := conn.Exec(subCtx, "LISTEN "+repository.EventsChannel); err != nil {
		conn.Release()
		cancel()
		return nil, nil, err
	}

	// Cursor is taken after LISTEN is active, so every later event either
	// notifies this connection or is picked up by the interval drain.
	cursor, err := b.events.LatestSeq(subCtx, runID)
	if err != nil {
		conn.Release()
		cancel()
		return nil, nil, err
	}

	ch := make(chan domain.EventRecord, subscriptionBuffer)
	go b.relay(subCtx, conn, runID, cursor, ch)

	return ch, cancel, nil
}

func (b *Bridge) relay(ctx context.Context, conn *pgxpool.Conn, runID uuid.UUID, cursor int64, ch chan<- domain.EventRecord) {
	defer close(ch)
	defer conn.Release()

	for {
		waitCtx, cancelWait := context.WithTimeout(ctx, b.pollInterval)
		_, err := conn.Conn().WaitForNotification(waitCtx)
		cancelWait()

		if ctx.Err() != nil {
			return
		}
		if err != nil && !pgconn.Timeout(err) {
			b.logger.Warn("listen connection lost, switching to polling",
				"run_id", runID,
				"error", err,
			)
			conn.Release()
			b.pollOnly(ctx, runID, cursor, ch)
			return
		}

		// Drains on every wake; notifications are not filtered by run.
		cursor = b.drainLogged(ctx, runID, cursor, ch)
	}
}

func (b *Bridge) pollOnly(ctx context.Context, runID uuid.UUID, cursor int64, ch chan<- domain.EventRecord) {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		cursor = b.drainLogged(ctx, runID, cursor, ch)
	}
}

func (b *Bridge) drainLogged(ctx context.Context, runID uuid.UUID, cursor int64, ch chan<- domain.EventRecord) int64 {
	next, err := b.drain(ctx, runID, cursor, ch)
	if err != nil && ctx.Err() == nil {
		b.logger.Error("event drain failed",
			"run_id", runID,
			"after_seq", cursor,
			"error", err,
		)
	}
	return next
}

// drain forwards every event past the cursor, in seq order, and returns the
// advanced cursor. Sends block: the bridge delivers to a single consumer that
// is responsible for its own fan-out.
func (b *Bridge) drain(ctx context.Context, runID uuid.UUID, cursor int64, ch chan<- domain.EventRecord) (int64, error) {
	records, err := b.events.ListEventsAfter(ctx, runID, cursor)
	if err != nil {
		return cursor, err
	}

	for _, record := range records {
		select {
		case ch <- record:
			cursor = record.Seq
		case <-ctx.Done():
			return cursor, ctx.Err()
		}
	}
	return cursor, nil
}
