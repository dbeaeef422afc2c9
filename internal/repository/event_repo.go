// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pinmatch/pinmatch/internal/domain"
	"github.com/pinmatch/pinmatch/internal/metrics"
)

// EventsChannel is the Postgres NOTIFY channel carrying run ids whose
// outbox gained rows. Subscribers LISTEN here and then read by seq.
const EventsChannel = "run_events"

type EventRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewEventRepository(pool *pgxpool.Pool, logger *slog.Logger) *EventRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &EventRepository{
		pool:   pool,
		logger: logger,
	}
}

// AppendEvent writes one event to the outbox and notifies listeners in the
// same transaction, so the notification never precedes the visible row.
func (r *EventRepository) AppendEvent(ctx context.Context, runID uuid.UUID, kind domain.EventKind, payload any) (domain.EventRecord, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		r.logger.Error("marshal event payload failed", "run_id", runID, "kind", kind, "error", err)
		return domain.EventRecord{}, err
	}

	ev := domain.EventRecord{
		ID:      uuid.New(),
		RunID:   runID,
		Kind:    kind,
		Payload: body,
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.EventRecord{}, err
	}
	defer tx.Rollback(ctx)

	if err := tx.QueryRow(ctx, `
		INSERT INTO run_events (id, run_id, kind, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING seq, created_at
	`,
		ev.ID,
		ev.RunID,
		ev.Kind,
		ev.Payload,
	).Scan(&ev.Seq, &ev.CreatedAt); err != nil {
		r.logger.Error("insert event failed", "run_id", runID, "kind", kind, "error", err)
		return domain.EventRecord{}, err
	}

	if _, err := tx.Exec(ctx,
		`SELECT pg_notify($1, $2)`,
		EventsChannel, runID.String(),
	); err != nil {
		r.logger.Error("notify event failed", "run_id", runID, "error", err)
		return domain.EventRecord{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.EventRecord{}, err
	}

	metrics.IncEventPublished(string(kind))
	return ev, nil
}

// ListEventsAfter returns a run's events with seq greater than the cursor,
// in publish order.
func (r *EventRepository) ListEventsAfter(ctx context.Context, runID uuid.UUID, afterSeq int64) ([]domain.EventRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, seq, run_id, kind, payload, created_at
		FROM run_events
		WHERE run_id=$1
		  AND seq > $2
		ORDER BY seq ASC
	`, runID, afterSeq)
	if err != nil {
		r.logger.Error("list events query failed", "run_id", runID, "error", err)
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.EventRecord, 0, 8)
	for rows.Next() {
		var ev domain.EventRecord
		if err := rows.Scan(
			&ev.ID,
			&ev.Seq,
			&ev.RunID,
			&ev.Kind,
			&ev.Payload,
			&ev.CreatedAt,
		); err != nil {
			r.logger.Error("scan event row failed", "run_id", runID, "error", err)
			return nil, err
		}
		out = append(out, ev)
	}

	if err := rows.Err(); err != nil {
		r.logger.Error("events rows iteration failed", "run_id", runID, "error", err)
		return nil, err
	}

	return out, nil
}

// LatestSeq returns the run's newest outbox seq, or zero when it has no
// events yet. Subscribers use it as the no-replay starting cursor.
func (r *EventRepository) LatestSeq(ctx context.Context, runID uuid.UUID) (int64, error) {
	var seq int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM run_events WHERE run_id=$1`,
		runID,
	).Scan(&seq)
	if err != nil {
		r.logger.Error("resolve latest seq failed", "run_id", runID, "error", err)
		return 0, err
	}
	return seq, nil
}
