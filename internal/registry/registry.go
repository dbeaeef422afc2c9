// SPDX-License-Identifier: Apache-2.0

// Package registry tracks which stream connections are attached to which run
// and fans incoming events out to them. One upstream subscription exists per
// run while at least one connection is attached.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pinmatch/pinmatch/internal/domain"
	"github.com/pinmatch/pinmatch/internal/metrics"
)

const connBuffer = 16

var ErrClosed = errors.New("registry is closed")

// EventSource opens a per-run event stream; the bridge satisfies this.
type EventSource interface {
	Subscribe(ctx context.Context, runID uuid.UUID) (<-chan domain.EventRecord, func(), error)
}

// Conn is one attached consumer of a run's event stream.
type Conn struct {
	ch chan domain.EventRecord
}

// Events yields this connection's view of the stream. The channel closes when
// the connection is detached or the upstream subscription ends.
func (c *Conn) Events() <-chan domain.EventRecord {
	return c.ch
}

type relay struct {
	stop  func()
	conns map[*Conn]struct{}
}

type Registry struct {
	source     EventSource
	logger     *slog.Logger
	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu     sync.Mutex
	relays map[uuid.UUID]*relay
	closed bool
}

func New(source EventSource, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Registry{
		source:     source,
		logger:     logger,
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		relays:     make(map[uuid.UUID]*relay),
	}
}

// Attach registers a connection for runID, starting the run's relay if this
// is the first one. The relay outlives ctx; it ends when the last connection
// detaches or the registry closes.
func (r *Registry) Attach(ctx context.Context, runID uuid.UUID) (*Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rl, ok := r.relays[runID]
	if !ok {
		events, stop, err := r.source.Subscribe(r.baseCtx, runID)
		if err != nil {
			return nil, err
		}
		rl = &relay{stop: stop, conns: make(map[*Conn]struct{})}
		r.relays[runID] = rl
		go r.pump(runID, rl, events)

		r.logger.Debug("stream relay started", "run_id", runID)
	}

	conn := &Conn{ch: make(chan domain.EventRecord, connBuffer)}
	rl.conns[conn] = struct{}{}
	metrics.IncStreamConnections()
	return conn, nil
}

// Detach removes conn and closes its channel. The run's relay is stopped when
// the last connection detaches. Detaching an unknown connection is a no-op.
func (r *Registry) Detach(runID uuid.UUID, conn *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rl, ok := r.relays[runID]
	if !ok {
		return
	}
	if _, attached := rl.conns[conn]; !attached {
		return
	}

	delete(rl.conns, conn)
	close(conn.ch)
	metrics.DecStreamConnections()

	if len(rl.conns) == 0 {
		rl.stop()
		delete(r.relays, runID)
		r.logger.Debug("stream relay stopped", "run_id", runID)
	}
}

// Close stops every relay and closes every attached connection.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true

	for runID, rl := range r.relays {
		rl.stop()
		for conn := range rl.conns {
			close(conn.ch)
			metrics.DecStreamConnections()
		}
		clear(rl.conns)
		delete(r.relays, runID)
	}
	r.baseCancel()
}

// pump forwards upstream events to every attached connection. Sends never
// block: a connection too slow to keep up misses events, the others are
// unaffected.
func (r *Registry) pump(runID uuid.UUID, rl *relay, events <-chan domain.EventRecord) {
	for record := range events {
		r.mu.Lock()
		for conn := range rl.conns {
			select {
			case conn.ch <- record:
			default:
				r.logger.Warn("dropping event for slow stream connection",
					"run_id", runID,
					"seq", record.Seq,
				)
			}
		}
		r.mu.Unlock()
	}

	// upstream ended: tear down whatever is still attached
	r.mu.Lock()
	if r.relays[runID] == rl {
		delete(r.relays, runID)
	}
	for conn := range rl.conns {
		close(conn.ch)
		metrics.DecStreamConnections()
	}
	clear(rl.conns)
	r.mu.Unlock()
}
