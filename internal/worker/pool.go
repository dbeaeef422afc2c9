// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type PoolDeps struct {
	Runner         *Runner
	Scorer         *Scorer
	Logger         *slog.Logger
	RunWorkers     int
	ScoringWorkers int
	PollInterval   time.Duration
}

// Pool keeps both lanes polling for work until its context ends. Run and
// scoring claims proceed independently, so scoring never waits for a run to
// finish.
type Pool struct {
	runner         *Runner
	scorer         *Scorer
	logger         *slog.Logger
	runWorkers     int
	scoringWorkers int
	pollInterval   time.Duration
}

func NewPool(deps PoolDeps) *Pool {
	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}

	runWorkers := deps.RunWorkers
	if runWorkers <= 0 {
		runWorkers = 1
	}

	scoringWorkers := deps.ScoringWorkers
	if scoringWorkers <= 0 {
		scoringWorkers = 1
	}

	interval := deps.PollInterval
	if interval <= 0 {
		interval = 800 * time.Millisecond
	}

	return &Pool{
		runner:         deps.Runner,
		scorer:         deps.Scorer,
		logger:         l,
		runWorkers:     runWorkers,
		scoringWorkers: scoringWorkers,
		pollInterval:   interval,
	}
}

// Run blocks until ctx is done and every lane goroutine has stopped.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup

	for i := 0; i < p.runWorkers; i++ {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			p.loop(ctx, name, p.runner.ProcessOnce)
		}(fmt.Sprintf("run-%d", i))
	}

	for i := 0; i < p.scoringWorkers; i++ {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			p.loop(ctx, name, p.scorer.ProcessOnce)
		}(fmt.Sprintf("scoring-%d", i))
	}

	wg.Wait()
}

func (p *Pool) loop(ctx context.Context, name string, process func(context.Context) error) {
	p.logger.Info("worker started", "worker", name)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("worker stopped", "worker", name)
			return
		case <-ticker.C:
			if err := process(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("worker process failed", "worker", name, "error", err)
			}
		}
	}
}
