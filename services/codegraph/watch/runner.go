// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package watch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// RunFunc processes one batch.
type RunFunc func(ctx context.Context, batch Batch) error

// Outcome is what Submit did with a batch.
type Outcome int

const (
	// Accepted means the batch was queued for the worker.
	Accepted Outcome = iota

	// DroppedBusy means a run was already in progress.
	DroppedBusy

	// DroppedStopped means the runner was stopped or never started.
	DroppedStopped

	// DroppedRateLimited means the run limiter denied the batch.
	DroppedRateLimited
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case DroppedBusy:
		return "dropped_busy"
	case DroppedStopped:
		return "dropped_stopped"
	case DroppedRateLimited:
		return "dropped_rate_limited"
	default:
		return "unknown"
	}
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithMinInterval allows at most one run per interval. Zero disables the
// limit.
func WithMinInterval(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.limiter = rate.NewLimiter(rate.Every(d), 1)
		}
	}
}

// WithRunnerLogger sets the logger.
func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// Runner executes batches on one worker goroutine.
//
// # Description
//
// At most one batch is in flight. A batch submitted while another runs is
// dropped rather than queued; the next batch after the run completes
// carries the newer state of the tree anyway. A run, once started, is not
// cancelled by Stop or by cancelling the Start context.
//
// # Thread Safety
//
// Submit and Stop are safe for concurrent use.
type Runner struct {
	run     RunFunc
	limiter *rate.Limiter
	logger  *slog.Logger

	batches chan Batch
	done    chan struct{}
	wg      sync.WaitGroup

	started  atomic.Bool
	stopped  atomic.Bool
	busy     atomic.Bool
	stopOnce sync.Once

	runs    atomic.Int64
	dropped atomic.Int64
}

// NewRunner creates a runner for run. Call Start before Submit.
func NewRunner(run RunFunc, opts ...RunnerOption) *Runner {
	r := &Runner{
		run:     run,
		logger:  slog.New(slog.DiscardHandler),
		batches: make(chan Batch, 1),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the worker. Runs receive ctx without its cancellation.
func (r *Runner) Start(ctx context.Context) {
	if r.stopped.Load() || !r.started.CompareAndSwap(false, true) {
		return
	}
	runCtx := context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.done:
				return
			case <-ctx.Done():
				r.shutdown()
				return
			case b := <-r.batches:
				r.execute(runCtx, b)
			}
		}
	}()
}

func (r *Runner) execute(ctx context.Context, b Batch) {
	defer r.busy.Store(false)
	start := time.Now()
	err := r.run(ctx, b)
	r.runs.Add(1)
	recordRun(ctx, time.Since(start), err)
	if err != nil {
		r.logger.Error("watch run failed",
			slog.Int("files", len(b.Changes)),
			slog.String("error", err.Error()))
		return
	}
	r.logger.Debug("watch run complete",
		slog.Int("files", len(b.Changes)),
		slog.Duration("duration", time.Since(start)))
}

// Submit hands a batch to the worker unless it must be dropped.
func (r *Runner) Submit(b Batch) Outcome {
	outcome := r.submit(b)
	recordSubmit(outcome)
	if outcome != Accepted {
		r.dropped.Add(1)
		r.logger.Debug("watch batch dropped",
			slog.String("reason", outcome.String()),
			slog.Int("files", len(b.Changes)))
	}
	return outcome
}

func (r *Runner) submit(b Batch) Outcome {
	if r.stopped.Load() || !r.started.Load() {
		return DroppedStopped
	}
	if !r.busy.CompareAndSwap(false, true) {
		return DroppedBusy
	}
	if r.limiter != nil && !r.limiter.Allow() {
		r.busy.Store(false)
		return DroppedRateLimited
	}
	// busy guarantees the slot is free.
	r.batches <- b
	return Accepted
}

// Stop prevents further runs and waits for the worker to exit, including
// any run in progress.
func (r *Runner) Stop() {
	r.shutdown()
	r.wg.Wait()
}

func (r *Runner) shutdown() {
	r.stopOnce.Do(func() {
		r.stopped.Store(true)
		close(r.done)
	})
}

// Busy reports whether a run is in progress or queued.
func (r *Runner) Busy() bool {
	return r.busy.Load()
}

// Stats returns the number of completed runs and dropped batches.
func (r *Runner) Stats() (runs, dropped int64) {
	return r.runs.Load(), r.dropped.Load()
}
