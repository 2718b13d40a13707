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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func batchOf(paths ...string) Batch {
	var b Batch
	for _, p := range paths {
		b.Changes = append(b.Changes, FileChange{Path: p, Op: FileOpWrite})
	}
	return b
}

// blockingRun returns a RunFunc that reports each batch on started and
// waits for release before returning.
func blockingRun() (RunFunc, chan Batch, chan struct{}) {
	started := make(chan Batch, 10)
	release := make(chan struct{})
	return func(ctx context.Context, b Batch) error {
		started <- b
		<-release
		return nil
	}, started, release
}

func TestRunner_DropsWhileBusy(t *testing.T) {
	run, started, release := blockingRun()
	r := NewRunner(run)
	r.Start(context.Background())
	defer r.Stop()

	require.Equal(t, Accepted, r.Submit(batchOf("a.go")))
	select {
	case b := <-started:
		assert.Equal(t, []string{"a.go"}, b.Paths())
	case <-time.After(5 * time.Second):
		t.Fatal("run did not start")
	}

	assert.True(t, r.Busy())
	assert.Equal(t, DroppedBusy, r.Submit(batchOf("b.go")))

	close(release)
	require.Eventually(t, func() bool { return !r.Busy() }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, Accepted, r.Submit(batchOf("c.go")))
	require.Eventually(t, func() bool { runs, _ := r.Stats(); return runs == 2 }, 5*time.Second, 10*time.Millisecond)

	_, dropped := r.Stats()
	assert.Equal(t, int64(1), dropped)
}

func TestRunner_DropsWhenStopped(t *testing.T) {
	r := NewRunner(func(context.Context, Batch) error { return nil })
	assert.Equal(t, DroppedStopped, r.Submit(batchOf("a.go")), "not started")

	r.Start(context.Background())
	r.Stop()
	assert.Equal(t, DroppedStopped, r.Submit(batchOf("a.go")))

	r.Start(context.Background())
	assert.Equal(t, DroppedStopped, r.Submit(batchOf("a.go")), "a stopped runner cannot restart")
}

func TestRunner_RateLimited(t *testing.T) {
	r := NewRunner(func(context.Context, Batch) error { return nil }, WithMinInterval(time.Hour))
	r.Start(context.Background())
	defer r.Stop()

	require.Equal(t, Accepted, r.Submit(batchOf("a.go")))
	require.Eventually(t, func() bool { return !r.Busy() }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, DroppedRateLimited, r.Submit(batchOf("b.go")))
	assert.False(t, r.Busy())
}

func TestRunner_StopWaitsForRun(t *testing.T) {
	run, started, release := blockingRun()
	r := NewRunner(run)
	r.Start(context.Background())
	require.Equal(t, Accepted, r.Submit(batchOf("a.go")))
	<-started

	stopped := make(chan struct{})
	go func() {
		r.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a run was in progress")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestRunner_RunIsNotCancelledWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	release := make(chan struct{})
	r := NewRunner(func(runCtx context.Context, _ Batch) error {
		<-release
		runErr <- runCtx.Err()
		return nil
	})
	r.Start(ctx)
	require.Equal(t, Accepted, r.Submit(batchOf("a.go")))

	cancel()
	close(release)
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish")
	}
	r.Stop()
}

func TestRunner_FailedRunReleasesWorker(t *testing.T) {
	calls := make(chan struct{}, 2)
	r := NewRunner(func(context.Context, Batch) error {
		calls <- struct{}{}
		return errors.New("boom")
	})
	r.Start(context.Background())
	defer r.Stop()

	require.Equal(t, Accepted, r.Submit(batchOf("a.go")))
	<-calls
	require.Eventually(t, func() bool { return !r.Busy() }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, Accepted, r.Submit(batchOf("a.go")))
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "dropped_busy", DroppedBusy.String())
	assert.Equal(t, "unknown", Outcome(99).String())
}
