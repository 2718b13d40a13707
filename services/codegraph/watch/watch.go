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
	"fmt"
	"time"
)

// Options configures Watch.
type Options struct {
	Watcher WatcherOptions

	// MinInterval is the minimum time between two runs.
	MinInterval time.Duration
}

// Watch runs fn for every debounced batch of changes under root until ctx
// is cancelled.
//
// # Description
//
// Wires a FileWatcher to a Runner. Returns after the watcher has stopped
// and any run in progress has finished.
//
// # Outputs
//
//   - error: Watcher setup failures. Cancellation returns nil.
func Watch(ctx context.Context, root string, fn RunFunc, opts Options) error {
	runner := NewRunner(fn, WithMinInterval(opts.MinInterval), WithRunnerLogger(opts.Watcher.Logger))
	watcher, err := NewFileWatcher(root, func(b Batch) { runner.Submit(b) }, opts.Watcher)
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}

	runner.Start(ctx)
	if err := watcher.Start(ctx); err != nil {
		runner.Stop()
		return fmt.Errorf("starting watcher: %w", err)
	}

	<-ctx.Done()
	watcher.Stop()
	runner.Stop()
	return nil
}
