// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watch re-runs analysis when files under a repository change.
//
// A FileWatcher turns fsnotify events into debounced batches. A Runner
// executes one batch at a time on a single worker and drops batches that
// arrive while it is busy, stopped or rate limited.
package watch

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/impactgraph/services/codegraph/discover"
)

// FileOp is the kind of change seen for a path.
type FileOp int

const (
	// FileOpCreate indicates a file was created.
	FileOpCreate FileOp = iota

	// FileOpWrite indicates a file was modified.
	FileOpWrite

	// FileOpRemove indicates a file was deleted.
	FileOpRemove

	// FileOpRename indicates a file was renamed away.
	FileOpRename
)

// String returns the string representation of the operation.
func (op FileOp) String() string {
	switch op {
	case FileOpCreate:
		return "create"
	case FileOpWrite:
		return "write"
	case FileOpRemove:
		return "remove"
	case FileOpRename:
		return "rename"
	default:
		return "unknown"
	}
}

// FileChange is one debounced change.
type FileChange struct {
	// Path is relative to the watched root, slash separated.
	Path string
	Op   FileOp
	Time time.Time
}

// Batch is the set of changes delivered after one quiet period.
type Batch struct {
	Changes []FileChange
}

// Paths returns the changed paths, sorted.
func (b Batch) Paths() []string {
	paths := make([]string, 0, len(b.Changes))
	for _, c := range b.Changes {
		paths = append(paths, c.Path)
	}
	slices.Sort(paths)
	return paths
}

// BatchHandler receives debounced batches from a single goroutine.
type BatchHandler func(Batch)

// WatcherOptions configures a FileWatcher.
type WatcherOptions struct {
	// Debounce is the quiet period after the last event before a batch is
	// delivered. Default: 300ms.
	Debounce time.Duration

	// BufferSize is the capacity of the event channel; events beyond it
	// are dropped. Default: 1000.
	BufferSize int

	// Filter decides which paths matter. Nil watches everything except
	// hidden directories.
	Filter *discover.Filter

	Logger *slog.Logger
}

// DefaultWatcherOptions returns the defaults.
func DefaultWatcherOptions() WatcherOptions {
	return WatcherOptions{
		Debounce:   300 * time.Millisecond,
		BufferSize: 1000,
	}
}

// FileWatcher watches a directory tree with debouncing.
//
// # Description
//
// Changes are collected into a buffer. When the debounce period expires
// without new changes, the deduplicated buffer is handed to the handler.
// Directories created while watching are added to the watch list.
//
// # Thread Safety
//
// Safe for concurrent use. The handler is called from a single goroutine.
type FileWatcher struct {
	root     string
	watcher  *fsnotify.Watcher
	handler  BatchHandler
	debounce time.Duration
	filter   *discover.Filter
	logger   *slog.Logger

	changes  chan FileChange
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu       sync.RWMutex
	watching bool
}

// NewFileWatcher creates a watcher for root. Call Start to begin.
func NewFileWatcher(root string, handler BatchHandler, opts WatcherOptions) (*FileWatcher, error) {
	defaults := DefaultWatcherOptions()
	if opts.Debounce <= 0 {
		opts.Debounce = defaults.Debounce
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = defaults.BufferSize
	}
	if opts.Filter == nil {
		f, err := discover.NewFilter(root, discover.Options{IgnoreGitignore: true})
		if err != nil {
			return nil, err
		}
		opts.Filter = f
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &FileWatcher{
		root:     abs,
		watcher:  watcher,
		handler:  handler,
		debounce: opts.Debounce,
		filter:   opts.Filter,
		logger:   opts.Logger,
		changes:  make(chan FileChange, opts.BufferSize),
		done:     make(chan struct{}),
	}, nil
}

// Start watches the root recursively until ctx is cancelled or Stop is
// called. A second call is a no-op.
func (w *FileWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return nil
	}
	w.watching = true
	w.mu.Unlock()

	if err := w.addRecursive(w.root); err != nil {
		return err
	}

	w.wg.Add(2)
	go w.processEvents(ctx)
	go w.debounceLoop(ctx)
	return nil
}

// Stop stops watching and waits for the event goroutines. A pending batch
// is flushed to the handler first.
func (w *FileWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.watcher.Close()
		w.wg.Wait()

		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
	})
}

// IsWatching returns true while the watcher is active.
func (w *FileWatcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.watching
}

func (w *FileWatcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if rel, ok := w.rel(p); ok && w.filter.SkipDir(rel) {
			return filepath.SkipDir
		}
		return w.watcher.Add(p)
	})
}

// rel converts an absolute event path to a root-relative slash path.
func (w *FileWatcher) rel(abs string) (string, bool) {
	rel, err := filepath.Rel(w.root, abs)
	if err != nil {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// skipTree reports whether rel or any directory above it is pruned.
func (w *FileWatcher) skipTree(rel string) bool {
	for dir := rel; dir != "." && dir != "/"; dir = path.Dir(dir) {
		if w.filter.SkipDir(dir) {
			return true
		}
	}
	return false
}

func (w *FileWatcher) processEvents(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			rel, ok := w.rel(event.Name)
			if !ok {
				continue
			}

			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if w.skipTree(rel) {
						continue
					}
					if err := w.addRecursive(event.Name); err != nil {
						w.logger.Warn("watching new directory failed",
							slog.String("dir", rel),
							slog.String("error", err.Error()))
					}
					continue
				}
			}
			if !w.filter.KeepPath(rel) {
				continue
			}

			change := FileChange{Path: rel, Op: convertOp(event.Op), Time: time.Now()}
			select {
			case w.changes <- change:
			default:
				w.logger.Warn("watch buffer full, dropping event", slog.String("file", rel))
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", slog.String("error", err.Error()))
		}
	}
}

func convertOp(op fsnotify.Op) FileOp {
	switch {
	case op.Has(fsnotify.Create):
		return FileOpCreate
	case op.Has(fsnotify.Write):
		return FileOpWrite
	case op.Has(fsnotify.Remove):
		return FileOpRemove
	case op.Has(fsnotify.Rename):
		return FileOpRename
	default:
		return FileOpWrite
	}
}

func (w *FileWatcher) debounceLoop(ctx context.Context) {
	defer w.wg.Done()
	var batch []FileChange
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		if len(batch) > 0 && w.handler != nil {
			w.handler(Batch{Changes: dedupe(batch)})
		}
		batch = nil
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-w.done:
			flush()
			return
		case change := <-w.changes:
			batch = append(batch, change)
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case <-timerC:
			flush()
		}
	}
}

// dedupe keeps the latest change per path, in first-seen order.
func dedupe(changes []FileChange) []FileChange {
	seen := make(map[string]int)
	out := make([]FileChange, 0, len(changes))
	for _, c := range changes {
		if idx, ok := seen[c.Path]; ok {
			out[idx] = c
			continue
		}
		seen[c.Path] = len(out)
		out = append(out, c)
	}
	return out
}
