// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/impactgraph/services/codegraph/config"
	"github.com/AleutianAI/impactgraph/services/codegraph/impact"
	"github.com/AleutianAI/impactgraph/services/codegraph/lock"
	"github.com/AleutianAI/impactgraph/services/codegraph/store"
	"github.com/AleutianAI/impactgraph/services/codegraph/store/memstore"
)

var demoV1 = map[string]string{
	"go.mod":     "module example.com/demo\n\ngo 1.22\n",
	"main.go":    "package main\n\nimport \"example.com/demo/lib\"\n\nfunc main() { lib.Run(1) }\n",
	"lib/lib.go": "package lib\n\nfunc Run(n int) int { return n }\n",
}

const libV2 = "package lib\n\nfunc Run(n int, m int) int { return n + m }\n"

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		full := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Store.Backend = "none"
	cfg.Store.Path = ""
	cfg.Parse.Workers = 2
	return cfg
}

func newPipeline(t *testing.T, root string, opts ...Option) *Pipeline {
	t.Helper()
	p, err := New(root, testConfig(), opts...)
	require.NoError(t, err)
	return p
}

func findChange(t *testing.T, r *impact.Report, name string) impact.Change {
	t.Helper()
	for _, c := range r.Changes {
		if c.Name == name {
			return c
		}
	}
	require.Failf(t, "change not found", "no change named %q in %+v", name, r.Changes)
	return impact.Change{}
}

func TestRun_FirstRunRecordsBaseline(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, demoV1)
	p := newPipeline(t, root)

	res, err := p.Run(context.Background(), Request{Trigger: "test"})
	require.NoError(t, err)

	assert.NotEmpty(t, res.RunID)
	assert.True(t, res.Report.Skipped)
	assert.NotEmpty(t, res.Report.Note)
	assert.Equal(t, BaselineNone, res.Stats.Baseline)
	assert.Equal(t, 2, res.Stats.Files)
	assert.Positive(t, res.Stats.Nodes)
	assert.True(t, res.Stats.Cached)
	assert.Empty(t, res.Warnings)

	st := p.Cache().Status()
	assert.True(t, st.Usable)
}

func TestRun_SecondRunClassifiesAgainstCache(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, demoV1)
	p := newPipeline(t, root)

	_, err := p.Run(context.Background(), Request{})
	require.NoError(t, err)

	writeFiles(t, root, map[string]string{"lib/lib.go": libV2})
	res, err := p.Run(context.Background(), Request{})
	require.NoError(t, err)

	assert.Equal(t, BaselineCache, res.Stats.Baseline)
	require.False(t, res.Report.Skipped)
	run := findChange(t, res.Report, "Run")
	assert.Equal(t, impact.ChangeModified, run.Kind)
	assert.Equal(t, impact.Breaking, run.Classification)
	assert.NotEmpty(t, run.DirectDependents)
	assert.Equal(t, impact.Breaking, res.Report.Worst())
}

func TestRun_UnchangedTreeIsSafe(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, demoV1)
	p := newPipeline(t, root)

	_, err := p.Run(context.Background(), Request{})
	require.NoError(t, err)
	res, err := p.Run(context.Background(), Request{})
	require.NoError(t, err)

	assert.False(t, res.Report.Skipped)
	assert.Empty(t, res.Report.Changes)
	assert.Equal(t, impact.Safe, res.Report.Worst())
}

func TestRun_FlushesIntoStore(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, demoV1)
	s := memstore.New(nil)
	t.Cleanup(func() { s.Close() })
	p := newPipeline(t, root, WithStore(s))

	res, err := p.Run(context.Background(), Request{})
	require.NoError(t, err)
	assert.True(t, res.Stats.Flushed)

	writeFiles(t, root, map[string]string{"lib/lib.go": libV2})
	res, err = p.Run(context.Background(), Request{})
	require.NoError(t, err)
	assert.True(t, res.Stats.Flushed)
	assert.Equal(t, impact.Breaking, findChange(t, res.Report, "Run").Classification)

	snaps, err := s.Snapshots(context.Background())
	require.NoError(t, err)
	var names []string
	for _, info := range snaps {
		names = append(names, info.Name)
	}
	assert.ElementsMatch(t, []string{store.SnapshotCurrent, store.SnapshotPrevious}, names)

	n, err := s.NodeCount(context.Background(), store.SnapshotCurrent)
	require.NoError(t, err)
	assert.Equal(t, res.Stats.Nodes, n)
}

func TestRun_ParseErrorsBecomeWarnings(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, demoV1)
	writeFiles(t, root, map[string]string{"lib/broken.go": "package lib\n\nfunc Broken( {\n"})
	p := newPipeline(t, root)

	res, err := p.Run(context.Background(), Request{})
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, "lib/broken.go", res.Warnings[0].File)
	assert.Equal(t, 1, res.Stats.ParseErrors)
}

func TestRun_LockHeld(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, demoV1)
	p := newPipeline(t, root)

	held, err := lock.New(p.Cache().Dir())
	require.NoError(t, err)
	require.NoError(t, held.Acquire())
	t.Cleanup(func() { held.Release() })

	_, err = p.Run(context.Background(), Request{})
	require.ErrorIs(t, err, lock.ErrLockHeld)
	var holder *lock.HeldError
	require.ErrorAs(t, err, &holder)
	assert.Equal(t, os.Getpid(), holder.PID)
}

func TestRun_TakesOverStaleLock(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, demoV1)
	p := newPipeline(t, root)

	require.NoError(t, os.MkdirAll(p.Cache().Dir(), 0o755))
	stale := filepath.Join(p.Cache().Dir(), lock.FileName)
	require.NoError(t, os.WriteFile(stale, []byte("pid=2147483600\n"), 0o644))

	res, err := p.Run(context.Background(), Request{})
	require.NoError(t, err)
	assert.True(t, res.Report.Skipped)
}

func TestRun_Cancelled(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, demoV1)
	p := newPipeline(t, root)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Run(ctx, Request{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRun_CacheDisabled(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, demoV1)
	cfg := testConfig()
	cfg.Cache.Enabled = false
	p, err := New(root, cfg)
	require.NoError(t, err)

	for range 2 {
		res, err := p.Run(context.Background(), Request{})
		require.NoError(t, err)
		assert.True(t, res.Report.Skipped)
		assert.False(t, res.Stats.Cached)
	}
}

func commitAll(t *testing.T, wt *git.Worktree, i int) {
	t.Helper()
	_, err := wt.Add(".")
	require.NoError(t, err)
	_, err = wt.Commit("commit", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Unix(int64(1700000000+i), 0)},
	})
	require.NoError(t, err)
}

func TestRun_BaseRefAndChangedLines(t *testing.T) {
	root := t.TempDir()
	repo, err := git.PlainInit(root, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)

	writeFiles(t, root, demoV1)
	writeFiles(t, root, map[string]string{"tool/tool.go": "package tool\n\nfunc Helper() {}\n"})
	commitAll(t, wt, 0)
	writeFiles(t, root, map[string]string{
		"lib/lib.go":   libV2,
		"tool/tool.go": "package tool\n\nfunc Helper() {}\n\nfunc Extra() {}\n",
	})
	commitAll(t, wt, 1)

	p := newPipeline(t, root)
	res, err := p.Run(context.Background(), Request{BaseRef: "HEAD~1"})
	require.NoError(t, err)
	assert.Equal(t, BaselineRef, res.Stats.Baseline)
	assert.Equal(t, impact.Breaking, findChange(t, res.Report, "Run").Classification)
	assert.Equal(t, impact.ChangeAdded, findChange(t, res.Report, "Extra").Kind)
	assert.NotEmpty(t, res.CommitHash)

	res, err = p.Run(context.Background(), Request{BaseRef: "HEAD~1", LinesSince: "HEAD~1"})
	require.NoError(t, err)
	assert.Len(t, res.Report.Changes, 2)

	res, err = p.Run(context.Background(), Request{BaseRef: "HEAD~1", LinesSince: "HEAD"})
	require.NoError(t, err)
	assert.Empty(t, res.Report.Changes, "nothing changed since HEAD")
}

func TestRun_ChangedLinesIncludeUncommittedEdits(t *testing.T) {
	root := t.TempDir()
	repo, err := git.PlainInit(root, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)

	writeFiles(t, root, demoV1)
	commitAll(t, wt, 0)
	writeFiles(t, root, map[string]string{"lib/lib.go": libV2})

	p := newPipeline(t, root)
	res, err := p.Run(context.Background(), Request{BaseRef: "HEAD", LinesSince: "HEAD"})
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, impact.Breaking, findChange(t, res.Report, "Run").Classification)
	assert.Equal(t, impact.Breaking, res.Report.Worst())
}

func TestRun_BadBaseRefSkips(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, demoV1)
	p := newPipeline(t, root)

	res, err := p.Run(context.Background(), Request{BaseRef: "main"})
	require.NoError(t, err)
	assert.True(t, res.Report.Skipped)
	assert.Contains(t, res.Report.Note, "main")
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Analysis.Policy = "vibes"
	_, err := New(t.TempDir(), cfg)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestOpenStore(t *testing.T) {
	root := t.TempDir()

	cfg := testConfig()
	_, err := OpenStore(root, cfg, nil)
	assert.ErrorIs(t, err, ErrNoStore)

	for _, backend := range []string{"memory", "sqlite", "badger"} {
		t.Run(backend, func(t *testing.T) {
			cfg := testConfig()
			cfg.Store.Backend = backend
			cfg.Store.Path = backend + ".db"
			s, err := OpenStore(root, cfg, nil)
			require.NoError(t, err)
			defer s.Close()

			snaps, err := s.Snapshots(context.Background())
			require.NoError(t, err)
			assert.Empty(t, snaps)
			switch backend {
			case "sqlite":
				assert.FileExists(t, filepath.Join(root, ".impactgraph", cfg.Store.Path))
			case "badger":
				assert.DirExists(t, filepath.Join(root, ".impactgraph", cfg.Store.Path))
			}
		})
	}
}
