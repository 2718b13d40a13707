// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/impactgraph/pkg/ux"
	"github.com/AleutianAI/impactgraph/services/codegraph/graph"
	"github.com/AleutianAI/impactgraph/services/codegraph/impact"
	"github.com/AleutianAI/impactgraph/services/codegraph/pipeline"
	"github.com/AleutianAI/impactgraph/services/codegraph/store"
)

// =============================================================================
// HARNESS
// =============================================================================

var demoRepo = map[string]string{
	"go.mod":     "module example.com/demo\n\ngo 1.22\n",
	"main.go":    "package main\n\nimport \"example.com/demo/lib\"\n\nfunc main() { lib.Run(1) }\n",
	"lib/lib.go": "package lib\n\nfunc Run(n int) int { return n }\n",
}

const libChanged = "package lib\n\nfunc Run(n int, m int) int { return n + m }\n"

func writeRepo(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		full := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
}

// resetFlags restores every flag to its default. Flag variables are
// package-level and survive between Execute calls.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

// execute runs the CLI against root and returns stdout.
func execute(t *testing.T, root string, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(append([]string{"-C", root, "--no-color"}, args...))
	err := rootCmd.ExecuteContext(context.Background())
	teardown()
	return out.String(), err
}

func analyzeJSON(t *testing.T, root string, args ...string) (*pipeline.Result, error) {
	t.Helper()
	out, err := execute(t, root, append([]string{"analyze", "--json"}, args...)...)
	var res pipeline.Result
	require.NoError(t, json.Unmarshal([]byte(out), &res), out)
	return &res, err
}

// =============================================================================
// COMMAND TESTS
// =============================================================================

func TestAnalyze_BaselineThenBreaking(t *testing.T) {
	root := t.TempDir()
	writeRepo(t, root, demoRepo)

	res, err := analyzeJSON(t, root)
	require.NoError(t, err)
	assert.True(t, res.Report.Skipped)
	assert.Equal(t, pipeline.BaselineNone, res.Stats.Baseline)
	assert.True(t, res.Stats.Flushed, "default sqlite store receives the snapshot")

	writeRepo(t, root, map[string]string{"lib/lib.go": libChanged})
	res, err = analyzeJSON(t, root, "--threshold", "breaking")
	require.Error(t, err)
	assert.Equal(t, ExitThreshold, exitCode(err))
	assert.Equal(t, pipeline.BaselineCache, res.Stats.Baseline)
	require.NotEmpty(t, res.Report.Changes)
	assert.Equal(t, impact.Breaking, res.Report.Worst())
}

func TestAnalyze_BelowThreshold(t *testing.T) {
	root := t.TempDir()
	writeRepo(t, root, demoRepo)

	_, err := execute(t, root, "analyze", "--quiet")
	require.NoError(t, err)
	writeRepo(t, root, map[string]string{"lib/extra.go": "package lib\n\nfunc Extra() {}\n"})

	res, err := analyzeJSON(t, root, "--threshold", "breaking")
	require.NoError(t, err)
	assert.Equal(t, impact.Safe, res.Report.Worst())
}

func TestAnalyze_PlainOutput(t *testing.T) {
	root := t.TempDir()
	writeRepo(t, root, demoRepo)

	_, err := execute(t, root, "analyze", "--store", "none")
	require.NoError(t, err)
	writeRepo(t, root, map[string]string{"lib/lib.go": libChanged})

	out, err := execute(t, root, "analyze", "--store", "none", "--threshold", "potentially_breaking")
	assert.Equal(t, ExitThreshold, exitCode(err))
	assert.Contains(t, out, "Impact Analysis")
	assert.Contains(t, out, "breaking")
	assert.Contains(t, out, "Run")
	assert.Contains(t, out, "lib/lib.go:3")
}

func TestAnalyze_InvalidThreshold(t *testing.T) {
	root := t.TempDir()
	writeRepo(t, root, demoRepo)
	_, err := execute(t, root, "analyze", "--threshold", "apocalyptic")
	assert.Error(t, err)
	assert.Equal(t, ExitError, exitCode(err))
}

func TestSnapshotAndQuery(t *testing.T) {
	root := t.TempDir()
	writeRepo(t, root, demoRepo)

	out, err := execute(t, root, "snapshot", "flush", "v1", "--json")
	require.NoError(t, err)
	var info store.SnapshotInfo
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, "v1", info.Name)
	assert.Positive(t, info.NodeCount)

	writeRepo(t, root, map[string]string{"lib/extra.go": "package lib\n\nfunc Extra() {}\n"})
	_, err = execute(t, root, "snapshot", "flush", "v2")
	require.NoError(t, err)

	out, err = execute(t, root, "snapshot", "list", "--json")
	require.NoError(t, err)
	var snaps []store.SnapshotInfo
	require.NoError(t, json.Unmarshal([]byte(out), &snaps))
	require.Len(t, snaps, 2)

	out, err = execute(t, root, "snapshot", "diff", "v1", "v2", "--json")
	require.NoError(t, err)
	var d store.DiffResult
	require.NoError(t, json.Unmarshal([]byte(out), &d))
	assert.NotEmpty(t, d.Added)
	assert.Empty(t, d.Removed)

	out, err = execute(t, root, "query", "dependents", "lib/lib.go", "Run", "--snapshot", "v2", "--json")
	require.NoError(t, err)
	var entries []queryEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))
	require.Len(t, entries, 1)
	var names []string
	for _, r := range entries[0].Results {
		names = append(names, r.Name)
	}
	assert.Contains(t, names, "main")

	out, err = execute(t, root, "query", "dependencies", "main.go", "main", "--snapshot", "v2")
	require.NoError(t, err)
	assert.Contains(t, out, "Run")

	_, err = execute(t, root, "query", "dependents", "lib/lib.go", "Nope", "--snapshot", "v2")
	assert.ErrorIs(t, err, store.ErrNodeNotFound)

	_, err = execute(t, root, "snapshot", "delete", "v1")
	require.NoError(t, err)
	_, err = execute(t, root, "snapshot", "diff", "v1", "v2")
	assert.ErrorIs(t, err, store.ErrSnapshotNotFound)
}

func TestSnapshot_RequiresStore(t *testing.T) {
	root := t.TempDir()
	writeRepo(t, root, demoRepo)
	writeRepo(t, root, map[string]string{".impactgraph.yaml": "store:\n  backend: none\n  path: \"\"\n"})

	_, err := execute(t, root, "snapshot", "list")
	assert.ErrorIs(t, err, pipeline.ErrNoStore)
}

func TestCacheStatusAndClear(t *testing.T) {
	root := t.TempDir()
	writeRepo(t, root, demoRepo)

	_, err := execute(t, root, "analyze", "--quiet")
	require.NoError(t, err)
	writeRepo(t, root, map[string]string{"lib/lib.go": libChanged})

	out, err := execute(t, root, "cache", "status", "--json")
	require.NoError(t, err)
	var st struct {
		Exists       bool     `json:"exists"`
		Usable       bool     `json:"usable"`
		Valid        bool     `json:"valid"`
		ChangedFiles []string `json:"changed_files"`
		Lock         struct {
			Held bool `json:"held"`
		} `json:"lock"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.True(t, st.Exists)
	assert.True(t, st.Usable)
	assert.False(t, st.Valid)
	assert.False(t, st.Lock.Held)
	assert.Equal(t, []string{"lib/lib.go"}, st.ChangedFiles)

	out, err = execute(t, root, "cache", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "free")
	assert.Contains(t, out, "lib/lib.go")

	_, err = execute(t, root, "cache", "clear")
	require.NoError(t, err)
	out, err = execute(t, root, "cache", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "no cached graph")
}

func TestConfigShowAndInit(t *testing.T) {
	root := t.TempDir()

	out, err := execute(t, root, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "backend: sqlite")

	_, err = execute(t, root, "config", "init")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(root, ".impactgraph.yaml"))

	_, err = execute(t, root, "config", "init")
	assert.Error(t, err)
	_, err = execute(t, root, "config", "init", "--force")
	assert.NoError(t, err)
}

func TestBadConfigFails(t *testing.T) {
	root := t.TempDir()
	writeRepo(t, root, map[string]string{".impactgraph.yaml": "analysis:\n  policy: vibes\n"})
	_, err := execute(t, root, "analyze")
	assert.Error(t, err)
}

func TestVersion(t *testing.T) {
	out, err := execute(t, t.TempDir(), "version")
	require.NoError(t, err)
	assert.Contains(t, out, "impactgraph "+version)
}

// =============================================================================
// UNIT TESTS
// =============================================================================

func TestThresholdReached(t *testing.T) {
	breaking := &impact.Report{Changes: []impact.Change{{Classification: impact.Breaking}}}
	safe := &impact.Report{Changes: []impact.Change{{Classification: impact.Safe}}}

	tests := []struct {
		name      string
		report    *impact.Report
		threshold impact.Classification
		want      bool
	}{
		{"breaking at breaking", breaking, impact.Breaking, true},
		{"breaking at safe", breaking, impact.Safe, true},
		{"safe at potentially breaking", safe, impact.PotentiallyBreaking, false},
		{"safe at safe", safe, impact.Safe, true},
		{"empty at safe", &impact.Report{}, impact.Safe, false},
		{"skipped", impact.SkippedReport("first run"), impact.Safe, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, thresholdReached(tt.report, tt.threshold))
		})
	}
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, exitCode(nil))
	assert.Equal(t, ExitThreshold, exitCode(&exitError{code: ExitThreshold, msg: "x"}))
	assert.Equal(t, ExitError, exitCode(errors.New("boom")))
}

func TestRenderResult_Plain(t *testing.T) {
	g := graph.New("/repo")
	mainID := g.AddNode(graph.NewNode(&graph.FunctionData{}, "main", "main.go", 5))

	res := &pipeline.Result{
		RunID: "run-1",
		Graph: g,
		Report: &impact.Report{
			Changes: []impact.Change{{
				Kind:                 impact.ChangeModified,
				Name:                 "Run",
				FilePath:             "lib/lib.go",
				Line:                 3,
				Classification:       impact.Breaking,
				Reason:               "parameters changed",
				TransitiveDependents: []graph.NodeID{mainID},
			}},
			Summary: impact.Summary{Breaking: 1, TotalAffected: 1},
		},
		Warnings: []pipeline.Warning{{File: "lib/broken.go", Message: "syntax errors"}},
		Stats:    pipeline.Stats{Baseline: pipeline.BaselineCache},
	}

	var buf bytes.Buffer
	renderResult(ux.NewPrinter(&buf, ux.ModePlain), res, false)
	out := buf.String()

	assert.Contains(t, out, "breaking")
	assert.Contains(t, out, "Run lib/lib.go:3 parameters changed")
	assert.Contains(t, out, "main (main.go:5)")
	assert.Contains(t, out, "1 breaking, 0 potentially breaking, 0 safe, 1 affected")
	assert.Contains(t, out, "WARN: lib/broken.go: syntax errors")
}

func TestRenderResult_Skipped(t *testing.T) {
	res := &pipeline.Result{Report: impact.SkippedReport("no previous graph")}
	var buf bytes.Buffer
	renderResult(ux.NewPrinter(&buf, ux.ModePlain), res, false)
	assert.Contains(t, buf.String(), "WARN: analysis skipped: no previous graph")
}
