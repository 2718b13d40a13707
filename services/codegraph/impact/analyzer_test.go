// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package impact

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/impactgraph/services/codegraph/graph"
	"github.com/AleutianAI/impactgraph/services/codegraph/hunks"
	"github.com/AleutianAI/impactgraph/services/codegraph/store"
	"github.com/AleutianAI/impactgraph/services/codegraph/store/memstore"
	"github.com/AleutianAI/impactgraph/services/codegraph/store/sqlstore"
	"github.com/AleutianAI/impactgraph/services/codegraph/store/storetest"
)

func fooGraph(params ...graph.Parameter) (*graph.CodeGraph, graph.NodeID, graph.NodeID) {
	g := graph.New("/r")
	foo := g.AddNode(graph.NewNode(&graph.FunctionData{Parameters: params, ReturnType: "int"}, "foo", "a.go", 1))
	bar := g.AddNode(graph.NewNode(&graph.FunctionData{}, "bar", "a.go", 5))
	g.AddEdge(bar, foo, graph.CallEdge(6, true))
	return g, foo, bar
}

func analyze(t *testing.T, older, newer *graph.CodeGraph, opts ...Option) *Report {
	t.Helper()
	r, err := New(older, newer, opts...).Analyze(context.Background())
	require.NoError(t, err)
	return r
}

func TestAnalyze_AddedParameterIsBreaking(t *testing.T) {
	older, _, _ := fooGraph(graph.Parameter{Name: "a", Type: "int"})
	newer, foo, bar := fooGraph(graph.Parameter{Name: "a", Type: "int"}, graph.Parameter{Name: "b", Type: "int"})

	r := analyze(t, older, newer)
	require.Len(t, r.Changes, 1)
	c := r.Changes[0]
	assert.Equal(t, foo, c.NodeID)
	assert.Equal(t, ChangeModified, c.Kind)
	assert.Equal(t, Breaking, c.Classification)
	assert.Equal(t, []graph.NodeID{bar}, c.DirectDependents)
	assert.Equal(t, []graph.NodeID{bar}, c.TransitiveDependents)
	assert.Equal(t, Summary{Breaking: 1, TotalAffected: 1}, r.Summary)
	assert.Equal(t, Breaking, r.Worst())
}

func TestAnalyze_SignatureChangeWithoutDependentsIsSafe(t *testing.T) {
	older := graph.New("/r")
	older.AddNode(graph.NewNode(&graph.FunctionData{}, "lonely", "a.go", 1))
	newer := graph.New("/r")
	newer.AddNode(graph.NewNode(&graph.FunctionData{ReturnType: "error"}, "lonely", "a.go", 1))

	r := analyze(t, older, newer)
	require.Len(t, r.Changes, 1)
	assert.Equal(t, Safe, r.Changes[0].Classification)
}

func TestAnalyze_Removal(t *testing.T) {
	tests := []struct {
		name   string
		called bool
		want   Classification
	}{
		{"no callers", false, Safe},
		{"with caller", true, Breaking},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			older := graph.New("/r")
			caller := older.AddNode(graph.NewNode(&graph.FunctionData{}, "caller", "a.go", 1))
			helper := older.AddNode(graph.NewNode(&graph.FunctionData{}, "helper", "a.go", 5))
			if tt.called {
				older.AddEdge(caller, helper, graph.CallEdge(2, true))
			}

			newer := graph.New("/r")
			newer.AddNode(graph.NewNode(&graph.FunctionData{}, "padding", "b.go", 1))
			newCaller := newer.AddNode(graph.NewNode(&graph.FunctionData{}, "caller", "a.go", 1))

			r := analyze(t, older, newer)
			var removed *Change
			for i := range r.Changes {
				if r.Changes[i].Kind == ChangeRemoved {
					removed = &r.Changes[i]
				}
			}
			require.NotNil(t, removed)
			assert.Equal(t, helper, removed.NodeID)
			assert.Equal(t, "helper", removed.Name)
			assert.Equal(t, tt.want, removed.Classification)
			if tt.called {
				assert.Equal(t, []graph.NodeID{newCaller}, removed.DirectDependents,
					"old dependents are reported by their new ids")
			} else {
				assert.Empty(t, removed.DirectDependents)
			}
		})
	}
}

func TestAnalyze_RemovedDependentIsDropped(t *testing.T) {
	older := graph.New("/r")
	caller := older.AddNode(graph.NewNode(&graph.FunctionData{}, "caller", "a.go", 1))
	helper := older.AddNode(graph.NewNode(&graph.FunctionData{}, "helper", "a.go", 5))
	older.AddEdge(caller, helper, graph.CallEdge(2, true))

	r := analyze(t, older, graph.New("/r"))
	require.Len(t, r.Changes, 2)
	for _, c := range r.Changes {
		assert.Equal(t, ChangeRemoved, c.Kind)
		assert.Empty(t, c.DirectDependents)
	}
	assert.Equal(t, Breaking, r.Changes[1].Classification, "helper still had a caller when it was removed")
}

func TestAnalyze_AddedIsSafe(t *testing.T) {
	older, _, _ := fooGraph()
	newer, _, _ := fooGraph()
	fresh := newer.AddNode(graph.NewNode(&graph.FunctionData{}, "fresh", "a.go", 20))

	r := analyze(t, older, newer)
	require.Len(t, r.Changes, 1)
	assert.Equal(t, fresh, r.Changes[0].NodeID)
	assert.Equal(t, ChangeAdded, r.Changes[0].Kind)
	assert.Equal(t, Safe, r.Changes[0].Classification)
}

func TestAnalyze_SelfDiffIsEmpty(t *testing.T) {
	g := storetest.Sample()
	r := analyze(t, g, g)
	assert.Empty(t, r.Changes)
	assert.Equal(t, Summary{}, r.Summary)
	assert.Equal(t, Safe, r.Worst())
}

func TestAnalyze_CycleIncludesItself(t *testing.T) {
	older := storetest.Sample()
	newer := storetest.Sample()
	a, ok := newer.Lookup(graph.EntityKey{Kind: graph.NodeKindFunction, Name: "A", FilePath: "loop.go"})
	require.True(t, ok)
	n, _ := newer.NodeMut(a)
	n.Data.(*graph.FunctionData).ReturnType = "error"

	r := analyze(t, older, newer)
	require.Len(t, r.Changes, 1)
	c := r.Changes[0]
	assert.Equal(t, Breaking, c.Classification)
	assert.Contains(t, c.TransitiveDependents, a)
	assert.NotContains(t, c.DirectDependents, a)
}

func TestAnalyze_MaxDepth(t *testing.T) {
	older := storetest.Sample()
	newer := storetest.Evolved()

	unbounded := analyze(t, older, newer)
	bounded := analyze(t, older, newer, WithMaxDepth(1))
	require.Equal(t, len(unbounded.Changes), len(bounded.Changes))
	for i := range bounded.Changes {
		assert.Equal(t, bounded.Changes[i].DirectDependents, bounded.Changes[i].TransitiveDependents)
		assert.Subset(t, unbounded.Changes[i].TransitiveDependents, bounded.Changes[i].TransitiveDependents)
	}
}

func TestAnalyze_ParallelMatchesSequential(t *testing.T) {
	older := storetest.Sample()
	newer := storetest.Evolved()
	assert.Equal(t, analyze(t, older, newer), analyze(t, older, newer, WithParallelism(4)))
}

func TestAnalyze_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(storetest.Sample(), storetest.Evolved()).Analyze(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAnalyze_StoreMatchesGraph(t *testing.T) {
	backends := map[string]func(t *testing.T) store.GraphStore{
		"memstore": func(t *testing.T) store.GraphStore { return memstore.New(nil) },
		"sqlstore": func(t *testing.T) store.GraphStore {
			s, err := sqlstore.Open(filepath.Join(t.TempDir(), "graph.db"), nil)
			require.NoError(t, err)
			return s
		},
	}
	older := storetest.Sample()
	newer := storetest.Evolved()
	want := analyze(t, older, newer)

	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := open(t)
			defer s.Close()
			require.NoError(t, s.Flush(ctx, older, store.SnapshotPrevious))
			require.NoError(t, s.Flush(ctx, newer, store.SnapshotCurrent))

			got, err := NewFromStore(s, store.SnapshotPrevious, store.SnapshotCurrent).Analyze(ctx)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestAnalyze_StoreUnknownSnapshot(t *testing.T) {
	s := memstore.New(nil)
	_, err := NewFromStore(s, "nope", "also-nope").Analyze(context.Background())
	assert.ErrorIs(t, err, store.ErrSnapshotNotFound)
}

func TestAnalyze_EvolvedSample(t *testing.T) {
	r := analyze(t, storetest.Sample(), storetest.Evolved())

	byName := map[string]Change{}
	for _, c := range r.Changes {
		byName[c.Name] = c
	}
	require.Len(t, byName, 4)
	assert.Equal(t, Breaking, byName["foo"].Classification)
	assert.Equal(t, Safe, byName["Point"].Classification, "a line move is not a structural change")
	assert.Equal(t, Safe, byName["fresh"].Classification)
	assert.Equal(t, ChangeRemoved, byName["helper"].Kind)
	assert.Equal(t, Breaking, byName["helper"].Classification, "helper was contained by a.go")
}

func TestReport_FilterByLines(t *testing.T) {
	r := analyze(t, storetest.Sample(), storetest.Evolved())

	filtered := r.FilterByLines(hunks.LineMap{"a.go": {{Start: 3, End: 3}}})
	var names []string
	for _, c := range filtered.Changes {
		names = append(names, c.Name)
	}
	assert.ElementsMatch(t, []string{"foo", "helper"}, names)
	assert.Equal(t, 1+1, filtered.Summary.Breaking)
	assert.Len(t, r.Changes, 4, "the original report is unchanged")
}

func TestSkippedReport(t *testing.T) {
	r := SkippedReport("no previous graph")
	assert.True(t, r.Skipped)
	assert.Empty(t, r.Changes)
	assert.Equal(t, Safe, r.Worst())
}
