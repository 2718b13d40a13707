// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storetest runs a shared conformance suite against GraphStore
// backends. Every backend must answer every query exactly as the
// in-memory CodeGraph does for the same graph.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/impactgraph/services/codegraph/graph"
	"github.com/AleutianAI/impactgraph/services/codegraph/store"
)

// OpenFunc opens a fresh, empty store. Cleanup is registered on t.
type OpenFunc func(t *testing.T) store.GraphStore

// Sample returns a small repository graph:
//
//	a.go:    foo(a int) int, bar -> foo, helper, Point{X, Y}
//	main.go: main -> bar, import "fmt"
//	loop.go: A -> B -> A, C -> A
//
// plus File nodes containing every declaration.
func Sample() *graph.CodeGraph {
	g := graph.New("/repo")
	fileA := g.AddNode(graph.NewNode(&graph.FileData{Language: "go"}, "a.go", "a.go", 1))
	fileMain := g.AddNode(graph.NewNode(&graph.FileData{Language: "go"}, "main.go", "main.go", 1))
	fileLoop := g.AddNode(graph.NewNode(&graph.FileData{Language: "go"}, "loop.go", "loop.go", 1))

	foo := g.AddNode(graph.NewNode(&graph.FunctionData{
		Parameters: []graph.Parameter{{Name: "a", Type: "int"}},
		ReturnType: "int",
	}, "foo", "a.go", 3))
	bar := g.AddNode(graph.NewNode(&graph.FunctionData{}, "bar", "a.go", 7))
	helper := g.AddNode(graph.NewNode(&graph.FunctionData{}, "helper", "a.go", 11))
	point := g.AddNode(graph.NewNode(&graph.ClassData{Fields: []string{"X", "Y"}}, "Point", "a.go", 15))
	mainFn := g.AddNode(graph.NewNode(&graph.FunctionData{}, "main", "main.go", 5))
	imp := g.AddNode(graph.NewNode(&graph.ImportData{ModulePath: "fmt"}, "fmt", "main.go", 3))
	a := g.AddNode(graph.NewNode(&graph.FunctionData{}, "A", "loop.go", 3))
	b := g.AddNode(graph.NewNode(&graph.FunctionData{}, "B", "loop.go", 6))
	c := g.AddNode(graph.NewNode(&graph.FunctionData{}, "C", "loop.go", 9))

	for _, id := range []graph.NodeID{foo, bar, helper, point} {
		g.AddEdge(fileA, id, graph.NewEdge(graph.EdgeContains))
	}
	g.AddEdge(fileMain, mainFn, graph.NewEdge(graph.EdgeContains))
	g.AddEdge(fileMain, imp, graph.Edge{Kind: graph.EdgeImports, Import: &graph.ImportInfo{Alias: "f"}})
	for _, id := range []graph.NodeID{a, b, c} {
		g.AddEdge(fileLoop, id, graph.NewEdge(graph.EdgeContains))
	}

	g.AddEdge(bar, foo, graph.CallEdge(8, true))
	g.AddEdge(bar, foo, graph.CallEdge(9, true))
	g.AddEdge(mainFn, bar, graph.CallEdge(6, false))
	g.AddEdge(a, b, graph.CallEdge(4, true))
	g.AddEdge(b, a, graph.CallEdge(7, true))
	g.AddEdge(c, a, graph.CallEdge(10, true))
	return g
}

// Evolved returns Sample after an edit: foo gains a parameter, helper is
// deleted, Point moves down a line and a new function appears.
func Evolved() *graph.CodeGraph {
	old := Sample()
	g := graph.New(old.Root())
	remap := map[graph.NodeID]graph.NodeID{}
	for id, n := range old.Nodes() {
		n = n.Clone()
		switch n.Name {
		case "helper":
			continue
		case "foo":
			fd := n.Data.(*graph.FunctionData)
			fd.Parameters = append(fd.Parameters, graph.Parameter{Name: "b", Type: "int"})
		case "Point":
			n.Line++
		}
		remap[id] = g.AddNode(n)
	}
	for ref := range old.Edges() {
		from, okFrom := remap[ref.From]
		to, okTo := remap[ref.To]
		if okFrom && okTo {
			g.AddEdge(from, to, ref.Edge)
		}
	}
	g.AddNode(graph.NewNode(&graph.FunctionData{}, "fresh", "a.go", 30))
	return g
}

// Run executes the conformance suite.
func Run(t *testing.T, open OpenFunc) {
	t.Run("FlushRecordsSnapshotInfo", func(t *testing.T) { testFlushInfo(t, open) })
	t.Run("UnknownSnapshot", func(t *testing.T) { testUnknownSnapshot(t, open) })
	t.Run("InvalidSnapshotName", func(t *testing.T) { testInvalidName(t, open) })
	t.Run("PointLookups", func(t *testing.T) { testPointLookups(t, open) })
	t.Run("NeighbourQueries", func(t *testing.T) { testNeighbours(t, open) })
	t.Run("ClosureMatchesGraph", func(t *testing.T) { testClosure(t, open) })
	t.Run("CycleTerminates", func(t *testing.T) { testCycle(t, open) })
	t.Run("SelfDiffEmpty", func(t *testing.T) { testSelfDiff(t, open) })
	t.Run("ChangedNodesMatchGraph", func(t *testing.T) { testChangedNodes(t, open) })
	t.Run("ReflushReplaces", func(t *testing.T) { testReflush(t, open) })
	t.Run("DeleteSnapshot", func(t *testing.T) { testDelete(t, open) })
	t.Run("Reconstruct", func(t *testing.T) { testReconstruct(t, open) })
	t.Run("EmptyGraph", func(t *testing.T) { testEmpty(t, open) })
	t.Run("ReadersNeverSeePartialFlush", func(t *testing.T) { testConcurrentFlush(t, open) })
	t.Run("Closed", func(t *testing.T) { testClosed(t, open) })
}

func flushed(t *testing.T, open OpenFunc, g *graph.CodeGraph, snapshot string) store.GraphStore {
	t.Helper()
	s := open(t)
	require.NoError(t, s.Flush(context.Background(), g, snapshot))
	return s
}

func testFlushInfo(t *testing.T, open OpenFunc) {
	ctx := context.Background()
	g := Sample()
	s := flushed(t, open, g, "current")
	require.NoError(t, s.Flush(ctx, Evolved(), "alpha"))

	infos, err := s.Snapshots(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "alpha", infos[0].Name)
	assert.Equal(t, "current", infos[1].Name)
	assert.Equal(t, g.NodeCount(), infos[1].NodeCount)
	assert.Equal(t, g.EdgeCount(), infos[1].EdgeCount)
	assert.False(t, infos[1].FlushedAt.IsZero())

	n, err := s.NodeCount(ctx, "current")
	require.NoError(t, err)
	assert.Equal(t, g.NodeCount(), n)
}

func testUnknownSnapshot(t *testing.T, open OpenFunc) {
	ctx := context.Background()
	s := flushed(t, open, Sample(), "current")

	_, err := s.NodeCount(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrSnapshotNotFound)
	_, err = s.Node(ctx, "missing", 0)
	assert.ErrorIs(t, err, store.ErrSnapshotNotFound)
	_, err = s.TransitiveDependents(ctx, "missing", 0, 0)
	assert.ErrorIs(t, err, store.ErrSnapshotNotFound)
	_, err = s.FindChangedNodes(ctx, "current", "missing")
	assert.ErrorIs(t, err, store.ErrSnapshotNotFound)
	_, err = s.FindChangedNodes(ctx, "missing", "current")
	assert.ErrorIs(t, err, store.ErrSnapshotNotFound)
}

func testInvalidName(t *testing.T, open OpenFunc) {
	s := open(t)
	for _, name := range []string{"", "a/b", "nul\x00"} {
		err := s.Flush(context.Background(), Sample(), name)
		assert.ErrorIs(t, err, store.ErrInvalidSnapshot, "name %q", name)
	}
}

func testPointLookups(t *testing.T, open OpenFunc) {
	ctx := context.Background()
	g := Sample()
	s := flushed(t, open, g, "current")

	for id, want := range g.Nodes() {
		got, err := s.Node(ctx, "current", id)
		require.NoError(t, err)
		assert.Equal(t, want.Key(), got.Key())
		assert.Equal(t, want.Fingerprint(), got.Fingerprint())
		assert.Equal(t, want.EndLine, got.EndLine)
	}
	_, err := s.Node(ctx, "current", graph.NodeID(g.NodeCount()+5))
	assert.ErrorIs(t, err, store.ErrNodeNotFound)

	nodes, err := s.Nodes(ctx, "current")
	require.NoError(t, err)
	require.Len(t, nodes, g.NodeCount())
	for i, in := range nodes {
		assert.Equal(t, graph.NodeID(i), in.ID)
	}

	for _, file := range g.Files() {
		got, err := s.FindNodes(ctx, "current", file, "")
		require.NoError(t, err)
		assert.Equal(t, g.FindNodes(file, ""), got, file)
	}
	got, err := s.FindNodes(ctx, "current", "a.go", "bar")
	require.NoError(t, err)
	assert.Equal(t, g.FindNodes("a.go", "bar"), got)
	got, err = s.FindNodes(ctx, "current", "nope.go", "")
	require.NoError(t, err)
	assert.Empty(t, got)

	for _, kind := range []graph.NodeKind{graph.NodeKindFile, graph.NodeKindFunction, graph.NodeKindClass, graph.NodeKindModule} {
		got, err := s.FindNodesByKind(ctx, "current", kind)
		require.NoError(t, err)
		assert.Equal(t, g.FindNodesByKind(kind), got, kind.String())
	}
}

func testNeighbours(t *testing.T, open OpenFunc) {
	ctx := context.Background()
	g := Sample()
	s := flushed(t, open, g, "current")

	for id := range g.Nodes() {
		from, err := s.EdgesFrom(ctx, "current", id)
		require.NoError(t, err)
		assert.Equal(t, nonNil(g.EdgesFrom(id)), nonNil(from), "edges from %d", id)

		to, err := s.EdgesTo(ctx, "current", id)
		require.NoError(t, err)
		assert.ElementsMatch(t, g.EdgesTo(id), to, "edges to %d", id)

		deps, err := s.DirectDependents(ctx, "current", id)
		require.NoError(t, err)
		assert.Equal(t, nonNilIDs(g.DirectDependents(id)), nonNilIDs(deps), "dependents of %d", id)

		fwd, err := s.Dependencies(ctx, "current", id)
		require.NoError(t, err)
		assert.Equal(t, nonNilIDs(g.Dependencies(id)), nonNilIDs(fwd), "dependencies of %d", id)

		for _, kind := range []graph.EdgeKind{graph.EdgeContains, graph.EdgeCalls, graph.EdgeImports} {
			got, err := s.FindByEdgeKind(ctx, "current", id, kind)
			require.NoError(t, err)
			assert.Equal(t, nonNilIDs(g.FindByEdgeKind(id, kind)), nonNilIDs(got))
		}
	}

	missing := graph.NodeID(g.NodeCount() + 100)
	deps, err := s.DirectDependents(ctx, "current", missing)
	require.NoError(t, err)
	assert.Empty(t, deps)
}

func testClosure(t *testing.T, open OpenFunc) {
	ctx := context.Background()
	g := Sample()
	s := flushed(t, open, g, "current")

	for id := range g.Nodes() {
		for _, depth := range []int{0, 1, 2} {
			got, err := s.TransitiveDependents(ctx, "current", id, depth)
			require.NoError(t, err)
			assert.Equal(t, nonNilIDs(g.TransitiveDependents(id, depth)), nonNilIDs(got),
				"dependents of %d depth %d", id, depth)

			got, err = s.TransitiveDependencies(ctx, "current", id, depth)
			require.NoError(t, err)
			assert.Equal(t, nonNilIDs(g.TransitiveDependencies(id, depth)), nonNilIDs(got),
				"dependencies of %d depth %d", id, depth)
		}

		direct, err := s.DirectDependents(ctx, "current", id)
		require.NoError(t, err)
		one, err := s.TransitiveDependents(ctx, "current", id, 1)
		require.NoError(t, err)
		assert.Equal(t, nonNilIDs(direct), nonNilIDs(one))
		all, err := s.TransitiveDependents(ctx, "current", id, 0)
		require.NoError(t, err)
		assert.Subset(t, all, direct)
	}
}

func testCycle(t *testing.T, open OpenFunc) {
	ctx := context.Background()
	g := graph.New("/repo")
	a := g.AddNode(graph.NewNode(&graph.FunctionData{}, "A", "x.go", 1))
	b := g.AddNode(graph.NewNode(&graph.FunctionData{}, "B", "x.go", 2))
	g.AddEdge(a, b, graph.CallEdge(1, true))
	g.AddEdge(b, a, graph.CallEdge(2, true))
	s := flushed(t, open, g, "cycle")

	got, err := s.TransitiveDependents(ctx, "cycle", a, 0)
	require.NoError(t, err)
	assert.Equal(t, []graph.NodeID{a, b}, got)

	got, err = s.TransitiveDependencies(ctx, "cycle", b, 0)
	require.NoError(t, err)
	assert.Equal(t, []graph.NodeID{a, b}, got)
}

func testSelfDiff(t *testing.T, open OpenFunc) {
	ctx := context.Background()
	s := flushed(t, open, Sample(), "current")
	require.NoError(t, s.Flush(ctx, Sample(), "copy"))

	changed, err := s.FindChangedNodes(ctx, "current", "current")
	require.NoError(t, err)
	assert.Empty(t, changed)

	changed, err = s.FindChangedNodes(ctx, "current", "copy")
	require.NoError(t, err)
	assert.Empty(t, changed)
}

func testChangedNodes(t *testing.T, open OpenFunc) {
	ctx := context.Background()
	older, newer := Sample(), Evolved()
	s := flushed(t, open, older, store.SnapshotPrevious)
	require.NoError(t, s.Flush(ctx, newer, store.SnapshotCurrent))

	changed, err := s.FindChangedNodes(ctx, store.SnapshotPrevious, store.SnapshotCurrent)
	require.NoError(t, err)
	assert.Equal(t, graph.ChangedNodes(older, newer), changed)

	diff, err := store.Diff(ctx, s, store.SnapshotPrevious, store.SnapshotCurrent)
	require.NoError(t, err)
	assert.Equal(t, graph.RemovedNodes(older, newer), diff.Removed)
	require.Len(t, diff.Removed, 1)
	removed, err := s.Node(ctx, store.SnapshotPrevious, diff.Removed[0])
	require.NoError(t, err)
	assert.Equal(t, "helper", removed.Name)

	require.Len(t, diff.Added, 1)
	added, err := s.Node(ctx, store.SnapshotCurrent, diff.Added[0])
	require.NoError(t, err)
	assert.Equal(t, "fresh", added.Name)

	var names []string
	for _, c := range diff.Modified {
		n, err := s.Node(ctx, store.SnapshotCurrent, c.NewID)
		require.NoError(t, err)
		names = append(names, n.Name)
	}
	assert.ElementsMatch(t, []string{"foo", "Point"}, names)
}

func testReflush(t *testing.T, open OpenFunc) {
	ctx := context.Background()
	s := flushed(t, open, Sample(), "current")

	small := graph.New("/repo")
	small.AddNode(graph.NewNode(&graph.FunctionData{}, "only", "z.go", 1))
	require.NoError(t, s.Flush(ctx, small, "current"))

	n, err := s.NodeCount(ctx, "current")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ids, err := s.FindNodes(ctx, "current", "a.go", "")
	require.NoError(t, err)
	assert.Empty(t, ids)

	edges, err := s.EdgesFrom(ctx, "current", 0)
	require.NoError(t, err)
	assert.Empty(t, edges)

	infos, err := s.Snapshots(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, 0, infos[0].EdgeCount)
}

func testDelete(t *testing.T, open OpenFunc) {
	ctx := context.Background()
	s := flushed(t, open, Sample(), "current")
	require.NoError(t, s.Flush(ctx, Sample(), "keep"))

	require.NoError(t, s.DeleteSnapshot(ctx, "current"))
	_, err := s.NodeCount(ctx, "current")
	assert.ErrorIs(t, err, store.ErrSnapshotNotFound)
	assert.ErrorIs(t, s.DeleteSnapshot(ctx, "current"), store.ErrSnapshotNotFound)

	n, err := s.NodeCount(ctx, "keep")
	require.NoError(t, err)
	assert.Equal(t, Sample().NodeCount(), n)

	infos, err := s.Snapshots(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "keep", infos[0].Name)
}

func testReconstruct(t *testing.T, open OpenFunc) {
	ctx := context.Background()
	g := Sample()
	s := flushed(t, open, g, "current")

	rebuilt, err := store.Reconstruct(ctx, s, "current", g.Root())
	require.NoError(t, err)
	assert.Equal(t, g.NodeCount(), rebuilt.NodeCount())
	assert.Equal(t, g.EdgeCount(), rebuilt.EdgeCount())
	assert.Empty(t, graph.ChangedNodes(g, rebuilt))
	for id := range g.Nodes() {
		assert.Equal(t, nonNil(g.EdgesFrom(id)), nonNil(rebuilt.EdgesFrom(id)))
	}
}

func testEmpty(t *testing.T, open OpenFunc) {
	ctx := context.Background()
	s := flushed(t, open, graph.New("/repo"), "empty")

	n, err := s.NodeCount(ctx, "empty")
	require.NoError(t, err)
	assert.Zero(t, n)

	nodes, err := s.Nodes(ctx, "empty")
	require.NoError(t, err)
	assert.Empty(t, nodes)

	changed, err := s.FindChangedNodes(ctx, "empty", "empty")
	require.NoError(t, err)
	assert.Empty(t, changed)
}

func testConcurrentFlush(t *testing.T, open OpenFunc) {
	ctx := context.Background()
	big, small := Sample(), Evolved()
	s := flushed(t, open, big, "current")

	valid := map[int]bool{big.NodeCount(): true, small.NodeCount(): true}

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				nodes, err := s.Nodes(ctx, "current")
				if err != nil {
					errs <- err
					return
				}
				if !valid[len(nodes)] {
					errs <- fmt.Errorf("observed %d nodes", len(nodes))
					return
				}
			}
		}()
	}
	for i := 0; i < 10; i++ {
		g := big
		if i%2 == 0 {
			g = small
		}
		require.NoError(t, s.Flush(ctx, g, "current"))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func testClosed(t *testing.T, open OpenFunc) {
	ctx := context.Background()
	s := flushed(t, open, Sample(), "current")
	require.NoError(t, s.Close())

	_, err := s.NodeCount(ctx, "current")
	assert.ErrorIs(t, err, store.ErrStoreClosed)
	assert.ErrorIs(t, s.Flush(ctx, Sample(), "current"), store.ErrStoreClosed)
}

func nonNil(refs []graph.EdgeRef) []graph.EdgeRef {
	if refs == nil {
		return []graph.EdgeRef{}
	}
	return refs
}

func nonNilIDs(ids []graph.NodeID) []graph.NodeID {
	if ids == nil {
		return []graph.NodeID{}
	}
	return ids
}
