// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sqlstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/impactgraph/services/codegraph/graph"
	"github.com/AleutianAI/impactgraph/services/codegraph/store"
	"github.com/AleutianAI/impactgraph/services/codegraph/store/storetest"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "graph.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.GraphStore {
		return openTest(t)
	})
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open("", nil)
	assert.Error(t, err)
}

func TestOpen_SchemaIsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "graph.db")

	s, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.Flush(ctx, storetest.Sample(), "current"))
	require.NoError(t, s.Close())

	s, err = Open(path, nil)
	require.NoError(t, err)
	defer s.Close()

	n, err := s.NodeCount(ctx, "current")
	require.NoError(t, err)
	assert.Equal(t, storetest.Sample().NodeCount(), n)
}

func TestTransitiveDependents_LongCycle(t *testing.T) {
	ctx := context.Background()
	g := graph.New("/r")
	const size = 200
	for i := 0; i < size; i++ {
		g.AddNode(graph.NewNode(&graph.FunctionData{}, "f", "ring.go", i+1))
	}
	for i := 0; i < size; i++ {
		g.AddEdge(graph.NodeID(i), graph.NodeID((i+1)%size), graph.CallEdge(i+1, true))
	}

	s := openTest(t)
	require.NoError(t, s.Flush(ctx, g, "ring"))

	all, err := s.TransitiveDependents(ctx, "ring", 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, size)

	bounded, err := s.TransitiveDependents(ctx, "ring", 0, 3)
	require.NoError(t, err)
	assert.Equal(t, []graph.NodeID{size - 3, size - 2, size - 1}, bounded)
}

func TestFindChangedNodes_DuplicateIdentityUsesLowestID(t *testing.T) {
	ctx := context.Background()
	older := graph.New("/r")
	older.AddNode(graph.NewNode(&graph.FunctionData{}, "init", "a.go", 1))
	older.AddNode(graph.NewNode(&graph.FunctionData{}, "init", "a.go", 9))

	newer := graph.New("/r")
	newer.AddNode(graph.NewNode(&graph.FunctionData{}, "init", "a.go", 1))

	s := openTest(t)
	require.NoError(t, s.Flush(ctx, older, "old"))
	require.NoError(t, s.Flush(ctx, newer, "new"))

	changed, err := s.FindChangedNodes(ctx, "old", "new")
	require.NoError(t, err)
	assert.Empty(t, changed)
	assert.Equal(t, graph.ChangedNodes(older, newer), changed)
}
