// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/impactgraph/services/codegraph/graph"
	"github.com/AleutianAI/impactgraph/services/codegraph/store"
	"github.com/AleutianAI/impactgraph/services/codegraph/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.GraphStore {
		s := New(nil)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestFlush_IsolatedFromCallerMutation(t *testing.T) {
	ctx := context.Background()
	g := storetest.Sample()
	s := New(nil)
	require.NoError(t, s.Flush(ctx, g, "current"))

	n, _ := g.NodeMut(0)
	n.Line = 999
	g.AddNode(graph.NewNode(&graph.FunctionData{}, "late", "a.go", 1))

	count, err := s.NodeCount(ctx, "current")
	require.NoError(t, err)
	assert.Equal(t, storetest.Sample().NodeCount(), count)

	stored, err := s.Node(ctx, "current", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Line)
}

func TestNode_ReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := New(nil)
	require.NoError(t, s.Flush(ctx, storetest.Sample(), "current"))

	n, err := s.Node(ctx, "current", 3)
	require.NoError(t, err)
	n.Line = 500

	again, err := s.Node(ctx, "current", 3)
	require.NoError(t, err)
	assert.NotEqual(t, 500, again.Line)
}
