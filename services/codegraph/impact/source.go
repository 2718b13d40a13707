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
	"fmt"

	"github.com/AleutianAI/impactgraph/services/codegraph/graph"
	"github.com/AleutianAI/impactgraph/services/codegraph/store"
)

// side selects the older or newer graph of a comparison.
type side int

const (
	sideOld side = iota
	sideNew
)

// source is the read surface the analyzer needs. Both implementations
// apply graph.MatchNodes' identity rule, so in-memory and store-backed
// analyses of the same pair agree.
type source interface {
	changed(ctx context.Context) ([]graph.ChangedNode, error)
	removed(ctx context.Context) ([]graph.NodeID, error)
	node(ctx context.Context, s side, id graph.NodeID) (*graph.Node, error)

	// dependents with maxDepth 1 is the direct query.
	dependents(ctx context.Context, s side, id graph.NodeID, maxDepth int) ([]graph.NodeID, error)

	// lookupNew finds the lowest new-graph id with the given identity.
	lookupNew(ctx context.Context, key graph.EntityKey) (graph.NodeID, bool, error)
}

type graphSource struct {
	old, new *graph.CodeGraph
}

func (g graphSource) pick(s side) *graph.CodeGraph {
	if s == sideOld {
		return g.old
	}
	return g.new
}

func (g graphSource) changed(context.Context) ([]graph.ChangedNode, error) {
	return graph.ChangedNodes(g.old, g.new), nil
}

func (g graphSource) removed(context.Context) ([]graph.NodeID, error) {
	return graph.RemovedNodes(g.old, g.new), nil
}

func (g graphSource) node(_ context.Context, s side, id graph.NodeID) (*graph.Node, error) {
	n, ok := g.pick(s).Node(id)
	if !ok {
		return nil, fmt.Errorf("node %d: %w", id, store.ErrNodeNotFound)
	}
	return n, nil
}

func (g graphSource) dependents(ctx context.Context, s side, id graph.NodeID, maxDepth int) ([]graph.NodeID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return g.pick(s).TransitiveDependents(id, maxDepth), nil
}

func (g graphSource) lookupNew(_ context.Context, key graph.EntityKey) (graph.NodeID, bool, error) {
	id, ok := g.new.Lookup(key)
	return id, ok, nil
}

type storeSource struct {
	s        store.GraphStore
	old, new string
}

func (ss storeSource) pick(s side) string {
	if s == sideOld {
		return ss.old
	}
	return ss.new
}

func (ss storeSource) changed(ctx context.Context) ([]graph.ChangedNode, error) {
	return ss.s.FindChangedNodes(ctx, ss.old, ss.new)
}

func (ss storeSource) removed(ctx context.Context) ([]graph.NodeID, error) {
	return store.FindRemovedNodes(ctx, ss.s, ss.old, ss.new)
}

func (ss storeSource) node(ctx context.Context, s side, id graph.NodeID) (*graph.Node, error) {
	return ss.s.Node(ctx, ss.pick(s), id)
}

func (ss storeSource) dependents(ctx context.Context, s side, id graph.NodeID, maxDepth int) ([]graph.NodeID, error) {
	if maxDepth == 1 {
		return ss.s.DirectDependents(ctx, ss.pick(s), id)
	}
	return ss.s.TransitiveDependents(ctx, ss.pick(s), id, maxDepth)
}

func (ss storeSource) lookupNew(ctx context.Context, key graph.EntityKey) (graph.NodeID, bool, error) {
	ids, err := ss.s.FindNodes(ctx, ss.new, key.FilePath, key.Name)
	if err != nil {
		return 0, false, err
	}
	for _, id := range ids {
		n, err := ss.s.Node(ctx, ss.new, id)
		if err != nil {
			return 0, false, err
		}
		if n.Kind() == key.Kind {
			return id, true, nil
		}
	}
	return 0, false, nil
}
