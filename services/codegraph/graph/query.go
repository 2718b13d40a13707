// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"context"
	"slices"
)

// ExpandFunc joins a frontier of derived facts with the edge relation and
// returns the neighbours one hop further. Duplicates are allowed.
type ExpandFunc func(ctx context.Context, frontier []NodeID) ([]NodeID, error)

// FixedPoint computes the closure of start under expand.
//
// # Description
//
// Evaluates the two rules
//
//	reach(x) :- edge(x, start)
//	reach(x) :- reach(y), edge(x, y)
//
// semi-naively: each round joins only the facts derived in the previous
// round (the delta) and keeps the ones not seen before. The relation only
// grows and is bounded by the node count, so evaluation terminates on
// cyclic graphs. start itself is part of the result when some cycle leads
// back to it.
//
// # Inputs
//
//   - ctx: Checked between rounds.
//   - start: Seed node. Not part of the result unless reached again.
//   - expand: One-hop join. Decides the direction (dependents or dependencies).
//   - maxDepth: Number of rounds; <= 0 means run to the fixed point.
//
// # Outputs
//
//   - []NodeID: Reached nodes in ascending id order.
//   - error: ctx error or the first expand error.
func FixedPoint(ctx context.Context, start NodeID, expand ExpandFunc, maxDepth int) ([]NodeID, error) {
	seen := map[NodeID]struct{}{}
	var result []NodeID

	delta := []NodeID{start}
	for depth := 1; len(delta) > 0; depth++ {
		if maxDepth > 0 && depth > maxDepth {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		next, err := expand(ctx, delta)
		if err != nil {
			return nil, err
		}

		var fresh []NodeID
		for _, id := range next {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			fresh = append(fresh, id)
		}
		result = append(result, fresh...)
		delta = fresh
	}
	slices.Sort(result)
	return result, nil
}

// Dedup sorts ids and removes duplicates in place.
func Dedup(ids []NodeID) []NodeID {
	slices.Sort(ids)
	return slices.Compact(ids)
}

// DirectDependents returns the distinct sources of edges pointing at id.
func (g *CodeGraph) DirectDependents(id NodeID) []NodeID {
	return sources(g.EdgesTo(id), nil)
}

// Dependencies returns the distinct targets of edges leaving id.
func (g *CodeGraph) Dependencies(id NodeID) []NodeID {
	return targets(g.EdgesFrom(id), nil)
}

// TransitiveDependents returns the closure of DirectDependents.
// maxDepth <= 0 means unbounded; maxDepth == 1 equals DirectDependents.
func (g *CodeGraph) TransitiveDependents(id NodeID, maxDepth int) []NodeID {
	ids, _ := FixedPoint(context.Background(), id, g.expandIncoming, maxDepth)
	return ids
}

// TransitiveDependencies returns the closure of Dependencies.
func (g *CodeGraph) TransitiveDependencies(id NodeID, maxDepth int) []NodeID {
	ids, _ := FixedPoint(context.Background(), id, g.expandOutgoing, maxDepth)
	return ids
}

// FindByEdgeKind returns distinct targets of outgoing edges of kind.
func (g *CodeGraph) FindByEdgeKind(id NodeID, kind EdgeKind) []NodeID {
	var out []NodeID
	for _, ref := range g.EdgesFrom(id) {
		if ref.Edge.Kind == kind {
			out = append(out, ref.To)
		}
	}
	return Dedup(out)
}

func (g *CodeGraph) expandIncoming(_ context.Context, frontier []NodeID) ([]NodeID, error) {
	var out []NodeID
	for _, id := range frontier {
		out = sources(g.EdgesTo(id), out)
	}
	return out, nil
}

func (g *CodeGraph) expandOutgoing(_ context.Context, frontier []NodeID) ([]NodeID, error) {
	var out []NodeID
	for _, id := range frontier {
		out = targets(g.EdgesFrom(id), out)
	}
	return out, nil
}

func sources(refs []EdgeRef, into []NodeID) []NodeID {
	start := len(into)
	for _, ref := range refs {
		into = append(into, ref.From)
	}
	if into == nil {
		return nil
	}
	return append(into[:start], Dedup(into[start:])...)
}

func targets(refs []EdgeRef, into []NodeID) []NodeID {
	start := len(into)
	for _, ref := range refs {
		into = append(into, ref.To)
	}
	if into == nil {
		return nil
	}
	return append(into[:start], Dedup(into[start:])...)
}
