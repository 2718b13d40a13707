// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"

	"github.com/AleutianAI/impactgraph/services/codegraph/graph"
)

// Reconstruct rebuilds an in-memory CodeGraph from a stored snapshot.
//
// # Description
//
// Nodes are re-added in ascending id order. A snapshot written by Flush has
// dense ids, so the rebuilt graph carries the same ids; otherwise ids are
// renumbered and edges are remapped. Edges whose endpoints are missing from
// the snapshot are skipped.
//
// # Inputs
//
//   - ctx: Checked between node batches by the backend.
//   - s: Store to read from.
//   - snapshot: Snapshot name.
//   - root: Repository root recorded on the rebuilt graph.
//
// # Outputs
//
//   - *graph.CodeGraph: The rebuilt graph.
//   - error: ErrSnapshotNotFound or a backend error.
func Reconstruct(ctx context.Context, s GraphStore, snapshot, root string) (*graph.CodeGraph, error) {
	nodes, err := s.Nodes(ctx, snapshot)
	if err != nil {
		return nil, err
	}

	g := graph.New(root)
	remap := make(map[graph.NodeID]graph.NodeID, len(nodes))
	for _, in := range nodes {
		remap[in.ID] = g.AddNode(in.Node)
	}

	for _, in := range nodes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		refs, err := s.EdgesFrom(ctx, snapshot, in.ID)
		if err != nil {
			return nil, err
		}
		for _, ref := range refs {
			to, ok := remap[ref.To]
			if !ok {
				continue
			}
			g.AddEdge(remap[ref.From], to, ref.Edge)
		}
	}
	return g, nil
}
