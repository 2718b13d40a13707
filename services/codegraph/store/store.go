// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store defines snapshot-scoped persistence for code graphs.
//
// A GraphStore holds any number of named snapshots. Each snapshot is an
// isolated copy of one CodeGraph's node and edge set, written as a whole by
// Flush and queried without loading the graph into application memory.
// Backends live in subpackages: memstore (adjacency index), badgerstore
// (BadgerDB, semi-naive closure) and sqlstore (SQLite, recursive SQL).
//
// # Thread Safety
//
// Every GraphStore implementation is safe for concurrent use. Readers
// never observe a partially flushed snapshot.
package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/impactgraph/services/codegraph/graph"
)

// Conventional snapshot names used by the pipeline.
const (
	SnapshotPrevious = "previous"
	SnapshotCurrent  = "current"
)

// SnapshotInfo describes one stored snapshot.
type SnapshotInfo struct {
	Name      string    `json:"name"`
	NodeCount int       `json:"node_count"`
	EdgeCount int       `json:"edge_count"`
	FlushedAt time.Time `json:"flushed_at"`
}

// GraphStore is snapshot-scoped graph persistence plus a query surface.
//
// # Description
//
// All methods take the snapshot name explicitly. Unknown snapshots return
// ErrSnapshotNotFound. Node ids are the ids the graph had when it was
// flushed and are only meaningful inside that snapshot; cross-snapshot
// comparisons go through FindChangedNodes.
//
// Neighbour and closure queries on an id the snapshot does not contain
// return an empty result. Only Node reports ErrNodeNotFound.
//
// Id-list results are sorted ascending and free of duplicates. Transitive
// queries treat maxDepth <= 0 as unbounded and terminate on cyclic graphs.
// With maxDepth == 1 they equal the direct query.
type GraphStore interface {
	// Flush replaces everything stored under snapshot with g.
	// Readers see either the old or the new snapshot, never a mix.
	Flush(ctx context.Context, g *graph.CodeGraph, snapshot string) error

	// Snapshots lists stored snapshots sorted by name.
	Snapshots(ctx context.Context) ([]SnapshotInfo, error)

	// DeleteSnapshot removes a snapshot and all of its data.
	DeleteSnapshot(ctx context.Context, snapshot string) error

	Node(ctx context.Context, snapshot string, id graph.NodeID) (*graph.Node, error)

	// Nodes returns every node of the snapshot in ascending id order.
	Nodes(ctx context.Context, snapshot string) ([]graph.IdentifiedNode, error)

	// FindNodes returns ids of nodes in filePath. An empty name matches all.
	FindNodes(ctx context.Context, snapshot, filePath, name string) ([]graph.NodeID, error)

	FindNodesByKind(ctx context.Context, snapshot string, kind graph.NodeKind) ([]graph.NodeID, error)
	NodeCount(ctx context.Context, snapshot string) (int, error)

	// EdgesFrom returns edges in insertion order. EdgesTo returns edges
	// ordered by source id, then insertion order.
	EdgesFrom(ctx context.Context, snapshot string, id graph.NodeID) ([]graph.EdgeRef, error)
	EdgesTo(ctx context.Context, snapshot string, id graph.NodeID) ([]graph.EdgeRef, error)

	DirectDependents(ctx context.Context, snapshot string, id graph.NodeID) ([]graph.NodeID, error)
	TransitiveDependents(ctx context.Context, snapshot string, id graph.NodeID, maxDepth int) ([]graph.NodeID, error)
	Dependencies(ctx context.Context, snapshot string, id graph.NodeID) ([]graph.NodeID, error)
	TransitiveDependencies(ctx context.Context, snapshot string, id graph.NodeID, maxDepth int) ([]graph.NodeID, error)

	// FindByEdgeKind returns distinct targets of id's outgoing edges of kind.
	FindByEdgeKind(ctx context.Context, snapshot string, id graph.NodeID, kind graph.EdgeKind) ([]graph.NodeID, error)

	// FindChangedNodes reports added and modified nodes of newSnapshot
	// relative to oldSnapshot under the structural identity rule (see
	// graph.MatchNodes). Removals are not reported; see FindRemovedNodes.
	FindChangedNodes(ctx context.Context, oldSnapshot, newSnapshot string) ([]graph.ChangedNode, error)

	Close() error
}

// ValidateSnapshotName rejects names that cannot be used as keys.
func ValidateSnapshotName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidSnapshot)
	}
	if strings.ContainsAny(name, "/\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidSnapshot, name)
	}
	return nil
}
