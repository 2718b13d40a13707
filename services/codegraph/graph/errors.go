// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph provides the unified code graph model.
//
// A CodeGraph holds typed nodes (files, functions, classes, ...) in an
// append-only arena and typed directed edges (contains, imports, calls,
// implements) in adjacency lists keyed by source node.
//
// # Identity
//
// Two identities exist and must never be confused:
//   - NodeID: dense integer assigned by AddNode, valid only inside the graph
//     that assigned it.
//   - EntityKey: (kind, name, file path), stable across independently built
//     graphs. Every cross-graph comparison goes through EntityKey.
//
// # Lifecycle
//
// Graphs are built once per parse pass and have no removal operation:
//  1. Create with New(root)
//  2. Populate with AddNode and AddEdge (edges only after both endpoints)
//  3. Query; treat as read-only from here on
//
// # Thread Safety
//
// CodeGraph is NOT safe for concurrent mutation. Once building is done it
// can be read from multiple goroutines.
package graph

import "errors"

// Sentinel errors for graph operations.
var (
	// ErrUnknownKind is returned when a node or edge kind name is not recognised.
	ErrUnknownKind = errors.New("unknown kind")

	// ErrInvalidGraph is returned when decoding a graph whose edges
	// reference nodes that do not exist.
	ErrInvalidGraph = errors.New("invalid graph encoding")
)
