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
	"iter"
	"slices"
)

// CodeGraph is the in-memory representation of one code graph.
//
// # Description
//
// Nodes live in an arena indexed by NodeID. Outgoing and incoming
// adjacency lists are kept in step so that both edge directions are O(1)
// to reach. A (file path, name) index supports FindNodes.
//
// # Thread Safety
//
// Not safe for concurrent mutation. Safe for concurrent reads once built.
type CodeGraph struct {
	root      string
	nodes     []*Node
	out       [][]EdgeRef
	in        [][]EdgeRef
	edgeCount int

	// byFile maps file path -> name -> ids in insertion order.
	byFile map[string]map[string][]NodeID
}

// New creates an empty graph rooted at root.
func New(root string) *CodeGraph {
	return &CodeGraph{
		root:   root,
		byFile: make(map[string]map[string][]NodeID),
	}
}

// Root returns the repository root the graph was built from.
func (g *CodeGraph) Root() string {
	return g.root
}

// AddNode appends a node and returns its id.
//
// # Description
//
// Assigns the next sequential id (0 for the first node). The graph keeps
// the pointer; the caller must not mutate the node afterwards except
// through NodeMut.
//
// # Outputs
//
//   - NodeID: The new id. Never reused within this graph.
func (g *CodeGraph) AddNode(n *Node) NodeID {
	id := NodeID(len(g.nodes))
	g.nodes = append(g.nodes, n)
	g.out = append(g.out, nil)
	g.in = append(g.in, nil)

	names, ok := g.byFile[n.FilePath]
	if !ok {
		names = make(map[string][]NodeID)
		g.byFile[n.FilePath] = names
	}
	names[n.Name] = append(names[n.Name], id)
	return id
}

// AddEdge appends an edge from -> to.
//
// # Description
//
// Edges must be added after both endpoints exist. The target is not
// validated; an edge whose source is unknown is dropped. Duplicate edges
// are kept.
func (g *CodeGraph) AddEdge(from, to NodeID, e Edge) {
	if int(from) >= len(g.nodes) {
		return
	}
	ref := EdgeRef{From: from, To: to, Edge: e}
	g.out[from] = append(g.out[from], ref)
	if int(to) < len(g.nodes) {
		g.in[to] = append(g.in[to], ref)
	}
	g.edgeCount++
}

// Node returns the node with id.
func (g *CodeGraph) Node(id NodeID) (*Node, bool) {
	if int(id) >= len(g.nodes) {
		return nil, false
	}
	return g.nodes[id], true
}

// NodeMut returns the node with id for in-place modification.
//
// Only the payload and line fields may be changed; the name, file path and
// kind are indexed and must stay fixed.
func (g *CodeGraph) NodeMut(id NodeID) (*Node, bool) {
	return g.Node(id)
}

// NodeCount returns the number of nodes.
func (g *CodeGraph) NodeCount() int {
	return len(g.nodes)
}

// EdgeCount returns the number of edges.
func (g *CodeGraph) EdgeCount() int {
	return g.edgeCount
}

// Nodes iterates nodes in id order.
func (g *CodeGraph) Nodes() iter.Seq2[NodeID, *Node] {
	return func(yield func(NodeID, *Node) bool) {
		for i, n := range g.nodes {
			if !yield(NodeID(i), n) {
				return
			}
		}
	}
}

// Edges iterates all edges grouped by source id.
func (g *CodeGraph) Edges() iter.Seq[EdgeRef] {
	return func(yield func(EdgeRef) bool) {
		for _, refs := range g.out {
			for _, ref := range refs {
				if !yield(ref) {
					return
				}
			}
		}
	}
}

// EdgesFrom returns the outgoing edges of id in insertion order.
func (g *CodeGraph) EdgesFrom(id NodeID) []EdgeRef {
	if int(id) >= len(g.out) {
		return nil
	}
	return g.out[id]
}

// EdgesTo returns the incoming edges of id in insertion order.
func (g *CodeGraph) EdgesTo(id NodeID) []EdgeRef {
	if int(id) >= len(g.in) {
		return nil
	}
	return g.in[id]
}

// FindNodes returns nodes defined in filePath.
//
// When name is empty every node of the file is returned. Results are in
// ascending id order.
func (g *CodeGraph) FindNodes(filePath, name string) []NodeID {
	names, ok := g.byFile[filePath]
	if !ok {
		return nil
	}
	if name != "" {
		return slices.Clone(names[name])
	}
	var ids []NodeID
	for _, group := range names {
		ids = append(ids, group...)
	}
	slices.Sort(ids)
	return ids
}

// FindNodesByKind returns all nodes of kind in ascending id order.
func (g *CodeGraph) FindNodesByKind(kind NodeKind) []NodeID {
	var ids []NodeID
	for id, n := range g.Nodes() {
		if n.Kind() == kind {
			ids = append(ids, id)
		}
	}
	return ids
}

// Lookup returns the lowest id whose identity equals key.
func (g *CodeGraph) Lookup(key EntityKey) (NodeID, bool) {
	for _, id := range g.FindNodes(key.FilePath, key.Name) {
		if g.nodes[id].Kind() == key.Kind {
			return id, true
		}
	}
	return 0, false
}

// Files returns the distinct file paths that own nodes, sorted.
func (g *CodeGraph) Files() []string {
	files := make([]string, 0, len(g.byFile))
	for f := range g.byFile {
		files = append(files, f)
	}
	slices.Sort(files)
	return files
}

// Clone returns a deep copy of the graph. Ids are preserved.
func (g *CodeGraph) Clone() *CodeGraph {
	c := New(g.root)
	for _, n := range g.nodes {
		c.AddNode(n.Clone())
	}
	for ref := range g.Edges() {
		c.AddEdge(ref.From, ref.To, cloneEdge(ref.Edge))
	}
	return c
}

// MergeMap maps ids of a merged graph to their ids in the receiver.
type MergeMap map[NodeID]NodeID

// Merge appends every node and edge of other to g.
//
// # Description
//
// Nodes of other are renumbered to fresh ids in g so no id is ever shared.
// Edges are re-added with remapped endpoints; edges whose target was never
// a node of other are dropped. Used to combine per-file graphs built
// concurrently into one graph under a single writer.
//
// # Outputs
//
//   - MergeMap: old id (in other) -> new id (in g).
func (g *CodeGraph) Merge(other *CodeGraph) MergeMap {
	m := make(MergeMap, len(other.nodes))
	for id, n := range other.Nodes() {
		m[id] = g.AddNode(n)
	}
	for ref := range other.Edges() {
		to, ok := m[ref.To]
		if !ok {
			continue
		}
		g.AddEdge(m[ref.From], to, ref.Edge)
	}
	return m
}

func cloneEdge(e Edge) Edge {
	c := Edge{Kind: e.Kind}
	if e.Call != nil {
		call := *e.Call
		c.Call = &call
	}
	if e.Import != nil {
		imp := *e.Import
		c.Import = &imp
	}
	return c
}
