// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package memstore is the in-process GraphStore backend.
//
// Each snapshot is a private deep copy of the flushed graph. Closure
// queries are breadth-first searches over the copy's adjacency index with
// a visited set, driven by graph.FixedPoint.
package memstore

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/AleutianAI/impactgraph/services/codegraph/graph"
	"github.com/AleutianAI/impactgraph/services/codegraph/store"
)

const backendName = "memstore"

type snapshot struct {
	g    *graph.CodeGraph
	info store.SnapshotInfo
}

// Store keeps snapshots in memory.
//
// # Thread Safety
//
// Safe for concurrent use. Flush swaps a fully built copy under the write
// lock, so readers see either the previous or the new snapshot.
type Store struct {
	mu        sync.RWMutex
	snapshots map[string]*snapshot
	closed    bool
	logger    *slog.Logger
	now       func() time.Time
}

// New creates an empty store. A nil logger discards output.
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{
		snapshots: make(map[string]*snapshot),
		logger:    logger.With(slog.String("component", backendName)),
		now:       time.Now,
	}
}

var _ store.GraphStore = (*Store)(nil)

// Flush stores a deep copy of g under name.
func (s *Store) Flush(ctx context.Context, g *graph.CodeGraph, name string) (err error) {
	ctx, span := store.StartOp(ctx, backendName, "Flush", name)
	defer span.End()
	start := time.Now()
	defer func() { store.RecordOp(ctx, backendName, "flush", time.Since(start), err) }()

	if err := store.ValidateSnapshotName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	snap := &snapshot{
		g: g.Clone(),
		info: store.SnapshotInfo{
			Name:      name,
			NodeCount: g.NodeCount(),
			EdgeCount: g.EdgeCount(),
			FlushedAt: s.now(),
		},
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrStoreClosed
	}
	s.snapshots[name] = snap
	s.logger.Debug("snapshot flushed",
		slog.String("snapshot", name),
		slog.Int("nodes", snap.info.NodeCount),
		slog.Int("edges", snap.info.EdgeCount),
	)
	return nil
}

// Snapshots lists snapshots sorted by name.
func (s *Store) Snapshots(_ context.Context) ([]store.SnapshotInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrStoreClosed
	}
	infos := make([]store.SnapshotInfo, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		infos = append(infos, snap.info)
	}
	slices.SortFunc(infos, func(a, b store.SnapshotInfo) int {
		if a.Name < b.Name {
			return -1
		}
		if a.Name > b.Name {
			return 1
		}
		return 0
	})
	return infos, nil
}

// DeleteSnapshot removes name.
func (s *Store) DeleteSnapshot(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrStoreClosed
	}
	if _, ok := s.snapshots[name]; !ok {
		return store.ErrSnapshotNotFound
	}
	delete(s.snapshots, name)
	return nil
}

// get returns the graph of a snapshot. Snapshot graphs are never mutated
// after Flush, so callers may read them without holding the lock.
func (s *Store) get(name string) (*graph.CodeGraph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrStoreClosed
	}
	snap, ok := s.snapshots[name]
	if !ok {
		return nil, store.ErrSnapshotNotFound
	}
	return snap.g, nil
}

func (s *Store) Node(_ context.Context, name string, id graph.NodeID) (*graph.Node, error) {
	g, err := s.get(name)
	if err != nil {
		return nil, err
	}
	n, ok := g.Node(id)
	if !ok {
		return nil, store.ErrNodeNotFound
	}
	return n.Clone(), nil
}

func (s *Store) Nodes(_ context.Context, name string) ([]graph.IdentifiedNode, error) {
	g, err := s.get(name)
	if err != nil {
		return nil, err
	}
	out := make([]graph.IdentifiedNode, 0, g.NodeCount())
	for id, n := range g.Nodes() {
		out = append(out, graph.IdentifiedNode{ID: id, Node: n.Clone()})
	}
	return out, nil
}

func (s *Store) FindNodes(_ context.Context, name, filePath, nodeName string) ([]graph.NodeID, error) {
	g, err := s.get(name)
	if err != nil {
		return nil, err
	}
	return g.FindNodes(filePath, nodeName), nil
}

func (s *Store) FindNodesByKind(_ context.Context, name string, kind graph.NodeKind) ([]graph.NodeID, error) {
	g, err := s.get(name)
	if err != nil {
		return nil, err
	}
	return g.FindNodesByKind(kind), nil
}

func (s *Store) NodeCount(_ context.Context, name string) (int, error) {
	g, err := s.get(name)
	if err != nil {
		return 0, err
	}
	return g.NodeCount(), nil
}

func (s *Store) EdgesFrom(_ context.Context, name string, id graph.NodeID) ([]graph.EdgeRef, error) {
	g, err := s.get(name)
	if err != nil {
		return nil, err
	}
	return slices.Clone(g.EdgesFrom(id)), nil
}

func (s *Store) EdgesTo(_ context.Context, name string, id graph.NodeID) ([]graph.EdgeRef, error) {
	g, err := s.get(name)
	if err != nil {
		return nil, err
	}
	return slices.Clone(g.EdgesTo(id)), nil
}

func (s *Store) DirectDependents(_ context.Context, name string, id graph.NodeID) ([]graph.NodeID, error) {
	g, err := s.get(name)
	if err != nil {
		return nil, err
	}
	return g.DirectDependents(id), nil
}

func (s *Store) Dependencies(_ context.Context, name string, id graph.NodeID) ([]graph.NodeID, error) {
	g, err := s.get(name)
	if err != nil {
		return nil, err
	}
	return g.Dependencies(id), nil
}

// TransitiveDependents walks incoming edges breadth-first from id.
func (s *Store) TransitiveDependents(ctx context.Context, name string, id graph.NodeID, maxDepth int) ([]graph.NodeID, error) {
	return s.closure(ctx, name, id, maxDepth, "TransitiveDependents", (*graph.CodeGraph).DirectDependents)
}

// TransitiveDependencies walks outgoing edges breadth-first from id.
func (s *Store) TransitiveDependencies(ctx context.Context, name string, id graph.NodeID, maxDepth int) ([]graph.NodeID, error) {
	return s.closure(ctx, name, id, maxDepth, "TransitiveDependencies", (*graph.CodeGraph).Dependencies)
}

func (s *Store) closure(
	ctx context.Context,
	name string,
	id graph.NodeID,
	maxDepth int,
	op string,
	step func(*graph.CodeGraph, graph.NodeID) []graph.NodeID,
) (ids []graph.NodeID, err error) {
	ctx, span := store.StartOp(ctx, backendName, op, name)
	defer span.End()
	start := time.Now()
	defer func() { store.RecordOp(ctx, backendName, op, time.Since(start), err) }()

	g, err := s.get(name)
	if err != nil {
		return nil, err
	}
	expand := func(_ context.Context, frontier []graph.NodeID) ([]graph.NodeID, error) {
		var next []graph.NodeID
		for _, f := range frontier {
			next = append(next, step(g, f)...)
		}
		return next, nil
	}
	return graph.FixedPoint(ctx, id, expand, maxDepth)
}

func (s *Store) FindByEdgeKind(_ context.Context, name string, id graph.NodeID, kind graph.EdgeKind) ([]graph.NodeID, error) {
	g, err := s.get(name)
	if err != nil {
		return nil, err
	}
	return g.FindByEdgeKind(id, kind), nil
}

// FindChangedNodes applies graph.ChangedNodes to the two snapshot copies.
func (s *Store) FindChangedNodes(_ context.Context, oldName, newName string) ([]graph.ChangedNode, error) {
	older, err := s.get(oldName)
	if err != nil {
		return nil, err
	}
	newer, err := s.get(newName)
	if err != nil {
		return nil, err
	}
	return graph.ChangedNodes(older, newer), nil
}

// Close drops all snapshots. Calling Close more than once is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.snapshots = nil
	return nil
}
