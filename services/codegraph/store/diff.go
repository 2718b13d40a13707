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
	"time"

	"github.com/AleutianAI/impactgraph/services/codegraph/graph"
)

// DiffResult is a complete comparison of two snapshots.
type DiffResult struct {
	// Added holds ids in the new snapshot with no old identity.
	Added []graph.NodeID `json:"added"`

	// Modified holds matched nodes whose line or payload changed.
	Modified []graph.ChangedNode `json:"modified"`

	// Removed holds ids in the old snapshot with no new identity.
	Removed []graph.NodeID `json:"removed"`
}

// Empty reports whether the snapshots are identical under the identity rule.
func (d *DiffResult) Empty() bool {
	return len(d.Added) == 0 && len(d.Modified) == 0 && len(d.Removed) == 0
}

// FindRemovedNodes returns ids of oldSnapshot whose identity is absent
// from newSnapshot.
//
// # Description
//
// FindChangedNodes does not report deletions. This runs the same query with
// the snapshots swapped: every "added" result of the swapped query is a
// node that exists only in the old snapshot, and its NewID is an id in
// oldSnapshot.
func FindRemovedNodes(ctx context.Context, s GraphStore, oldSnapshot, newSnapshot string) ([]graph.NodeID, error) {
	swapped, err := s.FindChangedNodes(ctx, newSnapshot, oldSnapshot)
	if err != nil {
		return nil, err
	}
	var removed []graph.NodeID
	for _, c := range swapped {
		if !c.Modified {
			removed = append(removed, c.NewID)
		}
	}
	return removed, nil
}

// Diff runs both directions of the identity comparison.
func Diff(ctx context.Context, s GraphStore, oldSnapshot, newSnapshot string) (*DiffResult, error) {
	ctx, span := startSpan(ctx, "Diff", oldSnapshot, newSnapshot)
	defer span.End()
	start := time.Now()

	changed, err := s.FindChangedNodes(ctx, oldSnapshot, newSnapshot)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	removed, err := FindRemovedNodes(ctx, s, oldSnapshot, newSnapshot)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	d := &DiffResult{Removed: removed}
	for _, c := range changed {
		if c.Modified {
			d.Modified = append(d.Modified, c)
		} else {
			d.Added = append(d.Added, c.NewID)
		}
	}
	recordDiff(ctx, time.Since(start), d)
	return d, nil
}
