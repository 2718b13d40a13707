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
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/impactgraph/services/codegraph/graph"
	"github.com/AleutianAI/impactgraph/services/codegraph/store"
)

// Analyzer compares two versions of a code graph.
//
// # Thread Safety
//
// Analyze only reads its inputs and may run concurrently with other
// readers of the same graphs or store.
type Analyzer struct {
	src         source
	policy      Policy
	maxDepth    int
	parallelism int
	logger      *slog.Logger
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithMaxDepth bounds transitive dependents to depth hops. Zero or less is
// unbounded, the default.
func WithMaxDepth(depth int) Option {
	return func(a *Analyzer) { a.maxDepth = depth }
}

// WithParallelism classifies up to n changes at once. The report is the
// same as with n == 1.
func WithParallelism(n int) Option {
	return func(a *Analyzer) { a.parallelism = n }
}

// WithPolicy replaces ContractPolicy.
func WithPolicy(p Policy) Option {
	return func(a *Analyzer) {
		if p != nil {
			a.policy = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Analyzer) {
		if l != nil {
			a.logger = l
		}
	}
}

// New returns an analyzer over two in-memory graphs.
func New(older, newer *graph.CodeGraph, opts ...Option) *Analyzer {
	return newAnalyzer(graphSource{old: older, new: newer}, opts)
}

// NewFromStore returns an analyzer over two snapshots of s.
func NewFromStore(s store.GraphStore, oldSnapshot, newSnapshot string, opts ...Option) *Analyzer {
	return newAnalyzer(storeSource{s: s, old: oldSnapshot, new: newSnapshot}, opts)
}

func newAnalyzer(src source, opts []Option) *Analyzer {
	a := &Analyzer{
		src:         src,
		policy:      ContractPolicy{},
		parallelism: 1,
		logger:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// pending is a change before dependents and classification are filled in.
type pending struct {
	kind  ChangeKind
	newID graph.NodeID
	oldID graph.NodeID
}

// Analyze finds and classifies every change.
//
// # Description
//
// Added and modified entities come from the identity comparison of the
// new graph against the old one; removed entities from the swapped
// comparison. Dependents are computed in the new graph. For a removed
// entity the dependents are taken from the old graph and mapped into the
// new one by identity; dependents that no longer exist are dropped, but
// the classification still counts them.
//
// # Outputs
//
//   - *Report: Changes ordered as added/modified by new id, then removed
//     by old id.
//   - error: Only from store queries or ctx cancellation. In-memory
//     analyzers fail only when ctx is cancelled.
func (a *Analyzer) Analyze(ctx context.Context) (*Report, error) {
	ctx, span := startAnalysisSpan(ctx)
	defer span.End()
	start := time.Now()

	report, err := a.analyze(ctx)
	if err != nil {
		span.RecordError(err)
		recordAnalysisMetrics(ctx, time.Since(start), nil, err)
		return nil, err
	}
	setAnalysisSpanResult(span, report)
	recordAnalysisMetrics(ctx, time.Since(start), report, nil)

	a.logger.Debug("impact analysis complete",
		slog.Int("changes", len(report.Changes)),
		slog.Int("breaking", report.Summary.Breaking),
		slog.Int("potentially_breaking", report.Summary.PotentiallyBreaking),
		slog.Duration("duration", time.Since(start)),
	)
	return report, nil
}

func (a *Analyzer) analyze(ctx context.Context) (*Report, error) {
	changed, err := a.src.changed(ctx)
	if err != nil {
		return nil, fmt.Errorf("finding changed nodes: %w", err)
	}
	removed, err := a.src.removed(ctx)
	if err != nil {
		return nil, fmt.Errorf("finding removed nodes: %w", err)
	}

	work := make([]pending, 0, len(changed)+len(removed))
	for _, c := range changed {
		p := pending{kind: ChangeAdded, newID: c.NewID}
		if c.Modified {
			p.kind, p.oldID = ChangeModified, c.OldID
		}
		work = append(work, p)
	}
	for _, id := range removed {
		work = append(work, pending{kind: ChangeRemoved, oldID: id})
	}

	changes := make([]Change, len(work))
	if a.parallelism <= 1 || len(work) < 2 {
		for i, p := range work {
			if err := a.resolve(ctx, p, &changes[i]); err != nil {
				return nil, err
			}
		}
		return newReport(changes), nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.parallelism)
	for i, p := range work {
		g.Go(func() error {
			return a.resolve(gctx, p, &changes[i])
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return newReport(changes), nil
}

// resolve fills out with the dependents and classification of p.
func (a *Analyzer) resolve(ctx context.Context, p pending, out *Change) error {
	if p.kind == ChangeRemoved {
		return a.resolveRemoved(ctx, p, out)
	}

	newNode, err := a.src.node(ctx, sideNew, p.newID)
	if err != nil {
		return err
	}
	var oldNode *graph.Node
	if p.kind == ChangeModified {
		if oldNode, err = a.src.node(ctx, sideOld, p.oldID); err != nil {
			return err
		}
	}

	direct, err := a.src.dependents(ctx, sideNew, p.newID, 1)
	if err != nil {
		return err
	}
	transitive, err := a.src.dependents(ctx, sideNew, p.newID, a.maxDepth)
	if err != nil {
		return err
	}

	class, reason := a.policy.Classify(ChangeContext{
		Kind:       p.kind,
		Old:        oldNode,
		New:        newNode,
		Dependents: len(direct),
	})
	*out = newChange(p, newNode, class, reason, direct, transitive)
	out.NodeID = p.newID
	return nil
}

func (a *Analyzer) resolveRemoved(ctx context.Context, p pending, out *Change) error {
	oldNode, err := a.src.node(ctx, sideOld, p.oldID)
	if err != nil {
		return err
	}
	oldDirect, err := a.src.dependents(ctx, sideOld, p.oldID, 1)
	if err != nil {
		return err
	}
	oldTransitive, err := a.src.dependents(ctx, sideOld, p.oldID, a.maxDepth)
	if err != nil {
		return err
	}

	class, reason := a.policy.Classify(ChangeContext{
		Kind:       ChangeRemoved,
		Old:        oldNode,
		Dependents: len(oldDirect),
	})

	direct, err := a.mapToNew(ctx, oldDirect)
	if err != nil {
		return err
	}
	transitive, err := a.mapToNew(ctx, oldTransitive)
	if err != nil {
		return err
	}
	*out = newChange(p, oldNode, class, reason, direct, transitive)
	out.NodeID = p.oldID
	return nil
}

// mapToNew translates old-graph ids into new-graph ids by identity,
// dropping entities that no longer exist.
func (a *Analyzer) mapToNew(ctx context.Context, oldIDs []graph.NodeID) ([]graph.NodeID, error) {
	mapped := make([]graph.NodeID, 0, len(oldIDs))
	for _, id := range oldIDs {
		n, err := a.src.node(ctx, sideOld, id)
		if err != nil {
			return nil, err
		}
		newID, ok, err := a.src.lookupNew(ctx, n.Key())
		if err != nil {
			return nil, err
		}
		if ok {
			mapped = append(mapped, newID)
		}
	}
	slices.Sort(mapped)
	return slices.Compact(mapped), nil
}

func newChange(p pending, n *graph.Node, class Classification, reason string, direct, transitive []graph.NodeID) Change {
	if direct == nil {
		direct = []graph.NodeID{}
	}
	if transitive == nil {
		transitive = []graph.NodeID{}
	}
	return Change{
		OldID:                p.oldID,
		Kind:                 p.kind,
		NodeKind:             n.Kind(),
		Name:                 n.Name,
		FilePath:             n.FilePath,
		Line:                 n.Line,
		EndLine:              n.EndLine,
		Classification:       class,
		Reason:               reason,
		DirectDependents:     direct,
		TransitiveDependents: transitive,
	}
}
