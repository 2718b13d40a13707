// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/AleutianAI/impactgraph/pkg/ux"
	"github.com/AleutianAI/impactgraph/services/codegraph/graph"
	"github.com/AleutianAI/impactgraph/services/codegraph/impact"
	"github.com/AleutianAI/impactgraph/services/codegraph/lock"
	"github.com/AleutianAI/impactgraph/services/codegraph/pipeline"
	"github.com/AleutianAI/impactgraph/services/codegraph/store"
)

// dependentsPreview is how many dependents a change lists without --full.
const dependentsPreview = 5

// =============================================================================
// OUTPUT FUNCTIONS
// =============================================================================

func printJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("encoding JSON: %w", err)
	}
	return nil
}

func classificationStyle(c impact.Classification) lipgloss.Style {
	switch c {
	case impact.Breaking:
		return ux.Styles.Error.Bold(true)
	case impact.PotentiallyBreaking:
		return ux.Styles.Caution
	default:
		return ux.Styles.Success
	}
}

func renderResult(out *ux.Printer, res *pipeline.Result, full bool) {
	r := res.Report
	out.Title("Impact Analysis")
	out.KeyValue("Run", res.RunID)
	if res.CommitHash != "" {
		out.KeyValue("Commit", shortHash(res.CommitHash))
	}
	out.KeyValue("Baseline", res.Stats.Baseline)
	out.KeyValue("Files", res.Stats.Files)
	out.KeyValue("Nodes", fmt.Sprintf("%d (%d edges)", res.Stats.Nodes, res.Stats.Edges))
	out.KeyValue("Duration", res.Stats.Duration.Round(time.Millisecond))
	out.Line("")

	if r.Skipped {
		out.Warning("analysis skipped: " + r.Note)
		renderWarnings(out, res.Warnings)
		return
	}

	if len(r.Changes) == 0 {
		out.Success("no changes")
	}
	nodes := nodeIndex(res.Graph)
	for _, c := range r.Changes {
		label := fmt.Sprintf("%-20s", c.Classification)
		out.Line("%s %-8s %s %s %s",
			out.Style(classificationStyle(c.Classification), label),
			c.Kind,
			out.Style(ux.Styles.Bold, c.Name),
			out.Style(ux.Styles.Muted, fmt.Sprintf("%s:%d", c.FilePath, c.Line)),
			c.Reason,
		)
		deps := c.TransitiveDependents
		if len(deps) == 0 {
			continue
		}
		limit := min(len(deps), dependentsPreview)
		if full {
			limit = len(deps)
		}
		for _, id := range deps[:limit] {
			out.Line("    %s %s", ux.IconArrow, nodes(id))
		}
		if limit < len(deps) {
			out.Muted(fmt.Sprintf("    ... and %d more", len(deps)-limit))
		}
	}

	out.Line("")
	out.Line("%s breaking, %s potentially breaking, %s safe, %d affected",
		out.Style(classificationStyle(impact.Breaking), fmt.Sprint(r.Summary.Breaking)),
		out.Style(classificationStyle(impact.PotentiallyBreaking), fmt.Sprint(r.Summary.PotentiallyBreaking)),
		out.Style(classificationStyle(impact.Safe), fmt.Sprint(r.Summary.Safe)),
		r.Summary.TotalAffected,
	)
	renderWarnings(out, res.Warnings)
}

// renderSummaryLine prints one line per run for watch mode.
func renderSummaryLine(out *ux.Printer, res *pipeline.Result) {
	r := res.Report
	stamp := time.Now().Format("15:04:05")
	switch {
	case r.Skipped:
		out.Info(fmt.Sprintf("%s baseline recorded (%d nodes): %s", stamp, res.Stats.Nodes, r.Note))
	case len(r.Changes) == 0:
		out.Success(fmt.Sprintf("%s no changes", stamp))
	default:
		msg := fmt.Sprintf("%s %d changes: %d breaking, %d potentially breaking, %d safe",
			stamp, len(r.Changes), r.Summary.Breaking, r.Summary.PotentiallyBreaking, r.Summary.Safe)
		if r.Summary.Breaking > 0 {
			out.Error(msg)
		} else {
			out.Warning(msg)
		}
	}
	if n := len(res.Warnings); n > 0 {
		out.Muted(fmt.Sprintf("  %d warnings", n))
	}
}

func renderWarnings(out *ux.Printer, warnings []pipeline.Warning) {
	if len(warnings) == 0 {
		return
	}
	out.Line("")
	out.Line("Warnings:")
	for _, w := range warnings {
		where := w.File
		if w.Ref != "" {
			where = w.Ref + ":" + where
		}
		if where != "" {
			out.Warning(where + ": " + w.Message)
		} else {
			out.Warning(w.Message)
		}
	}
}

// nodeIndex describes ids of g. A nil graph falls back to the bare id.
func nodeIndex(g *graph.CodeGraph) func(graph.NodeID) string {
	return func(id graph.NodeID) string {
		if g != nil {
			if n, ok := g.Node(id); ok {
				return fmt.Sprintf("%s %s (%s:%d)", n.Kind(), n.Name, n.FilePath, n.Line)
			}
		}
		return fmt.Sprintf("node %d", id)
	}
}

func renderSnapshots(out *ux.Printer, snaps []store.SnapshotInfo) {
	if len(snaps) == 0 {
		out.Muted("no snapshots")
		return
	}
	out.Title("Snapshots")
	for _, s := range snaps {
		out.Line("  %-24s %6d nodes %7d edges  %s",
			out.Style(ux.Styles.Bold, s.Name), s.NodeCount, s.EdgeCount,
			out.Style(ux.Styles.Muted, s.FlushedAt.Local().Format(time.DateTime)))
	}
}

type diffSection struct {
	label    string
	style    lipgloss.Style
	snapshot string
	ids      []graph.NodeID
}

func renderDiff(ctx context.Context, out *ux.Printer, s store.GraphStore, oldName, newName string, d *store.DiffResult) error {
	out.Title(fmt.Sprintf("Diff %s..%s", oldName, newName))
	if d.Empty() {
		out.Success("snapshots are identical")
		return nil
	}

	describe := func(snapshot string, id graph.NodeID) (string, error) {
		n, err := s.Node(ctx, snapshot, id)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %s (%s:%d)", n.Kind(), n.Name, n.FilePath, n.Line), nil
	}

	modified := make([]graph.NodeID, 0, len(d.Modified))
	for _, c := range d.Modified {
		modified = append(modified, c.NewID)
	}
	sections := []diffSection{
		{"+", ux.Styles.Success, newName, d.Added},
		{"~", ux.Styles.Warning, newName, modified},
		{"-", ux.Styles.Error, oldName, d.Removed},
	}
	for _, sec := range sections {
		for _, id := range sec.ids {
			desc, err := describe(sec.snapshot, id)
			if err != nil {
				return err
			}
			out.Line("%s %s", out.Style(sec.style, sec.label), desc)
		}
	}
	out.Line("")
	out.Line("%d added, %d modified, %d removed", len(d.Added), len(d.Modified), len(d.Removed))
	return nil
}

func renderQuery(out *ux.Printer, direction string, entries []queryEntry) {
	for _, e := range entries {
		out.Line("%s %s %s", e.Entity.Kind, out.Style(ux.Styles.Bold, e.Entity.Name),
			out.Style(ux.Styles.Muted, fmt.Sprintf("%s:%d", e.Entity.FilePath, e.Entity.Line)))
		if len(e.Results) == 0 {
			out.Muted("    no " + direction)
			continue
		}
		for _, r := range e.Results {
			out.Line("    %s %s %s (%s:%d)", ux.IconArrow, r.Kind, r.Name, r.FilePath, r.Line)
		}
	}
}

func renderCacheStatus(out *ux.Printer, view cacheStatusView) {
	st := view.Status
	out.Title("Cache")
	out.KeyValue("Directory", st.Dir)
	renderLockState(out, view.Lock)
	if !st.Exists {
		out.Warning(st.Reason)
		return
	}
	out.KeyValue("Size", fmt.Sprintf("%d bytes", st.GraphBytes))
	if st.Meta != nil {
		out.KeyValue("Written", st.Meta.Timestamp.Local().Format(time.DateTime))
		out.KeyValue("Tool version", st.Meta.ToolVersion)
		if st.Meta.CommitHash != "" {
			out.KeyValue("Commit", shortHash(st.Meta.CommitHash))
		}
		out.KeyValue("Files", len(st.Meta.FileChecksums))
	}
	if !st.Usable {
		out.Warning("not usable: " + st.Reason)
		return
	}
	if st.Valid {
		out.Success("up to date")
		return
	}
	if len(st.ChangedFiles) == 0 {
		out.Info(st.Reason)
		return
	}
	out.Info(fmt.Sprintf("%d files changed since:", len(st.ChangedFiles)))
	for _, f := range st.ChangedFiles {
		out.Line("    %s", f)
	}
}

func renderLockState(out *ux.Printer, l lock.State) {
	switch {
	case l.Held && l.PID > 0:
		out.KeyValue("Lock", fmt.Sprintf("held by pid %d", l.PID))
	case l.Held:
		out.KeyValue("Lock", "held")
	case l.Stale:
		out.KeyValue("Lock", fmt.Sprintf("free (stale entry for exited pid %d)", l.PID))
	default:
		out.KeyValue("Lock", "free")
	}
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
