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
	"fmt"
	"slices"
	"strings"

	"github.com/AleutianAI/impactgraph/services/codegraph/graph"
	"github.com/AleutianAI/impactgraph/services/codegraph/hunks"
)

// Classification is the severity of a change. Values are ordered.
type Classification int

const (
	Safe Classification = iota
	PotentiallyBreaking
	Breaking
)

var classificationNames = map[Classification]string{
	Safe:                "safe",
	PotentiallyBreaking: "potentially_breaking",
	Breaking:            "breaking",
}

func (c Classification) String() string {
	if s, ok := classificationNames[c]; ok {
		return s
	}
	return fmt.Sprintf("classification(%d)", int(c))
}

// ParseClassification accepts the String form, case-insensitively, with
// '-' allowed in place of '_'.
func ParseClassification(s string) (Classification, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	for c, name := range classificationNames {
		if name == norm {
			return c, nil
		}
	}
	return Safe, fmt.Errorf("unknown classification %q", s)
}

func (c Classification) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Classification) UnmarshalText(text []byte) error {
	parsed, err := ParseClassification(string(text))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// AtLeast reports whether c is as severe as threshold or more.
func (c Classification) AtLeast(threshold Classification) bool {
	return c >= threshold
}

// ChangeKind says how an entity differs between the two graphs.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeRemoved  ChangeKind = "removed"
)

// Change is one classified difference.
//
// NodeID is the id in the new graph for added and modified entities and
// the id in the old graph for removed ones. Dependents are always ids in
// the new graph.
type Change struct {
	NodeID graph.NodeID `json:"node_id"`
	OldID  graph.NodeID `json:"old_id,omitempty"`
	Kind   ChangeKind   `json:"change"`

	NodeKind graph.NodeKind `json:"kind"`
	Name     string         `json:"name"`
	FilePath string         `json:"file_path"`
	Line     int            `json:"line"`
	EndLine  int            `json:"end_line,omitempty"`

	Classification Classification `json:"classification"`
	Reason         string         `json:"reason"`

	DirectDependents     []graph.NodeID `json:"direct_dependents"`
	TransitiveDependents []graph.NodeID `json:"transitive_dependents"`
}

// Key returns the structural identity of the changed entity.
func (c *Change) Key() graph.EntityKey {
	return graph.EntityKey{Kind: c.NodeKind, Name: c.Name, FilePath: c.FilePath}
}

// Summary counts changes per classification.
type Summary struct {
	Breaking            int `json:"breaking"`
	PotentiallyBreaking int `json:"potentially_breaking"`
	Safe                int `json:"safe"`

	// TotalAffected is the number of distinct transitive dependents over
	// all changes.
	TotalAffected int `json:"total_affected"`
}

// Report is the result of one analysis. It is not mutated after Analyze
// returns; FilterByLines builds a new one.
type Report struct {
	Changes []Change `json:"changes"`
	Summary Summary  `json:"summary"`

	// Skipped is set when no comparison was possible. Note says why.
	Skipped bool   `json:"skipped,omitempty"`
	Note    string `json:"note,omitempty"`
}

// SkippedReport returns an empty report explaining why analysis did not run.
func SkippedReport(note string) *Report {
	return &Report{Changes: []Change{}, Skipped: true, Note: note}
}

func newReport(changes []Change) *Report {
	r := &Report{Changes: changes}
	if r.Changes == nil {
		r.Changes = []Change{}
	}
	r.summarize()
	return r
}

func (r *Report) summarize() {
	r.Summary = Summary{}
	affected := make(map[graph.NodeID]struct{})
	for i := range r.Changes {
		c := &r.Changes[i]
		switch c.Classification {
		case Breaking:
			r.Summary.Breaking++
		case PotentiallyBreaking:
			r.Summary.PotentiallyBreaking++
		default:
			r.Summary.Safe++
		}
		for _, id := range c.TransitiveDependents {
			affected[id] = struct{}{}
		}
	}
	r.Summary.TotalAffected = len(affected)
}

// Worst returns the most severe classification in the report, Safe when
// there are no changes.
func (r *Report) Worst() Classification {
	worst := Safe
	for _, c := range r.Changes {
		worst = max(worst, c.Classification)
	}
	return worst
}

// FilterByLines keeps changes whose source span touches a changed line in
// lines. Removed entities have no span in the new tree and are always kept.
func (r *Report) FilterByLines(lines hunks.LineMap) *Report {
	kept := slices.DeleteFunc(slices.Clone(r.Changes), func(c Change) bool {
		if c.Kind == ChangeRemoved {
			return false
		}
		return !lines.Touches(c.FilePath, c.Line, c.EndLine)
	})
	out := newReport(kept)
	out.Skipped, out.Note = r.Skipped, r.Note
	return out
}
