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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/impactgraph/services/codegraph/graph"
	"github.com/AleutianAI/impactgraph/services/codegraph/store"
)

var (
	querySnapshot string
	queryDepth    int
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query a stored snapshot",
	Long: `Commands for walking the dependency graph of a stored snapshot.

Entities are addressed by file path (relative to the repository root) and
name. Methods are named Type.Method. Omitting NAME selects every entity in
the file.

Examples:
  impactgraph query dependents lib/lib.go Run
  impactgraph query dependencies main.go main --depth 0
  impactgraph query dependents store/store.go GraphStore --snapshot previous`,
}

var queryDependentsCmd = &cobra.Command{
	Use:   "dependents FILE [NAME]",
	Short: "List entities that depend on an entity",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runQuery(cmd, args, "dependents")
	},
}

var queryDependenciesCmd = &cobra.Command{
	Use:   "dependencies FILE [NAME]",
	Short: "List entities an entity depends on",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runQuery(cmd, args, "dependencies")
	},
}

func init() {
	queryCmd.PersistentFlags().StringVar(&querySnapshot, "snapshot", store.SnapshotCurrent,
		"Snapshot to query")
	queryCmd.PersistentFlags().IntVar(&queryDepth, "depth", 1,
		"Traversal depth: 1 = direct only, 0 = unbounded")

	queryCmd.AddCommand(queryDependentsCmd)
	queryCmd.AddCommand(queryDependenciesCmd)
}

// queryEntry is one matched entity and the entities reached from it.
type queryEntry struct {
	Entity  nodeView   `json:"entity"`
	Results []nodeView `json:"results"`
}

// nodeView is the printable form of a stored node.
type nodeView struct {
	ID       graph.NodeID   `json:"id"`
	Kind     graph.NodeKind `json:"kind"`
	Name     string         `json:"name"`
	FilePath string         `json:"file_path"`
	Line     int            `json:"line"`
}

func runQuery(cmd *cobra.Command, args []string, direction string) error {
	if queryDepth < 0 {
		return fmt.Errorf("--depth must not be negative")
	}
	file, name := args[0], ""
	if len(args) == 2 {
		name = args[1]
	}

	s, err := openStore(app.cfg, true)
	if err != nil {
		return err
	}
	defer closeStore(s)

	ctx := cmd.Context()
	ids, err := s.FindNodes(ctx, querySnapshot, file, name)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return fmt.Errorf("%w: no entity %q in %s", store.ErrNodeNotFound, name, file)
	}

	entries := make([]queryEntry, 0, len(ids))
	for _, id := range ids {
		var reached []graph.NodeID
		switch {
		case direction == "dependents" && queryDepth == 1:
			reached, err = s.DirectDependents(ctx, querySnapshot, id)
		case direction == "dependents":
			reached, err = s.TransitiveDependents(ctx, querySnapshot, id, queryDepth)
		case queryDepth == 1:
			reached, err = s.Dependencies(ctx, querySnapshot, id)
		default:
			reached, err = s.TransitiveDependencies(ctx, querySnapshot, id, queryDepth)
		}
		if err != nil {
			return err
		}

		entry := queryEntry{Results: []nodeView{}}
		if entry.Entity, err = viewNode(ctx, s, querySnapshot, id); err != nil {
			return err
		}
		for _, rid := range reached {
			v, err := viewNode(ctx, s, querySnapshot, rid)
			if err != nil {
				return err
			}
			entry.Results = append(entry.Results, v)
		}
		entries = append(entries, entry)
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), entries)
	}
	renderQuery(app.out, direction, entries)
	return nil
}

func viewNode(ctx context.Context, s store.GraphStore, snapshot string, id graph.NodeID) (nodeView, error) {
	n, err := s.Node(ctx, snapshot, id)
	if err != nil {
		return nodeView{}, err
	}
	return nodeView{ID: id, Kind: n.Kind(), Name: n.Name, FilePath: n.FilePath, Line: n.Line}, nil
}
