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
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/impactgraph/services/codegraph/graph"
	"github.com/AleutianAI/impactgraph/services/codegraph/store"
)

var snapshotRef string

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Manage graph snapshots in the configured store",
	Long: `Commands for flushing, listing, deleting and comparing snapshots.

Requires store.backend to be memory, sqlite or badger. The analyze command
maintains the "previous" and "current" snapshots itself.

Subcommands:
  flush   - Parse the working tree (or a revision) into a named snapshot
  list    - List snapshots
  delete  - Delete a snapshot
  diff    - Compare two snapshots

Examples:
  impactgraph snapshot flush release-1.4 --ref v1.4.0
  impactgraph snapshot diff release-1.4 current`,
}

var snapshotFlushCmd = &cobra.Command{
	Use:   "flush NAME",
	Short: "Parse the working tree into a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshotFlush,
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots",
	Args:  cobra.NoArgs,
	RunE:  runSnapshotList,
}

var snapshotDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshotDelete,
}

var snapshotDiffCmd = &cobra.Command{
	Use:   "diff [OLD NEW]",
	Short: "Compare two snapshots (default: previous current)",
	Args:  cobra.RangeArgs(0, 2),
	RunE:  runSnapshotDiff,
}

func init() {
	snapshotFlushCmd.Flags().StringVar(&snapshotRef, "ref", "",
		"Parse the tree at this git revision instead of the working tree")

	snapshotCmd.AddCommand(snapshotFlushCmd)
	snapshotCmd.AddCommand(snapshotListCmd)
	snapshotCmd.AddCommand(snapshotDeleteCmd)
	snapshotCmd.AddCommand(snapshotDiffCmd)
}

func runSnapshotFlush(cmd *cobra.Command, args []string) error {
	name := args[0]
	if err := store.ValidateSnapshotName(name); err != nil {
		return err
	}
	s, err := openStore(app.cfg, true)
	if err != nil {
		return err
	}
	defer closeStore(s)

	p, err := newPipeline(app.cfg, nil)
	if err != nil {
		return err
	}

	var g *graph.CodeGraph
	if snapshotRef != "" {
		g, _, err = p.BuildAt(cmd.Context(), snapshotRef)
	} else {
		g, _, err = p.Build(cmd.Context())
	}
	if err != nil {
		return err
	}
	if err := withRepoLock(func() error { return s.Flush(cmd.Context(), g, name) }); err != nil {
		return err
	}

	info := store.SnapshotInfo{Name: name, NodeCount: g.NodeCount(), EdgeCount: g.EdgeCount()}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), info)
	}
	app.out.Success(fmt.Sprintf("flushed %s: %d nodes, %d edges", name, info.NodeCount, info.EdgeCount))
	return nil
}

func runSnapshotList(cmd *cobra.Command, _ []string) error {
	s, err := openStore(app.cfg, true)
	if err != nil {
		return err
	}
	defer closeStore(s)

	snaps, err := s.Snapshots(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), snaps)
	}
	renderSnapshots(app.out, snaps)
	return nil
}

func runSnapshotDelete(cmd *cobra.Command, args []string) error {
	s, err := openStore(app.cfg, true)
	if err != nil {
		return err
	}
	defer closeStore(s)

	if err := withRepoLock(func() error { return s.DeleteSnapshot(cmd.Context(), args[0]) }); err != nil {
		return err
	}
	if !jsonOutput {
		app.out.Success("deleted " + args[0])
	}
	return nil
}

func runSnapshotDiff(cmd *cobra.Command, args []string) error {
	oldName, newName := store.SnapshotPrevious, store.SnapshotCurrent
	switch len(args) {
	case 1:
		return fmt.Errorf("diff takes no snapshots or both OLD and NEW")
	case 2:
		oldName, newName = args[0], args[1]
	}

	s, err := openStore(app.cfg, true)
	if err != nil {
		return err
	}
	defer closeStore(s)

	d, err := store.Diff(cmd.Context(), s, oldName, newName)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), d)
	}
	return renderDiff(cmd.Context(), app.out, s, oldName, newName, d)
}
