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

	"github.com/AleutianAI/impactgraph/services/codegraph/config"
	"github.com/AleutianAI/impactgraph/services/codegraph/impact"
	"github.com/AleutianAI/impactgraph/services/codegraph/pipeline"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	// Baseline flags
	analyzeBase  string
	analyzeSince string

	// Analysis flags
	analyzeThreshold string
	analyzePolicy    string
	analyzeMaxDepth  int
	analyzeStore     string

	// Output flags
	analyzeFull  bool
	analyzeQuiet bool
)

// =============================================================================
// COMMAND DEFINITION
// =============================================================================

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Classify changes since the previous run or a git revision",
	Long: `Parse the working tree, compare it with a baseline and classify every
changed entity.

Baselines:
  (default)      The graph cached by the previous run
  --base REF     The tree at a git revision

The new graph is cached for the next run and, when a store backend is
configured, flushed as the "current" snapshot with the baseline as
"previous".

Examples:
  impactgraph analyze
  impactgraph analyze --base main
  impactgraph analyze --base HEAD~1 --since HEAD~1 --json

CI/CD Integration:
  impactgraph analyze --base origin/main --threshold breaking
  (exits 1 if any change reaches the threshold)`,
	Args: cobra.NoArgs,
	RunE: runAnalyze,
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeBase, "base", "",
		"Compare against the tree at this git revision instead of the cache")
	analyzeCmd.Flags().StringVar(&analyzeSince, "since", "",
		"Only report entities touching lines changed since this revision (uncommitted edits included)")

	analyzeCmd.Flags().StringVar(&analyzeThreshold, "threshold", "",
		"Classification at which to exit 1: safe, potentially_breaking, breaking")
	analyzeCmd.Flags().StringVar(&analyzePolicy, "policy", "",
		"Classification policy: contract, signature")
	analyzeCmd.Flags().IntVar(&analyzeMaxDepth, "max-depth", -1,
		"Maximum transitive depth (0 = unbounded, default from configuration)")
	analyzeCmd.Flags().StringVar(&analyzeStore, "store", "",
		"Store backend override: none, memory, sqlite, badger")

	analyzeCmd.Flags().BoolVar(&analyzeFull, "full", false,
		"List dependents of every change")
	analyzeCmd.Flags().BoolVar(&analyzeQuiet, "quiet", false,
		"Only exit code, no output")
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

func runAnalyze(cmd *cobra.Command, _ []string) error {
	cfg := *app.cfg
	if analyzePolicy != "" {
		cfg.Analysis.Policy = analyzePolicy
	}
	if analyzeMaxDepth >= 0 {
		cfg.Analysis.MaxDepth = analyzeMaxDepth
	}
	if analyzeThreshold != "" {
		cfg.Analysis.Threshold = analyzeThreshold
	}
	if analyzeStore != "" {
		cfg.Store.Backend = analyzeStore
		if cfg.Store.Path == "" {
			cfg.Store.Path = config.Default().Store.Path
		}
	}
	threshold, err := impact.ParseClassification(cfg.Analysis.Threshold)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}

	s, err := openStore(&cfg, false)
	if err != nil {
		return err
	}
	defer closeStore(s)

	p, err := newPipeline(&cfg, s)
	if err != nil {
		return err
	}
	res, err := p.Run(cmd.Context(), pipeline.Request{
		BaseRef:    analyzeBase,
		LinesSince: analyzeSince,
		Trigger:    "cli",
	})
	if err != nil {
		return err
	}

	if !analyzeQuiet {
		if jsonOutput {
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
		} else {
			renderResult(app.out, res, analyzeFull)
		}
	}

	if thresholdReached(res.Report, threshold) {
		return &exitError{
			code: ExitThreshold,
			msg:  fmt.Sprintf("changes reach the %s threshold", threshold),
		}
	}
	return nil
}

// thresholdReached reports whether a non-skipped report has a change at or
// above threshold.
func thresholdReached(r *impact.Report, threshold impact.Classification) bool {
	if r.Skipped || len(r.Changes) == 0 {
		return false
	}
	return r.Worst().AtLeast(threshold)
}
