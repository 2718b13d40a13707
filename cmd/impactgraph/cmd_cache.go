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

	"github.com/AleutianAI/impactgraph/services/codegraph/cache"
	"github.com/AleutianAI/impactgraph/services/codegraph/lock"
)

// cacheStatusView is the cache status plus the state of the repository lock.
type cacheStatusView struct {
	cache.Status
	Lock lock.State `json:"lock"`
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the cached graph",
}

var cacheStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the cached graph and which files changed since",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		lk, err := lock.New(app.cfg.CacheDir(app.root))
		if err != nil {
			return err
		}
		lockState, err := lk.Inspect()
		if err != nil {
			return fmt.Errorf("inspecting repository lock: %w", err)
		}
		view := cacheStatusView{Status: repoCache().Status(), Lock: lockState}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), view)
		}
		renderCacheStatus(app.out, view)
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the cached graph; the next analyze records a new baseline",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := withRepoLock(repoCache().Clear); err != nil {
			return err
		}
		if !jsonOutput {
			app.out.Success("cache cleared")
		}
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheStatusCmd)
	cacheCmd.AddCommand(cacheClearCmd)
}

func repoCache() *cache.Cache {
	return cache.New(app.root,
		cache.WithDir(app.cfg.CacheDir(app.root)),
		cache.WithToolVersion(version),
		cache.WithLogger(app.logger.Slog()),
	)
}
