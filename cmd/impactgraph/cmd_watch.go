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
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/impactgraph/services/codegraph/lock"
	"github.com/AleutianAI/impactgraph/services/codegraph/pipeline"
	"github.com/AleutianAI/impactgraph/services/codegraph/watch"
)

var (
	watchMetricsAddr string
	watchSkipInitial bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Re-run analysis whenever source files change",
	Long: `Watch the repository and run the analysis after every burst of file
changes. Changes arriving while a run is in progress are dropped; the next
burst picks them up.

With the prometheus metric exporter configured, metrics are served on
/metrics at telemetry.metrics_addr.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "",
		"Address for /metrics (overrides configuration)")
	watchCmd.Flags().BoolVar(&watchSkipInitial, "skip-initial", false,
		"Do not analyse before the first change")
}

func runWatch(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := app.cfg
	logger := app.logger.Slog()

	s, err := openStore(cfg, false)
	if err != nil {
		return err
	}
	defer closeStore(s)

	p, err := newPipeline(cfg, s)
	if err != nil {
		return err
	}

	if cfg.Telemetry.MetricExporter == "prometheus" {
		addr := cfg.Telemetry.MetricsAddr
		if watchMetricsAddr != "" {
			addr = watchMetricsAddr
		}
		go func() {
			if err := app.telemetry.ServeMetrics(ctx, addr); err != nil {
				logger.Error("metrics server stopped", slog.String("error", err.Error()))
			}
		}()
		logger.Info("serving metrics", slog.String("addr", addr))
	}

	analyse := func(ctx context.Context, trigger string) error {
		res, err := p.Run(ctx, pipeline.Request{Trigger: trigger})
		if errors.Is(err, lock.ErrLockHeld) {
			logger.Warn("skipping run", slog.String("reason", err.Error()))
			return nil
		}
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), res)
		}
		renderSummaryLine(app.out, res)
		return nil
	}

	if !watchSkipInitial {
		if err := analyse(ctx, "watch-initial"); err != nil {
			return fmt.Errorf("initial analysis: %w", err)
		}
	}

	app.out.Info(fmt.Sprintf("watching %s (Ctrl+C to stop)", app.root))
	return watch.Watch(ctx, app.root, func(ctx context.Context, b watch.Batch) error {
		logger.Debug("change batch", slog.Int("files", len(b.Changes)))
		return analyse(ctx, "watch")
	}, watch.Options{
		Watcher: watch.WatcherOptions{
			Debounce: cfg.Watch.Debounce.Std(),
			Filter:   p.Filter(),
			Logger:   logger,
		},
		MinInterval: cfg.Watch.MinInterval.Std(),
	})
}
