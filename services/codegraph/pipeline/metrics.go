// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("impactgraph.pipeline")
	meter  = otel.Meter("impactgraph.pipeline")
)

var (
	runLatency metric.Float64Histogram
	runTotal   metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		runLatency, err = meter.Float64Histogram(
			"pipeline_run_duration_seconds",
			metric.WithDescription("Duration of full pipeline runs"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		runTotal, err = meter.Int64Counter(
			"pipeline_runs_total",
			metric.WithDescription("Pipeline runs by outcome"),
		)
		if err != nil {
			metricsErr = err
		}
	})
	return metricsErr
}

func startRunSpan(ctx context.Context, runID, root string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Pipeline.Run",
		trace.WithAttributes(
			attribute.String("pipeline.run_id", runID),
			attribute.String("pipeline.root", root),
		),
	)
}

func setRunSpanResult(span trace.Span, r *Result) {
	span.SetAttributes(
		attribute.Int("pipeline.files", r.Stats.Files),
		attribute.Int("pipeline.nodes", r.Stats.Nodes),
		attribute.Int("pipeline.warnings", len(r.Warnings)),
		attribute.Bool("pipeline.baseline", r.Stats.Baseline != BaselineNone),
		attribute.Bool("pipeline.skipped", r.Report.Skipped),
	)
}

func recordRun(ctx context.Context, duration time.Duration, err error) {
	if initMetrics() != nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	runLatency.Record(ctx, duration.Seconds(), attrs)
	runTotal.Add(ctx, 1, attrs)
}
