// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package parse

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/impactgraph/services/codegraph/graph"
)

var (
	tracer = otel.Tracer("impactgraph.parse")
	meter  = otel.Meter("impactgraph.parse")
)

var (
	parseLatency  metric.Float64Histogram
	filesTotal    metric.Int64Counter
	callsResolved metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		parseLatency, err = meter.Float64Histogram(
			"parse_duration_seconds",
			metric.WithDescription("Duration of a full parse and resolve pass"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		filesTotal, err = meter.Int64Counter(
			"parse_files_total",
			metric.WithDescription("Files parsed by result"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		callsResolved, err = meter.Int64Counter(
			"parse_calls_total",
			metric.WithDescription("Call sites by resolution outcome"),
		)
		if err != nil {
			metricsErr = err
		}
	})
	return metricsErr
}

func startParseSpan(ctx context.Context, root string, files int) (context.Context, trace.Span) {
	return tracer.Start(ctx, "parse.Dispatcher.run",
		trace.WithAttributes(
			attribute.String("parse.root", root),
			attribute.Int("parse.files", files),
		),
	)
}

func setParseSpanResult(span trace.Span, g *graph.CodeGraph, errs int) {
	span.SetAttributes(
		attribute.Int("parse.nodes", g.NodeCount()),
		attribute.Int("parse.edges", g.EdgeCount()),
		attribute.Int("parse.errors", errs),
	)
}

func recordParseMetrics(ctx context.Context, duration time.Duration, files, errs int, stats ResolveStats) {
	if err := initMetrics(); err != nil {
		return
	}
	parseLatency.Record(ctx, duration.Seconds())
	filesTotal.Add(ctx, int64(files-errs), metric.WithAttributes(attribute.String("result", "ok")))
	if errs > 0 {
		filesTotal.Add(ctx, int64(errs), metric.WithAttributes(attribute.String("result", "error")))
	}
	callsResolved.Add(ctx, int64(stats.DirectCalls), metric.WithAttributes(attribute.String("resolution", "direct")))
	callsResolved.Add(ctx, int64(stats.Calls-stats.DirectCalls), metric.WithAttributes(attribute.String("resolution", "suffix")))
	callsResolved.Add(ctx, int64(stats.UnresolvedCalls), metric.WithAttributes(attribute.String("resolution", "unresolved")))
}
