// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

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
	tracer = otel.Tracer("impactgraph.store")
	meter  = otel.Meter("impactgraph.store")
)

var (
	opLatency   metric.Float64Histogram
	opTotal     metric.Int64Counter
	diffChanges metric.Int64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		opLatency, err = meter.Float64Histogram(
			"store_op_duration_seconds",
			metric.WithDescription("Duration of graph store operations"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		opTotal, err = meter.Int64Counter(
			"store_op_total",
			metric.WithDescription("Total number of graph store operations"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		diffChanges, err = meter.Int64Histogram(
			"store_diff_changes",
			metric.WithDescription("Number of changed nodes per snapshot diff"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// StartOp opens a span for a backend operation. Backends call it from
// Flush and the closure queries.
func StartOp(ctx context.Context, backend, op, snapshot string) (context.Context, trace.Span) {
	return tracer.Start(ctx, backend+"."+op,
		trace.WithAttributes(
			attribute.String("store.backend", backend),
			attribute.String("store.snapshot", snapshot),
		),
	)
}

// RecordOp records latency and outcome of a backend operation.
func RecordOp(ctx context.Context, backend, op string, duration time.Duration, err error) {
	if initMetrics() != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.Bool("success", err == nil),
	)
	opLatency.Record(ctx, duration.Seconds(), attrs)
	opTotal.Add(ctx, 1, attrs)
}

func startSpan(ctx context.Context, op, oldSnapshot, newSnapshot string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "GraphStore."+op,
		trace.WithAttributes(
			attribute.String("store.old_snapshot", oldSnapshot),
			attribute.String("store.new_snapshot", newSnapshot),
		),
	)
}

func recordDiff(ctx context.Context, duration time.Duration, d *DiffResult) {
	if initMetrics() != nil {
		return
	}
	opLatency.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.String("op", "diff")),
	)
	diffChanges.Record(ctx, int64(len(d.Added)+len(d.Modified)+len(d.Removed)))
}
