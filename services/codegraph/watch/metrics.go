// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package watch

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("impactgraph.watch")

var (
	batchesTotal metric.Int64Counter
	runLatency   metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error
		batchesTotal, err = meter.Int64Counter(
			"watch_batches_total",
			metric.WithDescription("Debounced batches by outcome"),
		)
		if err != nil {
			metricsErr = err
			return
		}
		runLatency, err = meter.Float64Histogram(
			"watch_run_duration_seconds",
			metric.WithDescription("Duration of pipeline runs triggered by the watcher"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
		}
	})
	return metricsErr
}

func recordSubmit(o Outcome) {
	if initMetrics() != nil {
		return
	}
	batchesTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("outcome", o.String())))
}

func recordRun(ctx context.Context, d time.Duration, err error) {
	if initMetrics() != nil {
		return
	}
	runLatency.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.Bool("success", err == nil)))
}
