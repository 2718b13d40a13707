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
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for impact analysis operations.
var (
	tracer = otel.Tracer("impactgraph.impact")
	meter  = otel.Meter("impactgraph.impact")
)

var (
	analysisLatency metric.Float64Histogram
	analysisTotal   metric.Int64Counter
	changesTotal    metric.Int64Counter
	affectedNodes   metric.Int64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		analysisLatency, err = meter.Float64Histogram(
			"impact_analysis_duration_seconds",
			metric.WithDescription("Duration of impact analysis runs"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		analysisTotal, err = meter.Int64Counter(
			"impact_analysis_total",
			metric.WithDescription("Total number of impact analyses"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		changesTotal, err = meter.Int64Counter(
			"impact_changes_total",
			metric.WithDescription("Classified changes by classification"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		affectedNodes, err = meter.Int64Histogram(
			"impact_affected_nodes",
			metric.WithDescription("Distinct transitive dependents per analysis"),
		)
		if err != nil {
			metricsErr = err
		}
	})
	return metricsErr
}

func startAnalysisSpan(ctx context.Context) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Analyzer.Analyze")
}

func setAnalysisSpanResult(span trace.Span, r *Report) {
	span.SetAttributes(
		attribute.Int("impact.changes", len(r.Changes)),
		attribute.Int("impact.breaking", r.Summary.Breaking),
		attribute.Int("impact.potentially_breaking", r.Summary.PotentiallyBreaking),
		attribute.Int("impact.total_affected", r.Summary.TotalAffected),
	)
}

// recordAnalysisMetrics records one run. r is nil on failure.
func recordAnalysisMetrics(ctx context.Context, duration time.Duration, r *Report, err error) {
	if initMetrics() != nil {
		return
	}

	attrs := metric.WithAttributes(attribute.Bool("success", err == nil))
	analysisLatency.Record(ctx, duration.Seconds(), attrs)
	analysisTotal.Add(ctx, 1, attrs)
	if r == nil {
		return
	}

	counts := map[Classification]int{
		Breaking:            r.Summary.Breaking,
		PotentiallyBreaking: r.Summary.PotentiallyBreaking,
		Safe:                r.Summary.Safe,
	}
	for class, n := range counts {
		if n > 0 {
			changesTotal.Add(ctx, int64(n), metric.WithAttributes(attribute.String("classification", class.String())))
		}
	}
	affectedNodes.Record(ctx, int64(r.Summary.TotalAffected))
}
