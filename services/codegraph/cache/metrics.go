// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("impactgraph.cache")

var (
	loadTotal   metric.Int64Counter
	metricsOnce sync.Once
)

func initMetrics() {
	metricsOnce.Do(func() {
		var err error
		loadTotal, err = meter.Int64Counter(
			"cache_load_total",
			metric.WithDescription("Cache loads by result"),
		)
		if err != nil {
			loadTotal = nil
		}
	})
}

func recordLoad(hit bool) {
	initMetrics()
	if loadTotal == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	loadTotal.Add(context.Background(), 1, metric.WithAttributes(attribute.String("result", result)))
}
