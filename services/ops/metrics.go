// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.
package ops

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics for the HTTP Surface
// =============================================================================

var (
	// httpRequestsTotal counts requests by route and status.
	// Labels: route, method, status
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opsagent",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total HTTP requests by route, method and status code",
	}, []string{"route", "method", "status"})

	// httpRequestSeconds tracks request latency by route.
	httpRequestSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "opsagent",
		Subsystem: "http",
		Name:      "request_seconds",
		Help:      "HTTP request latency in seconds",
		Buckets:   []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"route", "method"})

	// chatThrottledTotal counts chat requests rejected by the per-actor limiter.
	chatThrottledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opsagent",
		Subsystem: "http",
		Name:      "throttled_total",
		Help:      "Total chat requests rejected by the per-actor rate limiter",
	}, []string{"role"})

	// chatOutcomesTotal counts chat responses by final state and error kind.
	chatOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opsagent",
		Subsystem: "http",
		Name:      "chat_outcomes_total",
		Help:      "Total chat conversations by role, terminal state and error kind",
	}, []string{"role", "state", "kind"})
)
