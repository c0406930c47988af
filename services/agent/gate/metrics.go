// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics for the Query Gate
// =============================================================================

var (
	// gateVerdictsTotal counts verdicts by role and outcome.
	// Labels: role, outcome (allowed, denied), kind (none, UnsafeQuery, Unauthorized)
	gateVerdictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opsagent",
		Subsystem: "gate",
		Name:      "verdicts_total",
		Help:      "Total query authorization verdicts by role, outcome and error kind",
	}, []string{"role", "outcome", "kind"})

	// gateRewritesTotal counts statements that had scoping predicates injected.
	// Labels: role
	gateRewritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opsagent",
		Subsystem: "gate",
		Name:      "rewrites_total",
		Help:      "Total statements rewritten with row scoping predicates",
	}, []string{"role"})

	// gateLatencySeconds measures parse and rewrite time.
	gateLatencySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "opsagent",
		Subsystem: "gate",
		Name:      "authorize_seconds",
		Help:      "Time spent authorizing and rewriting one statement",
		Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
	})
)

// recordVerdict records one authorization outcome.
func recordVerdict(role string, v Verdict, durationSec float64) {
	outcome, kind := "allowed", "none"
	if !v.Allowed {
		outcome, kind = "denied", string(v.Kind)
	}
	gateVerdictsTotal.WithLabelValues(role, outcome, kind).Inc()
	if v.Allowed && v.Scoped {
		gateRewritesTotal.WithLabelValues(role).Inc()
	}
	gateLatencySeconds.Observe(durationSec)
}
