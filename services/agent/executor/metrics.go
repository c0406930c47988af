// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package executor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/opsagent/services/agent"
)

var (
	// toolInvocationsTotal counts invocations by tool and outcome.
	// Labels: tool, outcome (success or an ErrorKind)
	toolInvocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opsagent",
		Subsystem: "executor",
		Name:      "invocations_total",
		Help:      "Tool invocations by tool and outcome",
	}, []string{"tool", "outcome"})

	toolDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "opsagent",
		Subsystem: "executor",
		Name:      "duration_seconds",
		Help:      "Tool invocation duration including argument validation",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	}, []string{"tool"})

	toolPanicsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opsagent",
		Subsystem: "executor",
		Name:      "panics_total",
		Help:      "Tool handler panics recovered by the executor",
	}, []string{"tool"})
)

func recordResult(r agent.ToolExecutionResult) {
	outcome := "success"
	if !r.Success {
		outcome = string(r.ErrorKind)
	}
	toolInvocationsTotal.WithLabelValues(r.ToolName, outcome).Inc()
	toolDurationSeconds.WithLabelValues(r.ToolName).Observe(float64(r.DurationMs) / 1000)
}
