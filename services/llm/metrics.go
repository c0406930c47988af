// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics for LLM Calls
// =============================================================================

var (
	// llmCallsTotal counts calls by provider and status.
	// Labels: provider, status (success, error, blocked)
	llmCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opsagent",
		Subsystem: "llm",
		Name:      "calls_total",
		Help:      "Total LLM calls by provider and status",
	}, []string{"provider", "status"})

	// llmTokensTotal counts tokens by provider and direction.
	// Labels: provider, direction (input, output)
	llmTokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opsagent",
		Subsystem: "llm",
		Name:      "tokens_total",
		Help:      "Total tokens by provider and direction",
	}, []string{"provider", "direction"})

	// llmToolCallsTotal counts tool calls proposed by the model.
	llmToolCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opsagent",
		Subsystem: "llm",
		Name:      "proposed_tool_calls_total",
		Help:      "Total tool calls proposed by the model",
	}, []string{"provider"})

	// llmLatencySeconds measures call latency including guard checks.
	llmLatencySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "opsagent",
		Subsystem: "llm",
		Name:      "latency_seconds",
		Help:      "LLM call latency including guard checks",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"provider"})
)

// recordCall records a completed call.
func recordCall(provider string, result *ChatWithToolsResult, durationSec float64, err error) {
	llmLatencySeconds.WithLabelValues(provider).Observe(durationSec)
	if err != nil {
		llmCallsTotal.WithLabelValues(provider, "error").Inc()
		return
	}
	llmCallsTotal.WithLabelValues(provider, "success").Inc()
	llmTokensTotal.WithLabelValues(provider, "input").Add(float64(result.Usage.InputTokens))
	llmTokensTotal.WithLabelValues(provider, "output").Add(float64(result.Usage.OutputTokens))
	llmToolCallsTotal.WithLabelValues(provider).Add(float64(len(result.ToolCalls)))
}

// recordBlocked records a call rejected before reaching the provider.
func recordBlocked(provider string) {
	llmCallsTotal.WithLabelValues(provider, "blocked").Inc()
}
