// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// instruments are the conversation metrics, exported through whichever
// meter provider telemetry installed.
type instruments struct {
	conversations metric.Int64Counter
	iterations    metric.Int64Histogram
	toolCalls     metric.Int64Counter
}

func newInstruments() (*instruments, error) {
	meter := otel.Meter("opsagent.orchestrator")

	conversations, err := meter.Int64Counter("opsagent.conversations",
		metric.WithDescription("Conversations by role and terminal state"))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: conversations counter: %w", err)
	}
	iterations, err := meter.Int64Histogram("opsagent.conversation.iterations",
		metric.WithDescription("Model calls per conversation"),
		metric.WithExplicitBucketBoundaries(1, 2, 3, 4, 5, 8))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: iterations histogram: %w", err)
	}
	toolCalls, err := meter.Int64Counter("opsagent.conversation.tool_calls",
		metric.WithDescription("Tool calls requested by the model, by outcome"))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: tool calls counter: %w", err)
	}
	return &instruments{conversations: conversations, iterations: iterations, toolCalls: toolCalls}, nil
}
