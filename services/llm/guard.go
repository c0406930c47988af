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
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// ErrRateLimited is returned when the provider's call window is full.
var ErrRateLimited = errors.New("llm: provider rate limit exceeded")

// GuardConfig configures a GuardedClient.
type GuardConfig struct {
	// RequestsPerMinute caps calls to the provider; zero disables the cap.
	RequestsPerMinute int

	// HashContent adds a SHA256 digest of the transcript to audit entries.
	HashContent bool

	// Logger receives audit entries. Defaults to slog.Default().
	Logger *slog.Logger
}

// GuardedClient wraps a ToolChatClient with rate limiting, tracing, metrics
// and audit logging.
//
// Description:
//
//	Every call is admitted by the limiter, logged before and after with a
//	request id, trace ids and optionally a content hash, and recorded in the
//	llm metrics. Message content is never logged.
//
// Thread Safety: Safe for concurrent use.
type GuardedClient struct {
	inner       ToolChatClient
	limiter     *RateLimiter
	logger      *slog.Logger
	hashContent bool
}

// NewGuardedClient wraps inner.
func NewGuardedClient(inner ToolChatClient, cfg GuardConfig) *GuardedClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &GuardedClient{
		inner:       inner,
		limiter:     NewRateLimiter(map[string]int{inner.Name(): cfg.RequestsPerMinute}),
		logger:      logger,
		hashContent: cfg.HashContent,
	}
}

// Name returns the inner provider name.
func (g *GuardedClient) Name() string { return g.inner.Name() }

// Model returns the inner model name.
func (g *GuardedClient) Model() string { return g.inner.Model() }

// ChatWithTools admits, traces and audits one call to the inner client.
//
// Outputs:
//   - *ChatWithToolsResult: The inner client's result.
//   - error: ErrRateLimited when throttled, otherwise the inner error.
func (g *GuardedClient) ChatWithTools(ctx context.Context, messages []ChatMessage,
	params GenerationParams, tools []ToolDef) (*ChatWithToolsResult, error) {

	provider, model := g.inner.Name(), g.inner.Model()
	ctx, span := otel.Tracer("opsagent.llm").Start(ctx, "llm.GuardedClient.ChatWithTools",
		oteltrace.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("model", model),
			attribute.Int("messages", len(messages)),
			attribute.Int("tools", len(tools)),
		),
	)
	defer span.End()

	requestID := uuid.NewString()
	logger := g.loggerWithTrace(ctx).With(
		slog.String("request_id", requestID),
		slog.String("provider", provider),
		slog.String("model", model),
	)
	start := time.Now()

	if ok, retryAfter := g.limiter.Allow(provider); !ok {
		recordBlocked(provider)
		logger.Warn("llm call blocked",
			slog.String("event", "llm_blocked"),
			slog.Duration("retry_after", retryAfter),
		)
		span.SetAttributes(attribute.String("blocked_by", "rate_limit"))
		span.SetStatus(codes.Error, "rate limited")
		return nil, fmt.Errorf("retry after %s: %w", retryAfter.Round(time.Second), ErrRateLimited)
	}

	before := []any{slog.String("event", "llm_before"), slog.Int("messages", len(messages))}
	if g.hashContent {
		before = append(before, slog.String("content_hash", hashMessages(messages)))
	}
	logger.Info("llm request", before...)

	result, err := g.inner.ChatWithTools(ctx, messages, params, tools)
	elapsed := time.Since(start)
	recordCall(provider, result, elapsed.Seconds(), err)

	if err != nil {
		logger.Warn("llm response",
			slog.String("event", "llm_after"),
			slog.String("status", "error"),
			slog.Int64("duration_ms", elapsed.Milliseconds()),
			slog.String("error", SafeLogString(err.Error())),
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, SafeLogString(err.Error()))
		return nil, err
	}

	logger.Info("llm response",
		slog.String("event", "llm_after"),
		slog.String("status", "success"),
		slog.String("stop_reason", result.StopReason),
		slog.Int("tool_calls", len(result.ToolCalls)),
		slog.Int("input_tokens", result.Usage.InputTokens),
		slog.Int("output_tokens", result.Usage.OutputTokens),
		slog.Int64("duration_ms", elapsed.Milliseconds()),
	)
	span.SetAttributes(attribute.Int("tool_calls", len(result.ToolCalls)))
	span.SetStatus(codes.Ok, "")
	return result, nil
}

func (g *GuardedClient) loggerWithTrace(ctx context.Context) *slog.Logger {
	sc := oteltrace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return g.logger
	}
	return g.logger.With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}

// hashMessages returns the SHA256 hex digest of the serialized transcript.
func hashMessages(messages []ChatMessage) string {
	data, err := json.Marshal(messages)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
