// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package executor runs a single tool invocation and turns every outcome,
// including panics and deadlines, into an agent.ToolExecutionResult.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/opsagent/services/agent"
	"github.com/AleutianAI/opsagent/services/agent/registry"
	"github.com/AleutianAI/opsagent/services/llm"
)

// DefaultTimeout bounds a handler when the caller passes no deadline.
const DefaultTimeout = 10 * time.Second

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the executor logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithDefaultTimeout sets the deadline used when Execute receives zero.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.defaultTimeout = d
		}
	}
}

// Executor validates arguments and runs tool handlers.
//
// Thread Safety: Executor is stateless after construction and safe for
// concurrent use.
type Executor struct {
	logger         *slog.Logger
	defaultTimeout time.Duration
}

// New creates an Executor.
func New(opts ...Option) *Executor {
	e := &Executor{
		logger:         slog.Default(),
		defaultTimeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type handlerOutcome struct {
	out registry.Output
	err error
}

// Execute runs one invocation of spec.
//
// Description:
//
//	Decodes and validates the arguments against the tool schema, then runs
//	the handler under its own deadline. A panic in the handler is recovered
//	and reported as an upstream failure. When the deadline passes the result
//	is returned immediately; the handler observes a cancelled context.
//
// Inputs:
//   - ctx: The request context. Cancelling it cancels the handler.
//   - spec: The resolved tool.
//   - req: The model's invocation.
//   - actor: The caller, passed to the handler unchanged.
//   - deadline: Handler time budget; zero uses the default.
//
// Outputs:
//   - agent.ToolExecutionResult: Always populated. Failures are data.
//
// Thread Safety: This method is safe for concurrent use.
func (e *Executor) Execute(ctx context.Context, spec registry.ToolSpec, req agent.ToolInvocationRequest,
	actor agent.ActorContext, deadline time.Duration) agent.ToolExecutionResult {

	ctx, span := otel.Tracer("opsagent.executor").Start(ctx, "executor.Executor.Execute",
		oteltrace.WithAttributes(
			attribute.String("tool", spec.Name),
			attribute.String("request_id", req.RequestID),
			attribute.String("role", string(actor.Role)),
		),
	)
	defer span.End()

	start := time.Now()
	result := e.execute(ctx, spec, req, actor, deadline)
	result.RequestID = req.RequestID
	result.ToolName = spec.Name
	result.DurationMs = time.Since(start).Milliseconds()

	recordResult(result)

	logger := e.loggerWithTrace(ctx).With(
		slog.String("tool", spec.Name),
		slog.String("request_id", req.RequestID),
		slog.String("actor", actor.String()),
		slog.Int64("duration_ms", result.DurationMs),
	)
	if result.Success {
		span.SetStatus(codes.Ok, "")
		logger.Debug("tool succeeded")
	} else {
		span.SetAttributes(attribute.String("error_kind", string(result.ErrorKind)))
		detail := llm.SafeLogString(result.Error)
		span.SetStatus(codes.Error, detail)
		logger.Info("tool failed",
			slog.String("error_kind", string(result.ErrorKind)),
			slog.String("error", detail),
		)
	}
	return result
}

func (e *Executor) execute(ctx context.Context, spec registry.ToolSpec, req agent.ToolInvocationRequest,
	actor agent.ActorContext, deadline time.Duration) agent.ToolExecutionResult {

	args, err := decodeArguments(req.RawArguments)
	if err == nil {
		err = validateArguments(spec.Parameters, args)
	}
	if err != nil {
		return agent.FailedResult(req.RequestID, spec.Name, err, 0)
	}

	if deadline <= 0 {
		deadline = e.defaultTimeout
	}
	hctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	done := make(chan handlerOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				toolPanicsTotal.WithLabelValues(spec.Name).Inc()
				e.logger.Error("tool handler panic",
					slog.String("tool", spec.Name),
					slog.String("panic", fmt.Sprint(r)),
					slog.String("stack", string(debug.Stack())),
				)
				done <- handlerOutcome{err: agent.ToolErrorf(agent.KindUpstream, "tool %s failed internally", spec.Name)}
			}
		}()
		out, err := spec.Handler(hctx, actor, args)
		done <- handlerOutcome{out: out, err: err}
	}()

	var outcome handlerOutcome
	select {
	case outcome = <-done:
	case <-hctx.Done():
		outcome = handlerOutcome{err: deadlineError(ctx, hctx, spec.Name, deadline)}
	}

	if outcome.err != nil {
		// A handler that returned on its cancelled context reports ctx.Err();
		// attribute it to the right cause.
		if errors.Is(outcome.err, context.DeadlineExceeded) || errors.Is(outcome.err, context.Canceled) {
			if hctx.Err() != nil {
				outcome.err = deadlineError(ctx, hctx, spec.Name, deadline)
			}
		}
		return agent.FailedResult(req.RequestID, spec.Name, outcome.err, 0)
	}

	return agent.ToolExecutionResult{
		Success:      true,
		Payload:      outcome.out.Payload,
		RowsAffected: outcome.out.RowsAffected,
	}
}

// deadlineError distinguishes the caller going away from the tool running
// out of time.
func deadlineError(parent, hctx context.Context, tool string, deadline time.Duration) error {
	if parent.Err() != nil && errors.Is(parent.Err(), context.Canceled) {
		return agent.NewToolError(agent.KindCancelled, fmt.Errorf("tool %s: %w", tool, context.Canceled))
	}
	return agent.ToolErrorf(agent.KindTimeout, "tool %s exceeded its %s deadline", tool, deadline)
}

func (e *Executor) loggerWithTrace(ctx context.Context) *slog.Logger {
	sc := oteltrace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return e.logger
	}
	return e.logger.With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
