// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator runs the bounded conversation loop between a caller,
// the model and the tools.
//
// One Engine serves every role. It is built once per process; each call to
// Handle owns its own conversation state and shares only the read-only
// registry and policies with concurrent requests.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/opsagent/services/agent"
	"github.com/AleutianAI/opsagent/services/agent/audit"
	"github.com/AleutianAI/opsagent/services/agent/config"
	"github.com/AleutianAI/opsagent/services/agent/executor"
	"github.com/AleutianAI/opsagent/services/agent/registry"
	"github.com/AleutianAI/opsagent/services/llm"
)

// Messages returned to the caller when a conversation is aborted.
const (
	MsgIterationCap = "Max iterations reached"
	MsgLLMTimeout   = "The assistant took too long to respond, please retry."
	MsgLLMUpstream  = "The assistant is temporarily unavailable, please retry."
	MsgIncomplete   = "I could not complete this request within the allowed number of steps."
)

// ErrEmptyMessage is returned by Handle for a blank user message.
var ErrEmptyMessage = errors.New("orchestrator: message must not be empty")

// Config bounds every conversation.
type Config struct {
	MaxIterations      int
	MaxConcurrentTools int
	LLMTimeout         time.Duration
	ToolTimeout        time.Duration
	MaxTokens          int
	Temperature        float64
	ToolOutputBytes    int

	// SystemPrompts seeds each role's transcript. A role without a prompt
	// cannot converse.
	SystemPrompts map[agent.Role]string
}

// ConfigFrom builds a Config from the loaded agent policy.
func ConfigFrom(cfg *config.AgentConfig) Config {
	e := cfg.Engine
	return Config{
		MaxIterations:      e.MaxIterations,
		MaxConcurrentTools: e.MaxConcurrentTools,
		LLMTimeout:         e.LLMTimeout,
		ToolTimeout:        e.ToolTimeout,
		MaxTokens:          e.MaxTokens,
		Temperature:        e.Temperature,
		ToolOutputBytes:    e.ToolOutputBytes,
		SystemPrompts:      cfg.SystemPrompts(),
	}
}

func (c *Config) applyDefaults() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = config.DefaultMaxIterations
	}
	if c.MaxConcurrentTools <= 0 {
		c.MaxConcurrentTools = config.DefaultMaxConcurrentTools
	}
	if c.LLMTimeout <= 0 {
		c.LLMTimeout = config.DefaultLLMTimeout
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = config.DefaultToolTimeout
	}
}

// Request is one inbound chat turn.
type Request struct {
	Message string
	Actor   agent.ActorContext

	// ConversationID is echoed back and stamped on audit records. Generated
	// when empty.
	ConversationID string
}

// Response is the outcome of one conversation.
type Response struct {
	ConversationID string                      `json:"conversationId"`
	Message        string                      `json:"message"`
	ToolCalls      []agent.ToolExecutionResult `json:"toolCalls"`
	Error          string                      `json:"error,omitempty"`
	ErrorKind      agent.ErrorKind             `json:"errorKind,omitempty"`
	Retryable      bool                        `json:"retryable"`
	State          State                       `json:"state"`
	Iterations     int                         `json:"iterations"`
	Usage          llm.Usage                   `json:"usage"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// Engine orchestrates conversations for every role.
//
// Thread Safety: Safe for concurrent use.
type Engine struct {
	client   llm.ToolChatClient
	registry *registry.Registry
	executor *executor.Executor
	recorder *audit.Recorder
	cfg      Config
	metrics  *instruments
	logger   *slog.Logger
}

// New builds an Engine.
//
// Inputs:
//   - client: The model. Treated as an untrusted planner.
//   - reg: Tool catalog and capability grants.
//   - exec: Runs tool handlers.
//   - recorder: Receives one audit record per tool call.
//   - cfg: Conversation bounds and prompts.
//
// Outputs:
//   - *Engine: Ready to serve.
//   - error: Non-nil if a dependency is missing.
func New(client llm.ToolChatClient, reg *registry.Registry, exec *executor.Executor,
	recorder *audit.Recorder, cfg Config, opts ...Option) (*Engine, error) {

	switch {
	case client == nil:
		return nil, fmt.Errorf("orchestrator: llm client must not be nil")
	case reg == nil:
		return nil, fmt.Errorf("orchestrator: registry must not be nil")
	case exec == nil:
		return nil, fmt.Errorf("orchestrator: executor must not be nil")
	case recorder == nil:
		return nil, fmt.Errorf("orchestrator: audit recorder must not be nil")
	}
	cfg.applyDefaults()

	m, err := newInstruments()
	if err != nil {
		return nil, err
	}
	e := &Engine{
		client:   client,
		registry: reg,
		executor: exec,
		recorder: recorder,
		cfg:      cfg,
		metrics:  m,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Handle runs one conversation to a terminal state.
//
// Description:
//
//	Seeds the transcript with the role's system prompt and the user
//	message, then alternates model calls and tool rounds. Tool calls of
//	one turn run concurrently, bounded by MaxConcurrentTools, and are all
//	joined before the next model call. At most MaxIterations model calls
//	are made; a model that still wants tools after the last one ends the
//	conversation Aborted with every result gathered so far.
//
//	Model timeouts and upstream failures abort the conversation with a
//	retryable outcome. Tool failures never abort it; they are fed back to
//	the model.
//
// Inputs:
//   - ctx: The request context. Cancelling it cancels the model call and
//     any running tools.
//   - req: The user message and caller identity.
//
// Outputs:
//   - *Response: The terminal outcome, Done or Aborted.
//   - error: agent.ErrInvalidActor or ErrEmptyMessage for bad input, or
//     the context error if the caller cancelled.
//
// Thread Safety: Safe for concurrent use.
func (e *Engine) Handle(ctx context.Context, req Request) (*Response, error) {
	actor := req.Actor
	if !actor.Role.Valid() || strings.TrimSpace(actor.ActorID) == "" {
		return nil, fmt.Errorf("%w: %s", agent.ErrInvalidActor, actor)
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, ErrEmptyMessage
	}
	prompt, ok := e.cfg.SystemPrompts[actor.Role]
	if !ok || prompt == "" {
		return nil, fmt.Errorf("%w: no assistant configured for role %s", agent.ErrInvalidActor, actor.Role)
	}

	convID := req.ConversationID
	if convID == "" {
		convID = uuid.NewString()
	}

	ctx, span := otel.Tracer("opsagent.agent").Start(ctx, "orchestrator.Engine.Handle",
		oteltrace.WithAttributes(
			attribute.String("conversation_id", convID),
			attribute.String("role", string(actor.Role)),
		),
	)
	defer span.End()

	logger := e.loggerWithTrace(ctx).With(
		slog.String("conversation_id", convID),
		slog.String("actor", actor.String()),
	)

	conv := newConversation(convID, actor, prompt, req.Message)
	catalog := registry.Definitions(e.registry.ListFor(actor.Role))

	resp, err := e.run(ctx, conv, catalog, logger)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cancelled")
		logger.Info("conversation cancelled by caller",
			slog.Int("iterations", conv.iterations),
			slog.Int("tool_calls", len(conv.results)),
		)
		return nil, err
	}

	attrs := metric.WithAttributes(
		attribute.String("role", string(actor.Role)),
		attribute.String("state", string(resp.State)),
	)
	e.metrics.conversations.Add(ctx, 1, attrs)
	e.metrics.iterations.Record(ctx, int64(resp.Iterations), attrs)

	span.SetAttributes(
		attribute.String("state", string(resp.State)),
		attribute.Int("iterations", resp.Iterations),
		attribute.Int("tool_calls", len(resp.ToolCalls)),
	)
	if resp.State == StateAborted {
		span.SetStatus(codes.Error, string(resp.ErrorKind))
	} else {
		span.SetStatus(codes.Ok, "")
	}

	logger.Info("conversation finished",
		slog.String("state", string(resp.State)),
		slog.Int("iterations", resp.Iterations),
		slog.Int("tool_calls", len(resp.ToolCalls)),
		slog.String("error_kind", string(resp.ErrorKind)),
	)
	return resp, nil
}

// run drives the state machine. It returns an error only when the caller
// cancelled ctx.
func (e *Engine) run(ctx context.Context, conv *conversation, catalog []llm.ToolDef, logger *slog.Logger) (*Response, error) {
	if err := conv.transition(StateAwaitingModel); err != nil {
		return nil, err
	}

	for {
		if conv.iterations >= e.cfg.MaxIterations {
			logger.Warn("iteration cap reached",
				slog.Int("max_iterations", e.cfg.MaxIterations),
				slog.Int("tool_calls", len(conv.results)),
			)
			return e.abort(conv, MsgIncomplete, agent.ToolErrorf(agent.KindIterationCap, "%s", MsgIterationCap), MsgIterationCap)
		}
		conv.iterations++

		result, err := e.callModel(ctx, conv, catalog)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Warn("model call failed",
				slog.Int("iteration", conv.iterations),
				slog.String("error", llm.SafeLogString(err.Error())),
			)
			if errors.Is(err, context.DeadlineExceeded) {
				return e.abort(conv, MsgLLMTimeout, agent.NewToolError(agent.KindTimeout, err), "LLM request timed out")
			}
			return e.abort(conv, MsgLLMUpstream, agent.NewToolError(agent.KindUpstream, err), "LLM request failed")
		}
		conv.usage.InputTokens += result.Usage.InputTokens
		conv.usage.OutputTokens += result.Usage.OutputTokens

		if len(result.ToolCalls) == 0 {
			if err := conv.transition(StateDone); err != nil {
				return nil, err
			}
			conv.transcript = append(conv.transcript, llm.ChatMessage{Role: "assistant", Content: result.Content})
			return e.response(conv, result.Content), nil
		}

		calls := normalizeCalls(result.ToolCalls)
		conv.transcript = append(conv.transcript, llm.ChatMessage{
			Role:      "assistant",
			Content:   result.Content,
			ToolCalls: calls,
		})

		if err := conv.transition(StateExecutingTools); err != nil {
			return nil, err
		}
		results := e.runTools(ctx, conv, calls)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		for _, res := range results {
			conv.transcript = append(conv.transcript, toolResultMessage(res, e.cfg.ToolOutputBytes))
		}
		conv.results = append(conv.results, results...)

		if err := conv.transition(StateAwaitingModel); err != nil {
			return nil, err
		}
	}
}

// callModel makes one model call under the LLM timeout.
func (e *Engine) callModel(ctx context.Context, conv *conversation, catalog []llm.ToolDef) (*llm.ChatWithToolsResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.LLMTimeout)
	defer cancel()

	temp := float32(e.cfg.Temperature)
	params := llm.GenerationParams{Temperature: &temp}
	if e.cfg.MaxTokens > 0 {
		maxTokens := e.cfg.MaxTokens
		params.MaxTokens = &maxTokens
	}

	result, err := e.client.ChatWithTools(ctx, conv.transcript, params, catalog)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, llm.ErrNoChoices
	}
	return result, nil
}

// runTools executes one turn's calls concurrently and returns their results
// in request order. Every call is audited.
func (e *Engine) runTools(ctx context.Context, conv *conversation, calls []llm.ToolCallResponse) []agent.ToolExecutionResult {
	results := make([]agent.ToolExecutionResult, len(calls))

	var g errgroup.Group
	g.SetLimit(e.cfg.MaxConcurrentTools)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = e.runTool(ctx, conv.id, conv.actor, call)
			return nil
		})
	}
	_ = g.Wait() // Tool goroutines report failures as results, never as errors.

	return results
}

// runTool resolves, authorizes, executes and audits one call.
func (e *Engine) runTool(ctx context.Context, convID string, actor agent.ActorContext, call llm.ToolCallResponse) agent.ToolExecutionResult {
	req := agent.ToolInvocationRequest{
		ToolName:     call.Name,
		RawArguments: call.Arguments,
		RequestID:    call.ID,
	}

	var res agent.ToolExecutionResult
	spec, err := e.registry.Resolve(call.Name)
	switch {
	case err != nil:
		res = agent.FailedResult(req.RequestID, call.Name, agent.ToolErrorf(agent.KindValidation, "unknown tool %q", call.Name), 0)
	case !e.registry.Allowed(actor.Role, spec):
		// The catalog never offers it, so the model is guessing names.
		res = agent.FailedResult(req.RequestID, call.Name,
			agent.ToolErrorf(agent.KindUnauthorized, "tool %q is not available to role %s", call.Name, actor.Role), 0)
	default:
		res = e.executor.Execute(ctx, spec, req, actor, e.cfg.ToolTimeout)
	}

	outcome := "success"
	if !res.Success {
		outcome = string(res.ErrorKind)
	}
	e.metrics.toolCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("role", string(actor.Role)),
		attribute.String("outcome", outcome),
	))

	e.recorder.Record(ctx, audit.FromResult(convID, actor, req, res))
	return res
}

// abort ends the conversation with a failure the caller can act on.
func (e *Engine) abort(conv *conversation, message string, cause error, detail string) (*Response, error) {
	if err := conv.transition(StateAborted); err != nil {
		return nil, err
	}
	kind := agent.KindOf(cause)
	resp := e.response(conv, message)
	resp.Error = detail
	resp.ErrorKind = kind
	resp.Retryable = kind.Retryable()
	return resp, nil
}

func (e *Engine) response(conv *conversation, message string) *Response {
	results := conv.results
	if results == nil {
		results = []agent.ToolExecutionResult{}
	}
	return &Response{
		ConversationID: conv.id,
		Message:        message,
		ToolCalls:      results,
		State:          conv.state,
		Iterations:     conv.iterations,
		Usage:          conv.usage,
	}
}

func (e *Engine) loggerWithTrace(ctx context.Context) *slog.Logger {
	sc := oteltrace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return e.logger
	}
	return e.logger.With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
