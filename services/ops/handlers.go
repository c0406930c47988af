// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.
// Package ops is the HTTP surface of the ops agent.
package ops

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/AleutianAI/opsagent/services/agent"
	"github.com/AleutianAI/opsagent/services/agent/audit"
	"github.com/AleutianAI/opsagent/services/agent/gate"
	"github.com/AleutianAI/opsagent/services/agent/orchestrator"
	"github.com/AleutianAI/opsagent/services/agent/registry"
	"github.com/AleutianAI/opsagent/services/llm"
	"github.com/gin-gonic/gin"
)

// HeaderActorRole carries the caller's role as asserted by the upstream
// identity proxy. Only the audit endpoint reads it.
const HeaderActorRole = "X-Actor-Role"

// statusClientClosed is the de facto status for a request the client abandoned.
const statusClientClosed = 499

// maxAuditLimit caps the page size of the audit endpoint.
const maxAuditLimit = 1000

// Chatter runs one conversation.
type Chatter interface {
	Handle(ctx context.Context, req orchestrator.Request) (*orchestrator.Response, error)
}

// Authorizer decides and rewrites queries.
type Authorizer interface {
	Authorize(ctx context.Context, query string, role agent.Role, actorID string) gate.Verdict
}

// AuditLister reads the audit log.
type AuditLister interface {
	List(ctx context.Context, f audit.Filter) ([]audit.Record, error)
}

// =============================================================================
// Request / Response Types
// =============================================================================

// ChatRequest is the body of POST /v1/agent/chat.
type ChatRequest struct {
	Message        string `json:"message" binding:"required,max=8000"`
	Role           string `json:"role" binding:"required,oneof=owner admin supplier driver customer"`
	ActorID        string `json:"actorId" binding:"required,max=128"`
	TenantID       *int64 `json:"tenantId"`
	ConversationID string `json:"conversationId" binding:"omitempty,max=64"`
}

// AuthorizeRequest is the body of POST /v1/agent/authorize.
type AuthorizeRequest struct {
	Query   string `json:"query" binding:"required,max=4000"`
	Role    string `json:"role" binding:"required,oneof=owner admin supplier driver customer"`
	ActorID string `json:"actorId" binding:"required,max=128"`
}

// ToolInfo describes one tool in the catalog endpoint.
type ToolInfo struct {
	Name       string             `json:"name"`
	Summary    string             `json:"description"`
	Capability agent.Capability   `json:"capability"`
	Parameters llm.ToolParameters `json:"parameters"`
}

// ToolsResponse is the body of GET /v1/agent/tools.
type ToolsResponse struct {
	Role  agent.Role `json:"role"`
	Tools []ToolInfo `json:"tools"`
}

// AuditResponse is the body of GET /v1/agent/audit.
type AuditResponse struct {
	Records []audit.Record `json:"records"`
	Count   int            `json:"count"`
}

// HealthResponse is the body of GET /v1/health.
type HealthResponse struct {
	Status   string `json:"status"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	Tools    int    `json:"tools"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

// =============================================================================
// Handlers
// =============================================================================

// HandlerOption configures Handlers.
type HandlerOption func(*Handlers)

// WithLogger sets the handler logger.
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handlers) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithActorLimiter throttles chat requests per actor.
func WithActorLimiter(l *ActorLimiter) HandlerOption {
	return func(h *Handlers) { h.limiter = l }
}

// WithRequestTimeout bounds each chat request. Zero means no bound.
func WithRequestTimeout(d time.Duration) HandlerOption {
	return func(h *Handlers) { h.requestTimeout = d }
}

// WithModelInfo is reported by the health endpoint.
func WithModelInfo(provider, model string) HandlerOption {
	return func(h *Handlers) {
		h.provider = provider
		h.model = model
	}
}

// Handlers serves the /v1/agent endpoints.
//
// Thread Safety: Safe for concurrent use once constructed.
type Handlers struct {
	engine         Chatter
	registry       *registry.Registry
	gate           Authorizer
	audit          AuditLister
	limiter        *ActorLimiter
	requestTimeout time.Duration
	provider       string
	model          string
	logger         *slog.Logger
}

// NewHandlers builds the handler set.
//
// Inputs:
//   - engine: Runs conversations.
//   - reg: Tool catalog for the tools endpoint.
//   - g: Query gate for the dry-run endpoint.
//   - auditLog: Audit store for the audit endpoint.
func NewHandlers(engine Chatter, reg *registry.Registry, g Authorizer, auditLog AuditLister, opts ...HandlerOption) *Handlers {
	h := &Handlers{
		engine:   engine,
		registry: reg,
		gate:     g,
		audit:    auditLog,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HandleChat handles POST /v1/agent/chat.
//
// Description:
//
//	Runs one conversation for the actor named in the body. A conversation
//	that ends Aborted is still a 200; its error, errorKind and retryable
//	fields tell the caller what happened.
//
// Response:
//
//	200 OK: orchestrator.Response
//	400 Bad Request: Invalid body, role or actor
//	429 Too Many Requests: Per-actor rate limit exceeded
//	499: Client closed the request
//	504 Gateway Timeout: Request timeout elapsed
func (h *Handlers) HandleChat(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleChat")

	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	actor, err := agent.NewActorContext(req.ActorID, agent.Role(req.Role), req.TenantID)
	if err != nil {
		h.fail(c, http.StatusBadRequest, "INVALID_ACTOR", err.Error())
		return
	}

	if ok, wait := h.limiter.Allow(actor.String()); !ok {
		chatThrottledTotal.WithLabelValues(string(actor.Role)).Inc()
		if wait > 0 {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		}
		h.fail(c, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests for this actor")
		return
	}

	ctx := c.Request.Context()
	if h.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.requestTimeout)
		defer cancel()
	}

	resp, err := h.engine.Handle(ctx, orchestrator.Request{
		Message:        req.Message,
		Actor:          actor,
		ConversationID: req.ConversationID,
	})
	if err != nil {
		switch {
		case errors.Is(err, agent.ErrInvalidActor):
			h.fail(c, http.StatusBadRequest, "INVALID_ACTOR", err.Error())
		case errors.Is(err, orchestrator.ErrEmptyMessage):
			h.fail(c, http.StatusBadRequest, "EMPTY_MESSAGE", err.Error())
		case errors.Is(err, context.DeadlineExceeded):
			h.fail(c, http.StatusGatewayTimeout, "TIMEOUT", "request timed out")
		case errors.Is(err, context.Canceled):
			logger.Info("chat cancelled by client", slog.String("actor", actor.String()))
			h.fail(c, statusClientClosed, "CANCELLED", "request cancelled")
		default:
			logger.Error("chat failed", slog.String("error", llm.SafeLogString(err.Error())))
			h.fail(c, http.StatusInternalServerError, "INTERNAL", "internal error")
		}
		return
	}

	if resp.ToolCalls == nil {
		resp.ToolCalls = []agent.ToolExecutionResult{}
	}
	kind := string(resp.ErrorKind)
	if kind == "" {
		kind = "none"
	}
	chatOutcomesTotal.WithLabelValues(string(actor.Role), string(resp.State), kind).Inc()
	c.JSON(http.StatusOK, resp)
}

// HandleTools handles GET /v1/agent/tools?role=<role>.
//
// Response:
//
//	200 OK: ToolsResponse, sorted by name
//	400 Bad Request: Missing or unknown role
func (h *Handlers) HandleTools(c *gin.Context) {
	role, err := agent.ParseRole(c.Query("role"))
	if err != nil {
		h.fail(c, http.StatusBadRequest, "INVALID_ROLE", err.Error())
		return
	}

	specs := h.registry.ListFor(role)
	out := ToolsResponse{Role: role, Tools: make([]ToolInfo, 0, len(specs))}
	for _, s := range specs {
		out.Tools = append(out.Tools, ToolInfo{
			Name:       s.Name,
			Summary:    s.Description,
			Capability: s.RequiredCapability,
			Parameters: s.Parameters,
		})
	}
	c.JSON(http.StatusOK, out)
}

// HandleAuthorize handles POST /v1/agent/authorize, a dry run of the gate.
// Denials are 200 responses with allowed=false; nothing is executed.
func (h *Handlers) HandleAuthorize(c *gin.Context) {
	var req AuthorizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	v := h.gate.Authorize(c.Request.Context(), req.Query, agent.Role(req.Role), req.ActorID)
	c.JSON(http.StatusOK, v)
}

// HandleAudit handles GET /v1/agent/audit.
//
// Query Parameters:
//
//	actor_id, role, tool, conversation_id: exact-match filters (optional)
//	since, until: RFC 3339 bounds, until exclusive (optional)
//	failures: "true" to list only failed invocations (optional)
//	limit: page size, default 100, max 1000 (optional)
//
// Response:
//
//	200 OK: AuditResponse, newest first
//	400 Bad Request: Malformed parameter
//	403 Forbidden: Caller role is not owner or admin
func (h *Handlers) HandleAudit(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := h.logger.With("request_id", requestID, "handler", "HandleAudit")

	caller, err := agent.ParseRole(c.GetHeader(HeaderActorRole))
	if err != nil || !caller.Privileged() {
		h.fail(c, http.StatusForbidden, "FORBIDDEN", "audit log requires an owner or admin role")
		return
	}

	f, err := parseAuditFilter(c)
	if err != nil {
		h.fail(c, http.StatusBadRequest, "INVALID_PARAMETER", err.Error())
		return
	}

	records, err := h.audit.List(c.Request.Context(), f)
	if err != nil {
		logger.Error("audit list failed", slog.String("error", err.Error()))
		h.fail(c, http.StatusInternalServerError, "INTERNAL", "audit log unavailable")
		return
	}
	if records == nil {
		records = []audit.Record{}
	}
	c.JSON(http.StatusOK, AuditResponse{Records: records, Count: len(records)})
}

// HandleHealth handles GET /v1/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:   "ok",
		Provider: h.provider,
		Model:    h.model,
		Tools:    len(h.registry.All()),
	})
}

func (h *Handlers) fail(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: getOrCreateRequestID(c),
	})
}

func parseAuditFilter(c *gin.Context) (audit.Filter, error) {
	f := audit.Filter{
		ActorID:        c.Query("actor_id"),
		ToolName:       c.Query("tool"),
		ConversationID: c.Query("conversation_id"),
	}
	if r := c.Query("role"); r != "" {
		role, err := agent.ParseRole(r)
		if err != nil {
			return f, err
		}
		f.Role = role
	}
	for param, dst := range map[string]*time.Time{"since": &f.Since, "until": &f.Until} {
		if v := c.Query(param); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return f, errors.New(param + " must be an RFC 3339 timestamp")
			}
			*dst = t
		}
	}
	if v := c.Query("failures"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, errors.New("failures must be a boolean")
		}
		f.OnlyFailures = b
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return f, errors.New("limit must be a positive integer")
		}
		f.Limit = min(n, maxAuditLimit)
	}
	return f, nil
}
