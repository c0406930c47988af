// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides provider-neutral tool-calling chat clients for OpenAI,
// Anthropic and Gemini, plus a guard decorator that rate-limits, traces and
// audits every call.
//
// The model is an untrusted planner: clients return whatever tool calls the
// provider produced and never execute anything themselves.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoChoices is returned when a provider response carries no candidate.
var ErrNoChoices = errors.New("llm: response contained no choices")

// GenerationParams are the per-call sampling settings. Nil fields use the
// provider default.
type GenerationParams struct {
	Temperature   *float32
	TopP          *float32
	TopK          *int
	MaxTokens     *int
	Stop          []string
	ModelOverride string
}

// Usage reports token consumption of one call, zero when the provider does
// not report it.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// ToolChatClient is a chat client that supports function calling.
//
// Thread Safety: Implementations must be safe for concurrent use.
type ToolChatClient interface {
	// ChatWithTools sends the transcript and tool catalog and returns either a
	// final message or tool calls.
	ChatWithTools(ctx context.Context, messages []ChatMessage, params GenerationParams, tools []ToolDef) (*ChatWithToolsResult, error)

	// Name returns the provider name, e.g. "openai".
	Name() string

	// Model returns the configured model id.
	Model() string
}

// StatusError is returned when a provider answers with a non-200 status.
// Body has secrets redacted.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: API returned status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Retryable reports whether the status indicates a transient failure.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}
