// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Error Taxonomy
// =============================================================================

// ErrorKind classifies a failed tool invocation or conversation.
type ErrorKind string

const (
	// KindUnsafeQuery is a denylist hit in the query gate.
	KindUnsafeQuery ErrorKind = "UnsafeQuery"

	// KindUnauthorized is a role, table, or operation mismatch.
	KindUnauthorized ErrorKind = "Unauthorized"

	// KindValidation is malformed tool arguments or an unknown tool.
	KindValidation ErrorKind = "ValidationError"

	// KindTimeout is a handler or LLM deadline being exceeded.
	KindTimeout ErrorKind = "Timeout"

	// KindUpstream is a datastore, notification, or LLM service failure.
	KindUpstream ErrorKind = "UpstreamFailure"

	// KindIterationCap terminates a conversation that hit the iteration cap.
	KindIterationCap ErrorKind = "IterationCapExceeded"

	// KindCancelled is the caller abandoning the request.
	KindCancelled ErrorKind = "Cancelled"
)

// Retryable reports whether the caller may retry the same request unchanged.
func (k ErrorKind) Retryable() bool {
	return k == KindTimeout || k == KindUpstream
}

// Sentinel errors, one per kind. Wrap them with context using fmt.Errorf("...: %w").
var (
	ErrUnsafeQuery  = errors.New("unsafe query")
	ErrUnauthorized = errors.New("unauthorized")
	ErrValidation   = errors.New("validation failed")
	ErrTimeout      = errors.New("deadline exceeded")
	ErrUpstream     = errors.New("upstream failure")
	ErrIterationCap = errors.New("max iterations reached")
	ErrInvalidActor = errors.New("invalid actor")
)

// ToolError attaches an ErrorKind to an underlying error.
//
// Thread Safety: Immutable after construction.
type ToolError struct {
	Kind ErrorKind
	Err  error
}

// Error implements error.
func (e *ToolError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return e.Err.Error()
}

// Unwrap returns the wrapped error.
func (e *ToolError) Unwrap() error {
	return e.Err
}

// NewToolError wraps err with kind.
func NewToolError(kind ErrorKind, err error) error {
	return &ToolError{Kind: kind, Err: err}
}

// ToolErrorf formats a message, wraps the kind's sentinel, and tags it with kind.
//
// Example:
//
//	ToolErrorf(KindValidation, "order_id must be positive")
//	// "order_id must be positive: validation failed"
func ToolErrorf(kind ErrorKind, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	return &ToolError{Kind: kind, Err: fmt.Errorf("%s: %w", msg, sentinelFor(kind))}
}

// KindOf classifies err into an ErrorKind.
//
// Description:
//
//	Resolution order: an explicit ToolError kind, context deadline and
//	cancellation, validator errors, then the package sentinels. Anything else
//	is treated as an upstream failure.
//
// Inputs:
//   - err: Any error. A nil error yields the empty kind.
//
// Outputs:
//   - ErrorKind: The classification.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var te *ToolError
	if errors.As(err, &te) {
		return te.Kind
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return KindValidation
	}

	switch {
	case errors.Is(err, ErrUnsafeQuery):
		return KindUnsafeQuery
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrInvalidActor):
		return KindUnauthorized
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrIterationCap):
		return KindIterationCap
	default:
		return KindUpstream
	}
}

func sentinelFor(kind ErrorKind) error {
	switch kind {
	case KindUnsafeQuery:
		return ErrUnsafeQuery
	case KindUnauthorized:
		return ErrUnauthorized
	case KindValidation:
		return ErrValidation
	case KindTimeout:
		return ErrTimeout
	case KindIterationCap:
		return ErrIterationCap
	case KindCancelled:
		return context.Canceled
	default:
		return ErrUpstream
	}
}
