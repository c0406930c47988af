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
	"testing"

	"github.com/go-playground/validator/v10"
)

func TestKindOf(t *testing.T) {
	type args struct {
		ID int `validate:"required,gt=0"`
	}
	verr := validator.New().Struct(args{})

	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"nil", nil, ""},
		{"tool error wins", NewToolError(KindUnsafeQuery, context.DeadlineExceeded), KindUnsafeQuery},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), KindTimeout},
		{"cancelled", context.Canceled, KindCancelled},
		{"validator", verr, KindValidation},
		{"unauthorized sentinel", fmt.Errorf("table orders: %w", ErrUnauthorized), KindUnauthorized},
		{"invalid actor", ErrInvalidActor, KindUnauthorized},
		{"plain error", errors.New("disk full"), KindUpstream},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestToolErrorf_WrapsSentinel(t *testing.T) {
	err := ToolErrorf(KindValidation, "order_id must be positive")

	if !errors.Is(err, ErrValidation) {
		t.Error("expected error to wrap ErrValidation")
	}
	if got := err.Error(); got != "order_id must be positive: validation failed" {
		t.Errorf("Error() = %q", got)
	}
	if KindOf(err) != KindValidation {
		t.Errorf("KindOf() = %q", KindOf(err))
	}
}

func TestErrorKind_Retryable(t *testing.T) {
	if !KindTimeout.Retryable() || !KindUpstream.Retryable() {
		t.Error("timeout and upstream failures should be retryable")
	}
	if KindIterationCap.Retryable() || KindUnsafeQuery.Retryable() {
		t.Error("iteration cap and unsafe query must not be retryable")
	}
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole(" Driver ")
	if err != nil {
		t.Fatalf("ParseRole() error = %v", err)
	}
	if r != RoleDriver {
		t.Errorf("ParseRole() = %q", r)
	}
	if _, err := ParseRole("root"); !errors.Is(err, ErrInvalidActor) {
		t.Errorf("expected ErrInvalidActor, got %v", err)
	}
}

func TestNewActorContext(t *testing.T) {
	a, err := NewActorContext("7", RoleDriver, nil)
	if err != nil {
		t.Fatalf("NewActorContext() error = %v", err)
	}
	if a.String() != "driver:7" {
		t.Errorf("String() = %q", a.String())
	}
	if _, err := NewActorContext("  ", RoleDriver, nil); err == nil {
		t.Error("expected error for empty actor id")
	}
	if !RoleOwner.Privileged() || !RoleAdmin.Privileged() || RoleDriver.Privileged() {
		t.Error("Privileged() mismatch")
	}
}
