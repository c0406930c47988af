// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/opsagent/services/agent"
)

type updateStatusRequest struct {
	DeliveryID int64  `json:"delivery_id" validate:"required,gt=0"`
	Status     string `json:"status" validate:"required,oneof=picked_up en_route delivered"`
	Note       string `json:"note,omitempty" validate:"max=20"`
}

func TestTyped_DecodesAndValidates(t *testing.T) {
	var got updateStatusRequest
	h := Typed(func(_ context.Context, actor agent.ActorContext, req updateStatusRequest) (Output, error) {
		got = req
		return Output{Payload: actor.String(), RowsAffected: Rows(1)}, nil
	})

	actor := agent.ActorContext{ActorID: "7", Role: agent.RoleDriver}
	out, err := h(context.Background(), actor, map[string]any{
		"delivery_id": float64(42),
		"status":      "delivered",
	})
	require.NoError(t, err)
	assert.Equal(t, updateStatusRequest{DeliveryID: 42, Status: "delivered"}, got)
	assert.Equal(t, "driver:7", out.Payload)
	require.NotNil(t, out.RowsAffected)
	assert.Equal(t, int64(1), *out.RowsAffected)
}

func TestTyped_Failures(t *testing.T) {
	h := Typed(func(context.Context, agent.ActorContext, updateStatusRequest) (Output, error) {
		t.Fatal("handler must not run on invalid arguments")
		return Output{}, nil
	})

	tests := []struct {
		name string
		args map[string]any
	}{
		{"struct validation", map[string]any{"delivery_id": float64(42), "status": "lost"}},
		{"missing required", map[string]any{"status": "delivered"}},
		{"wrong type", map[string]any{"delivery_id": "forty-two", "status": "delivered"}},
		{"unknown field", map[string]any{"delivery_id": float64(1), "status": "delivered", "driver_id": float64(9)}},
		{"too long", map[string]any{"delivery_id": float64(1), "status": "delivered", "note": "this note is far too long"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h(context.Background(), agent.ActorContext{}, tt.args)
			require.Error(t, err)
			assert.Equal(t, agent.KindValidation, agent.KindOf(err))
		})
	}
}
