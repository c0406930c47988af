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
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"

	"github.com/AleutianAI/opsagent/services/agent"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Typed adapts a handler that takes a request struct into a Handler.
//
// Description:
//
//	Decodes the argument map into Req with mapstructure, reading field names
//	from `json` tags, then runs `validate` struct tags. Decode and validation
//	failures are returned as ValidationError so the model can correct its
//	arguments.
//
// Example:
//
//	type getOrderRequest struct {
//	    OrderID int64 `json:"order_id" validate:"required,gt=0"`
//	}
//	handler := registry.Typed(func(ctx context.Context, actor agent.ActorContext, req getOrderRequest) (registry.Output, error) {
//	    ...
//	})
func Typed[Req any](fn func(ctx context.Context, actor agent.ActorContext, req Req) (Output, error)) Handler {
	return func(ctx context.Context, actor agent.ActorContext, args map[string]any) (Output, error) {
		var req Req
		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			TagName:     "json",
			Result:      &req,
			ErrorUnused: true,
		})
		if err != nil {
			return Output{}, fmt.Errorf("registry: building decoder: %w", err)
		}
		if err := dec.Decode(args); err != nil {
			return Output{}, agent.ToolErrorf(agent.KindValidation, "invalid arguments: %v", err)
		}
		if err := validate.StructCtx(ctx, req); err != nil {
			return Output{}, agent.NewToolError(agent.KindValidation, err)
		}
		return fn(ctx, actor, req)
	}
}
