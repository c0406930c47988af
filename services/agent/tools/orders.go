// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"fmt"

	"github.com/AleutianAI/opsagent/services/agent"
	"github.com/AleutianAI/opsagent/services/agent/registry"
	"github.com/AleutianAI/opsagent/services/llm"
)

const orderColumns = "id, customer_id, supplier_id, driver_id, status, total_cents, created_at"

var orderStatuses = []any{"open", "late", "delivered", "cancelled"}

type getOrderRequest struct {
	OrderID int64 `json:"order_id" validate:"required,gt=0"`
}

func getOrderSpec(d Deps) registry.ToolSpec {
	return registry.ToolSpec{
		Name:        "get_order",
		Description: "Fetch one order by id. Returns no rows if the order does not exist or is not visible to the caller.",
		Parameters: llm.ToolParameters{
			Type: "object",
			Properties: map[string]llm.ToolParamDef{
				"order_id": {Type: "integer", Description: "The order id", Minimum: bound(1)},
			},
			Required:             []string{"order_id"},
			AdditionalProperties: closed(),
		},
		RequiredCapability: CapOrdersRead,
		Handler: registry.Typed(func(ctx context.Context, actor agent.ActorContext, req getOrderRequest) (registry.Output, error) {
			q := fmt.Sprintf("SELECT %s FROM orders WHERE id = %d", orderColumns, req.OrderID)
			return d.query(ctx, actor, q)
		}),
	}
}

type listOrdersRequest struct {
	Status string `json:"status,omitempty" validate:"omitempty,oneof=open late delivered cancelled"`
	Limit  int    `json:"limit,omitempty" validate:"gte=0,lte=100"`
}

func listOrdersSpec(d Deps) registry.ToolSpec {
	return registry.ToolSpec{
		Name:        "list_orders",
		Description: "List the most recent orders visible to the caller, optionally filtered by status.",
		Parameters: llm.ToolParameters{
			Type: "object",
			Properties: map[string]llm.ToolParamDef{
				"status": {Type: "string", Description: "Order status filter", Enum: orderStatuses},
				"limit":  {Type: "integer", Description: "Maximum orders to return (default 25)", Minimum: bound(1), Maximum: bound(100)},
			},
			AdditionalProperties: closed(),
		},
		RequiredCapability: CapOrdersRead,
		Handler: registry.Typed(func(ctx context.Context, actor agent.ActorContext, req listOrdersRequest) (registry.Output, error) {
			q := "SELECT " + orderColumns + " FROM orders"
			var args []any
			if req.Status != "" {
				q += " WHERE status = ?"
				args = append(args, req.Status)
			}
			q += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT %d", limitOr(req.Limit))
			return d.query(ctx, actor, q, args...)
		}),
	}
}
