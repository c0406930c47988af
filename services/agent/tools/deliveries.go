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

var deliveryStatuses = []any{"assigned", "picked_up", "en_route", "delivered", "failed"}

type trackDeliveryRequest struct {
	DeliveryID int64 `json:"delivery_id,omitempty" validate:"required_without=OrderID,gte=0"`
	OrderID    int64 `json:"order_id,omitempty" validate:"required_without=DeliveryID,gte=0"`
}

func trackDeliverySpec(d Deps) registry.ToolSpec {
	return registry.ToolSpec{
		Name:        "track_delivery",
		Description: "Show the tracking state of a delivery, by delivery id or by order id.",
		Parameters: llm.ToolParameters{
			Type: "object",
			Properties: map[string]llm.ToolParamDef{
				"delivery_id": {Type: "integer", Description: "The delivery id", Minimum: bound(1)},
				"order_id":    {Type: "integer", Description: "The order the delivery belongs to", Minimum: bound(1)},
			},
			AdditionalProperties: closed(),
		},
		RequiredCapability: CapDeliveriesRead,
		Handler: registry.Typed(func(ctx context.Context, actor agent.ActorContext, req trackDeliveryRequest) (registry.Output, error) {
			q := fmt.Sprintf("SELECT * FROM delivery_tracking WHERE id = %d", req.DeliveryID)
			if req.DeliveryID == 0 {
				q = fmt.Sprintf("SELECT * FROM delivery_tracking WHERE order_id = %d", req.OrderID)
			}
			return d.query(ctx, actor, q)
		}),
	}
}

type updateDeliveryStatusRequest struct {
	DeliveryID int64    `json:"delivery_id" validate:"required,gt=0"`
	Status     string   `json:"status" validate:"required,oneof=assigned picked_up en_route delivered failed"`
	Latitude   *float64 `json:"latitude,omitempty" validate:"omitempty,gte=-90,lte=90"`
	Longitude  *float64 `json:"longitude,omitempty" validate:"omitempty,gte=-180,lte=180"`
}

type updatePayload struct {
	Updated    bool   `json:"updated"`
	DeliveryID int64  `json:"deliveryId"`
	Status     string `json:"status"`
}

func updateDeliveryStatusSpec(d Deps) registry.ToolSpec {
	return registry.ToolSpec{
		Name:        "update_delivery_status",
		Description: "Set the status, and optionally the position, of a delivery assigned to the caller.",
		Parameters: llm.ToolParameters{
			Type: "object",
			Properties: map[string]llm.ToolParamDef{
				"delivery_id": {Type: "integer", Description: "The delivery id", Minimum: bound(1)},
				"status":      {Type: "string", Description: "New status", Enum: deliveryStatuses},
				"latitude":    {Type: "number", Description: "Current latitude", Minimum: bound(-90), Maximum: bound(90)},
				"longitude":   {Type: "number", Description: "Current longitude", Minimum: bound(-180), Maximum: bound(180)},
			},
			Required:             []string{"delivery_id", "status"},
			AdditionalProperties: closed(),
		},
		RequiredCapability: CapDeliveryWrite,
		Handler: registry.Typed(func(ctx context.Context, actor agent.ActorContext, req updateDeliveryStatusRequest) (registry.Output, error) {
			q := "UPDATE delivery_tracking SET status = ?, updated_at = CURRENT_TIMESTAMP"
			args := []any{req.Status}
			if req.Latitude != nil && req.Longitude != nil {
				q += ", latitude = ?, longitude = ?"
				args = append(args, *req.Latitude, *req.Longitude)
			}
			q += fmt.Sprintf(" WHERE id = %d", req.DeliveryID)

			res, err := d.execute(ctx, actor, q, args...)
			if err != nil {
				return registry.Output{}, err
			}
			return registry.Output{
				Payload:      updatePayload{Updated: res.Changes > 0, DeliveryID: req.DeliveryID, Status: req.Status},
				RowsAffected: registry.Rows(res.Changes),
			}, nil
		}),
	}
}
