// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package executor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/AleutianAI/opsagent/services/agent"
	"github.com/AleutianAI/opsagent/services/agent/registry"
	"github.com/AleutianAI/opsagent/services/llm"
)

var driver = agent.ActorContext{ActorID: "7", Role: agent.RoleDriver}

func quietExecutor() *Executor {
	return New(WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func floatPtr(f float64) *float64 { return &f }
func intPtr(i int) *int           { return &i }
func boolPtr(b bool) *bool        { return &b }

func deliverySpec(h registry.Handler) registry.ToolSpec {
	return registry.ToolSpec{
		Name:        "update_delivery_status",
		Description: "Update a delivery",
		Parameters: llm.ToolParameters{
			Type: "object",
			Properties: map[string]llm.ToolParamDef{
				"delivery_id": {Type: "integer", Minimum: floatPtr(1)},
				"status":      {Type: "string", Enum: []any{"picked_up", "en_route", "delivered"}},
				"note":        {Type: "string", MaxLength: intPtr(10)},
				"notify":      {Type: "boolean"},
			},
			Required:             []string{"delivery_id", "status"},
			AdditionalProperties: boolPtr(false),
		},
		RequiredCapability: "deliveries:write",
		Handler:            h,
	}
}

func invocation(args string) agent.ToolInvocationRequest {
	return agent.ToolInvocationRequest{
		ToolName:     "update_delivery_status",
		RawArguments: json.RawMessage(args),
		RequestID:    "call-1",
	}
}

func TestExecute_Success(t *testing.T) {
	var gotActor agent.ActorContext
	var gotArgs map[string]any
	spec := deliverySpec(func(_ context.Context, actor agent.ActorContext, args map[string]any) (registry.Output, error) {
		gotActor, gotArgs = actor, args
		return registry.Output{Payload: map[string]any{"updated": true}, RowsAffected: registry.Rows(1)}, nil
	})

	res := quietExecutor().Execute(context.Background(), spec, invocation(`{"delivery_id":42,"status":"delivered","note":null}`), driver, time.Second)

	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.RequestID != "call-1" || res.ToolName != "update_delivery_status" {
		t.Errorf("result identity = %q/%q", res.RequestID, res.ToolName)
	}
	if res.RowsAffected == nil || *res.RowsAffected != 1 {
		t.Errorf("RowsAffected = %v", res.RowsAffected)
	}
	if gotActor != driver {
		t.Errorf("actor = %+v", gotActor)
	}
	if _, ok := gotArgs["note"]; ok {
		t.Error("null arguments must be dropped before the handler runs")
	}
}

func TestExecute_ValidationErrors(t *testing.T) {
	called := false
	spec := deliverySpec(func(context.Context, agent.ActorContext, map[string]any) (registry.Output, error) {
		called = true
		return registry.Output{}, nil
	})

	tests := []struct {
		name    string
		args    string
		wantErr string
	}{
		{"not json", `{"delivery_id":`, "arguments must be a JSON object"},
		{"array", `[1,2]`, "arguments must be a JSON object"},
		{"missing required", `{"delivery_id":1}`, `missing required parameter "status"`},
		{"unknown parameter", `{"delivery_id":1,"status":"delivered","driver_id":9}`, `unknown parameter "driver_id"`},
		{"fractional integer", `{"delivery_id":1.5,"status":"delivered"}`, `parameter "delivery_id" must be integer`},
		{"string for integer", `{"delivery_id":"1","status":"delivered"}`, "got string"},
		{"below minimum", `{"delivery_id":0,"status":"delivered"}`, "must be >= 1"},
		{"not in enum", `{"delivery_id":1,"status":"lost"}`, "must be one of"},
		{"too long", `{"delivery_id":1,"status":"delivered","note":"far too long note"}`, "exceeds 10 characters"},
		{"wrong boolean", `{"delivery_id":1,"status":"delivered","notify":"yes"}`, "must be boolean"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := quietExecutor().Execute(context.Background(), spec, invocation(tt.args), driver, time.Second)
			if res.Success || res.ErrorKind != agent.KindValidation {
				t.Fatalf("expected ValidationError, got %+v", res)
			}
			if !strings.Contains(res.Error, tt.wantErr) {
				t.Errorf("Error = %q, want substring %q", res.Error, tt.wantErr)
			}
		})
	}
	if called {
		t.Error("handler must not run when validation fails")
	}
}

func TestExecute_StringEncodedArguments(t *testing.T) {
	spec := deliverySpec(func(_ context.Context, _ agent.ActorContext, args map[string]any) (registry.Output, error) {
		return registry.Output{Payload: args["status"]}, nil
	})

	res := quietExecutor().Execute(context.Background(), spec,
		invocation(`"{\"delivery_id\":3,\"status\":\"en_route\"}"`), driver, time.Second)
	if !res.Success || res.Payload != "en_route" {
		t.Errorf("result = %+v", res)
	}
}

func TestExecute_Timeout(t *testing.T) {
	spec := deliverySpec(func(ctx context.Context, _ agent.ActorContext, _ map[string]any) (registry.Output, error) {
		<-ctx.Done()
		return registry.Output{}, ctx.Err()
	})

	start := time.Now()
	res := quietExecutor().Execute(context.Background(), spec, invocation(`{"delivery_id":1,"status":"delivered"}`), driver, 20*time.Millisecond)

	if res.ErrorKind != agent.KindTimeout || !res.ErrorKind.Retryable() {
		t.Fatalf("expected Timeout, got %+v", res)
	}
	if time.Since(start) > time.Second {
		t.Error("executor did not honor the deadline")
	}
}

func TestExecute_HandlerIgnoringDeadline(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	spec := deliverySpec(func(context.Context, agent.ActorContext, map[string]any) (registry.Output, error) {
		<-release
		return registry.Output{}, nil
	})

	res := quietExecutor().Execute(context.Background(), spec, invocation(`{"delivery_id":1,"status":"delivered"}`), driver, 20*time.Millisecond)
	if res.ErrorKind != agent.KindTimeout {
		t.Fatalf("expected Timeout, got %+v", res)
	}
}

func TestExecute_CallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	spec := deliverySpec(func(ctx context.Context, _ agent.ActorContext, _ map[string]any) (registry.Output, error) {
		cancel()
		<-ctx.Done()
		return registry.Output{}, ctx.Err()
	})

	res := quietExecutor().Execute(ctx, spec, invocation(`{"delivery_id":1,"status":"delivered"}`), driver, time.Second)
	if res.ErrorKind != agent.KindCancelled {
		t.Fatalf("expected Cancelled, got %+v", res)
	}
}

func TestExecute_PanicIsRecovered(t *testing.T) {
	spec := deliverySpec(func(context.Context, agent.ActorContext, map[string]any) (registry.Output, error) {
		var m map[string]int
		m["boom"]++
		return registry.Output{}, nil
	})

	res := quietExecutor().Execute(context.Background(), spec, invocation(`{"delivery_id":1,"status":"delivered"}`), driver, time.Second)
	if res.Success || res.ErrorKind != agent.KindUpstream {
		t.Fatalf("expected UpstreamFailure, got %+v", res)
	}
	if strings.Contains(res.Error, "nil map") {
		t.Errorf("panic detail must not reach the model: %q", res.Error)
	}
}

func TestExecute_HandlerErrorKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want agent.ErrorKind
	}{
		{"unauthorized", agent.ToolErrorf(agent.KindUnauthorized, "table users is not permitted"), agent.KindUnauthorized},
		{"unsafe", agent.NewToolError(agent.KindUnsafeQuery, errors.New("unsafe construct: DROP")), agent.KindUnsafeQuery},
		{"plain", errors.New("database is locked"), agent.KindUpstream},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := deliverySpec(func(context.Context, agent.ActorContext, map[string]any) (registry.Output, error) {
				return registry.Output{}, tt.err
			})
			res := quietExecutor().Execute(context.Background(), spec, invocation(`{"delivery_id":1,"status":"delivered"}`), driver, time.Second)
			if res.ErrorKind != tt.want || res.Error != tt.err.Error() {
				t.Errorf("result = %+v, want kind %s", res, tt.want)
			}
		})
	}
}

func TestExecute_RecordsSpan(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	defer otel.SetTracerProvider(prev)

	spec := deliverySpec(func(context.Context, agent.ActorContext, map[string]any) (registry.Output, error) {
		return registry.Output{}, errors.New("database is locked")
	})
	quietExecutor().Execute(context.Background(), spec, invocation(`{"delivery_id":1,"status":"delivered"}`), driver, time.Second)

	spans := sr.Ended()
	if len(spans) != 1 {
		t.Fatalf("len(spans) = %d, want 1", len(spans))
	}
	if spans[0].Name() != "executor.Executor.Execute" || spans[0].Status().Code != codes.Error {
		t.Errorf("span = %s status %v", spans[0].Name(), spans[0].Status())
	}
}

func TestNew_NilLoggerKeepsDefault(t *testing.T) {
	e := New(WithLogger(nil))
	if e.logger == nil {
		t.Fatal("WithLogger(nil) cleared the logger")
	}

	spec := deliverySpec(func(context.Context, agent.ActorContext, map[string]any) (registry.Output, error) {
		panic("boom")
	})
	res := e.Execute(context.Background(), spec, invocation(`{"delivery_id":1,"status":"delivered"}`), driver, time.Second)
	if res.Success || res.ErrorKind != agent.KindUpstream {
		t.Errorf("result = %+v", res)
	}
}
