// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.0-flash"

// GeminiAPI is the subset of the genai SDK used by GeminiClient. The SDK's
// *genai.Models satisfies it; tests substitute a fake.
type GeminiAPI interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content,
		config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiClient implements ToolChatClient on the Gemini API through the genai SDK.
//
// Description:
//
//	Gemini function calls may arrive without ids; synthetic ids of the form
//	"gemini-call-N" are assigned so tool results can be matched back. Tool
//	results are sent as functionResponse parts carrying the tool name.
//
// Thread Safety: GeminiClient is safe for concurrent use.
type GeminiClient struct {
	api   GeminiAPI
	model string
}

// NewGeminiClient creates a GeminiClient backed by the genai SDK.
//
// Inputs:
//   - ctx: Context for SDK client construction.
//   - apiKey: The Gemini API key. Required.
//   - model: The model name. Defaults to gemini-2.0-flash when empty.
//   - baseURL: Optional endpoint override.
//
// Outputs:
//   - *GeminiClient: The configured client.
//   - error: Non-nil if apiKey is empty or the SDK client cannot be built.
func NewGeminiClient(ctx context.Context, apiKey, model, baseURL string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: API key is missing (GEMINI_API_KEY)")
	}
	cfg := &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: creating client: %s", SafeLogString(err.Error()))
	}
	return NewGeminiClientWithAPI(client.Models, model), nil
}

// NewGeminiClientWithAPI creates a GeminiClient over an explicit API.
func NewGeminiClientWithAPI(api GeminiAPI, model string) *GeminiClient {
	if model == "" {
		model = defaultGeminiModel
		slog.Info("Gemini model not set, using default", slog.String("model", model))
	}
	return &GeminiClient{api: api, model: model}
}

// Name implements ToolChatClient.
func (g *GeminiClient) Name() string { return "gemini" }

// Model implements ToolChatClient.
func (g *GeminiClient) Model() string { return g.model }

// ChatWithTools sends a chat request with tool definitions and returns tool calls.
//
// Inputs:
//   - ctx: Context for cancellation and timeout.
//   - messages: Conversation history with tool metadata.
//   - params: Generation parameters.
//   - tools: Tool definitions for function calling.
//
// Outputs:
//   - *ChatWithToolsResult: Content and/or tool calls.
//   - error: *StatusError for API errors, ErrNoChoices for empty responses.
//
// Thread Safety: This method is safe for concurrent use.
func (g *GeminiClient) ChatWithTools(ctx context.Context, messages []ChatMessage,
	params GenerationParams, tools []ToolDef) (*ChatWithToolsResult, error) {

	model := g.model
	if params.ModelOverride != "" {
		model = params.ModelOverride
	}

	slog.Debug("ChatWithTools via Gemini",
		slog.String("model", model),
		slog.Int("messages", len(messages)),
		slog.Int("tools", len(tools)),
	)

	contents, system, err := toGeminiContents(messages)
	if err != nil {
		return nil, err
	}
	config := toGeminiConfig(params)
	config.SystemInstruction = system
	config.Tools = toGeminiTools(tools)

	resp, err := g.api.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, mapGeminiError(err)
	}
	return fromGeminiResponse(resp)
}

// toGeminiContents converts the transcript. Consecutive tool results are
// merged into one user content, as the API expects one turn per response.
func toGeminiContents(messages []ChatMessage) ([]*genai.Content, *genai.Content, error) {
	var (
		contents []*genai.Content
		system   *genai.Content
	)

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			system = &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(msg.Content)}}

		case "assistant":
			var parts []*genai.Part
			if msg.Content != "" {
				parts = append(parts, genai.NewPartFromText(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var args map[string]any
				if raw := tc.ArgumentsString(); raw != "" {
					if err := json.Unmarshal([]byte(raw), &args); err != nil {
						return nil, nil, fmt.Errorf("gemini: tool call %s arguments: %w", tc.ID, err)
					}
				}
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args}})
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: parts})
			}

		case "tool":
			part := &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       msg.ToolCallID,
				Name:     msg.ToolName,
				Response: map[string]any{"output": msg.Content},
			}}
			if n := len(contents); n > 0 && isFunctionResponseTurn(contents[n-1]) {
				contents[n-1].Parts = append(contents[n-1].Parts, part)
				continue
			}
			contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{part}})

		default:
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		}
	}
	return contents, system, nil
}

func isFunctionResponseTurn(c *genai.Content) bool {
	return c.Role == genai.RoleUser && len(c.Parts) > 0 && c.Parts[0].FunctionResponse != nil
}

func toGeminiConfig(params GenerationParams) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		Temperature:   params.Temperature,
		TopP:          params.TopP,
		StopSequences: params.Stop,
	}
	if params.TopK != nil {
		topK := float32(*params.TopK)
		cfg.TopK = &topK
	}
	if params.MaxTokens != nil {
		cfg.MaxOutputTokens = int32(*params.MaxTokens)
	}
	return cfg
}

func toGeminiTools(tools []ToolDef) []*genai.Tool {
	if len(tools) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, td := range tools {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        td.Function.Name,
			Description: td.Function.Description,
			Parameters:  toGeminiSchema(td.Function.Parameters),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func toGeminiSchema(params ToolParameters) *genai.Schema {
	schema := &genai.Schema{Type: genai.TypeObject, Required: params.Required}
	if len(params.Properties) == 0 {
		return schema
	}
	schema.Properties = make(map[string]*genai.Schema, len(params.Properties))
	for name, prop := range params.Properties {
		s := &genai.Schema{
			Type:        toGeminiType(prop.Type),
			Description: prop.Description,
			Minimum:     prop.Minimum,
			Maximum:     prop.Maximum,
		}
		if prop.MaxLength != nil {
			n := int64(*prop.MaxLength)
			s.MaxLength = &n
		}
		for _, e := range prop.Enum {
			s.Enum = append(s.Enum, fmt.Sprint(e))
		}
		schema.Properties[name] = s
	}
	return schema
}

func toGeminiType(typeStr string) genai.Type {
	switch typeStr {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeString
	}
}

func fromGeminiResponse(resp *genai.GenerateContentResponse) (*ChatWithToolsResult, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("gemini: %w", ErrNoChoices)
	}

	result := &ChatWithToolsResult{}
	var text strings.Builder
	callIndex := 0
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil {
			continue
		}
		if part.Text != "" && !part.Thought {
			text.WriteString(part.Text)
		}
		if fc := part.FunctionCall; fc != nil {
			id := fc.ID
			if id == "" {
				id = fmt.Sprintf("gemini-call-%d", callIndex)
			}
			args, err := json.Marshal(fc.Args)
			if err != nil || fc.Args == nil {
				args = []byte(`{}`)
			}
			result.ToolCalls = append(result.ToolCalls, ToolCallResponse{ID: id, Name: fc.Name, Arguments: args})
			callIndex++
		}
	}

	result.Content = text.String()
	result.StopReason = stopReasonFor(result.ToolCalls)
	if u := resp.UsageMetadata; u != nil {
		result.Usage = Usage{InputTokens: int(u.PromptTokenCount), OutputTokens: int(u.CandidatesTokenCount)}
	}
	return result, nil
}

// mapGeminiError converts SDK API errors into StatusError with a redacted body.
func mapGeminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &StatusError{Provider: "gemini", StatusCode: apiErr.Code, Body: SafeLogString(apiErr.Message)}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return &StatusError{Provider: "gemini", StatusCode: apiErrPtr.Code, Body: SafeLogString(apiErrPtr.Message)}
	}
	return fmt.Errorf("gemini: request failed: %w", err)
}
