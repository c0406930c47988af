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
	"fmt"
	"strings"
)

// ProviderConfig selects and configures one provider.
type ProviderConfig struct {
	// Provider is one of "openai", "anthropic", "gemini".
	Provider string

	// Model overrides the provider default model.
	Model string

	// BaseURL overrides the provider endpoint.
	BaseURL string

	// APIKey is the provider credential.
	APIKey string
}

// APIKeyEnv returns the environment variable that holds the provider's key.
func APIKeyEnv(provider string) string {
	switch strings.ToLower(provider) {
	case "openai":
		return "OPENAI_API_KEY"
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "gemini":
		return "GEMINI_API_KEY"
	default:
		return ""
	}
}

// NewClient builds the configured provider client.
//
// Outputs:
//   - ToolChatClient: The provider client, unguarded.
//   - error: Non-nil for an unknown provider or a missing key.
func NewClient(ctx context.Context, cfg ProviderConfig) (ToolChatClient, error) {
	var (
		client ToolChatClient
		err    error
	)
	switch strings.ToLower(cfg.Provider) {
	case "openai":
		client, err = NewOpenAIClient(cfg.APIKey, cfg.Model, cfg.BaseURL)
	case "anthropic":
		client, err = NewAnthropicClient(cfg.APIKey, cfg.Model, cfg.BaseURL)
	case "gemini":
		client, err = NewGeminiClient(ctx, cfg.APIKey, cfg.Model, cfg.BaseURL)
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return client, nil
}
