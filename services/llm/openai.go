// Copyright (C) 2025 Swarmgate Labs (dev@swarmgate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sashabaranov/go-openai"
)

// Client implements Reasoner against any OpenAI-compatible endpoint.
// Pointing baseURL at OpenRouter routes completions through its model
// marketplace with the same wire protocol.
type Client struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// NewClient creates a Reasoner. baseURL may be empty for api.openai.com.
func NewClient(apiKey, baseURL, model string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = openai.GPT4oMini
		logger.Warn("reasoner model not configured, defaulting", "model", model)
	}
	return &Client{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
		logger: logger.With(slog.String("component", "reasoner")),
	}
}

// buildRequest maps Params onto the wire request. Zero-valued params
// are omitted so the provider defaults apply.
func buildRequest(model, systemPrompt, userPrompt string, params Params) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
	}
	if params.Temperature > 0 {
		req.Temperature = params.Temperature
	}
	if params.MaxTokens > 0 {
		req.MaxCompletionTokens = params.MaxTokens
	}
	if params.JSONMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	return req
}

// Complete implements Reasoner.
func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt string, params Params) (string, error) {
	req := buildRequest(c.model, systemPrompt, userPrompt, params)

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		c.logger.Error("completion call failed", "model", c.model, "error", err)
		return "", fmt.Errorf("completion call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("reasoner returned no choices")
	}
	c.logger.Debug("completion received",
		"model", c.model,
		"finish_reason", resp.Choices[0].FinishReason,
		"total_tokens", resp.Usage.TotalTokens)
	return resp.Choices[0].Message.Content, nil
}
