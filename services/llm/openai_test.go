// Copyright (C) 2025 Swarmgate Labs (dev@swarmgate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildRequestMapsParams(t *testing.T) {
	req := buildRequest("test-model", "sys", "user", Params{
		Temperature: 0.3,
		MaxTokens:   4000,
		JSONMode:    true,
	})

	assert.Equal(t, "test-model", req.Model)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, req.Messages[0].Role)
	assert.Equal(t, "sys", req.Messages[0].Content)
	assert.Equal(t, "user", req.Messages[1].Content)
	assert.InDelta(t, 0.3, req.Temperature, 1e-6)
	assert.Equal(t, 4000, req.MaxCompletionTokens)
	require.NotNil(t, req.ResponseFormat)
	assert.Equal(t, openai.ChatCompletionResponseFormatTypeJSONObject, req.ResponseFormat.Type)
}

func TestBuildRequestZeroParamsKeepProviderDefaults(t *testing.T) {
	req := buildRequest("test-model", "sys", "user", Params{})

	assert.Zero(t, req.Temperature)
	assert.Zero(t, req.MaxCompletionTokens)
	assert.Nil(t, req.ResponseFormat)
}
