// Copyright (C) 2025 Swarmgate Labs (dev@swarmgate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llm wraps the reasoning collaborator used by the RCA engine
// and the single-shot fallback pipeline.
package llm

import "context"

// Params tunes one completion request. Zero values leave the provider
// defaults in place.
type Params struct {
	Temperature float32 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`

	// JSONMode constrains the response to a single JSON object.
	JSONMode bool `json:"json_mode"`
}

// Reasoner is the reasoning collaborator contract.
type Reasoner interface {
	// Complete returns the model response for a system/user prompt pair.
	Complete(ctx context.Context, systemPrompt, userPrompt string, params Params) (string, error)
}
