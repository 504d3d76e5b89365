// Copyright (C) 2025 Swarmgate Labs (dev@swarmgate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/swarmgate/swarmgate/pkg/fault"
)

func TestValidateVectorEnforcesDimension(t *testing.T) {
	assert.NoError(t, ValidateVector(make([]float32, VectorDimension)))

	err := ValidateVector(make([]float32, 768))
	require.Error(t, err)
	var cv *fault.ContractViolation
	assert.ErrorAs(t, err, &cv)
}

func TestDeterministicIDIsStable(t *testing.T) {
	a := DeterministicID("audit:refactor-123")
	b := DeterministicID("audit:refactor-123")
	c := DeterministicID("audit:refactor-124")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestParseSearchResults(t *testing.T) {
	resp := &models.GraphQLResponse{
		Data: map[string]models.JSONObject{
			"Get": map[string]any{
				CollectionAudits: []any{
					map[string]any{
						"content": "refactor the parser",
						"payload": `{"score": 3.5, "recommendation": "RETRY"}`,
						"_additional": map[string]any{
							"certainty": 0.91,
						},
					},
					// Malformed entry must be skipped, not fatal.
					"not-an-object",
				},
			},
		},
	}

	results := ParseSearchResults(resp, CollectionAudits)
	require.Len(t, results, 1)
	assert.Equal(t, "refactor the parser", results[0].Content)
	assert.InDelta(t, 0.91, results[0].Score, 1e-9)
	assert.Equal(t, "RETRY", results[0].Metadata["recommendation"])
}

func TestParseSearchResultsEmptyResponse(t *testing.T) {
	resp := &models.GraphQLResponse{Data: map[string]models.JSONObject{}}
	assert.Nil(t, ParseSearchResults(resp, CollectionAudits))
}
