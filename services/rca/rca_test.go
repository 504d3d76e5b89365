// Copyright (C) 2025 Swarmgate Labs (dev@swarmgate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rca

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmgate/swarmgate/services/llm"
	"github.com/swarmgate/swarmgate/services/memory"
)

type fakeReasoner struct {
	answer     string
	err        error
	lastPrompt string
}

func (f *fakeReasoner) Complete(_ context.Context, _ string, userPrompt string, _ llm.Params) (string, error) {
	f.lastPrompt = userPrompt
	return f.answer, f.err
}

type fakeMemory struct {
	hits      []memory.SearchResult
	searchErr error
	stored    map[string]string
}

func (f *fakeMemory) Search(context.Context, string, string, int, float64) ([]memory.SearchResult, error) {
	return f.hits, f.searchErr
}

func (f *fakeMemory) Store(_ context.Context, _ string, id, text string, _ map[string]any) error {
	if f.stored == nil {
		f.stored = map[string]string{}
	}
	f.stored[id] = text
	return nil
}

func TestAnalyzeUsesReasonerAndPersists(t *testing.T) {
	mem := &fakeMemory{hits: []memory.SearchResult{
		{Content: "ROOT CAUSE: expired token", Score: 0.91},
	}}
	reasoner := &fakeReasoner{answer: "ROOT CAUSE: auth token expired mid-session.\nFIX: rotate credentials."}
	e := New(reasoner, mem, nil)

	d := e.Analyze(context.Background(), "401 unauthorized after 20 minutes", "implement parser", 2, "sw-1234")
	assert.Contains(t, d, "auth token expired")

	// History made it into the reasoning prompt.
	assert.Contains(t, reasoner.lastPrompt, "SIMILAR PAST FAILURES")
	assert.Contains(t, reasoner.lastPrompt, "expired token")

	// The diagnosis was written back for future retrieval.
	require.Len(t, mem.stored, 1)
	for _, text := range mem.stored {
		assert.Equal(t, d, text)
	}
}

func TestDegradedDiagnosisClassifiesTimeout(t *testing.T) {
	e := New(&fakeReasoner{err: errors.New("model overloaded")}, nil, nil)

	d := e.Analyze(context.Background(), "session poll timed out after 15m", "task", 1, "sw-1")
	assert.True(t, strings.HasPrefix(d, "TIMEOUT:"), d)
}

func TestDegradedDiagnosisDefaultsToInfraError(t *testing.T) {
	e := New(&fakeReasoner{err: errors.New("model overloaded")}, nil, nil)

	d := e.Analyze(context.Background(), "connection refused", "task", 1, "sw-1")
	assert.True(t, strings.HasPrefix(d, "INFRA_ERROR:"), d)
}

func TestDegradedDiagnosisIsPersistedToo(t *testing.T) {
	mem := &fakeMemory{}
	e := New(&fakeReasoner{err: errors.New("down")}, mem, nil)

	e.Analyze(context.Background(), "deadline exceeded", "task", 1, "sw-1")
	require.Len(t, mem.stored, 1)
	for _, text := range mem.stored {
		assert.Contains(t, text, "TIMEOUT")
	}
}

func TestHistoryLookupFailureDegradesToEmptyContext(t *testing.T) {
	mem := &fakeMemory{searchErr: errors.New("vector store down")}
	reasoner := &fakeReasoner{answer: "ROOT CAUSE: x"}
	e := New(reasoner, mem, nil)

	d := e.Analyze(context.Background(), "some error", "task", 1, "sw-1")
	assert.Equal(t, "ROOT CAUSE: x", d)
	assert.NotContains(t, reasoner.lastPrompt, "SIMILAR PAST FAILURES")
}

func TestNilReasonerSynthesizes(t *testing.T) {
	e := New(nil, nil, nil)
	d := e.Analyze(context.Background(), "weird failure", "task", 1, "sw-1")
	assert.NotEmpty(t, d)
}
