// Copyright (C) 2025 Swarmgate Labs (dev@swarmgate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package governance

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmgate/swarmgate/services/datatypes"
	"github.com/swarmgate/swarmgate/services/memory"
	"github.com/swarmgate/swarmgate/services/store"
)

// fakeCosts is a scripted CostStore.
type fakeCosts struct {
	total, limit float64
	kill         bool
	err          error
}

func (f *fakeCosts) CostToday(context.Context, float64) (float64, float64, bool, error) {
	return f.total, f.limit, f.kill, f.err
}

// fakeSearcher returns a scripted similarity hit.
type fakeSearcher struct {
	hits []memory.SearchResult
	err  error
}

func (f *fakeSearcher) Search(context.Context, string, string, int, float64) ([]memory.SearchResult, error) {
	return f.hits, f.err
}

func (f *fakeSearcher) Store(context.Context, string, string, string, map[string]any) error {
	return nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func hit(score float64, rec datatypes.Recommendation, certainty float64) memory.SearchResult {
	return memory.SearchResult{
		Content:  "similar prompt",
		Metadata: map[string]any{"score": score, "recommendation": string(rec)},
		Score:    certainty,
	}
}

func TestAntiLoopForcesBlockOnThirdSubmission(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	prompt := "refactoriza todo el código"

	for i := 0; i < 2; i++ {
		require.NoError(t, st.InsertAuditRecord(ctx, &datatypes.AuditRecord{
			ID:             uuid.NewString(),
			Prompt:         prompt,
			Score:          5,
			Recommendation: datatypes.RecommendRetry,
		}))
	}

	// The searcher would say PROCEED; anti-loop must win regardless.
	g := New(&fakeCosts{limit: 100}, st, &fakeSearcher{hits: []memory.SearchResult{
		hit(9, datatypes.RecommendProceed, 0.99),
	}}, NewRecorder(st, nil, nil), Config{DefaultDailyLimitUSD: 100}, nil)

	v := g.Evaluate(ctx, prompt)
	assert.False(t, v.Allowed)
	assert.Equal(t, datatypes.RecommendBlock, v.Flow)
	assert.Contains(t, v.Reason, "anti-loop")

	// The block itself is audited.
	n, err := st.CountRetryRecommendations(ctx, prompt)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "a BLOCK verdict must not add RETRY records")
}

func TestKillSwitchBlocks(t *testing.T) {
	st := newTestStore(t)
	g := New(&fakeCosts{limit: 100, kill: true}, st, nil, nil, Config{}, nil)
	v := g.Evaluate(context.Background(), "anything")
	assert.False(t, v.Allowed)
	assert.Contains(t, v.Reason, "kill switch")
}

func TestCostCeilingBlocks(t *testing.T) {
	st := newTestStore(t)
	g := New(&fakeCosts{total: 100, limit: 100}, st, nil, nil, Config{}, nil)
	v := g.Evaluate(context.Background(), "anything")
	assert.False(t, v.Allowed)
	assert.Contains(t, v.Reason, "ceiling")
}

func TestCostStoreFailureFailsOpen(t *testing.T) {
	st := newTestStore(t)
	g := New(&fakeCosts{err: errors.New("store down")}, st, nil, nil, Config{}, nil)
	v := g.Evaluate(context.Background(), "anything")
	assert.True(t, v.Allowed, "availability beats strict governance on store outage")
	assert.Equal(t, TierLite, v.Tier.Tier)
}

func TestLowPredictedScoreSelectsDeepTier(t *testing.T) {
	st := newTestStore(t)
	searcher := &fakeSearcher{hits: []memory.SearchResult{
		// 30 on the 0-100 scale normalizes to 3.0, under the deep
		// threshold.
		hit(30, datatypes.RecommendBlock, 0.93),
	}}
	g := New(&fakeCosts{limit: 1000}, st, searcher, nil, Config{}, nil)

	v := g.Evaluate(context.Background(), "short prompt")
	require.True(t, v.Allowed)
	assert.Equal(t, TierDeep, v.Tier.Tier)
	require.NotNil(t, v.Prediction)
	assert.InDelta(t, 3.0, v.Prediction.Score, 1e-9)
}

func TestDeepTierDisabledDemotesToStandard(t *testing.T) {
	st := newTestStore(t)
	searcher := &fakeSearcher{hits: []memory.SearchResult{
		hit(30, datatypes.RecommendBlock, 0.93),
	}}
	g := New(&fakeCosts{limit: 1000}, st, searcher, nil, Config{DeepTierDisabled: true}, nil)

	v := g.Evaluate(context.Background(), "short prompt")
	require.True(t, v.Allowed)
	assert.Equal(t, TierStandard, v.Tier.Tier)
}

func TestRetryPredictionSelectsStandardTier(t *testing.T) {
	st := newTestStore(t)
	searcher := &fakeSearcher{hits: []memory.SearchResult{
		hit(6.0, datatypes.RecommendRetry, 0.9),
	}}
	g := New(&fakeCosts{limit: 1000}, st, searcher, nil, Config{}, nil)

	v := g.Evaluate(context.Background(), "short prompt")
	require.True(t, v.Allowed)
	assert.Equal(t, TierStandard, v.Tier.Tier)
}

func TestLongPromptSelectsStandardTier(t *testing.T) {
	st := newTestStore(t)
	g := New(&fakeCosts{limit: 1000}, st, nil, nil, Config{}, nil)

	v := g.Evaluate(context.Background(), strings.Repeat("x", 951))
	require.True(t, v.Allowed)
	assert.Equal(t, TierStandard, v.Tier.Tier)
}

func TestHighScoreSimilarityIsAdvisoryOnly(t *testing.T) {
	st := newTestStore(t)
	searcher := &fakeSearcher{hits: []memory.SearchResult{
		hit(9.5, datatypes.RecommendProceed, 0.97),
	}}
	g := New(&fakeCosts{limit: 1000}, st, searcher, nil, Config{}, nil)

	v := g.Evaluate(context.Background(), "short prompt")
	require.True(t, v.Allowed)
	assert.Nil(t, v.Prediction)
	assert.True(t, v.SimilarConflict)
	assert.Equal(t, TierLite, v.Tier.Tier)
}

func TestSearcherFailureSkipsPrediction(t *testing.T) {
	st := newTestStore(t)
	g := New(&fakeCosts{limit: 1000}, st, &fakeSearcher{err: errors.New("vector store down")}, nil, Config{}, nil)
	v := g.Evaluate(context.Background(), "short prompt")
	assert.True(t, v.Allowed)
	assert.Nil(t, v.Prediction)
}

func TestPreExecutionBudgetGate(t *testing.T) {
	st := newTestStore(t)
	// Remaining budget is 0.001 USD; even the lite tier projection
	// exceeds it, so the task must be blocked before dispatch.
	g := New(&fakeCosts{total: 9.999, limit: 10}, st, nil, NewRecorder(st, nil, nil), Config{}, nil)

	v := g.Evaluate(context.Background(), "short prompt")
	assert.False(t, v.Allowed)
	assert.Contains(t, v.Reason, "projected")
}

func TestTier2RollingCap(t *testing.T) {
	st := newTestStore(t)
	g := New(&fakeCosts{limit: 1e9}, st, nil, nil, Config{}, nil)

	// Every submission is Tier-2 eligible (long prompt); the rolling cap
	// must keep any 100-decision window at or under 40% Tier 2.
	longPrompt := strings.Repeat("y", 1000)
	var decisions []Tier
	for i := 0; i < 350; i++ {
		v := g.Evaluate(context.Background(), longPrompt)
		require.True(t, v.Allowed)
		decisions = append(decisions, v.Tier.Tier)
	}

	for start := 0; start+tierWindowSize <= len(decisions); start++ {
		count := 0
		for _, d := range decisions[start : start+tierWindowSize] {
			if d == TierStandard {
				count++
			}
		}
		require.LessOrEqual(t, count, 40,
			"window starting at %d has %d Tier-2 decisions", start, count)
	}

	// The cap throttles, it does not starve: some Tier 2 still happens.
	total2 := 0
	for _, d := range decisions {
		if d == TierStandard {
			total2++
		}
	}
	assert.Greater(t, total2, 0)
}
