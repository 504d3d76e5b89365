// Copyright (C) 2025 Swarmgate Labs (dev@swarmgate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package chaos

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureRecorder struct {
	runs map[string]bool
}

func (c *captureRecorder) RecordChaosRun(_ context.Context, scenario string, passed bool, _ string) error {
	if c.runs == nil {
		c.runs = map[string]bool{}
	}
	c.runs[scenario] = passed
	return nil
}

func TestEveryScenarioHoldsItsContract(t *testing.T) {
	rec := &captureRecorder{}
	e := New(rec, nil)

	results := e.RunAll(context.Background())
	require.Len(t, results, len(Scenarios()))
	for _, r := range results {
		assert.True(t, r.Passed, "%s: %s", r.Scenario, r.Report)
	}
	assert.Len(t, rec.runs, len(Scenarios()), "every run is persisted")
}

func TestUnknownScenarioIsRejected(t *testing.T) {
	e := New(nil, nil)
	_, err := e.Run(context.Background(), "meteor_strike")
	assert.Error(t, err)
}

func TestRunPersistsOutcome(t *testing.T) {
	rec := &captureRecorder{}
	e := New(rec, nil)

	res, err := e.Run(context.Background(), ScenarioQuotaExhaustion)
	require.NoError(t, err)
	assert.True(t, res.Passed, res.Report)
	assert.True(t, rec.runs[ScenarioQuotaExhaustion])
}
