// Copyright (C) 2025 Swarmgate Labs (dev@swarmgate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package swarm

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmgate/swarmgate/services/canary"
	"github.com/swarmgate/swarmgate/services/datatypes"
	"github.com/swarmgate/swarmgate/services/governance"
	"github.com/swarmgate/swarmgate/services/llm"
	"github.com/swarmgate/swarmgate/services/orchestrator/observability"
	"github.com/swarmgate/swarmgate/services/queue"
	"github.com/swarmgate/swarmgate/services/store"
)

// scriptedRunner completes or fails tasks per the fail set, recording
// execution order.
type scriptedRunner struct {
	board Board
	fail  map[string]bool

	mu       sync.Mutex
	executed []string
}

func (r *scriptedRunner) ExecuteTask(ctx context.Context, task datatypes.Task) error {
	r.mu.Lock()
	r.executed = append(r.executed, task.TaskID)
	r.mu.Unlock()

	if r.fail[task.TaskID] {
		_ = r.board.UpdateTaskStatus(ctx, task.SwarmID, task.TaskID,
			datatypes.TaskFailed, datatypes.TaskUpdate{Error: "scripted failure"})
		return fmt.Errorf("task %s failed", task.TaskID)
	}
	return r.board.UpdateTaskStatus(ctx, task.SwarmID, task.TaskID,
		datatypes.TaskCompleted, datatypes.TaskUpdate{Result: "ok"})
}

type scriptedReasoner struct {
	reply string
	err   error
	calls int
}

func (r *scriptedReasoner) Complete(context.Context, string, string, llm.Params) (string, error) {
	r.calls++
	return r.reply, r.err
}

func seedSwarm(t *testing.T, board *queue.Queue) string {
	t.Helper()
	ctx := context.Background()
	id, err := board.CreateSwarm(ctx, "ship the feature", 10, datatypes.Analysis{
		Phases: []datatypes.Phase{
			{Order: 1, Tasks: []datatypes.PlannedTask{{ID: "t1", Role: "ARCHITECT", Prompt: "a"}}},
			{Order: 2, Tasks: []datatypes.PlannedTask{{ID: "t2", Role: "CODER", Prompt: "b", DependsOn: []string{"t1"}}}},
		},
	})
	require.NoError(t, err)
	_, err = board.ApproveSwarm(ctx, id, nil)
	require.NoError(t, err)
	return id
}

func newBoardWithStore(t *testing.T) (*queue.Queue, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return queue.New(st, queue.NewMemoryStore(), nil), st
}

func TestRunSwarmDrainsGraphInOrder(t *testing.T) {
	board, _ := newBoardWithStore(t)
	id := seedSwarm(t, board)
	runner := &scriptedRunner{board: board}
	o := NewOrchestrator(board, runner, nil, nil, nil, nil, nil)

	require.NoError(t, o.RunSwarm(context.Background(), id))
	assert.Equal(t, []string{"t1", "t2"}, runner.executed)

	sw, err := board.GetSwarm(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, datatypes.SwarmCompleted, sw.Status)
}

func TestSequenceRetriesThenSingleShotFallback(t *testing.T) {
	board, st := newBoardWithStore(t)
	id := seedSwarm(t, board)
	runner := &scriptedRunner{board: board, fail: map[string]bool{"t1": true}}
	reasoner := &scriptedReasoner{reply: `{"output":"full deliverable","score":85,"missed":[]}`}
	recorder := governance.NewRecorder(st, nil, nil)
	o := NewOrchestrator(board, runner, reasoner, recorder, nil, nil, nil)

	require.NoError(t, o.RunSwarm(context.Background(), id))

	// Initial run plus two sequence retries, each reaching only t1.
	assert.Equal(t, []string{"t1", "t1", "t1"}, runner.executed)
	assert.Equal(t, 1, reasoner.calls)

	sw, err := board.GetSwarm(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, datatypes.SwarmCompleted, sw.Status, "score 8.5 clears the completion floor")
}

func TestSingleShotLowScoreLandsInNeedsRevision(t *testing.T) {
	board, _ := newBoardWithStore(t)
	id := seedSwarm(t, board)
	runner := &scriptedRunner{board: board, fail: map[string]bool{"t1": true}}
	reasoner := &scriptedReasoner{reply: `{"output":"partial","score":40,"missed":["tests"]}`}
	o := NewOrchestrator(board, runner, reasoner, nil, nil, nil, nil)

	require.NoError(t, o.RunSwarm(context.Background(), id))
	sw, err := board.GetSwarm(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, datatypes.SwarmNeedsRevision, sw.Status)
}

func TestMalformedFallbackOutputEscalatesToManualFix(t *testing.T) {
	board, st := newBoardWithStore(t)
	id := seedSwarm(t, board)
	runner := &scriptedRunner{board: board, fail: map[string]bool{"t1": true}}
	reasoner := &scriptedReasoner{reply: "sorry, here is prose instead of JSON"}
	recorder := governance.NewRecorder(st, nil, nil)
	o := NewOrchestrator(board, runner, reasoner, recorder, nil, nil, nil)

	require.NoError(t, o.RunSwarm(context.Background(), id))

	sw, err := board.GetSwarm(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, datatypes.SwarmManualFix, sw.Status)
	assert.Zero(t, recorder.PendingCount(), "the fixed review record reaches the store")
}

func TestNoFallbackConfiguredEscalatesDirectly(t *testing.T) {
	board, _ := newBoardWithStore(t)
	id := seedSwarm(t, board)
	runner := &scriptedRunner{board: board, fail: map[string]bool{"t1": true}}
	o := NewOrchestrator(board, runner, nil, nil, nil, nil, nil)

	require.NoError(t, o.RunSwarm(context.Background(), id))
	sw, err := board.GetSwarm(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, datatypes.SwarmManualFix, sw.Status)
}

func TestSiblingFailureDoesNotAbortPhaseSiblings(t *testing.T) {
	board, _ := newBoardWithStore(t)
	ctx := context.Background()
	id, err := board.CreateSwarm(ctx, "p", 10, datatypes.Analysis{
		Phases: []datatypes.Phase{{Order: 1, Tasks: []datatypes.PlannedTask{
			{ID: "a", Role: "CODER", Prompt: "a"},
			{ID: "b", Role: "CODER", Prompt: "b"},
			{ID: "c", Role: "CODER", Prompt: "c"},
		}}},
	})
	require.NoError(t, err)
	_, err = board.ApproveSwarm(ctx, id, nil)
	require.NoError(t, err)

	runner := &scriptedRunner{board: board, fail: map[string]bool{"b": true}}
	o := NewOrchestrator(board, runner, nil, nil, nil, nil, nil)

	err = o.runSequence(ctx, id)
	require.Error(t, err)

	// All three siblings ran despite b failing.
	assert.Len(t, runner.executed, 3)
	progress, err := board.GetSwarmProgress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, progress.Counts[datatypes.TaskCompleted])
	assert.Equal(t, 1, progress.Counts[datatypes.TaskFailed])
}

// staleListerFunc adapts a function to StaleLister.
type staleListerFunc func() []datatypes.Swarm

func (f staleListerFunc) ListStaleRunning(context.Context, time.Time) ([]datatypes.Swarm, error) {
	return f(), nil
}

func TestWatchdogForceFailsStaleSwarm(t *testing.T) {
	board, _ := newBoardWithStore(t)
	ctx := context.Background()
	id := seedSwarm(t, board)
	require.NoError(t, board.UpdateTaskStatus(ctx, id, "t1", datatypes.TaskRunning, datatypes.TaskUpdate{}))

	w := NewWatchdog(staleListerFunc(func() []datatypes.Swarm {
		return []datatypes.Swarm{{ID: id, Status: datatypes.SwarmRunning}}
	}), board, nil, 0, nil)

	reaped, err := w.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	sw, err := board.GetSwarm(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, datatypes.SwarmCriticalFailure, sw.Status)

	tasks, err := board.GetTasks(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, datatypes.TaskFailed, tasks[0].Status)
	assert.Contains(t, tasks[0].Error, "WATCHDOG")
}

func TestFallbackOutcomeFeedsScoredJobEvent(t *testing.T) {
	board, _ := newBoardWithStore(t)
	id := seedSwarm(t, board)
	runner := &scriptedRunner{board: board, fail: map[string]bool{"t1": true}}
	reasoner := &scriptedReasoner{reply: `{"output":"full deliverable","score":85,"missed":[]}`}
	jobs := &captureSink{}
	o := NewOrchestrator(board, runner, reasoner, nil, jobs, nil, nil)

	require.NoError(t, o.RunSwarm(context.Background(), id))

	require.Len(t, jobs.events, 1)
	e := jobs.events[0]
	assert.True(t, e.HasScore)
	assert.InDelta(t, 8.5, e.Score, 1e-9)
	assert.True(t, e.Replay, "the fallback is redone work")
	assert.Greater(t, e.Tokens, 0)
}

func TestFallbackScoreBelowFloorTripsCanaryRollback(t *testing.T) {
	board, st := newBoardWithStore(t)
	id := seedSwarm(t, board)
	runner := &scriptedRunner{board: board, fail: map[string]bool{"t1": true}}
	reasoner := &scriptedReasoner{reply: `{"output":"thin answer","score":30,"missed":["coverage"]}`}

	ctl := canary.New(st, nil, nil)
	ctl.Activate(10, canary.Baseline{})
	o := NewOrchestrator(board, runner, reasoner, nil, ctl, nil, nil)

	require.NoError(t, o.RunSwarm(context.Background(), id))

	rep := ctl.Tick(context.Background())
	assert.True(t, rep.RolledBack)
	assert.Contains(t, rep.Reason, "below floor")
	assert.False(t, ctl.Active())
}

// histogramObservations sums the sample counts across every child of a
// histogram family in the default registry.
func histogramObservations(t *testing.T, name string) uint64 {
	t.Helper()
	fams, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	var total uint64
	for _, f := range fams {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			total += m.GetHistogram().GetSampleCount()
		}
	}
	return total
}

func TestSwarmDurationObservedAtTerminalStatus(t *testing.T) {
	observability.Init()
	before := histogramObservations(t, "swarmgate_swarm_duration_seconds")

	board, _ := newBoardWithStore(t)
	id := seedSwarm(t, board)
	runner := &scriptedRunner{board: board}
	o := NewOrchestrator(board, runner, nil, nil, nil, nil, nil)
	require.NoError(t, o.RunSwarm(context.Background(), id))

	assert.Equal(t, before+1, histogramObservations(t, "swarmgate_swarm_duration_seconds"))
}
