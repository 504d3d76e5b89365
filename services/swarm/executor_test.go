// Copyright (C) 2025 Swarmgate Labs (dev@swarmgate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package swarm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmgate/swarmgate/pkg/fault"
	"github.com/swarmgate/swarmgate/services/accounts"
	"github.com/swarmgate/swarmgate/services/agent"
	"github.com/swarmgate/swarmgate/services/datatypes"
	"github.com/swarmgate/swarmgate/services/orchestrator/observability"
	"github.com/swarmgate/swarmgate/services/queue"
	"github.com/swarmgate/swarmgate/services/store"
)

// scriptedAPI plays back function hooks as the agent session API.
type scriptedAPI struct {
	mu      sync.Mutex
	create  func(apiKey string, req agent.CreateSessionRequest) (string, error)
	get     func(apiKey, sessionID string) (*agent.Session, error)
	creates int
	cancels int
}

func (s *scriptedAPI) CreateSession(_ context.Context, apiKey string, req agent.CreateSessionRequest) (string, error) {
	s.mu.Lock()
	s.creates++
	s.mu.Unlock()
	return s.create(apiKey, req)
}

func (s *scriptedAPI) GetSession(_ context.Context, apiKey, sessionID string) (*agent.Session, error) {
	return s.get(apiKey, sessionID)
}

func (s *scriptedAPI) CancelSession(_ context.Context, _, _ string) error {
	s.mu.Lock()
	s.cancels++
	s.mu.Unlock()
	return nil
}

type nopThrottle struct {
	mu         sync.Mutex
	registered []int
}

func (n *nopThrottle) WaitIfNeeded(context.Context, string) error { return nil }
func (n *nopThrottle) Register(_ context.Context, _ string, _ bool, statusCode int) {
	n.mu.Lock()
	n.registered = append(n.registered, statusCode)
	n.mu.Unlock()
}

// echoDiagnoser returns the raw error text so assertions can see it.
type echoDiagnoser struct{}

func (echoDiagnoser) Analyze(_ context.Context, errorLog, _ string, _ int, _ string) string {
	return "DIAG: " + errorLog
}

type captureSink struct {
	mu     sync.Mutex
	events []datatypes.JobEvent
}

func (c *captureSink) RecordJob(e datatypes.JobEvent) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

type ledger struct {
	mu    sync.Mutex
	total float64
}

func (l *ledger) AddCost(_ context.Context, amount, _ float64) error {
	l.mu.Lock()
	l.total += amount
	l.mu.Unlock()
	return nil
}

func newBoard(t *testing.T) *queue.Queue {
	t.Helper()
	st, err := store.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return queue.New(st, queue.NewMemoryStore(), nil)
}

// seedTask creates an approved single-task swarm and returns the task.
func seedTask(t *testing.T, board *queue.Queue, account string) datatypes.Task {
	t.Helper()
	ctx := context.Background()
	id, err := board.CreateSwarm(ctx, "build the thing", 10, datatypes.Analysis{
		Phases: []datatypes.Phase{{Order: 1, Tasks: []datatypes.PlannedTask{
			{ID: "t1", Role: "CODER", Prompt: "write the code", Account: account},
		}}},
	})
	require.NoError(t, err)
	_, err = board.ApproveSwarm(ctx, id, nil)
	require.NoError(t, err)
	ready, err := board.GetReadyTasks(ctx, id)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	return ready[0]
}

func twoAccounts() *accounts.Registry {
	return accounts.NewRegistry([]accounts.Account{
		{ID: "primary", Label: "main", Key: "key-primary"},
		{ID: "backup", Label: "spare", Key: "key-backup"},
	}, nil)
}

func fastConfig() ExecutorConfig {
	return ExecutorConfig{
		PollInitial: time.Millisecond,
		PollCeiling: 2 * time.Millisecond,
		PollTimeout: time.Second,
	}
}

func TestExecuteTaskHappyPath(t *testing.T) {
	board := newBoard(t)
	task := seedTask(t, board, "primary")
	sink := &captureSink{}
	costs := &ledger{}

	api := &scriptedAPI{
		create: func(apiKey string, req agent.CreateSessionRequest) (string, error) {
			assert.Equal(t, "key-primary", apiKey)
			assert.Contains(t, req.Prompt, "write the code")
			assert.Contains(t, req.Prompt, "[ROLE: CODER]")
			assert.True(t, req.AutomationMode)
			return "sess-1", nil
		},
		get: func(_, sessionID string) (*agent.Session, error) {
			return &agent.Session{ID: sessionID, State: datatypes.SessionCompleted, Result: "done"}, nil
		},
	}

	e := NewExecutor(board, twoAccounts(), &nopThrottle{}, api, echoDiagnoser{}, sink, costs, fastConfig(), nil)
	require.NoError(t, e.ExecuteTask(context.Background(), task))

	tasks, err := board.GetTasks(context.Background(), task.SwarmID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.TaskCompleted, tasks[0].Status)
	assert.Equal(t, "done", tasks[0].Result)
	assert.Equal(t, "sess-1", tasks[0].SessionHandle)

	require.Len(t, sink.events, 1)
	assert.False(t, sink.events[0].Replay)
	assert.Greater(t, costs.total, 0.0)
}

func TestAuthFailureFailsOverToAlternate(t *testing.T) {
	board := newBoard(t)
	task := seedTask(t, board, "primary")
	reg := twoAccounts()

	api := &scriptedAPI{
		create: func(apiKey string, _ agent.CreateSessionRequest) (string, error) {
			if apiKey == "key-primary" {
				return "", &agent.APIError{StatusCode: 401, Body: "unauthorized"}
			}
			return "sess-2", nil
		},
		get: func(_, sessionID string) (*agent.Session, error) {
			return &agent.Session{ID: sessionID, State: datatypes.SessionCompleted, Result: "ok"}, nil
		},
	}

	throttle := &nopThrottle{}
	e := NewExecutor(board, reg, throttle, api, echoDiagnoser{}, nil, nil, fastConfig(), nil)
	require.NoError(t, e.ExecuteTask(context.Background(), task))

	tasks, err := board.GetTasks(context.Background(), task.SwarmID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.TaskCompleted, tasks[0].Status)
	assert.Equal(t, "sess-2", tasks[0].SessionHandle)
	assert.Contains(t, throttle.registered, 401)
	assert.Equal(t, 2, api.creates)
}

func TestAuthFailureWithoutAlternateFailsTask(t *testing.T) {
	board := newBoard(t)
	task := seedTask(t, board, "solo")
	reg := accounts.NewRegistry([]accounts.Account{{ID: "solo", Label: "only", Key: "k"}}, nil)

	api := &scriptedAPI{
		create: func(string, agent.CreateSessionRequest) (string, error) {
			return "", &agent.APIError{StatusCode: 401, Body: "unauthorized"}
		},
	}

	e := NewExecutor(board, reg, &nopThrottle{}, api, echoDiagnoser{}, nil, nil, fastConfig(), nil)
	err := e.ExecuteTask(context.Background(), task)
	require.Error(t, err)
	assert.True(t, fault.IsAuthError(err))

	tasks, _ := board.GetTasks(context.Background(), task.SwarmID)
	assert.Equal(t, datatypes.TaskFailed, tasks[0].Status)
	assert.Contains(t, tasks[0].Error, "DIAG:")
}

func TestNoHealthyAccountFailsBeforeDispatch(t *testing.T) {
	board := newBoard(t)
	task := seedTask(t, board, "primary")
	reg := twoAccounts()
	for _, id := range []string{"primary", "backup"} {
		reg.RecordFailure(id, 401)
		reg.RecordFailure(id, 401)
	}

	api := &scriptedAPI{create: func(string, agent.CreateSessionRequest) (string, error) {
		t.Fatal("dispatch must not reach the agent API")
		return "", nil
	}}
	e := NewExecutor(board, reg, &nopThrottle{}, api, echoDiagnoser{}, nil, nil, fastConfig(), nil)

	err := e.ExecuteTask(context.Background(), task)
	assert.True(t, errors.Is(err, fault.ErrNoHealthyAccount))

	tasks, _ := board.GetTasks(context.Background(), task.SwarmID)
	assert.Equal(t, datatypes.TaskFailed, tasks[0].Status)
}

func TestPollTimeoutCancelsAndFails(t *testing.T) {
	board := newBoard(t)
	task := seedTask(t, board, "primary")

	api := &scriptedAPI{
		create: func(string, agent.CreateSessionRequest) (string, error) { return "sess-3", nil },
		get: func(_, sessionID string) (*agent.Session, error) {
			return &agent.Session{ID: sessionID, State: datatypes.SessionRunning}, nil
		},
	}

	cfg := fastConfig()
	cfg.PollTimeout = 5 * time.Millisecond
	e := NewExecutor(board, twoAccounts(), &nopThrottle{}, api, echoDiagnoser{}, nil, nil, cfg, nil)

	err := e.ExecuteTask(context.Background(), task)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fault.ErrExternalTimeout))
	assert.Equal(t, 1, api.cancels, "timed-out session must be cancelled")

	tasks, _ := board.GetTasks(context.Background(), task.SwarmID)
	assert.Equal(t, datatypes.TaskFailed, tasks[0].Status)
}

func TestVoteTokenShortCircuitsPoll(t *testing.T) {
	board := newBoard(t)
	task := seedTask(t, board, "primary")

	api := &scriptedAPI{
		create: func(string, agent.CreateSessionRequest) (string, error) { return "sess-4", nil },
		get: func(_, sessionID string) (*agent.Session, error) {
			// Session never reaches COMPLETED, but a decisive vote
			// appears mid-stream.
			return &agent.Session{ID: sessionID, State: datatypes.SessionRunning,
				Result: "partial analysis [VOTE] approve"}, nil
		},
	}

	e := NewExecutor(board, twoAccounts(), &nopThrottle{}, api, echoDiagnoser{}, nil, nil, fastConfig(), nil)
	require.NoError(t, e.ExecuteTask(context.Background(), task))

	tasks, _ := board.GetTasks(context.Background(), task.SwarmID)
	assert.Equal(t, datatypes.TaskCompleted, tasks[0].Status)
	assert.Contains(t, tasks[0].Result, "[VOTE]")
}

func TestResumeSkipsSessionCreation(t *testing.T) {
	board := newBoard(t)
	task := seedTask(t, board, "primary")
	task.SessionHandle = "sess-prior"

	api := &scriptedAPI{
		create: func(string, agent.CreateSessionRequest) (string, error) {
			t.Fatal("resume must not create a new session")
			return "", nil
		},
		get: func(_, sessionID string) (*agent.Session, error) {
			assert.Equal(t, "sess-prior", sessionID)
			return &agent.Session{ID: sessionID, State: datatypes.SessionCompleted, Result: "resumed"}, nil
		},
	}

	e := NewExecutor(board, twoAccounts(), &nopThrottle{}, api, echoDiagnoser{}, nil, nil, fastConfig(), nil)
	require.NoError(t, e.ExecuteTask(context.Background(), task))
}

func TestRelayContextCarriesUpstreamOutputs(t *testing.T) {
	board := newBoard(t)
	ctx := context.Background()
	id, err := board.CreateSwarm(ctx, "p", 10, datatypes.Analysis{
		Phases: []datatypes.Phase{
			{Order: 1, Tasks: []datatypes.PlannedTask{{ID: "design", Role: "ARCHITECT", Prompt: "design it"}}},
			{Order: 2, Tasks: []datatypes.PlannedTask{{ID: "code", Role: "CODER", Prompt: "build it", DependsOn: []string{"design"}}}},
		},
	})
	require.NoError(t, err)
	_, err = board.ApproveSwarm(ctx, id, nil)
	require.NoError(t, err)
	require.NoError(t, board.UpdateTaskStatus(ctx, id, "design", datatypes.TaskCompleted,
		datatypes.TaskUpdate{Result: "the architecture document"}))

	var sawContext string
	api := &scriptedAPI{
		create: func(_ string, req agent.CreateSessionRequest) (string, error) {
			sawContext = req.SourceContext
			return "sess-5", nil
		},
		get: func(_, sessionID string) (*agent.Session, error) {
			return &agent.Session{ID: sessionID, State: datatypes.SessionCompleted, Result: "done"}, nil
		},
	}

	ready, err := board.GetReadyTasks(ctx, id)
	require.NoError(t, err)
	require.Len(t, ready, 1)

	e := NewExecutor(board, twoAccounts(), &nopThrottle{}, api, echoDiagnoser{}, nil, nil, fastConfig(), nil)
	require.NoError(t, e.ExecuteTask(ctx, ready[0]))

	assert.Contains(t, sawContext, "ARCHITECT (design)")
	assert.Contains(t, sawContext, "the architecture document")
}

func TestDispatchMetricsTrackOutcomesAndFailovers(t *testing.T) {
	m := observability.Init()
	completed := testutil.ToFloat64(m.TaskDispatchesTotal.WithLabelValues("completed"))
	failed := testutil.ToFloat64(m.TaskDispatchesTotal.WithLabelValues("failed"))
	failovers := testutil.ToFloat64(m.FailoversTotal)

	board := newBoard(t)
	task := seedTask(t, board, "primary")
	api := &scriptedAPI{
		create: func(apiKey string, _ agent.CreateSessionRequest) (string, error) {
			if apiKey == "key-primary" {
				return "", &agent.APIError{StatusCode: 401, Body: "unauthorized"}
			}
			return "sess-2", nil
		},
		get: func(_, sessionID string) (*agent.Session, error) {
			return &agent.Session{ID: sessionID, State: datatypes.SessionCompleted, Result: "done"}, nil
		},
	}
	e := NewExecutor(board, twoAccounts(), &nopThrottle{}, api, echoDiagnoser{}, nil, nil, fastConfig(), nil)
	require.NoError(t, e.ExecuteTask(context.Background(), task))

	assert.Equal(t, completed+1, testutil.ToFloat64(m.TaskDispatchesTotal.WithLabelValues("completed")))
	assert.Equal(t, failovers+1, testutil.ToFloat64(m.FailoversTotal))

	// A lone account with a dead key has no alternate: the task fails.
	bare := newBoard(t)
	task2 := seedTask(t, bare, "primary")
	solo := accounts.NewRegistry([]accounts.Account{{ID: "primary", Label: "main", Key: "key-primary"}}, nil)
	deadAPI := &scriptedAPI{
		create: func(string, agent.CreateSessionRequest) (string, error) {
			return "", &agent.APIError{StatusCode: 401, Body: "unauthorized"}
		},
	}
	e2 := NewExecutor(bare, solo, &nopThrottle{}, deadAPI, echoDiagnoser{}, nil, nil, fastConfig(), nil)
	require.Error(t, e2.ExecuteTask(context.Background(), task2))

	assert.Equal(t, failed+1, testutil.ToFloat64(m.TaskDispatchesTotal.WithLabelValues("failed")))
	assert.Equal(t, failovers+1, testutil.ToFloat64(m.FailoversTotal),
		"no alternate account means no failover")
}
