// Copyright (C) 2025 Swarmgate Labs (dev@swarmgate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package swarm drives tasks through the external agent API: the
// executor runs one task (health pre-check, session create/resume,
// widening poll, 401-driven failover), the orchestrator runs whole
// dependency graphs with sequence retry and a single-shot fallback, and
// the watchdog force-fails work orphaned by crashed processes.
package swarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/swarmgate/swarmgate/pkg/fault"
	"github.com/swarmgate/swarmgate/services/accounts"
	"github.com/swarmgate/swarmgate/services/agent"
	"github.com/swarmgate/swarmgate/services/datatypes"
	"github.com/swarmgate/swarmgate/services/orchestrator/observability"
	"github.com/swarmgate/swarmgate/services/queue"
)

// Board is the task/swarm state surface the executor and orchestrator
// drive. *queue.Queue satisfies it.
type Board interface {
	GetSwarm(ctx context.Context, swarmID string) (*datatypes.Swarm, error)
	UpdateSwarmStatus(ctx context.Context, swarmID string, status datatypes.SwarmStatus) error
	GetTasks(ctx context.Context, swarmID string) ([]datatypes.Task, error)
	GetReadyTasks(ctx context.Context, swarmID string) ([]datatypes.Task, error)
	UpdateTaskStatus(ctx context.Context, swarmID, taskID string, status datatypes.TaskStatus, upd datatypes.TaskUpdate) error
	GetSwarmProgress(ctx context.Context, swarmID string) (*queue.Progress, error)
	ResetFailedTasks(ctx context.Context, swarmID string) (int, error)
}

// Throttle is the quota surface consumed per dispatch. *rateguard.Guard
// satisfies it.
type Throttle interface {
	WaitIfNeeded(ctx context.Context, resource string) error
	Register(ctx context.Context, resource string, success bool, statusCode int)
}

// Diagnoser turns a failure into a human-readable diagnosis.
// *rca.Engine satisfies it.
type Diagnoser interface {
	Analyze(ctx context.Context, errorLog, taskDescription string, phase int, swarmID string) string
}

// JobSink receives execution outcomes for rolling health statistics.
// *canary.Controller satisfies it.
type JobSink interface {
	RecordJob(e datatypes.JobEvent)
}

// CostLedger accumulates realized spend. *store.Store satisfies it.
type CostLedger interface {
	AddCost(ctx context.Context, amount, defaultLimit float64) error
}

// ExecutorConfig tunes one executor.
type ExecutorConfig struct {
	// Resource is the quota key dispatches are throttled under.
	Resource string

	PollInitial time.Duration
	PollCeiling time.Duration
	PollTimeout time.Duration

	// RetryBudget is the number of extra attempts after an auth failure
	// triggers identity failover.
	RetryBudget int

	// VoteToken short-circuits the poll loop when it appears in a
	// partial result: the agent has reached a decisive verdict even
	// though the session is still streaming.
	VoteToken string

	DefaultDailyLimitUSD float64
}

func (c *ExecutorConfig) applyDefaults() {
	if c.Resource == "" {
		c.Resource = "agent_sessions"
	}
	if c.PollInitial <= 0 {
		c.PollInitial = 5 * time.Second
	}
	if c.PollCeiling <= 0 {
		c.PollCeiling = time.Minute
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 15 * time.Minute
	}
	if c.RetryBudget <= 0 {
		c.RetryBudget = 2
	}
	if c.VoteToken == "" {
		c.VoteToken = "[VOTE]"
	}
}

// outputCostPer1K is the flat telemetry rate applied to estimated
// session tokens. Estimates feed the daily ledger and canary only;
// billing truth lives with the provider.
const outputCostPer1K = 0.002

// Executor runs a single task to a terminal status.
//
// Thread Safety: safe for concurrent use across distinct task ids. The
// queue's monotonic transitions make duplicate dispatch of the same
// task id harmless, but the scheduler never does it on purpose.
type Executor struct {
	board    Board
	registry *accounts.Registry
	throttle Throttle
	api      agent.SessionAPI
	rca      Diagnoser
	canary   JobSink
	costs    CostLedger
	cfg      ExecutorConfig
	logger   *slog.Logger
}

// NewExecutor wires an executor. rca, canary, and costs may be nil; the
// corresponding side effects are skipped.
func NewExecutor(board Board, registry *accounts.Registry, throttle Throttle,
	api agent.SessionAPI, rca Diagnoser, canary JobSink, costs CostLedger,
	cfg ExecutorConfig, logger *slog.Logger) *Executor {

	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		board:    board,
		registry: registry,
		throttle: throttle,
		api:      api,
		rca:      rca,
		canary:   canary,
		costs:    costs,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "executor")),
	}
}

// ExecuteTask drives one task to completed or failed. A 401 from the
// agent API trips the account breaker and fails over to an alternate
// identity within the retry budget; every other failure goes straight
// to diagnosis.
func (e *Executor) ExecuteTask(ctx context.Context, task datatypes.Task) error {
	accountID, err := e.pickAccount(task.Account)
	if err != nil {
		diagnosis := "no healthy account available for dispatch"
		e.failTask(ctx, task, diagnosis)
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= e.cfg.RetryBudget; attempt++ {
		if err := e.throttle.WaitIfNeeded(ctx, e.cfg.Resource); err != nil {
			return err
		}

		acct, ok := e.registry.Get(accountID)
		if !ok {
			lastErr = fmt.Errorf("%w: account %s not configured", fault.ErrNoHealthyAccount, accountID)
			break
		}

		result, err := e.runSession(ctx, acct, &task)
		if err == nil {
			e.registry.RecordSuccess(accountID)
			e.throttle.Register(ctx, e.cfg.Resource, true, 200)
			e.completeTask(ctx, task, result, attempt > 0)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err

		var apiErr *agent.APIError
		if !errors.As(err, &apiErr) {
			break
		}
		e.throttle.Register(ctx, e.cfg.Resource, false, apiErr.StatusCode)
		if apiErr.StatusCode != 401 {
			break
		}

		e.registry.RecordFailure(accountID, 401)
		lastErr = &fault.AuthError{Account: accountID, StatusCode: 401}
		alt, ok := e.registry.FindHealthyAlternate(accountID)
		if !ok {
			break
		}
		if m := observability.Default; m != nil {
			m.FailoversTotal.Inc()
		}
		e.logger.Warn("auth failure, failing over",
			slog.String("swarm_id", task.SwarmID),
			slog.String("task_id", task.TaskID),
			slog.String("from", accountID),
			slog.String("to", alt.ID))
		accountID = alt.ID
		// A session belongs to the identity that created it; the new
		// account starts fresh.
		task.SessionHandle = ""
	}

	diagnosis := e.diagnose(ctx, lastErr, task)
	e.failTask(ctx, task, diagnosis)
	return fmt.Errorf("task %s/%s: %w", task.SwarmID, task.TaskID, lastErr)
}

// pickAccount applies the health pre-check: an unhealthy or unassigned
// target fails over before the first attempt.
func (e *Executor) pickAccount(preferred string) (string, error) {
	if preferred != "" && e.registry.IsHealthy(preferred) {
		return preferred, nil
	}
	if alt, ok := e.registry.FindHealthyAlternate(preferred); ok {
		return alt.ID, nil
	}
	return "", fault.ErrNoHealthyAccount
}

// runSession creates or resumes the agent session and polls it to a
// result.
func (e *Executor) runSession(ctx context.Context, acct accounts.Account, task *datatypes.Task) (string, error) {
	sessionID := task.SessionHandle
	if sessionID == "" {
		relay := e.relayContext(ctx, *task)
		id, err := e.api.CreateSession(ctx, acct.Key, agent.CreateSessionRequest{
			Prompt:         rolePrompt(*task),
			SourceContext:  relay,
			AutomationMode: true,
		})
		if err != nil {
			return "", err
		}
		sessionID = id
		task.SessionHandle = id
	}

	if err := e.board.UpdateTaskStatus(ctx, task.SwarmID, task.TaskID,
		datatypes.TaskRunning, datatypes.TaskUpdate{SessionHandle: sessionID}); err != nil {
		e.logger.Warn("could not mark task running", slog.String("error", err.Error()))
	}

	return e.poll(ctx, acct.Key, sessionID)
}

// poll watches the session at a widening interval until a terminal
// state, a decisive vote token, or the hard timeout.
func (e *Executor) poll(ctx context.Context, apiKey, sessionID string) (string, error) {
	deadline := time.Now().Add(e.cfg.PollTimeout)
	interval := e.cfg.PollInitial

	for {
		sess, err := e.api.GetSession(ctx, apiKey, sessionID)
		if err != nil {
			return "", err
		}
		switch sess.State {
		case datatypes.SessionCompleted:
			return sess.Result, nil
		case datatypes.SessionFailed:
			return "", fmt.Errorf("session %s failed: %s", sessionID, clip(sess.Result, 500))
		case datatypes.SessionCancelled:
			return "", fmt.Errorf("session %s cancelled externally", sessionID)
		}

		if strings.Contains(sess.Result, e.cfg.VoteToken) {
			e.logger.Info("vote token observed, short-circuiting poll",
				slog.String("session_id", sessionID))
			return sess.Result, nil
		}

		if time.Now().After(deadline) {
			if err := e.api.CancelSession(ctx, apiKey, sessionID); err != nil {
				e.logger.Warn("cancel after timeout failed", slog.String("error", err.Error()))
			}
			return "", fmt.Errorf("session %s: %w after %s", sessionID, fault.ErrExternalTimeout, e.cfg.PollTimeout)
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
		interval *= 2
		if interval > e.cfg.PollCeiling {
			interval = e.cfg.PollCeiling
		}
	}
}

// relayContext assembles the outputs of completed earlier-phase tasks
// so downstream roles see upstream work. Best-effort: a store error
// degrades to an empty context.
func (e *Executor) relayContext(ctx context.Context, task datatypes.Task) string {
	siblings, err := e.board.GetTasks(ctx, task.SwarmID)
	if err != nil {
		e.logger.Warn("relay context unavailable", slog.String("error", err.Error()))
		return ""
	}
	var b strings.Builder
	for _, s := range siblings {
		if s.Status != datatypes.TaskCompleted || s.PhaseOrder >= task.PhaseOrder || s.Result == "" {
			continue
		}
		fmt.Fprintf(&b, "### %s (%s)\n%s\n\n", s.Role, s.TaskID, clip(s.Result, 4000))
	}
	return b.String()
}

func rolePrompt(task datatypes.Task) string {
	if task.Role == "" {
		return task.Prompt
	}
	return fmt.Sprintf("[ROLE: %s]\n%s", task.Role, task.Prompt)
}

func (e *Executor) completeTask(ctx context.Context, task datatypes.Task, result string, replayed bool) {
	if m := observability.Default; m != nil {
		m.TaskDispatchesTotal.WithLabelValues("completed").Inc()
	}
	if err := e.board.UpdateTaskStatus(ctx, task.SwarmID, task.TaskID,
		datatypes.TaskCompleted, datatypes.TaskUpdate{Result: result}); err != nil {
		e.logger.Error("could not record completion",
			slog.String("task_id", task.TaskID),
			slog.String("error", err.Error()))
	}

	tokens := estimateTokens(task.Prompt, result)
	cost := float64(tokens) / 1000 * outputCostPer1K
	if e.costs != nil {
		if err := e.costs.AddCost(ctx, cost, e.cfg.DefaultDailyLimitUSD); err != nil {
			e.logger.Warn("cost telemetry not recorded", slog.String("error", err.Error()))
		}
	}
	if e.canary != nil {
		e.canary.RecordJob(datatypes.JobEvent{
			Replay:  replayed || task.RetryCount > 0,
			CostUSD: cost,
			Tokens:  tokens,
		})
	}
	e.logger.Info("task completed",
		slog.String("swarm_id", task.SwarmID),
		slog.String("task_id", task.TaskID),
		slog.Int("tokens_est", tokens))
}

func (e *Executor) failTask(ctx context.Context, task datatypes.Task, diagnosis string) {
	if m := observability.Default; m != nil {
		m.TaskDispatchesTotal.WithLabelValues("failed").Inc()
	}
	if err := e.board.UpdateTaskStatus(ctx, task.SwarmID, task.TaskID,
		datatypes.TaskFailed, datatypes.TaskUpdate{Error: diagnosis}); err != nil {
		e.logger.Error("could not record failure",
			slog.String("task_id", task.TaskID),
			slog.String("error", err.Error()))
	}
	if e.canary != nil {
		e.canary.RecordJob(datatypes.JobEvent{Replay: true})
	}
}

// diagnose runs RCA over the terminal error. The diagnosis becomes the
// task's recorded error detail.
func (e *Executor) diagnose(ctx context.Context, err error, task datatypes.Task) string {
	msg := "unknown failure"
	if err != nil {
		msg = err.Error()
	}
	if e.rca == nil {
		return msg
	}
	return e.rca.Analyze(ctx, msg, task.Prompt, task.PhaseOrder, task.SwarmID)
}

// estimateTokens is the usual chars/4 heuristic.
func estimateTokens(prompt, result string) int {
	return (len(prompt) + len(result)) / 4
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
