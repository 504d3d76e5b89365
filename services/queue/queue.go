// Copyright (C) 2025 Swarmgate Labs (dev@swarmgate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package queue implements the durable task DAG for swarms.
//
// A swarm is created with a structured decomposition (ordered phases of
// tasks with dependency ids), approved (optionally partially), then
// drained by the executor through GetReadyTasks: a task is ready iff it
// is pending and every dependency is completed within the same swarm.
//
// The durable store is the source of truth. When it is unreachable and a
// memory fallback is configured, the queue degrades transparently for
// the remainder of the process lifetime; with no fallback, operations
// fail with fault.ErrPersistenceUnavailable.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/swarmgate/swarmgate/pkg/fault"
	"github.com/swarmgate/swarmgate/services/datatypes"
)

// Backend is the persistence contract; implemented by store.Store and by
// MemoryStore.
type Backend interface {
	InsertSwarm(ctx context.Context, sw *datatypes.Swarm) error
	GetSwarm(ctx context.Context, id string) (*datatypes.Swarm, error)
	UpdateSwarmStatus(ctx context.Context, id string, status datatypes.SwarmStatus) error
	InsertTasks(ctx context.Context, tasks []datatypes.Task) error
	GetTasks(ctx context.Context, swarmID string) ([]datatypes.Task, error)
	UpdateTaskStatus(ctx context.Context, swarmID, taskID string, status datatypes.TaskStatus, upd datatypes.TaskUpdate) error
	ResetFailedTasks(ctx context.Context, swarmID string) (int, error)
	CountTasksByStatus(ctx context.Context, swarmID string) (map[datatypes.TaskStatus]int, error)
}

// Progress aggregates a swarm's task counts.
type Progress struct {
	SwarmID   string                       `json:"swarm_id"`
	Status    datatypes.SwarmStatus        `json:"status"`
	Counts    map[datatypes.TaskStatus]int `json:"counts"`
	Total     int                          `json:"total"`
	Completed int                          `json:"completed"`
}

// Queue is the durable task DAG.
type Queue struct {
	primary  Backend
	fallback *MemoryStore // nil when no fallback configured
	degraded atomic.Bool
	logger   *slog.Logger
}

// New creates a Queue. fallback may be nil, in which case a store outage
// surfaces as fault.ErrPersistenceUnavailable instead of degrading.
func New(primary Backend, fallback *MemoryStore, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		primary:  primary,
		fallback: fallback,
		logger:   logger.With(slog.String("component", "queue")),
	}
}

// Degraded reports whether the queue has switched to the memory
// fallback.
func (q *Queue) Degraded() bool { return q.degraded.Load() }

// backend returns the active persistence backend.
func (q *Queue) backend() Backend {
	if q.degraded.Load() && q.fallback != nil {
		return q.fallback
	}
	return q.primary
}

// demote switches to the fallback after a primary failure. Returns the
// fallback, or nil when none is configured.
func (q *Queue) demote(err error) Backend {
	if q.fallback == nil {
		return nil
	}
	if q.degraded.CompareAndSwap(false, true) {
		q.logger.Warn("durable store unreachable, degrading to in-memory queue (no reconciliation on recovery)",
			slog.String("error", err.Error()))
	}
	return q.fallback
}

// CreateSwarm allocates a short unique id, stores the request and its
// decomposition (capped at maxUnits tasks), and leaves the swarm in
// needs_approval.
func (q *Queue) CreateSwarm(ctx context.Context, prompt string, maxUnits int, analysis datatypes.Analysis) (string, error) {
	if maxUnits > 0 {
		analysis = capAnalysis(analysis, maxUnits)
	}
	plan, err := json.Marshal(analysis)
	if err != nil {
		return "", fmt.Errorf("marshal analysis: %w", err)
	}

	sw := &datatypes.Swarm{
		ID:     "sw-" + uuid.NewString()[:8],
		Prompt: prompt,
		Status: datatypes.SwarmNeedsApproval,
		Metadata: map[string]string{
			"analysis": string(plan),
		},
	}

	if err := q.backend().InsertSwarm(ctx, sw); err != nil {
		fb := q.demote(err)
		if fb == nil {
			return "", fmt.Errorf("%w: %v", fault.ErrPersistenceUnavailable, err)
		}
		if err := fb.InsertSwarm(ctx, sw); err != nil {
			return "", fmt.Errorf("fallback insert swarm: %w", err)
		}
	}
	q.logger.Info("swarm created",
		slog.String("swarm_id", sw.ID),
		slog.Int("planned_tasks", analysis.TaskCount()))
	return sw.ID, nil
}

// capAnalysis trims the decomposition to at most maxUnits tasks,
// dropping later tasks first and then empty phases.
func capAnalysis(a datatypes.Analysis, maxUnits int) datatypes.Analysis {
	out := datatypes.Analysis{}
	remaining := maxUnits
	for _, p := range a.Phases {
		if remaining <= 0 {
			break
		}
		tasks := p.Tasks
		if len(tasks) > remaining {
			tasks = tasks[:remaining]
		}
		remaining -= len(tasks)
		out.Phases = append(out.Phases, datatypes.Phase{Order: p.Order, Tasks: tasks})
	}
	return out
}

// ApproveSwarm materializes the stored decomposition into executable
// tasks and moves the swarm to running.
//
// filter, when non-empty, restricts approval to the named tasks: each
// element is either a literal task id or a 1-based index over the
// flattened (phase order, insertion order) task list. Phases left empty
// by the filter are dropped; dependencies on filtered-out tasks are
// removed so the remaining DAG stays executable.
func (q *Queue) ApproveSwarm(ctx context.Context, swarmID string, filter []string) (int, error) {
	b := q.backend()
	sw, err := b.GetSwarm(ctx, swarmID)
	if err != nil {
		return 0, fmt.Errorf("approve swarm: %w", err)
	}
	if sw.Status != datatypes.SwarmNeedsApproval {
		return 0, fmt.Errorf("%w: swarm %s is %s", fault.ErrInvalidState, swarmID, sw.Status)
	}

	var analysis datatypes.Analysis
	if raw := sw.Metadata["analysis"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &analysis); err != nil {
			return 0, fmt.Errorf("decode stored analysis: %w", err)
		}
	}

	selected := selectTasks(analysis, filter)
	if len(selected) == 0 {
		return 0, fault.ErrEmptySelection
	}

	kept := make(map[string]bool, len(selected))
	for _, t := range selected {
		kept[t.TaskID] = true
	}
	for i := range selected {
		selected[i].SwarmID = swarmID
		deps := selected[i].DependsOn[:0]
		for _, d := range selected[i].DependsOn {
			if kept[d] {
				deps = append(deps, d)
			}
		}
		selected[i].DependsOn = deps
	}

	if err := b.InsertTasks(ctx, selected); err != nil {
		return 0, fmt.Errorf("materialize tasks: %w", err)
	}
	if err := b.UpdateSwarmStatus(ctx, swarmID, datatypes.SwarmRunning); err != nil {
		return 0, fmt.Errorf("mark running: %w", err)
	}
	q.logger.Info("swarm approved",
		slog.String("swarm_id", swarmID),
		slog.Int("enqueued", len(selected)))
	return len(selected), nil
}

// selectTasks flattens the decomposition in (phase, insertion) order and
// applies the approval filter.
func selectTasks(a datatypes.Analysis, filter []string) []datatypes.Task {
	wantID := make(map[string]bool)
	wantIdx := make(map[int]bool)
	for _, f := range filter {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if idx, err := strconv.Atoi(f); err == nil {
			wantIdx[idx] = true
		} else {
			wantID[f] = true
		}
	}
	filtered := len(wantID) > 0 || len(wantIdx) > 0

	var out []datatypes.Task
	idx := 0
	for _, p := range a.Phases {
		for _, pt := range p.Tasks {
			idx++
			if filtered && !wantID[pt.ID] && !wantIdx[idx] {
				continue
			}
			out = append(out, datatypes.Task{
				TaskID:     pt.ID,
				PhaseOrder: p.Order,
				Role:       pt.Role,
				Prompt:     pt.Prompt,
				Account:    pt.Account,
				DependsOn:  append([]string(nil), pt.DependsOn...),
				Status:     datatypes.TaskPending,
			})
		}
	}
	return out
}

// GetReadyTasks returns pending tasks whose full dependency set is
// completed, in (phase order, insertion order). This is the scheduler's
// sole readiness predicate.
func (q *Queue) GetReadyTasks(ctx context.Context, swarmID string) ([]datatypes.Task, error) {
	tasks, err := q.backend().GetTasks(ctx, swarmID)
	if err != nil {
		return nil, fmt.Errorf("get tasks: %w", err)
	}
	completed := make(map[string]bool)
	for _, t := range tasks {
		if t.Status == datatypes.TaskCompleted {
			completed[t.TaskID] = true
		}
	}
	var ready []datatypes.Task
	for _, t := range tasks {
		if t.Status != datatypes.TaskPending {
			continue
		}
		ok := true
		for _, d := range t.DependsOn {
			if !completed[d] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, t)
		}
	}
	return ready, nil
}

// UpdateTaskStatus applies a monotonic status transition; regressions of
// a terminal status are a no-op. Recording failed increments the retry
// counter.
func (q *Queue) UpdateTaskStatus(ctx context.Context, swarmID, taskID string,
	status datatypes.TaskStatus, upd datatypes.TaskUpdate) error {
	if err := q.backend().UpdateTaskStatus(ctx, swarmID, taskID, status, upd); err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return nil
}

// GetTasks returns all tasks of a swarm.
func (q *Queue) GetTasks(ctx context.Context, swarmID string) ([]datatypes.Task, error) {
	return q.backend().GetTasks(ctx, swarmID)
}

// GetSwarm returns the swarm record.
func (q *Queue) GetSwarm(ctx context.Context, swarmID string) (*datatypes.Swarm, error) {
	return q.backend().GetSwarm(ctx, swarmID)
}

// UpdateSwarmStatus transitions the swarm status (terminal states are
// sticky).
func (q *Queue) UpdateSwarmStatus(ctx context.Context, swarmID string, status datatypes.SwarmStatus) error {
	return q.backend().UpdateSwarmStatus(ctx, swarmID, status)
}

// GetSwarmProgress returns task counts by status.
func (q *Queue) GetSwarmProgress(ctx context.Context, swarmID string) (*Progress, error) {
	b := q.backend()
	sw, err := b.GetSwarm(ctx, swarmID)
	if err != nil {
		return nil, fmt.Errorf("get swarm: %w", err)
	}
	counts, err := b.CountTasksByStatus(ctx, swarmID)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	p := &Progress{SwarmID: swarmID, Status: sw.Status, Counts: counts}
	for _, n := range counts {
		p.Total += n
	}
	p.Completed = counts[datatypes.TaskCompleted]
	return p, nil
}

// ResetFailedTasks bulk-transitions failed tasks back to pending and
// re-opens the swarm for execution. Returns the number reset.
func (q *Queue) ResetFailedTasks(ctx context.Context, swarmID string) (int, error) {
	n, err := q.backend().ResetFailedTasks(ctx, swarmID)
	if err != nil {
		return 0, fmt.Errorf("reset failed tasks: %w", err)
	}
	if n > 0 {
		if err := q.backend().UpdateSwarmStatus(ctx, swarmID, datatypes.SwarmRunning); err != nil {
			q.logger.Warn("swarm not re-opened after reset",
				slog.String("swarm_id", swarmID), slog.String("error", err.Error()))
		}
	}
	return n, nil
}
