// Copyright (C) 2025 Swarmgate Labs (dev@swarmgate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package queue

import (
	"context"
	"sync"
	"time"

	"github.com/swarmgate/swarmgate/services/datatypes"
	"github.com/swarmgate/swarmgate/services/store"
)

// MemoryStore is the in-memory fallback backend. It is an explicit
// availability fallback for local/dev operation, not a cache; writes that
// land here while the durable store is down are not replayed (documented
// limitation).
//
// Thread Safety: safe for concurrent use.
type MemoryStore struct {
	mu     sync.Mutex
	swarms map[string]*datatypes.Swarm
	tasks  map[string][]*datatypes.Task // keyed by swarm id, insertion order
}

// NewMemoryStore returns an empty in-memory backend.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		swarms: make(map[string]*datatypes.Swarm),
		tasks:  make(map[string][]*datatypes.Task),
	}
}

// InsertSwarm stores a copy of sw.
func (m *MemoryStore) InsertSwarm(_ context.Context, sw *datatypes.Swarm) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sw
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	m.swarms[sw.ID] = &cp
	return nil
}

// GetSwarm returns a copy of the stored swarm.
func (m *MemoryStore) GetSwarm(_ context.Context, id string) (*datatypes.Swarm, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sw, ok := m.swarms[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *sw
	return &cp, nil
}

// UpdateSwarmStatus transitions a swarm unless it is already terminal.
func (m *MemoryStore) UpdateSwarmStatus(_ context.Context, id string, status datatypes.SwarmStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sw, ok := m.swarms[id]
	if !ok || sw.Status.Terminal() {
		return nil
	}
	sw.Status = status
	sw.UpdatedAt = time.Now()
	return nil
}

// InsertTasks appends copies of tasks preserving insertion order.
func (m *MemoryStore) InsertTasks(_ context.Context, tasks []datatypes.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, t := range tasks {
		cp := t
		cp.CreatedAt = now
		cp.UpdatedAt = now
		m.tasks[t.SwarmID] = append(m.tasks[t.SwarmID], &cp)
	}
	return nil
}

// GetTasks returns copies of a swarm's tasks in (phase, insertion) order.
// Insertion already happens phase by phase, so stored order is correct.
func (m *MemoryStore) GetTasks(_ context.Context, swarmID string) ([]datatypes.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]datatypes.Task, 0, len(m.tasks[swarmID]))
	for _, t := range m.tasks[swarmID] {
		out = append(out, *t)
	}
	return out, nil
}

// UpdateTaskStatus mirrors the durable store's monotonic transition
// rules: terminal statuses never regress, failed increments retry count.
func (m *MemoryStore) UpdateTaskStatus(_ context.Context, swarmID, taskID string,
	status datatypes.TaskStatus, upd datatypes.TaskUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks[swarmID] {
		if t.TaskID != taskID {
			continue
		}
		if t.Status.Terminal() {
			return nil
		}
		t.Status = status
		if upd.Result != "" {
			t.Result = upd.Result
		}
		t.Error = upd.Error
		if upd.SessionHandle != "" {
			t.SessionHandle = upd.SessionHandle
		}
		if status == datatypes.TaskFailed {
			t.RetryCount++
		}
		t.UpdatedAt = time.Now()
		return nil
	}
	return nil
}

// ResetFailedTasks re-opens every failed task of a swarm.
func (m *MemoryStore) ResetFailedTasks(_ context.Context, swarmID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks[swarmID] {
		if t.Status == datatypes.TaskFailed {
			t.Status = datatypes.TaskPending
			t.Error = ""
			t.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

// CountTasksByStatus aggregates task counts per status.
func (m *MemoryStore) CountTasksByStatus(_ context.Context, swarmID string) (map[datatypes.TaskStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[datatypes.TaskStatus]int)
	for _, t := range m.tasks[swarmID] {
		out[t.Status]++
	}
	return out, nil
}
