// Copyright (C) 2025 Swarmgate Labs (dev@swarmgate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes defines the domain types shared by swarmgate services.
//
// All scores are carried on a canonical 0-10 scale. Collaborators that
// report 0-100 (the single-shot fallback flow) are converted at the
// boundary; nothing downstream ever sees a mixed scale.
package datatypes

import "time"

// =============================================================================
// Swarm
// =============================================================================

// SwarmStatus is the lifecycle status of a swarm.
type SwarmStatus string

const (
	SwarmNeedsApproval   SwarmStatus = "needs_approval"
	SwarmRunning         SwarmStatus = "running"
	SwarmNeedsRevision   SwarmStatus = "needs_revision"
	SwarmManualFix       SwarmStatus = "manual_fix_required"
	SwarmCriticalFailure SwarmStatus = "critical_failure"
	SwarmCompleted       SwarmStatus = "completed"
	SwarmCancelled       SwarmStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s SwarmStatus) Terminal() bool {
	switch s {
	case SwarmCompleted, SwarmCriticalFailure, SwarmCancelled:
		return true
	}
	return false
}

// Swarm is one orchestrated unit of work decomposed into a task DAG.
type Swarm struct {
	ID        string            `json:"id"`
	Prompt    string            `json:"prompt"`
	Status    SwarmStatus       `json:"status"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// =============================================================================
// Task
// =============================================================================

// TaskStatus is the lifecycle status of a single task node.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Terminal reports whether the status is completed or failed.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Task is one node in a swarm's dependency graph.
//
// A task is ready iff Status is pending and every id in DependsOn has
// status completed within the same swarm.
type Task struct {
	SwarmID       string     `json:"swarm_id"`
	TaskID        string     `json:"task_id"`
	PhaseOrder    int        `json:"phase_order"`
	Role          string     `json:"role"`
	Prompt        string     `json:"prompt"`
	Account       string     `json:"account"`
	DependsOn     []string   `json:"depends_on,omitempty"`
	Status        TaskStatus `json:"status"`
	SessionHandle string     `json:"session_handle,omitempty"`
	Result        string     `json:"result,omitempty"`
	Error         string     `json:"error,omitempty"`
	RetryCount    int        `json:"retry_count"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// TaskUpdate carries the optional fields of a status transition.
type TaskUpdate struct {
	Result        string
	Error         string
	SessionHandle string
}

// =============================================================================
// Decomposition
// =============================================================================

// Analysis is the structured decomposition of a prompt into ordered
// phases. Phase order defines the topological tier; tasks inside one
// phase with no inter-dependency may run concurrently.
type Analysis struct {
	Phases []Phase `json:"phases"`
}

// Phase is one topological tier of a decomposition.
type Phase struct {
	Order int           `json:"order"`
	Tasks []PlannedTask `json:"tasks"`
}

// PlannedTask is a task as proposed by decomposition, before it is
// materialized into the executable queue.
type PlannedTask struct {
	ID        string   `json:"id"`
	Role      string   `json:"role"`
	Prompt    string   `json:"prompt"`
	DependsOn []string `json:"depends_on,omitempty"`
	Account   string   `json:"account,omitempty"`
}

// TaskCount returns the total number of planned tasks across phases.
func (a Analysis) TaskCount() int {
	n := 0
	for _, p := range a.Phases {
		n += len(p.Tasks)
	}
	return n
}

// =============================================================================
// Governance
// =============================================================================

// Recommendation is a governance verdict for one submission.
type Recommendation string

const (
	RecommendProceed     Recommendation = "PROCEED"
	RecommendRetry       Recommendation = "RETRY"
	RecommendBlock       Recommendation = "BLOCK"
	RecommendHumanReview Recommendation = "HUMAN_REVIEW"
)

// AuditRecord is one governance decision. Append-only and immutable
// after creation.
type AuditRecord struct {
	ID                 string         `json:"id"`
	Prompt             string         `json:"prompt"`
	Output             string         `json:"output"`
	Score              float64        `json:"score"` // canonical 0-10
	Recommendation     Recommendation `json:"recommendation"`
	MissedRequirements []string       `json:"missed_requirements,omitempty"`
	SimilarityConflict bool           `json:"similarity_conflict"`
	CostUSD            float64        `json:"cost_usd"`
	Tokens             int            `json:"tokens"`
	CorrelationID      string         `json:"correlation_id"`
	PolicyVersion      string         `json:"policy_version"`
	CreatedAt          time.Time      `json:"created_at"`
}

// NormalizeScore converts a 0-100 scale score to the canonical 0-10
// scale. Scores already in range pass through unchanged.
func NormalizeScore(score float64) float64 {
	if score > 10 {
		return score / 10
	}
	return score
}

// JobEvent is one execution outcome as fed to the canary monitor.
type JobEvent struct {
	// Score is an audit score on the canonical 0-10 scale; HasScore is
	// false for outcomes that carry no audit (most task executions).
	Score    float64
	HasScore bool
	// Replay marks an automatic retry or a failure that will trigger one.
	Replay  bool
	CostUSD float64
	Tokens  int
}

// =============================================================================
// Agent Sessions
// =============================================================================

// SessionState is the state of an external agent session.
type SessionState string

const (
	SessionRunning   SessionState = "RUNNING"
	SessionCompleted SessionState = "COMPLETED"
	SessionFailed    SessionState = "FAILED"
	SessionCancelled SessionState = "CANCELLED"
)

// Terminal reports whether the session will make no further progress.
func (s SessionState) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionCancelled
}
