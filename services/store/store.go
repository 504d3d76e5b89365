// Copyright (C) 2025 Swarmgate Labs (dev@swarmgate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store implements the durable relational store for swarmgate.
//
// The store is the single source of truth for swarm and task state. It is
// backed by SQLite (modernc.org/sqlite, pure Go, no cgo) so local and
// containerized deployments need no external database.
//
// Components that can degrade (queue, governance) treat an unreachable
// store as fault.ErrPersistenceUnavailable and apply their documented
// fallback policy; the store itself never falls back.
//
// # Thread Safety
//
// Store is safe for concurrent use; database/sql serializes access to the
// underlying connection pool.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/swarmgate/swarmgate/services/datatypes"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("record not found")

const schema = `
CREATE TABLE IF NOT EXISTS swarms (
	id          TEXT PRIMARY KEY,
	prompt      TEXT NOT NULL,
	status      TEXT NOT NULL,
	metadata    TEXT NOT NULL DEFAULT '{}',
	created_at  TEXT NOT NULL,
	updated_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	swarm_id        TEXT NOT NULL,
	task_id         TEXT NOT NULL,
	phase_order     INTEGER NOT NULL,
	role            TEXT NOT NULL,
	prompt          TEXT NOT NULL DEFAULT '',
	account         TEXT NOT NULL DEFAULT '',
	depends_on      TEXT NOT NULL DEFAULT '[]',
	status          TEXT NOT NULL,
	session_handle  TEXT NOT NULL DEFAULT '',
	result          TEXT NOT NULL DEFAULT '',
	error           TEXT NOT NULL DEFAULT '',
	retry_count     INTEGER NOT NULL DEFAULT 0,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL,
	PRIMARY KEY (swarm_id, task_id)
);

CREATE TABLE IF NOT EXISTS audit_results (
	id                  TEXT PRIMARY KEY,
	prompt              TEXT NOT NULL,
	output              TEXT NOT NULL DEFAULT '',
	score               REAL NOT NULL,
	recommendation      TEXT NOT NULL,
	missed_requirements TEXT NOT NULL DEFAULT '[]',
	similarity_conflict INTEGER NOT NULL DEFAULT 0,
	cost_usd            REAL NOT NULL DEFAULT 0,
	tokens              INTEGER NOT NULL DEFAULT 0,
	correlation_id      TEXT NOT NULL DEFAULT '',
	policy_version      TEXT NOT NULL DEFAULT '',
	created_at          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_prompt ON audit_results (prompt, recommendation);

CREATE TABLE IF NOT EXISTS cost_governance (
	date               TEXT PRIMARY KEY,
	total_cost_usd     REAL NOT NULL DEFAULT 0,
	daily_limit_usd    REAL NOT NULL,
	kill_switch_active INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS rate_limits (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	model       TEXT NOT NULL,
	provider    TEXT NOT NULL DEFAULT '',
	status_code INTEGER NOT NULL DEFAULT 0,
	success     INTEGER NOT NULL DEFAULT 1,
	is_blocked  INTEGER NOT NULL DEFAULT 0,
	created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rate_limits_model ON rate_limits (model, is_blocked);

CREATE TABLE IF NOT EXISTS origin_usage (
	origin TEXT NOT NULL,
	day    TEXT NOT NULL,
	count  INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (origin, day)
);

CREATE TABLE IF NOT EXISTS chaos_history (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	scenario   TEXT NOT NULL,
	passed     INTEGER NOT NULL,
	report     TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS integrity_snapshots (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	component  TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at TEXT NOT NULL
);
`

// Store wraps the SQLite database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (creating if necessary) the database at path and applies the
// schema. Use ":memory:" for tests.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// modernc sqlite rejects concurrent writers on a single file; one
	// connection keeps writes serialized.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	logger.Info("durable store ready", slog.String("path", path))
	return &Store{db: db, logger: logger.With(slog.String("component", "store"))}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies the store is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// =============================================================================
// Swarms
// =============================================================================

// InsertSwarm persists a new swarm.
func (s *Store) InsertSwarm(ctx context.Context, sw *datatypes.Swarm) error {
	meta, err := json.Marshal(sw.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	ts := now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO swarms (id, prompt, status, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		sw.ID, sw.Prompt, string(sw.Status), string(meta), ts, ts)
	if err != nil {
		return fmt.Errorf("insert swarm: %w", err)
	}
	return nil
}

// GetSwarm fetches a swarm by id. Returns ErrNotFound if absent.
func (s *Store) GetSwarm(ctx context.Context, id string) (*datatypes.Swarm, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, prompt, status, metadata, created_at, updated_at FROM swarms WHERE id = ?`, id)
	var sw datatypes.Swarm
	var status, meta, created, updated string
	if err := row.Scan(&sw.ID, &sw.Prompt, &status, &meta, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get swarm: %w", err)
	}
	sw.Status = datatypes.SwarmStatus(status)
	if err := json.Unmarshal([]byte(meta), &sw.Metadata); err != nil {
		sw.Metadata = nil
	}
	sw.CreatedAt = parseTime(created)
	sw.UpdatedAt = parseTime(updated)
	return &sw, nil
}

// UpdateSwarmStatus transitions a swarm's status. Transitions out of a
// terminal status are rejected silently (no rows affected).
func (s *Store) UpdateSwarmStatus(ctx context.Context, id string, status datatypes.SwarmStatus) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE swarms SET status = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN ('completed', 'critical_failure', 'cancelled')`,
		string(status), now(), id)
	if err != nil {
		return fmt.Errorf("update swarm status: %w", err)
	}
	return nil
}

// ListStaleRunning returns swarms stuck in running since before cutoff.
// Used by the watchdog to force-fail orphaned work.
func (s *Store) ListStaleRunning(ctx context.Context, cutoff time.Time) ([]datatypes.Swarm, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, prompt, status, updated_at FROM swarms
		 WHERE status = 'running' AND updated_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("list stale swarms: %w", err)
	}
	defer rows.Close()
	var out []datatypes.Swarm
	for rows.Next() {
		var sw datatypes.Swarm
		var status, updated string
		if err := rows.Scan(&sw.ID, &sw.Prompt, &status, &updated); err != nil {
			return nil, err
		}
		sw.Status = datatypes.SwarmStatus(status)
		sw.UpdatedAt = parseTime(updated)
		out = append(out, sw)
	}
	return out, rows.Err()
}

// =============================================================================
// Tasks
// =============================================================================

// InsertTasks persists a batch of tasks in one transaction.
func (s *Store) InsertTasks(ctx context.Context, tasks []datatypes.Task) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	ts := now()
	for _, t := range tasks {
		deps, err := json.Marshal(t.DependsOn)
		if err != nil {
			return fmt.Errorf("marshal depends_on: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tasks (swarm_id, task_id, phase_order, role, prompt, account, depends_on,
			                    status, session_handle, result, error, retry_count, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, '', '', '', 0, ?, ?)`,
			t.SwarmID, t.TaskID, t.PhaseOrder, t.Role, t.Prompt, t.Account, string(deps),
			string(t.Status), ts, ts); err != nil {
			return fmt.Errorf("insert task %s: %w", t.TaskID, err)
		}
	}
	return tx.Commit()
}

func scanTasks(rows *sql.Rows) ([]datatypes.Task, error) {
	var out []datatypes.Task
	for rows.Next() {
		var t datatypes.Task
		var deps, status, created, updated string
		if err := rows.Scan(&t.SwarmID, &t.TaskID, &t.PhaseOrder, &t.Role, &t.Prompt, &t.Account,
			&deps, &status, &t.SessionHandle, &t.Result, &t.Error, &t.RetryCount,
			&created, &updated); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(deps), &t.DependsOn); err != nil {
			t.DependsOn = nil
		}
		t.Status = datatypes.TaskStatus(status)
		t.CreatedAt = parseTime(created)
		t.UpdatedAt = parseTime(updated)
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetTasks returns every task of a swarm ordered by (phase order,
// insertion order).
func (s *Store) GetTasks(ctx context.Context, swarmID string) ([]datatypes.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT swarm_id, task_id, phase_order, role, prompt, account, depends_on, status,
		        session_handle, result, error, retry_count, created_at, updated_at
		 FROM tasks WHERE swarm_id = ? ORDER BY phase_order, rowid`, swarmID)
	if err != nil {
		return nil, fmt.Errorf("get tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// UpdateTaskStatus applies a monotonic status transition.
//
// Transitions away from a terminal status are a silent no-op; recording
// failed increments the retry counter. failed -> pending happens only
// through ResetFailedTasks.
func (s *Store) UpdateTaskStatus(ctx context.Context, swarmID, taskID string,
	status datatypes.TaskStatus, upd datatypes.TaskUpdate) error {

	retryInc := 0
	if status == datatypes.TaskFailed {
		retryInc = 1
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET
			status = ?,
			result = CASE WHEN ? != '' THEN ? ELSE result END,
			error = ?,
			session_handle = CASE WHEN ? != '' THEN ? ELSE session_handle END,
			retry_count = retry_count + ?,
			updated_at = ?
		 WHERE swarm_id = ? AND task_id = ? AND status NOT IN ('completed', 'failed')`,
		string(status),
		upd.Result, upd.Result,
		upd.Error,
		upd.SessionHandle, upd.SessionHandle,
		retryInc, now(), swarmID, taskID)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return nil
}

// ResetFailedTasks moves every failed task of a swarm back to pending,
// clearing error detail. Returns the number of tasks re-opened.
func (s *Store) ResetFailedTasks(ctx context.Context, swarmID string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = 'pending', error = '', updated_at = ?
		 WHERE swarm_id = ? AND status = 'failed'`, now(), swarmID)
	if err != nil {
		return 0, fmt.Errorf("reset failed tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// CountTasksByStatus aggregates task counts per status for a swarm.
func (s *Store) CountTasksByStatus(ctx context.Context, swarmID string) (map[datatypes.TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM tasks WHERE swarm_id = ? GROUP BY status`, swarmID)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()
	out := make(map[datatypes.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[datatypes.TaskStatus(status)] = n
	}
	return out, rows.Err()
}

// =============================================================================
// Audit
// =============================================================================

// InsertAuditRecord appends one governance decision.
func (s *Store) InsertAuditRecord(ctx context.Context, rec *datatypes.AuditRecord) error {
	missed, err := json.Marshal(rec.MissedRequirements)
	if err != nil {
		return fmt.Errorf("marshal missed requirements: %w", err)
	}
	conflict := 0
	if rec.SimilarityConflict {
		conflict = 1
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO audit_results (id, prompt, output, score, recommendation,
		        missed_requirements, similarity_conflict, cost_usd, tokens,
		        correlation_id, policy_version, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Prompt, rec.Output, rec.Score, string(rec.Recommendation),
		string(missed), conflict, rec.CostUSD, rec.Tokens,
		rec.CorrelationID, rec.PolicyVersion, created.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// CountRetryRecommendations returns how many RETRY verdicts exist for an
// identical prompt string. Basis of the anti-loop policy.
func (s *Store) CountRetryRecommendations(ctx context.Context, prompt string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audit_results WHERE prompt = ? AND recommendation = 'RETRY'`,
		prompt).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count retry recommendations: %w", err)
	}
	return n, nil
}

// =============================================================================
// Cost Governance
// =============================================================================

// CostToday returns today's accumulated spend, the configured daily
// ceiling, and the kill-switch flag. A missing row is initialized with
// defaultLimit.
func (s *Store) CostToday(ctx context.Context, defaultLimit float64) (total, limit float64, killSwitch bool, err error) {
	day := time.Now().UTC().Format("2006-01-02")
	var kill int
	err = s.db.QueryRowContext(ctx,
		`SELECT total_cost_usd, daily_limit_usd, kill_switch_active
		 FROM cost_governance WHERE date = ?`, day).Scan(&total, &limit, &kill)
	if errors.Is(err, sql.ErrNoRows) {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO cost_governance (date, total_cost_usd, daily_limit_usd, kill_switch_active)
			 VALUES (?, 0, ?, 0)`, day, defaultLimit)
		if err != nil {
			return 0, 0, false, fmt.Errorf("init cost row: %w", err)
		}
		return 0, defaultLimit, false, nil
	}
	if err != nil {
		return 0, 0, false, fmt.Errorf("cost today: %w", err)
	}
	return total, limit, kill != 0, nil
}

// AddCost adds spend to today's accumulator, creating the row if needed.
func (s *Store) AddCost(ctx context.Context, amount, defaultLimit float64) error {
	day := time.Now().UTC().Format("2006-01-02")
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cost_governance (date, total_cost_usd, daily_limit_usd, kill_switch_active)
		 VALUES (?, ?, ?, 0)
		 ON CONFLICT(date) DO UPDATE SET total_cost_usd = total_cost_usd + ?`,
		day, amount, defaultLimit, amount)
	if err != nil {
		return fmt.Errorf("add cost: %w", err)
	}
	return nil
}

// SetKillSwitch flips the global dispatch kill switch for today.
func (s *Store) SetKillSwitch(ctx context.Context, active bool, defaultLimit float64) error {
	day := time.Now().UTC().Format("2006-01-02")
	v := 0
	if active {
		v = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cost_governance (date, total_cost_usd, daily_limit_usd, kill_switch_active)
		 VALUES (?, 0, ?, ?)
		 ON CONFLICT(date) DO UPDATE SET kill_switch_active = ?`,
		day, defaultLimit, v, v)
	if err != nil {
		return fmt.Errorf("set kill switch: %w", err)
	}
	return nil
}

// =============================================================================
// Rate Limits
// =============================================================================

// RecordRateEvent appends one rate-limiter analytic record, including
// the call outcome and whether the event caused a block.
func (s *Store) RecordRateEvent(ctx context.Context, model, provider string, statusCode int, success, blocked bool) error {
	ok, b := 0, 0
	if success {
		ok = 1
	}
	if blocked {
		b = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rate_limits (model, provider, status_code, success, is_blocked, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`, model, provider, statusCode, ok, b, now())
	if err != nil {
		return fmt.Errorf("record rate event: %w", err)
	}
	return nil
}

// IsModelBlocked reports whether a hard block is active for model.
func (s *Store) IsModelBlocked(ctx context.Context, model string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rate_limits WHERE model = ? AND is_blocked = 1`, model).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("is model blocked: %w", err)
	}
	return n > 0, nil
}

// =============================================================================
// Origin Usage
// =============================================================================

// IncrOriginUsage bumps the day-bucketed counter for a request origin and
// returns the new count.
func (s *Store) IncrOriginUsage(ctx context.Context, origin string) (int, error) {
	day := time.Now().UTC().Format("2006-01-02")
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO origin_usage (origin, day, count) VALUES (?, ?, 1)
		 ON CONFLICT(origin, day) DO UPDATE SET count = count + 1`, origin, day)
	if err != nil {
		return 0, fmt.Errorf("incr origin usage: %w", err)
	}
	var n int
	err = s.db.QueryRowContext(ctx,
		`SELECT count FROM origin_usage WHERE origin = ? AND day = ?`, origin, day).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("read origin usage: %w", err)
	}
	return n, nil
}

// OriginUsage returns today's count for a request origin.
func (s *Store) OriginUsage(ctx context.Context, origin string) (int, error) {
	day := time.Now().UTC().Format("2006-01-02")
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count FROM origin_usage WHERE origin = ? AND day = ?`, origin, day).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("origin usage: %w", err)
	}
	return n, nil
}

// =============================================================================
// Chaos & Integrity
// =============================================================================

// RecordChaosRun appends one chaos scenario outcome.
func (s *Store) RecordChaosRun(ctx context.Context, scenario string, passed bool, report string) error {
	p := 0
	if passed {
		p = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chaos_history (scenario, passed, report, created_at) VALUES (?, ?, ?, ?)`,
		scenario, p, report, now())
	if err != nil {
		return fmt.Errorf("record chaos run: %w", err)
	}
	return nil
}

// SaveIntegritySnapshot stores a point-in-time component snapshot (canary
// baselines, rollback reports).
func (s *Store) SaveIntegritySnapshot(ctx context.Context, component, payload string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO integrity_snapshots (component, payload, created_at) VALUES (?, ?, ?)`,
		component, payload, now())
	if err != nil {
		return fmt.Errorf("save integrity snapshot: %w", err)
	}
	return nil
}
