// Copyright (C) 2025 Swarmgate Labs (dev@swarmgate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package accounts tracks per-account health for the fixed pool of
// execution accounts and implements the failover circuit breaker.
//
// State machine per account:
//
//	unknown -> healthy <-> unhealthy -> recovering -> healthy
//
// An account becomes unhealthy after ConsecutiveAuthFailures matching
// 401 failures. Recovery is lazy: the unhealthy state is only left on
// the next IsHealthy check after the cooldown window has elapsed.
package accounts

import (
	"log/slog"
	"sync"
	"time"
)

// Status is the health status of one account.
type Status string

const (
	StatusUnknown    Status = "unknown"
	StatusHealthy    Status = "healthy"
	StatusUnhealthy  Status = "unhealthy"
	StatusRecovering Status = "recovering"
	StatusNoKey      Status = "no_key"
)

const (
	// ConsecutiveAuthFailures is the number of consecutive 401 failures
	// that trips the breaker.
	ConsecutiveAuthFailures = 2

	// Cooldown is how long a tripped account is excluded before the next
	// health check treats it as recovering.
	Cooldown = 5 * time.Minute
)

// Account is one configured execution identity.
type Account struct {
	ID    string
	Label string // human-readable role label, e.g. "primary", "overflow"
	Key   string // credential; empty means the account cannot be used
}

// entry is the mutable health state of one account.
type entry struct {
	status              Status
	consecutiveFailures int
	lastFailureAt       time.Time
	lastFailureCode     int
	lastSuccessAt       time.Time
}

// Registry tracks health state for a fixed pool of accounts.
//
// Thread Safety: safe for concurrent use; all state is guarded by one
// mutex since the pool is small and transitions are cheap.
type Registry struct {
	mu       sync.Mutex
	order    []string
	accounts map[string]Account
	health   map[string]*entry
	cooldown time.Duration
	logger   *slog.Logger
}

// NewRegistry creates a registry over the configured account pool.
// Accounts without a credential start in no_key and are never selected.
func NewRegistry(pool []Account, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		accounts: make(map[string]Account, len(pool)),
		health:   make(map[string]*entry, len(pool)),
		cooldown: Cooldown,
		logger:   logger.With(slog.String("component", "accounts")),
	}
	for _, a := range pool {
		r.order = append(r.order, a.ID)
		r.accounts[a.ID] = a
		st := StatusUnknown
		if a.Key == "" {
			st = StatusNoKey
		}
		r.health[a.ID] = &entry{status: st}
	}
	return r
}

// SetCooldown overrides the recovery cooldown. Intended for tests.
func (r *Registry) SetCooldown(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cooldown = d
}

// RecordSuccess resets the failure counter and marks the account healthy.
func (r *Registry) RecordSuccess(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.health[id]
	if !ok || e.status == StatusNoKey {
		return
	}
	e.consecutiveFailures = 0
	e.lastSuccessAt = time.Now()
	e.status = StatusHealthy
}

// RecordFailure increments the consecutive failure counter. A 401 at or
// past the threshold trips the breaker.
func (r *Registry) RecordFailure(id string, statusCode int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.health[id]
	if !ok || e.status == StatusNoKey {
		return
	}
	e.consecutiveFailures++
	e.lastFailureAt = time.Now()
	e.lastFailureCode = statusCode
	if statusCode == 401 && e.consecutiveFailures >= ConsecutiveAuthFailures {
		if e.status != StatusUnhealthy {
			r.logger.Warn("account circuit breaker tripped",
				slog.String("account", id),
				slog.Int("consecutive_failures", e.consecutiveFailures))
		}
		e.status = StatusUnhealthy
	}
}

// IsHealthy reports whether an account may be used.
//
// An unhealthy account whose cooldown has elapsed transitions to
// recovering (treated as healthy) and has its failure counter reset;
// the recovery is confirmed or reverted by the next Record call.
func (r *Registry) IsHealthy(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.health[id]
	if !ok {
		return false
	}
	switch e.status {
	case StatusNoKey:
		return false
	case StatusUnhealthy:
		if time.Since(e.lastFailureAt) >= r.cooldown {
			e.status = StatusRecovering
			e.consecutiveFailures = 0
			r.logger.Info("account cooldown elapsed, probing recovery",
				slog.String("account", id))
			return true
		}
		return false
	default:
		return true
	}
}

// FindHealthyAlternate returns the first configured account other than
// excludeID that has credentials and is currently healthy. The second
// return value is false when no alternate exists.
func (r *Registry) FindHealthyAlternate(excludeID string) (Account, bool) {
	r.mu.Lock()
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	r.mu.Unlock()

	for _, id := range ids {
		if id == excludeID {
			continue
		}
		// IsHealthy takes the lock itself; it may promote an account out
		// of cooldown as a side effect.
		if r.IsHealthy(id) {
			r.mu.Lock()
			a := r.accounts[id]
			r.mu.Unlock()
			if a.Key != "" {
				return a, true
			}
		}
	}
	return Account{}, false
}

// Get returns the configured account for id.
func (r *Registry) Get(id string) (Account, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	return a, ok
}

// StatusOf returns the current health status of an account without
// triggering lazy recovery.
func (r *Registry) StatusOf(id string) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.health[id]
	if !ok {
		return StatusUnknown
	}
	return e.status
}

// Snapshot returns a copy of the health table keyed by account id.
func (r *Registry) Snapshot() map[string]Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Status, len(r.health))
	for id, e := range r.health {
		out[id] = e.status
	}
	return out
}
