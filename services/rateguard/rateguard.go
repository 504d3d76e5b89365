// Copyright (C) 2025 Swarmgate Labs (dev@swarmgate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package rateguard enforces per-model hourly and daily call quotas.
//
// Counters live in Redis so quota windows are shared across replicas;
// when Redis is unreachable the guard falls back to in-process counters
// for the remainder of the process lifetime. The fallback is sticky: a
// failed primary is not retried on every call, which would add its
// failure latency to every quota check.
//
// A second, durable dimension is the hard-block table: a model that was
// manually or automatically blocked is denied regardless of counters.
package rateguard

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Suggested waits per denial reason.
const (
	HourlyWait = 60 * time.Second
	DailyWait  = 3600 * time.Second
	BlockWait  = 600 * time.Second
)

// Quota is the per-resource call ceiling.
type Quota struct {
	Hourly int `yaml:"hourly"`
	Daily  int `yaml:"daily"`
}

// DefaultQuota applies to resources without an explicit entry.
var DefaultQuota = Quota{Hourly: 30, Daily: 200}

// BlockStore is the durable side of the guard: hard-block lookups,
// analytic records, and origin-keyed daily admission counters.
type BlockStore interface {
	IsModelBlocked(ctx context.Context, model string) (bool, error)
	RecordRateEvent(ctx context.Context, model, provider string, statusCode int, success, blocked bool) error
	IncrOriginUsage(ctx context.Context, origin string) (int, error)
}

// Decision is the outcome of a quota check. Wait is the suggested
// cooperative wait when not allowed.
type Decision struct {
	Allowed bool
	Wait    time.Duration
	Reason  string
}

// Guard enforces quotas for all models.
//
// Thread Safety: safe for concurrent use. Counter mutation is atomic per
// key inside the counter stores.
type Guard struct {
	primary  CounterStore // may be nil (local-only deployment)
	local    *LocalCounters
	blocks   BlockStore
	quotas   map[string]Quota
	provider string

	// fallback is set once on the first primary failure and never
	// cleared; see the package comment.
	fallback atomic.Bool

	logger *slog.Logger
}

// New creates a Guard. primary may be nil to run local-only; quotas maps
// model name to its ceilings, with DefaultQuota for unlisted models.
func New(primary CounterStore, blocks BlockStore, quotas map[string]Quota, provider string, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	if quotas == nil {
		quotas = map[string]Quota{}
	}
	g := &Guard{
		primary:  primary,
		local:    NewLocalCounters(),
		blocks:   blocks,
		quotas:   quotas,
		provider: provider,
		logger:   logger.With(slog.String("component", "rateguard")),
	}
	if primary == nil {
		g.fallback.Store(true)
	}
	return g
}

// QuotaFor returns the configured quota for a resource.
func (g *Guard) QuotaFor(resource string) Quota {
	if q, ok := g.quotas[resource]; ok {
		return q
	}
	return DefaultQuota
}

func hourKey(resource string, t time.Time) string {
	return "rate:" + resource + ":h:" + t.UTC().Format("2006010215")
}

func dayKey(resource string, t time.Time) string {
	return "rate:" + resource + ":d:" + t.UTC().Format("20060102")
}

func hourTTL(t time.Time) time.Duration {
	return t.Truncate(time.Hour).Add(time.Hour).Sub(t)
}

func dayTTL(t time.Time) time.Duration {
	y, m, d := t.UTC().Date()
	end := time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
	return end.Sub(t)
}

// counters returns the active counter store, demoting to the local
// fallback when the primary errors.
func (g *Guard) read(ctx context.Context, key string) int64 {
	if !g.fallback.Load() {
		n, err := g.primary.Get(ctx, key)
		if err == nil {
			return n
		}
		g.demote(err)
	}
	n, _ := g.local.Get(ctx, key)
	return n
}

func (g *Guard) demote(err error) {
	if g.fallback.CompareAndSwap(false, true) {
		g.logger.Warn("rate counter primary unavailable, falling back to local counters for process lifetime",
			slog.String("error", err.Error()))
	}
}

// Check reports whether one more call to resource is admissible right
// now. It never mutates counters.
func (g *Guard) Check(ctx context.Context, resource string) Decision {
	if g.blocks != nil {
		blocked, err := g.blocks.IsModelBlocked(ctx, resource)
		if err != nil {
			// Durable store down: the counter windows still protect us.
			g.logger.Warn("hard-block lookup failed, continuing on counters only",
				slog.String("model", resource), slog.String("error", err.Error()))
		} else if blocked {
			return Decision{Allowed: false, Wait: BlockWait, Reason: "model is hard-blocked"}
		}
	}

	q := g.QuotaFor(resource)
	t := time.Now()
	if n := g.read(ctx, hourKey(resource, t)); n >= int64(q.Hourly) {
		return Decision{Allowed: false, Wait: HourlyWait,
			Reason: fmt.Sprintf("hourly quota reached (%d/%d)", n, q.Hourly)}
	}
	if n := g.read(ctx, dayKey(resource, t)); n >= int64(q.Daily) {
		return Decision{Allowed: false, Wait: DailyWait,
			Reason: fmt.Sprintf("daily quota reached (%d/%d)", n, q.Daily)}
	}
	return Decision{Allowed: true}
}

// WaitIfNeeded blocks the caller until resource is admissible or ctx is
// cancelled. The wait is a scheduled timer re-check, not recursion, so a
// long quota window cannot grow the stack.
func (g *Guard) WaitIfNeeded(ctx context.Context, resource string) error {
	for {
		d := g.Check(ctx, resource)
		if d.Allowed {
			return nil
		}
		g.logger.Info("throttled, waiting for quota window",
			slog.String("model", resource),
			slog.String("reason", d.Reason),
			slog.Duration("wait", d.Wait))
		timer := time.NewTimer(d.Wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Register records one attempted call against resource: both windows are
// incremented in the primary (best-effort) and the local fallback
// (always), and a durable analytic record is appended with the call
// outcome. A failed call with a 429 status flags the event as the
// cause of a block.
func (g *Guard) Register(ctx context.Context, resource string, success bool, statusCode int) {
	t := time.Now()
	hk, dk := hourKey(resource, t), dayKey(resource, t)

	if !g.fallback.Load() {
		if _, err := g.primary.Incr(ctx, hk, hourTTL(t)); err != nil {
			g.demote(err)
		} else if _, err := g.primary.Incr(ctx, dk, dayTTL(t)); err != nil {
			g.demote(err)
		}
	}
	// The local mirror is kept warm even while the primary is healthy so
	// a mid-window demotion does not reset the window to zero.
	g.local.Incr(ctx, hk, hourTTL(t))
	g.local.Incr(ctx, dk, dayTTL(t))

	if g.blocks != nil {
		causedBlock := !success && statusCode == 429
		if err := g.blocks.RecordRateEvent(ctx, resource, g.provider, statusCode, success, causedBlock); err != nil {
			g.logger.Warn("rate event not persisted",
				slog.String("model", resource), slog.String("error", err.Error()))
		}
	}
}

// HandleOriginRequest applies day-bucketed admission control keyed by
// request origin. An unreachable durable store fails open.
func (g *Guard) HandleOriginRequest(ctx context.Context, originID string, dailyLimit int) Decision {
	if g.blocks == nil {
		return Decision{Allowed: true}
	}
	n, err := g.blocks.IncrOriginUsage(ctx, originID)
	if err != nil {
		g.logger.Warn("origin admission check failed open",
			slog.String("origin", originID), slog.String("error", err.Error()))
		return Decision{Allowed: true}
	}
	if n > dailyLimit {
		return Decision{Allowed: false, Wait: DailyWait,
			Reason: fmt.Sprintf("origin daily limit reached (%d/%d)", n, dailyLimit)}
	}
	return Decision{Allowed: true}
}

// UsingFallback reports whether the guard has demoted to local counters.
func (g *Guard) UsingFallback() bool { return g.fallback.Load() }
