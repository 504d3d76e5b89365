// Copyright (C) 2025 Swarmgate Labs (dev@swarmgate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package canary is the rolling statistical monitor over all
// executions. While a canary is active, every job outcome feeds its
// counters; a periodic tick folds them into a bounded sample ring,
// computes trend metrics, and decides continue or rollback.
package canary

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/swarmgate/swarmgate/services/datatypes"
	"github.com/swarmgate/swarmgate/services/notify"
)

const (
	// SampleCapacity at SampleInterval covers a 24h observation window.
	SampleCapacity = 288
	SampleInterval = 5 * time.Minute

	// ScoreFloor triggers immediate rollback when the rolling average
	// audit score drops below it.
	ScoreFloor = 6.5

	// ReplayCeiling triggers immediate rollback once the automatic-retry
	// share exceeds it with at least MinJobs+1 jobs observed.
	ReplayCeiling = 0.05
	MinJobs       = 10

	// Report cadences in ticks: hourly and the 6-hour milestone.
	hourlyEvery    = 12
	milestoneEvery = 72
)

// Snapshotter persists rollback and milestone reports. *store.Store
// satisfies it.
type Snapshotter interface {
	SaveIntegritySnapshot(ctx context.Context, component, payload string) error
}

// Baseline is the steady-state captured at activation, against which
// growth is projected.
type Baseline struct {
	TokensPerMin float64 `json:"tokens_per_min"`
	CostPerMin   float64 `json:"cost_per_min"`
	AvgScore     float64 `json:"avg_score"`
}

// sample is one folded observation interval.
type sample struct {
	At          time.Time
	AvgScore    float64
	Scored      int
	Jobs        int64
	Replays     int64
	CostUSD     float64
	Tokens      int64
	MemoryMB    float64
	Stability   float64
	ReplayRatio float64
}

// Report is the statistical summary emitted by a tick.
type Report struct {
	Active         bool    `json:"active"`
	TrafficPercent int     `json:"traffic_percent"`
	Jobs           int64   `json:"jobs"`
	Replays        int64   `json:"replays"`
	ReplayRatio    float64 `json:"replay_ratio"`
	AvgScore       float64 `json:"avg_score"`
	ScoreDeviation float64 `json:"score_deviation"`
	StabilitySlope float64 `json:"stability_slope"`
	MemorySlopeMB  float64 `json:"memory_slope_mb"`
	CostUSD        float64 `json:"cost_usd"`
	Tokens         int64   `json:"tokens"`
	Verdict        string  `json:"verdict"`
	RolledBack     bool    `json:"rolled_back"`
	Reason         string  `json:"reason,omitempty"`
}

// Controller holds canary state.
//
// Thread Safety: safe for concurrent use; one mutex guards all state.
type Controller struct {
	mu       sync.Mutex
	active   bool
	traffic  int
	started  time.Time
	baseline Baseline

	samples []sample // ring, newest last, bounded by SampleCapacity
	ticks   int

	// Cumulative counters since activation.
	jobs    int64
	replays int64
	cost    float64
	tokens  int64

	// Rolling audit scores, bounded by SampleCapacity.
	scores []float64

	// Deltas since the last tick.
	tickJobs    int64
	tickReplays int64
	tickCost    float64
	tickTokens  int64
	tickScores  []float64

	sink   notify.Sink
	snap   Snapshotter
	memMB  func() float64
	logger *slog.Logger
}

// New creates an inactive controller.
func New(snap Snapshotter, sink notify.Sink, logger *slog.Logger) *Controller {
	if sink == nil {
		sink = notify.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		sink:   sink,
		snap:   snap,
		memMB:  heapMB,
		logger: logger.With(slog.String("component", "canary")),
	}
}

func heapMB() float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return float64(ms.HeapAlloc) / (1 << 20)
}

// Activate (re)starts the canary at trafficPercent, resetting every
// counter and capturing the supplied baseline.
func (c *Controller) Activate(trafficPercent int, baseline Baseline) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = true
	c.traffic = trafficPercent
	c.started = time.Now()
	c.baseline = baseline
	c.samples = nil
	c.scores = nil
	c.ticks = 0
	c.jobs, c.replays, c.cost, c.tokens = 0, 0, 0, 0
	c.tickJobs, c.tickReplays, c.tickCost, c.tickTokens = 0, 0, 0, 0
	c.tickScores = nil
	c.logger.Info("canary activated", slog.Int("traffic_percent", trafficPercent))
}

// Rollback deactivates the canary, zeroes traffic, and persists a
// snapshot report.
func (c *Controller) Rollback(ctx context.Context, reason string) Report {
	c.mu.Lock()
	rep := c.reportLocked()
	rep.RolledBack = true
	rep.Reason = reason
	rep.Verdict = "ROLLBACK"
	c.active = false
	c.traffic = 0
	c.mu.Unlock()

	c.persistSnapshot(ctx, rep)
	c.sink.Send(fmt.Sprintf("⛔ canary rolled back: %s (jobs=%d, replay=%.1f%%, avg=%.2f)",
		reason, rep.Jobs, rep.ReplayRatio*100, rep.AvgScore))
	c.logger.Warn("canary rolled back", slog.String("reason", reason))
	return rep
}

// RecordJob folds one execution outcome into the counters. No-op while
// inactive.
func (c *Controller) RecordJob(e datatypes.JobEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return
	}
	c.jobs++
	c.tickJobs++
	if e.Replay {
		c.replays++
		c.tickReplays++
	}
	c.cost += e.CostUSD
	c.tickCost += e.CostUSD
	c.tokens += int64(e.Tokens)
	c.tickTokens += int64(e.Tokens)
	if e.HasScore {
		c.scores = append(c.scores, e.Score)
		if len(c.scores) > SampleCapacity {
			c.scores = c.scores[1:]
		}
		c.tickScores = append(c.tickScores, e.Score)
	}
}

// Run ticks at SampleInterval until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick folds the interval into the sample ring, evaluates the rollback
// triggers, and emits periodic reports.
func (c *Controller) Tick(ctx context.Context) Report {
	c.mu.Lock()
	if !c.active {
		rep := c.reportLocked()
		c.mu.Unlock()
		return rep
	}

	c.foldSampleLocked()
	rep := c.reportLocked()

	reason := ""
	switch {
	case len(c.scores) > 0 && rep.AvgScore < ScoreFloor:
		reason = fmt.Sprintf("average score %.2f below floor %.1f", rep.AvgScore, ScoreFloor)
	case c.jobs > MinJobs && rep.ReplayRatio > ReplayCeiling:
		reason = fmt.Sprintf("replay ratio %.1f%% above ceiling %.0f%%", rep.ReplayRatio*100, ReplayCeiling*100)
	}
	ticks := c.ticks
	c.mu.Unlock()

	if reason != "" {
		return c.Rollback(ctx, reason)
	}

	if ticks%milestoneEvery == 0 {
		c.persistSnapshot(ctx, rep)
		c.sink.Send(fmt.Sprintf("📊 canary 6h milestone: %s", summarize(rep)))
	} else if ticks%hourlyEvery == 0 {
		c.logger.Info("canary hourly report",
			slog.Float64("avg_score", rep.AvgScore),
			slog.Float64("replay_ratio", rep.ReplayRatio),
			slog.Float64("stability_slope", rep.StabilitySlope),
			slog.Float64("memory_slope_mb", rep.MemorySlopeMB),
			slog.String("verdict", rep.Verdict))
		c.sink.Send(fmt.Sprintf("🕐 canary hourly: %s", summarize(rep)))
	}
	return rep
}

// foldSampleLocked closes the current observation interval.
func (c *Controller) foldSampleLocked() {
	c.ticks++

	avg, _ := meanDev(c.tickScores)
	ratio := 0.0
	if c.jobs > 0 {
		ratio = float64(c.replays) / float64(c.jobs)
	}
	s := sample{
		At:          time.Now(),
		AvgScore:    avg,
		Scored:      len(c.tickScores),
		Jobs:        c.tickJobs,
		Replays:     c.tickReplays,
		CostUSD:     c.tickCost,
		Tokens:      c.tickTokens,
		MemoryMB:    c.memMB(),
		ReplayRatio: ratio,
	}
	// Composite stability index: score health minus replay pressure.
	s.Stability = avg - 10*ratio

	c.samples = append(c.samples, s)
	if len(c.samples) > SampleCapacity {
		c.samples = c.samples[1:]
	}
	c.tickJobs, c.tickReplays, c.tickCost, c.tickTokens = 0, 0, 0, 0
	c.tickScores = nil
}

func (c *Controller) reportLocked() Report {
	avg, dev := meanDev(c.scores)
	ratio := 0.0
	if c.jobs > 0 {
		ratio = float64(c.replays) / float64(c.jobs)
	}
	rep := Report{
		Active:         c.active,
		TrafficPercent: c.traffic,
		Jobs:           c.jobs,
		Replays:        c.replays,
		ReplayRatio:    ratio,
		AvgScore:       avg,
		ScoreDeviation: dev,
		StabilitySlope: slope(c.samples, func(s sample) float64 { return s.Stability }),
		MemorySlopeMB:  slope(c.samples, func(s sample) float64 { return s.MemoryMB }),
		CostUSD:        c.cost,
		Tokens:         c.tokens,
	}
	rep.Verdict = verdict(rep)
	return rep
}

// Status returns the current report without folding a sample.
func (c *Controller) Status() Report {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reportLocked()
}

// Active reports whether a canary run is in progress.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Controller) persistSnapshot(ctx context.Context, rep Report) {
	if c.snap == nil {
		return
	}
	payload, err := json.Marshal(rep)
	if err != nil {
		return
	}
	if err := c.snap.SaveIntegritySnapshot(ctx, "canary", string(payload)); err != nil {
		c.logger.Warn("snapshot not persisted", slog.String("error", err.Error()))
	}
}

// verdict is the qualitative stability reading reports carry.
func verdict(rep Report) string {
	switch {
	case rep.Jobs == 0:
		return "NO_DATA"
	case rep.AvgScore < ScoreFloor || rep.ReplayRatio > ReplayCeiling:
		return "DEGRADING"
	case rep.StabilitySlope < 0:
		return "DRIFTING"
	default:
		return "STABLE"
	}
}

func summarize(rep Report) string {
	return fmt.Sprintf("avg=%.2f±%.2f replay=%.1f%% jobs=%d slope=%.3f mem=%.3fMB/tick verdict=%s",
		rep.AvgScore, rep.ScoreDeviation, rep.ReplayRatio*100, rep.Jobs,
		rep.StabilitySlope, rep.MemorySlopeMB, rep.Verdict)
}

// meanDev is mean and population standard deviation.
func meanDev(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	varsum := 0.0
	for _, x := range xs {
		varsum += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(varsum / float64(len(xs)))
}

// slope is the least-squares slope of f(sample) over tick index.
func slope(samples []sample, f func(sample) float64) float64 {
	n := len(samples)
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, s := range samples {
		x := float64(i)
		y := f(s)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := float64(n)*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (float64(n)*sumXY - sumX*sumY) / denom
}
