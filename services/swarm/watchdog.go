// Copyright (C) 2025 Swarmgate Labs (dev@swarmgate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package swarm

import (
	"context"
	"log/slog"
	"time"

	"github.com/swarmgate/swarmgate/services/datatypes"
	"github.com/swarmgate/swarmgate/services/notify"
)

// StaleAfter is how long a swarm may sit in running before the watchdog
// treats it as orphaned by a crashed process.
const StaleAfter = time.Hour

// staleMarker is the diagnostic error recorded on force-failed tasks.
const staleMarker = "WATCHDOG: swarm exceeded the staleness window with no progress; " +
	"force-failed to release orphaned work"

// StaleLister finds swarms stuck in running past a cutoff.
// *store.Store satisfies it.
type StaleLister interface {
	ListStaleRunning(ctx context.Context, cutoff time.Time) ([]datatypes.Swarm, error)
}

// Watchdog periodically force-fails swarms orphaned past StaleAfter.
type Watchdog struct {
	stale    StaleLister
	board    Board
	sink     notify.Sink
	interval time.Duration
	logger   *slog.Logger
}

// NewWatchdog creates a watchdog sweeping every interval (default 10
// minutes).
func NewWatchdog(stale StaleLister, board Board, sink notify.Sink, interval time.Duration, logger *slog.Logger) *Watchdog {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	if sink == nil {
		sink = notify.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watchdog{
		stale:    stale,
		board:    board,
		sink:     sink,
		interval: interval,
		logger:   logger.With(slog.String("component", "watchdog")),
	}
}

// Run sweeps until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil {
				w.logger.Error("sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep force-fails every swarm stuck in running past StaleAfter and
// returns how many it reaped. Tasks still marked running get the
// diagnostic marker as their error detail.
func (w *Watchdog) Sweep(ctx context.Context) (int, error) {
	stale, err := w.stale.ListStaleRunning(ctx, time.Now().Add(-StaleAfter))
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, sw := range stale {
		tasks, err := w.board.GetTasks(ctx, sw.ID)
		if err == nil {
			for _, t := range tasks {
				if t.Status != datatypes.TaskRunning {
					continue
				}
				if err := w.board.UpdateTaskStatus(ctx, sw.ID, t.TaskID,
					datatypes.TaskFailed, datatypes.TaskUpdate{Error: staleMarker}); err != nil {
					w.logger.Warn("could not fail stale task",
						slog.String("task_id", t.TaskID),
						slog.String("error", err.Error()))
				}
			}
		}
		if err := w.board.UpdateSwarmStatus(ctx, sw.ID, datatypes.SwarmCriticalFailure); err != nil {
			w.logger.Error("could not fail stale swarm",
				slog.String("swarm_id", sw.ID),
				slog.String("error", err.Error()))
			continue
		}
		reaped++
		w.logger.Warn("stale swarm force-failed", slog.String("swarm_id", sw.ID))
		w.sink.Send("🧟 swarm " + sw.ID + " was stuck >1h and has been force-failed")
	}
	return reaped, nil
}
