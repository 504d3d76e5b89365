// Copyright (C) 2025 Swarmgate Labs (dev@swarmgate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/swarmgate/swarmgate/services/datatypes"
	"github.com/swarmgate/swarmgate/services/governance"
	"github.com/swarmgate/swarmgate/services/llm"
	"github.com/swarmgate/swarmgate/services/notify"
	"github.com/swarmgate/swarmgate/services/orchestrator/observability"
)

// SequenceRetries is how many times a failed multi-role sequence is
// reset and rerun before escalating to the single-shot fallback.
const SequenceRetries = 2

// completionFloor is the minimum single-shot score (canonical 0-10) for
// a swarm to finish as completed rather than needs_revision.
const completionFloor = 7.0

// TaskRunner executes one task. *Executor satisfies it.
type TaskRunner interface {
	ExecuteTask(ctx context.Context, task datatypes.Task) error
}

// Orchestrator drives a swarm's DAG to a terminal status.
type Orchestrator struct {
	board    Board
	runner   TaskRunner
	reasoner llm.Reasoner // single-shot fallback; may be nil
	recorder *governance.Recorder
	jobs     JobSink // scored outcomes feed the canary; may be nil
	sink     notify.Sink
	logger   *slog.Logger
}

// NewOrchestrator wires an orchestrator. reasoner may be nil, which
// disables the single-shot fallback (exhausted sequences then land in
// manual_fix_required directly). jobs may be nil.
func NewOrchestrator(board Board, runner TaskRunner, reasoner llm.Reasoner,
	recorder *governance.Recorder, jobs JobSink, sink notify.Sink, logger *slog.Logger) *Orchestrator {

	if sink == nil {
		sink = notify.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		board:    board,
		runner:   runner,
		reasoner: reasoner,
		recorder: recorder,
		jobs:     jobs,
		sink:     sink,
		logger:   logger.With(slog.String("component", "orchestrator")),
	}
}

// RunSwarm executes the whole dependency graph. A failed sequence is
// reset and rerun up to SequenceRetries times; exhausting the budget
// escalates to the single-shot fallback instead of leaving the swarm
// stuck.
func (o *Orchestrator) RunSwarm(ctx context.Context, swarmID string) error {
	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= SequenceRetries; attempt++ {
		if attempt > 0 {
			n, err := o.board.ResetFailedTasks(ctx, swarmID)
			if err != nil {
				return fmt.Errorf("reset before retry: %w", err)
			}
			o.logger.Info("retrying sequence",
				slog.String("swarm_id", swarmID),
				slog.Int("attempt", attempt),
				slog.Int("reopened", n))
		}

		lastErr = o.runSequence(ctx, swarmID)
		if lastErr == nil {
			if err := o.board.UpdateSwarmStatus(ctx, swarmID, datatypes.SwarmCompleted); err != nil {
				return fmt.Errorf("mark completed: %w", err)
			}
			observeSwarmDuration(datatypes.SwarmCompleted, start)
			o.sink.Send(fmt.Sprintf("✅ swarm %s completed", swarmID))
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	o.logger.Warn("sequence retries exhausted, escalating to single-shot fallback",
		slog.String("swarm_id", swarmID),
		slog.String("error", lastErr.Error()))
	return o.runSingleShot(ctx, swarmID, start)
}

// runSequence dispatches ready sets until the graph drains or a round
// leaves failed tasks behind. Tasks within one ready set run
// concurrently; a failure in one never cancels its siblings.
func (o *Orchestrator) runSequence(ctx context.Context, swarmID string) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ready, err := o.board.GetReadyTasks(ctx, swarmID)
		if err != nil {
			return fmt.Errorf("ready set: %w", err)
		}

		if len(ready) == 0 {
			progress, err := o.board.GetSwarmProgress(ctx, swarmID)
			if err != nil {
				return fmt.Errorf("progress: %w", err)
			}
			failed := progress.Counts[datatypes.TaskFailed]
			pending := progress.Counts[datatypes.TaskPending]
			switch {
			case failed > 0:
				return fmt.Errorf("sequence aborted: %d task(s) failed", failed)
			case pending > 0:
				return fmt.Errorf("sequence stuck: %d pending task(s) with unsatisfiable dependencies", pending)
			default:
				return nil
			}
		}

		// No shared-context group: sibling failures must not abort
		// in-flight siblings.
		var g errgroup.Group
		for _, task := range ready {
			g.Go(func() error {
				return o.runner.ExecuteTask(ctx, task)
			})
		}
		if err := g.Wait(); err != nil {
			// Keep draining: independent branches may still make
			// progress this round; the failed>0 check above ends the
			// sequence once nothing more is runnable.
			o.logger.Warn("task failure in ready set",
				slog.String("swarm_id", swarmID),
				slog.String("error", err.Error()))
		}
	}
}

const singleShotSystem = `You are a senior engineer producing a final deliverable in one pass.
The staged multi-agent pipeline for this request failed repeatedly; produce the best
complete answer you can. Respond with a JSON object:
{"output": "<the deliverable>", "score": <self-assessed quality 0-100>, "missed": ["<requirement you could not satisfy>", ...]}`

type singleShotReply struct {
	Output string   `json:"output"`
	Score  float64  `json:"score"`
	Missed []string `json:"missed"`
}

// runSingleShot is the fallback of last resort: one model-routed
// synthesis of the original prompt, audited and persisted like any
// governed outcome. A malformed reply degrades to a fixed HUMAN_REVIEW
// audit record, never a crash.
func (o *Orchestrator) runSingleShot(ctx context.Context, swarmID string, start time.Time) error {
	sw, err := o.board.GetSwarm(ctx, swarmID)
	if err != nil {
		return fmt.Errorf("load swarm for fallback: %w", err)
	}

	if o.reasoner == nil {
		o.escalateManual(ctx, sw, "no fallback pipeline configured")
		observeSwarmDuration(datatypes.SwarmManualFix, start)
		return nil
	}

	raw, err := o.reasoner.Complete(ctx, singleShotSystem, sw.Prompt, llm.Params{
		Temperature: 0.3,
		MaxTokens:   4000,
		JSONMode:    true,
	})
	if err != nil {
		o.escalateManual(ctx, sw, "fallback pipeline failed: "+err.Error())
		observeSwarmDuration(datatypes.SwarmManualFix, start)
		return nil
	}

	var reply singleShotReply
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &reply); err != nil || reply.Output == "" {
		o.logger.Warn("malformed fallback output, recording fixed review verdict",
			slog.String("swarm_id", swarmID))
		o.audit(ctx, &datatypes.AuditRecord{
			ID:                 uuid.NewString(),
			Prompt:             sw.Prompt,
			Output:             clip(raw, 2000),
			Score:              -1,
			Recommendation:     datatypes.RecommendHumanReview,
			MissedRequirements: []string{"fallback output did not match the required contract"},
			PolicyVersion:      governance.PolicyVersion,
		})
		o.escalateManual(ctx, sw, "fallback produced malformed output")
		observeSwarmDuration(datatypes.SwarmManualFix, start)
		return nil
	}

	score := datatypes.NormalizeScore(reply.Score)
	rec := datatypes.RecommendRetry
	status := datatypes.SwarmNeedsRevision
	if score >= completionFloor {
		rec = datatypes.RecommendProceed
		status = datatypes.SwarmCompleted
	}
	tokens := estimateTokens(sw.Prompt, reply.Output)
	o.audit(ctx, &datatypes.AuditRecord{
		ID:                 uuid.NewString(),
		Prompt:             sw.Prompt,
		Output:             reply.Output,
		Score:              score,
		Recommendation:     rec,
		MissedRequirements: reply.Missed,
		Tokens:             tokens,
		PolicyVersion:      governance.PolicyVersion,
	})
	// The fallback is redone work by definition; its self-assessed score
	// is the only quality signal a degraded swarm produces.
	o.recordJob(datatypes.JobEvent{
		Score:    score,
		HasScore: true,
		Replay:   true,
		Tokens:   tokens,
	})

	if err := o.board.UpdateSwarmStatus(ctx, swarmID, status); err != nil {
		return fmt.Errorf("record fallback outcome: %w", err)
	}
	observeSwarmDuration(status, start)
	o.sink.Send(fmt.Sprintf("⚠️ swarm %s finished via single-shot fallback (score %.1f, %s)", swarmID, score, status))
	o.logger.Info("single-shot fallback finished",
		slog.String("swarm_id", swarmID),
		slog.Float64("score", score),
		slog.String("status", string(status)))
	return nil
}

func (o *Orchestrator) escalateManual(ctx context.Context, sw *datatypes.Swarm, reason string) {
	if err := o.board.UpdateSwarmStatus(ctx, sw.ID, datatypes.SwarmManualFix); err != nil {
		o.logger.Error("could not mark swarm for manual fix",
			slog.String("swarm_id", sw.ID),
			slog.String("error", err.Error()))
	}
	o.sink.Send(fmt.Sprintf("🚨 swarm %s needs manual intervention: %s", sw.ID, reason))
}

func (o *Orchestrator) audit(ctx context.Context, rec *datatypes.AuditRecord) {
	if o.recorder != nil {
		o.recorder.Record(ctx, rec)
	}
}

func (o *Orchestrator) recordJob(e datatypes.JobEvent) {
	if o.jobs != nil {
		o.jobs.RecordJob(e)
	}
}

func observeSwarmDuration(status datatypes.SwarmStatus, start time.Time) {
	if m := observability.Default; m != nil {
		m.SwarmDurationSeconds.WithLabelValues(string(status)).Observe(time.Since(start).Seconds())
	}
}
