// Copyright (C) 2025 Swarmgate Labs (dev@swarmgate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package rca diagnoses task failures. Each diagnosis is grounded in up
// to three similar historical failures retrieved from the similarity
// store, produced by the reasoning collaborator, and persisted back so
// the next failure of the same shape retrieves it.
//
// The engine never fails: when the reasoning collaborator is down it
// synthesizes a structural diagnosis from the error text alone, so the
// pipeline always records something actionable.
package rca

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/swarmgate/swarmgate/services/llm"
	"github.com/swarmgate/swarmgate/services/memory"
)

// historyLimit caps the number of similar past failures injected as
// context into the reasoning prompt.
const historyLimit = 3

// historyThreshold is the minimum similarity certainty for a past
// failure to count as relevant context.
const historyThreshold = 0.75

const systemPrompt = `You are a root-cause analyst for an automated agent orchestration system.
Given a failure log and task description, produce:
1. ROOT CAUSE: the single most likely cause, one sentence.
2. FIX: the minimal, non-speculative corrective action.
If the log is truncated or insufficient to determine a cause, say so
explicitly and mark the diagnosis UNCERTAIN. Do not invent details.`

// Engine is the failure diagnoser.
//
// Thread Safety: safe for concurrent use; all state lives in the
// collaborators.
type Engine struct {
	reasoner llm.Reasoner
	mem      memory.Searcher // may be nil: history skipped, persist skipped
	logger   *slog.Logger
}

// New creates an Engine. mem may be nil when no similarity store is
// deployed.
func New(reasoner llm.Reasoner, mem memory.Searcher, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		reasoner: reasoner,
		mem:      mem,
		logger:   logger.With(slog.String("component", "rca")),
	}
}

// Analyze diagnoses one failure. It always returns a non-empty
// diagnosis: the reasoning collaborator's answer when reachable, a
// synthesized structural diagnosis otherwise.
func (e *Engine) Analyze(ctx context.Context, errorLog, taskDescription string, phase int, swarmID string) string {
	history := e.similarFailures(ctx, errorLog)

	diagnosis, err := e.ask(ctx, errorLog, taskDescription, history)
	if err != nil {
		e.logger.Warn("reasoning collaborator failed, synthesizing structural diagnosis",
			slog.String("swarm_id", swarmID),
			slog.String("error", err.Error()))
		diagnosis = structuralDiagnosis(errorLog)
	}

	e.persist(ctx, diagnosis, errorLog, taskDescription, phase, swarmID)
	return diagnosis
}

// similarFailures retrieves relevant past diagnoses. Retrieval errors
// degrade to an empty history.
func (e *Engine) similarFailures(ctx context.Context, errorLog string) []memory.SearchResult {
	if e.mem == nil {
		return nil
	}
	hits, err := e.mem.Search(ctx, memory.CollectionFailures, errorLog, historyLimit, historyThreshold)
	if err != nil {
		e.logger.Warn("failure history unavailable", slog.String("error", err.Error()))
		return nil
	}
	return hits
}

func (e *Engine) ask(ctx context.Context, errorLog, taskDescription string, history []memory.SearchResult) (string, error) {
	if e.reasoner == nil {
		return "", fmt.Errorf("no reasoning collaborator configured")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "TASK: %s\n\nFAILURE LOG:\n%s\n", taskDescription, truncate(errorLog, 4000))
	if len(history) > 0 {
		b.WriteString("\nSIMILAR PAST FAILURES:\n")
		for i, h := range history {
			fmt.Fprintf(&b, "%d. (certainty %.2f) %s\n", i+1, h.Score, truncate(h.Content, 500))
		}
	}

	return e.reasoner.Complete(ctx, systemPrompt, b.String(), llm.Params{
		Temperature: 0.2,
		MaxTokens:   800,
	})
}

// structuralDiagnosis classifies the failure from the error text alone.
// Timeouts are operational; everything else is assumed infrastructural
// until a human or a later run says otherwise.
func structuralDiagnosis(errorLog string) string {
	lower := strings.ToLower(errorLog)
	if strings.Contains(lower, "timeout") ||
		strings.Contains(lower, "timed out") ||
		strings.Contains(lower, "deadline exceeded") {
		return "TIMEOUT: the external session exceeded its polling deadline. " +
			"Likely an overloaded agent or an oversized prompt; retry with a smaller scope."
	}
	return "INFRA_ERROR: the failure does not match a known operational pattern. " +
		"Inspect connectivity to the agent API and durable store before retrying."
}

// persist writes the diagnosis back to the similarity store so future
// failures of the same shape retrieve it. Best-effort.
func (e *Engine) persist(ctx context.Context, diagnosis, errorLog, taskDescription string, phase int, swarmID string) {
	if e.mem == nil {
		return
	}
	id := memory.DeterministicID(swarmID + "|" + taskDescription + "|" + errorLog)
	err := e.mem.Store(ctx, memory.CollectionFailures, id, diagnosis, map[string]any{
		"swarm_id":     swarmID,
		"phase":        phase,
		"task":         truncate(taskDescription, 500),
		"error_log":    truncate(errorLog, 2000),
		"diagnosed_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		e.logger.Warn("diagnosis not persisted", slog.String("error", err.Error()))
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…[truncated]"
}
