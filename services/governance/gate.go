// Copyright (C) 2025 Swarmgate Labs (dev@swarmgate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package governance is the pre-dispatch gate: every incoming task
// passes a cost-ceiling check, an anti-loop check, and semantic-memory
// informed budget tier selection before any external call is made.
//
// Policy decisions favor availability: when the durable store is down,
// the cost check fails open rather than stalling all work. Ambiguity in
// the semantic prediction is handled by sizing the budget tier, never by
// silent denial.
package governance

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/swarmgate/swarmgate/services/datatypes"
	"github.com/swarmgate/swarmgate/services/memory"
)

// AntiLoopThreshold is the number of prior RETRY verdicts for an
// identical prompt that forces a hard BLOCK.
const AntiLoopThreshold = 2

// SimilarityThreshold is the minimum certainty for a historical audit
// record to influence tier selection.
const SimilarityThreshold = 0.85

// Rough output-cost table used for pre-execution budget projection,
// USD per 1k tokens.
var costPer1K = map[string]float64{
	"openai/gpt-4o-mini": 0.0006,
	"openai/gpt-4o":      0.01,
	"openai/o3":          0.04,
}

// CostStore reads today's spend, ceiling, and kill switch.
type CostStore interface {
	CostToday(ctx context.Context, defaultLimit float64) (total, limit float64, killSwitch bool, err error)
}

// RetryCounter counts prior RETRY verdicts for an identical prompt.
type RetryCounter interface {
	CountRetryRecommendations(ctx context.Context, prompt string) (int, error)
}

// Prediction is the semantic-memory signal derived from the most similar
// historical audit record. Scores are canonical 0-10.
type Prediction struct {
	Score          float64                  `json:"score"`
	Recommendation datatypes.Recommendation `json:"recommendation"`
	Certainty      float64                  `json:"certainty"`
}

// Verdict is the gate's decision for one submission.
type Verdict struct {
	Allowed         bool                     `json:"allowed"`
	Flow            datatypes.Recommendation `json:"flow"`
	Reason          string                   `json:"reason,omitempty"`
	Tier            TierSpec                 `json:"tier"`
	Prediction      *Prediction              `json:"prediction,omitempty"`
	SimilarConflict bool                     `json:"similar_conflict"`
	CorrelationID   string                   `json:"correlation_id"`
}

// Config tunes the gate.
type Config struct {
	// DefaultDailyLimitUSD initializes the cost_governance row for a new
	// day.
	DefaultDailyLimitUSD float64

	// DeepTierDisabled globally disables Tier 3 (low-budget diagnostic
	// mode).
	DeepTierDisabled bool
}

// Gate is the governance gate.
//
// Thread Safety: safe for concurrent use; the tier window serializes its
// own updates.
type Gate struct {
	costs    CostStore
	retries  RetryCounter
	searcher memory.Searcher // may be nil: prediction step skipped
	recorder *Recorder
	window   *tierWindow
	cfg      Config
	logger   *slog.Logger
}

// New creates a Gate. searcher may be nil when no similarity store is
// deployed.
func New(costs CostStore, retries RetryCounter, searcher memory.Searcher, recorder *Recorder, cfg Config, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		costs:    costs,
		retries:  retries,
		searcher: searcher,
		recorder: recorder,
		window:   newTierWindow(),
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "governance")),
	}
}

// Evaluate runs the full gate for one prompt. The returned verdict
// carries the selected tier when allowed, or the block reason when not.
// A BLOCK verdict is recorded as an audit entry before returning.
func (g *Gate) Evaluate(ctx context.Context, prompt string) Verdict {
	v := Verdict{CorrelationID: uuid.NewString()}

	// 1. Cost ceiling and kill switch. Store failure fails open.
	total, limit, kill, costKnown := g.costState(ctx)
	if kill {
		return g.block(ctx, prompt, v, "kill switch active")
	}
	if costKnown && total >= limit {
		return g.block(ctx, prompt, v,
			fmt.Sprintf("daily cost ceiling reached (%.2f/%.2f USD)", total, limit))
	}

	// 2. Anti-loop: repeated RETRY verdicts for the identical prompt
	// force a hard block before any tier logic.
	if n, err := g.retries.CountRetryRecommendations(ctx, prompt); err != nil {
		g.logger.Warn("anti-loop lookup failed open", slog.String("error", err.Error()))
	} else if n >= AntiLoopThreshold {
		return g.block(ctx, prompt, v,
			fmt.Sprintf("anti-loop: %d prior RETRY verdicts for identical prompt", n))
	}

	// 3. Semantic memory prediction (advisory only).
	v.Prediction, v.SimilarConflict = g.predict(ctx, prompt)

	// 4. Budget tier selection.
	v.Tier = g.selectTier(prompt, v.Prediction)

	// 5. Pre-execution budget gate: the worst case of the full roster
	// must fit in the remaining budget before anything is dispatched.
	if costKnown {
		projected := ProjectedSpendUSD(v.Tier)
		if total+projected > limit {
			return g.block(ctx, prompt, v,
				fmt.Sprintf("projected tier %d spend %.2f USD exceeds remaining budget %.2f USD",
					v.Tier.Tier, projected, limit-total))
		}
	}

	v.Allowed = true
	v.Flow = datatypes.RecommendProceed
	g.logger.Info("dispatch allowed",
		slog.String("correlation_id", v.CorrelationID),
		slog.Int("tier", int(v.Tier.Tier)),
		slog.String("model", v.Tier.Model))
	return v
}

func (g *Gate) costState(ctx context.Context) (total, limit float64, kill, known bool) {
	total, limit, kill, err := g.costs.CostToday(ctx, g.cfg.DefaultDailyLimitUSD)
	if err != nil {
		g.logger.Warn("cost governance unavailable, failing open", slog.String("error", err.Error()))
		return 0, 0, false, false
	}
	return total, limit, kill, true
}

// block finalizes and audits a BLOCK verdict.
func (g *Gate) block(ctx context.Context, prompt string, v Verdict, reason string) Verdict {
	v.Allowed = false
	v.Flow = datatypes.RecommendBlock
	v.Reason = reason
	g.logger.Warn("dispatch blocked",
		slog.String("correlation_id", v.CorrelationID),
		slog.String("reason", reason))
	if g.recorder != nil {
		g.recorder.Record(ctx, &datatypes.AuditRecord{
			ID:                 uuid.NewString(),
			Prompt:             prompt,
			Score:              0,
			Recommendation:     datatypes.RecommendBlock,
			MissedRequirements: []string{reason},
			SimilarityConflict: v.SimilarConflict,
			CorrelationID:      v.CorrelationID,
			PolicyVersion:      PolicyVersion,
		})
	}
	return v
}

// PolicyVersion tags audit records with the active gate revision.
const PolicyVersion = "gate-v2"

// predict searches historical audits for the prompt. Only BLOCK/low or
// RETRY/mid outcomes raise a prediction; everything else just flags a
// similarity conflict for the audit trail.
func (g *Gate) predict(ctx context.Context, prompt string) (*Prediction, bool) {
	if g.searcher == nil {
		return nil, false
	}
	hits, err := g.searcher.Search(ctx, memory.CollectionAudits, prompt, 3, SimilarityThreshold)
	if err != nil {
		g.logger.Warn("semantic memory search failed, proceeding without prediction",
			slog.String("error", err.Error()))
		return nil, false
	}
	if len(hits) == 0 {
		return nil, false
	}

	best := hits[0]
	score, _ := best.Metadata["score"].(float64)
	score = datatypes.NormalizeScore(score)
	rec, _ := best.Metadata["recommendation"].(string)
	recommendation := datatypes.Recommendation(rec)

	lowBlock := recommendation == datatypes.RecommendBlock && score < deepScoreThreshold
	midRetry := recommendation == datatypes.RecommendRetry && score < standardScoreThreshold
	if !lowBlock && !midRetry {
		return nil, true
	}
	g.logger.Info("memory prediction raised",
		slog.Float64("predicted_score", score),
		slog.String("predicted_recommendation", rec),
		slog.Float64("certainty", best.Score))
	return &Prediction{
		Score:          score,
		Recommendation: recommendation,
		Certainty:      best.Score,
	}, true
}

// selectTier applies the tier policy and records the decision in the
// rolling window.
func (g *Gate) selectTier(prompt string, pred *Prediction) TierSpec {
	if pred != nil && pred.Score < deepScoreThreshold && !g.cfg.DeepTierDisabled {
		g.window.record(TierDeep)
		return defaultTiers[TierDeep]
	}

	standardEligible := len(prompt) > longPromptThreshold
	if pred != nil && (pred.Score < standardScoreThreshold || pred.Recommendation == datatypes.RecommendRetry) {
		standardEligible = true
	}
	// Deep demotes to standard when diagnostics disable Tier 3.
	if pred != nil && pred.Score < deepScoreThreshold && g.cfg.DeepTierDisabled {
		standardEligible = true
	}
	if standardEligible && g.window.admitStandard() {
		return defaultTiers[TierStandard]
	}

	g.window.record(TierLite)
	return defaultTiers[TierLite]
}

// ProjectedSpendUSD is the maximum possible spend of a tier's full
// roster at its token allocation.
func ProjectedSpendUSD(spec TierSpec) float64 {
	rate := costPer1K[spec.Model]
	total := 0
	for _, tokens := range spec.RoleTokens {
		total += tokens
	}
	return float64(total) / 1000 * rate
}

// TierTable exposes the configured tier specs (status endpoints, chaos
// assertions).
func TierTable() map[Tier]TierSpec {
	out := make(map[Tier]TierSpec, len(defaultTiers))
	for k, v := range defaultTiers {
		out[k] = v
	}
	return out
}
