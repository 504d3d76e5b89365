// Copyright (C) 2025 Swarmgate Labs (dev@swarmgate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package governance

import "sync"

// Tier is a budget/capability level: 1=lite, 2=standard, 3=deep.
type Tier int

const (
	TierLite     Tier = 1
	TierStandard Tier = 2
	TierDeep     Tier = 3
)

// TierSpec fixes the model, aggregate token ceiling, and per-role token
// allocation of one tier.
type TierSpec struct {
	Tier        Tier           `json:"tier"`
	Model       string         `json:"model"`
	TokenBudget int            `json:"token_budget"`
	Roles       []string       `json:"roles"`
	RoleTokens  map[string]int `json:"role_tokens"`
}

// Default tier table. The model ids are OpenRouter-style routes; quota
// and cost tables key on the same ids.
var defaultTiers = map[Tier]TierSpec{
	TierLite: {
		Tier:        TierLite,
		Model:       "openai/gpt-4o-mini",
		TokenBudget: 8000,
		Roles:       []string{"CODER"},
		RoleTokens:  map[string]int{"CODER": 8000},
	},
	TierStandard: {
		Tier:        TierStandard,
		Model:       "openai/gpt-4o",
		TokenBudget: 24000,
		Roles:       []string{"ARCHITECT", "CODER", "REVIEWER"},
		RoleTokens:  map[string]int{"ARCHITECT": 6000, "CODER": 12000, "REVIEWER": 6000},
	},
	TierDeep: {
		Tier:        TierDeep,
		Model:       "openai/o3",
		TokenBudget: 60000,
		Roles:       []string{"ARCHITECT", "CODER", "TESTER", "REVIEWER"},
		RoleTokens:  map[string]int{"ARCHITECT": 15000, "CODER": 25000, "TESTER": 10000, "REVIEWER": 10000},
	},
}

// Tier selection thresholds (scores on the canonical 0-10 scale).
const (
	deepScoreThreshold     = 4.0
	standardScoreThreshold = 7.2
	longPromptThreshold    = 950

	// tierWindowSize and tier2MaxShare cap sustained Tier-2 usage: in
	// any window of tierWindowSize consecutive decisions the Tier-2
	// share never exceeds tier2MaxShare.
	tierWindowSize = 100
	tier2MaxShare  = 0.40
)

// tierWindow is the rolling record of recent tier decisions.
//
// Thread Safety: safe for concurrent use.
type tierWindow struct {
	mu      sync.Mutex
	entries []Tier
	idx     int
	filled  bool
}

func newTierWindow() *tierWindow {
	return &tierWindow{entries: make([]Tier, tierWindowSize)}
}

// admitStandard atomically checks the Tier-2 cap and, when admissible,
// records a Tier-2 decision. Check and record are one critical section
// so concurrent deciders cannot both squeeze under the cap.
func (w *tierWindow) admitStandard() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	// Count Tier-2 among the most recent window-1 decisions: together
	// with the candidate they form one full window.
	n := w.idx
	if w.filled {
		n = tierWindowSize
	}
	count := 0
	for i := 0; i < n && i < tierWindowSize-1; i++ {
		pos := (w.idx - 1 - i + tierWindowSize) % tierWindowSize
		if w.entries[pos] == TierStandard {
			count++
		}
	}
	if float64(count+1) > tier2MaxShare*tierWindowSize {
		return false
	}
	w.recordLocked(TierStandard)
	return true
}

// record appends a non-Tier-2 decision.
func (w *tierWindow) record(t Tier) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.recordLocked(t)
}

func (w *tierWindow) recordLocked(t Tier) {
	w.entries[w.idx] = t
	w.idx = (w.idx + 1) % tierWindowSize
	if w.idx == 0 {
		w.filled = true
	}
}
