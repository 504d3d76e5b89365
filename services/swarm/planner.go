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

	"github.com/swarmgate/swarmgate/pkg/fault"
	"github.com/swarmgate/swarmgate/services/datatypes"
	"github.com/swarmgate/swarmgate/services/llm"
)

const plannerSystem = `You decompose an engineering request into an ordered execution plan.
Respond with a JSON object:
{"phases":[{"order":1,"tasks":[{"id":"<short-id>","role":"<ROLE>","prompt":"<instructions>","depends_on":["<id>",...]}]}]}
Rules: phase order is topological; a task may only depend on ids from earlier phases;
allowed roles: %s. Keep the plan minimal.`

// Planner turns a prompt into a phased task decomposition using the
// reasoning collaborator.
type Planner struct {
	reasoner llm.Reasoner
	logger   *slog.Logger
}

// NewPlanner creates a Planner.
func NewPlanner(reasoner llm.Reasoner, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{
		reasoner: reasoner,
		logger:   logger.With(slog.String("component", "planner")),
	}
}

// Plan decomposes prompt for the given role roster. A malformed
// collaborator reply degrades to a single-task plan carrying the
// original prompt; the caller always gets an executable decomposition.
func (p *Planner) Plan(ctx context.Context, prompt string, roles []string) (datatypes.Analysis, error) {
	if p.reasoner == nil {
		return singleTaskPlan(prompt), nil
	}

	system := fmt.Sprintf(plannerSystem, strings.Join(roles, ", "))
	raw, err := p.reasoner.Complete(ctx, system, prompt, llm.Params{
		Temperature: 0.2,
		MaxTokens:   2000,
		JSONMode:    true,
	})
	if err != nil {
		return datatypes.Analysis{}, fmt.Errorf("planning: %w", err)
	}

	var analysis datatypes.Analysis
	if uerr := json.Unmarshal([]byte(strings.TrimSpace(raw)), &analysis); uerr != nil || analysis.TaskCount() == 0 {
		violation := &fault.ContractViolation{Source: "planner", Detail: "reply is not a valid decomposition"}
		p.logger.Warn("malformed plan, degrading to single task", slog.String("error", violation.Error()))
		return singleTaskPlan(prompt), nil
	}
	if verr := validatePlan(analysis); verr != nil {
		p.logger.Warn("inconsistent plan, degrading to single task", slog.String("error", verr.Error()))
		return singleTaskPlan(prompt), nil
	}
	return analysis, nil
}

// validatePlan rejects dependencies that point forward or at unknown
// tasks.
func validatePlan(a datatypes.Analysis) error {
	seen := map[string]bool{}
	for _, phase := range a.Phases {
		for _, t := range phase.Tasks {
			for _, dep := range t.DependsOn {
				if !seen[dep] {
					return fmt.Errorf("task %s depends on %s, which is not in an earlier phase", t.ID, dep)
				}
			}
		}
		for _, t := range phase.Tasks {
			seen[t.ID] = true
		}
	}
	return nil
}

func singleTaskPlan(prompt string) datatypes.Analysis {
	return datatypes.Analysis{Phases: []datatypes.Phase{{
		Order: 1,
		Tasks: []datatypes.PlannedTask{{ID: "main", Role: "CODER", Prompt: prompt}},
	}}}
}
