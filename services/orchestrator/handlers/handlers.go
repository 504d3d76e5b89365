// Copyright (C) 2025 Swarmgate Labs (dev@swarmgate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers contains the gin handlers for the swarmgate HTTP
// surface: swarm lifecycle, canary control, chaos runs, and health.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/swarmgate/swarmgate/services/accounts"
	"github.com/swarmgate/swarmgate/services/canary"
	"github.com/swarmgate/swarmgate/services/chaos"
	"github.com/swarmgate/swarmgate/services/datatypes"
	"github.com/swarmgate/swarmgate/services/governance"
	"github.com/swarmgate/swarmgate/services/queue"
)

// Planner decomposes a prompt into an executable plan. *swarm.Planner
// satisfies it.
type Planner interface {
	Plan(ctx context.Context, prompt string, roles []string) (datatypes.Analysis, error)
}

// Runner drives an approved swarm to a terminal status.
// *swarm.Orchestrator satisfies it.
type Runner interface {
	RunSwarm(ctx context.Context, swarmID string) error
}

// Deps bundles everything the handlers touch.
type Deps struct {
	Queue    *queue.Queue
	Gate     *governance.Gate
	Planner  Planner
	Runner   Runner
	Canary   *canary.Controller
	Chaos    *chaos.Engine
	Registry *accounts.Registry
	Logger   *slog.Logger

	// RunContext parents background swarm runs so they outlive the
	// HTTP request but die with the process.
	RunContext context.Context
}

func (d *Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d *Deps) runContext() context.Context {
	if d.RunContext != nil {
		return d.RunContext
	}
	return context.Background()
}

// HealthCheck reports liveness plus degraded-mode flags.
func HealthCheck(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := gin.H{"status": "ok"}
		if d.Queue != nil {
			resp["queue_degraded"] = d.Queue.Degraded()
		}
		if d.Registry != nil {
			resp["accounts"] = d.Registry.Snapshot()
		}
		c.JSON(http.StatusOK, resp)
	}
}
