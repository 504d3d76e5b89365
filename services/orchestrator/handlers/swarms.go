// Copyright (C) 2025 Swarmgate Labs (dev@swarmgate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/swarmgate/swarmgate/pkg/fault"
	"github.com/swarmgate/swarmgate/services/datatypes"
	"github.com/swarmgate/swarmgate/services/orchestrator/observability"
	"github.com/swarmgate/swarmgate/services/store"
)

// SubmitRequest is the POST /swarms payload. Analysis is optional:
// when absent, the planner decomposes the prompt.
type SubmitRequest struct {
	Prompt   string              `json:"prompt" binding:"required,min=1"`
	MaxUnits int                 `json:"max_units" binding:"omitempty,gte=1,lte=50"`
	Analysis *datatypes.Analysis `json:"analysis,omitempty"`
}

// ApproveRequest is the POST /swarms/:id/approve payload.
type ApproveRequest struct {
	// Tasks optionally restricts approval: 1-based indices or literal
	// task ids. Empty approves everything.
	Tasks []string `json:"tasks,omitempty"`
}

// SubmitSwarm runs the governance gate and, when allowed, stores the
// decomposition pending approval.
func SubmitSwarm(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SubmitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		verdict := d.Gate.Evaluate(c.Request.Context(), req.Prompt)
		if m := observability.Default; m != nil {
			m.GovernanceVerdictsTotal.WithLabelValues(string(verdict.Flow), strconv.Itoa(int(verdict.Tier.Tier))).Inc()
		}
		if !verdict.Allowed {
			if m := observability.Default; m != nil {
				m.SwarmsTotal.WithLabelValues("blocked").Inc()
			}
			c.JSON(http.StatusForbidden, gin.H{"verdict": verdict})
			return
		}

		analysis := datatypes.Analysis{}
		if req.Analysis != nil {
			analysis = *req.Analysis
		} else if d.Planner != nil {
			var err error
			analysis, err = d.Planner.Plan(c.Request.Context(), req.Prompt, verdict.Tier.Roles)
			if err != nil {
				c.JSON(http.StatusBadGateway, gin.H{"error": "planning failed: " + err.Error()})
				return
			}
		}

		maxUnits := req.MaxUnits
		if maxUnits == 0 {
			maxUnits = 10
		}
		id, err := d.Queue.CreateSwarm(c.Request.Context(), req.Prompt, maxUnits, analysis)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, fault.ErrPersistenceUnavailable) {
				status = http.StatusServiceUnavailable
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		if m := observability.Default; m != nil {
			m.SwarmsTotal.WithLabelValues("accepted").Inc()
		}
		c.JSON(http.StatusAccepted, gin.H{
			"swarm_id":      id,
			"status":        datatypes.SwarmNeedsApproval,
			"planned_tasks": analysis.TaskCount(),
			"verdict":       verdict,
		})
	}
}

// ApproveSwarm materializes the plan (optionally filtered) and starts
// the run in the background.
func ApproveSwarm(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		var req ApproveRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}

		n, err := d.Queue.ApproveSwarm(c.Request.Context(), id, req.Tasks)
		if err != nil {
			switch {
			case errors.Is(err, store.ErrNotFound):
				c.JSON(http.StatusNotFound, gin.H{"error": "swarm not found"})
			case errors.Is(err, fault.ErrInvalidState):
				c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			case errors.Is(err, fault.ErrEmptySelection):
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}

		if d.Runner != nil {
			runCtx := d.runContext()
			go func() {
				if err := d.Runner.RunSwarm(runCtx, id); err != nil {
					d.logger().Error("swarm run failed",
						slog.String("swarm_id", id),
						slog.String("error", err.Error()))
				}
			}()
		}

		c.JSON(http.StatusOK, gin.H{"swarm_id": id, "enqueued": n})
	}
}

// GetSwarm returns status plus task progress counts.
func GetSwarm(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		progress, err := d.Queue.GetSwarmProgress(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "swarm not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, progress)
	}
}

// GetSwarmTasks returns the full task list with results and errors.
func GetSwarmTasks(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		tasks, err := d.Queue.GetTasks(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"swarm_id": id, "tasks": tasks})
	}
}

// ResetSwarm re-opens every failed task for another run.
func ResetSwarm(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		n, err := d.Queue.ResetFailedTasks(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "swarm not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"swarm_id": id, "reopened": n})
	}
}
