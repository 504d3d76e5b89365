// Copyright (C) 2025 Swarmgate Labs (dev@swarmgate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/swarmgate/swarmgate/services/canary"
	"github.com/swarmgate/swarmgate/services/orchestrator/observability"
)

// ActivateCanaryRequest is the POST /canary/activate payload.
type ActivateCanaryRequest struct {
	TrafficPercent int             `json:"traffic_percent" binding:"required,gte=1,lte=100"`
	Baseline       canary.Baseline `json:"baseline"`
}

// RollbackCanaryRequest is the POST /canary/rollback payload.
type RollbackCanaryRequest struct {
	Reason string `json:"reason"`
}

// CanaryStatus returns the current statistical report.
func CanaryStatus(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, d.Canary.Status())
	}
}

// ActivateCanary (re)starts the canary run.
func ActivateCanary(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ActivateCanaryRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		d.Canary.Activate(req.TrafficPercent, req.Baseline)
		if m := observability.Default; m != nil {
			m.CanaryActive.Set(1)
		}
		c.JSON(http.StatusOK, d.Canary.Status())
	}
}

// RollbackCanary forces a manual rollback.
func RollbackCanary(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RollbackCanaryRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		if req.Reason == "" {
			req.Reason = "manual rollback"
		}
		rep := d.Canary.Rollback(c.Request.Context(), req.Reason)
		if m := observability.Default; m != nil {
			m.CanaryActive.Set(0)
			m.CanaryRollbacksTotal.Inc()
		}
		c.JSON(http.StatusOK, rep)
	}
}
