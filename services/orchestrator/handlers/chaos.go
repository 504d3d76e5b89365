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

	"github.com/swarmgate/swarmgate/services/chaos"
)

// RunChaosRequest is the POST /chaos/run payload. An empty scenario
// runs the full suite.
type RunChaosRequest struct {
	Scenario string `json:"scenario"`
}

// RunChaos executes fault-injection scenarios and returns their
// pass/fail reports.
func RunChaos(d *Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RunChaosRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}

		var results []chaos.Result
		if req.Scenario == "" {
			results = d.Chaos.RunAll(c.Request.Context())
		} else {
			res, err := d.Chaos.Run(c.Request.Context(), req.Scenario)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			results = []chaos.Result{res}
		}

		allPassed := true
		for _, r := range results {
			if !r.Passed {
				allPassed = false
			}
		}
		c.JSON(http.StatusOK, gin.H{"passed": allPassed, "results": results})
	}
}
