// Copyright (C) 2025 Swarmgate Labs (dev@swarmgate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/swarmgate/swarmgate/services/orchestrator/handlers"
)

// SetupRoutes registers the full HTTP surface.
func SetupRoutes(router *gin.Engine, d *handlers.Deps, metricsEnabled bool) {
	router.GET("/healthz", handlers.HealthCheck(d))
	if metricsEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	v1 := router.Group("/api/v1")
	{
		swarms := v1.Group("/swarms")
		{
			swarms.POST("", handlers.SubmitSwarm(d))
			swarms.POST("/:id/approve", handlers.ApproveSwarm(d))
			swarms.GET("/:id", handlers.GetSwarm(d))
			swarms.GET("/:id/tasks", handlers.GetSwarmTasks(d))
			swarms.POST("/:id/reset", handlers.ResetSwarm(d))
		}
		canaryGroup := v1.Group("/canary")
		{
			canaryGroup.GET("/status", handlers.CanaryStatus(d))
			canaryGroup.POST("/activate", handlers.ActivateCanary(d))
			canaryGroup.POST("/rollback", handlers.RollbackCanary(d))
		}
		v1.POST("/chaos/run", handlers.RunChaos(d))
	}
}
