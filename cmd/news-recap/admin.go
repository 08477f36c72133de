package main

import (
	"context"
	"net/http"
	"time"

	"github.com/andgineer/news-recap/internal/database"
	"github.com/andgineer/news-recap/internal/metrics"
	"github.com/andgineer/news-recap/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// newAdminRouter builds the admin HTTP surface exposed alongside the
// worker/ingestion loops in "serve": /health for liveness probes,
// /stats for a quick queue-depth glance, and /metrics for Prometheus
// scraping.
func newAdminRouter(a *app, userID string) *gin.Engine {
	router := gin.Default()

	router.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		dbHealth, err := database.Health(ctx, a.db.Pool)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "database": dbHealth, "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "database": dbHealth})
	})

	router.GET("/stats", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		queued := models.TaskStatusQueued
		tasks, err := a.repo.ListTasks(ctx, userID, &queued, 500)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		metrics.SetQueueDepth(len(tasks))
		c.JSON(http.StatusOK, gin.H{"user_id": userID, "queued_tasks": len(tasks), "ingestion_sources": len(a.sources)})
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return router
}
