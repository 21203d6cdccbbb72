package api

import (
	"mediabatch/cache"
	"mediabatch/config"
	"mediabatch/task"

	"github.com/gin-gonic/gin"
)

// SetupRouter wires the control API. c and sessions may be nil, in which
// case their routes answer 503.
func SetupRouter(s *task.Scheduler, c *cache.Cache, sessions SessionStore, cfg *config.Config) *gin.Engine {
	r := gin.Default()
	h := NewHandler(s, c, sessions, cfg)

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok", "batch": s.Status()})
	})

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(cfg))
	{
		v1.GET("/batch", h.handleBatchStatus)
		v1.POST("/batch", h.handleStartBatch)
		v1.POST("/batch/pause", h.handlePauseBatch)
		v1.POST("/batch/resume", h.handleResumeBatch)
		v1.POST("/batch/cancel", h.handleCancelBatch)
		v1.POST("/batch/reset", h.handleResetBatch)
		v1.PUT("/batch/concurrency", h.handleSetConcurrency)

		v1.POST("/tasks", h.handleCreateTask)
		v1.GET("/tasks", h.handleListTasks)
		v1.GET("/tasks/:taskId", h.handleGetTask)
		v1.PATCH("/tasks/:taskId/cancel", h.handleCancelTask)
		v1.POST("/tasks/:taskId/retry", h.handleRetryTask)
		v1.DELETE("/tasks/:taskId", h.handleRemoveTask)
		v1.GET("/tasks/:taskId/files/:filename", h.handleGetFile)

		v1.GET("/cache", h.handleCacheInfo)
		v1.DELETE("/cache", h.handleCacheClear)
		v1.POST("/cache/cleanup", h.handleCacheCleanup)
		v1.PUT("/cache/limits", h.handleCacheLimits)

		v1.GET("/sessions", h.handleListSessions)
		v1.POST("/sessions", h.handleSaveSession)
		v1.POST("/sessions/restore", h.handleRestoreSession)

		v1.GET("/events", h.handleEvents)
	}
	return r
}
