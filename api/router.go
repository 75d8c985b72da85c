package api

import (
	"log/slog"
	"net/http"

	"ytrim/config"
	"ytrim/task"

	"github.com/gin-gonic/gin"
)

func SetupRouter(tm *task.Manager, cfg *config.Config, logger *slog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), RequestIDMiddleware(), LoggerMiddleware(logger), CORSMiddleware())
	h := NewHandler(tm, cfg, logger)

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "tasks": len(tm.List())})
	})

	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(cfg))
	{
		v1.POST("/info", h.handleInfo)

		v1.POST("/tasks", h.handleCreateTask)
		v1.GET("/tasks", h.handleListTasks)
		v1.GET("/tasks/:taskId", h.handleGetTask)
		v1.PATCH("/tasks/:taskId/cancel", h.handleCancelTask)
		v1.DELETE("/tasks/:taskId", h.handleDeleteTask)

		// Progress streams. Browsers cannot set headers on EventSource or
		// WebSocket, so these also accept ?token=.
		v1.GET("/tasks/:taskId/events", h.handleTaskEvents)
		v1.GET("/tasks/:taskId/ws", h.handleTaskSocket)

		v1.GET("/tasks/:taskId/artifact", h.handleGetArtifact)
	}
	return r
}
