package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"ytrim/config"
	"ytrim/logging"
	"ytrim/task"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type Handler struct {
	taskManager *task.Manager
	cfg         *config.Config
	log         *slog.Logger
	upgrader    websocket.Upgrader
}

func NewHandler(tm *task.Manager, cfg *config.Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Handler{
		taskManager: tm,
		cfg:         cfg,
		log:         logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

type TaskRequest struct {
	URL       string   `json:"url" binding:"required"`
	StartTime *float64 `json:"startTime" binding:"required"`
	EndTime   *float64 `json:"endTime" binding:"required"`
	Quality   string   `json:"quality"`
	Filename  string   `json:"filename"`
}

type InfoRequest struct {
	URL string `json:"url" binding:"required"`
}

// handleInfo resolves source metadata without starting a task.
func (h *Handler) handleInfo(c *gin.Context) {
	var req InfoRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "URL is required"})
		return
	}

	meta, err := h.taskManager.Info(c.Request.Context(), strings.TrimSpace(req.URL))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"title":     task.SanitizeName(meta.Title),
		"duration":  meta.Duration,
		"isLive":    meta.IsLive,
		"thumbnail": meta.Thumbnail,
		"uploader":  meta.Uploader,
	})
}

// handleCreateTask handles asynchronous task creation.
func (h *Handler) handleCreateTask(c *gin.Context) {
	var req TaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "kind": task.KindInvalidRequest, "details": err.Error()})
		return
	}

	t, err := h.taskManager.Create(task.Request{
		SourceRef:  req.URL,
		Range:      task.Range{Start: *req.StartTime, End: *req.EndTime},
		Quality:    task.Quality(strings.ToLower(strings.TrimSpace(req.Quality))),
		OutputName: req.Filename,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"taskId": t.ID})
}

// handleListTasks lists all tasks.
func (h *Handler) handleListTasks(c *gin.Context) {
	tasks := h.taskManager.List()
	for i := range tasks {
		h.buildDownloadURL(c, &tasks[i])
	}
	c.JSON(http.StatusOK, tasks)
}

// buildDownloadURL constructs the full URL for a finished task's artifact.
func (h *Handler) buildDownloadURL(c *gin.Context, t *task.Task) {
	if t.Status != task.StatusDone || t.Artifact == nil {
		return
	}

	baseURL := h.cfg.BaseURL
	if baseURL == "" {
		scheme := "http"
		if c.Request.TLS != nil {
			scheme = "https"
		}
		baseURL = fmt.Sprintf("%s://%s", scheme, c.Request.Host)
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	t.DownloadURL = fmt.Sprintf("%s/api/v1/tasks/%s/artifact", baseURL, t.ID)
}

// handleGetTask retrieves a single task.
func (h *Handler) handleGetTask(c *gin.Context) {
	t, err := h.taskManager.Get(c.Param("taskId"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	h.buildDownloadURL(c, &t)
	c.JSON(http.StatusOK, t)
}

// handleCancelTask cancels a task.
func (h *Handler) handleCancelTask(c *gin.Context) {
	if err := h.taskManager.Cancel(c.Param("taskId")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Task cancellation requested"})
}

// handleDeleteTask removes a task and its files.
func (h *Handler) handleDeleteTask(c *gin.Context) {
	if err := h.taskManager.Remove(c.Param("taskId")); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// handleGetArtifact streams a finished task's artifact as an attachment.
func (h *Handler) handleGetArtifact(c *gin.Context) {
	rc, art, err := h.taskManager.OpenArtifact(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	defer rc.Close()

	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": art.Name})
	c.DataFromReader(http.StatusOK, art.Size, art.MIMEType, rc, map[string]string{
		"Content-Disposition": disposition,
	})
}

// respondError maps task errors to HTTP responses.
func (h *Handler) respondError(c *gin.Context, err error) {
	var te *task.Error
	switch {
	case errors.As(err, &te):
		status := statusFor(te.Kind)
		if status >= http.StatusInternalServerError {
			logging.WithContext(c.Request.Context(), h.log).Error("request failed",
				slog.String("kind", string(te.Kind)),
				slog.String("error", err.Error()),
			)
		}
		c.JSON(status, gin.H{"error": te.Message, "kind": te.Kind})
	case errors.Is(err, task.ErrShuttingDown):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Service is shutting down. Try again shortly."})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusRequestTimeout, gin.H{"error": "Request timeout. Try again."})
	default:
		logging.WithContext(c.Request.Context(), h.log).Error("request failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "An error occurred. Please try again."})
	}
}

func statusFor(kind task.Kind) int {
	switch kind {
	case task.KindInvalidRequest, task.KindSourceUnavailable, task.KindSourceInvalid:
		return http.StatusBadRequest
	case task.KindNotFound:
		return http.StatusNotFound
	case task.KindTimeout:
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
