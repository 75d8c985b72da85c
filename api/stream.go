package api

import (
	"io"
	"log/slog"
	"time"

	"ytrim/logging"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	keepAliveInterval = 15 * time.Second
	wsWriteTimeout    = 10 * time.Second
)

// handleTaskEvents streams task updates as Server-Sent Events. The first
// event is the current state; the stream ends after the terminal update.
func (h *Handler) handleTaskEvents(c *gin.Context) {
	sub, err := h.taskManager.Subscribe(c.Param("taskId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	defer sub.Unsubscribe()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	updates := sub.C()
	c.Stream(func(w io.Writer) bool {
		select {
		case u, ok := <-updates:
			if !ok {
				return false
			}
			c.SSEvent("progress", u)
			return !u.Terminal()
		case <-keepAlive.C:
			c.SSEvent("ping", gin.H{"time": time.Now().Unix()})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// handleTaskSocket is handleTaskEvents over a WebSocket: one JSON text frame
// per update, then a normal close.
func (h *Handler) handleTaskSocket(c *gin.Context) {
	sub, err := h.taskManager.Subscribe(c.Param("taskId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	defer sub.Unsubscribe()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.WithContext(c.Request.Context(), h.log).Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	// Clients never send anything; reading only notices when they leave.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	updates := sub.C()
	for {
		select {
		case u, ok := <-updates:
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(u); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}
