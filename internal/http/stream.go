package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const streamWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleStream pushes every snapshot of a task over a websocket until the
// task reaches a terminal status. The connection closes normally afterwards.
func (s *Server) handleStream(c echo.Context) error {
	taskID := c.Param("task_id")
	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	updates, err := s.svc.Watch(ctx, taskID)
	if err != nil {
		return s.toHTTPError(ctx, err)
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn(ctx, "websocket upgrade failed", zap.String("task_id", taskID), zap.Error(err))
		return nil
	}
	defer conn.Close()

	// Client messages are ignored; reading surfaces the close.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug(ctx, "stream client read error", zap.String("task_id", taskID), zap.Error(err))
				}
				return
			}
		}
	}()

	terminal := false
	for snap := range updates {
		_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		if err := conn.WriteJSON(StatusResponse(snap)); err != nil {
			s.logger.Debug(ctx, "stream write failed", zap.String("task_id", taskID), zap.Error(err))
			return nil
		}
		terminal = snap.Status.Terminal()
	}

	if ctx.Err() != nil {
		return nil
	}
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	if !terminal {
		_ = conn.WriteJSON(StreamError{Type: "error", Message: "Task not found"})
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return nil
}
