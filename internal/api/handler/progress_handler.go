package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/cuongbtq/transcribe-engine/internal/engine"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Progress streaming is open to any origin, like the rest of the
	// API behind the CORS middleware.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsProgressChannel adapts one websocket connection to the engine's
// progress channel contract. A write error counts as a disconnect and
// gets the channel pruned from the registry.
type wsProgressChannel struct {
	conn *websocket.Conn
}

func (ch *wsProgressChannel) Send(ctx context.Context, event engine.ProgressEvent) error {
	if deadline, ok := ctx.Deadline(); ok {
		if err := ch.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
	}
	return ch.conn.WriteJSON(event)
}

// StreamProgress handles GET /api/v1/jobs/:job_id/progress. It upgrades
// to a websocket, subscribes the connection to the job's status events,
// and unsubscribes when the client goes away.
func (h *JobHandler) StreamProgress(c *gin.Context) {
	jobID := c.Param("job_id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade progress connection",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		return
	}

	ch := &wsProgressChannel{conn: conn}
	h.engine.Subscribe(jobID, ch)

	h.logger.Info("Progress subscriber attached",
		slog.String("job_id", jobID),
	)

	// Block on the read side to notice the client closing; subscribers
	// never send anything meaningful.
	go func() {
		defer func() {
			h.engine.Unsubscribe(jobID, ch)
			conn.Close()
			h.logger.Info("Progress subscriber detached",
				slog.String("job_id", jobID),
			)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
