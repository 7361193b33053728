package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/maristack/pelorus/internal/incident"
	"github.com/maristack/pelorus/pkg/logger"
)

// StreamHandler upgrades websocket clients onto the incident stream.
type StreamHandler struct {
	stream   *incident.Stream
	upgrader websocket.Upgrader
	logger   logger.Logger
}

func NewStreamHandler(stream *incident.Stream, log logger.Logger) *StreamHandler {
	return &StreamHandler{
		stream: stream,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Origin policy is enforced by the CORS layer in front.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: log,
	}
}

// Incidents handles GET /ws/incidents.
func (h *StreamHandler) Incidents(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", "error", err)
		return
	}
	h.stream.Add(conn)
}
