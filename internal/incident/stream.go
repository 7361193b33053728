package incident

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/maristack/pelorus/internal/models"
	"github.com/maristack/pelorus/pkg/logger"
)

const writeDeadline = 5 * time.Second

// Stream pushes committed incidents to websocket subscribers. Slow or dead
// connections are dropped rather than allowed to stall the writer.
type Stream struct {
	logger logger.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]bool
}

func NewStream(log logger.Logger) *Stream {
	return &Stream{
		logger: log,
		conns:  make(map[*websocket.Conn]bool),
	}
}

// Add registers an upgraded connection and drains its read side until the
// client disconnects.
func (s *Stream) Add(conn *websocket.Conn) {
	s.mu.Lock()
	s.conns[conn] = true
	count := len(s.conns)
	s.mu.Unlock()
	s.logger.Debug("Incident stream subscriber connected", "subscribers", count)

	go func() {
		defer s.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Stream) remove(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conns[conn] {
		delete(s.conns, conn)
		conn.Close()
	}
	s.mu.Unlock()
}

// Broadcast sends the incident to every subscriber.
func (s *Stream) Broadcast(inc *models.Incident) {
	data, err := json.Marshal(inc)
	if err != nil {
		s.logger.Error("Failed to encode incident for stream", "incident_id", inc.IncidentID, "error", err)
		return
	}

	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(writeDeadline))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			s.remove(conn)
		}
	}
}

// Close disconnects every subscriber.
func (s *Stream) Close() {
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
		delete(s.conns, conn)
	}
	s.mu.Unlock()
}
