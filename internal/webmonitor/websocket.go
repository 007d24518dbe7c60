package webmonitor

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dj-oyu/critter-watch/streaming-server/internal/logger"
	"github.com/dj-oyu/critter-watch/streaming-server/internal/stream"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleStatsWebSocket pushes stats JSON to a WebSocket client: one message
// right away, then one per broadcast.
func (s *Server) handleStatsWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("WebSocket", "Upgrade failed: %v", err)
		return
	}

	id, events := s.stats.Subscribe()
	logger.Debug("WebSocket", "Client %s connected", id[:8])

	done := make(chan struct{})
	go func() {
		defer close(done)
		readPump(conn)
	}()

	writePump(conn, s.stats, events, done)
	s.stats.Unsubscribe(id)
	conn.Close()
	logger.Debug("WebSocket", "Client %s disconnected", id[:8])
}

// readPump discards client messages and keeps the read deadline alive on pong.
func readPump(conn *websocket.Conn) {
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("WebSocket", "Read error: %v", err)
			}
			return
		}
	}
}

func writePump(conn *websocket.Conn, stats *StatsBroadcaster, events <-chan *stream.SerializedEvent, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	if first := stats.Event(); first != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, first.JSONData); err != nil {
			return
		}
	}

	for {
		select {
		case event, ok := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, event.JSONData); err != nil {
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-done:
			return
		}
	}
}
