package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/flowgate/flowgate/internal/eventlog"
	"github.com/flowgate/flowgate/internal/streaming"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// origin enforcement is left to the fronting proxy
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsFrame is the JSON shape frames take over the WebSocket mirror.
type wsFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// handleThreadWS mirrors the SSE session over a WebSocket,
// GET /agent/{thread}/ws?last_id=<cursor>.
func (s *Server) handleThreadWS(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread")
	if err := s.registry.ValidateThread(r.Context(), threadID); err != nil {
		writeError(w, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	cursor := eventlog.Position(r.URL.Query().Get("last_id"))
	key, topic := s.threadTarget(threadID)
	session := streaming.New(s.log, s.notif, s.logger, s.sessionConfig(), key, topic, "ws")

	// reader pump: we never expect client messages, but reading drives the
	// pong handler and surfaces closes
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pinger := time.NewTicker(20 * time.Second)
	defer pinger.Stop()
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-pinger.C:
				deadline := time.Now().Add(10 * time.Second)
				if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
					return
				}
			}
		}
	}()

	send := func(f streaming.Frame) error {
		return conn.WriteJSON(wsFrame{Event: f.Event, Data: f.Data})
	}
	if err := session.Run(r.Context(), cursor, send); err != nil {
		if errors.Is(err, streaming.ErrClientDisconnected) {
			s.logger.Info("ws client disconnected", zap.String("thread_id", threadID))
			return
		}
		s.logger.Warn("ws stream ended with error",
			zap.String("thread_id", threadID), zap.Error(err))
	}
}
