package httpapi

import (
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/flowgate/flowgate/internal/eventlog"
	"github.com/flowgate/flowgate/internal/streaming"
)

// setSSEHeaders prepares the response for event streaming. X-Accel-Buffering
// stops nginx-style intermediaries from buffering frames.
func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// handleThreadStream serves GET /agent/{thread}/stream?last_id=<cursor>.
func (s *Server) handleThreadStream(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread")
	if err := s.registry.ValidateThread(r.Context(), threadID); err != nil {
		writeError(w, err)
		return
	}
	key, topic := s.threadTarget(threadID)
	s.serveSSE(w, r, key, topic, "thread")
}

// handleFlowStream serves the legacy flow-scoped stream,
// GET /agent/event-stream?flowUuid=<F>&flowInputUuid=<I>&last_id=<cursor>.
// Flow mode predates the thread registry and does not validate against it.
func (s *Server) handleFlowStream(w http.ResponseWriter, r *http.Request) {
	flowID := r.URL.Query().Get("flowUuid")
	inputID := r.URL.Query().Get("flowInputUuid")
	if flowID == "" || inputID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "flowUuid and flowInputUuid are required"})
		return
	}
	key := s.keys.FlowKey(flowID, inputID)
	s.serveSSE(w, r, key, key, "flow")
}

func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, key, topic, mode string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}
	cursor := eventlog.Position(r.URL.Query().Get("last_id"))

	session := streaming.New(s.log, s.notif, s.logger, s.sessionConfig(), key, topic, mode)

	// headers go out with the first frame so a pre-stream failure can still
	// carry a real status code
	emitted := false
	send := func(f streaming.Frame) error {
		if !emitted {
			setSSEHeaders(w)
			w.WriteHeader(http.StatusOK)
			emitted = true
		}
		if _, err := io.WriteString(w, f.Encode()); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	err := session.Run(r.Context(), cursor, send)
	switch {
	case err == nil:
		s.logger.Info("stream completed", zap.String("key", key), zap.String("mode", mode))
	case errors.Is(err, streaming.ErrClientDisconnected):
		s.logger.Info("stream client disconnected", zap.String("key", key))
	default:
		s.logger.Warn("stream ended with error",
			zap.String("key", key), zap.String("mode", mode), zap.Error(err))
		if !emitted {
			writeError(w, err)
		}
	}
}
