// Package httpapi maps the gateway's core onto HTTP: thread lifecycle
// endpoints, SSE and WebSocket event streams, and the internal publish
// surface used by workers.
package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flowgate/flowgate/internal/config"
	"github.com/flowgate/flowgate/internal/db"
	"github.com/flowgate/flowgate/internal/dispatch"
	"github.com/flowgate/flowgate/internal/eventlog"
	"github.com/flowgate/flowgate/internal/metrics"
	"github.com/flowgate/flowgate/internal/notifier"
	"github.com/flowgate/flowgate/internal/publisher"
	"github.com/flowgate/flowgate/internal/registry"
	"github.com/flowgate/flowgate/internal/streaming"
)

// Server holds the handler dependencies.
type Server struct {
	logger *zap.Logger
	cfg    *config.Manager

	rdb      *redis.Client
	registry *registry.Registry
	dispatch *dispatch.Dispatcher
	pub      *publisher.Publisher
	log      eventlog.Log
	notif    notifier.Notifier
	keys     eventlog.Keys
	// archive is optional; nil disables terminal-event persistence
	archive *db.Archive
}

// New creates the HTTP surface.
func New(
	logger *zap.Logger,
	cfg *config.Manager,
	rdb *redis.Client,
	reg *registry.Registry,
	disp *dispatch.Dispatcher,
	pub *publisher.Publisher,
	log eventlog.Log,
	notif notifier.Notifier,
	keys eventlog.Keys,
	archive *db.Archive,
) *Server {
	return &Server{
		logger:   logger,
		cfg:      cfg,
		rdb:      rdb,
		registry: reg,
		dispatch: disp,
		pub:      pub,
		log:      log,
		notif:    notif,
		keys:     keys,
		archive:  archive,
	}
}

// Routes builds the public mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /agent/initiate", s.instrument("initiate", s.handleInitiate))
	mux.HandleFunc("POST /agent/{thread}/execute", s.instrument("execute", s.handleExecute))
	mux.HandleFunc("GET /agent/{thread}", s.instrument("metadata", s.handleMetadata))
	mux.HandleFunc("GET /agent/{thread}/runs", s.instrument("runs", s.handleRuns))
	mux.HandleFunc("POST /agent/{thread}/archive", s.instrument("archive", s.handleArchive))
	mux.HandleFunc("GET /agent/{thread}/stream", s.handleThreadStream)
	mux.HandleFunc("GET /agent/{thread}/ws", s.handleThreadWS)
	mux.HandleFunc("GET /agent/event-stream", s.handleFlowStream)
	mux.HandleFunc("POST /internal/publish", s.instrument("publish", s.handlePublish))
	mux.HandleFunc("POST /internal/control", s.instrument("control", s.handleControl))
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return mux
}

// threadTarget resolves the log key and notifier topic for a thread. The
// stream backend addresses logs by the composite stream key; the list backend
// keeps the legacy agent_run keyspace, with pub/sub channels derived from the
// bare thread id.
func (s *Server) threadTarget(threadID string) (key, topic string) {
	if s.cfg.Config().EventSource.Backend == config.BackendList {
		return eventlog.ListKey(threadID), threadID
	}
	key = s.keys.ThreadKey(threadID)
	return key, key
}

// sessionConfig snapshots the streaming tunables from the live config.
func (s *Server) sessionConfig() streaming.Config {
	es := s.cfg.Config().EventSource
	return streaming.Config{
		BlockTime:             es.BlockTime(),
		KeepAliveInterval:     es.KeepAliveInterval(),
		BusinessTimeout:       es.BusinessTimeout(),
		ConnectionMaxDuration: es.ConnectionMaxDuration(),
		StreamCheckInterval:   es.StreamCheckInterval(),
		TimeoutCheckInterval:  es.TimeoutCheckInterval(),
		QueueSize:             es.MessageQueueMaxSize,
	}
}

// instrument wraps a handler with request counting and latency observation.
func (s *Server) instrument(name string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		h(rec, r)
		metrics.HTTPRequestsTotal.WithLabelValues(name, strconv.Itoa(rec.code)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.rdb.Ping(r.Context()).Err(); err != nil {
		s.logger.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
