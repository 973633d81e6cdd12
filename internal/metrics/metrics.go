package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Stream session metrics
	SessionsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowgate_stream_sessions_started_total",
			Help: "Total number of SSE sessions opened",
		},
		[]string{"mode"},
	)

	SessionsEnded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowgate_stream_sessions_ended_total",
			Help: "Total number of SSE sessions ended, by outcome",
		},
		[]string{"mode", "outcome"},
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowgate_stream_sessions_active",
			Help: "Number of SSE sessions currently attached",
		},
	)

	SessionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowgate_stream_session_duration_seconds",
			Help:    "SSE session duration in seconds",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800},
		},
		[]string{"mode"},
	)

	FramesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowgate_stream_frames_sent_total",
			Help: "Total number of SSE frames written",
		},
		[]string{"type"},
	)

	FramesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowgate_stream_frames_dropped_total",
			Help: "Total number of keep-alive frames dropped on a full session queue",
		},
	)

	// Event publishing metrics
	EventsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowgate_events_published_total",
			Help: "Total number of events appended to logs",
		},
	)

	EventParseErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowgate_event_parse_errors_total",
			Help: "Total number of stored events that failed to decode",
		},
	)

	// Thread registry metrics
	ThreadsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowgate_threads_created_total",
			Help: "Total number of threads created",
		},
	)

	RunsRecorded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowgate_runs_recorded_total",
			Help: "Total number of runs recorded",
		},
	)

	ThreadCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowgate_thread_cache_hits_total",
			Help: "Thread metadata reads served from the local cache",
		},
	)

	ThreadCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowgate_thread_cache_misses_total",
			Help: "Thread metadata reads that fell through to Redis",
		},
	)

	ThreadCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowgate_thread_cache_size",
			Help: "Number of thread metadata entries cached locally",
		},
	)

	// Dispatch metrics
	TasksDispatched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowgate_tasks_dispatched_total",
			Help: "Total number of tasks enqueued to the worker broker",
		},
	)

	DispatchFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowgate_dispatch_failures_total",
			Help: "Total number of broker enqueue failures",
		},
	)

	// Archive metrics
	EventsArchived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowgate_events_archived_total",
			Help: "Total number of events written to the archive database",
		},
	)

	ArchiveDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowgate_archive_dropped_total",
			Help: "Total number of events dropped because the archive queue was full",
		},
	)

	ArchiveErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flowgate_archive_errors_total",
			Help: "Total number of archive batch insert failures",
		},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowgate_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"handler", "code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flowgate_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"handler"},
	)
)
