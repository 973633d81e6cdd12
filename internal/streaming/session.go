// Package streaming implements the per-connection SSE session: replaying a
// thread's event log, tailing it live, and closing with a terminal status
// frame. One Session instance serves one HTTP connection.
package streaming

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/flowgate/flowgate/internal/eventlog"
	"github.com/flowgate/flowgate/internal/metrics"
	"github.com/flowgate/flowgate/internal/notifier"
)

// Config carries the session tunables.
type Config struct {
	BlockTime             time.Duration
	KeepAliveInterval     time.Duration
	BusinessTimeout       time.Duration
	ConnectionMaxDuration time.Duration
	StreamCheckInterval   time.Duration
	TimeoutCheckInterval  time.Duration
	QueueSize             int
}

// Session streams one thread's events to one client.
type Session struct {
	log    eventlog.Log
	notif  notifier.Notifier
	logger *zap.Logger
	cfg    Config

	// key addresses the event log; topic addresses the notifier; mode labels
	// metrics ("thread" or "flow").
	key   string
	topic string
	mode  string

	mu           sync.Mutex
	lastBusiness time.Time
	startedAt    time.Time

	now func() time.Time
}

// New creates a session for one connection.
func New(log eventlog.Log, notif notifier.Notifier, logger *zap.Logger, cfg Config, key, topic, mode string) *Session {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	return &Session{
		log:    log,
		notif:  notif,
		logger: logger,
		cfg:    cfg,
		key:    key,
		topic:  topic,
		mode:   mode,
		now:    time.Now,
	}
}

// Run drives the session until a terminal frame has been sent or a
// connection-terminating condition occurs. send delivers one frame to the
// client and flushes; a send failure is treated as a client disconnect. ctx
// is the request context; its cancellation signals the client disconnect.
func (s *Session) Run(ctx context.Context, cursor eventlog.Position, send func(Frame) error) error {
	start := s.now()
	s.mu.Lock()
	s.startedAt = start
	s.lastBusiness = start
	s.mu.Unlock()

	metrics.SessionsStarted.WithLabelValues(s.mode).Inc()
	metrics.SessionsActive.Inc()
	defer func() {
		metrics.SessionsActive.Dec()
		metrics.SessionDuration.WithLabelValues(s.mode).Observe(s.now().Sub(start).Seconds())
	}()

	err := s.run(ctx, cursor, s.countingSend(send))
	metrics.SessionsEnded.WithLabelValues(s.mode, outcomeLabel(err)).Inc()
	return err
}

func (s *Session) run(ctx context.Context, cursor eventlog.Position, send func(Frame) error) error {
	if err := s.awaitLog(ctx, send); err != nil {
		return err
	}

	cursor, terminated, err := s.replay(ctx, cursor, send)
	if err != nil || terminated {
		return err
	}
	return s.tail(ctx, cursor, send)
}

// awaitLog blocks until the thread's log exists. A single waiting frame is
// emitted before the first poll sleep.
func (s *Session) awaitLog(ctx context.Context, send func(Frame) error) error {
	exists, err := s.log.Exists(ctx, s.key)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	if err := send(waitingFrame(s.now())); err != nil {
		return disconnect(err)
	}
	s.logger.Info("waiting for event log creation", zap.String("key", s.key))

	deadline := s.now().Add(s.cfg.BusinessTimeout)
	ticker := time.NewTicker(s.cfg.StreamCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ErrClientDisconnected
		case <-ticker.C:
		}
		exists, err := s.log.Exists(ctx, s.key)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		if s.now().After(deadline) {
			return fmt.Errorf("%w: event log never created", ErrTimeoutExceeded)
		}
	}
}

// replay sends all stored entries after cursor. A terminal business event
// ends the session with a closing status frame.
func (s *Session) replay(ctx context.Context, cursor eventlog.Position, send func(Frame) error) (eventlog.Position, bool, error) {
	entries, next, err := s.log.Range(ctx, s.key, cursor)
	if err != nil {
		return cursor, false, err
	}

	sawBusiness := false
	for _, entry := range entries {
		if ctx.Err() != nil {
			return next, false, ErrClientDisconnected
		}
		frame, ok := s.entryFrame(entry, "historical_parse_error")
		if !ok {
			if err := send(frame); err != nil {
				return next, false, disconnect(err)
			}
			continue
		}
		sawBusiness = true
		if err := send(frame); err != nil {
			return next, false, disconnect(err)
		}
		if frame.state.Terminal() {
			err := send(statusFrame(closingStatus(frame.state), ""))
			if err != nil {
				return next, true, disconnect(err)
			}
			return next, true, nil
		}
	}

	if sawBusiness {
		s.touchBusiness()
	}
	return next, false, nil
}

// tail is the live phase: a reader, a keep-alive ticker, and a timeout
// monitor feed one bounded queue drained by this goroutine.
func (s *Session) tail(ctx context.Context, cursor eventlog.Position, send func(Frame) error) error {
	sub, err := s.notif.Subscribe(ctx, s.topic)
	if err != nil {
		return err
	}
	defer sub.Close()

	tailCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := make(chan Frame, s.cfg.QueueSize)
	fatal := make(chan error, 3)

	var wg sync.WaitGroup
	wg.Add(4)
	go func() { defer wg.Done(); s.readLoop(tailCtx, cursor, queue, fatal) }()
	go func() { defer wg.Done(); s.keepAliveLoop(tailCtx, queue) }()
	go func() { defer wg.Done(); s.timeoutLoop(tailCtx, fatal) }()
	go func() { defer wg.Done(); s.signalLoop(tailCtx, sub, queue) }()
	defer wg.Wait()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ErrClientDisconnected
		case err := <-fatal:
			return err
		case frame := <-queue:
			if frame.business {
				s.touchBusiness()
			}
			if err := send(frame); err != nil {
				return disconnect(err)
			}
			if frame.terminal {
				return nil
			}
			if frame.business && frame.state.Terminal() {
				if err := send(statusFrame(closingStatus(frame.state), "")); err != nil {
					return disconnect(err)
				}
				return nil
			}
		}
	}
}

// signalLoop pumps notifier signals. A control signal becomes a terminal
// status frame enqueued behind whatever the reader already queued, so queued
// business events are always delivered before the close. A data signal wakes
// the log's tail when the backend polls.
func (s *Session) signalLoop(ctx context.Context, sub *notifier.Subscription, queue chan<- Frame) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-sub.Signals():
			if !ok {
				return
			}
			if sig.Kind == notifier.KindData {
				if w, isWaker := s.log.(eventlog.Waker); isWaker {
					w.Wake(s.key)
				}
				continue
			}
			status, known := controlStatus(sig.Payload)
			if !known {
				s.logger.Warn("ignoring unknown control payload",
					zap.String("topic", s.topic), zap.String("payload", sig.Payload))
				continue
			}
			select {
			case queue <- statusFrame(status, ""):
			case <-ctx.Done():
			}
			return
		}
	}
}

// readLoop tails the log and enqueues business frames. Unlike keep-alives it
// blocks when the queue is full: business events are never dropped.
func (s *Session) readLoop(ctx context.Context, cursor eventlog.Position, queue chan<- Frame, fatal chan<- error) {
	for {
		if ctx.Err() != nil {
			return
		}
		entries, next, err := s.log.Tail(ctx, s.key, cursor, s.cfg.BlockTime)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			select {
			case fatal <- err:
			default:
			}
			return
		}
		cursor = next
		for _, entry := range entries {
			frame, _ := s.entryFrame(entry, "parse_error")
			select {
			case queue <- frame:
			case <-ctx.Done():
				return
			}
		}
	}
}

// keepAliveLoop enqueues a liveness tick each interval, dropping it when the
// queue is full rather than blocking the ticker.
func (s *Session) keepAliveLoop(ctx context.Context, queue chan<- Frame) {
	ticker := time.NewTicker(s.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		select {
		case queue <- keepAliveFrame(s.now()):
		default:
			metrics.FramesDropped.Inc()
			s.logger.Debug("queue full, dropped keep-alive", zap.String("key", s.key))
		}
	}
}

// timeoutLoop enforces the business-inactivity ceiling and the absolute
// connection ceiling.
func (s *Session) timeoutLoop(ctx context.Context, fatal chan<- error) {
	ticker := time.NewTicker(s.cfg.TimeoutCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.mu.Lock()
		lastBusiness := s.lastBusiness
		startedAt := s.startedAt
		s.mu.Unlock()

		now := s.now()
		if idle := now.Sub(lastBusiness); idle > s.cfg.BusinessTimeout {
			s.sendFatal(ctx, fatal, fmt.Errorf("%w: no business event for %s", ErrTimeoutExceeded, idle.Round(time.Second)))
			return
		}
		if alive := now.Sub(startedAt); alive > s.cfg.ConnectionMaxDuration {
			s.sendFatal(ctx, fatal, fmt.Errorf("%w: connection open for %s", ErrTimeoutExceeded, alive.Round(time.Second)))
			return
		}
	}
}

func (s *Session) sendFatal(ctx context.Context, fatal chan<- error, err error) {
	select {
	case fatal <- err:
	case <-ctx.Done():
	}
}

// entryFrame turns a stored entry into a deliverable frame. A corrupt entry
// yields an inline error frame instead and ok=false.
func (s *Session) entryFrame(entry eventlog.Entry, parseErrType string) (Frame, bool) {
	if entry.Type == "" || isSystemEvent(entry.Type) {
		metrics.EventParseErrors.Inc()
		return errorFrame(fmt.Sprintf("malformed stored entry at %s", entry.Position), parseErrType), false
	}
	ev, err := entry.Decode()
	if err != nil {
		metrics.EventParseErrors.Inc()
		s.logger.Warn("failed to decode stored event",
			zap.String("key", s.key),
			zap.String("position", string(entry.Position)),
			zap.Error(err))
		return errorFrame(fmt.Sprintf("undecodable event at %s", entry.Position), parseErrType), false
	}
	return businessFrame(entry.Type, entry.Data, ev.CurrentState), true
}

func (s *Session) touchBusiness() {
	s.mu.Lock()
	s.lastBusiness = s.now()
	s.mu.Unlock()
}

func (s *Session) countingSend(send func(Frame) error) func(Frame) error {
	return func(f Frame) error {
		if err := send(f); err != nil {
			return err
		}
		metrics.FramesSent.WithLabelValues(frameLabel(f)).Inc()
		return nil
	}
}

func frameLabel(f Frame) string {
	if f.business {
		return "business"
	}
	return f.Event
}

func isSystemEvent(name string) bool {
	switch name {
	case EventWaiting, EventKeepAlive, EventError, EventStatus:
		return true
	}
	return false
}

// controlStatus maps a worker control payload to the closing status value.
func controlStatus(payload string) (string, bool) {
	switch payload {
	case notifier.ControlStop:
		return StatusStopped, true
	case notifier.ControlEndStream:
		return StatusCompleted, true
	case notifier.ControlError:
		return StatusFailed, true
	}
	return "", false
}

func disconnect(err error) error {
	return fmt.Errorf("%w: %v", ErrClientDisconnected, err)
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "completed"
	case errors.Is(err, ErrClientDisconnected):
		return "disconnected"
	case errors.Is(err, ErrTimeoutExceeded):
		return "timeout"
	case errors.Is(err, eventlog.ErrBackend), errors.Is(err, notifier.ErrBackend):
		return "backend_error"
	default:
		return "error"
	}
}
