// Package publisher is the write path of the gateway: it stamps incoming
// execution events, appends them to the thread's event log, wakes live
// sessions, and forwards terminal results to the task service.
package publisher

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/flowgate/flowgate/internal/eventlog"
	"github.com/flowgate/flowgate/internal/metrics"
	"github.com/flowgate/flowgate/internal/models"
	"github.com/flowgate/flowgate/internal/notifier"
	"github.com/flowgate/flowgate/internal/resultsink"
)

// ErrMissingUUID rejects events without an identity; the log keys upserts on
// it.
var ErrMissingUUID = errors.New("event uuid is required")

// Target addresses one publish destination.
type Target struct {
	// Key is the event log key.
	Key string
	// Topic is the notifier topic (stream key or run identifier, depending
	// on the backend pairing).
	Topic string
	// FlowID and FlowInputID identify the execution for terminal result
	// forwarding. Empty when the caller streams in thread mode only.
	FlowID      string
	FlowInputID string
}

// Publisher writes events through an event log and its paired notifier.
type Publisher struct {
	log      eventlog.Log
	notifier notifier.Notifier
	sink     *resultsink.Sink
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a publisher. sink may be nil.
func New(log eventlog.Log, n notifier.Notifier, sink *resultsink.Sink, logger *zap.Logger) *Publisher {
	return &Publisher{
		log:      log,
		notifier: n,
		sink:     sink,
		logger:   logger,
		now:      time.Now,
	}
}

// Publish stamps and stores one event, then wakes subscribers. Terminal
// events are additionally forwarded to the result sink; sink failures are
// logged and swallowed so the stream itself never stalls on a downstream
// outage.
func (p *Publisher) Publish(ctx context.Context, target Target, ev *models.Event) (eventlog.Position, error) {
	if ev.UUID == "" {
		return eventlog.Start, ErrMissingUUID
	}
	p.stamp(ev)

	// the stored event name becomes the SSE event line on delivery
	pos, err := p.log.Append(ctx, target.Key, string(ev.ExecuteType), ev)
	if err != nil {
		return eventlog.Start, err
	}
	metrics.EventsPublished.Inc()

	if ev.Terminal() && target.FlowID != "" {
		if err := p.sink.SaveResult(ctx, target.FlowID, target.FlowInputID, ev); err != nil {
			p.logger.Warn("failed to forward terminal result",
				zap.String("flow_id", target.FlowID),
				zap.String("uuid", ev.UUID),
				zap.Error(err))
		}
	}

	if err := p.notifier.NotifyData(ctx, target.Topic); err != nil {
		p.logger.Warn("failed to notify subscribers",
			zap.String("topic", target.Topic),
			zap.Error(err))
	}
	return pos, nil
}

// PublishControl sends a control signal (STOP, END_STREAM, ERROR) to live
// sessions on the target.
func (p *Publisher) PublishControl(ctx context.Context, target Target, payload string) error {
	return p.notifier.NotifyControl(ctx, target.Topic, payload)
}

// stamp fills in the bookkeeping timestamps. create_at is set only on first
// appearance; the log preserves it across UUID upserts regardless.
func (p *Publisher) stamp(ev *models.Event) {
	ts := models.Timestamp(p.now())
	if ev.CreateAt == "" {
		ev.CreateAt = ts
	}
	ev.ModifyAt = ts
	if ev.Terminal() && ev.ExecuteEndAt == "" {
		ev.ExecuteEndAt = ts
	}
}
