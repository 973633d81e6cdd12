// Package notifier carries out-of-band signals between publishers and live
// SSE sessions: data wake-ups for the list-backed log, whose reads otherwise
// poll, and control signals that end a session early for both backends.
package notifier

import (
	"context"
	"errors"
	"fmt"
)

// ErrBackend wraps pub/sub transport failures.
var ErrBackend = errors.New("notifier backend unavailable")

// Control payloads recognized by sessions.
const (
	ControlStop      = "STOP"
	ControlEndStream = "END_STREAM"
	ControlError     = "ERROR"
)

// Kind classifies a signal.
type Kind int

const (
	// KindData means new entries were appended to the log.
	KindData Kind = iota
	// KindControl carries one of the Control* payloads.
	KindControl
)

// Signal is one delivered notification.
type Signal struct {
	Kind    Kind
	Payload string
}

// Notifier publishes and subscribes to signals for one topic. Stream-backed
// logs use the log key as topic; list-backed logs use the run identifier.
type Notifier interface {
	// Subscribe starts delivering signals for topic until the subscription is
	// closed or ctx is cancelled.
	Subscribe(ctx context.Context, topic string) (*Subscription, error)
	// NotifyData announces that new log entries are available.
	NotifyData(ctx context.Context, topic string) error
	// NotifyControl sends a control payload to all live sessions on topic.
	NotifyControl(ctx context.Context, topic, payload string) error
}

// Subscription is one live signal feed. Signals are dropped, not queued
// unboundedly: a slow consumer misses wake-ups, which is safe because data
// signals are only hints and control signals are re-sent by operators.
type Subscription struct {
	ch     chan Signal
	cancel context.CancelFunc
}

// Signals returns the delivery channel. It is closed when the subscription
// ends.
func (s *Subscription) Signals() <-chan Signal { return s.ch }

// Close stops delivery and releases the underlying pub/sub connection.
func (s *Subscription) Close() { s.cancel() }

func (s *Subscription) deliver(sig Signal) {
	select {
	case s.ch <- sig:
	default:
	}
}

func backendErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrBackend, op, err)
}
