package notifier

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flowgate/flowgate/internal/eventlog"
)

// StreamNotifier is the companion of the stream-backed log. Data arrival is
// observed by blocking stream reads, so only control signals travel over
// pub/sub, on "<stream key>:control". Topics are stream keys.
type StreamNotifier struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewStreamNotifier creates a control-only notifier for stream-backed logs.
func NewStreamNotifier(rdb *redis.Client, logger *zap.Logger) *StreamNotifier {
	return &StreamNotifier{rdb: rdb, logger: logger}
}

func (n *StreamNotifier) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	return subscribe(ctx, n.rdb, n.logger, map[string]Kind{
		topic + ":control": KindControl,
	})
}

// NotifyData is a no-op: stream readers block on XREAD and wake on their own.
func (n *StreamNotifier) NotifyData(ctx context.Context, topic string) error {
	return nil
}

func (n *StreamNotifier) NotifyControl(ctx context.Context, topic, payload string) error {
	if err := n.rdb.Publish(ctx, topic+":control", payload).Err(); err != nil {
		return backendErr("publish control", err)
	}
	return nil
}

// PubSubNotifier is the companion of the list-backed log: data wake-ups on
// "agent_run:<id>:new_response" and control signals on
// "agent_run:<id>:control". Topics are run identifiers.
type PubSubNotifier struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewPubSubNotifier creates a notifier for list-backed logs.
func NewPubSubNotifier(rdb *redis.Client, logger *zap.Logger) *PubSubNotifier {
	return &PubSubNotifier{rdb: rdb, logger: logger}
}

func (n *PubSubNotifier) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	return subscribe(ctx, n.rdb, n.logger, map[string]Kind{
		eventlog.NewResponseChannel(topic): KindData,
		eventlog.ControlChannel(topic):     KindControl,
	})
}

func (n *PubSubNotifier) NotifyData(ctx context.Context, topic string) error {
	if err := n.rdb.Publish(ctx, eventlog.NewResponseChannel(topic), "1").Err(); err != nil {
		return backendErr("publish data", err)
	}
	return nil
}

func (n *PubSubNotifier) NotifyControl(ctx context.Context, topic, payload string) error {
	if err := n.rdb.Publish(ctx, eventlog.ControlChannel(topic), payload).Err(); err != nil {
		return backendErr("publish control", err)
	}
	return nil
}

// subscribe opens one pub/sub connection over the given channels and pumps
// messages into a Subscription until ctx ends or Close is called.
func subscribe(ctx context.Context, rdb *redis.Client, logger *zap.Logger, channels map[string]Kind) (*Subscription, error) {
	names := make([]string, 0, len(channels))
	for name := range channels {
		names = append(names, name)
	}
	pubsub := rdb.Subscribe(ctx, names...)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, backendErr("subscribe", err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{ch: make(chan Signal, 16), cancel: cancel}

	go func() {
		defer close(sub.ch)
		defer pubsub.Close()
		msgs := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				kind, known := channels[msg.Channel]
				if !known {
					continue
				}
				sub.deliver(Signal{Kind: kind, Payload: msg.Payload})
			}
		}
	}()
	return sub, nil
}
