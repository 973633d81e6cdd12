package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flowgate/flowgate/internal/models"
)

const (
	streamStartID = "0-0"

	uuidIndexSuffix = ":uuid_index"
	overrideSuffix  = ":override"
)

// StreamOptions tunes a StreamLog.
type StreamOptions struct {
	MaxLen    int64
	ReadCount int64
	TTL       time.Duration
}

// StreamLog stores events in a Redis Stream. Positions are server-assigned
// stream IDs. Because stream entries are immutable, UUID upserts are recorded
// in a per-thread override hash that readers overlay on decode; the entry
// keeps its original position.
type StreamLog struct {
	rdb       *redis.Client
	logger    *zap.Logger
	maxLen    int64
	readCount int64
	ttl       time.Duration
}

// NewStreamLog creates a stream-backed event log.
func NewStreamLog(rdb *redis.Client, logger *zap.Logger, opts StreamOptions) *StreamLog {
	if opts.MaxLen <= 0 {
		opts.MaxLen = 1000
	}
	if opts.ReadCount <= 0 {
		opts.ReadCount = 64
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	return &StreamLog{
		rdb:       rdb,
		logger:    logger,
		maxLen:    opts.MaxLen,
		readCount: opts.ReadCount,
		ttl:       opts.TTL,
	}
}

// Exists reports whether the stream has been created.
func (s *StreamLog) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, backendErr("exists", err)
	}
	return n > 0, nil
}

// Append adds the event or, when its UUID is already present, overwrites the
// stored copy in place and returns the original position.
func (s *StreamLog) Append(ctx context.Context, key, eventType string, ev *models.Event) (Position, error) {
	existingID, err := s.rdb.HGet(ctx, key+uuidIndexSuffix, ev.UUID).Result()
	switch {
	case err == nil:
		return s.overwrite(ctx, key, existingID, ev)
	case errors.Is(err, redis.Nil):
		// first appearance
	default:
		return Start, backendErr("append", err)
	}

	data, err := ev.Marshal()
	if err != nil {
		return Start, backendErr("append: encode", err)
	}
	id, err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{"event": eventType, "data": string(data)},
	}).Result()
	if err != nil {
		return Start, backendErr("append", err)
	}
	if err := s.rdb.HSet(ctx, key+uuidIndexSuffix, ev.UUID, id).Err(); err != nil {
		return Start, backendErr("append: index", err)
	}
	s.refreshTTL(ctx, key)

	s.logger.Debug("appended event to stream",
		zap.String("key", key),
		zap.String("uuid", ev.UUID),
		zap.String("position", id))
	return Position(id), nil
}

func (s *StreamLog) overwrite(ctx context.Context, key, id string, ev *models.Event) (Position, error) {
	stored, err := s.storedEvent(ctx, key, id, ev.UUID)
	if err != nil {
		return Start, err
	}
	preserveCreateAt(stored, ev)

	data, err := ev.Marshal()
	if err != nil {
		return Start, backendErr("append: encode", err)
	}
	if err := s.rdb.HSet(ctx, key+overrideSuffix, ev.UUID, string(data)).Err(); err != nil {
		return Start, backendErr("append: override", err)
	}
	s.refreshTTL(ctx, key)

	s.logger.Debug("overwrote event in stream",
		zap.String("key", key),
		zap.String("uuid", ev.UUID),
		zap.String("position", id))
	return Position(id), nil
}

// storedEvent returns the current stored copy for uuid, preferring an earlier
// override over the immutable stream entry. Returns nil when the entry has
// been trimmed out of the retention window.
func (s *StreamLog) storedEvent(ctx context.Context, key, id, uuid string) (*models.Event, error) {
	raw, err := s.rdb.HGet(ctx, key+overrideSuffix, uuid).Result()
	if err == nil {
		ev, decodeErr := models.UnmarshalEvent([]byte(raw))
		if decodeErr != nil {
			return nil, nil
		}
		return ev, nil
	}
	if !errors.Is(err, redis.Nil) {
		return nil, backendErr("append: read override", err)
	}

	msgs, err := s.rdb.XRange(ctx, key, id, id).Result()
	if err != nil {
		return nil, backendErr("append: read entry", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	data, _ := msgs[0].Values["data"].(string)
	ev, decodeErr := models.UnmarshalEvent([]byte(data))
	if decodeErr != nil {
		return nil, nil
	}
	return ev, nil
}

// Range returns all entries strictly after the cursor.
func (s *StreamLog) Range(ctx context.Context, key string, after Position) ([]Entry, Position, error) {
	overrides, err := s.overrides(ctx, key)
	if err != nil {
		return nil, after, err
	}

	start := "-"
	if after != Start {
		start = "(" + string(after)
	}
	var entries []Entry
	cursor := after
	for {
		msgs, err := s.rdb.XRangeN(ctx, key, start, "+", s.readCount).Result()
		if err != nil {
			return nil, after, backendErr("range", err)
		}
		for _, msg := range msgs {
			entries = append(entries, s.toEntry(msg, overrides))
			cursor = Position(msg.ID)
		}
		if int64(len(msgs)) < s.readCount {
			return entries, cursor, nil
		}
		start = "(" + msgs[len(msgs)-1].ID
	}
}

// Tail blocks up to block for entries strictly after the cursor.
func (s *StreamLog) Tail(ctx context.Context, key string, after Position, block time.Duration) ([]Entry, Position, error) {
	start := string(after)
	if start == "" {
		start = streamStartID
	}
	res, err := s.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{key, start},
		Count:   s.readCount,
		Block:   block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, after, nil
	}
	if err != nil {
		return nil, after, backendErr("tail", err)
	}

	overrides, err := s.overrides(ctx, key)
	if err != nil {
		return nil, after, err
	}
	var entries []Entry
	cursor := after
	for _, stream := range res {
		for _, msg := range stream.Messages {
			entries = append(entries, s.toEntry(msg, overrides))
			cursor = Position(msg.ID)
		}
	}
	return entries, cursor, nil
}

// Len returns the number of retained entries.
func (s *StreamLog) Len(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.XLen(ctx, key).Result()
	if err != nil {
		return 0, backendErr("len", err)
	}
	return n, nil
}

func (s *StreamLog) overrides(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.rdb.HGetAll(ctx, key+overrideSuffix).Result()
	if err != nil {
		return nil, backendErr("read overrides", err)
	}
	return m, nil
}

func (s *StreamLog) toEntry(msg redis.XMessage, overrides map[string]string) Entry {
	eventType, _ := msg.Values["event"].(string)
	data, _ := msg.Values["data"].(string)
	if len(overrides) > 0 {
		if uuid := eventUUID([]byte(data)); uuid != "" {
			if latest, ok := overrides[uuid]; ok {
				data = latest
			}
		}
	}
	return Entry{Position: Position(msg.ID), Type: eventType, Data: []byte(data)}
}

func (s *StreamLog) refreshTTL(ctx context.Context, key string) {
	for _, k := range []string{key, key + uuidIndexSuffix, key + overrideSuffix} {
		if err := s.rdb.Expire(ctx, k, s.ttl).Err(); err != nil {
			s.logger.Warn("failed to refresh log TTL", zap.String("key", k), zap.Error(err))
		}
	}
}

func eventUUID(data []byte) string {
	var head struct {
		UUID string `json:"uuid"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return ""
	}
	return head.UUID
}
