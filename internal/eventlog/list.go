package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flowgate/flowgate/internal/models"
)

const offsetSuffix = ":offset"

// listRecord is the stored envelope for one list entry.
type listRecord struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// ListOptions tunes a ListLog.
type ListOptions struct {
	MaxLen    int64
	ReadCount int64
	TTL       time.Duration
	// PollInterval is how often Tail re-checks the list while blocking. The
	// pub/sub notifier usually wakes readers first; this is the fallback.
	PollInterval time.Duration
}

// ListLog stores events in a Redis list. Positions are absolute decimal
// indices that stay stable across trimming: a companion offset counter records
// how many entries have been dropped from the head, and position = offset +
// list index. UUID upserts overwrite the element in place with LSET.
type ListLog struct {
	rdb          *redis.Client
	logger       *zap.Logger
	maxLen       int64
	readCount    int64
	ttl          time.Duration
	pollInterval time.Duration

	mu    sync.Mutex
	wakes map[string]chan struct{}
}

// NewListLog creates a list-backed event log.
func NewListLog(rdb *redis.Client, logger *zap.Logger, opts ListOptions) *ListLog {
	if opts.MaxLen <= 0 {
		opts.MaxLen = 1000
	}
	if opts.ReadCount <= 0 {
		opts.ReadCount = 64
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 200 * time.Millisecond
	}
	return &ListLog{
		rdb:          rdb,
		logger:       logger,
		maxLen:       opts.MaxLen,
		readCount:    opts.ReadCount,
		ttl:          opts.TTL,
		pollInterval: opts.PollInterval,
		wakes:        make(map[string]chan struct{}),
	}
}

// Exists reports whether the list has been created.
func (l *ListLog) Exists(ctx context.Context, key string) (bool, error) {
	n, err := l.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, backendErr("exists", err)
	}
	return n > 0, nil
}

// Append adds the event or, when its UUID is already present, overwrites the
// stored element in place and returns its original position.
func (l *ListLog) Append(ctx context.Context, key, eventType string, ev *models.Event) (Position, error) {
	posStr, err := l.rdb.HGet(ctx, key+uuidIndexSuffix, ev.UUID).Result()
	switch {
	case err == nil:
		return l.overwrite(ctx, key, posStr, eventType, ev)
	case errors.Is(err, redis.Nil):
		// first appearance
	default:
		return Start, backendErr("append", err)
	}

	record, err := l.encode(eventType, ev)
	if err != nil {
		return Start, err
	}
	offset, err := l.offset(ctx, key)
	if err != nil {
		return Start, err
	}
	length, err := l.rdb.RPush(ctx, key, record).Result()
	if err != nil {
		return Start, backendErr("append", err)
	}
	pos := offset + length - 1
	if err := l.rdb.HSet(ctx, key+uuidIndexSuffix, ev.UUID, strconv.FormatInt(pos, 10)).Err(); err != nil {
		return Start, backendErr("append: index", err)
	}
	if err := l.trim(ctx, key, length); err != nil {
		return Start, err
	}
	l.refreshTTL(ctx, key)

	l.logger.Debug("appended event to list",
		zap.String("key", key),
		zap.String("uuid", ev.UUID),
		zap.Int64("position", pos))
	return Position(strconv.FormatInt(pos, 10)), nil
}

func (l *ListLog) overwrite(ctx context.Context, key, posStr, eventType string, ev *models.Event) (Position, error) {
	pos, err := strconv.ParseInt(posStr, 10, 64)
	if err != nil {
		return Start, backendErr("append: bad index entry", err)
	}
	offset, err := l.offset(ctx, key)
	if err != nil {
		return Start, err
	}
	idx := pos - offset
	if idx < 0 {
		// trimmed out of the retention window; nothing left to overwrite
		return Position(posStr), nil
	}

	raw, err := l.rdb.LIndex(ctx, key, idx).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Start, backendErr("append: read entry", err)
	}
	if err == nil {
		if stored := decodeRecord([]byte(raw)); stored != nil {
			preserveCreateAt(stored, ev)
		}
	}

	record, err := l.encode(eventType, ev)
	if err != nil {
		return Start, err
	}
	if err := l.rdb.LSet(ctx, key, idx, record).Err(); err != nil {
		return Start, backendErr("append: overwrite", err)
	}
	l.refreshTTL(ctx, key)

	l.logger.Debug("overwrote event in list",
		zap.String("key", key),
		zap.String("uuid", ev.UUID),
		zap.Int64("position", pos))
	return Position(posStr), nil
}

// Range returns all entries strictly after the cursor.
func (l *ListLog) Range(ctx context.Context, key string, after Position) ([]Entry, Position, error) {
	offset, err := l.offset(ctx, key)
	if err != nil {
		return nil, after, err
	}
	start := offset
	if after != Start {
		p, perr := strconv.ParseInt(string(after), 10, 64)
		if perr != nil {
			return nil, after, backendErr("range: bad cursor", perr)
		}
		start = p + 1
	}
	idx := start - offset
	if idx < 0 {
		idx = 0
		start = offset
	}

	raws, err := l.rdb.LRange(ctx, key, idx, -1).Result()
	if err != nil {
		return nil, after, backendErr("range", err)
	}
	entries := make([]Entry, 0, len(raws))
	cursor := after
	for i, raw := range raws {
		pos := start + int64(i)
		entries = append(entries, toListEntry(pos, []byte(raw)))
		cursor = Position(strconv.FormatInt(pos, 10))
	}
	return entries, cursor, nil
}

// Tail polls for entries strictly after the cursor for up to block. A Wake
// for the key re-checks immediately; polling bounds the wait when a publish
// notification is lost.
func (l *ListLog) Tail(ctx context.Context, key string, after Position, block time.Duration) ([]Entry, Position, error) {
	deadline := time.Now().Add(block)
	for {
		entries, cursor, err := l.Range(ctx, key, after)
		if err != nil || len(entries) > 0 {
			return entries, cursor, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, after, nil
		}
		wait := l.pollInterval
		if wait > remaining {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return nil, after, ctx.Err()
		case <-l.wakeCh(key):
		case <-time.After(wait):
		}
	}
}

// Wake interrupts any Tail currently waiting on the key so it re-checks the
// list right away. Safe to call with no waiter.
func (l *ListLog) Wake(key string) {
	select {
	case l.wakeCh(key) <- struct{}{}:
	default:
	}
}

func (l *ListLog) wakeCh(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.wakes[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.wakes[key] = ch
	}
	return ch
}

// Len returns the number of retained entries.
func (l *ListLog) Len(ctx context.Context, key string) (int64, error) {
	n, err := l.rdb.LLen(ctx, key).Result()
	if err != nil {
		return 0, backendErr("len", err)
	}
	return n, nil
}

func (l *ListLog) offset(ctx context.Context, key string) (int64, error) {
	raw, err := l.rdb.Get(ctx, key+offsetSuffix).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, backendErr("read offset", err)
	}
	off, perr := strconv.ParseInt(raw, 10, 64)
	if perr != nil {
		return 0, backendErr("bad offset", perr)
	}
	return off, nil
}

// trim drops head entries beyond the retention window and advances the offset
// counter so surviving positions keep their absolute values.
func (l *ListLog) trim(ctx context.Context, key string, length int64) error {
	excess := length - l.maxLen
	if excess <= 0 {
		return nil
	}
	if err := l.rdb.LTrim(ctx, key, excess, -1).Err(); err != nil {
		return backendErr("trim", err)
	}
	if err := l.rdb.IncrBy(ctx, key+offsetSuffix, excess).Err(); err != nil {
		return backendErr("trim: offset", err)
	}
	return nil
}

func (l *ListLog) encode(eventType string, ev *models.Event) (string, error) {
	data, err := ev.Marshal()
	if err != nil {
		return "", backendErr("encode", err)
	}
	blob, err := json.Marshal(listRecord{Event: eventType, Data: data})
	if err != nil {
		return "", backendErr("encode", err)
	}
	return string(blob), nil
}

func (l *ListLog) refreshTTL(ctx context.Context, key string) {
	for _, k := range []string{key, key + uuidIndexSuffix, key + offsetSuffix} {
		if err := l.rdb.Expire(ctx, k, l.ttl).Err(); err != nil {
			l.logger.Warn("failed to refresh log TTL", zap.String("key", k), zap.Error(err))
		}
	}
}

func decodeRecord(raw []byte) *models.Event {
	var rec listRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil
	}
	ev, err := models.UnmarshalEvent(rec.Data)
	if err != nil {
		return nil
	}
	return ev
}

func toListEntry(pos int64, raw []byte) Entry {
	var rec listRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		// surfaced to the client as an inline parse error on decode
		return Entry{Position: Position(strconv.FormatInt(pos, 10)), Data: raw}
	}
	return Entry{
		Position: Position(strconv.FormatInt(pos, 10)),
		Type:     rec.Event,
		Data:     rec.Data,
	}
}
