// Package eventlog provides the durable per-thread event log backing SSE
// sessions. Two Redis-backed shapes implement the same interface: an
// append-only stream with server-assigned IDs and a list with integer
// positions plus pub/sub notification channels.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flowgate/flowgate/internal/models"
)

// ErrBackend wraps any storage failure. Callers treat it as a
// connection-terminating condition.
var ErrBackend = errors.New("event log backend unavailable")

// Position is an opaque cursor into a thread's log. The empty string means
// "from the beginning". Stream backends use Redis stream IDs ("<ms>-<seq>");
// list backends use decimal integer indices. Sessions never parse positions.
type Position string

// Start is the sentinel cursor for reading a log from the beginning.
const Start Position = ""

// Entry is one stored log record. Data is the raw JSON-encoded event; it is
// decoded lazily so a single corrupt record can be surfaced as an inline
// error frame instead of poisoning the whole read.
type Entry struct {
	Position Position
	Type     string
	Data     []byte
}

// Decode parses the entry payload into an event.
func (e Entry) Decode() (*models.Event, error) {
	return models.UnmarshalEvent(e.Data)
}

// Log is the storage interface shared by both backends.
//
// Append is idempotent on event UUID: a colliding append overwrites the
// stored record in place, preserving its first-appearance position and its
// original create_at. Range and Tail return entries strictly after the given
// cursor, in position order, together with the cursor to resume from.
type Log interface {
	Exists(ctx context.Context, key string) (bool, error)
	Append(ctx context.Context, key, eventType string, ev *models.Event) (Position, error)
	Range(ctx context.Context, key string, after Position) ([]Entry, Position, error)
	Tail(ctx context.Context, key string, after Position, block time.Duration) ([]Entry, Position, error)
	Len(ctx context.Context, key string) (int64, error)
}

// Waker is implemented by logs whose blocking Tail can be cut short from
// outside. The stream backend does not need it: XREAD returns as soon as an
// entry lands. The list backend polls, so a publish notification wakes the
// poll loop through this.
type Waker interface {
	Wake(key string)
}

// Keys builds the log key for each addressing scheme.
type Keys struct {
	// Prefix is the stream key prefix for legacy flow-mode streams.
	Prefix string
}

// FlowKey returns the legacy composite key "<prefix>.<flow>.<input>".
func (k Keys) FlowKey(flowID, flowInputID string) string {
	return fmt.Sprintf("%s.%s.%s", k.Prefix, flowID, flowInputID)
}

// ThreadKey returns the thread-mode stream key. Thread streams reuse the
// composite scheme with a fixed input slot.
func (k Keys) ThreadKey(threadID string) string {
	return k.FlowKey(threadID, "stream")
}

// ListKey returns the list-variant responses key.
func ListKey(threadID string) string {
	return fmt.Sprintf("agent_run:%s:responses", threadID)
}

// NewResponseChannel returns the list-variant data notification channel.
func NewResponseChannel(threadID string) string {
	return fmt.Sprintf("agent_run:%s:new_response", threadID)
}

// ControlChannel returns the list-variant control channel.
func ControlChannel(threadID string) string {
	return fmt.Sprintf("agent_run:%s:control", threadID)
}

func backendErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrBackend, op, err)
}

// preserveCreateAt carries the original create_at of a previously stored
// event into its replacement so UUID upserts never move the creation stamp.
func preserveCreateAt(stored, incoming *models.Event) {
	if stored != nil && stored.CreateAt != "" {
		incoming.CreateAt = stored.CreateAt
	}
}
