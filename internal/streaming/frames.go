package streaming

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowgate/flowgate/internal/models"
)

// Reserved system frame event names. Business event names come from the
// execute-type enum and never collide with these.
const (
	EventWaiting   = "waiting"
	EventKeepAlive = "keep_alive"
	EventError     = "error"
	EventStatus    = "status"
)

// Terminal statuses carried by status frames.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusStopped   = "stopped"
)

// Frame is one SSE frame ready for the wire.
type Frame struct {
	Event string
	Data  []byte

	// business marks frames that reset the inactivity clock.
	business bool
	// terminal marks the frame after which the session closes.
	terminal bool
	// state is the decoded current_state for business frames. A business
	// frame with a terminal state triggers the closing status frame.
	state models.CurrentState
}

// Encode renders the frame in SSE wire format.
func (f Frame) Encode() string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", f.Event, f.Data)
}

type tickData struct {
	Time string `json:"time"`
}

type errorData struct {
	Error     string `json:"error"`
	ErrorType string `json:"error_type,omitempty"`
}

type statusData struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func waitingFrame(now time.Time) Frame {
	data, _ := json.Marshal(tickData{Time: models.Timestamp(now)})
	return Frame{Event: EventWaiting, Data: data}
}

func keepAliveFrame(now time.Time) Frame {
	data, _ := json.Marshal(tickData{Time: models.Timestamp(now)})
	return Frame{Event: EventKeepAlive, Data: data}
}

func errorFrame(msg, errType string) Frame {
	data, _ := json.Marshal(errorData{Error: msg, ErrorType: errType})
	return Frame{Event: EventError, Data: data}
}

func statusFrame(status, message string) Frame {
	data, _ := json.Marshal(statusData{Type: "status", Status: status, Message: message})
	return Frame{Event: EventStatus, Data: data, terminal: true}
}

// businessFrame wraps a stored event for delivery. The stored payload goes
// out verbatim; the decoded state only steers session transitions.
func businessFrame(eventName string, payload []byte, state models.CurrentState) Frame {
	return Frame{Event: eventName, Data: payload, business: true, state: state}
}

// closingStatus maps a terminal event state to its status frame value.
func closingStatus(state models.CurrentState) string {
	if state == models.StateError {
		return StatusFailed
	}
	return StatusCompleted
}
