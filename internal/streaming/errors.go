package streaming

import "errors"

var (
	// ErrClientDisconnected means the client went away; logged at info, not
	// error.
	ErrClientDisconnected = errors.New("client disconnected")
	// ErrTimeoutExceeded covers both the business-inactivity ceiling and the
	// absolute connection ceiling.
	ErrTimeoutExceeded = errors.New("stream timeout exceeded")
)
