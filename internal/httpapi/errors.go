package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/flowgate/flowgate/internal/eventlog"
	"github.com/flowgate/flowgate/internal/notifier"
	"github.com/flowgate/flowgate/internal/registry"
	"github.com/flowgate/flowgate/internal/streaming"
)

// statusClientClosedRequest is the nginx convention for a client that went
// away before the response finished.
const statusClientClosedRequest = 499

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, errorStatus(err), map[string]string{"error": err.Error()})
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, registry.ErrThreadNotFound), errors.Is(err, registry.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrThreadInactive):
		return http.StatusConflict
	case errors.Is(err, streaming.ErrClientDisconnected):
		return statusClientClosedRequest
	case errors.Is(err, streaming.ErrTimeoutExceeded):
		return http.StatusRequestTimeout
	case errors.Is(err, eventlog.ErrBackend), errors.Is(err, notifier.ErrBackend):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
