package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/flowgate/flowgate/internal/models"
	"github.com/flowgate/flowgate/internal/notifier"
	"github.com/flowgate/flowgate/internal/publisher"
)

// publishRequest carries one event from a worker. Either thread_id or the
// flow pair addresses the log.
type publishRequest struct {
	ThreadID      string          `json:"thread_id"`
	FlowUUID      string          `json:"flow_uuid"`
	FlowInputUUID string          `json:"flow_input_uuid"`
	Event         json.RawMessage `json:"event"`
}

func (req publishRequest) Validate() error {
	if req.ThreadID == "" && (req.FlowUUID == "" || req.FlowInputUUID == "") {
		return validation.NewError("validation_target", "thread_id or flow_uuid+flow_input_uuid is required")
	}
	return validation.ValidateStruct(&req,
		validation.Field(&req.Event, validation.Required),
	)
}

func (s *Server) publishTarget(req publishRequest) publisher.Target {
	if req.ThreadID != "" {
		key, topic := s.threadTarget(req.ThreadID)
		return publisher.Target{Key: key, Topic: topic}
	}
	key := s.keys.FlowKey(req.FlowUUID, req.FlowInputUUID)
	return publisher.Target{
		Key:         key,
		Topic:       key,
		FlowID:      req.FlowUUID,
		FlowInputID: req.FlowInputUUID,
	}
}

// handlePublish serves POST /internal/publish for workers that speak HTTP
// instead of writing to Redis directly.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	ev, err := models.UnmarshalEvent(req.Event)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "undecodable event: " + err.Error()})
		return
	}
	if req.ThreadID != "" {
		if err := s.registry.ValidateThread(r.Context(), req.ThreadID); err != nil {
			writeError(w, err)
			return
		}
	}

	pos, err := s.pub.Publish(r.Context(), s.publishTarget(req), ev)
	if err != nil {
		if errors.Is(err, publisher.ErrMissingUUID) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		writeError(w, err)
		return
	}
	if s.archive != nil && req.ThreadID != "" && ev.Terminal() {
		s.archive.Save(req.ThreadID, ev)
	}
	writeJSON(w, http.StatusOK, map[string]string{"position": string(pos)})
}

// controlRequest carries a worker lifecycle signal.
type controlRequest struct {
	ThreadID      string `json:"thread_id"`
	FlowUUID      string `json:"flow_uuid"`
	FlowInputUUID string `json:"flow_input_uuid"`
	Signal        string `json:"signal"`
}

func (req controlRequest) Validate() error {
	if req.ThreadID == "" && (req.FlowUUID == "" || req.FlowInputUUID == "") {
		return validation.NewError("validation_target", "thread_id or flow_uuid+flow_input_uuid is required")
	}
	return validation.ValidateStruct(&req,
		validation.Field(&req.Signal, validation.Required,
			validation.In(notifier.ControlStop, notifier.ControlEndStream, notifier.ControlError)),
	)
}

// handleControl serves POST /internal/control.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	var req controlRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	target := s.publishTarget(publishRequest{
		ThreadID:      req.ThreadID,
		FlowUUID:      req.FlowUUID,
		FlowInputUUID: req.FlowInputUUID,
	})
	if err := s.pub.PublishControl(r.Context(), target, req.Signal); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}
