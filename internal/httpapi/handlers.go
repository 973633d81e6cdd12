package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"go.uber.org/zap"

	"github.com/flowgate/flowgate/internal/dispatch"
	"github.com/flowgate/flowgate/internal/models"
)

type initiateRequest struct {
	Metadata map[string]any   `json:"metadata"`
	Context  []map[string]any `json:"context"`
}

type initiateResponse struct {
	ThreadID  string    `json:"thread_id"`
	CreatedAt time.Time `json:"created_at"`
	Status    string    `json:"status"`
}

func (s *Server) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	threadID := models.NewID(models.DomainFlow)
	md, err := s.registry.CreateThread(r.Context(), threadID, req.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(req.Context) > 0 {
		if err := s.registry.SetContext(r.Context(), threadID, req.Context); err != nil {
			writeError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, initiateResponse{
		ThreadID:  md.ThreadID,
		CreatedAt: md.CreatedAt,
		Status:    string(md.Status),
	})
}

type executeRequest struct {
	Task        string           `json:"task"`
	ContextData []map[string]any `json:"context_data"`
	Parameters  map[string]any   `json:"parameters"`
	User        string           `json:"user"`
}

func (req executeRequest) Validate() error {
	return validation.ValidateStruct(&req,
		validation.Field(&req.Task, validation.Required, validation.Length(1, 32768)),
	)
}

type executeResponse struct {
	ThreadID  string    `json:"thread_id"`
	RunID     string    `json:"run_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread")

	var req executeRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	params := req.Parameters
	if req.User != "" {
		if params == nil {
			params = map[string]any{}
		}
		params["user"] = req.User
	}

	run, err := s.dispatch.Dispatch(r.Context(), dispatch.ExecuteRequest{
		ThreadID:    threadID,
		Task:        req.Task,
		ContextData: req.ContextData,
		Parameters:  params,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, executeResponse{
		ThreadID:  run.ThreadID,
		RunID:     run.RunID,
		Status:    string(run.Status),
		CreatedAt: run.CreatedAt,
	})
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	md, err := s.registry.GetThread(r.Context(), r.PathValue("thread"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, md)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	runs, err := s.registry.ListRuns(r.Context(), r.PathValue("thread"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleArchive(w http.ResponseWriter, r *http.Request) {
	threadID := r.PathValue("thread")
	if err := s.registry.UpdateThreadStatus(r.Context(), threadID, models.ThreadArchived); err != nil {
		writeError(w, err)
		return
	}
	s.logger.Info("archived thread", zap.String("thread_id", threadID))
	writeJSON(w, http.StatusOK, map[string]string{
		"thread_id": threadID,
		"status":    string(models.ThreadArchived),
	})
}

// decodeBody parses a JSON request body. An empty body decodes to the zero
// request.
func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}
