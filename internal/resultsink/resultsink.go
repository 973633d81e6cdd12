// Package resultsink forwards terminal execution results to the internal task
// API so downstream services see final outcomes without reading the stream.
package resultsink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/flowgate/flowgate/internal/models"
)

const resultPath = "task/agent/internal-api"

type resultPayload struct {
	FlowUUID           string          `json:"flow_uuid"`
	FlowInputUUID      string          `json:"flow_input_uuid"`
	TaskAgentExecuteDo json.RawMessage `json:"task_agent_execute_do"`
}

// Sink posts terminal results to the task service. A nil Sink (disabled
// configuration) is valid and drops everything.
type Sink struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// New creates a sink. Returns nil when baseURL is empty, which disables
// forwarding.
func New(baseURL string, timeout time.Duration, logger *zap.Logger) *Sink {
	if baseURL == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Sink{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// SaveResult posts the terminal event for a flow execution.
func (s *Sink) SaveResult(ctx context.Context, flowID, flowInputID string, ev *models.Event) error {
	if s == nil {
		return nil
	}
	data, err := ev.Marshal()
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	body, err := json.Marshal(resultPayload{
		FlowUUID:           flowID,
		FlowInputUUID:      flowInputID,
		TaskAgentExecuteDo: data,
	})
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	url := s.baseURL + "/" + resultPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build result request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post result: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("post result: unexpected status %d", resp.StatusCode)
	}

	s.logger.Debug("saved terminal result",
		zap.String("flow_id", flowID),
		zap.String("flow_input_id", flowInputID),
		zap.String("state", string(ev.CurrentState)))
	return nil
}
