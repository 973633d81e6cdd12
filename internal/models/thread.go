package models

import "time"

// ThreadStatus is the lifecycle state of a thread.
type ThreadStatus string

const (
	ThreadActive   ThreadStatus = "active"
	ThreadInactive ThreadStatus = "inactive"
	ThreadArchived ThreadStatus = "archived"
)

// RunStatus is the lifecycle state of a single task execution.
type RunStatus string

const (
	RunPending    RunStatus = "pending"
	RunProcessing RunStatus = "processing"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
	RunCancelled  RunStatus = "cancelled"
)

// ThreadMetadata is the persisted record for a thread.
type ThreadMetadata struct {
	ThreadID  string         `json:"thread_id"`
	Status    ThreadStatus   `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Metadata  map[string]any `json:"metadata"`
	RunCount  int            `json:"run_count"`
	LastRunID string         `json:"last_run_id,omitempty"`
}

// ThreadRun is the persisted record for one task execution within a thread.
type ThreadRun struct {
	ThreadID    string           `json:"thread_id"`
	RunID       string           `json:"run_id"`
	Status      RunStatus        `json:"status"`
	Task        string           `json:"task"`
	ContextData []map[string]any `json:"context_data,omitempty"`
	Parameters  map[string]any   `json:"parameters,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Error       string           `json:"error,omitempty"`
}
