// Package dispatch hands task executions to the Python worker fleet over the
// Redis broker queue the workers already consume.
package dispatch

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flowgate/flowgate/internal/metrics"
	"github.com/flowgate/flowgate/internal/models"
	"github.com/flowgate/flowgate/internal/registry"
)

// ExecuteRequest describes one task execution to start within a thread.
type ExecuteRequest struct {
	ThreadID    string
	Task        string
	ContextData []map[string]any
	Parameters  map[string]any
}

// Dispatcher validates the thread, records the run, and enqueues the task.
type Dispatcher struct {
	rdb      *redis.Client
	registry *registry.Registry
	queue    string
	logger   *zap.Logger
}

// New creates a dispatcher targeting the given broker queue.
func New(rdb *redis.Client, reg *registry.Registry, queue string, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{rdb: rdb, registry: reg, queue: queue, logger: logger}
}

// Dispatch starts one task execution. The returned run is already in
// processing state; its RunID doubles as the streaming identifier clients
// attach to.
func (d *Dispatcher) Dispatch(ctx context.Context, req ExecuteRequest) (*models.ThreadRun, error) {
	if err := d.registry.ValidateThread(ctx, req.ThreadID); err != nil {
		return nil, err
	}

	run := &models.ThreadRun{
		ThreadID:    req.ThreadID,
		RunID:       models.NewID(models.DomainTaskAgentExecute),
		Status:      models.RunPending,
		Task:        req.Task,
		ContextData: req.ContextData,
		Parameters:  req.Parameters,
	}
	if err := d.registry.RecordRun(ctx, run); err != nil {
		return nil, err
	}

	kwargs := map[string]any{
		"thread_id":    req.ThreadID,
		"run_id":       run.RunID,
		"task":         req.Task,
		"context_data": req.ContextData,
		"parameters":   req.Parameters,
	}
	taskID, payload, err := encodeTask(d.queue, kwargs)
	if err != nil {
		return nil, err
	}
	if err := d.rdb.LPush(ctx, d.queue, payload).Err(); err != nil {
		metrics.DispatchFailures.Inc()
		if cerr := d.registry.CompleteRun(ctx, req.ThreadID, run.RunID, models.RunFailed, "broker enqueue failed"); cerr != nil {
			d.logger.Warn("failed to mark run failed", zap.String("run_id", run.RunID), zap.Error(cerr))
		}
		return nil, fmt.Errorf("enqueue task: %w", err)
	}

	if err := d.registry.StartRun(ctx, req.ThreadID, run.RunID); err != nil {
		d.logger.Warn("failed to mark run processing",
			zap.String("run_id", run.RunID), zap.Error(err))
	}
	metrics.TasksDispatched.Inc()

	d.logger.Info("dispatched task",
		zap.String("thread_id", req.ThreadID),
		zap.String("run_id", run.RunID),
		zap.String("task_id", taskID),
		zap.String("queue", d.queue))

	started, err := d.registry.GetRun(ctx, req.ThreadID, run.RunID)
	if err != nil {
		return run, nil
	}
	return started, nil
}
