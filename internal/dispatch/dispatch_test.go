package dispatch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flowgate/flowgate/internal/models"
	"github.com/flowgate/flowgate/internal/registry"
)

const testQueue = "celery_default_queue"

func newDispatcher(t *testing.T) (*Dispatcher, *registry.Registry, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	reg := registry.New(rdb, zap.NewNop(), registry.Options{})
	return New(rdb, reg, testQueue, zap.NewNop()), reg, rdb
}

func TestDispatchEnqueuesTask(t *testing.T) {
	d, reg, rdb := newDispatcher(t)
	ctx := context.Background()

	_, err := reg.CreateThread(ctx, "t1", nil)
	require.NoError(t, err)

	run, err := d.Dispatch(ctx, ExecuteRequest{
		ThreadID:   "t1",
		Task:       "summarize the report",
		Parameters: map[string]any{"model": "default"},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(run.RunID, "task_agent_execute-"))
	assert.Equal(t, models.RunProcessing, run.Status)
	require.NotNil(t, run.StartedAt)

	raw, err := rdb.LPop(ctx, testQueue).Result()
	require.NoError(t, err)

	var msg struct {
		Body    string `json:"body"`
		Headers struct {
			Task string `json:"task"`
			ID   string `json:"id"`
		} `json:"headers"`
		Properties struct {
			BodyEncoding string `json:"body_encoding"`
			DeliveryInfo struct {
				RoutingKey string `json:"routing_key"`
			} `json:"delivery_info"`
		} `json:"properties"`
	}
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	assert.Equal(t, "main.process_flow_data", msg.Headers.Task)
	assert.NotEmpty(t, msg.Headers.ID)
	assert.Equal(t, "base64", msg.Properties.BodyEncoding)
	assert.Equal(t, testQueue, msg.Properties.DeliveryInfo.RoutingKey)

	body, err := base64.StdEncoding.DecodeString(msg.Body)
	require.NoError(t, err)
	var parts []json.RawMessage
	require.NoError(t, json.Unmarshal(body, &parts))
	require.Len(t, parts, 3)

	var kwargs map[string]any
	require.NoError(t, json.Unmarshal(parts[1], &kwargs))
	assert.Equal(t, "t1", kwargs["thread_id"])
	assert.Equal(t, run.RunID, kwargs["run_id"])
	assert.Equal(t, "summarize the report", kwargs["task"])
}

func TestDispatchUnknownThread(t *testing.T) {
	d, _, rdb := newDispatcher(t)
	ctx := context.Background()

	_, err := d.Dispatch(ctx, ExecuteRequest{ThreadID: "missing", Task: "x"})
	assert.ErrorIs(t, err, registry.ErrThreadNotFound)

	n, err := rdb.LLen(ctx, testQueue).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDispatchRecordsRunOnThread(t *testing.T) {
	d, reg, _ := newDispatcher(t)
	ctx := context.Background()

	_, err := reg.CreateThread(ctx, "t1", nil)
	require.NoError(t, err)

	run, err := d.Dispatch(ctx, ExecuteRequest{ThreadID: "t1", Task: "x"})
	require.NoError(t, err)

	md, err := reg.GetThread(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, md.RunCount)
	assert.Equal(t, run.RunID, md.LastRunID)

	runs, err := reg.ListRuns(ctx, "t1", 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.RunID, runs[0].RunID)
}
