package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flowgate/flowgate/internal/config"
	"github.com/flowgate/flowgate/internal/dispatch"
	"github.com/flowgate/flowgate/internal/eventlog"
	"github.com/flowgate/flowgate/internal/models"
	"github.com/flowgate/flowgate/internal/notifier"
	"github.com/flowgate/flowgate/internal/publisher"
	"github.com/flowgate/flowgate/internal/registry"
)

type testEnv struct {
	srv  *httptest.Server
	mr   *miniredis.Miniredis
	rdb  *redis.Client
	reg  *registry.Registry
	pub  *publisher.Publisher
	keys eventlog.Keys
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvBackend(t, config.BackendStream)
}

func newTestEnvBackend(t *testing.T, backend string) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	logger := zap.NewNop()
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	body := "event_source:\n  backend: \"" + backend + "\"\n  stream_check_interval_seconds: 1\n  block_time_ms: 200\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	cfgMgr, err := config.NewManager(path, logger)
	require.NoError(t, err)

	var (
		log   eventlog.Log
		notif notifier.Notifier
	)
	if backend == config.BackendList {
		log = eventlog.NewListLog(rdb, logger, eventlog.ListOptions{PollInterval: 20 * time.Millisecond})
		notif = notifier.NewPubSubNotifier(rdb, logger)
	} else {
		log = eventlog.NewStreamLog(rdb, logger, eventlog.StreamOptions{})
		notif = notifier.NewStreamNotifier(rdb, logger)
	}
	pub := publisher.New(log, notif, nil, logger)
	reg := registry.New(rdb, logger, registry.Options{})
	disp := dispatch.New(rdb, reg, "celery_default_queue", logger)
	keys := eventlog.Keys{Prefix: cfgMgr.Config().EventSource.StreamPrefix}

	server := New(logger, cfgMgr, rdb, reg, disp, pub, log, notif, keys, nil)
	srv := httptest.NewServer(server.Routes())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, mr: mr, rdb: rdb, reg: reg, pub: pub, keys: keys}
}

func (e *testEnv) postJSON(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(e.srv.URL+path, "application/json", &buf)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (e *testEnv) initiate(t *testing.T) string {
	t.Helper()
	resp, out := e.postJSON(t, "/agent/initiate", map[string]any{"metadata": map[string]any{"source": "test"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	threadID, _ := out["thread_id"].(string)
	require.NotEmpty(t, threadID)
	return threadID
}

func TestInitiate(t *testing.T) {
	env := newTestEnv(t)
	resp, out := env.postJSON(t, "/agent/initiate", map[string]any{"metadata": map[string]any{"k": "v"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "active", out["status"])
	threadID := out["thread_id"].(string)
	assert.True(t, strings.HasPrefix(threadID, "flow-"))
	assert.NoError(t, models.ValidateID(threadID))
}

func TestExecute(t *testing.T) {
	env := newTestEnv(t)
	threadID := env.initiate(t)

	resp, out := env.postJSON(t, "/agent/"+threadID+"/execute", map[string]any{"task": "summarize"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "processing", out["status"])
	assert.True(t, strings.HasPrefix(out["run_id"].(string), "task_agent_execute-"))

	// the task landed on the broker queue
	n, err := env.rdb.LLen(context.Background(), "celery_default_queue").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestExecuteUnknownThread(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.postJSON(t, "/agent/flow_00000000000000000000000000000000/execute", map[string]any{"task": "x"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestExecuteRejectsEmptyTask(t *testing.T) {
	env := newTestEnv(t)
	threadID := env.initiate(t)
	resp, _ := env.postJSON(t, "/agent/"+threadID+"/execute", map[string]any{"task": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetadataAndRuns(t *testing.T) {
	env := newTestEnv(t)
	threadID := env.initiate(t)
	env.postJSON(t, "/agent/"+threadID+"/execute", map[string]any{"task": "a"})

	resp, err := http.Get(env.srv.URL + "/agent/" + threadID)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var md models.ThreadMetadata
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&md))
	assert.Equal(t, threadID, md.ThreadID)
	assert.Equal(t, 1, md.RunCount)

	resp, err = http.Get(env.srv.URL + "/agent/" + threadID + "/runs?limit=10")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var runs struct {
		Runs []models.ThreadRun `json:"runs"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&runs))
	require.Len(t, runs.Runs, 1)
	assert.Equal(t, models.RunProcessing, runs.Runs[0].Status)
}

func TestArchive(t *testing.T) {
	env := newTestEnv(t)
	threadID := env.initiate(t)

	resp, out := env.postJSON(t, "/agent/"+threadID+"/archive", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "archived", out["status"])

	md, err := env.reg.GetThread(context.Background(), threadID)
	require.NoError(t, err)
	assert.Equal(t, models.ThreadArchived, md.Status)
}

func TestArchivedThreadRejectsWork(t *testing.T) {
	env := newTestEnv(t)
	threadID := env.initiate(t)
	resp, _ := env.postJSON(t, "/agent/"+threadID+"/archive", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.postJSON(t, "/agent/"+threadID+"/execute", map[string]any{"task": "x"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = env.postJSON(t, "/internal/publish", map[string]any{
		"thread_id": threadID,
		"event":     map[string]any{"uuid": "u1", "current_state": "processing", "execute_type": "assistant_response"},
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	get, err := http.Get(env.srv.URL + "/agent/" + threadID + "/stream")
	require.NoError(t, err)
	defer get.Body.Close()
	assert.Equal(t, http.StatusConflict, get.StatusCode)

	// metadata stays readable
	get, err = http.Get(env.srv.URL + "/agent/" + threadID)
	require.NoError(t, err)
	defer get.Body.Close()
	assert.Equal(t, http.StatusOK, get.StatusCode)
}

func TestPublishEndpoint(t *testing.T) {
	env := newTestEnv(t)
	threadID := env.initiate(t)

	ev := map[string]any{
		"uuid":          "u1",
		"current_state": "processing",
		"execute_type":  "assistant_response",
	}
	resp, out := env.postJSON(t, "/internal/publish", map[string]any{"thread_id": threadID, "event": ev})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, out["position"])
}

func TestPublishRejectsMissingTarget(t *testing.T) {
	env := newTestEnv(t)
	resp, _ := env.postJSON(t, "/internal/publish", map[string]any{"event": map[string]any{"uuid": "u"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestControlRejectsUnknownSignal(t *testing.T) {
	env := newTestEnv(t)
	threadID := env.initiate(t)
	resp, _ := env.postJSON(t, "/internal/control", map[string]any{"thread_id": threadID, "signal": "PAUSE"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func readSSE(t *testing.T, body *bufio.Reader) (string, string, bool) {
	t.Helper()
	var event, data string
	for {
		line, err := body.ReadString('\n')
		if err != nil {
			return event, data, false
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && event != "":
			return event, data, true
		}
	}
}

func publishEvent(t *testing.T, env *testEnv, key, uuid string, state models.CurrentState, execType models.ExecuteType) {
	t.Helper()
	_, err := env.pub.Publish(context.Background(), publisher.Target{Key: key, Topic: key}, &models.Event{
		UUID:         uuid,
		CurrentState: state,
		ExecuteType:  execType,
	})
	require.NoError(t, err)
}

func TestThreadStreamReplay(t *testing.T) {
	env := newTestEnv(t)
	threadID := env.initiate(t)
	key := env.keys.ThreadKey(threadID)
	publishEvent(t, env, key, "e1", models.StateProcessing, models.ExecAssistantResponse)
	publishEvent(t, env, key, "e2", models.StateComplete, models.ExecFlowCompletion)

	resp, err := http.Get(env.srv.URL + "/agent/" + threadID + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no", resp.Header.Get("X-Accel-Buffering"))

	reader := bufio.NewReader(resp.Body)
	var events []string
	for {
		event, _, ok := readSSE(t, reader)
		if !ok {
			break
		}
		events = append(events, event)
	}
	assert.Equal(t, []string{"assistant_response", "flow_completion", "status"}, events)
}

func TestThreadStreamUnknownThread(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.srv.URL + "/agent/flow_00000000000000000000000000000000/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFlowStreamReplay(t *testing.T) {
	env := newTestEnv(t)
	key := env.keys.FlowKey("flow-a", "input-b")
	publishEvent(t, env, key, "e1", models.StateComplete, models.ExecFlowCompletion)

	resp, err := http.Get(env.srv.URL + "/agent/event-stream?flowUuid=flow-a&flowInputUuid=input-b")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reader := bufio.NewReader(resp.Body)
	var events []string
	for {
		event, _, ok := readSSE(t, reader)
		if !ok {
			break
		}
		events = append(events, event)
	}
	assert.Equal(t, []string{"flow_completion", "status"}, events)
}

func TestFlowStreamMissingParams(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.srv.URL + "/agent/event-stream?flowUuid=only")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStreamResumeWithCursor(t *testing.T) {
	env := newTestEnv(t)
	threadID := env.initiate(t)
	key := env.keys.ThreadKey(threadID)
	publishEvent(t, env, key, "e1", models.StateProcessing, models.ExecAssistantResponse)

	// find e1's position to resume after it
	log := eventlog.NewStreamLog(env.rdb, zap.NewNop(), eventlog.StreamOptions{})
	entries, cursor, err := log.Range(context.Background(), key, eventlog.Start)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	publishEvent(t, env, key, "e2", models.StateComplete, models.ExecFlowCompletion)

	resp, err := http.Get(fmt.Sprintf("%s/agent/%s/stream?last_id=%s", env.srv.URL, threadID, cursor))
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	var events []string
	for {
		event, _, ok := readSSE(t, reader)
		if !ok {
			break
		}
		events = append(events, event)
	}
	assert.Equal(t, []string{"flow_completion", "status"}, events)
}

func TestWebSocketMirror(t *testing.T) {
	env := newTestEnv(t)
	threadID := env.initiate(t)
	key := env.keys.ThreadKey(threadID)
	publishEvent(t, env, key, "e1", models.StateProcessing, models.ExecAssistantResponse)
	publishEvent(t, env, key, "e2", models.StateComplete, models.ExecFlowCompletion)

	wsURL := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/agent/" + threadID + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	var events []string
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for len(events) < 3 {
		var frame struct {
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			break
		}
		events = append(events, frame.Event)
	}
	assert.Equal(t, []string{"assistant_response", "flow_completion", "status"}, events)
}

func TestListBackendKeyspace(t *testing.T) {
	env := newTestEnvBackend(t, config.BackendList)
	threadID := env.initiate(t)

	ev := map[string]any{
		"uuid":          "u1",
		"current_state": "complete",
		"execute_type":  "flow_completion",
	}
	resp, _ := env.postJSON(t, "/internal/publish", map[string]any{"thread_id": threadID, "event": ev})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// list mode stores under the agent_run keyspace, not the composite key
	assert.True(t, env.mr.Exists("agent_run:"+threadID+":responses"))
	assert.False(t, env.mr.Exists(env.keys.ThreadKey(threadID)))

	get, err := http.Get(env.srv.URL + "/agent/" + threadID + "/stream")
	require.NoError(t, err)
	defer get.Body.Close()
	require.Equal(t, http.StatusOK, get.StatusCode)

	reader := bufio.NewReader(get.Body)
	var events []string
	for {
		event, _, ok := readSSE(t, reader)
		if !ok {
			break
		}
		events = append(events, event)
	}
	assert.Equal(t, []string{"flow_completion", "status"}, events)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
