package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netpulse/netpulse/pkg/cluster"
	"github.com/netpulse/netpulse/pkg/config"
	"github.com/netpulse/netpulse/pkg/dispatcher"
	"github.com/netpulse/netpulse/pkg/health"
	"github.com/netpulse/netpulse/pkg/scheduler"
	"github.com/netpulse/netpulse/pkg/store"
	"github.com/netpulse/netpulse/pkg/types"
)

type fixture struct {
	srv *httptest.Server
	st  *store.MemoryStore
	reg *cluster.Registry
	key string
}

func newFixture(t *testing.T, apiKey string) *fixture {
	t.Helper()
	m := store.NewMemoryStore()
	t.Cleanup(func() { m.Close() })
	reg := cluster.NewRegistry(m, time.Minute)

	sched, err := scheduler.New("greedy")
	require.NoError(t, err)

	disp := dispatcher.New(dispatcher.Config{
		SpawnTimeout: 200 * time.Millisecond,
		SpawnRetries: 1,
		JobTTL:       5 * time.Minute,
		JobTimeout:   5 * time.Minute,
		ResultTTL:    5 * time.Minute,
	}, m, reg, sched, nil)

	checks := health.NewRegistry()
	checks.Add("store", health.NewStoreChecker(m))

	server := NewServer(config.ServerConfig{
		Addr:       "127.0.0.1:0",
		APIKey:     apiKey,
		APIKeyName: "X-API-KEY",
	}, disp, checks)

	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, st: m, reg: reg, key: apiKey}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) (*http.Response, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	if f.key != "" {
		req.Header.Set("X-API-KEY", f.key)
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp, env
}

func decodeData(t *testing.T, env envelope, out interface{}) {
	t.Helper()
	raw, err := json.Marshal(env.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, out))
}

func executeBody(host string) map[string]interface{} {
	return map[string]interface{}{
		"driver":          "mock",
		"connection_args": map[string]interface{}{"host": host, "username": "admin"},
		"command":         "show version",
		"options":         map[string]interface{}{"queue_strategy": "fifo"},
	}
}

func TestAuthRejectsBadKey(t *testing.T) {
	f := newFixture(t, "sekrit")

	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/job", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-KEY", "wrong")
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.Equal(t, codeError, env.Code)
	assert.Equal(t, "Invalid or missing API key.", env.Message)
}

func TestHealthSkipsAuth(t *testing.T) {
	f := newFixture(t, "sekrit")

	resp, err := f.srv.Client().Get(f.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var env envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	assert.Equal(t, codeOK, env.Code)
	assert.Equal(t, "ok", env.Data)
}

func TestExecuteEndpoint(t *testing.T) {
	f := newFixture(t, "sekrit")

	resp, env := f.do(t, http.MethodPost, "/device/execute", executeBody("10.0.0.1"))
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, codeOK, env.Code)

	var receipt jobInResponse
	decodeData(t, env, &receipt)
	assert.NotEmpty(t, receipt.ID)
	assert.Equal(t, types.JobStatusQueued, receipt.Status)
	assert.Equal(t, "fifo", receipt.Queue)

	// The job id landed on the shared queue.
	id, ok, err := f.st.ListPopBlocking(context.Background(), store.QueueFIFO, 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, receipt.ID, id)
}

func TestExecuteCommandShapes(t *testing.T) {
	f := newFixture(t, "")

	// A command list maps to a multi-command query.
	body := executeBody("10.0.0.1")
	body["command"] = []string{"show version", "show interfaces"}
	resp, env := f.do(t, http.MethodPost, "/device/execute", body)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	var receipt jobInResponse
	decodeData(t, env, &receipt)

	job, found, err := dispatcherJob(t, f, receipt.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, types.OperationQuery, job.Operation.Kind)
	assert.Equal(t, []string{"show version", "show interfaces"}, job.Operation.Commands)

	// A config array maps to a config operation.
	body = executeBody("10.0.0.2")
	delete(body, "command")
	body["config"] = []string{"interface eth0", "shutdown"}
	resp, env = f.do(t, http.MethodPost, "/device/execute", body)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	decodeData(t, env, &receipt)

	job, found, err = dispatcherJob(t, f, receipt.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, types.OperationConfig, job.Operation.Kind)

	// Neither command nor config is a validation error.
	body = executeBody("10.0.0.3")
	delete(body, "command")
	resp, _ = f.do(t, http.MethodPost, "/device/execute", body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Both at once is too.
	body = executeBody("10.0.0.4")
	body["config"] = []string{"no shutdown"}
	resp, _ = f.do(t, http.MethodPost, "/device/execute", body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func dispatcherJob(t *testing.T, f *fixture, id string) (*types.Job, bool, error) {
	t.Helper()
	js := store.NewJobStore(f.st)
	return js.Get(context.Background(), id)
}

func TestExecuteValidationStatus(t *testing.T) {
	f := newFixture(t, "")

	resp, env := f.do(t, http.MethodPost, "/device/execute", map[string]interface{}{
		"driver":  "mock",
		"command": "show version",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, codeError, env.Code)
}

func TestExecuteBadJSON(t *testing.T) {
	f := newFixture(t, "")

	resp, err := f.srv.Client().Post(f.srv.URL+"/device/execute", "application/json",
		bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPinnedWithoutNodes(t *testing.T) {
	f := newFixture(t, "")

	body := executeBody("10.0.0.9")
	body["options"] = map[string]interface{}{"queue_strategy": "pinned"}
	resp, env := f.do(t, http.MethodPost, "/device/execute", body)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, codeError, env.Code)
}

func TestBulkEndpoint(t *testing.T) {
	f := newFixture(t, "")

	body := map[string]interface{}{
		"driver": "mock",
		"devices": []map[string]interface{}{
			{"host": "10.0.0.1"},
			{"host": "10.0.0.2"},
		},
		"connection_args": map[string]interface{}{"username": "admin"},
		"command":         "show version",
		"options":         map[string]interface{}{"queue_strategy": "fifo"},
	}
	resp, env := f.do(t, http.MethodPost, "/device/bulk", body)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	var out bulkResponse
	decodeData(t, env, &out)
	require.Len(t, out.Succeeded, 2)
	assert.Empty(t, out.Failed)
	for _, receipt := range out.Succeeded {
		assert.Equal(t, types.JobStatusQueued, receipt.Status)
		assert.Equal(t, "fifo", receipt.Queue)
	}

	// Shared connection args reach each device's job.
	job, found, err := dispatcherJob(t, f, out.Succeeded[0].ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "admin", job.ConnArgs["username"])

	delete(body, "devices")
	resp, _ = f.do(t, http.MethodPost, "/device/bulk", body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBulkReportsFailedHosts(t *testing.T) {
	f := newFixture(t, "")

	// Pinned placement with no nodes registered cannot queue anything.
	body := map[string]interface{}{
		"driver": "mock",
		"devices": []map[string]interface{}{
			{"host": "10.0.0.1"},
		},
		"connection_args": map[string]interface{}{"username": "admin"},
		"command":         "show version",
		"options":         map[string]interface{}{"queue_strategy": "pinned"},
	}
	resp, env := f.do(t, http.MethodPost, "/device/bulk", body)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	var out bulkResponse
	decodeData(t, env, &out)
	assert.Empty(t, out.Succeeded)
	assert.Equal(t, []string{"10.0.0.1"}, out.Failed)
}

func TestTestConnectionEndpoint(t *testing.T) {
	f := newFixture(t, "")

	body := map[string]interface{}{
		"driver":          "mock",
		"connection_args": map[string]interface{}{"host": "10.0.0.1", "username": "admin"},
	}
	resp, env := f.do(t, http.MethodPost, "/device/test-connection", body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var probe testConnectionResponse
	decodeData(t, env, &probe)
	assert.True(t, probe.Success)
	assert.GreaterOrEqual(t, probe.ConnectionTime, 0.0)
	assert.Empty(t, probe.ErrorMessage)

	// A failing probe still returns 200: the body carries the failure.
	body["driver_args"] = map[string]interface{}{"fail_connect": true}
	resp, env = f.do(t, http.MethodPost, "/device/test-connection", body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	decodeData(t, env, &probe)
	assert.False(t, probe.Success)
	assert.NotEmpty(t, probe.ErrorMessage)
}

func TestJobEndpoints(t *testing.T) {
	f := newFixture(t, "")

	_, env := f.do(t, http.MethodPost, "/device/execute", executeBody("10.0.0.1"))
	var receipt jobInResponse
	decodeData(t, env, &receipt)

	resp, env := f.do(t, http.MethodGet, "/job/"+receipt.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, codeOK, env.Code)

	resp, _ = f.do(t, http.MethodGet, "/job/no-such-id", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	// An id query wins over every other filter.
	resp, env = f.do(t, http.MethodGet, "/job?id="+receipt.ID+"&queue=no-such-queue", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var jobs []*types.Job
	decodeData(t, env, &jobs)
	require.Len(t, jobs, 1)
	assert.Equal(t, receipt.ID, jobs[0].ID)

	resp, env = f.do(t, http.MethodGet, "/job?queue=fifo", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	decodeData(t, env, &jobs)
	require.Len(t, jobs, 1)
	assert.Equal(t, receipt.ID, jobs[0].ID)
}

func TestCancelJobEndpoints(t *testing.T) {
	f := newFixture(t, "")

	_, env := f.do(t, http.MethodPost, "/device/execute", executeBody("10.0.0.1"))
	var receipt jobInResponse
	decodeData(t, env, &receipt)

	// First cancel removes the queued job.
	resp, env := f.do(t, http.MethodDelete, "/job/"+receipt.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var out cancelResponse
	decodeData(t, env, &out)
	assert.Equal(t, 1, out.CancelledCount)
	assert.Equal(t, []string{receipt.ID}, out.CancelledJobs)

	// A second cancel finds nothing queued.
	resp, env = f.do(t, http.MethodDelete, "/job/"+receipt.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	decodeData(t, env, &out)
	assert.Equal(t, 0, out.CancelledCount)
	assert.Empty(t, out.CancelledJobs)

	// Unknown ids cancel nothing.
	resp, env = f.do(t, http.MethodDelete, "/job?id=no-such-id", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	decodeData(t, env, &out)
	assert.Equal(t, 0, out.CancelledCount)

	// Filtered cancellation sweeps the remaining queued jobs.
	_, env = f.do(t, http.MethodPost, "/device/execute", executeBody("10.0.0.2"))
	decodeData(t, env, &receipt)
	resp, env = f.do(t, http.MethodDelete, "/job?queue=fifo", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	decodeData(t, env, &out)
	assert.Equal(t, 1, out.CancelledCount)
	assert.Equal(t, []string{receipt.ID}, out.CancelledJobs)
}

func TestWorkerEndpoints(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	ws := store.NewWorkerStore(f.st)
	require.NoError(t, ws.Save(ctx, &types.WorkerRecord{
		Name:   "pinned-10.0.0.1-42",
		PID:    42,
		NodeID: "node-a",
		Queues: []string{"pinned:10.0.0.1"},
		Status: types.WorkerStatusIdle,
	}, time.Minute))

	resp, env := f.do(t, http.MethodGet, "/worker", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var recs []*types.WorkerRecord
	decodeData(t, env, &recs)
	require.Len(t, recs, 1)

	resp, _ = f.do(t, http.MethodGet, "/worker/pinned-10.0.0.1-42", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/worker/ghost", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, env = f.do(t, http.MethodDelete, "/worker/pinned-10.0.0.1-42", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var names []string
	decodeData(t, env, &names)
	assert.Equal(t, []string{"pinned-10.0.0.1-42"}, names)

	resp, _ = f.do(t, http.MethodDelete, "/worker/ghost", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTerminateWorkersFiltered(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	ws := store.NewWorkerStore(f.st)
	require.NoError(t, ws.Save(ctx, &types.WorkerRecord{
		Name:   "pinned-10.0.0.1-42",
		PID:    42,
		NodeID: "node-a",
		Queues: []string{"pinned:10.0.0.1"},
		Status: types.WorkerStatusIdle,
	}, time.Minute))
	require.NoError(t, ws.Save(ctx, &types.WorkerRecord{
		Name:   "pinned-10.0.0.2-43",
		PID:    43,
		NodeID: "node-b",
		Queues: []string{"pinned:10.0.0.2"},
		Status: types.WorkerStatusIdle,
	}, time.Minute))

	resp, env := f.do(t, http.MethodDelete, "/worker?host=10.0.0.1", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var names []string
	decodeData(t, env, &names)
	assert.Equal(t, []string{"pinned-10.0.0.1-42"}, names)

	resp, env = f.do(t, http.MethodDelete, "/worker?node=node-b", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	decodeData(t, env, &names)
	assert.Equal(t, []string{"pinned-10.0.0.2-43"}, names)
}

func TestNodeEndpoints(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	require.NoError(t, f.reg.Heartbeat(ctx, &types.NodeInfo{
		NodeID:        "node-a",
		Hostname:      "rack-1",
		Capacity:      8,
		LastHeartbeat: time.Now(),
	}))

	resp, env := f.do(t, http.MethodGet, "/node", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var nodes []*types.NodeInfo
	decodeData(t, env, &nodes)
	require.Len(t, nodes, 1)
	assert.Equal(t, "node-a", nodes[0].NodeID)

	resp, _ = f.do(t, http.MethodDelete, "/node/node-a", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/node/ghost", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, "sekrit")

	resp, err := f.srv.Client().Get(f.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
