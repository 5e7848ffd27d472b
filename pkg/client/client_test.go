package client

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netpulse/netpulse/pkg/api"
	"github.com/netpulse/netpulse/pkg/cluster"
	"github.com/netpulse/netpulse/pkg/config"
	"github.com/netpulse/netpulse/pkg/dispatcher"
	"github.com/netpulse/netpulse/pkg/health"
	"github.com/netpulse/netpulse/pkg/scheduler"
	"github.com/netpulse/netpulse/pkg/store"
	"github.com/netpulse/netpulse/pkg/types"
)

func newTestServer(t *testing.T, apiKey string) (*httptest.Server, *store.MemoryStore) {
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

	srv := httptest.NewServer(api.NewServer(config.ServerConfig{
		APIKey:     apiKey,
		APIKeyName: "X-API-KEY",
	}, disp, checks).Handler())
	t.Cleanup(srv.Close)
	return srv, m
}

func queryRequest(host string) *ExecuteRequest {
	return &ExecuteRequest{
		Driver:   "mock",
		ConnArgs: types.ConnArgs{"host": host, "username": "admin"},
		Command:  []string{"show version"},
		Options:  types.Options{QueueStrategy: types.QueueStrategyFIFO},
	}
}

func TestClientExecuteAndJobs(t *testing.T) {
	srv, _ := newTestServer(t, "sekrit")
	c := New(srv.URL, WithAPIKey("sekrit", ""))
	ctx := context.Background()

	receipt, err := c.Execute(ctx, queryRequest("10.0.0.1"))
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusQueued, receipt.Status)
	assert.Equal(t, "fifo", receipt.Queue)

	got, err := c.GetJob(ctx, receipt.ID)
	require.NoError(t, err)
	assert.Equal(t, receipt.ID, got.ID)

	jobs, err := c.ListJobs(ctx, JobFilter{Queue: "fifo"})
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	cancelled, err := c.CancelJob(ctx, receipt.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, cancelled.CancelledCount)
	assert.Equal(t, []string{receipt.ID}, cancelled.CancelledJobs)

	// Cancelling again finds nothing queued.
	cancelled, err = c.CancelJob(ctx, receipt.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, cancelled.CancelledCount)
}

func TestClientClassifiedErrors(t *testing.T) {
	srv, _ := newTestServer(t, "")
	c := New(srv.URL)
	ctx := context.Background()

	_, err := c.Execute(ctx, &ExecuteRequest{
		Driver:  "mock",
		Command: []string{"x"},
	})
	assert.True(t, types.IsKind(err, types.ErrKindValidation))

	_, err = c.GetJob(ctx, "no-such-id")
	require.Error(t, err)
}

func TestClientAuthFailure(t *testing.T) {
	srv, _ := newTestServer(t, "sekrit")
	c := New(srv.URL, WithAPIKey("wrong", ""))

	_, err := c.ListJobs(context.Background(), JobFilter{})
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.ErrKindAuthentication))
}

func TestClientBulkAndProbe(t *testing.T) {
	srv, _ := newTestServer(t, "")
	c := New(srv.URL)
	ctx := context.Background()

	out, err := c.ExecuteBulk(ctx, &BulkRequest{
		Driver: "mock",
		Devices: []types.ConnArgs{
			{"host": "10.0.0.1"},
			{"host": "10.0.0.2"},
		},
		ConnArgs: types.ConnArgs{"username": "admin"},
		Command:  []string{"show version"},
		Options:  types.Options{QueueStrategy: types.QueueStrategyFIFO},
	})
	require.NoError(t, err)
	require.Len(t, out.Succeeded, 2)
	assert.Empty(t, out.Failed)
	for _, receipt := range out.Succeeded {
		assert.Equal(t, types.JobStatusQueued, receipt.Status)
	}

	res, err := c.TestConnection(ctx, &ExecuteRequest{
		Driver:   "mock",
		ConnArgs: types.ConnArgs{"host": "10.0.0.1", "username": "admin"},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.GreaterOrEqual(t, res.ConnectionTime, 0.0)
}

func TestClientHealthAndQueues(t *testing.T) {
	srv, _ := newTestServer(t, "")
	c := New(srv.URL)
	ctx := context.Background()

	results, healthy, err := c.Health(ctx)
	require.NoError(t, err)
	assert.True(t, healthy)
	assert.Empty(t, results, "healthy systems report no per-check detail")

	_, err = c.Execute(ctx, queryRequest("10.0.0.1"))
	require.NoError(t, err)

	depths, err := c.QueueDepths(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depths["fifo"])
}

func TestClientWorkersAndNodes(t *testing.T) {
	srv, m := newTestServer(t, "")
	c := New(srv.URL)
	ctx := context.Background()

	ws := store.NewWorkerStore(m)
	require.NoError(t, ws.Save(ctx, &types.WorkerRecord{
		Name:   "pinned-10.0.0.1-42",
		NodeID: "node-a",
		Queues: []string{"pinned:10.0.0.1"},
		Status: types.WorkerStatusIdle,
	}, time.Minute))

	recs, err := c.ListWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	rec, err := c.GetWorker(ctx, "pinned-10.0.0.1-42")
	require.NoError(t, err)
	assert.Equal(t, "node-a", rec.NodeID)

	names, err := c.TerminateWorker(ctx, "pinned-10.0.0.1-42")
	require.NoError(t, err)
	assert.Equal(t, []string{"pinned-10.0.0.1-42"}, names)

	err = c.DrainNode(ctx, "ghost")
	assert.True(t, types.IsKind(err, types.ErrKindValidation))

	nodes, err := c.ListNodes(ctx)
	require.NoError(t, err)
	assert.Empty(t, nodes)
}
