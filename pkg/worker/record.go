package worker

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/netpulse/netpulse/pkg/store"
	"github.com/netpulse/netpulse/pkg/types"
)

// Record manages one worker's published record. The record is owned
// exclusively by the worker process; its TTL makes crashed workers
// disappear from listings without external cleanup.
type Record struct {
	ws  *store.WorkerStore
	ttl time.Duration

	mu  sync.Mutex
	rec types.WorkerRecord
}

// NewRecord builds a record manager for a worker process.
func NewRecord(ws *store.WorkerStore, name, nodeID string, queues []string, ttl time.Duration) *Record {
	hostname, _ := os.Hostname()
	return &Record{
		ws:  ws,
		ttl: ttl,
		rec: types.WorkerRecord{
			Name:     name,
			PID:      os.Getpid(),
			Hostname: hostname,
			NodeID:   nodeID,
			Queues:   queues,
			Status:   types.WorkerStatusIdle,
			BirthAt:  time.Now(),
		},
	}
}

// Name returns the worker name.
func (r *Record) Name() string { return r.rec.Name }

// Register publishes the initial record.
func (r *Record) Register(ctx context.Context) error {
	return r.Heartbeat(ctx)
}

// Heartbeat refreshes the record and its TTL.
func (r *Record) Heartbeat(ctx context.Context) error {
	r.mu.Lock()
	r.rec.LastHeartbeat = time.Now()
	rec := r.rec
	r.mu.Unlock()
	return r.ws.Save(ctx, &rec, r.ttl)
}

// SetStatus updates the published status.
func (r *Record) SetStatus(ctx context.Context, status types.WorkerStatus) error {
	r.mu.Lock()
	r.rec.Status = status
	r.mu.Unlock()
	return r.Heartbeat(ctx)
}

// JobDone bumps the success or failure counter.
func (r *Record) JobDone(ctx context.Context, success bool) error {
	r.mu.Lock()
	if success {
		r.rec.SuccessCount++
	} else {
		r.rec.FailureCount++
	}
	r.rec.Status = types.WorkerStatusIdle
	r.mu.Unlock()
	return r.Heartbeat(ctx)
}

// MarkDead publishes a dead record with a short TTL so operators see the
// terminal state briefly before it ages out.
func (r *Record) MarkDead(ctx context.Context) error {
	r.mu.Lock()
	r.rec.Status = types.WorkerStatusDead
	r.rec.LastHeartbeat = time.Now()
	rec := r.rec
	r.mu.Unlock()
	return r.ws.Save(ctx, &rec, time.Minute)
}
