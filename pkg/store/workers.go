package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/netpulse/netpulse/pkg/types"
)

// WorkerStore persists worker records under netpulse:workers:<name>. Each
// record is written only by the owning worker process and carries a TTL
// refreshed on heartbeat, so crashed workers disappear without a reaper.
type WorkerStore struct {
	s Store
}

// NewWorkerStore wraps a Store with worker-record persistence.
func NewWorkerStore(s Store) *WorkerStore {
	return &WorkerStore{s: s}
}

// Save upserts a worker record with the given TTL.
func (w *WorkerStore) Save(ctx context.Context, rec *types.WorkerRecord, ttl time.Duration) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("worker %s: marshal: %v", rec.Name, err)
	}
	return w.s.Set(ctx, KeyWorker(rec.Name), string(raw), ttl)
}

// Get loads one worker record by name.
func (w *WorkerStore) Get(ctx context.Context, name string) (*types.WorkerRecord, bool, error) {
	raw, ok, err := w.s.Get(ctx, KeyWorker(name))
	if err != nil || !ok {
		return nil, false, err
	}
	var rec types.WorkerRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, false, fmt.Errorf("worker %s: corrupt record: %v", name, err)
	}
	return &rec, true, nil
}

// List returns every live worker record.
func (w *WorkerStore) List(ctx context.Context) ([]*types.WorkerRecord, error) {
	keys, err := w.s.Keys(ctx, KeyWorker(""))
	if err != nil {
		return nil, err
	}
	recs := make([]*types.WorkerRecord, 0, len(keys))
	for _, key := range keys {
		raw, ok, err := w.s.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		var rec types.WorkerRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			continue
		}
		recs = append(recs, &rec)
	}
	return recs, nil
}

// Delete removes a worker record.
func (w *WorkerStore) Delete(ctx context.Context, name string) error {
	return w.s.Delete(ctx, KeyWorker(name))
}
