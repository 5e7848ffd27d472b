package dispatcher

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/netpulse/netpulse/pkg/store"
	"github.com/netpulse/netpulse/pkg/types"
)

// JobFilter narrows job listings. Zero fields match everything.
type JobFilter struct {
	Queue  string
	Status types.JobStatus
	Host   string
	Worker string
}

func (f JobFilter) matches(job *types.Job) bool {
	if f.Queue != "" && job.Queue != f.Queue {
		return false
	}
	if f.Status != "" && job.Status != f.Status {
		return false
	}
	if f.Host != "" && job.Host() != f.Host {
		return false
	}
	if f.Worker != "" && job.Worker != f.Worker {
		return false
	}
	return true
}

// GetJob returns one job by id.
func (d *Dispatcher) GetJob(ctx context.Context, id string) (*types.Job, bool, error) {
	return d.jobs.Get(ctx, id)
}

// ListJobs returns jobs matching the filter, newest first.
func (d *Dispatcher) ListJobs(ctx context.Context, filter JobFilter) ([]*types.Job, error) {
	all, err := d.jobs.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Job, 0, len(all))
	for _, job := range all {
		if filter.matches(job) {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].EnqueuedAt.After(out[j].EnqueuedAt)
	})
	return out, nil
}

// ListWorkers returns every live worker record, sorted by name.
func (d *Dispatcher) ListWorkers(ctx context.Context) ([]*types.WorkerRecord, error) {
	recs, err := d.workers.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Name < recs[j].Name })
	return recs, nil
}

// GetWorker returns one worker record by name.
func (d *Dispatcher) GetWorker(ctx context.Context, name string) (*types.WorkerRecord, bool, error) {
	return d.workers.Get(ctx, name)
}

// TerminateWorker asks the owning supervisor to kill a pinned worker. FIFO
// workers are per-machine daemons with no remote kill path; stopping them
// is an operator action on the machine.
func (d *Dispatcher) TerminateWorker(ctx context.Context, name string) error {
	rec, ok, err := d.workers.Get(ctx, name)
	if err != nil {
		return err
	}
	if !ok {
		return types.Errorf(types.ErrKindValidation, "worker %s not found", name)
	}

	host := pinnedHostOf(rec)
	if host == "" {
		return types.Errorf(types.ErrKindValidation, "worker %s is not a pinned worker", name)
	}

	msg, err := json.Marshal(types.ControlMessage{
		Kind:      types.ControlKillPinned,
		RequestID: uuid.New().String(),
		Host:      host,
	})
	if err != nil {
		return err
	}
	return d.st.Publish(ctx, store.ChannelControl(rec.NodeID), string(msg))
}

// DrainNode asks a node supervisor to drain and shut down.
func (d *Dispatcher) DrainNode(ctx context.Context, nodeID string) error {
	alive, err := d.registry.NodeAlive(ctx, nodeID)
	if err != nil {
		return err
	}
	if !alive {
		return types.Errorf(types.ErrKindValidation, "node %s is not alive", nodeID)
	}
	msg, err := json.Marshal(types.ControlMessage{
		Kind:      types.ControlDrain,
		RequestID: uuid.New().String(),
	})
	if err != nil {
		return err
	}
	return d.st.Publish(ctx, store.ChannelControl(nodeID), string(msg))
}

// ListNodes returns the live node snapshot.
func (d *Dispatcher) ListNodes(ctx context.Context) ([]*types.NodeInfo, error) {
	return d.registry.Snapshot(ctx)
}

// QueueDepths reports the waiting job count for the shared queue and every
// bound pinned queue.
func (d *Dispatcher) QueueDepths(ctx context.Context) (map[string]int64, error) {
	depths := make(map[string]int64)

	n, err := d.st.ListLen(ctx, store.QueueFIFO)
	if err != nil {
		return nil, err
	}
	depths["fifo"] = n

	bindings, err := d.registry.Bindings(ctx)
	if err != nil {
		return nil, err
	}
	for host := range bindings {
		n, err := d.st.ListLen(ctx, store.QueuePinned(host))
		if err != nil {
			return nil, err
		}
		depths[store.PinnedQueueName(host)] = n
	}
	return depths, nil
}

func pinnedHostOf(rec *types.WorkerRecord) string {
	for _, q := range rec.Queues {
		if strings.HasPrefix(q, "pinned:") {
			return strings.TrimPrefix(q, "pinned:")
		}
	}
	return ""
}
