package dispatcher

import (
	"context"
	"sync"
	"time"

	"github.com/netpulse/netpulse/pkg/events"
	"github.com/netpulse/netpulse/pkg/store"
	"github.com/netpulse/netpulse/pkg/types"
)

// BulkItem is the per-request outcome of a bulk submission: a queued job or
// the classified error that kept it out of the queue.
type BulkItem struct {
	Job *types.Job
	Err *types.Error
}

// ExecuteBulk dispatches many requests at once. FIFO requests enqueue
// directly. Pinned hosts without a live binding are placed with one batch
// scheduling pass over a single snapshot, then spawned in parallel; hosts
// the batch could not place fail with WorkerUnavailable.
func (d *Dispatcher) ExecuteBulk(ctx context.Context, reqs []*types.Request) []BulkItem {
	out := make([]BulkItem, len(reqs))

	type pinnedEntry struct {
		idx int
		job *types.Job
	}
	var toPlace []pinnedEntry
	var placeHosts []string

	for i, req := range reqs {
		if err := req.Validate(); err != nil {
			out[i] = BulkItem{Err: types.AsError(err, types.ErrKindValidation)}
			continue
		}
		strategy, err := d.resolveStrategy(req)
		if err != nil {
			out[i] = BulkItem{Err: types.AsError(err, types.ErrKindValidation)}
			continue
		}

		job := d.buildJob(req, strategy)
		if err := d.jobs.Create(ctx, job); err != nil {
			out[i] = BulkItem{Err: types.AsError(err, types.ErrKindStoreUnavailable)}
			continue
		}
		out[i] = BulkItem{Job: job}

		if strategy == types.QueueStrategyFIFO {
			if err := d.st.ListPush(ctx, store.QueueFIFO, job.ID); err != nil {
				d.failJob(ctx, job, types.AsError(err, types.ErrKindStoreUnavailable))
				out[i].Err = types.AsError(err, types.ErrKindStoreUnavailable)
				continue
			}
			d.queuedEvent(job)
			continue
		}

		host := job.Host()
		if nodeID, bound, err := d.registry.GetBinding(ctx, host); err == nil && bound {
			if alive, err := d.registry.NodeAlive(ctx, nodeID); err == nil && alive {
				if err := d.st.ListPush(ctx, store.QueuePinned(host), job.ID); err != nil {
					d.failJob(ctx, job, types.AsError(err, types.ErrKindStoreUnavailable))
					out[i].Err = types.AsError(err, types.ErrKindStoreUnavailable)
					continue
				}
				d.queuedEvent(job)
				continue
			}
		}
		toPlace = append(toPlace, pinnedEntry{idx: i, job: job})
		placeHosts = append(placeHosts, host)
	}

	if len(toPlace) == 0 {
		return out
	}

	snapshot, err := d.registry.Snapshot(ctx)
	if err != nil {
		for _, e := range toPlace {
			cause := types.AsError(err, types.ErrKindStoreUnavailable)
			d.failJob(ctx, e.job, cause)
			out[e.idx].Err = cause
		}
		return out
	}

	assignments, _ := d.sched.BatchSelect(snapshot, placeHosts)
	assigned := make(map[string]string, len(assignments)) // host -> node
	for _, a := range assignments {
		assigned[a.Host] = a.Node.NodeID
	}

	var wg sync.WaitGroup
	for _, e := range toPlace {
		host := e.job.Host()
		nodeID, ok := assigned[host]
		if !ok {
			cause := types.NewError(types.ErrKindWorkerUnavailable,
				"no pinned worker available: every node is at capacity")
			d.failJob(ctx, e.job, cause)
			out[e.idx].Err = cause
			continue
		}

		wg.Add(1)
		go func(e pinnedEntry, nodeID string) {
			defer wg.Done()
			if err := d.spawnOnNode(ctx, nodeID, e.job); err != nil {
				cause := types.AsError(err, types.ErrKindWorkerUnavailable)
				d.failJob(ctx, e.job, cause)
				out[e.idx].Err = cause
				return
			}
			if err := d.st.ListPush(ctx, store.QueuePinned(e.job.Host()), e.job.ID); err != nil {
				cause := types.AsError(err, types.ErrKindStoreUnavailable)
				d.failJob(ctx, e.job, cause)
				out[e.idx].Err = cause
				return
			}
			d.queuedEvent(e.job)
		}(e, nodeID)
	}
	wg.Wait()

	return out
}

// spawnOnNode negotiates a spawn with one specific node, falling back to
// the retrying single-job path only if that node refuses.
func (d *Dispatcher) spawnOnNode(ctx context.Context, nodeID string, job *types.Job) error {
	host := job.Host()
	reply, err := d.requestSpawn(ctx, nodeID, host, job.ConnArgs.Fingerprint())
	if err == nil {
		switch reply.Kind {
		case types.ReplySpawned, types.ReplyLostRace:
			return nil
		}
	}
	// The batch assignment went stale; let the scheduling path pick again.
	return d.ensurePinnedWorker(ctx, host, job.ConnArgs.Fingerprint())
}

func (d *Dispatcher) queuedEvent(job *types.Job) {
	if d.broker != nil {
		d.broker.JobEvent(events.EventJobQueued, job.ID, job.Queue, "job queued")
	}
}

// CancelQueued cancels a single queued job. The removal from the queue list
// is the atomic claim: a job that is no longer in its queue belongs to a
// worker and cannot be cancelled.
func (d *Dispatcher) CancelQueued(ctx context.Context, jobID string) (*types.Job, error) {
	job, ok, err := d.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, types.Errorf(types.ErrKindValidation, "job %s not found", jobID)
	}
	if job.Status != types.JobStatusQueued {
		return nil, types.Errorf(types.ErrKindValidation, "job %s is %s, only queued jobs can be cancelled", jobID, job.Status)
	}

	removed, err := d.st.ListRemove(ctx, queueKey(job), jobID)
	if err != nil {
		return nil, err
	}
	if removed == 0 {
		return nil, types.Errorf(types.ErrKindValidation, "job %s already claimed by a worker", jobID)
	}

	cancelled, err := d.jobs.Transition(ctx, jobID, types.JobStatusCancelled, func(j *types.Job) {
		j.EndedAt = time.Now()
		j.Result = &types.Result{
			Type:  types.ResultFailure,
			Error: types.NewError(types.ErrKindCancelled, "cancelled before execution"),
		}
	})
	if err != nil {
		return nil, err
	}
	if d.broker != nil {
		d.broker.JobEvent(events.EventJobCancelled, jobID, cancelled.Queue, "job cancelled")
	}
	return cancelled, nil
}

// CancelMatching cancels every queued job accepted by the filter,
// best-effort per queue, and returns the ids it cancelled. Jobs claimed
// between listing and removal are skipped.
func (d *Dispatcher) CancelMatching(ctx context.Context, filter JobFilter) ([]string, error) {
	jobs, err := d.ListJobs(ctx, filter)
	if err != nil {
		return nil, err
	}
	cancelled := []string{}
	for _, job := range jobs {
		if job.Status != types.JobStatusQueued {
			continue
		}
		if _, err := d.CancelQueued(ctx, job.ID); err == nil {
			cancelled = append(cancelled, job.ID)
		}
	}
	return cancelled, nil
}

func queueKey(job *types.Job) string {
	if job.Queue == "fifo" {
		return store.QueueFIFO
	}
	return store.QueuePinned(job.Host())
}
