package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/netpulse/netpulse/pkg/types"
)

// JobStore persists job records as JSON under netpulse:jobs:<id>. Active
// jobs carry no expiry; terminal jobs get the job's result TTL so finished
// records age out on their own.
type JobStore struct {
	s Store
}

// NewJobStore wraps a Store with job-record persistence.
func NewJobStore(s Store) *JobStore {
	return &JobStore{s: s}
}

// Create writes a fresh job record.
func (j *JobStore) Create(ctx context.Context, job *types.Job) error {
	return j.write(ctx, job)
}

// Get loads a job by id.
func (j *JobStore) Get(ctx context.Context, id string) (*types.Job, bool, error) {
	raw, ok, err := j.s.Get(ctx, KeyJob(id))
	if err != nil || !ok {
		return nil, false, err
	}
	var job types.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, false, fmt.Errorf("job %s: corrupt record: %v", id, err)
	}
	return &job, true, nil
}

// List returns all stored jobs. Filtering happens in the caller; the record
// set is bounded by result TTLs.
func (j *JobStore) List(ctx context.Context) ([]*types.Job, error) {
	keys, err := j.s.Keys(ctx, KeyJob(""))
	if err != nil {
		return nil, err
	}
	jobs := make([]*types.Job, 0, len(keys))
	for _, key := range keys {
		raw, ok, err := j.s.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue // expired between scan and read
		}
		var job types.Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// Transition moves a job to a new status under the lifecycle guard, applies
// mutate to the record, and persists it. The updated record is returned.
func (j *JobStore) Transition(ctx context.Context, id string, to types.JobStatus, mutate func(*types.Job)) (*types.Job, error) {
	job, ok, err := j.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, types.Errorf(types.ErrKindValidation, "job %s not found", id)
	}
	if !types.CanTransition(job.Status, to) {
		return nil, types.Errorf(types.ErrKindValidation, "job %s: illegal transition %s -> %s", id, job.Status, to)
	}
	job.Status = to
	if mutate != nil {
		mutate(job)
	}
	if err := j.write(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (j *JobStore) write(ctx context.Context, job *types.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("job %s: marshal: %v", job.ID, err)
	}
	var ttl time.Duration
	if job.Status.Terminal() && job.ResultTTLSeconds > 0 {
		ttl = time.Duration(job.ResultTTLSeconds) * time.Second
	}
	return j.s.Set(ctx, KeyJob(job.ID), string(raw), ttl)
}
