package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/netpulse/netpulse/pkg/events"
	"github.com/netpulse/netpulse/pkg/log"
	"github.com/netpulse/netpulse/pkg/metrics"
	"github.com/netpulse/netpulse/pkg/store"
	"github.com/netpulse/netpulse/pkg/types"
	"github.com/netpulse/netpulse/pkg/webhook"
)

// RunFunc executes a claimed job's operation. Pinned workers run it through
// their session; FIFO workers connect, execute, and disconnect inside it.
type RunFunc func(ctx context.Context, job *types.Job) (map[string]string, error)

// Executor drives one claimed job through its lifecycle: TTL check, the
// queued->started transition, the operation under deadline, the terminal
// transition, and result fan-out (event, webhook, counters).
type Executor struct {
	workerName string
	strategy   types.QueueStrategy
	jobs       *store.JobStore
	broker     *events.Broker
	webhooks   *webhook.Caller
	logger     zerolog.Logger
}

// NewExecutor builds an executor for one worker process. broker and
// webhooks may be nil in tests.
func NewExecutor(workerName string, strategy types.QueueStrategy, jobs *store.JobStore, broker *events.Broker, webhooks *webhook.Caller) *Executor {
	return &Executor{
		workerName: workerName,
		strategy:   strategy,
		jobs:       jobs,
		broker:     broker,
		webhooks:   webhooks,
		logger:     log.WithWorker(workerName),
	}
}

// Process runs one claimed job to a terminal state. It returns whether the
// job succeeded; jobs that were already terminal or missing report false
// without side effects.
func (e *Executor) Process(ctx context.Context, jobID string, run RunFunc) bool {
	logger := e.logger.With().Str("job_id", jobID).Logger()

	job, ok, err := e.jobs.Get(ctx, jobID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load claimed job")
		return false
	}
	if !ok {
		logger.Warn().Msg("claimed job record missing, skipping")
		return false
	}

	if job.TTLExpired(time.Now()) {
		logger.Warn().Msg("job queue TTL expired, discarding")
		metrics.JobsExpired.Inc()
		e.finish(ctx, job, types.JobStatusFailed, &types.Result{
			Type:  types.ResultFailure,
			Error: types.Errorf(types.ErrKindJobTTLExpired, "job waited longer than %ds in queue", job.TTLSeconds),
		})
		return false
	}

	job, err = e.jobs.Transition(ctx, jobID, types.JobStatusStarted, func(j *types.Job) {
		j.Worker = e.workerName
		j.StartedAt = time.Now()
	})
	if err != nil {
		// Lost the race against cancellation; nothing to do.
		logger.Debug().Err(err).Msg("job no longer claimable")
		return false
	}
	if e.broker != nil {
		e.broker.JobEvent(events.EventJobStarted, job.ID, job.Queue, "job started")
	}

	timeout := time.Duration(job.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	retval, runErr := run(runCtx, job)
	cancel()

	start := job.StartedAt
	if runErr != nil {
		if types.KindOf(runErr) == "" && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			runErr = types.Errorf(types.ErrKindTimeout, "operation exceeded %s deadline", timeout)
		}
		logger.Warn().Err(runErr).Msg("job failed")
		e.finish(ctx, job, types.JobStatusFailed, &types.Result{
			Type:  types.ResultFailure,
			Error: types.AsError(runErr, types.ErrKindCommandFailed),
		})
		metrics.JobDuration.WithLabelValues(string(e.strategy)).Observe(time.Since(start).Seconds())
		return false
	}

	logger.Info().Msg("job finished")
	e.finish(ctx, job, types.JobStatusFinished, &types.Result{
		Type:   types.ResultSuccess,
		Retval: retval,
	})
	metrics.JobDuration.WithLabelValues(string(e.strategy)).Observe(time.Since(start).Seconds())
	return true
}

// Fail moves a still-queued job straight to failed with the given error.
// Used when a worker cannot execute at all (connect failure, termination).
func (e *Executor) Fail(ctx context.Context, jobID string, cause *types.Error) {
	job, err := e.jobs.Transition(ctx, jobID, types.JobStatusFailed, func(j *types.Job) {
		j.Worker = e.workerName
	})
	if err != nil {
		e.logger.Debug().Err(err).Str("job_id", jobID).Msg("job not failable")
		return
	}
	e.finishFanout(ctx, e.applyResult(ctx, job, &types.Result{Type: types.ResultFailure, Error: cause}))
}

func (e *Executor) finish(ctx context.Context, job *types.Job, to types.JobStatus, result *types.Result) {
	finished, err := e.jobs.Transition(ctx, job.ID, to, func(j *types.Job) {
		j.Result = result
		j.EndedAt = time.Now()
	})
	if err != nil {
		e.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to record terminal state")
		return
	}
	e.finishFanout(ctx, finished)
}

// applyResult persists a result on a job already transitioned to terminal.
func (e *Executor) applyResult(ctx context.Context, job *types.Job, result *types.Result) *types.Job {
	job.Result = result
	job.EndedAt = time.Now()
	if err := e.jobs.Create(ctx, job); err != nil {
		e.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to persist result")
	}
	return job
}

func (e *Executor) finishFanout(ctx context.Context, job *types.Job) {
	metrics.JobsTotal.WithLabelValues(string(job.Status), string(e.strategy)).Inc()
	if e.broker != nil {
		typ := events.EventJobFinished
		if job.Status == types.JobStatusFailed {
			typ = events.EventJobFailed
		}
		e.broker.JobEvent(typ, job.ID, job.Queue, string(job.Status))
	}
	if e.webhooks != nil {
		go e.webhooks.Call(context.WithoutCancel(ctx), job)
	}
}
