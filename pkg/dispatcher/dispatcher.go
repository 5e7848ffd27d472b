package dispatcher

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/netpulse/netpulse/pkg/cluster"
	"github.com/netpulse/netpulse/pkg/driver"
	"github.com/netpulse/netpulse/pkg/events"
	"github.com/netpulse/netpulse/pkg/log"
	"github.com/netpulse/netpulse/pkg/metrics"
	"github.com/netpulse/netpulse/pkg/scheduler"
	"github.com/netpulse/netpulse/pkg/store"
	"github.com/netpulse/netpulse/pkg/types"
)

// Config parametrizes job dispatch.
type Config struct {
	SpawnTimeout time.Duration
	SpawnRetries int
	JobTTL       time.Duration
	JobTimeout   time.Duration
	ResultTTL    time.Duration
}

// Dispatcher turns validated requests into queued jobs. It resolves the
// queue strategy, secures a pinned worker when one is needed (reusing a
// live binding or negotiating a spawn with a node supervisor), and enqueues
// the job id on the right queue.
type Dispatcher struct {
	cfg      Config
	st       store.Store
	jobs     *store.JobStore
	workers  *store.WorkerStore
	registry *cluster.Registry
	sched    scheduler.Scheduler
	broker   *events.Broker
	logger   zerolog.Logger
}

// New wires a dispatcher. broker may be nil.
func New(cfg Config, st store.Store, registry *cluster.Registry, sched scheduler.Scheduler, broker *events.Broker) *Dispatcher {
	if cfg.SpawnRetries < 1 {
		cfg.SpawnRetries = 1
	}
	return &Dispatcher{
		cfg:      cfg,
		st:       st,
		jobs:     store.NewJobStore(st),
		workers:  store.NewWorkerStore(st),
		registry: registry,
		sched:    sched,
		broker:   broker,
		logger:   log.WithComponent("dispatcher"),
	}
}

// Execute validates a request, creates its job, and routes it. The returned
// job is in status queued; on routing failure the job is terminal failed
// and the classified error is returned.
func (d *Dispatcher) Execute(ctx context.Context, req *types.Request) (*types.Job, error) {
	start := time.Now()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	strategy, err := d.resolveStrategy(req)
	if err != nil {
		return nil, err
	}

	job := d.buildJob(req, strategy)
	if err := d.jobs.Create(ctx, job); err != nil {
		return nil, err
	}

	if err := d.route(ctx, job, strategy); err != nil {
		d.failJob(ctx, job, types.AsError(err, types.ErrKindWorkerUnavailable))
		return job, err
	}

	metrics.SchedulingLatency.Observe(time.Since(start).Seconds())
	if d.broker != nil {
		d.broker.JobEvent(events.EventJobQueued, job.ID, job.Queue, "job queued")
	}
	return job, nil
}

// TestConnection probes a device synchronously. It never creates a job,
// never touches a queue, and never counts toward pinned capacity.
func (d *Dispatcher) TestConnection(ctx context.Context, req *types.Request) *types.Result {
	req.Operation = types.Operation{Kind: types.OperationTestConnection}
	if err := req.Validate(); err != nil {
		return &types.Result{Type: types.ResultFailure, Error: types.AsError(err, types.ErrKindValidation)}
	}

	drv, err := driver.New(req.Driver, req.ConnArgs, req.DriverArgs)
	if err != nil {
		return &types.Result{Type: types.ResultFailure, Error: types.AsError(err, types.ErrKindValidation)}
	}

	timeout := d.cfg.JobTimeout
	if req.Options.Timeout > 0 {
		timeout = time.Duration(req.Options.Timeout) * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := drv.Connect(probeCtx); err != nil {
		return &types.Result{Type: types.ResultFailure, Error: types.AsError(err, types.ErrKindConnectionFailed)}
	}
	drv.Disconnect()
	return &types.Result{Type: types.ResultSuccess, Retval: map[string]string{"connected": "true"}}
}

// resolveStrategy applies the explicit option, falling back to the driver's
// session capability. Drivers without persistent sessions are forced onto
// the FIFO path regardless of the requested strategy.
func (d *Dispatcher) resolveStrategy(req *types.Request) (types.QueueStrategy, error) {
	info, ok := driver.Lookup(req.Driver)
	if !ok {
		return "", types.Errorf(types.ErrKindValidation, "unknown driver %q", req.Driver)
	}
	if !info.PersistentSession {
		return types.QueueStrategyFIFO, nil
	}
	if s := req.Options.QueueStrategy; s != "" {
		return s, nil
	}
	return types.QueueStrategyPinned, nil
}

func (d *Dispatcher) buildJob(req *types.Request, strategy types.QueueStrategy) *types.Job {
	host := req.ConnArgs.Host()
	queue := "fifo"
	if strategy == types.QueueStrategyPinned {
		queue = store.PinnedQueueName(host)
	}

	job := &types.Job{
		ID:         uuid.New().String(),
		Status:     types.JobStatusQueued,
		Queue:      queue,
		Driver:     req.Driver,
		ConnArgs:   req.ConnArgs,
		Operation:  req.Operation,
		DriverArgs: req.DriverArgs,
		Webhook:    req.Options.Webhook,
		EnqueuedAt: time.Now(),

		TTLSeconds:       int(d.cfg.JobTTL.Seconds()),
		TimeoutSeconds:   int(d.cfg.JobTimeout.Seconds()),
		ResultTTLSeconds: int(d.cfg.ResultTTL.Seconds()),
	}
	if req.Options.TTL > 0 {
		job.TTLSeconds = req.Options.TTL
	}
	if req.Options.Timeout > 0 {
		job.TimeoutSeconds = req.Options.Timeout
	}
	if req.Options.ResultTTL > 0 {
		job.ResultTTLSeconds = req.Options.ResultTTL
	}
	return job
}

func (d *Dispatcher) route(ctx context.Context, job *types.Job, strategy types.QueueStrategy) error {
	if strategy == types.QueueStrategyFIFO {
		return d.st.ListPush(ctx, store.QueueFIFO, job.ID)
	}
	return d.routePinned(ctx, job)
}

// routePinned ensures a pinned worker exists for the job's host, then
// enqueues on the host's serial queue. The queue is keyed by host, not
// node, so after any successful outcome (existing binding, fresh spawn, or
// a race lost to another dispatcher) the enqueue is the same.
func (d *Dispatcher) routePinned(ctx context.Context, job *types.Job) error {
	host := job.Host()

	nodeID, bound, err := d.registry.GetBinding(ctx, host)
	if err != nil {
		return err
	}
	if bound {
		alive, err := d.registry.NodeAlive(ctx, nodeID)
		if err != nil {
			return err
		}
		if alive {
			return d.st.ListPush(ctx, store.QueuePinned(host), job.ID)
		}
		// Dead owner: clear the stale binding and fall through to spawn.
		d.logger.Warn().Str("host", host).Str("node_id", nodeID).
			Msg("binding points at dead node, releasing")
		d.registry.Unbind(ctx, host, nodeID)
	}

	if err := d.ensurePinnedWorker(ctx, host, job.ConnArgs.Fingerprint()); err != nil {
		return err
	}
	return d.st.ListPush(ctx, store.QueuePinned(host), job.ID)
}

func (d *Dispatcher) failJob(ctx context.Context, job *types.Job, cause *types.Error) {
	_, err := d.jobs.Transition(ctx, job.ID, types.JobStatusFailed, func(j *types.Job) {
		j.Result = &types.Result{Type: types.ResultFailure, Error: cause}
		j.EndedAt = time.Now()
		*job = *j
	})
	if err != nil {
		d.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to record dispatch failure")
	}
	if d.broker != nil {
		d.broker.JobEvent(events.EventJobFailed, job.ID, job.Queue, cause.Message)
	}
}
