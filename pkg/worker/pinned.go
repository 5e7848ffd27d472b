package worker

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/netpulse/netpulse/pkg/cluster"
	"github.com/netpulse/netpulse/pkg/driver"
	"github.com/netpulse/netpulse/pkg/events"
	"github.com/netpulse/netpulse/pkg/log"
	"github.com/netpulse/netpulse/pkg/session"
	"github.com/netpulse/netpulse/pkg/store"
	"github.com/netpulse/netpulse/pkg/types"
	"github.com/netpulse/netpulse/pkg/webhook"
)

// PinnedConfig parametrizes a pinned worker process.
type PinnedConfig struct {
	Host         string
	NodeID       string
	WorkerTTL    time.Duration
	PollInterval time.Duration
}

// PinnedWorker consumes the per-host serial queue over one persistent
// session. Exactly one pinned worker exists per device host cluster-wide;
// the host binding taken by the spawning supervisor guarantees it.
type PinnedWorker struct {
	cfg      PinnedConfig
	st       store.Store
	jobs     *store.JobStore
	registry *cluster.Registry
	record   *Record
	executor *Executor
	broker   *events.Broker
	logger   zerolog.Logger

	sess   *session.Session
	stopCh chan struct{}
}

// NewPinnedWorker wires a pinned worker. broker and webhooks may be nil.
func NewPinnedWorker(cfg PinnedConfig, st store.Store, registry *cluster.Registry, broker *events.Broker, webhooks *webhook.Caller) *PinnedWorker {
	name := fmt.Sprintf("pinned-%s-%d", cfg.Host, os.Getpid())
	jobs := store.NewJobStore(st)
	w := &PinnedWorker{
		cfg:      cfg,
		st:       st,
		jobs:     jobs,
		registry: registry,
		record:   NewRecord(store.NewWorkerStore(st), name, cfg.NodeID, []string{store.PinnedQueueName(cfg.Host)}, cfg.WorkerTTL),
		executor: NewExecutor(name, types.QueueStrategyPinned, jobs, broker, webhooks),
		broker:   broker,
		logger:   log.WithWorker(name),
		stopCh:   make(chan struct{}),
	}
	return w
}

// Name returns the worker's published name.
func (w *PinnedWorker) Name() string { return w.record.Name() }

// Stop asks the worker to finish its current job and exit. The run loop
// performs the teardown.
func (w *PinnedWorker) Stop() {
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
}

// Run executes the serial claim loop until stopped or the session dies.
// It always unwinds through teardown: unbind, count decrement, dead record.
func (w *PinnedWorker) Run(ctx context.Context) error {
	if err := w.record.Register(ctx); err != nil {
		return fmt.Errorf("register worker record: %w", err)
	}
	w.logger.Info().Str("host", w.cfg.Host).Msg("pinned worker started")

	heartbeatStop := make(chan struct{})
	go w.heartbeatLoop(heartbeatStop)

	defer func() {
		close(heartbeatStop)
		w.teardown()
	}()

	retry := backoff.NewExponentialBackOff()
	retry.MaxElapsedTime = 0 // worker outlives any store outage

	for {
		if w.stopped() {
			return nil
		}
		if w.sess != nil {
			select {
			case <-w.sess.Terminated():
				reason := w.sess.TerminationReason()
				w.logger.Warn().Str("reason", reason.Error()).Msg("session terminated, worker exiting")
				return reason
			default:
			}
		}

		jobID, ok, err := w.st.ListPopBlocking(ctx, store.QueuePinned(w.cfg.Host), w.pollTimeout())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := retry.NextBackOff()
			w.logger.Warn().Err(err).Dur("backoff", wait).Msg("store unavailable, backing off")
			select {
			case <-time.After(wait):
			case <-w.stopCh:
				return nil
			}
			continue
		}
		retry.Reset()
		if !ok {
			continue // poll timeout, re-check stop and session
		}

		w.handle(ctx, jobID)
	}
}

// pollTimeout bounds a blocking pop so the loop re-checks session health at
// keepalive cadence. A severed session must not sit behind a long poll.
func (w *PinnedWorker) pollTimeout() time.Duration {
	poll := w.cfg.PollInterval
	if w.sess != nil {
		if ka := w.sess.KeepaliveInterval(); ka < poll {
			poll = ka
		}
	}
	return poll
}

func (w *PinnedWorker) handle(ctx context.Context, jobID string) {
	job, ok, err := w.jobs.Get(ctx, jobID)
	if err != nil || !ok {
		w.logger.Warn().Err(err).Str("job_id", jobID).Msg("claimed job not loadable")
		return
	}

	if err := w.ensureSession(ctx, job); err != nil {
		w.executor.Fail(ctx, jobID, types.AsError(err, types.ErrKindConnectionFailed))
		w.record.JobDone(ctx, false)
		w.Stop()
		return
	}

	w.record.SetStatus(ctx, types.WorkerStatusBusy)
	ok = w.executor.Process(ctx, jobID, func(runCtx context.Context, j *types.Job) (map[string]string, error) {
		return w.sess.Execute(runCtx, j.Operation)
	})
	w.record.JobDone(ctx, ok)
}

// ensureSession opens the persistent session on first use and replaces it
// when a job arrives with different connection identity for the host.
func (w *PinnedWorker) ensureSession(ctx context.Context, job *types.Job) error {
	fingerprint := job.ConnArgs.Fingerprint()

	if w.sess == nil {
		drv, err := driver.New(job.Driver, job.ConnArgs, job.DriverArgs)
		if err != nil {
			return err
		}
		if err := drv.Connect(ctx); err != nil {
			return err
		}
		w.sess = session.New(w.cfg.Host, fingerprint, drv, job.ConnArgs.KeepaliveInterval())
		w.sess.StartMonitor()
		w.logger.Info().Str("fingerprint", fingerprint).Msg("persistent session established")
		return nil
	}

	if w.sess.Fingerprint() == fingerprint {
		return nil
	}
	w.logger.Info().
		Str("old", w.sess.Fingerprint()).
		Str("new", fingerprint).
		Msg("connection args changed, replacing session")
	drv, err := driver.New(job.Driver, job.ConnArgs, job.DriverArgs)
	if err != nil {
		return err
	}
	return w.sess.Reconnect(ctx, drv, fingerprint)
}

func (w *PinnedWorker) heartbeatLoop(stop <-chan struct{}) {
	interval := w.cfg.WorkerTTL / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := w.record.Heartbeat(ctx); err != nil {
				w.logger.Warn().Err(err).Msg("worker heartbeat failed")
			}
			cancel()
		}
	}
}

// teardown releases everything the worker owns. It runs on every exit path
// with a fresh context: the run context may already be cancelled.
func (w *PinnedWorker) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if w.sess != nil {
		w.sess.Close()
	}
	if removed, err := w.registry.Unbind(ctx, w.cfg.Host, w.cfg.NodeID); err != nil {
		w.logger.Error().Err(err).Msg("unbind failed during teardown")
	} else if removed {
		if _, err := w.registry.DecrementCount(ctx, w.cfg.NodeID); err != nil {
			w.logger.Error().Err(err).Msg("count decrement failed during teardown")
		}
	}
	w.record.MarkDead(ctx)
	if w.broker != nil {
		w.broker.WorkerEvent(events.EventWorkerDead, w.Name(), w.cfg.NodeID, "pinned worker exited")
	}
	w.logger.Info().Msg("pinned worker stopped")
}

func (w *PinnedWorker) stopped() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}
