package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/netpulse/netpulse/pkg/driver"
	"github.com/netpulse/netpulse/pkg/events"
	"github.com/netpulse/netpulse/pkg/lock"
	"github.com/netpulse/netpulse/pkg/log"
	"github.com/netpulse/netpulse/pkg/store"
	"github.com/netpulse/netpulse/pkg/types"
	"github.com/netpulse/netpulse/pkg/webhook"
)

// FifoConfig parametrizes a FIFO worker instance.
type FifoConfig struct {
	NodeID       string
	Concurrency  int
	WorkerTTL    time.Duration
	PollInterval time.Duration
	LockDir      string
}

// FifoWorker consumes the shared queue with short-lived connections: each
// job connects, executes, and disconnects. One instance runs per machine,
// enforced by a file lock; concurrency comes from executor goroutines
// inside the instance.
type FifoWorker struct {
	cfg      FifoConfig
	st       store.Store
	jobs     *store.JobStore
	record   *Record
	executor *Executor
	logger   zerolog.Logger

	flock  *lock.FileLock
	stopCh chan struct{}
}

// NewFifoWorker wires a FIFO worker and takes the instance file lock.
// A held lock means another instance runs on this machine; that is fatal.
func NewFifoWorker(cfg FifoConfig, st store.Store, broker *events.Broker, webhooks *webhook.Caller) (*FifoWorker, error) {
	hostname, _ := os.Hostname()
	flock, err := lock.Acquire(cfg.LockDir, "fifo-worker")
	if err != nil {
		return nil, fmt.Errorf("fifo worker singleton: %w", err)
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	name := fmt.Sprintf("fifo-%s-%d", hostname, os.Getpid())
	jobs := store.NewJobStore(st)
	return &FifoWorker{
		cfg:      cfg,
		st:       st,
		jobs:     jobs,
		record:   NewRecord(store.NewWorkerStore(st), name, cfg.NodeID, []string{"fifo"}, cfg.WorkerTTL),
		executor: NewExecutor(name, types.QueueStrategyFIFO, jobs, broker, webhooks),
		logger:   log.WithWorker(name),
		flock:    flock,
		stopCh:   make(chan struct{}),
	}, nil
}

// Name returns the worker's published name.
func (w *FifoWorker) Name() string { return w.record.Name() }

// Stop asks all executor goroutines to finish their current job and exit.
func (w *FifoWorker) Stop() {
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
}

// Run starts the executor pool and blocks until all executors drain.
func (w *FifoWorker) Run(ctx context.Context) error {
	if err := w.record.Register(ctx); err != nil {
		w.flock.Release()
		return fmt.Errorf("register worker record: %w", err)
	}
	w.logger.Info().Int("concurrency", w.cfg.Concurrency).Msg("fifo worker started")

	heartbeatStop := make(chan struct{})
	go w.heartbeatLoop(heartbeatStop)

	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.consume(ctx, id)
		}(i)
	}
	wg.Wait()

	close(heartbeatStop)
	teardownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	w.record.MarkDead(teardownCtx)
	w.flock.Release()
	w.logger.Info().Msg("fifo worker stopped")
	return nil
}

// consume is one executor goroutine: pop, process, repeat.
func (w *FifoWorker) consume(ctx context.Context, id int) {
	logger := w.logger.With().Int("executor", id).Logger()
	retry := backoff.NewExponentialBackOff()
	retry.MaxElapsedTime = 0

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		jobID, ok, err := w.st.ListPopBlocking(ctx, store.QueueFIFO, w.cfg.PollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := retry.NextBackOff()
			logger.Warn().Err(err).Dur("backoff", wait).Msg("store unavailable, backing off")
			select {
			case <-time.After(wait):
			case <-w.stopCh:
				return
			}
			continue
		}
		retry.Reset()
		if !ok {
			continue
		}

		done := w.executor.Process(ctx, jobID, w.runOnce)
		w.record.JobDone(ctx, done)
	}
}

// runOnce is the FIFO execution contract: a fresh connection per job, torn
// down no matter how execution ends.
func (w *FifoWorker) runOnce(ctx context.Context, job *types.Job) (map[string]string, error) {
	drv, err := driver.New(job.Driver, job.ConnArgs, job.DriverArgs)
	if err != nil {
		return nil, err
	}
	if err := drv.Connect(ctx); err != nil {
		return nil, err
	}
	defer drv.Disconnect()

	return driver.Execute(ctx, drv, job.Operation)
}

func (w *FifoWorker) heartbeatLoop(stop <-chan struct{}) {
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
