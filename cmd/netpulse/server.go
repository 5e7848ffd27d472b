package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/netpulse/netpulse/pkg/api"
	"github.com/netpulse/netpulse/pkg/cluster"
	"github.com/netpulse/netpulse/pkg/dispatcher"
	"github.com/netpulse/netpulse/pkg/events"
	"github.com/netpulse/netpulse/pkg/health"
	"github.com/netpulse/netpulse/pkg/log"
	"github.com/netpulse/netpulse/pkg/scheduler"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the API server and dispatcher",
	Long: `Run the control-plane entry point: the REST API backed by the
dispatcher, plus the reaper that clears state left behind by dead nodes.
Multiple servers may run against the same store.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		st, err := connectStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		registry := cluster.NewRegistry(st, cfg.Worker.TTL)

		sched, err := scheduler.New(cfg.Worker.Scheduler)
		if err != nil {
			return err
		}

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()
		logEvents(ctx, broker)

		disp := dispatcher.New(dispatcher.Config{
			SpawnTimeout: cfg.Worker.SpawnTimeout,
			SpawnRetries: cfg.Worker.SpawnRetries,
			JobTTL:       cfg.Job.TTL,
			JobTimeout:   cfg.Job.Timeout,
			ResultTTL:    cfg.Job.ResultTTL,
		}, st, registry, sched, broker)

		reaper := cluster.NewReaper(registry, st, "server-"+uuid.New().String())
		reaper.Start()
		defer reaper.Stop()

		checks := health.NewRegistry()
		checks.Add("store", health.NewStoreChecker(st))

		logger := log.WithComponent("server")
		logger.Info().
			Str("addr", cfg.Server.Addr).
			Str("scheduler", cfg.Worker.Scheduler).
			Msg("starting API server")
		return api.NewServer(cfg.Server, disp, checks).Run(ctx)
	},
}
