package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/netpulse/netpulse/pkg/cluster"
	"github.com/netpulse/netpulse/pkg/events"
	"github.com/netpulse/netpulse/pkg/log"
	"github.com/netpulse/netpulse/pkg/supervisor"
	"github.com/netpulse/netpulse/pkg/webhook"
	"github.com/netpulse/netpulse/pkg/worker"
)

var nodeIDFlag string

func init() {
	nodeCmd.Flags().StringVar(&nodeIDFlag, "node-id", "", "stable node id (default: generated)")

	pinnedWorkerCmd.Flags().String("host", "", "device host this worker is pinned to")
	pinnedWorkerCmd.Flags().String("node-id", "", "id of the owning node supervisor")
	pinnedWorkerCmd.MarkFlagRequired("host")
	pinnedWorkerCmd.MarkFlagRequired("node-id")
}

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Run a node supervisor",
	Long: `Run the per-machine supervisor that owns pinned worker processes.
The supervisor heartbeats its capacity into the store, answers spawn
requests from dispatchers, and reaps workers as they exit.`,
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

		hostname, err := os.Hostname()
		if err != nil {
			return err
		}
		nodeID := nodeIDFlag
		if nodeID == "" {
			nodeID = fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])
		}

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()
		logEvents(ctx, broker)

		registry := cluster.NewRegistry(st, cfg.Worker.TTL)
		sup := supervisor.New(supervisor.Config{
			NodeID:            nodeID,
			Hostname:          hostname,
			Capacity:          cfg.Worker.PinnedPerNode,
			HeartbeatInterval: cfg.HeartbeatInterval(),
			DrainTimeout:      cfg.Worker.DrainTimeout,
			LockDir:           cfg.Worker.LockDir,
		}, st, registry, &supervisor.ExecLauncher{
			ConfigPath: configPath,
			NodeID:     nodeID,
		}, broker)

		logger := log.WithNodeID(nodeID)
		logger.Info().
			Int("capacity", cfg.Worker.PinnedPerNode).
			Msg("starting node supervisor")
		return sup.Run(ctx)
	},
}

var fifoWorkerCmd = &cobra.Command{
	Use:   "fifo-worker",
	Short: "Run the shared-queue worker",
	Long: `Run the per-machine FIFO worker: a pool of consumers that take
jobs off the shared queue, connect, execute, and disconnect. One instance
runs per machine.`,
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

		hostname, err := os.Hostname()
		if err != nil {
			return err
		}

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()
		logEvents(ctx, broker)

		w, err := worker.NewFifoWorker(worker.FifoConfig{
			NodeID:       hostname,
			Concurrency:  cfg.Worker.FIFOConcurrency,
			WorkerTTL:    cfg.Worker.TTL,
			PollInterval: cfg.Worker.PollInterval,
			LockDir:      cfg.Worker.LockDir,
		}, st, broker, webhook.NewCaller())
		if err != nil {
			return err
		}
		return w.Run(ctx)
	},
}

// pinnedWorkerCmd is forked by the node supervisor, one process per bound
// device host. It is not meant to be started by hand.
var pinnedWorkerCmd = &cobra.Command{
	Use:    "pinned-worker",
	Hidden: true,
	Short:  "Run a pinned worker for one device host",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		host, _ := cmd.Flags().GetString("host")
		nodeID, _ := cmd.Flags().GetString("node-id")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		st, err := connectStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		broker := events.NewBroker()
		broker.Start()
		defer broker.Stop()

		registry := cluster.NewRegistry(st, cfg.Worker.TTL)
		w := worker.NewPinnedWorker(worker.PinnedConfig{
			Host:         host,
			NodeID:       nodeID,
			WorkerTTL:    cfg.Worker.TTL,
			PollInterval: cfg.Worker.PollInterval,
		}, st, registry, broker, webhook.NewCaller())
		return w.Run(ctx)
	},
}
