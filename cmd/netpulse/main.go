package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/netpulse/netpulse/pkg/config"
	"github.com/netpulse/netpulse/pkg/events"
	"github.com/netpulse/netpulse/pkg/log"
	"github.com/netpulse/netpulse/pkg/store"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "netpulse",
	Short: "NetPulse - distributed network device job execution",
	Long: `NetPulse dispatches operations to network devices across a fleet of
worker nodes. Devices with persistent management sessions get a dedicated
pinned worker that keeps one connection open; everything else flows through
a shared FIFO pool.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"NetPulse version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(fifoWorkerCmd)
	rootCmd.AddCommand(pinnedWorkerCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(nodesCmd)
}

// loadConfig reads the config file and initializes logging for a daemon
// process.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	return cfg, nil
}

// connectStore dials the shared store with the configured address.
func connectStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	st, err := store.NewRedisStore(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("connect to store at %s: %w", cfg.Store.Addr(), err)
	}
	return st, nil
}

// logEvents drains broker events into the daemon log.
func logEvents(ctx context.Context, broker *events.Broker) {
	sub := broker.Subscribe()
	logger := log.WithComponent("events")
	go func() {
		defer broker.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-sub:
				if !ok {
					return
				}
				logger.Info().
					Str("type", string(evt.Type)).
					Fields(map[string]interface{}{"meta": evt.Metadata}).
					Msg(evt.Message)
			}
		}
	}()
}
