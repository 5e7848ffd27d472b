package cluster

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/netpulse/netpulse/pkg/log"
	"github.com/netpulse/netpulse/pkg/store"
)

// Reaper opportunistically clears state left behind by dead nodes: their
// node records and any host bindings still pointing at them. Any controller
// may run one; a store lease ensures a single reaper sweeps at a time.
type Reaper struct {
	registry *Registry
	store    store.Store
	ownerID  string
	interval time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
}

// NewReaper creates a reaper owned by the controller identified by ownerID.
func NewReaper(reg *Registry, s store.Store, ownerID string) *Reaper {
	return &Reaper{
		registry: reg,
		store:    s,
		ownerID:  ownerID,
		interval: reg.NodeTTL(),
		logger:   log.WithComponent("reaper"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the reap loop.
func (r *Reaper) Start() {
	go r.run()
}

// Stop stops the reap loop.
func (r *Reaper) Stop() {
	close(r.stopCh)
}

func (r *Reaper) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.interval)
			if err := r.Sweep(ctx); err != nil {
				r.logger.Error().Err(err).Msg("Reap cycle failed")
			}
			cancel()
		case <-r.stopCh:
			return
		}
	}
}

// Sweep performs one reap cycle under the cluster-wide lease. Losing the
// lease is not an error; another controller is sweeping.
func (r *Reaper) Sweep(ctx context.Context) error {
	won, err := r.store.SetNX(ctx, store.KeyReaperLease, r.ownerID, r.interval)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}

	dead, err := r.deadNodes(ctx)
	if err != nil {
		return err
	}
	if len(dead) == 0 {
		return nil
	}

	bindings, err := r.registry.Bindings(ctx)
	if err != nil {
		return err
	}

	for _, nodeID := range dead {
		for host, owner := range bindings {
			if owner != nodeID {
				continue
			}
			removed, err := r.registry.Unbind(ctx, host, nodeID)
			if err != nil {
				r.logger.Error().Err(err).Str("host", host).Msg("Failed to clear stale binding")
				continue
			}
			if removed {
				r.logger.Info().
					Str("host", host).
					Str("node_id", nodeID).
					Msg("Cleared binding to dead node")
			}
		}
		if err := r.registry.Remove(ctx, nodeID); err != nil {
			r.logger.Error().Err(err).Str("node_id", nodeID).Msg("Failed to remove dead node record")
			continue
		}
		r.logger.Info().Str("node_id", nodeID).Msg("Removed dead node")
	}
	return nil
}

// deadNodes lists node ids whose heartbeat is past TTL.
func (r *Reaper) deadNodes(ctx context.Context) ([]string, error) {
	records, err := r.store.HGetAll(ctx, store.KeyNodeInfoMap)
	if err != nil {
		return nil, err
	}

	live, err := r.registry.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	alive := make(map[string]bool, len(live))
	for _, n := range live {
		alive[n.NodeID] = true
	}

	var dead []string
	for nodeID := range records {
		if !alive[nodeID] {
			dead = append(dead, nodeID)
		}
	}
	return dead, nil
}
