package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"

	"github.com/netpulse/netpulse/pkg/metrics"
	"github.com/netpulse/netpulse/pkg/store"
	"github.com/netpulse/netpulse/pkg/types"
)

// ensurePinnedWorker drives the spawn negotiation until a pinned worker
// owns host, with a bounded number of fresh-snapshot retries. Losing the
// bind race to another dispatcher is success: a worker exists either way.
func (d *Dispatcher) ensurePinnedWorker(ctx context.Context, host, fingerprint string) error {
	err := retry.Do(
		func() error { return d.spawnAttempt(ctx, host, fingerprint) },
		retry.Attempts(uint(d.cfg.SpawnRetries)),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			// Validation-class failures and a globally exhausted cluster do
			// not improve on retry.
			return !types.IsKind(err, types.ErrKindCapacityExhausted)
		}),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(100*time.Millisecond),
	)
	if err == nil {
		return nil
	}
	if types.IsKind(err, types.ErrKindCapacityExhausted) {
		// Cluster-wide exhaustion surfaces as worker unavailability.
		return types.Errorf(types.ErrKindWorkerUnavailable,
			"no pinned worker available for %s: %v", host, err)
	}
	return types.Errorf(types.ErrKindWorkerUnavailable,
		"could not secure pinned worker for %s after %d attempts: %v", host, d.cfg.SpawnRetries, err)
}

func (d *Dispatcher) spawnAttempt(ctx context.Context, host, fingerprint string) error {
	// Another dispatcher may have won while we were waiting to retry.
	if nodeID, bound, err := d.registry.GetBinding(ctx, host); err == nil && bound {
		if alive, err := d.registry.NodeAlive(ctx, nodeID); err == nil && alive {
			return nil
		}
	}

	snapshot, err := d.registry.Snapshot(ctx)
	if err != nil {
		return err
	}
	node, err := d.sched.Select(snapshot, host)
	if err != nil {
		return err // CapacityExhausted when every node is full
	}

	reply, err := d.requestSpawn(ctx, node.NodeID, host, fingerprint)
	if err != nil {
		return err
	}

	switch reply.Kind {
	case types.ReplySpawned:
		return nil
	case types.ReplyLostRace:
		// A worker exists on the winning node; the per-host queue reaches it.
		d.logger.Debug().Str("host", host).Str("winner", reply.NodeID).Msg("spawn race lost, reusing winner")
		return nil
	case types.ReplyCapacityExhausted:
		// This node filled up between snapshot and spawn; a fresh snapshot
		// may find room elsewhere.
		return fmt.Errorf("node %s at capacity", node.NodeID)
	default:
		return fmt.Errorf("spawn on %s failed: %s", node.NodeID, reply.Message)
	}
}

// requestSpawn publishes one SpawnPinned and waits for the supervisor's
// reply, bounded by the spawn timeout. The reply subscription is opened
// before publishing so the answer cannot slip past.
func (d *Dispatcher) requestSpawn(ctx context.Context, nodeID, host, fingerprint string) (*types.ControlReply, error) {
	requestID := uuid.New().String()

	sub, err := d.st.Subscribe(ctx, store.ChannelReply(requestID))
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	msg, err := json.Marshal(types.ControlMessage{
		Kind:        types.ControlSpawnPinned,
		RequestID:   requestID,
		Host:        host,
		Fingerprint: fingerprint,
	})
	if err != nil {
		return nil, err
	}
	if err := d.st.Publish(ctx, store.ChannelControl(nodeID), string(msg)); err != nil {
		return nil, err
	}

	timer := time.NewTimer(d.cfg.SpawnTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		metrics.SpawnsTotal.WithLabelValues("timeout").Inc()
		return nil, fmt.Errorf("no spawn reply from %s within %s", nodeID, d.cfg.SpawnTimeout)
	case m, ok := <-sub.Messages():
		if !ok {
			return nil, fmt.Errorf("reply subscription closed")
		}
		var reply types.ControlReply
		if err := json.Unmarshal([]byte(m.Payload), &reply); err != nil {
			return nil, fmt.Errorf("malformed spawn reply: %v", err)
		}
		return &reply, nil
	}
}
