package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/netpulse/netpulse/pkg/store"
	"github.com/netpulse/netpulse/pkg/types"
)

// Registry tracks live nodes, their pinned-worker counts, and host->node
// bindings in the shared store. Multiple controllers and supervisors mutate
// this state concurrently; every multi-step mutation goes through the
// store's atomic primitives.
type Registry struct {
	store   store.Store
	nodeTTL time.Duration
}

// NewRegistry creates a registry over the given store. nodeTTL is the
// heartbeat expiry after which a node is considered dead.
func NewRegistry(s store.Store, nodeTTL time.Duration) *Registry {
	return &Registry{store: s, nodeTTL: nodeTTL}
}

// NodeTTL returns the configured heartbeat expiry.
func (r *Registry) NodeTTL() time.Duration {
	return r.nodeTTL
}

// Heartbeat upserts the node record. The supervisor is authoritative for the
// pinned count, so the count hash is synced to the reported value.
func (r *Registry) Heartbeat(ctx context.Context, info *types.NodeInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal node info: %w", err)
	}
	if err := r.store.HSet(ctx, store.KeyNodeInfoMap, info.NodeID, string(data)); err != nil {
		return err
	}
	return r.store.HSet(ctx, store.KeyNodeCountMap, info.NodeID, strconv.Itoa(info.Count))
}

// GetNode returns a single node record, dead or alive.
func (r *Registry) GetNode(ctx context.Context, nodeID string) (*types.NodeInfo, bool, error) {
	data, ok, err := r.store.HGet(ctx, store.KeyNodeInfoMap, nodeID)
	if err != nil || !ok {
		return nil, false, err
	}
	var info types.NodeInfo
	if err := json.Unmarshal([]byte(data), &info); err != nil {
		return nil, false, fmt.Errorf("corrupt node record %s: %w", nodeID, err)
	}
	return &info, true, nil
}

// NodeAlive reports whether the node exists and heartbeated within TTL.
func (r *Registry) NodeAlive(ctx context.Context, nodeID string) (bool, error) {
	info, ok, err := r.GetNode(ctx, nodeID)
	if err != nil || !ok {
		return false, err
	}
	return info.Alive(time.Now(), r.nodeTTL), nil
}

// Snapshot returns the live nodes only, with counts taken from the count
// hash, sorted by hostname for stable iteration order.
func (r *Registry) Snapshot(ctx context.Context) ([]*types.NodeInfo, error) {
	records, err := r.store.HGetAll(ctx, store.KeyNodeInfoMap)
	if err != nil {
		return nil, err
	}
	counts, err := r.store.HGetAll(ctx, store.KeyNodeCountMap)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	nodes := make([]*types.NodeInfo, 0, len(records))
	for nodeID, data := range records {
		var info types.NodeInfo
		if err := json.Unmarshal([]byte(data), &info); err != nil {
			continue
		}
		if !info.Alive(now, r.nodeTTL) {
			continue
		}
		if c, ok := counts[nodeID]; ok {
			if n, err := strconv.Atoi(c); err == nil && n >= 0 {
				info.Count = n
			}
		}
		nodes = append(nodes, &info)
	}

	sort.Slice(nodes, func(i, j int) bool {
		return nodes[i].Hostname < nodes[j].Hostname
	})
	return nodes, nil
}

// Remove deletes a node record and its count entry.
func (r *Registry) Remove(ctx context.Context, nodeID string) error {
	if err := r.store.HDel(ctx, store.KeyNodeInfoMap, nodeID); err != nil {
		return err
	}
	return r.store.HDel(ctx, store.KeyNodeCountMap, nodeID)
}

// GetBinding returns the node currently owning the pinned worker for host.
func (r *Registry) GetBinding(ctx context.Context, host string) (string, bool, error) {
	return r.store.HGet(ctx, store.KeyHostToNodeMap, host)
}

// Bind atomically claims host for nodeID. On conflict it returns the id of
// the winning node; this compare-and-swap is what prevents two pinned
// workers for the same host.
func (r *Registry) Bind(ctx context.Context, host, nodeID string) (winner string, won bool, err error) {
	ok, err := r.store.HSetNX(ctx, store.KeyHostToNodeMap, host, nodeID)
	if err != nil {
		return "", false, err
	}
	if ok {
		return nodeID, true, nil
	}
	current, found, err := r.store.HGet(ctx, store.KeyHostToNodeMap, host)
	if err != nil {
		return "", false, err
	}
	if !found {
		// Binding vanished between the failed claim and the read; the
		// caller retries.
		return "", false, types.Errorf(types.ErrKindHostAlreadyPinned, "binding for %s contested", host)
	}
	return current, false, nil
}

// Unbind removes the binding only if it still points at expectedNodeID.
func (r *Registry) Unbind(ctx context.Context, host, expectedNodeID string) (bool, error) {
	return r.store.HDelIfEquals(ctx, store.KeyHostToNodeMap, host, expectedNodeID)
}

// Bindings returns the full host -> node map.
func (r *Registry) Bindings(ctx context.Context) (map[string]string, error) {
	return r.store.HGetAll(ctx, store.KeyHostToNodeMap)
}

// IncrementCount atomically adjusts a node's pinned count by delta. The
// result is floored at zero; the supervisor heartbeat reconciles drift.
func (r *Registry) IncrementCount(ctx context.Context, nodeID string, delta int) (int, error) {
	n, err := r.store.HIncrBy(ctx, store.KeyNodeCountMap, nodeID, int64(delta))
	if err != nil {
		return 0, err
	}
	if n < 0 {
		if err := r.store.HSet(ctx, store.KeyNodeCountMap, nodeID, "0"); err != nil {
			return 0, err
		}
		n = 0
	}
	return int(n), nil
}

// DecrementCount is IncrementCount with a negative delta.
func (r *Registry) DecrementCount(ctx context.Context, nodeID string) (int, error) {
	return r.IncrementCount(ctx, nodeID, -1)
}
