package cluster

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netpulse/netpulse/pkg/store"
	"github.com/netpulse/netpulse/pkg/types"
)

func newTestRegistry(t *testing.T) (*Registry, store.Store) {
	t.Helper()
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	return NewRegistry(s, 60*time.Second), s
}

func node(id, hostname string, capacity, count int, heartbeat time.Time) *types.NodeInfo {
	return &types.NodeInfo{
		NodeID:        id,
		Hostname:      hostname,
		Capacity:      capacity,
		Count:         count,
		LastHeartbeat: heartbeat,
	}
}

func TestHeartbeatAndSnapshot(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)
	now := time.Now()

	require.NoError(t, reg.Heartbeat(ctx, node("node-a", "wk-a", 4, 1, now)))
	require.NoError(t, reg.Heartbeat(ctx, node("node-b", "wk-b", 4, 0, now)))

	snap, err := reg.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap, 2)

	// Sorted by hostname for stable order.
	assert.Equal(t, "node-a", snap[0].NodeID)
	assert.Equal(t, 1, snap[0].Count)
	assert.Equal(t, "node-b", snap[1].NodeID)
}

func TestSnapshotExcludesDeadNodes(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)
	now := time.Now()

	require.NoError(t, reg.Heartbeat(ctx, node("live", "wk-a", 4, 0, now)))
	require.NoError(t, reg.Heartbeat(ctx, node("dead", "wk-b", 4, 0, now.Add(-5*time.Minute))))

	snap, err := reg.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.Equal(t, "live", snap[0].NodeID)

	alive, err := reg.NodeAlive(ctx, "dead")
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestSnapshotPrefersCountHash(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	require.NoError(t, reg.Heartbeat(ctx, node("node-a", "wk-a", 4, 1, time.Now())))
	_, err := reg.IncrementCount(ctx, "node-a", 2)
	require.NoError(t, err)

	snap, err := reg.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.Equal(t, 3, snap[0].Count, "count hash overrides heartbeat snapshot value")
}

func TestBindIsCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	winner, won, err := reg.Bind(ctx, "10.0.0.1", "node-a")
	require.NoError(t, err)
	assert.True(t, won)
	assert.Equal(t, "node-a", winner)

	winner, won, err = reg.Bind(ctx, "10.0.0.1", "node-b")
	require.NoError(t, err)
	assert.False(t, won)
	assert.Equal(t, "node-a", winner, "loser learns the winning node")

	bound, ok, err := reg.GetBinding(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "node-a", bound)
}

func TestBindConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	const n = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, won, err := reg.Bind(ctx, "10.9.9.9", "node-"+string(rune('a'+i%26)))
			if err == nil && won {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, winners, "exactly one concurrent bind may win")
}

func TestUnbindRequiresOwner(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	_, _, err := reg.Bind(ctx, "10.0.0.1", "node-a")
	require.NoError(t, err)

	removed, err := reg.Unbind(ctx, "10.0.0.1", "node-b")
	require.NoError(t, err)
	assert.False(t, removed, "non-owner cannot unbind")

	removed, err = reg.Unbind(ctx, "10.0.0.1", "node-a")
	require.NoError(t, err)
	assert.True(t, removed)
}

func TestCountFloorsAtZero(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)

	n, err := reg.DecrementCount(ctx, "node-a")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = reg.IncrementCount(ctx, "node-a", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestReaperClearsDeadNodeState(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	defer s.Close()
	reg := NewRegistry(s, 10*time.Second)

	now := time.Now()
	require.NoError(t, reg.Heartbeat(ctx, node("live", "wk-a", 4, 0, now)))
	require.NoError(t, reg.Heartbeat(ctx, node("dead", "wk-b", 4, 1, now.Add(-time.Minute))))

	_, _, err := reg.Bind(ctx, "10.0.0.1", "dead")
	require.NoError(t, err)
	_, _, err = reg.Bind(ctx, "10.0.0.2", "live")
	require.NoError(t, err)

	reaper := NewReaper(reg, s, "ctrl-1")
	require.NoError(t, reaper.Sweep(ctx))

	_, ok, err := reg.GetBinding(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, ok, "binding to dead node cleared")

	bound, ok, err := reg.GetBinding(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "live", bound, "binding to live node preserved")

	_, found, err := reg.GetNode(ctx, "dead")
	require.NoError(t, err)
	assert.False(t, found, "dead node record removed")
}

func TestReaperLeaseExcludesSecondSweep(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	defer s.Close()
	reg := NewRegistry(s, 10*time.Second)

	require.NoError(t, reg.Heartbeat(ctx, node("dead", "wk-b", 4, 0, time.Now().Add(-time.Minute))))

	first := NewReaper(reg, s, "ctrl-1")
	require.NoError(t, first.Sweep(ctx))

	// Re-create the dead node; the second reaper holds no lease, so the
	// record must survive its sweep.
	require.NoError(t, reg.Heartbeat(ctx, node("dead", "wk-b", 4, 0, time.Now().Add(-time.Minute))))
	second := NewReaper(reg, s, "ctrl-2")
	require.NoError(t, second.Sweep(ctx))

	_, found, err := reg.GetNode(ctx, "dead")
	require.NoError(t, err)
	assert.True(t, found, "lease held by first reaper blocks second sweep")
}
