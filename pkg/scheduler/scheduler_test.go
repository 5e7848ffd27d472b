package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netpulse/netpulse/pkg/types"
)

func snap(nodes ...*types.NodeInfo) []*types.NodeInfo { return nodes }

func n(id, hostname string, capacity, count int) *types.NodeInfo {
	return &types.NodeInfo{
		NodeID:        id,
		Hostname:      hostname,
		Capacity:      capacity,
		Count:         count,
		LastHeartbeat: time.Now(),
	}
}

func TestRegistryKnowsAllSchedulers(t *testing.T) {
	assert.Equal(t, []string{"greedy", "least_load", "least_load_random", "load_weighted_random"}, Names())

	s, err := New("")
	require.NoError(t, err)
	assert.Equal(t, DefaultName, s.Name())

	_, err = New("round_robin")
	assert.Error(t, err)
}

func TestSelectCapacityExhausted(t *testing.T) {
	full := snap(n("a", "wk-a", 2, 2), n("b", "wk-b", 1, 1))
	for _, name := range Names() {
		s, err := New(name)
		require.NoError(t, err)

		_, err = s.Select(full, "10.0.0.1")
		require.Error(t, err, name)
		assert.True(t, types.IsKind(err, types.ErrKindCapacityExhausted), name)

		_, err = s.Select(nil, "10.0.0.1")
		require.Error(t, err, name)
	}
}

func TestGreedySelectIsFirstFit(t *testing.T) {
	s, err := New("greedy")
	require.NoError(t, err)

	snapshot := snap(n("a", "wk-a", 2, 2), n("b", "wk-b", 4, 3), n("c", "wk-c", 4, 0))
	for i := 0; i < 10; i++ {
		picked, err := s.Select(snapshot, "10.0.0.1")
		require.NoError(t, err)
		assert.Equal(t, "b", picked.NodeID, "first node with a free slot, every time")
	}
}

func TestGreedyBatchFillsNodesInOrder(t *testing.T) {
	s, err := New("greedy")
	require.NoError(t, err)

	snapshot := snap(n("a", "wk-a", 4, 2), n("b", "wk-b", 4, 0))
	hosts := []string{"h1", "h2", "h3", "h4"}
	out, err := s.BatchSelect(snapshot, hosts)
	require.NoError(t, err)
	require.Len(t, out, 4)

	assert.Equal(t, "a", out[0].Node.NodeID)
	assert.Equal(t, "a", out[1].Node.NodeID)
	assert.Equal(t, "b", out[2].Node.NodeID, "moves on once the first node is full")
	assert.Equal(t, "b", out[3].Node.NodeID)

	assert.Equal(t, 2, snapshot[0].Count, "snapshot itself is never mutated")
}

func TestLeastLoadTieBreaks(t *testing.T) {
	s, err := New("least_load")
	require.NoError(t, err)

	tests := []struct {
		name     string
		snapshot []*types.NodeInfo
		want     string
	}{
		{
			name:     "fewest workers wins",
			snapshot: snap(n("a", "wk-a", 4, 3), n("b", "wk-b", 4, 1)),
			want:     "b",
		},
		{
			name:     "equal count, larger free capacity wins",
			snapshot: snap(n("a", "wk-a", 4, 1), n("b", "wk-b", 8, 1)),
			want:     "b",
		},
		{
			name:     "full tie falls back to hostname order",
			snapshot: snap(n("b", "wk-b", 4, 1), n("a", "wk-a", 4, 1)),
			want:     "a",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 5; i++ {
				picked, err := s.Select(tt.snapshot, "10.0.0.1")
				require.NoError(t, err)
				assert.Equal(t, tt.want, picked.NodeID)
			}
		})
	}
}

func TestLeastLoadBatchSpreadsEvenly(t *testing.T) {
	s, err := New("least_load")
	require.NoError(t, err)

	snapshot := snap(n("a", "wk-a", 4, 0), n("b", "wk-b", 4, 0))
	out, err := s.BatchSelect(snapshot, []string{"h1", "h2", "h3", "h4"})
	require.NoError(t, err)
	require.Len(t, out, 4)

	byNode := map[string]int{}
	for _, a := range out {
		byNode[a.Node.NodeID]++
	}
	assert.Equal(t, 2, byNode["a"])
	assert.Equal(t, 2, byNode["b"])
}

func TestBatchStopsAtAggregateCapacity(t *testing.T) {
	snapshot := snap(n("a", "wk-a", 2, 1), n("b", "wk-b", 2, 1))
	hosts := []string{"h1", "h2", "h3", "h4"}

	for _, name := range Names() {
		s, err := New(name)
		require.NoError(t, err)

		out, err := s.BatchSelect(snapshot, hosts)
		require.NoError(t, err, name)
		assert.Len(t, out, 2, "%s places only as many hosts as there are free slots", name)

		placed := map[string]int{}
		for _, a := range out {
			placed[a.Node.NodeID]++
		}
		for id, c := range placed {
			assert.LessOrEqual(t, c, 1, "%s must not over-commit node %s within the batch", name, id)
		}
	}
}

func TestLeastLoadRandomRespectsTiers(t *testing.T) {
	s, err := New("least_load_random")
	require.NoError(t, err)

	// Node c carries more workers; only a and b are in the least-loaded tier.
	snapshot := snap(n("a", "wk-a", 4, 1), n("b", "wk-b", 4, 1), n("c", "wk-c", 4, 3))
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		picked, err := s.Select(snapshot, "10.0.0.1")
		require.NoError(t, err)
		assert.NotEqual(t, "c", picked.NodeID)
		seen[picked.NodeID] = true
	}
	assert.True(t, seen["a"] && seen["b"], "uniform draw reaches both tied nodes")
}

func TestLeastLoadRandomPrefersFreeCapacityOnTie(t *testing.T) {
	s, err := New("least_load_random")
	require.NoError(t, err)

	snapshot := snap(n("a", "wk-a", 4, 1), n("b", "wk-b", 16, 1))
	for i := 0; i < 50; i++ {
		picked, err := s.Select(snapshot, "10.0.0.1")
		require.NoError(t, err)
		assert.Equal(t, "b", picked.NodeID, "most free capacity is the sole finalist")
	}
}

func TestLoadWeightedRandomNeverPicksFullNode(t *testing.T) {
	s, err := New("load_weighted_random")
	require.NoError(t, err)

	snapshot := snap(n("a", "wk-a", 2, 2), n("b", "wk-b", 4, 1), n("c", "wk-c", 4, 3))
	for i := 0; i < 200; i++ {
		picked, err := s.Select(snapshot, "10.0.0.1")
		require.NoError(t, err)
		assert.NotEqual(t, "a", picked.NodeID)
	}
}

func TestLoadWeightedRandomBiasesTowardEmptierNodes(t *testing.T) {
	s, err := New("load_weighted_random")
	require.NoError(t, err)

	// 7 free slots vs 1: the emptier node should dominate over many draws.
	snapshot := snap(n("a", "wk-a", 8, 1), n("b", "wk-b", 8, 7))
	counts := map[string]int{}
	for i := 0; i < 1000; i++ {
		picked, err := s.Select(snapshot, "10.0.0.1")
		require.NoError(t, err)
		counts[picked.NodeID]++
	}
	assert.Greater(t, counts["a"], counts["b"]*2)
	assert.Greater(t, counts["b"], 0, "the busy node still receives some placements")
}

func TestHostJitterIsStablePerHost(t *testing.T) {
	a := hostJitter("10.0.0.1", 0, 3)
	b := hostJitter("10.0.0.1", 0, 3)
	assert.Equal(t, a, b)
	assert.GreaterOrEqual(t, a, 0.95)
	assert.Less(t, a, 1.05)
}

func TestWeightedBatchHonorsResidualView(t *testing.T) {
	snapshot := snap(n("a", "wk-a", 3, 0), n("b", "wk-b", 3, 0))
	hosts := make([]string, 6)
	for i := range hosts {
		hosts[i] = string(rune('a' + i))
	}

	out, err := weightedBatch(snapshot, hosts)
	require.NoError(t, err)
	require.Len(t, out, 6)

	byNode := map[string]int{}
	for _, a := range out {
		byNode[a.Node.NodeID]++
	}
	assert.Equal(t, 3, byNode["a"])
	assert.Equal(t, 3, byNode["b"])
}
