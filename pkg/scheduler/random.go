package scheduler

import (
	"hash/fnv"
	"math"
	"math/rand"

	"github.com/netpulse/netpulse/pkg/types"
)

func init() {
	Register("least_load_random", func() Scheduler { return &leastLoadRandom{} })
	Register("load_weighted_random", func() Scheduler { return &loadWeightedRandom{} })
}

// leastLoadRandom narrows the snapshot to the least-loaded nodes, then to
// those with the most free capacity, and picks uniformly among the
// survivors. The random step spreads concurrent placements that would all
// land on the same node under least_load.
type leastLoadRandom struct{}

func (l *leastLoadRandom) Name() string { return "least_load_random" }

func (l *leastLoadRandom) Select(snapshot []*types.NodeInfo, _ string) (*types.NodeInfo, error) {
	candidates := available(snapshot)
	if len(candidates) == 0 {
		return nil, ErrCapacityExhausted
	}

	minCount := candidates[0].Count
	for _, n := range candidates[1:] {
		if n.Count < minCount {
			minCount = n.Count
		}
	}
	var tier []*types.NodeInfo
	for _, n := range candidates {
		if n.Count == minCount {
			tier = append(tier, n)
		}
	}

	maxFree := tier[0].Available()
	for _, n := range tier[1:] {
		if n.Available() > maxFree {
			maxFree = n.Available()
		}
	}
	var finalists []*types.NodeInfo
	for _, n := range tier {
		if n.Available() == maxFree {
			finalists = append(finalists, n)
		}
	}

	return finalists[rand.Intn(len(finalists))], nil
}

// BatchSelect reuses the randomized weighted batch allocation shared with
// load_weighted_random; the per-host tiering above does not compose across
// a mutating residual view.
func (l *leastLoadRandom) BatchSelect(snapshot []*types.NodeInfo, hosts []string) ([]Assignment, error) {
	return weightedBatch(snapshot, hosts)
}

// loadWeightedRandom weights every node by its free capacity, perturbed by
// a small deterministic jitter derived from the device host, and draws one
// node per call. Emptier nodes attract proportionally more placements while
// full-but-not-exhausted nodes still receive some.
type loadWeightedRandom struct{}

func (l *loadWeightedRandom) Name() string { return "load_weighted_random" }

func (l *loadWeightedRandom) Select(snapshot []*types.NodeInfo, host string) (*types.NodeInfo, error) {
	candidates := available(snapshot)
	if len(candidates) == 0 {
		return nil, ErrCapacityExhausted
	}

	weights := make([]float64, len(candidates))
	for i, n := range candidates {
		weights[i] = float64(n.Available()) * hostJitter(host, i, len(candidates))
	}
	return candidates[weightedPick(weights)], nil
}

func (l *loadWeightedRandom) BatchSelect(snapshot []*types.NodeInfo, hosts []string) ([]Assignment, error) {
	return weightedBatch(snapshot, hosts)
}

// hostJitter maps (host, candidate index) onto [0.95, 1.05). The same host
// always perturbs the same candidate the same way, so repeated placements
// of one device do not thrash across equally loaded nodes.
func hostJitter(host string, i, n int) float64 {
	h := fnv.New32a()
	h.Write([]byte(host))
	base := float64(h.Sum32()%1000) / 1000
	return 0.95 + 0.1*math.Mod(base+float64(i)/float64(n), 1)
}

// weightedBatch allocates hosts against a residual view, weighting each
// node by (residual+1)^2 with a +/-5% noise term. Squaring biases the draw
// toward emptier nodes; the +1 keeps nodes with one slot left in play.
func weightedBatch(snapshot []*types.NodeInfo, hosts []string) ([]Assignment, error) {
	view := newBatchView(snapshot)

	var out []Assignment
	for _, host := range hosts {
		var open []*nodeState
		for _, s := range view {
			if s.residual > 0 {
				open = append(open, s)
			}
		}
		if len(open) == 0 {
			break
		}

		weights := make([]float64, len(open))
		for i, s := range open {
			w := float64(s.residual + 1)
			weights[i] = w * w * (0.95 + 0.1*rand.Float64())
		}
		picked := open[weightedPick(weights)]
		picked.take()
		out = append(out, Assignment{Host: host, Node: picked.node})
	}
	return out, nil
}

// weightedPick draws an index proportionally to weights. Weights are
// strictly positive by construction.
func weightedPick(weights []float64) int {
	total := 0.0
	for _, w := range weights {
		total += w
	}
	r := rand.Float64() * total
	for i, w := range weights {
		r -= w
		if r < 0 {
			return i
		}
	}
	return len(weights) - 1
}
