package scheduler

import "github.com/netpulse/netpulse/pkg/types"

func init() {
	Register("least_load", func() Scheduler { return &leastLoad{} })
}

// leastLoad picks the node with the fewest pinned workers. Ties are broken
// by the largest free capacity, then lexicographic hostname, making the
// choice fully deterministic.
type leastLoad struct{}

func (l *leastLoad) Name() string { return "least_load" }

func (l *leastLoad) Select(snapshot []*types.NodeInfo, _ string) (*types.NodeInfo, error) {
	candidates := available(snapshot)
	if len(candidates) == 0 {
		return nil, ErrCapacityExhausted
	}

	best := candidates[0]
	for _, n := range candidates[1:] {
		if betterLeastLoad(n, best) {
			best = n
		}
	}
	return best, nil
}

// betterLeastLoad reports whether a should be preferred over b.
func betterLeastLoad(a, b *types.NodeInfo) bool {
	if a.Count != b.Count {
		return a.Count < b.Count
	}
	if a.Available() != b.Available() {
		return a.Available() > b.Available()
	}
	return a.Hostname < b.Hostname
}

// BatchSelect allocates hosts one at a time, always onto the currently
// least-loaded node of the residual view.
func (l *leastLoad) BatchSelect(snapshot []*types.NodeInfo, hosts []string) ([]Assignment, error) {
	view := newBatchView(snapshot)

	var out []Assignment
	for _, host := range hosts {
		var best *nodeState
		for _, s := range view {
			if s.residual == 0 {
				continue
			}
			if best == nil || betterBatchLeastLoad(s, best) {
				best = s
			}
		}
		if best == nil {
			break
		}
		best.take()
		out = append(out, Assignment{Host: host, Node: best.node})
	}
	return out, nil
}

func betterBatchLeastLoad(a, b *nodeState) bool {
	if a.used != b.used {
		return a.used < b.used
	}
	if a.residual != b.residual {
		return a.residual > b.residual
	}
	return a.node.Hostname < b.node.Hostname
}
