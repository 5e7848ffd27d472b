package scheduler

import "github.com/netpulse/netpulse/pkg/types"

func init() {
	Register("greedy", func() Scheduler { return &greedy{} })
}

// greedy picks the first node in snapshot order with free capacity. Given a
// stable snapshot the choice is deterministic.
type greedy struct{}

func (g *greedy) Name() string { return "greedy" }

func (g *greedy) Select(snapshot []*types.NodeInfo, _ string) (*types.NodeInfo, error) {
	for _, n := range snapshot {
		if n.Count < n.Capacity {
			return n, nil
		}
	}
	return nil, ErrCapacityExhausted
}

// BatchSelect fills one node completely before moving to the next.
func (g *greedy) BatchSelect(snapshot []*types.NodeInfo, hosts []string) ([]Assignment, error) {
	view := newBatchView(snapshot)

	var out []Assignment
	idx := 0
	for _, host := range hosts {
		for idx < len(view) && view[idx].residual == 0 {
			idx++
		}
		if idx >= len(view) {
			break
		}
		view[idx].take()
		out = append(out, Assignment{Host: host, Node: view[idx].node})
	}
	return out, nil
}
