package scheduler

import (
	"fmt"
	"sort"
	"sync"

	"github.com/netpulse/netpulse/pkg/types"
)

// DefaultName is the scheduler used when configuration names none.
const DefaultName = "load_weighted_random"

// ErrCapacityExhausted is returned when no node in the snapshot has a free
// pinned-worker slot.
var ErrCapacityExhausted = types.NewError(types.ErrKindCapacityExhausted, "no node has free pinned capacity")

// Assignment pairs a host with the node selected for it in a batch.
type Assignment struct {
	Host string
	Node *types.NodeInfo
}

// Scheduler selects a node for a device host given a cluster snapshot.
// Implementations are pure: they never mutate the snapshot and hold no
// state between calls.
type Scheduler interface {
	Name() string

	// Select picks a node for one host. Returns ErrCapacityExhausted when
	// every node is full.
	Select(snapshot []*types.NodeInfo, host string) (*types.NodeInfo, error)

	// BatchSelect allocates many hosts against a residual-capacity view of
	// the snapshot. Hosts that cannot be placed are absent from the result.
	BatchSelect(snapshot []*types.NodeInfo, hosts []string) ([]Assignment, error)
}

// Factory constructs a scheduler instance.
type Factory func() Scheduler

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds a scheduler factory under name. Called from init functions
// at process start; the registry is read-only afterwards.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// New constructs the named scheduler. An unknown name is an error; callers
// treat it as fatal at boot.
func New(name string) (Scheduler, error) {
	if name == "" {
		name = DefaultName
	}
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown scheduler %q (registered: %v)", name, Names())
	}
	return factory(), nil
}

// Names lists the registered scheduler names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// available filters the snapshot to nodes with free capacity.
func available(snapshot []*types.NodeInfo) []*types.NodeInfo {
	var out []*types.NodeInfo
	for _, n := range snapshot {
		if n.Count < n.Capacity {
			out = append(out, n)
		}
	}
	return out
}

// nodeState is the mutable residual-capacity view used by batch selection.
type nodeState struct {
	node     *types.NodeInfo
	used     int // count plus batch-local assignments
	residual int
}

func newBatchView(snapshot []*types.NodeInfo) []*nodeState {
	view := make([]*nodeState, 0, len(snapshot))
	for _, n := range snapshot {
		view = append(view, &nodeState{
			node:     n,
			used:     n.Count,
			residual: n.Available(),
		})
	}
	return view
}

func (s *nodeState) take() {
	s.used++
	s.residual--
}
