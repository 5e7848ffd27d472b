package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netpulse/netpulse/pkg/cluster"
	"github.com/netpulse/netpulse/pkg/store"
	"github.com/netpulse/netpulse/pkg/types"
)

// fakeChild exits when signalled; it never cleans up after itself, so the
// supervisor's reaper has to.
type fakeChild struct {
	pid    int
	once   sync.Once
	exitCh chan struct{}
}

func newFakeChild(pid int) *fakeChild {
	return &fakeChild{pid: pid, exitCh: make(chan struct{})}
}

func (c *fakeChild) PID() int { return c.pid }

func (c *fakeChild) Wait() error {
	<-c.exitCh
	return nil
}

func (c *fakeChild) Signal(os.Signal) error {
	c.once.Do(func() { close(c.exitCh) })
	return nil
}

type fakeLauncher struct {
	mu       sync.Mutex
	nextPID  int
	children map[string]*fakeChild
	failNext bool
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{nextPID: 1000, children: make(map[string]*fakeChild)}
}

func (l *fakeLauncher) Launch(host string) (Child, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failNext {
		l.failNext = false
		return nil, fmt.Errorf("fork failed")
	}
	l.nextPID++
	child := newFakeChild(l.nextPID)
	l.children[host] = child
	return child, nil
}

type fixture struct {
	sup      *Supervisor
	st       *store.MemoryStore
	reg      *cluster.Registry
	launcher *fakeLauncher
	cancel   context.CancelFunc
	done     chan error
}

func startSupervisor(t *testing.T, capacity int) *fixture {
	t.Helper()
	m := store.NewMemoryStore()
	reg := cluster.NewRegistry(m, time.Minute)
	launcher := newFakeLauncher()

	sup := New(Config{
		NodeID:            "node-a",
		Hostname:          "wk-a",
		Capacity:          capacity,
		HeartbeatInterval: 50 * time.Millisecond,
		ReconcileInterval: time.Hour, // reconcile invoked directly in tests
		DrainTimeout:      2 * time.Second,
		LockDir:           t.TempDir(),
	}, m, reg, launcher, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool { return sup.State() == StateRunning },
		2*time.Second, 10*time.Millisecond)

	f := &fixture{sup: sup, st: m, reg: reg, launcher: launcher, cancel: cancel, done: done}
	t.Cleanup(func() {
		cancel()
		// The drain test consumes done itself; skip the wait if the
		// supervisor already stopped.
		if sup.State() != StateStopped {
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				t.Error("supervisor did not stop")
			}
		}
		m.Close()
	})
	return f
}

// sendControl publishes a control message and waits for the reply.
func (f *fixture) sendControl(t *testing.T, msg types.ControlMessage) types.ControlReply {
	t.Helper()
	ctx := context.Background()

	sub, err := f.st.Subscribe(ctx, store.ChannelReply(msg.RequestID))
	require.NoError(t, err)
	defer sub.Close()

	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, f.st.Publish(ctx, store.ChannelControl("node-a"), string(raw)))

	select {
	case m := <-sub.Messages():
		var reply types.ControlReply
		require.NoError(t, json.Unmarshal([]byte(m.Payload), &reply))
		return reply
	case <-time.After(3 * time.Second):
		t.Fatal("no control reply")
		return types.ControlReply{}
	}
}

func TestSpawnPinnedHappyPath(t *testing.T) {
	f := startSupervisor(t, 4)
	ctx := context.Background()

	reply := f.sendControl(t, types.ControlMessage{
		Kind:      types.ControlSpawnPinned,
		RequestID: "req-1",
		Host:      "10.0.0.1",
	})
	assert.Equal(t, types.ReplySpawned, reply.Kind)
	assert.Equal(t, "node-a", reply.NodeID)
	assert.Contains(t, reply.WorkerName, "pinned-10.0.0.1-")

	owner, bound, err := f.reg.GetBinding(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, bound)
	assert.Equal(t, "node-a", owner)
	assert.Equal(t, 1, f.sup.ChildCount())

	snap, err := f.reg.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.Equal(t, 1, snap[0].Count)
}

func TestSpawnAtCapacityRefused(t *testing.T) {
	f := startSupervisor(t, 1)

	first := f.sendControl(t, types.ControlMessage{
		Kind: types.ControlSpawnPinned, RequestID: "req-1", Host: "10.0.0.1",
	})
	require.Equal(t, types.ReplySpawned, first.Kind)

	second := f.sendControl(t, types.ControlMessage{
		Kind: types.ControlSpawnPinned, RequestID: "req-2", Host: "10.0.0.2",
	})
	assert.Equal(t, types.ReplyCapacityExhausted, second.Kind)
	assert.Equal(t, 1, f.sup.ChildCount())
}

func TestSpawnLostRaceNamesWinner(t *testing.T) {
	f := startSupervisor(t, 4)
	ctx := context.Background()

	_, won, err := f.reg.Bind(ctx, "10.0.0.1", "node-b")
	require.NoError(t, err)
	require.True(t, won)

	reply := f.sendControl(t, types.ControlMessage{
		Kind: types.ControlSpawnPinned, RequestID: "req-1", Host: "10.0.0.1",
	})
	assert.Equal(t, types.ReplyLostRace, reply.Kind)
	assert.Equal(t, "node-b", reply.NodeID, "loser learns the winning node")
	assert.Equal(t, 0, f.sup.ChildCount())
}

func TestSpawnLaunchFailureReleasesBinding(t *testing.T) {
	f := startSupervisor(t, 4)
	f.launcher.failNext = true

	reply := f.sendControl(t, types.ControlMessage{
		Kind: types.ControlSpawnPinned, RequestID: "req-1", Host: "10.0.0.1",
	})
	assert.Equal(t, types.ReplyError, reply.Kind)

	_, bound, err := f.reg.GetBinding(context.Background(), "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, bound, "failed launch must not leak the binding")
}

func TestKillPinnedReapsChild(t *testing.T) {
	f := startSupervisor(t, 4)
	ctx := context.Background()

	spawn := f.sendControl(t, types.ControlMessage{
		Kind: types.ControlSpawnPinned, RequestID: "req-1", Host: "10.0.0.1",
	})
	require.Equal(t, types.ReplySpawned, spawn.Kind)

	raw, _ := json.Marshal(types.ControlMessage{
		Kind: types.ControlKillPinned, RequestID: "req-2", Host: "10.0.0.1",
	})
	require.NoError(t, f.st.Publish(ctx, store.ChannelControl("node-a"), string(raw)))

	require.Eventually(t, func() bool { return f.sup.ChildCount() == 0 },
		3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		_, bound, err := f.reg.GetBinding(ctx, "10.0.0.1")
		return err == nil && !bound
	}, 3*time.Second, 10*time.Millisecond, "reaper releases the dead child's binding")
}

func TestDrainStopsSupervisor(t *testing.T) {
	f := startSupervisor(t, 4)
	ctx := context.Background()

	spawn := f.sendControl(t, types.ControlMessage{
		Kind: types.ControlSpawnPinned, RequestID: "req-1", Host: "10.0.0.1",
	})
	require.Equal(t, types.ReplySpawned, spawn.Kind)

	raw, _ := json.Marshal(types.ControlMessage{Kind: types.ControlDrain, RequestID: "req-2"})
	require.NoError(t, f.st.Publish(ctx, store.ChannelControl("node-a"), string(raw)))

	select {
	case err := <-f.done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("drain did not stop the supervisor")
	}
	assert.Equal(t, StateStopped, f.sup.State())
	assert.Equal(t, 0, f.sup.ChildCount())

	_, found, err := f.reg.GetNode(ctx, "node-a")
	require.NoError(t, err)
	assert.False(t, found, "drained node removes its record")
}

func TestReconcileReleasesStaleBinding(t *testing.T) {
	f := startSupervisor(t, 4)
	ctx := context.Background()

	// A binding to this node with no child behind it: crash leftovers.
	_, won, err := f.reg.Bind(ctx, "10.0.0.9", "node-a")
	require.NoError(t, err)
	require.True(t, won)
	f.reg.IncrementCount(ctx, "node-a", 1)

	f.sup.reconcile(ctx)

	_, bound, err := f.reg.GetBinding(ctx, "10.0.0.9")
	require.NoError(t, err)
	assert.False(t, bound)
}
