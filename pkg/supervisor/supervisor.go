package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/netpulse/netpulse/pkg/cluster"
	"github.com/netpulse/netpulse/pkg/events"
	"github.com/netpulse/netpulse/pkg/lock"
	"github.com/netpulse/netpulse/pkg/log"
	"github.com/netpulse/netpulse/pkg/metrics"
	"github.com/netpulse/netpulse/pkg/store"
	"github.com/netpulse/netpulse/pkg/types"
)

// State is the supervisor lifecycle state.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateDraining State = "draining"
	StateStopped  State = "stopped"
)

// Config parametrizes a node supervisor.
type Config struct {
	NodeID            string
	Hostname          string
	Capacity          int
	HeartbeatInterval time.Duration
	ReconcileInterval time.Duration
	DrainTimeout      time.Duration
	LockDir           string
}

// Supervisor is the per-machine daemon owning the pinned worker processes
// on its node. It heartbeats NodeInfo, serves spawn requests from
// dispatchers over the control channel, reaps exited children, and
// reconciles bindings against reality.
type Supervisor struct {
	cfg      Config
	st       store.Store
	registry *cluster.Registry
	launcher Launcher
	broker   *events.Broker
	logger   zerolog.Logger

	mu       sync.Mutex
	state    State
	children map[string]Child // host -> child

	flock  *lock.FileLock
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New wires a supervisor. broker may be nil.
func New(cfg Config, st store.Store, registry *cluster.Registry, launcher Launcher, broker *events.Broker) *Supervisor {
	if cfg.Hostname == "" {
		cfg.Hostname, _ = os.Hostname()
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 15 * time.Second
	}
	return &Supervisor{
		cfg:      cfg,
		st:       st,
		registry: registry,
		launcher: launcher,
		broker:   broker,
		logger:   log.WithNodeID(cfg.NodeID),
		state:    StateStarting,
		children: make(map[string]Child),
		stopCh:   make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ChildCount returns the number of live pinned children.
func (s *Supervisor) ChildCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.children)
}

// Run operates the supervisor until the context ends or a Drain control
// message arrives. One supervisor per machine, enforced by a file lock.
func (s *Supervisor) Run(ctx context.Context) error {
	flock, err := lock.Acquire(s.cfg.LockDir, "supervisor")
	if err != nil {
		return fmt.Errorf("supervisor singleton: %w", err)
	}
	s.flock = flock
	defer s.flock.Release()

	if err := s.heartbeat(ctx); err != nil {
		return fmt.Errorf("initial heartbeat: %w", err)
	}
	s.setState(StateRunning)
	s.logger.Info().
		Str("hostname", s.cfg.Hostname).
		Int("capacity", s.cfg.Capacity).
		Msg("supervisor running")
	if s.broker != nil {
		s.broker.Publish(&events.Event{
			Type:     events.EventNodeJoined,
			ID:       s.cfg.NodeID,
			Message:  "node joined",
			Metadata: map[string]string{"node_id": s.cfg.NodeID},
		})
	}

	sub, err := s.st.Subscribe(ctx, store.ChannelControl(s.cfg.NodeID))
	if err != nil {
		return fmt.Errorf("subscribe control channel: %w", err)
	}
	defer sub.Close()

	s.wg.Add(2)
	go s.heartbeatLoop(ctx)
	go s.reconcileLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			s.drain(context.Background())
			s.wg.Wait()
			return nil
		case <-s.stopCh:
			s.wg.Wait()
			return nil
		case msg, ok := <-sub.Messages():
			if !ok {
				s.drain(context.Background())
				s.wg.Wait()
				return fmt.Errorf("control channel closed")
			}
			s.handleControl(ctx, msg.Payload)
		}
	}
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Supervisor) handleControl(ctx context.Context, payload string) {
	var msg types.ControlMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		s.logger.Warn().Err(err).Msg("malformed control message")
		return
	}

	switch msg.Kind {
	case types.ControlSpawnPinned:
		s.handleSpawn(ctx, msg)
	case types.ControlKillPinned:
		s.killChild(msg.Host)
	case types.ControlKillAll:
		s.killAll()
	case types.ControlDrain:
		s.drain(ctx)
		select {
		case <-s.stopCh:
		default:
			close(s.stopCh)
		}
	default:
		s.logger.Warn().Str("kind", string(msg.Kind)).Msg("unknown control message kind")
	}
}

// handleSpawn serves one SpawnPinned request: capacity check, bind CAS,
// fork, reply. Every exit path answers the dispatcher.
func (s *Supervisor) handleSpawn(ctx context.Context, msg types.ControlMessage) {
	logger := s.logger.With().Str("host", msg.Host).Str("request_id", msg.RequestID).Logger()

	if s.State() != StateRunning {
		s.reply(ctx, msg, types.ControlReply{Kind: types.ReplyError, Message: "node is draining"})
		metrics.SpawnsTotal.WithLabelValues("draining").Inc()
		return
	}

	s.mu.Lock()
	if _, exists := s.children[msg.Host]; exists {
		// Already running one for this host; treat as a race we won earlier.
		s.mu.Unlock()
		s.reply(ctx, msg, types.ControlReply{Kind: types.ReplySpawned, NodeID: s.cfg.NodeID})
		return
	}
	atCapacity := len(s.children) >= s.cfg.Capacity
	s.mu.Unlock()

	if atCapacity {
		logger.Warn().Int("capacity", s.cfg.Capacity).Msg("spawn refused, node at capacity")
		s.reply(ctx, msg, types.ControlReply{Kind: types.ReplyCapacityExhausted, NodeID: s.cfg.NodeID})
		metrics.SpawnsTotal.WithLabelValues("capacity_exhausted").Inc()
		return
	}

	winner, won, err := s.registry.Bind(ctx, msg.Host, s.cfg.NodeID)
	if err != nil {
		logger.Error().Err(err).Msg("bind failed")
		s.reply(ctx, msg, types.ControlReply{Kind: types.ReplyError, Message: err.Error()})
		metrics.SpawnsTotal.WithLabelValues("error").Inc()
		return
	}
	if !won {
		logger.Info().Str("winner", winner).Msg("lost bind race")
		s.reply(ctx, msg, types.ControlReply{Kind: types.ReplyLostRace, NodeID: winner})
		metrics.SpawnsTotal.WithLabelValues("lost_race").Inc()
		return
	}

	child, err := s.launcher.Launch(msg.Host)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start pinned worker")
		s.registry.Unbind(ctx, msg.Host, s.cfg.NodeID)
		s.reply(ctx, msg, types.ControlReply{Kind: types.ReplyError, Message: err.Error()})
		metrics.SpawnsTotal.WithLabelValues("error").Inc()
		return
	}

	s.mu.Lock()
	s.children[msg.Host] = child
	count := len(s.children)
	s.mu.Unlock()

	s.registry.IncrementCount(ctx, s.cfg.NodeID, 1)
	metrics.PinnedWorkersTotal.WithLabelValues(s.cfg.NodeID).Set(float64(count))
	metrics.SpawnsTotal.WithLabelValues("spawned").Inc()

	workerName := fmt.Sprintf("pinned-%s-%d", msg.Host, child.PID())
	logger.Info().Int("pid", child.PID()).Msg("pinned worker spawned")
	if s.broker != nil {
		s.broker.WorkerEvent(events.EventWorkerSpawned, workerName, s.cfg.NodeID, "pinned worker spawned")
	}

	s.wg.Add(1)
	go s.reapChild(msg.Host, child, workerName)

	s.reply(ctx, msg, types.ControlReply{
		Kind:       types.ReplySpawned,
		NodeID:     s.cfg.NodeID,
		WorkerName: workerName,
	})
}

// reapChild waits for a child to exit and releases whatever the child left
// behind. The unbind is conditional, so a clean child teardown makes this
// a no-op.
func (s *Supervisor) reapChild(host string, child Child, workerName string) {
	defer s.wg.Done()

	err := child.Wait()
	s.mu.Lock()
	delete(s.children, host)
	count := len(s.children)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if removed, uerr := s.registry.Unbind(ctx, host, s.cfg.NodeID); uerr == nil && removed {
		s.registry.DecrementCount(ctx, s.cfg.NodeID)
	}
	metrics.PinnedWorkersTotal.WithLabelValues(s.cfg.NodeID).Set(float64(count))
	s.heartbeat(ctx)

	s.logger.Info().
		Str("host", host).
		Int("pid", child.PID()).
		Err(err).
		Msg("pinned worker exited")
	if s.broker != nil {
		s.broker.WorkerEvent(events.EventWorkerDead, workerName, s.cfg.NodeID, "pinned worker exited")
	}
}

func (s *Supervisor) reply(ctx context.Context, msg types.ControlMessage, reply types.ControlReply) {
	reply.RequestID = msg.RequestID
	reply.Host = msg.Host
	data, err := json.Marshal(reply)
	if err != nil {
		return
	}
	if err := s.st.Publish(ctx, store.ChannelReply(msg.RequestID), string(data)); err != nil {
		s.logger.Warn().Err(err).Str("request_id", msg.RequestID).Msg("failed to publish control reply")
	}
}

func (s *Supervisor) killChild(host string) {
	s.mu.Lock()
	child, ok := s.children[host]
	s.mu.Unlock()
	if !ok {
		s.logger.Warn().Str("host", host).Msg("kill requested for unknown pinned worker")
		return
	}
	s.logger.Info().Str("host", host).Msg("terminating pinned worker")
	child.Signal(syscall.SIGTERM)
}

func (s *Supervisor) killAll() {
	s.mu.Lock()
	children := make(map[string]Child, len(s.children))
	for host, child := range s.children {
		children[host] = child
	}
	s.mu.Unlock()

	s.logger.Info().Int("children", len(children)).Msg("terminating all pinned workers")
	for _, child := range children {
		child.Signal(syscall.SIGTERM)
	}
}

// drain stops spawns, terminates children, waits up to the drain timeout,
// then force-kills the stragglers and removes the node record.
func (s *Supervisor) drain(ctx context.Context) {
	s.mu.Lock()
	if s.state == StateDraining || s.state == StateStopped {
		s.mu.Unlock()
		return
	}
	s.state = StateDraining
	s.mu.Unlock()

	s.logger.Info().Msg("draining node")
	s.killAll()

	deadline := time.Now().Add(s.cfg.DrainTimeout)
	for time.Now().Before(deadline) {
		if s.ChildCount() == 0 {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	s.mu.Lock()
	for host, child := range s.children {
		s.logger.Warn().Str("host", host).Int("pid", child.PID()).Msg("drain timeout, killing pinned worker")
		child.Signal(syscall.SIGKILL)
	}
	s.mu.Unlock()

	s.registry.Remove(ctx, s.cfg.NodeID)
	s.setState(StateStopped)
	if s.broker != nil {
		s.broker.Publish(&events.Event{
			Type:     events.EventNodeDown,
			ID:       s.cfg.NodeID,
			Message:  "node drained",
			Metadata: map[string]string{"node_id": s.cfg.NodeID},
		})
	}
	s.logger.Info().Msg("node drained")
}

func (s *Supervisor) heartbeat(ctx context.Context) error {
	s.mu.Lock()
	count := len(s.children)
	s.mu.Unlock()

	return s.registry.Heartbeat(ctx, &types.NodeInfo{
		NodeID:        s.cfg.NodeID,
		Hostname:      s.cfg.Hostname,
		Capacity:      s.cfg.Capacity,
		Count:         count,
		LastHeartbeat: time.Now(),
	})
}

func (s *Supervisor) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.heartbeat(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("node heartbeat failed")
			}
		}
	}
}

// reconcileLoop repairs divergence between the binding map and the actual
// child set in both directions.
func (s *Supervisor) reconcileLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.reconcile(ctx)
		}
	}
}

func (s *Supervisor) reconcile(ctx context.Context) {
	if s.State() != StateRunning {
		return
	}
	bindings, err := s.registry.Bindings(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("reconcile: cannot read bindings")
		return
	}

	s.mu.Lock()
	childHosts := make(map[string]Child, len(s.children))
	for host, child := range s.children {
		childHosts[host] = child
	}
	s.mu.Unlock()

	// Bindings pointing here without a child: stale, release them.
	for host, nodeID := range bindings {
		if nodeID != s.cfg.NodeID {
			continue
		}
		if _, ok := childHosts[host]; !ok {
			s.logger.Warn().Str("host", host).Msg("reconcile: binding without child, releasing")
			if removed, err := s.registry.Unbind(ctx, host, s.cfg.NodeID); err == nil && removed {
				s.registry.DecrementCount(ctx, s.cfg.NodeID)
			}
		}
	}

	// Children without a binding: someone else owns the host now; the
	// local child must die rather than double-execute.
	for host, child := range childHosts {
		if owner, ok := bindings[host]; !ok || owner != s.cfg.NodeID {
			if _, _, err := s.registry.Bind(ctx, host, s.cfg.NodeID); err == nil {
				if owner, bound, _ := s.registry.GetBinding(ctx, host); bound && owner == s.cfg.NodeID {
					s.logger.Info().Str("host", host).Msg("reconcile: rebound orphan child")
					continue
				}
			}
			s.logger.Warn().Str("host", host).Msg("reconcile: child lost its binding, killing")
			child.Signal(syscall.SIGTERM)
		}
	}
}
