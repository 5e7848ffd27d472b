package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/netpulse/netpulse/pkg/driver"
	"github.com/netpulse/netpulse/pkg/log"
	"github.com/netpulse/netpulse/pkg/types"
)

// Session is a persistent device connection owned by one pinned worker. Job
// execution and the keepalive monitor share connLock, so a keepalive never
// races a running command, and a long command simply delays the next probe.
type Session struct {
	host        string
	fingerprint string
	keepalive   time.Duration
	logger      zerolog.Logger

	connLock sync.Mutex
	drv      driver.Driver

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	terminated chan struct{}
	termOnce   sync.Once
	termErr    *types.Error
}

// New wraps a connected driver in a session. The caller has already called
// drv.Connect; keepalive comes from the job's connection arguments.
func New(host, fingerprint string, drv driver.Driver, keepalive time.Duration) *Session {
	return &Session{
		host:        host,
		fingerprint: fingerprint,
		keepalive:   keepalive,
		drv:         drv,
		logger:      log.WithHost(host),
		stopCh:      make(chan struct{}),
		terminated:  make(chan struct{}),
	}
}

// Fingerprint returns the connection identity the session was built from.
func (s *Session) Fingerprint() string { return s.fingerprint }

// Host returns the device host.
func (s *Session) Host() string { return s.host }

// KeepaliveInterval returns the monitor probe period. The owning worker
// bounds its queue polls by it so a dead session is noticed promptly.
func (s *Session) KeepaliveInterval() time.Duration { return s.keepalive }

// Terminated is closed when the session dies: keepalive failure, an
// execution error that killed the transport, or Close. The owning worker
// selects on it and exits.
func (s *Session) Terminated() <-chan struct{} { return s.terminated }

// TerminationReason returns the classified error that killed the session,
// or nil if it is still alive. Valid once Terminated is closed.
func (s *Session) TerminationReason() *types.Error { return s.termErr }

// StartMonitor launches the keepalive loop. Stops via Close.
func (s *Session) StartMonitor() {
	s.wg.Add(1)
	go s.monitor()
}

func (s *Session) monitor() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-s.terminated:
			return
		case <-ticker.C:
		}

		// A job in flight already proves the transport; skip the probe
		// rather than queue behind a long command.
		if !s.connLock.TryLock() {
			continue
		}
		if !s.drv.IsAlive() {
			s.connLock.Unlock()
			s.logger.Warn().Msg("connection no longer alive, terminating session")
			s.terminate(types.NewError(types.ErrKindConnectionFailed, "connection no longer alive"))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.keepalive)
		err := s.drv.Keepalive(ctx)
		cancel()
		s.connLock.Unlock()

		if err != nil {
			s.logger.Warn().Err(err).Msg("keepalive failed, terminating session")
			s.terminate(types.AsError(err, types.ErrKindConnectionFailed))
			return
		}
		s.logger.Debug().Msg("keepalive ok")
	}
}

// Execute runs one operation over the session connection. A transport-level
// failure terminates the session; command-level failures leave it alive.
func (s *Session) Execute(ctx context.Context, op types.Operation) (map[string]string, error) {
	s.connLock.Lock()
	defer s.connLock.Unlock()

	select {
	case <-s.terminated:
		return nil, types.Errorf(types.ErrKindWorkerTerminated, "session for %s is terminated", s.host)
	default:
	}

	out, err := driver.Execute(ctx, s.drv, op)
	if err != nil && fatalKind(types.KindOf(err)) {
		s.logger.Warn().Err(err).Msg("transport failure during execution, terminating session")
		s.terminate(types.AsError(err, types.ErrKindConnectionFailed))
	}
	return out, err
}

// fatalKind reports whether an execution error implies a dead transport.
// Command and timeout failures are job-scoped; the connection survives them.
func fatalKind(kind types.ErrorKind) bool {
	switch kind {
	case types.ErrKindConnectionFailed, types.ErrKindProtocolError:
		return true
	}
	return false
}

// Reconnect swaps the session onto a new connection identity. Used when a
// claimed job carries different connection arguments for the same host: the
// old transport is dropped and the new driver takes its place.
func (s *Session) Reconnect(ctx context.Context, drv driver.Driver, fingerprint string) error {
	s.connLock.Lock()
	defer s.connLock.Unlock()

	if err := s.drv.Disconnect(); err != nil {
		s.logger.Warn().Err(err).Msg("disconnect of replaced connection failed")
	}
	if err := drv.Connect(ctx); err != nil {
		s.terminate(types.AsError(err, types.ErrKindConnectionFailed))
		return err
	}
	s.drv = drv
	s.fingerprint = fingerprint
	s.logger.Info().Str("fingerprint", fingerprint).Msg("session reconnected with new connection args")
	return nil
}

func (s *Session) terminate(reason *types.Error) {
	s.termOnce.Do(func() {
		s.termErr = reason
		close(s.terminated)
	})
}

// Close stops the monitor and disconnects. Idempotent.
func (s *Session) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.terminate(types.NewError(types.ErrKindWorkerTerminated, "session closed"))
	s.wg.Wait()

	s.connLock.Lock()
	defer s.connLock.Unlock()
	return s.drv.Disconnect()
}
