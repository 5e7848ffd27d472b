package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netpulse/netpulse/pkg/driver"
	"github.com/netpulse/netpulse/pkg/types"
)

func connectedMock(t *testing.T, args map[string]interface{}) *driver.Mock {
	t.Helper()
	m := driver.NewMock(types.ConnArgs{"host": "10.0.0.1"}, args)
	require.NoError(t, m.Connect(context.Background()))
	return m
}

func TestExecuteSerializesAndSucceeds(t *testing.T) {
	m := connectedMock(t, nil)
	s := New("10.0.0.1", "fp-1", m, time.Minute)
	defer s.Close()

	out, err := s.Execute(context.Background(), types.Operation{
		Kind:     types.OperationQuery,
		Commands: []string{"show version"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok: show version", out["show version"])
	assert.Equal(t, "fp-1", s.Fingerprint())
}

func TestCommandFailureKeepsSessionAlive(t *testing.T) {
	m := connectedMock(t, map[string]interface{}{"fail_command": "bad"})
	s := New("10.0.0.1", "fp-1", m, time.Minute)
	defer s.Close()

	_, err := s.Execute(context.Background(), types.Operation{
		Kind:     types.OperationQuery,
		Commands: []string{"bad"},
	})
	assert.True(t, types.IsKind(err, types.ErrKindCommandFailed))

	select {
	case <-s.Terminated():
		t.Fatal("command failure must not terminate the session")
	default:
	}

	_, err = s.Execute(context.Background(), types.Operation{
		Kind:     types.OperationQuery,
		Commands: []string{"good"},
	})
	assert.NoError(t, err, "session still serves jobs after a command failure")
}

func TestMonitorTerminatesOnKeepaliveFailure(t *testing.T) {
	m := connectedMock(t, map[string]interface{}{"fail_keepalive": 0})
	s := New("10.0.0.1", "fp-1", m, 20*time.Millisecond)
	s.StartMonitor()
	defer s.Close()

	select {
	case <-s.Terminated():
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not terminate the session")
	}
	require.NotNil(t, s.TerminationReason())
	assert.Equal(t, types.ErrKindConnectionFailed, s.TerminationReason().Kind)

	_, err := s.Execute(context.Background(), types.Operation{Kind: types.OperationTestConnection})
	assert.True(t, types.IsKind(err, types.ErrKindWorkerTerminated), "terminated session rejects jobs")
}

// zombieDriver reports a dead connection while its keepalive still
// succeeds, isolating the liveness probe from the keepalive probe.
type zombieDriver struct {
	*driver.Mock
}

func (z *zombieDriver) IsAlive() bool { return false }

func (z *zombieDriver) Keepalive(ctx context.Context) error { return nil }

func TestMonitorChecksLivenessBeforeKeepalive(t *testing.T) {
	s := New("10.0.0.1", "fp-1", &zombieDriver{Mock: connectedMock(t, nil)}, 20*time.Millisecond)
	s.StartMonitor()
	defer s.Close()

	select {
	case <-s.Terminated():
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not terminate the dead session")
	}
	require.NotNil(t, s.TerminationReason())
	assert.Equal(t, types.ErrKindConnectionFailed, s.TerminationReason().Kind)
}

func TestMonitorSurvivesHealthyKeepalives(t *testing.T) {
	m := connectedMock(t, nil)
	s := New("10.0.0.1", "fp-1", m, 10*time.Millisecond)
	s.StartMonitor()
	defer s.Close()

	time.Sleep(100 * time.Millisecond)
	select {
	case <-s.Terminated():
		t.Fatal("healthy session must not terminate")
	default:
	}
}

func TestReconnectSwapsFingerprint(t *testing.T) {
	old := connectedMock(t, nil)
	s := New("10.0.0.1", "fp-old", old, time.Minute)
	defer s.Close()

	fresh := driver.NewMock(types.ConnArgs{"host": "10.0.0.1"}, nil)
	require.NoError(t, s.Reconnect(context.Background(), fresh, "fp-new"))

	assert.Equal(t, "fp-new", s.Fingerprint())
	assert.Equal(t, 1, old.DisconnectCalls, "replaced connection is torn down")
	assert.True(t, fresh.IsAlive())

	_, err := s.Execute(context.Background(), types.Operation{Kind: types.OperationTestConnection})
	assert.NoError(t, err)
}

func TestReconnectFailureTerminates(t *testing.T) {
	old := connectedMock(t, nil)
	s := New("10.0.0.1", "fp-old", old, time.Minute)

	bad := driver.NewMock(types.ConnArgs{"host": "10.0.0.1"}, map[string]interface{}{"fail_connect": true})
	err := s.Reconnect(context.Background(), bad, "fp-new")
	require.Error(t, err)

	select {
	case <-s.Terminated():
	default:
		t.Fatal("failed reconnect must terminate the session")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	m := connectedMock(t, nil)
	s := New("10.0.0.1", "fp-1", m, 10*time.Millisecond)
	s.StartMonitor()

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.False(t, m.IsAlive())
}
