package driver

import (
	"context"
	"sync"
	"time"

	"github.com/netpulse/netpulse/pkg/types"
)

func init() {
	Register("mock", Info{PersistentSession: true}, func(conn types.ConnArgs, args map[string]interface{}) (Driver, error) {
		return NewMock(conn, args), nil
	})
}

// Mock is a scriptable in-memory driver used by tests and local development.
// Failure modes are driven by driver_args:
//
//	fail_connect:   Connect fails with ConnectionFailed
//	fail_auth:      Connect fails with AuthenticationFailed
//	fail_command:   a command equal to this string fails with CommandFailed
//	fail_keepalive: Keepalive fails after this many successes
//	latency_ms:     every operation sleeps this long first
type Mock struct {
	host string
	args map[string]interface{}

	mu         sync.Mutex
	connected  bool
	keepalives int

	ConnectCalls    int
	DisconnectCalls int
	Executed        [][]string
}

// NewMock builds a mock driver instance.
func NewMock(conn types.ConnArgs, args map[string]interface{}) *Mock {
	if args == nil {
		args = map[string]interface{}{}
	}
	return &Mock{host: conn.Host(), args: args}
}

// Name implements Driver.
func (m *Mock) Name() string { return "mock" }

func (m *Mock) boolArg(key string) bool {
	v, _ := m.args[key].(bool)
	return v
}

func (m *Mock) intArg(key string) (int, bool) {
	switch v := m.args[key].(type) {
	case int:
		return v, true
	case float64:
		return int(v), true
	}
	return 0, false
}

func (m *Mock) sleep(ctx context.Context) error {
	ms, ok := m.intArg("latency_ms")
	if !ok || ms <= 0 {
		return nil
	}
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return nil
	case <-ctx.Done():
		return types.Errorf(types.ErrKindTimeout, "mock %s: %v", m.host, ctx.Err())
	}
}

// Connect implements Driver.
func (m *Mock) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ConnectCalls++
	if m.connected {
		return types.Errorf(types.ErrKindProtocolError, "mock %s: already connected", m.host)
	}
	if err := m.sleep(ctx); err != nil {
		return err
	}
	if m.boolArg("fail_auth") {
		return types.Errorf(types.ErrKindAuthenticationFailed, "mock %s: bad credentials", m.host)
	}
	if m.boolArg("fail_connect") {
		return types.Errorf(types.ErrKindConnectionFailed, "mock %s: connection refused", m.host)
	}
	m.connected = true
	return nil
}

// SendCommands implements Driver.
func (m *Mock) SendCommands(ctx context.Context, commands []string) (map[string]string, error) {
	return m.run(ctx, commands)
}

// Configure implements Driver.
func (m *Mock) Configure(ctx context.Context, commands []string) (map[string]string, error) {
	return m.run(ctx, commands)
}

func (m *Mock) run(ctx context.Context, commands []string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return nil, types.Errorf(types.ErrKindProtocolError, "mock %s: not connected", m.host)
	}
	if err := m.sleep(ctx); err != nil {
		return nil, err
	}
	m.Executed = append(m.Executed, commands)

	failCmd, _ := m.args["fail_command"].(string)
	out := make(map[string]string, len(commands))
	for _, cmd := range commands {
		if cmd == failCmd {
			return nil, types.Errorf(types.ErrKindCommandFailed, "mock %s: command %q failed", m.host, cmd)
		}
		out[cmd] = "ok: " + cmd
	}
	return out, nil
}

// Disconnect implements Driver.
func (m *Mock) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.DisconnectCalls++
	m.connected = false
	return nil
}

// IsAlive implements Driver.
func (m *Mock) IsAlive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Keepalive implements Driver.
func (m *Mock) Keepalive(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return types.Errorf(types.ErrKindProtocolError, "mock %s: not connected", m.host)
	}
	if err := m.sleep(ctx); err != nil {
		return err
	}
	if limit, ok := m.intArg("fail_keepalive"); ok && m.keepalives >= limit {
		m.connected = false
		return types.Errorf(types.ErrKindConnectionFailed, "mock %s: transport lost", m.host)
	}
	m.keepalives++
	return nil
}
