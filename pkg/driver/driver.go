package driver

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/netpulse/netpulse/pkg/types"
)

// Driver is a connection to one network device. Implementations are not safe
// for concurrent use; callers serialize access (pinned sessions hold a lock,
// FIFO executors own the driver for the duration of one job).
type Driver interface {
	// Name returns the driver type name the instance was created under.
	Name() string

	// Connect establishes the device connection. Calling Connect on an
	// already connected driver is an error.
	Connect(ctx context.Context) error

	// SendCommands executes read-only commands and returns output keyed by
	// command.
	SendCommands(ctx context.Context, commands []string) (map[string]string, error)

	// Configure applies configuration commands and returns output keyed by
	// command.
	Configure(ctx context.Context, commands []string) (map[string]string, error)

	// Disconnect tears the connection down. It is idempotent and safe on a
	// never-connected driver.
	Disconnect() error

	// IsAlive reports whether the underlying transport is still usable.
	IsAlive() bool

	// Keepalive probes the device to keep the transport open and detect
	// silent death. Only called on drivers whose type supports persistent
	// sessions.
	Keepalive(ctx context.Context) error
}

// Info carries static driver-type metadata consulted at dispatch time,
// before any instance exists.
type Info struct {
	// PersistentSession marks driver types whose connections are worth
	// holding open between jobs. Types without it are forced onto the FIFO
	// path regardless of the requested queue strategy.
	PersistentSession bool
}

// Factory builds a driver instance from connection and driver arguments.
type Factory func(conn types.ConnArgs, args map[string]interface{}) (Driver, error)

type registration struct {
	info    Info
	factory Factory
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]registration)
)

// Register adds a driver type. Called from init functions at process start.
func Register(name string, info Info, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = registration{info: info, factory: factory}
}

// New builds an instance of the named driver type.
func New(name string, conn types.ConnArgs, args map[string]interface{}) (Driver, error) {
	registryMu.RLock()
	reg, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, types.Errorf(types.ErrKindValidation, "unknown driver %q (registered: %v)", name, Names())
	}
	return reg.factory(conn, args)
}

// Lookup returns the static metadata for a driver type.
func Lookup(name string) (Info, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	reg, ok := registry[name]
	return reg.info, ok
}

// SupportsPersistentSession reports whether the named driver type can hold a
// session open between jobs. Unknown types report false.
func SupportsPersistentSession(name string) bool {
	info, ok := Lookup(name)
	return ok && info.PersistentSession
}

// Names lists the registered driver type names, sorted.
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

// Execute runs one operation against a connected driver and classifies the
// outcome. test_connection succeeds vacuously: reaching this point means the
// connection is up.
func Execute(ctx context.Context, d Driver, op types.Operation) (map[string]string, error) {
	switch op.Kind {
	case types.OperationQuery:
		return d.SendCommands(ctx, op.Commands)
	case types.OperationConfig:
		return d.Configure(ctx, op.Commands)
	case types.OperationTestConnection:
		return map[string]string{"connected": "true"}, nil
	default:
		return nil, types.Errorf(types.ErrKindValidation, "unknown operation kind %q", op.Kind)
	}
}

// String describes the registry state, for boot logging.
func String() string {
	return fmt.Sprintf("drivers=%v", Names())
}
