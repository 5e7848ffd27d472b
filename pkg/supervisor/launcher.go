package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// Child is a running pinned worker process.
type Child interface {
	PID() int
	// Wait blocks until the process exits.
	Wait() error
	// Signal delivers a signal; SIGTERM asks for a clean drain.
	Signal(sig os.Signal) error
}

// Launcher starts pinned worker processes. Abstracted so tests can run
// the supervisor against fake children.
type Launcher interface {
	Launch(host string) (Child, error)
}

// ExecLauncher forks the running binary in pinned-worker mode. The child
// inherits the environment, so NETPULSE_ overrides apply to it too.
type ExecLauncher struct {
	// ConfigPath is forwarded to the child, empty means defaults + env.
	ConfigPath string
	// NodeID identifies the owning supervisor.
	NodeID string
}

// Launch implements Launcher.
func (l *ExecLauncher) Launch(host string) (Child, error) {
	bin, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve own binary: %v", err)
	}

	args := []string{"pinned-worker", "--host", host, "--node-id", l.NodeID}
	if l.ConfigPath != "" {
		args = append(args, "--config", l.ConfigPath)
	}

	cmd := exec.Command(bin, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	// Own process group so a supervisor SIGINT does not take the children
	// down with it; drain handles them explicitly.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start pinned worker for %s: %v", host, err)
	}
	return &execChild{cmd: cmd}, nil
}

type execChild struct {
	cmd *exec.Cmd
}

func (c *execChild) PID() int { return c.cmd.Process.Pid }

func (c *execChild) Wait() error { return c.cmd.Wait() }

func (c *execChild) Signal(sig os.Signal) error {
	return c.cmd.Process.Signal(sig)
}
