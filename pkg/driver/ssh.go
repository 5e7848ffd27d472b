package driver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/netpulse/netpulse/pkg/types"
)

func init() {
	Register("ssh", Info{PersistentSession: true}, NewSSH)
}

const (
	defaultSSHPort    = 22
	defaultSSHTimeout = 15 * time.Second
)

// SSHDriver executes commands over an SSH connection. Each command runs in
// its own session on the shared client connection, so a persistent pinned
// session amortizes the handshake across jobs.
type SSHDriver struct {
	host     string
	port     int
	username string
	password string
	timeout  time.Duration

	client *ssh.Client
}

// NewSSH builds an SSH driver from connection arguments. Recognized fields:
// host, port, username, password, read_timeout (seconds).
func NewSSH(conn types.ConnArgs, _ map[string]interface{}) (Driver, error) {
	host := conn.Host()
	if host == "" {
		return nil, types.NewError(types.ErrKindValidation, "ssh driver requires connection_args.host")
	}
	username, _ := conn["username"].(string)
	if username == "" {
		return nil, types.NewError(types.ErrKindValidation, "ssh driver requires connection_args.username")
	}
	password, _ := conn["password"].(string)

	d := &SSHDriver{
		host:     host,
		port:     defaultSSHPort,
		username: username,
		password: password,
		timeout:  defaultSSHTimeout,
	}
	switch p := conn["port"].(type) {
	case float64:
		d.port = int(p)
	case int:
		d.port = p
	}
	switch t := conn["read_timeout"].(type) {
	case float64:
		d.timeout = time.Duration(t * float64(time.Second))
	case int:
		d.timeout = time.Duration(t) * time.Second
	}
	return d, nil
}

// Name implements Driver.
func (d *SSHDriver) Name() string { return "ssh" }

// Connect implements Driver.
func (d *SSHDriver) Connect(ctx context.Context) error {
	if d.client != nil {
		return types.Errorf(types.ErrKindProtocolError, "ssh %s: already connected", d.host)
	}

	cfg := &ssh.ClientConfig{
		User: d.username,
		Auth: []ssh.AuthMethod{
			ssh.Password(d.password),
			ssh.KeyboardInteractive(d.keyboardInteractive),
		},
		// Network devices rotate host keys on reimage; operators pin trust
		// at the network boundary instead.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         d.timeout,
	}

	addr := net.JoinHostPort(d.host, fmt.Sprintf("%d", d.port))
	dialer := net.Dialer{Timeout: d.timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return classifyDialError(d.host, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		netConn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return types.Errorf(types.ErrKindAuthenticationFailed, "ssh %s: %v", d.host, err)
		}
		return types.Errorf(types.ErrKindConnectionFailed, "ssh %s: handshake: %v", d.host, err)
	}

	d.client = ssh.NewClient(sshConn, chans, reqs)
	return nil
}

func (d *SSHDriver) keyboardInteractive(_, _ string, questions []string, _ []bool) ([]string, error) {
	answers := make([]string, len(questions))
	for i := range questions {
		answers[i] = d.password
	}
	return answers, nil
}

// SendCommands implements Driver.
func (d *SSHDriver) SendCommands(ctx context.Context, commands []string) (map[string]string, error) {
	return d.run(ctx, commands)
}

// Configure implements Driver. Config commands run through the same exec
// channel; devices that need a config mode wrap it in their command set.
func (d *SSHDriver) Configure(ctx context.Context, commands []string) (map[string]string, error) {
	return d.run(ctx, commands)
}

func (d *SSHDriver) run(ctx context.Context, commands []string) (map[string]string, error) {
	if d.client == nil {
		return nil, types.Errorf(types.ErrKindProtocolError, "ssh %s: not connected", d.host)
	}

	out := make(map[string]string, len(commands))
	for _, cmd := range commands {
		if err := ctx.Err(); err != nil {
			return nil, types.Errorf(types.ErrKindTimeout, "ssh %s: %v", d.host, err)
		}
		output, err := d.runOne(ctx, cmd)
		if err != nil {
			return nil, err
		}
		out[cmd] = output
	}
	return out, nil
}

func (d *SSHDriver) runOne(ctx context.Context, cmd string) (string, error) {
	session, err := d.client.NewSession()
	if err != nil {
		return "", types.Errorf(types.ErrKindConnectionFailed, "ssh %s: open session: %v", d.host, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		// Best effort: the session close above unblocks the goroutine.
		return "", types.Errorf(types.ErrKindTimeout, "ssh %s: command %q: %v", d.host, cmd, ctx.Err())
	case err = <-done:
	}
	if err != nil {
		return "", types.Errorf(types.ErrKindCommandFailed, "ssh %s: command %q: %v: %s",
			d.host, cmd, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Disconnect implements Driver.
func (d *SSHDriver) Disconnect() error {
	if d.client == nil {
		return nil
	}
	err := d.client.Close()
	d.client = nil
	if err != nil {
		return types.Errorf(types.ErrKindConnectionFailed, "ssh %s: close: %v", d.host, err)
	}
	return nil
}

// IsAlive implements Driver.
func (d *SSHDriver) IsAlive() bool {
	return d.client != nil
}

// Keepalive implements Driver. The openssh keepalive request doubles as a
// liveness probe: a dead transport errors out immediately.
func (d *SSHDriver) Keepalive(ctx context.Context) error {
	if d.client == nil {
		return types.Errorf(types.ErrKindProtocolError, "ssh %s: not connected", d.host)
	}

	done := make(chan error, 1)
	go func() {
		_, _, err := d.client.SendRequest("keepalive@openssh.com", true, nil)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return types.Errorf(types.ErrKindTimeout, "ssh %s: keepalive: %v", d.host, ctx.Err())
	case err := <-done:
		if err != nil {
			return types.Errorf(types.ErrKindConnectionFailed, "ssh %s: keepalive: %v", d.host, err)
		}
	}
	return nil
}

func classifyDialError(host string, err error) error {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return types.Errorf(types.ErrKindTimeout, "ssh %s: dial: %v", host, err)
	}
	return types.Errorf(types.ErrKindConnectionFailed, "ssh %s: dial: %v", host, err)
}
