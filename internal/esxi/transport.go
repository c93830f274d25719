package esxi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/kidoz/esxi-patcher-go/internal/hostclient"
)

// commander runs shell commands on the host.
type commander interface {
	Run(ctx context.Context, cmd string, stdin io.Reader) (string, error)
	Reset()
	Close() error
}

// CommandError is a command that ran and exited non-zero.
type CommandError struct {
	Cmd    string
	Status int
	Output string
}

func (e *CommandError) Error() string {
	out := strings.TrimSpace(e.Output)
	if len(out) > 512 {
		out = out[:512] + "..."
	}
	return fmt.Sprintf("%q exited with status %d: %s", e.Cmd, e.Status, out)
}

// sshCommander keeps one SSH connection and redials after it is lost, which
// is what happens on every reboot.
type sshCommander struct {
	addr    string
	config  *ssh.ClientConfig
	timeout time.Duration
	log     *slog.Logger

	mu     sync.Mutex
	client *ssh.Client
}

func newSSHCommander(addr string, config *ssh.ClientConfig, connectTimeout time.Duration, log *slog.Logger) *sshCommander {
	return &sshCommander{addr: addr, config: config, timeout: connectTimeout, log: log}
}

func (c *sshCommander) connection(ctx context.Context) (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}

	c.log.Debug("Dialing SSH", slog.String("addr", c.addr))

	d := net.Dialer{Timeout: c.timeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", hostclient.ErrUnreachable, c.addr, err)
	}
	_ = conn.SetDeadline(time.Now().Add(c.timeout))
	sc, chans, reqs, err := ssh.NewClientConn(conn, c.addr, c.config)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: ssh handshake with %s: %w", hostclient.ErrUnreachable, c.addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	c.client = ssh.NewClient(sc, chans, reqs)
	return c.client, nil
}

// Run executes cmd. Exit codes come back as *CommandError; transport
// failures wrap hostclient.ErrUnreachable and drop the connection.
func (c *sshCommander) Run(ctx context.Context, cmd string, stdin io.Reader) (string, error) {
	client, err := c.connection(ctx)
	if err != nil {
		return "", err
	}

	sess, err := client.NewSession()
	if err != nil {
		c.Reset()
		return "", fmt.Errorf("%w: open session: %w", hostclient.ErrUnreachable, err)
	}
	defer func() { _ = sess.Close() }()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	if stdin != nil {
		sess.Stdin = stdin
	}

	c.log.Debug("Running remote command", slog.String("addr", c.addr), slog.String("command", cmd))

	done := make(chan error, 1)
	go func() { done <- sess.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		_ = sess.Close()
		<-done
		return "", ctx.Err()
	case err := <-done:
		if err == nil {
			return stdout.String(), nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), &CommandError{
				Cmd:    cmd,
				Status: exitErr.ExitStatus(),
				Output: stdout.String() + stderr.String(),
			}
		}
		c.Reset()
		return stdout.String(), fmt.Errorf("%w: %s: %w", hostclient.ErrUnreachable, cmd, err)
	}
}

// Reset drops the current connection; the next Run redials.
func (c *sshCommander) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		_ = c.client.Close()
		c.client = nil
	}
}

func (c *sshCommander) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// passwordAuth offers the password both ways; ESXi defaults to
// keyboard-interactive.
func passwordAuth(password string) []ssh.AuthMethod {
	return []ssh.AuthMethod{
		ssh.Password(password),
		ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = password
			}
			return answers, nil
		}),
	}
}
