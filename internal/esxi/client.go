// Package esxi implements hostclient over SSH for standalone ESXi hosts.
// Commands run through esxcli and vim-cmd; bundles are streamed into a
// datastore directory and verified there before installation.
package esxi

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/kidoz/esxi-patcher-go/internal/artifact"
	"github.com/kidoz/esxi-patcher-go/internal/config"
	"github.com/kidoz/esxi-patcher-go/internal/credentials"
	"github.com/kidoz/esxi-patcher-go/internal/hostclient"
	"github.com/kidoz/esxi-patcher-go/internal/patch"
)

// Client opens SSH sessions to ESXi hosts. With api.manage_services it
// first switches the shell services on through the host's vSphere API.
type Client struct {
	cfg     *config.Config
	log     *slog.Logger
	creds   *credentials.Resolver
	opener  *artifact.Opener
	hostKey ssh.HostKeyCallback
	api     *vsphereAPI
}

var _ hostclient.Client = (*Client)(nil)

// NewClient creates a client. Host keys are checked against ssh.known_hosts
// when it is set.
func NewClient(cfg *config.Config, log *slog.Logger, creds *credentials.Resolver, opener *artifact.Opener) (*Client, error) {
	var hostKey ssh.HostKeyCallback
	if cfg.SSH.KnownHosts != "" {
		cb, err := knownhosts.New(cfg.SSH.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
		hostKey = cb
	} else {
		log.Warn("ssh.known_hosts is not set, host keys will not be verified")
		hostKey = ssh.InsecureIgnoreHostKey() //nolint:gosec // opt-in via config
	}

	var api *vsphereAPI
	if cfg.API.ManageServices {
		if cfg.API.Insecure {
			log.Warn("api.insecure is set, vSphere API certificates will not be verified")
		}
		api = &vsphereAPI{insecure: cfg.API.Insecure, log: log}
	}

	return &Client{
		cfg:     cfg,
		log:     log,
		creds:   creds,
		opener:  opener,
		hostKey: hostKey,
		api:     api,
	}, nil
}

// Connect resolves the host password and dials it. Any failure here is
// reported as hostclient.ErrUnreachable.
func (c *Client) Connect(ctx context.Context, target patch.HostTarget) (hostclient.Session, error) {
	if err := hostclient.ValidateAddress(target.Address); err != nil {
		return nil, fmt.Errorf("%w: %w", hostclient.ErrUnreachable, err)
	}
	if err := hostclient.ValidateUsername(target.Username); err != nil {
		return nil, fmt.Errorf("%w: %w", hostclient.ErrUnreachable, err)
	}

	password, err := c.creds.Resolve(target.CredentialsRef)
	if err != nil {
		return nil, fmt.Errorf("%w: credentials for %s: %w", hostclient.ErrUnreachable, target.DisplayName(), err)
	}

	sshCfg := &ssh.ClientConfig{
		User:            target.Username,
		Auth:            passwordAuth(password),
		HostKeyCallback: c.hostKey,
		Timeout:         c.cfg.Timeouts.Connect,
	}

	log := c.log.With(slog.String("host", target.DisplayName()))

	var grant *shellGrant
	if c.api != nil {
		grant, err = c.api.enableShell(ctx, target, password, c.cfg.Patch.AllowClustered)
		if err != nil {
			return nil, err
		}
		if grant.Cluster != "" {
			log.Warn("Host is a cluster member, guests will not be shut down", slog.String("cluster", grant.Cluster))
		}
		if grant.changed() {
			waitForPort(ctx, target.SSHAddr(), c.cfg.Timeouts.Connect)
		}
	}
	release := func() error {
		if c.api == nil {
			return nil
		}
		rctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeouts.Connect)
		defer cancel()
		return c.api.restoreShell(rctx, target, password, grant)
	}

	exec := newSSHCommander(target.SSHAddr(), sshCfg, c.cfg.Timeouts.Connect, log)
	if _, err := exec.connection(ctx); err != nil {
		if rerr := release(); rerr != nil {
			log.Warn("Failed to restore host services", slog.Any("error", rerr))
		}
		return nil, err
	}

	sess := newSession(target, c.cfg, log, exec, c.opener, tcpPortUp)
	sess.clustered = grant != nil && grant.Cluster != ""
	sess.release = release
	return sess, nil
}

// waitForPort polls addr until it accepts connections or ctx ends. A
// service that was just started needs a moment before sshd listens.
func waitForPort(ctx context.Context, addr string, timeout time.Duration) bool {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		if tcpPortUp(ctx, addr, timeout) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// tcpPortUp reports whether addr accepts a TCP connection within timeout.
func tcpPortUp(ctx context.Context, addr string, timeout time.Duration) bool {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
