package esxi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kidoz/esxi-patcher-go/internal/config"
	"github.com/kidoz/esxi-patcher-go/internal/hostclient"
	"github.com/kidoz/esxi-patcher-go/internal/patch"
)

// Opener supplies artifact bytes for staging.
type Opener interface {
	Open(ctx context.Context, location string) (io.ReadCloser, int64, error)
}

// portChecker checks whether a TCP port accepts connections.
type portChecker func(ctx context.Context, addr string, timeout time.Duration) bool

// Session drives one ESXi host over SSH. It implements hostclient.Session.
type Session struct {
	target patch.HostTarget
	cfg    *config.Config
	log    *slog.Logger
	exec   commander
	opener Opener
	portUp portChecker

	// guestPollInterval is how often shutdown progress is checked.
	guestPollInterval time.Duration
	// clustered hosts rely on vCenter to move guests; they are never shut
	// down from here.
	clustered bool
	// release undoes what Connect changed on the host, if anything.
	release func() error

	mu         sync.Mutex
	stagingDir string
	staged     map[string]string
	stoppedVMs []string
}

var _ hostclient.Session = (*Session)(nil)

func newSession(target patch.HostTarget, cfg *config.Config, log *slog.Logger, exec commander, opener Opener, portUp portChecker) *Session {
	return &Session{
		target:            target,
		cfg:               cfg,
		log:               log,
		exec:              exec,
		opener:            opener,
		portUp:            portUp,
		guestPollInterval: 5 * time.Second,
		staged:            make(map[string]string),
	}
}

func (s *Session) run(ctx context.Context, cmd string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeouts.Command)
	defer cancel()
	return s.exec.Run(ctx, cmd, nil)
}

// Version returns the `vmware -v` banner, e.g. "VMware ESXi 8.0.2 build-22380479".
func (s *Session) Version(ctx context.Context) (string, error) {
	out, err := s.run(ctx, versionCommand)
	if err != nil {
		return "", fmt.Errorf("failed to read version: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// EnterMaintenanceMode puts the host into maintenance mode. A standalone
// host has nowhere to migrate guests, so powered-on VMs make this fail
// with hostclient.ErrMaintenanceRefused unless patch.shutdown_vms is set.
// Cluster members are refused while any guest is still on them.
func (s *Session) EnterMaintenanceMode(ctx context.Context) error {
	out, err := s.run(ctx, maintenanceGetCommand)
	if err != nil {
		return fmt.Errorf("failed to read maintenance mode: %w", err)
	}
	if enabled, err := parseMaintenanceMode(out); err == nil && enabled {
		s.log.Info("Host already in maintenance mode")
		return nil
	}

	running, err := s.poweredOnVMs(ctx)
	if err != nil {
		return err
	}
	if len(running) > 0 && s.cfg.Patch.ShutdownVMs && !s.clustered {
		if err := s.shutdownGuests(ctx, running); err != nil {
			return err
		}
		if running, err = s.poweredOnVMs(ctx); err != nil {
			return err
		}
	}
	if len(running) > 0 {
		return fmt.Errorf("%w: %d powered-on virtual machines (ids %s)",
			hostclient.ErrMaintenanceRefused, len(running), strings.Join(running, ", "))
	}

	timeout := int(s.cfg.Timeouts.Command / time.Second)
	if out, err := s.run(ctx, maintenanceSetCommand(true, timeout)); err != nil {
		var cerr *CommandError
		if errors.As(err, &cerr) && isRefusal(cerr.Output+out) {
			return fmt.Errorf("%w: %s", hostclient.ErrMaintenanceRefused, strings.TrimSpace(cerr.Output))
		}
		return fmt.Errorf("failed to enter maintenance mode: %w", err)
	}

	s.log.Info("Entered maintenance mode")
	return nil
}

// ExitMaintenanceMode leaves maintenance mode and powers on the guests this
// session shut down.
func (s *Session) ExitMaintenanceMode(ctx context.Context) error {
	if _, err := s.run(ctx, maintenanceSetCommand(false, 0)); err != nil {
		return fmt.Errorf("failed to exit maintenance mode: %w", err)
	}
	s.log.Info("Exited maintenance mode")

	s.mu.Lock()
	vms := s.stoppedVMs
	s.stoppedVMs = nil
	s.mu.Unlock()

	var errs []error
	for _, id := range vms {
		if _, err := s.run(ctx, "vim-cmd vmsvc/power.on "+id); err != nil {
			errs = append(errs, fmt.Errorf("power on VM %s: %w", id, err))
			continue
		}
		s.log.Info("Powered on VM", slog.String("vmid", id))
	}
	return errors.Join(errs...)
}

func (s *Session) poweredOnVMs(ctx context.Context) ([]string, error) {
	out, err := s.run(ctx, listVMsCommand)
	if err != nil {
		return nil, fmt.Errorf("failed to list virtual machines: %w", err)
	}
	return poweredOn(parseVMStates(out)), nil
}

// shutdownGuests asks each guest to shut down and powers off those still
// running after the grace period.
func (s *Session) shutdownGuests(ctx context.Context, ids []string) error {
	for _, id := range ids {
		s.log.Info("Shutting down VM", slog.String("vmid", id))
		if _, err := s.run(ctx, "vim-cmd vmsvc/power.shutdown "+id); err != nil {
			// No VMware Tools: fall back to a hard power off.
			if _, err := s.run(ctx, "vim-cmd vmsvc/power.off "+id); err != nil {
				return fmt.Errorf("failed to stop VM %s: %w", id, err)
			}
		}
	}

	s.mu.Lock()
	s.stoppedVMs = append(s.stoppedVMs, ids...)
	s.mu.Unlock()

	// Half the command timeout, the rest is left for the mode change.
	deadline := time.Now().Add(s.cfg.Timeouts.Command / 2)
	for {
		running, err := s.poweredOnVMs(ctx)
		if err != nil {
			return err
		}
		if len(running) == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			for _, id := range running {
				s.log.Warn("Guest shutdown timed out, powering off", slog.String("vmid", id))
				_, _ = s.run(ctx, "vim-cmd vmsvc/power.off "+id)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.guestPollInterval):
		}
	}
}

// stagingPath returns the directory bundles are uploaded to, creating it on
// first use.
func (s *Session) stagingPath(ctx context.Context) (string, error) {
	s.mu.Lock()
	dir := s.stagingDir
	s.mu.Unlock()
	if dir != "" {
		return dir, nil
	}

	base := s.cfg.Patch.Datastore
	if base == "" {
		out, err := s.run(ctx, datastoreListCommand)
		if err != nil {
			return "", fmt.Errorf("failed to list datastores: %w", err)
		}
		stores, err := parseDatastores(out)
		if err != nil {
			return "", err
		}
		ds, ok := pickDatastore(stores)
		if !ok {
			return "", fmt.Errorf("no mounted VMFS datastore found")
		}
		s.log.Info("Using datastore for staging", slog.String("datastore", ds.Name), slog.String("path", ds.MountPoint))
		base = ds.MountPoint
	}

	dir = path.Join(base, stagingSubdir)
	if err := hostclient.ValidateDatastorePath(dir); err != nil {
		return "", err
	}
	if _, err := s.run(ctx, "mkdir -p "+hostclient.ShellQuote(dir)); err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}

	s.mu.Lock()
	s.stagingDir = dir
	s.mu.Unlock()
	return dir, nil
}

// StageArtifact uploads the artifact to the staging directory and verifies
// its size and SHA-256 on the host before committing the file name. The
// upload is bounded only by ctx.
func (s *Session) StageArtifact(ctx context.Context, a patch.Artifact) error {
	if err := hostclient.ValidateArtifactID(a.ID); err != nil {
		return fmt.Errorf("%w: %w", hostclient.ErrTransfer, err)
	}
	dir, err := s.stagingPath(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", hostclient.ErrTransfer, err)
	}
	final := path.Join(dir, a.FileName())
	partial := final + ".part"

	rc, size, err := s.opener.Open(ctx, a.Location)
	if err != nil {
		return fmt.Errorf("%w: open %s: %w", hostclient.ErrTransfer, a.Location, err)
	}
	defer func() { _ = rc.Close() }()
	if a.Size > 0 && size >= 0 && size != a.Size {
		return fmt.Errorf("%w: %s: source is %d bytes, catalog says %d", hostclient.ErrTransfer, a.ID, size, a.Size)
	}

	s.log.Info("Uploading artifact",
		slog.String("artifact", a.ID),
		slog.String("source", a.Location),
		slog.String("dest", final),
	)
	start := time.Now()

	hasher := sha256.New()
	counter := &countingReader{r: io.TeeReader(rc, hasher)}
	if _, err := s.exec.Run(ctx, uploadCommand(partial), counter); err != nil {
		return fmt.Errorf("%w: upload %s: %w", hostclient.ErrTransfer, a.ID, err)
	}
	digest := hex.EncodeToString(hasher.Sum(nil))

	if a.SHA256 != "" && digest != a.SHA256 {
		return fmt.Errorf("%w: %s: source sha256 %s, catalog says %s", hostclient.ErrTransfer, a.ID, digest, a.SHA256)
	}
	if a.Size > 0 && counter.n != a.Size {
		return fmt.Errorf("%w: %s: read %d bytes, catalog says %d", hostclient.ErrTransfer, a.ID, counter.n, a.Size)
	}

	out, err := s.run(ctx, sizeCommand(partial))
	if err != nil {
		return fmt.Errorf("%w: stat %s: %w", hostclient.ErrTransfer, partial, err)
	}
	if remote, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64); err != nil || remote != counter.n {
		return fmt.Errorf("%w: %s: remote size %q, sent %d bytes", hostclient.ErrTransfer, a.ID, strings.TrimSpace(out), counter.n)
	}

	out, err = s.run(ctx, checksumCommand(partial))
	if err != nil {
		return fmt.Errorf("%w: checksum %s: %w", hostclient.ErrTransfer, partial, err)
	}
	if remote := parseChecksum(out); remote != digest {
		return fmt.Errorf("%w: %s: remote sha256 %s, sent %s", hostclient.ErrTransfer, a.ID, remote, digest)
	}

	if _, err := s.run(ctx, "mv -f "+hostclient.ShellQuote(partial)+" "+hostclient.ShellQuote(final)); err != nil {
		return fmt.Errorf("%w: rename %s: %w", hostclient.ErrTransfer, partial, err)
	}

	s.mu.Lock()
	s.staged[a.ID] = final
	s.mu.Unlock()

	s.log.Info("Artifact staged",
		slog.String("artifact", a.ID),
		slog.Int64("bytes", counter.n),
		slog.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// InstallStaged installs a previously staged artifact and removes the
// bundle afterwards. The install itself is bounded only by ctx.
func (s *Session) InstallStaged(ctx context.Context, a patch.Artifact) error {
	s.mu.Lock()
	file, ok := s.staged[a.ID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s was not staged", hostclient.ErrInstall, a.ID)
	}

	cmd, err := installCommand(a, file, s.cfg.Patch.NoSigCheck)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", hostclient.ErrInstall, a.ID, err)
	}

	s.log.Info("Installing artifact", slog.String("artifact", a.ID), slog.String("kind", string(a.Kind)))
	out, err := s.exec.Run(ctx, cmd, nil)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", hostclient.ErrInstall, a.ID, err)
	}
	if msg := installMessage(out); msg != "" {
		s.log.Info("esxcli", slog.String("artifact", a.ID), slog.String("message", msg))
	}

	if _, err := s.run(ctx, "rm -f "+hostclient.ShellQuote(file)); err != nil {
		s.log.Warn("Failed to remove staged bundle", slog.String("path", file), slog.Any("error", err))
	}
	s.mu.Lock()
	delete(s.staged, a.ID)
	s.mu.Unlock()
	return nil
}

// Reboot schedules a reboot and drops the connection. A connection lost
// while the command runs means the reboot already started.
func (s *Session) Reboot(ctx context.Context) error {
	s.log.Info("Rebooting host")
	_, err := s.run(ctx, rebootCommand())
	s.exec.Reset()
	if err != nil && !errors.Is(err, hostclient.ErrUnreachable) {
		return fmt.Errorf("failed to reboot: %w", err)
	}
	return nil
}

// PollHealth reports PoweredOn once both the SSH and management API ports
// accept connections. A host that answers on neither is Unresponsive; a
// standalone host without out-of-band management cannot report PoweredOff.
func (s *Session) PollHealth(ctx context.Context) (hostclient.Health, error) {
	timeout := s.cfg.Timeouts.Connect
	if !s.portUp(ctx, s.target.SSHAddr(), timeout) {
		return hostclient.Unresponsive, nil
	}
	if !s.portUp(ctx, s.target.APIAddr(), timeout) {
		return hostclient.Unresponsive, nil
	}
	return hostclient.PoweredOn, nil
}

// Close removes leftover staged bundles when the host is still reachable,
// closes the connection and puts the host's shell services back the way
// Connect found them.
func (s *Session) Close() error {
	s.mu.Lock()
	leftovers := make([]string, 0, len(s.staged))
	for _, f := range s.staged {
		leftovers = append(leftovers, f)
	}
	s.staged = make(map[string]string)
	s.mu.Unlock()

	if len(leftovers) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeouts.Connect)
		for _, f := range leftovers {
			if _, err := s.exec.Run(ctx, "rm -f "+hostclient.ShellQuote(f), nil); err != nil {
				s.log.Debug("Could not remove staged bundle", slog.String("path", f), slog.Any("error", err))
				break
			}
		}
		cancel()
	}
	err := s.exec.Close()
	if s.release != nil {
		if rerr := s.release(); rerr != nil {
			s.log.Warn("Failed to restore host services", slog.Any("error", rerr))
			err = errors.Join(err, rerr)
		}
	}
	return err
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
