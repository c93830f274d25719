package esxi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/vmware/govmomi"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/view"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/kidoz/esxi-patcher-go/internal/hostclient"
	"github.com/kidoz/esxi-patcher-go/internal/patch"
)

// shellServices are the ESXi Shell and SSH daemons. Both are stopped on a
// fresh install.
var shellServices = []string{"TSM", "TSM-SSH"}

const policyOn = "on"

// serviceState is a host service as found before the run changed it.
type serviceState struct {
	Key     string
	Running bool
	Policy  string
}

// shellGrant is what enableShell changed on one host.
type shellGrant struct {
	Cluster string
	saved   []serviceState
}

// changed reports whether any service was started or had its policy
// switched.
func (g *shellGrant) changed() bool {
	if g == nil {
		return false
	}
	for _, s := range g.saved {
		if !s.Running || s.Policy != policyOn {
			return true
		}
	}
	return false
}

// vsphereAPI talks to the host's own vSphere endpoint on APIPort.
type vsphereAPI struct {
	insecure bool
	log      *slog.Logger
}

func (a *vsphereAPI) login(ctx context.Context, target patch.HostTarget, password string) (*govmomi.Client, error) {
	u := &url.URL{
		Scheme: "https",
		Host:   target.APIAddr(),
		Path:   "/sdk",
		User:   url.UserPassword(target.Username, password),
	}
	c, err := govmomi.NewClient(ctx, u, a.insecure)
	if err != nil {
		return nil, fmt.Errorf("%w: vSphere API login to %s: %w", hostclient.ErrUnreachable, target.APIAddr(), err)
	}
	return c, nil
}

// logout runs on its own deadline so a cancelled run still ends the
// API session.
func (a *vsphereAPI) logout(c *govmomi.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Logout(ctx); err != nil {
		a.log.Debug("vSphere API logout failed", slog.Any("error", err))
	}
}

// hostSystem finds the managed host. A standalone host's inventory holds
// exactly one; when the endpoint manages more, the target name or address
// picks it.
func hostSystem(ctx context.Context, c *govmomi.Client, target patch.HostTarget) (*object.HostSystem, mo.HostSystem, error) {
	m := view.NewManager(c.Client)
	v, err := m.CreateContainerView(ctx, c.ServiceContent.RootFolder, []string{"HostSystem"}, true)
	if err != nil {
		return nil, mo.HostSystem{}, fmt.Errorf("failed to create host view: %w", err)
	}
	defer func() { _ = v.Destroy(ctx) }()

	var hosts []mo.HostSystem
	if err := v.Retrieve(ctx, []string{"HostSystem"}, []string{"name", "parent"}, &hosts); err != nil {
		return nil, mo.HostSystem{}, fmt.Errorf("failed to list hosts: %w", err)
	}

	var found *mo.HostSystem
	switch len(hosts) {
	case 0:
		return nil, mo.HostSystem{}, fmt.Errorf("no host system in inventory")
	case 1:
		found = &hosts[0]
	default:
		for i := range hosts {
			if hosts[i].Name == target.Address || (target.Name != "" && hosts[i].Name == target.Name) {
				found = &hosts[i]
				break
			}
		}
		if found == nil {
			return nil, mo.HostSystem{}, fmt.Errorf("endpoint manages %d hosts and none is named %s", len(hosts), target.Address)
		}
	}
	return object.NewHostSystem(c.Client, found.Reference()), *found, nil
}

// clusterName returns the cluster h belongs to, or "" for a standalone
// host.
func clusterName(ctx context.Context, c *govmomi.Client, h mo.HostSystem) string {
	if h.Parent == nil || h.Parent.Type != "ClusterComputeResource" {
		return ""
	}
	name, err := object.NewClusterComputeResource(c.Client, *h.Parent).ObjectName(ctx)
	if err != nil || name == "" {
		return h.Parent.Value
	}
	return name
}

// enableShell refuses cluster members unless allowClustered, then starts
// the shell services with policy "on" so SSH also comes back after the
// reboot. On error nothing stays changed.
func (a *vsphereAPI) enableShell(ctx context.Context, target patch.HostTarget, password string, allowClustered bool) (*shellGrant, error) {
	c, err := a.login(ctx, target, password)
	if err != nil {
		return nil, err
	}
	defer a.logout(c)

	host, h, err := hostSystem(ctx, c, target)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", hostclient.ErrUnreachable, err)
	}

	grant := &shellGrant{Cluster: clusterName(ctx, c, h)}
	if grant.Cluster != "" && !allowClustered {
		return nil, fmt.Errorf("%w: %s is a member of cluster %s, patch it through vCenter or set patch.allow_clustered",
			hostclient.ErrMaintenanceRefused, target.DisplayName(), grant.Cluster)
	}

	svc, err := host.ConfigManager().ServiceSystem(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: service system: %w", hostclient.ErrUnreachable, err)
	}
	services, err := svc.Service(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list services: %w", hostclient.ErrUnreachable, err)
	}

	for _, key := range shellServices {
		s, ok := findService(services, key)
		if !ok {
			a.log.Warn("Host service not found", slog.String("service", key))
			continue
		}
		grant.saved = append(grant.saved, serviceState{Key: s.Key, Running: s.Running, Policy: s.Policy})

		var serr error
		if s.Policy != policyOn {
			serr = svc.UpdatePolicy(ctx, s.Key, policyOn)
		}
		if serr == nil && !s.Running {
			serr = svc.Start(ctx, s.Key)
		}
		if serr != nil {
			if rerr := restoreServices(ctx, svc, grant.saved); rerr != nil {
				a.log.Warn("Failed to roll back host services", slog.Any("error", rerr))
			}
			return nil, fmt.Errorf("%w: enable %s: %w", hostclient.ErrUnreachable, key, serr)
		}
		a.log.Debug("Host service enabled",
			slog.String("service", key),
			slog.Bool("was_running", s.Running),
			slog.String("was_policy", s.Policy),
		)
	}
	return grant, nil
}

// restoreShell logs in again, since a reboot ends the earlier API session,
// and puts the saved services back.
func (a *vsphereAPI) restoreShell(ctx context.Context, target patch.HostTarget, password string, grant *shellGrant) error {
	if !grant.changed() {
		return nil
	}
	c, err := a.login(ctx, target, password)
	if err != nil {
		return err
	}
	defer a.logout(c)

	host, _, err := hostSystem(ctx, c, target)
	if err != nil {
		return err
	}
	svc, err := host.ConfigManager().ServiceSystem(ctx)
	if err != nil {
		return fmt.Errorf("service system: %w", err)
	}
	if err := restoreServices(ctx, svc, grant.saved); err != nil {
		return err
	}
	a.log.Debug("Host services restored")
	return nil
}

func restoreServices(ctx context.Context, svc *object.HostServiceSystem, saved []serviceState) error {
	var errs []error
	for _, s := range saved {
		if !s.Running {
			if err := svc.Stop(ctx, s.Key); err != nil {
				errs = append(errs, fmt.Errorf("stop %s: %w", s.Key, err))
			}
		}
		if s.Policy != policyOn {
			if err := svc.UpdatePolicy(ctx, s.Key, s.Policy); err != nil {
				errs = append(errs, fmt.Errorf("set %s policy %q: %w", s.Key, s.Policy, err))
			}
		}
	}
	return errors.Join(errs...)
}

func findService(services []types.HostService, key string) (types.HostService, bool) {
	for _, s := range services {
		if s.Key == key {
			return s, true
		}
	}
	return types.HostService{}, false
}
