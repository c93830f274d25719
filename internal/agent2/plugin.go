// Package agent2 is a Zabbix Agent 2 plugin that exports the results of the
// latest patch run from the local history database.
package agent2

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.zabbix.com/sdk/plugin"

	"github.com/kidoz/esxi-patcher-go/internal/config"
	"github.com/kidoz/esxi-patcher-go/internal/history"
	"github.com/kidoz/esxi-patcher-go/internal/zabbix"
)

// PluginName is the name registered with Agent 2.
const PluginName = "ESXiPatcher"

// DefaultRefreshInterval is the default seconds between history reloads.
const DefaultRefreshInterval = 300

// Plugin implements Configurator, Runner and Exporter for Zabbix Agent 2.
type Plugin struct {
	plugin.Base

	historyPath     string
	refreshInterval int
	cache           *ReportCache

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPlugin creates a new Plugin instance.
func NewPlugin() *Plugin {
	return &Plugin{
		historyPath:     config.DefaultConfig().History.Path,
		refreshInterval: DefaultRefreshInterval,
		cache:           NewReportCache(),
	}
}

// --- Configurator ---

// Configure is called by Agent 2 to pass config options
// (Plugins.ESXiPatcher.* keys).
func (p *Plugin) Configure(_ *plugin.GlobalOptions, privateOptions any) {
	opts, ok := privateOptions.(map[string]string)
	if !ok {
		p.Errf("unexpected privateOptions type: %T", privateOptions)
		return
	}
	if v, ok := opts["HistoryPath"]; ok && v != "" {
		p.historyPath = v
	}
	if v, ok := opts["RefreshInterval"]; ok {
		if ri, err := strconv.Atoi(v); err == nil && ri > 0 {
			p.refreshInterval = ri
		}
	}
}

// Validate checks the configuration.
func (p *Plugin) Validate(privateOptions any) error {
	opts, ok := privateOptions.(map[string]string)
	if !ok {
		return fmt.Errorf("unexpected privateOptions type: %T", privateOptions)
	}
	if v, ok := opts["RefreshInterval"]; ok {
		if ri, err := strconv.Atoi(v); err != nil || ri <= 0 {
			return fmt.Errorf("Plugins.%s.RefreshInterval must be a positive number of seconds, got %q", PluginName, v)
		}
	}
	return nil
}

// --- Runner ---

// Start is called when Agent 2 starts the plugin.
func (p *Plugin) Start() {
	p.Infof("starting %s plugin (history: %s, refresh interval: %ds)", PluginName, p.historyPath, p.refreshInterval)

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.wg.Add(1)
	go p.refreshLoop(ctx)
}

// Stop is called when Agent 2 shuts down.
func (p *Plugin) Stop() {
	p.Infof("stopping %s plugin", PluginName)
	p.cancel()
	p.wg.Wait()
}

func (p *Plugin) refreshLoop(ctx context.Context) {
	defer p.wg.Done()

	p.logRefresh(p.refresh(ctx))

	ticker := time.NewTicker(time.Duration(p.refreshInterval) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.logRefresh(p.refresh(ctx))
		case <-ctx.Done():
			return
		}
	}
}

func (p *Plugin) logRefresh(err error) {
	switch {
	case err == nil:
		if r := p.cache.Report(); r != nil {
			p.Debugf("loaded run %s (%d hosts)", r.RunID, len(r.Hosts))
		}
	case errors.Is(err, history.ErrNotFound):
		p.Debugf("no completed runs in history yet")
	default:
		p.Errf("failed to load run history: %s", err)
	}
}

// refresh loads the latest non-dry run into the cache.
func (p *Plugin) refresh(ctx context.Context) error {
	// The plugin logs through p.Base; store internals stay quiet.
	store, err := history.Open(ctx, p.historyPath, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	report, err := store.Latest(ctx)
	if err != nil {
		return err
	}
	p.cache.Update(report)
	return nil
}

// --- Exporter ---

// Export handles item key requests from Agent 2.
func (p *Plugin) Export(key string, params []string, _ plugin.ContextProvider) (any, error) {
	report := p.cache.Report()
	if report == nil {
		return nil, fmt.Errorf("no run data available yet")
	}

	switch key {
	case zabbix.KeyHostsLLD:
		b, err := json.Marshal(zabbix.HostsLLD(report))
		if err != nil {
			return nil, fmt.Errorf("failed to marshal LLD data: %w", err)
		}
		return string(b), nil

	case zabbix.KeyHostState, zabbix.KeyHostFailure, zabbix.KeyHostVersion,
		zabbix.KeyHostApplied, zabbix.KeyHostArtifact:
		if len(params) < 1 {
			return nil, fmt.Errorf("%s requires host address parameter", key)
		}
		r, ok := report.Get(params[0])
		if !ok {
			return nil, fmt.Errorf("host %s is not in run %s", params[0], report.RunID)
		}
		return zabbix.HostValue(key, r)

	case zabbix.KeyStats:
		if len(params) < 1 {
			return nil, fmt.Errorf("%s requires metric parameter", key)
		}
		return zabbix.StatValue(params[0], report)

	case zabbix.KeyLastRun:
		return report.Finished.Unix(), nil

	default:
		return nil, fmt.Errorf("unknown key: %s", key)
	}
}
