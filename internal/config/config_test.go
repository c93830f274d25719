package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Settings.Concurrency != 1 {
		t.Errorf("Concurrency = %d, want 1", cfg.Settings.Concurrency)
	}
	if cfg.Settings.HostPause != 0 {
		t.Errorf("HostPause = %v, want 0", cfg.Settings.HostPause)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", cfg.Retry.MaxAttempts)
	}
	if cfg.Timeouts.Boot != 15*time.Minute {
		t.Errorf("Boot = %v, want 15m", cfg.Timeouts.Boot)
	}
	if cfg.SSH.Port != 22 {
		t.Errorf("SSH.Port = %d, want 22", cfg.SSH.Port)
	}
	if !cfg.History.Enabled {
		t.Error("history should be enabled by default")
	}
	if cfg.Patch.NoSigCheck {
		t.Error("signature checks must stay on by default")
	}
	if cfg.Zabbix.Enabled {
		t.Error("zabbix reporting should be off by default")
	}
	if !cfg.API.ManageServices {
		t.Error("shell services should be managed by default")
	}
	if cfg.Patch.AllowClustered {
		t.Error("cluster members must be refused by default")
	}
	if !cfg.Zabbix.VerifySSL {
		t.Error("zabbix frontend certificates should be verified by default")
	}
}

func TestZabbixAPIURL(t *testing.T) {
	tests := []struct {
		front string
		want  string
	}{
		{"http://zabbix.example", "http://zabbix.example/api_jsonrpc.php"},
		{"https://zabbix.example/zabbix/", "https://zabbix.example/zabbix/api_jsonrpc.php"},
	}
	for _, tt := range tests {
		t.Run(tt.front, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Zabbix.FrontURL = tt.front
			if got := cfg.ZabbixAPIURL(); got != tt.want {
				t.Errorf("ZabbixAPIURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	validConfig := func() *Config {
		cfg := DefaultConfig()
		cfg.Patch.Catalog = "https://patches.example/catalog.yaml"
		cfg.Hosts = []HostConfig{
			{Name: "esx01", Address: "10.0.0.1", Username: "root", Password: "env:ESX_PASSWORD", SSHPort: 22, APIPort: 443},
		}
		return cfg
	}

	t.Run("valid config", func(t *testing.T) {
		if err := validConfig().Validate(); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"no hosts", func(c *Config) { c.Hosts = nil }, "at least one host"},
		{"bad address", func(c *Config) { c.Hosts[0].Address = "10.0.0.1; reboot" }, "hosts[0] (esx01)"},
		{"duplicate address", func(c *Config) {
			c.Hosts = append(c.Hosts, HostConfig{Name: "dup", Address: "10.0.0.1", Username: "root", Password: "x", SSHPort: 22, APIPort: 443})
		}, "already used by"},
		{"missing password", func(c *Config) { c.Hosts[0].Password = "" }, "password is required"},
		{"bad ssh port", func(c *Config) { c.Hosts[0].SSHPort = 70000 }, "ssh_port"},
		{"no patch source", func(c *Config) { c.Patch.Catalog = "" }, "patch.catalog or patch.patch_file"},
		{"patch file without target", func(c *Config) {
			c.Patch.Catalog = ""
			c.Patch.PatchFile = "/srv/p.zip"
		}, "patch.target_version is required"},
		{"bad max version", func(c *Config) { c.Patch.MaxVersion = "latest" }, "patch.max_version"},
		{"datastore outside vmfs", func(c *Config) { c.Patch.Datastore = "/tmp" }, "patch.datastore"},
		{"zero concurrency", func(c *Config) { c.Settings.Concurrency = 0 }, "settings.concurrency"},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }, "retry.max_attempts"},
		{"inverted intervals", func(c *Config) { c.Retry.MaxInterval = time.Millisecond }, "retry intervals"},
		{"zero boot timeout", func(c *Config) { c.Timeouts.Boot = 0 }, "timeouts.boot"},
		{"history without path", func(c *Config) { c.History.Path = "" }, "history.path"},
		{"bad pushgateway", func(c *Config) { c.Metrics.PushgatewayURL = "pushgateway:9091" }, "metrics.pushgateway_url"},
		{"zabbix without report host", func(c *Config) {
			c.Zabbix.Enabled = true
			c.Zabbix.ReportHost = ""
		}, "zabbix.report_host"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got: %v", tt.wantErr, err)
			}
		})
	}

	t.Run("problems are reported together", func(t *testing.T) {
		cfg := validConfig()
		cfg.Settings.Concurrency = 0
		cfg.Hosts[0].Password = ""
		err := cfg.Validate()
		if err == nil {
			t.Fatal("expected error")
		}
		for _, want := range []string{"settings.concurrency", "password is required"} {
			if !strings.Contains(err.Error(), want) {
				t.Errorf("error %q does not mention %q", err, want)
			}
		}
	})
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
settings:
  concurrency: 2
  host_pause: 30s
retry:
  max_attempts: 5
timeouts:
  boot: 20m
patch:
  catalog: https://patches.example/catalog.yaml
  max_version: 7.0.3-21930508
  pinned: [ESXi703-202210001]
  allow_clustered: true
api:
  manage_services: false
hosts:
  - name: esx01
    address: 10.0.0.1
    password: env:ESX01_PASSWORD
  - address: esx02.lab.example
    username: admin
    password: file:/etc/esxi-patcher/esx02.pass
    ssh_port: 2222
history:
  path: /tmp/history.db
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Settings.Concurrency != 2 || cfg.Settings.HostPause != 30*time.Second {
		t.Errorf("settings = %+v", cfg.Settings)
	}
	if cfg.Retry.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", cfg.Retry.MaxAttempts)
	}
	if cfg.Timeouts.Boot != 20*time.Minute {
		t.Errorf("Boot = %v, want 20m", cfg.Timeouts.Boot)
	}
	if cfg.Timeouts.Install != 20*time.Minute {
		t.Errorf("Install = %v, want the default 20m", cfg.Timeouts.Install)
	}
	if len(cfg.Patch.Pinned) != 1 || cfg.Patch.Pinned[0] != "ESXi703-202210001" {
		t.Errorf("Pinned = %v", cfg.Patch.Pinned)
	}
	if !cfg.Patch.AllowClustered || cfg.API.ManageServices || !cfg.API.Insecure {
		t.Errorf("allow_clustered = %v, api = %+v", cfg.Patch.AllowClustered, cfg.API)
	}
	if len(cfg.Hosts) != 2 {
		t.Fatalf("hosts = %+v", cfg.Hosts)
	}

	first := cfg.Hosts[0]
	if first.Username != "root" || first.SSHPort != 22 || first.APIPort != 443 {
		t.Errorf("host defaults not applied: %+v", first)
	}
	second := cfg.Hosts[1]
	if second.Name != "esx02.lab.example" || second.Username != "admin" || second.SSHPort != 2222 {
		t.Errorf("second host = %+v", second)
	}
}

func TestLoadINI(t *testing.T) {
	path := writeFile(t, "config.ini", `[settings]
timeout = 600
host_pause = 30
known_hosts = /root/.ssh/known_hosts

[patch]
patch_file = /srv/patches/ESXi702-202210001.zip
target_version = 7.0.2-20036589
no_sig_check = true

[host_lab1]
ip = 10.0.0.1
password = env:LAB1_PASSWORD

[host_lab2]
name = Lab Two
ip = 10.0.0.2
username = admin
password = literal-secret
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Timeouts.Command != 10*time.Minute {
		t.Errorf("Command = %v, want 10m (seconds in INI)", cfg.Timeouts.Command)
	}
	if cfg.Settings.HostPause != 30*time.Second {
		t.Errorf("HostPause = %v, want 30s", cfg.Settings.HostPause)
	}
	if cfg.SSH.KnownHosts != "/root/.ssh/known_hosts" {
		t.Errorf("KnownHosts = %q", cfg.SSH.KnownHosts)
	}
	if !cfg.Patch.NoSigCheck || cfg.Patch.TargetVersion != "7.0.2-20036589" {
		t.Errorf("patch = %+v", cfg.Patch)
	}
	if len(cfg.Hosts) != 2 {
		t.Fatalf("hosts = %+v", cfg.Hosts)
	}
	if h := cfg.Hosts[0]; h.Name != "lab1" || h.Address != "10.0.0.1" || h.Username != "root" {
		t.Errorf("first host = %+v", h)
	}
	if h := cfg.Hosts[1]; h.Name != "Lab Two" || h.Username != "admin" || h.Password != "literal-secret" {
		t.Errorf("second host = %+v", h)
	}
}

func TestLoadINI_UnrecognizedKeys(t *testing.T) {
	path := writeFile(t, "config.ini", `[settings]
timeout = 60
colour = blue

[patch]
patch_file = /srv/p.zip
target_version = 7.0.2-20036589

[host_a]
ip = 10.0.0.1
password = x
vlan = 12

[mystery]
key = value
`)

	cfg, warnings, err := LoadINIWithWarnings(path)
	if err != nil {
		t.Fatalf("LoadINIWithWarnings() error: %v", err)
	}
	if cfg.Timeouts.Command != time.Minute {
		t.Errorf("known keys must still load, Command = %v", cfg.Timeouts.Command)
	}
	if len(warnings) != 3 {
		t.Fatalf("expected 3 warnings, got %d: %v", len(warnings), warnings)
	}
	for _, want := range []string{"[settings] colour", "[host_a] vlan", "[mystery] key"} {
		found := false
		for _, w := range warnings {
			if strings.Contains(w, want) {
				found = true
			}
		}
		if !found {
			t.Errorf("no warning for %s in %v", want, warnings)
		}
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeFile(t, "config.yaml", `
patch:
  catalog: https://patches.example/catalog.yaml
hosts:
  - address: 10.0.0.1
    password: x
`)
	t.Setenv("ESXIPATCH_TIMEOUTS_BOOT", "25m")
	t.Setenv("ESXIPATCH_SETTINGS_CONCURRENCY", "4")
	t.Setenv("ESXIPATCH_PATCH_NO_SIG_CHECK", "true")
	t.Setenv("ESXIPATCH_ZABBIX_API_PASSWORD", "s3cret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Timeouts.Boot != 25*time.Minute {
		t.Errorf("Boot = %v, want 25m", cfg.Timeouts.Boot)
	}
	if cfg.Settings.Concurrency != 4 {
		t.Errorf("Concurrency = %d, want 4", cfg.Settings.Concurrency)
	}
	if !cfg.Patch.NoSigCheck {
		t.Error("NoSigCheck override not applied")
	}
	if cfg.Zabbix.APIPassword != "s3cret" {
		t.Errorf("APIPassword = %q, want the env value", cfg.Zabbix.APIPassword)
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("missing file: %v", err)
	}

	invalid := writeFile(t, "config.yaml", `
settings:
  concurrency: 0
hosts: []
`)
	_, err := Load(invalid)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "settings.concurrency") || !strings.Contains(err.Error(), "at least one host") {
		t.Errorf("error = %v", err)
	}
}

func TestSelectTargets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Hosts = []HostConfig{
		{Name: "esx01", Address: "10.0.0.1", Username: "root", Password: "env:A", SSHPort: 22, APIPort: 443},
		{Name: "esx02", Address: "10.0.0.2", Username: "root", Password: "env:B", SSHPort: 22, APIPort: 443},
		{Name: "esx03", Address: "10.0.0.3", Username: "root", Password: "env:C", SSHPort: 22, APIPort: 443},
	}

	tests := []struct {
		name    string
		filter  []string
		want    []string
		wantErr string
	}{
		{"all", nil, []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}, ""},
		{"by name and address keeps config order", []string{"10.0.0.3", "esx01"}, []string{"10.0.0.1", "10.0.0.3"}, ""},
		{"unknown", []string{"esx01", "esx09"}, nil, "unknown hosts: esx09"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := cfg.SelectTargets(tt.filter)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d targets, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i].Address != tt.want[i] {
					t.Errorf("target %d = %s, want %s", i, got[i].Address, tt.want[i])
				}
			}
		})
	}

	targets := cfg.Targets()
	if targets[1].CredentialsRef != "env:B" || targets[1].SSHPort != 22 {
		t.Errorf("target = %+v", targets[1])
	}
}
