package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"gopkg.in/ini.v1"

	"github.com/kidoz/esxi-patcher-go/internal/hostclient"
	"github.com/kidoz/esxi-patcher-go/internal/patch"
)

// DefaultConfigPath is used when no config file is found in the search paths.
const DefaultConfigPath = "/etc/esxi-patcher/config.yaml"

// EnvPrefix prefixes environment overrides, e.g. ESXIPATCH_TIMEOUTS_BOOT=20m.
const EnvPrefix = "ESXIPATCH_"

// configSearchPaths lists config file paths to try, in priority order.
var configSearchPaths = []string{
	"config.ini", // legacy INI next to the binary, as the old script expected
	"/etc/esxi-patcher/config.yaml",
	"/etc/esxi-patcher/config.ini",
}

// FindConfigPath returns the first existing config file from the search paths.
// If none exist, it returns DefaultConfigPath (which will fail with a clear error).
func FindConfigPath() string {
	for _, path := range configSearchPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return DefaultConfigPath
}

// Config holds the whole patcher configuration.
type Config struct {
	Settings    SettingsConfig    `koanf:"settings"`
	Retry       RetryConfig       `koanf:"retry"`
	Timeouts    TimeoutsConfig    `koanf:"timeouts"`
	Patch       PatchConfig       `koanf:"patch"`
	SSH         SSHConfig         `koanf:"ssh"`
	API         APIConfig         `koanf:"api"`
	Credentials CredentialsConfig `koanf:"credentials"`
	Hosts       []HostConfig      `koanf:"hosts"`
	S3          S3Config          `koanf:"s3"`
	History     HistoryConfig     `koanf:"history"`
	Notify      NotifyConfig      `koanf:"notify"`
	Metrics     MetricsConfig     `koanf:"metrics"`
	Zabbix      ZabbixConfig      `koanf:"zabbix"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
}

// SettingsConfig holds batch-level behaviour.
type SettingsConfig struct {
	Concurrency int           `koanf:"concurrency"`
	HostPause   time.Duration `koanf:"host_pause"`
	LogFile     string        `koanf:"log_file"`
}

// RetryConfig is the single retry policy shared by all retryable transitions.
// MaxAttempts counts the first try.
type RetryConfig struct {
	MaxAttempts     int           `koanf:"max_attempts"`
	InitialInterval time.Duration `koanf:"initial_interval"`
	MaxInterval     time.Duration `koanf:"max_interval"`
	Multiplier      float64       `koanf:"multiplier"`
}

// TimeoutsConfig bounds every network operation.
type TimeoutsConfig struct {
	Connect      time.Duration `koanf:"connect"`
	Command      time.Duration `koanf:"command"`
	Stage        time.Duration `koanf:"stage"`
	Install      time.Duration `koanf:"install"`
	Boot         time.Duration `koanf:"boot"`
	RebootDown   time.Duration `koanf:"reboot_down"`
	PollInterval time.Duration `koanf:"poll_interval"`
}

// PatchConfig describes where patches come from and how they are installed.
type PatchConfig struct {
	Catalog string `koanf:"catalog"`
	// PatchFile + TargetVersion describe a single artifact without a catalog.
	PatchFile     string   `koanf:"patch_file"`
	TargetVersion string   `koanf:"target_version"`
	Pinned        []string `koanf:"pinned"`
	MaxVersion    string   `koanf:"max_version"`
	Datastore     string   `koanf:"datastore"`
	NoSigCheck    bool     `koanf:"no_sig_check"`
	ShutdownVMs   bool     `koanf:"shutdown_vms"`
	// AllowClustered lets cluster members through; guests are then never
	// shut down and must be migrated off before maintenance mode.
	AllowClustered bool `koanf:"allow_clustered"`
}

// APIConfig controls use of the host's vSphere API around SSH sessions.
type APIConfig struct {
	// ManageServices starts the ESXi Shell and SSH services before a
	// session and puts them back as found afterwards.
	ManageServices bool `koanf:"manage_services"`
	Insecure       bool `koanf:"insecure"`
}

// SSHConfig holds transport settings shared by all hosts.
type SSHConfig struct {
	KnownHosts string `koanf:"known_hosts"`
	Port       int    `koanf:"port"`
}

// CredentialsConfig holds settings for resolving host credential references.
type CredentialsConfig struct {
	AgeIdentity string `koanf:"age_identity"`
}

// HostConfig is one host entry. Password is a credential reference.
type HostConfig struct {
	Name        string `koanf:"name"`
	Address     string `koanf:"address"`
	Username    string `koanf:"username"`
	Password    string `koanf:"password"`
	SSHPort     int    `koanf:"ssh_port"`
	APIPort     int    `koanf:"api_port"`
	PatchSource string `koanf:"patch_source"`
}

// S3Config holds settings for s3:// patch sources.
type S3Config struct {
	Endpoint       string `koanf:"endpoint"`
	Region         string `koanf:"region"`
	AccessKey      string `koanf:"access_key"`
	SecretKey      string `koanf:"secret_key"`
	ForcePathStyle bool   `koanf:"force_path_style"`
	DisableTLS     bool   `koanf:"disable_tls"`
}

// HistoryConfig holds the run history database settings.
type HistoryConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

// NotifyConfig holds NATS event publishing settings. Empty URL disables it.
type NotifyConfig struct {
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// MetricsConfig holds Prometheus Pushgateway settings. Empty URL disables it.
type MetricsConfig struct {
	PushgatewayURL string `koanf:"pushgateway_url"`
	Job            string `koanf:"job"`
}

// ZabbixConfig holds zabbix_sender settings for pushing run results and the
// frontend API settings used by the prepare command.
type ZabbixConfig struct {
	Enabled    bool   `koanf:"enabled"`
	ServerFQDN string `koanf:"server_fqdn"`
	ServerPort int    `koanf:"server_port"`
	SenderPath string `koanf:"sender_path"`
	ReportHost string `koanf:"report_host"`

	FrontURL    string        `koanf:"front_url"`
	APIUser     string        `koanf:"api_user"`
	APIPassword string        `koanf:"api_password"`
	VerifySSL   bool          `koanf:"verify_ssl"`
	HostGroup   string        `koanf:"host_group"`
	Template    string        `koanf:"template"`
	APITimeout  time.Duration `koanf:"api_timeout"`
}

// TelemetryConfig holds OpenTelemetry settings
type TelemetryConfig struct {
	Enabled      bool   `koanf:"enabled"`
	OTLPEndpoint string `koanf:"otlp_endpoint"`
}

// DefaultConfig returns a Config with default values
func DefaultConfig() *Config {
	return &Config{
		Settings: SettingsConfig{
			Concurrency: 1,
		},
		Retry: RetryConfig{
			MaxAttempts:     3,
			InitialInterval: 5 * time.Second,
			MaxInterval:     time.Minute,
			Multiplier:      2,
		},
		Timeouts: TimeoutsConfig{
			Connect:      30 * time.Second,
			Command:      5 * time.Minute,
			Stage:        30 * time.Minute,
			Install:      20 * time.Minute,
			Boot:         15 * time.Minute,
			RebootDown:   5 * time.Minute,
			PollInterval: 10 * time.Second,
		},
		SSH: SSHConfig{
			Port: 22,
		},
		API: APIConfig{
			ManageServices: true,
			Insecure:       true,
		},
		History: HistoryConfig{
			Enabled: true,
			Path:    "/var/lib/esxi-patcher/history.db",
		},
		Notify: NotifyConfig{
			SubjectPrefix: "esxipatch",
		},
		Metrics: MetricsConfig{
			Job: "esxi_patcher",
		},
		Zabbix: ZabbixConfig{
			ServerFQDN: "localhost",
			ServerPort: 10051,
			SenderPath: "zabbix_sender",
			ReportHost: "esxi.patcher",
			FrontURL:   "http://localhost",
			APIUser:    "Admin",
			VerifySSL:  true,
			HostGroup:  "ESXi Patcher",
			Template:   "Template ESXi Patcher",
			APITimeout: 30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Enabled: false,
		},
	}
}

// Load reads configuration from a file, auto-detecting format by extension.
// .yaml/.yml → YAML (Koanf), .conf/.ini or anything else → legacy INI.
// Environment variables (ESXIPATCH_ prefix) always override file values.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return loadYAML(path)
	default:
		return loadINI(path)
	}
}

func loadYAML(path string) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k); err != nil {
		return nil, err
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config file: %w", err)
	}

	if err := loadEnvOverrides(k); err != nil {
		return nil, err
	}

	return unmarshalAndValidate(k)
}

// loadINI loads the legacy config.ini layout: [settings], [patch] and one
// [host_*] section per host.
func loadINI(path string) (*Config, error) {
	iniFile, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to parse INI config file: %w", err)
	}

	m, warnings := iniToMap(iniFile)
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "WARNING: %s\n", w)
	}

	k := koanf.New(".")

	if err := loadDefaults(k); err != nil {
		return nil, err
	}

	if err := k.Load(confmap.Provider(m, "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load INI values: %w", err)
	}

	if err := loadEnvOverrides(k); err != nil {
		return nil, err
	}

	return unmarshalAndValidate(k)
}

// LoadINIWithWarnings reads a legacy INI file without env overrides or
// validation. It backs the migrate-config command.
func LoadINIWithWarnings(path string) (*Config, []string, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("config file not found: %s", path)
	}

	iniFile, err := ini.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse INI config file: %w", err)
	}

	m, warnings := iniToMap(iniFile)

	k := koanf.New(".")

	if err := loadDefaults(k); err != nil {
		return nil, nil, err
	}

	if err := k.Load(confmap.Provider(m, "."), nil); err != nil {
		return nil, nil, fmt.Errorf("failed to load INI values: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.applyHostDefaults()

	return &cfg, warnings, nil
}

// iniSectionKeys maps keys of the fixed INI sections to koanf paths.
var iniSectionKeys = map[string]map[string]string{
	"settings": {
		"timeout":     "timeouts.command",
		"concurrency": "settings.concurrency",
		"host_pause":  "settings.host_pause",
		"log_file":    "settings.log_file",
		"known_hosts": "ssh.known_hosts",
	},
	"patch": {
		"patch_file":     "patch.patch_file",
		"target_version": "patch.target_version",
		"catalog":        "patch.catalog",
		"max_version":    "patch.max_version",
		"datastore":      "patch.datastore",
		"no_sig_check":   "patch.no_sig_check",
		"shutdown_vms":   "patch.shutdown_vms",
	},
}

// iniSecondsKeys hold plain second counts in INI files.
var iniSecondsKeys = map[string]bool{
	"timeouts.command":    true,
	"settings.host_pause": true,
}

// iniHostKeys maps [host_*] keys to HostConfig fields. "ip" is the old name
// for address.
var iniHostKeys = map[string]string{
	"name":         "name",
	"ip":           "address",
	"address":      "address",
	"username":     "username",
	"password":     "password",
	"ssh_port":     "ssh_port",
	"api_port":     "api_port",
	"patch_source": "patch_source",
}

// iniToMap maps legacy INI sections to the koanf key namespace. Host
// sections become the hosts list in file order.
func iniToMap(f *ini.File) (map[string]interface{}, []string) {
	m := make(map[string]interface{})
	var warnings []string
	var hosts []interface{}

	for _, section := range f.Sections() {
		name := strings.ToLower(section.Name())

		if strings.HasPrefix(name, "host_") {
			host := make(map[string]interface{})
			for _, key := range section.Keys() {
				field, ok := iniHostKeys[strings.ToLower(key.Name())]
				if !ok {
					warnings = append(warnings, fmt.Sprintf("unrecognized INI key [%s] %s (skipped)", section.Name(), key.Name()))
					continue
				}
				host[field] = key.Value()
			}
			if _, ok := host["name"]; !ok {
				host["name"] = strings.TrimPrefix(section.Name(), "host_")
			}
			hosts = append(hosts, host)
			continue
		}

		keys, known := iniSectionKeys[name]
		for _, key := range section.Keys() {
			koanfKey, ok := keys[strings.ToLower(key.Name())]
			if !known || !ok {
				if section.Name() != ini.DefaultSection {
					warnings = append(warnings, fmt.Sprintf("unrecognized INI key [%s] %s (skipped)", section.Name(), key.Name()))
				}
				continue
			}
			value := key.Value()
			if iniSecondsKeys[koanfKey] && isDigits(value) {
				value += "s"
			}
			m[koanfKey] = value
		}
	}

	if len(hosts) > 0 {
		m["hosts"] = hosts
	}
	return m, warnings
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// --- helpers ---

func loadDefaults(k *koanf.Koanf) error {
	d := DefaultConfig()
	return k.Load(confmap.Provider(map[string]interface{}{
		"settings.concurrency":     d.Settings.Concurrency,
		"settings.host_pause":      d.Settings.HostPause,
		"retry.max_attempts":       d.Retry.MaxAttempts,
		"retry.initial_interval":   d.Retry.InitialInterval,
		"retry.max_interval":       d.Retry.MaxInterval,
		"retry.multiplier":         d.Retry.Multiplier,
		"timeouts.connect":         d.Timeouts.Connect,
		"timeouts.command":         d.Timeouts.Command,
		"timeouts.stage":           d.Timeouts.Stage,
		"timeouts.install":         d.Timeouts.Install,
		"timeouts.boot":            d.Timeouts.Boot,
		"timeouts.reboot_down":     d.Timeouts.RebootDown,
		"timeouts.poll_interval":   d.Timeouts.PollInterval,
		"ssh.port":                 d.SSH.Port,
		"api.manage_services":      d.API.ManageServices,
		"api.insecure":             d.API.Insecure,
		"history.enabled":          d.History.Enabled,
		"history.path":             d.History.Path,
		"notify.subject_prefix":    d.Notify.SubjectPrefix,
		"metrics.job":              d.Metrics.Job,
		"zabbix.server_fqdn":       d.Zabbix.ServerFQDN,
		"zabbix.server_port":       d.Zabbix.ServerPort,
		"zabbix.sender_path":       d.Zabbix.SenderPath,
		"zabbix.report_host":       d.Zabbix.ReportHost,
		"zabbix.front_url":         d.Zabbix.FrontURL,
		"zabbix.api_user":          d.Zabbix.APIUser,
		"zabbix.verify_ssl":        d.Zabbix.VerifySSL,
		"zabbix.host_group":        d.Zabbix.HostGroup,
		"zabbix.template":          d.Zabbix.Template,
		"zabbix.api_timeout":       d.Zabbix.APITimeout,
		"telemetry.enabled":        d.Telemetry.Enabled,
	}, "."), nil)
}

func loadEnvOverrides(k *koanf.Koanf) error {
	// ESXIPATCH_TIMEOUTS_BOOT → timeouts.boot
	return k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		s = strings.ToLower(s)
		if idx := strings.Index(s, "_"); idx >= 0 {
			return s[:idx] + "." + s[idx+1:]
		}
		return s
	}), nil)
}

func unmarshalAndValidate(k *koanf.Koanf) (*Config, error) {
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.applyHostDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyHostDefaults() {
	for i := range c.Hosts {
		h := &c.Hosts[i]
		h.Address = strings.TrimSpace(h.Address)
		if h.Username == "" {
			h.Username = "root"
		}
		if h.SSHPort == 0 {
			h.SSHPort = c.SSH.Port
		}
		if h.APIPort == 0 {
			h.APIPort = 443
		}
		if h.Name == "" {
			h.Name = h.Address
		}
	}
}

// Validate checks the host list and every policy value, reporting all
// problems at once.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Hosts) == 0 {
		errs = append(errs, fmt.Errorf("at least one host is required"))
	}
	seen := make(map[string]string)
	for i, h := range c.Hosts {
		label := fmt.Sprintf("hosts[%d]", i)
		if h.Name != "" {
			label = fmt.Sprintf("hosts[%d] (%s)", i, h.Name)
		}
		if err := hostclient.ValidateAddress(h.Address); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", label, err))
		} else if prev, dup := seen[h.Address]; dup {
			errs = append(errs, fmt.Errorf("%s: address %s already used by %s", label, h.Address, prev))
		} else {
			seen[h.Address] = label
		}
		if err := hostclient.ValidateUsername(h.Username); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", label, err))
		}
		if h.Password == "" {
			errs = append(errs, fmt.Errorf("%s: password is required", label))
		}
		if !validPort(h.SSHPort) {
			errs = append(errs, fmt.Errorf("%s: ssh_port must be between 1 and 65535, got %d", label, h.SSHPort))
		}
		if !validPort(h.APIPort) {
			errs = append(errs, fmt.Errorf("%s: api_port must be between 1 and 65535, got %d", label, h.APIPort))
		}
	}

	if c.Patch.Catalog == "" && c.Patch.PatchFile == "" && !c.everyHostHasSource() {
		errs = append(errs, fmt.Errorf("patch.catalog or patch.patch_file is required"))
	}
	if c.Patch.PatchFile != "" {
		if c.Patch.TargetVersion == "" {
			errs = append(errs, fmt.Errorf("patch.target_version is required with patch.patch_file"))
		} else if _, err := patch.ParseVersion(c.Patch.TargetVersion); err != nil {
			errs = append(errs, fmt.Errorf("patch.target_version: %w", err))
		}
	}
	if c.Patch.MaxVersion != "" {
		if _, err := patch.ParseVersion(c.Patch.MaxVersion); err != nil {
			errs = append(errs, fmt.Errorf("patch.max_version: %w", err))
		}
	}
	if c.Patch.Datastore != "" && !strings.HasPrefix(c.Patch.Datastore, "/vmfs/volumes/") {
		errs = append(errs, fmt.Errorf("patch.datastore must be under /vmfs/volumes/, got %q", c.Patch.Datastore))
	}

	if c.Settings.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("settings.concurrency must be at least 1, got %d", c.Settings.Concurrency))
	}
	if c.Settings.HostPause < 0 {
		errs = append(errs, fmt.Errorf("settings.host_pause must not be negative"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts))
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("retry.multiplier must be at least 1, got %g", c.Retry.Multiplier))
	}
	if c.Retry.InitialInterval <= 0 || c.Retry.MaxInterval < c.Retry.InitialInterval {
		errs = append(errs, fmt.Errorf("retry intervals must satisfy 0 < initial_interval <= max_interval"))
	}

	for _, t := range []struct {
		name string
		d    time.Duration
	}{
		{"connect", c.Timeouts.Connect},
		{"command", c.Timeouts.Command},
		{"stage", c.Timeouts.Stage},
		{"install", c.Timeouts.Install},
		{"boot", c.Timeouts.Boot},
		{"poll_interval", c.Timeouts.PollInterval},
	} {
		if t.d <= 0 {
			errs = append(errs, fmt.Errorf("timeouts.%s must be greater than 0", t.name))
		}
	}
	if c.Timeouts.RebootDown < 0 {
		errs = append(errs, fmt.Errorf("timeouts.reboot_down must not be negative"))
	}

	if c.History.Enabled && c.History.Path == "" {
		errs = append(errs, fmt.Errorf("history.path is required when history is enabled"))
	}
	if c.Metrics.PushgatewayURL != "" {
		u, err := url.Parse(c.Metrics.PushgatewayURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("metrics.pushgateway_url must be a valid URL with scheme and host"))
		}
	}
	if c.Zabbix.Enabled {
		if !validPort(c.Zabbix.ServerPort) {
			errs = append(errs, fmt.Errorf("zabbix.server_port must be between 1 and 65535, got %d", c.Zabbix.ServerPort))
		}
		if c.Zabbix.ReportHost == "" {
			errs = append(errs, fmt.Errorf("zabbix.report_host is required when zabbix is enabled"))
		}
	}

	return errors.Join(errs...)
}

func (c *Config) everyHostHasSource() bool {
	if len(c.Hosts) == 0 {
		return false
	}
	for _, h := range c.Hosts {
		if h.PatchSource == "" {
			return false
		}
	}
	return true
}

func validPort(p int) bool { return p >= 1 && p <= 65535 }

// ZabbixAPIURL returns the full Zabbix API URL
func (c *Config) ZabbixAPIURL() string {
	return strings.TrimRight(c.Zabbix.FrontURL, "/") + "/api_jsonrpc.php"
}

// Targets converts the host list into the immutable per-host values the
// patcher consumes.
func (c *Config) Targets() []patch.HostTarget {
	targets := make([]patch.HostTarget, 0, len(c.Hosts))
	for _, h := range c.Hosts {
		targets = append(targets, patch.HostTarget{
			Name:           h.Name,
			Address:        h.Address,
			Username:       h.Username,
			CredentialsRef: h.Password,
			SSHPort:        h.SSHPort,
			APIPort:        h.APIPort,
			PatchSource:    h.PatchSource,
		})
	}
	return targets
}

// SelectTargets returns the targets whose name or address is listed, in
// configuration order. An empty filter selects every host.
func (c *Config) SelectTargets(filter []string) ([]patch.HostTarget, error) {
	all := c.Targets()
	if len(filter) == 0 {
		return all, nil
	}
	want := make(map[string]bool, len(filter))
	for _, f := range filter {
		want[strings.TrimSpace(f)] = true
	}
	var out []patch.HostTarget
	for _, t := range all {
		if want[t.Name] || want[t.Address] {
			out = append(out, t)
			delete(want, t.Name)
			delete(want, t.Address)
		}
	}
	if len(want) > 0 {
		unknown := make([]string, 0, len(want))
		for name := range want {
			unknown = append(unknown, name)
		}
		sort.Strings(unknown)
		return nil, fmt.Errorf("unknown hosts: %s", strings.Join(unknown, ", "))
	}
	return out, nil
}
