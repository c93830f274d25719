package cmd

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kidoz/esxi-patcher-go/internal/config"
)

var migrateOutput string

var migrateCmd = &cobra.Command{
	Use:   "migrate-config [config.ini]",
	Short: "Convert a legacy INI config to YAML",
	Long: `Read a legacy config.ini ([settings], [patch] and one [host_*] section
per host) and write the equivalent YAML configuration. Values equal to
the defaults are left out.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := "config.ini"
		if len(args) == 1 {
			in = args[0]
		}

		cfg, warnings, err := config.LoadINIWithWarnings(in)
		if err != nil {
			return err
		}
		for _, w := range warnings {
			_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "WARNING: %s\n", w)
		}

		out, err := renderYAML(cfg)
		if err != nil {
			return err
		}

		if migrateOutput == "" || migrateOutput == "-" {
			_, err = cmd.OutOrStdout().Write(out)
			return err
		}
		if err := os.WriteFile(migrateOutput, out, 0o600); err != nil {
			return fmt.Errorf("failed to write %s: %w", migrateOutput, err)
		}
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %s\n", migrateOutput)
		return nil
	},
}

func init() {
	migrateCmd.Flags().StringVarP(&migrateOutput, "output", "o", "", "output file (default stdout)")

	rootCmd.AddCommand(migrateCmd)
}

// renderYAML writes cfg as YAML, leaving out values equal to the defaults.
func renderYAML(cfg *config.Config) ([]byte, error) {
	d := config.DefaultConfig()
	var b bytes.Buffer

	b.WriteString("# Generated by esxi-patcher migrate-config\n")

	var settings []string
	if cfg.Settings.Concurrency != d.Settings.Concurrency {
		settings = append(settings, "concurrency: "+strconv.Itoa(cfg.Settings.Concurrency))
	}
	if cfg.Settings.HostPause != d.Settings.HostPause {
		settings = append(settings, "host_pause: "+cfg.Settings.HostPause.String())
	}
	if cfg.Settings.LogFile != "" {
		settings = append(settings, "log_file: "+yamlQuote(cfg.Settings.LogFile))
	}
	writeSection(&b, "settings", settings)

	if cfg.Timeouts.Command != d.Timeouts.Command {
		writeSection(&b, "timeouts", []string{"command: " + cfg.Timeouts.Command.String()})
	}
	if cfg.SSH.KnownHosts != "" {
		writeSection(&b, "ssh", []string{"known_hosts: " + yamlQuote(cfg.SSH.KnownHosts)})
	}

	var p []string
	for _, kv := range []struct{ key, value string }{
		{"catalog", cfg.Patch.Catalog},
		{"patch_file", cfg.Patch.PatchFile},
		{"target_version", cfg.Patch.TargetVersion},
		{"max_version", cfg.Patch.MaxVersion},
		{"datastore", cfg.Patch.Datastore},
	} {
		if kv.value != "" {
			p = append(p, kv.key+": "+yamlQuote(kv.value))
		}
	}
	if cfg.Patch.NoSigCheck {
		p = append(p, "no_sig_check: true")
	}
	if cfg.Patch.ShutdownVMs {
		p = append(p, "shutdown_vms: true")
	}
	writeSection(&b, "patch", p)

	if len(cfg.Hosts) == 0 {
		return nil, fmt.Errorf("no [host_*] sections found")
	}
	b.WriteString("\n# Passwords may be literals or references: env:NAME, file:/path, age:/path\n")
	b.WriteString("hosts:\n")
	for _, h := range cfg.Hosts {
		fmt.Fprintf(&b, "  - name: %s\n", yamlQuote(h.Name))
		fmt.Fprintf(&b, "    address: %s\n", yamlQuote(h.Address))
		if h.Username != "root" {
			fmt.Fprintf(&b, "    username: %s\n", yamlQuote(h.Username))
		}
		fmt.Fprintf(&b, "    password: %s\n", yamlQuote(h.Password))
		if h.SSHPort != d.SSH.Port {
			fmt.Fprintf(&b, "    ssh_port: %d\n", h.SSHPort)
		}
		if h.APIPort != 443 {
			fmt.Fprintf(&b, "    api_port: %d\n", h.APIPort)
		}
		if h.PatchSource != "" {
			fmt.Fprintf(&b, "    patch_source: %s\n", yamlQuote(h.PatchSource))
		}
	}

	return b.Bytes(), nil
}

func writeSection(b *bytes.Buffer, name string, lines []string) {
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s:\n", name)
	for _, l := range lines {
		fmt.Fprintf(b, "  %s\n", l)
	}
}

// yamlQuote double-quotes values YAML would misread as another type or
// syntax.
func yamlQuote(s string) string {
	if s == "" || needsQuote(s) {
		return `"` + strings.ReplaceAll(strings.ReplaceAll(s, `\`, `\\`), `"`, `\"`) + `"`
	}
	return s
}

func needsQuote(s string) bool {
	if strings.TrimSpace(s) != s || strings.ContainsAny(s, ":#\"'\n\t") {
		return true
	}
	if strings.ContainsRune("-?[]{},&*!|>%@`", rune(s[0])) {
		return true
	}
	switch strings.ToLower(s) {
	case "true", "false", "yes", "no", "on", "off", "null", "~", "y", "n":
		return true
	}
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		return true
	}
	return false
}
