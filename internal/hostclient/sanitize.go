package hostclient

import (
	"fmt"
	"net"
	"regexp"
	"strings"
)

var (
	usernameRe   = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9._-]*$`)
	artifactIDRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._+-]*$`)
	// datastorePathRe matches absolute paths built from safe path segments.
	datastorePathRe = regexp.MustCompile(`^/vmfs/volumes/[a-zA-Z0-9._/ -]+$`)
	profileRe       = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)
	// fqdnRe validates a hostname: starts and ends with alphanumeric, allows
	// dots and hyphens in between. Labels are checked in isValidFQDN.
	fqdnRe = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9.-]{0,251}[a-zA-Z0-9])?$`)
)

// ValidateAddress accepts an IP address or a DNS name.
func ValidateAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("host address is empty")
	}
	if net.ParseIP(addr) != nil {
		return nil
	}
	if isValidFQDN(addr) {
		return nil
	}
	return fmt.Errorf("invalid host address (not a valid IP or hostname): %q", addr)
}

func isValidFQDN(s string) bool {
	if len(s) > 253 {
		return false
	}
	if !fqdnRe.MatchString(s) {
		return false
	}
	for _, label := range strings.Split(s, ".") {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
	}
	return true
}

// ValidateUsername validates that an SSH username contains only safe characters.
func ValidateUsername(user string) error {
	if user == "" {
		return fmt.Errorf("username is empty")
	}
	if len(user) > 64 {
		return fmt.Errorf("username too long: %d chars", len(user))
	}
	if !usernameRe.MatchString(user) {
		return fmt.Errorf("invalid username: %q", user)
	}
	return nil
}

// ValidateArtifactID guards ids that end up in remote file names.
func ValidateArtifactID(id string) error {
	if id == "" {
		return fmt.Errorf("artifact id is empty")
	}
	if len(id) > 128 {
		return fmt.Errorf("artifact id too long: %d chars", len(id))
	}
	if !artifactIDRe.MatchString(id) {
		return fmt.Errorf("invalid artifact id: %q", id)
	}
	return nil
}

// ValidateProfileName guards image profile names passed to esxcli.
func ValidateProfileName(name string) error {
	if !profileRe.MatchString(name) || len(name) > 128 {
		return fmt.Errorf("invalid image profile name: %q", name)
	}
	return nil
}

// ValidateDatastorePath checks a staging directory on the host.
func ValidateDatastorePath(p string) error {
	if !datastorePathRe.MatchString(p) || strings.Contains(p, "..") {
		return fmt.Errorf("invalid datastore path: %q", p)
	}
	return nil
}

// ShellQuote wraps s in single quotes for the ESXi busybox shell.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
