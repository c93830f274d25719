package hostclient

import (
	"strings"
	"testing"
)

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"valid IPv4", "192.168.1.101", false},
		{"valid IPv6", "fe80::1", false},
		{"valid FQDN", "esxi01.lab.example.com", false},
		{"single label", "esxi01", false},
		{"empty", "", true},
		{"shell injection", "host;rm -rf /", true},
		{"spaces", "my host", true},
		{"leading hyphen", "-host", true},
		{"label too long", strings.Repeat("a", 64) + ".com", true},
		{"empty label", "host..com", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAddress(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateAddress(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateUsername(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"root", "root", false},
		{"with dot", "svc.patch", false},
		{"empty", "", true},
		{"starts with digit", "1admin", true},
		{"injection", "root;id", true},
		{"too long", strings.Repeat("a", 65), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUsername(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateUsername(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateArtifactID(t *testing.T) {
	valid := []string{"ESXi70U3o-22348816", "VMware-ESXi-8.0U2-22380479-depot", "p1"}
	for _, id := range valid {
		if err := ValidateArtifactID(id); err != nil {
			t.Errorf("ValidateArtifactID(%q) unexpected error: %v", id, err)
		}
	}
	invalid := []string{"", "../etc/passwd", "a b", "x;reboot", "$(id)"}
	for _, id := range invalid {
		if err := ValidateArtifactID(id); err == nil {
			t.Errorf("ValidateArtifactID(%q) expected error", id)
		}
	}
}

func TestValidateDatastorePath(t *testing.T) {
	if err := ValidateDatastorePath("/vmfs/volumes/datastore1"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateDatastorePath("/vmfs/volumes/Local SSD/patches"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	for _, p := range []string{"/tmp", "/vmfs/volumes/../../etc", "/vmfs/volumes/ds;reboot", ""} {
		if err := ValidateDatastorePath(p); err == nil {
			t.Errorf("ValidateDatastorePath(%q) expected error", p)
		}
	}
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"plain", `'plain'`},
		{"with space", `'with space'`},
		{"it's", `'it'\''s'`},
	}
	for _, tt := range tests {
		if got := ShellQuote(tt.input); got != tt.want {
			t.Errorf("ShellQuote(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
