package patch

import (
	"net"
	"path"
	"strconv"
	"strings"
	"time"
)

// HostTarget is one host from the configuration. It is never mutated after
// load; Address is its identity in reports.
type HostTarget struct {
	Name           string `json:"name"`
	Address        string `json:"address"`
	Username       string `json:"username"`
	CredentialsRef string `json:"-"`
	SSHPort        int    `json:"ssh_port"`
	APIPort        int    `json:"api_port"`
	// PatchSource overrides the global catalog location for this host.
	PatchSource string `json:"patch_source,omitempty"`
}

// ID returns the identity used to key results.
func (h HostTarget) ID() string { return h.Address }

// DisplayName prefers the configured name and falls back to the address.
func (h HostTarget) DisplayName() string {
	if h.Name != "" {
		return h.Name
	}
	return h.Address
}

func (h HostTarget) SSHAddr() string {
	return net.JoinHostPort(h.Address, strconv.Itoa(h.SSHPort))
}

func (h HostTarget) APIAddr() string {
	return net.JoinHostPort(h.Address, strconv.Itoa(h.APIPort))
}

// Kind selects the esxcli install flavour for an artifact.
type Kind string

const (
	KindDepot   Kind = "depot"   // offline bundle zip, esxcli software vib update -d
	KindVIB     Kind = "vib"     // single VIB, esxcli software vib install -v
	KindProfile Kind = "profile" // image profile from a depot, esxcli software profile update
)

// Artifact is one installable patch. It moves a host from at least Requires
// to exactly Target.
type Artifact struct {
	ID        string    `json:"id"`
	Requires  Version   `json:"requires"`
	Target    Version   `json:"target"`
	Location  string    `json:"location"`
	Size      int64     `json:"size,omitempty"`
	SHA256    string    `json:"sha256,omitempty"`
	Published time.Time `json:"published,omitzero"`
	Mandatory bool      `json:"mandatory,omitempty"`
	Kind      Kind      `json:"kind"`
	Profile   string    `json:"profile,omitempty"`
}

// FileName is the name the artifact is staged under on the host.
func (a Artifact) FileName() string {
	ext := path.Ext(a.Location)
	if ext == "" || strings.Contains(ext, "?") {
		ext = ".zip"
		if a.Kind == KindVIB {
			ext = ".vib"
		}
	}
	return a.ID + ext
}

// KindFromLocation guesses the install flavour from a file name.
func KindFromLocation(location string) Kind {
	if strings.HasSuffix(strings.ToLower(location), ".vib") {
		return KindVIB
	}
	return KindDepot
}

// Plan is the ordered list of artifacts to apply to one host.
type Plan struct {
	From      Version    `json:"from"`
	Artifacts []Artifact `json:"artifacts"`
}

func (p Plan) Empty() bool { return len(p.Artifacts) == 0 }

// Target returns the version the host reaches after the whole plan, or From
// for an empty plan.
func (p Plan) Target() Version {
	if p.Empty() {
		return p.From
	}
	return p.Artifacts[len(p.Artifacts)-1].Target
}

// Monotonic reports whether every step strictly raises the version, starting
// above From.
func (p Plan) Monotonic() bool {
	cur := p.From
	for _, a := range p.Artifacts {
		if !cur.Less(a.Target) {
			return false
		}
		cur = a.Target
	}
	return true
}

// IDs lists the artifact ids in order.
func (p Plan) IDs() []string {
	ids := make([]string, len(p.Artifacts))
	for i, a := range p.Artifacts {
		ids[i] = a.ID
	}
	return ids
}
